package media

import (
	"context"
	"fmt"
	"path"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

var _ Store = (*GCSStore)(nil)

// GCSStore сохраняет файлы в бакет Google Cloud Storage.
type GCSStore struct {
	client   *storage.Client
	bucket   string
	prefix   string
	maxBytes int64
	logger   *zap.Logger
}

// NewGCSStore создает хранилище поверх готового клиента GCS.
func NewGCSStore(client *storage.Client, bucket, prefix string, maxBytes int64, logger *zap.Logger) *GCSStore {
	return &GCSStore{
		client:   client,
		bucket:   bucket,
		prefix:   prefix,
		maxBytes: maxBytes,
		logger:   logger.Named("GCSMediaStore"),
	}
}

// ObjectName возвращает полное имя объекта в бакете.
func (s *GCSStore) ObjectName(fileName string) string {
	if s.prefix == "" {
		return fileName
	}
	return path.Join(s.prefix, fileName)
}

// PublicURL возвращает публичный адрес объекта.
func (s *GCSStore) PublicURL(objectName string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, objectName)
}

func (s *GCSStore) Save(ctx context.Context, name string, data []byte, mimeType string) (string, error) {
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	fileName, detected, err := resolveObject(name, data, mimeType)
	if err != nil {
		return "", err
	}
	objectName := s.ObjectName(fileName)

	writer := s.client.Bucket(s.bucket).Object(objectName).NewWriter(ctx)
	writer.ContentType = detected
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		s.logger.Error("Failed to upload media to GCS", zap.String("object", objectName), zap.Error(err))
		return "", fmt.Errorf("failed to upload %s: %w", objectName, err)
	}
	// Объект создается только после успешного Close.
	if err := writer.Close(); err != nil {
		s.logger.Error("Failed to finalize GCS upload", zap.String("object", objectName), zap.Error(err))
		return "", fmt.Errorf("failed to finalize upload of %s: %w", objectName, err)
	}

	s.logger.Info("Media uploaded to GCS",
		zap.String("bucket", s.bucket),
		zap.String("object", objectName),
		zap.Int("size_bytes", len(data)),
	)
	return s.PublicURL(objectName), nil
}
