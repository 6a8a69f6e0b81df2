package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

var _ Store = (*LocalStore)(nil)

// LocalStore сохраняет файлы в локальную директорию, раздаваемую как статика.
type LocalStore struct {
	savePath      string
	publicBaseURL string
	maxBytes      int64
	logger        *zap.Logger
}

// NewLocalStore создает хранилище и директорию для файлов.
func NewLocalStore(savePath, publicBaseURL string, maxBytes int64, logger *zap.Logger) (*LocalStore, error) {
	if savePath == "" {
		return nil, fmt.Errorf("media save path is empty")
	}
	if err := os.MkdirAll(savePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media directory %s: %w", savePath, err)
	}
	return &LocalStore{
		savePath:      savePath,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		maxBytes:      maxBytes,
		logger:        logger.Named("LocalMediaStore"),
	}, nil
}

// Save записывает файл во временный путь и атомарно переименовывает его.
func (s *LocalStore) Save(ctx context.Context, name string, data []byte, mimeType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	fileName, detected, err := resolveObject(name, data, mimeType)
	if err != nil {
		return "", err
	}

	filePath := filepath.Join(s.savePath, fileName)
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		s.logger.Error("Failed to write media file", zap.String("path", tmpPath), zap.Error(err))
		return "", fmt.Errorf("failed to write media file: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		_ = os.Remove(tmpPath)
		s.logger.Error("Failed to move media file into place", zap.String("path", filePath), zap.Error(err))
		return "", fmt.Errorf("failed to store media file: %w", err)
	}

	url := s.publicBaseURL + "/" + fileName
	s.logger.Info("Media file saved",
		zap.String("path", filePath),
		zap.String("mime_type", detected),
		zap.Int("size_bytes", len(data)),
	)
	return url, nil
}
