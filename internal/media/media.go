package media

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/h2non/filetype"
)

var (
	// ErrNotVideo - содержимое не распознано как видео.
	ErrNotVideo = errors.New("content is not a video")
	// ErrInvalidName - недопустимое имя объекта.
	ErrInvalidName = errors.New("invalid media object name")
	// ErrTooLarge - файл превышает допустимый размер.
	ErrTooLarge = errors.New("media file is too large")
)

// Store сохраняет сгенерированные медиафайлы и возвращает их публичный URL.
type Store interface {
	Save(ctx context.Context, name string, data []byte, mimeType string) (string, error)
}

// Kind описывает распознанный тип файла.
type Kind struct {
	Extension string
	MIMEType  string
}

// DetectVideo определяет тип видео по сигнатуре содержимого.
func DetectVideo(data []byte) (Kind, error) {
	if len(data) == 0 {
		return Kind{}, fmt.Errorf("%w: empty content", ErrNotVideo)
	}
	kind, err := filetype.Match(data)
	if err != nil {
		return Kind{}, fmt.Errorf("failed to detect content type: %w", err)
	}
	if kind == filetype.Unknown || kind.MIME.Type != "video" {
		return Kind{}, fmt.Errorf("%w: detected %q", ErrNotVideo, kind.MIME.Value)
	}
	return Kind{Extension: kind.Extension, MIMEType: kind.MIME.Value}, nil
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// resolveObject проверяет имя и подбирает расширение и MIME-тип файла.
func resolveObject(name string, data []byte, mimeType string) (string, string, error) {
	if !validName.MatchString(name) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if kind, err := DetectVideo(data); err == nil {
		return name + "." + kind.Extension, kind.MIMEType, nil
	}
	if ext, ok := extensionFromMIME(mimeType); ok {
		return name + "." + ext, mimeType, nil
	}
	return name + ".bin", "application/octet-stream", nil
}

func extensionFromMIME(mimeType string) (string, bool) {
	mimeType = strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	switch mimeType {
	case "video/mp4":
		return "mp4", true
	case "video/webm":
		return "webm", true
	case "video/quicktime":
		return "mov", true
	}
	return "", false
}
