package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"visual-novel-server/internal/config"
	"visual-novel-server/pkg/taskmanager"
)

var (
	// ErrUnknownModel - модель отсутствует в каталоге.
	ErrUnknownModel = errors.New("unknown video model")
	// ErrGenerationFailed - провайдер не смог сгенерировать видео.
	ErrGenerationFailed = errors.New("video generation failed")
	// ErrImageNotSupported - модель не принимает начальный кадр.
	ErrImageNotSupported = errors.New("model does not accept an input image")
)

var _ taskmanager.VideoGenerator = (*Router)(nil)

// Router выбирает провайдера по идентификатору модели.
type Router struct {
	defaultModel string
	specs        map[string]config.ModelSpec
	providers    map[string]taskmanager.VideoGenerator
	logger       *zap.Logger
}

// NewRouter создает HTTP-провайдеров для всех моделей каталога.
func NewRouter(catalog *config.ModelCatalog, httpClient *http.Client, logger *zap.Logger) *Router {
	r := &Router{
		defaultModel: catalog.DefaultModel,
		specs:        make(map[string]config.ModelSpec, len(catalog.Models)),
		providers:    make(map[string]taskmanager.VideoGenerator, len(catalog.Models)),
		logger:       logger.Named("ProviderRouter"),
	}
	for _, spec := range catalog.Models {
		apiKey := ""
		if spec.APIKeyEnv != "" {
			apiKey = os.Getenv(spec.APIKeyEnv)
			if apiKey == "" {
				r.logger.Warn("API key env is empty for model", zap.String("model", spec.ID), zap.String("env", spec.APIKeyEnv))
			}
		}
		r.Register(spec, NewHTTPProvider(spec, apiKey, httpClient, logger))
	}
	return r
}

// Register добавляет (или заменяет) провайдера для модели.
func (r *Router) Register(spec config.ModelSpec, p taskmanager.VideoGenerator) {
	r.specs[spec.ID] = spec
	r.providers[spec.ID] = p
}

// DefaultModel возвращает модель по умолчанию.
func (r *Router) DefaultModel() string {
	return r.defaultModel
}

// Models возвращает описания зарегистрированных моделей.
func (r *Router) Models() []config.ModelSpec {
	out := make([]config.ModelSpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	return out
}

// Resolve проверяет модель и возвращает её идентификатор (пустой означает модель по умолчанию).
func (r *Router) Resolve(model string, withImage bool) (string, error) {
	if model == "" {
		model = r.defaultModel
	}
	spec, ok := r.specs[model]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	if withImage && !spec.SupportsImage {
		return "", fmt.Errorf("%w: %q", ErrImageNotSupported, model)
	}
	return model, nil
}

// Generate делегирует запрос провайдеру модели.
func (r *Router) Generate(ctx context.Context, req taskmanager.VideoRequest) (*taskmanager.VideoResult, error) {
	model, err := r.Resolve(req.Model, len(req.ImageData) > 0)
	if err != nil {
		return nil, err
	}
	req.Model = model
	spec := r.specs[model]

	start := time.Now()
	result, err := r.providers[model].Generate(ctx, req)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	generationDuration.WithLabelValues(spec.Provider, outcome).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	if result.Metadata == nil {
		result.Metadata = map[string]string{}
	}
	result.Metadata["model"] = model
	result.Metadata["provider"] = spec.Provider
	return result, nil
}
