package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"visual-novel-server/internal/config"
	"visual-novel-server/internal/media"
	"visual-novel-server/pkg/taskmanager"
)

// Статусы задания на стороне провайдера
const (
	jobStatusPending   = "pending"
	jobStatusRunning   = "running"
	jobStatusSucceeded = "succeeded"
	jobStatusFailed    = "failed"
)

const maxVideoDownloadBytes = 512 << 20

var errJobPending = errors.New("generation job is still in progress")

type submitRequest struct {
	Model      string `json:"model"`
	Prompt     string `json:"prompt"`
	Image      string `json:"image,omitempty"`
	ImageModel string `json:"image_model,omitempty"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type jobResponse struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	VideoURL string            `json:"video_url"`
	Error    string            `json:"error"`
	Metadata map[string]string `json:"metadata"`
}

var _ taskmanager.VideoGenerator = (*HTTPProvider)(nil)

// HTTPProvider работает с асинхронным API генерации: отправка задания,
// опрос статуса и загрузка готового файла.
type HTTPProvider struct {
	spec         config.ModelSpec
	apiKey       string
	client       *http.Client
	pollInterval time.Duration
	maxPolls     int
	logger       *zap.Logger
}

// Option настраивает HTTPProvider.
type Option func(*HTTPProvider)

// WithPollInterval переопределяет интервал опроса из каталога.
func WithPollInterval(d time.Duration) Option {
	return func(p *HTTPProvider) { p.pollInterval = d }
}

// NewHTTPProvider создает клиента для модели из каталога.
func NewHTTPProvider(spec config.ModelSpec, apiKey string, client *http.Client, logger *zap.Logger, opts ...Option) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	p := &HTTPProvider{
		spec:         spec,
		apiKey:       apiKey,
		client:       client,
		pollInterval: spec.PollInterval(),
		maxPolls:     spec.MaxPolls,
		logger:       logger.Named("HTTPProvider").With(zap.String("provider", spec.Provider), zap.String("model", spec.ID)),
	}
	if p.maxPolls <= 0 {
		p.maxPolls = 60
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Generate отправляет задание, дожидается его завершения и скачивает видео.
func (p *HTTPProvider) Generate(ctx context.Context, req taskmanager.VideoRequest) (*taskmanager.VideoResult, error) {
	jobID, err := p.submit(ctx, req)
	if err != nil {
		return nil, err
	}
	log := p.logger.With(zap.String("job_id", jobID))
	log.Info("Generation job submitted")

	job, err := p.waitForJob(ctx, jobID)
	if err != nil {
		log.Warn("Generation job did not succeed", zap.Error(err))
		return nil, err
	}

	video, err := p.download(ctx, job.VideoURL)
	if err != nil {
		log.Error("Failed to download generated video", zap.Error(err))
		return nil, err
	}
	kind, err := media.DetectVideo(video)
	if err != nil {
		log.Error("Provider returned non-video content", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	log.Info("Generated video received", zap.Int("size_bytes", len(video)), zap.String("mime_type", kind.MIMEType))
	metadata := map[string]string{"job_id": jobID}
	for k, v := range job.Metadata {
		metadata[k] = v
	}
	return &taskmanager.VideoResult{Video: video, MIMEType: kind.MIMEType, Metadata: metadata}, nil
}

func (p *HTTPProvider) submit(ctx context.Context, req taskmanager.VideoRequest) (string, error) {
	payload := submitRequest{Model: p.spec.ID, Prompt: req.Prompt, ImageModel: req.ImageModel}
	if len(req.ImageData) > 0 {
		payload.Image = base64.StdEncoding.EncodeToString(req.ImageData)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/v1/generations"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var resp submitResponse
	if err := p.doJSON(httpReq, &resp); err != nil {
		return "", fmt.Errorf("%w: submit: %v", ErrGenerationFailed, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: provider returned empty job id", ErrGenerationFailed)
	}
	return resp.ID, nil
}

func (p *HTTPProvider) waitForJob(ctx context.Context, jobID string) (*jobResponse, error) {
	operation := func() (*jobResponse, error) {
		pollsTotal.WithLabelValues(p.spec.Provider).Inc()

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("/v1/generations/"+url.PathEscape(jobID)), nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		var job jobResponse
		if err := p.doJSON(httpReq, &job); err != nil {
			// Сетевые ошибки и 5xx повторяем в пределах лимита опросов.
			var statusErr *httpStatusError
			if errors.As(err, &statusErr) && statusErr.code < http.StatusInternalServerError {
				return nil, backoff.Permanent(fmt.Errorf("%w: poll: %v", ErrGenerationFailed, err))
			}
			return nil, err
		}

		switch job.Status {
		case jobStatusSucceeded:
			if job.VideoURL == "" {
				return nil, backoff.Permanent(fmt.Errorf("%w: job succeeded without video url", ErrGenerationFailed))
			}
			return &job, nil
		case jobStatusFailed:
			msg := job.Error
			if msg == "" {
				msg = "provider reported failure"
			}
			return nil, backoff.Permanent(fmt.Errorf("%w: %s", ErrGenerationFailed, msg))
		case jobStatusPending, jobStatusRunning, "":
			return nil, errJobPending
		default:
			return nil, backoff.Permanent(fmt.Errorf("%w: unexpected job status %q", ErrGenerationFailed, job.Status))
		}
	}

	job, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.pollInterval)),
		backoff.WithMaxTries(uint(p.maxPolls)),
		backoff.WithMaxElapsedTime(time.Duration(p.maxPolls+1)*p.pollInterval+time.Minute),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, errJobPending) {
			return nil, fmt.Errorf("%w: job %s did not finish after %d polls", ErrGenerationFailed, jobID, p.maxPolls)
		}
		if errors.Is(err, ErrGenerationFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: poll: %v", ErrGenerationFailed, err)
	}
	return job, nil
}

func (p *HTTPProvider) download(ctx context.Context, videoURL string) ([]byte, error) {
	target := videoURL
	if strings.HasPrefix(videoURL, "/") {
		target = p.endpoint(videoURL)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}
	// Ключ передается только собственному хосту провайдера.
	if strings.HasPrefix(target, strings.TrimRight(p.spec.BaseURL, "/")+"/") {
		p.authorize(httpReq)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: download: %v", ErrGenerationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: download returned status %d", ErrGenerationFailed, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxVideoDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read video: %v", ErrGenerationFailed, err)
	}
	if len(data) > maxVideoDownloadBytes {
		return nil, fmt.Errorf("%w: video exceeds %d bytes", ErrGenerationFailed, maxVideoDownloadBytes)
	}
	return data, nil
}

type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.code, e.body)
}

func (p *HTTPProvider) doJSON(req *http.Request, out any) error {
	p.authorize(req)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &httpStatusError{code: resp.StatusCode, body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (p *HTTPProvider) authorize(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

func (p *HTTPProvider) endpoint(path string) string {
	return strings.TrimRight(p.spec.BaseURL, "/") + path
}
