package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"visual-novel-server/internal/config"
)

// ErrAIGenerationFailed - ошибка при генерации текста AI
var ErrAIGenerationFailed = errors.New("AI text generation failed")

// Поддерживаемые типы клиентов
const (
	ClientTypeOpenAI = "openai"
	ClientTypeOllama = "ollama"
)

// GenerationParams - параметры генерации. nil означает значение по умолчанию API.
type GenerationParams struct {
	Temperature *float64
	MaxTokens   *int
}

// UsageInfo содержит информацию об использовании токенов
type UsageInfo struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// AIClient интерфейс для взаимодействия с AI API
type AIClient interface {
	// GenerateText генерирует текст на основе системного промта, ввода пользователя и параметров.
	GenerateText(ctx context.Context, systemPrompt string, userInput string, params GenerationParams) (string, UsageInfo, error)
}

// NewAIClient создает клиента по AI_CLIENT_TYPE.
func NewAIClient(cfg config.AIConfig, logger *zap.Logger) (AIClient, error) {
	switch strings.ToLower(cfg.ClientType) {
	case ClientTypeOpenAI, "":
		return newOpenAIClient(cfg, logger)
	case ClientTypeOllama:
		return newOllamaClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported AI client type %q", cfg.ClientType)
	}
}

// --- OpenAI Client Implementation ---

type openAIClient struct {
	client *openaigo.Client
	model  string
	logger *zap.Logger
}

func newOpenAIClient(cfg config.AIConfig, logger *zap.Logger) (AIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("AI API key is required for the openai client")
	}
	clientConfig := openaigo.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	logger.Info("OpenAI client created", zap.String("base_url", clientConfig.BaseURL), zap.String("model", cfg.Model))
	return &openAIClient{
		client: openaigo.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
		logger: logger.Named("OpenAIClient"),
	}, nil
}

func (c *openAIClient) GenerateText(ctx context.Context, systemPrompt string, userInput string, params GenerationParams) (string, UsageInfo, error) {
	usage := UsageInfo{}
	if strings.TrimSpace(systemPrompt) == "" {
		aiRequestsTotal.WithLabelValues(c.model, "error").Inc()
		return "", usage, fmt.Errorf("%w: system prompt is empty", ErrAIGenerationFailed)
	}

	messages := []openaigo.ChatCompletionMessage{
		{Role: openaigo.ChatMessageRoleSystem, Content: systemPrompt},
	}
	if userInput != "" {
		messages = append(messages, openaigo.ChatCompletionMessage{Role: openaigo.ChatMessageRoleUser, Content: userInput})
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openaigo.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: float32Val(params.Temperature),
		MaxTokens:   intVal(params.MaxTokens),
	})
	duration := time.Since(start)

	if err != nil {
		c.logger.Warn("AI API request failed", zap.Duration("duration", duration), zap.Error(err))
		aiRequestsTotal.WithLabelValues(c.model, "error").Inc()
		return "", usage, fmt.Errorf("%w: %v", ErrAIGenerationFailed, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		c.logger.Warn("AI API returned empty response", zap.Duration("duration", duration))
		aiRequestsTotal.WithLabelValues(c.model, "error_empty_response").Inc()
		return "", usage, fmt.Errorf("%w: empty response", ErrAIGenerationFailed)
	}

	aiRequestsTotal.WithLabelValues(c.model, "success").Inc()
	aiRequestDuration.WithLabelValues(c.model).Observe(duration.Seconds())

	usage = UsageInfo{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	observeUsage(c.model, usage)
	c.logger.Debug("AI response received",
		zap.Duration("duration", duration),
		zap.Int("prompt_tokens", usage.PromptTokens),
		zap.Int("completion_tokens", usage.CompletionTokens),
	)
	return resp.Choices[0].Message.Content, usage, nil
}

func float32Val(f64 *float64) float32 {
	if f64 == nil {
		return 1.0
	}
	return float32(*f64)
}

func intVal(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}

// --- Ollama Client Implementation ---

type ollamaClient struct {
	client  *api.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

func newOllamaClient(cfg config.AIConfig, logger *zap.Logger) (AIClient, error) {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/v1")
	baseURL = strings.TrimSuffix(baseURL, "/")

	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Ollama base URL %q: %w", baseURL, err)
	}

	logger.Info("Ollama client created", zap.String("base_url", baseURL), zap.String("model", cfg.Model))
	return &ollamaClient{
		client:  api.NewClient(parsedURL, &http.Client{Timeout: cfg.Timeout}),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  logger.Named("OllamaClient"),
	}, nil
}

func (c *ollamaClient) GenerateText(ctx context.Context, systemPrompt string, userInput string, params GenerationParams) (string, UsageInfo, error) {
	usage := UsageInfo{}
	if strings.TrimSpace(systemPrompt) == "" {
		aiRequestsTotal.WithLabelValues(c.model, "error").Inc()
		return "", usage, fmt.Errorf("%w: system prompt is empty", ErrAIGenerationFailed)
	}

	messages := []api.Message{{Role: "system", Content: systemPrompt}}
	if userInput != "" {
		messages = append(messages, api.Message{Role: "user", Content: userInput})
	}

	options := map[string]interface{}{}
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	stream := false
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options:  options,
	}

	requestCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		requestCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	var resp api.ChatResponse
	err := c.client.Chat(requestCtx, req, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	duration := time.Since(start)

	if err != nil {
		c.logger.Warn("Ollama request failed", zap.Duration("duration", duration), zap.Error(err))
		aiRequestsTotal.WithLabelValues(c.model, "error").Inc()
		return "", usage, fmt.Errorf("%w: %v", ErrAIGenerationFailed, err)
	}
	if resp.Message.Content == "" {
		aiRequestsTotal.WithLabelValues(c.model, "error_empty_response").Inc()
		return "", usage, fmt.Errorf("%w: empty response", ErrAIGenerationFailed)
	}

	aiRequestsTotal.WithLabelValues(c.model, "success").Inc()
	aiRequestDuration.WithLabelValues(c.model).Observe(duration.Seconds())

	usage = UsageInfo{
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
		TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
	}
	observeUsage(c.model, usage)
	return resp.Message.Content, usage, nil
}
