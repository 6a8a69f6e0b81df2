package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"visual-novel-server/internal/choices"
	"visual-novel-server/internal/config"
)

const choiceSystemPrompt = `You write the player's choices for an interactive video story.
Reply with a JSON array of exactly 3 strings and nothing else.
Each string is one short imperative action (3 to 10 words) the protagonist could take next.
The three actions must differ in approach, length and opening verb, and name concrete things from the scene.`

var _ choices.Suggester = (*ChoiceSuggester)(nil)

// ChoiceSuggester запрашивает у LLM варианты выбора для следующего сегмента.
type ChoiceSuggester struct {
	client      AIClient
	tokenizer   Tokenizer
	tokenBudget int
	maxTokens   int
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// SuggesterOption настраивает ChoiceSuggester.
type SuggesterOption func(*ChoiceSuggester)

// WithTokenizer подменяет токенизатор.
func WithTokenizer(t Tokenizer) SuggesterOption {
	return func(s *ChoiceSuggester) { s.tokenizer = t }
}

// WithLimiter подменяет ограничитель частоты запросов.
func WithLimiter(l *rate.Limiter) SuggesterOption {
	return func(s *ChoiceSuggester) { s.limiter = l }
}

// NewChoiceSuggester создает ChoiceSuggester поверх AIClient.
func NewChoiceSuggester(client AIClient, cfg config.AIConfig, logger *zap.Logger, opts ...SuggesterOption) *ChoiceSuggester {
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	s := &ChoiceSuggester{
		client:      client,
		tokenBudget: cfg.ContextTokenBudget,
		maxTokens:   cfg.MaxTokens,
		limiter:     rate.NewLimiter(limit, 1),
		logger:      logger.Named("ChoiceSuggester"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tokenizer == nil {
		s.tokenizer = NewTokenizer(cfg.Model, s.logger)
	}
	return s
}

// Suggest выполняет один запрос к модели. Проверка количества и качества вариантов
// остается за choices.Generator.
func (s *ChoiceSuggester) Suggest(ctx context.Context, storyContext string, opts choices.SuggestOptions) ([]string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	trimmed, cut := TrimToBudget(s.tokenizer, storyContext, s.tokenBudget)
	if cut {
		contextTrimmedTotal.Inc()
		s.logger.Debug("Story context trimmed to token budget", zap.Int("budget", s.tokenBudget))
	}

	temperature := opts.Temperature
	params := GenerationParams{Temperature: &temperature}
	if s.maxTokens > 0 {
		maxTokens := s.maxTokens
		params.MaxTokens = &maxTokens
	}

	text, _, err := s.client.GenerateText(ctx, BuildSystemPrompt(opts), BuildUserInput(trimmed), params)
	if err != nil {
		return nil, err
	}

	parsed, err := ParseChoices(text)
	if err != nil {
		s.logger.Warn("Failed to parse AI choices", zap.String("response", truncate(text, 300)), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAIGenerationFailed, err)
	}
	return parsed, nil
}

// BuildSystemPrompt собирает системный промт из параметров попытки.
func BuildSystemPrompt(opts choices.SuggestOptions) string {
	var b strings.Builder
	b.WriteString(choiceSystemPrompt)

	if opts.StoryPhase != "" {
		fmt.Fprintf(&b, "\n\nStory phase: %s.", opts.StoryPhase)
		switch opts.StoryPhase {
		case "opening":
			b.WriteString(" Let the player explore and commit to a direction.")
		case "rising":
			b.WriteString(" Raise the stakes and introduce complications.")
		case "climax":
			b.WriteString(" Offer decisive, high-stakes actions.")
		}
	}
	if len(opts.ProgressionHints) > 0 {
		b.WriteString("\n\nMove the story forward. Consider:\n")
		for _, h := range opts.ProgressionHints {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	if len(opts.RecentChoiceTypes) > 0 {
		fmt.Fprintf(&b, "\n\nRecent player choices were mostly: %s. Include at least one action of a different kind.",
			strings.Join(opts.RecentChoiceTypes, ", "))
	}
	if len(opts.AntiPatterns) > 0 {
		b.WriteString("\n\nDo NOT propose any of the following:\n")
		for _, p := range opts.AntiPatterns {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// BuildUserInput оформляет контекст истории для модели.
func BuildUserInput(storyContext string) string {
	return "Story so far:\n" + storyContext + "\n\nWhat can the protagonist do next?"
}

// truncate обрезает строку до n рун.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
