package choices

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
)

const (
	// MaxAttempts - число обращений к генератору вариантов за одну сессию.
	MaxAttempts = 5
	// ChoicesPerSet - ожидаемое количество вариантов в ответе.
	ChoicesPerSet = 3

	BaseTemperature      = 0.8
	TemperatureIncrement = 0.075
	MaxTemperature       = 1.15

	antiPatternSuffix = " (or similar wording)"

	// Инструкции, добавляемые к anti-patterns на поздних попытках.
	StructureInstruction = "Avoid repeating the sentence structure of earlier options: vary the opening verb, length and rhythm."
	RadicalInstruction   = "Be radically different: propose actions from a completely different angle than anything listed above."
)

// ErrChoiceGenerationExhausted возвращается, когда ни одна попытка не дала
// приемлемого набора и запасного набора нет.
var ErrChoiceGenerationExhausted = errors.New("choice generation exhausted all attempts")

// SuggestOptions - параметры одного обращения к генератору вариантов.
type SuggestOptions struct {
	Temperature       float64
	AntiPatterns      []string
	ProgressionHints  []string
	RecentChoiceTypes []string
	StoryPhase        string
}

// Suggester предлагает варианты продолжения истории.
// Ожидается ровно ChoicesPerSet строк.
type Suggester interface {
	Suggest(ctx context.Context, storyContext string, opts SuggestOptions) ([]string, error)
}

// Request - входные данные для генерации вариантов.
type Request struct {
	StoryContext string
	// PreviousChoices - все варианты, когда-либо предложенные в этой истории.
	PreviousChoices   []string
	ProgressionHints  []string
	RecentChoiceTypes []string
	StoryPhase        string
}

// Generator повторно запрашивает варианты у Suggester, повышая температуру и
// накапливая отклоненные наборы, пока не получит качественный и новый набор.
type Generator struct {
	suggester   Suggester
	logger      *zap.Logger
	maxAttempts int
}

// Option настраивает Generator.
type Option func(*Generator)

// WithMaxAttempts переопределяет число попыток.
func WithMaxAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// NewGenerator создает новый Generator.
func NewGenerator(suggester Suggester, logger *zap.Logger, opts ...Option) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Generator{
		suggester:   suggester,
		logger:      logger.Named("ChoiceGenerator"),
		maxAttempts: MaxAttempts,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TemperatureForAttempt возвращает температуру для попытки n (с нуля).
func TemperatureForAttempt(n int) float64 {
	return math.Min(BaseTemperature+float64(n)*TemperatureIncrement, MaxTemperature)
}

// session хранит историю попыток в рамках одного вызова Generate.
type session struct {
	previous     map[string]struct{}
	previousList []string
	rejected     []string
	rejectedSeen map[string]struct{}
	fallback     []string
}

func normalize(choice string) string {
	return strings.ToLower(strings.TrimSpace(choice))
}

func newSession(previous []string) *session {
	s := &session{
		previous:     make(map[string]struct{}, len(previous)),
		rejectedSeen: make(map[string]struct{}),
	}
	for _, c := range previous {
		n := normalize(c)
		if n == "" {
			continue
		}
		if _, ok := s.previous[n]; ok {
			continue
		}
		s.previous[n] = struct{}{}
		s.previousList = append(s.previousList, strings.TrimSpace(c))
	}
	return s
}

func (s *session) reject(candidates []string) {
	for _, c := range candidates {
		n := normalize(c)
		if n == "" {
			continue
		}
		if _, ok := s.previous[n]; ok {
			continue
		}
		if _, ok := s.rejectedSeen[n]; ok {
			continue
		}
		s.rejectedSeen[n] = struct{}{}
		s.rejected = append(s.rejected, strings.TrimSpace(c))
	}
}

// antiPatterns строит список "не повторять" для попытки n.
func (s *session) antiPatterns(n int) []string {
	out := make([]string, 0, len(s.previousList)+len(s.rejected)+2)
	for _, c := range s.previousList {
		out = append(out, c+antiPatternSuffix)
	}
	for _, c := range s.rejected {
		out = append(out, c+antiPatternSuffix)
	}
	if n >= 1 {
		out = append(out, StructureInstruction)
	}
	if n >= 2 {
		out = append(out, RadicalInstruction)
	}
	return out
}

// isExactDuplicate сообщает, совпадает ли набор с множеством ранее показанных вариантов.
func (s *session) isExactDuplicate(candidates []string) bool {
	set := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		set[normalize(c)] = struct{}{}
	}
	if len(set) != len(s.previous) {
		return false
	}
	for n := range set {
		if _, ok := s.previous[n]; !ok {
			return false
		}
	}
	return true
}

func (s *session) countNew(candidates []string) int {
	n := 0
	for _, c := range candidates {
		if _, ok := s.previous[normalize(c)]; !ok {
			n++
		}
	}
	return n
}

func wellFormed(candidates []string) error {
	if len(candidates) != ChoicesPerSet {
		return fmt.Errorf("expected %d choices, got %d", ChoicesPerSet, len(candidates))
	}
	for i, c := range candidates {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("choice %d is empty", i)
		}
	}
	return nil
}

// Generate возвращает проверенный набор из ChoicesPerSet вариантов либо
// ErrChoiceGenerationExhausted.
func (g *Generator) Generate(ctx context.Context, req Request) ([]string, error) {
	s := newSession(req.PreviousChoices)
	log := g.logger.With(zap.Int("previous_choices", len(s.previousList)), zap.String("story_phase", req.StoryPhase))

	for n := 0; n < g.maxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		opts := SuggestOptions{
			Temperature:       TemperatureForAttempt(n),
			AntiPatterns:      s.antiPatterns(n),
			ProgressionHints:  req.ProgressionHints,
			RecentChoiceTypes: req.RecentChoiceTypes,
			StoryPhase:        req.StoryPhase,
		}
		attemptLog := log.With(zap.Int("attempt", n+1), zap.Float64("temperature", opts.Temperature), zap.Int("anti_patterns", len(opts.AntiPatterns)))

		candidates, err := g.suggester.Suggest(ctx, req.StoryContext, opts)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			attemptLog.Warn("Choice suggester failed", zap.Error(err))
			choiceAttemptsTotal.WithLabelValues("suggester_error").Inc()
			continue
		}
		if err := wellFormed(candidates); err != nil {
			attemptLog.Warn("Malformed choice response", zap.Error(err), zap.Strings("candidates", candidates))
			choiceAttemptsTotal.WithLabelValues("malformed").Inc()
			s.reject(candidates)
			continue
		}

		if valid, scores := ValidateChoices(candidates); !valid {
			attemptLog.Info("Choices rejected by quality gate", zap.Any("scores", scores))
			choiceAttemptsTotal.WithLabelValues("low_quality").Inc()
			s.reject(candidates)
			continue
		}

		if diversity := CheckChoiceDiversity(candidates); !diversity.Diverse {
			attemptLog.Info("Choices rejected as too similar", zap.String("reason", diversity.Reason))
			choiceAttemptsTotal.WithLabelValues("not_diverse").Inc()
			s.reject(candidates)
			continue
		}

		if len(s.previous) == 0 {
			attemptLog.Info("Choices accepted (first generation for story)")
			choiceAttemptsTotal.WithLabelValues("accepted").Inc()
			return trimSet(candidates), nil
		}

		fresh := s.countNew(candidates)
		if fresh == len(candidates) {
			attemptLog.Info("Choices accepted")
			choiceAttemptsTotal.WithLabelValues("accepted").Inc()
			return trimSet(candidates), nil
		}

		if fresh > 0 && !s.isExactDuplicate(candidates) {
			if s.fallback == nil {
				s.fallback = trimSet(candidates)
				attemptLog.Info("Partially new choices kept as fallback", zap.Int("new_choices", fresh))
			}
			choiceAttemptsTotal.WithLabelValues("partial").Inc()
			s.reject(candidates)
			continue
		}

		attemptLog.Info("Choices rejected as repeats of previous choices")
		choiceAttemptsTotal.WithLabelValues("duplicate").Inc()
		s.reject(candidates)
	}

	if s.fallback != nil {
		log.Warn("Attempts exhausted, returning fallback choices", zap.Strings("choices", s.fallback))
		choiceSessionsTotal.WithLabelValues("fallback").Inc()
		return s.fallback, nil
	}

	log.Error("Choice generation exhausted without fallback")
	choiceSessionsTotal.WithLabelValues("exhausted").Inc()
	return nil, ErrChoiceGenerationExhausted
}

func trimSet(candidates []string) []string {
	if len(candidates) > ChoicesPerSet {
		candidates = candidates[:ChoicesPerSet]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = strings.TrimSpace(c)
	}
	return out
}
