package ai

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Tokenizer кодирует текст в токены и обратно.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

func (t *tiktokenTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *tiktokenTokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

// runeTokenizer - грубая оценка (один токен на руну), когда словарь tiktoken недоступен.
type runeTokenizer struct{}

func (runeTokenizer) Encode(text string) []int {
	runes := []rune(text)
	out := make([]int, len(runes))
	for i, r := range runes {
		out[i] = int(r)
	}
	return out
}

func (runeTokenizer) Decode(tokens []int) string {
	runes := make([]rune, len(tokens))
	for i, t := range tokens {
		runes[i] = rune(t)
	}
	return string(runes)
}

// NewTokenizer возвращает tiktoken-кодировщик для модели, cl100k_base для
// неизвестных моделей и посимвольную оценку, если словарь не загрузился.
func NewTokenizer(model string, logger *zap.Logger) Tokenizer {
	enc, err := tiktoken.EncodingForModel(model)
	if err == nil {
		return &tiktokenTokenizer{enc: enc}
	}
	enc, err = tiktoken.GetEncoding("cl100k_base")
	if err == nil {
		logger.Debug("No tokenizer for model, using cl100k_base", zap.String("model", model))
		return &tiktokenTokenizer{enc: enc}
	}
	logger.Warn("Tokenizer unavailable, falling back to rune counting", zap.String("model", model), zap.Error(err))
	return runeTokenizer{}
}

// omittedMarker заменяет выброшенную середину истории.
const omittedMarker = "..."

// TrimToBudget укладывает контекст истории в budget токенов. Первая строка
// (завязка) сохраняется, из остальных остаются последние, а выброшенная
// середина заменяется строкой "...". Если завязка сама не помещается,
// остаются последние budget токенов текста.
func TrimToBudget(tok Tokenizer, text string, budget int) (string, bool) {
	if budget <= 0 {
		return text, false
	}
	tokens := tok.Encode(text)
	if len(tokens) <= budget {
		return text, false
	}

	lines := strings.Split(text, "\n")
	head := lines[0]
	remaining := budget - len(tok.Encode(head)) - len(tok.Encode(omittedMarker))
	if len(lines) == 1 || remaining <= 0 {
		return tok.Decode(tokens[len(tokens)-budget:]), true
	}

	start := len(lines)
	for i := len(lines) - 1; i >= 1; i-- {
		n := len(tok.Encode(lines[i]))
		if n > remaining {
			break
		}
		remaining -= n
		start = i
	}

	kept := lines[start:]
	if len(kept) == 0 {
		last := tok.Encode(lines[len(lines)-1])
		kept = []string{tok.Decode(last[len(last)-remaining:])}
	}
	out := make([]string, 0, len(kept)+2)
	out = append(out, head, omittedMarker)
	out = append(out, kept...)
	return strings.Join(out, "\n"), true
}
