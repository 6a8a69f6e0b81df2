package ai

import (
	"bufio"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrUnparseableResponse - в ответе не найден ни JSON-массив, ни нумерованный список.
var ErrUnparseableResponse = errors.New("AI response contains no choice list")

var listItemRe = regexp.MustCompile(`^\s*(?:\d+\s*[.):]|[-*•])\s+(.+?)\s*$`)

// ParseChoices извлекает варианты из ответа модели. Сначала ищется JSON-массив
// строк, затем нумерованный или маркированный список. Количество элементов не проверяется.
func ParseChoices(text string) ([]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrUnparseableResponse
	}

	if start, end := strings.Index(text, "["), strings.LastIndex(text, "]"); start >= 0 && end > start {
		var items []string
		if err := json.Unmarshal([]byte(text[start:end+1]), &items); err == nil {
			return cleanChoices(items), nil
		}
		var objects []map[string]any
		if err := json.Unmarshal([]byte(text[start:end+1]), &objects); err == nil {
			items = items[:0]
			for _, o := range objects {
				for _, key := range []string{"text", "choice", "action"} {
					if v, ok := o[key].(string); ok {
						items = append(items, v)
						break
					}
				}
			}
			if len(items) > 0 {
				return cleanChoices(items), nil
			}
		}
	}

	var items []string
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		if m := listItemRe.FindStringSubmatch(scanner.Text()); m != nil {
			items = append(items, m[1])
		}
	}
	if len(items) == 0 {
		return nil, ErrUnparseableResponse
	}
	return cleanChoices(items), nil
}

func cleanChoices(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		item = strings.Trim(item, "\"'`")
		item = strings.TrimSuffix(strings.TrimPrefix(item, "**"), "**")
		out = append(out, strings.TrimSpace(item))
	}
	return out
}
