package notes

import (
	"math"
	"strings"
	"unicode/utf8"
)

type TokenCounter interface {
	Count(text string) int
}

// CharRatioCounter estimates tokens from the rune count. It overestimates
// slightly for English prose, which keeps chunks under the real limit.
type CharRatioCounter struct {
	CharsPerToken float64
}

func (c CharRatioCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	ratio := c.CharsPerToken
	if ratio <= 0 {
		ratio = 4
	}
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / ratio))
}

// TokenCounterForModel returns the estimator tuned for a model family.
func TokenCounterForModel(model string) TokenCounter {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "claude"):
		return CharRatioCounter{CharsPerToken: 3.5}
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return CharRatioCounter{CharsPerToken: 4.2}
	default:
		return CharRatioCounter{CharsPerToken: 4}
	}
}
