// Package tokens estimates token counts for the context meter. It uses the
// cl100k_base encoding when tiktoken initializes and degrades to a cheap
// character heuristic otherwise, so the meter never blocks the render loop.
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
)

func load() *tiktoken.Tiktoken {
	once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// Count returns the token count of text under cl100k_base, or the Estimate
// fallback when the encoding is unavailable.
func Count(text string) int {
	if enc := load(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return Estimate(text)
}

// Estimate returns max(runes/4, words), the usual cheap approximation. It is
// what the meter uses while the analyst is still typing.
func Estimate(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// Truncate cuts text down to roughly maxTokens, appending an ellipsis when
// anything was removed. Used to bound tool output previews in the transcript.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	if enc := load(); enc != nil {
		toks := enc.Encode(text, nil, nil)
		if len(toks) <= maxTokens {
			return text
		}
		return enc.Decode(toks[:maxTokens]) + "..."
	}
	runes := []rune(text)
	limit := maxTokens * 4
	if limit >= len(runes) {
		return text
	}
	return string(runes[:limit]) + "..."
}
