// Package utils provides tiktoken-based token counting for prompt validation.
package utils

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts tokens in prompt text. Image providers publish prompt
// limits in tokens, so admission validates against a token count rather than
// raw characters.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a token counter. GPT-4 encoding approximates the
// tokenization used by the supported image providers closely enough for
// limit validation.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in text. Falls back to a
// character-based estimate (4 chars per token) when the codec is unavailable.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}

	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// WithinLimit reports whether text fits within the given token limit.
func (tc *TokenCounter) WithinLimit(text string, limit int) bool {
	return tc.CountTokens(text) <= limit
}

//nolint:gochecknoglobals // Shared codec, lazily initialized
var (
	sharedCounter     *TokenCounter
	sharedCounterOnce sync.Once
)

// CountPromptTokens counts tokens using a shared lazily-initialized counter.
func CountPromptTokens(text string) int {
	sharedCounterOnce.Do(func() {
		counter, err := NewTokenCounter()
		if err == nil {
			sharedCounter = counter
		}
	})
	return sharedCounter.CountTokens(text)
}
