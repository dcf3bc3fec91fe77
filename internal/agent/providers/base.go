// Package providers implements agent.LLMProvider for the supported model
// vendors: OpenAI, Anthropic, Google Gemini and Ollama.
package providers

import (
	"context"
	"time"

	"github.com/haasonsaas/malhub/internal/backoff"
)

const maxRetryWait = 30 * time.Second

// BaseProvider holds the name and retry policy shared by all providers.
type BaseProvider struct {
	name       string
	maxRetries int
	retryDelay time.Duration
}

// NewBaseProvider creates a base provider. Non-positive values fall back to
// 3 attempts and a 1s base delay.
func NewBaseProvider(name string, maxRetries int, retryDelay time.Duration) BaseProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return BaseProvider{
		name:       name,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// Name returns the provider identifier used in metrics and logs.
func (b *BaseProvider) Name() string {
	return b.name
}

// Retry runs op until it succeeds, returns a non-retryable error, or the
// attempts run out. The wait doubles per attempt, starting at the retry
// delay and capped at maxRetryWait.
func (b *BaseProvider) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	policy := backoff.Exponential(b.retryDelay, maxRetryWait)
	return backoff.Retry(ctx, policy, b.maxRetries, isRetryable, func(int) error {
		return op()
	})
}

// send delivers chunk unless ctx is done first.
func send[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}
