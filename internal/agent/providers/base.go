package providers

import (
	"context"
	"time"
)

// BaseProvider carries the name and retry policy shared by every
// provider implementation.
type BaseProvider struct {
	name     string
	attempts int
	backoff  time.Duration
}

// NewBaseProvider creates a base provider, clamping the retry policy to
// sane defaults.
func NewBaseProvider(name string, attempts int, backoff time.Duration) BaseProvider {
	if attempts <= 0 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return BaseProvider{name: name, attempts: attempts, backoff: backoff}
}

// Name returns the provider name.
func (b *BaseProvider) Name() string {
	return b.name
}

// Retry runs op up to the configured attempt count with linearly
// growing backoff between tries. It stops early when op succeeds, when
// retryable says the failure is final, or when ctx ends. Only stream
// creation goes through here; once a stream has produced output the
// invocation is never reissued.
func (b *BaseProvider) Retry(ctx context.Context, retryable func(error) bool, op func() error) error {
	if op == nil {
		return nil
	}

	var err error
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err = op(); err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) || attempt >= b.attempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.backoff * time.Duration(attempt)):
		}
	}
}
