package middleware

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"massgen.dev/massgen/runtime/agent/model"
)

type (
	// RetryOptions configures the retry middleware.
	RetryOptions struct {
		// MaxAttempts is the total number of Stream attempts, including the
		// first. Defaults to 3.
		MaxAttempts int
		// BaseDelay seeds the exponential backoff. Defaults to 500ms.
		BaseDelay time.Duration
		// MaxDelay caps a single backoff sleep. Defaults to 10s.
		MaxDelay time.Duration
	}

	retryBackend struct {
		next  model.Backend
		opts  RetryOptions
		sleep func(context.Context, time.Duration) error
	}
)

// Retry returns a model.Backend middleware that retries Stream launch
// failures with bounded exponential backoff and jitter. Only retryable
// provider errors (rate limited, unavailable) are retried; context overflow
// in particular passes through unretried so the compression layer can react.
// Failures after the stream has started are not retried here: the runtime
// surfaces them as error chunks.
func Retry(opts RetryOptions) func(model.Backend) model.Backend {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 10 * time.Second
	}
	return func(next model.Backend) model.Backend {
		if next == nil {
			return nil
		}
		return &retryBackend{
			next: next,
			opts: opts,
			sleep: func(ctx context.Context, d time.Duration) error {
				t := time.NewTimer(d)
				defer t.Stop()
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-t.C:
					return nil
				}
			},
		}
	}
}

func (b *retryBackend) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	var lastErr error
	for attempt := 0; attempt < b.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := b.sleep(ctx, b.delay(attempt)); err != nil {
				return nil, err
			}
		}
		s, err := b.next.Stream(ctx, req)
		if err == nil {
			return s, nil
		}
		lastErr = err
		if !model.IsRetryable(err) || errors.Is(ctx.Err(), context.Canceled) {
			return nil, err
		}
	}
	return nil, lastErr
}

// delay computes the backoff for the given attempt: base doubled per attempt,
// capped, with up to 25% jitter.
func (b *retryBackend) delay(attempt int) time.Duration {
	d := b.opts.BaseDelay << (attempt - 1)
	if d > b.opts.MaxDelay {
		d = b.opts.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
