package keypool

import (
	"context"
	"fmt"

	"github.com/forPelevin/hlclip/internal/logger"
)

const DefaultMaxRetries = 3

// Op is one remote call made with a leased credential.
type Op[T any] func(ctx context.Context, key Credential) (T, error)

// Execute runs op with the active credential and retries on the next healthy
// one after every rotatable failure. maxRetries is the total number of
// attempts. Non-rotatable failures return immediately and never touch pool
// state.
func Execute[T any](ctx context.Context, p *Pool, maxRetries int, op Op[T]) (T, error) {
	var zero T
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	log := p.logger()

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return zero, err
		}

		key, ok := p.Active()
		if !ok {
			if lastErr != nil {
				return zero, fmt.Errorf("%w: %w", ErrCredentialsExhausted, lastErr)
			}
			return zero, ErrCredentialsExhausted
		}

		res, err := op(ctx, key)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if Classify(err) != KindRotatable {
			return zero, err
		}
		log.Warn(ctx, "%s failed (attempt %d/%d): %v", key.Label(), attempt, maxRetries, err)
		if !p.MarkFailure(key, err) {
			return zero, fmt.Errorf("%w: %w", ErrCredentialsExhausted, err)
		}
	}
	return zero, fmt.Errorf("all %d attempts failed: %w", maxRetries, lastErr)
}

type Result[T any] struct {
	Value T
	Err   error
}

// ExecuteAsync runs Execute on its own goroutine. The channel yields exactly
// one Result and is then closed.
func ExecuteAsync[T any](ctx context.Context, p *Pool, maxRetries int, op Op[T]) <-chan Result[T] {
	out := make(chan Result[T], 1)
	go func() {
		defer close(out)
		v, err := Execute(ctx, p, maxRetries, op)
		out <- Result[T]{Value: v, Err: err}
	}()
	return out
}

func (p *Pool) logger() logger.Logger {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.log
}
