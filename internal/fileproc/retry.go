package fileproc

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Retry runs op up to attempts times with exponential backoff
// (base * 2^(attempt-1)), abortable mid-wait through ctx. Aborts and
// cancellations are never retried.
func Retry(ctx context.Context, attempts int, base time.Duration, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled) {
			return err
		}
		if attempt < attempts {
			delay := base << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}
