package engine

import (
	"context"
	"fmt"
	"time"
)

// pollUntil calls check every interval until it reports done or fails.
// A positive limit bounds the number of attempts.
func pollUntil(ctx context.Context, limit int, interval time.Duration, check func() (bool, error)) error {
	for attempt := 1; limit <= 0 || attempt <= limit; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("gave up after %d attempts", limit)
}
