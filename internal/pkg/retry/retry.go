package retry

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// Policy bounds a retry loop. Attempts counts the first call.
type Policy struct {
	Attempts int
	Min      time.Duration
	Max      time.Duration
	Factor   float64
	Jitter   bool
}

var DefaultPolicy = Policy{Attempts: 3, Min: 300 * time.Millisecond, Max: 3 * time.Second, Factor: 2, Jitter: true}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts are
// exhausted or ctx ends. The last error is returned.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	b := &backoff.Backoff{Min: p.Min, Max: p.Max, Factor: p.Factor, Jitter: p.Jitter}
	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == p.Attempts || (retryable != nil && !retryable(err)) {
			return err
		}
		timer := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
