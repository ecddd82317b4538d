package db

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy controls how Connect retries a failed ping, e.g. while a
// PostGIS container is still starting.
type RetryPolicy struct {
	// Attempts is the total number of pings, including the first.
	Attempts int
	// Backoff is the delay before the first retry; it doubles per attempt.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultRetryPolicy pings up to three times, starting at 250ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Backoff: 250 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.Backoff <= 0 {
		p.Backoff = d.Backoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	return p
}

// delay returns the wait before retry number attempt (0-based), with up to
// 25% jitter either way.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Backoff << attempt
	if d <= 0 || d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	jitter := (rand.Float64()*2 - 1) * 0.25 * float64(d)
	return d + time.Duration(jitter)
}

// retry calls fn until it succeeds, the attempts run out or ctx is done.
// The last error is returned.
func retry(ctx context.Context, p RetryPolicy, op string, fn func(context.Context) error) error {
	p = p.withDefaults()

	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil || attempt == p.Attempts-1 {
			break
		}

		zap.L().Warn("retrying",
			zap.String("component", "db"),
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
