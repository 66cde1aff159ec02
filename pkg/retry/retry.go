// Package retry wraps chunk-level network operations with bounded retries
// and increasing backoff. Only transient failures are retried; everything
// else fails the operation immediately.
package retry

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/chorusdata/dsync/pkg/errors"
)

// Policy governs how a single network operation is retried. Exhausting
// MaxAttempts converts the last transient failure into a fatal result for
// that operation; the caller decides how far the failure propagates.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt. It doubles after
	// every failure, capped at MaxDelay.
	BaseDelay time.Duration

	MaxDelay time.Duration

	// Clock is swapped for a fake in tests so backoff doesn't sleep.
	Clock clockwork.Clock
}

// Default returns the policy used for chunk uploads and fetches.
func Default() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Clock:       clockwork.NewRealClock(),
	}
}

// Do runs fn until it succeeds, returns a non-transient error, or exhausts
// the attempt budget. It returns the number of attempts made so callers can
// record exactly how many tries each operation took.
func (p Policy) Do(ctx context.Context, op string, fn func() error) (int, error) {
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	delay := p.BaseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return attempt, nil
		}

		if !errors.IsTransient(err) || attempt >= p.MaxAttempts {
			return attempt, err
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}

		log.WithError(err).WithFields(log.Fields{
			"operation": op,
			"attempt":   attempt,
		}).Warn("Transient failure. Retrying after backoff.")

		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-clock.After(delay):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
