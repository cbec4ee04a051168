package btcrpc

import (
	"context"
	"time"
)

const (
	// DefaultInitialBackoff is the first delay between two attempts.
	DefaultInitialBackoff = time.Second

	// DefaultMaxBackoff caps the delay between two attempts.
	DefaultMaxBackoff = time.Minute
)

// Backoff describes an exponential retry schedule.
type Backoff struct {
	// Initial is the delay after the first failure.
	Initial time.Duration

	// Max caps the delay.
	Max time.Duration

	// MaxAttempts bounds the number of attempts. Zero retries until the
	// context is done.
	MaxAttempts int
}

// DefaultBackoff returns the schedule used by the node's polling loops.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: DefaultInitialBackoff,
		Max:     DefaultMaxBackoff,
	}
}

// next returns the delay following d.
func (b Backoff) next(d time.Duration) time.Duration {
	d *= 2
	if b.Max > 0 && d > b.Max {
		return b.Max
	}

	return d
}

// Retry calls f until it succeeds, fails with an error that is not an
// RPCUnavailableError, the attempts are exhausted or ctx is done. The last
// error is returned.
func Retry(ctx context.Context, b Backoff,
	f func(ctx context.Context) error) error {

	delay := b.Initial
	for attempt := 1; ; attempt++ {
		err := f(ctx)
		if err == nil || !IsUnavailable(err) {
			return err
		}
		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return err
		}

		log.Debugf("Backend unavailable (attempt %d), retrying in "+
			"%v: %v", attempt, delay, err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		}

		delay = b.next(delay)
	}
}
