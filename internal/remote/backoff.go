package remote

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	BackoffInitialDelay = time.Second
	BackoffFactor       = 1.5
	BackoffMaxDelay     = 60 * time.Second
	BackoffJitter       = 0.5
)

// reconnectBackoff wraps an exponential backoff whose first attempt after a reset runs
// immediately.
type reconnectBackoff struct {
	b     *backoff.ExponentialBackOff
	fresh bool
}

func newReconnectBackoff() *reconnectBackoff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = BackoffInitialDelay
	b.Multiplier = BackoffFactor
	b.MaxInterval = BackoffMaxDelay
	b.RandomizationFactor = BackoffJitter
	b.MaxElapsedTime = 0
	b.Reset()
	return &reconnectBackoff{b: b, fresh: true}
}

// Next returns how long to wait before the next attempt.
func (r *reconnectBackoff) Next() time.Duration {
	if r.fresh {
		r.fresh = false
		return 0
	}
	return r.b.NextBackOff()
}

func (r *reconnectBackoff) Reset() {
	r.b.Reset()
	r.fresh = true
}

// ResetToMax makes the next wait the maximum delay. Used when the backend reports it is
// overloaded.
func (r *reconnectBackoff) ResetToMax() {
	r.b.Reset()
	r.fresh = false
	// 1.5^16 seconds is well past the cap.
	for i := 0; i < 16; i++ {
		r.b.NextBackOff()
	}
}
