package realtime

import (
	"time"

	"github.com/cenkalti/backoff"
)

// NewReconnectBackOff yields initial, 2*initial, 4*initial, ... capped at max,
// without jitter and without ever giving up. Reset starts over at initial.
func NewReconnectBackOff(initial, max time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	// reconnects continue for as long as the session lives
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
