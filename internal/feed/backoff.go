package feed

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff is the reconnect delay policy: exponential from base, doubling,
// capped at max, with an additive jitter of up to jitter*delay.
type Backoff struct {
	mu     sync.Mutex
	policy *backoff.ExponentialBackOff
	jitter float64
	rnd    *rand.Rand
}

func NewBackoff(base, max time.Duration, jitter float64) *Backoff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = base
	policy.Multiplier = 2
	policy.MaxInterval = max
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()

	if jitter < 0 {
		jitter = 0
	}
	return &Backoff{
		policy: policy,
		jitter: jitter,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the next attempt and grows the policy
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.policy.NextBackOff()
	if d == backoff.Stop {
		d = b.policy.MaxInterval
	}
	return d
}

// Jittered adds the random jitter to d
func (b *Backoff) Jittered(d time.Duration) time.Duration {
	if b.jitter == 0 || d <= 0 {
		return d
	}
	b.mu.Lock()
	extra := b.rnd.Float64() * b.jitter * float64(d)
	b.mu.Unlock()
	return d + time.Duration(extra)
}

// Reset brings the delay back to base
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policy.Reset()
}
