package dispatch

import (
	"math/rand"
	"sync"
	"time"

	"github.com/iconidentify/genqueue/internal/config"
)

// Backoff computes retry delays: exponential growth from the initial
// delay, capped, with jitter spread over the upper half of the interval
// so synchronized failures fan out instead of retrying in lockstep.
// Safe for concurrent use by pool workers.
type Backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64

	mu   sync.Mutex
	rand *rand.Rand
}

// NewBackoff creates a backoff policy from dispatch configuration.
func NewBackoff(cfg config.DispatchConfig) *Backoff {
	initial := cfg.RetryInitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	max := cfg.RetryMaxDelay
	if max <= 0 {
		max = time.Minute
	}
	multiplier := cfg.RetryMultiplier
	if multiplier < 1 {
		multiplier = 2
	}
	return &Backoff{
		initial:    initial,
		max:        max,
		multiplier: multiplier,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the wait before retry number attempt. Attempt 0 is the
// first retry. The result lies in [base/2, base] where base is the capped
// exponential delay.
func (b *Backoff) Delay(attempt int) time.Duration {
	base := float64(b.initial)
	for i := 0; i < attempt; i++ {
		base *= b.multiplier
		if base >= float64(b.max) {
			base = float64(b.max)
			break
		}
	}

	b.mu.Lock()
	jitter := b.rand.Float64()
	b.mu.Unlock()

	half := base / 2
	return time.Duration(half + jitter*half)
}
