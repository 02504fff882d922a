package ratelimit

import (
	"sync"
	"time"

	"github.com/iconidentify/genqueue/internal/config"
)

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	// Headroom reflects the per-user window after this decision.
	Headroom Headroom
}

// Headroom is the per-user window state exposed via X-RateLimit-* headers.
type Headroom struct {
	Limit     int
	Remaining int
	Reset     time.Time
	Window    time.Duration
}

// userWindow records request timestamps for one user key. Access is
// serialized by its own mutex so concurrent checks for the same key are
// linearized.
type userWindow struct {
	mu     sync.Mutex
	stamps []time.Time
}

// tokenBucket holds per-project token state.
type tokenBucket struct {
	mu           sync.Mutex
	tokens       float64
	lastRefillAt time.Time
}

// Limiter enforces a per-user sliding window and a per-project token
// bucket. Both gates must pass; the check-and-consume is a single
// authoritative operation per key, no read-then-write race.
type Limiter struct {
	cfg config.RateLimitConfig
	now func() time.Time

	mu       sync.Mutex
	users    map[string]*userWindow
	projects map[string]*tokenBucket
}

// New creates a limiter with the given configuration.
func New(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		cfg:      cfg,
		now:      time.Now,
		users:    make(map[string]*userWindow),
		projects: make(map[string]*tokenBucket),
	}
}

// NewWithClock creates a limiter with an injected time source, for tests.
func NewWithClock(cfg config.RateLimitConfig, now func() time.Time) *Limiter {
	l := New(cfg)
	l.now = now
	return l
}

func (l *Limiter) user(key string) *userWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.users[key]
	if !ok {
		w = &userWindow{}
		l.users[key] = w
	}
	return w
}

func (l *Limiter) project(key string) *tokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.projects[key]
	if !ok {
		b = &tokenBucket{tokens: l.cfg.ProjectCapacity, lastRefillAt: l.now()}
		l.projects[key] = b
	}
	return b
}

// prune drops timestamps that fell out of the window. Caller holds w.mu.
func (l *Limiter) prune(w *userWindow, now time.Time) {
	cutoff := now.Add(-l.cfg.UserWindow)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// refill credits the bucket for elapsed time. Caller holds b.mu.
func (l *Limiter) refill(b *tokenBucket, now time.Time) {
	elapsed := now.Sub(b.lastRefillAt).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * l.cfg.ProjectRefillRate
	if b.tokens > l.cfg.ProjectCapacity {
		b.tokens = l.cfg.ProjectCapacity
	}
	b.lastRefillAt = now
}

// Check gates one dispatch for (userID, projectID). On Allow it records the
// request in the user window and consumes one project token atomically. On
// Deny nothing is consumed and RetryAfter says when to try again.
func (l *Limiter) Check(userID, projectID string) Decision {
	now := l.now()
	w := l.user(userID)
	b := l.project(projectID)

	// Lock order: user then project, everywhere.
	w.mu.Lock()
	defer w.mu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()

	l.prune(w, now)
	l.refill(b, now)

	windowOK := len(w.stamps) < l.cfg.UserMaxRequests
	bucketOK := b.tokens >= 1

	if windowOK && bucketOK {
		w.stamps = append(w.stamps, now)
		b.tokens--
		return Decision{Allowed: true, Headroom: l.headroomLocked(w, now)}
	}

	var retry time.Duration
	if !windowOK {
		// Wait until the oldest stamp slides out of the window.
		retry = w.stamps[0].Add(l.cfg.UserWindow).Sub(now)
	}
	if !bucketOK {
		need := (1 - b.tokens) / l.cfg.ProjectRefillRate
		if d := time.Duration(need * float64(time.Second)); d > retry {
			retry = d
		}
	}
	if retry < time.Second {
		retry = time.Second
	}
	return Decision{Allowed: false, RetryAfter: retry, Headroom: l.headroomLocked(w, now)}
}

// headroomLocked computes the user-window headroom. Caller holds w.mu.
func (l *Limiter) headroomLocked(w *userWindow, now time.Time) Headroom {
	h := Headroom{
		Limit:     l.cfg.UserMaxRequests,
		Remaining: l.cfg.UserMaxRequests - len(w.stamps),
		Window:    l.cfg.UserWindow,
		Reset:     now.Add(l.cfg.UserWindow),
	}
	if h.Remaining < 0 {
		h.Remaining = 0
	}
	if len(w.stamps) > 0 {
		h.Reset = w.stamps[0].Add(l.cfg.UserWindow)
	}
	return h
}

// Snapshot returns the current headroom for a user key without consuming
// anything.
func (l *Limiter) Snapshot(userID string) Headroom {
	now := l.now()
	w := l.user(userID)
	w.mu.Lock()
	defer w.mu.Unlock()
	l.prune(w, now)
	return l.headroomLocked(w, now)
}

// ProjectTokens reports the current token count for a project key. Used by
// the scheduler to estimate quota headroom.
func (l *Limiter) ProjectTokens(projectID string) float64 {
	now := l.now()
	b := l.project(projectID)
	b.mu.Lock()
	defer b.mu.Unlock()
	l.refill(b, now)
	return b.tokens
}
