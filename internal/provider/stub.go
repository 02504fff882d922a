package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iconidentify/genqueue/internal/domain"
)

// Stub is an in-process generator used in dev mode and tests. It simulates
// generation latency, honors cancellation, and memoizes results by
// idempotency key so a retried attempt never produces a second artifact.
type Stub struct {
	name    string
	latency time.Duration

	mu      sync.Mutex
	results map[string]*Result
	calls   int

	// FailFirst makes the first N calls fail, for retry tests.
	FailFirst int
}

// NewStub creates a stub generator.
func NewStub(name string, latency time.Duration) *Stub {
	return &Stub{
		name:    name,
		latency: latency,
		results: make(map[string]*Result),
	}
}

// Name returns the provider name.
func (s *Stub) Name() string { return s.name }

// Calls reports how many Generate invocations reached the provider.
func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Generate produces a fake artifact after the configured latency.
func (s *Stub) Generate(ctx context.Context, req Request) (*Result, error) {
	s.mu.Lock()
	if req.IdempotencyKey != "" {
		if cached, ok := s.results[req.IdempotencyKey]; ok {
			s.mu.Unlock()
			return cached, nil
		}
	}
	s.calls++
	call := s.calls
	s.mu.Unlock()

	if s.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.latency):
		}
	}

	if call <= s.FailFirst {
		return nil, fmt.Errorf("%w: %s transient failure", domain.ErrProvider, s.name)
	}

	res := &Result{
		Artifacts: []Artifact{{
			URL:  fmt.Sprintf("https://%s.example/artifacts/%s.mp4", s.name, req.JobID),
			Kind: "video",
		}},
		Cost: 0.05,
	}

	s.mu.Lock()
	if req.IdempotencyKey != "" {
		s.results[req.IdempotencyKey] = res
	}
	s.mu.Unlock()
	return res, nil
}
