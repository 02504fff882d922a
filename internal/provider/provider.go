package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/iconidentify/genqueue/internal/domain"
)

// Artifact is one output produced by a generation provider.
type Artifact struct {
	URL       string `json:"url"`
	Kind      string `json:"kind"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// Request is one generation attempt. The idempotency key is stable across
// retries of the same job so providers never duplicate side effects.
type Request struct {
	JobID          domain.VideoJobID
	BulkJobID      domain.BulkJobID
	IdempotencyKey string
	Input          json.RawMessage
}

// Result is a successful generation outcome.
type Result struct {
	Artifacts []Artifact `json:"artifacts"`
	Cost      float64    `json:"cost"`
}

// Generator is the external generation collaborator. Generate must honor
// ctx cancellation; a canceled attempt returns ctx.Err().
type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Result, error)
}

// Registry resolves provider names to generators and supplies fallbacks
// from a job's provider preferences.
type Registry struct {
	mu         sync.RWMutex
	generators map[string]Generator
	order      []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{generators: make(map[string]Generator)}
}

// Register adds a generator. First registration becomes the default.
func (r *Registry) Register(g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.generators[g.Name()]; !ok {
		r.order = append(r.order, g.Name())
	}
	r.generators[g.Name()] = g
}

// Get resolves a provider by name.
func (r *Registry) Get(name string) (Generator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.generators[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrProvider, name)
	}
	return g, nil
}

// Names lists registered providers in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Resolve picks the first registered provider from prefs, falling back to
// the default registration order when prefs is empty or unknown.
func (r *Registry) Resolve(prefs []string) (Generator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range prefs {
		if g, ok := r.generators[name]; ok {
			return g, nil
		}
	}
	if len(r.order) == 0 {
		return nil, fmt.Errorf("%w: no providers registered", domain.ErrProvider)
	}
	return r.generators[r.order[0]], nil
}

// SortedNames returns provider names sorted alphabetically, for stable
// scheduling output.
func (r *Registry) SortedNames() []string {
	names := r.Names()
	sort.Strings(names)
	return names
}
