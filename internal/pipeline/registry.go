package pipeline

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/cursus/internal/models"
)

// Registration is a validated pipeline configuration together with its
// normalized form, cached at registration time.
type Registration struct {
	Config     *models.PipelineConfig
	Flat       []FlatJob
	Stages     [][]int
	ConfigHash string
}

// Registry is the name-indexed mapping from pipeline type to configuration.
// Registration is expected at process start; lookups are concurrent-safe.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]*Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{configs: make(map[string]*Registration)}
}

// Register validates and normalizes a configuration. Registration is
// idempotent; registering the same name again replaces the prior entry.
func (r *Registry) Register(cfg *models.PipelineConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid pipeline configuration: %w", err)
	}

	flat := Normalize(cfg)
	reg := &Registration{
		Config:     cfg,
		Flat:       flat,
		Stages:     StageIndices(flat),
		ConfigHash: ConfigHash(JobNames(flat)),
	}

	r.mu.Lock()
	r.configs[cfg.Name] = reg
	r.mu.Unlock()
	return nil
}

// Lookup returns the registration for a pipeline type.
func (r *Registry) Lookup(name string) (*Registration, error) {
	r.mu.RLock()
	reg, ok := r.configs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownPipelineType, name)
	}
	return reg, nil
}

// Names returns the registered pipeline types, sorted for stable iteration.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
