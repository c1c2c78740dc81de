// ABOUTME: Provider table with a fixed default and a switchable active provider.
// ABOUTME: Bind freezes the table for one run so later switches never reach a run in progress.

package provider

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/2389/opdbus-orchestrator/internal/registry"
)

var (
	// ErrUnknownProvider indicates no provider is registered under the id.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrDuplicateProvider indicates the id is already registered.
	ErrDuplicateProvider = errors.New("provider already registered")
)

// Registry maps ids to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
	defaultID string
	activeID  string
	logger    *slog.Logger
}

// NewRegistry creates a registry whose default, and initially active,
// provider is def. Pass nil logger for default.
func NewRegistry(def Provider, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		providers: map[string]Provider{def.ID(): def},
		order:     []string{def.ID()},
		defaultID: def.ID(),
		activeID:  def.ID(),
		logger:    logger.With("component", "providers"),
	}
}

// Register adds a provider.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[p.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, p.ID())
	}
	r.providers[p.ID()] = p
	r.order = append(r.order, p.ID())

	r.logger.Info("provider registered", "provider", p.ID(), "total", len(r.order))
	return nil
}

// Get returns the provider registered under id.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return p, nil
}

// Select makes id the active provider for runs started from now on.
func (r *Registry) Select(id string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	if r.activeID != id {
		r.logger.Info("=== PROVIDER SWITCHED ===", "from", r.activeID, "to", id)
	}
	r.activeID = id
	return p, nil
}

// Active returns the currently selected provider.
func (r *Registry) Active() Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[r.activeID]
}

// Default returns the provider fixed at construction.
func (r *Registry) Default() Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[r.defaultID]
}

// IDs returns registered ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// ForProfile returns the provider preferred by the profile, else the active one.
func (r *Registry) ForProfile(profile registry.Profile) Provider {
	return r.Bind().ForProfile(profile)
}

// Bind captures the active provider and the provider table as they are now.
func (r *Registry) Bind() *Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Binding{
		active:    r.providers[r.activeID],
		providers: maps.Clone(r.providers),
	}
}

// Binding is the provider selection frozen for one run.
type Binding struct {
	active    Provider
	providers map[string]Provider
}

// Planner returns the provider that generates the run's plan.
func (b *Binding) Planner() Provider {
	return b.active
}

// ForProfile returns the first provider named in the profile's model
// preferences, in preference order, falling back to the bound active one.
func (b *Binding) ForProfile(profile registry.Profile) Provider {
	for _, id := range profile.ModelPreferences {
		if p, ok := b.providers[id]; ok {
			return p
		}
	}
	return b.active
}
