package llm

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/praxis-works/praxis/pkg/models"
)

// Entry pairs a provider's configuration with its live SDK adapter.
type Entry struct {
	Config   ProviderConfig
	Provider Provider
}

// Registry maps provider ids to configured adapters. Adding an id twice
// overwrites the earlier entry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*Entry),
		logger:  logger,
	}
}

// Add builds the adapter for the config and registers it. A duplicate id
// replaces the previous entry but keeps its original position in the
// iteration order.
func (r *Registry) Add(cfg ProviderConfig) error {
	provider, err := NewProvider(cfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[cfg.ID]; exists {
		r.logger.Warn("provider already registered, overwriting", "provider", cfg.ID)
	} else {
		r.order = append(r.order, cfg.ID)
	}
	r.entries[cfg.ID] = &Entry{Config: cfg, Provider: provider}
	return nil
}

// AddEntry registers a pre-built provider, used by tests and local stubs.
func (r *Registry) AddEntry(cfg ProviderConfig, provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[cfg.ID]; !exists {
		r.order = append(r.order, cfg.ID)
	}
	r.entries[cfg.ID] = &Entry{Config: cfg, Provider: provider}
}

// Remove drops a provider by id.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the entry for a provider id.
func (r *Registry) Get(id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, models.NewAgentError(models.ErrKindConfig, "unknown provider %q", id)
	}
	return entry, nil
}

// List returns all entries in registration order.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.order))
	for _, id := range r.order {
		if entry, ok := r.entries[id]; ok {
			out = append(out, entry)
		}
	}
	return out
}

// IDs returns the registered provider ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// NewProvider builds the SDK adapter for a provider config.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	if cfg.ID == "" {
		return nil, models.NewAgentError(models.ErrKindConfig, "provider id is required")
	}
	switch cfg.SDK {
	case SDKAnthropic:
		return newAnthropicProvider(cfg)
	case SDKOpenAI, SDKOpenAICompatible:
		return newOpenAIProvider(cfg)
	case SDKGoogle:
		return newGoogleProvider(cfg)
	default:
		return nil, models.NewAgentError(models.ErrKindConfig,
			"provider %q has unsupported sdk %q", cfg.ID, string(cfg.SDK))
	}
}
