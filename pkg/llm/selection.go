package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/praxis-works/praxis/pkg/models"
)

// DefaultRecencyCapacity bounds how many recently used models are remembered.
const DefaultRecencyCapacity = 10

// Selection names one model on one provider.
type Selection struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (s Selection) String() string {
	return fmt.Sprintf("%s/%s", s.Provider, s.Model)
}

// ParseSelection splits a "provider/model" reference. A bare model name
// (no slash) yields a Selection with an empty Provider; the caller decides
// which provider advertises it. Model ids may themselves contain slashes
// (OpenRouter-style), so only the first slash separates the provider.
func ParseSelection(ref string) Selection {
	provider, model, found := strings.Cut(ref, "/")
	if !found {
		return Selection{Model: ref}
	}
	return Selection{Provider: provider, Model: model}
}

// RecencyList is a bounded most-recent-first list of model selections,
// persisted as JSON so the choice survives restarts.
type RecencyList struct {
	mu       sync.Mutex
	path     string
	capacity int
	entries  []Selection
}

func NewRecencyList(path string, capacity int) *RecencyList {
	if capacity <= 0 {
		capacity = DefaultRecencyCapacity
	}
	return &RecencyList{path: path, capacity: capacity}
}

// Load reads the persisted list. A missing file is not an error.
func (r *RecencyList) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read recency list: %w", err)
	}
	var entries []Selection
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse recency list %s: %w", r.path, err)
	}
	if len(entries) > r.capacity {
		entries = entries[:r.capacity]
	}
	r.entries = entries
	return nil
}

// Touch moves the selection to the front and persists the list.
func (r *RecencyList) Touch(sel Selection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	updated := make([]Selection, 0, len(r.entries)+1)
	updated = append(updated, sel)
	for _, e := range r.entries {
		if e == sel {
			continue
		}
		updated = append(updated, e)
	}
	if len(updated) > r.capacity {
		updated = updated[:r.capacity]
	}
	r.entries = updated
	return r.saveLocked()
}

// Entries returns a copy in most-recent-first order.
func (r *RecencyList) Entries() []Selection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Selection, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *RecencyList) saveLocked() error {
	if r.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode recency list: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write recency list: %w", err)
	}
	return nil
}

// Selector resolves which model to use via a fallback chain: the current
// in-memory selection, then the recency list, then the configured default,
// then the first model any provider advertises.
type Selector struct {
	mu         sync.RWMutex
	registry   *Registry
	recency    *RecencyList
	defaultSel Selection
	configured map[string][]string
	current    *Selection
	logger     *slog.Logger
}

func NewSelector(registry *Registry, recency *RecencyList, defaultSel Selection, configured map[string][]string, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		registry:   registry,
		recency:    recency,
		defaultSel: defaultSel,
		configured: configured,
		logger:     logger,
	}
}

// Current returns the in-memory selection, if any.
func (s *Selector) Current() (Selection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Selection{}, false
	}
	return *s.current, true
}

// Select walks the fallback chain and returns the first valid model. The
// result becomes the current selection.
func (s *Selector) Select() (Selection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.Validate(*s.current) {
		return *s.current, nil
	}
	for _, sel := range s.recency.Entries() {
		if s.Validate(sel) {
			s.current = &sel
			s.logger.Info("selected model from recency list", "provider", sel.Provider, "model", sel.Model)
			return sel, nil
		}
	}
	if s.defaultSel.Model != "" {
		if sel, ok := s.resolveDefault(); ok {
			s.current = &sel
			s.logger.Info("selected configured default model", "provider", sel.Provider, "model", sel.Model)
			return sel, nil
		}
	}
	if sel, ok := s.firstAdvertised(); ok {
		s.current = &sel
		s.logger.Info("selected first advertised model", "provider", sel.Provider, "model", sel.Model)
		return sel, nil
	}
	return Selection{}, models.NewAgentError(models.ErrKindConfig, "no valid model available from any provider")
}

// Switch validates and activates a selection, recording it as most recent.
func (s *Selector) Switch(sel Selection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Validate(sel) {
		return models.NewAgentError(models.ErrKindConfig,
			"model %q is not available on provider %q", sel.Model, sel.Provider)
	}
	s.current = &sel
	if err := s.recency.Touch(sel); err != nil {
		s.logger.Warn("failed to persist model recency", "error", err)
	}
	return nil
}

// Reset clears the in-memory selection, forcing the next Select to walk the
// chain again. Used after environment switches change the provider set.
func (s *Selector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
}

// Validate reports whether the provider knows the model: advertised in its
// model list, named as its default, or present in the configured-models
// table.
func (s *Selector) Validate(sel Selection) bool {
	entry, err := s.registry.Get(sel.Provider)
	if err != nil {
		return false
	}
	if _, ok := entry.Config.Model(sel.Model); ok {
		return true
	}
	if sel.Model != "" && sel.Model == entry.Config.DefaultModel {
		return true
	}
	for _, id := range s.configured[sel.Provider] {
		if id == sel.Model {
			return true
		}
	}
	return false
}

// ModelInfo returns metadata for a selection, synthesizing a minimal record
// for models known only by name.
func (s *Selector) ModelInfo(sel Selection) (ModelInfo, error) {
	entry, err := s.registry.Get(sel.Provider)
	if err != nil {
		return ModelInfo{}, err
	}
	if info, ok := entry.Config.Model(sel.Model); ok {
		return info, nil
	}
	return ModelInfo{ID: sel.Model, Name: sel.Model}, nil
}

func (s *Selector) resolveDefault() (Selection, bool) {
	if s.defaultSel.Provider != "" {
		if s.Validate(s.defaultSel) {
			return s.defaultSel, true
		}
		return Selection{}, false
	}
	for _, entry := range s.registry.List() {
		sel := Selection{Provider: entry.Config.ID, Model: s.defaultSel.Model}
		if s.Validate(sel) {
			return sel, true
		}
	}
	return Selection{}, false
}

func (s *Selector) firstAdvertised() (Selection, bool) {
	for _, entry := range s.registry.List() {
		cfg := entry.Config
		if cfg.DefaultModel != "" {
			return Selection{Provider: cfg.ID, Model: cfg.DefaultModel}, true
		}
		if len(cfg.Models) > 0 {
			return Selection{Provider: cfg.ID, Model: cfg.Models[0].ID}, true
		}
	}
	return Selection{}, false
}
