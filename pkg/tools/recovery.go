package tools

import (
	"sync"
	"time"
)

// StrategyKind selects what the control plane does after a tool exhausts
// its retry budget.
type StrategyKind string

const (
	// StrategyError surfaces the failure to the caller. The default.
	StrategyError StrategyKind = "error"
	// StrategyRetry re-runs the full pipeline up to MaxRetries more times.
	StrategyRetry StrategyKind = "retry"
	// StrategyFallback re-routes the call to FallbackTool with the same
	// arguments. The fallback runs once, with recovery disabled.
	StrategyFallback StrategyKind = "fallback"
	// StrategySkip swallows the failure and returns SkipValue.
	StrategySkip StrategyKind = "skip"
)

// Strategy is the per-tool recovery policy.
type Strategy struct {
	Kind         StrategyKind `yaml:"kind" json:"kind"`
	MaxRetries   int          `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
	FallbackTool string       `yaml:"fallbackTool,omitempty" json:"fallbackTool,omitempty"`
	SkipValue    string       `yaml:"skipValue,omitempty" json:"skipValue,omitempty"`
}

// Outcome is one recorded execution, kept for failure-rate queries.
type Outcome struct {
	Tool    string
	Success bool
	Error   string
	At      time.Time
}

const recoveryHistoryCap = 256

// RecoveryManager resolves per-tool strategies and keeps a bounded
// execution history so callers can build circuit-breaking policies on
// recent failure counts.
type RecoveryManager struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	history    map[string][]Outcome
	now        func() time.Time
}

func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{
		strategies: make(map[string]Strategy),
		history:    make(map[string][]Outcome),
		now:        time.Now,
	}
}

// SetStrategy installs the recovery policy for one tool.
func (m *RecoveryManager) SetStrategy(tool string, s Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Kind == "" {
		s.Kind = StrategyError
	}
	m.strategies[tool] = s
}

// Resolve returns the tool's strategy, defaulting to error passthrough.
func (m *RecoveryManager) Resolve(tool string) Strategy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.strategies[tool]; ok {
		return s
	}
	return Strategy{Kind: StrategyError}
}

// Record appends one execution outcome to the tool's history, evicting
// the oldest entry past the cap.
func (m *RecoveryManager) Record(tool string, success bool, err error) {
	out := Outcome{Tool: tool, Success: success, At: m.now()}
	if err != nil {
		out.Error = err.Error()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := append(m.history[tool], out)
	if len(entries) > recoveryHistoryCap {
		entries = entries[len(entries)-recoveryHistoryCap:]
	}
	m.history[tool] = entries
}

// RecentFailures counts failed executions of the tool within the window.
func (m *RecoveryManager) RecentFailures(tool string, window time.Duration) int {
	cutoff := m.now().Add(-window)
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, out := range m.history[tool] {
		if !out.Success && out.At.After(cutoff) {
			count++
		}
	}
	return count
}

// History returns a copy of the tool's recorded outcomes, oldest first.
func (m *RecoveryManager) History(tool string) []Outcome {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.history[tool]
	out := make([]Outcome, len(entries))
	copy(out, entries)
	return out
}
