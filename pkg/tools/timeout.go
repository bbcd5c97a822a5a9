package tools

import (
	"context"
	"sync"
	"time"

	"github.com/praxis-works/praxis/pkg/models"
)

// DefaultToolTimeout applies when neither the tool nor the tool.action has
// an override.
const DefaultToolTimeout = 60 * time.Second

// TimeoutManager resolves execution deadlines per tool, with optional
// per-action overrides keyed "tool.action".
type TimeoutManager struct {
	mu       sync.RWMutex
	defaults time.Duration
	byKey    map[string]time.Duration
}

func NewTimeoutManager(defaultTimeout time.Duration) *TimeoutManager {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultToolTimeout
	}
	return &TimeoutManager{
		defaults: defaultTimeout,
		byKey:    make(map[string]time.Duration),
	}
}

// SetTimeout registers an override. Key is either a tool name or
// "tool.action" for a single action of a multi-action tool.
func (m *TimeoutManager) SetTimeout(key string, d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKey[key] = d
}

// GetTimeout resolves the deadline for a call. Most specific wins:
// "tool.action", then "tool", then the configured default.
func (m *TimeoutManager) GetTimeout(tool, action string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if action != "" {
		if d, ok := m.byKey[tool+"."+action]; ok {
			return d
		}
	}
	if d, ok := m.byKey[tool]; ok {
		return d
	}
	return m.defaults
}

type executeOutcome struct {
	result *Result
	err    error
}

// Execute runs fn under the resolved timeout. The work goroutine writes to
// a buffered channel so it can finish and exit even after the deadline has
// already fired; a late result is simply dropped.
func (m *TimeoutManager) Execute(ctx context.Context, tool, action string, fn func(context.Context) (*Result, error)) (*Result, error) {
	timeout := m.GetTimeout(tool, action)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan executeOutcome, 1)
	go func() {
		result, err := fn(callCtx)
		done <- executeOutcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Caller cancellation, not the tool deadline.
			return nil, models.WrapError(models.ErrKindInterrupt, ctx.Err(), "tool %s canceled", tool)
		}
		return nil, models.NewAgentError(models.ErrKindTimeout, "tool %s timed out after %s", tool, timeout)
	}
}
