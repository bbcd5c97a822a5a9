package tools

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxis-works/praxis/pkg/models"
)

const (
	// DefaultToolConcurrency bounds simultaneous executions of one tool
	// when no per-tool limit is set.
	DefaultToolConcurrency = 5
	// DefaultAcquireTimeout bounds time spent waiting for a slot.
	DefaultAcquireTimeout = 30 * time.Second
)

type slotWaiter struct {
	ready   chan string
	granted bool
}

type toolSlots struct {
	limit   int
	active  map[string]struct{}
	waiters []*slotWaiter
}

// ConcurrencyManager is a per-tool semaphore with a FIFO wait queue. Each
// grant carries a slot id the holder must return via Release. Bookkeeping
// for a tool is garbage-collected once it has no holders and no waiters.
type ConcurrencyManager struct {
	mu           sync.Mutex
	defaultLimit int
	maxWait      time.Duration
	limits       map[string]int
	tools        map[string]*toolSlots
	logger       *slog.Logger
}

func NewConcurrencyManager(defaultLimit int, maxWait time.Duration, logger *slog.Logger) *ConcurrencyManager {
	if defaultLimit <= 0 {
		defaultLimit = DefaultToolConcurrency
	}
	if maxWait <= 0 {
		maxWait = DefaultAcquireTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConcurrencyManager{
		defaultLimit: defaultLimit,
		maxWait:      maxWait,
		limits:       make(map[string]int),
		tools:        make(map[string]*toolSlots),
		logger:       logger,
	}
}

// SetLimit overrides the concurrency limit for one tool. Takes effect on
// the next acquisition.
func (m *ConcurrencyManager) SetLimit(tool string, limit int) {
	if limit <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[tool] = limit
	if ts, ok := m.tools[tool]; ok {
		ts.limit = limit
	}
}

func (m *ConcurrencyManager) limitFor(tool string) int {
	if limit, ok := m.limits[tool]; ok {
		return limit
	}
	return m.defaultLimit
}

// Acquire obtains a slot for the tool, waiting in FIFO order behind
// earlier callers when the tool is at its limit. It returns the slot id
// and how long the caller waited. Waiting is bounded by the configured
// acquire timeout and by ctx.
func (m *ConcurrencyManager) Acquire(ctx context.Context, tool string) (string, time.Duration, error) {
	start := time.Now()

	m.mu.Lock()
	ts, ok := m.tools[tool]
	if !ok {
		ts = &toolSlots{
			limit:  m.limitFor(tool),
			active: make(map[string]struct{}),
		}
		m.tools[tool] = ts
	}
	if len(ts.active) < ts.limit {
		id := uuid.NewString()
		ts.active[id] = struct{}{}
		m.mu.Unlock()
		return id, 0, nil
	}
	waiter := &slotWaiter{ready: make(chan string, 1)}
	ts.waiters = append(ts.waiters, waiter)
	queued := len(ts.waiters)
	limit := ts.limit
	m.mu.Unlock()

	m.logger.Debug("tool at concurrency limit, queueing",
		"tool", tool, "limit", limit, "queue_position", queued)

	timer := time.NewTimer(m.maxWait)
	defer timer.Stop()

	select {
	case id := <-waiter.ready:
		return id, time.Since(start), nil

	case <-timer.C:
		m.mu.Lock()
		if waiter.granted {
			// Release raced the timer and already assigned a slot.
			m.mu.Unlock()
			return <-waiter.ready, time.Since(start), nil
		}
		m.removeWaiterLocked(tool, waiter)
		m.mu.Unlock()
		return "", time.Since(start), models.NewAgentError(models.ErrKindTimeout,
			"timed out after %s waiting for a %s slot", m.maxWait, tool)

	case <-ctx.Done():
		m.mu.Lock()
		if waiter.granted {
			// A slot arrived while the caller was cancelling; hand it back
			// so the next waiter is not starved.
			id := <-waiter.ready
			m.releaseLocked(tool, id)
		} else {
			m.removeWaiterLocked(tool, waiter)
		}
		m.mu.Unlock()
		return "", time.Since(start), models.WrapError(models.ErrKindInterrupt, ctx.Err(),
			"canceled while waiting for a %s slot", tool)
	}
}

// Release returns a slot. The freed capacity goes to the oldest waiter if
// any; otherwise, when the tool has no holders left, its bookkeeping is
// dropped.
func (m *ConcurrencyManager) Release(tool, slotID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(tool, slotID)
}

func (m *ConcurrencyManager) releaseLocked(tool, slotID string) {
	ts, ok := m.tools[tool]
	if !ok {
		return
	}
	if _, held := ts.active[slotID]; !held {
		m.logger.Warn("release of unknown slot", "tool", tool, "slot_id", slotID)
		return
	}
	delete(ts.active, slotID)

	for len(ts.waiters) > 0 && len(ts.active) < ts.limit {
		next := ts.waiters[0]
		ts.waiters = ts.waiters[1:]
		id := uuid.NewString()
		ts.active[id] = struct{}{}
		next.granted = true
		next.ready <- id
	}

	if len(ts.active) == 0 && len(ts.waiters) == 0 {
		delete(m.tools, tool)
	}
}

func (m *ConcurrencyManager) removeWaiterLocked(tool string, w *slotWaiter) {
	ts, ok := m.tools[tool]
	if !ok {
		return
	}
	for i, candidate := range ts.waiters {
		if candidate == w {
			ts.waiters = append(ts.waiters[:i], ts.waiters[i+1:]...)
			break
		}
	}
	if len(ts.active) == 0 && len(ts.waiters) == 0 {
		delete(m.tools, tool)
	}
}

// Active reports how many slots the tool currently holds.
func (m *ConcurrencyManager) Active(tool string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts, ok := m.tools[tool]; ok {
		return len(ts.active)
	}
	return 0
}

// Waiting reports the current queue depth for the tool.
func (m *ConcurrencyManager) Waiting(tool string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts, ok := m.tools[tool]; ok {
		return len(ts.waiters)
	}
	return 0
}
