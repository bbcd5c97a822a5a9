package tools

import (
	"context"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/praxis-works/praxis/pkg/models"
)

// DefaultRetryablePatterns matches the transient transport and throttling
// failures worth retrying. Matching is case-insensitive substring.
var DefaultRetryablePatterns = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"timeout",
	"timed out",
	"etimedout",
	"econnreset",
	"no such host",
	"dns",
	"temporarily unavailable",
	"rate limit",
	"too many requests",
	"overloaded",
	"503",
	"529",
}

// RetryPolicy controls backoff for one tool. MaxRetries bounds total
// attempts, not re-attempts: MaxRetries=3 means the function runs at most
// three times.
type RetryPolicy struct {
	MaxRetries        int           `yaml:"maxRetries" json:"maxRetries"`
	BaseDelay         time.Duration `yaml:"baseDelay" json:"baseDelay"`
	MaxDelay          time.Duration `yaml:"maxDelay" json:"maxDelay"`
	Multiplier        float64       `yaml:"multiplier" json:"multiplier"`
	Jitter            bool          `yaml:"jitter" json:"jitter"`
	RetryablePatterns []string      `yaml:"retryablePatterns" json:"retryablePatterns"`
}

// DefaultRetryPolicy returns the policy applied to tools without an
// override.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		Multiplier:        2.0,
		Jitter:            true,
		RetryablePatterns: DefaultRetryablePatterns,
	}
}

// IsRetryable reports whether the error message contains any configured
// pattern, compared case-insensitively. Errors already tagged as transport
// or rate-limited retry regardless of message text.
func (p RetryPolicy) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch models.KindOf(err) {
	case models.ErrKindTransport, models.ErrKindRateLimited:
		return true
	case models.ErrKindInterrupt, models.ErrKindInput, models.ErrKindBusy:
		return false
	}
	msg := strings.ToLower(err.Error())
	patterns := p.RetryablePatterns
	if patterns == nil {
		patterns = DefaultRetryablePatterns
	}
	for _, pattern := range patterns {
		if strings.Contains(msg, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// Delay computes the backoff before retrying after failed attempt n,
// counted from zero: min(base * multiplier^n, max), scaled by a uniform
// factor in [0.5, 1.0] when jitter is on.
func (p RetryPolicy) Delay(n int) time.Duration {
	base := float64(p.BaseDelay)
	if base <= 0 {
		base = float64(100 * time.Millisecond)
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := base * math.Pow(mult, float64(n))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		delay *= 0.5 + rand.Float64()*0.5
	}
	return time.Duration(delay)
}

// RetryManager holds per-tool retry policies with a shared default.
type RetryManager struct {
	mu       sync.RWMutex
	defaults RetryPolicy
	byTool   map[string]RetryPolicy
}

func NewRetryManager(defaults RetryPolicy) *RetryManager {
	if defaults.MaxRetries <= 0 {
		defaults = DefaultRetryPolicy()
	}
	return &RetryManager{
		defaults: defaults,
		byTool:   make(map[string]RetryPolicy),
	}
}

// SetPolicy installs a per-tool override.
func (m *RetryManager) SetPolicy(tool string, p RetryPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byTool[tool] = p
}

// Policy resolves the effective policy for a tool.
func (m *RetryManager) Policy(tool string) RetryPolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.byTool[tool]; ok {
		return p
	}
	return m.defaults
}

// Attempt reports one execution of the retried function.
type Attempt struct {
	Number int
	Err    error
	Waited time.Duration
}

// Execute runs fn under the tool's policy. Attempts stop on the first
// success, the first non-retryable error, context cancellation, or when
// the attempt budget is spent. The returned attempt count includes the
// final call whether it succeeded or not.
func (m *RetryManager) Execute(ctx context.Context, tool string, fn func(context.Context) (*Result, error)) (*Result, int, error) {
	policy := m.Policy(tool)
	maxAttempts := policy.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err
		if !policy.IsRetryable(err) || attempt == maxAttempts {
			return nil, attempt, err
		}
		delay := policy.Delay(attempt - 1)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, attempt, models.WrapError(models.ErrKindInterrupt, ctx.Err(), "retry of tool %s canceled", tool)
		case <-timer.C:
		}
	}
	return nil, maxAttempts, lastErr
}
