package tools

import (
	"context"
	"log/slog"
	"time"

	"github.com/praxis-works/praxis/pkg/models"
)

// ExecState is the terminal state of one tool call.
type ExecState string

const (
	StateCompleted   ExecState = "completed"
	StateFailedRetry ExecState = "failed_retryable"
	StateFailedFatal ExecState = "failed_fatal"
	StateTimedOut    ExecState = "timed_out"
	StateCancelled   ExecState = "cancelled"
	StateRecovered   ExecState = "recovered"
)

// ResultMasker redacts sensitive substrings from tool output before it
// reaches the model or the event stream.
type ResultMasker interface {
	MaskContent(content string) string
}

// Execution is the outcome of one logical tool call through the control
// plane, including how much work it took.
type Execution struct {
	Tool      string
	Result    *Result
	Attempts  int
	Waited    time.Duration
	Duration  time.Duration
	State     ExecState
	Recovered StrategyKind
}

// Executor wraps every tool invocation with the control plane, in order:
// recovery strategy, retry policy, execution timeout, concurrency slot.
// Slot waits run on their own acquire budget and do not consume the
// attempt's timeout.
type Executor struct {
	registry *Registry
	timeouts *TimeoutManager
	retries  *RetryManager
	slots    *ConcurrencyManager
	recovery *RecoveryManager
	metrics  *MetricsCollector
	masker   ResultMasker
	logger   *slog.Logger
}

func NewExecutor(
	registry *Registry,
	timeouts *TimeoutManager,
	retries *RetryManager,
	slots *ConcurrencyManager,
	recovery *RecoveryManager,
	metrics *MetricsCollector,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		timeouts: timeouts,
		retries:  retries,
		slots:    slots,
		recovery: recovery,
		metrics:  metrics,
		logger:   logger,
	}
}

// SetMasker installs the output redaction hook.
func (e *Executor) SetMasker(m ResultMasker) {
	e.masker = m
}

// Registry exposes the underlying tool registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Tools returns the registered tools sorted by name.
func (e *Executor) Tools() []*Tool {
	return e.registry.List()
}

// Execute runs the named tool with the full control plane applied. The
// returned error is kind-tagged; callers decide whether to surface it or
// convert it into an error-valued tool result.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any) (*Execution, error) {
	exec, err := e.execute(ctx, name, args, true)
	e.recovery.Record(name, err == nil, err)
	return exec, err
}

func (e *Executor) execute(ctx context.Context, name string, args map[string]any, allowRecovery bool) (*Execution, error) {
	start := time.Now()

	tool, err := e.registry.Get(name)
	if err != nil {
		return e.failed(name, start, 0, 0), models.WrapError(models.ErrKindInput, err, "unknown tool %q", name)
	}
	if err := e.registry.ValidateArgs(name, args); err != nil {
		return e.failed(name, start, 0, 0), models.WrapError(models.ErrKindInput, err, "invalid arguments for %q", name)
	}

	exec, err := e.runAttempts(ctx, tool, args)
	if err == nil {
		return exec, nil
	}
	if !allowRecovery || models.IsKind(err, models.ErrKindInterrupt) {
		return exec, err
	}

	strategy := e.recovery.Resolve(name)
	switch strategy.Kind {
	case StrategyRetry:
		for i := 0; i < strategy.MaxRetries; i++ {
			again, retryErr := e.runAttempts(ctx, tool, args)
			exec.Attempts += again.Attempts
			exec.Waited += again.Waited
			if retryErr == nil {
				again.Attempts = exec.Attempts
				again.Waited = exec.Waited
				again.Duration = time.Since(start)
				again.Recovered = StrategyRetry
				return again, nil
			}
			err = retryErr
			if models.IsKind(err, models.ErrKindInterrupt) {
				break
			}
		}
		exec.Duration = time.Since(start)
		return exec, err

	case StrategyFallback:
		if strategy.FallbackTool == "" || strategy.FallbackTool == name {
			return exec, err
		}
		e.logger.Warn("tool failed, re-routing to fallback",
			"tool", name, "fallback", strategy.FallbackTool, "error", err)
		fallback, fbErr := e.execute(ctx, strategy.FallbackTool, args, false)
		if fbErr != nil {
			// Surface the primary failure; the fallback attempt is detail.
			e.logger.Warn("fallback tool also failed",
				"tool", name, "fallback", strategy.FallbackTool, "error", fbErr)
			return exec, err
		}
		fallback.Tool = name
		fallback.Recovered = StrategyFallback
		fallback.Duration = time.Since(start)
		return fallback, nil

	case StrategySkip:
		e.logger.Warn("tool failed, returning skip value", "tool", name, "error", err)
		return &Execution{
			Tool:      name,
			Result:    &Result{Content: strategy.SkipValue},
			Attempts:  exec.Attempts,
			Waited:    exec.Waited,
			Duration:  time.Since(start),
			State:     StateRecovered,
			Recovered: StrategySkip,
		}, nil

	default:
		return exec, err
	}
}

// runAttempts drives the retry layer. Each attempt re-acquires a slot so
// retrying callers queue behind newer arrivals per FIFO order.
func (e *Executor) runAttempts(ctx context.Context, tool *Tool, args map[string]any) (*Execution, error) {
	start := time.Now()
	action, _ := args["action"].(string)

	var totalWait time.Duration
	result, attempts, err := e.retries.Execute(ctx, tool.Name, func(ctx context.Context) (*Result, error) {
		slotID, waited, acquireErr := e.slots.Acquire(ctx, tool.Name)
		if acquireErr != nil {
			return nil, acquireErr
		}
		totalWait += waited
		defer e.slots.Release(tool.Name, slotID)

		attemptStart := time.Now()
		res, execErr := e.timeouts.Execute(ctx, tool.Name, action, func(ctx context.Context) (*Result, error) {
			return tool.Execute(ctx, args)
		})
		e.metrics.Record(tool.Name, execErr == nil && (res == nil || !res.IsError), time.Since(attemptStart), execErr)
		return res, execErr
	})

	exec := &Execution{
		Tool:     tool.Name,
		Result:   result,
		Attempts: attempts,
		Waited:   totalWait,
		Duration: time.Since(start),
	}
	if err == nil {
		exec.State = StateCompleted
		if e.masker != nil && result != nil {
			result.Content = e.masker.MaskContent(result.Content)
		}
		return exec, nil
	}

	switch models.KindOf(err) {
	case models.ErrKindTimeout:
		exec.State = StateTimedOut
	case models.ErrKindInterrupt:
		exec.State = StateCancelled
	default:
		if e.retries.Policy(tool.Name).IsRetryable(err) {
			exec.State = StateFailedRetry
		} else {
			exec.State = StateFailedFatal
		}
	}
	return exec, err
}

func (e *Executor) failed(name string, start time.Time, attempts int, waited time.Duration) *Execution {
	return &Execution{
		Tool:     name,
		Attempts: attempts,
		Waited:   waited,
		Duration: time.Since(start),
		State:    StateFailedFatal,
	}
}

// Stats proxies the metrics collector for API handlers.
func (e *Executor) Stats(tool string) ToolStats {
	return e.metrics.Stats(tool)
}

// AllStats proxies the metrics collector for API handlers.
func (e *Executor) AllStats() []ToolStats {
	return e.metrics.AllStats()
}

// RecentFailures proxies the recovery history for circuit-breaker callers.
func (e *Executor) RecentFailures(tool string, window time.Duration) int {
	return e.recovery.RecentFailures(tool, window)
}
