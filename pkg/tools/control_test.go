package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis-works/praxis/pkg/models"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	return NewExecutor(
		NewRegistry(),
		NewTimeoutManager(5*time.Second),
		NewRetryManager(DefaultRetryPolicy()),
		NewConcurrencyManager(5, 2*time.Second, nil),
		NewRecoveryManager(),
		NewMetricsCollector(time.Hour, 1000),
		nil,
	)
}

func registerEcho(t *testing.T, e *Executor, name string) {
	t.Helper()
	err := e.Registry().Register(&Tool{
		Name: name,
		Execute: func(ctx context.Context, args map[string]any) (*Result, error) {
			text, _ := args["text"].(string)
			return &Result{Content: text}, nil
		},
	})
	require.NoError(t, err)
}

func TestTimeoutManagerResolution(t *testing.T) {
	tm := NewTimeoutManager(10 * time.Second)
	tm.SetTimeout("bash", 30*time.Second)
	tm.SetTimeout("bash.download", 2*time.Minute)

	assert.Equal(t, 2*time.Minute, tm.GetTimeout("bash", "download"))
	assert.Equal(t, 30*time.Second, tm.GetTimeout("bash", "run"))
	assert.Equal(t, 30*time.Second, tm.GetTimeout("bash", ""))
	assert.Equal(t, 10*time.Second, tm.GetTimeout("kubectl", "get"))
}

func TestTimeoutManagerExecuteTimesOut(t *testing.T) {
	tm := NewTimeoutManager(5 * time.Second)
	tm.SetTimeout("slow", 30*time.Millisecond)

	released := make(chan struct{})
	_, err := tm.Execute(context.Background(), "slow", "", func(ctx context.Context) (*Result, error) {
		defer close(released)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &Result{Content: "too late"}, nil
		}
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrKindTimeout))

	// The deadline must propagate so the function can unwind.
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("function did not observe cancellation")
	}
}

func TestTimeoutManagerExecutePropagatesCallerCancel(t *testing.T) {
	tm := NewTimeoutManager(5 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := tm.Execute(ctx, "any", "", func(ctx context.Context) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrKindInterrupt))
}

func TestRetryPolicyIsRetryable(t *testing.T) {
	policy := DefaultRetryPolicy()

	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"etimedout", errors.New("ETIMEDOUT"), true},
		{"connection reset mixed case", errors.New("read tcp: Connection Reset by peer"), true},
		{"rate limit", errors.New("429: rate limit exceeded"), true},
		{"dns", errors.New("lookup example.com: no such host"), true},
		{"transport kind without pattern", models.NewAgentError(models.ErrKindTransport, "socket closed"), true},
		{"plain failure", errors.New("command exited with status 1"), false},
		{"input kind with timeout text", models.NewAgentError(models.ErrKindInput, "timeout field is invalid"), false},
		{"interrupt", models.NewAgentError(models.ErrKindInterrupt, "canceled"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, policy.IsRetryable(tt.err))
		})
	}
}

func TestRetryDelayBounds(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   300 * time.Millisecond,
		Multiplier: 2,
		Jitter:     true,
	}

	for n := 0; n < 6; n++ {
		raw := 100 * time.Millisecond * (1 << n)
		if raw > policy.MaxDelay {
			raw = policy.MaxDelay
		}
		for i := 0; i < 50; i++ {
			d := policy.Delay(n)
			assert.GreaterOrEqual(t, d, raw/2, "attempt %d below jitter floor", n)
			assert.LessOrEqual(t, d, raw, "attempt %d above cap", n)
		}
	}

	noJitter := policy
	noJitter.Jitter = false
	assert.Equal(t, 100*time.Millisecond, noJitter.Delay(0))
	assert.Equal(t, 200*time.Millisecond, noJitter.Delay(1))
	assert.Equal(t, 300*time.Millisecond, noJitter.Delay(2), "capped at max delay")
}

// Two transient failures then success: three attempts, with backoff sleeps
// of 100ms and 200ms each jittered into [0.5,1.0] of nominal.
func TestRetryManagerTransientThenSuccess(t *testing.T) {
	rm := NewRetryManager(DefaultRetryPolicy())
	rm.SetPolicy("flaky", RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		Multiplier: 2,
		Jitter:     true,
	})

	calls := 0
	start := time.Now()
	result, attempts, err := rm.Execute(context.Background(), "flaky", func(ctx context.Context) (*Result, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("ETIMEDOUT")
		}
		return &Result{Content: "ok"}, nil
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, "ok", result.Content)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, 400*time.Millisecond)
}

func TestRetryManagerExhaustsBudget(t *testing.T) {
	rm := NewRetryManager(DefaultRetryPolicy())
	rm.SetPolicy("down", RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		Multiplier: 2,
	})

	calls := 0
	_, attempts, err := rm.Execute(context.Background(), "down", func(ctx context.Context) (*Result, error) {
		calls++
		return nil, errors.New("connection refused")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)
}

func TestRetryManagerNonRetryableShortCircuits(t *testing.T) {
	rm := NewRetryManager(DefaultRetryPolicy())

	calls := 0
	_, attempts, err := rm.Execute(context.Background(), "bash", func(ctx context.Context) (*Result, error) {
		calls++
		return nil, errors.New("command exited with status 2")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
}

// Five acquisitions against limit 2: A and B run at once, C, D and E are
// granted strictly in arrival order as slots free up.
func TestConcurrencyFIFOOrdering(t *testing.T) {
	cm := NewConcurrencyManager(2, 2*time.Second, nil)
	cm.SetLimit("T", 2)

	slotA, waitA, err := cm.Acquire(context.Background(), "T")
	require.NoError(t, err)
	assert.Zero(t, waitA)
	slotB, _, err := cm.Acquire(context.Background(), "T")
	require.NoError(t, err)
	assert.Equal(t, 2, cm.Active("T"))

	type grant struct {
		name string
		slot string
	}
	grants := make(chan grant, 3)
	var wg sync.WaitGroup
	for i, name := range []string{"C", "D", "E"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			slot, _, err := cm.Acquire(context.Background(), "T")
			assert.NoError(t, err)
			grants <- grant{name: name, slot: slot}
		}(name)
		// Wait for each waiter to enqueue before starting the next so the
		// arrival order is exactly C, D, E.
		depth := i + 1
		require.Eventually(t, func() bool {
			return cm.Waiting("T") == depth
		}, time.Second, time.Millisecond)
	}

	cm.Release("T", slotA)
	first := <-grants
	assert.Equal(t, "C", first.name)
	assert.LessOrEqual(t, cm.Active("T"), 2)

	cm.Release("T", slotB)
	second := <-grants
	assert.Equal(t, "D", second.name)

	cm.Release("T", first.slot)
	third := <-grants
	assert.Equal(t, "E", third.name)

	wg.Wait()
	cm.Release("T", second.slot)
	cm.Release("T", third.slot)
	assert.Zero(t, cm.Active("T"))
	assert.Zero(t, cm.Waiting("T"))
}

func TestConcurrencyAcquireTimeout(t *testing.T) {
	cm := NewConcurrencyManager(1, 40*time.Millisecond, nil)

	slot, _, err := cm.Acquire(context.Background(), "T")
	require.NoError(t, err)

	_, waited, err := cm.Acquire(context.Background(), "T")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrKindTimeout))
	assert.GreaterOrEqual(t, waited, 40*time.Millisecond)
	assert.Zero(t, cm.Waiting("T"), "timed-out waiter must leave the queue")

	cm.Release("T", slot)
	assert.Zero(t, cm.Active("T"))
}

func TestConcurrencyAcquireCanceled(t *testing.T) {
	cm := NewConcurrencyManager(1, time.Minute, nil)

	slot, _, err := cm.Acquire(context.Background(), "T")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, _, err = cm.Acquire(ctx, "T")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrKindInterrupt))

	cm.Release("T", slot)
	assert.Zero(t, cm.Active("T"), "bookkeeping should be garbage-collected")
}

func TestConcurrencyGarbageCollection(t *testing.T) {
	cm := NewConcurrencyManager(2, time.Second, nil)

	slot, _, err := cm.Acquire(context.Background(), "T")
	require.NoError(t, err)
	cm.Release("T", slot)

	cm.mu.Lock()
	_, exists := cm.tools["T"]
	cm.mu.Unlock()
	assert.False(t, exists, "idle tool entry should be dropped")
}

func TestRecoveryManagerHistory(t *testing.T) {
	rm := NewRecoveryManager()
	rm.Record("bash", true, nil)
	rm.Record("bash", false, errors.New("boom"))
	rm.Record("bash", false, errors.New("boom again"))

	assert.Equal(t, 2, rm.RecentFailures("bash", time.Minute))
	assert.Equal(t, 0, rm.RecentFailures("kubectl", time.Minute))

	history := rm.History("bash")
	require.Len(t, history, 3)
	assert.True(t, history[0].Success)
	assert.Equal(t, "boom again", history[2].Error)
}

func TestMetricsPercentiles(t *testing.T) {
	mc := NewMetricsCollector(time.Hour, 1000)
	for i := 1; i <= 100; i++ {
		mc.Record("bash", true, time.Duration(i)*time.Millisecond, nil)
	}
	mc.Record("bash", false, 500*time.Millisecond, errors.New("boom"))

	stats := mc.Stats("bash")
	assert.Equal(t, 101, stats.Total)
	assert.Equal(t, 100, stats.Success)
	assert.Equal(t, 1, stats.Failure)
	assert.InDelta(t, 100.0/101.0, stats.SuccessRate, 0.0001)
	assert.Equal(t, 1.0, stats.MinMs)
	assert.Equal(t, 500.0, stats.MaxMs)
	// ceil(50/100*101)-1 = 50 → the 51st sample of 1..100,500.
	assert.Equal(t, 51.0, stats.P50Ms)
	assert.Equal(t, 96.0, stats.P95Ms)
	assert.Equal(t, 100.0, stats.P99Ms)
	assert.Equal(t, 1, stats.RecentFailures60s)
	require.NotNil(t, stats.LastCalledAt)
}

func TestMetricsWindowEviction(t *testing.T) {
	mc := NewMetricsCollector(time.Hour, 1000)
	past := time.Now().Add(-2 * time.Hour)
	mc.now = func() time.Time { return past }
	mc.Record("bash", true, 10*time.Millisecond, nil)

	mc.now = time.Now
	mc.Record("bash", true, 20*time.Millisecond, nil)

	stats := mc.Stats("bash")
	assert.Equal(t, 1, stats.Total, "stale record must fall out of the window")
	assert.Equal(t, 20.0, stats.MinMs)
}

func TestMetricsCapacityEviction(t *testing.T) {
	mc := NewMetricsCollector(time.Hour, 10)
	for i := 0; i < 25; i++ {
		mc.Record("bash", true, time.Millisecond, nil)
	}
	assert.Equal(t, 10, mc.Stats("bash").Total)
}

func TestExecutorHappyPath(t *testing.T) {
	e := newTestExecutor(t)
	registerEcho(t, e, "echo")

	exec, err := e.Execute(context.Background(), "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", exec.Result.Content)
	assert.Equal(t, 1, exec.Attempts)
	assert.Equal(t, StateCompleted, exec.State)

	stats := e.Stats("echo")
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Success)
}

func TestExecutorUnknownTool(t *testing.T) {
	e := newTestExecutor(t)

	_, err := e.Execute(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrKindInput))
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestExecutorValidatesArgs(t *testing.T) {
	e := newTestExecutor(t)
	err := e.Registry().Register(&Tool{
		Name:   "bash",
		Schema: Object(map[string]*Schema{"command": StringField("")}),
		Execute: func(ctx context.Context, args map[string]any) (*Result, error) {
			return &Result{Content: "ran"}, nil
		},
	})
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), "bash", map[string]any{})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrKindInput))
	var schemaErr *SchemaError
	assert.ErrorAs(t, err, &schemaErr)
}

type prefixMasker struct{}

func (prefixMasker) MaskContent(content string) string {
	return "masked:" + content
}

func TestExecutorAppliesMasker(t *testing.T) {
	e := newTestExecutor(t)
	registerEcho(t, e, "echo")
	e.SetMasker(prefixMasker{})

	exec, err := e.Execute(context.Background(), "echo", map[string]any{"text": "secret"})
	require.NoError(t, err)
	assert.Equal(t, "masked:secret", exec.Result.Content)
}

func TestExecutorSkipRecovery(t *testing.T) {
	e := newTestExecutor(t)
	err := e.Registry().Register(&Tool{
		Name: "lookup",
		Execute: func(ctx context.Context, args map[string]any) (*Result, error) {
			return nil, errors.New("backend unavailable")
		},
	})
	require.NoError(t, err)
	e.recovery.SetStrategy("lookup", Strategy{Kind: StrategySkip, SkipValue: "{}"})

	exec, execErr := e.Execute(context.Background(), "lookup", nil)
	require.NoError(t, execErr)
	assert.Equal(t, "{}", exec.Result.Content)
	assert.Equal(t, StrategySkip, exec.Recovered)
	assert.Equal(t, StateRecovered, exec.State)
}

func TestExecutorFallbackRecovery(t *testing.T) {
	e := newTestExecutor(t)
	err := e.Registry().Register(&Tool{
		Name: "primary",
		Execute: func(ctx context.Context, args map[string]any) (*Result, error) {
			return nil, errors.New("primary exploded")
		},
	})
	require.NoError(t, err)
	var fallbackArgs map[string]any
	err = e.Registry().Register(&Tool{
		Name: "secondary",
		Execute: func(ctx context.Context, args map[string]any) (*Result, error) {
			fallbackArgs = args
			return &Result{Content: "from secondary"}, nil
		},
	})
	require.NoError(t, err)
	e.recovery.SetStrategy("primary", Strategy{Kind: StrategyFallback, FallbackTool: "secondary"})

	args := map[string]any{"q": "x"}
	exec, execErr := e.Execute(context.Background(), "primary", args)
	require.NoError(t, execErr)
	assert.Equal(t, "from secondary", exec.Result.Content)
	assert.Equal(t, "primary", exec.Tool)
	assert.Equal(t, StrategyFallback, exec.Recovered)
	assert.Equal(t, args, fallbackArgs, "fallback runs with the same arguments")
}

func TestExecutorFallbackFailureSurfacesPrimaryError(t *testing.T) {
	e := newTestExecutor(t)
	for _, name := range []string{"primary", "secondary"} {
		name := name
		err := e.Registry().Register(&Tool{
			Name: name,
			Execute: func(ctx context.Context, args map[string]any) (*Result, error) {
				return nil, fmt.Errorf("%s exploded", name)
			},
		})
		require.NoError(t, err)
	}
	e.recovery.SetStrategy("primary", Strategy{Kind: StrategyFallback, FallbackTool: "secondary"})

	_, err := e.Execute(context.Background(), "primary", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "primary exploded")
}

func TestExecutorRetryRecovery(t *testing.T) {
	e := newTestExecutor(t)
	calls := 0
	err := e.Registry().Register(&Tool{
		Name: "eventually",
		Execute: func(ctx context.Context, args map[string]any) (*Result, error) {
			calls++
			if calls < 2 {
				return nil, errors.New("exit status 1")
			}
			return &Result{Content: "ok"}, nil
		},
	})
	require.NoError(t, err)
	// Non-retryable at the retry layer; the recovery strategy re-runs the
	// whole pipeline.
	e.recovery.SetStrategy("eventually", Strategy{Kind: StrategyRetry, MaxRetries: 2})

	exec, execErr := e.Execute(context.Background(), "eventually", nil)
	require.NoError(t, execErr)
	assert.Equal(t, "ok", exec.Result.Content)
	assert.Equal(t, 2, calls)
	assert.Equal(t, StrategyRetry, exec.Recovered)
}

func TestExecutorRecordsRecoveryHistory(t *testing.T) {
	e := newTestExecutor(t)
	err := e.Registry().Register(&Tool{
		Name: "broken",
		Execute: func(ctx context.Context, args map[string]any) (*Result, error) {
			return nil, errors.New("exit status 1")
		},
	})
	require.NoError(t, err)

	_, _ = e.Execute(context.Background(), "broken", nil)
	_, _ = e.Execute(context.Background(), "broken", nil)

	assert.Equal(t, 2, e.RecentFailures("broken", time.Minute))
}
