package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis-works/praxis/pkg/agent"
	"github.com/praxis-works/praxis/pkg/config"
	"github.com/praxis-works/praxis/pkg/events"
	"github.com/praxis-works/praxis/pkg/llm"
	"github.com/praxis-works/praxis/pkg/mcp"
	"github.com/praxis-works/praxis/pkg/models"
	"github.com/praxis-works/praxis/pkg/services"
	"github.com/praxis-works/praxis/pkg/session"
	"github.com/praxis-works/praxis/pkg/tools"
)

const waitTimeout = 2 * time.Second

type scriptResponse struct {
	chunks []llm.Chunk
	err    error

	// hold, when set, makes the stream emit one text chunk and then wait
	// until the channel closes (or the run context is cancelled) before
	// replaying chunks. Tests use it to keep a run active on purpose.
	hold chan struct{}
}

// scriptProvider replays scripted responses. Unlike a per-run stub it is
// safe for concurrent use: queue drains and background tasks call Generate
// from their own goroutines.
type scriptProvider struct {
	mu        sync.Mutex
	responses []scriptResponse
	reqs      []*llm.Request
}

func (p *scriptProvider) ID() string { return "mock" }

func (p *scriptProvider) Generate(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	idx := len(p.reqs)
	p.reqs = append(p.reqs, req)
	var r scriptResponse
	if idx < len(p.responses) {
		r = p.responses[idx]
	} else {
		r = scriptResponse{err: fmt.Errorf("no more scripted responses (call %d)", idx+1)}
	}
	p.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}

	ch := make(chan llm.Chunk, len(r.chunks)+2)
	if r.hold == nil {
		for _, c := range r.chunks {
			ch <- c
		}
		close(ch)
		return ch, nil
	}

	go func() {
		defer close(ch)
		ch <- llm.TextChunk{Delta: "working "}
		select {
		case <-r.hold:
			for _, c := range r.chunks {
				ch <- c
			}
		case <-ctx.Done():
			ch <- llm.ErrorChunk{Err: models.WrapError(models.ErrKindInterrupt, ctx.Err(), "stream cancelled")}
		}
	}()
	return ch, nil
}

func (p *scriptProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}

func (p *scriptProvider) requests() []*llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*llm.Request(nil), p.reqs...)
}

func textResponse(text string) scriptResponse {
	return scriptResponse{chunks: []llm.Chunk{
		llm.TextChunk{Delta: text},
		llm.FinishChunk{Reason: "stop"},
	}}
}

type harness struct {
	t        *testing.T
	o        *Orchestrator
	cfg      *config.Config
	store    *session.Store
	bus      *events.Bus
	sessions *services.SessionService
	registry *tools.Registry
	executor *tools.Executor
	warnings *services.SystemWarningsService
	provider *scriptProvider
	sub      *events.Subscription
	seen     []events.Event
}

func newHarness(t *testing.T, opts ...func(*config.Config)) *harness {
	t.Helper()

	cfg := &config.Config{}
	cfg.Agent.MaxIterations = 6
	cfg.Agent.BusyPolicy = config.BusyPolicyReject
	cfg.Agent.QueueDepth = 2
	cfg.Agent.MaxConcurrentTasks = 2
	cfg.Agent.RetryBase = config.Duration(time.Millisecond)
	cfg.Paths.EnvironmentsDir = t.TempDir()
	cfg.Paths.StateDir = t.TempDir()
	cfg.Paths.DefaultEnvironment = "default"
	for _, opt := range opts {
		opt(cfg)
	}

	store := session.NewStore()
	bus := events.NewBus(nil, 256)
	registry := tools.NewRegistry()
	executor := tools.NewExecutor(
		registry,
		tools.NewTimeoutManager(5*time.Second),
		tools.NewRetryManager(tools.DefaultRetryPolicy()),
		tools.NewConcurrencyManager(5, 2*time.Second, nil),
		tools.NewRecoveryManager(),
		tools.NewMetricsCollector(time.Hour, 1000),
		nil,
	)
	warnings := services.NewSystemWarningsService()

	o, err := New(Deps{
		Config:   cfg,
		Store:    store,
		Sessions: services.NewSessionService(store, bus, nil, nil),
		Bus:      bus,
		Registry: registry,
		Executor: executor,
		MCP:      mcp.NewManager(registry, nil),
		Warnings: warnings,
	})
	require.NoError(t, err)

	sub := bus.Subscribe(events.ScopeGlobal)
	t.Cleanup(sub.Close)

	return &harness{
		t:        t,
		o:        o,
		cfg:      cfg,
		store:    store,
		bus:      bus,
		sessions: o.sessions,
		registry: registry,
		executor: executor,
		warnings: warnings,
		sub:      sub,
	}
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.o.Start(context.Background()))
	h.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = h.o.Shutdown(ctx)
	})
}

// installProvider swaps in an environment backed by the scripted provider,
// bypassing the on-disk loading that Start performs.
func (h *harness) installProvider(responses ...scriptResponse) *scriptProvider {
	h.t.Helper()

	provider := &scriptProvider{responses: responses}
	registry := llm.NewRegistry(nil)
	registry.AddEntry(llm.ProviderConfig{
		ID:     "mock",
		SDK:    llm.SDKOpenAI,
		Models: []llm.ModelInfo{{ID: "mock-model", MaxOutputTokens: 4096}},
	}, provider)
	recency := llm.NewRecencyList(filepath.Join(h.t.TempDir(), "recency.json"), 0)
	selector := llm.NewSelector(registry, recency,
		llm.Selection{Provider: "mock", Model: "mock-model"}, nil, nil)

	runner := agent.NewRunner(h.store, h.bus, h.executor, agent.Config{
		MaxIterations: h.cfg.Agent.MaxIterations,
		RetryBase:     time.Millisecond,
	}, nil)

	h.o.envMu.Lock()
	h.o.current = &envState{
		name:     "scripted",
		env:      &config.Environment{Name: "scripted"},
		registry: registry,
		selector: selector,
		runner:   runner,
	}
	h.o.envMu.Unlock()

	h.provider = provider
	return provider
}

func (h *harness) createSession(title string) *models.Session {
	h.t.Helper()
	sess, err := h.sessions.Create(context.Background(), services.CreateSessionRequest{Title: title})
	require.NoError(h.t, err)
	return sess
}

// waitEvent blocks until an event of the given type arrives, recording
// everything seen on the way.
func (h *harness) waitEvent(eventType string) events.Event {
	h.t.Helper()
	return h.waitMatch(eventType, func(events.Event) bool { return true })
}

// waitEventOn is waitEvent narrowed to one session.
func (h *harness) waitEventOn(eventType, sessionID string) events.Event {
	h.t.Helper()
	return h.waitMatch(eventType, func(ev events.Event) bool { return ev.SessionID == sessionID })
}

func (h *harness) waitMatch(eventType string, match func(events.Event) bool) events.Event {
	h.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-h.sub.C():
			if !ok {
				h.t.Fatalf("bus closed while waiting for %s; saw %v", eventType, eventTypes(h.seen))
			}
			h.seen = append(h.seen, ev)
			if ev.Type == eventType && match(ev) {
				return ev
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %s; saw %v", eventType, eventTypes(h.seen))
		}
	}
}

// drain pulls everything already buffered into seen and returns it.
func (h *harness) drain() []events.Event {
	for {
		select {
		case ev, ok := <-h.sub.C():
			if !ok {
				return h.seen
			}
			h.seen = append(h.seen, ev)
		default:
			return h.seen
		}
	}
}

func eventTypes(evs []events.Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

// typeIndex returns the position of the first event with the given type on
// the given session, or -1.
func typeIndex(evs []events.Event, eventType, sessionID string) int {
	for i, ev := range evs {
		if ev.Type == eventType && (sessionID == "" || ev.SessionID == sessionID) {
			return i
		}
	}
	return -1
}

func TestNew_RequiresCoreCollaborators(t *testing.T) {
	_, err := New(Deps{})
	require.ErrorContains(t, err, "config")

	cfg := &config.Config{}
	_, err = New(Deps{Config: cfg})
	require.ErrorContains(t, err, "session store")

	store := session.NewStore()
	bus := events.NewBus(nil, 8)
	_, err = New(Deps{
		Config:   cfg,
		Store:    store,
		Sessions: services.NewSessionService(store, bus, nil, nil),
		Bus:      bus,
	})
	require.ErrorContains(t, err, "tool registry")
}

func TestStart_MissingDefaultEnvironmentComesUpUnconfigured(t *testing.T) {
	h := newHarness(t)
	h.start()

	// The environment name is still reported so a later fixed switch is
	// obvious, but no provider can serve runs.
	assert.Equal(t, "default", h.o.EnvironmentName())
	assert.Equal(t, 0, h.o.ProviderCount())

	var found bool
	for _, w := range h.warnings.GetWarnings() {
		if w.Category == services.WarningCategoryProvider {
			found = true
		}
	}
	assert.True(t, found, "expected a provider warning after a failed environment load")

	// Queries are accepted and fail with a config error on the stream.
	sess := h.createSession("unconfigured")
	require.NoError(t, h.o.HandleQuery(context.Background(), sess.ID, "hello?"))

	ev := h.waitEventOn(events.EventTypeStreamError, sess.ID)
	payload := ev.Payload.(events.StreamErrorPayload)
	assert.Equal(t, string(models.ErrKindConfig), payload.Code)
	assert.Contains(t, payload.Error, "no valid model")
}

func TestStart_RegistersFactoryTools(t *testing.T) {
	h := newHarness(t)
	h.o.factories = []ToolFactory{
		func(rt Runtime) []*tools.Tool {
			return []*tools.Tool{{
				Name: "local_echo",
				Execute: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
					return &tools.Result{Content: "ok"}, nil
				},
			}}
		},
	}
	h.start()

	assert.True(t, h.registry.Has("local_echo"))
}

func TestShutdown_IsIdempotentAndStopsIntake(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.installProvider()
	sess := h.createSession("closing")

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.o.Shutdown(ctx))
	require.NoError(t, h.o.Shutdown(ctx), "second shutdown is a no-op")

	err := h.o.HandleQuery(context.Background(), sess.ID, "too late")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrKindInternal))
}

func TestShutdown_WaitsForActiveRun(t *testing.T) {
	h := newHarness(t)
	h.start()
	hold := make(chan struct{})
	h.installProvider(scriptResponse{hold: hold, chunks: []llm.Chunk{
		llm.TextChunk{Delta: "done"},
		llm.FinishChunk{Reason: "stop"},
	}})
	sess := h.createSession("busy at shutdown")

	require.NoError(t, h.o.HandleQuery(context.Background(), sess.ID, "go"))
	h.waitEventOn(events.EventTypeStreamText, sess.ID)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.o.Shutdown(ctx))

	// Shutdown cancelled the run; its terminal event was published before
	// the wait released.
	ev := h.waitEventOn(events.EventTypeStreamCompleted, sess.ID)
	assert.True(t, ev.Payload.(events.StreamCompletedPayload).Interrupted)
}
