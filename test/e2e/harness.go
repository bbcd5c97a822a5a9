package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/praxis-works/praxis/pkg/api"
	"github.com/praxis-works/praxis/pkg/config"
	"github.com/praxis-works/praxis/pkg/events"
	"github.com/praxis-works/praxis/pkg/llm"
	"github.com/praxis-works/praxis/pkg/masking"
	"github.com/praxis-works/praxis/pkg/mcp"
	"github.com/praxis-works/praxis/pkg/orchestrator"
	"github.com/praxis-works/praxis/pkg/services"
	"github.com/praxis-works/praxis/pkg/session"
	"github.com/praxis-works/praxis/pkg/tools"
	"github.com/praxis-works/praxis/pkg/trace"
)

// TestApp boots the full stack for one test: a scripted LLM endpoint, a
// written-out environment directory, the orchestrator with its tool
// control plane, and the HTTP server on a random port. Every prompt
// travels the same path production traffic does.
//
// Teardown runs in reverse registration order through t.Cleanup: HTTP
// server, orchestrator, bus, mock LLM.
type TestApp struct {
	t *testing.T

	Config   *config.Config
	Store    *session.Store
	Bus      *events.Bus
	Sessions *services.SessionService
	Traces   *trace.Recorder
	Orch     *orchestrator.Orchestrator
	Server   *api.Server
	LLM      *MockLLM

	BaseURL string
}

type appOptions struct {
	factories []orchestrator.ToolFactory
	mutate    []func(*config.Config)
}

// TestAppOption adjusts the app before it boots.
type TestAppOption func(*appOptions)

// WithTool registers a local tool before the orchestrator starts.
func WithTool(tool *tools.Tool) TestAppOption {
	return func(o *appOptions) {
		o.factories = append(o.factories, func(orchestrator.Runtime) []*tools.Tool {
			return []*tools.Tool{tool}
		})
	}
}

// WithToolFactory registers a tool factory that needs runtime access.
func WithToolFactory(f orchestrator.ToolFactory) TestAppOption {
	return func(o *appOptions) { o.factories = append(o.factories, f) }
}

// WithConfig mutates the config before validation.
func WithConfig(mutate func(*config.Config)) TestAppOption {
	return func(o *appOptions) { o.mutate = append(o.mutate, mutate) }
}

// NewTestApp builds and starts the app. The LLM script starts empty;
// tests add entries before prompting.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	var options appOptions
	for _, opt := range opts {
		opt(&options)
	}

	mock := NewMockLLM()
	t.Cleanup(mock.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tmp := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Paths.EnvironmentsDir = filepath.Join(tmp, "environments")
	cfg.Paths.StateDir = filepath.Join(tmp, "state")
	cfg.Server.HeartbeatInterval = config.Duration(250 * time.Millisecond)
	cfg.Agent.RetryBase = config.Duration(10 * time.Millisecond)
	for _, mutate := range options.mutate {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	writeEnvironment(t, cfg, mock)

	store := session.NewStore()
	bus := events.NewBus(logger, 0)
	t.Cleanup(bus.Close)

	traces := trace.NewRecorder(cfg.Trace.Limit)
	sessions := services.NewSessionService(store, bus, traces, logger)
	warnings := services.NewSystemWarningsService()

	registry := tools.NewRegistry()
	timeouts := tools.NewTimeoutManager(cfg.Tools.DefaultTimeout.Std())
	for key, d := range cfg.Tools.Timeouts {
		timeouts.SetTimeout(key, d.Std())
	}
	slots := tools.NewConcurrencyManager(cfg.Tools.Concurrency.DefaultLimit, cfg.Tools.Concurrency.AcquireTimeout.Std(), logger)
	executor := tools.NewExecutor(registry, timeouts,
		tools.NewRetryManager(cfg.Tools.Retry.Policy()), slots,
		tools.NewRecoveryManager(), tools.NewMetricsCollector(0, 0), logger)
	executor.SetMasker(masking.NewService(cfg.Masking, logger))

	mcpManager := mcp.NewManager(registry, logger)
	health := mcp.NewHealthMonitor(mcpManager, warnings, logger)

	orch, err := orchestrator.New(orchestrator.Deps{
		Config:    cfg,
		Store:     store,
		Sessions:  sessions,
		Bus:       bus,
		Registry:  registry,
		Executor:  executor,
		MCP:       mcpManager,
		Logger:    logger,
		Warnings:  warnings,
		Traces:    traces,
		Health:    health,
		Factories: options.factories,
	})
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	server := api.NewServer(cfg.Server, sessions, orch, bus, logger)
	server.SetWarningsService(warnings)
	server.SetMCPManager(mcpManager)
	server.SetTraceRecorder(traces)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		if err := server.StartWithListener(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("test server exited", "error", err)
		}
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})

	return &TestApp{
		t:        t,
		Config:   cfg,
		Store:    store,
		Bus:      bus,
		Sessions: sessions,
		Traces:   traces,
		Orch:     orch,
		Server:   server,
		LLM:      mock,
		BaseURL:  "http://" + ln.Addr().String(),
	}
}

// writeEnvironment lays out the default environment directory: one
// openai_compatible provider pointed at the mock endpoint, with the
// default model pinned so selection is deterministic.
func writeEnvironment(t *testing.T, cfg *config.Config, mock *MockLLM) {
	t.Helper()

	envDir := filepath.Join(cfg.Paths.EnvironmentsDir, cfg.Paths.DefaultEnvironment)
	require.NoError(t, os.MkdirAll(envDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.Paths.StateDir, 0o755))

	providers := []llm.ProviderConfig{{
		ID:           "mock",
		SDK:          llm.SDKOpenAICompatible,
		APIKey:       "test-key",
		BaseURL:      mock.BaseURL(),
		DefaultModel: "mock-model",
		Models:       []llm.ModelInfo{{ID: "mock-model"}},
	}}
	writeJSON(t, filepath.Join(envDir, config.ProvidersFileName), providers)
	writeJSON(t, filepath.Join(envDir, config.EnvironmentFileName), map[string]any{
		"model": "mock/mock-model",
	})
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// CreateSession makes a session over the API and returns its id.
func (a *TestApp) CreateSession(title string) string {
	a.t.Helper()
	body := a.postJSON("/sessions", map[string]any{"title": title}, http.StatusCreated)
	id, _ := body["id"].(string)
	require.NotEmpty(a.t, id)
	return id
}

// Prompt submits a prompt and asserts it was accepted.
func (a *TestApp) Prompt(sessionID, content string) {
	a.t.Helper()
	a.postJSON("/sessions/"+sessionID+"/prompt", map[string]any{"content": content}, http.StatusAccepted)
}

// Interrupt posts an interrupt and reports whether a run was active.
func (a *TestApp) Interrupt(sessionID string) bool {
	a.t.Helper()
	body := a.postJSON("/sessions/"+sessionID+"/interrupt", nil, http.StatusOK)
	interrupted, _ := body["interrupted"].(bool)
	return interrupted
}

// Messages fetches the flattened message list for a session.
func (a *TestApp) Messages(sessionID string) []map[string]any {
	a.t.Helper()
	resp, err := http.Get(a.BaseURL + "/sessions/" + sessionID + "/messages")
	require.NoError(a.t, err)
	defer resp.Body.Close()
	require.Equal(a.t, http.StatusOK, resp.StatusCode)

	var views []map[string]any
	require.NoError(a.t, json.NewDecoder(resp.Body).Decode(&views))
	return views
}

// post sends a JSON body and returns the status and decoded response,
// for tests where the status code is itself the assertion.
func (a *TestApp) post(path string, body any) (int, map[string]any) {
	a.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(a.BaseURL+path, "application/json", &buf)
	require.NoError(a.t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

// postJSON is post with a required status.
func (a *TestApp) postJSON(path string, body any, wantStatus int) map[string]any {
	a.t.Helper()
	status, decoded := a.post(path, body)
	require.Equal(a.t, wantStatus, status, "POST %s", path)
	return decoded
}

// getJSON fetches a JSON object with a required status.
func (a *TestApp) getJSON(path string, wantStatus int) map[string]any {
	a.t.Helper()
	resp, err := http.Get(a.BaseURL + path)
	require.NoError(a.t, err)
	defer resp.Body.Close()
	require.Equal(a.t, wantStatus, resp.StatusCode, "GET %s", path)

	var decoded map[string]any
	require.NoError(a.t, json.NewDecoder(resp.Body).Decode(&decoded))
	return decoded
}
