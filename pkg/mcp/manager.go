package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/praxis-works/praxis/pkg/models"
	"github.com/praxis-works/praxis/pkg/tools"
	"github.com/praxis-works/praxis/pkg/version"
)

// Status is the lifecycle state of one managed server.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

const (
	// InitTimeout bounds transport creation plus handshake per server.
	InitTimeout = 30 * time.Second

	// OperationTimeout is the per-call deadline for CallTool and ListTools.
	// Set conservatively: some tools are legitimately slow. The tool control
	// plane's own timeout is the usual ceiling below this.
	OperationTimeout = 90 * time.Second

	// ReinitTimeout is the deadline for recreating a session after a
	// transport failure.
	ReinitTimeout = 10 * time.Second

	// connectAllParallelism bounds concurrent child-process spawns during
	// ConnectAll.
	connectAllParallelism = 4
)

// ServerStatus is a point-in-time snapshot for one server.
type ServerStatus struct {
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	ToolCount   int        `json:"toolCount"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
}

type serverState struct {
	config      ServerConfig
	status      Status
	errMsg      string
	client      *mcpsdk.Client
	session     *mcpsdk.ClientSession
	toolNames   []string
	connectedAt time.Time
}

// Manager owns the lifecycle of all MCP servers and keeps the tool registry
// in sync with what is connected. Thread-safe.
type Manager struct {
	mu      sync.Mutex
	servers map[string]*serverState

	registry *tools.Registry
	logger   *slog.Logger

	// transportFunc creates the wire transport for a server config.
	// Tests override it to inject in-memory transports.
	transportFunc func(ServerConfig) (mcpsdk.Transport, error)

	// Per-server mutex serializing connect/recreate attempts so two
	// goroutines never race a handshake for the same server.
	reinitMu sync.Map // server name → *sync.Mutex
}

func NewManager(registry *tools.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		servers:       make(map[string]*serverState),
		registry:      registry,
		logger:        logger,
		transportFunc: createTransport,
	}
}

// Connect establishes a session with one server and registers its tools.
// Returns nil if the server is already connected or has a connect in
// flight. Disabled servers are recorded as disconnected and skipped.
func (m *Manager) Connect(ctx context.Context, name string, cfg ServerConfig) error {
	mu := m.serverMu(name)
	mu.Lock()
	defer mu.Unlock()

	if !cfg.IsEnabled() {
		m.setState(name, cfg, StatusDisconnected, "")
		m.logger.Info("MCP server disabled, skipping", "server", name)
		return nil
	}

	m.mu.Lock()
	if state, ok := m.servers[name]; ok && (state.status == StatusConnected || state.status == StatusConnecting) {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	m.setState(name, cfg, StatusConnecting, "")

	if err := m.connectLocked(ctx, name, cfg); err != nil {
		m.setState(name, cfg, StatusError, err.Error())
		return err
	}
	return nil
}

// connectLocked performs the dial, handshake, and tool registration.
// Caller must hold the per-server mutex.
func (m *Manager) connectLocked(ctx context.Context, name string, cfg ServerConfig) error {
	transport, err := m.transportFunc(cfg)
	if err != nil {
		return fmt.Errorf("failed to create transport for %q: %w", name, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		// Close the transport when it holds resources, so a failed stdio
		// handshake does not leak the child process.
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("failed to connect to %q: %w", name, err)
	}

	toolNames, err := m.registerServerTools(ctx, name, session)
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("failed to list tools from %q: %w", name, err)
	}

	m.mu.Lock()
	state := m.servers[name]
	state.client = client
	state.session = session
	state.toolNames = toolNames
	state.status = StatusConnected
	state.errMsg = ""
	state.connectedAt = time.Now()
	m.mu.Unlock()

	m.logger.Info("MCP server connected", "server", name, "tools", len(toolNames))
	return nil
}

// registerServerTools lists the server's tools and registers each under
// "<server>_<tool>". A tool that fails to register is logged and skipped;
// partial tools are better than none.
func (m *Manager) registerServerTools(ctx context.Context, name string, session *mcpsdk.ClientSession) ([]string, error) {
	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, err
	}

	var registered []string
	for _, tool := range result.Tools {
		localTool := m.newServerTool(name, tool)
		if err := m.registry.Register(localTool); err != nil {
			m.logger.Warn("failed to register MCP tool",
				"server", name, "tool", tool.Name, "error", err)
			continue
		}
		registered = append(registered, localTool.Name)
	}
	return registered, nil
}

// Disconnect closes the server's transport, removes its prefixed tools, and
// clears its session state. Idempotent for already-disconnected servers;
// unknown servers are an error.
func (m *Manager) Disconnect(name string) error {
	mu := m.serverMu(name)
	mu.Lock()
	defer mu.Unlock()
	return m.disconnectLocked(name)
}

func (m *Manager) disconnectLocked(name string) error {
	m.mu.Lock()
	state, ok := m.servers[name]
	if !ok {
		m.mu.Unlock()
		return models.NewAgentError(models.ErrKindInput, "unknown MCP server %q", name)
	}
	session := state.session
	state.session = nil
	state.client = nil
	state.toolNames = nil
	state.status = StatusDisconnected
	state.errMsg = ""
	m.mu.Unlock()

	removed := m.registry.RemovePrefix(name + "_")
	if session != nil {
		if err := session.Close(); err != nil {
			m.logger.Warn("error closing MCP session", "server", name, "error", err)
		}
	}
	m.logger.Info("MCP server disconnected", "server", name, "tools_removed", len(removed))
	return nil
}

// Reconnect tears the server down and connects with the new config. The
// connect error is the one surfaced; disconnect problems are only logged.
func (m *Manager) Reconnect(ctx context.Context, name string, cfg ServerConfig) error {
	m.mu.Lock()
	_, known := m.servers[name]
	m.mu.Unlock()
	if known {
		if err := m.Disconnect(name); err != nil {
			m.logger.Warn("disconnect before reconnect failed", "server", name, "error", err)
		}
	}
	return m.Connect(ctx, name, cfg)
}

// ConnectAll connects every server concurrently. Individual failures land
// in that server's status; the first error is returned so callers can log
// it, but the remaining servers still come up.
func (m *Manager) ConnectAll(ctx context.Context, configs map[string]ServerConfig) error {
	var g errgroup.Group
	g.SetLimit(connectAllParallelism)
	for name, cfg := range configs {
		g.Go(func() error {
			return m.Connect(ctx, name, cfg)
		})
	}
	return g.Wait()
}

// DisconnectAll quiesces every known server. Used on shutdown and before
// an environment switch.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := m.Disconnect(name); err != nil {
			m.logger.Warn("error disconnecting MCP server", "server", name, "error", err)
		}
	}
}

// Close shuts everything down and forgets all server state.
func (m *Manager) Close() error {
	m.DisconnectAll()
	m.mu.Lock()
	m.servers = make(map[string]*serverState)
	m.mu.Unlock()
	return nil
}

// CallTool executes a tool on a connected server. Transport failures
// trigger a bounded session recreation so the caller's next retry lands on
// a fresh session; the original error is still returned.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	m.mu.Lock()
	state, ok := m.servers[server]
	var session *mcpsdk.ClientSession
	var timeout time.Duration
	if ok {
		session = state.session
		timeout = callTimeout(state.config)
	}
	m.mu.Unlock()

	if session == nil {
		return nil, models.NewAgentError(models.ErrKindTransport, "MCP server %q is not connected", server)
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := session.CallTool(opCtx, &mcpsdk.CallToolParams{Name: tool, Arguments: args})
	if err == nil {
		return result, nil
	}

	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return nil, models.WrapError(models.ErrKindInterrupt, err, "MCP call %s_%s canceled", server, tool)
	case errors.Is(opCtx.Err(), context.DeadlineExceeded):
		return nil, models.WrapError(models.ErrKindTimeout, err, "MCP call %s_%s timed out after %s", server, tool, timeout)
	case isConnectionError(err):
		m.logger.Warn("MCP transport failure, recreating session",
			"server", server, "tool", tool, "error", err)
		if rerr := m.recreateSession(ctx, server); rerr != nil {
			m.logger.Warn("MCP session recreation failed", "server", server, "error", rerr)
		}
		return nil, models.WrapError(models.ErrKindTransport, err, "MCP call %s_%s failed", server, tool)
	default:
		return nil, models.WrapError(models.ErrKindTool, err, "MCP call %s_%s failed", server, tool)
	}
}

// recreateSession tears down and re-dials one server after a transport
// failure, re-registering its tools.
func (m *Manager) recreateSession(ctx context.Context, name string) error {
	mu := m.serverMu(name)
	mu.Lock()
	defer mu.Unlock()

	m.mu.Lock()
	state, ok := m.servers[name]
	if !ok {
		m.mu.Unlock()
		return models.NewAgentError(models.ErrKindInput, "unknown MCP server %q", name)
	}
	cfg := state.config
	m.mu.Unlock()

	if err := m.disconnectLocked(name); err != nil {
		return err
	}

	reinitCtx, cancel := context.WithTimeout(ctx, ReinitTimeout)
	defer cancel()

	m.setState(name, cfg, StatusConnecting, "")
	if err := m.connectLocked(reinitCtx, name, cfg); err != nil {
		m.setState(name, cfg, StatusError, err.Error())
		return err
	}
	return nil
}

// Status returns the snapshot for one server.
func (m *Manager) Status(name string) (ServerStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.servers[name]
	if !ok {
		return ServerStatus{}, false
	}
	return snapshotLocked(name, state), true
}

// Statuses returns snapshots for all known servers, sorted by name.
func (m *Manager) Statuses() []ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServerStatus, 0, len(m.servers))
	for name, state := range m.servers {
		out = append(out, snapshotLocked(name, state))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ConnectedCount returns how many servers are currently connected.
func (m *Manager) ConnectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, state := range m.servers {
		if state.status == StatusConnected {
			n++
		}
	}
	return n
}

func snapshotLocked(name string, state *serverState) ServerStatus {
	snap := ServerStatus{
		Name:      name,
		Status:    state.status,
		Error:     state.errMsg,
		ToolCount: len(state.toolNames),
	}
	if !state.connectedAt.IsZero() && state.status == StatusConnected {
		at := state.connectedAt
		snap.ConnectedAt = &at
	}
	return snap
}

func (m *Manager) serverMu(name string) *sync.Mutex {
	muI, _ := m.reinitMu.LoadOrStore(name, &sync.Mutex{})
	return muI.(*sync.Mutex)
}

func (m *Manager) setState(name string, cfg ServerConfig, status Status, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.servers[name]
	if !ok {
		state = &serverState{}
		m.servers[name] = state
	}
	state.config = cfg
	state.status = status
	state.errMsg = errMsg
}

func callTimeout(cfg ServerConfig) time.Duration {
	if cfg.Timeout > 0 {
		return time.Duration(cfg.Timeout) * time.Second
	}
	return OperationTimeout
}

// isConnectionError detects connection-level transport failures that
// warrant a session recreation.
func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, probe := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"connection closed",
		"no such host",
	} {
		if strings.Contains(msg, probe) {
			return true
		}
	}
	return false
}
