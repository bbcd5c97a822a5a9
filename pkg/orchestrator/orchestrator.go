// Package orchestrator glues the execution core together. It loads an
// environment (providers, models, MCP servers, skills, prompts), registers
// the default event rules, serializes agent runs per session, runs
// background sub-agent tasks, and coordinates environment switches and
// shutdown.
//
// The orchestrator owns no transport. The HTTP and stream planes call into
// it; everything observable leaves through the event bus.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/praxis-works/praxis/pkg/config"
	"github.com/praxis-works/praxis/pkg/events"
	"github.com/praxis-works/praxis/pkg/llm"
	"github.com/praxis-works/praxis/pkg/mcp"
	"github.com/praxis-works/praxis/pkg/notify"
	"github.com/praxis-works/praxis/pkg/services"
	"github.com/praxis-works/praxis/pkg/session"
	"github.com/praxis-works/praxis/pkg/skills"
	"github.com/praxis-works/praxis/pkg/tools"
	"github.com/praxis-works/praxis/pkg/trace"
)

// Deps are the orchestrator's collaborators. Everything is injected so
// tests can construct fresh instances per case; nothing here is a process
// global.
type Deps struct {
	Config   *config.Config
	Store    *session.Store
	Sessions *services.SessionService
	Bus      *events.Bus
	Registry *tools.Registry
	Executor *tools.Executor
	MCP      *mcp.Manager

	// Logger, Skills, and Recency are built from Config when nil.
	Logger  *slog.Logger
	Skills  *skills.Loader
	Recency *llm.RecencyList

	// Optional collaborators; nil disables the corresponding concern.
	Warnings  *services.SystemWarningsService
	Traces    *trace.Recorder
	Health    *mcp.HealthMonitor
	Forwarder *notify.Forwarder

	// Factories build locally defined tools against the Runtime surface
	// during Start.
	Factories []ToolFactory
}

// Orchestrator coordinates sessions, rules, runs, tasks, and environments.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *session.Store
	sessions  *services.SessionService
	bus       *events.Bus
	registry  *tools.Registry
	executor  *tools.Executor
	mcp       *mcp.Manager
	skills    *skills.Loader
	recency   *llm.RecencyList
	warnings  *services.SystemWarningsService
	traces    *trace.Recorder
	health    *mcp.HealthMonitor
	forwarder *notify.Forwarder
	factories []ToolFactory

	// envMu guards current. Runs snapshot it once at start, so an
	// environment switch never swaps state under a run mid-iteration.
	envMu   sync.RWMutex
	current *envState

	// mu guards the dispatch state: one active run per session plus the
	// bounded pending queue drained after each terminal event. wg.Add for
	// runs and tasks happens under mu together with the stopped check, so
	// Shutdown's wait can never miss a goroutine it should cover.
	mu      sync.Mutex
	stopped bool
	active  map[string]context.CancelFunc
	pending map[string][]pendingQuery
	wg      sync.WaitGroup

	// tasksMu guards the background task index: parent session id to
	// task id to cancel.
	tasksMu  sync.Mutex
	children map[string]map[string]context.CancelFunc
	taskSem  chan struct{}
}

// New wires an orchestrator. It does not touch the filesystem or the
// network; Start does.
func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Config == nil:
		return nil, fmt.Errorf("orchestrator requires a config")
	case deps.Store == nil || deps.Sessions == nil:
		return nil, fmt.Errorf("orchestrator requires the session store and service")
	case deps.Bus == nil:
		return nil, fmt.Errorf("orchestrator requires the event bus")
	case deps.Registry == nil || deps.Executor == nil:
		return nil, fmt.Errorf("orchestrator requires the tool registry and executor")
	case deps.MCP == nil:
		return nil, fmt.Errorf("orchestrator requires the MCP manager")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	skillLoader := deps.Skills
	if skillLoader == nil {
		skillLoader = skills.NewLoader(logger)
	}
	recency := deps.Recency
	if recency == nil {
		recency = llm.NewRecencyList(deps.Config.RecencyPath(), 0)
	}
	maxTasks := deps.Config.Agent.MaxConcurrentTasks
	if maxTasks <= 0 {
		maxTasks = 1
	}

	return &Orchestrator{
		cfg:       deps.Config,
		logger:    logger.With("component", "orchestrator"),
		store:     deps.Store,
		sessions:  deps.Sessions,
		bus:       deps.Bus,
		registry:  deps.Registry,
		executor:  deps.Executor,
		mcp:       deps.MCP,
		skills:    skillLoader,
		recency:   recency,
		warnings:  deps.Warnings,
		traces:    deps.Traces,
		health:    deps.Health,
		forwarder: deps.Forwarder,
		factories: deps.Factories,
		active:    make(map[string]context.CancelFunc),
		pending:   make(map[string][]pendingQuery),
		children:  make(map[string]map[string]context.CancelFunc),
		taskSem:   make(chan struct{}, maxTasks),
	}, nil
}

// Start brings the orchestrator online: default rules, locally built
// tools, the persisted model recency, the default environment, and the
// MCP health monitor. A missing or broken default environment is not
// fatal: the process comes up unconfigured, non-LLM surfaces keep
// working, and queries surface a config error until a switch succeeds.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.registerDefaultRules()
	o.bus.SetAgentRunner(o)

	for _, factory := range o.factories {
		for _, tool := range factory(o) {
			if err := o.registry.Register(tool); err != nil {
				o.logger.Warn("skipping tool", "tool", tool.Name, "error", err)
			}
		}
	}

	if err := o.recency.Load(); err != nil {
		o.logger.Warn("failed to load model recency", "error", err)
	}

	name := o.cfg.Paths.DefaultEnvironment
	if err := o.switchEnvironment(ctx, name, false); err != nil {
		o.logger.Warn("default environment unavailable, starting unconfigured",
			"environment", name, "error", err)
		o.addWarning(services.WarningCategoryProvider,
			fmt.Sprintf("environment %q failed to load", name), err.Error(), warningSourceEnvironment)
		o.installEmptyEnvironment(name)
	}

	if o.health != nil {
		o.health.Start(ctx)
	}

	o.logger.Info("orchestrator started",
		"environment", o.EnvironmentName(),
		"tools", o.registry.Count(),
		"mcp_servers", o.mcp.ConnectedCount())
	return nil
}

// Shutdown quiesces in order: stop accepting work, interrupt active runs
// and background tasks, wait for them bounded by ctx, then stop the
// health monitor, drain webhook deliveries, disconnect MCP servers, and
// close the bus. Safe to call more than once.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	cancels := make([]context.CancelFunc, 0, len(o.active))
	for _, cancel := range o.active {
		cancels = append(cancels, cancel)
	}
	dropped := 0
	for _, queue := range o.pending {
		dropped += len(queue)
	}
	o.pending = make(map[string][]pendingQuery)
	o.mu.Unlock()

	if dropped > 0 {
		o.logger.Info("dropping queued queries on shutdown", "count", dropped)
	}
	for _, cancel := range cancels {
		cancel()
	}
	o.cancelAllTasks()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("shutdown wait aborted with work still active", "error", ctx.Err())
		waitErr = ctx.Err()
	}

	if o.health != nil {
		o.health.Stop()
	}
	o.forwarder.Wait()
	if err := o.mcp.Close(); err != nil {
		o.logger.Warn("MCP shutdown failed", "error", err)
	}
	o.bus.Close()
	o.logger.Info("orchestrator stopped")
	return waitErr
}

// installEmptyEnvironment activates a blank environment so queries fail
// with a config error instead of a missing-state panic path.
func (o *Orchestrator) installEmptyEnvironment(name string) {
	env := &config.Environment{
		Name: name,
		Dir:  filepath.Join(o.cfg.Paths.EnvironmentsDir, name),
	}
	st := o.buildEnvState(env)
	o.envMu.Lock()
	o.current = st
	o.envMu.Unlock()
}

func (o *Orchestrator) addWarning(category, message, details, source string) {
	if o.warnings != nil {
		o.warnings.AddWarning(category, message, details, source)
	}
}

func (o *Orchestrator) clearWarning(category, source string) {
	if o.warnings != nil {
		o.warnings.ClearBySource(category, source)
	}
}
