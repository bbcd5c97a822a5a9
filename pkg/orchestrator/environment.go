package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/praxis-works/praxis/pkg/agent"
	"github.com/praxis-works/praxis/pkg/config"
	"github.com/praxis-works/praxis/pkg/events"
	"github.com/praxis-works/praxis/pkg/llm"
	"github.com/praxis-works/praxis/pkg/mcp"
	"github.com/praxis-works/praxis/pkg/models"
	"github.com/praxis-works/praxis/pkg/services"
	"github.com/praxis-works/praxis/pkg/skills"
)

const warningSourceEnvironment = "environment"

// envState is one loaded environment: providers, selector, runner, skills,
// and MCP server configs. Runs snapshot the pointer once; a switch builds
// a fresh state and swaps it in, so nothing here mutates after activation.
type envState struct {
	name     string
	env      *config.Environment
	registry *llm.Registry
	selector *llm.Selector
	runner   *agent.Runner
	skills   []skills.Skill
	servers  map[string]mcp.ServerConfig
}

func (o *Orchestrator) snapshot() *envState {
	o.envMu.RLock()
	defer o.envMu.RUnlock()
	return o.current
}

// SwitchEnvironment activates the named environment and announces the
// switch on the bus. On a load failure the previous environment stays
// active.
func (o *Orchestrator) SwitchEnvironment(ctx context.Context, name string) error {
	return o.switchEnvironment(ctx, name, true)
}

func (o *Orchestrator) switchEnvironment(ctx context.Context, name string, announce bool) error {
	o.envMu.Lock()
	defer o.envMu.Unlock()

	env, err := config.LoadEnvironment(o.cfg.Paths.EnvironmentsDir, name)
	if err != nil {
		return err
	}

	oldName := ""
	var oldSkills []skills.Skill
	if o.current != nil {
		oldName = o.current.name
		oldSkills = o.current.skills
	}
	toolsBefore := o.registry.Count()

	// Quiesce the outgoing servers first; their tools unregister with
	// them, so the counts below reflect what the new environment adds.
	o.mcp.DisconnectAll()

	st := o.buildEnvState(env)
	o.connectServers(ctx, st)

	sel, selErr := st.selector.Select()
	if selErr != nil {
		o.logger.Warn("no model available in environment", "environment", name, "error", selErr)
		o.addWarning(services.WarningCategoryProvider,
			"no model available", selErr.Error(), warningSourceEnvironment)
	} else {
		o.clearWarning(services.WarningCategoryProvider, warningSourceEnvironment)
	}

	o.current = st
	o.logger.Info("environment active",
		"environment", name,
		"providers", len(st.registry.IDs()),
		"mcp_servers", len(st.servers),
		"skills", len(st.skills),
		"tools", o.registry.Count())

	if !announce {
		return nil
	}

	added, removed := skills.Diff(oldSkills, st.skills)
	payload := events.EnvironmentSwitchedPayload{
		From:          oldName,
		To:            name,
		ToolsBefore:   toolsBefore,
		ToolsAfter:    o.registry.Count(),
		AddedSkills:   added,
		RemovedSkills: removed,
	}
	if selErr == nil {
		payload.Model = sel.String()
	}
	evt := events.Event{
		Type:      events.EventTypeEnvironmentSwitched,
		SessionID: o.announceSession(),
		Payload:   payload,
	}
	o.publishEvent(ctx, evt)
	o.forwarder.Forward(evt)
	return nil
}

// SwitchModel changes the model selection for subsequent runs.
func (o *Orchestrator) SwitchModel(sel llm.Selection) error {
	st := o.snapshot()
	if st == nil {
		return models.NewAgentError(models.ErrKindConfig, "no environment active")
	}
	if err := st.selector.Switch(sel); err != nil {
		return err
	}
	o.logger.Info("model switched", "model", sel.String())
	return nil
}

// EnvironmentName reports the active environment's name.
func (o *Orchestrator) EnvironmentName() string {
	st := o.snapshot()
	if st == nil {
		return ""
	}
	return st.name
}

// CurrentModel reports the explicitly selected or last-used model.
func (o *Orchestrator) CurrentModel() (llm.Selection, bool) {
	st := o.snapshot()
	if st == nil {
		return llm.Selection{}, false
	}
	return st.selector.Current()
}

// ProviderCount reports how many providers the active environment loaded.
func (o *Orchestrator) ProviderCount() int {
	st := o.snapshot()
	if st == nil {
		return 0
	}
	return len(st.registry.IDs())
}

// prepareRun resolves the runner and target for one run. Resolution
// happens per run, so model and environment switches take effect on the
// next turn without touching active ones.
func (o *Orchestrator) prepareRun() (*agent.Runner, agent.Target, error) {
	st := o.snapshot()
	if st == nil {
		return nil, agent.Target{}, models.NewAgentError(models.ErrKindConfig, "no environment active")
	}
	sel, err := st.selector.Select()
	if err != nil {
		return nil, agent.Target{}, err
	}
	entry, err := st.registry.Get(sel.Provider)
	if err != nil {
		return nil, agent.Target{}, err
	}
	info, err := st.selector.ModelInfo(sel)
	if err != nil {
		return nil, agent.Target{}, err
	}
	return st.runner, agent.Target{
		Provider:   entry.Provider,
		SDK:        entry.Config.SDK,
		ProviderID: entry.Config.ID,
		Model:      info,
	}, nil
}

// buildEnvState constructs the per-environment pieces. Provider failures
// degrade to warnings so one bad key cannot take down the whole
// environment.
func (o *Orchestrator) buildEnvState(env *config.Environment) *envState {
	registry := llm.NewRegistry(o.logger)
	for _, p := range env.Providers {
		if err := registry.Add(p); err != nil {
			o.logger.Warn("provider unavailable", "provider", p.ID, "error", err)
			o.addWarning(services.WarningCategoryProvider,
				fmt.Sprintf("provider %q unavailable", p.ID), err.Error(), p.ID)
			continue
		}
		o.clearWarning(services.WarningCategoryProvider, p.ID)
	}
	selector := llm.NewSelector(registry, o.recency, env.DefaultModel, env.ConfiguredModels, o.logger)

	skillSet, err := o.skills.LoadDir(env.SkillsDir())
	if err != nil {
		o.logger.Warn("loading skills failed", "dir", env.SkillsDir(), "error", err)
	}
	promptFiles, err := o.skills.LoadDir(env.PromptsDir())
	if err != nil {
		o.logger.Warn("loading prompts failed", "dir", env.PromptsDir(), "error", err)
	}

	var system []string
	for _, p := range promptFiles {
		if content := strings.TrimSpace(p.Content); content != "" {
			system = append(system, content)
		}
	}
	if rendered := skills.Render(skillSet); rendered != "" {
		system = append(system, rendered)
	}

	runnerCfg := agent.Config{
		MaxIterations: o.cfg.Agent.MaxIterations,
		SystemPrompts: system,
		Temperature:   o.cfg.Agent.Temperature,
		Variant:       o.cfg.Agent.Variant,
		RetryBase:     o.cfg.Agent.RetryBase.Std(),
	}
	if o.traces != nil {
		runnerCfg.Tracer = o.traces
	}
	runner := agent.NewRunner(o.store, o.bus, o.executor, runnerCfg, o.logger)

	return &envState{
		name:     env.Name,
		env:      env,
		registry: registry,
		selector: selector,
		runner:   runner,
		skills:   skillSet,
		servers:  o.resolveServers(env),
	}
}

// resolveServers merges discovered server candidates with the explicit
// environment entries. Explicit settings win; a disabled entry drops the
// server from the set.
func (o *Orchestrator) resolveServers(env *config.Environment) map[string]mcp.ServerConfig {
	out := make(map[string]mcp.ServerConfig)

	candidates, err := mcp.DiscoverServers(env.MCPServersDir(), o.logger)
	if err != nil {
		o.logger.Warn("MCP discovery failed", "dir", env.MCPServersDir(), "error", err)
	}
	handled := make(map[string]bool, len(candidates))
	for _, candidate := range candidates {
		handled[candidate.Name] = true
		var explicit *mcp.ServerConfig
		if cfg, ok := env.MCPServers[candidate.Name]; ok {
			explicit = &cfg
		}
		merged, err := mcp.MergeConfig(candidate, explicit)
		if err != nil {
			o.logger.Warn("invalid MCP server config", "server", candidate.Name, "error", err)
			continue
		}
		if !merged.IsEnabled() {
			o.logger.Info("MCP server disabled", "server", candidate.Name)
			continue
		}
		out[candidate.Name] = merged
	}

	// Explicit entries without a discovered directory still connect when
	// they carry their own command or url.
	for name, cfg := range env.MCPServers {
		if handled[name] {
			continue
		}
		merged, err := mcp.MergeConfig(mcp.Candidate{Name: name}, &cfg)
		if err != nil {
			o.logger.Warn("invalid MCP server config", "server", name, "error", err)
			continue
		}
		if !merged.IsEnabled() {
			continue
		}
		if len(merged.Command) == 0 && merged.URL == "" {
			o.logger.Warn("MCP server entry has no command or url", "server", name)
			continue
		}
		out[name] = merged
	}
	return out
}

func (o *Orchestrator) connectServers(ctx context.Context, st *envState) {
	if len(st.servers) == 0 {
		return
	}
	if err := o.mcp.ConnectAll(ctx, st.servers); err != nil {
		o.logger.Warn("some MCP servers failed to connect", "error", err)
	}
}

// announceSession picks the session an environment announcement lands on:
// the most recently active one. Empty leaves the announcement global.
func (o *Orchestrator) announceSession() string {
	if list := o.store.List(); len(list) > 0 {
		return list[0].ID
	}
	return ""
}
