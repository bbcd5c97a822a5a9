package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/praxis-works/praxis/pkg/services"
)

const (
	// HealthInterval is how often connected servers are probed.
	HealthInterval = 15 * time.Second

	// HealthPingTimeout bounds a single ListTools probe.
	HealthPingTimeout = 5 * time.Second
)

// HealthMonitor periodically probes connected MCP servers with ListTools
// and recreates sessions that stop answering. A server that fails its
// recreation lands in the error state until the next reconnect, with an
// operator-visible warning that clears when the server recovers.
type HealthMonitor struct {
	manager  *Manager
	warnings *services.SystemWarningsService

	checkInterval time.Duration
	pingTimeout   time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

func NewHealthMonitor(manager *Manager, warnings *services.SystemWarningsService, logger *slog.Logger) *HealthMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthMonitor{
		manager:       manager,
		warnings:      warnings,
		checkInterval: HealthInterval,
		pingTimeout:   HealthPingTimeout,
		logger:        logger,
	}
}

// Start launches the background probe loop. Calling Start on a running
// monitor is a no-op.
func (h *HealthMonitor) Start(ctx context.Context) {
	if h.cancel != nil {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go h.loop(ctx)
}

// Stop shuts the probe loop down and waits for it. After Stop returns,
// Start may be called again.
func (h *HealthMonitor) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
	h.done = nil
}

func (h *HealthMonitor) loop(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.checkAll(ctx)
		}
	}
}

func (h *HealthMonitor) checkAll(ctx context.Context) {
	for _, status := range h.manager.Statuses() {
		if status.Status != StatusConnected {
			continue
		}
		h.checkServer(ctx, status.Name)
		if ctx.Err() != nil {
			return
		}
	}
}

// checkServer probes one connected server. A failed probe triggers a
// session recreation, which re-registers the server's tools on success
// and records the error state on failure.
func (h *HealthMonitor) checkServer(ctx context.Context, name string) {
	h.manager.mu.Lock()
	state, ok := h.manager.servers[name]
	var session *mcpsdk.ClientSession
	if ok && state.status == StatusConnected {
		session = state.session
	}
	h.manager.mu.Unlock()
	if session == nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, h.pingTimeout)
	defer cancel()
	_, err := session.ListTools(probeCtx, nil)
	if err == nil {
		h.clearWarning(name)
		return
	}
	if ctx.Err() != nil {
		return
	}
	h.logger.Warn("MCP health probe failed, recreating session",
		"server", name, "error", err)

	if rerr := h.manager.recreateSession(ctx, name); rerr != nil {
		h.logger.Warn("MCP server is unhealthy", "server", name, "error", rerr)
		h.addWarning(name, rerr)
		return
	}
	h.clearWarning(name)
}

func (h *HealthMonitor) addWarning(server string, err error) {
	if h.warnings == nil {
		return
	}
	h.warnings.AddWarning(
		services.WarningCategoryMCPHealth,
		fmt.Sprintf("MCP server %q is unhealthy", server),
		err.Error(), server)
}

func (h *HealthMonitor) clearWarning(server string) {
	if h.warnings == nil {
		return
	}
	h.warnings.ClearBySource(services.WarningCategoryMCPHealth, server)
}
