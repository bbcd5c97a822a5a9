package mcp

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis-works/praxis/pkg/services"
)

func newTestMonitor(t *testing.T, mgr *Manager) (*HealthMonitor, *services.SystemWarningsService) {
	t.Helper()
	warnings := services.NewSystemWarningsService()
	monitor := NewHealthMonitor(mgr, warnings, nil)
	monitor.checkInterval = 25 * time.Millisecond
	monitor.pingTimeout = time.Second
	return monitor, warnings
}

// killSession closes the live session underneath the manager so the next
// probe fails the way a crashed server process would.
func killSession(t *testing.T, mgr *Manager, name string) {
	t.Helper()
	mgr.mu.Lock()
	state, ok := mgr.servers[name]
	var sess *mcpsdk.ClientSession
	if ok {
		sess = state.session
	}
	mgr.mu.Unlock()
	require.NotNil(t, sess)
	_ = sess.Close()
}

func TestHealthMonitor_HealthyProbe(t *testing.T) {
	mgr, _ := newTestManager(t)
	mgr.transportFunc = func(ServerConfig) (mcpsdk.Transport, error) {
		return inMemoryTransport(t, map[string]mcpsdk.ToolHandler{
			"ping": textHandler("pong"),
		}), nil
	}
	require.NoError(t, mgr.Connect(context.Background(), "svc", localConfig()))

	monitor, warnings := newTestMonitor(t, mgr)
	monitor.checkServer(context.Background(), "svc")

	status, ok := mgr.Status("svc")
	require.True(t, ok)
	assert.Equal(t, StatusConnected, status.Status)
	assert.Empty(t, warnings.GetWarnings())
}

func TestHealthMonitor_FailedProbeRecreatesSession(t *testing.T) {
	mgr, registry := newTestManager(t)
	var dials atomic.Int32
	mgr.transportFunc = func(ServerConfig) (mcpsdk.Transport, error) {
		dials.Add(1)
		return inMemoryTransport(t, map[string]mcpsdk.ToolHandler{
			"ping": textHandler("pong"),
		}), nil
	}
	require.NoError(t, mgr.Connect(context.Background(), "svc", localConfig()))
	require.Equal(t, int32(1), dials.Load())

	killSession(t, mgr, "svc")

	monitor, warnings := newTestMonitor(t, mgr)
	monitor.checkServer(context.Background(), "svc")

	assert.Equal(t, int32(2), dials.Load(), "recreation redials the server")
	status, ok := mgr.Status("svc")
	require.True(t, ok)
	assert.Equal(t, StatusConnected, status.Status)
	assert.True(t, registry.Has("svc_ping"))
	assert.Empty(t, warnings.GetWarnings())
}

func TestHealthMonitor_FailedRecreationRecordsWarning(t *testing.T) {
	mgr, _ := newTestManager(t)
	healthy := true
	mgr.transportFunc = func(ServerConfig) (mcpsdk.Transport, error) {
		if !healthy {
			return nil, errors.New("dial failed: connection refused")
		}
		return inMemoryTransport(t, map[string]mcpsdk.ToolHandler{
			"ping": textHandler("pong"),
		}), nil
	}
	require.NoError(t, mgr.Connect(context.Background(), "svc", localConfig()))

	killSession(t, mgr, "svc")
	healthy = false

	monitor, warnings := newTestMonitor(t, mgr)
	monitor.checkServer(context.Background(), "svc")

	status, ok := mgr.Status("svc")
	require.True(t, ok)
	assert.Equal(t, StatusError, status.Status)

	got := warnings.GetWarnings()
	require.Len(t, got, 1)
	assert.Equal(t, services.WarningCategoryMCPHealth, got[0].Category)
	assert.Equal(t, "svc", got[0].Source)
	assert.Contains(t, got[0].Message, "svc")
}

func TestHealthMonitor_WarningClearedOnRecovery(t *testing.T) {
	mgr, _ := newTestManager(t)
	mgr.transportFunc = func(ServerConfig) (mcpsdk.Transport, error) {
		return inMemoryTransport(t, map[string]mcpsdk.ToolHandler{
			"ping": textHandler("pong"),
		}), nil
	}
	require.NoError(t, mgr.Connect(context.Background(), "svc", localConfig()))

	monitor, warnings := newTestMonitor(t, mgr)
	warnings.AddWarning(services.WarningCategoryMCPHealth, "unhealthy", "", "svc")
	require.Len(t, warnings.GetWarnings(), 1)

	monitor.checkServer(context.Background(), "svc")
	assert.Empty(t, warnings.GetWarnings())
}

func TestHealthMonitor_SkipsServersInErrorState(t *testing.T) {
	mgr, _ := newTestManager(t)
	var dials atomic.Int32
	mgr.transportFunc = func(ServerConfig) (mcpsdk.Transport, error) {
		dials.Add(1)
		return nil, errors.New("dial failed")
	}
	require.Error(t, mgr.Connect(context.Background(), "broken", localConfig()))
	require.Equal(t, int32(1), dials.Load())

	monitor, _ := newTestMonitor(t, mgr)
	monitor.checkAll(context.Background())

	assert.Equal(t, int32(1), dials.Load(), "error-state servers are not probed")
}

func TestHealthMonitor_StartStop(t *testing.T) {
	mgr, _ := newTestManager(t)
	var dials atomic.Int32
	mgr.transportFunc = func(ServerConfig) (mcpsdk.Transport, error) {
		dials.Add(1)
		return inMemoryTransport(t, map[string]mcpsdk.ToolHandler{
			"ping": textHandler("pong"),
		}), nil
	}
	require.NoError(t, mgr.Connect(context.Background(), "svc", localConfig()))

	killSession(t, mgr, "svc")

	monitor, _ := newTestMonitor(t, mgr)
	monitor.Start(context.Background())
	defer monitor.Stop()

	// Poll until the loop has recovered the dead session (avoids
	// timing-dependent flakes on slow CI).
	require.Eventually(t, func() bool {
		return dials.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond, "health loop should recreate the dead session")

	monitor.Stop()
	// Stop is idempotent and Start may be called again afterwards.
	monitor.Stop()
}
