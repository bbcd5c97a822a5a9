package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis-works/praxis/pkg/config"
	"github.com/praxis-works/praxis/pkg/events"
	"github.com/praxis-works/praxis/pkg/llm"
	"github.com/praxis-works/praxis/pkg/mcp"
	"github.com/praxis-works/praxis/pkg/models"
)

const fixtureProviders = `[
	// test fixture: key is inline so nothing leaks from the process env
	{"id": "openai", "sdk": "openai", "apiKey": "test-key", "models": [{"id": "gpt-test"}]},
]`

// writeEnvironment lays out an environment directory under the harness's
// configured environments dir.
func (h *harness) writeEnvironment(name string, files map[string]string) {
	h.t.Helper()
	dir := filepath.Join(h.cfg.Paths.EnvironmentsDir, name)
	require.NoError(h.t, os.MkdirAll(dir, 0o755))
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		require.NoError(h.t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(h.t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestStart_LoadsDefaultEnvironment(t *testing.T) {
	h := newHarness(t)
	h.writeEnvironment("default", map[string]string{
		config.ProvidersFileName:   fixtureProviders,
		config.EnvironmentFileName: `{"model": "openai/gpt-test"}`,
		"skills/citations.md":      "# Citations\nAlways cite sources.",
	})
	h.start()

	assert.Equal(t, "default", h.o.EnvironmentName())
	assert.Equal(t, 1, h.o.ProviderCount())

	st := h.o.snapshot()
	require.NotNil(t, st)
	require.Len(t, st.skills, 1)
	assert.Equal(t, "citations", st.skills[0].Name)

	sel, err := st.selector.Select()
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-test", sel.String())

	// Startup activation is silent; only an explicit switch announces.
	for _, ev := range h.drain() {
		assert.NotEqual(t, events.EventTypeEnvironmentSwitched, ev.Type)
	}
}

func TestSwitchEnvironment_AnnouncesDiff(t *testing.T) {
	h := newHarness(t)
	h.writeEnvironment("default", map[string]string{
		"skills/drafting.md": "# Drafting\nKeep drafts short.",
	})
	h.writeEnvironment("research", map[string]string{
		config.ProvidersFileName:   fixtureProviders,
		config.EnvironmentFileName: `{"model": "openai/gpt-test"}`,
		"skills/citations.md":      "# Citations\nAlways cite sources.",
	})
	h.start()
	require.Equal(t, "default", h.o.EnvironmentName())

	require.NoError(t, h.o.SwitchEnvironment(context.Background(), "research"))

	ev := h.waitEvent(events.EventTypeEnvironmentSwitched)
	payload := ev.Payload.(events.EnvironmentSwitchedPayload)
	assert.Equal(t, "default", payload.From)
	assert.Equal(t, "research", payload.To)
	assert.Equal(t, []string{"citations"}, payload.AddedSkills)
	assert.Equal(t, []string{"drafting"}, payload.RemovedSkills)
	assert.Equal(t, "openai/gpt-test", payload.Model)
	assert.Empty(t, ev.SessionID, "no session yet, announcement stays global")

	assert.Equal(t, "research", h.o.EnvironmentName())
	assert.Equal(t, 1, h.o.ProviderCount())
}

func TestSwitchEnvironment_UnknownKeepsCurrent(t *testing.T) {
	h := newHarness(t)
	h.writeEnvironment("default", map[string]string{})
	h.start()

	err := h.o.SwitchEnvironment(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrEnvironmentNotFound)

	assert.Equal(t, "default", h.o.EnvironmentName())
	for _, ev := range h.drain() {
		assert.NotEqual(t, events.EventTypeEnvironmentSwitched, ev.Type)
	}
}

func TestEnvironmentSwitchedRule_BriefsActiveSession(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.installProvider(textResponse("Heads up: we are in research mode now."))
	sess := h.createSession("ongoing chat")

	require.NoError(t, h.bus.Publish(context.Background(), events.Event{
		Type:      events.EventTypeEnvironmentSwitched,
		SessionID: sess.ID,
		Payload: events.EnvironmentSwitchedPayload{
			From:        "default",
			To:          "research",
			ToolsBefore: 1,
			ToolsAfter:  4,
			AddedSkills: []string{"citations"},
			Model:       "mock/mock-model",
		},
	}))
	h.waitEventOn(events.EventTypeStreamCompleted, sess.ID)

	msgs, err := h.store.History(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].Text(), `from "default" to "research"`)
	assert.Contains(t, msgs[0].Text(), "citations")
	assert.Equal(t, "Heads up: we are in research mode now.", msgs[1].Text())
}

func TestSwitchModel(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.installProvider()

	require.NoError(t, h.o.SwitchModel(llm.Selection{Provider: "mock", Model: "mock-model"}))
	sel, ok := h.o.CurrentModel()
	require.True(t, ok)
	assert.Equal(t, "mock/mock-model", sel.String())

	err := h.o.SwitchModel(llm.Selection{Provider: "ghost", Model: "gpt-nothing"})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrKindConfig))
}

func TestSwitchModel_NoEnvironment(t *testing.T) {
	h := newHarness(t)

	err := h.o.SwitchModel(llm.Selection{Provider: "mock", Model: "mock-model"})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrKindConfig))

	_, _, err = h.o.prepareRun()
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrKindConfig))
}

func TestResolveServers(t *testing.T) {
	h := newHarness(t)
	h.writeEnvironment("servers", map[string]string{
		"mcpservers/alpha/server.py": "print('alpha')",
		"mcpservers/beta/server.js":  "// beta",
		"mcpservers/beta/config.json": `{
			"timeout": 30
		}`,
		"mcpservers/gamma/server.py": "print('gamma')",
	})

	disabled := false
	env := &config.Environment{
		Name: "servers",
		Dir:  filepath.Join(h.cfg.Paths.EnvironmentsDir, "servers"),
		MCPServers: map[string]mcp.ServerConfig{
			"gamma":  {Enabled: &disabled},
			"remote": {URL: "https://mcp.example.com/sse"},
			"broken": {},
		},
	}

	out := h.o.resolveServers(env)

	require.Contains(t, out, "alpha")
	assert.Equal(t, mcp.TypeLocal, out["alpha"].Type)
	require.NotEmpty(t, out["alpha"].Command)
	assert.Equal(t, "python3", out["alpha"].Command[0])

	require.Contains(t, out, "beta")
	assert.Equal(t, "node", out["beta"].Command[0])
	assert.Equal(t, 30, out["beta"].Timeout)

	assert.NotContains(t, out, "gamma", "explicitly disabled")

	require.Contains(t, out, "remote")
	assert.Equal(t, mcp.TypeRemote, out["remote"].Type)

	assert.NotContains(t, out, "broken", "no command and no url")
}

func TestAnnounceSession(t *testing.T) {
	h := newHarness(t)
	h.start()

	assert.Empty(t, h.o.announceSession())

	first := h.createSession("older")
	second := h.createSession("newer")
	assert.Equal(t, second.ID, h.o.announceSession())

	// Activity moves a session back to the front.
	_, err := h.store.AppendMessage(first.ID, models.Message{
		Role:  models.RoleUser,
		Parts: []models.Part{models.TextPart("bump")},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, h.o.announceSession())
}
