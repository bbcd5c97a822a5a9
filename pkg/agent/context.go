// Package agent runs the streaming generation loop for a session: it builds
// the provider conversation from stored history, mirrors provider chunks onto
// the event bus, routes tool calls through the control plane, and persists
// every part of the assistant turn as it forms. One Run call produces one
// assistant message, however many tool iterations it takes.
package agent

import (
	"context"
	"time"

	"github.com/praxis-works/praxis/pkg/events"
	"github.com/praxis-works/praxis/pkg/llm"
	"github.com/praxis-works/praxis/pkg/models"
	"github.com/praxis-works/praxis/pkg/tools"
)

// SessionLog is the slice of the session store the loop needs. The store's
// in-memory messages are authoritative during a run; persistence failures
// after the assistant message exists are logged and survived.
type SessionLog interface {
	AppendMessage(sessionID string, msg models.Message) (*models.Message, error)
	AppendParts(sessionID, messageID string, parts ...models.Part) error
	History(sessionID string) ([]models.Message, error)
}

// Publisher emits loop events onto the bus.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// ToolRunner executes tool calls through the control plane and advertises
// the currently registered tools.
type ToolRunner interface {
	Execute(ctx context.Context, name string, args map[string]any) (*tools.Execution, error)
	Tools() []*tools.Tool
}

// Tracer records execution spans for the debug trace surface. The trace id
// is the session id; span ids link children to parents. The loop calls it
// inline, so implementations must be cheap and must never block.
type Tracer interface {
	Begin(traceID, parentSpanID, name, kind string, attrs map[string]any) string
	End(spanID, result string)
	Fail(spanID, errMsg string)
}

// nopTracer is installed when no tracer is configured.
type nopTracer struct{}

func (nopTracer) Begin(string, string, string, string, map[string]any) string { return "" }

func (nopTracer) End(string, string) {}

func (nopTracer) Fail(string, string) {}

// Target is the resolved model the loop generates against. The orchestrator
// resolves it from the selector before each run so mid-session model switches
// take effect on the next turn.
type Target struct {
	Provider   llm.Provider
	SDK        llm.SDKType
	ProviderID string
	Model      llm.ModelInfo
}

// Config carries the loop knobs. Zero values fall back to defaults at the
// start of Run.
type Config struct {
	// MaxIterations bounds generate/tool rounds per run. Exhausting it is
	// not an error: the run completes with the truncation flag set.
	MaxIterations int

	// SystemPrompts are prepended to every conversation in order.
	SystemPrompts []string

	Temperature *float64
	Variant     string

	// RetryBase is the backoff before the single retry of a retryable
	// provider failure.
	RetryBase time.Duration

	// Tracer records run/iteration/call spans when set.
	Tracer Tracer
}

// DefaultMaxIterations bounds tool rounds when Config.MaxIterations is unset.
const DefaultMaxIterations = 25

// DefaultRetryBase is the pause before retrying a retryable provider error.
const DefaultRetryBase = 2 * time.Second

// RunInput describes one user turn.
type RunInput struct {
	SessionID string
	Content   string
	Target    Target

	// SystemPrompts are appended to the runner's configured system prompts
	// for this run only. Rule-driven re-entries use them to carry the rule
	// prompt without baking it into the session history.
	SystemPrompts []string

	// AssistantMessageID reuses an existing assistant message instead of
	// creating one. Empty for normal turns.
	AssistantMessageID string
}

// RunResult summarizes a finished run. Interrupted and Truncated runs are
// still successful runs; their partial output is persisted and streamed.
type RunResult struct {
	MessageID   string
	Text        string
	Usage       models.Usage
	Iterations  int
	Truncated   bool
	Interrupted bool
}
