package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/praxis-works/praxis/pkg/events"
	"github.com/praxis-works/praxis/pkg/llm"
	"github.com/praxis-works/praxis/pkg/models"
)

// interruptNotice is the synthetic user message appended when a run is
// interrupted, so the model sees on the next turn that its previous answer
// is incomplete.
const interruptNotice = "[Session interrupted by user]"

// interruptedToolResult closes out a tool call whose execution was cut off
// by an interrupt. Every persisted tool call needs a result, or the next
// turn's conversation is rejected by providers that pair them strictly.
const interruptedToolResult = "Tool execution interrupted"

// Span kinds recorded on the tracer. Values match the trace package.
const (
	spanKindRun       = "run"
	spanKindIteration = "iteration"
	spanKindLLMCall   = "llm_call"
	spanKindToolCall  = "tool_call"
)

// Runner drives the generation loop. One Runner serves all sessions; Run is
// safe to call concurrently for different sessions.
type Runner struct {
	sessions SessionLog
	bus      Publisher
	tools    ToolRunner
	tracer   Tracer
	config   Config
	logger   *slog.Logger
}

// NewRunner wires a Runner. Zero config fields fall back to package
// defaults.
func NewRunner(sessions SessionLog, bus Publisher, tools ToolRunner, config Config, logger *slog.Logger) *Runner {
	if config.MaxIterations <= 0 {
		config.MaxIterations = DefaultMaxIterations
	}
	if config.RetryBase <= 0 {
		config.RetryBase = DefaultRetryBase
	}
	tracer := config.Tracer
	if tracer == nil {
		tracer = nopTracer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		sessions: sessions,
		bus:      bus,
		tools:    tools,
		tracer:   tracer,
		config:   config,
		logger:   logger.With("component", "agent"),
	}
}

// runState is the mutable state of one Run call. text and reasoning are
// cumulative across iterations; stream payloads carry them so clients can
// render from any event without replaying the whole stream.
type runState struct {
	sessionID   string
	messageID   string
	runSpan     string
	extraSystem []string
	text        string
	reasoning   string
	usage       models.Usage
	iterations  int
}

// Run executes one user turn to completion: it appends the user message,
// opens an assistant message, and alternates provider calls with tool
// execution until the model answers without tool calls, the iteration
// budget runs out, or the context is cancelled.
//
// Cancellation of ctx is the interrupt path: partial output is persisted,
// a synthetic user notice is appended, and the run completes with the
// interrupted flag instead of an error.
func (r *Runner) Run(ctx context.Context, input RunInput) (*RunResult, error) {
	if input.SessionID == "" {
		return nil, models.NewAgentError(models.ErrKindInput, "session id is required")
	}
	if input.Target.Provider == nil {
		return nil, models.NewAgentError(models.ErrKindConfig, "no provider resolved for session %s", input.SessionID)
	}

	if input.Content != "" {
		userMsg := models.Message{Role: models.RoleUser, Parts: []models.Part{models.TextPart(input.Content)}}
		if _, err := r.sessions.AppendMessage(input.SessionID, userMsg); err != nil {
			return nil, err
		}
	}

	messageID := input.AssistantMessageID
	if messageID == "" {
		created, err := r.sessions.AppendMessage(input.SessionID, models.Message{Role: models.RoleAssistant})
		if err != nil {
			return nil, err
		}
		messageID = created.ID
	}

	st := &runState{sessionID: input.SessionID, messageID: messageID, extraSystem: input.SystemPrompts}
	logger := r.logger.With(
		"session_id", input.SessionID,
		"message_id", messageID,
		"model", input.Target.Model.ID,
	)
	logger.Info("agent run started")

	st.runSpan = r.tracer.Begin(st.sessionID, "", displayName(input.Target.Model), spanKindRun, map[string]any{
		"provider": input.Target.ProviderID,
		"model":    input.Target.Model.ID,
	})

	r.publish(ctx, events.EventTypeStreamStart, st.sessionID, events.StreamStartPayload{
		SessionID: st.sessionID,
		MessageID: st.messageID,
		Model:     input.Target.Model.ID,
	})

	for st.iterations < r.config.MaxIterations {
		st.iterations++
		iterSpan := r.tracer.Begin(st.sessionID, st.runSpan,
			fmt.Sprintf("iteration %d", st.iterations), spanKindIteration, nil)

		resp, err := r.generate(ctx, input.Target, st, iterSpan, logger)
		if err != nil {
			if isInterrupt(ctx, err) {
				r.tracer.End(iterSpan, "interrupted")
				return r.finishInterrupted(ctx, st, resp, logger)
			}
			r.persistParts(st, resp, false, logger)
			r.publish(ctx, events.EventTypeStreamError, st.sessionID, events.StreamErrorPayload{
				SessionID: st.sessionID,
				MessageID: st.messageID,
				Error:     err.Error(),
				Code:      string(models.KindOf(err)),
			})
			logger.Error("agent run failed", "iteration", st.iterations, "error", err)
			r.tracer.Fail(iterSpan, err.Error())
			r.tracer.Fail(st.runSpan, err.Error())
			return nil, err
		}

		if resp.Usage != nil {
			st.usage.Add(*resp.Usage)
		}

		if !resp.HasToolCalls() {
			r.persistParts(st, resp, true, logger)
			logger.Info("agent run completed",
				"iterations", st.iterations,
				"total_tokens", st.usage.TotalTokens)
			r.tracer.End(iterSpan, "")
			return r.finishCompleted(ctx, st, false)
		}

		if st.iterations == r.config.MaxIterations {
			// Budget exhausted with calls still pending. Keep the text,
			// drop the unexecuted calls so the stored turn stays well
			// formed, and complete with the truncation flag.
			r.persistParts(st, resp, false, logger)
			logger.Warn("iteration budget exhausted",
				"max_iterations", r.config.MaxIterations,
				"pending_tool_calls", len(resp.ToolCalls))
			r.tracer.End(iterSpan, "budget exhausted")
			return r.finishCompleted(ctx, st, true)
		}

		r.persistParts(st, resp, true, logger)

		if err := r.runToolCalls(ctx, st, resp.ToolCalls, iterSpan, logger); err != nil {
			if isInterrupt(ctx, err) {
				r.tracer.End(iterSpan, "interrupted")
				return r.finishInterrupted(ctx, st, nil, logger)
			}
			r.tracer.Fail(iterSpan, err.Error())
			r.tracer.Fail(st.runSpan, err.Error())
			return nil, err
		}
		r.tracer.End(iterSpan, "")
	}

	// Unreachable: the budget check above returns inside the loop.
	return r.finishCompleted(ctx, st, true)
}

// generate performs one provider call, retrying once on a retryable
// failure. The cumulative stream state is rolled back before the retry so
// the replayed deltas do not double-count.
func (r *Runner) generate(ctx context.Context, target Target, st *runState, iterSpan string, logger *slog.Logger) (*Response, error) {
	history, err := r.sessions.History(st.sessionID)
	if err != nil {
		return nil, err
	}

	system := r.config.SystemPrompts
	if len(st.extraSystem) > 0 {
		system = append(append([]string{}, system...), st.extraSystem...)
	}
	msgs := buildConversation(system, history)
	if field := target.Model.ReasoningField; field != "" {
		msgs = llm.LiftReasoning(msgs, field)
	}
	msgs = llm.ForProvider(msgs, target.SDK, displayName(target.Model))

	req := &llm.Request{
		Model:    target.Model.ID,
		Messages: msgs,
		Tools:    r.toolDefinitions(),
		Options: llm.ResolveOptions(target.SDK, target.ProviderID, target.Model, llm.Options{
			Temperature: r.config.Temperature,
			Variant:     r.config.Variant,
		}),
	}

	textBase, reasoningBase := st.text, st.reasoning
	resp, err := r.attempt(ctx, target, req, st, iterSpan, 1)
	if err != nil && isRetryable(err) && ctx.Err() == nil {
		logger.Warn("provider call failed, retrying once",
			"error", err, "backoff", r.config.RetryBase)
		select {
		case <-time.After(r.config.RetryBase):
		case <-ctx.Done():
			return resp, models.WrapError(models.ErrKindInterrupt, ctx.Err(), "interrupted during retry backoff")
		}
		st.text, st.reasoning = textBase, reasoningBase
		resp, err = r.attempt(ctx, target, req, st, iterSpan, 2)
	}
	return resp, err
}

// attempt wraps one provider stream in an llm_call span.
func (r *Runner) attempt(ctx context.Context, target Target, req *llm.Request, st *runState, iterSpan string, n int) (*Response, error) {
	span := r.tracer.Begin(st.sessionID, iterSpan, target.Model.ID, spanKindLLMCall, map[string]any{
		"provider": target.ProviderID,
		"attempt":  n,
	})
	resp, err := r.stream(ctx, target, req, st)
	if err != nil {
		r.tracer.Fail(span, spanSummary(err.Error()))
		return resp, err
	}
	r.tracer.End(span, resp.Finish)
	return resp, nil
}

// stream opens the provider stream and mirrors every delta onto the bus as
// it arrives.
func (r *Runner) stream(ctx context.Context, target Target, req *llm.Request, st *runState) (*Response, error) {
	ch, err := target.Provider.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	return collectStream(ch, func(kind, delta string) {
		switch kind {
		case ChunkText:
			st.text += delta
			r.publish(ctx, events.EventTypeStreamText, st.sessionID, events.StreamTextPayload{
				SessionID: st.sessionID,
				MessageID: st.messageID,
				Content:   st.text,
				Delta:     delta,
			})
		case ChunkReasoning:
			st.reasoning += delta
			r.publish(ctx, events.EventTypeStreamReasoning, st.sessionID, events.StreamReasoningPayload{
				SessionID: st.sessionID,
				MessageID: st.messageID,
				Content:   st.reasoning,
				Delta:     delta,
			})
		}
	})
}

// toolOutcome is the collected result of one tool call, successful or not.
type toolOutcome struct {
	content string
	isError bool
	filled  bool
}

// runToolCalls announces every call in order, executes them concurrently,
// then emits and persists the results in call order. Tool failures become
// error-valued results; only an interrupt aborts the round, and calls it
// cut off are closed with a synthetic interrupted result so the stored
// turn keeps one result per call.
func (r *Runner) runToolCalls(ctx context.Context, st *runState, calls []llm.ToolCall, iterSpan string, logger *slog.Logger) error {
	for _, call := range calls {
		r.publish(ctx, events.EventTypeStreamToolCall, st.sessionID, events.StreamToolCallPayload{
			SessionID:  st.sessionID,
			MessageID:  st.messageID,
			ToolName:   call.Name,
			ToolArgs:   call.Arguments,
			ToolCallID: call.ID,
		})
	}

	outcomes := make([]toolOutcome, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			outcome, err := r.executeToolCall(gctx, st, call, iterSpan, logger)
			if err != nil {
				return err
			}
			outcomes[i] = outcome
			return nil
		})
	}
	waitErr := g.Wait()

	for i := range outcomes {
		if !outcomes[i].filled {
			outcomes[i] = toolOutcome{content: interruptedToolResult, isError: true, filled: true}
		}
	}

	pubCtx := context.WithoutCancel(ctx)
	for i, call := range calls {
		r.publish(pubCtx, events.EventTypeStreamToolResult, st.sessionID, events.StreamToolResultPayload{
			SessionID:  st.sessionID,
			MessageID:  st.messageID,
			ToolName:   call.Name,
			ToolCallID: call.ID,
			Result:     outcomes[i].content,
			Success:    !outcomes[i].isError,
		})
		part := models.ToolResultPart(call.ID, call.Name, outcomes[i].content, outcomes[i].isError)
		if err := r.sessions.AppendParts(st.sessionID, st.messageID, part); err != nil {
			logger.Error("failed to persist tool result",
				"tool", call.Name, "call_id", call.ID, "error", err)
		}
	}

	return waitErr
}

// executeToolCall runs one call through the control plane. Tool and
// control-plane failures are converted into error-valued results the model
// can react to; the returned error is reserved for interrupts.
func (r *Runner) executeToolCall(ctx context.Context, st *runState, call llm.ToolCall, iterSpan string, logger *slog.Logger) (toolOutcome, error) {
	args := ParseToolArguments(call.Arguments)
	span := r.tracer.Begin(st.sessionID, iterSpan, call.Name, spanKindToolCall, map[string]any{
		"call_id": call.ID,
	})

	started := time.Now()
	exec, err := r.tools.Execute(ctx, call.Name, args)
	if err != nil {
		if models.IsKind(err, models.ErrKindInterrupt) || errors.Is(ctx.Err(), context.Canceled) {
			r.tracer.Fail(span, "interrupted")
			return toolOutcome{}, err
		}
		logger.Warn("tool execution failed",
			"tool", call.Name,
			"call_id", call.ID,
			"duration", time.Since(started),
			"error", err)
		r.tracer.Fail(span, spanSummary(err.Error()))
		return toolOutcome{
			content: fmt.Sprintf("Error executing tool: %s", err),
			isError: true,
			filled:  true,
		}, nil
	}

	logger.Info("tool executed",
		"tool", call.Name,
		"call_id", call.ID,
		"duration", time.Since(started),
		"attempts", exec.Attempts,
		"is_error", exec.Result.IsError)
	if exec.Result.IsError {
		r.tracer.Fail(span, spanSummary(exec.Result.Content))
	} else {
		r.tracer.End(span, fmt.Sprintf("%d chars", len(exec.Result.Content)))
	}
	return toolOutcome{
		content: exec.Result.Content,
		isError: exec.Result.IsError,
		filled:  true,
	}, nil
}

// persistParts appends this iteration's reasoning, text, and optionally
// tool call parts to the running assistant message. Persistence failures
// are logged and survived: the streamed events already carried the content.
func (r *Runner) persistParts(st *runState, resp *Response, includeCalls bool, logger *slog.Logger) {
	if resp == nil {
		return
	}
	var parts []models.Part
	if resp.Reasoning != "" {
		parts = append(parts, models.ReasoningPart(resp.Reasoning))
	}
	if resp.Text != "" {
		parts = append(parts, models.TextPart(resp.Text))
	}
	if includeCalls {
		for _, call := range resp.ToolCalls {
			parts = append(parts, models.ToolCallPart(call.ID, call.Name, call.Arguments))
		}
	}
	if len(parts) == 0 {
		return
	}
	if err := r.sessions.AppendParts(st.sessionID, st.messageID, parts...); err != nil {
		logger.Error("failed to persist assistant parts", "error", err)
	}
}

// finishCompleted emits the terminal completed event and assembles the
// result.
func (r *Runner) finishCompleted(ctx context.Context, st *runState, truncated bool) (*RunResult, error) {
	outcome := "completed"
	if truncated {
		outcome = "truncated"
	}
	r.tracer.End(st.runSpan, outcome)

	usage := st.usage
	r.publish(context.WithoutCancel(ctx), events.EventTypeStreamCompleted, st.sessionID, events.StreamCompletedPayload{
		SessionID: st.sessionID,
		MessageID: st.messageID,
		Usage:     &usage,
		Truncated: truncated,
	})
	return &RunResult{
		MessageID:  st.messageID,
		Text:       st.text,
		Usage:      st.usage,
		Iterations: st.iterations,
		Truncated:  truncated,
	}, nil
}

// finishInterrupted persists whatever the aborted iteration produced,
// appends the interrupt notice, and completes the stream with the
// interrupted flag. An interrupted run is not an error.
func (r *Runner) finishInterrupted(ctx context.Context, st *runState, partial *Response, logger *slog.Logger) (*RunResult, error) {
	r.tracer.End(st.runSpan, "interrupted")
	r.persistParts(st, partial, false, logger)

	notice := models.Message{Role: models.RoleUser, Parts: []models.Part{models.TextPart(interruptNotice)}}
	if _, err := r.sessions.AppendMessage(st.sessionID, notice); err != nil {
		logger.Error("failed to append interrupt notice", "error", err)
	}

	usage := st.usage
	r.publish(context.WithoutCancel(ctx), events.EventTypeStreamCompleted, st.sessionID, events.StreamCompletedPayload{
		SessionID:   st.sessionID,
		MessageID:   st.messageID,
		Usage:       &usage,
		Interrupted: true,
	})
	logger.Info("agent run interrupted",
		"iterations", st.iterations,
		"partial_chars", len(st.text))

	return &RunResult{
		MessageID:   st.messageID,
		Text:        st.text,
		Usage:       st.usage,
		Iterations:  st.iterations,
		Interrupted: true,
	}, nil
}

// toolDefinitions advertises the registered tools to the provider.
func (r *Runner) toolDefinitions() []llm.ToolDefinition {
	registered := r.tools.Tools()
	defs := make([]llm.ToolDefinition, 0, len(registered))
	for _, t := range registered {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.ParametersJSON(),
		})
	}
	return defs
}

// publish sends one event, logging failures instead of propagating them.
func (r *Runner) publish(ctx context.Context, eventType, sessionID string, payload any) {
	err := r.bus.Publish(ctx, events.Event{
		Type:      eventType,
		SessionID: sessionID,
		Payload:   payload,
	})
	if err != nil {
		r.logger.Warn("event publish failed",
			"event_type", eventType, "session_id", sessionID, "error", err)
	}
}

// isInterrupt reports whether the failure is a user interrupt rather than
// a provider or tool error.
func isInterrupt(ctx context.Context, err error) bool {
	if models.IsKind(err, models.ErrKindInterrupt) {
		return true
	}
	return errors.Is(ctx.Err(), context.Canceled)
}

// isRetryable reports whether the provider failure warrants the single
// retry. Transport drops and throttling qualify; everything else does not.
func isRetryable(err error) bool {
	switch models.KindOf(err) {
	case models.ErrKindTransport, models.ErrKindRateLimited:
		return true
	default:
		return false
	}
}

// displayName prefers the configured display name for model-family
// heuristics, falling back to the id.
func displayName(m llm.ModelInfo) string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

// spanSummary bounds strings stored on spans; tool output can be large.
func spanSummary(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return strings.ToValidUTF8(s[:max], "") + "..."
}
