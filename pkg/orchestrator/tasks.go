package orchestrator

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/praxis-works/praxis/pkg/agent"
	"github.com/praxis-works/praxis/pkg/events"
	"github.com/praxis-works/praxis/pkg/models"
	"github.com/praxis-works/praxis/pkg/services"
	"github.com/praxis-works/praxis/pkg/tools"
)

// Runtime is the narrow surface handed to tool factories. Tools publish
// events, read sessions, inspect the live tool set, and spawn background
// tasks through it without importing the orchestrator.
type Runtime interface {
	PublishEvent(ctx context.Context, event events.Event) error
	Session(id string) (*models.Session, error)
	Tools() []*tools.Tool
	SpawnTask(ctx context.Context, parentSessionID, description, prompt string) (string, error)
}

// ToolFactory builds tools against the runtime. Factories run once at
// startup; their tools are registered before the default environment
// loads.
type ToolFactory func(rt Runtime) []*tools.Tool

// Metadata keys tagging a task session with its origin.
const (
	MetaParentSession = "parentSessionId"
	MetaTaskID        = "taskId"
)

// Session returns the session with the given id.
func (o *Orchestrator) Session(id string) (*models.Session, error) {
	return o.store.Get(id)
}

// Tools returns the currently registered tool set.
func (o *Orchestrator) Tools() []*tools.Tool {
	return o.registry.List()
}

type taskTicket struct {
	ctx         context.Context
	taskID      string
	parentID    string
	sessionID   string
	description string
	prompt      string
}

// SpawnTask runs the prompt in a fresh session concurrently with the
// parent's turn. The outcome comes back as a background_task event on the
// parent session, which re-enters the agent loop there. Returns the task
// id, or ErrKindBusy when the concurrency limit is reached.
func (o *Orchestrator) SpawnTask(ctx context.Context, parentSessionID, description, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", models.NewAgentError(models.ErrKindInput, "task prompt is required")
	}
	if _, err := o.store.Get(parentSessionID); err != nil {
		return "", err
	}

	select {
	case o.taskSem <- struct{}{}:
	default:
		return "", models.NewAgentError(models.ErrKindBusy,
			"background task limit reached (%d running)", cap(o.taskSem))
	}

	taskID := uuid.New().String()
	sess, err := o.sessions.Create(ctx, services.CreateSessionRequest{Title: taskTitle(taskID, description)})
	if err != nil {
		<-o.taskSem
		return "", err
	}
	if _, err := o.store.Update(sess.ID, models.SessionPatch{Metadata: map[string]any{
		MetaParentSession: parentSessionID,
		MetaTaskID:        taskID,
	}}); err != nil {
		o.logger.Warn("tagging task session failed", "session_id", sess.ID, "error", err)
	}

	// wg.Add under the same lock as the stopped check, so Shutdown's wait
	// cannot miss this task.
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		<-o.taskSem
		return "", models.NewAgentError(models.ErrKindInternal, "orchestrator is stopped")
	}
	o.wg.Add(1)
	o.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	o.registerChild(parentSessionID, taskID, cancel)

	o.logger.Info("background task started",
		"task_id", taskID,
		"parent_session_id", parentSessionID,
		"task_session_id", sess.ID,
		"description", description)

	go o.runTask(&taskTicket{
		ctx:         runCtx,
		taskID:      taskID,
		parentID:    parentSessionID,
		sessionID:   sess.ID,
		description: description,
		prompt:      prompt,
	})
	return taskID, nil
}

func taskTitle(taskID, description string) string {
	if strings.TrimSpace(description) == "" {
		return "Task " + taskID[:8]
	}
	title := "Task: " + description
	if len(title) > 120 {
		title = title[:120]
	}
	return title
}

func (o *Orchestrator) runTask(t *taskTicket) {
	defer o.wg.Done()
	defer func() { <-o.taskSem }()
	defer o.unregisterChild(t.parentID, t.taskID)

	var result *agent.RunResult
	runner, target, err := o.prepareRun()
	if err == nil {
		result, err = runner.Run(t.ctx, agent.RunInput{
			SessionID: t.sessionID,
			Content:   t.prompt,
			Target:    target,
		})
	}

	if (result != nil && result.Interrupted) || t.ctx.Err() != nil {
		// The user interrupted the parent. Publishing a failure now would
		// re-enter the loop they just stopped, so the task ends silently.
		o.logger.Info("background task interrupted",
			"task_id", t.taskID, "parent_session_id", t.parentID)
		return
	}

	payload := events.BackgroundTaskPayload{
		SessionID:   t.parentID,
		TaskID:      t.taskID,
		Description: t.description,
	}
	eventType := events.EventTypeBackgroundTaskCompleted
	if err != nil {
		o.logger.Warn("background task failed",
			"task_id", t.taskID, "parent_session_id", t.parentID, "error", err)
		payload.Error = err.Error()
		eventType = events.EventTypeBackgroundTaskFailed
	} else {
		o.logger.Info("background task completed",
			"task_id", t.taskID, "parent_session_id", t.parentID, "iterations", result.Iterations)
		payload.Result = result.Text
	}

	evt := events.Event{Type: eventType, SessionID: t.parentID, Payload: payload}
	o.publishEvent(context.Background(), evt)
	o.forwarder.Forward(evt)
}

func (o *Orchestrator) registerChild(parentID, taskID string, cancel context.CancelFunc) {
	o.tasksMu.Lock()
	defer o.tasksMu.Unlock()
	m := o.children[parentID]
	if m == nil {
		m = make(map[string]context.CancelFunc)
		o.children[parentID] = m
	}
	m[taskID] = cancel
}

func (o *Orchestrator) unregisterChild(parentID, taskID string) {
	o.tasksMu.Lock()
	cancel := o.children[parentID][taskID]
	if m := o.children[parentID]; m != nil {
		delete(m, taskID)
		if len(m) == 0 {
			delete(o.children, parentID)
		}
	}
	o.tasksMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// cancelChildren cancels every task spawned from the session and reports
// how many there were.
func (o *Orchestrator) cancelChildren(parentID string) int {
	o.tasksMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(o.children[parentID]))
	for _, cancel := range o.children[parentID] {
		cancels = append(cancels, cancel)
	}
	o.tasksMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

func (o *Orchestrator) cancelAllTasks() {
	o.tasksMu.Lock()
	var cancels []context.CancelFunc
	for _, m := range o.children {
		for _, cancel := range m {
			cancels = append(cancels, cancel)
		}
	}
	o.tasksMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// RunningTasks reports the number of live background tasks.
func (o *Orchestrator) RunningTasks() int {
	return len(o.taskSem)
}
