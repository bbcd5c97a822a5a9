// Package trace records execution spans in a bounded in-memory store.
//
// Every agent run produces a trace keyed by its session id: a root run span,
// one child span per loop iteration, and grandchildren for LLM calls and tool
// executions. The recorder holds the most recent spans process-wide and
// evicts the oldest once full, so the debug surface stays useful without
// growing without bound.
package trace

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Span kinds recorded by the execution core.
const (
	KindRun       = "run"
	KindIteration = "iteration"
	KindLLMCall   = "llm_call"
	KindToolCall  = "tool_call"
)

// Span statuses.
const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusError   = "error"
)

// DefaultLimit caps the number of spans held in memory.
const DefaultLimit = 10000

// Span is one node of an execution trace. A trace is the tree rooted at the
// spans with no parent in that trace.
type Span struct {
	TraceID      string         `json:"traceId"`
	SpanID       string         `json:"spanId"`
	ParentSpanID string         `json:"parentSpanId,omitempty"`
	Name         string         `json:"name"`
	Kind         string         `json:"kind"`
	Status       string         `json:"status"`
	StartTime    time.Time      `json:"startTime"`
	EndTime      *time.Time     `json:"endTime,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Result       string         `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Recorder is a thread-safe bounded span store.
type Recorder struct {
	mu     sync.Mutex
	spans  map[string]*Span
	order  []string            // span ids in insertion order, oldest first
	traces map[string][]string // trace id -> span ids in insertion order
	limit  int
}

// NewRecorder creates a recorder holding at most limit spans.
// limit <= 0 uses DefaultLimit.
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Recorder{
		spans:  make(map[string]*Span),
		traces: make(map[string][]string),
		limit:  limit,
	}
}

// Begin opens a span and returns its id. An empty traceID records nothing.
func (r *Recorder) Begin(traceID, parentSpanID, name, kind string, attrs map[string]any) string {
	if traceID == "" {
		return ""
	}

	span := &Span{
		TraceID:      traceID,
		SpanID:       uuid.New().String(),
		ParentSpanID: parentSpanID,
		Name:         name,
		Kind:         kind,
		Status:       StatusRunning,
		StartTime:    time.Now(),
		Attributes:   cloneAttrs(attrs),
	}

	r.mu.Lock()
	r.spans[span.SpanID] = span
	r.order = append(r.order, span.SpanID)
	r.traces[traceID] = append(r.traces[traceID], span.SpanID)
	for len(r.order) > r.limit {
		r.evictOldest()
	}
	r.mu.Unlock()

	return span.SpanID
}

// End closes a span successfully with an optional result summary.
// Unknown or already closed spans are left alone.
func (r *Recorder) End(spanID, result string) {
	r.finish(spanID, StatusOK, result, "")
}

// Fail closes a span with an error message.
func (r *Recorder) Fail(spanID, errMsg string) {
	r.finish(spanID, StatusError, "", errMsg)
}

// Trace returns copies of the spans of one trace in start order.
func (r *Recorder) Trace(traceID string) []Span {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.traces[traceID]
	out := make([]Span, 0, len(ids))
	for _, id := range ids {
		if span, ok := r.spans[id]; ok {
			out = append(out, cloneSpan(span))
		}
	}
	return out
}

// Drop removes every span of a trace. Called when a session is deleted.
func (r *Recorder) Drop(traceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.traces[traceID]
	if len(ids) == 0 {
		return
	}
	dropped := make(map[string]bool, len(ids))
	for _, id := range ids {
		dropped[id] = true
		delete(r.spans, id)
	}
	delete(r.traces, traceID)

	kept := r.order[:0]
	for _, id := range r.order {
		if !dropped[id] {
			kept = append(kept, id)
		}
	}
	r.order = kept
}

// Size returns the number of spans currently held.
func (r *Recorder) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spans)
}

func (r *Recorder) finish(spanID, status, result, errMsg string) {
	if spanID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	span, ok := r.spans[spanID]
	if !ok || span.EndTime != nil {
		return
	}
	now := time.Now()
	span.EndTime = &now
	span.Status = status
	span.Result = result
	span.Error = errMsg
}

// evictOldest removes the oldest span. Caller holds the lock.
func (r *Recorder) evictOldest() {
	id := r.order[0]
	r.order = r.order[1:]

	span, ok := r.spans[id]
	if !ok {
		return
	}
	delete(r.spans, id)

	ids := r.traces[span.TraceID]
	for i, sid := range ids {
		if sid == id {
			r.traces[span.TraceID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.traces[span.TraceID]) == 0 {
		delete(r.traces, span.TraceID)
	}
}

func cloneSpan(span *Span) Span {
	out := *span
	out.Attributes = cloneAttrs(span.Attributes)
	if span.EndTime != nil {
		end := *span.EndTime
		out.EndTime = &end
	}
	return out
}

func cloneAttrs(attrs map[string]any) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
