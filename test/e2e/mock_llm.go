package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// MockLLM is a scripted OpenAI-compatible chat completions endpoint.
// The app under test talks to it through the real openai_compatible
// adapter, so the full wire path (request encoding, SSE decoding, error
// classification, retries) is exercised, not bypassed.
//
// Entries dispatch sequentially: the first request consumes the first
// entry, and so on. An exhausted script answers 500 so a test that
// under-scripts fails loudly instead of hanging.
type MockLLM struct {
	srv *httptest.Server

	mu      sync.Mutex
	entries []ScriptEntry
	next    int
	reqs    []openai.ChatCompletionRequest
}

// ScriptEntry describes one scripted completion.
type ScriptEntry struct {
	// Reasoning streams as a reasoning_content delta before the text.
	Reasoning string

	// Text streams as a content delta. For Hold entries it is the
	// partial output sent before the stream parks.
	Text string

	// ToolCalls end the response with finish_reason "tool_calls".
	ToolCalls []openai.ToolCall

	// Status, when non-zero, fails the request with that HTTP code and
	// an OpenAI-shaped error body instead of streaming.
	Status int

	// Hold parks the stream after the Text delta until the channel is
	// closed or the client goes away. OnHold, when set, is closed once
	// the stream is parked, so tests can interrupt at a known point.
	Hold   <-chan struct{}
	OnHold chan<- struct{}

	// Usage overrides the usage frame. Nil uses defaultUsage.
	Usage *openai.Usage
}

var defaultUsage = openai.Usage{PromptTokens: 25, CompletionTokens: 12, TotalTokens: 37}

var callIDCounter atomic.Int64

// ToolCallEntry builds an entry that requests one tool invocation with
// a unique call id.
func ToolCallEntry(name, arguments string) ScriptEntry {
	idx := 0
	return ScriptEntry{ToolCalls: []openai.ToolCall{{
		Index:    &idx,
		ID:       fmt.Sprintf("call_%d", callIDCounter.Add(1)),
		Type:     openai.ToolTypeFunction,
		Function: openai.FunctionCall{Name: name, Arguments: arguments},
	}}}
}

// NewMockLLM starts the mock endpoint. The caller owns Close.
func NewMockLLM() *MockLLM {
	m := &MockLLM{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", m.handleCompletion)
	m.srv = httptest.NewServer(mux)
	return m
}

// BaseURL is the value for the provider's baseUrl field.
func (m *MockLLM) BaseURL() string { return m.srv.URL + "/v1" }

// Close shuts the endpoint down.
func (m *MockLLM) Close() { m.srv.Close() }

// Add appends one scripted completion.
func (m *MockLLM) Add(entries ...ScriptEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
}

// AddText appends a plain text completion.
func (m *MockLLM) AddText(text string) {
	m.Add(ScriptEntry{Text: text})
}

// CallCount reports how many completion requests arrived.
func (m *MockLLM) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reqs)
}

// Request returns the i-th captured request.
func (m *MockLLM) Request(i int) openai.ChatCompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reqs[i]
}

func (m *MockLLM) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	entry := ScriptEntry{Status: http.StatusInternalServerError}
	scripted := m.next < len(m.entries)
	if scripted {
		entry = m.entries[m.next]
		m.next++
	}
	m.mu.Unlock()

	if entry.Status != 0 {
		msg := "scripted failure"
		if !scripted {
			msg = "mock llm: script exhausted"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(entry.Status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": msg, "type": "server_error"},
		})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fl, _ := w.(http.Flusher)

	send := func(choices []openai.ChatCompletionStreamChoice, usage *openai.Usage) {
		frame := openai.ChatCompletionStreamResponse{
			ID:      "chatcmpl-mock",
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Model:   req.Model,
			Choices: choices,
			Usage:   usage,
		}
		data, _ := json.Marshal(frame)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if fl != nil {
			fl.Flush()
		}
	}
	delta := func(d openai.ChatCompletionStreamChoiceDelta) {
		send([]openai.ChatCompletionStreamChoice{{Index: 0, Delta: d}}, nil)
	}

	if entry.Reasoning != "" {
		delta(openai.ChatCompletionStreamChoiceDelta{ReasoningContent: entry.Reasoning})
	}
	if entry.Text != "" {
		delta(openai.ChatCompletionStreamChoiceDelta{Content: entry.Text})
	}

	if entry.Hold != nil {
		if entry.OnHold != nil {
			close(entry.OnHold)
		}
		select {
		case <-entry.Hold:
		case <-r.Context().Done():
			// Client cancelled mid-stream; nothing more to send.
			return
		}
	}

	finish := openai.FinishReasonStop
	if len(entry.ToolCalls) > 0 {
		delta(openai.ChatCompletionStreamChoiceDelta{ToolCalls: entry.ToolCalls})
		finish = openai.FinishReasonToolCalls
	}
	send([]openai.ChatCompletionStreamChoice{{Index: 0, FinishReason: finish}}, nil)

	usage := entry.Usage
	if usage == nil {
		u := defaultUsage
		usage = &u
	}
	send(nil, usage)

	fmt.Fprint(w, "data: [DONE]\n\n")
	if fl != nil {
		fl.Flush()
	}
}
