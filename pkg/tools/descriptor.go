// Package tools holds the tool registry and the execution control plane.
//
// Every tool invocation passes through four layered concerns, outermost
// first: recovery policy, retry, timeout, and a per-tool concurrency slot.
// Waiting for a slot is bounded by its own acquire budget so queue time
// never eats into the running attempt's timeout. Outcomes feed a rolling
// metrics window and the recovery manager's failure history.
package tools

import (
	"context"
	"encoding/json"
)

// ExecuteFunc runs a tool. Implementations must honor ctx cancellation;
// the control plane cancels it on timeout and interrupt.
type ExecuteFunc func(ctx context.Context, args map[string]any) (*Result, error)

// InitFunc optionally prepares a tool before first use.
type InitFunc func(ctx context.Context) error

// Tool describes a named callable. Exactly one of Schema or RawSchema
// should be set: Schema for locally defined tools, RawSchema for
// JSON-Schema documents advertised by MCP servers.
type Tool struct {
	Name        string
	Description string
	Schema      *Schema
	RawSchema   json.RawMessage
	Execute     ExecuteFunc
	Init        InitFunc

	// Server is the owning MCP server id for prefixed tools, empty for
	// local tools.
	Server string
}

// ParametersJSON renders the tool's parameter schema as a JSON-Schema
// document for provider tool definitions.
func (t *Tool) ParametersJSON() json.RawMessage {
	if len(t.RawSchema) > 0 {
		return t.RawSchema
	}
	if t.Schema != nil {
		raw, err := json.Marshal(t.Schema.JSONSchema())
		if err == nil {
			return raw
		}
	}
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

// Result is a tool outcome. IsError carries tool-level failures as content
// rather than Go errors, matching the MCP convention.
type Result struct {
	Content string
	IsError bool
}
