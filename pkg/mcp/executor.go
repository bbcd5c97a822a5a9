package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/praxis-works/praxis/pkg/tools"
)

// newServerTool bridges one remote MCP tool into the local registry under
// the "<server>_<tool>" name. Transport and timeout failures surface as Go
// errors so the control plane can retry them; tool-level failures stay in
// the result with IsError set, matching the MCP convention.
func (m *Manager) newServerTool(server string, tool *mcpsdk.Tool) *tools.Tool {
	remote := tool.Name
	return &tools.Tool{
		Name:        fmt.Sprintf("%s_%s", server, remote),
		Description: tool.Description,
		RawSchema:   marshalSchema(tool),
		Server:      server,
		Execute: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			result, err := m.CallTool(ctx, server, remote, args)
			if err != nil {
				return nil, err
			}
			content := TruncateOutput(extractTextContent(result), DefaultOutputMaxTokens)
			return &tools.Result{Content: content, IsError: result.IsError}, nil
		},
	}
}

// extractTextContent flattens a tool result's text blocks into one string.
// Non-text content blocks are noted in place rather than dropped silently.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	if result == nil {
		return ""
	}
	var parts []string
	for _, content := range result.Content {
		switch c := content.(type) {
		case *mcpsdk.TextContent:
			parts = append(parts, c.Text)
		default:
			parts = append(parts, fmt.Sprintf("[unsupported content type %T]", content))
		}
	}
	return strings.Join(parts, "\n")
}

// marshalSchema renders the advertised input schema as a JSON-Schema
// document, falling back to a permissive object schema when the server
// advertises none.
func marshalSchema(tool *mcpsdk.Tool) json.RawMessage {
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil || len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(`{"type":"object"}`)
	}
	return raw
}
