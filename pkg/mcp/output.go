package mcp

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// charsPerToken is the approximate number of characters per token for
// English text. Threshold estimation only, not exact token counting.
const charsPerToken = 4

// DefaultOutputMaxTokens bounds what a single tool result may occupy in
// the conversation. Oversized outputs are cut at a line boundary with a
// marker noting the original size.
const DefaultOutputMaxTokens = 8000

// EstimateTokens returns an approximate token count using the ~4 chars per
// token heuristic. len() counts bytes, so multi-byte UTF-8 content
// overestimates slightly; truncating early is the safe direction.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// TruncateOutput cuts content down to maxTokens, preferring a newline
// boundary so indented JSON, YAML, and log output keep whole lines. A
// non-positive maxTokens falls back to DefaultOutputMaxTokens.
func TruncateOutput(content string, maxTokens int) string {
	if maxTokens <= 0 {
		maxTokens = DefaultOutputMaxTokens
	}
	maxChars := maxTokens * charsPerToken
	if len(content) <= maxChars {
		return content
	}

	// Never split a multi-byte UTF-8 character.
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	truncated := content[:cut]
	if idx := strings.LastIndex(truncated, "\n"); idx > maxChars/2 {
		truncated = truncated[:idx]
	}
	return truncated + fmt.Sprintf(
		"\n\n[output truncated: original size %s, limit %s]",
		formatSize(len(content)), formatSize(maxChars),
	)
}

// formatSize returns a human-readable size string. Bytes under 1KB print
// as bytes to avoid confusing "0KB" output.
func formatSize(bytes int) string {
	if bytes < 1024 {
		return fmt.Sprintf("%dB", bytes)
	}
	return fmt.Sprintf("%dKB", bytes/1024)
}
