// Package mcputil holds the small pieces every attestd MCP tool needs:
// reading loosely typed JSON arguments and building tool results.
package mcputil

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Args is a decoded tool argument object. Lookups of absent or mistyped
// keys return the zero value or the supplied default.
type Args map[string]any

// ParseArgs decodes the request arguments. Malformed input yields an empty Args.
func ParseArgs(req *mcp.CallToolRequest) Args {
	a := Args{}
	if req != nil && req.Params != nil && len(req.Params.Arguments) > 0 {
		_ = json.Unmarshal(req.Params.Arguments, &a)
	}
	return a
}

// String returns the string at key, or "".
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// Int returns the positive integer at key, or def. JSON numbers arrive as
// float64 and are truncated.
func (a Args) Int(key string, def int) int {
	if f, ok := a[key].(float64); ok && f > 0 {
		return int(f)
	}
	return def
}

// Time parses an RFC 3339 string at key. An absent key is the zero time.
func (a Args) Time(key string) (time.Time, error) {
	s := a.String(key)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: want RFC 3339", key, s)
	}
	return t, nil
}

// Duration parses a Go duration string at key, or returns def when absent.
func (a Args) Duration(key string, def time.Duration) (time.Duration, error) {
	s := a.String(key)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, s)
	}
	return d, nil
}

// JSONResult renders v as indented JSON text content.
func JSONResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}, nil
}

// ErrorResult is a tool-level error the model can read and act on.
func ErrorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}
