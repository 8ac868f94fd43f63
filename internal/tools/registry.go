// Package tools registers the broker's MCP tools and routes tool calls
// into the request queue.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/duetai/chatbridge/internal/errors"
)

// Handler executes one tool call. Errors describing the outcome of the
// call belong in the result; a returned error means dispatch itself failed.
type Handler func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error)

type entry struct {
	tool    *mcp.Tool
	handler Handler
}

// Registry is a named collection of tools. Registration happens during
// startup; lookups and execution may run concurrently afterwards.
type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty tool registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:     log.With("component", "tools"),
		entries: make(map[string]entry),
	}
}

// Register adds a tool under its name. Registering the same name twice
// fails.
func (r *Registry) Register(tool *mcp.Tool, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[tool.Name]; exists {
		return fmt.Errorf("%w: %s", errors.ErrDuplicateTool, tool.Name)
	}

	r.entries[tool.Name] = entry{tool: tool, handler: handler}
	r.log.Debug("Registered tool", "name", tool.Name)

	return nil
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []*mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]*mcp.Tool, 0, len(r.entries))
	for _, e := range r.entries {
		tools = append(tools, e.tool)
	}

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	return tools
}

// Execute runs the named tool. Unknown names return ErrUnknownTool.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownTool, name)
	}

	return e.handler(ctx, args)
}

// TextResult creates a successful CallToolResult with text content.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// ErrorResult creates a CallToolResult flagged as an error. Tool failures
// flow back to the MCP client this way rather than as protocol errors.
func ErrorResult(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: message},
		},
		IsError: true,
	}
}
