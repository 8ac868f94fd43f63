package rpc

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/duetai/chatbridge/internal/config"
	"github.com/duetai/chatbridge/internal/errors"
)

// ToolRegistry is the tool surface the server dispatches to.
// Satisfied by *tools.Registry; narrowed for testing with mocks.
type ToolRegistry interface {
	List() []*mcp.Tool
	Execute(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error)
}

// Server dispatches JSON-RPC methods to the handshake state and the tool
// registry.
type Server struct {
	log      *slog.Logger
	proto    *protocol
	registry ToolRegistry

	mu          sync.Mutex
	initialized bool

	wg sync.WaitGroup
}

// NewServer creates an RPC server reading requests from in and writing
// responses to out.
func NewServer(log *slog.Logger, in io.Reader, out io.Writer, registry ToolRegistry) *Server {
	log = log.With("component", "rpc")

	return &Server{
		log:      log,
		proto:    newProtocol(log, in, out),
		registry: registry,
	}
}

// Serve reads one request per line until the input stream closes, then
// waits for in-flight tool calls to finish. The returned error is nil on a
// clean EOF.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info("RPC server ready")

	for {
		line, err := s.proto.readLine()
		if err != nil {
			s.wg.Wait()

			if err == io.EOF {
				s.log.Info("Input stream closed")

				return nil
			}

			return err
		}

		s.handleLine(ctx, line)
	}
}

// Initialized reports whether the initialized notification has arrived.
func (s *Server) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.initialized
}

// handleLine parses and dispatches one input line.
func (s *Server) handleLine(ctx context.Context, line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil || req.Method == "" {
		// A parse-error reply is only possible when an id survives in
		// the raw text; otherwise the line is dropped.
		if id := recoverID(line); id != nil {
			s.log.Warn("Unparseable request line", "error", err)
			s.proto.writeError(id, CodeParseError, "Parse error", nil)

			return
		}

		s.log.Warn("Dropping unparseable line without id")

		return
	}

	if req.IsNotification() {
		s.handleNotification(&req)

		return
	}

	s.handleRequest(ctx, &req)
}

func (s *Server) handleNotification(req *Request) {
	switch req.Method {
	case "initialized", "notifications/initialized":
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()

		s.log.Info("Handshake complete")

	default:
		s.log.Warn("Unknown notification method", "method", req.Method)
	}
}

func (s *Server) handleRequest(ctx context.Context, req *Request) {
	switch req.Method {
	case "initialize":
		s.handleInitialize(req)

	case "tools/list":
		s.handleToolsList(req)

	case "tools/call":
		// Tool calls block on the queue; run them off the read loop so
		// multiple prompts can be in flight.
		s.wg.Add(1)

		go func() {
			defer s.wg.Done()

			// A panicking handler must not take the process down; the
			// caller still gets a structured execution-failure reply.
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("Tool call panicked", "panic", r)
					s.proto.writeError(req.ID, CodeMethodNotFound,
						"Tool execution failed", fmt.Sprint(r))
				}
			}()

			s.handleToolsCall(ctx, req)
		}()

	default:
		s.log.Warn("Unknown method", "method", req.Method)
		s.proto.writeError(req.ID, CodeMethodNotFound, "Method not found",
			"Unknown method: "+req.Method)
	}
}

// handleInitialize answers the handshake request. Idempotent; always
// succeeds.
func (s *Server) handleInitialize(req *Request) {
	s.log.Info("Handling initialize request")

	result := initializeResult{
		ProtocolVersion: config.MCPProtocolVersion,
		ServerInfo: serverInfo{
			Name:    config.ServerName,
			Version: config.ServerVersion,
		},
	}

	s.reply(req.ID, result)
}

func (s *Server) handleToolsList(req *Request) {
	tools := s.registry.List()

	s.reply(req.ID, map[string]any{"tools": tools})
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) {
	var params callParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		s.proto.writeError(req.ID, CodeInternalError, "Internal error",
			"invalid tools/call params")

		return
	}

	s.log.Info("Dispatching tool call", "tool", params.Name)

	result, err := s.registry.Execute(ctx, params.Name, params.Arguments)
	if err != nil {
		// Unknown tools and dispatch failures are both surfaced as
		// execution failures, never raw.
		message := "Tool execution failed"
		if stderrors.Is(err, errors.ErrUnknownTool) {
			message = "Tool not found"
		}

		s.log.Warn("Tool call failed", "tool", params.Name, "error", err)
		s.proto.writeError(req.ID, CodeMethodNotFound, message, err.Error())

		return
	}

	s.reply(req.ID, result)
}

func (s *Server) reply(id json.RawMessage, result any) {
	resp := &Response{
		JSONRPC: Version,
		ID:      id,
		Result:  result,
	}

	if err := s.proto.writeResponse(resp); err != nil {
		s.log.Error("Failed to write response", "error", err)
	}
}
