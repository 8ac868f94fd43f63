package rpc

import "encoding/json"

// JSON-RPC 2.0 error codes used by the broker.
const (
	// CodeParseError indicates unparseable input.
	CodeParseError = -32700
	// CodeMethodNotFound covers unknown methods, unknown tools, and tool
	// execution failures.
	CodeMethodNotFound = -32601
	// CodeInternalError indicates an unexpected server-side fault.
	CodeInternalError = -32603
)

// Version is the JSON-RPC protocol version marker.
const Version = "2.0"

// Request is one incoming JSON-RPC message. A message without an id is a
// notification and receives no reply.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the message expects no reply.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is one outgoing JSON-RPC message. Exactly one of Result and
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the JSON-RPC error payload.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// initializeResult is the reply to the initialize method.
type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    capabilities `json:"capabilities"`
	ServerInfo      serverInfo   `json:"serverInfo"`
}

type capabilities struct {
	Tools struct{} `json:"tools"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// callParams are the parameters of a tools/call request.
type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}
