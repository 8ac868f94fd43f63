// Package wire defines the JSON frames exchanged with the browser agent
// over the socket connection.
//
// Every frame carries the schema version and a millisecond timestamp.
// Frames are discriminated by their "action" tag; unknown tags are rejected
// at decode time rather than falling through silently.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is the frame schema carried by every message.
const SchemaVersion = "1.0"

// Frame actions.
const (
	ActionAuthenticate = "authenticate"
	ActionAuthSuccess  = "auth-success"
	ActionSendPrompt   = "send-prompt"
	ActionChatResponse = "chat-response"
)

// Agent error codes carried by chat-response frames.
const (
	CodeSessionExpired       = "SESSION_EXPIRED"
	CodeLoginRequired        = "LOGIN_REQUIRED"
	CodeAuthenticationFailed = "AUTHENTICATION_FAILED"
	CodeNetworkError         = "NETWORK_ERROR"
	CodeUnknown              = "UNKNOWN"
)

// Frame is the interface implemented by every socket message.
type Frame interface {
	FrameAction() string
}

// Compile-time verification of the frame set.
var (
	_ Frame = (*Authenticate)(nil)
	_ Frame = (*AuthSuccess)(nil)
	_ Frame = (*SendPrompt)(nil)
	_ Frame = (*ChatResponse)(nil)
)

// Header is the envelope shared by all frames.
type Header struct {
	Schema    string `json:"schema"`
	Timestamp int64  `json:"timestamp"`
	Action    string `json:"action"`
}

// NewHeader stamps a header for an outgoing frame.
func NewHeader(action string) Header {
	return Header{
		Schema:    SchemaVersion,
		Timestamp: time.Now().UnixMilli(),
		Action:    action,
	}
}

// Authenticate is the first frame a client must send: agent → broker.
type Authenticate struct {
	Header
	Token string `json:"token"`
}

// FrameAction implements Frame.
func (*Authenticate) FrameAction() string { return ActionAuthenticate }

// AuthSuccess acknowledges a valid token: broker → agent.
type AuthSuccess struct {
	Header
	Message string `json:"message"`
}

// FrameAction implements Frame.
func (*AuthSuccess) FrameAction() string { return ActionAuthSuccess }

// PromptOptions carries the service-specific knobs of a prompt.
type PromptOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// SendPrompt delivers a prompt to the page agent: broker → agent only.
type SendPrompt struct {
	Header
	RequestID string         `json:"requestId"`
	Chatbot   string         `json:"chatbot"`
	Prompt    string         `json:"prompt"`
	Options   *PromptOptions `json:"options,omitempty"`
}

// FrameAction implements Frame.
func (*SendPrompt) FrameAction() string { return ActionSendPrompt }

// ChatResponse carries the page agent's answer: agent → broker.
type ChatResponse struct {
	Header
	RequestID string `json:"requestId"`
	Response  string `json:"response"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// FrameAction implements Frame.
func (*ChatResponse) FrameAction() string { return ActionChatResponse }

// Encode serializes a frame for the wire.
func Encode(frame Frame) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", frame.FrameAction(), err)
	}

	return data, nil
}

// Decode parses a raw frame, dispatching on the action tag.
// Frames with an unsupported schema version or an unknown action are
// rejected.
func Decode(data []byte) (Frame, error) {
	var head Header
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	if head.Schema != SchemaVersion {
		return nil, fmt.Errorf("unsupported frame schema %q", head.Schema)
	}

	switch head.Action {
	case ActionAuthenticate:
		var f Authenticate
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode %s frame: %w", head.Action, err)
		}

		return &f, nil

	case ActionAuthSuccess:
		var f AuthSuccess
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode %s frame: %w", head.Action, err)
		}

		return &f, nil

	case ActionSendPrompt:
		var f SendPrompt
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode %s frame: %w", head.Action, err)
		}

		return &f, nil

	case ActionChatResponse:
		var f ChatResponse
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode %s frame: %w", head.Action, err)
		}

		return &f, nil

	default:
		return nil, fmt.Errorf("unknown frame action %q", head.Action)
	}
}

// agentErrorMessages are the fixed caller-facing translations of the typed
// error codes an agent can report.
var agentErrorMessages = map[string]string{
	CodeSessionExpired:       "Your chat session has expired. Refresh the service tab in your browser and try again.",
	CodeLoginRequired:        "You are not logged in to the chat service. Log in in your browser and try again.",
	CodeAuthenticationFailed: "The chat service rejected the session. Re-authenticate in your browser and try again.",
	CodeNetworkError:         "The browser extension hit a network error talking to the chat service.",
	CodeUnknown:              "The browser extension reported an unknown error.",
}

// AgentErrorMessage maps a wire error code to its fixed human-readable
// message. Unrecognized codes get the UNKNOWN translation.
func AgentErrorMessage(code string) string {
	if msg, ok := agentErrorMessages[code]; ok {
		return msg
	}

	return agentErrorMessages[CodeUnknown]
}
