package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/duetai/chatbridge/internal/errors"
)

// Queue service names, one per chat tool.
const (
	ServiceGemini  = "chat_gemini"
	ServiceChatGPT = "chat_chatgpt"
)

// Services lists every queue service the chat tools dispatch to.
var Services = []string{ServiceGemini, ServiceChatGPT}

// ChatbotName maps a queue service to the chatbot identifier the browser
// agent expects on the wire.
func ChatbotName(service string) string {
	switch service {
	case ServiceGemini:
		return "gemini"
	case ServiceChatGPT:
		return "chatgpt"
	default:
		return service
	}
}

// Gemini model selection. The default is applied when the caller omits
// the model argument.
const DefaultGeminiModel = "gemini-2.5-flash"

var geminiModels = []any{
	"gemini-2.5-flash",
	"gemini-1.5-pro",
	"gemini-1.5-flash",
	"gemini-1.0-pro",
}

// DefaultTemperature is applied when the caller omits temperature.
const DefaultTemperature = 0.7

// PromptQueue is the queue surface the chat tools submit to. Add blocks
// until the request reaches a terminal state and returns the response text.
type PromptQueue interface {
	Add(ctx context.Context, service, prompt string, options map[string]any, requestID string) (string, error)
}

// AgentGateway reports whether an authenticated browser agent is reachable.
type AgentGateway interface {
	AuthenticatedCount() int
}

// chatTool binds one tool definition to its queue service and resolved
// argument schema.
type chatTool struct {
	log     *slog.Logger
	queue   PromptQueue
	agents  AgentGateway
	service string
	schema  *jsonschema.Resolved
}

// RegisterChatTools registers chat_gemini and chat_chatgpt on the registry.
func RegisterChatTools(log *slog.Logger, registry *Registry, queue PromptQueue, agents AgentGateway) error {
	definitions := []struct {
		service     string
		description string
		schema      *jsonschema.Schema
	}{
		{
			service:     ServiceGemini,
			description: "Send a prompt to Google Gemini through the connected browser session and return its reply",
			schema:      geminiSchema(),
		},
		{
			service:     ServiceChatGPT,
			description: "Send a prompt to ChatGPT through the connected browser session and return its reply",
			schema:      chatgptSchema(),
		},
	}

	for _, def := range definitions {
		resolved, err := def.schema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("resolve %s schema: %w", def.service, err)
		}

		handler := &chatTool{
			log:     log.With("tool", def.service),
			queue:   queue,
			agents:  agents,
			service: def.service,
			schema:  resolved,
		}

		tool := &mcp.Tool{
			Name:        def.service,
			Description: def.description,
			InputSchema: def.schema,
		}

		if err := registry.Register(tool, handler.handle); err != nil {
			return err
		}
	}

	return nil
}

// handle validates the arguments, queues the prompt, and waits for the
// agent's reply. All failures surface as error results, never as protocol
// errors.
func (t *chatTool) handle(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error) {
	// Without an authenticated agent the prompt can never be delivered,
	// so fail before occupying a queue slot.
	if t.agents.AuthenticatedCount() == 0 {
		return ErrorResult(errors.ErrNoAgentConnected.Error()), nil
	}

	parsed, verr := t.parseArgs(args)
	if verr != nil {
		t.log.Warn("Rejected tool arguments", "error", verr)

		return ErrorResult(verr.Error()), nil
	}

	prompt := parsed["prompt"].(string)

	options := t.buildOptions(parsed)

	response, err := t.queue.Add(ctx, t.service, prompt, options, "")
	if err != nil {
		t.log.Warn("Chat request failed", "error", err)

		return ErrorResult(err.Error()), nil
	}

	return TextResult(response), nil
}

// parseArgs decodes and schema-validates the raw arguments.
func (t *chatTool) parseArgs(args json.RawMessage) (map[string]any, error) {
	parsed := map[string]any{}

	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &parsed); err != nil {
			return nil, &errors.ValidationError{
				Messages: []string{"arguments must be a JSON object"},
			}
		}
	}

	if err := t.schema.Validate(parsed); err != nil {
		return nil, &errors.ValidationError{Messages: []string{err.Error()}}
	}

	return parsed, nil
}

// buildOptions extracts the per-request generation options, filling
// defaults the agent side expects to be explicit.
func (t *chatTool) buildOptions(parsed map[string]any) map[string]any {
	if t.service != ServiceGemini {
		return nil
	}

	options := map[string]any{
		"temperature": DefaultTemperature,
		"model":       DefaultGeminiModel,
	}

	if temp, ok := parsed["temperature"].(float64); ok {
		options["temperature"] = temp
	}

	if model, ok := parsed["model"].(string); ok {
		options["model"] = model
	}

	return options
}

func geminiSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"prompt": {
				Type:        "string",
				Description: "The prompt to send to Gemini",
			},
			"temperature": {
				Type:        "number",
				Description: "Sampling temperature between 0 and 1",
				Minimum:     ptr(0.0),
				Maximum:     ptr(1.0),
			},
			"model": {
				Type:        "string",
				Description: "Gemini model to use",
				Enum:        geminiModels,
			},
		},
		Required:             []string{"prompt"},
		AdditionalProperties: falseSchema(),
	}
}

func chatgptSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"prompt": {
				Type:        "string",
				Description: "The prompt to send to ChatGPT",
			},
		},
		Required:             []string{"prompt"},
		AdditionalProperties: falseSchema(),
	}
}

// falseSchema matches nothing, rejecting properties outside the declared
// set.
func falseSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Not: &jsonschema.Schema{}}
}

func ptr(f float64) *float64 { return &f }
