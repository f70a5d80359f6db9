// Package model provides the provider-agnostic abstraction over chat
// completion APIs (OpenAI, Anthropic, Bedrock) used by the agent loop.
// Implementations translate these normalized types into provider-specific
// formats, so the orchestrator never couples to an SDK.
package model

import (
	"context"
	"errors"

	"github.com/genesis-fabric/genesis/memory"
)

// ErrProvider wraps any failure surfaced by a model backend. Callers match it
// with errors.Is and treat it as fatal for the current request.
var ErrProvider = errors.New("model: provider failure")

// ErrRateLimited marks provider failures caused by rate limiting. Adapters
// wrap 429 and throttling responses with it so middleware can back off.
var ErrRateLimited = errors.New("model: rate limited")

// Role values used in normalized messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolChoice selects how the provider is asked to use tools.
type ToolChoice string

const (
	// ToolChoiceAuto lets the model decide between text and tool calls. The
	// agent loop requests auto on every turn, including the last one.
	ToolChoiceAuto ToolChoice = "auto"
	// ToolChoiceNone forbids tool calls.
	ToolChoiceNone ToolChoice = "none"
	// ToolChoiceRequired forces the model to call a tool.
	ToolChoiceRequired ToolChoice = "required"
)

type (
	// Provider is the contract the agent loop uses to invoke models.
	// Implementations wrap provider SDKs and must be safe for concurrent use
	// across requests.
	Provider interface {
		// Complete sends a chat completion request and returns the generated
		// response. Tool definitions are encoded into the provider wire format
		// inside the call. Failures are wrapped with ErrProvider.
		Complete(ctx context.Context, req Request) (Response, error)

		// FormatMessages builds the provider-shaped conversation: optional
		// system prompt, the retained history (user/assistant items only),
		// then the current user message.
		FormatMessages(user, system string, history []memory.Item) []Message

		// ToolCalls extracts the tool invocations requested by the response.
		// Empty when the model produced a final text answer.
		ToolCalls(resp Response) []ToolCall

		// Text extracts the assistant text from the response. Empty when the
		// model only requested tools.
		Text(resp Response) string

		// AssistantTurn converts the response into the assistant message that
		// must be appended to the conversation before tool results. The
		// returned message carries the provider-native value in Raw so tool
		// result messages correlate by call id on the next turn.
		AssistantTurn(resp Response) Message

		// ToolChoicePolicy reports the tool choice the adapter applies when
		// tools are present in the request.
		ToolChoicePolicy() ToolChoice
	}

	// Request captures the normalized parameters for one model invocation.
	Request struct {
		// Model is the provider-specific model identifier. Empty means the
		// adapter default.
		Model string

		// Messages is the ordered conversation, system prompt first.
		Messages []Message

		// Tools describes the tool schemas exposed for function calling.
		// Empty disables tool calling for the turn.
		Tools []ToolDefinition

		// ToolChoice applies when Tools is non-empty. Zero value means the
		// adapter's ToolChoicePolicy.
		ToolChoice ToolChoice

		// Temperature controls sampling. Zero means the provider default.
		Temperature float32

		// MaxTokens caps completion tokens. Zero means the provider default.
		MaxTokens int
	}

	// Response wraps the provider reply. Adapters keep the provider-native
	// value in Raw; the loop only reads it through the Provider accessors.
	Response struct {
		// Text is the assistant text, when any.
		Text string

		// ToolCalls lists requested tool invocations, in provider order.
		ToolCalls []ToolCall

		// StopReason is the provider-specific stop reason, when reported.
		StopReason string

		// Usage reports token counts when the provider reports them.
		Usage TokenUsage

		// Raw is the provider-native response message, used by AssistantTurn
		// to preserve call-id correlation across turns.
		Raw any
	}

	// Message is a normalized chat message.
	Message struct {
		// Role is one of the Role constants.
		Role string

		// Content is the message text. Empty for pure tool-call turns.
		Content string

		// ToolCallID links a tool result back to the call that produced it.
		// Set on RoleTool messages only.
		ToolCallID string

		// Raw carries the provider-native message when the normalized fields
		// cannot represent it, notably assistant turns with tool calls.
		// Adapters that set Raw must honor it when encoding the request.
		Raw any
	}

	// ToolDefinition describes one tool schema passed to the provider.
	ToolDefinition struct {
		// Name is the identifier presented to the model. Providers restrict
		// it to alphanumerics and underscores.
		Name string

		// Description documents the tool for prompting purposes.
		Description string

		// InputSchema is the JSON Schema object describing the parameters,
		// as a map[string]any or json.RawMessage.
		InputSchema any
	}

	// ToolCall is one tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider call id, echoed back on the result message.
		ID string

		// Name identifies the tool, matching a ToolDefinition.Name.
		Name string

		// Arguments is the raw JSON argument object generated by the model.
		Arguments string
	}

	// TokenUsage records token counts when the provider reports them.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}
)

// ToolResult builds the normalized tool result message for a call.
func ToolResult(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID}
}
