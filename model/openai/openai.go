// Package openai adapts the OpenAI Chat Completions API to the model.Provider
// contract using github.com/sashabaranov/go-openai. Assistant turns keep the
// native ChatCompletionMessage so tool results correlate by call id across
// loop turns.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/genesis-fabric/genesis/agent/model"
	"github.com/genesis-fabric/genesis/memory"
)

// ChatClient captures the subset of the go-openai client used by the adapter.
// It is satisfied by *openai.Client and by mocks in tests.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Options configures the adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
}

// Provider implements model.Provider via OpenAI chat completions.
type Provider struct {
	chat  ChatClient
	model string
}

// New builds the adapter from the provided options.
func New(opts Options) (*Provider, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Provider{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs the adapter with the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

// Complete issues one chat completion.
func (p *Provider) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, fmt.Errorf("%w: messages are required", model.ErrProvider)
	}
	modelID := req.Model
	if modelID == "" {
		modelID = p.model
	}
	request := openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    encodeMessages(req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Tools:       encodeTools(req.Tools),
	}
	if len(req.Tools) > 0 {
		switch req.ToolChoice {
		case "", model.ToolChoiceAuto:
			// Auto is the provider default; omit the field.
		case model.ToolChoiceNone:
			request.ToolChoice = "none"
		case model.ToolChoiceRequired:
			request.ToolChoice = "required"
		default:
			return model.Response{}, fmt.Errorf("%w: unsupported tool choice %q", model.ErrProvider, req.ToolChoice)
		}
	}
	response, err := p.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w: chat completion: %v", model.ErrProvider, model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("%w: chat completion: %v", model.ErrProvider, err)
	}
	return translateResponse(response), nil
}

func isRateLimited(err error) bool {
	var apiErr *openai.APIError
	return errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests
}

// FormatMessages builds the conversation: system prompt, retained history,
// current user message.
func (p *Provider) FormatMessages(user, system string, history []memory.Item) []model.Message {
	msgs := make([]model.Message, 0, len(history)+2)
	if system != "" {
		msgs = append(msgs, model.Message{Role: model.RoleSystem, Content: system})
	}
	for _, it := range history {
		msgs = append(msgs, model.Message{Role: string(it.Role), Content: it.Content})
	}
	return append(msgs, model.Message{Role: model.RoleUser, Content: user})
}

// ToolCalls returns the tool invocations requested by the response.
func (p *Provider) ToolCalls(resp model.Response) []model.ToolCall { return resp.ToolCalls }

// Text returns the assistant text of the response.
func (p *Provider) Text(resp model.Response) string { return resp.Text }

// AssistantTurn converts the response into the conversation message to append
// before tool results. Raw keeps the native message so the tool_calls field
// survives the round trip.
func (p *Provider) AssistantTurn(resp model.Response) model.Message {
	return model.Message{Role: model.RoleAssistant, Content: resp.Text, Raw: resp.Raw}
}

// ToolChoicePolicy reports auto: the model must always be able to produce a
// terminal text turn.
func (p *Provider) ToolChoicePolicy() model.ToolChoice { return model.ToolChoiceAuto }

func encodeMessages(msgs []model.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		if native, ok := m.Raw.(openai.ChatCompletionMessage); ok {
			out = append(out, native)
			continue
		}
		cm := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
		if m.Role == model.RoleTool {
			cm.ToolCallID = m.ToolCallID
		}
		out = append(out, cm)
	}
	return out
}

func encodeTools(defs []model.ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		params, err := json.Marshal(def.InputSchema)
		if err != nil {
			continue
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return tools
}

func translateResponse(resp openai.ChatCompletionResponse) model.Response {
	out := model.Response{
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Text = choice.Message.Content
	out.StopReason = string(choice.FinishReason)
	out.Raw = choice.Message
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return out
}
