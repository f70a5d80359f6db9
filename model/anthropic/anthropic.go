// Package anthropic adapts the Claude Messages API to the model.Provider
// contract using github.com/anthropics/anthropic-sdk-go. System prompts are
// lifted into the dedicated System field, tool results are coalesced into a
// single user turn of tool_result blocks, and assistant turns keep the native
// Message so tool_use ids survive loop turns.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/genesis-fabric/genesis/agent/model"
	"github.com/genesis-fabric/genesis/memory"
)

// DefaultMaxTokens caps completions when the request does not set MaxTokens.
// The Messages API requires an explicit cap.
const DefaultMaxTokens = 1024

// MessagesClient captures the subset of the Anthropic SDK client used by the
// adapter. It is satisfied by *sdk.MessageService and by mocks in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the adapter.
type Options struct {
	Client       MessagesClient
	DefaultModel string
	// MaxTokens overrides DefaultMaxTokens for requests that do not set one.
	MaxTokens int
}

// Provider implements model.Provider on top of Claude Messages.
type Provider struct {
	msg    MessagesClient
	model  string
	maxTok int
}

// New builds the adapter from the provided options.
func New(opts Options) (*Provider, error) {
	if opts.Client == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = DefaultMaxTokens
	}
	return &Provider{msg: opts.Client, model: opts.DefaultModel, maxTok: maxTok}, nil
}

// NewFromAPIKey constructs the adapter with the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &ac.Messages, DefaultModel: defaultModel})
}

// Complete issues one Messages.New call.
func (p *Provider) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, fmt.Errorf("%w: messages are required", model.ErrProvider)
	}
	modelID := req.Model
	if modelID == "" {
		modelID = p.model
	}
	maxTok := req.MaxTokens
	if maxTok <= 0 {
		maxTok = p.maxTok
	}
	conversation, system, err := encodeMessages(req.Messages)
	if err != nil {
		return model.Response{}, fmt.Errorf("%w: %v", model.ErrProvider, err)
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTok),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return model.Response{}, fmt.Errorf("%w: %v", model.ErrProvider, err)
		}
		params.Tools = tools
		choice, err := encodeToolChoice(req.ToolChoice)
		if err != nil {
			return model.Response{}, err
		}
		params.ToolChoice = choice
	}
	msg, err := p.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w: messages.new: %v", model.ErrProvider, model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("%w: messages.new: %v", model.ErrProvider, err)
	}
	return translateResponse(msg)
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// FormatMessages builds the conversation: system prompt, retained history,
// current user message. The system turn is extracted back out by Complete.
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
// before tool results. Raw keeps the native message so the tool_use blocks
// survive the round trip.
func (p *Provider) AssistantTurn(resp model.Response) model.Message {
	return model.Message{Role: model.RoleAssistant, Content: resp.Text, Raw: resp.Raw}
}

// ToolChoicePolicy reports auto: the model must always be able to produce a
// terminal text turn.
func (p *Provider) ToolChoicePolicy() model.ToolChoice { return model.ToolChoiceAuto }

// encodeMessages splits the conversation into the System field and the
// message list. Consecutive tool results collapse into one user turn because
// the Messages API expects all tool_result blocks for an assistant turn in the
// following user message.
func encodeMessages(msgs []model.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam
	var pendingResults []sdk.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) == 0 {
			return
		}
		conversation = append(conversation, sdk.NewUserMessage(pendingResults...))
		pendingResults = nil
	}

	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case model.RoleTool:
			if m.ToolCallID == "" {
				return nil, nil, errors.New("tool result is missing its call id")
			}
			pendingResults = append(pendingResults, sdk.NewToolResultBlock(m.ToolCallID, m.Content, false))
		case model.RoleAssistant:
			flushResults()
			switch native := m.Raw.(type) {
			case *sdk.Message:
				conversation = append(conversation, native.ToParam())
			case sdk.MessageParam:
				conversation = append(conversation, native)
			default:
				conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
			}
		case model.RoleUser:
			flushResults()
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	flushResults()
	return conversation, system, nil
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		tools = append(tools, u)
	}
	return tools, nil
}

func toolInputSchema(schema any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var raw json.RawMessage
	switch v := schema.(type) {
	case json.RawMessage:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return sdk.ToolInputSchemaParam{}, err
		}
		raw = data
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func encodeToolChoice(choice model.ToolChoice) (sdk.ToolChoiceUnionParam, error) {
	switch choice {
	case "", model.ToolChoiceAuto:
		return sdk.ToolChoiceUnionParam{}, nil
	case model.ToolChoiceNone:
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}, nil
	case model.ToolChoiceRequired:
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, nil
	default:
		return sdk.ToolChoiceUnionParam{}, fmt.Errorf("%w: unsupported tool choice %q", model.ErrProvider, choice)
	}
}

func translateResponse(msg *sdk.Message) (model.Response, error) {
	if msg == nil {
		return model.Response{}, fmt.Errorf("%w: response message is nil", model.ErrProvider)
	}
	resp := model.Response{
		StopReason: string(msg.StopReason),
		Raw:        msg,
		Usage: model.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if resp.Text != "" && block.Text != "" {
				resp.Text += "\n"
			}
			resp.Text += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	return resp, nil
}
