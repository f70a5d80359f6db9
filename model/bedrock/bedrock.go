// Package bedrock adapts the AWS Bedrock Converse API to the model.Provider
// contract. Tool schemas are carried as smithy documents, tool results travel
// in user messages, and assistant turns keep the native content blocks so
// tool_use ids survive loop turns. Bedrock has no "none" tool choice; that
// mode is expressed by omitting the tool configuration.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/genesis-fabric/genesis/agent/model"
	"github.com/genesis-fabric/genesis/memory"
)

// RuntimeClient captures the subset of the Bedrock runtime client used by the
// adapter. It is satisfied by *bedrockruntime.Client and by mocks in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the adapter.
type Options struct {
	Runtime      RuntimeClient
	DefaultModel string
}

// Provider implements model.Provider on top of Bedrock Converse.
type Provider struct {
	runtime RuntimeClient
	model   string
}

// New builds the adapter from the provided options.
func New(opts Options) (*Provider, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Provider{runtime: opts.Runtime, model: opts.DefaultModel}, nil
}

// NewFromConfig constructs the adapter from an AWS SDK config.
func NewFromConfig(cfg aws.Config, defaultModel string) (*Provider, error) {
	return New(Options{Runtime: bedrockruntime.NewFromConfig(cfg), DefaultModel: defaultModel})
}

// Complete issues one Converse call.
func (p *Provider) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, fmt.Errorf("%w: messages are required", model.ErrProvider)
	}
	modelID := req.Model
	if modelID == "" {
		modelID = p.model
	}
	conversation, system, err := encodeMessages(req.Messages)
	if err != nil {
		return model.Response{}, fmt.Errorf("%w: %v", model.ErrProvider, err)
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: conversation,
		System:   system,
	}
	if cfg := inferenceConfig(req.MaxTokens, req.Temperature); cfg != nil {
		input.InferenceConfig = cfg
	}
	if len(req.Tools) > 0 && req.ToolChoice != model.ToolChoiceNone {
		toolCfg, err := encodeTools(req.Tools, req.ToolChoice)
		if err != nil {
			return model.Response{}, err
		}
		input.ToolConfig = toolCfg
	}
	output, err := p.runtime.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w: converse: %v", model.ErrProvider, model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("%w: converse: %v", model.ErrProvider, err)
	}
	return translateResponse(output)
}

func isRateLimited(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests
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
// before tool results. Raw keeps the native content blocks so the tool_use
// blocks survive the round trip.
func (p *Provider) AssistantTurn(resp model.Response) model.Message {
	return model.Message{Role: model.RoleAssistant, Content: resp.Text, Raw: resp.Raw}
}

// ToolChoicePolicy reports auto: the model must always be able to produce a
// terminal text turn.
func (p *Provider) ToolChoicePolicy() model.ToolChoice { return model.ToolChoiceAuto }

// encodeMessages splits the conversation into the System blocks and the
// message list. Consecutive tool results collapse into one user turn because
// Converse expects tool_result blocks in the user message following the
// assistant's tool_use turn.
func encodeMessages(msgs []model.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	var system []brtypes.SystemContentBlock
	var pendingResults []brtypes.ContentBlock

	flushResults := func() {
		if len(pendingResults) == 0 {
			return
		}
		conversation = append(conversation, brtypes.Message{
			Role:    brtypes.ConversationRoleUser,
			Content: pendingResults,
		})
		pendingResults = nil
	}

	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
		case model.RoleTool:
			if m.ToolCallID == "" {
				return nil, nil, errors.New("tool result is missing its call id")
			}
			pendingResults = append(pendingResults, &brtypes.ContentBlockMemberToolResult{
				Value: brtypes.ToolResultBlock{
					ToolUseId: aws.String(m.ToolCallID),
					Content: []brtypes.ToolResultContentBlock{
						&brtypes.ToolResultContentBlockMemberText{Value: m.Content},
					},
				},
			})
		case model.RoleAssistant:
			flushResults()
			if native, ok := m.Raw.([]brtypes.ContentBlock); ok {
				conversation = append(conversation, brtypes.Message{
					Role:    brtypes.ConversationRoleAssistant,
					Content: native,
				})
				continue
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case model.RoleUser:
			flushResults()
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		default:
			return nil, nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	flushResults()
	return conversation, system, nil
}

func encodeTools(defs []model.ToolDefinition, choice model.ToolChoice) (*brtypes.ToolConfiguration, error) {
	toolList := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		doc, err := schemaDocument(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("%w: tool %q schema: %v", model.ErrProvider, def.Name, err)
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(def.Name),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: doc},
		}
		if def.Description != "" {
			spec.Description = aws.String(def.Description)
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	cfg := &brtypes.ToolConfiguration{Tools: toolList}
	switch choice {
	case "", model.ToolChoiceAuto:
		// Auto is the provider default; omit ToolChoice.
	case model.ToolChoiceRequired:
		cfg.ToolChoice = &brtypes.ToolChoiceMemberAny{Value: brtypes.AnyToolChoice{}}
	default:
		return nil, fmt.Errorf("%w: unsupported tool choice %q", model.ErrProvider, choice)
	}
	return cfg, nil
}

// schemaDocument converts a JSON Schema value into the smithy document form
// Converse expects. Raw JSON is decoded first so the document marshals as an
// object rather than a byte string.
func schemaDocument(schema any) (document.Interface, error) {
	if schema == nil {
		return document.NewLazyDocument(map[string]any{"type": "object"}), nil
	}
	if raw, ok := schema.(json.RawMessage); ok {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return document.NewLazyDocument(m), nil
	}
	return document.NewLazyDocument(schema), nil
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil {
		return nil
	}
	return data
}

func inferenceConfig(maxTokens int, temp float32) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	set := false
	if maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(maxTokens))
		set = true
	}
	if temp > 0 {
		cfg.Temperature = aws.Float32(temp)
		set = true
	}
	if !set {
		return nil
	}
	return &cfg
}

func translateResponse(output *bedrockruntime.ConverseOutput) (model.Response, error) {
	if output == nil {
		return model.Response{}, fmt.Errorf("%w: response is nil", model.ErrProvider)
	}
	resp := model.Response{StopReason: string(output.StopReason)}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		resp.Raw = msg.Value.Content
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				if v.Value == "" {
					continue
				}
				if resp.Text != "" {
					resp.Text += "\n"
				}
				resp.Text += v.Value
			case *brtypes.ContentBlockMemberToolUse:
				call := model.ToolCall{Arguments: string(decodeDocument(v.Value.Input))}
				if v.Value.ToolUseId != nil {
					call.ID = *v.Value.ToolUseId
				}
				if v.Value.Name != nil {
					call.Name = *v.Value.Name
				}
				if call.Arguments == "" {
					call.Arguments = "{}"
				}
				resp.ToolCalls = append(resp.ToolCalls, call)
			}
		}
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(aws.ToInt32(usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(usage.TotalTokens)),
		}
	}
	return resp, nil
}
