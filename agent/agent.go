// Package agent implements the provider-agnostic request orchestrator: it
// composes the tool set from internal tools, discovered peer agents, and
// advertised functions, runs the bounded multi-turn tool loop against a model
// provider, and records the conversation in the memory store.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/genesis-fabric/genesis/advert"
	"github.com/genesis-fabric/genesis/agent/model"
	"github.com/genesis-fabric/genesis/comm"
	"github.com/genesis-fabric/genesis/fabric/pulse"
	"github.com/genesis-fabric/genesis/memory"
	"github.com/genesis-fabric/genesis/registry"
	"github.com/genesis-fabric/genesis/rpc"
	"github.com/genesis-fabric/genesis/telemetry"
)

const (
	// DefaultMaxTurns bounds the tool loop.
	DefaultMaxTurns = 5
	// DefaultAgentCallTimeout bounds peer-agent tool calls.
	DefaultAgentCallTimeout = 25 * time.Second
	// DefaultFunctionCallTimeout bounds function tool calls.
	DefaultFunctionCallTimeout = 15 * time.Second

	// DefaultGeneralPrompt is used when the composed tool set is empty.
	DefaultGeneralPrompt = "You are a helpful assistant. Answer the user directly and concisely."
	// DefaultFunctionPrompt is used when tools are available.
	DefaultFunctionPrompt = "You are a helpful assistant with access to tools. " +
		"Use a tool when it helps answer the request, then reply to the user with the result. " +
		"When no tool applies, answer directly."
)

// ErrLoopExhausted reports that the tool loop hit its turn bound without a
// terminal text response.
var ErrLoopExhausted = errors.New("agent: tool loop exhausted")

// ErrEmptyResponse reports a model turn that produced neither text nor tool
// calls.
var ErrEmptyResponse = errors.New("agent: model returned an empty response")

type (
	// Config carries the agent identity and loop tuning.
	Config struct {
		// Name is the human-readable agent name.
		Name string
		// Endpoint is the base RPC endpoint name advertised for this agent.
		Endpoint string
		// Specializations and Capabilities are advertised verbatim;
		// capabilities also drive peer-tool name synthesis on other agents.
		Specializations []string
		Capabilities    []string
		// Description is the advertised free-text description.
		Description string
		// Model, Temperature and MaxTokens pass through to the provider.
		Model       string
		Temperature float32
		MaxTokens   int
		// MaxTurns bounds the tool loop. Defaults to DefaultMaxTurns.
		MaxTurns int
		// AgentCallTimeout bounds peer-agent tool calls.
		AgentCallTimeout time.Duration
		// FunctionCallTimeout bounds function tool calls.
		FunctionCallTimeout time.Duration
		// ContextWindow caps the memory items rebuilt into context.
		// Defaults to memory.DefaultContextWindow.
		ContextWindow int
		// GeneralPrompt and FunctionPrompt override the default system
		// prompts.
		GeneralPrompt  string
		FunctionPrompt string
	}

	// Options carries the injected dependencies.
	Options struct {
		Config    Config
		Provider  model.Provider
		Memory    memory.Store
		Client    pulse.Client
		Bus       *advert.Bus
		Functions *registry.Functions
		Agents    *comm.Agents
		Logger    telemetry.Logger
	}

	// Agent is the orchestrator. One Agent serves one advertised endpoint and
	// processes requests concurrently; each request owns its own context and
	// message slice, so no lock is held across model or RPC calls.
	Agent struct {
		cfg       Config
		provider  model.Provider
		mem       memory.Store
		client    pulse.Client
		bus       *advert.Bus
		functions *registry.Functions
		agents    *comm.Agents
		log       telemetry.Logger
		schemas   *schemaCache

		mu          sync.Mutex
		internal    map[string]internalTool
		internalRev int
		requesters  map[string]*rpc.Requester
		closed      bool
	}

	// requestContext is the per-request loop state.
	requestContext struct {
		conversationID string
		messages       []model.Message
		tools          toolset
		turns          int
		lastText       string
	}
)

// New validates the options and returns an Agent. The agent does not serve
// its endpoint until Start is called.
func New(opts Options) (*Agent, error) {
	if opts.Provider == nil {
		return nil, errors.New("provider is required")
	}
	if opts.Memory == nil {
		return nil, errors.New("memory store is required")
	}
	if opts.Client == nil {
		return nil, errors.New("fabric client is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("advertisement bus is required")
	}
	if opts.Functions == nil {
		return nil, errors.New("function registry is required")
	}
	if opts.Agents == nil {
		return nil, errors.New("agent directory is required")
	}
	cfg := opts.Config
	if cfg.Name == "" {
		return nil, errors.New("agent name is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("agent endpoint is required")
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.AgentCallTimeout <= 0 {
		cfg.AgentCallTimeout = DefaultAgentCallTimeout
	}
	if cfg.FunctionCallTimeout <= 0 {
		cfg.FunctionCallTimeout = DefaultFunctionCallTimeout
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = memory.DefaultContextWindow
	}
	if cfg.GeneralPrompt == "" {
		cfg.GeneralPrompt = DefaultGeneralPrompt
	}
	if cfg.FunctionPrompt == "" {
		cfg.FunctionPrompt = DefaultFunctionPrompt
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Agent{
		cfg:        cfg,
		provider:   opts.Provider,
		mem:        opts.Memory,
		client:     opts.Client,
		bus:        opts.Bus,
		functions:  opts.Functions,
		agents:     opts.Agents,
		log:        logger,
		schemas:    newSchemaCache(),
		internal:   make(map[string]internalTool),
		requesters: make(map[string]*rpc.Requester),
	}, nil
}

// GUID returns the agent's fabric participant id.
func (a *Agent) GUID() string { return a.bus.GUID() }

// Name returns the configured agent name.
func (a *Agent) Name() string { return a.cfg.Name }

// Start serves the agent endpoint and advertises the agent on the bus.
func (a *Agent) Start(ctx context.Context) error {
	return a.ServeWith(ctx, a.ProcessRequest)
}

// ServeWith serves the agent endpoint with a custom handler. Wrappers such as
// the monitoring layer use it to interpose on served requests while the
// advertisement stays identical.
func (a *Agent) ServeWith(ctx context.Context, handler comm.Handler) error {
	return a.agents.Serve(ctx, advert.AgentPayload{
		Name:            a.cfg.Name,
		Endpoint:        a.cfg.Endpoint,
		Specializations: a.cfg.Specializations,
		Capabilities:    a.cfg.Capabilities,
		Description:     a.cfg.Description,
	}, handler)
}

// Close releases the function requesters. The advertisement and the replier
// belong to the comm layer and are released by its Close.
func (a *Agent) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	reqs := make([]*rpc.Requester, 0, len(a.requesters))
	for _, r := range a.requesters {
		reqs = append(reqs, r)
	}
	a.requesters = make(map[string]*rpc.Requester)
	a.mu.Unlock()

	var errs []error
	for _, r := range reqs {
		if err := r.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ProcessRequest runs the request pipeline: compose tools, pick the system
// prompt, record the user turn, then either answer in a single model call
// (no tools) or run the bounded tool loop.
func (a *Agent) ProcessRequest(ctx context.Context, req comm.AgentRequest) comm.AgentReply {
	rc := &requestContext{conversationID: req.ConversationID}
	if rc.conversationID == "" {
		rc.conversationID = uuid.NewString()
	}
	rc.tools = a.composeToolset()

	prompt := a.cfg.FunctionPrompt
	if len(rc.tools.defs) == 0 {
		prompt = a.cfg.GeneralPrompt
	}

	a.record(ctx, rc.conversationID, memory.Item{Role: memory.RoleUser, Content: req.Message, Time: time.Now()})

	history := a.history(ctx, rc.conversationID, req.Message)
	rc.messages = a.provider.FormatMessages(req.Message, prompt, history)

	if len(rc.tools.defs) == 0 {
		return a.completeOnce(ctx, rc)
	}
	return a.toolLoop(ctx, rc)
}

// completeOnce is the no-tool path: one model call, text out.
func (a *Agent) completeOnce(ctx context.Context, rc *requestContext) comm.AgentReply {
	resp, err := a.provider.Complete(ctx, a.request(rc.messages, nil))
	if err != nil {
		a.log.Error(ctx, "model call failed", "conversation_id", rc.conversationID, "err", err)
		return comm.AgentReply{Message: "The model provider failed to answer: " + err.Error(), Status: rpc.StatusError}
	}
	text := a.provider.Text(resp)
	a.record(ctx, rc.conversationID, memory.Item{Role: memory.RoleAssistant, Content: text, Time: time.Now()})
	return comm.AgentReply{Message: text, Status: rpc.StatusOK}
}

// Loop states.
const (
	stateThinking = iota
	stateExecuting
	stateDone
	stateFailed
)

// toolLoop runs the multi-turn state machine. Tool choice stays on the
// provider's auto policy every turn so the model can always produce a
// terminal text answer; forcing tool use would make the loop inescapable.
func (a *Agent) toolLoop(ctx context.Context, rc *requestContext) comm.AgentReply {
	var pending []model.ToolCall
	state := stateThinking
	for {
		switch state {
		case stateThinking:
			resp, err := a.provider.Complete(ctx, a.request(rc.messages, rc.tools.defs))
			if err != nil {
				a.log.Error(ctx, "model call failed", "conversation_id", rc.conversationID, "turn", rc.turns, "err", err)
				return comm.AgentReply{Message: "The model provider failed to answer: " + err.Error(), Status: rpc.StatusError}
			}
			if text := a.provider.Text(resp); text != "" {
				rc.lastText = text
			}
			calls := a.provider.ToolCalls(resp)
			if len(calls) == 0 {
				if rc.lastText == "" {
					a.log.Error(ctx, "model returned empty response", "conversation_id", rc.conversationID, "turn", rc.turns, "err", ErrEmptyResponse)
					return comm.AgentReply{Message: "The model returned an empty response.", Status: rpc.StatusError}
				}
				a.record(ctx, rc.conversationID, memory.Item{Role: memory.RoleAssistant, Content: rc.lastText, Time: time.Now()})
				state = stateDone
				continue
			}
			rc.messages = append(rc.messages, a.provider.AssistantTurn(resp))
			a.record(ctx, rc.conversationID, memory.Item{
				Role:        memory.RoleAssistantTool,
				Content:     a.provider.Text(resp),
				ToolCallRef: callIDs(calls),
				Time:        time.Now(),
			})
			pending = calls
			state = stateExecuting

		case stateExecuting:
			// Tool responses keep the order of the calls that produced them.
			for _, call := range pending {
				content := a.routeToolCall(ctx, rc, call)
				rc.messages = append(rc.messages, model.ToolResult(call.ID, content))
				a.record(ctx, rc.conversationID, memory.Item{
					Role:        memory.RoleTool,
					Content:     content,
					ToolCallRef: call.ID,
					Time:        time.Now(),
				})
			}
			pending = nil
			rc.turns++
			if rc.turns >= a.cfg.MaxTurns {
				state = stateFailed
			} else {
				state = stateThinking
			}

		case stateDone:
			return comm.AgentReply{Message: rc.lastText, Status: rpc.StatusOK}

		case stateFailed:
			a.log.Error(ctx, "tool loop exhausted", "conversation_id", rc.conversationID, "turns", rc.turns, "err", ErrLoopExhausted)
			msg := rc.lastText
			if msg == "" {
				msg = "The request could not be completed within the allotted tool turns."
			}
			return comm.AgentReply{Message: msg, Status: rpc.StatusError}
		}
	}
}

func (a *Agent) request(messages []model.Message, tools []model.ToolDefinition) model.Request {
	return model.Request{
		Model:       a.cfg.Model,
		Messages:    messages,
		Tools:       tools,
		ToolChoice:  a.provider.ToolChoicePolicy(),
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	}
}

// routeToolCall resolves one tool call and returns the serialized tool
// response content. Errors never abort the loop; they become error-shaped
// tool responses so the model can react.
func (a *Agent) routeToolCall(ctx context.Context, rc *requestContext, call model.ToolCall) string {
	entry, ok := rc.tools.route[call.Name]
	if !ok {
		a.log.Error(ctx, "model requested unknown tool", "conversation_id", rc.conversationID, "tool", call.Name)
		return errorContent(fmt.Sprintf("unknown tool %q", call.Name))
	}
	switch entry.kind {
	case routeInternal:
		return a.callInternal(ctx, entry.internal, call)
	case routePeerAgent:
		return a.callPeer(ctx, rc, entry.peerGUID, call)
	default:
		return a.callFunction(ctx, rc, entry.fn, call)
	}
}

func (a *Agent) callInternal(ctx context.Context, tool internalTool, call model.ToolCall) string {
	args := call.Arguments
	if args == "" {
		args = "{}"
	}
	result, err := tool.fn(ctx, json.RawMessage(args))
	if err != nil {
		a.log.Error(ctx, "internal tool failed", "tool", tool.name, "err", err)
		return errorContent(err.Error())
	}
	data, err := json.Marshal(result)
	if err != nil {
		a.log.Error(ctx, "internal tool result not serializable", "tool", tool.name, "err", err)
		return errorContent("tool result could not be serialized: " + err.Error())
	}
	return string(data)
}

func (a *Agent) callPeer(ctx context.Context, rc *requestContext, guid string, call model.ToolCall) string {
	var args struct {
		Message string `json:"message"`
	}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return errorContent("invalid arguments: " + err.Error())
		}
	}
	if args.Message == "" {
		return errorContent("missing required argument: message")
	}
	reply, err := a.agents.SendAgentRequest(ctx, guid, comm.AgentRequest{
		Message:        args.Message,
		ConversationID: rc.conversationID,
		SourceAgent:    a.GUID(),
	}, a.cfg.AgentCallTimeout)
	if err != nil {
		a.log.Error(ctx, "peer agent call failed", "target", guid, "tool", call.Name, "err", err)
		return errorContent(err.Error())
	}
	if reply.Status != rpc.StatusOK {
		return errorContent(reply.Message)
	}
	return reply.Message
}

// callFunction invokes a discovered function over RPC. The payload carries the
// conversation id as chain_id so the provider's activity records join the same
// chain as the agent's own.
func (a *Agent) callFunction(ctx context.Context, rc *requestContext, fn registry.Function, call model.ToolCall) string {
	if err := a.schemas.validateArguments(fn, call.Arguments); err != nil {
		a.log.Error(ctx, "function arguments rejected", "function_id", fn.ID, "err", err)
		return errorContent(err.Error())
	}
	args := call.Arguments
	if args == "" {
		args = "{}"
	}
	payload, err := json.Marshal(map[string]json.RawMessage{
		"function_id": json.RawMessage(fmt.Sprintf("%q", fn.ID)),
		"chain_id":    json.RawMessage(fmt.Sprintf("%q", rc.conversationID)),
		"arguments":   json.RawMessage(args),
	})
	if err != nil {
		return errorContent("request could not be serialized: " + err.Error())
	}
	requester, err := a.requester(ctx, fn.Endpoint)
	if err != nil {
		a.log.Error(ctx, "function endpoint unreachable", "function_id", fn.ID, "endpoint", fn.Endpoint, "err", err)
		return errorContent(err.Error())
	}
	reply, status, err := requester.Call(ctx, payload, a.cfg.FunctionCallTimeout)
	if err != nil {
		a.log.Error(ctx, "function call failed", "function_id", fn.ID, "endpoint", fn.Endpoint, "err", err)
		return errorContent(err.Error())
	}
	if status != rpc.StatusOK {
		return errorContent(string(reply))
	}
	return string(reply)
}

// requester returns the cached connection to a function endpoint, opening it
// on first use.
func (a *Agent) requester(ctx context.Context, endpoint string) (*rpc.Requester, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, rpc.ErrClosed
	}
	if r, ok := a.requesters[endpoint]; ok {
		a.mu.Unlock()
		return r, nil
	}
	a.mu.Unlock()

	r, err := rpc.Connect(ctx, rpc.RequesterOptions{
		Client:   a.client,
		Registry: a.bus.Map(),
		Endpoint: endpoint,
		GUID:     a.GUID(),
		Logger:   a.log,
	})
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.requesters[endpoint]; ok {
		go func() { _ = r.Close(context.Background()) }()
		return existing, nil
	}
	if a.closed {
		go func() { _ = r.Close(context.Background()) }()
		return nil, rpc.ErrClosed
	}
	a.requesters[endpoint] = r
	return r, nil
}

// history rebuilds the conversation context: user and assistant items only,
// bounded by the configured window.
func (a *Agent) history(ctx context.Context, conversationID, query string) []memory.Item {
	items, err := a.mem.Retrieve(ctx, conversationID, a.cfg.ContextWindow, query)
	if err != nil {
		a.log.Error(ctx, "memory retrieve failed", "conversation_id", conversationID, "err", err)
		return nil
	}
	filtered := memory.ContextItems(items, a.cfg.ContextWindow)
	// The user turn was just written; drop it so FormatMessages appends it
	// exactly once.
	if n := len(filtered); n > 0 && filtered[n-1].Role == memory.RoleUser && filtered[n-1].Content == query {
		filtered = filtered[:n-1]
	}
	return filtered
}

// record writes one conversation item. Memory failures are logged, not fatal;
// the reply still reaches the caller.
func (a *Agent) record(ctx context.Context, conversationID string, item memory.Item) {
	if err := a.mem.Write(ctx, conversationID, item); err != nil {
		a.log.Error(ctx, "memory write failed", "conversation_id", conversationID, "role", string(item.Role), "err", err)
	}
}

func callIDs(calls []model.ToolCall) string {
	ids := make([]string, len(calls))
	for i, c := range calls {
		ids[i] = c.ID
	}
	return strings.Join(ids, ",")
}

func errorContent(msg string) string {
	data, _ := json.Marshal(map[string]string{"status": "error", "error": msg})
	return string(data)
}
