// Package comm maintains the peer agent directory and implements the
// agent-to-agent RPC pair. Each agent serves a dedicated endpoint derived from
// its base endpoint by appending AgentRPCSuffix; the two endpoints must never
// collide, otherwise interface traffic and peer traffic would be misrouted.
package comm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/genesis-fabric/genesis/advert"
	"github.com/genesis-fabric/genesis/fabric/pulse"
	"github.com/genesis-fabric/genesis/rpc"
	"github.com/genesis-fabric/genesis/telemetry"
)

// AgentRPCSuffix distinguishes the agent-to-agent endpoint from the
// interface-facing endpoint of the same agent.
const AgentRPCSuffix = "_AgentRPC"

// DefaultAgentCallTimeout bounds agent-to-agent calls when the caller does not
// override it.
const DefaultAgentCallTimeout = 25 * time.Second

var (
	// ErrUnknownAgent reports a request targeting a guid that is not in the
	// discovered-agent cache.
	ErrUnknownAgent = errors.New("comm: unknown agent")
	// ErrEndpointCollision reports an agent whose base endpoint would collide
	// with its agent-to-agent endpoint.
	ErrEndpointCollision = errors.New("comm: interface and agent-to-agent endpoints collide")
)

type (
	// RemoteAgent is a shared-by-value snapshot of one discovered peer.
	RemoteAgent struct {
		GUID            string
		Name            string
		Endpoint        string
		Specializations []string
		Capabilities    []string
		Description     string
	}

	// AgentRequest is the payload of interface-to-agent and agent-to-agent
	// requests.
	AgentRequest struct {
		Message        string         `json:"message"`
		ConversationID string         `json:"conversation_id,omitempty"`
		SourceAgent    string         `json:"source_agent,omitempty"`
		Metadata       map[string]any `json:"metadata,omitempty"`
	}

	// AgentReply is the payload of agent replies. Status zero is success.
	AgentReply struct {
		Message string `json:"message"`
		Status  int    `json:"status"`
	}

	// Handler processes one inbound agent request.
	Handler func(ctx context.Context, req AgentRequest) AgentReply

	// Options configures the peer directory.
	Options struct {
		// Client is the fabric client used for RPC streams. Required.
		Client pulse.Client
		// Bus is the advertisement bus. Required.
		Bus *advert.Bus
		// Logger defaults to noop.
		Logger telemetry.Logger
		// ConnectTimeout bounds replier discovery for outgoing calls.
		ConnectTimeout time.Duration
	}

	// Agents is the peer directory plus the requester/replier pair for
	// agent-to-agent traffic. Self advertisements are excluded from the
	// directory.
	Agents struct {
		guid           string
		client         pulse.Client
		bus            *advert.Bus
		log            telemetry.Logger
		connectTimeout time.Duration

		mu         sync.Mutex
		byGUID     map[string]RemoteAgent
		discovered []func(RemoteAgent)
		removed    []func(RemoteAgent)
		requesters map[string]*rpc.Requester

		replier *rpc.Replier
		unsub   func()
	}
)

// AgentEndpoint derives the agent-to-agent endpoint from a base endpoint.
func AgentEndpoint(base string) string {
	return base + AgentRPCSuffix
}

// ValidateEndpoint rejects base endpoints that would collide with the derived
// agent-to-agent endpoint. Violations misroute requests silently, so startup
// must fail fast instead.
func ValidateEndpoint(base string) error {
	if base == "" {
		return errors.New("comm: endpoint is required")
	}
	if strings.HasSuffix(base, AgentRPCSuffix) {
		return fmt.Errorf("%w: base endpoint %q already carries %q", ErrEndpointCollision, base, AgentRPCSuffix)
	}
	return nil
}

// NewAgents subscribes to AGENT advertisements and builds the peer directory.
// The catch-up pass runs before NewAgents returns.
func NewAgents(opts Options) (*Agents, error) {
	if opts.Client == nil {
		return nil, errors.New("fabric client is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("advertisement bus is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = rpc.DefaultConnectTimeout
	}
	a := &Agents{
		guid:           opts.Bus.GUID(),
		client:         opts.Client,
		bus:            opts.Bus,
		log:            logger,
		connectTimeout: connectTimeout,
		byGUID:         make(map[string]RemoteAgent),
		requesters:     make(map[string]*rpc.Requester),
	}
	a.unsub = opts.Bus.Subscribe(advert.KindAgent, advert.Callbacks{
		OnAdd:    a.upsert,
		OnUpdate: a.refresh,
		OnRemove: a.remove,
	})
	return a, nil
}

// Serve advertises this agent and starts the agent-to-agent replier on the
// suffixed endpoint. baseEndpoint is the interface-facing endpoint; it is
// validated against the collision rule before anything becomes visible on the
// bus.
func (a *Agents) Serve(ctx context.Context, p advert.AgentPayload, handler Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	if err := ValidateEndpoint(p.Endpoint); err != nil {
		return err
	}
	agentEndpoint := AgentEndpoint(p.Endpoint)
	replier, err := rpc.Serve(ctx, rpc.ReplierOptions{
		Client:   a.client,
		Registry: a.bus.Map(),
		Endpoint: agentEndpoint,
		GUID:     a.guid,
		Logger:   a.log,
		Handler: func(ctx context.Context, req rpc.Request) (json.RawMessage, int, error) {
			var ar AgentRequest
			if err := json.Unmarshal(req.Payload, &ar); err != nil {
				return nil, 0, fmt.Errorf("decode agent request: %w", err)
			}
			reply := handler(ctx, ar)
			b, err := json.Marshal(reply)
			if err != nil {
				return nil, 0, fmt.Errorf("encode agent reply: %w", err)
			}
			return b, reply.Status, nil
		},
	})
	if err != nil {
		return fmt.Errorf("serve agent endpoint %q: %w", agentEndpoint, err)
	}
	a.replier = replier

	// Advertise with the agent-to-agent endpoint so peers connect to the
	// suffixed name, never the interface-facing one.
	adv := p
	adv.GUID = a.guid
	adv.Endpoint = agentEndpoint
	if err := a.bus.AdvertiseAgent(ctx, adv); err != nil {
		cerr := replier.Close(ctx)
		return errors.Join(fmt.Errorf("advertise agent: %w", err), cerr)
	}
	return nil
}

// Snapshot returns a copy of the discovered peer directory keyed by guid.
func (a *Agents) Snapshot() map[string]RemoteAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]RemoteAgent, len(a.byGUID))
	for guid, ra := range a.byGUID {
		out[guid] = ra
	}
	return out
}

// Get returns the peer with the given guid.
func (a *Agents) Get(guid string) (RemoteAgent, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ra, ok := a.byGUID[guid]
	return ra, ok
}

// OnAgentDiscovered registers a callback invoked for every currently known
// peer first (catch-up), then for each future addition.
func (a *Agents) OnAgentDiscovered(cb func(RemoteAgent)) {
	a.mu.Lock()
	catchup := make([]RemoteAgent, 0, len(a.byGUID))
	for _, ra := range a.byGUID {
		catchup = append(catchup, ra)
	}
	a.discovered = append(a.discovered, cb)
	a.mu.Unlock()
	for _, ra := range catchup {
		cb(ra)
	}
}

// OnAgentRemoved registers a callback fired once per peer when it leaves.
func (a *Agents) OnAgentRemoved(cb func(RemoteAgent)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removed = append(a.removed, cb)
}

// SendAgentRequest resolves the target's endpoint, connects (cached per
// endpoint), and performs the call. The timeout covers the call itself;
// connection establishment is bounded separately by ConnectTimeout.
func (a *Agents) SendAgentRequest(ctx context.Context, targetGUID string, req AgentRequest, timeout time.Duration) (AgentReply, error) {
	if timeout <= 0 {
		timeout = DefaultAgentCallTimeout
	}
	target, ok := a.Get(targetGUID)
	if !ok {
		return AgentReply{Status: rpc.StatusError}, fmt.Errorf("%w: %s", ErrUnknownAgent, targetGUID)
	}
	requester, err := a.requester(ctx, target.Endpoint)
	if err != nil {
		return AgentReply{Status: rpc.StatusError}, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return AgentReply{Status: rpc.StatusError}, fmt.Errorf("encode agent request: %w", err)
	}
	body, status, err := requester.Call(ctx, payload, timeout)
	if err != nil {
		return AgentReply{Status: rpc.StatusError}, err
	}
	var reply AgentReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return AgentReply{Status: rpc.StatusError}, fmt.Errorf("decode agent reply: %w", err)
	}
	reply.Status = status
	return reply, nil
}

func (a *Agents) requester(ctx context.Context, endpoint string) (*rpc.Requester, error) {
	a.mu.Lock()
	if r, ok := a.requesters[endpoint]; ok {
		a.mu.Unlock()
		return r, nil
	}
	a.mu.Unlock()

	r, err := rpc.Connect(ctx, rpc.RequesterOptions{
		Client:         a.client,
		Registry:       a.bus.Map(),
		Endpoint:       endpoint,
		GUID:           a.guid,
		ConnectTimeout: a.connectTimeout,
		Logger:         a.log,
	})
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.requesters[endpoint]; ok {
		// Lost the race; keep the first connection.
		go r.Close(context.Background())
		return existing, nil
	}
	a.requesters[endpoint] = r
	return r, nil
}

// Close stops the replier, drops cached connections, and cancels the bus
// subscription.
func (a *Agents) Close(ctx context.Context) error {
	var err error
	if a.unsub != nil {
		a.unsub()
	}
	if a.replier != nil {
		err = a.replier.Close(ctx)
	}
	a.mu.Lock()
	requesters := a.requesters
	a.requesters = make(map[string]*rpc.Requester)
	a.mu.Unlock()
	for _, r := range requesters {
		err = errors.Join(err, r.Close(ctx))
	}
	return err
}

func (a *Agents) upsert(key string, ad advert.Advertisement) {
	ra, ok := a.toRemote(key, ad)
	if !ok || ra.GUID == a.guid {
		return
	}
	a.mu.Lock()
	a.byGUID[ra.GUID] = ra
	cbs := make([]func(RemoteAgent), len(a.discovered))
	copy(cbs, a.discovered)
	a.mu.Unlock()
	for _, cb := range cbs {
		cb(ra)
	}
}

func (a *Agents) refresh(key string, ad advert.Advertisement) {
	ra, ok := a.toRemote(key, ad)
	if !ok || ra.GUID == a.guid {
		return
	}
	a.mu.Lock()
	a.byGUID[ra.GUID] = ra
	a.mu.Unlock()
}

func (a *Agents) remove(key string, ad advert.Advertisement) {
	ra, ok := a.toRemote(key, ad)
	if !ok || ra.GUID == a.guid {
		return
	}
	a.mu.Lock()
	if _, present := a.byGUID[ra.GUID]; !present {
		a.mu.Unlock()
		return
	}
	delete(a.byGUID, ra.GUID)
	cbs := make([]func(RemoteAgent), len(a.removed))
	copy(cbs, a.removed)
	a.mu.Unlock()
	for _, cb := range cbs {
		cb(ra)
	}
}

func (a *Agents) toRemote(key string, ad advert.Advertisement) (RemoteAgent, bool) {
	if ad.Agent == nil {
		a.log.Error(context.Background(), "agent advertisement missing payload", "key", key)
		return RemoteAgent{}, false
	}
	p := ad.Agent
	return RemoteAgent{
		GUID:            p.GUID,
		Name:            p.Name,
		Endpoint:        p.Endpoint,
		Specializations: p.Specializations,
		Capabilities:    p.Capabilities,
		Description:     p.Description,
	}, true
}
