// Package iface provides the user-facing entry point to the agent network:
// it watches AGENT advertisements, connects to an agent by name or guid, and
// sends requests while publishing the INTERFACE topology and the paired
// START/COMPLETE activity events.
package iface

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/genesis-fabric/genesis/comm"
	"github.com/genesis-fabric/genesis/monitor"
	"github.com/genesis-fabric/genesis/rpc"
	"github.com/genesis-fabric/genesis/telemetry"
)

const (
	// DefaultConnectTimeout bounds agent discovery in ConnectToAgent.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultRequestTimeout bounds one interface-to-agent request.
	DefaultRequestTimeout = 20 * time.Second
)

// ErrAgentNotFound reports that no matching agent was discovered within the
// connect timeout.
var ErrAgentNotFound = errors.New("iface: agent not found")

type (
	// Options configures New.
	Options struct {
		// Agents is the discovery and transport layer. Required.
		Agents *comm.Agents
		// Name labels the interface node in the topology.
		Name string
		// Publisher publishes the INTERFACE node and request activities.
		// Optional.
		Publisher *monitor.Publisher
		// RequestTimeout overrides DefaultRequestTimeout.
		RequestTimeout time.Duration
		// Logger defaults to noop.
		Logger telemetry.Logger
	}

	// Interface is the selection and request API over discovered agents.
	Interface struct {
		agents  *comm.Agents
		name    string
		pub     *monitor.Publisher
		log     telemetry.Logger
		timeout time.Duration

		// arrival is closed and replaced on every discovery so waiters in
		// ConnectToAgent wake up without polling the directory.
		mu      sync.Mutex
		arrival chan struct{}
	}

	// Connection is a handle to one selected agent. Requests on a connection
	// share a conversation, so the agent rebuilds context across them.
	Connection struct {
		iface          *Interface
		agent          comm.RemoteAgent
		conversationID string
	}
)

// New builds the interface and publishes its topology node when a publisher
// is supplied.
func New(ctx context.Context, opts Options) (*Interface, error) {
	if opts.Agents == nil {
		return nil, errors.New("agent directory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	i := &Interface{
		agents:  opts.Agents,
		name:    opts.Name,
		pub:     opts.Publisher,
		log:     logger,
		timeout: timeout,
		arrival: make(chan struct{}),
	}
	opts.Agents.OnAgentDiscovered(func(comm.RemoteAgent) {
		i.mu.Lock()
		close(i.arrival)
		i.arrival = make(chan struct{})
		i.mu.Unlock()
	})
	if i.pub != nil {
		if err := i.pub.SetState(ctx, monitor.NodeInterface, i.name, monitor.StateReady); err != nil {
			return nil, err
		}
	}
	return i, nil
}

// Agents returns the currently discovered agents.
func (i *Interface) Agents() []comm.RemoteAgent {
	snap := i.agents.Snapshot()
	out := make([]comm.RemoteAgent, 0, len(snap))
	for _, ra := range snap {
		out = append(out, ra)
	}
	return out
}

// ConnectToAgent resolves an agent by guid or name, waiting on discovery
// notifications up to timeout for it to appear. A zero timeout means
// DefaultConnectTimeout.
func (i *Interface) ConnectToAgent(ctx context.Context, nameOrGUID string, timeout time.Duration) (*Connection, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		// Snapshot the arrival signal before resolving so a discovery that
		// lands between the check and the wait is not missed.
		i.mu.Lock()
		arrival := i.arrival
		i.mu.Unlock()
		if ra, ok := i.resolve(nameOrGUID); ok {
			conn := &Connection{iface: i, agent: ra, conversationID: uuid.NewString()}
			if i.pub != nil {
				if err := i.pub.PublishEdge(ctx, monitor.Edge{
					From: i.pub.GUID(),
					To:   ra.GUID,
					Type: monitor.EdgeInterfaceToAgent,
				}); err != nil {
					i.log.Error(ctx, "publish interface edge failed", "agent", ra.GUID, "err", err)
				}
			}
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, nameOrGUID)
		case <-arrival:
		}
	}
}

func (i *Interface) resolve(nameOrGUID string) (comm.RemoteAgent, bool) {
	if ra, ok := i.agents.Get(nameOrGUID); ok {
		return ra, true
	}
	for _, ra := range i.agents.Snapshot() {
		if ra.Name == nameOrGUID {
			return ra, true
		}
	}
	return comm.RemoteAgent{}, false
}

// Agent returns the connected agent's directory entry.
func (c *Connection) Agent() comm.RemoteAgent { return c.agent }

// ConversationID returns the conversation shared by requests on this
// connection.
func (c *Connection) ConversationID() string { return c.conversationID }

// SendRequest sends one message to the connected agent. START and COMPLETE
// activities share the connection's conversation id as their chain id.
func (c *Connection) SendRequest(ctx context.Context, message string) (comm.AgentReply, error) {
	i := c.iface
	start := time.Now()
	i.emit(ctx, monitor.Activity{
		ChainID:   c.conversationID,
		Type:      monitor.ActivityStart,
		Target:    c.agent.GUID,
		Operation: "send_request",
		Payload:   message,
	})

	reply, err := i.agents.SendAgentRequest(ctx, c.agent.GUID, comm.AgentRequest{
		Message:        message,
		ConversationID: c.conversationID,
	}, i.timeout)

	status := reply.Status
	errText := ""
	if err != nil {
		status = rpc.StatusError
		errText = err.Error()
		i.log.Error(ctx, "agent request failed", "agent", c.agent.GUID, "err", err)
	}
	i.emit(ctx, monitor.Activity{
		ChainID:    c.conversationID,
		Type:       monitor.ActivityComplete,
		Target:     c.agent.GUID,
		Operation:  "send_request",
		Status:     status,
		DurationMS: time.Since(start).Milliseconds(),
		Payload:    reply.Message,
		Error:      errText,
	})
	return reply, err
}

func (i *Interface) emit(ctx context.Context, a monitor.Activity) {
	if i.pub == nil {
		return
	}
	if err := i.pub.Emit(ctx, a); err != nil {
		i.log.Error(ctx, "publish activity failed", "chain_id", a.ChainID, "type", string(a.Type), "err", err)
	}
}

// Close disposes the interface's topology records.
func (i *Interface) Close(ctx context.Context) error {
	if i.pub == nil {
		return nil
	}
	return i.pub.Close(ctx)
}
