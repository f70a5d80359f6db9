package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/genesis-fabric/genesis/agent"
	"github.com/genesis-fabric/genesis/comm"
	"github.com/genesis-fabric/genesis/registry"
	"github.com/genesis-fabric/genesis/rpc"
	"github.com/genesis-fabric/genesis/telemetry"
)

// DefaultWarmUp is the discovery warm-up window between DISCOVERING and READY.
const DefaultWarmUp = 2 * time.Second

type (
	// MonitoredOptions configures NewMonitoredAgent.
	MonitoredOptions struct {
		// Agent is the wrapped orchestrator. Required.
		Agent *agent.Agent
		// Publisher owns this agent's topology records. Required.
		Publisher *Publisher
		// Functions and Agents drive edge publication on discovery. Optional;
		// without them only node states and activities are published.
		Functions *registry.Functions
		Agents    *comm.Agents
		// WarmUp overrides DefaultWarmUp.
		WarmUp time.Duration
		// Logger defaults to noop.
		Logger telemetry.Logger
		// Metrics records request counts and durations. Defaults to noop.
		Metrics telemetry.Metrics
		// Tracer wraps each processed request in a span. Defaults to noop.
		Tracer telemetry.Tracer
	}

	// MonitoredAgent wraps an Agent with topology and activity publication.
	// Monitoring is additive: the wrapped pipeline behaves identically with or
	// without it.
	MonitoredAgent struct {
		agent   *agent.Agent
		pub     *Publisher
		warm    time.Duration
		log     telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		mu       sync.Mutex
		inflight int
		degraded bool
	}
)

// NewMonitoredAgent wraps the agent. It publishes nothing until Start.
func NewMonitoredAgent(opts MonitoredOptions) (*MonitoredAgent, error) {
	if opts.Agent == nil {
		return nil, errors.New("agent is required")
	}
	if opts.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	warm := opts.WarmUp
	if warm <= 0 {
		warm = DefaultWarmUp
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	m := &MonitoredAgent{
		agent:   opts.Agent,
		pub:     opts.Publisher,
		warm:    warm,
		log:     logger,
		metrics: metrics,
		tracer:  tracer,
	}
	if opts.Functions != nil {
		opts.Functions.OnFunctionDiscovered(func(fn registry.Function) {
			m.publishEdge(Edge{From: m.agent.GUID(), To: fn.ProviderGUID, Type: EdgeAgentToService})
		})
	}
	if opts.Agents != nil {
		opts.Agents.OnAgentDiscovered(func(ra comm.RemoteAgent) {
			m.publishEdge(Edge{From: m.agent.GUID(), To: ra.GUID, Type: EdgeAgentToAgent})
		})
	}
	return m, nil
}

// Agent returns the wrapped orchestrator.
func (m *MonitoredAgent) Agent() *agent.Agent { return m.agent }

// Start publishes the DISCOVERING node, serves the agent endpoint, and flips
// to READY after the warm-up window.
func (m *MonitoredAgent) Start(ctx context.Context) error {
	if err := m.pub.SetState(ctx, NodeAgent, m.agent.Name(), StateDiscovering); err != nil {
		return err
	}
	if err := m.agent.ServeWith(ctx, m.ProcessRequest); err != nil {
		return err
	}
	go func() {
		select {
		case <-time.After(m.warm):
		case <-ctx.Done():
			return
		}
		m.mu.Lock()
		idle := m.inflight == 0 && !m.degraded
		m.mu.Unlock()
		if idle {
			m.setState(context.Background(), StateReady)
		}
	}()
	return nil
}

// ProcessRequest runs the wrapped pipeline between BUSY/READY transitions and
// REQUEST/RESPONSE activity events sharing one chain id. Each request is
// wrapped in a span and recorded as a count and duration metric.
func (m *MonitoredAgent) ProcessRequest(ctx context.Context, req comm.AgentRequest) (reply comm.AgentReply) {
	chain := req.ConversationID
	if chain == "" {
		chain = uuid.NewString()
		req.ConversationID = chain
	}
	ctx, span := m.tracer.Start(ctx, "agent.process_request")
	m.enter(ctx)
	start := time.Now()
	m.emit(ctx, Activity{
		ChainID:   chain,
		Type:      ActivityRequest,
		Source:    req.SourceAgent,
		Target:    m.agent.GUID(),
		Operation: "process_request",
		Payload:   req.Message,
	})

	defer func() {
		if r := recover(); r != nil {
			m.log.Error(ctx, "agent pipeline panicked", "chain_id", chain, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			m.mu.Lock()
			m.degraded = true
			m.mu.Unlock()
			m.setState(ctx, StateDegraded)
			m.emit(ctx, Activity{
				ChainID:    chain,
				Type:       ActivityError,
				Source:     m.agent.GUID(),
				Target:     req.SourceAgent,
				Operation:  "process_request",
				Status:     rpc.StatusError,
				DurationMS: time.Since(start).Milliseconds(),
				Error:      fmt.Sprint(r),
			})
			reply = comm.AgentReply{Message: "The agent failed to process the request.", Status: rpc.StatusError}
			span.SetStatus(codes.Error, "panic")
			span.End()
			m.observe(start, "error")
			m.leave(ctx)
			return
		}
		typ := ActivityResponse
		var errText string
		outcome := "ok"
		if reply.Status != rpc.StatusOK {
			typ = ActivityError
			errText = reply.Message
			outcome = "error"
			span.SetStatus(codes.Error, errText)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		m.observe(start, outcome)
		m.emit(ctx, Activity{
			ChainID:    chain,
			Type:       typ,
			Source:     m.agent.GUID(),
			Target:     req.SourceAgent,
			Operation:  "process_request",
			Status:     reply.Status,
			DurationMS: time.Since(start).Milliseconds(),
			Payload:    reply.Message,
			Error:      errText,
		})
		m.leave(ctx)
	}()

	return m.agent.ProcessRequest(ctx, req)
}

// Close disposes the topology records and the wrapped agent's resources.
func (m *MonitoredAgent) Close(ctx context.Context) error {
	return errors.Join(m.agent.Close(ctx), m.pub.Close(ctx))
}

func (m *MonitoredAgent) enter(ctx context.Context) {
	m.mu.Lock()
	m.inflight++
	first := m.inflight == 1 && !m.degraded
	m.mu.Unlock()
	if first {
		m.setState(ctx, StateBusy)
	}
}

func (m *MonitoredAgent) leave(ctx context.Context) {
	m.mu.Lock()
	m.inflight--
	idle := m.inflight == 0 && !m.degraded
	m.mu.Unlock()
	if idle {
		m.setState(ctx, StateReady)
	}
}

func (m *MonitoredAgent) setState(ctx context.Context, state NodeState) {
	if err := m.pub.SetState(ctx, NodeAgent, m.agent.Name(), state); err != nil {
		m.log.Error(ctx, "publish node state failed", "state", string(state), "err", err)
	}
}

// observe records the per-request count and duration, tagged by agent name
// and outcome.
func (m *MonitoredAgent) observe(start time.Time, outcome string) {
	m.metrics.IncCounter("agent_requests", 1, "agent", m.agent.Name(), "status", outcome)
	m.metrics.RecordTimer("agent_request_duration", time.Since(start), "agent", m.agent.Name(), "status", outcome)
}

func (m *MonitoredAgent) publishEdge(e Edge) {
	ctx := context.Background()
	if err := m.pub.PublishEdge(ctx, e); err != nil {
		m.log.Error(ctx, "publish edge failed", "to", e.To, "type", string(e.Type), "err", err)
	}
}

func (m *MonitoredAgent) emit(ctx context.Context, a Activity) {
	if err := m.pub.Emit(ctx, a); err != nil {
		m.log.Error(ctx, "publish activity failed", "chain_id", a.ChainID, "type", string(a.Type), "err", err)
	}
}
