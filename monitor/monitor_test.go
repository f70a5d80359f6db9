package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/genesis-fabric/genesis/advert"
	"github.com/genesis-fabric/genesis/agent"
	"github.com/genesis-fabric/genesis/agent/model"
	"github.com/genesis-fabric/genesis/comm"
	"github.com/genesis-fabric/genesis/fabric/pulse/pulsetest"
	"github.com/genesis-fabric/genesis/memory"
	"github.com/genesis-fabric/genesis/memory/inmem"
	"github.com/genesis-fabric/genesis/registry"
	"github.com/genesis-fabric/genesis/rpc"
	"github.com/genesis-fabric/genesis/telemetry"
)

type fakeProvider struct {
	mu        sync.Mutex
	responses []model.Response
	calls     int
	panicOn   int
}

func (p *fakeProvider) Complete(_ context.Context, _ model.Request) (model.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.panicOn > 0 && p.calls == p.panicOn {
		panic("model adapter corrupted state")
	}
	if p.calls-1 < len(p.responses) {
		return p.responses[p.calls-1], nil
	}
	return model.Response{Text: "done"}, nil
}

func (p *fakeProvider) FormatMessages(user, system string, history []memory.Item) []model.Message {
	msgs := []model.Message{{Role: model.RoleSystem, Content: system}}
	for _, it := range history {
		msgs = append(msgs, model.Message{Role: string(it.Role), Content: it.Content})
	}
	return append(msgs, model.Message{Role: model.RoleUser, Content: user})
}

func (p *fakeProvider) ToolCalls(resp model.Response) []model.ToolCall { return resp.ToolCalls }
func (p *fakeProvider) Text(resp model.Response) string                { return resp.Text }
func (p *fakeProvider) AssistantTurn(resp model.Response) model.Message {
	return model.Message{Role: model.RoleAssistant, Content: resp.Text, Raw: resp.Raw}
}
func (p *fakeProvider) ToolChoicePolicy() model.ToolChoice { return model.ToolChoiceAuto }

type monitoredFixture struct {
	client *pulsetest.Client
	bus    *advert.Bus
	pub    *Publisher
	mon    *MonitoredAgent
}

func newMonitoredFixture(t *testing.T, provider model.Provider, warm time.Duration) *monitoredFixture {
	t.Helper()
	return newMonitoredFixtureOpts(t, provider, warm, nil)
}

func newMonitoredFixtureOpts(t *testing.T, provider model.Provider, warm time.Duration, mutate func(*MonitoredOptions)) *monitoredFixture {
	t.Helper()
	client := pulsetest.NewClient()
	bus, err := advert.NewBus(context.Background(), advert.Options{
		Client:            client,
		GUID:              "agt-1",
		HeartbeatInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	functions := registry.NewFunctions(bus, nil)
	t.Cleanup(functions.Close)
	agents, err := comm.NewAgents(comm.Options{Client: client, Bus: bus})
	require.NoError(t, err)
	t.Cleanup(func() { _ = agents.Close(context.Background()) })

	ag, err := agent.New(agent.Options{
		Config:    agent.Config{Name: "mon", Endpoint: "MonAgent"},
		Provider:  provider,
		Memory:    inmem.New(),
		Client:    client,
		Bus:       bus,
		Functions: functions,
		Agents:    agents,
	})
	require.NoError(t, err)

	pub, err := NewPublisher(context.Background(), PublisherOptions{Client: client, GUID: "agt-1"})
	require.NoError(t, err)

	opts := MonitoredOptions{
		Agent:     ag,
		Publisher: pub,
		Functions: functions,
		Agents:    agents,
		WarmUp:    warm,
	}
	if mutate != nil {
		mutate(&opts)
	}
	mon, err := NewMonitoredAgent(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mon.Close(context.Background()) })

	return &monitoredFixture{client: client, bus: bus, pub: pub, mon: mon}
}

func nodeState(t *testing.T, client *pulsetest.Client, guid string) NodeState {
	t.Helper()
	m, err := client.Map(context.Background(), DefaultTopologyMap)
	require.NoError(t, err)
	value, ok := m.Get(NodeKey(guid))
	if !ok {
		return ""
	}
	n, err := DecodeNode(value)
	require.NoError(t, err)
	return n.State
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestPublisherOwnsAndDisposesRecords(t *testing.T) {
	client := pulsetest.NewClient()
	pub, err := NewPublisher(context.Background(), PublisherOptions{Client: client, GUID: "p-1"})
	require.NoError(t, err)

	require.NoError(t, pub.PublishNode(context.Background(), Node{Kind: NodeService, Name: "svc", State: StateReady}))
	require.NoError(t, pub.PublishEdge(context.Background(), Edge{To: "fn-1", Type: EdgeServiceToFunction}))

	m, err := client.Map(context.Background(), DefaultTopologyMap)
	require.NoError(t, err)
	_, ok := m.Get(NodeKey("p-1"))
	require.True(t, ok)
	_, ok = m.Get(EdgeKey("p-1", "fn-1", EdgeServiceToFunction))
	require.True(t, ok)

	require.NoError(t, pub.Close(context.Background()))
	_, ok = m.Get(NodeKey("p-1"))
	require.False(t, ok)
	_, ok = m.Get(EdgeKey("p-1", "fn-1", EdgeServiceToFunction))
	require.False(t, ok)
}

func TestMonitoredAgentLifecycle(t *testing.T) {
	provider := &fakeProvider{responses: []model.Response{{Text: "pong"}}}
	f := newMonitoredFixture(t, provider, 30*time.Millisecond)

	require.NoError(t, f.mon.Start(context.Background()))
	require.Equal(t, StateDiscovering, nodeState(t, f.client, "agt-1"))
	waitFor(t, func() bool { return nodeState(t, f.client, "agt-1") == StateReady }, "READY after warm-up")

	reply := f.mon.ProcessRequest(context.Background(), comm.AgentRequest{Message: "ping", ConversationID: "chain-1"})
	require.Equal(t, rpc.StatusOK, reply.Status)
	require.Equal(t, "pong", reply.Message)
	require.Equal(t, StateReady, nodeState(t, f.client, "agt-1"))
}

func TestMonitoredAgentEmitsPairedActivities(t *testing.T) {
	provider := &fakeProvider{responses: []model.Response{{Text: "pong"}}}
	f := newMonitoredFixture(t, provider, 10*time.Millisecond)
	require.NoError(t, f.mon.Start(context.Background()))

	stream, err := f.client.Stream(DefaultActivityStream)
	require.NoError(t, err)
	sink, err := stream.NewSink(context.Background(), "test-observer")
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close(context.Background()) })

	f.mon.ProcessRequest(context.Background(), comm.AgentRequest{Message: "ping", ConversationID: "chain-9"})

	var events []Activity
	timeout := time.After(2 * time.Second)
	for len(events) < 2 {
		select {
		case ev := <-sink.Subscribe():
			var a Activity
			require.NoError(t, json.Unmarshal(ev.Payload, &a))
			events = append(events, a)
		case <-timeout:
			t.Fatal("timed out waiting for activities")
		}
	}
	require.Equal(t, ActivityRequest, events[0].Type)
	require.Equal(t, ActivityResponse, events[1].Type)
	require.Equal(t, "chain-9", events[0].ChainID)
	require.Equal(t, events[0].ChainID, events[1].ChainID)
	require.Equal(t, rpc.StatusOK, events[1].Status)
}

func TestMonitoredAgentPanicFlipsDegraded(t *testing.T) {
	provider := &fakeProvider{panicOn: 1}
	f := newMonitoredFixture(t, provider, 10*time.Millisecond)
	require.NoError(t, f.mon.Start(context.Background()))

	reply := f.mon.ProcessRequest(context.Background(), comm.AgentRequest{Message: "boom"})
	require.Equal(t, rpc.StatusError, reply.Status)
	waitFor(t, func() bool { return nodeState(t, f.client, "agt-1") == StateDegraded }, "DEGRADED after panic")
}

type fakeSpan struct {
	mu    sync.Mutex
	ended bool
	code  codes.Code
}

func (s *fakeSpan) End(...trace.SpanEndOption) {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
}

func (s *fakeSpan) AddEvent(string, ...any) {}

func (s *fakeSpan) SetStatus(code codes.Code, _ string) {
	s.mu.Lock()
	s.code = code
	s.mu.Unlock()
}

func (s *fakeSpan) RecordError(error, ...trace.EventOption) {}

type fakeTracer struct {
	mu    sync.Mutex
	names []string
	spans []*fakeSpan
}

func (tr *fakeTracer) Start(ctx context.Context, name string, _ ...trace.SpanStartOption) (context.Context, telemetry.Span) {
	s := &fakeSpan{}
	tr.mu.Lock()
	tr.names = append(tr.names, name)
	tr.spans = append(tr.spans, s)
	tr.mu.Unlock()
	return ctx, s
}

func (tr *fakeTracer) Span(context.Context) telemetry.Span { return &fakeSpan{} }

type fakeMetrics struct {
	mu       sync.Mutex
	counters map[string]float64
	timers   map[string]int
}

func (m *fakeMetrics) IncCounter(name string, value float64, _ ...string) {
	m.mu.Lock()
	if m.counters == nil {
		m.counters = make(map[string]float64)
	}
	m.counters[name] += value
	m.mu.Unlock()
}

func (m *fakeMetrics) RecordTimer(name string, _ time.Duration, _ ...string) {
	m.mu.Lock()
	if m.timers == nil {
		m.timers = make(map[string]int)
	}
	m.timers[name]++
	m.mu.Unlock()
}

func (m *fakeMetrics) RecordGauge(string, float64, ...string) {}

func TestMonitoredAgentRecordsSpanAndDuration(t *testing.T) {
	provider := &fakeProvider{responses: []model.Response{{Text: "pong"}}}
	tracer := &fakeTracer{}
	metrics := &fakeMetrics{}
	f := newMonitoredFixtureOpts(t, provider, 10*time.Millisecond, func(o *MonitoredOptions) {
		o.Tracer = tracer
		o.Metrics = metrics
	})

	reply := f.mon.ProcessRequest(context.Background(), comm.AgentRequest{Message: "ping", ConversationID: "chain-3"})
	require.Equal(t, rpc.StatusOK, reply.Status)

	tracer.mu.Lock()
	require.Equal(t, []string{"agent.process_request"}, tracer.names)
	span := tracer.spans[0]
	tracer.mu.Unlock()
	span.mu.Lock()
	require.True(t, span.ended)
	require.Equal(t, codes.Ok, span.code)
	span.mu.Unlock()

	metrics.mu.Lock()
	require.Equal(t, float64(1), metrics.counters["agent_requests"])
	require.Equal(t, 1, metrics.timers["agent_request_duration"])
	metrics.mu.Unlock()
}

func TestMonitoredAgentPanicMarksSpanError(t *testing.T) {
	provider := &fakeProvider{panicOn: 1}
	tracer := &fakeTracer{}
	metrics := &fakeMetrics{}
	f := newMonitoredFixtureOpts(t, provider, 10*time.Millisecond, func(o *MonitoredOptions) {
		o.Tracer = tracer
		o.Metrics = metrics
	})

	reply := f.mon.ProcessRequest(context.Background(), comm.AgentRequest{Message: "boom"})
	require.Equal(t, rpc.StatusError, reply.Status)

	tracer.mu.Lock()
	span := tracer.spans[0]
	tracer.mu.Unlock()
	span.mu.Lock()
	require.True(t, span.ended)
	require.Equal(t, codes.Error, span.code)
	span.mu.Unlock()

	metrics.mu.Lock()
	require.Equal(t, 1, metrics.timers["agent_request_duration"])
	metrics.mu.Unlock()
}

func TestMonitoredAgentPublishesDiscoveryEdges(t *testing.T) {
	provider := &fakeProvider{}
	f := newMonitoredFixture(t, provider, 10*time.Millisecond)
	require.NoError(t, f.mon.Start(context.Background()))

	// A service advertises a function; the agent publishes an AGENT→SERVICE edge.
	svcBus, err := advert.NewBus(context.Background(), advert.Options{
		Client: f.client, GUID: "svc-9", HeartbeatInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svcBus.Close(context.Background()) })
	require.NoError(t, svcBus.AdvertiseFunction(context.Background(), advert.FunctionPayload{
		FunctionID: "fn-1", Name: "f", ProviderGUID: "svc-9", Endpoint: "Svc9",
	}))

	m, err := f.client.Map(context.Background(), DefaultTopologyMap)
	require.NoError(t, err)
	waitFor(t, func() bool {
		_, ok := m.Get(EdgeKey("agt-1", "svc-9", EdgeAgentToService))
		return ok
	}, "AGENT_SERVICE edge")
}
