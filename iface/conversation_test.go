package iface

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genesis-fabric/genesis/advert"
	"github.com/genesis-fabric/genesis/agent"
	"github.com/genesis-fabric/genesis/agent/model"
	"github.com/genesis-fabric/genesis/comm"
	"github.com/genesis-fabric/genesis/fabric/pulse/pulsetest"
	"github.com/genesis-fabric/genesis/memory"
	"github.com/genesis-fabric/genesis/memory/inmem"
	"github.com/genesis-fabric/genesis/monitor"
	"github.com/genesis-fabric/genesis/registry"
	"github.com/genesis-fabric/genesis/rpc"
	"github.com/genesis-fabric/genesis/service"
)

// calcProvider asks for one add call, then answers with the sum.
type calcProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *calcProvider) Complete(_ context.Context, _ model.Request) (model.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls == 1 {
		return model.Response{ToolCalls: []model.ToolCall{
			{ID: "c1", Name: "add", Arguments: `{"a":2,"b":3}`},
		}}, nil
	}
	return model.Response{Text: "The sum is 5."}, nil
}

func (p *calcProvider) FormatMessages(user, system string, history []memory.Item) []model.Message {
	msgs := []model.Message{{Role: model.RoleSystem, Content: system}}
	for _, it := range history {
		msgs = append(msgs, model.Message{Role: string(it.Role), Content: it.Content})
	}
	return append(msgs, model.Message{Role: model.RoleUser, Content: user})
}

func (p *calcProvider) ToolCalls(resp model.Response) []model.ToolCall { return resp.ToolCalls }
func (p *calcProvider) Text(resp model.Response) string                { return resp.Text }
func (p *calcProvider) AssistantTurn(resp model.Response) model.Message {
	return model.Message{Role: model.RoleAssistant, Content: resp.Text, Raw: resp.Raw}
}
func (p *calcProvider) ToolChoicePolicy() model.ToolChoice { return model.ToolChoiceAuto }

// One conversation flows interface -> agent -> service; every activity on the
// monitor stream must share the connection's conversation id as its chain id.
func TestConversationChainSpansAgentAndService(t *testing.T) {
	client := pulsetest.NewClient()
	ctx := context.Background()

	// Service "calc" hosting add.
	svcBus, err := advert.NewBus(ctx, advert.Options{
		Client: client, GUID: "svc-1", HeartbeatInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svcBus.Close(context.Background()) })
	svcPub, err := monitor.NewPublisher(ctx, monitor.PublisherOptions{Client: client, GUID: "svc-1"})
	require.NoError(t, err)
	svc, err := service.New(service.Options{Client: client, Bus: svcBus, Name: "calc", Publisher: svcPub})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	require.NoError(t, svc.Register("add", "Adds two numbers.", func(_ context.Context, args json.RawMessage) (any, error) {
		var in struct {
			A float64 `json:"a"`
			B float64 `json:"b"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		return map[string]float64{"sum": in.A + in.B}, nil
	}))
	require.NoError(t, svc.Start(ctx))

	// Monitored agent "solver".
	agentBus, err := advert.NewBus(ctx, advert.Options{
		Client: client, GUID: "agt-1", HeartbeatInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = agentBus.Close(context.Background()) })
	functions := registry.NewFunctions(agentBus, nil)
	t.Cleanup(functions.Close)
	agents, err := comm.NewAgents(comm.Options{Client: client, Bus: agentBus, ConnectTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = agents.Close(context.Background()) })
	core, err := agent.New(agent.Options{
		Config:    agent.Config{Name: "solver", Endpoint: "Solver"},
		Provider:  &calcProvider{},
		Memory:    inmem.New(),
		Client:    client,
		Bus:       agentBus,
		Functions: functions,
		Agents:    agents,
	})
	require.NoError(t, err)
	agentPub, err := monitor.NewPublisher(ctx, monitor.PublisherOptions{Client: client, GUID: "agt-1"})
	require.NoError(t, err)
	mon, err := monitor.NewMonitoredAgent(monitor.MonitoredOptions{
		Agent:     core,
		Publisher: agentPub,
		Functions: functions,
		Agents:    agents,
		WarmUp:    10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mon.Close(context.Background()) })
	require.NoError(t, mon.Start(ctx))

	// Wait for the agent to discover the calc function before asking for it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := functions.Get("calc.add"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for function discovery")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ifacePub, err := monitor.NewPublisher(ctx, monitor.PublisherOptions{Client: client, GUID: "iface-1"})
	require.NoError(t, err)
	i, err := New(ctx, Options{Agents: newDirectory(t, client, "iface-1"), Name: "console", Publisher: ifacePub})
	require.NoError(t, err)
	t.Cleanup(func() { _ = i.Close(context.Background()) })

	stream, err := client.Stream(monitor.DefaultActivityStream)
	require.NoError(t, err)
	sink, err := stream.NewSink(ctx, "chain-observer")
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close(context.Background()) })

	conn, err := i.ConnectToAgent(ctx, "solver", 2*time.Second)
	require.NoError(t, err)
	reply, err := conn.SendRequest(ctx, "what is 2+3?")
	require.NoError(t, err)
	require.Equal(t, rpc.StatusOK, reply.Status)
	require.Equal(t, "The sum is 5.", reply.Message)

	// START, REQUEST, the service's RESPONSE, the agent's RESPONSE, COMPLETE.
	var events []monitor.Activity
	timeout := time.After(2 * time.Second)
	for len(events) < 5 {
		select {
		case ev := <-sink.Subscribe():
			var a monitor.Activity
			require.NoError(t, json.Unmarshal(ev.Payload, &a))
			events = append(events, a)
		case <-timeout:
			t.Fatalf("timed out with %d of 5 activities", len(events))
		}
	}

	var types []monitor.ActivityType
	for _, a := range events {
		require.Equal(t, conn.ConversationID(), a.ChainID,
			"%s activity from %s must share the conversation's chain id", a.Type, a.Source)
		types = append(types, a.Type)
	}
	require.Contains(t, types, monitor.ActivityStart)
	require.Contains(t, types, monitor.ActivityRequest)
	require.Contains(t, types, monitor.ActivityComplete)

	// The service's own record carries the same chain.
	var fromService bool
	for _, a := range events {
		if a.Target == "calc.add" {
			fromService = true
			require.Equal(t, monitor.ActivityResponse, a.Type)
			require.Equal(t, "agt-1", a.Source)
		}
	}
	require.True(t, fromService, "missing the service's call activity")
}
