package comm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genesis-fabric/genesis/advert"
	"github.com/genesis-fabric/genesis/fabric/pulse/pulsetest"
)

func newBus(t *testing.T, client *pulsetest.Client, guid string) *advert.Bus {
	t.Helper()
	bus, err := advert.NewBus(context.Background(), advert.Options{
		Client:            client,
		GUID:              guid,
		HeartbeatInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	return bus
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

func TestValidateEndpoint(t *testing.T) {
	require.NoError(t, ValidateEndpoint("WeatherAgent"))
	require.ErrorIs(t, ValidateEndpoint("WeatherAgent_AgentRPC"), ErrEndpointCollision)
	require.Error(t, ValidateEndpoint(""))
}

func TestServeRejectsCollidingEndpointBeforeAdvertising(t *testing.T) {
	client := pulsetest.NewClient()
	bus := newBus(t, client, "agt-1")
	agents, err := NewAgents(Options{Client: client, Bus: bus})
	require.NoError(t, err)
	defer agents.Close(context.Background())

	err = agents.Serve(context.Background(), advert.AgentPayload{
		Name:     "bad",
		Endpoint: "Bad_AgentRPC",
	}, func(ctx context.Context, req AgentRequest) AgentReply { return AgentReply{} })
	require.ErrorIs(t, err, ErrEndpointCollision)

	// No partial advertisement is visible on the bus.
	require.Empty(t, bus.Snapshot(advert.KindAgent))
}

func TestAgentToAgentRequest(t *testing.T) {
	client := pulsetest.NewClient()

	busB := newBus(t, client, "agent-b")
	b, err := NewAgents(Options{Client: client, Bus: busB})
	require.NoError(t, err)
	defer b.Close(context.Background())

	var got AgentRequest
	require.NoError(t, b.Serve(context.Background(), advert.AgentPayload{
		Name:         "weather",
		Endpoint:     "WeatherAgent",
		Capabilities: []string{"weather"},
	}, func(ctx context.Context, req AgentRequest) AgentReply {
		got = req
		return AgentReply{Message: "Sunny, 25C"}
	}))

	busA := newBus(t, client, "agent-a")
	a, err := NewAgents(Options{Client: client, Bus: busA})
	require.NoError(t, err)
	defer a.Close(context.Background())

	waitFor(t, func() bool { _, ok := a.Get("agent-b"); return ok }, "agent-b discovery")
	peer, _ := a.Get("agent-b")
	require.Equal(t, "WeatherAgent_AgentRPC", peer.Endpoint)
	require.Equal(t, []string{"weather"}, peer.Capabilities)

	reply, err := a.SendAgentRequest(context.Background(), "agent-b", AgentRequest{
		Message:        "Tokyo",
		ConversationID: "chain-1",
		SourceAgent:    "agent-a",
	}, time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, reply.Status)
	require.Equal(t, "Sunny, 25C", reply.Message)
	require.Equal(t, "Tokyo", got.Message)
	require.Equal(t, "chain-1", got.ConversationID)
	require.Equal(t, "agent-a", got.SourceAgent)
}

func TestSendToUnknownAgent(t *testing.T) {
	client := pulsetest.NewClient()
	bus := newBus(t, client, "agent-a")
	a, err := NewAgents(Options{Client: client, Bus: bus})
	require.NoError(t, err)
	defer a.Close(context.Background())

	_, err = a.SendAgentRequest(context.Background(), "nope", AgentRequest{Message: "hi"}, time.Second)
	require.ErrorIs(t, err, ErrUnknownAgent)
}

func TestSelfExcludedFromDirectory(t *testing.T) {
	client := pulsetest.NewClient()
	bus := newBus(t, client, "agent-a")
	a, err := NewAgents(Options{Client: client, Bus: bus})
	require.NoError(t, err)
	defer a.Close(context.Background())

	require.NoError(t, a.Serve(context.Background(), advert.AgentPayload{
		Name: "self", Endpoint: "SelfAgent",
	}, func(ctx context.Context, req AgentRequest) AgentReply { return AgentReply{} }))

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, a.Snapshot(), "own advertisement must not appear as a peer")
}

func TestAgentRemovalNotifies(t *testing.T) {
	client := pulsetest.NewClient()
	busB := newBus(t, client, "agent-b")
	b, err := NewAgents(Options{Client: client, Bus: busB})
	require.NoError(t, err)
	require.NoError(t, b.Serve(context.Background(), advert.AgentPayload{
		Name: "b", Endpoint: "AgentB",
	}, func(ctx context.Context, req AgentRequest) AgentReply { return AgentReply{} }))

	busA := newBus(t, client, "agent-a")
	a, err := NewAgents(Options{Client: client, Bus: busA})
	require.NoError(t, err)
	defer a.Close(context.Background())

	removed := make(chan RemoteAgent, 1)
	a.OnAgentRemoved(func(ra RemoteAgent) { removed <- ra })
	waitFor(t, func() bool { _, ok := a.Get("agent-b"); return ok }, "agent-b discovery")

	require.NoError(t, b.Close(context.Background()))
	require.NoError(t, busB.Close(context.Background()))

	select {
	case ra := <-removed:
		require.Equal(t, "agent-b", ra.GUID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for removal")
	}
}
