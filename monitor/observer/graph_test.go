package observer

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genesis-fabric/genesis/advert"
	"github.com/genesis-fabric/genesis/fabric/pulse/pulsetest"
	"github.com/genesis-fabric/genesis/monitor"
)

func newGraph(t *testing.T, client *pulsetest.Client) *Graph {
	t.Helper()
	g, err := NewGraph(context.Background(), Options{
		Client:            client,
		HeartbeatInterval: 20 * time.Millisecond,
		MissedHeartbeats:  1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close(context.Background()) })
	return g
}

func newPublisher(t *testing.T, client *pulsetest.Client, guid string) *monitor.Publisher {
	t.Helper()
	pub, err := monitor.NewPublisher(context.Background(), monitor.PublisherOptions{Client: client, GUID: guid})
	require.NoError(t, err)
	return pub
}

func beat(t *testing.T, client *pulsetest.Client, guid string, at time.Time) {
	t.Helper()
	m, err := client.Map(context.Background(), advert.DefaultMapName)
	require.NoError(t, err)
	_, err = m.Set(context.Background(), advert.LiveKey(guid), strconv.FormatInt(at.UnixNano(), 10))
	require.NoError(t, err)
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

func TestLateJoinerConvergesFromCatchUp(t *testing.T) {
	client := pulsetest.NewClient()
	pub := newPublisher(t, client, "agt-1")
	t.Cleanup(func() { _ = pub.Close(context.Background()) })
	beat(t, client, "agt-1", time.Now())

	require.NoError(t, pub.PublishNode(context.Background(), monitor.Node{Kind: monitor.NodeAgent, Name: "a", State: monitor.StateReady}))
	require.NoError(t, pub.PublishEdge(context.Background(), monitor.Edge{To: "svc-1", Type: monitor.EdgeAgentToService}))

	// The graph joins after the records were published.
	g := newGraph(t, client)
	nodes, edges := g.Snapshot()
	require.Len(t, nodes, 1)
	require.Equal(t, monitor.StateReady, nodes["agt-1"].State)
	require.Len(t, edges, 1)
}

func TestDuplicateRecordsAreIdempotent(t *testing.T) {
	client := pulsetest.NewClient()
	pub := newPublisher(t, client, "agt-1")
	t.Cleanup(func() { _ = pub.Close(context.Background()) })
	beat(t, client, "agt-1", time.Now())

	g := newGraph(t, client)

	n := monitor.Node{Kind: monitor.NodeAgent, Name: "a", State: monitor.StateReady, Time: time.Unix(0, 0)}
	require.NoError(t, pub.PublishNode(context.Background(), n))
	waitFor(t, func() bool { nodes, _ := g.Snapshot(); return len(nodes) == 1 }, "node visible")

	// Republish the identical record; no second change event arrives.
	var changes int
	drained := false
	for !drained {
		select {
		case <-g.Changes():
			changes++
		default:
			drained = true
		}
	}
	require.NoError(t, pub.PublishNode(context.Background(), n))
	time.Sleep(100 * time.Millisecond)
	select {
	case c := <-g.Changes():
		t.Fatalf("unexpected change after duplicate publish: %+v", c)
	default:
	}
}

func TestCleanShutdownRemovesRecords(t *testing.T) {
	client := pulsetest.NewClient()
	pub := newPublisher(t, client, "agt-1")
	beat(t, client, "agt-1", time.Now())
	require.NoError(t, pub.PublishNode(context.Background(), monitor.Node{Kind: monitor.NodeAgent, State: monitor.StateReady}))

	g := newGraph(t, client)
	waitFor(t, func() bool { nodes, _ := g.Snapshot(); return len(nodes) == 1 }, "node visible")

	require.NoError(t, pub.Close(context.Background()))
	waitFor(t, func() bool { nodes, _ := g.Snapshot(); return len(nodes) == 0 }, "node removed")
}

func TestStaleHeartbeatFlipsOffline(t *testing.T) {
	client := pulsetest.NewClient()
	pub := newPublisher(t, client, "agt-1")
	t.Cleanup(func() { _ = pub.Close(context.Background()) })
	require.NoError(t, pub.PublishNode(context.Background(), monitor.Node{Kind: monitor.NodeAgent, State: monitor.StateReady}))

	// The heartbeat is already older than the staleness window: a crash.
	beat(t, client, "agt-1", time.Now().Add(-time.Second))

	g := newGraph(t, client)
	waitFor(t, func() bool {
		n, ok := g.Node("agt-1")
		return ok && n.State == monitor.StateOffline
	}, "OFFLINE after stale heartbeat")

	// Heartbeat resumes; the published state shows again.
	beat(t, client, "agt-1", time.Now())
	waitFor(t, func() bool {
		n, ok := g.Node("agt-1")
		return ok && n.State == monitor.StateReady
	}, "state restored after heartbeat resumes")
}

func TestActivityFeedDelivery(t *testing.T) {
	client := pulsetest.NewClient()
	g := newGraph(t, client)

	pub := newPublisher(t, client, "iface-1")
	t.Cleanup(func() { _ = pub.Close(context.Background()) })
	require.NoError(t, pub.Emit(context.Background(), monitor.Activity{
		ChainID:   "chain-1",
		Type:      monitor.ActivityStart,
		Target:    "agt-1",
		Operation: "send_request",
	}))

	select {
	case a := <-g.Activities():
		require.Equal(t, "chain-1", a.ChainID)
		require.Equal(t, monitor.ActivityStart, a.Type)
		require.Equal(t, "iface-1", a.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for activity")
	}
}
