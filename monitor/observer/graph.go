// Package observer maintains a live view of the runtime graph: durable node
// and edge records from the topology map, liveliness derived from fabric
// heartbeats, and the transient activity feed. Because topology records are
// durable, a late-joining observer converges from catch-up to the
// authoritative state before it processes any activity.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/genesis-fabric/genesis/advert"
	"github.com/genesis-fabric/genesis/fabric/pulse"
	"github.com/genesis-fabric/genesis/monitor"
	"github.com/genesis-fabric/genesis/telemetry"
)

type (
	// Options configures NewGraph.
	Options struct {
		// Client is the fabric client. Required.
		Client pulse.Client
		// TopologyMap overrides monitor.DefaultTopologyMap.
		TopologyMap string
		// AdvertMap names the advertisement map carrying heartbeats.
		// Defaults to advert.DefaultMapName.
		AdvertMap string
		// ActivityStream overrides monitor.DefaultActivityStream.
		ActivityStream string
		// HeartbeatInterval and MissedHeartbeats define the staleness window
		// after which a node is shown OFFLINE. Defaults follow the bus.
		HeartbeatInterval time.Duration
		MissedHeartbeats  int
		// Logger defaults to noop.
		Logger telemetry.Logger
	}

	// Change reports one graph mutation. Exactly one of Node and Edge is set.
	Change struct {
		Node    *monitor.Node
		Edge    *monitor.Edge
		Removed bool
	}

	// Graph is the observer-side graph state. Safe for concurrent use.
	Graph struct {
		topology pulse.Map
		adverts  pulse.Map
		sink     pulse.Sink
		log      telemetry.Logger
		stale    time.Duration
		interval time.Duration

		mu      sync.Mutex
		nodes   map[string]monitor.Node // keyed by guid
		nodeRaw map[string]string
		edges   map[string]monitor.Edge // keyed by edge key
		edgeRaw map[string]string
		offline map[string]bool

		changes    chan Change
		activities chan monitor.Activity

		closeOnce sync.Once
		closeCh   chan struct{}
		wg        sync.WaitGroup
	}
)

// NewGraph joins the topology and advertisement maps, converges from the
// durable catch-up state, and only then opens the activity subscription.
func NewGraph(ctx context.Context, opts Options) (*Graph, error) {
	if opts.Client == nil {
		return nil, errors.New("fabric client is required")
	}
	topoName := opts.TopologyMap
	if topoName == "" {
		topoName = monitor.DefaultTopologyMap
	}
	advertName := opts.AdvertMap
	if advertName == "" {
		advertName = advert.DefaultMapName
	}
	streamName := opts.ActivityStream
	if streamName == "" {
		streamName = monitor.DefaultActivityStream
	}
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = advert.DefaultHeartbeatInterval
	}
	missed := opts.MissedHeartbeats
	if missed <= 0 {
		missed = advert.DefaultMissedHeartbeats
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	topology, err := opts.Client.Map(ctx, topoName)
	if err != nil {
		return nil, fmt.Errorf("join topology map: %w", err)
	}
	adverts, err := opts.Client.Map(ctx, advertName)
	if err != nil {
		return nil, fmt.Errorf("join advertisement map: %w", err)
	}

	g := &Graph{
		topology:   topology,
		adverts:    adverts,
		log:        logger,
		stale:      time.Duration(missed+1) * interval,
		interval:   interval,
		nodes:      make(map[string]monitor.Node),
		nodeRaw:    make(map[string]string),
		edges:      make(map[string]monitor.Edge),
		edgeRaw:    make(map[string]string),
		offline:    make(map[string]bool),
		changes:    make(chan Change, 256),
		activities: make(chan monitor.Activity, 256),
		closeCh:    make(chan struct{}),
	}

	// Converge from the durable records before any activity is read.
	g.sync()

	stream, err := opts.Client.Stream(streamName)
	if err != nil {
		return nil, fmt.Errorf("open activity stream: %w", err)
	}
	sink, err := stream.NewSink(ctx, "observer-"+uuid.NewString()[:8])
	if err != nil {
		return nil, fmt.Errorf("create activity sink: %w", err)
	}
	g.sink = sink

	g.wg.Add(2)
	go g.watch()
	go g.consume()
	return g, nil
}

// Snapshot returns copies of the current node and edge views. Node states
// reflect the liveliness override: stale participants show OFFLINE.
func (g *Graph) Snapshot() (map[string]monitor.Node, map[string]monitor.Edge) {
	g.mu.Lock()
	defer g.mu.Unlock()
	nodes := make(map[string]monitor.Node, len(g.nodes))
	for guid, n := range g.nodes {
		if g.offline[guid] {
			n.State = monitor.StateOffline
		}
		nodes[guid] = n
	}
	edges := make(map[string]monitor.Edge, len(g.edges))
	for k, e := range g.edges {
		edges[k] = e
	}
	return nodes, edges
}

// Node returns the current view of one node.
func (g *Graph) Node(guid string) (monitor.Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[guid]
	if ok && g.offline[guid] {
		n.State = monitor.StateOffline
	}
	return n, ok
}

// Changes delivers graph mutations. The channel is buffered; when a slow
// consumer falls behind, changes are dropped and the snapshot remains the
// source of truth.
func (g *Graph) Changes() <-chan Change { return g.changes }

// Activities delivers the transient activity feed.
func (g *Graph) Activities() <-chan monitor.Activity { return g.activities }

// Close stops the subscriptions and the sweep loop.
func (g *Graph) Close(ctx context.Context) error {
	g.closeOnce.Do(func() {
		close(g.closeCh)
		if g.sink != nil {
			g.sink.Close(ctx)
		}
	})
	g.wg.Wait()
	return nil
}

// watch re-syncs on every map notification and sweeps liveliness on a timer.
func (g *Graph) watch() {
	defer g.wg.Done()
	updates := g.topology.Subscribe()
	defer g.topology.Unsubscribe(updates)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.closeCh:
			return
		case <-updates:
			g.sync()
		case <-ticker.C:
			g.sweep()
		}
	}
}

// sync diffs the durable records against the local view. Replays and
// duplicate writes of identical values produce no change events.
func (g *Graph) sync() {
	current := make(map[string]string)
	for _, key := range g.topology.Keys() {
		if value, ok := g.topology.Get(key); ok {
			current[key] = value
		}
	}

	var out []Change
	g.mu.Lock()
	seenNodes := make(map[string]bool)
	seenEdges := make(map[string]bool)
	for key, value := range current {
		switch {
		case len(key) > 5 && key[:5] == "node:":
			n, err := monitor.DecodeNode(value)
			if err != nil {
				g.log.Error(context.Background(), "bad node record", "key", key, "err", err)
				continue
			}
			seenNodes[n.GUID] = true
			if g.nodeRaw[n.GUID] == value {
				continue
			}
			g.nodes[n.GUID] = n
			g.nodeRaw[n.GUID] = value
			nc := n
			out = append(out, Change{Node: &nc})
		case len(key) > 5 && key[:5] == "edge:":
			e, err := monitor.DecodeEdge(value)
			if err != nil {
				g.log.Error(context.Background(), "bad edge record", "key", key, "err", err)
				continue
			}
			seenEdges[key] = true
			if g.edgeRaw[key] == value {
				continue
			}
			g.edges[key] = e
			g.edgeRaw[key] = value
			ec := e
			out = append(out, Change{Edge: &ec})
		}
	}
	for guid, n := range g.nodes {
		if !seenNodes[guid] {
			delete(g.nodes, guid)
			delete(g.nodeRaw, guid)
			delete(g.offline, guid)
			nc := n
			out = append(out, Change{Node: &nc, Removed: true})
		}
	}
	for key, e := range g.edges {
		if !seenEdges[key] {
			delete(g.edges, key)
			delete(g.edgeRaw, key)
			ec := e
			out = append(out, Change{Edge: &ec, Removed: true})
		}
	}
	g.mu.Unlock()

	for _, c := range out {
		g.deliver(c)
	}
}

// sweep flips nodes whose heartbeat went stale to OFFLINE, and back when the
// heartbeat returns.
func (g *Graph) sweep() {
	var out []Change
	g.mu.Lock()
	for guid, n := range g.nodes {
		live := false
		if value, ok := g.adverts.Get(advert.LiveKey(guid)); ok {
			live = advert.HeartbeatFresh(value, g.stale)
		}
		switch {
		case !live && !g.offline[guid]:
			g.offline[guid] = true
			nc := n
			nc.State = monitor.StateOffline
			out = append(out, Change{Node: &nc})
		case live && g.offline[guid]:
			delete(g.offline, guid)
			nc := n
			out = append(out, Change{Node: &nc})
		}
	}
	g.mu.Unlock()

	for _, c := range out {
		g.deliver(c)
	}
}

func (g *Graph) deliver(c Change) {
	select {
	case g.changes <- c:
	default:
	}
}

// consume tails the activity stream.
func (g *Graph) consume() {
	defer g.wg.Done()
	for ev := range g.sink.Subscribe() {
		var a monitor.Activity
		if err := json.Unmarshal(ev.Payload, &a); err != nil {
			g.log.Error(context.Background(), "bad activity event", "id", ev.ID, "err", err)
			_ = g.sink.Ack(context.Background(), ev)
			continue
		}
		if err := g.sink.Ack(context.Background(), ev); err != nil {
			g.log.Error(context.Background(), "activity ack failed", "id", ev.ID, "err", err)
		}
		select {
		case g.activities <- a:
		case <-g.closeCh:
			return
		}
	}
}
