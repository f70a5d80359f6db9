package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/genesis-fabric/genesis/fabric/pulse"
	"github.com/genesis-fabric/genesis/telemetry"
)

type (
	// PublisherOptions configures NewPublisher.
	PublisherOptions struct {
		// Client is the fabric client. Required.
		Client pulse.Client
		// GUID identifies the owning participant. Required.
		GUID string
		// TopologyMap overrides DefaultTopologyMap.
		TopologyMap string
		// ActivityStream overrides DefaultActivityStream.
		ActivityStream string
		// Logger defaults to noop.
		Logger telemetry.Logger
	}

	// Publisher owns a participant's node and edge records. Close disposes
	// every key it published, so clean shutdown leaves no ghost topology.
	Publisher struct {
		guid     string
		topology pulse.Map
		activity pulse.Stream
		log      telemetry.Logger

		mu     sync.Mutex
		owned  map[string]struct{}
		closed bool
	}
)

// NewPublisher joins the topology map and opens the activity stream.
func NewPublisher(ctx context.Context, opts PublisherOptions) (*Publisher, error) {
	if opts.Client == nil {
		return nil, errors.New("fabric client is required")
	}
	if opts.GUID == "" {
		return nil, errors.New("guid is required")
	}
	mapName := opts.TopologyMap
	if mapName == "" {
		mapName = DefaultTopologyMap
	}
	streamName := opts.ActivityStream
	if streamName == "" {
		streamName = DefaultActivityStream
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	topology, err := opts.Client.Map(ctx, mapName)
	if err != nil {
		return nil, fmt.Errorf("join topology map: %w", err)
	}
	activity, err := opts.Client.Stream(streamName)
	if err != nil {
		return nil, fmt.Errorf("open activity stream: %w", err)
	}
	return &Publisher{
		guid:     opts.GUID,
		topology: topology,
		activity: activity,
		log:      logger,
		owned:    make(map[string]struct{}),
	}, nil
}

// GUID returns the owning participant id.
func (p *Publisher) GUID() string { return p.guid }

// PublishNode writes the node record for this participant's guid, or for the
// given node's own guid when publishing on behalf of a hosted entity such as
// a function.
func (p *Publisher) PublishNode(ctx context.Context, n Node) error {
	if n.GUID == "" {
		n.GUID = p.guid
	}
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	value, err := encodeNode(n)
	if err != nil {
		return err
	}
	return p.set(ctx, NodeKey(n.GUID), value)
}

// SetState republishes this participant's node record with a new state.
func (p *Publisher) SetState(ctx context.Context, kind NodeKind, name string, state NodeState) error {
	return p.PublishNode(ctx, Node{GUID: p.guid, Kind: kind, Name: name, State: state})
}

// PublishEdge writes one edge record. Republishing the same edge overwrites
// the same key.
func (p *Publisher) PublishEdge(ctx context.Context, e Edge) error {
	if e.From == "" {
		e.From = p.guid
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	value, err := encodeEdge(e)
	if err != nil {
		return err
	}
	return p.set(ctx, EdgeKey(e.From, e.To, e.Type), value)
}

// Emit publishes one activity event on the volatile stream.
func (p *Publisher) Emit(ctx context.Context, a Activity) error {
	if a.Source == "" {
		a.Source = p.guid
	}
	if a.Time.IsZero() {
		a.Time = time.Now()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode activity: %w", err)
	}
	if _, err := p.activity.Add(ctx, activityEventName, data); err != nil {
		return fmt.Errorf("publish activity: %w", err)
	}
	return nil
}

func (p *Publisher) set(ctx context.Context, key, value string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("monitor: publisher closed")
	}
	p.owned[key] = struct{}{}
	p.mu.Unlock()
	if _, err := p.topology.Set(ctx, key, value); err != nil {
		return fmt.Errorf("publish topology record %s: %w", key, err)
	}
	return nil
}

// Close disposes every node and edge record this publisher owns.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	keys := make([]string, 0, len(p.owned))
	for k := range p.owned {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	var errs []error
	for _, key := range keys {
		if _, err := p.topology.Delete(ctx, key); err != nil {
			p.log.Error(ctx, "dispose topology record failed", "key", key, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
