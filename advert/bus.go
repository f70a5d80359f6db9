package advert

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/genesis-fabric/genesis/fabric/pulse"
	"github.com/genesis-fabric/genesis/telemetry"
)

const (
	// DefaultMapName is the replicated map backing the advertisement bus.
	DefaultMapName = "genesis:adverts"
	// DefaultHeartbeatInterval is the period between liveness heartbeats.
	DefaultHeartbeatInterval = 2 * time.Second
	// DefaultMissedHeartbeats is the number of consecutive missed heartbeats
	// before a participant's advertisements are considered gone.
	DefaultMissedHeartbeats = 3
)

type (
	// Callbacks receives advertisement lifecycle notifications. Dispatch is
	// serialized: the catch-up replay of a new subscription completes before
	// any live notification reaches it, and no two callbacks run
	// concurrently, so implementations may touch agent state without extra
	// locking.
	Callbacks struct {
		OnAdd    func(key string, ad Advertisement)
		OnUpdate func(key string, ad Advertisement)
		OnRemove func(key string, ad Advertisement)
	}

	// Options configures a Bus.
	Options struct {
		// Client is the fabric client used to join the advertisement map. Required.
		Client pulse.Client
		// GUID identifies the local participant. Required.
		GUID string
		// Logger receives discovery errors and lifecycle logs. Defaults to noop.
		Logger telemetry.Logger
		// MapName overrides the replicated map name. Defaults to DefaultMapName.
		MapName string
		// HeartbeatInterval overrides the liveness heartbeat period.
		HeartbeatInterval time.Duration
		// MissedHeartbeats overrides the missed-heartbeat threshold.
		MissedHeartbeats int
	}

	// Bus owns the local participant's writer slot on the advertisement topic
	// and a listener that feeds discovery callbacks. One Bus per process.
	Bus struct {
		guid     string
		m        pulse.Map
		log      telemetry.Logger
		interval time.Duration
		stale    time.Duration

		// dispatchMu serializes callback dispatch. Subscribe holds it across
		// registration and catch-up replay so no live notification can reach
		// a subscription before its replay finishes.
		dispatchMu sync.Mutex

		mu          sync.Mutex
		snapshot    map[string]Advertisement // last observed live entries
		snapshotRaw map[string]string        // raw values, for update detection
		owned       map[string]struct{}      // keys this participant advertised
		subs        []*subscription

		closeOnce sync.Once
		closeCh   chan struct{}
		wg        sync.WaitGroup
	}

	subscription struct {
		kind Kind
		cb   Callbacks
	}
)

// NewBus joins the advertisement map, performs the initial catch-up sync, and
// starts the heartbeat and listener goroutines. Close must be called on
// shutdown to dispose the participant's advertisements.
func NewBus(ctx context.Context, opts Options) (*Bus, error) {
	if opts.Client == nil {
		return nil, errors.New("fabric client is required")
	}
	if opts.GUID == "" {
		return nil, errors.New("participant guid is required")
	}
	name := opts.MapName
	if name == "" {
		name = DefaultMapName
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	missed := opts.MissedHeartbeats
	if missed <= 0 {
		missed = DefaultMissedHeartbeats
	}
	m, err := opts.Client.Map(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("join advertisement map: %w", err)
	}
	b := &Bus{
		guid:        opts.GUID,
		m:           m,
		log:         logger,
		interval:    interval,
		stale:       time.Duration(missed+1) * interval,
		snapshot:    make(map[string]Advertisement),
		snapshotRaw: make(map[string]string),
		owned:       make(map[string]struct{}),
		closeCh:     make(chan struct{}),
	}
	if err := b.beat(ctx); err != nil {
		return nil, err
	}
	b.sync(ctx)

	b.wg.Add(2)
	go b.watch()
	go b.heartbeat()
	return b, nil
}

// GUID returns the local participant identifier.
func (b *Bus) GUID() string { return b.guid }

// Map exposes the underlying replicated map so sibling layers (RPC endpoint
// registration, monitoring topology) can share the durable keyed topic.
func (b *Bus) Map() pulse.Map { return b.m }

// AdvertiseAgent publishes or refreshes the local agent advertisement.
func (b *Bus) AdvertiseAgent(ctx context.Context, p AgentPayload) error {
	if p.GUID == "" {
		p.GUID = b.guid
	}
	value, err := encode(KindAgent, b.guid, p)
	if err != nil {
		return err
	}
	return b.advertise(ctx, AgentKey(p.GUID), value)
}

// AdvertiseFunction publishes or refreshes a function advertisement.
func (b *Bus) AdvertiseFunction(ctx context.Context, p FunctionPayload) error {
	if p.ProviderGUID == "" {
		p.ProviderGUID = b.guid
	}
	value, err := encode(KindFunction, b.guid, p)
	if err != nil {
		return err
	}
	return b.advertise(ctx, FunctionKey(p.ProviderGUID, p.FunctionID), value)
}

func (b *Bus) advertise(ctx context.Context, key, value string) error {
	if _, err := b.m.Set(ctx, key, value); err != nil {
		return fmt.Errorf("advertise %q: %w", key, err)
	}
	b.mu.Lock()
	b.owned[key] = struct{}{}
	b.mu.Unlock()
	return nil
}

// Dispose removes a previously advertised key. Disposing a key twice is
// equivalent to disposing it once.
func (b *Bus) Dispose(ctx context.Context, key string) error {
	if _, err := b.m.Delete(ctx, key); err != nil {
		return fmt.Errorf("dispose %q: %w", key, err)
	}
	b.mu.Lock()
	delete(b.owned, key)
	b.mu.Unlock()
	return nil
}

// Subscribe registers callbacks for one advertisement kind. Every currently
// live entry of that kind is replayed through OnAdd (catch-up) before any
// live-stream notification is delivered. The returned function cancels the
// subscription.
func (b *Bus) Subscribe(kind Kind, cb Callbacks) func() {
	sub := &subscription{kind: kind, cb: cb}
	b.dispatchMu.Lock()
	b.mu.Lock()
	catchup := make(map[string]Advertisement)
	for key, ad := range b.snapshot {
		if ad.Kind == kind {
			catchup[key] = ad
		}
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	for key, ad := range catchup {
		b.invoke(cb.OnAdd, key, ad)
	}
	b.dispatchMu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Snapshot returns a copy of the currently live advertisements of the given kind.
func (b *Bus) Snapshot(kind Kind) map[string]Advertisement {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Advertisement)
	for key, ad := range b.snapshot {
		if ad.Kind == kind {
			out[key] = ad
		}
	}
	return out
}

// Close disposes every owned advertisement, removes the heartbeat, and stops
// the listener. Safe to call more than once.
func (b *Bus) Close(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closeCh)
		b.wg.Wait()
		b.mu.Lock()
		owned := make([]string, 0, len(b.owned))
		for key := range b.owned {
			owned = append(owned, key)
		}
		b.owned = make(map[string]struct{})
		b.mu.Unlock()
		for _, key := range owned {
			if _, derr := b.m.Delete(ctx, key); derr != nil {
				err = errors.Join(err, fmt.Errorf("dispose %q: %w", key, derr))
			}
		}
		if _, derr := b.m.Delete(ctx, liveKey(b.guid)); derr != nil {
			err = errors.Join(err, fmt.Errorf("remove heartbeat: %w", derr))
		}
	})
	return err
}

// watch consumes map change notifications and periodically re-syncs so stale
// heartbeats are noticed even when the map itself is quiet.
func (b *Bus) watch() {
	defer b.wg.Done()
	events := b.m.Subscribe()
	defer b.m.Unsubscribe(events)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.closeCh:
			return
		case <-events:
			b.sync(context.Background())
		case <-ticker.C:
			b.sync(context.Background())
		}
	}
}

// heartbeat refreshes the participant's liveness timestamp.
func (b *Bus) heartbeat() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.closeCh:
			return
		case <-ticker.C:
			if err := b.beat(context.Background()); err != nil {
				b.log.Error(context.Background(), "heartbeat write failed", "guid", b.guid, "err", err)
			}
		}
	}
}

func (b *Bus) beat(ctx context.Context) error {
	_, err := b.m.Set(ctx, liveKey(b.guid), strconv.FormatInt(time.Now().UnixNano(), 10))
	if err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return nil
}

// sync diffs the map contents against the local snapshot and dispatches
// add/update/remove callbacks. Entries whose owner heartbeat has gone stale
// are treated as removed; the dispose of a key is authoritative regardless of
// heartbeats.
func (b *Bus) sync(ctx context.Context) {
	current := make(map[string]Advertisement)
	currentRaw := make(map[string]string)
	for _, key := range b.m.Keys() {
		if _, ok := kindOfKey(key); !ok {
			continue
		}
		value, ok := b.m.Get(key)
		if !ok {
			continue
		}
		if !b.ownerLive(ownerOfKey(key)) {
			continue
		}
		ad, err := decode(value)
		if err != nil {
			b.log.Error(ctx, "rejecting advertisement", "key", key, "value", value, "err", err)
			continue
		}
		current[key] = ad
		currentRaw[key] = value
	}

	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()
	b.mu.Lock()
	prev := b.snapshot
	b.snapshot = current
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	prevRaw := b.snapshotRaw
	b.snapshotRaw = currentRaw
	b.mu.Unlock()

	for key, ad := range current {
		_, existed := prev[key]
		for _, sub := range subs {
			if sub.kind != ad.Kind {
				continue
			}
			if !existed {
				b.invoke(sub.cb.OnAdd, key, ad)
			} else if prevRaw[key] != currentRaw[key] {
				b.invoke(sub.cb.OnUpdate, key, ad)
			}
		}
	}
	for key, ad := range prev {
		if _, still := current[key]; still {
			continue
		}
		for _, sub := range subs {
			if sub.kind == ad.Kind {
				b.invoke(sub.cb.OnRemove, key, ad)
			}
		}
	}
}

// ownerLive reports whether the advertiser's heartbeat is fresh. A missing
// heartbeat entry means the participant disposed cleanly or never joined;
// advertisements without a live owner are not visible.
func (b *Bus) ownerLive(guid string) bool {
	if guid == "" {
		return false
	}
	value, ok := b.m.Get(liveKey(guid))
	if !ok {
		return false
	}
	return HeartbeatFresh(value, b.stale)
}

// invoke runs a callback, recovering panics so one bad subscriber cannot stop
// the dispatch loop. Recovered panics are logged with the offending payload.
func (b *Bus) invoke(fn func(string, Advertisement), key string, ad Advertisement) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.log.Error(context.Background(), "advertisement callback panicked",
				"key", key, "kind", string(ad.Kind), "panic", fmt.Sprint(r))
		}
	}()
	fn(key, ad)
}
