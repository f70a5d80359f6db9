// Package pulsetest provides in-memory implementations of the fabric
// interfaces for unit tests. Streams deliver every published event to every
// sink created on them, and maps emit change notifications like Pulse
// replicated maps, all without a Redis backend.
package pulsetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"goa.design/pulse/rmap"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/genesis-fabric/genesis/fabric/pulse"
)

type (
	// Client is an in-memory fabric holding named streams and maps. Two
	// participants sharing the same Client see each other, which makes a single
	// Client the test analogue of a shared Redis instance.
	Client struct {
		mu      sync.Mutex
		streams map[string]*Stream
		maps    map[string]*Map
		seq     int64
	}

	// Stream is an in-memory stream. Every sink created on the stream receives
	// every event added after the sink was created.
	Stream struct {
		name   string
		client *Client

		mu    sync.Mutex
		sinks []*Sink
	}

	// Sink is an in-memory consumer group over a Stream.
	Sink struct {
		name string

		mu     sync.Mutex
		ch     chan *streaming.Event
		closed bool
	}

	// Map is an in-memory replicated map with change notifications.
	Map struct {
		mu   sync.Mutex
		data map[string]string
		subs map[<-chan rmap.EventKind]chan rmap.EventKind
	}
)

// NewClient returns an empty in-memory fabric.
func NewClient() *Client {
	return &Client{
		streams: make(map[string]*Stream),
		maps:    make(map[string]*Map),
	}
}

// Stream returns the named in-memory stream, creating it on first use.
func (c *Client) Stream(name string, _ ...streamopts.Stream) (pulse.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[name]
	if !ok {
		s = &Stream{name: name, client: c}
		c.streams[name] = s
	}
	return s, nil
}

// Map returns the named in-memory map, creating it on first use.
func (c *Client) Map(_ context.Context, name string) (pulse.Map, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.maps[name]
	if !ok {
		m = NewMap()
		c.maps[name] = m
	}
	return m, nil
}

// Close is a no-op.
func (c *Client) Close(context.Context) error { return nil }

func (c *Client) nextID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return fmt.Sprintf("%d-0", c.seq)
}

// Add delivers the event to every sink currently attached to the stream.
func (s *Stream) Add(_ context.Context, event string, payload []byte) (string, error) {
	id := s.client.nextID()
	s.mu.Lock()
	sinks := make([]*Sink, len(s.sinks))
	copy(sinks, s.sinks)
	s.mu.Unlock()
	for _, sink := range sinks {
		sink.deliver(&streaming.Event{ID: id, EventName: event, Payload: payload})
	}
	return id, nil
}

// NewSink attaches a new consumer group to the stream. Unlike Redis consumer
// groups, each call receives its own event feed; tests do not create competing
// consumers within one group.
func (s *Stream) NewSink(_ context.Context, name string, _ ...streamopts.Sink) (pulse.Sink, error) {
	sink := &Sink{name: name, ch: make(chan *streaming.Event, 1024)}
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	s.mu.Unlock()
	return sink, nil
}

// Destroy detaches all sinks from the stream.
func (s *Stream) Destroy(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sink := range s.sinks {
		sink.Close(context.Background())
	}
	s.sinks = nil
	return nil
}

func (s *Sink) deliver(evt *streaming.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- evt:
	default:
		// Buffer full; tests that overflow 1024 pending events are broken anyway.
	}
}

// Subscribe returns the sink's event channel.
func (s *Sink) Subscribe() <-chan *streaming.Event { return s.ch }

// Ack is a no-op.
func (s *Sink) Ack(context.Context, *streaming.Event) error { return nil }

// Close closes the event channel. Safe to call more than once.
func (s *Sink) Close(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// NewMap returns an empty in-memory replicated map.
func NewMap() *Map {
	return &Map{
		data: make(map[string]string),
		subs: make(map[<-chan rmap.EventKind]chan rmap.EventKind),
	}
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

// Keys returns all keys in sorted order.
func (m *Map) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set stores value under key and notifies subscribers. Returns the previous value.
func (m *Map) Set(_ context.Context, key, value string) (string, error) {
	m.mu.Lock()
	prev := m.data[key]
	m.data[key] = value
	m.notifyLocked()
	m.mu.Unlock()
	return prev, nil
}

// SetIfNotExists stores value under key only when the key is absent. Reports
// whether the value was written.
func (m *Map) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	m.notifyLocked()
	return true, nil
}

// Delete removes key and notifies subscribers. Returns the previous value.
func (m *Map) Delete(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.data[key]
	if !ok {
		return "", nil
	}
	delete(m.data, key)
	m.notifyLocked()
	return prev, nil
}

// Subscribe returns a channel that receives a notification for every change.
func (m *Map) Subscribe() <-chan rmap.EventKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan rmap.EventKind, 64)
	m.subs[ch] = ch
	return ch
}

// Unsubscribe removes and closes the subscription channel.
func (m *Map) Unsubscribe(ch <-chan rmap.EventKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if send, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(send)
	}
}

func (m *Map) notifyLocked() {
	var kind rmap.EventKind
	for _, ch := range m.subs {
		select {
		case ch <- kind:
		default:
		}
	}
}
