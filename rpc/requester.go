package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/genesis-fabric/genesis/fabric/pulse"
	"github.com/genesis-fabric/genesis/telemetry"
)

// DefaultConnectTimeout bounds how long Connect waits for a replier to appear.
const DefaultConnectTimeout = 10 * time.Second

type (
	// RequesterOptions configures Connect.
	RequesterOptions struct {
		// Client is the fabric client. Required.
		Client pulse.Client
		// Registry is the shared advertisement map holding endpoint
		// registrations. Required.
		Registry pulse.Map
		// Endpoint is the target endpoint name. Required.
		Endpoint string
		// GUID identifies the calling participant. Required.
		GUID string
		// ConnectTimeout bounds replier discovery. Defaults to DefaultConnectTimeout.
		ConnectTimeout time.Duration
		// Logger defaults to noop.
		Logger telemetry.Logger
	}

	// Requester is one side of a connection to a specific endpoint. Calls may
	// be issued concurrently; replies are matched by request id, duplicates
	// are dropped, and replies for abandoned requests are discarded.
	Requester struct {
		endpoint string
		guid     string
		log      telemetry.Logger
		requests pulse.Stream
		sink     pulse.Sink

		mu      sync.Mutex
		pending map[string]chan Reply
		seen    map[string]struct{}

		closeOnce sync.Once
		closeCh   chan struct{}
		wg        sync.WaitGroup
	}
)

// Connect blocks until the endpoint has a registered live replier, then opens
// the reply subscription. Returns ErrNoReplier when the timeout elapses first.
func Connect(ctx context.Context, opts RequesterOptions) (*Requester, error) {
	if opts.Client == nil {
		return nil, errors.New("fabric client is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry map is required")
	}
	if opts.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if opts.GUID == "" {
		return nil, errors.New("guid is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	if err := awaitEndpoint(ctx, opts.Registry, opts.Endpoint, timeout); err != nil {
		return nil, err
	}

	reqStream, err := opts.Client.Stream(requestStream(opts.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("open request stream: %w", err)
	}
	repStream, err := opts.Client.Stream(replyStream(opts.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("open reply stream: %w", err)
	}
	sink, err := repStream.NewSink(ctx, "requester-"+opts.GUID)
	if err != nil {
		return nil, fmt.Errorf("create reply sink: %w", err)
	}

	r := &Requester{
		endpoint: opts.Endpoint,
		guid:     opts.GUID,
		log:      logger,
		requests: reqStream,
		sink:     sink,
		pending:  make(map[string]chan Reply),
		seen:     make(map[string]struct{}),
		closeCh:  make(chan struct{}),
	}
	r.wg.Add(1)
	go r.consume()
	return r, nil
}

// awaitEndpoint watches the registry map until the endpoint key appears.
func awaitEndpoint(ctx context.Context, registry pulse.Map, endpoint string, timeout time.Duration) error {
	if _, ok := registry.Get(endpointKey(endpoint)); ok {
		return nil
	}
	events := registry.Subscribe()
	defer registry.Unsubscribe(events)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		// Re-check after subscribing to avoid missing a registration that
		// landed between the first Get and the subscription.
		if _, ok := registry.Get(endpointKey(endpoint)); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w: %q after %s", ErrNoReplier, endpoint, timeout)
		case _, ok := <-events:
			if !ok {
				return fmt.Errorf("%w: registry subscription closed", ErrTransport)
			}
		}
	}
}

// Endpoint returns the connected endpoint name.
func (r *Requester) Endpoint() string { return r.endpoint }

// Call publishes a request and waits for the correlated reply. Cancellation
// stops the wait without sending anything further; a late reply for the
// abandoned id is discarded by the consumer. Returns ErrTimeout when the
// timeout elapses first.
func (r *Requester) Call(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, int, error) {
	select {
	case <-r.closeCh:
		return nil, StatusError, ErrClosed
	default:
	}
	id := uuid.NewString()
	ch := make(chan Reply, 1)
	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	b, err := json.Marshal(Request{RequestID: id, SourceGUID: r.guid, Payload: payload})
	if err != nil {
		return nil, StatusError, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := r.requests.Add(ctx, "request", b); err != nil {
		return nil, StatusError, fmt.Errorf("%w: publish request: %v", ErrTransport, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, StatusError, ctx.Err()
	case <-r.closeCh:
		return nil, StatusError, ErrClosed
	case <-timer.C:
		return nil, StatusError, fmt.Errorf("%w: %q after %s", ErrTimeout, r.endpoint, timeout)
	case reply := <-ch:
		return reply.Payload, reply.Status, nil
	}
}

// Close stops the reply subscription. Pending calls fail with ErrClosed.
func (r *Requester) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		close(r.closeCh)
		r.sink.Close(ctx)
		r.wg.Wait()
	})
	return nil
}

// consume matches replies to pending calls. Replies addressed to other
// requesters, duplicate replies, and replies for abandoned ids are dropped.
func (r *Requester) consume() {
	defer r.wg.Done()
	events := r.sink.Subscribe()
	for {
		select {
		case <-r.closeCh:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			var reply Reply
			if err := json.Unmarshal(evt.Payload, &reply); err != nil {
				r.log.Error(context.Background(), "dropping malformed rpc reply",
					"endpoint", r.endpoint, "payload", string(evt.Payload), "err", err)
				_ = r.sink.Ack(context.Background(), evt)
				continue
			}
			_ = r.sink.Ack(context.Background(), evt)
			if reply.TargetGUID != r.guid {
				continue
			}
			r.mu.Lock()
			if _, dup := r.seen[reply.RequestID]; dup {
				r.mu.Unlock()
				continue
			}
			if len(r.seen) > 8192 {
				// Duplicate detection only matters within the reply window of
				// recent calls; reset rather than grow without bound.
				r.seen = make(map[string]struct{})
			}
			r.seen[reply.RequestID] = struct{}{}
			ch, ok := r.pending[reply.RequestID]
			r.mu.Unlock()
			if !ok {
				// Reply for an abandoned or unknown request id.
				continue
			}
			ch <- reply
		}
	}
}
