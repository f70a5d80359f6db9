package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/genesis-fabric/genesis/fabric/pulse"
	"github.com/genesis-fabric/genesis/telemetry"
)

type (
	// Handler processes one request and produces the reply payload and status.
	// Handlers run on the replier's dispatch goroutine, never on the fabric
	// notification thread. Returning a non-nil error produces a StatusError
	// reply carrying the error text.
	Handler func(ctx context.Context, req Request) (json.RawMessage, int, error)

	// ReplierOptions configures Serve.
	ReplierOptions struct {
		// Client is the fabric client. Required.
		Client pulse.Client
		// Registry is the shared advertisement map used for endpoint
		// registration. Required.
		Registry pulse.Map
		// Endpoint is the served endpoint name. Required.
		Endpoint string
		// GUID identifies the serving participant. Required.
		GUID string
		// Handler processes requests. Required.
		Handler Handler
		// Logger defaults to noop.
		Logger telemetry.Logger
	}

	// Replier serves one endpoint: it consumes the request stream, schedules
	// the handler on a dispatch goroutine, and publishes correlated replies.
	Replier struct {
		endpoint string
		guid     string
		handler  Handler
		log      telemetry.Logger
		registry pulse.Map
		sink     pulse.Sink
		replies  pulse.Stream

		work chan Request

		closeOnce sync.Once
		closeCh   chan struct{}
		wg        sync.WaitGroup
	}
)

// Serve registers the endpoint and starts serving requests. It fails with
// ErrEndpointTaken when a different participant already registered the
// endpoint; re-registration by the same guid (writer recreation after a
// restart) succeeds and re-advertises.
func Serve(ctx context.Context, opts ReplierOptions) (*Replier, error) {
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
	if opts.Handler == nil {
		return nil, errors.New("handler is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	key := endpointKey(opts.Endpoint)
	if current, ok := opts.Registry.Get(key); ok && current != opts.GUID {
		return nil, fmt.Errorf("%w: %q held by %s", ErrEndpointTaken, opts.Endpoint, current)
	}
	if _, err := opts.Registry.Set(ctx, key, opts.GUID); err != nil {
		return nil, fmt.Errorf("register endpoint %q: %w", opts.Endpoint, err)
	}

	reqStream, err := opts.Client.Stream(requestStream(opts.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("open request stream: %w", err)
	}
	sink, err := reqStream.NewSink(ctx, "replier-"+opts.GUID)
	if err != nil {
		return nil, fmt.Errorf("create request sink: %w", err)
	}
	repStream, err := opts.Client.Stream(replyStream(opts.Endpoint))
	if err != nil {
		sink.Close(ctx)
		return nil, fmt.Errorf("open reply stream: %w", err)
	}

	r := &Replier{
		endpoint: opts.Endpoint,
		guid:     opts.GUID,
		handler:  opts.Handler,
		log:      logger,
		registry: opts.Registry,
		sink:     sink,
		replies:  repStream,
		work:     make(chan Request, 64),
		closeCh:  make(chan struct{}),
	}
	r.wg.Add(2)
	go r.consume()
	go r.dispatch()
	return r, nil
}

// Endpoint returns the served endpoint name.
func (r *Replier) Endpoint() string { return r.endpoint }

// Close deregisters the endpoint and stops serving. In-flight handlers finish;
// their replies may be lost if the process exits immediately after.
func (r *Replier) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		if _, derr := r.registry.Delete(ctx, endpointKey(r.endpoint)); derr != nil {
			err = fmt.Errorf("deregister endpoint %q: %w", r.endpoint, derr)
		}
		close(r.closeCh)
		r.sink.Close(ctx)
		r.wg.Wait()
	})
	return err
}

// consume runs on the fabric side: it takes all pending requests from the
// sink, acknowledges them, and marshals them onto the dispatch goroutine.
func (r *Replier) consume() {
	defer r.wg.Done()
	defer close(r.work)
	events := r.sink.Subscribe()
	for {
		select {
		case <-r.closeCh:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			var req Request
			if err := json.Unmarshal(evt.Payload, &req); err != nil {
				r.log.Error(context.Background(), "dropping malformed rpc request",
					"endpoint", r.endpoint, "payload", string(evt.Payload), "err", err)
				_ = r.sink.Ack(context.Background(), evt)
				continue
			}
			if err := r.sink.Ack(context.Background(), evt); err != nil {
				r.log.Error(context.Background(), "ack rpc request", "endpoint", r.endpoint, "err", err)
			}
			select {
			case r.work <- req:
			case <-r.closeCh:
				return
			}
		}
	}
}

// dispatch is the replier's event loop: requests run here one at a time.
func (r *Replier) dispatch() {
	defer r.wg.Done()
	for req := range r.work {
		r.serveOne(req)
	}
}

func (r *Replier) serveOne(req Request) {
	ctx := context.Background()
	payload, status, err := r.safeHandle(ctx, req)
	if err != nil {
		r.log.Error(ctx, "rpc handler failed",
			"endpoint", r.endpoint, "request_id", req.RequestID, "err", err)
		msg, _ := json.Marshal(map[string]string{"error": err.Error()})
		payload, status = msg, StatusError
	}
	if err := r.reply(ctx, req, payload, status); err != nil {
		r.log.Error(ctx, "rpc reply failed",
			"endpoint", r.endpoint, "request_id", req.RequestID, "err", err)
	}
}

// safeHandle invokes the handler, converting panics into errors so one bad
// request cannot take down the dispatch loop.
func (r *Replier) safeHandle(ctx context.Context, req Request) (payload json.RawMessage, status int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return r.handler(ctx, req)
}

// reply publishes the response correlated by request id and requester identity.
func (r *Replier) reply(ctx context.Context, req Request, payload json.RawMessage, status int) error {
	b, err := json.Marshal(Reply{
		RequestID:  req.RequestID,
		TargetGUID: req.SourceGUID,
		Status:     status,
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	if _, err := r.replies.Add(ctx, "reply", b); err != nil {
		return fmt.Errorf("%w: publish reply: %v", ErrTransport, err)
	}
	return nil
}
