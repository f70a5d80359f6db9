// Package service provides the base for function providers: it registers
// named functions with JSON Schema parameters, advertises them on the bus,
// serves the RPC endpoint that dispatches calls to the bound handlers, and
// publishes the SERVICE topology records.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	invopop "github.com/invopop/jsonschema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/genesis-fabric/genesis/advert"
	"github.com/genesis-fabric/genesis/fabric/pulse"
	"github.com/genesis-fabric/genesis/monitor"
	"github.com/genesis-fabric/genesis/rpc"
	"github.com/genesis-fabric/genesis/telemetry"
)

// ErrUnknownFunction reports a call naming a function id this service does
// not host.
var ErrUnknownFunction = errors.New("service: unknown function")

type (
	// Handler executes one function call. Arguments are the validated JSON
	// object produced by the caller; the returned value is serialized as the
	// reply payload.
	Handler func(ctx context.Context, args json.RawMessage) (any, error)

	// Options configures New.
	Options struct {
		// Client is the fabric client. Required.
		Client pulse.Client
		// Bus is this service's advertisement bus. Required.
		Bus *advert.Bus
		// Name is the service name; it prefixes function ids. Required.
		Name string
		// Endpoint is the RPC endpoint served for all functions of this
		// service. Defaults to Name.
		Endpoint string
		// Publisher publishes SERVICE topology and per-call activity.
		// Optional; without it the service runs unmonitored.
		Publisher *monitor.Publisher
		// Logger defaults to noop.
		Logger telemetry.Logger
	}

	// RegisterOption customizes one function registration.
	RegisterOption func(*registration) error

	registration struct {
		id          string
		name        string
		description string
		schema      json.RawMessage
		compiled    *jsonschema.Schema
		handler     Handler
	}

	// Service hosts registered functions. Register before Start; Start
	// advertises and serves; Close disposes everything it published.
	Service struct {
		client   pulse.Client
		bus      *advert.Bus
		name     string
		endpoint string
		pub      *monitor.Publisher
		log      telemetry.Logger

		mu        sync.Mutex
		functions map[string]*registration // keyed by function id
		replier   *rpc.Replier
		started   bool
		closed    bool
	}

	callRequest struct {
		FunctionID string          `json:"function_id"`
		ChainID    string          `json:"chain_id,omitempty"`
		Arguments  json.RawMessage `json:"arguments"`
	}
)

// WithSchema supplies the parameter schema as raw JSON Schema.
func WithSchema(raw json.RawMessage) RegisterOption {
	return func(r *registration) error {
		r.schema = raw
		return nil
	}
}

// WithSchemaFor derives the parameter schema from a Go payload type.
func WithSchemaFor[T any]() RegisterOption {
	return func(r *registration) error {
		reflector := invopop.Reflector{
			DoNotReference: true,
			ExpandedStruct: true,
		}
		schema := reflector.Reflect(new(T))
		schema.Version = ""
		data, err := json.Marshal(schema)
		if err != nil {
			return fmt.Errorf("derive schema: %w", err)
		}
		r.schema = data
		return nil
	}
}

// New validates the options and returns an idle Service.
func New(opts Options) (*Service, error) {
	if opts.Client == nil {
		return nil, errors.New("fabric client is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("advertisement bus is required")
	}
	if opts.Name == "" {
		return nil, errors.New("service name is required")
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = opts.Name
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Service{
		client:    opts.Client,
		bus:       opts.Bus,
		name:      opts.Name,
		endpoint:  endpoint,
		pub:       opts.Publisher,
		log:       logger,
		functions: make(map[string]*registration),
	}, nil
}

// GUID returns the service's fabric participant id.
func (s *Service) GUID() string { return s.bus.GUID() }

// Register binds a handler to a function name. The function id is
// "<service>.<name>". Registration after Start is rejected.
func (s *Service) Register(name, description string, handler Handler, opts ...RegisterOption) error {
	if name == "" {
		return errors.New("function name is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	reg := &registration{
		id:          s.name + "." + name,
		name:        name,
		description: description,
		handler:     handler,
	}
	for _, opt := range opts {
		if err := opt(reg); err != nil {
			return err
		}
	}
	if len(reg.schema) > 0 {
		compiled, err := compileSchema(reg.id, reg.schema)
		if err != nil {
			return err
		}
		reg.compiled = compiled
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("service already started")
	}
	if _, taken := s.functions[reg.id]; taken {
		return fmt.Errorf("function %q already registered", name)
	}
	s.functions[reg.id] = reg
	return nil
}

// Start serves the RPC endpoint, advertises every registered function, and
// publishes the SERVICE topology records.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("service already started")
	}
	regs := make([]*registration, 0, len(s.functions))
	for _, r := range s.functions {
		regs = append(regs, r)
	}
	s.mu.Unlock()
	if len(regs) == 0 {
		return errors.New("no functions registered")
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].id < regs[j].id })

	replier, err := rpc.Serve(ctx, rpc.ReplierOptions{
		Client:   s.client,
		Registry: s.bus.Map(),
		Endpoint: s.endpoint,
		GUID:     s.GUID(),
		Handler:  s.handle,
		Logger:   s.log,
	})
	if err != nil {
		return fmt.Errorf("serve endpoint %q: %w", s.endpoint, err)
	}

	for _, reg := range regs {
		if err := s.bus.AdvertiseFunction(ctx, advert.FunctionPayload{
			FunctionID:      reg.id,
			Name:            reg.name,
			Description:     reg.description,
			ParameterSchema: reg.schema,
			ProviderGUID:    s.GUID(),
			Endpoint:        s.endpoint,
		}); err != nil {
			_ = replier.Close(ctx)
			return fmt.Errorf("advertise function %q: %w", reg.id, err)
		}
	}

	if s.pub != nil {
		if err := s.pub.SetState(ctx, monitor.NodeService, s.name, monitor.StateReady); err != nil {
			s.log.Error(ctx, "publish service node failed", "err", err)
		}
		for _, reg := range regs {
			if err := s.pub.PublishNode(ctx, monitor.Node{
				GUID:  reg.id,
				Kind:  monitor.NodeFunction,
				Name:  reg.name,
				State: monitor.StateReady,
			}); err != nil {
				s.log.Error(ctx, "publish function node failed", "function_id", reg.id, "err", err)
			}
			if err := s.pub.PublishEdge(ctx, monitor.Edge{
				From: s.GUID(),
				To:   reg.id,
				Type: monitor.EdgeServiceToFunction,
			}); err != nil {
				s.log.Error(ctx, "publish function edge failed", "function_id", reg.id, "err", err)
			}
		}
	}

	s.mu.Lock()
	s.replier = replier
	s.started = true
	s.mu.Unlock()
	return nil
}

// handle dispatches one RPC call to the named function.
func (s *Service) handle(ctx context.Context, req rpc.Request) (json.RawMessage, int, error) {
	start := time.Now()
	var call callRequest
	if err := json.Unmarshal(req.Payload, &call); err != nil {
		return nil, rpc.StatusError, fmt.Errorf("malformed call payload: %w", err)
	}

	s.mu.Lock()
	reg, ok := s.functions[call.FunctionID]
	s.mu.Unlock()
	if !ok {
		s.emit(ctx, req, call, rpc.StatusError, start, "unknown function")
		return nil, rpc.StatusError, fmt.Errorf("%w: %s", ErrUnknownFunction, call.FunctionID)
	}

	if reg.compiled != nil {
		if err := validate(reg.compiled, call.Arguments); err != nil {
			s.emit(ctx, req, call, rpc.StatusError, start, err.Error())
			return nil, rpc.StatusError, err
		}
	}

	result, err := reg.handler(ctx, call.Arguments)
	if err != nil {
		s.log.Error(ctx, "function handler failed", "function_id", call.FunctionID, "err", err)
		s.emit(ctx, req, call, rpc.StatusError, start, err.Error())
		return nil, rpc.StatusError, err
	}
	payload, err := json.Marshal(result)
	if err != nil {
		s.emit(ctx, req, call, rpc.StatusError, start, err.Error())
		return nil, rpc.StatusError, fmt.Errorf("serialize result: %w", err)
	}
	s.emit(ctx, req, call, rpc.StatusOK, start, "")
	return payload, rpc.StatusOK, nil
}

func (s *Service) emit(ctx context.Context, req rpc.Request, call callRequest, status int, start time.Time, errText string) {
	if s.pub == nil {
		return
	}
	typ := monitor.ActivityResponse
	if status != rpc.StatusOK {
		typ = monitor.ActivityError
	}
	// Callers that carry a conversation put it in chain_id; the per-call
	// request id is only a fallback for bare RPC callers.
	chain := call.ChainID
	if chain == "" {
		chain = req.RequestID
	}
	if err := s.pub.Emit(ctx, monitor.Activity{
		ChainID:    chain,
		Type:       typ,
		Source:     req.SourceGUID,
		Target:     call.FunctionID,
		Operation:  "call_function",
		Status:     status,
		DurationMS: time.Since(start).Milliseconds(),
		Error:      errText,
	}); err != nil {
		s.log.Error(ctx, "publish call activity failed", "function_id", call.FunctionID, "err", err)
	}
}

// Close stops serving, disposes the function advertisements, and removes the
// topology records.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	replier := s.replier
	regs := make([]*registration, 0, len(s.functions))
	for _, r := range s.functions {
		regs = append(regs, r)
	}
	s.mu.Unlock()

	var errs []error
	if replier != nil {
		if err := replier.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, reg := range regs {
		if err := s.bus.Dispose(ctx, advert.FunctionKey(s.GUID(), reg.id)); err != nil {
			errs = append(errs, err)
		}
	}
	if s.pub != nil {
		if err := s.pub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func compileSchema(id string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("parse schema for %s: %w", id, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("register schema for %s: %w", id, err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", id, err)
	}
	return compiled, nil
}

func validate(schema *jsonschema.Schema, args json.RawMessage) error {
	raw := string(args)
	if raw == "" {
		raw = "{}"
	}
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("arguments do not match parameter schema: %w", err)
	}
	return nil
}
