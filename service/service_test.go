package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genesis-fabric/genesis/advert"
	"github.com/genesis-fabric/genesis/fabric/pulse/pulsetest"
	"github.com/genesis-fabric/genesis/monitor"
	"github.com/genesis-fabric/genesis/registry"
	"github.com/genesis-fabric/genesis/rpc"
)

type addArgs struct {
	A float64 `json:"a" jsonschema:"required"`
	B float64 `json:"b" jsonschema:"required"`
}

func newTestService(t *testing.T, client *pulsetest.Client) *Service {
	t.Helper()
	bus, err := advert.NewBus(context.Background(), advert.Options{
		Client:            client,
		GUID:              "svc-1",
		HeartbeatInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	pub, err := monitor.NewPublisher(context.Background(), monitor.PublisherOptions{Client: client, GUID: "svc-1"})
	require.NoError(t, err)

	svc, err := New(Options{Client: client, Bus: bus, Name: "calc", Publisher: pub})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func call(t *testing.T, client *pulsetest.Client, endpoint string, payload string) (string, int) {
	t.Helper()
	registryMap, err := client.Map(context.Background(), advert.DefaultMapName)
	require.NoError(t, err)
	req, err := rpc.Connect(context.Background(), rpc.RequesterOptions{
		Client:         client,
		Registry:       registryMap,
		Endpoint:       endpoint,
		GUID:           "caller-1",
		ConnectTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = req.Close(context.Background()) })
	reply, status, err := req.Call(context.Background(), []byte(payload), 2*time.Second)
	require.NoError(t, err)
	return string(reply), status
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

func TestRegisterDerivesSchemaFromPayloadType(t *testing.T) {
	client := pulsetest.NewClient()
	svc := newTestService(t, client)
	require.NoError(t, svc.Register("add", "Adds two numbers.", func(_ context.Context, args json.RawMessage) (any, error) {
		var in addArgs
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		return map[string]float64{"sum": in.A + in.B}, nil
	}, WithSchemaFor[addArgs]()))
	require.NoError(t, svc.Start(context.Background()))

	// The advertised schema carries the derived properties.
	obsBus, err := advert.NewBus(context.Background(), advert.Options{
		Client: client, GUID: "obs-1", HeartbeatInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = obsBus.Close(context.Background()) })
	functions := registry.NewFunctions(obsBus, nil)
	t.Cleanup(functions.Close)
	waitFor(t, func() bool { _, ok := functions.Get("calc.add"); return ok }, "function discovery")

	fn, _ := functions.Get("calc.add")
	var schema map[string]any
	require.NoError(t, json.Unmarshal(fn.ParameterSchema, &schema))
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, props, "a")
	require.Contains(t, props, "b")
	require.Equal(t, "calc", fn.Endpoint)
	require.Equal(t, "svc-1", fn.ProviderGUID)
}

func TestCallDispatchAndValidation(t *testing.T) {
	client := pulsetest.NewClient()
	svc := newTestService(t, client)
	schema := `{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`
	require.NoError(t, svc.Register("add", "", func(_ context.Context, args json.RawMessage) (any, error) {
		var in addArgs
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		return map[string]float64{"sum": in.A + in.B}, nil
	}, WithSchema(json.RawMessage(schema))))
	require.NoError(t, svc.Start(context.Background()))

	reply, status := call(t, client, "calc", `{"function_id":"calc.add","arguments":{"a":2,"b":3}}`)
	require.Equal(t, rpc.StatusOK, status)
	require.JSONEq(t, `{"sum":5}`, reply)

	// Unknown function id.
	reply, status = call(t, client, "calc", `{"function_id":"calc.nope","arguments":{}}`)
	require.Equal(t, rpc.StatusError, status)
	require.Contains(t, reply, "unknown function")

	// Arguments rejected by the schema before the handler runs.
	reply, status = call(t, client, "calc", `{"function_id":"calc.add","arguments":{"a":2}}`)
	require.Equal(t, rpc.StatusError, status)
	require.Contains(t, reply, "parameter schema")
}

func TestCloseDisposesAdvertisements(t *testing.T) {
	client := pulsetest.NewClient()
	svc := newTestService(t, client)
	require.NoError(t, svc.Register("one", "", func(context.Context, json.RawMessage) (any, error) {
		return "ok", nil
	}))
	require.NoError(t, svc.Start(context.Background()))

	obsBus, err := advert.NewBus(context.Background(), advert.Options{
		Client: client, GUID: "obs-1", HeartbeatInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = obsBus.Close(context.Background()) })
	functions := registry.NewFunctions(obsBus, nil)
	t.Cleanup(functions.Close)
	waitFor(t, func() bool { _, ok := functions.Get("calc.one"); return ok }, "function discovery")

	require.NoError(t, svc.Close(context.Background()))
	waitFor(t, func() bool { _, ok := functions.Get("calc.one"); return !ok }, "function removal")
}

func TestStartRequiresRegisteredFunctions(t *testing.T) {
	client := pulsetest.NewClient()
	svc := newTestService(t, client)
	require.Error(t, svc.Start(context.Background()))
}

func TestPerCallActivity(t *testing.T) {
	client := pulsetest.NewClient()
	svc := newTestService(t, client)
	require.NoError(t, svc.Register("echo", "", func(_ context.Context, args json.RawMessage) (any, error) {
		return json.RawMessage(args), nil
	}))
	require.NoError(t, svc.Start(context.Background()))

	stream, err := client.Stream(monitor.DefaultActivityStream)
	require.NoError(t, err)
	sink, err := stream.NewSink(context.Background(), "test-observer")
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close(context.Background()) })

	call(t, client, "calc", `{"function_id":"calc.echo","arguments":{"x":1}}`)

	select {
	case ev := <-sink.Subscribe():
		var a monitor.Activity
		require.NoError(t, json.Unmarshal(ev.Payload, &a))
		require.Equal(t, monitor.ActivityResponse, a.Type)
		require.Equal(t, "calc.echo", a.Target)
		require.Equal(t, "caller-1", a.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for call activity")
	}
}

func TestCallActivityJoinsCallerChain(t *testing.T) {
	client := pulsetest.NewClient()
	svc := newTestService(t, client)
	require.NoError(t, svc.Register("echo", "", func(_ context.Context, args json.RawMessage) (any, error) {
		return json.RawMessage(args), nil
	}))
	require.NoError(t, svc.Start(context.Background()))

	stream, err := client.Stream(monitor.DefaultActivityStream)
	require.NoError(t, err)
	sink, err := stream.NewSink(context.Background(), "test-observer")
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close(context.Background()) })

	next := func() monitor.Activity {
		t.Helper()
		select {
		case ev := <-sink.Subscribe():
			var a monitor.Activity
			require.NoError(t, json.Unmarshal(ev.Payload, &a))
			return a
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for call activity")
			return monitor.Activity{}
		}
	}

	// A caller-supplied chain id becomes the activity's chain id.
	call(t, client, "calc", `{"function_id":"calc.echo","chain_id":"chain-s2","arguments":{"x":1}}`)
	a := next()
	require.Equal(t, "chain-s2", a.ChainID)

	// Without one the activity falls back to the per-call request id.
	call(t, client, "calc", `{"function_id":"calc.echo","arguments":{"x":2}}`)
	a = next()
	require.NotEmpty(t, a.ChainID)
	require.NotEqual(t, "chain-s2", a.ChainID)
}
