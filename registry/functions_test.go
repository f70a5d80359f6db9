package registry

import (
	"context"
	"sync"
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

func TestDiscoveredCatchUpThenLive(t *testing.T) {
	client := pulsetest.NewClient()
	svc := newBus(t, client, "svc-1")
	require.NoError(t, svc.AdvertiseFunction(context.Background(), advert.FunctionPayload{
		FunctionID: "fn-1", Name: "one", Endpoint: "S",
	}))

	agent := newBus(t, client, "agt-1")
	reg := NewFunctions(agent, nil)
	defer reg.Close()
	waitFor(t, func() bool { _, ok := reg.Get("fn-1"); return ok }, "fn-1 in registry")

	var mu sync.Mutex
	var ids []string
	reg.OnFunctionDiscovered(func(fn Function) {
		mu.Lock()
		ids = append(ids, fn.ID)
		mu.Unlock()
	})
	// Catch-up fires synchronously for the known function.
	mu.Lock()
	require.Equal(t, []string{"fn-1"}, ids)
	mu.Unlock()

	require.NoError(t, svc.AdvertiseFunction(context.Background(), advert.FunctionPayload{
		FunctionID: "fn-2", Name: "two", Endpoint: "S",
	}))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ids) == 2 && ids[1] == "fn-2"
	}, "live discovery of fn-2")
}

func TestRemovedFiresOncePerKey(t *testing.T) {
	client := pulsetest.NewClient()
	svc := newBus(t, client, "svc-1")
	agent := newBus(t, client, "agt-1")
	reg := NewFunctions(agent, nil)
	defer reg.Close()

	var mu sync.Mutex
	removed := map[string]int{}
	reg.OnFunctionRemoved(func(fn Function) {
		mu.Lock()
		removed[fn.ID]++
		mu.Unlock()
	})

	require.NoError(t, svc.AdvertiseFunction(context.Background(), advert.FunctionPayload{
		FunctionID: "fn-1", Name: "one", Endpoint: "S",
	}))
	waitFor(t, func() bool { _, ok := reg.Get("fn-1"); return ok }, "fn-1 discovered")

	require.NoError(t, svc.Dispose(context.Background(), advert.FunctionKey("svc-1", "fn-1")))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return removed["fn-1"] == 1
	}, "fn-1 removed")

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, removed["fn-1"])
	require.Empty(t, reg.Snapshot())
}
