package middleware

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"goa.design/pulse/rmap"

	"github.com/genesis-fabric/genesis/agent/model"
)

type fakeClusterMap struct {
	mu     sync.Mutex
	values map[string]string
	ch     chan rmap.EventKind
}

func newFakeClusterMap() *fakeClusterMap {
	return &fakeClusterMap{
		values: make(map[string]string),
		ch:     make(chan rmap.EventKind, 1),
	}
}

func (m *fakeClusterMap) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *fakeClusterMap) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	m.notify()
	return true, nil
}

func (m *fakeClusterMap) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.values[key]
	if !ok || cur != test {
		return cur, nil
	}
	m.values[key] = value
	m.notify()
	return cur, nil
}

func (m *fakeClusterMap) Subscribe() <-chan rmap.EventKind { return m.ch }

func (m *fakeClusterMap) notify() {
	select {
	case m.ch <- rmap.EventChange:
	default:
	}
}

func waitForTPM(t *testing.T, l *AdaptiveRateLimiter, cond func(float64) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		tpm := l.currentTPM
		l.mu.Unlock()
		if cond(tpm) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for limiter TPM change")
}

func TestClusterLimiter_BackoffUpdatesSharedMap(t *testing.T) {
	ctx := context.Background()
	m := newFakeClusterMap()
	const key = "model"
	m.values[key] = strconv.Itoa(80000)

	lim := newClusterAdaptiveRateLimiter(ctx, m, key, 80000, 80000)
	wrapped := lim.Middleware()(&fakeProvider{completeErr: model.ErrRateLimited})

	_, _ = wrapped.Complete(context.Background(), userRequest("hello"))

	// The background callback halves the shared budget.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := m.Get(key); ok {
			if n, err := strconv.ParseFloat(v, 64); err == nil && n < 80000 {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("shared budget was not reduced")
}

func TestClusterLimiter_SeedsMissingKey(t *testing.T) {
	m := newFakeClusterMap()
	newClusterAdaptiveRateLimiter(context.Background(), m, "model", 50000, 100000)

	v, ok := m.Get("model")
	if !ok {
		t.Fatal("expected shared key to be seeded")
	}
	if v != strconv.Itoa(50000) {
		t.Fatalf("unexpected seed value %q", v)
	}
}

func TestClusterLimiter_ReconcilesExternalChanges(t *testing.T) {
	m := newFakeClusterMap()
	const key = "model"
	m.values[key] = strconv.Itoa(80000)

	lim := newClusterAdaptiveRateLimiter(context.Background(), m, key, 80000, 160000)

	// Another process shrinks the shared budget.
	m.mu.Lock()
	m.values[key] = strconv.Itoa(20000)
	m.notify()
	m.mu.Unlock()

	waitForTPM(t, lim, func(tpm float64) bool { return tpm == 20000 })
}

func TestClusterLimiter_FallsBackWithoutKey(t *testing.T) {
	lim := newClusterAdaptiveRateLimiter(context.Background(), nil, "", 40000, 40000)
	lim.mu.Lock()
	defer lim.mu.Unlock()
	if lim.currentTPM != 40000 {
		t.Fatalf("expected process-local limiter at 40000, got %f", lim.currentTPM)
	}
}
