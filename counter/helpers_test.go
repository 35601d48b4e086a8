package counter

import (
	"context"
	"github.com/pnvasko/nats-jetstream-counters/blocking"
	"github.com/pnvasko/nats-jetstream-counters/cache"
	"github.com/pnvasko/nats-jetstream-counters/common"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"sync"
	"testing"
	"time"
)

const eventWait = 5 * time.Second

var testLogger = common.NewDebugLogger("test.counter")

func newTestCluster(t *testing.T, opts ...cache.Option[*cache.MemoryCluster]) *cache.MemoryCluster {
	t.Helper()
	cluster, err := cache.NewMemoryCluster(testLogger, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cluster.Close(ctx)
	})
	return cluster
}

// newTestManager joins nodeID to cluster and returns a started manager on it.
func newTestManager(t *testing.T, cluster *cache.MemoryCluster, nodeID string, opts ...Option[*Manager]) *Manager {
	t.Helper()
	node, err := cluster.Join(nodeID)
	require.NoError(t, err)
	m := newUnstartedManager(t, node, opts...)
	require.NoError(t, m.Start(context.Background()))
	return m
}

func newUnstartedManager(t *testing.T, provider cache.Provider, opts ...Option[*Manager]) *Manager {
	t.Helper()
	executors := blocking.NewManager(testLogger)
	m, err := NewManager(provider, executors, noop.NewTracerProvider().Tracer("test.counter"), testLogger, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
		_ = executors.Shutdown(ctx)
	})
	return m
}

// recorder is a listener collecting every event it receives.
type recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 1024)}
}

func (r *recorder) OnUpdate(event Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.snapshot()) >= n
	}, eventWait, 5*time.Millisecond, "expected %d events", n)
	return r.snapshot()
}

// fakeCache records listener registrations; every other method panics.
type fakeCache struct {
	cache.Cache
	clustered bool

	mu                sync.Mutex
	valueListeners    []cache.EntryListener
	topologyListeners []cache.TopologyListener
}

func (f *fakeCache) IsClustered() bool {
	return f.clustered
}

func (f *fakeCache) AddListener(_ context.Context, l cache.EntryListener, _ ...cache.ListenerOption) (cache.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valueListeners = append(f.valueListeners, l)
	return noopRegistration{}, nil
}

func (f *fakeCache) AddTopologyListener(_ context.Context, l cache.TopologyListener) (cache.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topologyListeners = append(f.topologyListeners, l)
	return noopRegistration{}, nil
}

func (f *fakeCache) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.valueListeners), len(f.topologyListeners)
}

type noopRegistration struct{}

func (noopRegistration) Unregister() error {
	return nil
}

func strongEntry(name string, v int64, revision uint64) cache.EntryEvent {
	return cache.EntryEvent{
		Type:     cache.EventModified,
		Key:      StrongKey(name).String(),
		Value:    Value{Value: v}.Marshal(),
		Revision: revision,
	}
}

func weakEntry(name string, index int, v int64, revision uint64) cache.EntryEvent {
	return cache.EntryEvent{
		Type:     cache.EventModified,
		Key:      WeakKey(name, index).String(),
		Value:    Value{Value: v}.Marshal(),
		Revision: revision,
	}
}
