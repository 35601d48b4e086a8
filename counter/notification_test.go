package counter

import (
	"context"
	"errors"
	"fmt"
	"github.com/pnvasko/nats-jetstream-counters/blocking"
	"github.com/pnvasko/nats-jetstream-counters/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

func newTestNotificationManager(t *testing.T, maxConcurrency int, clustered bool) (*NotificationManager, *fakeCache) {
	t.Helper()
	executors := blocking.NewManager(testLogger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = executors.Shutdown(ctx)
	})
	executor, err := executors.LimitedExecutor(listenerExecutorLabel, maxConcurrency)
	require.NoError(t, err)

	nm := NewNotificationManager(testLogger)
	nm.UseExecutor(executor)
	fc := &fakeCache{clustered: clustered}
	nm.SetCache(fc)
	return nm, fc
}

func TestNotificationManagerRegistration(t *testing.T) {
	ctx := context.Background()

	t.Run("DuplicateCounterPanics", func(t *testing.T) {
		nm, _ := newTestNotificationManager(t, 1, true)
		nm.RegisterCounter("c", newStrongGenerator("c", NewConfiguration(StrongUnbounded)), nil)

		defer func() {
			r := recover()
			require.NotNil(t, r)
			err, ok := r.(error)
			require.True(t, ok)
			assert.ErrorIs(t, err, ErrAlreadyRegistered)
		}()
		nm.RegisterCounter("c", newStrongGenerator("c", NewConfiguration(StrongUnbounded)), nil)
	})

	t.Run("ValueListenerAttachedOnce", func(t *testing.T) {
		nm, fc := newTestNotificationManager(t, 1, true)
		nm.RegisterCounter("c", newStrongGenerator("c", NewConfiguration(StrongUnbounded)), nil)

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := nm.RegisterUserListener(ctx, "c", newRecorder())
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		require.NoError(t, nm.RegisterValueListener(ctx))

		values, topology := fc.counts()
		assert.Equal(t, 1, values)
		assert.Equal(t, 0, topology)
	})

	t.Run("TopologySkippedWhenNotClustered", func(t *testing.T) {
		nm, fc := newTestNotificationManager(t, 1, false)
		require.NoError(t, nm.RegisterTopologyListener(ctx))
		require.NoError(t, nm.RegisterTopologyListener(ctx))
		_, topology := fc.counts()
		assert.Equal(t, 0, topology)

		clusteredNM, clusteredCache := newTestNotificationManager(t, 1, true)
		require.NoError(t, clusteredNM.RegisterTopologyListener(ctx))
		require.NoError(t, clusteredNM.RegisterTopologyListener(ctx))
		_, topology = clusteredCache.counts()
		assert.Equal(t, 1, topology)
	})

	t.Run("Errors", func(t *testing.T) {
		nm, _ := newTestNotificationManager(t, 1, true)
		_, err := nm.RegisterUserListener(ctx, "missing", newRecorder())
		assert.ErrorIs(t, err, ErrCounterNotRegistered)

		bare := NewNotificationManager(testLogger)
		_, err = bare.RegisterUserListener(ctx, "c", newRecorder())
		assert.ErrorIs(t, err, ErrNotStarted)
	})

	t.Run("ValueListenerNeedsExecutor", func(t *testing.T) {
		nm := NewNotificationManager(testLogger)
		fc := &fakeCache{clustered: true}
		nm.SetCache(fc)
		nm.RegisterCounter("c", newStrongGenerator("c", NewConfiguration(StrongUnbounded)), nil)

		_, err := nm.RegisterUserListener(ctx, "c", newRecorder())
		assert.ErrorIs(t, err, ErrNotStarted)
		values, _ := fc.counts()
		assert.Equal(t, 0, values)

		executors := blocking.NewManager(testLogger)
		t.Cleanup(func() { _ = executors.Shutdown(context.Background()) })
		executor, err := executors.LimitedExecutor(listenerExecutorLabel, 1)
		require.NoError(t, err)
		nm.UseExecutor(executor)

		_, err = nm.RegisterUserListener(ctx, "c", newRecorder())
		require.NoError(t, err)
		values, _ = fc.counts()
		assert.Equal(t, 1, values)
	})

	t.Run("DuplicateListenerIsSeparateSubscription", func(t *testing.T) {
		nm, _ := newTestNotificationManager(t, 1, true)
		nm.RegisterCounter("c", newStrongGenerator("c", NewConfiguration(StrongUnbounded)), nil)
		rec := newRecorder()
		first, err := nm.RegisterUserListener(ctx, "c", rec)
		require.NoError(t, err)
		second, err := nm.RegisterUserListener(ctx, "c", rec)
		require.NoError(t, err)
		assert.NotSame(t, first, second)

		nm.onEntry(strongEntry("c", 1, 1))
		rec.waitFor(t, 2)

		first.Remove()
		nm.onEntry(strongEntry("c", 2, 2))
		events := rec.waitFor(t, 3)
		time.Sleep(20 * time.Millisecond)
		assert.Len(t, rec.snapshot(), 3)
		assert.Equal(t, int64(2), events[2].NewValue)
	})

	t.Run("StopForgetsCounters", func(t *testing.T) {
		nm, _ := newTestNotificationManager(t, 1, true)
		nm.RegisterCounter("c", newStrongGenerator("c", NewConfiguration(StrongUnbounded)), nil)
		require.NoError(t, nm.Stop())
		assert.NotPanics(t, func() {
			nm.RegisterCounter("c", newStrongGenerator("c", NewConfiguration(StrongUnbounded)), nil)
		})
	})
}

func TestNotificationManagerDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("GlobalFIFOAtConcurrencyOne", func(t *testing.T) {
		nm, _ := newTestNotificationManager(t, 1, true)
		names := []string{"a", "b", "c"}
		var mu sync.Mutex
		var order []string
		listener := ListenerFunc(func(e Event) error {
			mu.Lock()
			order = append(order, fmt.Sprintf("%s:%d", e.Name, e.NewValue))
			mu.Unlock()
			return nil
		})
		for _, name := range names {
			nm.RegisterCounter(name, newStrongGenerator(name, NewConfiguration(StrongUnbounded)), nil)
			_, err := nm.RegisterUserListener(ctx, name, listener)
			require.NoError(t, err)
		}

		var expected []string
		for i := 1; i <= 30; i++ {
			name := names[i%len(names)]
			nm.onEntry(strongEntry(name, int64(i), uint64(i)))
			expected = append(expected, fmt.Sprintf("%s:%d", name, i))
		}
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(order) == len(expected)
		}, eventWait, 5*time.Millisecond)
		mu.Lock()
		assert.Equal(t, expected, order)
		mu.Unlock()
	})

	t.Run("PerCounterOrderUnderConcurrentWeakEvents", func(t *testing.T) {
		nm, _ := newTestNotificationManager(t, 4, true)
		const partials, updates = 8, 200
		nm.RegisterCounter("w", newWeakGenerator("w", NewConfiguration(Weak, WithConcurrencyLevel(partials))), nil)
		rec := newRecorder()
		_, err := nm.RegisterUserListener(ctx, "w", rec)
		require.NoError(t, err)

		// Every partial is delivered from its own goroutine; revisions are
		// unique and increase per partial as they would in the cache.
		var wg sync.WaitGroup
		for p := 0; p < partials; p++ {
			wg.Add(1)
			go func(index int) {
				defer wg.Done()
				for i := 1; i <= updates; i++ {
					nm.onEntry(weakEntry("w", index, int64(i), uint64(i*partials+index)))
				}
			}(p)
		}
		wg.Wait()

		events := rec.waitFor(t, partials*updates)
		require.Len(t, events, partials*updates)
		for i := 1; i < len(events); i++ {
			require.Equal(t, events[i-1].NewValue, events[i].OldValue, "event %d does not continue event %d", i, i-1)
		}
		assert.Equal(t, int64(partials*updates), events[len(events)-1].NewValue)
	})

	t.Run("RemovalDuringInFlightBatch", func(t *testing.T) {
		nm, _ := newTestNotificationManager(t, 1, true)
		nm.RegisterCounter("c", newStrongGenerator("c", NewConfiguration(StrongUnbounded)), nil)

		entered := make(chan struct{})
		release := make(chan struct{})
		var once sync.Once
		blocker := ListenerFunc(func(Event) error {
			once.Do(func() {
				close(entered)
				<-release
			})
			return nil
		})
		_, err := nm.RegisterUserListener(ctx, "c", blocker)
		require.NoError(t, err)
		second := newRecorder()
		handle, err := nm.RegisterUserListener(ctx, "c", second)
		require.NoError(t, err)
		assert.Same(t, second, handle.Listener())

		nm.onEntry(strongEntry("c", 1, 1))
		<-entered
		handle.Remove()
		handle.Remove()
		close(release)

		// The in-flight batch captured both listeners.
		second.waitFor(t, 1)

		tail := newRecorder()
		_, err = nm.RegisterUserListener(ctx, "c", tail)
		require.NoError(t, err)
		nm.onEntry(strongEntry("c", 2, 2))
		tail.waitFor(t, 1)
		assert.Len(t, second.snapshot(), 1)
	})

	t.Run("FailingListenerKeepsReceiving", func(t *testing.T) {
		nm, _ := newTestNotificationManager(t, 1, true)
		nm.RegisterCounter("c", newStrongGenerator("c", NewConfiguration(StrongUnbounded)), nil)

		var mu sync.Mutex
		var seen []int64
		flaky := ListenerFunc(func(e Event) error {
			mu.Lock()
			seen = append(seen, e.NewValue)
			mu.Unlock()
			switch e.NewValue {
			case 1:
				panic("listener exploded")
			case 2:
				return errors.New("listener failed")
			}
			return nil
		})
		_, err := nm.RegisterUserListener(ctx, "c", flaky)
		require.NoError(t, err)
		healthy := newRecorder()
		_, err = nm.RegisterUserListener(ctx, "c", healthy)
		require.NoError(t, err)

		for i := 1; i <= 3; i++ {
			nm.onEntry(strongEntry("c", int64(i), uint64(i)))
		}
		healthy.waitFor(t, 3)
		mu.Lock()
		assert.Equal(t, []int64{1, 2, 3}, seen)
		mu.Unlock()
	})

	t.Run("IgnoresForeignKeys", func(t *testing.T) {
		nm, _ := newTestNotificationManager(t, 1, true)
		assert.NotPanics(t, func() {
			nm.onEntry(cache.EntryEvent{Type: cache.EventCreated, Key: "not-a-counter", Value: []byte("x")})
			nm.onEntry(strongEntry("unknown", 1, 1))
			nm.onEntry(cache.EntryEvent{Type: cache.EventModified, Key: StrongKey("c").String(), Value: []byte{0xff}})
		})
	})

	t.Run("TopologyFanOut", func(t *testing.T) {
		nm, _ := newTestNotificationManager(t, 1, true)
		var mu sync.Mutex
		called := map[string][]string{}
		for _, name := range []string{"w1", "w2", "w3"} {
			nm.RegisterCounter(name, newWeakGenerator(name, NewConfiguration(Weak)), func(ev cache.TopologyEvent) {
				mu.Lock()
				called[name] = ev.Members
				mu.Unlock()
			})
		}
		nm.RegisterCounter("s", newStrongGenerator("s", NewConfiguration(StrongUnbounded)), nil)
		nm.RegisterCounter("boom", newWeakGenerator("boom", NewConfiguration(Weak)), func(cache.TopologyEvent) {
			panic("callback exploded")
		})

		nm.onTopology(cache.TopologyEvent{Members: []string{"a", "b"}})
		mu.Lock()
		defer mu.Unlock()
		assert.Len(t, called, 3)
		assert.Equal(t, []string{"a", "b"}, called["w2"])
	})
}
