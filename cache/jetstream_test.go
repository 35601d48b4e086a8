package cache

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func newTestProvider(t *testing.T, tc *jsTestContext, nodeID string) *JetStreamProvider {
	t.Helper()
	p, err := NewJetStreamProvider(tc.ctx, tc.js, tc.logger,
		WithNodeID[*JetStreamProvider](nodeID),
		WithBucketPrefix[*JetStreamProvider](tc.prefix),
		WithHeartbeat[*JetStreamProvider](200*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

func TestJetStreamCache(t *testing.T) {
	tc := getJSHelpers(t)

	t.Run("ConditionalWrites", func(t *testing.T) {
		p := newTestProvider(t, tc, "node-a")
		c, err := p.Cache(tc.ctx, "crud")
		require.NoError(t, err)

		_, err = c.Get(tc.ctx, "k")
		require.ErrorIs(t, err, ErrKeyNotFound)

		rev, err := c.Create(tc.ctx, "k", []byte("1"))
		require.NoError(t, err)
		_, err = c.Create(tc.ctx, "k", []byte("1"))
		require.ErrorIs(t, err, ErrConflict)
		_, err = c.Update(tc.ctx, "k", []byte("2"), rev+100)
		require.ErrorIs(t, err, ErrConflict)

		rev, err = c.Update(tc.ctx, "k", []byte("2"), rev)
		require.NoError(t, err)
		entry, err := c.Get(tc.ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, rev, entry.Revision)
		assert.Equal(t, []byte("2"), entry.Value)

		keys, err := c.Keys(tc.ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"k"}, keys)

		require.NoError(t, c.Delete(tc.ctx, "k"))
		_, err = c.Get(tc.ctx, "k")
		require.ErrorIs(t, err, ErrKeyNotFound)

		// A deleted key can be created again.
		_, err = c.Create(tc.ctx, "k", []byte("3"))
		require.NoError(t, err)
	})

	t.Run("WatcherClassifiesEvents", func(t *testing.T) {
		p := newTestProvider(t, tc, "node-a")
		c, err := p.Cache(tc.ctx, "watch")
		require.NoError(t, err)

		_, err = c.Create(tc.ctx, "existing", []byte("0"))
		require.NoError(t, err)

		events := make(chan EntryEvent, 16)
		reg, err := c.AddListener(tc.ctx, func(ev EntryEvent) { events <- ev })
		require.NoError(t, err)
		defer func() { _ = reg.Unregister() }()

		// Let the watcher consume its initial snapshot.
		time.Sleep(200 * time.Millisecond)

		rev, err := c.Create(tc.ctx, "fresh", []byte("1"))
		require.NoError(t, err)
		_, err = c.Update(tc.ctx, "fresh", []byte("2"), rev)
		require.NoError(t, err)
		require.NoError(t, c.Delete(tc.ctx, "fresh"))

		expect := []EventType{EventCreated, EventModified, EventRemoved}
		for _, want := range expect {
			select {
			case ev := <-events:
				assert.Equal(t, "fresh", ev.Key)
				assert.Equal(t, want, ev.Type)
			case <-time.After(5 * time.Second):
				t.Fatalf("expected %s event", want)
			}
		}
	})

	t.Run("Membership", func(t *testing.T) {
		a := newTestProvider(t, tc, "node-a")
		ca, err := a.Cache(tc.ctx, "members-test")
		require.NoError(t, err)

		changes := make(chan TopologyEvent, 8)
		reg, err := ca.AddTopologyListener(tc.ctx, func(ev TopologyEvent) { changes <- ev })
		require.NoError(t, err)
		defer func() { _ = reg.Unregister() }()

		b := newTestProvider(t, tc, "node-b")
		cb, err := b.Cache(tc.ctx, "members-test")
		require.NoError(t, err)
		assert.Equal(t, []string{"node-a", "node-b"}, cb.Members())

		deadline := time.After(5 * time.Second)
		for {
			select {
			case ev := <-changes:
				if len(ev.Members) == 2 {
					assert.Equal(t, ca.PrimaryOwner("w.x.0"), cb.PrimaryOwner("w.x.0"))
					return
				}
			case <-deadline:
				t.Fatal("node-a never observed node-b")
			}
		}
	})
}

func TestSanitizeBucket(t *testing.T) {
	assert.Equal(t, "counters_v1", sanitizeBucket("counters_v1"))
	assert.Equal(t, "___counter_config", sanitizeBucket("___counter.config"))
	assert.Equal(t, "a_b_c", sanitizeBucket("a b/c"))
}

func TestWatchState(t *testing.T) {
	t.Run("FirstReplaySeedsOnly", func(t *testing.T) {
		s := newWatchState()
		_, ok := s.entry("a", false, []byte("1"), 1)
		assert.False(t, ok)
		_, ok = s.entry("gone", true, nil, 2)
		assert.False(t, ok)
		assert.Empty(t, s.initialDone())

		ev, ok := s.entry("a", false, []byte("2"), 3)
		require.True(t, ok)
		assert.Equal(t, EventModified, ev.Type)
		ev, ok = s.entry("b", false, []byte("1"), 4)
		require.True(t, ok)
		assert.Equal(t, EventCreated, ev.Type)
		ev, ok = s.entry("b", true, nil, 5)
		require.True(t, ok)
		assert.Equal(t, EventRemoved, ev.Type)
		_, ok = s.entry("b", true, nil, 6)
		assert.False(t, ok, "removal of a key that is not live")
	})

	t.Run("ResumedReplayDeliversGap", func(t *testing.T) {
		s := newWatchState()
		for i, key := range []string{"kept", "changed", "deleted", "purged"} {
			s.entry(key, false, []byte("v"), uint64(i+1))
		}
		s.initialDone()

		// Watcher re-created; the replay holds the last entry of every key.
		s.restart()
		var events []EntryEvent
		for _, e := range []struct {
			key      string
			deleted  bool
			revision uint64
		}{
			{"kept", false, 1},
			{"changed", false, 7},
			{"deleted", true, 8},
			{"new", false, 9},
		} {
			if ev, ok := s.entry(e.key, e.deleted, []byte("v"), e.revision); ok {
				events = append(events, ev)
			}
		}
		events = append(events, s.initialDone()...)

		require.Len(t, events, 5)
		assert.Equal(t, EntryEvent{Type: EventModified, Key: "kept", Value: []byte("v"), Revision: 1}, events[0])
		assert.Equal(t, EntryEvent{Type: EventModified, Key: "changed", Value: []byte("v"), Revision: 7}, events[1])
		assert.Equal(t, EntryEvent{Type: EventRemoved, Key: "deleted", Revision: 8}, events[2])
		assert.Equal(t, EntryEvent{Type: EventCreated, Key: "new", Value: []byte("v"), Revision: 9}, events[3])
		assert.Equal(t, EntryEvent{Type: EventRemoved, Key: "purged"}, events[4])

		ev, ok := s.entry("purged", false, []byte("v"), 10)
		require.True(t, ok)
		assert.Equal(t, EventCreated, ev.Type, "purged key is no longer live")
		ev, ok = s.entry("deleted", false, []byte("v"), 11)
		require.True(t, ok)
		assert.Equal(t, EventCreated, ev.Type)
	})
}
