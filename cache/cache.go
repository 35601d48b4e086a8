package cache

import (
	"context"
	"errors"
)

var (
	ErrKeyNotFound = errors.New("key not found")
	// ErrConflict is returned by Create when the key exists and by Update when
	// the stored revision is not the expected one.
	ErrConflict = errors.New("conditional write conflict")
	ErrClosed   = errors.New("cache is closed")
)

type EventType int

const (
	EventCreated EventType = iota + 1
	EventModified
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventModified:
		return "modified"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// EntryEvent is a committed change of one key. Value is nil for EventRemoved.
type EntryEvent struct {
	Type     EventType
	Key      string
	Value    []byte
	Revision uint64
}

// EntryListener receives committed changes. Events of the same key arrive in
// commit order; events of different keys may arrive on different goroutines.
type EntryListener func(EntryEvent)

type TopologyEvent struct {
	Members []string
}

// TopologyListener is notified asynchronously after membership changes.
type TopologyListener func(TopologyEvent)

// Registration detaches a listener.
type Registration interface {
	Unregister() error
}

// Cache is the clustered key-value map counters live in.
type Cache interface {
	Name() string
	Get(ctx context.Context, key string) (Entry, error)
	// Create stores value only if key is absent and returns the new revision.
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	// Update stores value only if the current revision equals revision.
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)

	AddListener(ctx context.Context, listener EntryListener, opts ...ListenerOption) (Registration, error)
	AddTopologyListener(ctx context.Context, listener TopologyListener) (Registration, error)

	// IsClustered reports whether ownership is spread over several members;
	// topology listeners are meaningless otherwise.
	IsClustered() bool
	LocalMember() string
	Members() []string
	PrimaryOwner(key string) string
}

// Provider resolves named caches; creating one may allocate cluster resources.
type Provider interface {
	Cache(ctx context.Context, name string) (Cache, error)
}

type listenerConfig struct {
	types map[EventType]bool
}

type ListenerOption func(*listenerConfig)

// WithEventTypes limits delivery to the given entry lifecycle events.
func WithEventTypes(types ...EventType) ListenerOption {
	return func(cfg *listenerConfig) {
		cfg.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			cfg.types[t] = true
		}
	}
}

func newListenerConfig(opts []ListenerOption) *listenerConfig {
	cfg := &listenerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func (c *listenerConfig) accepts(t EventType) bool {
	if len(c.types) == 0 {
		return true
	}
	return c.types[t]
}

type registrationFunc func() error

func (f registrationFunc) Unregister() error {
	return f()
}
