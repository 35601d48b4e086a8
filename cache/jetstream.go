package cache

import (
	"context"
	"errors"
	"fmt"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pnvasko/nats-jetstream-counters/common"
	"github.com/rs/xid"
	"go.uber.org/zap"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultBucketPrefix     = "counters"
	defaultHeartbeat        = 2 * time.Second
	defaultReplicas         = 1
	defaultWatchRetryWait   = 250 * time.Millisecond
	membersBucketScope      = "members"
	bucketDescriptionPrefix = "Distributed counter state"
)

// JetStreamProvider serves caches backed by JetStream KV buckets, one bucket
// per cache name. Cluster membership is tracked in a heartbeat bucket and
// drives key ownership and topology notifications.
type JetStreamProvider struct {
	ctx    context.Context
	cancel context.CancelFunc

	js           jetstream.JetStream
	nodeID       string
	bucketPrefix string
	storage      jetstream.StorageType
	replicas     int
	clustered    bool
	heartbeat    time.Duration

	mu         sync.Mutex
	caches     map[string]*jetStreamCache
	closed     bool
	ownership  *Ownership
	membership *membership

	logger *common.Logger
}

func NewJetStreamProvider(ctx context.Context, js jetstream.JetStream, logger *common.Logger, opts ...Option[*JetStreamProvider]) (*JetStreamProvider, error) {
	p := &JetStreamProvider{
		js:           js,
		bucketPrefix: defaultBucketPrefix,
		storage:      jetstream.FileStorage,
		replicas:     defaultReplicas,
		clustered:    true,
		heartbeat:    defaultHeartbeat,
		caches:       make(map[string]*jetStreamCache),
		logger:       logger,
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	for _, opt := range opts {
		if err := opt(p); err != nil {
			p.cancel()
			return nil, err
		}
	}
	if p.nodeID == "" {
		p.nodeID = xid.New().String()
	}
	p.ownership = NewOwnership(p.nodeID)

	if p.clustered {
		kv, err := p.bucket(p.ctx, membersBucketScope, 3*p.heartbeat)
		if err != nil {
			p.cancel()
			return nil, err
		}
		p.membership = newMembership(kv, p.nodeID, p.heartbeat, p.ownership, logger)
		if err := p.membership.start(p.ctx); err != nil {
			p.cancel()
			return nil, err
		}
	}
	return p, nil
}

func (p *JetStreamProvider) setNodeID(id string) {
	p.nodeID = id
}

func (p *JetStreamProvider) setBucketPrefix(prefix string) {
	p.bucketPrefix = prefix
}

func (p *JetStreamProvider) setStorage(storage jetstream.StorageType) {
	p.storage = storage
}

func (p *JetStreamProvider) setReplicas(n int) {
	p.replicas = n
}

func (p *JetStreamProvider) setClustered(clustered bool) {
	p.clustered = clustered
}

func (p *JetStreamProvider) setHeartbeat(d time.Duration) {
	p.heartbeat = d
}

func (p *JetStreamProvider) NodeID() string {
	return p.nodeID
}

func (p *JetStreamProvider) BucketName(name string) string {
	return fmt.Sprintf("%s_%s", p.bucketPrefix, sanitizeBucket(name))
}

func (p *JetStreamProvider) Cache(ctx context.Context, name string) (Cache, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if c, ok := p.caches[name]; ok {
		return c, nil
	}
	kv, err := p.bucket(ctx, name, 0)
	if err != nil {
		return nil, err
	}
	c := &jetStreamCache{
		name:     name,
		provider: p,
		kv:       kv,
		logger:   p.logger,
	}
	p.caches[name] = c
	return c, nil
}

// Close stops watchers and membership heartbeats and leaves the cluster.
func (p *JetStreamProvider) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var errs common.Errors
	if p.membership != nil {
		errs.Add(p.membership.stop(ctx))
	}
	p.cancel()
	return errs.Err()
}

func (p *JetStreamProvider) bucket(ctx context.Context, name string, ttl time.Duration) (jetstream.KeyValue, error) {
	bucketName := p.BucketName(name)
	keyValueConfig := jetstream.KeyValueConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("%s: %s", bucketDescriptionPrefix, name),
		Storage:     p.storage,
		Replicas:    p.replicas,
	}
	if ttl > 0 {
		keyValueConfig.TTL = ttl
	}

	kv, err := p.js.CreateKeyValue(ctx, keyValueConfig)
	if err == nil {
		return kv, nil
	}
	if isJSAlreadyExistsError(err) || errors.Is(err, jetstream.ErrBucketExists) {
		kv, err = p.js.KeyValue(ctx, bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing KV store '%s': %w", bucketName, err)
		}
		return kv, nil
	}
	return nil, fmt.Errorf("failed to create/get KV store '%s': %w", bucketName, err)
}

func (p *JetStreamProvider) Context() context.Context {
	return p.ctx
}

var _ Provider = (*JetStreamProvider)(nil)

func sanitizeBucket(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
}

type jetStreamCache struct {
	name     string
	provider *JetStreamProvider
	kv       jetstream.KeyValue
	logger   *common.Logger
}

func (c *jetStreamCache) Name() string {
	return c.name
}

func (c *jetStreamCache) KV() jetstream.KeyValue {
	return c.kv
}

func (c *jetStreamCache) Get(ctx context.Context, key string) (Entry, error) {
	entry, err := c.kv.Get(ctx, key)
	if err != nil {
		return Entry{}, translateKVError("get", key, err)
	}
	return Entry{Key: entry.Key(), Value: entry.Value(), Revision: entry.Revision()}, nil
}

func (c *jetStreamCache) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := c.kv.Create(ctx, key, value)
	return rev, translateKVError("create", key, err)
}

func (c *jetStreamCache) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := c.kv.Update(ctx, key, value, revision)
	return rev, translateKVError("update", key, err)
}

func (c *jetStreamCache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, key)
	if err = translateKVError("delete", key, err); errors.Is(err, ErrKeyNotFound) {
		return nil
	}
	return err
}

func (c *jetStreamCache) Keys(ctx context.Context) ([]string, error) {
	lister, err := c.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys of '%s': %w", c.name, err)
	}
	defer func() {
		_ = lister.Stop()
	}()
	var keys []string
	for k := range lister.Keys() {
		keys = append(keys, k)
	}
	return keys, nil
}

// AddListener watches the whole bucket. Initial values only seed the set of
// live keys so that later puts can be classified as created or modified.
// After a watcher is re-created its replay is delivered as events.
func (c *jetStreamCache) AddListener(ctx context.Context, listener EntryListener, opts ...ListenerOption) (Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := newListenerConfig(opts)
	watchCtx, cancel := context.WithCancel(c.provider.Context())

	watcher, err := c.kv.WatchAll(watchCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to watch '%s': %w", c.name, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.watch(watchCtx, watcher, cfg, listener)
	}()

	var once sync.Once
	return registrationFunc(func() error {
		once.Do(func() {
			cancel()
			<-done
		})
		return nil
	}), nil
}

func (c *jetStreamCache) watch(ctx context.Context, watcher jetstream.KeyWatcher, cfg *listenerConfig, listener EntryListener) {
	state := newWatchState()
	l := c.logger.Ctx(ctx)

	defer func() {
		if watcher != nil {
			if err := watcher.Stop(); err != nil {
				l.Debug("failed to stop kv watcher", zap.String("cache", c.name), zap.Error(err))
			}
		}
	}()

	deliver := func(event EntryEvent) {
		if cfg.accepts(event.Type) {
			listener(event)
		}
	}

	for {
		if watcher == nil {
			var err error
			watcher, err = c.kv.WatchAll(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.Warn("failed to re-create kv watcher, retrying", zap.String("cache", c.name), zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(defaultWatchRetryWait):
					continue
				}
			}
			state.restart()
		}

		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				l.Warn("kv watcher updates channel closed unexpectedly", zap.String("cache", c.name))
				watcher = nil
				continue
			}
			if entry == nil {
				for _, event := range state.initialDone() {
					deliver(event)
				}
				continue
			}

			op := entry.Operation()
			deleted := op == jetstream.KeyValueDelete || op == jetstream.KeyValuePurge
			if event, ok := state.entry(entry.Key(), deleted, entry.Value(), entry.Revision()); ok {
				deliver(event)
			}
		}
	}
}

// watchState classifies watcher entries by the set of live keys. The first
// replay only seeds that set. The replay of a re-created watcher is
// delivered, so changes made while no watcher was running still reach
// listeners; consumers drop the entries they have already seen by revision.
type watchState struct {
	live        map[string]bool
	replayed    map[string]bool
	initialized bool
	resumed     bool
}

func newWatchState() *watchState {
	return &watchState{live: make(map[string]bool)}
}

// restart prepares for the replay of a re-created watcher.
func (s *watchState) restart() {
	s.initialized = false
	s.resumed = true
	s.replayed = make(map[string]bool)
}

func (s *watchState) entry(key string, deleted bool, value []byte, revision uint64) (EntryEvent, bool) {
	existed := s.live[key]
	if deleted {
		delete(s.live, key)
	} else {
		s.live[key] = true
	}
	if !s.initialized {
		if !s.resumed {
			return EntryEvent{}, false
		}
		s.replayed[key] = true
	}

	if deleted {
		if !existed {
			return EntryEvent{}, false
		}
		return EntryEvent{Type: EventRemoved, Key: key, Revision: revision}, true
	}
	event := EntryEvent{Type: EventModified, Key: key, Value: value, Revision: revision}
	if !existed {
		event.Type = EventCreated
	}
	return event, true
}

// initialDone ends a replay. After a resumed replay, keys that were live and
// did not show up again were purged meanwhile and are reported removed with
// revision 0, since their delete revision is gone.
func (s *watchState) initialDone() []EntryEvent {
	s.initialized = true
	if !s.resumed {
		return nil
	}
	var removed []EntryEvent
	for key := range s.live {
		if !s.replayed[key] {
			delete(s.live, key)
			removed = append(removed, EntryEvent{Type: EventRemoved, Key: key})
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Key < removed[j].Key })
	s.resumed = false
	s.replayed = nil
	return removed
}

func (c *jetStreamCache) AddTopologyListener(_ context.Context, listener TopologyListener) (Registration, error) {
	if c.provider.membership == nil {
		return registrationFunc(func() error { return nil }), nil
	}
	return c.provider.membership.addListener(listener), nil
}

func (c *jetStreamCache) IsClustered() bool {
	return c.provider.clustered
}

func (c *jetStreamCache) LocalMember() string {
	return c.provider.nodeID
}

func (c *jetStreamCache) Members() []string {
	return c.provider.ownership.Members()
}

func (c *jetStreamCache) PrimaryOwner(key string) string {
	if !c.provider.clustered {
		return c.provider.nodeID
	}
	return c.provider.ownership.Lookup(key)
}

var _ Cache = (*jetStreamCache)(nil)
