package cache

import (
	"context"
	"fmt"
	"github.com/pnvasko/nats-jetstream-counters/blocking"
	"github.com/pnvasko/nats-jetstream-counters/common"
	"go.uber.org/zap"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultMemoryDeliveryConcurrency = 8
	memoryListenerShutdownTimeout    = 5 * time.Second
)

// MemoryCluster is an in-process cluster: every joined node sees the same
// named caches, receives their change events and shares one ownership table.
// Each entry listener gets its own delivery lanes, so events of one key stay
// ordered while different keys are delivered concurrently.
type MemoryCluster struct {
	mu                  sync.RWMutex
	stores              map[string]*memoryStore
	nodes               map[string]*MemoryNode
	ownership           *Ownership
	clustered           bool
	deliveryConcurrency int
	listenerSeq         atomic.Uint64

	executors *blocking.Manager
	logger    *common.Logger
}

func NewMemoryCluster(logger *common.Logger, opts ...Option[*MemoryCluster]) (*MemoryCluster, error) {
	c := &MemoryCluster{
		stores:              make(map[string]*memoryStore),
		nodes:               make(map[string]*MemoryNode),
		ownership:           NewOwnership(),
		clustered:           true,
		deliveryConcurrency: defaultMemoryDeliveryConcurrency,
		logger:              logger,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	c.executors = blocking.NewManager(logger)
	return c, nil
}

func (c *MemoryCluster) setClustered(clustered bool) {
	c.clustered = clustered
}

func (c *MemoryCluster) setDeliveryConcurrency(n int) {
	c.deliveryConcurrency = n
}

// Join adds a node and notifies every node's topology listeners.
func (c *MemoryCluster) Join(nodeID string) (*MemoryNode, error) {
	c.mu.Lock()
	if _, ok := c.nodes[nodeID]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("node %s already joined", nodeID)
	}
	node := &MemoryNode{
		id:        nodeID,
		cluster:   c,
		topology:  make(map[uint64]TopologyListener),
		listeners: make(map[uint64]*memoryStore),
	}
	c.nodes[nodeID] = node
	c.mu.Unlock()

	c.topologyChanged()
	return node, nil
}

// Leave removes a node, drops its listeners and notifies the remaining nodes.
func (c *MemoryCluster) Leave(nodeID string) {
	c.mu.Lock()
	node, ok := c.nodes[nodeID]
	if ok {
		delete(c.nodes, nodeID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	node.close()
	c.topologyChanged()
}

func (c *MemoryCluster) Close(ctx context.Context) error {
	c.mu.Lock()
	nodes := make([]*MemoryNode, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	c.nodes = map[string]*MemoryNode{}
	c.mu.Unlock()

	for _, n := range nodes {
		n.close()
	}
	return c.executors.Shutdown(ctx)
}

func (c *MemoryCluster) topologyChanged() {
	c.mu.RLock()
	members := make([]string, 0, len(c.nodes))
	nodes := make([]*MemoryNode, 0, len(c.nodes))
	for id, n := range c.nodes {
		members = append(members, id)
		nodes = append(nodes, n)
	}
	c.mu.RUnlock()

	if !c.ownership.Reset(members) {
		return
	}
	event := TopologyEvent{Members: c.ownership.Members()}
	for _, n := range nodes {
		for _, l := range n.topologyListeners() {
			go l(event)
		}
	}
}

func (c *MemoryCluster) store(name string) *memoryStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stores[name]
	if !ok {
		s = &memoryStore{
			name:      name,
			entries:   make(map[string]memoryEntry),
			listeners: make(map[uint64]*memoryListener),
		}
		c.stores[name] = s
	}
	return s
}

// MemoryNode is one member of a MemoryCluster; it is a cache.Provider.
type MemoryNode struct {
	id      string
	cluster *MemoryCluster

	mu        sync.Mutex
	closed    bool
	topology  map[uint64]TopologyListener
	listeners map[uint64]*memoryStore
}

func (n *MemoryNode) ID() string {
	return n.id
}

func (n *MemoryNode) Cache(_ context.Context, name string) (Cache, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	return &memoryCache{node: n, store: n.cluster.store(name)}, nil
}

func (n *MemoryNode) topologyListeners() []TopologyListener {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]TopologyListener, 0, len(n.topology))
	for _, l := range n.topology {
		out = append(out, l)
	}
	return out
}

func (n *MemoryNode) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *MemoryNode) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.topology = map[uint64]TopologyListener{}
	listeners := n.listeners
	n.listeners = map[uint64]*memoryStore{}
	n.mu.Unlock()

	for id, s := range listeners {
		s.removeListener(id)
	}
}

var _ Provider = (*MemoryNode)(nil)

type memoryEntry struct {
	value    []byte
	revision uint64
}

type memoryListener struct {
	id       uint64
	cfg      *listenerConfig
	fn       EntryListener
	executor *blocking.LimitedExecutor
	logger   *common.Logger
}

type memoryStore struct {
	name      string
	mu        sync.Mutex
	entries   map[string]memoryEntry
	revision  uint64
	listeners map[uint64]*memoryListener
}

// commit runs under s.mu so that per-key delivery order equals commit order.
func (s *memoryStore) commit(event EntryEvent) {
	for _, l := range s.listeners {
		if !l.cfg.accepts(event.Type) {
			continue
		}
		fn := l.fn
		if err := l.executor.Execute(func() { fn(event) }, event.Key); err != nil {
			l.logger.Ctx(context.Background()).Warn("memory cache event dropped",
				zap.String("cache", s.name), zap.String("key", event.Key), zap.Error(err))
		}
	}
}

func (s *memoryStore) removeListener(id uint64) {
	s.mu.Lock()
	l, ok := s.listeners[id]
	delete(s.listeners, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), memoryListenerShutdownTimeout)
		defer cancel()
		if err := l.executor.Shutdown(ctx); err != nil {
			l.logger.Ctx(ctx).Warn("memory cache listener did not drain", zap.String("cache", s.name), zap.Error(err))
		}
	}()
}

type memoryCache struct {
	node  *MemoryNode
	store *memoryStore
}

func (m *memoryCache) Name() string {
	return m.store.name
}

func (m *memoryCache) Get(ctx context.Context, key string) (Entry, error) {
	if err := m.check(ctx); err != nil {
		return Entry{}, err
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	e, ok := m.store.entries[key]
	if !ok {
		return Entry{}, ErrKeyNotFound
	}
	return Entry{Key: key, Value: slices.Clone(e.value), Revision: e.revision}, nil
}

func (m *memoryCache) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		return 0, ErrConflict
	}
	s.revision++
	s.entries[key] = memoryEntry{value: slices.Clone(value), revision: s.revision}
	s.commit(EntryEvent{Type: EventCreated, Key: key, Value: slices.Clone(value), Revision: s.revision})
	return s.revision, nil
}

func (m *memoryCache) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.revision != revision {
		return 0, ErrConflict
	}
	s.revision++
	s.entries[key] = memoryEntry{value: slices.Clone(value), revision: s.revision}
	s.commit(EntryEvent{Type: EventModified, Key: key, Value: slices.Clone(value), Revision: s.revision})
	return s.revision, nil
}

func (m *memoryCache) Delete(ctx context.Context, key string) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return nil
	}
	delete(s.entries, key)
	s.revision++
	s.commit(EntryEvent{Type: EventRemoved, Key: key, Revision: s.revision})
	return nil
}

func (m *memoryCache) Keys(ctx context.Context) ([]string, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	keys := make([]string, 0, len(m.store.entries))
	for k := range m.store.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func (m *memoryCache) AddListener(ctx context.Context, listener EntryListener, opts ...ListenerOption) (Registration, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	c := m.node.cluster
	id := c.listenerSeq.Add(1)
	executor, err := c.executors.LimitedExecutor(fmt.Sprintf("memory-listener-%s-%d", m.node.id, id), c.deliveryConcurrency)
	if err != nil {
		return nil, err
	}
	l := &memoryListener{
		id:       id,
		cfg:      newListenerConfig(opts),
		fn:       listener,
		executor: executor,
		logger:   c.logger,
	}

	m.node.mu.Lock()
	if m.node.closed {
		m.node.mu.Unlock()
		return nil, ErrClosed
	}
	m.node.listeners[id] = m.store
	m.node.mu.Unlock()

	m.store.mu.Lock()
	m.store.listeners[id] = l
	m.store.mu.Unlock()

	return registrationFunc(func() error {
		m.node.mu.Lock()
		delete(m.node.listeners, id)
		m.node.mu.Unlock()
		m.store.removeListener(id)
		return nil
	}), nil
}

func (m *memoryCache) AddTopologyListener(ctx context.Context, listener TopologyListener) (Registration, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	id := m.node.cluster.listenerSeq.Add(1)
	m.node.mu.Lock()
	defer m.node.mu.Unlock()
	if m.node.closed {
		return nil, ErrClosed
	}
	m.node.topology[id] = listener
	return registrationFunc(func() error {
		m.node.mu.Lock()
		delete(m.node.topology, id)
		m.node.mu.Unlock()
		return nil
	}), nil
}

func (m *memoryCache) IsClustered() bool {
	return m.node.cluster.clustered
}

func (m *memoryCache) LocalMember() string {
	return m.node.id
}

func (m *memoryCache) Members() []string {
	return m.node.cluster.ownership.Members()
}

func (m *memoryCache) PrimaryOwner(key string) string {
	if !m.IsClustered() {
		return m.node.id
	}
	return m.node.cluster.ownership.Lookup(key)
}

func (m *memoryCache) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.node.isClosed() {
		return ErrClosed
	}
	return nil
}

var _ Cache = (*memoryCache)(nil)
