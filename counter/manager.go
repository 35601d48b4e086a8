package counter

import (
	"context"
	"fmt"
	"github.com/pnvasko/nats-jetstream-counters/blocking"
	"github.com/pnvasko/nats-jetstream-counters/cache"
	"github.com/pnvasko/nats-jetstream-counters/common"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"sync"
	"time"
)

const listenerExecutorLabel = "counter-listener"

type managerState int32

const (
	stateNotStarted managerState = iota
	stateStarted
	stateStopped
)

// instance is a materialized StrongCounter or WeakCounter.
type instance interface {
	Name() string
	Configuration() Configuration
	destroy()
	destroyAndRemove(ctx context.Context) error
}

// slot holds at most one instance of a name. Reads are lock-free; creation
// and removal hold mu. Slots are never deleted while the manager runs, so two
// callers can never end up creating through different slots.
type slot struct {
	mu      sync.Mutex
	current atomic.Pointer[slotValue]
}

type slotValue struct {
	counter instance
}

func (s *slot) load() instance {
	if v := s.current.Load(); v != nil {
		return v.counter
	}
	return nil
}

// Manager is the node-local entry point to cluster-wide counters. It keeps at
// most one instance per counter name and routes definitions through the
// ConfigurationManager.
type Manager struct {
	provider      cache.Provider
	executors     *blocking.Manager
	configuration *ConfigurationManager
	notifications *NotificationManager
	counters      sync.Map

	mu           sync.Mutex
	state        atomic.Int32
	counterCache cache.Cache

	globalStateDir      string
	storage             ConfigurationStorage
	listenerConcurrency int
	retry               retryPolicy

	tracer trace.Tracer
	logger *common.Logger
}

// NewManager builds a manager over provider. Persisted definitions are kept
// when WithGlobalStateDir is given; otherwise only volatile counters can be defined.
func NewManager(provider cache.Provider, executors *blocking.Manager, tracer trace.Tracer, logger *common.Logger, opts ...Option[*Manager]) (*Manager, error) {
	m := &Manager{
		provider:            provider,
		executors:           executors,
		listenerConcurrency: defaultListenerConcurrency,
		retry: retryPolicy{
			wait:        defaultRetryWait,
			maxAttempts: defaultMaxRetryAttempts,
		},
		tracer: tracer,
		logger: logger,
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	if m.storage == nil {
		if m.globalStateDir != "" {
			m.storage = NewPersistedConfigurationStorage(m.globalStateDir)
		} else {
			m.storage = NewVolatileConfigurationStorage()
		}
	}
	m.configuration = NewConfigurationManager(provider, m.storage, logger.Named("counter.configuration"))
	m.notifications = NewNotificationManager(logger.Named("counter.notification"))
	return m, nil
}

func (m *Manager) setGlobalStateDir(dir string) {
	m.globalStateDir = dir
}

func (m *Manager) setConfigurationStorage(storage ConfigurationStorage) {
	m.storage = storage
}

func (m *Manager) setListenerConcurrency(n int) {
	m.listenerConcurrency = n
}

func (m *Manager) setRetryWait(d time.Duration) {
	m.retry.wait = d
}

func (m *Manager) setMaxRetryAttempts(n int) {
	m.retry.maxAttempts = n
}

func (m *Manager) ConfigurationManager() *ConfigurationManager {
	return m.configuration
}

func (m *Manager) NotificationManager() *NotificationManager {
	return m.notifications
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch managerState(m.state.Load()) {
	case stateStarted:
		return nil
	case stateStopped:
		return fmt.Errorf("counter manager was stopped: %w", ErrNotStarted)
	}

	executor, err := m.executors.LimitedExecutor(listenerExecutorLabel, m.listenerConcurrency)
	if err != nil {
		return fmt.Errorf("create listener executor: %w", err)
	}
	m.notifications.UseExecutor(executor)
	if err := m.configuration.Start(ctx); err != nil {
		return err
	}
	m.state.Store(int32(stateStarted))
	m.logger.Ctx(ctx).Info("counter manager started", zap.Int("listener_concurrency", m.listenerConcurrency))
	return nil
}

// Stop is terminal. Local instances are dropped, stored values and
// definitions are left untouched.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if managerState(m.state.Load()) != stateStarted {
		m.state.Store(int32(stateStopped))
		m.mu.Unlock()
		return nil
	}
	m.state.Store(int32(stateStopped))
	m.counterCache = nil
	m.mu.Unlock()

	// Slot locks are taken after m.mu is released; creation takes them in
	// the opposite order.
	m.counters.Range(func(_, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		if c := s.load(); c != nil {
			c.destroy()
			s.current.Store(nil)
		}
		s.mu.Unlock()
		return true
	})
	m.counters.Clear()

	var errs common.Errors
	errs.Add(m.configuration.Stop())
	errs.Add(m.notifications.Stop())
	m.logger.Ctx(ctx).Info("counter manager stopped")
	return errs.Err()
}

func (m *Manager) checkStarted() error {
	if managerState(m.state.Load()) != stateStarted {
		return ErrNotStarted
	}
	return nil
}

// cache opens the counter value cache on first use.
func (m *Manager) cache(ctx context.Context) (cache.Cache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkStarted(); err != nil {
		return nil, err
	}
	if m.counterCache == nil {
		c, err := m.provider.Cache(ctx, ValueCacheName)
		if err != nil {
			return nil, fmt.Errorf("open counter cache: %w", err)
		}
		m.counterCache = c
		m.notifications.SetCache(c)
	}
	return m.counterCache, nil
}

func (m *Manager) slot(name string) *slot {
	v, _ := m.counters.LoadOrStore(name, &slot{})
	return v.(*slot)
}

// StrongCounter returns the local instance of name, creating it if needed.
func (m *Manager) StrongCounter(ctx context.Context, name string) (*StrongCounter, error) {
	c, err := m.getOrCreate(ctx, name)
	if err != nil {
		return nil, err
	}
	return asStrong(name, c)
}

func (m *Manager) WeakCounter(ctx context.Context, name string) (*WeakCounter, error) {
	c, err := m.getOrCreate(ctx, name)
	if err != nil {
		return nil, err
	}
	return asWeak(name, c)
}

// CreatedStrongCounter returns the local instance of name or nil; it never creates one.
func (m *Manager) CreatedStrongCounter(name string) (*StrongCounter, error) {
	if err := m.checkStarted(); err != nil {
		return nil, err
	}
	v, ok := m.counters.Load(name)
	if !ok {
		return nil, nil
	}
	c := v.(*slot).load()
	if c == nil {
		return nil, nil
	}
	return asStrong(name, c)
}

func (m *Manager) CreatedWeakCounter(name string) (*WeakCounter, error) {
	if err := m.checkStarted(); err != nil {
		return nil, err
	}
	v, ok := m.counters.Load(name)
	if !ok {
		return nil, nil
	}
	c := v.(*slot).load()
	if c == nil {
		return nil, nil
	}
	return asWeak(name, c)
}

func asStrong(name string, c instance) (*StrongCounter, error) {
	if s, ok := c.(*StrongCounter); ok {
		return s, nil
	}
	return nil, wrongCounterType(name, "strong", c.Configuration().Type)
}

func asWeak(name string, c instance) (*WeakCounter, error) {
	if w, ok := c.(*WeakCounter); ok {
		return w, nil
	}
	return nil, wrongCounterType(name, "weak", c.Configuration().Type)
}

func (m *Manager) getOrCreate(ctx context.Context, name string) (instance, error) {
	if err := m.checkStarted(); err != nil {
		return nil, err
	}
	s := m.slot(name)
	if c := s.load(); c != nil {
		return c, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.load(); c != nil {
		return c, nil
	}
	c, err := m.createCounter(ctx, name)
	if err != nil {
		return nil, err
	}
	s.current.Store(&slotValue{counter: c})
	return c, nil
}

func (m *Manager) createCounter(ctx context.Context, name string) (instance, error) {
	cfg, err := m.configuration.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, undefinedCounter(name)
	}
	c, err := m.cache(ctx)
	if err != nil {
		return nil, err
	}

	base := counterBase{
		name:   name,
		config: *cfg,
		cache:  c,
		nm:     m.notifications,
		retry:  m.retry,
		remove: func(ctx context.Context) error {
			return m.Remove(ctx, name)
		},
		tracer: m.tracer,
		logger: m.logger.Named("counter").With(zap.String("counter", name)),
	}
	switch cfg.Type {
	case Weak:
		counter := newWeakCounter(base)
		if err := counter.init(ctx); err != nil {
			return nil, err
		}
		return counter, nil
	case StrongBounded, StrongUnbounded:
		counter := newStrongCounter(base)
		if err := counter.init(ctx); err != nil {
			return nil, err
		}
		return counter, nil
	default:
		return nil, invalidConfiguration("unknown counter type %d of '%s'", cfg.Type, name)
	}
}

func (m *Manager) DefineCounter(ctx context.Context, name string, cfg Configuration) (bool, error) {
	return m.DefineCounterAsync(ctx, name, cfg).Await(ctx)
}

func (m *Manager) DefineCounterAsync(ctx context.Context, name string, cfg Configuration) *common.Future[bool] {
	if err := m.checkStarted(); err != nil {
		return common.Completed(ctx, false, err)
	}
	return m.configuration.DefineAsync(ctx, name, cfg)
}

func (m *Manager) IsDefined(ctx context.Context, name string) (bool, error) {
	cfg, err := m.Configuration(ctx, name)
	return cfg != nil, err
}

// Configuration returns nil when name is not defined.
func (m *Manager) Configuration(ctx context.Context, name string) (*Configuration, error) {
	if err := m.checkStarted(); err != nil {
		return nil, err
	}
	return m.configuration.GetAsync(ctx, name).Await(ctx)
}

func (m *Manager) requireConfiguration(ctx context.Context, name string) (*Configuration, error) {
	cfg, err := m.Configuration(ctx, name)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, undefinedCounter(name)
	}
	return cfg, nil
}

// Remove clears the counter's stored value and drops the local instance; the
// definition stays. Undefined counters are ignored.
func (m *Manager) Remove(ctx context.Context, name string) error {
	return m.removeCounter(ctx, name, true)
}

// UndefineCounter is Remove followed by deleting the definition.
func (m *Manager) UndefineCounter(ctx context.Context, name string) error {
	return m.removeCounter(ctx, name, false)
}

func (m *Manager) removeCounter(ctx context.Context, name string, keepConfig bool) error {
	cfg, err := m.Configuration(ctx, name)
	if err != nil || cfg == nil {
		return err
	}
	c, err := m.cache(ctx)
	if err != nil {
		return err
	}

	s := m.slot(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if counter := s.load(); counter != nil {
		s.current.Store(nil)
		err = counter.destroyAndRemove(ctx)
	} else if cfg.Type == Weak {
		err = removeWeakCounter(ctx, c, *cfg, name)
	} else {
		err = removeStrongCounter(ctx, c, name)
	}
	if err != nil {
		return err
	}
	if keepConfig {
		return nil
	}
	_, err = m.configuration.RemoveAsync(ctx, name).Await(ctx)
	return err
}

// Value reads a strong counter from the cluster and a weak counter locally.
func (m *Manager) Value(ctx context.Context, name string) (int64, error) {
	cfg, err := m.requireConfiguration(ctx, name)
	if err != nil {
		return 0, err
	}
	if cfg.Type == Weak {
		w, err := m.WeakCounter(ctx, name)
		if err != nil {
			return 0, err
		}
		return w.Value(), nil
	}
	s, err := m.StrongCounter(ctx, name)
	if err != nil {
		return 0, err
	}
	return s.Value(ctx)
}

func (m *Manager) Reset(ctx context.Context, name string) error {
	cfg, err := m.requireConfiguration(ctx, name)
	if err != nil {
		return err
	}
	if cfg.Type == Weak {
		w, err := m.WeakCounter(ctx, name)
		if err != nil {
			return err
		}
		return w.Reset(ctx)
	}
	s, err := m.StrongCounter(ctx, name)
	if err != nil {
		return err
	}
	return s.Reset(ctx)
}

func (m *Manager) CounterNames(ctx context.Context) ([]string, error) {
	if err := m.checkStarted(); err != nil {
		return nil, err
	}
	return m.configuration.Names(ctx)
}

func (m *Manager) CounterProperties(ctx context.Context, name string) (map[string]string, error) {
	cfg, err := m.requireConfiguration(ctx, name)
	if err != nil {
		return nil, err
	}
	return cfg.Properties(), nil
}

// AddListener subscribes listener to name, creating the local instance if needed.
func (m *Manager) AddListener(ctx context.Context, name string, listener Listener) (*Handle, error) {
	c, err := m.getOrCreate(ctx, name)
	if err != nil {
		return nil, err
	}
	switch counter := c.(type) {
	case *StrongCounter:
		return counter.AddListener(ctx, listener)
	case *WeakCounter:
		return counter.AddListener(ctx, listener)
	default:
		return nil, fmt.Errorf("unexpected counter implementation %T", c)
	}
}
