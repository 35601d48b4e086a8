package counter

import (
	"context"
	"fmt"
	"github.com/pnvasko/nats-jetstream-counters/blocking"
	"github.com/pnvasko/nats-jetstream-counters/cache"
	"github.com/pnvasko/nats-jetstream-counters/common"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"runtime"
	"slices"
	"sync"
)

// TopologyCallback is run for a registered counter after cluster membership changes.
type TopologyCallback func(event cache.TopologyEvent)

type holder struct {
	generator EventGenerator
	topology  TopologyCallback

	mu      sync.Mutex
	handles atomic.Pointer[[]*Handle]
}

func newHolder(generator EventGenerator, topology TopologyCallback) *holder {
	h := &holder{generator: generator, topology: topology}
	h.handles.Store(&[]*Handle{})
	return h
}

func (h *holder) addHandle(listener Listener) *Handle {
	handle := &Handle{listener: listener, holder: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	next := append(slices.Clone(*h.handles.Load()), handle)
	h.handles.Store(&next)
	return handle
}

func (h *holder) removeHandle(handle *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	current := *h.handles.Load()
	idx := slices.Index(current, handle)
	if idx < 0 {
		return
	}
	next := slices.Delete(slices.Clone(current), idx, idx+1)
	h.handles.Store(&next)
}

// snapshot is never mutated after it is published.
func (h *holder) snapshot() []*Handle {
	return *h.handles.Load()
}

type executorRef struct {
	blocking.Executor
}

// NotificationManager turns committed counter-cache changes into ordered
// counter events and fans topology changes out to weak counters.
//
// Events of one counter are generated under that counter's generator lock and
// handed to the executor with the counter name as tag before the lock is
// released. The executor runs tasks of one tag in submission order, so every
// listener sees a counter's events in generation order.
type NotificationManager struct {
	holders sync.Map

	mu          sync.Mutex
	cache       cache.Cache
	valueReg    cache.Registration
	topologyReg cache.Registration
	topologySet bool

	executor       atomic.Pointer[executorRef]
	topologyFanOut int
	logger         *common.Logger
}

func NewNotificationManager(logger *common.Logger) *NotificationManager {
	return &NotificationManager{
		topologyFanOut: runtime.GOMAXPROCS(0),
		logger:         logger,
	}
}

// UseExecutor sets where listener callbacks run. A nil executor is ignored.
// The value listener cannot be attached before an executor is set.
func (nm *NotificationManager) UseExecutor(executor blocking.Executor) {
	if executor == nil {
		return
	}
	nm.executor.Store(&executorRef{Executor: executor})
}

// SetCache assigns the counter cache once; later calls are ignored until Stop.
func (nm *NotificationManager) SetCache(c cache.Cache) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	if nm.cache != nil {
		return
	}
	nm.cache = c
}

// RegisterCounter panics with ErrAlreadyRegistered if name already has a holder.
func (nm *NotificationManager) RegisterCounter(name string, generator EventGenerator, topology TopologyCallback) {
	if _, loaded := nm.holders.LoadOrStore(name, newHolder(generator, topology)); loaded {
		panic(fmt.Errorf("%w: '%s'", ErrAlreadyRegistered, name))
	}
}

func (nm *NotificationManager) RemoveCounter(name string) {
	nm.holders.Delete(name)
}

// RegisterUserListener subscribes listener to the events of a registered
// counter, attaching the cache value listener first if needed.
func (nm *NotificationManager) RegisterUserListener(ctx context.Context, name string, listener Listener) (*Handle, error) {
	if listener == nil {
		return nil, fmt.Errorf("listener cannot be nil")
	}
	if err := nm.RegisterValueListener(ctx); err != nil {
		return nil, err
	}
	v, ok := nm.holders.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrCounterNotRegistered, name)
	}
	return v.(*holder).addHandle(listener), nil
}

// RegisterValueListener attaches the cache change listener once for the
// manager's lifetime.
func (nm *NotificationManager) RegisterValueListener(ctx context.Context) error {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	if nm.cache == nil {
		return ErrNotStarted
	}
	if nm.executor.Load() == nil {
		return fmt.Errorf("%w: no listener executor", ErrNotStarted)
	}
	if nm.valueReg != nil {
		return nil
	}
	reg, err := nm.cache.AddListener(ctx, nm.onEntry,
		cache.WithEventTypes(cache.EventCreated, cache.EventModified, cache.EventRemoved))
	if err != nil {
		return fmt.Errorf("register counter value listener: %w", err)
	}
	nm.valueReg = reg
	return nil
}

// RegisterTopologyListener attaches the topology listener once. Nothing is
// attached when the cache is not clustered.
func (nm *NotificationManager) RegisterTopologyListener(ctx context.Context) error {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	if nm.cache == nil {
		return ErrNotStarted
	}
	if nm.topologySet {
		return nil
	}
	if nm.cache.IsClustered() {
		reg, err := nm.cache.AddTopologyListener(ctx, nm.onTopology)
		if err != nil {
			return fmt.Errorf("register topology listener: %w", err)
		}
		nm.topologyReg = reg
	}
	nm.topologySet = true
	return nil
}

// Stop detaches cache listeners and forgets every counter.
func (nm *NotificationManager) Stop() error {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	var errs common.Errors
	if nm.topologyReg != nil {
		errs.Add(nm.topologyReg.Unregister())
		nm.topologyReg = nil
	}
	if nm.valueReg != nil {
		errs.Add(nm.valueReg.Unregister())
		nm.valueReg = nil
	}
	nm.topologySet = false
	nm.holders.Clear()
	nm.cache = nil
	return errs.Err()
}

func (nm *NotificationManager) onEntry(ev cache.EntryEvent) {
	key, ok := ParseKey(ev.Key)
	if !ok {
		return
	}
	v, ok := nm.holders.Load(key.Name)
	if !ok {
		return
	}
	h := v.(*holder)

	var value *Value
	if ev.Type != cache.EventRemoved {
		decoded, err := UnmarshalValue(ev.Value)
		if err != nil {
			nm.logger.Ctx(context.Background()).Warn("dropping undecodable counter entry",
				zap.String("key", ev.Key), zap.Uint64("revision", ev.Revision), zap.Error(err))
			return
		}
		value = &decoded
	}

	h.generator.Lock()
	defer h.generator.Unlock()
	event := h.generator.Generate(key, value, ev.Revision)
	if event == nil {
		return
	}
	handles := h.snapshot()
	if len(handles) == 0 {
		return
	}
	nm.dispatch(*event, handles)
}

func (nm *NotificationManager) dispatch(event Event, handles []*Handle) {
	job := func() {
		for _, handle := range handles {
			nm.invoke(handle, event)
		}
	}
	ref := nm.executor.Load()
	if ref == nil {
		nm.logger.Ctx(context.Background()).Warn("counter event not dispatched, no listener executor",
			zap.String("counter", event.Name))
		return
	}
	if err := ref.Execute(job, event.Name); err != nil {
		nm.logger.Ctx(context.Background()).Warn("counter event not dispatched",
			zap.String("counter", event.Name), zap.Error(err))
	}
}

func (nm *NotificationManager) invoke(handle *Handle, event Event) {
	defer func() {
		if r := recover(); r != nil {
			nm.logger.Ctx(context.Background()).Error("counter listener panicked",
				zap.String("counter", event.Name), zap.Any("panic", r))
		}
	}()
	if err := handle.listener.OnUpdate(event); err != nil {
		nm.logger.Ctx(context.Background()).Warn("counter listener failed",
			zap.String("counter", event.Name), zap.Stringer("event", event), zap.Error(err))
	}
}

func (nm *NotificationManager) onTopology(ev cache.TopologyEvent) {
	var callbacks []TopologyCallback
	nm.holders.Range(func(_, v any) bool {
		if cb := v.(*holder).topology; cb != nil {
			callbacks = append(callbacks, cb)
		}
		return true
	})

	var g errgroup.Group
	g.SetLimit(nm.topologyFanOut)
	for _, cb := range callbacks {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					nm.logger.Ctx(context.Background()).Error("topology callback panicked", zap.Any("panic", r))
				}
			}()
			cb(ev)
			return nil
		})
	}
	_ = g.Wait()
}
