package blocking

import (
	"context"
	"errors"
	"fmt"
	"github.com/cespare/xxhash/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/pnvasko/nats-jetstream-counters/common"
	"go.uber.org/zap"
	"sync"
	"sync/atomic"
)

var ErrExecutorClosed = errors.New("executor is closed")

// Executor runs blocking-capable tasks off the caller's goroutine.
// Tasks sharing a correlation tag run one at a time in submission order.
type Executor interface {
	Execute(task func(), tag string) error
}

// LimitedExecutor runs at most maxConcurrency tasks at once. Every tag is
// pinned to one lane; each lane is a FIFO drained by a single ants worker, so
// with maxConcurrency == 1 all tasks run in global submission order.
// Execute never blocks: it only appends to the lane queue.
type LimitedExecutor struct {
	label   string
	lanes   []*lane
	pool    *ants.Pool
	pending common.SafeWaitGroup
	closed  atomic.Bool
	logger  *common.Logger
}

type lane struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func newLimitedExecutor(label string, maxConcurrency int, logger *common.Logger) (*LimitedExecutor, error) {
	if maxConcurrency < 1 {
		return nil, fmt.Errorf("executor %s: max concurrency must be at least 1, got %d", label, maxConcurrency)
	}
	e := &LimitedExecutor{
		label:  label,
		lanes:  make([]*lane, maxConcurrency),
		logger: logger,
	}
	for i := range e.lanes {
		e.lanes[i] = &lane{}
	}

	pool, err := ants.NewPool(maxConcurrency,
		ants.WithPanicHandler(func(p any) {
			e.logger.Ctx(context.Background()).Error("executor task panicked",
				zap.String("executor", e.label), zap.Any("panic", p))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("executor %s: create pool: %w", label, err)
	}
	e.pool = pool
	return e, nil
}

func (e *LimitedExecutor) Label() string {
	return e.label
}

func (e *LimitedExecutor) MaxConcurrency() int {
	return len(e.lanes)
}

// Pending is the number of submitted tasks that have not finished yet.
func (e *LimitedExecutor) Pending() int {
	return e.pending.Pending()
}

func (e *LimitedExecutor) Execute(task func(), tag string) error {
	if task == nil {
		return nil
	}
	if e.closed.Load() {
		return ErrExecutorClosed
	}
	l := e.laneFor(tag)

	e.pending.Add(1)
	l.mu.Lock()
	l.queue = append(l.queue, task)
	start := !l.running
	l.running = true
	l.mu.Unlock()

	if !start {
		return nil
	}
	if err := e.pool.Submit(func() { e.drain(l) }); err != nil {
		dropped := e.abandon(l)
		e.logger.Ctx(context.Background()).Error("failed to schedule executor lane",
			zap.String("executor", e.label), zap.Int("dropped", dropped), zap.Error(err))
		return fmt.Errorf("executor %s: %w", e.label, err)
	}
	return nil
}

func (e *LimitedExecutor) laneFor(tag string) *lane {
	if len(e.lanes) == 1 {
		return e.lanes[0]
	}
	return e.lanes[xxhash.Sum64String(tag)%uint64(len(e.lanes))]
}

func (e *LimitedExecutor) drain(l *lane) {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			l.mu.Unlock()
			return
		}
		task := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		e.run(task)
	}
}

func (e *LimitedExecutor) run(task func()) {
	defer e.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Ctx(context.Background()).Error("executor task panicked",
				zap.String("executor", e.label), zap.Any("panic", r))
		}
	}()
	task()
}

func (e *LimitedExecutor) abandon(l *lane) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.queue)
	for range l.queue {
		e.pending.Done()
	}
	l.queue = nil
	l.running = false
	return n
}

// Shutdown rejects new tasks, waits for queued ones and releases the workers.
func (e *LimitedExecutor) Shutdown(ctx context.Context) error {
	if e.closed.Swap(true) {
		return nil
	}
	waitErr := e.pending.WaitContext(ctx)
	e.pool.Release()
	if waitErr != nil {
		return fmt.Errorf("executor %s: %d tasks still pending: %w", e.label, e.pending.Pending(), waitErr)
	}
	return nil
}

var _ Executor = (*LimitedExecutor)(nil)
