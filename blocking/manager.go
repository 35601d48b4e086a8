package blocking

import (
	"context"
	"fmt"
	"github.com/pnvasko/nats-jetstream-counters/common"
	"go.uber.org/zap"
	"sync"
)

// Manager hands out limited executors and shuts them all down together.
type Manager struct {
	mu        sync.Mutex
	executors map[string]*LimitedExecutor
	closed    bool
	logger    *common.Logger
}

func NewManager(logger *common.Logger) *Manager {
	return &Manager{
		executors: make(map[string]*LimitedExecutor),
		logger:    logger,
	}
}

// LimitedExecutor returns the executor registered under label, creating it
// with maxConcurrency lanes on first use.
func (m *Manager) LimitedExecutor(label string, maxConcurrency int) (*LimitedExecutor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrExecutorClosed
	}
	if e, ok := m.executors[label]; ok {
		if e.MaxConcurrency() != maxConcurrency {
			return nil, fmt.Errorf("executor %s already exists with max concurrency %d", label, e.MaxConcurrency())
		}
		return e, nil
	}
	e, err := newLimitedExecutor(label, maxConcurrency, m.logger)
	if err != nil {
		return nil, err
	}
	m.executors[label] = e
	m.logger.Ctx(context.Background()).Debug("limited executor created",
		zap.String("executor", label), zap.Int("max_concurrency", maxConcurrency))
	return e, nil
}

func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	executors := make([]*LimitedExecutor, 0, len(m.executors))
	for _, e := range m.executors {
		executors = append(executors, e)
	}
	m.executors = map[string]*LimitedExecutor{}
	m.mu.Unlock()

	var errs common.Errors
	for _, e := range executors {
		errs.Add(e.Shutdown(ctx))
	}
	return errs.Err()
}
