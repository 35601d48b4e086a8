package cache

import (
	"context"
	"errors"
	"fmt"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pnvasko/nats-jetstream-counters/common"
	"go.uber.org/zap"
	"strconv"
	"sync"
	"time"
)

// membership announces this node in a TTL bucket and polls the bucket to
// learn the live member set. A member that stops heartbeating expires after
// the bucket TTL and disappears from the next poll.
type membership struct {
	kv        jetstream.KeyValue
	nodeID    string
	heartbeat time.Duration
	ownership *Ownership

	mu        sync.Mutex
	listeners map[uint64]TopologyListener
	seq       uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *common.Logger
}

func newMembership(kv jetstream.KeyValue, nodeID string, heartbeat time.Duration, ownership *Ownership, logger *common.Logger) *membership {
	return &membership{
		kv:        kv,
		nodeID:    nodeID,
		heartbeat: heartbeat,
		ownership: ownership,
		listeners: make(map[uint64]TopologyListener),
		logger:    logger,
	}
}

func (m *membership) start(ctx context.Context) error {
	if err := m.announce(ctx); err != nil {
		return err
	}
	if err := m.refresh(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(loopCtx)
	}()
	return nil
}

func (m *membership) loop(ctx context.Context) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	l := m.logger.Ctx(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.announce(ctx); err != nil && ctx.Err() == nil {
				l.Warn("membership heartbeat failed, will retry on next tick", zap.String("node", m.nodeID), zap.Error(err))
			}
			if err := m.refresh(ctx); err != nil && ctx.Err() == nil {
				l.Warn("membership refresh failed, will retry on next tick", zap.String("node", m.nodeID), zap.Error(err))
			}
		}
	}
}

func (m *membership) announce(ctx context.Context) error {
	ts := strconv.FormatInt(time.Now().UnixNano(), 10)
	if _, err := m.kv.Put(ctx, m.nodeID, []byte(ts)); err != nil {
		return fmt.Errorf("announce member '%s': %w", m.nodeID, err)
	}
	return nil
}

func (m *membership) refresh(ctx context.Context) error {
	members := []string{m.nodeID}
	lister, err := m.kv.ListKeys(ctx)
	if err != nil && !errors.Is(err, jetstream.ErrNoKeysFound) {
		return fmt.Errorf("list members: %w", err)
	}
	if lister != nil {
		for k := range lister.Keys() {
			members = append(members, k)
		}
		_ = lister.Stop()
	}

	if !m.ownership.Reset(members) {
		return nil
	}
	event := TopologyEvent{Members: m.ownership.Members()}
	m.logger.Ctx(ctx).Info("cluster topology changed", zap.String("node", m.nodeID), zap.Strings("members", event.Members))

	m.mu.Lock()
	listeners := make([]TopologyListener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()
	for _, fn := range listeners {
		go fn(event)
	}
	return nil
}

func (m *membership) addListener(fn TopologyListener) Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := m.seq
	m.listeners[id] = fn
	return registrationFunc(func() error {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
		return nil
	})
}

// stop ends the heartbeat loop and removes this node so peers see it leave
// without waiting for the TTL.
func (m *membership) stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	if err := m.kv.Delete(ctx, m.nodeID); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("leave membership '%s': %w", m.nodeID, err)
	}
	return nil
}
