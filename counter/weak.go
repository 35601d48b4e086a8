package counter

import (
	"context"
	"errors"
	"fmt"
	"github.com/cespare/xxhash/v2"
	"github.com/pnvasko/nats-jetstream-counters/cache"
	"github.com/pnvasko/nats-jetstream-counters/common"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// WeakCounter spreads its value over ConcurrencyLevel partial keys. A node
// writes only the partials it primarily owns, so writers on different nodes
// rarely contend. Value is the locally known sum, kept current by the change
// events of all partials and therefore only eventually consistent.
type WeakCounter struct {
	counterBase
	generator *weakGenerator
	preferred atomic.Pointer[[]int]
	next      atomic.Uint64
}

func newWeakCounter(base counterBase) *WeakCounter {
	c := &WeakCounter{
		counterBase: base,
		generator:   newWeakGenerator(base.name, base.config),
	}
	c.updatePreferredKeys()
	return c
}

func (c *WeakCounter) init(ctx context.Context) error {
	c.nm.RegisterCounter(c.name, c.generator, c.onTopologyChange)
	if err := c.nm.RegisterTopologyListener(ctx); err != nil {
		c.nm.RemoveCounter(c.name)
		return err
	}
	if err := c.nm.RegisterValueListener(ctx); err != nil {
		c.nm.RemoveCounter(c.name)
		return err
	}
	if _, err := c.Sync(ctx); err != nil {
		c.nm.RemoveCounter(c.name)
		return err
	}
	return nil
}

// Value returns the locally aggregated value without contacting the cluster.
func (c *WeakCounter) Value() int64 {
	return c.generator.value()
}

func (c *WeakCounter) Add(ctx context.Context, delta int64) error {
	if err := c.checkAlive(); err != nil {
		return err
	}
	if delta == 0 {
		return nil
	}
	ctx, span := c.startSpan(ctx, "weak.add")
	defer span.End()

	key := c.nextKey()
	for attempt := 1; ; attempt++ {
		var err error
		entry, getErr := c.cache.Get(ctx, key.String())
		switch {
		case errors.Is(getErr, cache.ErrKeyNotFound):
			_, err = c.cache.Create(ctx, key.String(), Value{Value: delta}.Marshal())
		case getErr != nil:
			return common.SetLogError(ctx, "failed to read weak counter partial", getErr, c.logger, c.counterAttr())
		default:
			partial, decodeErr := UnmarshalValue(entry.Value)
			if decodeErr != nil {
				return common.SetLogError(ctx, "failed to decode weak counter partial", decodeErr, c.logger, c.counterAttr())
			}
			_, err = c.cache.Update(ctx, key.String(), Value{Value: partial.Value + delta}.Marshal(), entry.Revision)
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, cache.ErrConflict) {
			return common.SetLogError(ctx, "failed to write weak counter partial", err, c.logger, c.counterAttr())
		}
		if err := c.retry.pause(ctx, attempt); err != nil {
			if errors.Is(err, common.ErrRetriesExhausted) {
				return fmt.Errorf("weak add on '%s' failed after %d attempts: %w", c.name, attempt, cache.ErrConflict)
			}
			return err
		}
	}
}

func (c *WeakCounter) Increment(ctx context.Context) error {
	return c.Add(ctx, 1)
}

func (c *WeakCounter) Decrement(ctx context.Context) error {
	return c.Add(ctx, -1)
}

// Reset deletes every partial, bringing the value back to the initial value.
func (c *WeakCounter) Reset(ctx context.Context) error {
	if err := c.checkAlive(); err != nil {
		return err
	}
	ctx, span := c.startSpan(ctx, "weak.reset")
	defer span.End()
	if err := deleteWeakKeys(ctx, c.cache, c.config, c.name); err != nil {
		return common.SetLogError(ctx, "failed to reset weak counter", err, c.logger, c.counterAttr())
	}
	return nil
}

// Sync re-reads every partial and returns the refreshed local value. Changes
// found this way do not produce listener events.
func (c *WeakCounter) Sync(ctx context.Context) (int64, error) {
	if err := c.checkAlive(); err != nil {
		return 0, err
	}
	ctx, span := c.startSpan(ctx, "weak.sync")
	defer span.End()

	for i := 0; i < c.config.ConcurrencyLevel; i++ {
		key := WeakKey(c.name, i)
		c.generator.Lock()
		seen := c.generator.revision(i)
		c.generator.Unlock()

		entry, err := c.cache.Get(ctx, key.String())
		if err != nil && !errors.Is(err, cache.ErrKeyNotFound) {
			return 0, common.SetLogError(ctx, "failed to sync weak counter", err, c.logger, c.counterAttr())
		}
		var partial *Value
		if err == nil {
			v, decodeErr := UnmarshalValue(entry.Value)
			if decodeErr != nil {
				return 0, common.SetLogError(ctx, "failed to decode weak counter partial", decodeErr, c.logger, c.counterAttr())
			}
			partial = &v
		}
		c.generator.Lock()
		if partial != nil {
			c.generator.Generate(key, partial, entry.Revision)
		} else {
			c.generator.clear(i, seen)
		}
		c.generator.Unlock()
	}
	return c.Value(), nil
}

// PreferredKeys returns the partial keys this node currently writes to.
func (c *WeakCounter) PreferredKeys() []Key {
	indexes := *c.preferred.Load()
	keys := make([]Key, 0, len(indexes))
	for _, i := range indexes {
		keys = append(keys, WeakKey(c.name, i))
	}
	return keys
}

func (c *WeakCounter) Remove(ctx context.Context) error {
	if c.remove != nil {
		return c.remove(ctx)
	}
	return c.destroyAndRemove(ctx)
}

func (c *WeakCounter) destroyAndRemove(ctx context.Context) error {
	c.destroy()
	return removeWeakCounter(ctx, c.cache, c.config, c.name)
}

func (c *WeakCounter) onTopologyChange(event cache.TopologyEvent) {
	c.updatePreferredKeys()
	c.logger.Ctx(context.Background()).Debug("weak counter preferred keys updated",
		zap.String("counter", c.name), zap.Strings("members", event.Members), zap.Ints("indexes", *c.preferred.Load()))
}

// updatePreferredKeys selects the partials whose primary owner is the local
// member. When it owns none, one partial is picked by hashing the member id.
func (c *WeakCounter) updatePreferredKeys() {
	local := c.cache.LocalMember()
	n := c.config.ConcurrencyLevel
	var indexes []int
	for i := 0; i < n; i++ {
		if c.cache.PrimaryOwner(WeakKey(c.name, i).String()) == local {
			indexes = append(indexes, i)
		}
	}
	if len(indexes) == 0 {
		indexes = []int{int(xxhash.Sum64String(local) % uint64(n))}
	}
	c.preferred.Store(&indexes)
}

func (c *WeakCounter) nextKey() Key {
	indexes := *c.preferred.Load()
	i := c.next.Inc() % uint64(len(indexes))
	return WeakKey(c.name, indexes[i])
}

// removeWeakCounter clears the partials of a counter without a local instance.
func removeWeakCounter(ctx context.Context, c cache.Cache, cfg Configuration, name string) error {
	if err := deleteWeakKeys(ctx, c, cfg, name); err != nil {
		return fmt.Errorf("remove weak counter '%s': %w", name, err)
	}
	return nil
}

func deleteWeakKeys(ctx context.Context, c cache.Cache, cfg Configuration, name string) error {
	var errs common.Errors
	for i := 0; i < cfg.ConcurrencyLevel; i++ {
		errs.Add(c.Delete(ctx, WeakKey(name, i).String()))
	}
	return errs.Err()
}
