package counter

import (
	"context"
	"errors"
	"fmt"
	"github.com/pnvasko/nats-jetstream-counters/cache"
	"github.com/pnvasko/nats-jetstream-counters/common"
	"go.opentelemetry.io/otel/attribute"
	"math"
)

// StrongCounter is a linearizable counter stored under a single key. Every
// update is a revision-conditional write retried on conflict. A bounded
// counter rejects updates leaving [LowerBound, UpperBound]: the value stays
// as it is, the reached state is stored and ErrBoundReached is returned.
type StrongCounter struct {
	counterBase
	key       Key
	generator *strongGenerator
}

func newStrongCounter(base counterBase) *StrongCounter {
	return &StrongCounter{
		counterBase: base,
		key:         StrongKey(base.name),
		generator:   newStrongGenerator(base.name, base.config),
	}
}

// init registers the counter for notifications and seeds the generator with
// the stored value so the first event reports the right old value.
func (c *StrongCounter) init(ctx context.Context) error {
	c.nm.RegisterCounter(c.name, c.generator, nil)
	if err := c.nm.RegisterValueListener(ctx); err != nil {
		c.nm.RemoveCounter(c.name)
		return err
	}
	current, revision, err := c.read(ctx)
	if err != nil {
		c.nm.RemoveCounter(c.name)
		return err
	}
	if revision != 0 {
		c.generator.Lock()
		c.generator.Generate(c.key, &current, revision)
		c.generator.Unlock()
	}
	return nil
}

func (c *StrongCounter) Value(ctx context.Context) (int64, error) {
	if err := c.checkAlive(); err != nil {
		return 0, err
	}
	ctx, span := c.startSpan(ctx, "strong.value")
	defer span.End()
	current, _, err := c.read(ctx)
	if err != nil {
		return 0, common.SetLogError(ctx, "failed to read strong counter", err, c.logger, c.counterAttr())
	}
	return current.Value, nil
}

func (c *StrongCounter) AddAndGet(ctx context.Context, delta int64) (int64, error) {
	prev, next, err := c.mutate(ctx, "strong.add", func(cur Value) (Value, error) {
		return c.bounded(cur, addSaturated(cur.Value, delta))
	})
	if err != nil {
		return prev.Value, err
	}
	return next.Value, nil
}

func (c *StrongCounter) IncrementAndGet(ctx context.Context) (int64, error) {
	return c.AddAndGet(ctx, 1)
}

func (c *StrongCounter) DecrementAndGet(ctx context.Context) (int64, error) {
	return c.AddAndGet(ctx, -1)
}

// CompareAndSwap sets update if the value equals expect and returns the
// value seen before the operation.
func (c *StrongCounter) CompareAndSwap(ctx context.Context, expect, update int64) (int64, error) {
	prev, _, err := c.mutate(ctx, "strong.compare_and_swap", func(cur Value) (Value, error) {
		if cur.Value != expect {
			return cur, nil
		}
		return c.bounded(cur, boundedTarget{value: update})
	})
	return prev.Value, err
}

func (c *StrongCounter) CompareAndSet(ctx context.Context, expect, update int64) (bool, error) {
	prev, err := c.CompareAndSwap(ctx, expect, update)
	if err != nil {
		return false, err
	}
	return prev == expect, nil
}

// GetAndSet stores value and returns the previous one.
func (c *StrongCounter) GetAndSet(ctx context.Context, value int64) (int64, error) {
	prev, _, err := c.mutate(ctx, "strong.get_and_set", func(cur Value) (Value, error) {
		return c.bounded(cur, boundedTarget{value: value})
	})
	return prev.Value, err
}

// Reset restores the initial value and clears any reached bound.
func (c *StrongCounter) Reset(ctx context.Context) error {
	_, _, err := c.mutate(ctx, "strong.reset", func(Value) (Value, error) {
		return Value{Value: c.config.InitialValue, State: Valid}, nil
	})
	return err
}

// Remove deletes the counter's stored value and this instance. The
// configuration stays; the next lookup starts again from the initial value.
func (c *StrongCounter) Remove(ctx context.Context) error {
	if c.remove != nil {
		return c.remove(ctx)
	}
	return c.destroyAndRemove(ctx)
}

func (c *StrongCounter) destroyAndRemove(ctx context.Context) error {
	c.destroy()
	return removeStrongCounter(ctx, c.cache, c.name)
}

// removeStrongCounter clears the stored value of a counter without a local instance.
func removeStrongCounter(ctx context.Context, c cache.Cache, name string) error {
	if err := c.Delete(ctx, StrongKey(name).String()); err != nil {
		return fmt.Errorf("remove strong counter '%s': %w", name, err)
	}
	return nil
}

// read returns the stored value and its revision; an absent key reads as the
// initial value with revision 0.
func (c *StrongCounter) read(ctx context.Context) (Value, uint64, error) {
	entry, err := c.cache.Get(ctx, c.key.String())
	if errors.Is(err, cache.ErrKeyNotFound) {
		return Value{Value: c.config.InitialValue, State: Valid}, 0, nil
	}
	if err != nil {
		return Value{}, 0, err
	}
	v, err := UnmarshalValue(entry.Value)
	if err != nil {
		return Value{}, 0, err
	}
	return v, entry.Revision, nil
}

// mutate runs an optimistic read-modify-write. fn may return an error with a
// value; the value is still written (a reached bound state) and the error
// returned afterwards. Nothing is written when fn leaves the value as is.
func (c *StrongCounter) mutate(ctx context.Context, op string, fn func(cur Value) (Value, error)) (Value, Value, error) {
	if err := c.checkAlive(); err != nil {
		return Value{}, Value{}, err
	}
	ctx, span := c.startSpan(ctx, op)
	defer span.End()

	for attempt := 1; ; attempt++ {
		cur, revision, err := c.read(ctx)
		if err != nil {
			return Value{}, Value{}, common.SetLogError(ctx, "failed to read strong counter", err, c.logger, c.counterAttr())
		}
		next, opErr := fn(cur)
		if next == cur {
			return cur, cur, opErr
		}

		if revision == 0 {
			_, err = c.cache.Create(ctx, c.key.String(), next.Marshal())
		} else {
			_, err = c.cache.Update(ctx, c.key.String(), next.Marshal(), revision)
		}
		if err == nil {
			if opErr != nil {
				span.SetAttributes(attribute.String("state", next.State.String()))
			}
			return cur, next, opErr
		}
		if !errors.Is(err, cache.ErrConflict) {
			return Value{}, Value{}, common.SetLogError(ctx, "failed to write strong counter", err, c.logger, c.counterAttr())
		}
		if err := c.retry.pause(ctx, attempt); err != nil {
			if errors.Is(err, common.ErrRetriesExhausted) {
				return Value{}, Value{}, fmt.Errorf("%s on '%s' failed after %d attempts: %w", op, c.name, attempt, cache.ErrConflict)
			}
			return Value{}, Value{}, err
		}
	}
}

// boundedTarget is a requested value; overflow marks an addition that left
// the int64 range in the given direction.
type boundedTarget struct {
	value    int64
	overflow int
}

func addSaturated(v, delta int64) boundedTarget {
	sum := v + delta
	switch {
	case delta > 0 && sum < v:
		return boundedTarget{value: math.MaxInt64, overflow: 1}
	case delta < 0 && sum > v:
		return boundedTarget{value: math.MinInt64, overflow: -1}
	default:
		return boundedTarget{value: sum}
	}
}

// bounded applies the counter's bounds to target. An unbounded counter
// saturates at the int64 limits.
func (c *StrongCounter) bounded(cur Value, target boundedTarget) (Value, error) {
	if c.config.Type != StrongBounded {
		return Value{Value: target.value, State: Valid}, nil
	}
	switch {
	case target.overflow < 0 || target.value < c.config.LowerBound:
		return Value{Value: cur.Value, State: LowerBoundReached}, ErrLowerBoundReached
	case target.overflow > 0 || target.value > c.config.UpperBound:
		return Value{Value: cur.Value, State: UpperBoundReached}, ErrUpperBoundReached
	default:
		return Value{Value: target.value, State: Valid}, nil
	}
}
