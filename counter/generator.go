package counter

import (
	"go.uber.org/atomic"
	"sync"
)

// EventGenerator turns committed entry changes of one counter into counter
// events. Callers hold the generator lock around Generate, which gives every
// counter a single, ordered event stream even when several of its keys
// change concurrently.
type EventGenerator interface {
	sync.Locker
	// Generate returns nil when the change is stale or does not move the
	// counter. value is nil for a removed entry.
	Generate(key Key, value *Value, revision uint64) *Event
}

// strongGenerator tracks the last value seen for the single strong key.
// Stale revisions are dropped so a seed read can race with live events.
type strongGenerator struct {
	sync.Mutex
	name     string
	initial  Value
	current  Value
	revision uint64
}

func newStrongGenerator(name string, cfg Configuration) *strongGenerator {
	initial := Value{Value: cfg.InitialValue, State: Valid}
	return &strongGenerator{name: name, initial: initial, current: initial}
}

func (g *strongGenerator) Generate(key Key, value *Value, revision uint64) *Event {
	if key.Weak || key.Name != g.name {
		return nil
	}
	if revision != 0 && revision <= g.revision {
		return nil
	}
	g.revision = revision

	next := g.initial
	if value != nil {
		next = *value
	}
	if next == g.current {
		return nil
	}
	event := &Event{
		Name:     g.name,
		OldValue: g.current.Value,
		OldState: g.current.State,
		NewValue: next.Value,
		NewState: next.State,
	}
	g.current = next
	return event
}

// weakGenerator keeps the partial values of every weak key and the resulting
// sum, which is the value a weak counter reports locally.
type weakGenerator struct {
	sync.Mutex
	name      string
	initial   int64
	partials  []int64
	revisions []uint64
	sum       atomic.Int64
}

func newWeakGenerator(name string, cfg Configuration) *weakGenerator {
	g := &weakGenerator{
		name:      name,
		initial:   cfg.InitialValue,
		partials:  make([]int64, cfg.ConcurrencyLevel),
		revisions: make([]uint64, cfg.ConcurrencyLevel),
	}
	g.sum.Store(cfg.InitialValue)
	return g
}

func (g *weakGenerator) Generate(key Key, value *Value, revision uint64) *Event {
	if !key.Weak || key.Name != g.name || key.Index >= len(g.partials) {
		return nil
	}
	if revision != 0 && revision <= g.revisions[key.Index] {
		return nil
	}
	g.revisions[key.Index] = revision

	var next int64
	if value != nil {
		next = value.Value
	}
	return g.set(key.Index, next)
}

func (g *weakGenerator) revision(index int) uint64 {
	return g.revisions[index]
}

// clear drops a partial that a read found missing. A miss carries no
// revision, so the partial is kept when an event newer than seen was applied
// while the read was in flight.
func (g *weakGenerator) clear(index int, seen uint64) *Event {
	if g.revisions[index] != seen {
		return nil
	}
	return g.set(index, 0)
}

func (g *weakGenerator) set(index int, next int64) *Event {
	prev := g.partials[index]
	if prev == next {
		return nil
	}
	g.partials[index] = next
	old := g.sum.Load()
	updated := old - prev + next
	g.sum.Store(updated)
	return &Event{
		Name:     g.name,
		OldValue: old,
		OldState: Valid,
		NewValue: updated,
		NewState: Valid,
	}
}

func (g *weakGenerator) value() int64 {
	return g.sum.Load()
}

var (
	_ EventGenerator = (*strongGenerator)(nil)
	_ EventGenerator = (*weakGenerator)(nil)
)
