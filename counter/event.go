package counter

import (
	"fmt"
	"sync"
)

// Event is a change of a counter's logical value as seen by one node.
type Event struct {
	Name     string
	OldValue int64
	OldState State
	NewValue int64
	NewState State
}

func (e Event) String() string {
	return fmt.Sprintf("%s: %d(%s) -> %d(%s)", e.Name, e.OldValue, e.OldState, e.NewValue, e.NewState)
}

// Listener receives the events of one counter, in order. A returned error or
// a panic is logged and does not affect other listeners or later events.
type Listener interface {
	OnUpdate(event Event) error
}

type ListenerFunc func(event Event) error

func (f ListenerFunc) OnUpdate(event Event) error {
	return f(event)
}

// Handle is one listener subscription. Handles compare by identity: adding
// the same listener twice gives two distinct subscriptions, each removed on
// its own.
type Handle struct {
	listener Listener
	holder   *holder
	once     sync.Once
}

func (h *Handle) Listener() Listener {
	return h.listener
}

// Remove stops future deliveries. A dispatch already in flight may still
// call the listener once.
func (h *Handle) Remove() {
	h.once.Do(func() {
		h.holder.removeHandle(h)
	})
}
