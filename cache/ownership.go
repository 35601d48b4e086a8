package cache

import (
	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"slices"
	"sync"
)

// Ownership maps keys to the member primarily responsible for them. It is
// rebuilt on every topology change; Lookup is safe for concurrent use.
type Ownership struct {
	mu      sync.RWMutex
	members []string
	table   *rendezvous.Rendezvous
}

func NewOwnership(members ...string) *Ownership {
	o := &Ownership{}
	o.Reset(members)
	return o
}

// Reset installs a new member set and reports whether it differs from the previous one.
func (o *Ownership) Reset(members []string) bool {
	sorted := slices.Clone(members)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	o.mu.Lock()
	defer o.mu.Unlock()
	if slices.Equal(sorted, o.members) && o.table != nil {
		return false
	}
	o.members = sorted
	o.table = rendezvous.New(sorted, xxhash.Sum64String)
	return true
}

func (o *Ownership) Members() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.members)
}

func (o *Ownership) Lookup(key string) string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if len(o.members) == 0 {
		return ""
	}
	return o.table.Lookup(key)
}
