// Package guard – guard.go keeps the set of senders whose notification is
// currently being processed. At most one cycle per sender runs at a time;
// a duplicate event is rejected rather than queued.
package guard

import (
	"sort"
	"sync"
)

// InFlight is a keyed admission set protected by a single mutex.
// The zero value is not usable; call New.
type InFlight struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// New creates an empty in-flight set.
func New() *InFlight {
	return &InFlight{keys: make(map[string]struct{})}
}

// TryAdmit inserts key when it is absent and reports whether it did.
func (g *InFlight) TryAdmit(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.keys[key]; busy {
		return false
	}
	g.keys[key] = struct{}{}
	return true
}

// Release removes key. Releasing an absent key is a no-op.
func (g *InFlight) Release(key string) {
	g.mu.Lock()
	delete(g.keys, key)
	g.mu.Unlock()
}

// Len returns how many keys are admitted right now.
func (g *InFlight) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.keys)
}

// Keys returns a sorted snapshot of the admitted keys.
func (g *InFlight) Keys() []string {
	g.mu.Lock()
	out := make([]string, 0, len(g.keys))
	for k := range g.keys {
		out = append(out, k)
	}
	g.mu.Unlock()
	sort.Strings(out)
	return out
}

// Hold admits key and returns a release func, or nil when key is busy.
// Typical use:
//
//	release := g.Hold(id)
//	if release == nil {
//		return
//	}
//	defer release()
func (g *InFlight) Hold(key string) func() {
	if !g.TryAdmit(key) {
		return nil
	}
	var once sync.Once
	return func() { once.Do(func() { g.Release(key) }) }
}
