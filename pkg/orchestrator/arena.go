package orchestrator

import (
	"sync"

	"github.com/aluskort/aluskort/pkg/investigation"
)

// Arena bounds in-flight investigation memory: each live investigation gets
// an integer handle, with an id index beside it, and is explicitly released
// on terminal states. Approval expiry and analyst decisions reach the live
// object through the index instead of re-reading a stale snapshot.
type Arena struct {
	mu    sync.RWMutex
	next  uint64
	slots map[uint64]*investigation.Investigation
	index map[string]uint64
}

func NewArena() *Arena {
	return &Arena{
		slots: make(map[uint64]*investigation.Investigation),
		index: make(map[string]uint64),
	}
}

// Put registers an investigation and returns its handle. Re-putting the same
// investigation id returns the existing handle.
func (a *Arena) Put(inv *investigation.Investigation) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok := a.index[inv.InvestigationID]; ok {
		return h
	}
	a.next++
	a.slots[a.next] = inv
	a.index[inv.InvestigationID] = a.next
	return a.next
}

// Get resolves an investigation id to its live object.
func (a *Arena) Get(investigationID string) (*investigation.Investigation, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.index[investigationID]
	if !ok {
		return nil, false
	}
	inv, ok := a.slots[h]
	return inv, ok
}

// Release frees the slot for a terminal investigation. Releasing an unknown
// id is a no-op.
func (a *Arena) Release(investigationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.index[investigationID]
	if !ok {
		return
	}
	delete(a.slots, h)
	delete(a.index, investigationID)
}

// Len reports the number of in-flight investigations.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.slots)
}
