package job

import (
	"sync"

	"fileconv/convert"
)

// HandleTable maps job ids to the handles of their in-flight conversions. An
// entry lives only while the adapter is running.
type HandleTable struct {
	mu      sync.Mutex
	handles map[string]*convert.Handle
}

func NewHandleTable() *HandleTable {
	return &HandleTable{handles: make(map[string]*convert.Handle)}
}

func (t *HandleTable) Put(id string, h *convert.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handles[id] = h
}

// Take removes and returns the handle for id, or nil.
func (t *HandleTable) Take(id string) *convert.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.handles[id]
	delete(t.handles, id)
	return h
}

// Remove deletes the entry for id only if it still points at h.
func (t *HandleTable) Remove(id string, h *convert.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handles[id] == h {
		delete(t.handles, id)
	}
}

func (t *HandleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}
