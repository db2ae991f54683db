package generation

import (
	"sync"

	"github.com/go-go-golems/parley/pkg/conversation"
)

// AbortHandle is a registered cancellation callback. The pointer identity of
// the handle tells apart two generations registered under the same id.
type AbortHandle struct {
	ID     conversation.NodeID
	cancel func()
}

// AbortRegistry maps a generation id, the id of the variant being generated,
// to the cancellation callback of the generation currently running for it.
//
// Registering an id that already has an entry silently replaces the entry.
// The replaced generation keeps running but can no longer be cancelled by id.
type AbortRegistry struct {
	mu      sync.Mutex
	entries map[conversation.NodeID]*AbortHandle
}

func NewAbortRegistry() *AbortRegistry {
	return &AbortRegistry{
		entries: map[conversation.NodeID]*AbortHandle{},
	}
}

// Register stores cancel under id, overwriting any previous entry.
func (r *AbortRegistry) Register(id conversation.NodeID, cancel func()) *AbortHandle {
	h := &AbortHandle{ID: id, cancel: cancel}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = h
	return h
}

// Cancel invokes the callback registered for id. It returns false if there
// is no entry. The entry itself is removed by the generation when it exits.
func (r *AbortRegistry) Cancel(id conversation.NodeID) bool {
	r.mu.Lock()
	h, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if h.cancel != nil {
		h.cancel()
	}
	return true
}

// Clear removes whatever entry is registered for id.
func (r *AbortRegistry) Clear(id conversation.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Release removes the entry for h.ID only if it is still h. A generation whose
// entry was overwritten must not remove the entry of the one that replaced it.
func (r *AbortRegistry) Release(h *AbortHandle) bool {
	if h == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[h.ID] != h {
		return false
	}
	delete(r.entries, h.ID)
	return true
}

func (r *AbortRegistry) Has(id conversation.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

func (r *AbortRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
