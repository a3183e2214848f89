// Package signaling routes messages to participants by identity rather than
// by transport connection. Delivery is best-effort and at most once: a
// message for an absent or closed handle is dropped, never buffered.
package signaling

import (
	"sync"

	"github.com/whisper/voice-app/internal/protocol"
)

// Handle is a live transport endpoint for one participant.
type Handle interface {
	// Send writes one frame. It must not block beyond the transport's
	// write deadline.
	Send(data []byte) error
	// Open reports whether the handle can still accept writes.
	Open() bool
}

// Router maps identities to their live handle. The last registration for an
// identity wins; a replaced handle is not closed here.
type Router struct {
	mu      sync.RWMutex
	handles map[string]Handle
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{handles: make(map[string]Handle)}
}

// Register binds id to h and reports whether a different handle was replaced.
func (r *Router) Register(id string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.handles[id]
	r.handles[id] = h
	return ok && prev != h
}

// Unregister removes id's handle unconditionally.
func (r *Router) Unregister(id string) {
	r.mu.Lock()
	delete(r.handles, id)
	r.mu.Unlock()
}

// Release removes id's handle only if h is still the current one. It returns
// true when the mapping was removed.
func (r *Router) Release(id string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.handles[id]; ok && cur == h {
		delete(r.handles, id)
		return true
	}
	return false
}

// Current reports whether h is the handle registered for id.
func (r *Router) Current(id string, h Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur, ok := r.handles[id]
	return ok && cur == h
}

// Send delivers data to id's handle. It returns false when there is no open
// handle or the write fails.
func (r *Router) Send(id string, data []byte) bool {
	r.mu.RLock()
	h, ok := r.handles[id]
	r.mu.RUnlock()

	if !ok || !h.Open() {
		return false
	}
	return h.Send(data) == nil
}

// BroadcastPresence sends an online-count message to every open handle and
// returns how many writes succeeded.
func (r *Router) BroadcastPresence(count int) int {
	data, err := protocol.NewServerMessage(protocol.TypeOnlineCount, protocol.OnlineCountMsg{Count: count})
	if err != nil {
		return 0
	}

	r.mu.RLock()
	handles := make([]Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	sent := 0
	for _, h := range handles {
		if !h.Open() {
			continue
		}
		if h.Send(data) == nil {
			sent++
		}
	}
	return sent
}

// Count returns the number of registered handles.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Connected reports whether id has an open handle.
func (r *Router) Connected(id string) bool {
	r.mu.RLock()
	h, ok := r.handles[id]
	r.mu.RUnlock()
	return ok && h.Open()
}
