// Package call tracks active voice sessions between matched participants.
// The registry owns the session lifecycle from open to close and answers
// partner lookups in constant time.
package call

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Quality labels reported at close. A disconnect close carries no label.
const (
	QualityStrong = "strong"
	QualityMedium = "medium"
	QualityWeak   = "weak"
)

// ValidQuality reports whether q is one of the quality labels.
func ValidQuality(q string) bool {
	switch q {
	case QualityStrong, QualityMedium, QualityWeak:
		return true
	}
	return false
}

var (
	// ErrAlreadyInCall is returned by Open when either identity already has
	// an active session.
	ErrAlreadyInCall = errors.New("call: participant already in a call")

	// ErrSelfPair is returned by Open when both identities are the same.
	ErrSelfPair = errors.New("call: cannot pair a participant with itself")
)

// Session is one paired call. It is mutated once, at close, and is returned
// by value so callers never share the registry's copy.
type Session struct {
	ID         string
	A          string
	B          string
	StartedAt  time.Time
	EndedAt    time.Time // zero while active
	EndedBy    string    // empty while active or when closed by disconnect
	Quality    string
	Reconnects int
	Duration   int // whole seconds, set at close
}

// Active reports whether the session has not been closed.
func (s Session) Active() bool {
	return s.EndedAt.IsZero()
}

// Partner returns the other member of the session.
func (s Session) Partner(id string) string {
	if s.A == id {
		return s.B
	}
	return s.A
}

// PairKey returns an order-independent key for two identities.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// Registry holds active sessions keyed by pair, with a direct identity index.
// It also remembers each identity's most recently closed session so that a
// repeated close returns the recorded result instead of closing twice.
type Registry struct {
	mu         sync.Mutex
	byPair     map[string]*Session
	byIdentity map[string]string
	lastClosed map[string]Session
	now        func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byPair:     make(map[string]*Session),
		byIdentity: make(map[string]string),
		lastClosed: make(map[string]Session),
		now:        time.Now,
	}
}

// Open starts a session between a and b.
func (r *Registry) Open(a, b string) (Session, error) {
	if a == b {
		return Session{}, ErrSelfPair
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byIdentity[a]; ok {
		return Session{}, ErrAlreadyInCall
	}
	if _, ok := r.byIdentity[b]; ok {
		return Session{}, ErrAlreadyInCall
	}

	s := &Session{
		ID:        uuid.New().String(),
		A:         a,
		B:         b,
		StartedAt: r.now(),
	}
	key := PairKey(a, b)
	r.byPair[key] = s
	r.byIdentity[a] = key
	r.byIdentity[b] = key
	delete(r.lastClosed, a)
	delete(r.lastClosed, b)
	return *s, nil
}

// Close ends the active session containing id. The bool is true only for the
// call that actually closed the session. When id has no active session the
// last session it closed is returned with false, or a zero Session if none
// is remembered.
func (r *Registry) Close(id, endedBy, quality string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.byIdentity[id]
	if !ok {
		return r.lastClosed[id], false
	}
	s := r.byPair[key]

	s.EndedAt = r.now()
	s.EndedBy = endedBy
	s.Quality = quality
	s.Duration = int(s.EndedAt.Sub(s.StartedAt) / time.Second)

	delete(r.byPair, key)
	delete(r.byIdentity, s.A)
	delete(r.byIdentity, s.B)
	r.lastClosed[s.A] = *s
	r.lastClosed[s.B] = *s
	return *s, true
}

// PartnerOf returns the other member of id's active session.
func (r *Registry) PartnerOf(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.byIdentity[id]
	if !ok {
		return "", false
	}
	return r.byPair[key].Partner(id), true
}

// Get returns id's active session.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.byIdentity[id]
	if !ok {
		return Session{}, false
	}
	return *r.byPair[key], true
}

// AddReconnect increments the reconnect counter of id's active session.
func (r *Registry) AddReconnect(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.byIdentity[id]
	if !ok {
		return false
	}
	r.byPair[key].Reconnects++
	return true
}

// ActiveCount returns the number of open sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPair)
}

// Forget drops the remembered closed session for id.
func (r *Registry) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lastClosed, id)
}
