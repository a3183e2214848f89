package matching

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

// ErrCommitted is returned by Enqueue for an identity whose pairing has been
// committed but not yet settled.
var ErrCommitted = errors.New("matching: participant already committed to a pairing")

// Match is a committed pairing returned by AttemptMatch. Requester is the
// identity whose attempt committed the pair. The entries are the queue
// records as they were at commit time.
type Match struct {
	Requester      string
	Partner        string
	Score          int
	RequesterEntry Participant
	PartnerEntry   Participant
}

// Queue is the in-memory matchmaking queue. Entries keep insertion order,
// which is also join-time order, and that order breaks score ties in favour
// of the longest-waiting candidate.
//
// Every operation runs under a single mutex, so a whole AttemptMatch
// (scan and commit) is atomic with respect to any other call. Committed
// identities stay out of the queue until Settle, so nobody can be paired
// twice while a session is being opened.
type Queue struct {
	mu        sync.Mutex
	order     *list.List               // of *Participant, oldest first
	byID      map[string]*list.Element // identity -> element in order
	locked    map[string]struct{}      // identities held by an in-flight attempt
	committed map[string]struct{}      // paired, awaiting Settle
	threshold int
	now       func() time.Time
}

// NewQueue creates an empty queue. A pair commits only when its score is
// strictly greater than threshold.
func NewQueue(threshold int) *Queue {
	return &Queue{
		order:     list.New(),
		byID:      make(map[string]*list.Element),
		locked:    make(map[string]struct{}),
		committed: make(map[string]struct{}),
		threshold: threshold,
		now:       time.Now,
	}
}

// Enqueue inserts p, or replaces the existing entry for p.ID. The join time is
// reset and the entry moves to the back of the queue. It returns the queue
// size after insertion, or ErrCommitted while p.ID awaits Settle.
func (q *Queue) Enqueue(p Participant) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.committed[p.ID]; ok {
		return len(q.byID), ErrCommitted
	}
	p.JoinedAt = q.now()
	if el, ok := q.byID[p.ID]; ok {
		q.order.Remove(el)
	}
	q.byID[p.ID] = q.order.PushBack(&p)
	return len(q.byID), nil
}

// Requeue puts back a participant whose pairing fell through, keeping its
// original join time and therefore its place in line. It clears any pending
// commitment for p.ID and returns false if p.ID is already queued.
func (q *Queue) Requeue(p Participant) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.committed, p.ID)
	if _, ok := q.byID[p.ID]; ok {
		return false
	}
	entry := &p
	for cur := q.order.Back(); cur != nil; cur = cur.Prev() {
		if !cur.Value.(*Participant).JoinedAt.After(p.JoinedAt) {
			q.byID[p.ID] = q.order.InsertAfter(entry, cur)
			return true
		}
	}
	q.byID[p.ID] = q.order.PushFront(entry)
	return true
}

// Settle releases the commitment taken by AttemptMatch once the pairing has
// been turned into a session, or abandoned.
func (q *Queue) Settle(ids ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		delete(q.committed, id)
	}
}

// Committed reports whether id has been paired and awaits Settle.
func (q *Queue) Committed(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.committed[id]
	return ok
}

// Dequeue removes id from the queue and the lock set. It reports whether id
// was queued.
func (q *Queue) Dequeue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.locked, id)
	return q.removeLocked(id)
}

// Position returns the 1-based rank of id by join time, or false if id is not
// queued. It walks the queue, which is fine for the few thousand entries a
// single node holds.
func (q *Queue) Position(id string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byID[id]; !ok {
		return 0, false
	}
	pos := 1
	for el := q.order.Front(); el != nil; el = el.Next() {
		if el.Value.(*Participant).ID == id {
			return pos, true
		}
		pos++
	}
	return 0, false
}

// AttemptMatch looks for the best partner for id among the other queued,
// unlocked participants. If the best score is above the threshold both
// identities leave the queue and the pairing is returned. Otherwise id stays
// queued and false is returned. An id that is not queued, or is already held
// by another attempt, gets false.
func (q *Queue) AttemptMatch(id string) (Match, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.byID[id]
	if !ok {
		return Match{}, false
	}
	if _, busy := q.locked[id]; busy {
		return Match{}, false
	}
	q.locked[id] = struct{}{}

	requester := el.Value.(*Participant)
	var (
		best      *Participant
		bestScore int
	)
	for cur := q.order.Front(); cur != nil; cur = cur.Next() {
		candidate := cur.Value.(*Participant)
		if candidate.ID == id {
			continue
		}
		if _, busy := q.locked[candidate.ID]; busy {
			continue
		}
		s := Score(*requester, *candidate)
		if best == nil || s > bestScore {
			best, bestScore = candidate, s
		}
	}

	if best == nil || bestScore <= q.threshold {
		delete(q.locked, id)
		return Match{}, false
	}

	m := Match{
		Requester:      requester.ID,
		Partner:        best.ID,
		Score:          bestScore,
		RequesterEntry: *requester,
		PartnerEntry:   *best,
	}

	// Commit: both identities leave the queue together and are held as
	// committed until the caller settles the pairing.
	q.removeLocked(m.Requester)
	q.removeLocked(m.Partner)
	delete(q.locked, m.Requester)
	delete(q.locked, m.Partner)
	q.committed[m.Requester] = struct{}{}
	q.committed[m.Partner] = struct{}{}
	return m, true
}

// Contains reports whether id is queued.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[id]
	return ok
}

// Locked reports whether id is currently held by a matching attempt.
func (q *Queue) Locked(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.locked[id]
	return ok
}

// Size returns the number of queued participants.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

// Snapshot returns a copy of the queued participants, oldest first.
func (q *Queue) Snapshot() []Participant {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Participant, 0, len(q.byID))
	for el := q.order.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*Participant))
	}
	return out
}

func (q *Queue) removeLocked(id string) bool {
	el, ok := q.byID[id]
	if !ok {
		return false
	}
	q.order.Remove(el)
	delete(q.byID, id)
	return true
}
