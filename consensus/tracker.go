package consensus

import (
	"sort"
	"time"

	"github.com/ahwlsqja/ledgerpool/fault"
)

// Tracker holds the pending requests of one session, keyed by request id.
// Like Request it belongs to a single goroutine.
type Tracker struct {
	requests map[uint64]*Request
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{requests: make(map[uint64]*Request)}
}

// Add registers r. Only one request per id may be pending.
func (t *Tracker) Add(r *Request) error {
	if _, exists := t.requests[r.ID]; exists {
		return fault.InvalidState("request %d is already pending", r.ID)
	}
	t.requests[r.ID] = r
	return nil
}

// Get returns the pending request with id, or nil.
func (t *Tracker) Get(id uint64) *Request {
	return t.requests[id]
}

// Remove forgets the request with id.
func (t *Tracker) Remove(id uint64) {
	delete(t.requests, id)
}

// Len returns the number of pending requests.
func (t *Tracker) Len() int {
	return len(t.requests)
}

// All returns pending requests ordered by id.
func (t *Tracker) All() []*Request {
	out := make([]*Request, 0, len(t.requests))
	for _, r := range t.requests {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Awaiting returns the requests still waiting on node.
func (t *Tracker) Awaiting(node string) []*Request {
	var out []*Request
	for _, r := range t.All() {
		if r.Awaiting(node) {
			out = append(out, r)
		}
	}
	return out
}

// References reports whether any pending request has node in its frozen list.
func (t *Tracker) References(node string) bool {
	for _, r := range t.requests {
		if r.inPool[node] {
			return true
		}
	}
	return false
}

// NextDeadline returns the earliest deadline, or false when nothing is pending.
func (t *Tracker) NextDeadline() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	for _, r := range t.requests {
		if !found || r.Deadline.Before(next) {
			next, found = r.Deadline, true
		}
	}
	return next, found
}

// Expire times out every request whose deadline passed and returns them.
func (t *Tracker) Expire(now time.Time) []*Request {
	var out []*Request
	for _, r := range t.All() {
		if r.Expire(now) == TimedOut {
			out = append(out, r)
		}
	}
	return out
}
