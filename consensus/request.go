package consensus

import (
	"errors"
	"fmt"
	"time"

	"github.com/ahwlsqja/ledgerpool/fault"
)

// Outcome is the state of a pending request.
type Outcome int

const (
	// Collecting - waiting for more replies.
	Collecting Outcome = iota
	// Consensus - a reply bucket reached the threshold.
	Consensus
	// Rejected - the pool agreed on a refusal, or no bucket can reach the threshold any more.
	Rejected
	// TimedOut - the deadline passed first.
	TimedOut
	// Terminated - the owning session closed.
	Terminated
	// Unreachable - no target node produced a usable reply.
	Unreachable
)

// String returns the string representation of Outcome.
func (o Outcome) String() string {
	switch o {
	case Collecting:
		return "COLLECTING"
	case Consensus:
		return "CONSENSUS"
	case Rejected:
		return "REJECTED"
	case TimedOut:
		return "TIMED-OUT"
	case Terminated:
		return "TERMINATED"
	case Unreachable:
		return "UNREACHABLE"
	default:
		return "UNKNOWN"
	}
}

// bucket groups replies with the same normalized body.
type bucket struct {
	key    string
	isErr  bool
	reason string
	first  []byte // raw message of the first reply
	nodes  []string
}

// Request is one pending request and its replies. It is not safe for
// concurrent use; a session's event loop owns it.
type Request struct {
	ID        uint64
	Payload   []byte
	ReadOnly  bool
	Threshold int
	Deadline  time.Time
	Started   time.Time
	// Epoch is the pool config version the request was dispatched under.
	Epoch uint64

	// frozen node list at dispatch time
	nodes   []string
	inPool  map[string]bool
	targets map[string]bool

	replied     map[string]bool
	unreachable map[string]bool

	buckets []*bucket // in creation order
	byKey   map[string]*bucket

	outcome Outcome
	winner  *bucket
	cause   string
}

// NewRequest creates a request over the frozen node list, initially sent to targets.
func NewRequest(id uint64, payload []byte, readOnly bool, nodes, targets []string, threshold int, started, deadline time.Time) *Request {
	r := &Request{
		ID:          id,
		Payload:     payload,
		ReadOnly:    readOnly,
		Threshold:   threshold,
		Deadline:    deadline,
		Started:     started,
		nodes:       append([]string(nil), nodes...),
		inPool:      make(map[string]bool, len(nodes)),
		targets:     make(map[string]bool, len(targets)),
		replied:     make(map[string]bool),
		unreachable: make(map[string]bool),
		byKey:       make(map[string]*bucket),
	}
	for _, n := range nodes {
		r.inPool[n] = true
	}
	for _, t := range targets {
		if r.inPool[t] {
			r.targets[t] = true
		}
	}
	return r
}

// Outcome returns the current state.
func (r *Request) Outcome() Outcome {
	return r.outcome
}

// Done reports whether the request reached a terminal state.
func (r *Request) Done() bool {
	return r.outcome != Collecting
}

// Nodes returns the frozen node list.
func (r *Request) Nodes() []string {
	return append([]string(nil), r.nodes...)
}

// InPool reports whether node is in the frozen node list.
func (r *Request) InPool(node string) bool {
	return r.inPool[node]
}

// Targets reports whether node was sent the request.
func (r *Request) Targets(node string) bool {
	return r.targets[node]
}

// TargetList returns the current targets in frozen-list order.
func (r *Request) TargetList() []string {
	var out []string
	for _, n := range r.nodes {
		if r.targets[n] {
			out = append(out, n)
		}
	}
	return out
}

// Awaiting reports whether node was sent the request and has not answered.
func (r *Request) Awaiting(node string) bool {
	return r.targets[node] && !r.replied[node] && !r.unreachable[node]
}

// AddReply records a decoded reply from node. Duplicates and replies from
// nodes that were not sent the request are ignored.
func (r *Request) AddReply(node string, msg *Message, raw []byte) Outcome {
	if r.Done() || !r.Awaiting(node) {
		return r.outcome
	}
	key, err := msg.Key()
	if err != nil {
		return r.AddMalformed(node)
	}
	r.replied[node] = true

	b, ok := r.byKey[key]
	if !ok {
		b = &bucket{
			key:    key,
			isErr:  msg.Op.IsError(),
			reason: msg.Reason,
			first:  append([]byte(nil), raw...),
		}
		r.byKey[key] = b
		r.buckets = append(r.buckets, b)
	}
	b.nodes = append(b.nodes, node)

	// only the bucket that just grew can cross the threshold
	if len(b.nodes) >= r.Threshold {
		r.winner = b
		if b.isErr {
			r.outcome = Rejected
		} else {
			r.outcome = Consensus
		}
		return r.outcome
	}
	return r.evaluate()
}

// AddMalformed records that node answered with something undecodable.
// It counts as a reply that joins no bucket.
func (r *Request) AddMalformed(node string) Outcome {
	if r.Done() || !r.Awaiting(node) {
		return r.outcome
	}
	r.replied[node] = true
	return r.evaluate()
}

// MarkUnreachable records that node will not answer (send failed or disconnected).
func (r *Request) MarkUnreachable(node string) Outcome {
	if r.Done() || !r.inPool[node] || r.replied[node] {
		return r.outcome
	}
	r.unreachable[node] = true
	return r.evaluate()
}

// Expire times the request out if now is past its deadline.
func (r *Request) Expire(now time.Time) Outcome {
	if !r.Done() && !now.Before(r.Deadline) {
		r.outcome = TimedOut
	}
	return r.outcome
}

// Terminate ends a collecting request because its session closed.
func (r *Request) Terminate() {
	if !r.Done() {
		r.outcome = Terminated
	}
}

// NeedsFallback reports whether a read request can no longer reach its
// threshold within its current targets but could with more nodes.
func (r *Request) NeedsFallback() bool {
	if r.Done() || !r.ReadOnly {
		return false
	}
	return r.best()+r.outstanding() < r.Threshold && len(r.spare()) > 0
}

// FallbackTargets returns the nodes of the frozen list not yet tried.
func (r *Request) FallbackTargets() []string {
	return r.spare()
}

// Extend adds nodes to the targets.
func (r *Request) Extend(nodes []string) {
	for _, n := range nodes {
		if r.inPool[n] {
			r.targets[n] = true
		}
	}
}

// Result returns the raw reply of the winning bucket.
func (r *Request) Result() []byte {
	if r.winner == nil {
		return nil
	}
	return r.winner.first
}

// Reason returns the refusal reason of a Rejected request.
func (r *Request) Reason() string {
	switch {
	case r.winner != nil && r.winner.isErr:
		return r.winner.reason
	default:
		return r.cause
	}
}

// Err maps the outcome to a pool error; nil for Consensus or Collecting.
func (r *Request) Err() error {
	switch r.outcome {
	case Rejected:
		return fault.Rejected(r.Reason())
	case TimedOut:
		return fault.Timeout("request %d: best reply matched %d of %d required", r.ID, r.best(), r.Threshold)
	case Terminated:
		return fault.Terminate()
	case Unreachable:
		return fault.Wrap(errors.New(r.cause), fmt.Sprintf("request %d", r.ID))
	}
	return nil
}

// Counts returns the size of every bucket, in creation order.
func (r *Request) Counts() []int {
	counts := make([]int, len(r.buckets))
	for i, b := range r.buckets {
		counts[i] = len(b.nodes)
	}
	return counts
}

// evaluate fails the request early once no bucket can reach the threshold.
func (r *Request) evaluate() Outcome {
	potential := r.outstanding()
	if r.ReadOnly {
		potential += len(r.spare())
	}
	if r.best()+potential >= r.Threshold {
		return r.outcome
	}

	switch {
	case len(r.buckets) == 0:
		r.outcome = Unreachable
		r.cause = "no node returned a usable reply"
	default:
		r.outcome = Rejected
		r.cause = r.rejection()
	}
	return r.outcome
}

// rejection picks the reason of the largest error bucket, or reports divergence.
func (r *Request) rejection() string {
	var best *bucket
	for _, b := range r.buckets {
		if b.isErr && (best == nil || len(b.nodes) > len(best.nodes)) {
			best = b
		}
	}
	if best != nil {
		return best.reason
	}
	return fmt.Sprintf("no consensus possible: reply counts %v, threshold %d", r.Counts(), r.Threshold)
}

func (r *Request) best() int {
	top := 0
	for _, b := range r.buckets {
		if len(b.nodes) > top {
			top = len(b.nodes)
		}
	}
	return top
}

func (r *Request) outstanding() int {
	n := 0
	for node := range r.targets {
		if !r.replied[node] && !r.unreachable[node] {
			n++
		}
	}
	return n
}

func (r *Request) spare() []string {
	var out []string
	for _, n := range r.nodes {
		if !r.targets[n] && !r.unreachable[n] {
			out = append(out, n)
		}
	}
	return out
}
