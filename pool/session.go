package pool

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/ahwlsqja/ledgerpool/consensus"
	"github.com/ahwlsqja/ledgerpool/crypto"
	"github.com/ahwlsqja/ledgerpool/fault"
	"github.com/ahwlsqja/ledgerpool/ledger"
	"github.com/ahwlsqja/ledgerpool/log"
	"github.com/ahwlsqja/ledgerpool/metrics"
	"github.com/ahwlsqja/ledgerpool/storage"
	"github.com/ahwlsqja/ledgerpool/transport"
	"github.com/ahwlsqja/ledgerpool/types"
)

// sessionState is the lifecycle of one opened pool.
type sessionState int

const (
	stateOpening sessionState = iota
	stateOpen
	stateClosing
	stateClosed
	// stateTerminated - every node failed; only Close and status are served.
	stateTerminated
)

// String returns the string representation of sessionState.
func (s sessionState) String() string {
	switch s {
	case stateOpening:
		return "OPENING"
	case stateOpen:
		return "OPEN"
	case stateClosing:
		return "CLOSING"
	case stateClosed:
		return "CLOSED"
	case stateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// events posted by transport and dial goroutines
type messageEvent struct {
	alias string
	gen   uint64
	data  []byte
}

type closedEvent struct {
	alias string
	gen   uint64
	err   error
}

type dialedEvent struct {
	alias string
	gen   uint64
	conn  transport.Conn
	err   error
}

// operations queued by callers
type submitOp struct {
	cmd     CommandHandle
	desc    *ledger.Descriptor
	payload []byte
}

type closeOp struct {
	cmd CommandHandle
}

type refreshOp struct {
	cmd CommandHandle
}

type statusOp struct {
	reply chan *Status
}

// refreshWait completes a refresh once all the dials it started resolve.
type refreshWait struct {
	cmd   CommandHandle
	nodes map[*nodeConn]bool
}

// NodeStatus describes one node of an open pool.
type NodeStatus struct {
	Alias   string `json:"alias"`
	Address string `json:"address"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
	Retired bool   `json:"retired,omitempty"`
}

// Status is a snapshot of a pool session.
type Status struct {
	Name      string       `json:"name"`
	Handle    PoolHandle   `json:"handle"`
	Session   string       `json:"session"`
	State     string       `json:"state"`
	Nodes     []NodeStatus `json:"nodes"`
	Connected int          `json:"connected"`
	Pending   int          `json:"pending"`
}

// session owns the node connections of one opened pool. A single goroutine
// (run) handles every event and operation, so consensus bookkeeping needs no locks.
type session struct {
	handle PoolHandle
	name   string
	id     string

	cfg      *Config
	store    storage.Store
	dialer   transport.Dialer
	registry *Registry
	policy   consensus.Policy
	clock    clockwork.Clock
	metrics  *metrics.Metrics
	logger   log.Logger
	rng      *rand.Rand

	ctx    context.Context
	cancel context.CancelFunc

	// shared with callers
	mu       sync.Mutex
	state    sessionState
	inbox    []interface{}
	inflight map[uint64]bool
	stopped  bool
	wake     chan struct{}

	events chan interface{}
	done   chan struct{}

	// owned by run
	config     *types.PoolConfig
	epoch      uint64               // bumped by every refresh
	nodes      map[string]*nodeConn // current entry per alias
	superseded []*nodeConn          // moved by a refresh, kept for older requests
	nextGen    uint64
	tracker    *consensus.Tracker
	commands   map[uint64]CommandHandle
	openCmd    CommandHandle
	opened     bool
	refreshes  []*refreshWait
}

func newSession(c *Client, handle PoolHandle, cfg *types.PoolConfig, openCmd CommandHandle) *session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &session{
		handle:   handle,
		name:     cfg.Name,
		id:       id,
		cfg:      c.cfg,
		store:    c.store,
		dialer:   c.dialer,
		registry: c.registry,
		policy:   c.policy,
		clock:    c.clock,
		metrics:  c.metrics,
		logger:   c.logger.Named("pool").With("pool", cfg.Name, "handle", handle, "session", id),
		rng:      rand.New(rand.NewSource(c.sessionSeed(handle))),
		ctx:      ctx,
		cancel:   cancel,
		state:    stateOpening,
		inflight: make(map[uint64]bool),
		wake:     make(chan struct{}, 1),
		events:   make(chan interface{}, 256),
		done:     make(chan struct{}),
		config:   cfg,
		nodes:    make(map[string]*nodeConn),
		tracker:  consensus.NewTracker(),
		commands: make(map[uint64]CommandHandle),
		openCmd:  openCmd,
	}
}

// ================================================================================
//                          caller side
// ================================================================================

func (s *session) getState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) setState(st sessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// enqueue hands op to the loop; false once the loop has exited.
func (s *session) enqueue(op interface{}) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.inbox = append(s.inbox, op)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// claim reserves a request id; one pending request per id.
func (s *session) claim(reqID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[reqID] {
		return fault.InvalidState("request %d is already pending on pool %s", reqID, s.name)
	}
	s.inflight[reqID] = true
	return nil
}

func (s *session) release(reqID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, reqID)
}

// post delivers an event unless the loop has exited.
func (s *session) post(ev interface{}) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// ================================================================================
//                          event loop
// ================================================================================

func (s *session) run() {
	defer s.exit()

	s.logger.Infow("opening pool", "nodes", s.config.Size())
	for _, info := range s.config.Nodes {
		s.connect(s.addNode(info))
	}

	timer := s.clock.NewTimer(s.nextWake())
	for s.getState() != stateClosed {
		select {
		case <-s.wake:
			s.drainInbox()
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-timer.Chan():
			s.onTick()
		}
		timer.Stop()
		timer = s.clock.NewTimer(s.nextWake())
	}
	timer.Stop()
}

// exit stops accepting work and fails whatever was queued too late.
func (s *session) exit() {
	s.cancel()

	s.mu.Lock()
	s.stopped = true
	ops := s.inbox
	s.inbox = nil
	s.mu.Unlock()

	close(s.done)
	for _, op := range ops {
		s.abandon(op)
	}
	s.logger.Debugw("session loop exited")
}

func (s *session) abandon(op interface{}) {
	switch o := op.(type) {
	case *submitOp:
		s.release(o.desc.ReqID)
		s.registry.Complete(o.cmd, Result{}, fault.Terminate())
	case *closeOp:
		s.registry.Complete(o.cmd, Result{Pool: s.handle}, nil)
	case *refreshOp:
		s.registry.Complete(o.cmd, Result{}, fault.Terminate())
	case *statusOp:
		close(o.reply)
	}
}

func (s *session) drainInbox() {
	s.mu.Lock()
	ops := s.inbox
	s.inbox = nil
	s.mu.Unlock()

	for i, op := range ops {
		if s.getState() == stateClosed {
			for _, rest := range ops[i:] {
				s.abandon(rest)
			}
			return
		}
		switch o := op.(type) {
		case *submitOp:
			s.dispatch(o)
		case *closeOp:
			s.close(o.cmd)
		case *refreshOp:
			s.refresh(o.cmd)
		case *statusOp:
			o.reply <- s.status()
		}
	}
}

func (s *session) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case *messageEvent:
		s.onMessage(e)
	case *closedEvent:
		s.onClosed(e)
	case *dialedEvent:
		s.onDialed(e)
	}
}

// nextWake returns how long the loop may sleep: until the nearest request
// deadline, or one heartbeat.
func (s *session) nextWake() time.Duration {
	d := s.cfg.HeartbeatInterval
	if next, ok := s.tracker.NextDeadline(); ok {
		if until := next.Sub(s.clock.Now()); until < d {
			d = until
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (s *session) onTick() {
	now := s.clock.Now()
	for _, req := range s.tracker.Expire(now) {
		s.logger.Infow("request timed out", "req_id", req.ID, "replies", req.Counts(), "threshold", req.Threshold)
		s.finish(req)
	}
	s.logger.Debugw("heartbeat", "state", s.getState(), "connected", s.connected(), "pending", s.tracker.Len())
}

// ================================================================================
//                          node events
// ================================================================================

func (s *session) addNode(info *types.NodeInfo) *nodeConn {
	nc := newNodeConn(info, s.epoch)
	s.nodes[info.Alias] = nc
	return nc
}

// lookup finds the entry an event of (alias, gen) belongs to.
func (s *session) lookup(alias string, gen uint64) *nodeConn {
	if nc := s.nodes[alias]; nc != nil && nc.gen == gen {
		return nc
	}
	for _, nc := range s.superseded {
		if nc.alias() == alias && nc.gen == gen {
			return nc
		}
	}
	return nil
}

// connFor returns the entry of alias that req was dispatched to: the one
// current at req's epoch.
func (s *session) connFor(alias string, req *consensus.Request) *nodeConn {
	if nc := s.nodes[alias]; nc != nil && nc.serves(req.Epoch) {
		return nc
	}
	for _, nc := range s.superseded {
		if nc.alias() == alias && nc.serves(req.Epoch) {
			return nc
		}
	}
	return nil
}

// inUse reports whether a pending request still talks to nc.
func (s *session) inUse(nc *nodeConn) bool {
	alias := nc.alias()
	if !s.tracker.References(alias) {
		return false
	}
	for _, req := range s.tracker.All() {
		if req.InPool(alias) && s.connFor(alias, req) == nc {
			return true
		}
	}
	return false
}

// connect starts dialling nc in the background.
func (s *session) connect(nc *nodeConn) {
	s.nextGen++
	nc.gen = s.nextGen
	nc.state = Connecting

	alias, gen, info := nc.alias(), nc.gen, nc.info
	recv := &nodeReceiver{s: s, alias: alias, gen: gen}
	go func() {
		conn, err := dialNode(s.ctx, s.clock, s.dialer, info, recv, s.cfg)
		if !s.post(&dialedEvent{alias: alias, gen: gen, conn: conn, err: err}) && conn != nil {
			conn.Close()
		}
	}()
}

func (s *session) onDialed(e *dialedEvent) {
	nc := s.lookup(e.alias, e.gen)
	if nc == nil || s.closing() {
		if e.conn != nil {
			e.conn.Close()
		}
		return
	}

	if e.err != nil {
		nc.state = Failed
		nc.lastErr = e.err
		s.logger.Warnw("node unreachable", "node", e.alias, "address", nc.info.Address, "err", e.err)
		s.metrics.NodeFailure(e.alias)
		s.abandonNode(nc)
		s.retireUnused()
	} else {
		nc.state = Connected
		nc.conn = e.conn
		nc.lastErr = nil
		ctx, stop := context.WithCancel(s.ctx)
		nc.out, nc.stop = make(chan []byte, writerQueue), stop
		go nodeWriter(ctx, s, nc.alias(), nc.gen, nc.conn, nc.out)
		fp, _ := crypto.NodeFingerprint(nc.info.VerKey)
		s.logger.Debugw("node connected", "node", e.alias, "address", nc.info.Address, "fingerprint", fp)

		queued := nc.queue
		nc.queue = nil
		for _, id := range queued {
			if req := s.tracker.Get(id); req != nil && req.Awaiting(e.alias) && s.connFor(e.alias, req) == nc && nc.state == Connected {
				s.send(nc, req)
			}
		}
		if nc.retired || nc.replaced() {
			s.retireUnused()
		}
	}

	s.resolveRefreshes(nc)
	s.updateConnected()
	s.checkOpen()
	s.checkAlive()
}

func (s *session) onClosed(e *closedEvent) {
	nc := s.lookup(e.alias, e.gen)
	if nc == nil || s.closing() {
		return
	}
	s.nodeLost(nc, e.err)
}

// nodeLost handles a connection that broke mid-session: requests waiting on
// the node count it as a non-responder and the node is dialled again.
func (s *session) nodeLost(nc *nodeConn, err error) {
	alias := nc.alias()
	s.logger.Warnw("node connection lost", "node", alias, "err", err)
	s.metrics.NodeFailure(alias)

	nc.drop()
	nc.lastErr = err
	if nc.retired || nc.replaced() {
		// no redial; it goes once its requests are settled
		nc.state = Failed
		s.abandonNode(nc)
		s.retireUnused()
	} else {
		if !s.closing() {
			s.connect(nc)
		}
		s.abandonNode(nc)
	}
	s.updateConnected()
	s.checkAlive()
}

// abandonNode marks nc unreachable for every request still waiting on it.
func (s *session) abandonNode(nc *nodeConn) {
	nc.queue = nil
	alias := nc.alias()
	var bound []*consensus.Request
	for _, req := range s.tracker.Awaiting(alias) {
		if s.connFor(alias, req) == nc {
			bound = append(bound, req)
		}
	}
	for _, req := range bound {
		if s.tracker.Get(req.ID) != req || req.Done() {
			continue
		}
		req.MarkUnreachable(alias)
		s.settle(req)
	}
}

func (s *session) onMessage(e *messageEvent) {
	nc := s.lookup(e.alias, e.gen)
	if nc == nil {
		return
	}

	msg, err := consensus.DecodeMessage(e.data)
	if err != nil {
		s.metrics.MalformedReply()
		s.logger.Warnw("malformed reply", "node", e.alias, "err", err)
		if req := s.tracker.Get(looseReqID(e.data)); req != nil && s.connFor(e.alias, req) == nc {
			req.AddMalformed(e.alias)
			s.settle(req)
		}
		return
	}
	s.metrics.MessageReceived(string(msg.Op))

	if msg.Op == consensus.OpReqAck {
		s.logger.Debugw("request acknowledged", "node", e.alias, "req_id", msg.ReqID)
		return
	}
	req := s.tracker.Get(msg.ReqID)
	if req == nil {
		s.logger.Debugw("reply for no pending request", "node", e.alias, "req_id", msg.ReqID, "op", msg.Op)
		return
	}
	if s.connFor(e.alias, req) != nc {
		s.logger.Debugw("reply on a connection the request was not sent over", "node", e.alias, "req_id", msg.ReqID)
		return
	}
	req.AddReply(e.alias, msg, e.data)
	s.settle(req)
}

// ================================================================================
//                          lifecycle
// ================================================================================

func (s *session) closing() bool {
	st := s.getState()
	return st == stateClosing || st == stateClosed
}

func (s *session) connected() int {
	n := 0
	for _, nc := range s.nodes {
		if nc.state == Connected {
			n++
		}
	}
	return n
}

func (s *session) updateConnected() {
	s.metrics.SetConnectedNodes(s.name, s.connected())
}

// checkOpen resolves the open command: success on the first connected node,
// NotCreated once every node failed.
func (s *session) checkOpen() {
	if s.getState() != stateOpening {
		return
	}
	if s.connected() > 0 {
		s.setState(stateOpen)
		s.opened = true
		s.registry.addPool(s.handle, s)
		s.metrics.PoolOpened()
		s.logger.Infow("pool opened", "connected", s.connected(), "nodes", s.config.Size())
		s.registry.Complete(s.openCmd, Result{Pool: s.handle}, nil)
		return
	}

	var errs *multierror.Error
	for _, info := range s.config.Nodes {
		nc := s.nodes[info.Alias]
		if nc.state == Connecting {
			return
		}
		if nc.lastErr != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", info.Alias, nc.lastErr))
		}
	}
	s.logger.Errorw("no node could be reached", "err", errs.ErrorOrNil())
	s.registry.Complete(s.openCmd, Result{}, fault.NotCreatedWithCause(
		fmt.Sprintf("no node of pool %s could be reached", s.name), errs.ErrorOrNil()))
	s.shutdown()
	s.setState(stateClosed)
}

// checkAlive terminates an open session once no node is connected or connecting.
func (s *session) checkAlive() {
	if s.getState() != stateOpen {
		return
	}
	for _, nc := range s.nodes {
		if nc.state == Connected || nc.state == Connecting {
			return
		}
	}

	s.logger.Errorw("every node failed, terminating session")
	s.setState(stateTerminated)
	for _, req := range s.tracker.All() {
		req.Terminate()
		s.finish(req)
	}
	for _, w := range s.refreshes {
		s.registry.Complete(w.cmd, Result{}, fault.Terminate())
	}
	s.refreshes = nil
}

// close tears the session down; every outstanding command gets Terminate.
func (s *session) close(cmd CommandHandle) {
	prev := s.getState()
	s.setState(stateClosing)

	pending := s.tracker.Len()
	for _, req := range s.tracker.All() {
		req.Terminate()
		s.finish(req)
	}
	for _, w := range s.refreshes {
		s.registry.Complete(w.cmd, Result{}, fault.Terminate())
	}
	s.refreshes = nil
	if prev == stateOpening {
		s.registry.Complete(s.openCmd, Result{}, fault.Terminate())
	}

	s.shutdown()
	s.registry.removePool(s.handle, s)
	if s.opened {
		s.metrics.PoolClosed(s.name)
	}
	s.setState(stateClosed)
	s.logger.Infow("pool closed", "terminated_requests", pending)
	s.registry.Complete(cmd, Result{Pool: s.handle}, nil)
}

// shutdown cancels dials and closes every connection.
func (s *session) shutdown() {
	s.cancel()
	for _, nc := range s.nodes {
		nc.drop()
		if nc.state != Failed {
			nc.state = Disconnected
		}
	}
	for _, nc := range s.superseded {
		nc.drop()
	}
	s.superseded = nil
}

// refresh reloads the node list and reconciles connections with it. Requests
// in flight keep the node list they were dispatched with.
func (s *session) refresh(cmd CommandHandle) {
	if s.getState() != stateOpen {
		s.registry.Complete(cmd, Result{}, fault.Terminate())
		return
	}
	next, err := s.store.Load(s.name)
	if err != nil {
		s.registry.Complete(cmd, Result{}, err)
		return
	}

	diff := s.config.Diff(next)
	s.config = next
	s.epoch++
	wait := &refreshWait{cmd: cmd, nodes: make(map[*nodeConn]bool)}

	for _, alias := range diff.Removed {
		if nc := s.nodes[alias]; nc != nil {
			nc.retired = true
		}
	}
	// a moved node gets a new entry; the old one keeps serving the
	// requests dispatched before this refresh
	for _, info := range append(diff.Changed, diff.Added...) {
		if old := s.nodes[info.Alias]; old != nil {
			old.until = s.epoch
			s.superseded = append(s.superseded, old)
		}
		nc := s.addNode(info)
		s.connect(nc)
		wait.nodes[nc] = true
	}
	// nodes that failed earlier get another chance
	for _, info := range next.Nodes {
		if nc := s.nodes[info.Alias]; nc != nil && nc.state == Failed {
			nc.info = info
			s.connect(nc)
			wait.nodes[nc] = true
		}
	}
	s.retireUnused()

	s.logger.Infow("pool refreshed",
		"added", len(diff.Added), "changed", len(diff.Changed), "removed", len(diff.Removed), "redialled", len(wait.nodes))
	if len(wait.nodes) == 0 {
		s.registry.Complete(cmd, Result{Pool: s.handle}, nil)
		return
	}
	s.refreshes = append(s.refreshes, wait)
}

func (s *session) resolveRefreshes(nc *nodeConn) {
	remaining := s.refreshes[:0]
	for _, w := range s.refreshes {
		delete(w.nodes, nc)
		if len(w.nodes) == 0 {
			s.registry.Complete(w.cmd, Result{Pool: s.handle}, nil)
			continue
		}
		remaining = append(remaining, w)
	}
	s.refreshes = remaining
}

// retireUnused closes removed or moved node entries that no pending request
// talks to any more.
func (s *session) retireUnused() {
	for alias, nc := range s.nodes {
		if nc.retired && !s.inUse(nc) {
			s.logger.Debugw("node retired", "node", alias)
			nc.drop()
			delete(s.nodes, alias)
		}
	}
	kept := s.superseded[:0]
	for _, nc := range s.superseded {
		if s.inUse(nc) {
			kept = append(kept, nc)
			continue
		}
		s.logger.Debugw("previous node address released", "node", nc.alias(), "address", nc.info.Address)
		nc.drop()
	}
	s.superseded = kept
}

func (s *session) status() *Status {
	st := &Status{
		Name:    s.name,
		Handle:  s.handle,
		Session: s.id,
		State:   s.getState().String(),
		Pending: s.tracker.Len(),
	}
	seen := make(map[string]bool)
	add := func(nc *nodeConn) {
		ns := NodeStatus{
			Alias:   nc.alias(),
			Address: nc.info.Address,
			State:   nc.state.String(),
			Retired: nc.retired || nc.replaced(),
		}
		if nc.lastErr != nil {
			ns.Error = nc.lastErr.Error()
		}
		if nc.state == Connected && !nc.replaced() {
			st.Connected++
		}
		st.Nodes = append(st.Nodes, ns)
		seen[nc.alias()] = true
	}
	for _, info := range s.config.Nodes {
		if nc := s.nodes[info.Alias]; nc != nil {
			add(nc)
		}
	}
	var retired []string
	for alias := range s.nodes {
		if !seen[alias] {
			retired = append(retired, alias)
		}
	}
	sort.Strings(retired)
	for _, alias := range retired {
		add(s.nodes[alias])
	}
	for _, nc := range s.superseded {
		add(nc)
	}
	return st
}
