package pool

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/ahwlsqja/ledgerpool/transport"
	"github.com/ahwlsqja/ledgerpool/types"
)

// NodeState is the connection state of one node.
type NodeState int

const (
	// Disconnected - not dialled yet.
	Disconnected NodeState = iota
	// Connecting - a dial (or redial) is in progress.
	Connecting
	// Connected - requests can be sent.
	Connected
	// Failed - every connect attempt failed; the node is out for the rest of the session.
	Failed
)

// String returns the string representation of NodeState.
func (s NodeState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// writerQueue bounds the payloads waiting for one node's writer.
const writerQueue = 256

// nodeConn is the session's view of one node. Only the session loop touches it.
type nodeConn struct {
	info    *types.NodeInfo
	state   NodeState
	conn    transport.Conn
	gen     uint64 // bumped per dial; events of older generations are stale
	lastErr error
	queue   []uint64 // request ids to send once connected
	retired bool     // removed by refresh; closed when no request refers to it

	// config versions served: [epoch, until); until is 0 while the node entry is current
	epoch uint64
	until uint64

	out  chan []byte // drained by the writer goroutine
	stop context.CancelFunc
}

func newNodeConn(info *types.NodeInfo, epoch uint64) *nodeConn {
	return &nodeConn{info: info, epoch: epoch}
}

func (n *nodeConn) alias() string {
	return n.info.Alias
}

// replaced reports whether a refresh moved the node to a new entry.
func (n *nodeConn) replaced() bool {
	return n.until != 0
}

// serves reports whether the entry is the one a request of epoch talks to.
func (n *nodeConn) serves(epoch uint64) bool {
	return n.epoch <= epoch && (n.until == 0 || epoch < n.until)
}

// drop stops the writer and closes the connection, if any.
func (n *nodeConn) drop() {
	if n.stop != nil {
		n.stop()
		n.stop, n.out = nil, nil
	}
	if n.conn != nil {
		_ = n.conn.Close()
		n.conn = nil
	}
	n.queue = nil
}

// nodeReceiver forwards transport callbacks into the session loop.
type nodeReceiver struct {
	s     *session
	alias string
	gen   uint64
}

func (r *nodeReceiver) Receive(msg []byte) {
	r.s.post(&messageEvent{alias: r.alias, gen: r.gen, data: msg})
}

func (r *nodeReceiver) Closed(err error) {
	r.s.post(&closedEvent{alias: r.alias, gen: r.gen, err: err})
}

// nodeWriter sends queued payloads on one connection off the session loop.
// A failed send is reported like a dropped connection.
func nodeWriter(ctx context.Context, s *session, alias string, gen uint64, conn transport.Conn, out <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-out:
			sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
			err := conn.Send(sctx, payload)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.post(&closedEvent{alias: alias, gen: gen, err: fmt.Errorf("send: %w", err)})
				}
				return
			}
			s.metrics.MessageSent(alias)
		}
	}
}

// dialNode dials info up to cfg.ConnectAttempts times, waiting a doubling
// backoff between attempts. The returned error aggregates every attempt.
func dialNode(ctx context.Context, clock clockwork.Clock, dialer transport.Dialer, info *types.NodeInfo, r transport.Receiver, cfg *Config) (transport.Conn, error) {
	var errs *multierror.Error
	backoff := cfg.ConnectBackoff

	for attempt := 1; attempt <= cfg.ConnectAttempts; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		conn, err := dialer.Dial(dctx, info, r)
		cancel()
		if err == nil {
			return conn, nil
		}
		errs = multierror.Append(errs, fmt.Errorf("attempt %d: %w", attempt, err))

		if attempt == cfg.ConnectAttempts {
			break
		}
		select {
		case <-clock.After(backoff):
		case <-ctx.Done():
			return nil, multierror.Append(errs, ctx.Err()).ErrorOrNil()
		}
		backoff *= 2
		if backoff > cfg.MaxConnectBackoff {
			backoff = cfg.MaxConnectBackoff
		}
	}
	return nil, errs.ErrorOrNil()
}
