package pool

import (
	"encoding/json"
	"fmt"

	"github.com/ahwlsqja/ledgerpool/consensus"
	"github.com/ahwlsqja/ledgerpool/fault"
	"github.com/ahwlsqja/ledgerpool/metrics"
)

// dispatch registers a submitted request and sends it to its targets.
func (s *session) dispatch(op *submitOp) {
	if s.getState() != stateOpen {
		s.release(op.desc.ReqID)
		s.registry.Complete(op.cmd, Result{}, fault.Terminate())
		return
	}

	nodes := s.config.Aliases()
	readOnly := op.desc.ReadOnly
	threshold := s.policy.Threshold(len(nodes), readOnly)
	targets := nodes
	if readOnly {
		targets = s.readSubset(nodes)
	}

	now := s.clock.Now()
	req := consensus.NewRequest(op.desc.ReqID, op.payload, readOnly, nodes, targets, threshold, now, now.Add(s.cfg.RequestTimeout))
	req.Epoch = s.epoch
	if err := s.tracker.Add(req); err != nil {
		s.release(op.desc.ReqID)
		s.registry.Complete(op.cmd, Result{}, err)
		return
	}
	s.commands[req.ID] = op.cmd
	s.metrics.RequestStarted()
	s.logger.Debugw("dispatching request",
		"req_id", req.ID, "type", op.desc.Type, "read_only", readOnly, "targets", req.TargetList(), "threshold", threshold)

	for _, alias := range req.TargetList() {
		// a failed send can already settle the request
		if s.tracker.Get(req.ID) != req || req.Done() {
			break
		}
		s.sendTo(alias, req)
	}
	if s.tracker.Get(req.ID) == req {
		s.settle(req)
	}
}

// readSubset picks a random subset of nodes for a read, preferring nodes
// that are not known to have failed.
func (s *session) readSubset(nodes []string) []string {
	size := s.policy.ReadSubsetSize(len(nodes))
	var usable, rest []string
	for _, i := range s.rng.Perm(len(nodes)) {
		alias := nodes[i]
		if nc := s.nodes[alias]; nc != nil && nc.state != Failed {
			usable = append(usable, alias)
		} else {
			rest = append(rest, alias)
		}
	}
	return append(usable, rest...)[:size]
}

// sendTo delivers req to one node, queueing it while the node connects.
func (s *session) sendTo(alias string, req *consensus.Request) {
	nc := s.connFor(alias, req)
	switch {
	case nc == nil || nc.state == Failed:
		req.MarkUnreachable(alias)
	case nc.state == Connected:
		s.send(nc, req)
	default:
		nc.queue = append(nc.queue, req.ID)
	}
}

// send hands req to the node's writer; the loop never waits on the network.
func (s *session) send(nc *nodeConn, req *consensus.Request) {
	select {
	case nc.out <- req.Payload:
	default:
		s.nodeLost(nc, fmt.Errorf("send request %d: %d requests already queued", req.ID, writerQueue))
	}
}

// settle widens a read that can no longer succeed on its subset, then
// finishes the request once it has an outcome.
func (s *session) settle(req *consensus.Request) {
	for !req.Done() && req.NeedsFallback() {
		extra := req.FallbackTargets()
		req.Extend(extra)
		s.metrics.ReadFallback()
		s.logger.Infow("read subset cannot agree, asking remaining nodes", "req_id", req.ID, "nodes", extra)
		for _, alias := range extra {
			if req.Done() || s.tracker.Get(req.ID) != req {
				break
			}
			s.sendTo(alias, req)
		}
	}
	if req.Done() {
		s.finish(req)
	}
}

// finish delivers the single terminal notification of req.
func (s *session) finish(req *consensus.Request) {
	if s.tracker.Get(req.ID) != req {
		return
	}
	s.tracker.Remove(req.ID)
	cmd := s.commands[req.ID]
	delete(s.commands, req.ID)
	s.release(req.ID)

	kind := "write"
	if req.ReadOnly {
		kind = "read"
	}
	elapsed := s.clock.Since(req.Started)
	s.metrics.RequestFinished(kind, outcomeLabel(req.Outcome()), elapsed)

	if req.Outcome() == consensus.Consensus {
		s.logger.Debugw("request reached consensus", "req_id", req.ID, "replies", req.Counts(), "elapsed", elapsed)
		s.registry.Complete(cmd, Result{Pool: s.handle, Reply: req.Result()}, nil)
	} else {
		err := req.Err()
		s.logger.Infow("request failed", "req_id", req.ID, "outcome", req.Outcome(), "err", err)
		s.registry.Complete(cmd, Result{Pool: s.handle}, err)
	}
	s.retireUnused()
}

func outcomeLabel(o consensus.Outcome) string {
	switch o {
	case consensus.Consensus:
		return metrics.OutcomeConsensus
	case consensus.TimedOut:
		return metrics.OutcomeTimeout
	case consensus.Terminated:
		return metrics.OutcomeTerminate
	default:
		return metrics.OutcomeRejected
	}
}

// looseReqID digs a request id out of a message that failed to decode.
func looseReqID(raw []byte) uint64 {
	var probe struct {
		ReqID  uint64 `json:"reqId"`
		Result struct {
			ReqID uint64 `json:"reqId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return 0
	}
	if probe.ReqID != 0 {
		return probe.ReqID
	}
	return probe.Result.ReqID
}
