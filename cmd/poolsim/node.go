package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ahwlsqja/ledgerpool/consensus"
	"github.com/ahwlsqja/ledgerpool/ledger"
	"github.com/ahwlsqja/ledgerpool/log"
)

// Behavior is how a simulated node answers.
type Behavior string

const (
	Honest  Behavior = "honest"
	Stale   Behavior = "stale"   // lags one transaction behind
	Silent  Behavior = "silent"  // never answers
	Refuse  Behavior = "refuse"  // REQNACKs everything
	Garbage Behavior = "garbage" // answers with undecodable replies
)

// ParseBehavior validates a behavior name.
func ParseBehavior(s string) (Behavior, error) {
	switch b := Behavior(s); b {
	case Honest, Stale, Silent, Refuse, Garbage:
		return b, nil
	}
	return "", fmt.Errorf("unknown node behavior %q", s)
}

// SimNode is one simulated validator.
type SimNode struct {
	Alias    string
	behavior Behavior
	app      *Application
	logger   log.Logger
	handled  *prometheus.CounterVec
}

// Handle answers one client request; it is the node's transport.Handler.
func (n *SimNode) Handle(payload []byte) [][]byte {
	desc, err := ledger.ParseRequest(payload)
	if err != nil {
		n.logger.Debugw("dropping unparsable request", "err", err)
		return nil
	}
	n.count(string(n.behavior))

	switch n.behavior {
	case Silent:
		return nil
	case Refuse:
		return [][]byte{consensus.NewAck(desc.ReqID), consensus.NewNack(desc.ReqID, "simulated refusal")}
	case Garbage:
		return [][]byte{[]byte(fmt.Sprintf(`{"op":"REPLY","reqId":%d,"result":`, desc.ReqID))}
	}

	var req ledger.Request
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return [][]byte{consensus.NewNack(desc.ReqID, err.Error())}
	}

	result, err := n.execute(desc, &req)
	if err != nil {
		n.logger.Debugw("request rejected", "req_id", desc.ReqID, "err", err)
		return [][]byte{consensus.NewAck(desc.ReqID), consensus.NewReject(desc.ReqID, err.Error())}
	}
	reply, err := consensus.NewReply(desc.ReqID, result)
	if err != nil {
		return [][]byte{consensus.NewNack(desc.ReqID, err.Error())}
	}
	return [][]byte{consensus.NewAck(desc.ReqID), reply}
}

func (n *SimNode) execute(desc *ledger.Descriptor, req *ledger.Request) (map[string]interface{}, error) {
	result := map[string]interface{}{
		"reqId":      desc.ReqID,
		"identifier": desc.Identifier,
		"type":       desc.Type,
	}
	if dest, ok := req.Operation["dest"]; ok {
		result["dest"] = dest
	}

	if !desc.ReadOnly {
		txn, err := n.app.DeliverTx(req, desc.Type)
		if err != nil {
			return nil, err
		}
		result["seqNo"] = txn.SeqNo
		if n.behavior == Stale {
			result["seqNo"] = txn.SeqNo - 1
		}
		return result, nil
	}

	txn, err := n.app.Query(desc.Type, req.Operation)
	if err != nil {
		return nil, err
	}
	result["data"] = nil
	result["seqNo"] = nil
	if txn != nil && n.behavior != Stale {
		data, err := json.Marshal(txn)
		if err != nil {
			return nil, err
		}
		result["data"] = string(data)
		result["seqNo"] = txn.SeqNo
	}
	return result, nil
}

func (n *SimNode) count(behavior string) {
	if n.handled != nil {
		n.handled.WithLabelValues(n.Alias, behavior).Inc()
	}
}
