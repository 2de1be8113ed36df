// Package consensus collects node replies for pending requests and decides when they agree.
package consensus

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Op is the message kind a node sends back.
type Op string

const (
	// OpReply carries a result body.
	OpReply Op = "REPLY"
	// OpReqAck acknowledges that the node accepted the request for processing.
	OpReqAck Op = "REQACK"
	// OpReqNack - the node refused the request before processing it.
	OpReqNack Op = "REQNACK"
	// OpReject - the node processed and rejected the request.
	OpReject Op = "REJECT"
)

// IsError reports whether op is an error-class reply.
func (o Op) IsError() bool {
	return o == OpReqNack || o == OpReject
}

// Valid reports whether op is known.
func (o Op) Valid() bool {
	switch o {
	case OpReply, OpReqAck, OpReqNack, OpReject:
		return true
	}
	return false
}

// Message is a decoded node message.
type Message struct {
	Op         Op              `json:"op"`
	ReqID      uint64          `json:"reqId,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// DecodeMessage parses a node message. The request id is taken from the top
// level or, for REPLY, from result.reqId.
func DecodeMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("malformed node message: %w", err)
	}
	if !msg.Op.Valid() {
		return nil, fmt.Errorf("unknown op %q", msg.Op)
	}

	if msg.Op == OpReply {
		if len(msg.Result) == 0 || bytes.Equal(msg.Result, []byte("null")) {
			return nil, fmt.Errorf("REPLY without result")
		}
		if msg.ReqID == 0 {
			var inner struct {
				ReqID uint64 `json:"reqId"`
			}
			if err := json.Unmarshal(msg.Result, &inner); err == nil {
				msg.ReqID = inner.ReqID
			}
		}
	}
	if msg.ReqID == 0 {
		return nil, fmt.Errorf("%s without reqId", msg.Op)
	}
	return &msg, nil
}

// Key returns the bucket key of a reply: the op class plus the canonical body.
// Replies with equal keys count toward the same quorum.
func (m *Message) Key() (string, error) {
	if m.Op.IsError() {
		// REQNACK and REJECT with the same reason are the same refusal
		return "error:" + m.Reason, nil
	}
	body, err := Canonicalize(m.Result)
	if err != nil {
		return "", err
	}
	return "reply:" + string(body), nil
}

// NewReply encodes a REPLY message; result must marshal to a JSON object.
func NewReply(reqID uint64, result interface{}) ([]byte, error) {
	body, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Message{Op: OpReply, ReqID: reqID, Result: body})
}

// NewAck encodes a REQACK message.
func NewAck(reqID uint64) []byte {
	data, _ := json.Marshal(&Message{Op: OpReqAck, ReqID: reqID})
	return data
}

// NewNack encodes a REQNACK message.
func NewNack(reqID uint64, reason string) []byte {
	data, _ := json.Marshal(&Message{Op: OpReqNack, ReqID: reqID, Reason: reason})
	return data
}

// NewReject encodes a REJECT message.
func NewReject(reqID uint64, reason string) []byte {
	data, _ := json.Marshal(&Message{Op: OpReject, ReqID: reqID, Reason: reason})
	return data
}
