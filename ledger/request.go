// Package ledger parses outgoing ledger requests and builds the common request types.
// Requests are returned unsigned; signing belongs to the wallet.
package ledger

import (
	"bytes"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ahwlsqja/ledgerpool/fault"
)

// Transaction types.
const (
	TypeNode        = "0"
	TypeNym         = "1"
	TypeGetTxn      = "3"
	TypeAttrib      = "100"
	TypeSchema      = "101"
	TypeClaimDef    = "102"
	TypeGetAttr     = "104"
	TypeGetNym      = "105"
	TypeGetSchema   = "107"
	TypeGetClaimDef = "108"
	TypeGetDDO      = "120"
)

var readOnlyTypes = map[string]bool{
	TypeGetTxn:      true,
	TypeGetAttr:     true,
	TypeGetNym:      true,
	TypeGetSchema:   true,
	TypeGetClaimDef: true,
	TypeGetDDO:      true,
}

// IsReadOnly reports whether txnType is a query.
func IsReadOnly(txnType string) bool {
	return readOnlyTypes[txnType]
}

// Request is the envelope every ledger request shares.
type Request struct {
	ReqID      uint64                 `json:"reqId"`
	Identifier string                 `json:"identifier"`
	Operation  map[string]interface{} `json:"operation"`
	Signature  string                 `json:"signature,omitempty"`
}

// Descriptor is what the pool needs to know about a request payload.
type Descriptor struct {
	ReqID      uint64
	Identifier string
	Type       string
	ReadOnly   bool
}

// ParseRequest reads the descriptor of a serialized request. The payload
// itself is forwarded to nodes untouched.
func ParseRequest(payload []byte) (*Descriptor, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var env struct {
		ReqID      json.Number `json:"reqId"`
		Identifier string      `json:"identifier"`
		Operation  struct {
			Type json.RawMessage `json:"type"`
		} `json:"operation"`
	}
	if err := dec.Decode(&env); err != nil {
		return nil, fault.InvalidStructure("request is not a JSON object: %v", err)
	}
	if env.ReqID == "" {
		return nil, fault.InvalidStructure("request has no reqId")
	}
	reqID, err := strconv.ParseUint(env.ReqID.String(), 10, 64)
	if err != nil || reqID == 0 {
		return nil, fault.InvalidStructure("request reqId %q is not a positive integer", env.ReqID)
	}

	txnType, err := operationType(env.Operation.Type)
	if err != nil {
		return nil, err
	}
	return &Descriptor{
		ReqID:      reqID,
		Identifier: env.Identifier,
		Type:       txnType,
		ReadOnly:   IsReadOnly(txnType),
	}, nil
}

// operationType accepts the type as a string or a bare number.
func operationType(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fault.InvalidStructure("request has no operation.type")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fault.InvalidStructure("request operation.type %s is not a string", raw)
}

var lastReqID atomic.Uint64

// NextReqID returns a request id: the current time in microseconds, bumped
// so that ids from one process never repeat.
func NextReqID() uint64 {
	for {
		now := uint64(time.Now().UnixMicro())
		last := lastReqID.Load()
		if now <= last {
			now = last + 1
		}
		if lastReqID.CompareAndSwap(last, now) {
			return now
		}
	}
}
