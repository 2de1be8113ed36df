package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/ahwlsqja/ledgerpool/crypto"
	"github.com/ahwlsqja/ledgerpool/ledger"
)

// Txn is one ordered ledger transaction.
type Txn struct {
	SeqNo      int                    `json:"seqNo"`
	Type       string                 `json:"type"`
	Identifier string                 `json:"identifier"`
	ReqID      uint64                 `json:"reqId"`
	Operation  map[string]interface{} `json:"operation"`
}

// Application is the ledger state every simulated node answers from.
// A write is ordered once, by whichever node delivers it first; the other
// nodes see the same sequence number for it.
type Application struct {
	mu sync.RWMutex

	// State - latest transaction per ledger key
	state map[string]*Txn

	// ordered transactions, seqNo = index+1
	txns []*Txn

	// identifier:reqId -> transaction, so a replayed write keeps its seqNo
	applied map[string]*Txn

	// App hash (state root)
	appHash []byte
}

// NewApplication creates an empty ledger.
func NewApplication() *Application {
	return &Application{
		state:   make(map[string]*Txn),
		applied: make(map[string]*Txn),
	}
}

// DeliverTx orders a write request and returns its transaction.
func (app *Application) DeliverTx(req *ledger.Request, txnType string) (*Txn, error) {
	key, err := stateKey(txnType, req.Identifier, req.Operation)
	if err != nil {
		return nil, err
	}
	if err := app.validateTx(req); err != nil {
		return nil, err
	}

	app.mu.Lock()
	defer app.mu.Unlock()

	id := req.Identifier + ":" + strconv.FormatUint(req.ReqID, 10)
	if txn, ok := app.applied[id]; ok {
		return txn, nil
	}
	txn := &Txn{
		SeqNo:      len(app.txns) + 1,
		Type:       txnType,
		Identifier: req.Identifier,
		ReqID:      req.ReqID,
		Operation:  req.Operation,
	}
	app.txns = append(app.txns, txn)
	app.applied[id] = txn
	app.state[key] = txn
	app.appHash = app.computeAppHash()
	return txn, nil
}

// validateTx validates a single transaction.
func (app *Application) validateTx(req *ledger.Request) error {
	if err := ledger.ValidateDID(req.Identifier); err != nil {
		return err
	}
	if len(req.Operation) == 0 {
		return fmt.Errorf("transaction operation is empty")
	}
	return nil
}

// Query answers a read request; nil means nothing is recorded under the key.
func (app *Application) Query(txnType string, op map[string]interface{}) (*Txn, error) {
	app.mu.RLock()
	defer app.mu.RUnlock()

	if txnType == ledger.TypeGetTxn {
		seqNo, err := strconv.Atoi(fmt.Sprint(op["data"]))
		if err != nil {
			return nil, fmt.Errorf("GET_TXN needs a sequence number")
		}
		if seqNo < 1 || seqNo > len(app.txns) {
			return nil, nil
		}
		return app.txns[seqNo-1], nil
	}

	key, err := queryKey(txnType, op)
	if err != nil {
		return nil, err
	}
	return app.state[key], nil
}

// Height returns the number of ordered transactions.
func (app *Application) Height() int {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return len(app.txns)
}

// AppHash returns the current state hash.
func (app *Application) AppHash() []byte {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.appHash
}

// computeAppHash hashes the ordered transactions.
func (app *Application) computeAppHash() []byte {
	data, _ := json.Marshal(app.txns)
	return crypto.Hash(data)
}

func field(op map[string]interface{}, name string) string {
	v, ok := op[name]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// stateKey is where a write is recorded.
func stateKey(txnType, identifier string, op map[string]interface{}) (string, error) {
	switch txnType {
	case ledger.TypeNym:
		return "nym:" + field(op, "dest"), nil
	case ledger.TypeAttrib:
		return "attrib:" + field(op, "dest"), nil
	case ledger.TypeSchema:
		return "schema:" + identifier, nil
	case ledger.TypeClaimDef:
		return "claimdef:" + identifier + ":" + field(op, "ref"), nil
	case ledger.TypeNode:
		return "node:" + field(op, "dest"), nil
	}
	return "", fmt.Errorf("unknown transaction type %s", txnType)
}

// queryKey is where a read looks.
func queryKey(txnType string, op map[string]interface{}) (string, error) {
	switch txnType {
	case ledger.TypeGetNym, ledger.TypeGetDDO:
		return "nym:" + field(op, "dest"), nil
	case ledger.TypeGetAttr:
		return "attrib:" + field(op, "dest"), nil
	case ledger.TypeGetSchema:
		return "schema:" + field(op, "dest"), nil
	case ledger.TypeGetClaimDef:
		return "claimdef:" + field(op, "origin") + ":" + field(op, "ref"), nil
	}
	return "", fmt.Errorf("unknown query type %s", txnType)
}
