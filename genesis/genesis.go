// Package genesis reads and writes genesis transaction files: one JSON NODE transaction per line.
package genesis

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/ahwlsqja/ledgerpool/crypto"
	"github.com/ahwlsqja/ledgerpool/types"
)

// NodeTxnType is the transaction type of a NODE transaction.
const NodeTxnType = "0"

// Txn is one line of a genesis file.
type Txn struct {
	Type       string   `json:"type"`
	Dest       string   `json:"dest"`
	Identifier string   `json:"identifier,omitempty"`
	TxnID      string   `json:"txnId,omitempty"`
	Data       NodeData `json:"data"`
}

// NodeData carries the node endpoints.
type NodeData struct {
	Alias      string    `json:"alias"`
	ClientIP   string    `json:"client_ip,omitempty"`
	ClientPort int       `json:"client_port,omitempty"`
	NodeIP     string    `json:"node_ip,omitempty"`
	NodePort   int       `json:"node_port,omitempty"`
	Services   *[]string `json:"services,omitempty"`
}

// Parse reads genesis transactions and folds them into a node list.
// Later transactions for the same dest update earlier ones; nodes without
// the VALIDATOR service are dropped.
func Parse(r io.Reader) ([]*types.NodeInfo, error) {
	var (
		order []string
		nodes = make(map[string]*types.NodeInfo)
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var txn Txn
		if err := json.Unmarshal(raw, &txn); err != nil {
			return nil, fmt.Errorf("genesis line %d: %w", line, err)
		}
		if txn.Type != NodeTxnType {
			continue
		}
		if _, err := crypto.DecodeVerKey(txn.Dest); err != nil {
			return nil, fmt.Errorf("genesis line %d: %w", line, err)
		}

		node, ok := nodes[txn.Dest]
		if !ok {
			node = &types.NodeInfo{VerKey: txn.Dest, Services: []string{types.ServiceValidator}}
			nodes[txn.Dest] = node
			order = append(order, txn.Dest)
		}
		applyNodeData(node, &txn.Data)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading genesis: %w", err)
	}

	result := make([]*types.NodeInfo, 0, len(order))
	seen := make(map[string]bool, len(order))
	for _, dest := range order {
		n := nodes[dest]
		if !n.IsValidator() {
			continue
		}
		if n.Alias == "" || n.Address == "" {
			return nil, fmt.Errorf("genesis node %s is missing alias or client address", dest)
		}
		if seen[n.Alias] {
			return nil, fmt.Errorf("genesis alias %s used by more than one node", n.Alias)
		}
		seen[n.Alias] = true
		result = append(result, n)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("genesis contains no validator nodes")
	}
	return result, nil
}

func applyNodeData(node *types.NodeInfo, d *NodeData) {
	if d.Alias != "" {
		node.Alias = d.Alias
	}
	if d.ClientIP != "" && d.ClientPort != 0 {
		node.Address = net.JoinHostPort(d.ClientIP, strconv.Itoa(d.ClientPort))
	}
	if d.NodeIP != "" && d.NodePort != 0 {
		node.NodeAddr = net.JoinHostPort(d.NodeIP, strconv.Itoa(d.NodePort))
	}
	if d.Services != nil {
		node.Services = append([]string(nil), (*d.Services)...)
	}
}

// LoadFile parses the genesis file at path.
func LoadFile(path string) ([]*types.NodeInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Write emits one NODE transaction per node.
func Write(w io.Writer, nodes []*types.NodeInfo) error {
	enc := json.NewEncoder(w)
	for i, n := range nodes {
		txn, err := nodeTxn(n)
		if err != nil {
			return err
		}
		txn.TxnID = strconv.Itoa(i + 1)
		if err := enc.Encode(txn); err != nil {
			return err
		}
	}
	return nil
}

func nodeTxn(n *types.NodeInfo) (*Txn, error) {
	host, port, err := splitHostPort(n.Address)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", n.Alias, err)
	}
	services := append([]string(nil), n.Services...)
	data := NodeData{
		Alias:      n.Alias,
		ClientIP:   host,
		ClientPort: port,
		Services:   &services,
	}
	if n.NodeAddr != "" {
		if data.NodeIP, data.NodePort, err = splitHostPort(n.NodeAddr); err != nil {
			return nil, fmt.Errorf("node %s: %w", n.Alias, err)
		}
	}
	return &Txn{Type: NodeTxnType, Dest: n.VerKey, Data: data}, nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %s: %w", addr, err)
	}
	return host, port, nil
}
