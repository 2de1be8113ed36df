// Package types defines the pool configuration shared by storage, transport and the pool client.
package types

import (
	"fmt"
	"sort"
)

// ServiceValidator marks a node that takes part in consensus.
const ServiceValidator = "VALIDATOR"

// NodeInfo describes one validator node.
type NodeInfo struct {
	Alias    string   `json:"alias"`
	Address  string   `json:"address"` // client-facing host:port
	VerKey   string   `json:"verkey"`  // base58 ed25519 key
	NodeAddr string   `json:"node_address,omitempty"`
	Services []string `json:"services,omitempty"`
}

// IsValidator reports whether the node lists the VALIDATOR service.
func (n *NodeInfo) IsValidator() bool {
	for _, s := range n.Services {
		if s == ServiceValidator {
			return true
		}
	}
	return false
}

// Equal compares every field relevant to a connection.
func (n *NodeInfo) Equal(o *NodeInfo) bool {
	return n.Alias == o.Alias && n.Address == o.Address && n.VerKey == o.VerKey
}

// PoolConfig is an immutable, ordered node list. Refresh replaces it as a whole.
type PoolConfig struct {
	Name  string      `json:"name"`
	Nodes []*NodeInfo `json:"nodes"`
}

// NewPoolConfig creates a pool config; nodes are kept in the given order.
func NewPoolConfig(name string, nodes []*NodeInfo) *PoolConfig {
	return &PoolConfig{
		Name:  name,
		Nodes: nodes,
	}
}

// Size returns the number of nodes.
func (c *PoolConfig) Size() int {
	if c == nil {
		return 0
	}
	return len(c.Nodes)
}

// GetByAlias returns a node by alias.
func (c *PoolConfig) GetByAlias(alias string) *NodeInfo {
	if c == nil {
		return nil
	}
	for _, n := range c.Nodes {
		if n.Alias == alias {
			return n
		}
	}
	return nil
}

// Aliases returns node aliases in config order.
func (c *PoolConfig) Aliases() []string {
	if c == nil {
		return nil
	}
	aliases := make([]string, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		aliases = append(aliases, n.Alias)
	}
	return aliases
}

// Validate checks the config is usable: named, non-empty, unique aliases and addresses present.
func (c *PoolConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("pool config is nil")
	}
	if c.Name == "" {
		return fmt.Errorf("pool name is required")
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("pool %s has no nodes", c.Name)
	}
	seen := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.Alias == "" {
			return fmt.Errorf("pool %s has a node without alias", c.Name)
		}
		if n.Address == "" {
			return fmt.Errorf("node %s has no address", n.Alias)
		}
		if seen[n.Alias] {
			return fmt.Errorf("duplicate node alias %s", n.Alias)
		}
		seen[n.Alias] = true
	}
	return nil
}

// Clone returns a deep copy.
func (c *PoolConfig) Clone() *PoolConfig {
	if c == nil {
		return nil
	}
	nodes := make([]*NodeInfo, len(c.Nodes))
	for i, n := range c.Nodes {
		cp := *n
		cp.Services = append([]string(nil), n.Services...)
		nodes[i] = &cp
	}
	return NewPoolConfig(c.Name, nodes)
}

// ConfigDiff lists how a new node list differs from an old one.
type ConfigDiff struct {
	Added   []*NodeInfo
	Changed []*NodeInfo // same alias, different address or key
	Removed []string
}

// Diff compares c (old) against next (new).
func (c *PoolConfig) Diff(next *PoolConfig) ConfigDiff {
	var d ConfigDiff
	for _, n := range next.Nodes {
		old := c.GetByAlias(n.Alias)
		switch {
		case old == nil:
			d.Added = append(d.Added, n)
		case !old.Equal(n):
			d.Changed = append(d.Changed, n)
		}
	}
	for _, alias := range c.Aliases() {
		if next.GetByAlias(alias) == nil {
			d.Removed = append(d.Removed, alias)
		}
	}
	sort.Strings(d.Removed)
	return d
}
