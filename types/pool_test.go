package types

import (
	"testing"
)

func testNodes(aliases ...string) []*NodeInfo {
	nodes := make([]*NodeInfo, 0, len(aliases))
	for i, a := range aliases {
		nodes = append(nodes, &NodeInfo{
			Alias:    a,
			Address:  "127.0.0.1:" + string(rune('1'+i)) + "000",
			Services: []string{ServiceValidator},
		})
	}
	return nodes
}

func TestPoolConfigValidate(t *testing.T) {
	cfg := NewPoolConfig("sandbox", testNodes("Node1", "Node2", "Node3", "Node4"))
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	if cfg.Size() != 4 {
		t.Errorf("expected 4 nodes, got %d", cfg.Size())
	}

	dup := NewPoolConfig("sandbox", testNodes("Node1", "Node1"))
	if err := dup.Validate(); err == nil {
		t.Error("expected duplicate alias error")
	}

	empty := NewPoolConfig("sandbox", nil)
	if err := empty.Validate(); err == nil {
		t.Error("expected empty pool error")
	}

	var nilCfg *PoolConfig
	if nilCfg.Size() != 0 || nilCfg.GetByAlias("x") != nil {
		t.Error("nil config should behave as empty")
	}
}

func TestPoolConfigDiff(t *testing.T) {
	old := NewPoolConfig("p", testNodes("A", "B", "C"))
	next := old.Clone()
	next.Nodes = next.Nodes[1:] // drop A
	next.Nodes[0].Address = "10.0.0.9:9702"
	next.Nodes = append(next.Nodes, &NodeInfo{Alias: "D", Address: "10.0.0.4:9702"})

	d := old.Diff(next)
	if len(d.Added) != 1 || d.Added[0].Alias != "D" {
		t.Errorf("expected D added, got %+v", d.Added)
	}
	if len(d.Changed) != 1 || d.Changed[0].Alias != "B" {
		t.Errorf("expected B changed, got %+v", d.Changed)
	}
	if len(d.Removed) != 1 || d.Removed[0] != "A" {
		t.Errorf("expected A removed, got %v", d.Removed)
	}

	// clone must not alias the original
	if old.GetByAlias("B").Address == "10.0.0.9:9702" {
		t.Error("clone shares node structs with original")
	}
}
