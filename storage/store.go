// Package storage persists pool node lists by name.
// 풀 이름별로 노드 목록(genesis)을 저장하고 읽어오는 기능을 제공
package storage

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ahwlsqja/ledgerpool/fault"
	"github.com/ahwlsqja/ledgerpool/types"
)

// Store is the storage collaborator of the pool client. Implementations are
// local and synchronous.
type Store interface {
	// Store persists cfg under name; fails with AlreadyExists if name is taken.
	Store(name string, cfg *types.PoolConfig) error
	// Load returns the config stored under name; fails with NotCreated if absent.
	Load(name string) (*types.PoolConfig, error)
	// Delete removes the config; fails with NotCreated if absent.
	Delete(name string) error
	// List returns stored names in lexical order.
	List() ([]string, error)

	Close() error
}

// Open creates a store of the given kind ("file", "bolt" or "memory") rooted at dir.
func Open(kind, dir string) (Store, error) {
	switch kind {
	case "file", "":
		return NewFileStore(dir)
	case "bolt":
		return NewBoltStore(dir)
	case "memory":
		return NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage kind %q", kind)
	}
}

// ValidateName rejects names that cannot be used as a key or directory.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fault.InvalidStructure("pool name is required")
	case name == "." || name == "..":
		return fault.InvalidStructure("pool name %q is reserved", name)
	case strings.ContainsAny(name, `/\`) || filepath.Base(name) != name:
		return fault.InvalidStructure("pool name %q must not contain path separators", name)
	}
	return nil
}

func checkStore(name string, cfg *types.PoolConfig) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if cfg == nil || len(cfg.Nodes) == 0 {
		return fault.InvalidStructure("pool %s has no nodes", name)
	}
	return nil
}
