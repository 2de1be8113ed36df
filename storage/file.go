package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ahwlsqja/ledgerpool/fault"
	"github.com/ahwlsqja/ledgerpool/genesis"
	"github.com/ahwlsqja/ledgerpool/types"
)

// ================================================================================
//                          File-based Store 구현
// ================================================================================

// FileStore keeps one directory per pool holding a genesis file:
//
//	<baseDir>/<name>/<name>.txn
type FileStore struct {
	mu      sync.RWMutex
	baseDir string
}

// NewFileStore creates a new file-based store.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", baseDir, err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// GenesisPath returns where the genesis file of name lives.
func (fs *FileStore) GenesisPath(name string) string {
	return filepath.Join(fs.baseDir, name, name+".txn")
}

// Store writes the node list as a genesis file. The pool directory is claimed
// with Mkdir first, so a second Store for the same name fails without touching
// the first one.
func (fs *FileStore) Store(name string, cfg *types.PoolConfig) error {
	if err := checkStore(name, cfg); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := genesis.Write(&buf, cfg.Nodes); err != nil {
		return fault.Wrap(err, "failed to encode genesis")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := filepath.Join(fs.baseDir, name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fault.AlreadyExists(name)
		}
		return fault.Wrap(err, "failed to create pool directory")
	}

	// 임시 파일에 쓰고 rename - 부분 쓰기 방지
	tmp := filepath.Join(dir, name+".txn.tmp")
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return fault.Wrap(err, "failed to write genesis file")
	}
	if err := os.Rename(tmp, fs.GenesisPath(name)); err != nil {
		_ = os.RemoveAll(dir)
		return fault.Wrap(err, "failed to install genesis file")
	}
	return nil
}

// Load reads the genesis file of name.
func (fs *FileStore) Load(name string) (*types.PoolConfig, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	data, err := os.ReadFile(fs.GenesisPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.NotCreated("pool ledger config %s", name)
		}
		return nil, fault.Wrap(err, "failed to read genesis file")
	}

	nodes, err := genesis.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fault.Wrap(err, "failed to parse genesis file")
	}
	return types.NewPoolConfig(name, nodes), nil
}

// Delete removes the pool directory.
func (fs *FileStore) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, err := os.Stat(fs.GenesisPath(name)); err != nil {
		if os.IsNotExist(err) {
			return fault.NotCreated("pool ledger config %s", name)
		}
		return fault.Wrap(err, "failed to stat genesis file")
	}
	if err := os.RemoveAll(filepath.Join(fs.baseDir, name)); err != nil {
		return fault.Wrap(err, "failed to delete pool directory")
	}
	return nil
}

// List returns every pool with a genesis file.
func (fs *FileStore) List() ([]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	entries, err := os.ReadDir(fs.baseDir)
	if err != nil {
		return nil, fault.Wrap(err, "failed to read storage directory")
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(fs.GenesisPath(entry.Name())); err == nil {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Close is a no-op for the file store.
func (fs *FileStore) Close() error {
	return nil
}
