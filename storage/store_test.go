package storage

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/ledgerpool/crypto"
	"github.com/ahwlsqja/ledgerpool/fault"
	"github.com/ahwlsqja/ledgerpool/types"
)

func testConfig(aliases ...string) *types.PoolConfig {
	nodes := make([]*types.NodeInfo, 0, len(aliases))
	for i, a := range aliases {
		nodes = append(nodes, &types.NodeInfo{
			Alias:    a,
			Address:  "127.0.0.1:" + string(rune('1'+i)) + "702",
			VerKey:   crypto.GenerateVerKey(),
			Services: []string{types.ServiceValidator},
		})
	}
	return types.NewPoolConfig("", nodes)
}

func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, kind := range []string{"file", "bolt", "memory"} {
		t.Run(kind, func(t *testing.T) {
			s, err := Open(kind, t.TempDir())
			require.NoError(t, err)
			defer s.Close()
			fn(t, s)
		})
	}
}

func TestStoreAndLoad(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		cfg := testConfig("Node1", "Node2", "Node3", "Node4")
		require.NoError(t, s.Store("sandbox", cfg))

		loaded, err := s.Load("sandbox")
		require.NoError(t, err)
		require.Equal(t, "sandbox", loaded.Name)
		require.Equal(t, cfg.Aliases(), loaded.Aliases())
		for _, n := range cfg.Nodes {
			require.True(t, n.Equal(loaded.GetByAlias(n.Alias)), "node %s changed", n.Alias)
		}
	})
}

func TestStoreAlreadyExists(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		first := testConfig("Node1", "Node2")
		require.NoError(t, s.Store("sandbox", first))

		err := s.Store("sandbox", testConfig("Other"))
		require.True(t, errors.Is(err, fault.ErrAlreadyExists), "got %v", err)
		require.Equal(t, fault.PoolLedgerConfigAlreadyExistsError, fault.CodeOf(err))

		// first config untouched
		loaded, err := s.Load("sandbox")
		require.NoError(t, err)
		require.Equal(t, []string{"Node1", "Node2"}, loaded.Aliases())
	})
}

func TestLoadDeleteMissing(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, err := s.Load("nope")
		require.True(t, fault.IsErrNotCreated(err), "got %v", err)

		require.True(t, fault.IsErrNotCreated(s.Delete("nope")))

		require.NoError(t, s.Store("a", testConfig("Node1")))
		require.NoError(t, s.Delete("a"))
		_, err = s.Load("a")
		require.True(t, fault.IsErrNotCreated(err))

		// name can be reused after delete
		require.NoError(t, s.Store("a", testConfig("Node1")))
	})
}

func TestList(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		names, err := s.List()
		require.NoError(t, err)
		require.Empty(t, names)

		for _, n := range []string{"zeta", "alpha", "mid"} {
			require.NoError(t, s.Store(n, testConfig("Node1")))
		}
		names, err = s.List()
		require.NoError(t, err)
		require.Equal(t, []string{"alpha", "mid", "zeta"}, names)
	})
}

func TestInvalidInput(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		for _, name := range []string{"", ".", "..", "a/b", `a\b`} {
			err := s.Store(name, testConfig("Node1"))
			require.Error(t, err, "name %q", name)
			require.Equal(t, fault.CommonInvalidStructure, fault.CodeOf(err), "name %q", name)
		}
		err := s.Store("empty", types.NewPoolConfig("empty", nil))
		require.Equal(t, fault.CommonInvalidStructure, fault.CodeOf(err))
	})
}

func TestFileStoreLayout(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, fs.Store("sandbox", testConfig("Node1", "Node2")))
	_, err = os.Stat(fs.GenesisPath("sandbox"))
	require.NoError(t, err)

	// a stray directory without a genesis file is not listed
	require.NoError(t, os.Mkdir(dir+"/junk", 0o755))
	names, err := fs.List()
	require.NoError(t, err)
	require.Equal(t, []string{"sandbox"}, names)
}

func TestOpenUnknownKind(t *testing.T) {
	_, err := Open("redis", t.TempDir())
	require.Error(t, err)
}
