package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/ahwlsqja/ledgerpool/fault"
	"github.com/ahwlsqja/ledgerpool/types"
)

// BoltFileName is the name of the file boltdb writes to.
const BoltFileName = "pools.db"

// BoltStoreOpenPerm is the permission used for the bolt file.
const BoltStoreOpenPerm = 0o660

var poolBucket = []byte("pools")

// BoltStore keeps JSON-encoded pool configs in a single bolt bucket.
type BoltStore struct {
	sync.Mutex
	db *bolt.DB
}

// NewBoltStore opens (or creates) the bolt database under folder.
func NewBoltStore(folder string) (*BoltStore, error) {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", folder, err)
	}
	db, err := bolt.Open(filepath.Join(folder, BoltFileName), BoltStoreOpenPerm, nil)
	if err != nil {
		return nil, err
	}
	// create the bucket already
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(poolBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Store(name string, cfg *types.PoolConfig) error {
	if err := checkStore(name, cfg); err != nil {
		return err
	}
	cp := cfg.Clone()
	cp.Name = name
	value, err := json.Marshal(cp)
	if err != nil {
		return fault.Wrap(err, "failed to encode pool config")
	}

	b.Lock()
	defer b.Unlock()

	// existence check and write share one transaction
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(poolBucket)
		if bucket.Get([]byte(name)) != nil {
			return fault.AlreadyExists(name)
		}
		if err := bucket.Put([]byte(name), value); err != nil {
			return fault.Wrap(err, "failed to store pool config")
		}
		return nil
	})
}

func (b *BoltStore) Load(name string) (*types.PoolConfig, error) {
	var cfg *types.PoolConfig
	err := b.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(poolBucket).Get([]byte(name))
		if value == nil {
			return fault.NotCreated("pool ledger config %s", name)
		}
		cfg = new(types.PoolConfig)
		if err := json.Unmarshal(value, cfg); err != nil {
			return fault.Wrap(err, "failed to decode pool config")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (b *BoltStore) Delete(name string) error {
	b.Lock()
	defer b.Unlock()

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(poolBucket)
		if bucket.Get([]byte(name)) == nil {
			return fault.NotCreated("pool ledger config %s", name)
		}
		return bucket.Delete([]byte(name))
	})
}

func (b *BoltStore) List() ([]string, error) {
	var names []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(poolBucket).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}
