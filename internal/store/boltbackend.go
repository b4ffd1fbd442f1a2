package store

import (
	"bytes"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var kvBucket = []byte("kv")

// BoltBackend is a durable Backend engine backed by a single bbolt file and
// bucket. Keys are stored exactly as given; bbolt preserves ascending byte
// order natively, which Scan relies on.
type BoltBackend struct {
	db *bolt.DB
}

// NewBoltBackend opens (creating if absent) a bbolt database under dataDir.
func NewBoltBackend(dataDir string) (*BoltBackend, error) {
	path := filepath.Join(dataDir, "kernel.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open bbolt: %v", ErrBackendIO, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(kvBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: create bucket: %v", ErrBackendIO, err)
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Get(key []byte) ([]byte, bool, error) {
	var out []byte
	var present bool
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(kvBucket).Get(key)
		present = v != nil
		if present {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrBackendIO, err)
	}
	return out, present, nil
}

func (b *BoltBackend) Put(key, value []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Put(key, value)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendIO, err)
	}
	return nil
}

func (b *BoltBackend) Delete(key []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Delete(key)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendIO, err)
	}
	return nil
}

func (b *BoltBackend) Batch(ops []Op) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(kvBucket)
		for _, op := range ops {
			switch op.Kind {
			case OpPut:
				if err := bucket.Put(op.Key, op.Value); err != nil {
					return err
				}
			case OpDelete:
				if err := bucket.Delete(op.Key); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendIO, err)
	}
	return nil
}

func (b *BoltBackend) Scan(prefix []byte) ([]Entry, error) {
	var out []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(kvBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			out = append(out, Entry{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendIO, err)
	}
	return out, nil
}

func (b *BoltBackend) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendIO, err)
	}
	return nil
}
