package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltBackend stores each table in its own bbolt bucket.
type BoltBackend struct {
	db   *bolt.DB
	path string
}

// NewBoltBackend opens (creating if needed) a bbolt file at path.
func NewBoltBackend(path string) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database %s: %w", path, err)
	}
	return &BoltBackend{db: db, path: path}, nil
}

func (b *BoltBackend) Name() string { return "bolt" }
func (b *BoltBackend) Path() string { return b.path }
func (b *BoltBackend) Close() error { return b.db.Close() }

func (b *BoltBackend) CreateTable(_ context.Context, table Table) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(table))
		return err
	})
}

func (b *BoltBackend) Run(ctx context.Context, writable bool, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	run := b.db.View
	if writable {
		run = b.db.Update
	}
	return run(func(tx *bolt.Tx) error {
		return fn(&boltTxn{tx: tx})
	})
}

type boltTxn struct {
	tx *bolt.Tx
}

func (t *boltTxn) bucket(table Table) (*bolt.Bucket, error) {
	bk := t.tx.Bucket([]byte(table))
	if bk == nil {
		return nil, fmt.Errorf("no such table: %s", table)
	}
	return bk, nil
}

func (t *boltTxn) Get(table Table, key []byte) ([]byte, error) {
	bk, err := t.bucket(table)
	if err != nil {
		return nil, err
	}
	v := bk.Get(key)
	if v == nil {
		return nil, nil
	}
	// bbolt values are only valid for the life of the transaction.
	return append([]byte{}, v...), nil
}

func (t *boltTxn) Put(table Table, key, value []byte) error {
	bk, err := t.bucket(table)
	if err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	return bk.Put(key, value)
}

func (t *boltTxn) Delete(table Table, key []byte) error {
	bk, err := t.bucket(table)
	if err != nil {
		return err
	}
	return bk.Delete(key)
}

func (t *boltTxn) DeleteRange(table Table, iv Interval) error {
	entries, err := ScanAll(t, table, iv, Asc, 0)
	if err != nil {
		return err
	}
	bk, err := t.bucket(table)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := bk.Delete(e.Key); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTxn) Scan(table Table, iv Interval, order Order, limit int, fn func(key, value []byte) (bool, error)) error {
	bk, err := t.bucket(table)
	if err != nil {
		return err
	}
	var entries []Entry
	c := bk.Cursor()
	if order == Desc {
		var k, v []byte
		if iv.End == nil {
			k, v = c.Last()
		} else {
			k, v = c.Seek(iv.End)
			if k == nil {
				k, v = c.Last()
			}
			for k != nil && bytes.Compare(k, iv.End) >= 0 {
				k, v = c.Prev()
			}
		}
		for ; k != nil && (iv.Start == nil || bytes.Compare(k, iv.Start) >= 0); k, v = c.Prev() {
			entries = append(entries, Entry{Key: append([]byte{}, k...), Value: append([]byte{}, v...)})
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
	} else {
		var k, v []byte
		if iv.Start == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(iv.Start)
		}
		for ; k != nil && (iv.End == nil || bytes.Compare(k, iv.End) < 0); k, v = c.Next() {
			entries = append(entries, Entry{Key: append([]byte{}, k...), Value: append([]byte{}, v...)})
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
	}
	for _, e := range entries {
		more, err := fn(e.Key, e.Value)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return nil
}
