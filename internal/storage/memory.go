package storage

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"
)

type kv struct {
	key   []byte
	value []byte
}

func kvLess(a, b kv) bool { return bytes.Compare(a.key, b.key) < 0 }

// MemoryBackend keeps every table in a copy-on-write btree. Write transactions work on
// clones and swap them in on success, so a failed transaction leaves no trace.
type MemoryBackend struct {
	mu     sync.RWMutex
	tables map[Table]*btree.BTreeG[kv]
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tables: map[Table]*btree.BTreeG[kv]{}}
}

func (m *MemoryBackend) Name() string { return "memory" }
func (m *MemoryBackend) Path() string { return ":memory:" }
func (m *MemoryBackend) Close() error { return nil }

func (m *MemoryBackend) CreateTable(_ context.Context, table Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[table]; !ok {
		m.tables[table] = btree.NewG(32, kvLess)
	}
	return nil
}

func (m *MemoryBackend) Run(ctx context.Context, writable bool, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !writable {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return fn(&memoryTxn{base: m.tables})
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	txn := &memoryTxn{base: m.tables, writable: true, dirty: map[Table]*btree.BTreeG[kv]{}}
	if err := fn(txn); err != nil {
		return err
	}
	for t, tree := range txn.dirty {
		m.tables[t] = tree
	}
	return nil
}

type memoryTxn struct {
	base     map[Table]*btree.BTreeG[kv]
	dirty    map[Table]*btree.BTreeG[kv]
	writable bool
}

func (t *memoryTxn) read(table Table) (*btree.BTreeG[kv], error) {
	if tree, ok := t.dirty[table]; ok {
		return tree, nil
	}
	tree, ok := t.base[table]
	if !ok {
		return nil, fmt.Errorf("no such table: %s", table)
	}
	return tree, nil
}

func (t *memoryTxn) write(table Table) (*btree.BTreeG[kv], error) {
	if !t.writable {
		return nil, fmt.Errorf("write to %s in a read-only transaction", table)
	}
	if tree, ok := t.dirty[table]; ok {
		return tree, nil
	}
	tree, err := t.read(table)
	if err != nil {
		return nil, err
	}
	clone := tree.Clone()
	t.dirty[table] = clone
	return clone, nil
}

func (t *memoryTxn) Get(table Table, key []byte) ([]byte, error) {
	tree, err := t.read(table)
	if err != nil {
		return nil, err
	}
	item, ok := tree.Get(kv{key: key})
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), item.value...), nil
}

func (t *memoryTxn) Put(table Table, key, value []byte) error {
	tree, err := t.write(table)
	if err != nil {
		return err
	}
	tree.ReplaceOrInsert(kv{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
	return nil
}

func (t *memoryTxn) Delete(table Table, key []byte) error {
	tree, err := t.write(table)
	if err != nil {
		return err
	}
	tree.Delete(kv{key: key})
	return nil
}

func (t *memoryTxn) DeleteRange(table Table, interval Interval) error {
	tree, err := t.write(table)
	if err != nil {
		return err
	}
	var doomed []kv
	t.ascend(tree, interval, func(item kv) bool {
		doomed = append(doomed, item)
		return true
	})
	for _, item := range doomed {
		tree.Delete(item)
	}
	return nil
}

func (t *memoryTxn) Scan(table Table, interval Interval, order Order, limit int, fn func(key, value []byte) (bool, error)) error {
	tree, err := t.read(table)
	if err != nil {
		return err
	}
	var items []kv
	collect := func(item kv) bool {
		items = append(items, item)
		return limit <= 0 || len(items) < limit
	}
	if order == Desc {
		t.descend(tree, interval, collect)
	} else {
		t.ascend(tree, interval, collect)
	}
	for _, item := range items {
		more, err := fn(item.key, item.value)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return nil
}

func (t *memoryTxn) ascend(tree *btree.BTreeG[kv], iv Interval, fn func(kv) bool) {
	switch {
	case iv.Start == nil && iv.End == nil:
		tree.Ascend(fn)
	case iv.End == nil:
		tree.AscendGreaterOrEqual(kv{key: iv.Start}, fn)
	case iv.Start == nil:
		tree.AscendLessThan(kv{key: iv.End}, fn)
	default:
		tree.AscendRange(kv{key: iv.Start}, kv{key: iv.End}, fn)
	}
}

func (t *memoryTxn) descend(tree *btree.BTreeG[kv], iv Interval, fn func(kv) bool) {
	inStart := func(item kv) bool { return iv.Start == nil || bytes.Compare(item.key, iv.Start) >= 0 }
	visit := func(item kv) bool {
		if !inStart(item) {
			return false
		}
		return fn(item)
	}
	if iv.End == nil {
		tree.Descend(visit)
		return
	}
	tree.DescendLessOrEqual(kv{key: iv.End}, func(item kv) bool {
		if bytes.Equal(item.key, iv.End) {
			return true
		}
		return visit(item)
	})
}
