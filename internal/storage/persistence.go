// Package storage provides the transactional key-value substrate the local caches are built on.
//
// A Backend is an embedded engine (memory, SQLite, MySQL, Dolt or bbolt) exposing atomic
// multi-table transactions over ordered byte keys. The Store wraps a Backend with the
// transaction runner: bounded retries of storage failures, the primary-lease check for
// primary-only transactions, and schema migrations.
package storage

import (
	"context"
)

// Table names a logical table. Keys within a table are ordered bytewise.
type Table string

const (
	TableMutationQueues        Table = "mutation_queues"
	TableMutations             Table = "mutations"
	TableDocumentMutations     Table = "document_mutations"
	TableDocumentOverlays      Table = "document_overlays"
	TableRemoteDocuments       Table = "remote_documents"
	TableRemoteDocumentRead    Table = "remote_document_read_time"
	TableRemoteDocumentGlobals Table = "remote_document_globals"
	TableTargets               Table = "targets"
	TableTargetGlobal          Table = "target_global"
	TableTargetDocuments       Table = "target_documents"
	TableCollectionParents     Table = "collection_parents"
	TableFieldIndexes          Table = "field_indexes"
	TableIndexState            Table = "index_state"
	TableIndexEntries          Table = "index_entries"
	TableBundles               Table = "bundles"
	TableNamedQueries          Table = "named_queries"
	TableClientMetadata        Table = "client_metadata"
	TableOwner                 Table = "owner"
	TableGlobals               Table = "globals"

	// Secondary indexes added in schema version 5.
	TableTargetCanonicalIDs Table = "target_canonical_ids"
	TableDocumentTargets    Table = "document_targets"
	TableIndexEntriesByDoc  Table = "index_entries_by_document"
)

// Mode is the access mode of a transaction.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
	// ReadWritePrimary requires the client to hold the primary lease.
	ReadWritePrimary
)

func (m Mode) String() string {
	switch m {
	case ReadWrite:
		return "readwrite"
	case ReadWritePrimary:
		return "readwrite-primary"
	}
	return "readonly"
}

// Writable reports whether the mode allows writes.
func (m Mode) Writable() bool { return m != ReadOnly }

// Txn is the handle passed to a transaction body. Every read observes one consistent
// snapshot that includes the transaction's own writes.
type Txn interface {
	// Get returns the value stored under key, or nil if there is none.
	Get(table Table, key []byte) ([]byte, error)

	Put(table Table, key, value []byte) error

	Delete(table Table, key []byte) error

	// DeleteRange removes every key in the interval.
	DeleteRange(table Table, interval Interval) error

	// Scan visits keys in the interval in the given order, stopping after limit entries
	// (limit <= 0 means no limit) or when fn returns false.
	Scan(table Table, interval Interval, order Order, limit int, fn func(key, value []byte) (bool, error)) error
}

// Backend is an embedded transactional key-value engine. Implementations must commit all
// writes of a successful Run atomically and discard all of them when fn fails.
type Backend interface {
	// Name identifies the backend in logs and status output.
	Name() string

	// Path returns the location of the store (file path or DSN without credentials).
	Path() string

	// Run executes fn in one backend transaction.
	Run(ctx context.Context, writable bool, fn func(Txn) error) error

	// CreateTable makes sure a table exists. It is idempotent.
	CreateTable(ctx context.Context, table Table) error

	// Close releases resources held by the backend.
	Close() error
}

// Entry is one key/value pair, as returned by ScanAll.
type Entry struct {
	Key   []byte
	Value []byte
}

// ScanAll collects every entry of a scan.
func ScanAll(txn Txn, table Table, interval Interval, order Order, limit int) ([]Entry, error) {
	var out []Entry
	err := txn.Scan(table, interval, order, limit, func(k, v []byte) (bool, error) {
		out = append(out, Entry{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
		return true, nil
	})
	return out, err
}

// Count returns the number of keys in the interval.
func Count(txn Txn, table Table, interval Interval) (int, error) {
	n := 0
	err := txn.Scan(table, interval, Asc, 0, func(_, _ []byte) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}
