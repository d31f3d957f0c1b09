package storage

import (
	"context"
	"encoding/binary"
	"fmt"
)

// SchemaVersion is the current schema version.
// Increment this when adding a migration.
const SchemaVersion = 5

// GlobalSchemaVersion is the globals key holding the applied schema version.
var GlobalSchemaVersion = []byte("schema_version")

// Migration is one idempotent schema step. Tables are created before Apply runs.
type Migration struct {
	Version int
	Tables  []Table
	// Apply rewrites existing data, if the step needs to. Optional.
	Apply func(Txn) error
}

// Migrations lists every schema step in order.
var Migrations = []Migration{
	{
		Version: 1,
		Tables: []Table{
			TableGlobals, TableOwner, TableClientMetadata,
			TableMutationQueues, TableMutations, TableDocumentMutations,
			TableRemoteDocuments, TableRemoteDocumentGlobals,
			TableTargets, TableTargetGlobal, TableTargetDocuments,
		},
	},
	{
		Version: 2,
		Tables:  []Table{TableCollectionParents, TableRemoteDocumentRead},
	},
	{
		Version: 3,
		Tables:  []Table{TableDocumentOverlays, TableFieldIndexes, TableIndexState, TableIndexEntries},
	},
	{
		Version: 4,
		Tables:  []Table{TableBundles, TableNamedQueries},
	},
	{
		Version: 5,
		Tables:  []Table{TableTargetCanonicalIDs, TableDocumentTargets, TableIndexEntriesByDoc},
		Apply:   rebuildDocumentTargets,
	},
}

// rebuildDocumentTargets fills the (document, target) index from target_documents rows,
// which are keyed (target, document).
func rebuildDocumentTargets(txn Txn) error {
	entries, err := ScanAll(txn, TableTargetDocuments, All(), Asc, 0)
	if err != nil {
		return err
	}
	for _, e := range entries {
		r := ReadKey(e.Key)
		targetID := r.Int()
		path := r.String()
		if err := r.Err(); err != nil {
			return fmt.Errorf("decoding target document key: %w", err)
		}
		if err := txn.Put(TableDocumentTargets, NewKey().String(path).Int(targetID).Bytes(), e.Value); err != nil {
			return err
		}
	}
	return nil
}

// ReadSchemaVersion returns the applied schema version, 0 for a fresh store.
func ReadSchemaVersion(txn Txn) (int, error) {
	v, err := txn.Get(TableGlobals, GlobalSchemaVersion)
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, nil
	}
	return int(binary.BigEndian.Uint64(v)), nil
}

func writeSchemaVersion(txn Txn, version int) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(version))
	return txn.Put(TableGlobals, GlobalSchemaVersion, b[:])
}

// migrate runs every step above the stored version, each in its own transaction.
func migrate(ctx context.Context, b Backend, steps []Migration) (from, to int, err error) {
	if err := b.CreateTable(ctx, TableGlobals); err != nil {
		return 0, 0, err
	}
	if err := b.Run(ctx, false, func(txn Txn) error {
		from, err = ReadSchemaVersion(txn)
		return err
	}); err != nil {
		return 0, 0, fmt.Errorf("reading schema version: %w", err)
	}
	to = from
	for _, step := range steps {
		if step.Version <= from {
			continue
		}
		for _, t := range step.Tables {
			if err := b.CreateTable(ctx, t); err != nil {
				return from, to, fmt.Errorf("migrating to version %d: %w", step.Version, err)
			}
		}
		if err := b.Run(ctx, true, func(txn Txn) error {
			if step.Apply != nil {
				if err := step.Apply(txn); err != nil {
					return err
				}
			}
			return writeSchemaVersion(txn, step.Version)
		}); err != nil {
			return from, to, fmt.Errorf("migrating to version %d: %w", step.Version, err)
		}
		to = step.Version
	}
	return from, to, nil
}
