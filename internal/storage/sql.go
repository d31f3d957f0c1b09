package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
)

// dialect captures the statements that differ between SQL engines.
type dialect struct {
	name        string
	createTable string // %s is the table name
	upsert      string // %s is the table name
	// serializeWrites takes an in-process lock for write transactions; set for engines
	// that allow a single writer.
	serializeWrites bool
	// readOnlyTx opens read transactions with the engine's read-only option.
	readOnlyTx bool
	// writeIsolation is the isolation of write transactions. Engines shared between
	// processes need serializable reads so read-modify-write rows cannot interleave.
	writeIsolation sql.IsolationLevel
}

var sqliteDialect = dialect{
	name:            "sqlite",
	createTable:     `CREATE TABLE IF NOT EXISTS %s (k BLOB PRIMARY KEY, v BLOB NOT NULL) WITHOUT ROWID`,
	upsert:          `INSERT OR REPLACE INTO %s (k, v) VALUES (?, ?)`,
	serializeWrites: true,
	readOnlyTx:      true,
}

var mysqlDialect = dialect{
	name:        "mysql",
	createTable: `CREATE TABLE IF NOT EXISTS %s (k VARBINARY(2048) NOT NULL PRIMARY KEY, v LONGBLOB NOT NULL)`,
	upsert:         `REPLACE INTO %s (k, v) VALUES (?, ?)`,
	readOnlyTx:     true,
	writeIsolation: sql.LevelSerializable,
}

// doltDialect speaks MySQL but commits through the embedded engine, which takes one
// writer at a time.
var doltDialect = dialect{
	name:            "dolt",
	createTable:     mysqlDialect.createTable,
	upsert:          mysqlDialect.upsert,
	serializeWrites: true,
}

// SQLBackend stores each logical table as a two-column SQL table of ordered byte keys.
type SQLBackend struct {
	db      *sql.DB
	dialect dialect
	path    string
	mu      sync.RWMutex
}

func newSQLBackend(db *sql.DB, d dialect, path string) *SQLBackend {
	return &SQLBackend{db: db, dialect: d, path: path}
}

func (b *SQLBackend) Name() string { return b.dialect.name }
func (b *SQLBackend) Path() string { return b.path }
func (b *SQLBackend) Close() error { return b.db.Close() }

// DB exposes the underlying handle for maintenance commands.
func (b *SQLBackend) DB() *sql.DB { return b.db }

func (b *SQLBackend) CreateTable(ctx context.Context, table Table) error {
	if _, err := b.db.ExecContext(ctx, fmt.Sprintf(b.dialect.createTable, sqlTableName(table))); err != nil {
		return fmt.Errorf("creating table %s: %w", table, err)
	}
	return nil
}

func (b *SQLBackend) Run(ctx context.Context, writable bool, fn func(Txn) error) error {
	if b.dialect.serializeWrites {
		if writable {
			b.mu.Lock()
			defer b.mu.Unlock()
		} else {
			b.mu.RLock()
			defer b.mu.RUnlock()
		}
	}

	opts := &sql.TxOptions{ReadOnly: !writable && b.dialect.readOnlyTx}
	if writable {
		opts.Isolation = b.dialect.writeIsolation
	}
	tx, err := b.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTxn{ctx: ctx, tx: tx, d: b.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// sqlTableName maps a logical table to a SQL identifier.
func sqlTableName(t Table) string {
	return "ds_" + strings.ReplaceAll(string(t), "-", "_")
}

type sqlTxn struct {
	ctx context.Context
	tx  *sql.Tx
	d   dialect
}

func (t *sqlTxn) Get(table Table, key []byte) ([]byte, error) {
	var v []byte
	err := t.tx.QueryRowContext(t.ctx, fmt.Sprintf(`SELECT v FROM %s WHERE k = ?`, sqlTableName(table)), key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", table, err)
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func (t *sqlTxn) Put(table Table, key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	if _, err := t.tx.ExecContext(t.ctx, fmt.Sprintf(t.d.upsert, sqlTableName(table)), key, value); err != nil {
		return fmt.Errorf("writing %s: %w", table, err)
	}
	return nil
}

func (t *sqlTxn) Delete(table Table, key []byte) error {
	if _, err := t.tx.ExecContext(t.ctx, fmt.Sprintf(`DELETE FROM %s WHERE k = ?`, sqlTableName(table)), key); err != nil {
		return fmt.Errorf("deleting from %s: %w", table, err)
	}
	return nil
}

func (t *sqlTxn) DeleteRange(table Table, iv Interval) error {
	where, args := intervalClause(iv)
	if _, err := t.tx.ExecContext(t.ctx, fmt.Sprintf(`DELETE FROM %s%s`, sqlTableName(table), where), args...); err != nil {
		return fmt.Errorf("deleting range from %s: %w", table, err)
	}
	return nil
}

func (t *sqlTxn) Scan(table Table, iv Interval, order Order, limit int, fn func(key, value []byte) (bool, error)) error {
	where, args := intervalClause(iv)
	query := fmt.Sprintf(`SELECT k, v FROM %s%s ORDER BY k %s`, sqlTableName(table), where, order.String())
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return fmt.Errorf("scanning %s: %w", table, err)
	}
	// Rows are buffered so fn may issue statements on the same transaction.
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			rows.Close()
			return fmt.Errorf("scanning %s row: %w", table, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterating %s: %w", table, err)
	}
	rows.Close()

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

func intervalClause(iv Interval) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if iv.Start != nil {
		conds = append(conds, "k >= ?")
		args = append(args, iv.Start)
	}
	if iv.End != nil {
		conds = append(conds, "k < ?")
		args = append(args, iv.End)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
