package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// WASM-based SQLite driver, no cgo required.
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// NewSQLiteBackend opens (creating if needed) a SQLite database at dbPath.
func NewSQLiteBackend(ctx context.Context, dbPath string) (*SQLBackend, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// Write transactions take the write lock at BEGIN so clients in other processes
	// wait on the busy timeout instead of failing on upgrade.
	connStr := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %s: %w", dbPath, err)
	}
	return newSQLBackend(db, sqliteDialect, dbPath), nil
}
