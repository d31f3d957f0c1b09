package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	// Embedded Dolt engine behind database/sql.
	_ "github.com/dolthub/driver"
)

// DoltOptions configures the embedded Dolt backend.
type DoltOptions struct {
	// Dir holds the Dolt databases.
	Dir string
	// Database is created on first use.
	Database    string
	CommitName  string
	CommitEmail string
}

// NewDoltBackend opens an embedded Dolt database. Dolt speaks the MySQL dialect, so the
// store layout is the same as for MySQL, with every table versioned by Dolt.
func NewDoltBackend(ctx context.Context, opts DoltOptions) (*SQLBackend, error) {
	if opts.Database == "" {
		opts.Database = "docsync"
	}
	if opts.CommitName == "" {
		opts.CommitName = "docsync"
	}
	if opts.CommitEmail == "" {
		opts.CommitEmail = "docsync@localhost"
	}
	absDir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving dolt directory: %w", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		return nil, fmt.Errorf("creating dolt directory: %w", err)
	}

	q := url.Values{}
	q.Set("commitname", opts.CommitName)
	q.Set("commitemail", opts.CommitEmail)
	q.Set("multistatements", "true")
	dsn := (&url.URL{Scheme: "file", Path: absDir, RawQuery: q.Encode()}).String()

	db, err := sql.Open("dolt", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening dolt: %w", err)
	}
	// USE is per connection, so keep exactly one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", opts.Database)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating dolt database %s: %w", opts.Database, err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("USE `%s`", opts.Database)); err != nil {
		db.Close()
		return nil, fmt.Errorf("selecting dolt database %s: %w", opts.Database, err)
	}
	return newSQLBackend(db, doltDialect, filepath.Join(absDir, opts.Database)), nil
}
