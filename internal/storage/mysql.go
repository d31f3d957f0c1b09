package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// NewMySQLBackend connects to a MySQL-compatible server. Several clients can share one
// physical store this way; the primary lease arbitrates between them.
func NewMySQLBackend(ctx context.Context, dsn string) (*SQLBackend, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing mysql dsn: %w", err)
	}
	// Keys and values are raw bytes; the store never needs time parsing.
	cfg.ParseTime = false
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.InterpolateParams = true

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to mysql %s/%s: %w", cfg.Addr, cfg.DBName, err)
	}
	return newSQLBackend(db, mysqlDialect, redactDSN(cfg)), nil
}

func redactDSN(cfg *mysql.Config) string {
	c := cfg.Clone()
	if c.Passwd != "" {
		c.Passwd = "****"
	}
	return c.FormatDSN()
}
