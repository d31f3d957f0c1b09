package storage

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend names accepted by OpenBackend.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
	BackendDolt   = "dolt"
	BackendBolt   = "bolt"
)

// BackendConfig selects and locates a backend.
type BackendConfig struct {
	Name string
	// Path is the data directory for file-based backends.
	Path string
	// DSN is the MySQL connection string.
	DSN string
}

// OpenBackend opens the configured backend.
func OpenBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	switch cfg.Name {
	case BackendMemory:
		return NewMemoryBackend(), nil
	case BackendSQLite, "":
		return NewSQLiteBackend(ctx, filepath.Join(cfg.Path, "docsync.db"))
	case BackendMySQL:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("mysql backend requires a dsn")
		}
		return NewMySQLBackend(ctx, cfg.DSN)
	case BackendDolt:
		return NewDoltBackend(ctx, DoltOptions{Dir: filepath.Join(cfg.Path, "dolt")})
	case BackendBolt:
		return NewBoltBackend(filepath.Join(cfg.Path, "docsync.bolt"))
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Name)
	}
}

// Open opens the backend, wraps it in a Store and migrates the schema.
func Open(ctx context.Context, cfg BackendConfig, opts Options) (*Store, error) {
	b, err := OpenBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := NewStore(b, opts)
	if err := s.Migrate(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("migrating %s store: %w", b.Name(), err)
	}
	return s, nil
}

// OpenMemory returns a migrated in-memory store.
func OpenMemory(opts Options) *Store {
	s := NewStore(NewMemoryBackend(), opts)
	if err := s.Migrate(context.Background()); err != nil {
		// The memory backend cannot fail to create tables.
		panic(err)
	}
	return s
}
