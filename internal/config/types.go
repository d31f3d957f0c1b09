// Package config provides the settings types and serialization for a docsync client.
package config

import (
	"fmt"
	"time"
)

// CurrentSettingsVersion is the current schema version for Settings.
const CurrentSettingsVersion = 1

// Settings represents a client's configuration (docsync.toml).
type Settings struct {
	Version     int               `json:"version" toml:"version" mapstructure:"version"`
	Persistence PersistenceConfig `json:"persistence" toml:"persistence" mapstructure:"persistence"`
	Cache       CacheConfig       `json:"cache" toml:"cache" mapstructure:"cache"`
	Network     NetworkConfig     `json:"network" toml:"network" mapstructure:"network"`
	Sync        SyncConfig        `json:"sync" toml:"sync" mapstructure:"sync"`
	Index       IndexConfig       `json:"index" toml:"index" mapstructure:"index"`
	Lease       LeaseConfig       `json:"lease" toml:"lease" mapstructure:"lease"`
	Log         LogConfig         `json:"log" toml:"log" mapstructure:"log"`
}

// PersistenceConfig selects the storage backend.
type PersistenceConfig struct {
	// Backend is one of "sqlite", "bolt", "dolt", "mysql" or "memory".
	Backend string `json:"backend" toml:"backend" mapstructure:"backend"`

	// Path is the data directory for file-based backends.
	Path string `json:"path" toml:"path" mapstructure:"path"`

	// DSN is the MySQL connection string.
	DSN string `json:"dsn,omitempty" toml:"dsn,omitempty" mapstructure:"dsn"`
}

// CacheConfig represents the LRU garbage collection settings.
type CacheConfig struct {
	// SizeBytes is the cache size above which GC removes data. -1 disables GC.
	SizeBytes int64 `json:"size_bytes" toml:"size_bytes" mapstructure:"size_bytes"`

	// PercentileToCollect is the share of sequence numbers removed per run.
	PercentileToCollect int `json:"percentile_to_collect" toml:"percentile_to_collect" mapstructure:"percentile_to_collect"`

	// MaxSequenceNumbersToCollect caps one run.
	MaxSequenceNumbersToCollect int `json:"max_sequence_numbers_to_collect" toml:"max_sequence_numbers_to_collect" mapstructure:"max_sequence_numbers_to_collect"`

	// GCInitialDelay is how long after start the first run happens (e.g., "1m").
	GCInitialDelay string `json:"gc_initial_delay" toml:"gc_initial_delay" mapstructure:"gc_initial_delay"`

	// GCInterval is the time between runs (e.g., "5m").
	GCInterval string `json:"gc_interval" toml:"gc_interval" mapstructure:"gc_interval"`
}

// NetworkConfig represents the backend connection.
type NetworkConfig struct {
	// Enabled starts the client with its network on.
	Enabled bool `json:"enabled" toml:"enabled" mapstructure:"enabled"`

	// URL is the websocket base URL. Empty runs the client offline.
	URL string `json:"url" toml:"url" mapstructure:"url"`

	// Token is a JWT sent as the bearer credential. Empty connects unauthenticated.
	Token string `json:"token,omitempty" toml:"token,omitempty" mapstructure:"token"`

	// DocumentNamePrefix is prepended to document paths when matching bloom filters.
	DocumentNamePrefix string `json:"document_name_prefix" toml:"document_name_prefix" mapstructure:"document_name_prefix"`
}

// SyncConfig represents sync engine settings.
type SyncConfig struct {
	MaxConcurrentLimboResolutions int `json:"max_concurrent_limbo_resolutions" toml:"max_concurrent_limbo_resolutions" mapstructure:"max_concurrent_limbo_resolutions"`
}

// IndexConfig represents client-side index settings.
type IndexConfig struct {
	// AutoCreate lets the query engine create indexes for slow queries.
	AutoCreate bool `json:"auto_create" toml:"auto_create" mapstructure:"auto_create"`

	MinCollectionSize    int     `json:"min_collection_size" toml:"min_collection_size" mapstructure:"min_collection_size"`
	RelativeReadCost     float64 `json:"relative_read_cost" toml:"relative_read_cost" mapstructure:"relative_read_cost"`
	BackfillMaxDocs      int     `json:"backfill_max_docs" toml:"backfill_max_docs" mapstructure:"backfill_max_docs"`
	BackfillInterval     string  `json:"backfill_interval" toml:"backfill_interval" mapstructure:"backfill_interval"`
	BackfillInitialDelay string  `json:"backfill_initial_delay" toml:"backfill_initial_delay" mapstructure:"backfill_initial_delay"`
}

// LeaseConfig represents primary lease timing.
type LeaseConfig struct {
	RefreshInterval string `json:"refresh_interval" toml:"refresh_interval" mapstructure:"refresh_interval"`
	MaxAge          string `json:"max_age" toml:"max_age" mapstructure:"max_age"`

	// AllowSharing lets secondary clients share the persistence directory.
	AllowSharing bool `json:"allow_sharing" toml:"allow_sharing" mapstructure:"allow_sharing"`
}

// LogConfig represents logger settings.
type LogConfig struct {
	Level  string `json:"level" toml:"level" mapstructure:"level"`
	Format string `json:"format" toml:"format" mapstructure:"format"`
}

// Backend name constants.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendDolt   = "dolt"
	BackendMySQL  = "mysql"
	BackendMemory = "memory"
)

// CacheSizeUnlimited disables garbage collection.
const CacheSizeUnlimited int64 = -1

// DefaultSettings returns Settings with sensible defaults.
func DefaultSettings() *Settings {
	return &Settings{
		Version: CurrentSettingsVersion,
		Persistence: PersistenceConfig{
			Backend: BackendSQLite,
			Path:    ".docsync",
		},
		Cache: CacheConfig{
			SizeBytes:                   40 * 1024 * 1024,
			PercentileToCollect:         10,
			MaxSequenceNumbersToCollect: 1000,
			GCInitialDelay:              "1m",
			GCInterval:                  "5m",
		},
		Network: NetworkConfig{
			Enabled: true,
		},
		Sync: SyncConfig{
			MaxConcurrentLimboResolutions: 100,
		},
		Index: IndexConfig{
			AutoCreate:           false,
			MinCollectionSize:    100,
			RelativeReadCost:     2.0,
			BackfillMaxDocs:      50,
			BackfillInterval:     "1m",
			BackfillInitialDelay: "15s",
		},
		Lease: LeaseConfig{
			RefreshInterval: "4s",
			MaxAge:          "5s",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Durations is the parsed form of the duration strings in Settings.
type Durations struct {
	GCInitialDelay       time.Duration
	GCInterval           time.Duration
	BackfillInterval     time.Duration
	BackfillInitialDelay time.Duration
	LeaseRefresh         time.Duration
	LeaseMaxAge          time.Duration
}

// ParseDurations parses every duration setting.
func (s *Settings) ParseDurations() (Durations, error) {
	var d Durations
	fields := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"cache.gc_initial_delay", s.Cache.GCInitialDelay, &d.GCInitialDelay},
		{"cache.gc_interval", s.Cache.GCInterval, &d.GCInterval},
		{"index.backfill_interval", s.Index.BackfillInterval, &d.BackfillInterval},
		{"index.backfill_initial_delay", s.Index.BackfillInitialDelay, &d.BackfillInitialDelay},
		{"lease.refresh_interval", s.Lease.RefreshInterval, &d.LeaseRefresh},
		{"lease.max_age", s.Lease.MaxAge, &d.LeaseMaxAge},
	}
	for _, f := range fields {
		v, err := time.ParseDuration(f.value)
		if err != nil {
			return Durations{}, fmt.Errorf("%s: %w", f.name, err)
		}
		if v <= 0 {
			return Durations{}, fmt.Errorf("%s must be positive, got %s", f.name, f.value)
		}
		*f.dst = v
	}
	return d, nil
}
