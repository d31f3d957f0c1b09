package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: network.url is read from DOCSYNC_NETWORK_URL.
const EnvPrefix = "DOCSYNC"

// DefaultFileName is the settings file inside a client's data directory.
const DefaultFileName = "docsync.toml"

var (
	// ErrNotFound indicates the settings file does not exist.
	ErrNotFound = errors.New("settings file not found")

	// ErrInvalidVersion indicates an unsupported schema version.
	ErrInvalidVersion = errors.New("unsupported settings version")

	// ErrMissingField indicates a required field is empty.
	ErrMissingField = errors.New("missing required field")
)

// LoadSettings loads and validates the settings file at path. Environment variables
// override file values, and the file overrides the defaults.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	return load(data)
}

// LoadSettingsOrDefault is LoadSettings, except a missing file yields the defaults with
// environment overrides applied.
func LoadSettingsOrDefault(path string) (*Settings, error) {
	s, err := LoadSettings(path)
	if errors.Is(err, ErrNotFound) {
		return load(nil)
	}
	return s, err
}

func load(file []byte) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The defaults are read as a base config so every key is known to viper, which
	// AutomaticEnv needs to find overrides during Unmarshal.
	var defaults bytes.Buffer
	if err := toml.NewEncoder(&defaults).Encode(DefaultSettings()); err != nil {
		return nil, fmt.Errorf("encoding defaults: %w", err)
	}
	if err := v.ReadConfig(&defaults); err != nil {
		return nil, fmt.Errorf("reading defaults: %w", err)
	}
	v.SetDefault("persistence.dsn", "")
	v.SetDefault("network.token", "")
	if file != nil {
		if err := v.MergeConfig(bytes.NewReader(file)); err != nil {
			return nil, fmt.Errorf("parsing settings: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	if err := validateSettings(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveSettings validates s and writes it to path as TOML.
func SaveSettings(path string, s *Settings) error {
	if err := validateSettings(s); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing settings: %w", err)
	}
	return nil
}

// Validate checks s the way LoadSettings does.
func (s *Settings) Validate() error { return validateSettings(s) }

func validateSettings(s *Settings) error {
	if s.Version > CurrentSettingsVersion {
		return fmt.Errorf("%w: expected <= %d, got %d", ErrInvalidVersion, CurrentSettingsVersion, s.Version)
	}

	switch s.Persistence.Backend {
	case BackendSQLite, BackendBolt, BackendDolt:
		if s.Persistence.Path == "" {
			return fmt.Errorf("%w: persistence.path", ErrMissingField)
		}
	case BackendMySQL:
		if s.Persistence.DSN == "" {
			return fmt.Errorf("%w: persistence.dsn", ErrMissingField)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("invalid persistence.backend: %q", s.Persistence.Backend)
	}

	if s.Cache.SizeBytes != CacheSizeUnlimited && s.Cache.SizeBytes < 1024*1024 {
		return fmt.Errorf("cache.size_bytes must be at least 1MB or %d, got %d", CacheSizeUnlimited, s.Cache.SizeBytes)
	}
	if s.Cache.PercentileToCollect < 1 || s.Cache.PercentileToCollect > 100 {
		return fmt.Errorf("cache.percentile_to_collect must be within 1..100, got %d", s.Cache.PercentileToCollect)
	}
	if s.Cache.MaxSequenceNumbersToCollect < 1 {
		return fmt.Errorf("cache.max_sequence_numbers_to_collect must be positive, got %d", s.Cache.MaxSequenceNumbersToCollect)
	}

	if s.Network.URL != "" && !strings.HasPrefix(s.Network.URL, "ws://") && !strings.HasPrefix(s.Network.URL, "wss://") {
		return fmt.Errorf("network.url must be a ws:// or wss:// URL, got %q", s.Network.URL)
	}
	if s.Sync.MaxConcurrentLimboResolutions < 1 {
		return fmt.Errorf("sync.max_concurrent_limbo_resolutions must be positive, got %d", s.Sync.MaxConcurrentLimboResolutions)
	}
	if s.Index.MinCollectionSize < 0 || s.Index.RelativeReadCost <= 0 || s.Index.BackfillMaxDocs < 1 {
		return fmt.Errorf("index settings out of range: %+v", s.Index)
	}

	if _, err := logrus.ParseLevel(s.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if s.Log.Format != "text" && s.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", s.Log.Format)
	}

	d, err := s.ParseDurations()
	if err != nil {
		return err
	}
	if d.LeaseMaxAge <= d.LeaseRefresh {
		return fmt.Errorf("lease.max_age (%s) must exceed lease.refresh_interval (%s)", s.Lease.MaxAge, s.Lease.RefreshInterval)
	}
	return nil
}
