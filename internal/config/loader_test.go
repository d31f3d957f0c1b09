package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", DefaultFileName)

	original := DefaultSettings()
	original.Persistence.Backend = BackendBolt
	original.Persistence.Path = filepath.Join(dir, "data")
	original.Network.URL = "wss://sync.example.com"
	original.Cache.SizeBytes = CacheSizeUnlimited
	original.Index.AutoCreate = true
	original.Lease.AllowSharing = true

	if err := SaveSettings(path, original); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temporary file left behind: %v", err)
	}

	loaded, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if loaded.Persistence != original.Persistence {
		t.Errorf("Persistence = %+v, want %+v", loaded.Persistence, original.Persistence)
	}
	if loaded.Network.URL != original.Network.URL {
		t.Errorf("Network.URL = %q, want %q", loaded.Network.URL, original.Network.URL)
	}
	if loaded.Cache.SizeBytes != CacheSizeUnlimited {
		t.Errorf("Cache.SizeBytes = %d, want %d", loaded.Cache.SizeBytes, CacheSizeUnlimited)
	}
	if !loaded.Index.AutoCreate || !loaded.Lease.AllowSharing {
		t.Errorf("booleans not preserved: %+v %+v", loaded.Index, loaded.Lease)
	}
	if loaded.Index.RelativeReadCost != original.Index.RelativeReadCost {
		t.Errorf("Index.RelativeReadCost = %v, want %v", loaded.Index.RelativeReadCost, original.Index.RelativeReadCost)
	}
}

func TestLoadSettingsPartialFileKeepsDefaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), DefaultFileName)
	content := "[cache]\npercentile_to_collect = 25\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.Cache.PercentileToCollect != 25 {
		t.Errorf("PercentileToCollect = %d, want 25", s.Cache.PercentileToCollect)
	}
	want := DefaultSettings()
	if s.Cache.MaxSequenceNumbersToCollect != want.Cache.MaxSequenceNumbersToCollect {
		t.Errorf("MaxSequenceNumbersToCollect = %d, want default %d", s.Cache.MaxSequenceNumbersToCollect, want.Cache.MaxSequenceNumbersToCollect)
	}
	if s.Persistence.Backend != want.Persistence.Backend {
		t.Errorf("Backend = %q, want default %q", s.Persistence.Backend, want.Persistence.Backend)
	}
}

func TestLoadSettingsEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	if err := SaveSettings(path, DefaultSettings()); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DOCSYNC_NETWORK_URL", "ws://localhost:8080")
	t.Setenv("DOCSYNC_NETWORK_TOKEN", "secret")
	t.Setenv("DOCSYNC_SYNC_MAX_CONCURRENT_LIMBO_RESOLUTIONS", "7")

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.Network.URL != "ws://localhost:8080" {
		t.Errorf("Network.URL = %q", s.Network.URL)
	}
	if s.Network.Token != "secret" {
		t.Errorf("Network.Token = %q", s.Network.Token)
	}
	if s.Sync.MaxConcurrentLimboResolutions != 7 {
		t.Errorf("MaxConcurrentLimboResolutions = %d, want 7", s.Sync.MaxConcurrentLimboResolutions)
	}
}

func TestLoadSettingsNotFound(t *testing.T) {
	t.Parallel()
	_, err := LoadSettings("/nonexistent/path/docsync.toml")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadSettings error = %v, want ErrNotFound", err)
	}

	s, err := LoadSettingsOrDefault("/nonexistent/path/docsync.toml")
	if err != nil {
		t.Fatalf("LoadSettingsOrDefault: %v", err)
	}
	if s.Version != CurrentSettingsVersion {
		t.Errorf("Version = %d, want %d", s.Version, CurrentSettingsVersion)
	}
}

func TestLoadSettingsMalformed(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), DefaultFileName)
	if err := os.WriteFile(path, []byte("[cache\nsize_bytes = "), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSettings(path); err == nil {
		t.Fatal("expected error for malformed TOML")
	}
}

func TestSettingsValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Settings) {}},
		{name: "memory needs no path", mutate: func(s *Settings) {
			s.Persistence = PersistenceConfig{Backend: BackendMemory}
		}},
		{name: "future version", mutate: func(s *Settings) { s.Version = CurrentSettingsVersion + 1 }, wantErr: "version"},
		{name: "unknown backend", mutate: func(s *Settings) { s.Persistence.Backend = "leveldb" }, wantErr: "persistence.backend"},
		{name: "sqlite without path", mutate: func(s *Settings) { s.Persistence.Path = "" }, wantErr: "persistence.path"},
		{name: "mysql without dsn", mutate: func(s *Settings) { s.Persistence.Backend = BackendMySQL }, wantErr: "persistence.dsn"},
		{name: "tiny cache", mutate: func(s *Settings) { s.Cache.SizeBytes = 1000 }, wantErr: "cache.size_bytes"},
		{name: "percentile zero", mutate: func(s *Settings) { s.Cache.PercentileToCollect = 0 }, wantErr: "percentile"},
		{name: "percentile over 100", mutate: func(s *Settings) { s.Cache.PercentileToCollect = 101 }, wantErr: "percentile"},
		{name: "http url", mutate: func(s *Settings) { s.Network.URL = "http://example.com" }, wantErr: "network.url"},
		{name: "no limbo slots", mutate: func(s *Settings) { s.Sync.MaxConcurrentLimboResolutions = 0 }, wantErr: "limbo"},
		{name: "zero read cost", mutate: func(s *Settings) { s.Index.RelativeReadCost = 0 }, wantErr: "index"},
		{name: "bad duration", mutate: func(s *Settings) { s.Cache.GCInterval = "soon" }, wantErr: "cache.gc_interval"},
		{name: "negative duration", mutate: func(s *Settings) { s.Index.BackfillInterval = "-1s" }, wantErr: "positive"},
		{name: "lease age below refresh", mutate: func(s *Settings) { s.Lease.MaxAge = "2s" }, wantErr: "lease.max_age"},
		{name: "bad log level", mutate: func(s *Settings) { s.Log.Level = "chatty" }, wantErr: "log.level"},
		{name: "bad log format", mutate: func(s *Settings) { s.Log.Format = "xml" }, wantErr: "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseDurations(t *testing.T) {
	t.Parallel()
	d, err := DefaultSettings().ParseDurations()
	if err != nil {
		t.Fatalf("ParseDurations: %v", err)
	}
	if d.GCInterval.String() != "5m0s" {
		t.Errorf("GCInterval = %s, want 5m0s", d.GCInterval)
	}
	if d.LeaseMaxAge <= d.LeaseRefresh {
		t.Errorf("LeaseMaxAge %s should exceed LeaseRefresh %s", d.LeaseMaxAge, d.LeaseRefresh)
	}
}
