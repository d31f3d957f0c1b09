package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/steveyegge/docsync/internal/client"
	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/local"
)

// Config holds daemon settings.
type Config struct {
	// Root is the client's data directory. Daemon files live in Root/daemon.
	Root string

	// HeartbeatInterval is the base time between heartbeats. Idle daemons back off from it.
	HeartbeatInterval time.Duration

	// Settings configures the client the daemon runs.
	Settings *config.Settings
}

// DefaultHeartbeatInterval is the heartbeat interval while the client is active.
const DefaultHeartbeatInterval = 30 * time.Second

// DefaultConfig returns the daemon configuration for a data directory.
func DefaultConfig(root string, s *config.Settings) *Config {
	return &Config{Root: root, HeartbeatInterval: DefaultHeartbeatInterval, Settings: s}
}

func daemonDir(root string) string { return filepath.Join(root, "daemon") }

// PidFile returns the path of the PID file.
func (c *Config) PidFile() string { return filepath.Join(daemonDir(c.Root), "daemon.pid") }

// LogFile returns the path of the daemon log.
func (c *Config) LogFile() string { return filepath.Join(daemonDir(c.Root), "daemon.log") }

// State is what a running daemon reports about itself, written after every heartbeat.
type State struct {
	Running        bool              `json:"running"`
	PID            int               `json:"pid"`
	StartedAt      time.Time         `json:"started_at"`
	LastHeartbeat  time.Time         `json:"last_heartbeat,omitempty"`
	HeartbeatCount int64             `json:"heartbeat_count"`
	Client         *client.Status    `json:"client,omitempty"`
	LastGC         *local.LruResults `json:"last_gc,omitempty"`
	LastGCAt       time.Time         `json:"last_gc_at,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
}

// StateFile returns the path of the daemon state file.
func StateFile(root string) string {
	return filepath.Join(daemonDir(root), "state.json")
}

// LoadState reads the daemon state. A missing file yields the zero State.
func LoadState(root string) (*State, error) {
	data, err := os.ReadFile(StateFile(root))
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing daemon state: %w", err)
	}
	return &s, nil
}

// SaveState writes the daemon state.
func SaveState(root string, s *State) error {
	if err := os.MkdirAll(daemonDir(root), 0o755); err != nil {
		return fmt.Errorf("creating daemon directory: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	path := StateFile(root)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
