// Package cmd provides CLI commands for the docsync tool.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/docsync/internal/client"
	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/style"
)

// Global flags
var (
	dataDir    string
	configPath string
	logLevel   string
	outputJSON bool
	outputYAML bool
)

var rootCmd = &cobra.Command{
	Use:   "docsync",
	Short: "Offline document cache and sync client",
	Long: `docsync keeps a local, queryable copy of documents from a remote document
database and queues local writes until the backend acknowledges them.

Every command works against a data directory (default .docsync) holding the
settings file (docsync.toml) and the local cache. Run 'docsync daemon start'
to keep a client syncing in the background.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dataDir, "dir", "d", ".docsync", "Data directory")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Settings file (default <dir>/docsync.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level for the embedded client")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output as JSON")
	rootCmd.PersistentFlags().BoolVar(&outputYAML, "yaml", false, "Output as YAML")
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", style.ErrorPrefix, err)
		return 1
	}
	return 0
}

func settingsPath() string {
	if configPath != "" {
		return configPath
	}
	return filepath.Join(dataDir, config.DefaultFileName)
}

// loadSettings reads the settings file, falling back to defaults. --dir wins over the
// file's persistence.path.
func loadSettings() (*config.Settings, error) {
	s, err := config.LoadSettingsOrDefault(settingsPath())
	if err != nil {
		return nil, err
	}
	if rootCmd.PersistentFlags().Changed("dir") || s.Persistence.Path == "" {
		s.Persistence.Path = dataDir
	}
	return s, s.Validate()
}

// withClient opens a client for the duration of fn.
func withClient(ctx context.Context, fn func(*client.Client) error) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{Level: logLevel, Format: s.Log.Format})
	if err != nil {
		return err
	}
	c, err := client.New(ctx, client.Options{Settings: s, Logger: logger})
	if err != nil {
		return fmt.Errorf("opening client: %w", err)
	}
	runErr := fn(c)
	if err := c.Terminate(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// printStructured writes v as JSON or YAML when one was requested. It reports whether it
// printed anything.
func printStructured(w io.Writer, v interface{}) (bool, error) {
	switch {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(v)
	}
	return false, nil
}
