package cmd

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/style"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage docsync.toml settings",
	Long: `Manage the settings file.

Settings are read from <dir>/docsync.toml. Any key can be overridden with an
environment variable: DOCSYNC_ followed by the key in upper case with dots
replaced by underscores, e.g. DOCSYNC_NETWORK_URL.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a settings file with the defaults",
	Long: `Write a settings file with the default settings.

Examples:
  docsync config init
  docsync config init --backend bolt
  docsync config init --url wss://sync.example.com/v1 --sharing`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	Long: `Print the settings after defaults, the settings file and environment overrides
are combined.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var (
	configInitForce   bool
	configInitBackend string
	configInitURL     string
	configInitSharing bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	configInitCmd.Flags().BoolVarP(&configInitForce, "force", "f", false, "Overwrite an existing file")
	configInitCmd.Flags().StringVar(&configInitBackend, "backend", config.BackendSQLite, "Persistence backend (sqlite, bolt, dolt, mysql, memory)")
	configInitCmd.Flags().StringVar(&configInitURL, "url", "", "Backend websocket URL")
	configInitCmd.Flags().BoolVar(&configInitSharing, "sharing", false, "Let several clients share the data directory")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := settingsPath()
	if _, err := os.Stat(path); err == nil && !configInitForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	s := config.DefaultSettings()
	s.Persistence.Backend = configInitBackend
	s.Persistence.Path = dataDir
	s.Network.URL = configInitURL
	s.Lease.AllowSharing = configInitSharing
	if err := config.SaveSettings(path, s); err != nil {
		return err
	}
	fmt.Printf("%s Wrote %s\n", style.SuccessPrefix, style.Bold.Render(path))
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	if s.Network.Token != "" {
		s.Network.Token = "<redacted>"
	}
	if ok, err := printStructured(os.Stdout, s); ok {
		return err
	}
	return toml.NewEncoder(os.Stdout).Encode(s)
}
