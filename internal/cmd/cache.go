package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/daemon"
	"github.com/steveyegge/docsync/internal/lease"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/status"
	"github.com/steveyegge/docsync/internal/storage"
	"github.com/steveyegge/docsync/internal/style"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the local cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all cached documents, targets and queued writes",
	Long: `Delete everything the client has persisted, including writes that were never
acknowledged by the backend.

Refuses while any client (including the daemon) is using the data directory.`,
	Args: cobra.NoArgs,
	RunE: runCacheClear,
}

var cacheClearYes bool

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheClearCmd)

	cacheClearCmd.Flags().BoolVarP(&cacheClearYes, "yes", "y", false, "Skip the confirmation prompt")
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	if running, pid, _ := daemon.IsRunning(s.Persistence.Path); running {
		return fmt.Errorf("daemon (pid %d) is using %s; run 'docsync daemon stop' first", pid, s.Persistence.Path)
	}

	ctx := cmd.Context()
	store, err := storage.Open(ctx, storage.BackendConfig{
		Name: s.Persistence.Backend,
		Path: s.Persistence.Path,
		DSN:  s.Persistence.DSN,
	}, storage.Options{Log: logging.Discard()})
	if err != nil {
		return err
	}
	defer store.Close()

	active, err := lease.NewManager(store, nil, lease.Options{}).ActiveClients(ctx)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return status.New(status.FailedPrecondition, "%d client(s) still using the cache: %s",
			len(active), strings.Join(active, ", "))
	}

	if !cacheClearYes {
		confirmed := false
		err := huh.NewConfirm().
			Title(fmt.Sprintf("Clear the %s cache at %s?", store.Backend().Name(), store.Backend().Path())).
			Description("Unacknowledged writes will be lost.").
			Affirmative("Clear").
			Negative("Cancel").
			Value(&confirmed).
			Run()
		if err != nil {
			return err
		}
		if !confirmed {
			fmt.Println(style.Dim.Render("Cancelled"))
			return nil
		}
	}

	if err := store.Clear(ctx); err != nil {
		return err
	}
	fmt.Printf("%s Cleared %s cache\n", style.SuccessPrefix, store.Backend().Name())
	return nil
}
