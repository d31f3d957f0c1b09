package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/storage"
	"github.com/steveyegge/docsync/internal/style"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Bring the cache schema up to date",
	Long: `Apply pending schema migrations to the persistence backend.

Clients migrate on open, so this is only needed to upgrade a cache ahead of
time, e.g. a shared MySQL store before rolling out new clients.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	cfg := storage.BackendConfig{Name: s.Persistence.Backend, Path: s.Persistence.Path, DSN: s.Persistence.DSN}

	b, err := storage.OpenBackend(ctx, cfg)
	if err != nil {
		return err
	}
	var from int
	err = b.Run(ctx, false, func(txn storage.Txn) error {
		var err error
		from, err = storage.ReadSchemaVersion(txn)
		return err
	})
	if err != nil {
		// A fresh store has no tables yet.
		from = 0
	}
	store := storage.NewStore(b, storage.Options{})
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	if from == storage.SchemaVersion {
		fmt.Printf("%s Schema already at version %d (%s)\n", style.SuccessPrefix, from, b.Name())
		return nil
	}
	fmt.Printf("%s Migrated %s schema from version %d to %d\n", style.SuccessPrefix, b.Name(), from, storage.SchemaVersion)
	return nil
}
