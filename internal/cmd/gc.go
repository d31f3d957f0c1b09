package cmd

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/client"
	"github.com/steveyegge/docsync/internal/daemon"
	"github.com/steveyegge/docsync/internal/style"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run LRU garbage collection on the cache",
	Long: `Remove the least recently used targets and the documents only they reference.

Collection only runs when the cache is larger than cache.size_bytes. When a
daemon is running, it is asked to collect and the result appears in
'docsync daemon status'.`,
	Args: cobra.NoArgs,
	RunE: runGC,
}

func init() {
	rootCmd.AddCommand(gcCmd)
}

func runGC(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	if running, _, _ := daemon.IsRunning(s.Persistence.Path); running {
		if err := daemon.RequestGarbageCollection(s.Persistence.Path); err != nil {
			return err
		}
		fmt.Printf("%s Asked the daemon to collect garbage\n", style.SuccessPrefix)
		return nil
	}

	return withClient(cmd.Context(), func(c *client.Client) error {
		before, err := c.Status(cmd.Context())
		if err != nil {
			return err
		}
		res, err := c.CollectGarbage(cmd.Context())
		if err != nil {
			return err
		}
		if ok, err := printStructured(os.Stdout, res); ok {
			return err
		}
		if !res.DidRun {
			fmt.Printf("%s Cache is %s, below the collection threshold\n",
				style.SuccessPrefix, humanize.Bytes(uint64(before.CacheSizeBytes)))
			return nil
		}
		fmt.Printf("%s Removed %d targets and %d documents (%d sequence numbers)\n",
			style.SuccessPrefix, res.TargetsRemoved, res.DocumentsRemoved, res.SequenceNumbersCollected)
		return nil
	})
}
