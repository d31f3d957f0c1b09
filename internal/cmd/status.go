package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/client"
	"github.com/steveyegge/docsync/internal/daemon"
	"github.com/steveyegge/docsync/internal/style"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the client's cache and sync state",
	Long: `Show the state of the client for the data directory.

When a daemon is running, its last heartbeat is shown instead of opening a
second client.

Examples:
  docsync status
  docsync status --json
  docsync -d /var/lib/app status --yaml`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	running, _, err := daemon.IsRunning(s.Persistence.Path)
	if err != nil {
		return err
	}
	if running {
		state, err := daemon.LoadState(s.Persistence.Path)
		if err != nil {
			return err
		}
		if state.Client == nil {
			return fmt.Errorf("daemon has not reported status yet")
		}
		if ok, err := printStructured(os.Stdout, state.Client); ok {
			return err
		}
		renderStatus(os.Stdout, *state.Client)
		fmt.Printf("%s\n", style.Dim.Render(fmt.Sprintf("reported by daemon %s", since(state.LastHeartbeat))))
		return nil
	}

	return withClient(cmd.Context(), func(c *client.Client) error {
		st, err := c.Status(cmd.Context())
		if err != nil {
			return err
		}
		if ok, err := printStructured(os.Stdout, st); ok {
			return err
		}
		renderStatus(os.Stdout, st)
		return nil
	})
}

func renderStatus(w io.Writer, st client.Status) {
	role := style.Warning.Render("secondary")
	if st.Primary {
		role = style.Success.Render("primary")
	}
	online := st.OnlineState
	switch online {
	case "online":
		online = style.Success.Render(online)
	case "offline":
		online = style.Warning.Render(online)
	}
	writes := style.Success.Render("none pending")
	if st.HasUnacknowledgedWrites {
		writes = style.Warning.Render(fmt.Sprintf("unacknowledged (%d in flight)", st.PendingWrites))
	}

	fmt.Fprintln(w, style.Bold.Render("Client "+st.ClientID))
	fmt.Fprintln(w, style.Field("User", st.User))
	fmt.Fprintln(w, style.Field("Backend", st.Backend))
	fmt.Fprintln(w, style.Field("Role", role))
	fmt.Fprintln(w, style.Field("Network", online))
	fmt.Fprintln(w, style.Field("Writes", writes))
	fmt.Fprintln(w, style.Field("Cache size", humanize.Bytes(uint64(st.CacheSizeBytes))))
	fmt.Fprintln(w, style.Field("Active targets", humanize.Comma(int64(st.ActiveTargets))))
	fmt.Fprintln(w, style.Field("Limbo resolutions", fmt.Sprintf("%d active, %d enqueued", st.ActiveLimboResolutions, st.EnqueuedLimboResolutions)))
	fmt.Fprintln(w, style.Field("Active clients", strings.Join(st.ActiveClients, ", ")))
}

// since formats a time for status listings.
func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
