package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/daemon"
	"github.com/steveyegge/docsync/internal/style"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the background sync daemon",
	Long: `Manage the daemon that keeps a client syncing in the background.

The daemon holds the primary lease for the data directory, runs garbage
collection and index backfill, and records its status every heartbeat.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

var daemonRunCmd = &cobra.Command{
	Use:    "run",
	Short:  "Run the daemon in the foreground",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runDaemonRun,
}

var daemonHeartbeat time.Duration

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonRunCmd)

	daemonCmd.PersistentFlags().DurationVar(&daemonHeartbeat, "heartbeat", daemon.DefaultHeartbeatInterval, "Base heartbeat interval")
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	root := s.Persistence.Path
	if running, pid, _ := daemon.IsRunning(root); running {
		fmt.Printf("%s Daemon already running (pid %d)\n", style.WarningPrefix, pid)
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable: %w", err)
	}
	runArgs := []string{"--dir", root}
	if configPath != "" {
		runArgs = append(runArgs, "--config", configPath)
	}
	runArgs = append(runArgs, "daemon", "run", "--heartbeat", daemonHeartbeat.String())

	child := exec.Command(exe, runArgs...)
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}
	_ = child.Process.Release()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	var pid int
	err = backoff.Retry(func() error {
		var running bool
		running, pid, _ = daemon.IsRunning(root)
		if !running {
			return errors.New("not running yet")
		}
		return nil
	}, b)
	if err != nil {
		return fmt.Errorf("daemon did not start; see %s", (&daemon.Config{Root: root}).LogFile())
	}
	fmt.Printf("%s Daemon started (pid %d)\n", style.SuccessPrefix, pid)
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	if err := daemon.StopDaemon(s.Persistence.Path); err != nil {
		return err
	}
	fmt.Printf("%s Daemon stopped\n", style.SuccessPrefix)
	return nil
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	root := s.Persistence.Path
	running, pid, err := daemon.IsRunning(root)
	if err != nil {
		return err
	}
	state, err := daemon.LoadState(root)
	if err != nil {
		return err
	}
	state.Running = running
	if ok, err := printStructured(os.Stdout, state); ok {
		return err
	}

	if !running {
		fmt.Printf("%s Daemon not running\n", style.WarningPrefix)
		if !state.LastHeartbeat.IsZero() {
			fmt.Println(style.Field("Last heartbeat", since(state.LastHeartbeat)))
		}
		return nil
	}
	fmt.Printf("%s Daemon running (pid %d)\n", style.SuccessPrefix, pid)
	fmt.Println(style.Field("Started", since(state.StartedAt)))
	fmt.Println(style.Field("Heartbeats", fmt.Sprintf("%s, last %s", humanize.Comma(state.HeartbeatCount), since(state.LastHeartbeat))))
	if state.LastGC != nil {
		fmt.Println(style.Field("Last GC", fmt.Sprintf("%s: %d targets, %d documents removed",
			since(state.LastGCAt), state.LastGC.TargetsRemoved, state.LastGC.DocumentsRemoved)))
	}
	if state.LastError != "" {
		fmt.Println(style.Field("Last error", style.Error.Render(state.LastError)))
	}
	if state.Client != nil {
		fmt.Println()
		renderStatus(os.Stdout, *state.Client)
	}
	return nil
}

func runDaemonRun(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	cfg := daemon.DefaultConfig(s.Persistence.Path, s)
	cfg.HeartbeatInterval = daemonHeartbeat
	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}
	go func() {
		<-cmd.Context().Done()
		d.Stop()
	}()
	return d.Run()
}
