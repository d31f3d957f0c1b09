// Package daemon runs a docsync client in the background.
//
// The daemon keeps one client open against a data directory so its lease, garbage
// collection and index backfill keep running between CLI invocations. Every heartbeat it
// records the client's status in daemon/state.json, which `docsync daemon status` reads.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/docsync/internal/client"
	"github.com/steveyegge/docsync/internal/logging"
)

// Daemon owns a client and its heartbeat.
type Daemon struct {
	config  *Config
	logger  *logrus.Logger
	log     *logrus.Entry
	logFile io.Closer
	ctx     context.Context
	cancel  context.CancelFunc

	mu           sync.Mutex
	client       *client.Client
	state        *State
	fingerprint  string
	lastActivity time.Time
}

// New creates a daemon that logs to the daemon log file.
func New(config *Config) (*Daemon, error) {
	if err := os.MkdirAll(daemonDir(config.Root), 0o755); err != nil {
		return nil, fmt.Errorf("creating daemon directory: %w", err)
	}
	logFile, err := os.OpenFile(config.LogFile(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	d, err := newDaemon(config, logFile)
	if err != nil {
		_ = logFile.Close()
		return nil, err
	}
	d.logFile = logFile
	return d, nil
}

func newDaemon(config *Config, out io.Writer) (*Daemon, error) {
	if config.Settings == nil {
		return nil, errors.New("daemon: settings are required")
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	logger, err := logging.New(logging.Options{
		Level:  config.Settings.Log.Level,
		Format: config.Settings.Log.Format,
		Output: out,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		config: config,
		logger: logger,
		log:    logging.Component(logger, "daemon"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Run opens the client and heartbeats until Stop or SIGINT/SIGTERM. SIGUSR1 runs garbage
// collection immediately.
func (d *Daemon) Run() error {
	pid := os.Getpid()
	d.log.WithField("pid", pid).Info("daemon starting")
	if d.logFile != nil {
		defer func() { _ = d.logFile.Close() }()
	}

	if err := os.WriteFile(d.config.PidFile(), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() { _ = os.Remove(d.config.PidFile()) }()

	c, err := client.New(d.ctx, client.Options{Settings: d.config.Settings, Logger: d.logger})
	if err != nil {
		return fmt.Errorf("starting client: %w", err)
	}
	now := time.Now()
	d.mu.Lock()
	d.client = c
	d.state = &State{Running: true, PID: pid, StartedAt: now}
	d.lastActivity = now
	d.mu.Unlock()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigChan)

	g, ctx := errgroup.WithContext(d.ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case sig := <-sigChan:
				if sig == syscall.SIGUSR1 {
					d.log.Info("received SIGUSR1, collecting garbage")
					d.collectGarbage(ctx)
					continue
				}
				d.log.WithField("signal", sig.String()).Info("shutting down")
				d.cancel()
				return nil
			}
		}
	})
	g.Go(func() error {
		d.heartbeat(ctx)
		timer := time.NewTimer(d.nextInterval())
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-timer.C:
				d.heartbeat(ctx)
				next := d.nextInterval()
				timer.Reset(next)
				d.log.WithField("interval", next).Debug("next heartbeat")
			}
		}
	})
	runErr := g.Wait()
	return errors.Join(runErr, d.shutdown())
}

// Stop signals the daemon to stop.
func (d *Daemon) Stop() {
	d.cancel()
}

const heartbeatTimeout = 10 * time.Second

// heartbeat records the client's status.
func (d *Daemon) heartbeat(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	defer cancel()
	st, err := d.client.Status(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	d.state.LastHeartbeat = now
	d.state.HeartbeatCount++
	if err != nil {
		d.log.WithError(err).Warn("heartbeat failed")
		d.state.LastError = err.Error()
	} else {
		d.state.Client = &st
		d.state.LastError = ""
		if fp := fingerprint(st); fp != d.fingerprint {
			d.fingerprint = fp
			d.lastActivity = now
		}
	}
	if err := SaveState(d.config.Root, d.state); err != nil {
		d.log.WithError(err).Warn("failed to save state")
	}
	d.log.WithField("count", d.state.HeartbeatCount).Debug("heartbeat complete")
}

// collectGarbage runs one LRU collection and records the outcome.
func (d *Daemon) collectGarbage(ctx context.Context) {
	res, err := d.client.CollectGarbage(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.log.WithError(err).Warn("garbage collection failed")
		d.state.LastError = err.Error()
	} else {
		d.state.LastGC = &res
		d.state.LastGCAt = time.Now()
		d.log.WithFields(logrus.Fields{
			"targets":   res.TargetsRemoved,
			"documents": res.DocumentsRemoved,
		}).Info("garbage collection complete")
	}
	if err := SaveState(d.config.Root, d.state); err != nil {
		d.log.WithError(err).Warn("failed to save state")
	}
}

// fingerprint summarizes the parts of a status that change when the client does work.
func fingerprint(st client.Status) string {
	return fmt.Sprintf("%s|%t|%s|%d|%d|%d|%s",
		st.User, st.Primary, st.OnlineState, st.PendingWrites, st.ActiveTargets,
		st.ActiveLimboResolutions, strings.Join(st.ActiveClients, ","))
}

// Idle backoff tiers, as multiples of the base interval.
//
// | Idle Duration   | Next Heartbeat |
// |-----------------|----------------|
// | < 10 intervals  | 1x (base)      |
// | < 30 intervals  | 2x             |
// | < 90 intervals  | 6x             |
// | longer          | 12x (max)      |
var idleTiers = []struct {
	idle, factor int
}{
	{10, 1},
	{30, 2},
	{90, 6},
}

const maxIdleFactor = 12

// nextInterval backs the heartbeat off while the client's status stays unchanged.
func (d *Daemon) nextInterval() time.Duration {
	d.mu.Lock()
	idle := time.Since(d.lastActivity)
	d.mu.Unlock()
	base := d.config.HeartbeatInterval
	for _, tier := range idleTiers {
		if idle < time.Duration(tier.idle)*base {
			return time.Duration(tier.factor) * base
		}
	}
	return maxIdleFactor * base
}

const terminateTimeout = 30 * time.Second

// shutdown terminates the client and records the stopped state.
func (d *Daemon) shutdown() error {
	d.log.Info("daemon shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
	defer cancel()
	err := d.client.Terminate(ctx)

	d.mu.Lock()
	d.state.Running = false
	if err := SaveState(d.config.Root, d.state); err != nil {
		d.log.WithError(err).Warn("failed to save final state")
	}
	d.mu.Unlock()

	d.log.Info("daemon stopped")
	return err
}

// IsRunning checks if a daemon is running for the data directory. A stale PID file is
// removed.
func IsRunning(root string) (bool, int, error) {
	pidFile := (&Config{Root: root}).PidFile()
	data, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		_ = os.Remove(pidFile)
		return false, 0, nil
	}
	if !alive(pid) {
		_ = os.Remove(pidFile)
		return false, 0, nil
	}
	return true, pid, nil
}

// alive sends signal 0, since FindProcess always succeeds on Unix.
func alive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// ShutdownGrace is how long StopDaemon waits for a graceful exit before killing.
const ShutdownGrace = 5 * time.Second

// ErrNotRunning is returned by StopDaemon when no daemon runs for the directory.
var ErrNotRunning = errors.New("daemon is not running")

// StopDaemon stops the daemon for the data directory.
func StopDaemon(root string) error {
	running, pid, err := IsRunning(root)
	if err != nil {
		return err
	}
	if !running {
		return ErrNotRunning
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = ShutdownGrace
	exited := backoff.Retry(func() error {
		if alive(pid) {
			return errors.New("still running")
		}
		return nil
	}, b)
	if exited != nil {
		_ = process.Signal(syscall.SIGKILL)
	}

	_ = os.Remove((&Config{Root: root}).PidFile())
	return nil
}

// RequestGarbageCollection asks the running daemon to collect garbage now.
func RequestGarbageCollection(root string) error {
	running, pid, err := IsRunning(root)
	if err != nil {
		return err
	}
	if !running {
		return ErrNotRunning
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process: %w", err)
	}
	return process.Signal(syscall.SIGUSR1)
}
