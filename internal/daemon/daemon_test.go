package daemon

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/config"
)

func testConfig(t *testing.T) *Config {
	s := config.DefaultSettings()
	s.Persistence = config.PersistenceConfig{Backend: config.BackendMemory}
	cfg := DefaultConfig(t.TempDir(), s)
	cfg.HeartbeatInterval = 10 * time.Millisecond
	require.NoError(t, os.MkdirAll(daemonDir(cfg.Root), 0o755))
	return cfg
}

func TestRunHeartbeatsUntilStopped(t *testing.T) {
	cfg := testConfig(t)
	d, err := newDaemon(cfg, io.Discard)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run() }()

	require.Eventually(t, func() bool {
		st, err := LoadState(cfg.Root)
		return err == nil && st.HeartbeatCount >= 2 && st.Client != nil
	}, 5*time.Second, 10*time.Millisecond)

	running, pid, err := IsRunning(cfg.Root)
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	st, err := LoadState(cfg.Root)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, "memory", st.Client.Backend)
	assert.True(t, st.Client.Primary)

	d.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	st, err = LoadState(cfg.Root)
	require.NoError(t, err)
	assert.False(t, st.Running)
	_, err = os.Stat(cfg.PidFile())
	assert.True(t, os.IsNotExist(err))
}

func TestCollectGarbageRecordsResult(t *testing.T) {
	cfg := testConfig(t)
	d, err := newDaemon(cfg, io.Discard)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run() }()
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.state != nil
	}, 5*time.Second, 10*time.Millisecond)

	d.collectGarbage(context.Background())
	st, err := LoadState(cfg.Root)
	require.NoError(t, err)
	require.NotNil(t, st.LastGC)
	assert.False(t, st.LastGC.DidRun)
	assert.False(t, st.LastGCAt.IsZero())

	d.Stop()
	require.NoError(t, <-done)
}

func TestNextIntervalBacksOffWhenIdle(t *testing.T) {
	cfg := testConfig(t)
	cfg.HeartbeatInterval = time.Second
	d, err := newDaemon(cfg, io.Discard)
	require.NoError(t, err)

	tests := []struct {
		idle time.Duration
		want time.Duration
	}{
		{0, time.Second},
		{15 * time.Second, 2 * time.Second},
		{time.Minute, 6 * time.Second},
		{time.Hour, 12 * time.Second},
	}
	for _, tt := range tests {
		d.lastActivity = time.Now().Add(-tt.idle)
		assert.Equal(t, tt.want, d.nextInterval(), "idle %s", tt.idle)
	}
}

func TestIsRunningCleansStalePidFile(t *testing.T) {
	cfg := testConfig(t)

	running, _, err := IsRunning(cfg.Root)
	require.NoError(t, err)
	assert.False(t, running)

	for _, content := range []string{"garbage", strconv.Itoa(1 << 30)} {
		require.NoError(t, os.WriteFile(cfg.PidFile(), []byte(content), 0o644))
		running, _, err := IsRunning(cfg.Root)
		require.NoError(t, err)
		assert.False(t, running, content)
		_, err = os.Stat(cfg.PidFile())
		assert.True(t, os.IsNotExist(err), content)
	}

	assert.ErrorIs(t, StopDaemon(cfg.Root), ErrNotRunning)
}

func TestStateRoundTrip(t *testing.T) {
	root := t.TempDir()
	st, err := LoadState(root)
	require.NoError(t, err)
	assert.False(t, st.Running)

	want := &State{Running: true, PID: 42, HeartbeatCount: 3, StartedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, SaveState(root, want))
	got, err := LoadState(root)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = os.Stat(filepath.Join(root, "daemon", "state.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestNewRequiresSettings(t *testing.T) {
	_, err := newDaemon(&Config{Root: t.TempDir()}, io.Discard)
	assert.Error(t, err)
}
