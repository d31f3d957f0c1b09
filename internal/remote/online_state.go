package remote

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/queue"
)

// OnlineState is the client's best guess at whether the backend is reachable.
type OnlineState int

const (
	OnlineStateUnknown OnlineState = iota
	OnlineStateOnline
	OnlineStateOffline
)

func (s OnlineState) String() string {
	switch s {
	case OnlineStateOnline:
		return "online"
	case OnlineStateOffline:
		return "offline"
	}
	return "unknown"
}

const (
	// MaxWatchStreamFailures is how many consecutive listen stream failures without a
	// message flip the state to offline.
	MaxWatchStreamFailures = 1
	// OnlineStateTimeout flips the state to offline when a listen stream cannot connect.
	OnlineStateTimeout = 10 * time.Second
)

// OnlineStateTracker derives the online state from listen stream outcomes. Its methods
// must be called on the queue.
type OnlineStateTracker struct {
	queue   *queue.AsyncQueue
	log     *logrus.Entry
	handler func(OnlineState) error

	state               OnlineState
	watchStreamFailures int
	timer               *queue.DelayedOperation
	warnWhenOffline     bool
}

// NewOnlineStateTracker returns a tracker in the unknown state. handler is called on every
// state change.
func NewOnlineStateTracker(q *queue.AsyncQueue, log *logrus.Entry, handler func(OnlineState) error) *OnlineStateTracker {
	return &OnlineStateTracker{queue: q, log: logging.OrDiscard(log), handler: handler, warnWhenOffline: true}
}

// State returns the current state.
func (t *OnlineStateTracker) State() OnlineState { return t.state }

// HandleWatchStreamStart starts the offline timeout for the first connection attempt.
func (t *OnlineStateTracker) HandleWatchStreamStart() error {
	if t.watchStreamFailures != 0 {
		return nil
	}
	if err := t.setAndBroadcast(OnlineStateUnknown); err != nil {
		return err
	}
	t.timer = t.queue.EnqueueAfterDelay(queue.TimerOnlineStateTimeout, OnlineStateTimeout, func() error {
		t.timer = nil
		t.logOffline("connection timed out")
		return t.setAndBroadcast(OnlineStateOffline)
	})
	return nil
}

// HandleWatchStreamFailure records a failed listen stream.
func (t *OnlineStateTracker) HandleWatchStreamFailure(err error) error {
	if t.state == OnlineStateOnline {
		// Reconnecting after having been online is not evidence of being offline yet.
		return t.setAndBroadcast(OnlineStateUnknown)
	}
	t.watchStreamFailures++
	if t.watchStreamFailures >= MaxWatchStreamFailures {
		t.clearTimer()
		t.logOffline("listen stream failed: " + errString(err))
		return t.setAndBroadcast(OnlineStateOffline)
	}
	return nil
}

// Set forces a state, used when the network is enabled or disabled or a message arrives.
func (t *OnlineStateTracker) Set(s OnlineState) error {
	t.clearTimer()
	t.watchStreamFailures = 0
	if s == OnlineStateOnline {
		t.warnWhenOffline = false
	}
	return t.setAndBroadcast(s)
}

func (t *OnlineStateTracker) setAndBroadcast(s OnlineState) error {
	if s == t.state {
		return nil
	}
	t.state = s
	onlineStateGauge.Set(float64(s))
	if t.handler == nil {
		return nil
	}
	return t.handler(s)
}

func (t *OnlineStateTracker) clearTimer() {
	if t.timer != nil {
		t.timer.Cancel()
		t.timer = nil
	}
}

// logOffline warns once, until the client has been online.
func (t *OnlineStateTracker) logOffline(reason string) {
	msg := "could not reach the backend; operating offline until it responds"
	if t.warnWhenOffline {
		t.log.WithField("reason", reason).Warn(msg)
		t.warnWhenOffline = false
	} else {
		t.log.WithField("reason", reason).Debug(msg)
	}
}

func errString(err error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}
