package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/queue"
	"github.com/steveyegge/docsync/internal/status"
)

const (
	// IdleTimeout closes a stream nothing has been sent on for this long.
	IdleTimeout = 60 * time.Second
	// HealthyTimeout is how long a stream must stay open before auth failures stop being
	// blamed on the token.
	HealthyTimeout = 10 * time.Second
)

// Connection opens bidirectional streams to the backend.
type Connection interface {
	OpenStream(ctx context.Context, kind StreamKind, token Token, appCheckToken string) (Stream, error)
}

// Stream is one open bidirectional stream. Send may be called while another goroutine is
// blocked in Recv. Recv returns a *status.Error when the server ends the stream with an
// error and io.EOF when it ends it cleanly.
type Stream interface {
	Send(msg interface{}) error
	Recv() (json.RawMessage, error)
	Close() error
}

type streamState int

const (
	// stateInitial: never started, or stopped deliberately. Start opens immediately.
	stateInitial streamState = iota
	// stateStarting: waiting for a token and the connection.
	stateStarting
	stateOpen
	// stateHealthy: open for longer than HealthyTimeout.
	stateHealthy
	// stateError: closed by a failure. Start backs off before reopening.
	stateError
	// stateBackoff: waiting out the backoff delay.
	stateBackoff
)

func (s streamState) String() string {
	switch s {
	case stateInitial:
		return "initial"
	case stateStarting:
		return "starting"
	case stateOpen:
		return "open"
	case stateHealthy:
		return "healthy"
	case stateError:
		return "error"
	case stateBackoff:
		return "backoff"
	}
	return "unknown"
}

// streamHandler receives the events of a persistentStream. All calls happen on the queue.
type streamHandler interface {
	onOpen() error
	onMessage(raw json.RawMessage) error
	onClose(err error) error
	// tearDown runs just before an open stream is closed deliberately.
	tearDown()
}

// persistentStream owns the lifecycle of one kind of stream: token fetch, connect, idle
// close, and reconnect with backoff. Every method must be called on the queue.
type persistentStream struct {
	kind     StreamKind
	conn     Connection
	creds    TokenProvider
	appCheck AppCheckTokenProvider
	queue    *queue.AsyncQueue
	log      *logrus.Entry
	handler  streamHandler

	idleTimerID    queue.TimerID
	backoffTimerID queue.TimerID

	state  streamState
	stream Stream
	// generation increases on every close so callbacks from an old stream are dropped.
	generation int

	idleTimer   *queue.DelayedOperation
	healthTimer *queue.DelayedOperation
	backoffOp   *queue.DelayedOperation
	backoff     *reconnectBackoff
}

func newPersistentStream(kind StreamKind, conn Connection, creds TokenProvider, appCheck AppCheckTokenProvider,
	q *queue.AsyncQueue, log *logrus.Entry, idleTimerID, backoffTimerID queue.TimerID) *persistentStream {
	return &persistentStream{
		kind:           kind,
		conn:           conn,
		creds:          creds,
		appCheck:       appCheck,
		queue:          q,
		log:            logging.OrDiscard(log).WithField("stream", string(kind)),
		idleTimerID:    idleTimerID,
		backoffTimerID: backoffTimerID,
		backoff:        newReconnectBackoff(),
	}
}

// IsStarted reports whether Start was called and the stream has not closed since,
// including while it waits to reconnect.
func (s *persistentStream) IsStarted() bool {
	return s.state == stateStarting || s.state == stateBackoff || s.IsOpen()
}

// IsOpen reports whether messages can be sent.
func (s *persistentStream) IsOpen() bool {
	return s.state == stateOpen || s.state == stateHealthy
}

// Start opens the stream. After a failure it first waits out the backoff.
func (s *persistentStream) Start() error {
	if s.state == stateError {
		s.performBackoff()
		return nil
	}
	if s.state != stateInitial {
		return status.Assertf("%s stream started in state %s", s.kind, s.state)
	}
	s.open()
	return nil
}

func (s *persistentStream) open() {
	s.state = stateStarting
	gen := s.generation
	go func() {
		ctx := context.Background()
		token, err := s.creds.GetToken(ctx)
		var appCheckToken string
		if err == nil && s.appCheck != nil {
			appCheckToken, err = s.appCheck.GetToken(ctx)
		}
		var stream Stream
		if err == nil {
			stream, err = s.conn.OpenStream(ctx, s.kind, token, appCheckToken)
		}
		s.queue.EnqueueAndForget(func() error {
			if gen != s.generation {
				// Closed while connecting.
				if stream != nil {
					stream.Close()
				}
				return nil
			}
			if err != nil {
				s.log.WithError(err).Debug("stream failed to open")
				return s.close(stateError, err)
			}
			return s.onStreamOpen(stream)
		})
	}()
}

func (s *persistentStream) onStreamOpen(stream Stream) error {
	s.stream = stream
	s.state = stateOpen
	streamsOpened.WithLabelValues(string(s.kind)).Inc()
	s.healthTimer = s.queue.EnqueueAfterDelay(queue.TimerHealthCheck, HealthyTimeout, func() error {
		s.healthTimer = nil
		if s.IsOpen() {
			s.state = stateHealthy
		}
		return nil
	})
	go s.readLoop(stream, s.generation)
	return s.handler.onOpen()
}

func (s *persistentStream) readLoop(stream Stream, gen int) {
	for {
		raw, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			err = status.New(status.Unavailable, "%s stream closed by server", s.kind)
		}
		s.queue.EnqueueAndForget(func() error {
			if gen != s.generation {
				return nil
			}
			if err != nil {
				return s.close(stateError, err)
			}
			return s.handler.onMessage(raw)
		})
		if err != nil {
			return
		}
	}
}

func (s *persistentStream) performBackoff() {
	s.state = stateBackoff
	delay := s.backoff.Next()
	s.log.WithField("delay", delay).Debug("backing off before reconnecting")
	s.backoffOp = s.queue.EnqueueAfterDelay(s.backoffTimerID, delay, func() error {
		s.backoffOp = nil
		s.state = stateInitial
		return s.Start()
	})
}

// Stop closes the stream deliberately. The next Start opens without backoff.
func (s *persistentStream) Stop() error {
	if s.IsStarted() {
		return s.close(stateInitial, nil)
	}
	return nil
}

// InhibitBackoff lets the next Start reconnect immediately after a failure.
func (s *persistentStream) InhibitBackoff() error {
	if s.IsStarted() {
		return status.Assertf("cannot inhibit backoff of a started %s stream", s.kind)
	}
	s.state = stateInitial
	s.backoff.Reset()
	return nil
}

// MarkIdle schedules the stream to close unless something is sent within IdleTimeout.
func (s *persistentStream) MarkIdle() {
	if s.IsOpen() && s.idleTimer == nil {
		s.idleTimer = s.queue.EnqueueAfterDelay(s.idleTimerID, IdleTimeout, func() error {
			s.idleTimer = nil
			if s.IsOpen() {
				s.log.Debug("closing idle stream")
				return s.close(stateInitial, nil)
			}
			return nil
		})
	}
}

func (s *persistentStream) cancelIdleCheck() {
	if s.idleTimer != nil {
		s.idleTimer.Cancel()
		s.idleTimer = nil
	}
}

func (s *persistentStream) send(msg interface{}) {
	s.cancelIdleCheck()
	if err := s.stream.Send(msg); err != nil {
		// The read loop reports the failure and closes the stream.
		s.log.WithError(err).Debug("stream send failed")
	}
}

// close moves the stream to finalState. err is nil for deliberate closes.
func (s *persistentStream) close(finalState streamState, err error) error {
	s.cancelIdleCheck()
	if s.healthTimer != nil {
		s.healthTimer.Cancel()
		s.healthTimer = nil
	}
	if s.backoffOp != nil {
		s.backoffOp.Cancel()
		s.backoffOp = nil
	}
	s.generation++

	code := status.CodeOf(err)
	switch {
	case finalState != stateError:
		s.backoff.Reset()
	case code == status.ResourceExhausted:
		s.log.WithError(err).Warn("backend is overloaded; using maximum backoff")
		s.backoff.ResetToMax()
	case code == status.Unauthenticated && s.state != stateHealthy:
		// An auth failure on a young stream means the token is bad.
		s.creds.InvalidateToken()
		if s.appCheck != nil {
			s.appCheck.InvalidateToken()
		}
	}
	if err != nil {
		streamErrors.WithLabelValues(string(s.kind), code.String()).Inc()
	}

	if s.stream != nil {
		if finalState != stateError {
			s.handler.tearDown()
		}
		s.stream.Close()
		s.stream = nil
	}
	s.state = finalState
	return s.handler.onClose(err)
}
