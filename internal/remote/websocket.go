package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/status"
)

const (
	DefaultPingInterval = 15 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// Envelope wraps every websocket message. A server sends Error as its last message when
// it ends a stream because of a failure.
type Envelope struct {
	Frame json.RawMessage `json:"frame,omitempty"`
	Error *StatusFrame    `json:"error,omitempty"`
}

// WebsocketConnection opens each stream as a websocket at BaseURL/<kind>.
type WebsocketConnection struct {
	BaseURL      string
	Dialer       *websocket.Dialer
	PingInterval time.Duration
	WriteTimeout time.Duration
	Log          *logrus.Entry
}

// NewWebsocketConnection returns a connection with default timeouts.
func NewWebsocketConnection(baseURL string, log *logrus.Entry) *WebsocketConnection {
	return &WebsocketConnection{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		Dialer:       websocket.DefaultDialer,
		PingInterval: DefaultPingInterval,
		WriteTimeout: DefaultWriteTimeout,
		Log:          logging.OrDiscard(log),
	}
}

func (c *WebsocketConnection) OpenStream(ctx context.Context, kind StreamKind, token Token, appCheckToken string) (Stream, error) {
	header := http.Header{}
	if token.Value != "" {
		header.Set("Authorization", "Bearer "+token.Value)
	}
	if appCheckToken != "" {
		header.Set("X-AppCheck", appCheckToken)
	}
	requestID := ulid.Make().String()
	header.Set("X-Request-Id", requestID)

	url := c.BaseURL + "/" + string(kind)
	ws, resp, err := c.Dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, dialError(resp, err)
	}
	c.Log.WithFields(logrus.Fields{"stream": string(kind), "request_id": requestID}).Debug("websocket stream opened")
	return newWebsocketStream(ws, c.PingInterval, c.WriteTimeout), nil
}

// dialError maps a failed upgrade to a status code.
func dialError(resp *http.Response, err error) error {
	if resp == nil {
		return status.New(status.Unavailable, "dial: %v", err)
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return status.New(status.Unauthenticated, "dial: %s", resp.Status)
	case http.StatusForbidden:
		return status.New(status.PermissionDenied, "dial: %s", resp.Status)
	case http.StatusTooManyRequests:
		return status.New(status.ResourceExhausted, "dial: %s", resp.Status)
	case http.StatusNotFound:
		return status.New(status.NotFound, "dial: %s", resp.Status)
	}
	return status.New(status.Unavailable, "dial: %s", resp.Status)
}

// websocketStream runs a read pump and a ping pump under one errgroup. The first to fail
// stops the other; Recv drains buffered frames and then returns that failure.
type websocketStream struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	frames    chan json.RawMessage
	cancel    context.CancelFunc
	closeOnce sync.Once
	// err is written before frames is closed.
	err error
}

func newWebsocketStream(ws *websocket.Conn, pingInterval, writeTimeout time.Duration) *websocketStream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &websocketStream{
		ws:           ws,
		writeTimeout: writeTimeout,
		frames:       make(chan json.RawMessage, 16),
		cancel:       cancel,
	}
	readTimeout := 2 * pingInterval
	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readPump(gctx, readTimeout) })
	g.Go(func() error { return s.pingPump(gctx, pingInterval) })
	go func() {
		s.err = g.Wait()
		if s.err == nil {
			s.err = io.EOF
		}
		close(s.frames)
	}()
	return s
}

func (s *websocketStream) readPump(ctx context.Context, readTimeout time.Duration) error {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return io.EOF
			}
			return status.New(status.Unavailable, "read: %v", err)
		}
		s.ws.SetReadDeadline(time.Now().Add(readTimeout))
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return status.New(status.Internal, "decode envelope: %v", err)
		}
		if env.Error != nil {
			return status.New(status.ParseCode(env.Error.Code), "%s", env.Error.Message)
		}
		select {
		case s.frames <- env.Frame:
		case <-ctx.Done():
			return io.EOF
		}
	}
}

func (s *websocketStream) pingPump(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				return status.New(status.Unavailable, "ping: %v", err)
			}
		}
	}
}

func (s *websocketStream) Send(msg interface{}) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return status.New(status.Internal, "encode frame: %v", err)
	}
	data, err := json.Marshal(Envelope{Frame: frame})
	if err != nil {
		return status.New(status.Internal, "encode envelope: %v", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return status.New(status.Unavailable, "write: %v", err)
	}
	return nil
}

func (s *websocketStream) Recv() (json.RawMessage, error) {
	frame, ok := <-s.frames
	if !ok {
		return nil, s.err
	}
	return frame, nil
}

func (s *websocketStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.writeMu.Lock()
		s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.ws.Close()
	})
	return nil
}
