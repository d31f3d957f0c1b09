package client

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/status"
)

// fakeStream is an in-memory backend stream the test answers by hand.
type fakeStream struct {
	kind   remote.StreamKind
	sent   chan json.RawMessage
	recv   chan json.RawMessage
	closed chan struct{}
	once   sync.Once
}

func (s *fakeStream) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-s.closed:
		return status.New(status.Unavailable, "stream closed")
	case s.sent <- data:
		return nil
	}
}

func (s *fakeStream) Recv() (json.RawMessage, error) {
	select {
	case raw := <-s.recv:
		return raw, nil
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) respond(t *testing.T, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	s.recv <- data
}

func (s *fakeStream) nextSent(t *testing.T, v interface{}) {
	t.Helper()
	select {
	case data := <-s.sent:
		require.NoError(t, json.Unmarshal(data, v))
	case <-time.After(5 * time.Second):
		t.Fatalf("no frame sent on %s stream", s.kind)
	}
}

// fakeConnection hands every opened stream to the test.
type fakeConnection struct {
	opened chan *fakeStream
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{opened: make(chan *fakeStream, 16)}
}

func (c *fakeConnection) OpenStream(_ context.Context, kind remote.StreamKind, _ remote.Token, _ string) (remote.Stream, error) {
	s := &fakeStream{
		kind:   kind,
		sent:   make(chan json.RawMessage, 64),
		recv:   make(chan json.RawMessage, 64),
		closed: make(chan struct{}),
	}
	c.opened <- s
	return s, nil
}

func (c *fakeConnection) next(t *testing.T, kind remote.StreamKind) *fakeStream {
	t.Helper()
	for {
		select {
		case s := <-c.opened:
			if s.kind == kind {
				return s
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no %s stream opened", kind)
			return nil
		}
	}
}
