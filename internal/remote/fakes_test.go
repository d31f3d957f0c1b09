package remote

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/queue"
	"github.com/steveyegge/docsync/internal/status"
)

const (
	waitTimeout = 2 * time.Second
	waitTick    = 10 * time.Millisecond
)

type recvItem struct {
	raw json.RawMessage
	err error
}

// fakeStream is an in-memory stream driven by the test from the server side.
type fakeStream struct {
	kind   StreamKind
	sent   chan json.RawMessage
	recv   chan recvItem
	closed chan struct{}
	once   sync.Once
}

func newFakeStream(kind StreamKind) *fakeStream {
	return &fakeStream{
		kind:   kind,
		sent:   make(chan json.RawMessage, 64),
		recv:   make(chan recvItem, 64),
		closed: make(chan struct{}),
	}
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
	case it := <-s.recv:
		return it.raw, it.err
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// respond delivers a server frame.
func (s *fakeStream) respond(t *testing.T, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	s.recv <- recvItem{raw: data}
}

// fail ends the stream with err.
func (s *fakeStream) fail(err error) {
	s.recv <- recvItem{err: err}
}

// nextSent decodes the next client frame into v.
func (s *fakeStream) nextSent(t *testing.T, v interface{}) {
	t.Helper()
	select {
	case data := <-s.sent:
		require.NoError(t, json.Unmarshal(data, v))
	case <-time.After(waitTimeout):
		t.Fatalf("no frame sent on %s stream", s.kind)
	}
}

type fakeConnection struct {
	opened chan *fakeStream
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{opened: make(chan *fakeStream, 16)}
}

func (c *fakeConnection) OpenStream(_ context.Context, kind StreamKind, _ Token, _ string) (Stream, error) {
	s := newFakeStream(kind)
	c.opened <- s
	return s, nil
}

func (c *fakeConnection) next(t *testing.T, kind StreamKind) *fakeStream {
	t.Helper()
	select {
	case s := <-c.opened:
		require.Equal(t, kind, s.kind)
		return s
	case <-time.After(waitTimeout):
		t.Fatalf("no %s stream opened", kind)
		return nil
	}
}

type fakeLocal struct {
	mu       sync.Mutex
	batches  []*model.MutationBatch
	token    []byte
	snapshot model.Timestamp
}

func (l *fakeLocal) NextMutationBatch(_ context.Context, after int) (*model.MutationBatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.batches {
		if b.BatchID > after {
			return b, nil
		}
	}
	return nil, nil
}

func (l *fakeLocal) GetLastStreamToken(context.Context) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token, nil
}

func (l *fakeLocal) SetLastStreamToken(_ context.Context, token []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.token = token
	return nil
}

func (l *fakeLocal) GetLastRemoteSnapshotVersion(context.Context) (model.Timestamp, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot, nil
}

func (l *fakeLocal) streamToken() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token
}

type fakeSyncer struct {
	mu             sync.Mutex
	remoteKeys     map[int]model.DocumentKeySet
	events         []model.RemoteEvent
	rejectedListen map[int]error
	acked          []model.MutationBatchResult
	rejectedWrites map[int]error
	states         []OnlineState
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{
		remoteKeys:     map[int]model.DocumentKeySet{},
		rejectedListen: map[int]error{},
		rejectedWrites: map[int]error{},
	}
}

func (s *fakeSyncer) ApplyRemoteEvent(_ context.Context, ev model.RemoteEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSyncer) RejectListen(_ context.Context, targetID int, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectedListen[targetID] = err
	return nil
}

func (s *fakeSyncer) ApplySuccessfulWrite(_ context.Context, result model.MutationBatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, result)
	return nil
}

func (s *fakeSyncer) RejectFailedWrite(_ context.Context, batchID int, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectedWrites[batchID] = err
	return nil
}

func (s *fakeSyncer) GetRemoteKeysForTarget(targetID int) model.DocumentKeySet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keys, ok := s.remoteKeys[targetID]; ok {
		return keys.Clone()
	}
	return model.NewDocumentKeySet()
}

func (s *fakeSyncer) HandleCredentialChange(context.Context, model.User) error { return nil }

func (s *fakeSyncer) ApplyOnlineStateChange(state OnlineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	return nil
}

func (s *fakeSyncer) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *fakeSyncer) lastEvent() model.RemoteEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

func (s *fakeSyncer) ackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acked)
}

func (s *fakeSyncer) lastState() OnlineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) == 0 {
		return OnlineStateUnknown
	}
	return s.states[len(s.states)-1]
}

type fixture struct {
	t      *testing.T
	queue  *queue.AsyncQueue
	conn   *fakeConnection
	local  *fakeLocal
	syncer *fakeSyncer
	rs     *RemoteStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		queue:  queue.New(nil),
		conn:   newFakeConnection(),
		local:  &fakeLocal{},
		syncer: newFakeSyncer(),
	}
	f.rs = NewRemoteStore(f.local, f.syncer, f.conn, EmptyTokenProvider{}, f.queue, Options{})
	t.Cleanup(func() {
		f.queue.Shutdown(context.Background(), f.rs.Shutdown)
	})
	return f
}

// run executes fn on the queue and waits for it.
func (f *fixture) run(fn func() error) {
	f.t.Helper()
	require.NoError(f.t, f.queue.Enqueue(context.Background(), fn))
}

// flush waits until everything enqueued so far has run.
func (f *fixture) flush() {
	f.run(func() error { return nil })
}

func ts(sec int64) *model.Timestamp { return &model.Timestamp{Seconds: sec} }

func roomsTarget(id int) model.TargetData {
	return model.NewTargetData(model.NewQuery(model.NewResourcePath("rooms")).ToTarget(), id, model.PurposeListen, 1)
}

func roomDoc(id string, v int64) *model.MutableDocument {
	return model.NewFoundDocument(model.MustKey("rooms/"+id), model.Timestamp{Seconds: v},
		model.ObjectFromGo(map[string]interface{}{"name": id}))
}
