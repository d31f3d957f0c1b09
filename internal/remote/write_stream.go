package remote

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/queue"
	"github.com/steveyegge/docsync/internal/status"
)

// WriteStreamListener receives write stream events on the queue.
type WriteStreamListener interface {
	OnWriteStreamOpen() error
	OnWriteHandshakeComplete() error
	OnMutationResult(commitVersion model.Timestamp, results []model.MutationResult) error
	OnWriteStreamClose(err error) error
}

// WriteStream sends mutation batches in order and receives one response per batch. The
// first exchange on every stream is a handshake that yields a stream token; each later
// request carries the latest token.
type WriteStream struct {
	*persistentStream
	listener WriteStreamListener

	handshakeComplete bool
	// LastStreamToken is the token from the most recent response.
	LastStreamToken []byte
}

// NewWriteStream creates a stopped write stream.
func NewWriteStream(conn Connection, creds TokenProvider, appCheck AppCheckTokenProvider, q *queue.AsyncQueue,
	log *logrus.Entry, listener WriteStreamListener) *WriteStream {
	w := &WriteStream{listener: listener}
	w.persistentStream = newPersistentStream(StreamWrite, conn, creds, appCheck, q, log,
		queue.TimerWriteStreamIdle, queue.TimerWriteStreamBackoff)
	w.handler = w
	return w
}

// HandshakeComplete reports whether mutations may be written.
func (w *WriteStream) HandshakeComplete() bool { return w.handshakeComplete }

// WriteHandshake sends the initial empty request.
func (w *WriteStream) WriteHandshake() error {
	if !w.IsOpen() || w.handshakeComplete {
		return status.Assertf("write handshake on stream in state %s (handshake done: %v)", w.state, w.handshakeComplete)
	}
	w.send(WriteRequest{})
	return nil
}

// WriteMutations sends one batch.
func (w *WriteStream) WriteMutations(mutations []model.Mutation) error {
	if !w.IsOpen() || !w.handshakeComplete {
		return status.Assertf("writing mutations before the handshake completed")
	}
	w.send(WriteRequest{StreamToken: w.LastStreamToken, Writes: mutations})
	return nil
}

func (w *WriteStream) onOpen() error { return w.listener.OnWriteStreamOpen() }

// onClose lets the listener see whether the handshake had completed, then resets it for
// the next stream.
func (w *WriteStream) onClose(err error) error {
	lerr := w.listener.OnWriteStreamClose(err)
	w.handshakeComplete = false
	return lerr
}

// tearDown flushes the stream token with an empty write so the server can release the
// stream's state.
func (w *WriteStream) tearDown() {
	if w.handshakeComplete {
		w.send(WriteRequest{StreamToken: w.LastStreamToken})
	}
}

func (w *WriteStream) onMessage(raw json.RawMessage) error {
	var resp WriteResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return w.close(stateError, status.New(status.Internal, "decode write response: %v", err))
	}
	w.LastStreamToken = resp.StreamToken

	if !w.handshakeComplete {
		if len(resp.WriteResults) > 0 {
			return status.Assertf("handshake response carried %d write results", len(resp.WriteResults))
		}
		w.handshakeComplete = true
		return w.listener.OnWriteHandshakeComplete()
	}

	// A write acknowledgement means the stream works.
	w.backoff.Reset()
	var commitVersion model.Timestamp
	if resp.CommitTime != nil {
		commitVersion = *resp.CommitTime
	}
	results := make([]model.MutationResult, len(resp.WriteResults))
	for i, wr := range resp.WriteResults {
		version := commitVersion
		if wr.UpdateTime != nil {
			version = *wr.UpdateTime
		}
		results[i] = model.MutationResult{Version: version, TransformResults: wr.TransformResults}
	}
	return w.listener.OnMutationResult(commitVersion, results)
}
