package remote

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/queue"
	"github.com/steveyegge/docsync/internal/status"
)

// WatchStreamListener receives listen stream events on the queue.
type WatchStreamListener interface {
	OnWatchStreamOpen() error
	// OnWatchStreamChange delivers one change. snapshotVersion is non-zero only when the
	// change marks a consistent snapshot of every target.
	OnWatchStreamChange(change WatchChange, snapshotVersion model.Timestamp) error
	// OnWatchStreamClose reports the close; err is nil for deliberate closes.
	OnWatchStreamClose(err error) error
}

// WatchStream is the listen stream: the client adds and removes targets and the server
// streams document and target changes.
type WatchStream struct {
	*persistentStream
	listener WatchStreamListener
}

// NewWatchStream creates a stopped listen stream.
func NewWatchStream(conn Connection, creds TokenProvider, appCheck AppCheckTokenProvider, q *queue.AsyncQueue,
	log *logrus.Entry, listener WatchStreamListener) *WatchStream {
	w := &WatchStream{listener: listener}
	w.persistentStream = newPersistentStream(StreamListen, conn, creds, appCheck, q, log,
		queue.TimerListenStreamIdle, queue.TimerListenStreamBackoff)
	w.handler = w
	return w
}

// Watch asks the server to listen to a target, resuming from its token or snapshot
// version when it has one.
func (w *WatchStream) Watch(td model.TargetData) {
	req := &TargetRequest{
		TargetID:      td.TargetID,
		Target:        td.Target,
		ExpectedCount: td.ExpectedCount,
	}
	if td.Purpose != model.PurposeListen {
		req.Purpose = td.Purpose.String()
	}
	if len(td.ResumeToken) > 0 {
		req.ResumeToken = td.ResumeToken
	} else if !td.SnapshotVersion.IsZero() {
		v := td.SnapshotVersion
		req.ReadTime = &v
	}
	w.send(ListenRequest{AddTarget: req})
}

// Unwatch asks the server to stop listening to a target.
func (w *WatchStream) Unwatch(targetID int) {
	w.send(ListenRequest{RemoveTarget: targetID})
}

func (w *WatchStream) onOpen() error           { return w.listener.OnWatchStreamOpen() }
func (w *WatchStream) onClose(err error) error { return w.listener.OnWatchStreamClose(err) }
func (w *WatchStream) tearDown()               {}

func (w *WatchStream) onMessage(raw json.RawMessage) error {
	var resp ListenResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return w.close(stateError, status.New(status.Internal, "decode listen response: %v", err))
	}
	// A response means the stream works.
	w.backoff.Reset()
	change, err := decodeWatchChange(&resp)
	if err != nil {
		return w.close(stateError, err)
	}
	return w.listener.OnWatchStreamChange(change, snapshotVersionOf(&resp))
}

func decodeWatchChange(resp *ListenResponse) (WatchChange, error) {
	switch {
	case resp.TargetChange != nil:
		tc := resp.TargetChange
		change := &WatchTargetChange{State: tc.State, TargetIDs: tc.TargetIDs, ResumeToken: tc.ResumeToken}
		if tc.State == "" {
			change.State = TargetNoChange
		}
		if tc.Cause != nil {
			change.Cause = status.New(status.ParseCode(tc.Cause.Code), "%s", tc.Cause.Message)
		}
		return change, nil
	case resp.DocumentChange != nil:
		dc := resp.DocumentChange
		if dc.Document == nil {
			return nil, status.New(status.Internal, "document change without a document")
		}
		return &DocumentWatchChange{
			UpdatedTargetIDs: dc.TargetIDs,
			RemovedTargetIDs: dc.RemovedTargetIDs,
			Key:              dc.Document.Key(),
			NewDoc:           dc.Document,
		}, nil
	case resp.DocumentDelete != nil:
		dd := resp.DocumentDelete
		return &DocumentWatchChange{
			RemovedTargetIDs: dd.RemovedTargetIDs,
			Key:              dd.Key,
			NewDoc:           model.NewNoDocument(dd.Key, dd.ReadTime),
		}, nil
	case resp.DocumentRemove != nil:
		dr := resp.DocumentRemove
		return &DocumentWatchChange{RemovedTargetIDs: dr.RemovedTargetIDs, Key: dr.Key}, nil
	case resp.Filter != nil:
		f := resp.Filter
		return &ExistenceFilterChange{TargetID: f.TargetID, Count: f.Count, UnchangedNames: f.UnchangedNames}, nil
	}
	return nil, status.New(status.Internal, "empty listen response")
}

// snapshotVersionOf returns the read time of a global target change, the only kind of
// frame that marks a consistent snapshot.
func snapshotVersionOf(resp *ListenResponse) model.Timestamp {
	tc := resp.TargetChange
	if tc == nil || len(tc.TargetIDs) > 0 || tc.ReadTime == nil {
		return model.MinVersion
	}
	return *tc.ReadTime
}
