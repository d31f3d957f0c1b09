// Package sharedstate passes notifications between clients that share one persistence
// directory.
//
// Each client owns a JSONL inbox under the shared directory. Senders append one message per
// line; the owner watches its inbox with fsnotify and drains it. The primary client reports
// write outcomes, changed documents and its online state; every client reports the mutation
// batches it queues so the primary can send them.
package sharedstate

import (
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/status"
)

// Kind is what a message reports.
type Kind string

const (
	// KindMutationBatch reports a batch being queued, acknowledged or rejected.
	KindMutationBatch Kind = "mutation_batch"

	// KindDocumentsChanged lists documents the primary updated from the backend.
	KindDocumentsChanged Kind = "documents_changed"

	// KindOnlineState carries the primary's online state.
	KindOnlineState Kind = "online_state"
)

// BatchState is the lifecycle stage of a mutation batch.
type BatchState string

const (
	BatchPending      BatchState = "pending"
	BatchAcknowledged BatchState = "acknowledged"
	BatchRejected     BatchState = "rejected"
)

// ErrorInfo is a rejection cause in transferable form.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is one notification between clients.
type Message struct {
	// ID is a unique, time-ordered message identifier.
	ID string `json:"id"`

	// From is the sending client id.
	From string `json:"from"`

	// To is the receiving client id.
	To string `json:"to"`

	Kind Kind `json:"kind"`

	// User scopes batch messages; only clients running as that user act on them.
	User string `json:"user,omitempty"`

	BatchID    int        `json:"batchId,omitempty"`
	BatchState BatchState `json:"batchState,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`

	// Keys are document paths.
	Keys []string `json:"keys,omitempty"`

	OnlineState string `json:"onlineState,omitempty"`

	// Timestamp is when the message was sent.
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a message with a generated ID.
func NewMessage(from, to string, kind Kind) *Message {
	return &Message{
		ID:        ulid.Make().String(),
		From:      from,
		To:        to,
		Kind:      kind,
		Timestamp: time.Now(),
	}
}

// SetError records err as the batch's rejection cause.
func (m *Message) SetError(err error) {
	if err == nil {
		m.Error = nil
		return
	}
	msg := err.Error()
	var se *status.Error
	if errors.As(err, &se) {
		msg = se.Message
	}
	m.Error = &ErrorInfo{Code: status.CodeOf(err).String(), Message: msg}
}

// Err rebuilds the rejection cause, or returns nil.
func (m *Message) Err() error {
	if m.Error == nil {
		return nil
	}
	return status.New(status.ParseCode(m.Error.Code), "%s", m.Error.Message)
}

// SetKeys records keys in sorted order.
func (m *Message) SetKeys(keys model.DocumentKeySet) {
	m.Keys = m.Keys[:0]
	for _, k := range keys.Sorted() {
		m.Keys = append(m.Keys, k.String())
	}
}

// DocumentKeys parses Keys.
func (m *Message) DocumentKeys() (model.DocumentKeySet, error) {
	keys := model.NewDocumentKeySet()
	for _, p := range m.Keys {
		k, err := model.ParseDocumentKey(p)
		if err != nil {
			return nil, err
		}
		keys.Add(k)
	}
	return keys, nil
}

// UserOf returns the user a batch message is scoped to.
func (m *Message) UserOf() model.User { return model.User{UID: m.User} }

// ParseOnlineState is the inverse of remote.OnlineState.String.
func ParseOnlineState(s string) remote.OnlineState {
	switch s {
	case remote.OnlineStateOnline.String():
		return remote.OnlineStateOnline
	case remote.OnlineStateOffline.String():
		return remote.OnlineStateOffline
	}
	return remote.OnlineStateUnknown
}
