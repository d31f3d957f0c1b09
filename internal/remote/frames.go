package remote

import (
	"github.com/steveyegge/docsync/internal/model"
)

// StreamKind selects one of the two backend streams.
type StreamKind string

const (
	StreamListen StreamKind = "listen"
	StreamWrite  StreamKind = "write"
)

// TargetRequest asks the backend to start watching a target.
type TargetRequest struct {
	TargetID      int              `json:"targetId"`
	Target        model.Target     `json:"target"`
	ResumeToken   []byte           `json:"resumeToken,omitempty"`
	ReadTime      *model.Timestamp `json:"readTime,omitempty"`
	ExpectedCount *int             `json:"expectedCount,omitempty"`
	Purpose       string           `json:"purpose,omitempty"`
}

// ListenRequest is a client frame on the listen stream. Exactly one field is set.
type ListenRequest struct {
	AddTarget    *TargetRequest `json:"addTarget,omitempty"`
	RemoveTarget int            `json:"removeTarget,omitempty"`
}

// TargetChangeState is the kind of a target-change frame.
type TargetChangeState string

const (
	TargetNoChange TargetChangeState = "NO_CHANGE"
	TargetAdded    TargetChangeState = "ADD"
	TargetRemoved  TargetChangeState = "REMOVE"
	TargetCurrent  TargetChangeState = "CURRENT"
	TargetReset    TargetChangeState = "RESET"
)

// StatusFrame is an error carried inside a frame.
type StatusFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TargetChangeFrame reports a change in the state of some targets. With no target ids and
// a read time it marks a consistent snapshot of every target.
type TargetChangeFrame struct {
	State       TargetChangeState `json:"state"`
	TargetIDs   []int             `json:"targetIds,omitempty"`
	Cause       *StatusFrame      `json:"cause,omitempty"`
	ResumeToken []byte            `json:"resumeToken,omitempty"`
	ReadTime    *model.Timestamp  `json:"readTime,omitempty"`
}

// DocumentChangeFrame carries a new version of a document and the targets it now matches.
type DocumentChangeFrame struct {
	Document         *model.MutableDocument `json:"document"`
	TargetIDs        []int                  `json:"targetIds,omitempty"`
	RemovedTargetIDs []int                  `json:"removedTargetIds,omitempty"`
}

// DocumentDeleteFrame reports that a document was deleted.
type DocumentDeleteFrame struct {
	Key              model.DocumentKey `json:"key"`
	ReadTime         model.Timestamp   `json:"readTime"`
	RemovedTargetIDs []int             `json:"removedTargetIds,omitempty"`
}

// DocumentRemoveFrame reports that a document left some targets without being deleted.
type DocumentRemoveFrame struct {
	Key              model.DocumentKey `json:"key"`
	ReadTime         model.Timestamp   `json:"readTime"`
	RemovedTargetIDs []int             `json:"removedTargetIds,omitempty"`
}

// BloomFilterFrame is the wire form of a bloom filter over document names.
type BloomFilterFrame struct {
	Bitmap    []byte `json:"bitmap"`
	Padding   int    `json:"padding"`
	HashCount int    `json:"hashCount"`
}

// ExistenceFilterFrame tells the client how many documents a target matches.
type ExistenceFilterFrame struct {
	TargetID       int               `json:"targetId"`
	Count          int               `json:"count"`
	UnchangedNames *BloomFilterFrame `json:"unchangedNames,omitempty"`
}

// ListenResponse is a server frame on the listen stream. Exactly one field is set.
type ListenResponse struct {
	TargetChange   *TargetChangeFrame    `json:"targetChange,omitempty"`
	DocumentChange *DocumentChangeFrame  `json:"documentChange,omitempty"`
	DocumentDelete *DocumentDeleteFrame  `json:"documentDelete,omitempty"`
	DocumentRemove *DocumentRemoveFrame  `json:"documentRemove,omitempty"`
	Filter         *ExistenceFilterFrame `json:"filter,omitempty"`
}

// WriteRequest is a client frame on the write stream. The first request of a stream, with
// no writes, is the handshake.
type WriteRequest struct {
	StreamToken []byte           `json:"streamToken,omitempty"`
	Writes      []model.Mutation `json:"writes,omitempty"`
}

// WriteResultFrame is the outcome of one write.
type WriteResultFrame struct {
	UpdateTime       *model.Timestamp `json:"updateTime,omitempty"`
	TransformResults []model.Value    `json:"transformResults,omitempty"`
}

// WriteResponse answers the handshake or one WriteRequest.
type WriteResponse struct {
	StreamToken  []byte             `json:"streamToken"`
	CommitTime   *model.Timestamp   `json:"commitTime,omitempty"`
	WriteResults []WriteResultFrame `json:"writeResults,omitempty"`
}
