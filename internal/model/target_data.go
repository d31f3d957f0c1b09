package model

// TargetPurpose records why a target is being listened to.
type TargetPurpose int

const (
	PurposeListen TargetPurpose = iota
	// PurposeExistenceFilterMismatch re-listens after an existence filter disagreed with
	// the local membership and no bloom filter could resolve it.
	PurposeExistenceFilterMismatch
	// PurposeExistenceFilterMismatchBloom re-listens after a bloom filter failed to
	// reconcile the membership.
	PurposeExistenceFilterMismatchBloom
	PurposeLimboResolution
)

func (p TargetPurpose) String() string {
	switch p {
	case PurposeExistenceFilterMismatch:
		return "existence-filter-mismatch"
	case PurposeExistenceFilterMismatchBloom:
		return "existence-filter-mismatch-bloom"
	case PurposeLimboResolution:
		return "limbo-resolution"
	}
	return "listen"
}

// TargetData is the durable bookmark of one listen target.
type TargetData struct {
	Target         Target
	TargetID       int
	Purpose        TargetPurpose
	SequenceNumber int64
	// SnapshotVersion is the latest version for which the target was consistent.
	SnapshotVersion Timestamp
	// LastLimboFreeSnapshotVersion is the last version at which the target's results had
	// no limbo documents; local results at that version can be trusted.
	LastLimboFreeSnapshotVersion Timestamp
	ResumeToken                  []byte
	// ExpectedCount is sent with a resumed listen so the server can answer with an
	// existence filter. Nil when unknown.
	ExpectedCount *int
}

// NewTargetData returns fresh target data with no resume state.
func NewTargetData(target Target, targetID int, purpose TargetPurpose, sequenceNumber int64) TargetData {
	return TargetData{
		Target:         target,
		TargetID:       targetID,
		Purpose:        purpose,
		SequenceNumber: sequenceNumber,
	}
}

func (t TargetData) WithSequenceNumber(seq int64) TargetData {
	t.SequenceNumber = seq
	return t
}

// WithResumeToken records a new resume token. Any expected count is cleared because it
// referred to the old token.
func (t TargetData) WithResumeToken(token []byte, version Timestamp) TargetData {
	t.ResumeToken = append([]byte(nil), token...)
	t.SnapshotVersion = version
	t.ExpectedCount = nil
	return t
}

func (t TargetData) WithExpectedCount(n int) TargetData {
	t.ExpectedCount = &n
	return t
}

func (t TargetData) WithLastLimboFreeSnapshotVersion(v Timestamp) TargetData {
	t.LastLimboFreeSnapshotVersion = v
	return t
}
