package model

// TargetChange is the accumulated effect of a watch snapshot on one target.
type TargetChange struct {
	// ResumeToken is empty when the snapshot carried no new token.
	ResumeToken []byte
	// Current is set once the target's results are consistent with the snapshot.
	Current           bool
	AddedDocuments    DocumentKeySet
	ModifiedDocuments DocumentKeySet
	RemovedDocuments  DocumentKeySet
}

// NewTargetChange returns an empty change with initialized key sets.
func NewTargetChange() TargetChange {
	return TargetChange{
		AddedDocuments:    NewDocumentKeySet(),
		ModifiedDocuments: NewDocumentKeySet(),
		RemovedDocuments:  NewDocumentKeySet(),
	}
}

// RemoteEvent is one consistent watch snapshot ready to apply to the local store.
type RemoteEvent struct {
	SnapshotVersion Timestamp
	TargetChanges   map[int]TargetChange
	// TargetMismatches maps targets whose membership was reset by an existence filter to
	// the purpose they must be re-listened with.
	TargetMismatches map[int]TargetPurpose
	DocumentUpdates  map[DocumentKey]*MutableDocument
	// ResolvedLimboDocuments are updates that only belong to limbo targets.
	ResolvedLimboDocuments DocumentKeySet
}

// NewRemoteEvent returns an event with initialized maps.
func NewRemoteEvent(version Timestamp) RemoteEvent {
	return RemoteEvent{
		SnapshotVersion:        version,
		TargetChanges:          map[int]TargetChange{},
		TargetMismatches:       map[int]TargetPurpose{},
		DocumentUpdates:        map[DocumentKey]*MutableDocument{},
		ResolvedLimboDocuments: NewDocumentKeySet(),
	}
}

// SyntheticEventForCurrentChange builds the event that marks a target current without a
// watch snapshot, used when a target is already known to be consistent.
func SyntheticEventForCurrentChange(targetID int, current bool, resumeToken []byte) RemoteEvent {
	ev := NewRemoteEvent(MinVersion)
	tc := NewTargetChange()
	tc.Current = current
	tc.ResumeToken = resumeToken
	ev.TargetChanges[targetID] = tc
	return ev
}
