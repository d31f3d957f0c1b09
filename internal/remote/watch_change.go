package remote

import (
	"github.com/sirupsen/logrus"

	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/status"
)

// WatchChange is one decoded frame from the listen stream.
type WatchChange interface {
	isWatchChange()
}

// DocumentWatchChange is a document entering, changing in, or leaving some targets. NewDoc
// is nil when the document left the targets without being deleted.
type DocumentWatchChange struct {
	UpdatedTargetIDs []int
	RemovedTargetIDs []int
	Key              model.DocumentKey
	NewDoc           *model.MutableDocument
}

// ExistenceFilterChange carries the server's count for one target.
type ExistenceFilterChange struct {
	TargetID       int
	Count          int
	UnchangedNames *BloomFilterFrame
}

// WatchTargetChange is a change in target state. Cause is set when the server removed the
// targets because of an error.
type WatchTargetChange struct {
	State       TargetChangeState
	TargetIDs   []int
	ResumeToken []byte
	Cause       error
}

func (*DocumentWatchChange) isWatchChange()   {}
func (*ExistenceFilterChange) isWatchChange() {}
func (*WatchTargetChange) isWatchChange()     {}

// TargetMetadataProvider gives the aggregator access to what the sync engine already knows
// about each target.
type TargetMetadataProvider interface {
	// GetRemoteKeysForTarget returns the keys the target matched in the last raised event.
	GetRemoteKeysForTarget(targetID int) model.DocumentKeySet
	// GetTargetDataForTarget returns nil when the target is no longer listened to.
	GetTargetDataForTarget(targetID int) *model.TargetData
}

type changeType int

const (
	changeAdded changeType = iota
	changeModified
	changeRemoved
)

// targetState tracks the changes to one target since the last raised snapshot.
type targetState struct {
	// pendingResponses counts watch and unwatch requests not yet acknowledged. Changes for
	// a target with pending responses are ignored.
	pendingResponses  int
	current           bool
	hasPendingChanges bool
	resumeToken       []byte
	changes           map[model.DocumentKey]changeType
}

func newTargetState() *targetState {
	return &targetState{hasPendingChanges: true, changes: map[model.DocumentKey]changeType{}}
}

func (s *targetState) isPending() bool { return s.pendingResponses != 0 }

func (s *targetState) updateResumeToken(token []byte) {
	if len(token) > 0 {
		s.hasPendingChanges = true
		s.resumeToken = token
	}
}

func (s *targetState) toTargetChange() model.TargetChange {
	tc := model.NewTargetChange()
	tc.ResumeToken = s.resumeToken
	tc.Current = s.current
	for key, ct := range s.changes {
		switch ct {
		case changeAdded:
			tc.AddedDocuments.Add(key)
		case changeModified:
			tc.ModifiedDocuments.Add(key)
		case changeRemoved:
			tc.RemovedDocuments.Add(key)
		}
	}
	return tc
}

func (s *targetState) clearPendingChanges() {
	s.hasPendingChanges = false
	s.changes = map[model.DocumentKey]changeType{}
}

func (s *targetState) addDocumentChange(key model.DocumentKey, ct changeType) {
	s.hasPendingChanges = true
	s.changes[key] = ct
}

func (s *targetState) removeDocumentChange(key model.DocumentKey) {
	s.hasPendingChanges = true
	delete(s.changes, key)
}

func (s *targetState) markCurrent() {
	s.hasPendingChanges = true
	s.current = true
}

type bloomFilterOutcome int

const (
	bloomSuccess bloomFilterOutcome = iota
	bloomSkipped
	bloomFalsePositive
)

// WatchChangeAggregator accumulates watch changes until the server marks a consistent
// snapshot, then turns them into a RemoteEvent.
type WatchChangeAggregator struct {
	meta TargetMetadataProvider
	log  *logrus.Entry

	// DocumentNamePrefix is prepended to a document path before testing it against an
	// existence filter's bloom filter, matching the names the server hashed.
	DocumentNamePrefix string

	targetStates           map[int]*targetState
	pendingDocumentUpdates map[model.DocumentKey]*model.MutableDocument
	// pendingDocumentTargets maps each changed document to the targets it changed in.
	pendingDocumentTargets map[model.DocumentKey]map[int]struct{}
	pendingTargetResets    map[int]model.TargetPurpose
}

// NewWatchChangeAggregator returns an empty aggregator.
func NewWatchChangeAggregator(meta TargetMetadataProvider, log *logrus.Entry) *WatchChangeAggregator {
	a := &WatchChangeAggregator{meta: meta, log: logging.OrDiscard(log), targetStates: map[int]*targetState{}}
	a.resetPending()
	return a
}

func (a *WatchChangeAggregator) resetPending() {
	a.pendingDocumentUpdates = map[model.DocumentKey]*model.MutableDocument{}
	a.pendingDocumentTargets = map[model.DocumentKey]map[int]struct{}{}
	a.pendingTargetResets = map[int]model.TargetPurpose{}
}

// HandleDocumentChange records a document entering or leaving targets.
func (a *WatchChangeAggregator) HandleDocumentChange(c *DocumentWatchChange) {
	for _, id := range c.UpdatedTargetIDs {
		if c.NewDoc != nil && c.NewDoc.IsFoundDocument() {
			a.addDocumentToTarget(id, c.NewDoc)
		} else {
			a.removeDocumentFromTarget(id, c.Key, c.NewDoc)
		}
	}
	for _, id := range c.RemovedTargetIDs {
		a.removeDocumentFromTarget(id, c.Key, c.NewDoc)
	}
}

// HandleTargetChange applies a target state change. Errored removals are handled by the
// RemoteStore and must not reach the aggregator.
func (a *WatchChangeAggregator) HandleTargetChange(c *WatchTargetChange) error {
	for _, id := range a.targetIDsFor(c) {
		ts := a.ensureTargetState(id)
		switch c.State {
		case TargetNoChange:
			if a.isActiveTarget(id) {
				ts.updateResumeToken(c.ResumeToken)
			}
		case TargetAdded:
			// An ack for a watch request; changes for the target are valid from here on.
			ts.pendingResponses--
			if !ts.isPending() {
				ts.clearPendingChanges()
			}
			ts.updateResumeToken(c.ResumeToken)
		case TargetRemoved:
			if c.Cause != nil {
				return status.Assertf("aggregator received errored removal of target %d", id)
			}
			ts.pendingResponses--
			if !ts.isPending() {
				a.RemoveTarget(id)
			}
		case TargetCurrent:
			if a.isActiveTarget(id) {
				ts.markCurrent()
				ts.updateResumeToken(c.ResumeToken)
			}
		case TargetReset:
			if a.isActiveTarget(id) {
				if err := a.resetTarget(id); err != nil {
					return err
				}
				a.ensureTargetState(id).updateResumeToken(c.ResumeToken)
			}
		default:
			return status.Assertf("unknown target change state %q", c.State)
		}
	}
	return nil
}

// targetIDsFor returns the targets a change applies to: the listed ids, or every active
// target when none are listed.
func (a *WatchChangeAggregator) targetIDsFor(c *WatchTargetChange) []int {
	if len(c.TargetIDs) > 0 {
		return c.TargetIDs
	}
	var ids []int
	for id := range a.targetStates {
		if a.isActiveTarget(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// HandleExistenceFilter compares the server's count with the local membership and resets
// the target when they disagree and a bloom filter cannot reconcile them.
func (a *WatchChangeAggregator) HandleExistenceFilter(f *ExistenceFilterChange) error {
	td := a.targetDataForActiveTarget(f.TargetID)
	if td == nil {
		return nil
	}
	if td.Target.IsDocumentTarget() {
		if f.Count == 0 {
			// The document no longer exists. Synthesize a delete so the listener sees it.
			key, err := model.NewDocumentKey(td.Target.Path)
			if err != nil {
				return err
			}
			a.removeDocumentFromTarget(f.TargetID, key, model.NewNoDocument(key, model.MinVersion))
		} else if f.Count != 1 {
			return status.Assertf("single document existence filter with count %d", f.Count)
		}
		return nil
	}

	current := a.currentDocumentCount(f.TargetID)
	if current == f.Count {
		return nil
	}
	outcome := a.applyBloomFilter(f, current)
	existenceFilterMismatches.WithLabelValues(outcome.String()).Inc()
	if outcome == bloomSuccess {
		return nil
	}
	if err := a.resetTarget(f.TargetID); err != nil {
		return err
	}
	purpose := model.PurposeExistenceFilterMismatch
	if outcome == bloomFalsePositive {
		purpose = model.PurposeExistenceFilterMismatchBloom
	}
	a.pendingTargetResets[f.TargetID] = purpose
	return nil
}

func (o bloomFilterOutcome) String() string {
	switch o {
	case bloomSuccess:
		return "bloom_success"
	case bloomFalsePositive:
		return "bloom_false_positive"
	}
	return "bloom_skipped"
}

func (a *WatchChangeAggregator) applyBloomFilter(f *ExistenceFilterChange, current int) bloomFilterOutcome {
	if f.UnchangedNames == nil {
		return bloomSkipped
	}
	bf, err := NewBloomFilter(f.UnchangedNames.Bitmap, f.UnchangedNames.Padding, f.UnchangedNames.HashCount)
	if err != nil {
		a.log.WithError(err).Warn("ignoring malformed bloom filter")
		return bloomSkipped
	}
	if bf.BitCount() == 0 {
		return bloomSkipped
	}
	removed := a.filterRemovedDocuments(bf, f.TargetID)
	if f.Count != current-removed {
		return bloomFalsePositive
	}
	return bloomSuccess
}

// filterRemovedDocuments removes every cached member of the target the bloom filter says
// the server no longer has, returning how many were removed.
func (a *WatchChangeAggregator) filterRemovedDocuments(bf *BloomFilter, targetID int) int {
	removed := 0
	for key := range a.meta.GetRemoteKeysForTarget(targetID) {
		if !bf.MightContain(a.DocumentNamePrefix + key.String()) {
			a.removeDocumentFromTarget(targetID, key, nil)
			removed++
		}
	}
	return removed
}

func (a *WatchChangeAggregator) currentDocumentCount(targetID int) int {
	tc := a.ensureTargetState(targetID).toTargetChange()
	return a.meta.GetRemoteKeysForTarget(targetID).Len() + tc.AddedDocuments.Len() - tc.RemovedDocuments.Len()
}

// CreateRemoteEvent turns the accumulated changes into an event at snapshotVersion and
// clears them.
func (a *WatchChangeAggregator) CreateRemoteEvent(snapshotVersion model.Timestamp) model.RemoteEvent {
	event := model.NewRemoteEvent(snapshotVersion)

	for id, ts := range a.targetStates {
		td := a.targetDataForActiveTarget(id)
		if td == nil {
			continue
		}
		if ts.current && td.Target.IsDocumentTarget() {
			// A current document target that never received the document means it does not
			// exist.
			key, err := model.NewDocumentKey(td.Target.Path)
			if err == nil && a.pendingDocumentUpdates[key] == nil && !a.targetContainsDocument(id, key) {
				a.removeDocumentFromTarget(id, key, model.NewNoDocument(key, snapshotVersion))
			}
		}
		if ts.hasPendingChanges {
			event.TargetChanges[id] = ts.toTargetChange()
			ts.clearPendingChanges()
		}
	}

	// Documents that only changed in limbo targets resolve limbo without touching a query.
	for key, targets := range a.pendingDocumentTargets {
		onlyLimbo := true
		for id := range targets {
			td := a.targetDataForActiveTarget(id)
			if td != nil && td.Purpose != model.PurposeLimboResolution {
				onlyLimbo = false
				break
			}
		}
		if onlyLimbo {
			event.ResolvedLimboDocuments.Add(key)
		}
	}

	for key, doc := range a.pendingDocumentUpdates {
		event.DocumentUpdates[key] = doc.SetReadTime(snapshotVersion)
	}
	for id, purpose := range a.pendingTargetResets {
		event.TargetMismatches[id] = purpose
	}
	a.resetPending()
	return event
}

func (a *WatchChangeAggregator) addDocumentToTarget(targetID int, doc *model.MutableDocument) {
	if !a.isActiveTarget(targetID) {
		return
	}
	ct := changeAdded
	if a.targetContainsDocument(targetID, doc.Key()) {
		ct = changeModified
	}
	a.ensureTargetState(targetID).addDocumentChange(doc.Key(), ct)
	a.pendingDocumentUpdates[doc.Key()] = doc
	a.ensureDocumentTargets(doc.Key())[targetID] = struct{}{}
}

// removeDocumentFromTarget records that key left the target. updated, if non-nil, is the
// document's new state.
func (a *WatchChangeAggregator) removeDocumentFromTarget(targetID int, key model.DocumentKey, updated *model.MutableDocument) {
	if !a.isActiveTarget(targetID) {
		return
	}
	ts := a.ensureTargetState(targetID)
	if a.targetContainsDocument(targetID, key) {
		ts.addDocumentChange(key, changeRemoved)
	} else {
		// The document was added and removed within this snapshot.
		ts.removeDocumentChange(key)
	}
	a.ensureDocumentTargets(key)[targetID] = struct{}{}
	if updated != nil {
		a.pendingDocumentUpdates[key] = updated
	}
}

// RemoveTarget forgets a target's state.
func (a *WatchChangeAggregator) RemoveTarget(targetID int) {
	delete(a.targetStates, targetID)
}

// RecordPendingTargetRequest notes that a watch or unwatch was sent for the target.
// Changes are ignored until the server acknowledges it.
func (a *WatchChangeAggregator) RecordPendingTargetRequest(targetID int) {
	a.ensureTargetState(targetID).pendingResponses++
}

func (a *WatchChangeAggregator) resetTarget(targetID int) error {
	if ts := a.targetStates[targetID]; ts != nil && ts.isPending() {
		return status.Assertf("reset of target %d with pending responses", targetID)
	}
	a.targetStates[targetID] = newTargetState()
	for key := range a.meta.GetRemoteKeysForTarget(targetID) {
		a.removeDocumentFromTarget(targetID, key, nil)
	}
	return nil
}

func (a *WatchChangeAggregator) ensureTargetState(targetID int) *targetState {
	ts, ok := a.targetStates[targetID]
	if !ok {
		ts = newTargetState()
		a.targetStates[targetID] = ts
	}
	return ts
}

func (a *WatchChangeAggregator) ensureDocumentTargets(key model.DocumentKey) map[int]struct{} {
	targets, ok := a.pendingDocumentTargets[key]
	if !ok {
		targets = map[int]struct{}{}
		a.pendingDocumentTargets[key] = targets
	}
	return targets
}

func (a *WatchChangeAggregator) isActiveTarget(targetID int) bool {
	return a.targetDataForActiveTarget(targetID) != nil
}

// targetDataForActiveTarget returns nil for targets that are not listened to or are
// waiting on a request acknowledgement.
func (a *WatchChangeAggregator) targetDataForActiveTarget(targetID int) *model.TargetData {
	if ts := a.targetStates[targetID]; ts != nil && ts.isPending() {
		return nil
	}
	return a.meta.GetTargetDataForTarget(targetID)
}

func (a *WatchChangeAggregator) targetContainsDocument(targetID int, key model.DocumentKey) bool {
	return a.meta.GetRemoteKeysForTarget(targetID).Has(key)
}
