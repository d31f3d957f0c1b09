package syncengine

import (
	"sort"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/status"
)

// ChangeType classifies one document's change between two snapshots.
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeRemoved
	ChangeModified
	// ChangeMetadata means only the pending-write state changed.
	ChangeMetadata
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	case ChangeModified:
		return "modified"
	}
	return "metadata"
}

// order sorts removals first so a listener never sees more documents than the limit.
func (t ChangeType) order() int {
	switch t {
	case ChangeRemoved:
		return 0
	case ChangeAdded:
		return 1
	case ChangeModified, ChangeMetadata:
		return 2
	}
	return 3
}

// DocumentViewChange is one document's change in a snapshot.
type DocumentViewChange struct {
	Type ChangeType
	Doc  *model.MutableDocument
}

// changeSet collapses successive changes to the same document into one.
type changeSet struct {
	changes map[model.DocumentKey]DocumentViewChange
}

func newChangeSet() *changeSet {
	return &changeSet{changes: map[model.DocumentKey]DocumentViewChange{}}
}

func (s *changeSet) track(c DocumentViewChange) error {
	key := c.Doc.Key()
	old, ok := s.changes[key]
	if !ok {
		s.changes[key] = c
		return nil
	}
	switch {
	case c.Type != ChangeAdded && old.Type == ChangeMetadata:
		s.changes[key] = c
	case c.Type == ChangeMetadata && old.Type != ChangeRemoved:
		s.changes[key] = DocumentViewChange{Type: old.Type, Doc: c.Doc}
	case c.Type == ChangeModified && old.Type == ChangeModified:
		s.changes[key] = c
	case c.Type == ChangeModified && old.Type == ChangeAdded:
		s.changes[key] = DocumentViewChange{Type: ChangeAdded, Doc: c.Doc}
	case c.Type == ChangeRemoved && old.Type == ChangeAdded:
		delete(s.changes, key)
	case c.Type == ChangeRemoved && old.Type == ChangeModified:
		s.changes[key] = DocumentViewChange{Type: ChangeRemoved, Doc: old.Doc}
	case c.Type == ChangeAdded && old.Type == ChangeRemoved:
		s.changes[key] = DocumentViewChange{Type: ChangeModified, Doc: c.Doc}
	default:
		return status.Assertf("unsupported change %s after %s for %s", c.Type, old.Type, key)
	}
	return nil
}

func (s *changeSet) list() []DocumentViewChange {
	out := make([]DocumentViewChange, 0, len(s.changes))
	for _, c := range s.changes {
		out = append(out, c)
	}
	return out
}

// SyncState says whether a view's results are known to match the backend.
type SyncState int

const (
	syncStateNone SyncState = iota
	SyncStateLocal
	SyncStateSynced
)

// ViewSnapshot is what a query listener sees: the ordered results and how they changed.
type ViewSnapshot struct {
	Query           model.Query
	Docs            *model.DocumentSet
	OldDocs         *model.DocumentSet
	DocumentChanges []DocumentViewChange
	MutatedKeys     model.DocumentKeySet
	// FromCache is set until the results are consistent with the backend.
	FromCache        bool
	SyncStateChanged bool
	// ExcludesMetadataChanges is set on snapshots filtered for listeners that did not ask
	// for metadata-only changes.
	ExcludesMetadataChanges bool
}

// HasPendingWrites reports whether any result has unacknowledged local changes.
func (s *ViewSnapshot) HasPendingWrites() bool { return s.MutatedKeys.Len() > 0 }

// snapshotFromInitialDocuments returns a snapshot in which every document is added.
func snapshotFromInitialDocuments(query model.Query, docs *model.DocumentSet, mutated model.DocumentKeySet,
	fromCache, excludesMetadataChanges bool) *ViewSnapshot {
	changes := make([]DocumentViewChange, 0, docs.Len())
	for _, d := range docs.Docs() {
		changes = append(changes, DocumentViewChange{Type: ChangeAdded, Doc: d})
	}
	return &ViewSnapshot{
		Query:                   query,
		Docs:                    docs,
		OldDocs:                 model.NewDocumentSet(query.Comparator()),
		DocumentChanges:         changes,
		MutatedKeys:             mutated,
		FromCache:               fromCache,
		SyncStateChanged:        true,
		ExcludesMetadataChanges: excludesMetadataChanges,
	}
}

// LimboChangeType is whether a document entered or left limbo.
type LimboChangeType int

const (
	LimboAdded LimboChangeType = iota
	LimboRemoved
)

// LimboDocumentChange reports a document entering or leaving limbo.
type LimboDocumentChange struct {
	Type LimboChangeType
	Key  model.DocumentKey
}

// ViewDocumentChanges is the result of ComputeDocChanges, to be passed to ApplyChanges.
type ViewDocumentChanges struct {
	documentSet *model.DocumentSet
	changes     *changeSet
	mutatedKeys model.DocumentKeySet
	// NeedsRefill is set when a limit query lost a document from its window and must be
	// recomputed from the full local result.
	NeedsRefill bool
}

// ViewChange is the outcome of ApplyChanges. Snapshot is nil when nothing visible changed.
type ViewChange struct {
	Snapshot     *ViewSnapshot
	LimboChanges []LimboDocumentChange
}

// View keeps a query's current results and turns document changes into snapshots.
type View struct {
	query     model.Query
	syncState SyncState
	// current is set once the backend has reported the target consistent.
	current         bool
	documentSet     *model.DocumentSet
	syncedDocuments model.DocumentKeySet
	limboDocuments  model.DocumentKeySet
	mutatedKeys     model.DocumentKeySet
}

// NewView returns an empty view. syncedDocuments are the keys the backend last reported for
// the query's target.
func NewView(query model.Query, syncedDocuments model.DocumentKeySet) *View {
	if syncedDocuments == nil {
		syncedDocuments = model.NewDocumentKeySet()
	}
	return &View{
		query:           query,
		documentSet:     model.NewDocumentSet(query.Comparator()),
		syncedDocuments: syncedDocuments.Clone(),
		limboDocuments:  model.NewDocumentKeySet(),
		mutatedKeys:     model.NewDocumentKeySet(),
	}
}

// SyncedDocuments returns the keys the backend says belong to the query.
func (v *View) SyncedDocuments() model.DocumentKeySet { return v.syncedDocuments }

// IsCurrent reports whether the backend has reported the target consistent.
func (v *View) IsCurrent() bool { return v.current }

// ComputeDocChanges works out how docs change the view. previous is the result of an
// earlier call when refilling a limit query.
func (v *View) ComputeDocChanges(docs map[model.DocumentKey]*model.MutableDocument, previous *ViewDocumentChanges) (ViewDocumentChanges, error) {
	changes := newChangeSet()
	oldDocs := v.documentSet
	mutated := v.mutatedKeys
	if previous != nil {
		changes = previous.changes
		oldDocs = previous.documentSet
		mutated = previous.mutatedKeys
	}
	newDocs := oldDocs.Clone()
	mutated = mutated.Clone()

	// A document moving past the edge of a full limit window may have to be replaced by
	// one the view has never seen.
	var lastInLimit, firstInLimit *model.MutableDocument
	if v.query.HasLimit() && oldDocs.Len() == v.query.Limit {
		if v.query.LimitType == model.LimitToFirst {
			lastInLimit = oldDocs.Last()
		} else {
			firstInLimit = oldDocs.First()
		}
	}
	needsRefill := false

	keys := make(model.DocumentKeySet, len(docs))
	for k := range docs {
		keys.Add(k)
	}
	for _, key := range keys.Sorted() {
		doc := docs[key]
		oldDoc, _ := oldDocs.Get(key)
		var newDoc *model.MutableDocument
		if v.query.Matches(doc) {
			newDoc = doc
		}
		oldHadPending := oldDoc != nil && mutated.Has(key)
		newHasPending := newDoc != nil &&
			(newDoc.HasLocalMutations() || (mutated.Has(key) && newDoc.HasCommittedMutations()))

		applied := false
		var err error
		switch {
		case oldDoc != nil && newDoc != nil:
			if !oldDoc.Data().Equal(newDoc.Data()) {
				if !shouldWaitForSyncedDocument(oldDoc, newDoc) {
					err = changes.track(DocumentViewChange{Type: ChangeModified, Doc: newDoc})
					applied = true
					if (lastInLimit != nil && newDocs.Compare(newDoc, lastInLimit) > 0) ||
						(firstInLimit != nil && newDocs.Compare(newDoc, firstInLimit) < 0) {
						needsRefill = true
					}
				}
			} else if oldHadPending != newHasPending {
				err = changes.track(DocumentViewChange{Type: ChangeMetadata, Doc: newDoc})
				applied = true
			}
		case oldDoc == nil && newDoc != nil:
			err = changes.track(DocumentViewChange{Type: ChangeAdded, Doc: newDoc})
			applied = true
		case oldDoc != nil && newDoc == nil:
			err = changes.track(DocumentViewChange{Type: ChangeRemoved, Doc: oldDoc})
			applied = true
			if lastInLimit != nil || firstInLimit != nil {
				needsRefill = true
			}
		}
		if err != nil {
			return ViewDocumentChanges{}, err
		}

		if !applied {
			continue
		}
		if newDoc != nil {
			newDocs.Add(newDoc)
			if newHasPending {
				mutated.Add(key)
			} else {
				mutated.Remove(key)
			}
		} else {
			newDocs.Delete(key)
			mutated.Remove(key)
		}
	}

	if v.query.HasLimit() {
		for newDocs.Len() > v.query.Limit {
			var drop *model.MutableDocument
			if v.query.LimitType == model.LimitToFirst {
				drop = newDocs.Last()
			} else {
				drop = newDocs.First()
			}
			newDocs.Delete(drop.Key())
			mutated.Remove(drop.Key())
			if err := changes.track(DocumentViewChange{Type: ChangeRemoved, Doc: drop}); err != nil {
				return ViewDocumentChanges{}, err
			}
		}
	}

	if needsRefill && previous != nil {
		return ViewDocumentChanges{}, status.Assertf("view for %s needs a refill after refilling", v.query)
	}
	return ViewDocumentChanges{
		documentSet: newDocs,
		changes:     changes,
		mutatedKeys: mutated,
		NeedsRefill: needsRefill,
	}, nil
}

// shouldWaitForSyncedDocument holds back a locally mutated document until the
// acknowledged version arrives from the listen stream, so the listener does not flicker
// between the committed and the final version.
func shouldWaitForSyncedDocument(oldDoc, newDoc *model.MutableDocument) bool {
	return oldDoc.HasLocalMutations() && newDoc.HasCommittedMutations() && !newDoc.HasLocalMutations()
}

// ApplyChanges commits computed changes to the view. targetChange is the backend's change
// to the query's target, if any. Limbo documents are only tracked when
// limboResolutionEnabled is set.
func (v *View) ApplyChanges(dc ViewDocumentChanges, limboResolutionEnabled bool, targetChange *model.TargetChange) (ViewChange, error) {
	if dc.NeedsRefill {
		return ViewChange{}, status.Assertf("cannot apply changes that need a refill")
	}
	oldDocs := v.documentSet
	v.documentSet = dc.documentSet
	v.mutatedKeys = dc.mutatedKeys

	changes := dc.changes.list()
	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		if a.Type.order() != b.Type.order() {
			return a.Type.order() < b.Type.order()
		}
		return v.documentSet.Compare(a.Doc, b.Doc) < 0
	})

	v.applyTargetChange(targetChange)
	var limboChanges []LimboDocumentChange
	if limboResolutionEnabled {
		limboChanges = v.updateLimboDocuments()
	}
	synced := v.limboDocuments.Len() == 0 && v.current
	newState := SyncStateLocal
	if synced {
		newState = SyncStateSynced
	}
	stateChanged := newState != v.syncState
	v.syncState = newState

	if len(changes) == 0 && !stateChanged {
		return ViewChange{LimboChanges: limboChanges}, nil
	}
	return ViewChange{
		Snapshot: &ViewSnapshot{
			Query:            v.query,
			Docs:             v.documentSet,
			OldDocs:          oldDocs,
			DocumentChanges:  changes,
			MutatedKeys:      v.mutatedKeys,
			FromCache:        newState == SyncStateLocal,
			SyncStateChanged: stateChanged,
		},
		LimboChanges: limboChanges,
	}, nil
}

// ApplyOnlineStateChange marks the view out of date when the client goes offline, so its
// listeners learn the results come from the cache.
func (v *View) ApplyOnlineStateChange(state remote.OnlineState) (ViewChange, error) {
	if !v.current || state != remote.OnlineStateOffline {
		return ViewChange{}, nil
	}
	v.current = false
	return v.ApplyChanges(ViewDocumentChanges{
		documentSet: v.documentSet,
		changes:     newChangeSet(),
		mutatedKeys: v.mutatedKeys,
	}, false, nil)
}

// ComputeInitialSnapshot returns a snapshot of the current results as if they were all new.
func (v *View) ComputeInitialSnapshot() *ViewSnapshot {
	return snapshotFromInitialDocuments(v.query, v.documentSet, v.mutatedKeys, v.syncState == SyncStateLocal, false)
}

func (v *View) applyTargetChange(tc *model.TargetChange) {
	if tc == nil {
		return
	}
	for k := range tc.AddedDocuments {
		v.syncedDocuments.Add(k)
	}
	for k := range tc.RemovedDocuments {
		v.syncedDocuments.Remove(k)
	}
	v.current = tc.Current
}

// updateLimboDocuments recomputes which results the backend has not confirmed. Documents
// only count once the target is current; before that the membership is incomplete.
func (v *View) updateLimboDocuments() []LimboDocumentChange {
	if !v.current {
		return nil
	}
	old := v.limboDocuments
	v.limboDocuments = model.NewDocumentKeySet()
	for _, d := range v.documentSet.Docs() {
		if v.shouldBeInLimbo(d) {
			v.limboDocuments.Add(d.Key())
		}
	}

	var changes []LimboDocumentChange
	for _, k := range old.Sorted() {
		if !v.limboDocuments.Has(k) {
			changes = append(changes, LimboDocumentChange{Type: LimboRemoved, Key: k})
		}
	}
	for _, k := range v.limboDocuments.Sorted() {
		if !old.Has(k) {
			changes = append(changes, LimboDocumentChange{Type: LimboAdded, Key: k})
		}
	}
	return changes
}

func (v *View) shouldBeInLimbo(doc *model.MutableDocument) bool {
	if v.syncedDocuments.Has(doc.Key()) {
		return false
	}
	// Locally written documents are expected to be missing from the backend until the
	// write is acknowledged.
	return !doc.HasLocalMutations()
}
