// Package syncengine joins the local store and the remote store: it keeps a View per
// listened query, raises snapshots as local writes and backend events arrive, resolves limbo
// documents, and reports write outcomes to their callers.
//
// Every SyncEngine method must be called on the client's AsyncQueue.
package syncengine

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/status"
)

// DefaultMaxConcurrentLimboResolutions bounds the limbo targets listened to at once.
const DefaultMaxConcurrentLimboResolutions = 100

// RemoteStore is the part of the remote store the sync engine drives.
type RemoteStore interface {
	Listen(td model.TargetData) error
	Unlisten(targetID int) error
	FillWritePipeline() error
}

// Listener receives what the sync engine produces. It is called on the queue.
type Listener interface {
	OnWatchChange(snapshots []*ViewSnapshot)
	OnWatchError(query model.Query, err error)
	OnOnlineStateChange(state remote.OnlineState)
}

// Options configures a SyncEngine.
type Options struct {
	Log                           *logrus.Entry
	MaxConcurrentLimboResolutions int
}

// queryView is a listened query with the target it reads from.
type queryView struct {
	query    model.Query
	targetID int
	view     *View
}

// limboResolution tracks one limbo document being looked up with a document target.
type limboResolution struct {
	key model.DocumentKey
	// receivedDocument is set once the target reported the document, so the key stays in
	// the remote keys a later existence filter compares against.
	receivedDocument bool
}

var _ remote.RemoteSyncer = (*SyncEngine)(nil)

// SyncEngine implements remote.RemoteSyncer.
type SyncEngine struct {
	local    *local.LocalStore
	remote   RemoteStore
	listener Listener
	shared   SharedState
	log      *logrus.Entry

	currentUser model.User
	onlineState remote.OnlineState
	isPrimary   bool

	queryViewsByQuery map[string]*queryView
	queriesByTarget   map[int][]model.Query

	maxConcurrentLimboResolutions int
	// enqueuedLimboResolutions holds limbo keys waiting for a slot, oldest first.
	enqueuedLimboResolutions []model.DocumentKey
	activeLimboTargetsByKey  map[model.DocumentKey]int
	activeLimboResolutions   map[int]*limboResolution
	limboDocumentRefs        *local.ReferenceSet
	nextLimboTargetID        int

	mutationUserCallbacks  map[string]map[int]func(error)
	pendingWritesCallbacks map[int][]func(error)
}

// New returns a sync engine for user. SetRemoteStore and SetListener must be called before
// use.
func New(localStore *local.LocalStore, user model.User, opts Options) *SyncEngine {
	limboLimit := opts.MaxConcurrentLimboResolutions
	if limboLimit <= 0 {
		limboLimit = DefaultMaxConcurrentLimboResolutions
	}
	return &SyncEngine{
		local:                         localStore,
		log:                           logging.OrDiscard(opts.Log),
		shared:                        noopSharedState{},
		currentUser:                   user,
		isPrimary:                     true,
		queryViewsByQuery:             map[string]*queryView{},
		queriesByTarget:               map[int][]model.Query{},
		maxConcurrentLimboResolutions: limboLimit,
		activeLimboTargetsByKey:       map[model.DocumentKey]int{},
		activeLimboResolutions:        map[int]*limboResolution{},
		limboDocumentRefs:             local.NewReferenceSet(),
		nextLimboTargetID:             1,
		mutationUserCallbacks:         map[string]map[int]func(error){},
		pendingWritesCallbacks:        map[int][]func(error){},
	}
}

// SetRemoteStore attaches the remote store. The remote store needs the engine as its
// syncer, so the two are joined after construction.
func (s *SyncEngine) SetRemoteStore(rs RemoteStore) { s.remote = rs }

// SetListener attaches the receiver of snapshots and errors.
func (s *SyncEngine) SetListener(l Listener) { s.listener = l }

// Listen starts tracking query and returns its first snapshot. With shouldListenToRemote
// the query's target is also listened to on the backend.
func (s *SyncEngine) Listen(ctx context.Context, query model.Query, shouldListenToRemote bool) (*ViewSnapshot, error) {
	if qv, ok := s.queryViewsByQuery[query.CanonicalID()]; ok {
		return qv.view.ComputeInitialSnapshot(), nil
	}
	td, err := s.local.AllocateTarget(ctx, query.ToTarget())
	if err != nil {
		return nil, err
	}
	snap, err := s.initializeViewAndComputeSnapshot(ctx, query, td.TargetID, s.isTargetCurrent(td.TargetID), td.ResumeToken)
	if err != nil {
		return nil, err
	}
	if shouldListenToRemote {
		if err := s.remote.Listen(td); err != nil {
			return nil, err
		}
	}
	s.log.WithFields(logrus.Fields{"query": query.CanonicalID(), "target": td.TargetID}).Debug("listening")
	return snap, nil
}

// isTargetCurrent reports whether another query on the same target already has consistent
// results.
func (s *SyncEngine) isTargetCurrent(targetID int) bool {
	for _, q := range s.queriesByTarget[targetID] {
		if qv, ok := s.queryViewsByQuery[q.CanonicalID()]; ok && qv.view.IsCurrent() {
			return true
		}
	}
	return false
}

func (s *SyncEngine) initializeViewAndComputeSnapshot(ctx context.Context, query model.Query, targetID int,
	current bool, resumeToken []byte) (*ViewSnapshot, error) {
	res, err := s.local.ExecuteQuery(ctx, query, true)
	if err != nil {
		return nil, err
	}
	view := NewView(query, res.RemoteKeys)
	dc, err := view.ComputeDocChanges(res.Documents, nil)
	if err != nil {
		return nil, err
	}
	tc := model.SyntheticEventForCurrentChange(targetID, current && s.onlineState != remote.OnlineStateOffline, resumeToken).
		TargetChanges[targetID]
	vc, err := view.ApplyChanges(dc, s.isPrimary, &tc)
	if err != nil {
		return nil, err
	}
	if err := s.updateTrackedLimbos(targetID, vc.LimboChanges); err != nil {
		return nil, err
	}
	if vc.Snapshot == nil {
		return nil, status.Assertf("first view of %s raised no snapshot", query)
	}
	s.queryViewsByQuery[query.CanonicalID()] = &queryView{query: query, targetID: targetID, view: view}
	s.queriesByTarget[targetID] = append(s.queriesByTarget[targetID], query)
	return vc.Snapshot, nil
}

// Unlisten stops tracking query. The target is released once no query uses it, and with
// shouldUnlistenToRemote the backend stops sending it.
func (s *SyncEngine) Unlisten(ctx context.Context, query model.Query, shouldUnlistenToRemote bool) error {
	canonID := query.CanonicalID()
	qv, ok := s.queryViewsByQuery[canonID]
	if !ok {
		return status.Assertf("unlisten of unknown query %s", query)
	}
	queries := s.queriesByTarget[qv.targetID]
	if len(queries) > 1 {
		delete(s.queryViewsByQuery, canonID)
		kept := queries[:0]
		for _, q := range queries {
			if q.CanonicalID() != canonID {
				kept = append(kept, q)
			}
		}
		s.queriesByTarget[qv.targetID] = kept
		return nil
	}

	if err := s.local.ReleaseTarget(ctx, qv.targetID, false); err != nil {
		if !status.Is(err, status.ErrPrimaryLeaseLost) {
			return err
		}
		s.log.WithError(err).Debug("lease lost while releasing target")
	}
	if shouldUnlistenToRemote {
		if err := s.remote.Unlisten(qv.targetID); err != nil {
			return err
		}
	}
	return s.removeAndCleanupTarget(qv.targetID, nil)
}

// Write queues mutations locally and hands them to the remote store. callback is called
// once the backend accepts or rejects the batch.
func (s *SyncEngine) Write(ctx context.Context, mutations []model.Mutation, callback func(error)) error {
	res, err := s.local.LocalWrite(ctx, mutations)
	if err != nil {
		return err
	}
	s.addMutationCallback(res.BatchID, callback)
	s.shared.AddPendingMutation(s.currentUser, res.BatchID)
	if err := s.emitNewSnapsAndNotifyLocalStore(ctx, res.Changes, nil); err != nil {
		return err
	}
	return s.remote.FillWritePipeline()
}

func (s *SyncEngine) addMutationCallback(batchID int, callback func(error)) {
	if callback == nil {
		return
	}
	uid := s.currentUser.UID
	if s.mutationUserCallbacks[uid] == nil {
		s.mutationUserCallbacks[uid] = map[int]func(error){}
	}
	s.mutationUserCallbacks[uid][batchID] = callback
}

func (s *SyncEngine) processUserCallback(batchID int, err error) {
	callbacks := s.mutationUserCallbacks[s.currentUser.UID]
	if cb, ok := callbacks[batchID]; ok {
		delete(callbacks, batchID)
		cb(err)
	}
}

// ApplyRemoteEvent applies a watch snapshot and raises the resulting view snapshots.
func (s *SyncEngine) ApplyRemoteEvent(ctx context.Context, event model.RemoteEvent) error {
	for targetID, tc := range event.TargetChanges {
		res, ok := s.activeLimboResolutions[targetID]
		if !ok {
			continue
		}
		// A limbo target matches at most one document.
		if n := tc.AddedDocuments.Len() + tc.ModifiedDocuments.Len() + tc.RemovedDocuments.Len(); n > 1 {
			return status.Assertf("limbo target %d changed %d documents", targetID, n)
		}
		switch {
		case tc.AddedDocuments.Len() > 0:
			res.receivedDocument = true
		case tc.ModifiedDocuments.Len() > 0:
			if !res.receivedDocument {
				return status.Assertf("limbo target %d modified a document it never added", targetID)
			}
		case tc.RemovedDocuments.Len() > 0:
			if !res.receivedDocument {
				return status.Assertf("limbo target %d removed a document it never added", targetID)
			}
			res.receivedDocument = false
		}
	}

	changes, err := s.local.ApplyRemoteEvent(ctx, event)
	if err != nil {
		return s.ignoreIfPrimaryLeaseLoss(err)
	}
	if len(changes) > 0 {
		keys := model.NewDocumentKeySet()
		for k := range changes {
			keys.Add(k)
		}
		s.shared.NotifyDocumentsChanged(keys)
	}
	return s.emitNewSnapsAndNotifyLocalStore(ctx, changes, &event)
}

// ApplyOnlineStateChange lets views mark their results stale when the client goes offline.
func (s *SyncEngine) ApplyOnlineStateChange(state remote.OnlineState) error {
	if s.isPrimary {
		s.shared.SetOnlineState(state)
	}
	return s.applyOnlineState(state)
}

func (s *SyncEngine) applyOnlineState(state remote.OnlineState) error {
	s.onlineState = state
	var snaps []*ViewSnapshot
	for _, qv := range s.sortedQueryViews() {
		vc, err := qv.view.ApplyOnlineStateChange(state)
		if err != nil {
			return err
		}
		if len(vc.LimboChanges) > 0 {
			return status.Assertf("online state change produced limbo changes")
		}
		if vc.Snapshot != nil {
			snaps = append(snaps, vc.Snapshot)
		}
	}
	if s.listener != nil {
		s.listener.OnWatchChange(snaps)
		s.listener.OnOnlineStateChange(state)
	}
	return nil
}

// RejectListen handles a target the backend removed with an error.
func (s *SyncEngine) RejectListen(ctx context.Context, targetID int, cause error) error {
	if res, ok := s.activeLimboResolutions[targetID]; ok {
		// The document cannot be looked up; treat it as deleted so it leaves limbo.
		key := res.key
		delete(s.activeLimboResolutions, targetID)
		delete(s.activeLimboTargetsByKey, key)
		if err := s.pumpEnqueuedLimboResolutions(); err != nil {
			return err
		}
		ev := model.NewRemoteEvent(model.MinVersion)
		ev.DocumentUpdates[key] = model.NewNoDocument(key, model.MinVersion)
		ev.ResolvedLimboDocuments.Add(key)
		return s.ApplyRemoteEvent(ctx, ev)
	}

	if err := s.local.ReleaseTarget(ctx, targetID, false); err != nil {
		if !status.Is(err, status.ErrPrimaryLeaseLost) {
			return err
		}
		s.log.WithError(err).Debug("lease lost while releasing rejected target")
	}
	s.log.WithError(cause).WithField("target", targetID).Warn("listen rejected by backend")
	return s.removeAndCleanupTarget(targetID, cause)
}

// ApplySuccessfulWrite removes an acknowledged batch and notifies its caller.
func (s *SyncEngine) ApplySuccessfulWrite(ctx context.Context, result model.MutationBatchResult) error {
	batchID := result.Batch.BatchID
	changes, err := s.local.AcknowledgeBatch(ctx, result)
	if err != nil {
		return s.ignoreIfPrimaryLeaseLoss(err)
	}
	s.processUserCallback(batchID, nil)
	s.triggerPendingWritesCallbacks(batchID)
	s.shared.UpdateMutationState(s.currentUser, batchID, result.Batch.Keys(), nil)
	return s.emitNewSnapsAndNotifyLocalStore(ctx, changes, nil)
}

// RejectFailedWrite removes a batch the backend refused and reports cause to its caller.
func (s *SyncEngine) RejectFailedWrite(ctx context.Context, batchID int, cause error) error {
	changes, err := s.local.RejectBatch(ctx, batchID)
	if err != nil {
		return s.ignoreIfPrimaryLeaseLoss(err)
	}
	s.processUserCallback(batchID, cause)
	s.triggerPendingWritesCallbacks(batchID)
	keys := model.NewDocumentKeySet()
	for k := range changes {
		keys.Add(k)
	}
	s.shared.UpdateMutationState(s.currentUser, batchID, keys, cause)
	return s.emitNewSnapsAndNotifyLocalStore(ctx, changes, nil)
}

// RegisterPendingWritesCallback calls cb once every batch queued so far is acknowledged or
// rejected. cb gets an ErrCancelled error if the user changes first.
func (s *SyncEngine) RegisterPendingWritesCallback(ctx context.Context, cb func(error)) error {
	highest, err := s.local.GetHighestUnacknowledgedBatchID(ctx)
	if err != nil {
		return err
	}
	if highest == model.UnknownBatchID {
		cb(nil)
		return nil
	}
	s.pendingWritesCallbacks[highest] = append(s.pendingWritesCallbacks[highest], cb)
	return nil
}

// triggerPendingWritesCallbacks resolves the callbacks waiting on batchID or any earlier
// batch.
func (s *SyncEngine) triggerPendingWritesCallbacks(batchID int) {
	var ready []int
	for id := range s.pendingWritesCallbacks {
		if id <= batchID {
			ready = append(ready, id)
		}
	}
	sort.Ints(ready)
	for _, id := range ready {
		for _, cb := range s.pendingWritesCallbacks[id] {
			cb(nil)
		}
		delete(s.pendingWritesCallbacks, id)
	}
}

func (s *SyncEngine) rejectOutstandingPendingWritesCallbacks(reason string) {
	for id, cbs := range s.pendingWritesCallbacks {
		for _, cb := range cbs {
			cb(status.ErrCancelled.New(reason))
		}
		delete(s.pendingWritesCallbacks, id)
	}
}

// GetRemoteKeysForTarget returns the keys the backend last reported for targetID.
func (s *SyncEngine) GetRemoteKeysForTarget(targetID int) model.DocumentKeySet {
	if res, ok := s.activeLimboResolutions[targetID]; ok {
		if res.receivedDocument {
			return model.NewDocumentKeySet(res.key)
		}
		return model.NewDocumentKeySet()
	}
	keys := model.NewDocumentKeySet()
	for _, q := range s.queriesByTarget[targetID] {
		if qv, ok := s.queryViewsByQuery[q.CanonicalID()]; ok {
			keys.AddAll(qv.view.SyncedDocuments())
		}
	}
	return keys
}

// HandleCredentialChange switches the local store to user and raises snapshots for the
// documents whose local view changed.
func (s *SyncEngine) HandleCredentialChange(ctx context.Context, user model.User) error {
	if user.UID == s.currentUser.UID {
		return nil
	}
	s.log.WithFields(logrus.Fields{"from": s.currentUser.String(), "to": user.String()}).Info("user changed")
	s.rejectOutstandingPendingWritesCallbacks("pending writes wait was cancelled by a user change")
	res, err := s.local.HandleUserChange(ctx, user)
	if err != nil {
		return err
	}
	s.currentUser = user
	return s.emitNewSnapsAndNotifyLocalStore(ctx, res.AffectedDocuments, nil)
}

// SetPrimary switches limbo resolution on or off. Only the primary client resolves limbo
// documents; a secondary drops its resolutions.
func (s *SyncEngine) SetPrimary(isPrimary bool) error {
	if s.isPrimary == isPrimary {
		return nil
	}
	s.isPrimary = isPrimary
	if isPrimary {
		return nil
	}
	s.enqueuedLimboResolutions = nil
	for key, id := range s.activeLimboTargetsByKey {
		delete(s.activeLimboTargetsByKey, key)
		delete(s.activeLimboResolutions, id)
		if err := s.remote.Unlisten(id); err != nil {
			return err
		}
	}
	s.limboDocumentRefs.RemoveAllReferences()
	s.updateLimboMetrics()
	return nil
}

// ActiveLimboDocumentResolutions returns the limbo keys being resolved, by target id.
func (s *SyncEngine) ActiveLimboDocumentResolutions() map[model.DocumentKey]int {
	out := make(map[model.DocumentKey]int, len(s.activeLimboTargetsByKey))
	for k, id := range s.activeLimboTargetsByKey {
		out[k] = id
	}
	return out
}

// EnqueuedLimboDocumentResolutions returns the limbo keys waiting for a slot, oldest first.
func (s *SyncEngine) EnqueuedLimboDocumentResolutions() []model.DocumentKey {
	return append([]model.DocumentKey(nil), s.enqueuedLimboResolutions...)
}

func (s *SyncEngine) removeAndCleanupTarget(targetID int, cause error) error {
	for _, q := range s.queriesByTarget[targetID] {
		delete(s.queryViewsByQuery, q.CanonicalID())
		if cause != nil && s.listener != nil {
			s.listener.OnWatchError(q, cause)
		}
	}
	delete(s.queriesByTarget, targetID)

	limboKeys := s.limboDocumentRefs.RemoveReferencesForID(targetID)
	for _, key := range limboKeys {
		if !s.limboDocumentRefs.ContainsKey(key) {
			if err := s.removeLimboTarget(key); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *SyncEngine) sortedQueryViews() []*queryView {
	out := make([]*queryView, 0, len(s.queryViewsByQuery))
	for _, qv := range s.queryViewsByQuery {
		out = append(out, qv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].targetID != out[j].targetID {
			return out[i].targetID < out[j].targetID
		}
		return out[i].query.CanonicalID() < out[j].query.CanonicalID()
	})
	return out
}

// emitNewSnapsAndNotifyLocalStore runs changes through every view, raises the resulting
// snapshots and tells the local store which documents the views now show.
func (s *SyncEngine) emitNewSnapsAndNotifyLocalStore(ctx context.Context,
	changes map[model.DocumentKey]*model.MutableDocument, event *model.RemoteEvent) error {
	var (
		snaps       []*ViewSnapshot
		viewChanges []local.LocalViewChanges
	)
	for _, qv := range s.sortedQueryViews() {
		dc, err := qv.view.ComputeDocChanges(changes, nil)
		if err != nil {
			return err
		}
		if dc.NeedsRefill {
			res, err := s.local.ExecuteQuery(ctx, qv.query, false)
			if err != nil {
				return err
			}
			if dc, err = qv.view.ComputeDocChanges(res.Documents, &dc); err != nil {
				return err
			}
		}
		var tc *model.TargetChange
		if event != nil {
			if c, ok := event.TargetChanges[qv.targetID]; ok {
				tc = &c
			}
		}
		vc, err := qv.view.ApplyChanges(dc, s.isPrimary, tc)
		if err != nil {
			return err
		}
		if err := s.updateTrackedLimbos(qv.targetID, vc.LimboChanges); err != nil {
			return err
		}
		if vc.Snapshot == nil {
			continue
		}
		snaps = append(snaps, vc.Snapshot)
		viewChanges = append(viewChanges, localViewChangesOf(qv.targetID, vc.Snapshot))
	}

	if s.listener != nil {
		s.listener.OnWatchChange(snaps)
	}
	return s.local.NotifyLocalViewChanges(ctx, viewChanges)
}

func localViewChangesOf(targetID int, snap *ViewSnapshot) local.LocalViewChanges {
	vc := local.LocalViewChanges{
		TargetID:    targetID,
		FromCache:   snap.FromCache,
		AddedKeys:   model.NewDocumentKeySet(),
		RemovedKeys: model.NewDocumentKeySet(),
	}
	for _, c := range snap.DocumentChanges {
		switch c.Type {
		case ChangeAdded:
			vc.AddedKeys.Add(c.Doc.Key())
		case ChangeRemoved:
			vc.RemovedKeys.Add(c.Doc.Key())
		}
	}
	return vc
}

func (s *SyncEngine) updateTrackedLimbos(targetID int, changes []LimboDocumentChange) error {
	for _, c := range changes {
		switch c.Type {
		case LimboAdded:
			s.limboDocumentRefs.AddReference(c.Key, targetID)
			if err := s.trackLimboChange(c.Key); err != nil {
				return err
			}
		case LimboRemoved:
			s.log.WithField("key", c.Key.String()).Debug("document left limbo")
			s.limboDocumentRefs.RemoveReference(c.Key, targetID)
			if !s.limboDocumentRefs.ContainsKey(c.Key) {
				if err := s.removeLimboTarget(c.Key); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *SyncEngine) trackLimboChange(key model.DocumentKey) error {
	if _, ok := s.activeLimboTargetsByKey[key]; ok {
		return nil
	}
	for _, k := range s.enqueuedLimboResolutions {
		if k == key {
			return nil
		}
	}
	s.log.WithField("key", key.String()).Debug("document entered limbo")
	s.enqueuedLimboResolutions = append(s.enqueuedLimboResolutions, key)
	return s.pumpEnqueuedLimboResolutions()
}

// pumpEnqueuedLimboResolutions starts resolutions in FIFO order while slots are free. Limbo
// targets take odd ids so they never collide with the local store's even query targets.
func (s *SyncEngine) pumpEnqueuedLimboResolutions() error {
	for len(s.enqueuedLimboResolutions) > 0 && len(s.activeLimboTargetsByKey) < s.maxConcurrentLimboResolutions {
		key := s.enqueuedLimboResolutions[0]
		s.enqueuedLimboResolutions = s.enqueuedLimboResolutions[1:]
		id := s.nextLimboTargetID
		s.nextLimboTargetID += 2
		s.activeLimboResolutions[id] = &limboResolution{key: key}
		s.activeLimboTargetsByKey[key] = id
		td := model.NewTargetData(model.NewDocumentTarget(key), id, model.PurposeLimboResolution, 0)
		if err := s.remote.Listen(td); err != nil {
			return err
		}
	}
	s.updateLimboMetrics()
	return nil
}

func (s *SyncEngine) removeLimboTarget(key model.DocumentKey) error {
	for i, k := range s.enqueuedLimboResolutions {
		if k == key {
			s.enqueuedLimboResolutions = append(s.enqueuedLimboResolutions[:i], s.enqueuedLimboResolutions[i+1:]...)
			break
		}
	}
	id, ok := s.activeLimboTargetsByKey[key]
	if !ok {
		s.updateLimboMetrics()
		return nil
	}
	delete(s.activeLimboTargetsByKey, key)
	delete(s.activeLimboResolutions, id)
	if err := s.remote.Unlisten(id); err != nil {
		return err
	}
	return s.pumpEnqueuedLimboResolutions()
}

func (s *SyncEngine) updateLimboMetrics() {
	activeLimboResolutions.Set(float64(len(s.activeLimboTargetsByKey)))
	enqueuedLimboResolutions.Set(float64(len(s.enqueuedLimboResolutions)))
}

// ignoreIfPrimaryLeaseLoss drops lease-loss errors: another client owns the persistence
// layer and will apply the change.
func (s *SyncEngine) ignoreIfPrimaryLeaseLoss(err error) error {
	if status.Is(err, status.ErrPrimaryLeaseLost) {
		s.log.WithError(err).Debug("unexpectedly lost primary lease")
		return nil
	}
	return err
}
