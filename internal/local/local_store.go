package local

import (
	"context"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/sirupsen/logrus"

	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/status"
	"github.com/steveyegge/docsync/internal/storage"
)

// resumeTokenMaxAge is how long a newer resume token may stay unpersisted.
const resumeTokenMaxAge = 5 * time.Minute

// Options configures a LocalStore.
type Options struct {
	Log *logrus.Entry

	IndexAutoCreation                  bool
	MinCollectionSizeToAutoCreateIndex int
	RelativeIndexReadCostPerDocument   float64
}

// LocalWriteResult is the outcome of a local write.
type LocalWriteResult struct {
	BatchID int
	Changes map[model.DocumentKey]*model.MutableDocument
}

// UserChangeResult lists what changed when the active user switched.
type UserChangeResult struct {
	AffectedDocuments map[model.DocumentKey]*model.MutableDocument
	RemovedBatchIDs   []int
	AddedBatchIDs     []int
}

// QueryResult is the local answer to a query.
type QueryResult struct {
	Documents  map[model.DocumentKey]*model.MutableDocument
	RemoteKeys model.DocumentKeySet
}

// LocalViewChanges are the documents a view started or stopped showing in one snapshot.
type LocalViewChanges struct {
	TargetID    int
	FromCache   bool
	AddedKeys   model.DocumentKeySet
	RemovedKeys model.DocumentKeySet
}

// LocalStore is the single entry point to the local caches. Every operation runs in one
// storage transaction.
type LocalStore struct {
	store *storage.Store
	log   *logrus.Entry
	opts  Options

	delegate      *LruDelegate
	targetCache   *TargetCache
	remoteDocs    *RemoteDocumentCache
	bundles       BundleCache
	localViewRefs *ReferenceSet

	mu            sync.Mutex
	user          model.User
	sequence      *ListenSequence
	indexManager  *IndexManager
	mutationQueue *MutationQueue
	overlays      *DocumentOverlayCache
	view          *LocalDocumentsView
	queryEngine   *QueryEngine

	// targetDataByTarget holds the targets currently being listened to.
	targetDataByTarget map[int]model.TargetData
	targetIDByCanonID  map[string]int
}

// NewLocalStore returns a store for user. Start must be called before use.
func NewLocalStore(store *storage.Store, user model.User, opts Options) *LocalStore {
	log := logging.OrDiscard(opts.Log)
	l := &LocalStore{
		store:              store,
		log:                log,
		opts:               opts,
		delegate:           NewLruDelegate(),
		localViewRefs:      NewReferenceSet(),
		sequence:           NewListenSequence(0),
		targetDataByTarget: map[int]model.TargetData{},
		targetIDByCanonID:  map[string]int{},
	}
	l.targetCache = NewTargetCache(l.delegate)
	l.initializeUserComponents(user)
	l.delegate.SetCaches(l.targetCache, l.remoteDocs)
	l.delegate.SetInMemoryPins(l.localViewRefs)
	return l
}

// initializeUserComponents builds the per-user caches. The remote document cache is shared
// by every user and only created on first use.
func (l *LocalStore) initializeUserComponents(user model.User) {
	l.user = user
	l.indexManager = NewIndexManager(user)
	if l.remoteDocs == nil {
		l.remoteDocs = NewRemoteDocumentCache(l.indexManager)
	}
	l.mutationQueue = NewMutationQueue(user, l.indexManager, l.delegate)
	l.overlays = NewDocumentOverlayCache(user)
	l.view = NewLocalDocumentsView(l.remoteDocs, l.mutationQueue, l.overlays, l.indexManager)
	l.queryEngine = NewQueryEngine(l.view, l.indexManager, l.log.WithField("subsystem", "query"))
	l.queryEngine.IndexAutoCreationEnabled = l.opts.IndexAutoCreation
	if l.opts.MinCollectionSizeToAutoCreateIndex > 0 {
		l.queryEngine.MinCollectionSizeToAutoCreateIndex = l.opts.MinCollectionSizeToAutoCreateIndex
	}
	if l.opts.RelativeIndexReadCostPerDocument > 0 {
		l.queryEngine.RelativeIndexReadCostPerDocument = l.opts.RelativeIndexReadCostPerDocument
	}
}

// runTransaction runs fn with a Txn. Writable transactions get a fresh listen sequence number.
func (l *LocalStore) runTransaction(ctx context.Context, label string, mode storage.Mode, fn func(*Txn) error) error {
	return l.store.RunTransaction(ctx, label, mode, func(tx *storage.Tx) error {
		txn := &Txn{Tx: tx}
		if mode.Writable() {
			txn.SequenceNumber = l.sequence.Next()
		}
		return fn(txn)
	})
}

// Start loads the listen sequence and the user's mutation queue.
func (l *LocalStore) Start(ctx context.Context) error {
	var highest int64
	err := l.runTransaction(ctx, "Read highest sequence number", storage.ReadOnly, func(txn *Txn) error {
		var err error
		highest, err = l.targetCache.GetHighestSequenceNumber(txn)
		return err
	})
	if err != nil {
		return err
	}
	l.sequence = NewListenSequence(highest)
	err = l.runTransaction(ctx, "Start LocalStore", storage.ReadWrite, func(txn *Txn) error {
		return l.mutationQueue.Start(txn)
	})
	if err != nil {
		return err
	}
	l.log.WithFields(logrus.Fields{"user": l.user, "sequence": highest}).Info("local store started")
	return nil
}

// User returns the active user.
func (l *LocalStore) User() model.User {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.user
}

// HandleUserChange switches to user's mutation queue and reports the documents whose local
// view changed because different batches now apply.
func (l *LocalStore) HandleUserChange(ctx context.Context, user model.User) (UserChangeResult, error) {
	var result UserChangeResult
	l.mu.Lock()
	oldQueue := l.mutationQueue
	l.mu.Unlock()

	next := &LocalStore{log: l.log, opts: l.opts, delegate: l.delegate, remoteDocs: l.remoteDocs}
	next.initializeUserComponents(user)

	err := l.runTransaction(ctx, "Handle user change", storage.ReadWrite, func(txn *Txn) error {
		oldBatches, err := oldQueue.GetAllMutationBatches(txn)
		if err != nil {
			return err
		}
		if err := next.mutationQueue.Start(txn); err != nil {
			return err
		}
		newBatches, err := next.mutationQueue.GetAllMutationBatches(txn)
		if err != nil {
			return err
		}
		changed := model.NewDocumentKeySet()
		result.RemovedBatchIDs, result.AddedBatchIDs = nil, nil
		for _, b := range oldBatches {
			result.RemovedBatchIDs = append(result.RemovedBatchIDs, b.BatchID)
			changed.AddAll(b.Keys())
		}
		for _, b := range newBatches {
			result.AddedBatchIDs = append(result.AddedBatchIDs, b.BatchID)
			changed.AddAll(b.Keys())
		}
		result.AffectedDocuments, err = next.view.GetDocuments(txn, changed)
		return err
	})
	if err != nil {
		return UserChangeResult{}, err
	}

	l.mu.Lock()
	l.user = next.user
	l.indexManager = next.indexManager
	l.mutationQueue = next.mutationQueue
	l.overlays = next.overlays
	l.view = next.view
	l.queryEngine = next.queryEngine
	l.mu.Unlock()
	l.log.WithField("user", user).Info("switched user")
	return result, nil
}

// components returns the per-user caches under the lock.
func (l *LocalStore) components() (*MutationQueue, *DocumentOverlayCache, *LocalDocumentsView, *IndexManager, *QueryEngine) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mutationQueue, l.overlays, l.view, l.indexManager, l.queryEngine
}

// LocalWrite queues mutations as a new batch and returns the resulting local views.
func (l *LocalStore) LocalWrite(ctx context.Context, mutations []model.Mutation) (LocalWriteResult, error) {
	if len(mutations) == 0 {
		return LocalWriteResult{}, status.Invalidf("a write batch needs at least one mutation")
	}
	queue, overlays, view, _, _ := l.components()
	keys := model.NewDocumentKeySet()
	for _, m := range mutations {
		keys.Add(m.Key)
	}
	localWriteTime := model.Now()

	var result LocalWriteResult
	err := l.runTransaction(ctx, "Locally write mutations", storage.ReadWrite, func(txn *Txn) error {
		remote, err := l.remoteDocs.GetEntries(txn, keys)
		if err != nil {
			return err
		}
		withoutRemoteVersion := model.NewDocumentKeySet()
		for key, doc := range remote {
			if !doc.IsValidDocument() {
				withoutRemoteVersion.Add(key)
			}
		}
		overlayed, err := view.GetOverlayedDocuments(txn, remote, model.NewDocumentKeySet())
		if err != nil {
			return err
		}

		// Transforms are reapplied on top of changing base documents, so their inputs are
		// captured as base mutations.
		var base []model.Mutation
		for _, m := range mutations {
			od := overlayed[m.Key]
			if od == nil {
				continue
			}
			if value, ok := m.ExtractTransformBaseValue(od.Document); ok {
				base = append(base, model.NewPatchMutation(m.Key, value, value.FieldMask(), model.PreconditionExists(true)))
			}
		}

		batch, err := queue.AddMutationBatch(txn, localWriteTime, base, mutations)
		if err != nil {
			return err
		}
		if err := overlays.SaveOverlays(txn, batch.BatchID, batch.ApplyToLocalDocumentSet(overlayed, withoutRemoteVersion)); err != nil {
			return err
		}
		result.BatchID = batch.BatchID
		result.Changes = make(map[model.DocumentKey]*model.MutableDocument, len(overlayed))
		for key, od := range overlayed {
			result.Changes[key] = od.Document
		}
		return nil
	})
	if err != nil {
		return LocalWriteResult{}, err
	}
	l.log.WithFields(logrus.Fields{"batch": result.BatchID, "mutations": len(mutations)}).Debug("queued local write")
	return result, nil
}

// AcknowledgeBatch applies an acknowledged batch to the remote documents and removes it
// from the queue. It returns the affected local views.
func (l *LocalStore) AcknowledgeBatch(ctx context.Context, result model.MutationBatchResult) (map[model.DocumentKey]*model.MutableDocument, error) {
	queue, overlays, view, _, _ := l.components()
	batch := result.Batch
	affected := batch.Keys()

	var docs map[model.DocumentKey]*model.MutableDocument
	err := l.runTransaction(ctx, "Acknowledge batch", storage.ReadWritePrimary, func(txn *Txn) error {
		buffer := l.remoteDocs.NewChangeBuffer()
		for _, key := range affected.Sorted() {
			doc, err := buffer.GetEntry(txn, key)
			if err != nil {
				return err
			}
			ackVersion, ok := result.DocVersions[key]
			if !ok {
				return status.Assertf("acknowledgement of batch %d is missing a version for %s", batch.BatchID, key)
			}
			if doc.Version().Before(ackVersion) {
				if err := batch.ApplyToRemoteDocument(doc, result); err != nil {
					return err
				}
				if doc.IsValidDocument() {
					doc.SetReadTime(result.CommitVersion)
					buffer.AddEntry(doc)
				}
			}
		}
		if err := queue.AcknowledgeBatch(txn, batch, result.StreamToken); err != nil {
			return err
		}
		if err := queue.RemoveMutationBatch(txn, batch); err != nil {
			return err
		}
		if err := buffer.Apply(txn); err != nil {
			return err
		}
		if err := overlays.RemoveOverlaysForBatchID(txn, affected, batch.BatchID); err != nil {
			return err
		}
		if err := view.RecalculateAndSaveOverlaysForDocumentKeys(txn, keysWithTransformResults(result)); err != nil {
			return err
		}
		var err error
		docs, err = view.GetDocuments(txn, affected)
		return err
	})
	return docs, err
}

func keysWithTransformResults(result model.MutationBatchResult) model.DocumentKeySet {
	keys := model.NewDocumentKeySet()
	for i, r := range result.MutationResults {
		if len(r.TransformResults) > 0 {
			keys.Add(result.Batch.Mutations[i].Key)
		}
	}
	return keys
}

// RejectBatch removes a batch the backend refused and returns the affected local views.
func (l *LocalStore) RejectBatch(ctx context.Context, batchID int) (map[model.DocumentKey]*model.MutableDocument, error) {
	queue, overlays, view, _, _ := l.components()
	var docs map[model.DocumentKey]*model.MutableDocument
	err := l.runTransaction(ctx, "Reject batch", storage.ReadWritePrimary, func(txn *Txn) error {
		batch, err := queue.LookupMutationBatch(txn, batchID)
		if err != nil {
			return err
		}
		if batch == nil {
			return status.Assertf("attempt to reject nonexistent batch %d", batchID)
		}
		affected := batch.Keys()
		if err := queue.RemoveMutationBatch(txn, batch); err != nil {
			return err
		}
		if err := overlays.RemoveOverlaysForBatchID(txn, affected, batchID); err != nil {
			return err
		}
		if err := view.RecalculateAndSaveOverlaysForDocumentKeys(txn, affected); err != nil {
			return err
		}
		docs, err = view.GetDocuments(txn, affected)
		return err
	})
	return docs, err
}

// GetHighestUnacknowledgedBatchID returns the newest queued batch id, or UnknownBatchID.
func (l *LocalStore) GetHighestUnacknowledgedBatchID(ctx context.Context) (int, error) {
	queue, _, _, _, _ := l.components()
	id := model.UnknownBatchID
	err := l.runTransaction(ctx, "Get highest unacknowledged batch id", storage.ReadOnly, func(txn *Txn) error {
		var err error
		id, err = queue.GetHighestUnacknowledgedBatchID(txn)
		return err
	})
	return id, err
}

// GetLastStreamToken returns the write stream token saved with the last acknowledgement.
func (l *LocalStore) GetLastStreamToken(ctx context.Context) ([]byte, error) {
	queue, _, _, _, _ := l.components()
	var token []byte
	err := l.runTransaction(ctx, "Get last stream token", storage.ReadOnly, func(txn *Txn) error {
		var err error
		token, err = queue.GetLastStreamToken(txn)
		return err
	})
	return token, err
}

// SetLastStreamToken saves the write stream token.
func (l *LocalStore) SetLastStreamToken(ctx context.Context, token []byte) error {
	queue, _, _, _, _ := l.components()
	return l.runTransaction(ctx, "Set last stream token", storage.ReadWritePrimary, func(txn *Txn) error {
		return queue.SetLastStreamToken(txn, token)
	})
}

// GetLastRemoteSnapshotVersion returns the version of the last applied remote event.
func (l *LocalStore) GetLastRemoteSnapshotVersion(ctx context.Context) (model.Timestamp, error) {
	var v model.Timestamp
	err := l.runTransaction(ctx, "Get last remote snapshot version", storage.ReadOnly, func(txn *Txn) error {
		var err error
		v, err = l.targetCache.GetLastRemoteSnapshotVersion(txn)
		return err
	})
	return v, err
}

// ApplyRemoteEvent applies a watch snapshot: target membership, resume tokens and document
// updates, all in one transaction. It returns the local views of the changed documents.
func (l *LocalStore) ApplyRemoteEvent(ctx context.Context, event model.RemoteEvent) (map[model.DocumentKey]*model.MutableDocument, error) {
	_, _, view, _, _ := l.components()
	remoteVersion := event.SnapshotVersion

	l.mu.Lock()
	current := make(map[int]model.TargetData, len(l.targetDataByTarget))
	for id, td := range l.targetDataByTarget {
		current[id] = td
	}
	l.mu.Unlock()

	var (
		docs    map[model.DocumentKey]*model.MutableDocument
		updated map[int]model.TargetData
	)
	err := l.runTransaction(ctx, "Apply remote event", storage.ReadWritePrimary, func(txn *Txn) error {
		updated = make(map[int]model.TargetData, len(current))
		for id, td := range current {
			updated[id] = td
		}
		buffer := l.remoteDocs.NewChangeBuffer()

		for targetID, change := range event.TargetChanges {
			old, ok := current[targetID]
			if !ok {
				continue
			}
			if err := l.targetCache.RemoveMatchingKeys(txn, change.RemovedDocuments, targetID); err != nil {
				return err
			}
			if err := l.targetCache.AddMatchingKeys(txn, change.AddedDocuments, targetID); err != nil {
				return err
			}
			next := old.WithSequenceNumber(txn.SequenceNumber)
			_, mismatched := event.TargetMismatches[targetID]
			if mismatched {
				next = next.WithResumeToken(nil, model.MinVersion).WithLastLimboFreeSnapshotVersion(model.MinVersion)
			} else if len(change.ResumeToken) > 0 {
				next = next.WithResumeToken(change.ResumeToken, remoteVersion)
			}
			updated[targetID] = next
			if mismatched || shouldPersistTargetData(old, next, change) {
				if err := l.targetCache.UpdateTargetData(txn, next); err != nil {
					return err
				}
			}
		}

		for key, doc := range event.DocumentUpdates {
			if doc.ReadTime().IsZero() {
				doc.SetReadTime(remoteVersion)
			}
			if event.ResolvedLimboDocuments.Has(key) {
				if err := l.delegate.UpdateLimboDocument(txn, key); err != nil {
					return err
				}
			}
		}
		changed, existenceChanged, err := l.populateDocumentChangeBuffer(txn, buffer, event.DocumentUpdates)
		if err != nil {
			return err
		}

		if !remoteVersion.IsZero() {
			last, err := l.targetCache.GetLastRemoteSnapshotVersion(txn)
			if err != nil {
				return err
			}
			if remoteVersion.Before(last) {
				return status.Assertf("watch stream reverted to previous snapshot %s (last %s)", remoteVersion, last)
			}
			if err := l.targetCache.SetTargetsMetadata(txn, txn.SequenceNumber, &remoteVersion); err != nil {
				return err
			}
		}
		if err := buffer.Apply(txn); err != nil {
			return err
		}
		docs, err = view.GetLocalViewOfDocuments(txn, changed, existenceChanged)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	for id, td := range updated {
		if _, ok := l.targetDataByTarget[id]; ok {
			l.targetDataByTarget[id] = td
		}
	}
	l.mu.Unlock()
	return docs, nil
}

// shouldPersistTargetData reports whether a target's new resume state is worth a write:
// the first token, a token older than resumeTokenMaxAge, a target turning current, or any
// membership change.
func shouldPersistTargetData(old, next model.TargetData, change model.TargetChange) bool {
	if len(next.ResumeToken) == 0 {
		return false
	}
	if len(old.ResumeToken) == 0 {
		return true
	}
	if next.SnapshotVersion.Micros()-old.SnapshotVersion.Micros() >= resumeTokenMaxAge.Microseconds() {
		return true
	}
	if change.Current {
		return true
	}
	return change.AddedDocuments.Len()+change.ModifiedDocuments.Len()+change.RemovedDocuments.Len() > 0
}

// populateDocumentChangeBuffer buffers the updates that are newer than the cached documents.
// It returns the buffered documents and the keys whose existence changed.
func (l *LocalStore) populateDocumentChangeBuffer(txn *Txn, buffer *RemoteDocumentChangeBuffer, updates map[model.DocumentKey]*model.MutableDocument) (map[model.DocumentKey]*model.MutableDocument, model.DocumentKeySet, error) {
	keys := model.NewDocumentKeySet()
	for key := range updates {
		keys.Add(key)
	}
	existing, err := buffer.GetEntries(txn, keys)
	if err != nil {
		return nil, nil, err
	}
	changed := map[model.DocumentKey]*model.MutableDocument{}
	existenceChanged := model.NewDocumentKeySet()
	for _, key := range keys.Sorted() {
		doc := updates[key]
		prev := existing[key]
		if doc.IsFoundDocument() != prev.IsFoundDocument() {
			existenceChanged.Add(key)
		}
		switch {
		case doc.IsNoDocument() && doc.Version().IsZero():
			// A delete with no version means the document is gone without a known
			// delete time, so nothing is cached for it.
			buffer.RemoveEntry(key)
			changed[key] = doc
		case !prev.IsValidDocument() || doc.Version().After(prev.Version()) ||
			(doc.Version().Compare(prev.Version()) == 0 && prev.HasPendingWrites()):
			if doc.ReadTime().IsZero() {
				return nil, nil, status.Assertf("cannot add document %s when the remote version is zero", key)
			}
			buffer.AddEntry(doc)
			changed[key] = doc
		default:
			l.log.WithFields(logrus.Fields{
				"key":      key,
				"cached":   prev.Version(),
				"incoming": doc.Version(),
			}).Debug("ignoring outdated watch update")
		}
	}
	return changed, existenceChanged, nil
}

// NotifyLocalViewChanges pins the documents views are showing so GC keeps them, and marks
// targets whose views are in sync as limbo-free.
func (l *LocalStore) NotifyLocalViewChanges(ctx context.Context, changes []LocalViewChanges) error {
	if len(changes) == 0 {
		return nil
	}
	err := l.runTransaction(ctx, "Notify local view changes", storage.ReadWrite, func(txn *Txn) error {
		for _, vc := range changes {
			for _, key := range vc.AddedKeys.Sorted() {
				if err := l.delegate.AddReference(txn, vc.TargetID, key); err != nil {
					return err
				}
			}
			for _, key := range vc.RemovedKeys.Sorted() {
				if err := l.delegate.RemoveReference(txn, vc.TargetID, key); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, vc := range changes {
		l.localViewRefs.AddReferences(vc.AddedKeys, vc.TargetID)
		l.localViewRefs.RemoveReferences(vc.RemovedKeys, vc.TargetID)
		if vc.FromCache {
			continue
		}
		if td, ok := l.targetDataByTarget[vc.TargetID]; ok {
			l.targetDataByTarget[vc.TargetID] = td.WithLastLimboFreeSnapshotVersion(td.SnapshotVersion)
		}
	}
	return nil
}

// NextMutationBatch returns the first queued batch after afterBatchID, or nil.
func (l *LocalStore) NextMutationBatch(ctx context.Context, afterBatchID int) (*model.MutationBatch, error) {
	queue, _, _, _, _ := l.components()
	var batch *model.MutationBatch
	err := l.runTransaction(ctx, "Get next mutation batch", storage.ReadOnly, func(txn *Txn) error {
		var err error
		batch, err = queue.GetNextMutationBatchAfterBatchID(txn, afterBatchID)
		return err
	})
	return batch, err
}

// ReadDocument returns the local view of key.
func (l *LocalStore) ReadDocument(ctx context.Context, key model.DocumentKey) (*model.MutableDocument, error) {
	_, _, view, _, _ := l.components()
	var doc *model.MutableDocument
	err := l.runTransaction(ctx, "Read document", storage.ReadOnly, func(txn *Txn) error {
		var err error
		doc, err = view.GetDocument(txn, key)
		return err
	})
	return doc, err
}

// ReadDocuments returns the local view of every key in one transaction.
func (l *LocalStore) ReadDocuments(ctx context.Context, keys model.DocumentKeySet) (map[model.DocumentKey]*model.MutableDocument, error) {
	_, _, view, _, _ := l.components()
	var docs map[model.DocumentKey]*model.MutableDocument
	err := l.runTransaction(ctx, "Read documents", storage.ReadOnly, func(txn *Txn) error {
		var err error
		docs, err = view.GetDocuments(txn, keys)
		return err
	})
	return docs, err
}

// allocateTarget returns the cached data of target or persists a new target for it.
func (l *LocalStore) allocateTarget(txn *Txn, target model.Target) (model.TargetData, error) {
	cached, err := l.targetCache.GetTargetData(txn, target)
	if err != nil {
		return model.TargetData{}, err
	}
	if cached != nil {
		return *cached, nil
	}
	id, err := l.targetCache.AllocateTargetID(txn)
	if err != nil {
		return model.TargetData{}, err
	}
	td := model.NewTargetData(target, id, model.PurposeListen, txn.SequenceNumber)
	return td, l.targetCache.AddTargetData(txn, td)
}

// AllocateTarget assigns a target id to target, reusing the persisted one if the target was
// listened to before, and starts tracking it as active.
func (l *LocalStore) AllocateTarget(ctx context.Context, target model.Target) (model.TargetData, error) {
	var td model.TargetData
	err := l.runTransaction(ctx, "Allocate target", storage.ReadWrite, func(txn *Txn) error {
		var err error
		td, err = l.allocateTarget(txn, target)
		return err
	})
	if err != nil {
		return model.TargetData{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cached, ok := l.targetDataByTarget[td.TargetID]; !ok || td.SnapshotVersion.After(cached.SnapshotVersion) {
		l.targetDataByTarget[td.TargetID] = td
		l.targetIDByCanonID[target.CanonicalID()] = td.TargetID
	}
	return l.targetDataByTarget[td.TargetID], nil
}

// GetLocalTargetData returns the data of target, active or persisted, or nil.
func (l *LocalStore) GetLocalTargetData(ctx context.Context, target model.Target) (*model.TargetData, error) {
	if td, ok := l.activeTargetData(target); ok {
		return &td, nil
	}
	var td *model.TargetData
	err := l.runTransaction(ctx, "Get target data", storage.ReadOnly, func(txn *Txn) error {
		var err error
		td, err = l.targetCache.GetTargetData(txn, target)
		return err
	})
	return td, err
}

func (l *LocalStore) activeTargetData(target model.Target) (model.TargetData, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.targetIDByCanonID[target.CanonicalID()]
	if !ok {
		return model.TargetData{}, false
	}
	td, ok := l.targetDataByTarget[id]
	return td, ok
}

// ReleaseTarget stops tracking a target. Unless keepPersistedTargetData is set, its last use
// is recorded so GC can eventually remove it.
func (l *LocalStore) ReleaseTarget(ctx context.Context, targetID int, keepPersistedTargetData bool) error {
	l.mu.Lock()
	td, ok := l.targetDataByTarget[targetID]
	var pinned []model.DocumentKey
	if ok {
		pinned = l.localViewRefs.RemoveReferencesForID(targetID)
	}
	l.mu.Unlock()
	if !ok {
		return status.Assertf("tried to release nonexistent target %d", targetID)
	}
	mode := storage.ReadWritePrimary
	if keepPersistedTargetData {
		mode = storage.ReadWrite
	}
	err := l.runTransaction(ctx, "Release target", mode, func(txn *Txn) error {
		for _, key := range pinned {
			if err := l.delegate.RemoveReference(txn, targetID, key); err != nil {
				return err
			}
		}
		if keepPersistedTargetData {
			return nil
		}
		return l.delegate.RemoveTarget(txn, td)
	})
	if err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.targetDataByTarget, targetID)
	delete(l.targetIDByCanonID, td.Target.CanonicalID())
	l.mu.Unlock()
	return nil
}

// ExecuteQuery runs query against the local caches. With usePreviousResults the target's
// last limbo-free results seed the answer.
func (l *LocalStore) ExecuteQuery(ctx context.Context, query model.Query, usePreviousResults bool) (QueryResult, error) {
	_, _, _, _, engine := l.components()
	target := query.ToTarget()
	mode := storage.ReadOnly
	if engine.IndexAutoCreationEnabled {
		mode = storage.ReadWrite
	}
	var result QueryResult
	err := l.runTransaction(ctx, "Execute query", mode, func(txn *Txn) error {
		td, ok := l.activeTargetData(target)
		if !ok {
			cached, err := l.targetCache.GetTargetData(txn, target)
			if err != nil {
				return err
			}
			if cached != nil {
				td, ok = *cached, true
			}
		}
		lastLimboFree := model.MinVersion
		remoteKeys := model.NewDocumentKeySet()
		if ok {
			lastLimboFree = td.LastLimboFreeSnapshotVersion
			keys, err := l.targetCache.GetMatchingKeysForTargetID(txn, td.TargetID)
			if err != nil {
				return err
			}
			remoteKeys = keys
		}
		var docs map[model.DocumentKey]*model.MutableDocument
		var err error
		if usePreviousResults {
			docs, err = engine.GetDocumentsMatchingQuery(txn, query, lastLimboFree, remoteKeys)
		} else {
			docs, err = engine.GetDocumentsMatchingQuery(txn, query, model.MinVersion, model.NewDocumentKeySet())
		}
		result = QueryResult{Documents: docs, RemoteKeys: remoteKeys}
		return err
	})
	return result, err
}

// GetRemoteDocumentKeys returns the keys the server reported for targetID.
func (l *LocalStore) GetRemoteDocumentKeys(ctx context.Context, targetID int) (model.DocumentKeySet, error) {
	var keys model.DocumentKeySet
	err := l.runTransaction(ctx, "Get remote document keys", storage.ReadOnly, func(txn *Txn) error {
		var err error
		keys, err = l.targetCache.GetMatchingKeysForTargetID(txn, targetID)
		return err
	})
	return keys, err
}

// ActiveTargetIDs returns the ids of the targets being listened to.
func (l *LocalStore) ActiveTargetIDs() *roaring.Bitmap {
	l.mu.Lock()
	defer l.mu.Unlock()
	active := roaring.New()
	for id := range l.targetDataByTarget {
		active.Add(uint32(id))
	}
	return active
}

// NewGarbageCollector returns a collector over this store's caches.
func (l *LocalStore) NewGarbageCollector(params LruParams) *LruGarbageCollector {
	return NewLruGarbageCollector(l.delegate, params, l.log.WithField("subsystem", "gc"))
}

// CollectGarbage runs gc, sparing the active targets.
func (l *LocalStore) CollectGarbage(ctx context.Context, gc *LruGarbageCollector) (LruResults, error) {
	active := l.ActiveTargetIDs()
	var results LruResults
	err := l.runTransaction(ctx, "Collect garbage", storage.ReadWritePrimary, func(txn *Txn) error {
		var err error
		results, err = gc.Collect(txn, active)
		return err
	})
	return results, err
}

// GetCacheSize returns the remote document cache size in bytes.
func (l *LocalStore) GetCacheSize(ctx context.Context) (int64, error) {
	var size int64
	err := l.runTransaction(ctx, "Get cache size", storage.ReadOnly, func(txn *Txn) error {
		var err error
		size, err = l.remoteDocs.GetSize(txn)
		return err
	})
	return size, err
}

// ConfigureFieldIndexes makes the persisted indexes match indexes, keeping the backfill
// state of indexes that did not change.
func (l *LocalStore) ConfigureFieldIndexes(ctx context.Context, indexes []model.FieldIndex) error {
	_, _, _, manager, _ := l.components()
	return l.runTransaction(ctx, "Configure indexes", storage.ReadWrite, func(txn *Txn) error {
		existing, err := manager.GetFieldIndexes(txn, "")
		if err != nil {
			return err
		}
		for _, fi := range indexes {
			if containsIndex(existing, fi) {
				continue
			}
			if _, err := manager.AddFieldIndex(txn, fi); err != nil {
				return err
			}
		}
		for _, fi := range existing {
			if containsIndex(indexes, fi) {
				continue
			}
			if err := manager.DeleteFieldIndex(txn, fi); err != nil {
				return err
			}
		}
		return nil
	})
}

func containsIndex(indexes []model.FieldIndex, fi model.FieldIndex) bool {
	for _, o := range indexes {
		if o.SemanticallyEqual(fi) {
			return true
		}
	}
	return false
}

// GetFieldIndexes returns every configured index.
func (l *LocalStore) GetFieldIndexes(ctx context.Context) ([]model.FieldIndex, error) {
	_, _, _, manager, _ := l.components()
	var out []model.FieldIndex
	err := l.runTransaction(ctx, "Get field indexes", storage.ReadOnly, func(txn *Txn) error {
		var err error
		out, err = manager.GetFieldIndexes(txn, "")
		return err
	})
	return out, err
}

// SetIndexAutoCreationEnabled turns automatic index creation on or off.
func (l *LocalStore) SetIndexAutoCreationEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opts.IndexAutoCreation = enabled
	l.queryEngine.IndexAutoCreationEnabled = enabled
}

// DeleteAllFieldIndexes removes every client-side index.
func (l *LocalStore) DeleteAllFieldIndexes(ctx context.Context) error {
	_, _, _, manager, _ := l.components()
	return l.runTransaction(ctx, "Delete all indexes", storage.ReadWrite, func(txn *Txn) error {
		return manager.DeleteAllFieldIndexes(txn)
	})
}

// HasNewerBundle reports whether a bundle with md's id and the same or a later create time
// was already loaded.
func (l *LocalStore) HasNewerBundle(ctx context.Context, md BundleMetadata) (bool, error) {
	var newer bool
	err := l.runTransaction(ctx, "Has newer bundle", storage.ReadOnly, func(txn *Txn) error {
		cached, err := l.bundles.GetBundleMetadata(txn, md.ID)
		newer = cached != nil && !cached.CreateTime.Before(md.CreateTime)
		return err
	})
	return newer, err
}

// SaveBundle records that a bundle was loaded.
func (l *LocalStore) SaveBundle(ctx context.Context, md BundleMetadata) error {
	return l.runTransaction(ctx, "Save bundle", storage.ReadWrite, func(txn *Txn) error {
		return l.bundles.SaveBundleMetadata(txn, md)
	})
}

// GetNamedQuery returns a saved named query, or nil.
func (l *LocalStore) GetNamedQuery(ctx context.Context, name string) (*NamedQuery, error) {
	var nq *NamedQuery
	err := l.runTransaction(ctx, "Get named query", storage.ReadOnly, func(txn *Txn) error {
		var err error
		nq, err = l.bundles.GetNamedQuery(txn, name)
		return err
	})
	return nq, err
}

// SaveNamedQuery saves nq and, when its read time is newer than the target's, makes keys the
// target's membership so later listens resume from the bundle.
func (l *LocalStore) SaveNamedQuery(ctx context.Context, nq NamedQuery, keys model.DocumentKeySet) error {
	var updated *model.TargetData
	err := l.runTransaction(ctx, "Save named query", storage.ReadWrite, func(txn *Txn) error {
		td, err := l.allocateTarget(txn, nq.Query.ToTarget())
		if err != nil {
			return err
		}
		if nq.ReadTime.After(td.SnapshotVersion) {
			next := td.WithResumeToken(nil, nq.ReadTime).WithSequenceNumber(txn.SequenceNumber)
			if err := l.targetCache.UpdateTargetData(txn, next); err != nil {
				return err
			}
			if err := l.targetCache.RemoveMatchingKeysForTargetID(txn, next.TargetID); err != nil {
				return err
			}
			if err := l.targetCache.AddMatchingKeys(txn, keys, next.TargetID); err != nil {
				return err
			}
			updated = &next
		}
		return l.bundles.SaveNamedQuery(txn, nq)
	})
	if err != nil || updated == nil {
		return err
	}
	l.mu.Lock()
	if _, ok := l.targetDataByTarget[updated.TargetID]; ok {
		l.targetDataByTarget[updated.TargetID] = *updated
	}
	l.mu.Unlock()
	return nil
}

// ApplyBundleDocuments stores bundled documents and keeps them alive through an umbrella
// target named after the bundle. It returns the changed local views.
func (l *LocalStore) ApplyBundleDocuments(ctx context.Context, bundleID string, docs []*model.MutableDocument) (map[model.DocumentKey]*model.MutableDocument, error) {
	_, _, view, _, _ := l.components()
	umbrella := model.NewQuery(model.NewResourcePath("__bundle__", "docs", bundleID)).ToTarget()
	updates := make(map[model.DocumentKey]*model.MutableDocument, len(docs))
	keys := model.NewDocumentKeySet()
	for _, doc := range docs {
		updates[doc.Key()] = doc
		keys.Add(doc.Key())
	}
	var out map[model.DocumentKey]*model.MutableDocument
	err := l.runTransaction(ctx, "Apply bundle documents", storage.ReadWrite, func(txn *Txn) error {
		td, err := l.allocateTarget(txn, umbrella)
		if err != nil {
			return err
		}
		buffer := l.remoteDocs.NewChangeBuffer()
		changed, existenceChanged, err := l.populateDocumentChangeBuffer(txn, buffer, updates)
		if err != nil {
			return err
		}
		if err := l.targetCache.RemoveMatchingKeysForTargetID(txn, td.TargetID); err != nil {
			return err
		}
		if err := l.targetCache.AddMatchingKeys(txn, keys, td.TargetID); err != nil {
			return err
		}
		if err := buffer.Apply(txn); err != nil {
			return err
		}
		out, err = view.GetLocalViewOfDocuments(txn, changed, existenceChanged)
		return err
	})
	return out, err
}
