package local

import (
	"sort"

	"github.com/steveyegge/docsync/internal/model"
)

// LocalDocumentsView reads documents as the user sees them: the remote document with its
// overlay applied.
type LocalDocumentsView struct {
	remoteDocs   *RemoteDocumentCache
	mutations    *MutationQueue
	overlays     *DocumentOverlayCache
	indexManager *IndexManager
}

// NewLocalDocumentsView returns a view over the given caches.
func NewLocalDocumentsView(remoteDocs *RemoteDocumentCache, mutations *MutationQueue, overlays *DocumentOverlayCache, indexManager *IndexManager) *LocalDocumentsView {
	return &LocalDocumentsView{remoteDocs: remoteDocs, mutations: mutations, overlays: overlays, indexManager: indexManager}
}

// GetDocument returns the local view of key. Missing documents are invalid.
func (v *LocalDocumentsView) GetDocument(txn *Txn, key model.DocumentKey) (*model.MutableDocument, error) {
	overlay, err := v.overlays.GetOverlay(txn, key)
	if err != nil {
		return nil, err
	}
	var doc *model.MutableDocument
	if overlay == nil || overlay.Mutation.Type == model.PatchMutation {
		if doc, err = v.remoteDocs.GetEntry(txn, key); err != nil {
			return nil, err
		}
	} else {
		doc = model.NewInvalidDocument(key)
	}
	if overlay != nil {
		overlay.Mutation.ApplyToLocalView(doc, model.NewFieldMask(), model.Now())
	}
	return doc, nil
}

// GetDocuments returns the local views of keys.
func (v *LocalDocumentsView) GetDocuments(txn *Txn, keys model.DocumentKeySet) (map[model.DocumentKey]*model.MutableDocument, error) {
	docs, err := v.remoteDocs.GetEntries(txn, keys)
	if err != nil {
		return nil, err
	}
	return v.GetLocalViewOfDocuments(txn, docs, model.NewDocumentKeySet())
}

// GetLocalViewOfDocuments applies overlays to docs. Overlays of keys in existenceChanged are
// recalculated first, since a patch overlay depends on whether the base document exists.
func (v *LocalDocumentsView) GetLocalViewOfDocuments(txn *Txn, docs map[model.DocumentKey]*model.MutableDocument, existenceChanged model.DocumentKeySet) (map[model.DocumentKey]*model.MutableDocument, error) {
	overlayed, err := v.GetOverlayedDocuments(txn, docs, existenceChanged)
	if err != nil {
		return nil, err
	}
	out := make(map[model.DocumentKey]*model.MutableDocument, len(overlayed))
	for key, od := range overlayed {
		out[key] = od.Document
	}
	return out, nil
}

// GetOverlayedDocuments is GetLocalViewOfDocuments that also reports the fields each overlay
// changed.
func (v *LocalDocumentsView) GetOverlayedDocuments(txn *Txn, docs map[model.DocumentKey]*model.MutableDocument, existenceChanged model.DocumentKeySet) (map[model.DocumentKey]*model.OverlayedDocument, error) {
	keys := model.NewDocumentKeySet()
	for key := range docs {
		keys.Add(key)
	}
	overlays, err := v.overlays.GetOverlays(txn, keys)
	if err != nil {
		return nil, err
	}
	return v.computeViews(txn, docs, overlays, existenceChanged)
}

func (v *LocalDocumentsView) computeViews(txn *Txn, docs map[model.DocumentKey]*model.MutableDocument, overlays map[model.DocumentKey]*model.Overlay, existenceChanged model.DocumentKeySet) (map[model.DocumentKey]*model.OverlayedDocument, error) {
	recalculate := make(map[model.DocumentKey]*model.MutableDocument)
	masks := make(map[model.DocumentKey]*model.FieldMask)
	for key, doc := range docs {
		overlay := overlays[key]
		switch {
		case existenceChanged.Has(key) && (overlay == nil || overlay.Mutation.Type == model.PatchMutation):
			recalculate[key] = doc
		case overlay != nil:
			masks[key] = overlay.Mutation.ApplyToLocalView(doc, model.NewFieldMask(), model.Now())
		default:
			masks[key] = model.NewFieldMask()
		}
	}
	recalculated, err := v.recalculateAndSaveOverlays(txn, recalculate)
	if err != nil {
		return nil, err
	}
	for key, mask := range recalculated {
		masks[key] = mask
	}
	out := make(map[model.DocumentKey]*model.OverlayedDocument, len(docs))
	for key, doc := range docs {
		out[key] = &model.OverlayedDocument{Document: doc, MutatedFields: masks[key]}
	}
	return out, nil
}

// recalculateAndSaveOverlays rebuilds the overlays of docs from the queued batches, applying
// them to docs in place, and returns the mask of fields each key's batches changed.
func (v *LocalDocumentsView) recalculateAndSaveOverlays(txn *Txn, docs map[model.DocumentKey]*model.MutableDocument) (map[model.DocumentKey]*model.FieldMask, error) {
	masks := make(map[model.DocumentKey]*model.FieldMask)
	if len(docs) == 0 {
		return masks, nil
	}
	keys := model.NewDocumentKeySet()
	for key := range docs {
		keys.Add(key)
	}
	batches, err := v.mutations.GetAllMutationBatchesAffectingDocumentKeys(txn, keys)
	if err != nil {
		return nil, err
	}
	keysByBatch := map[int][]model.DocumentKey{}
	for _, batch := range batches {
		for _, key := range batch.Keys().Sorted() {
			doc, ok := docs[key]
			if !ok {
				continue
			}
			mask, seen := masks[key]
			if !seen {
				mask = model.NewFieldMask()
			}
			masks[key] = batch.ApplyToLocalView(doc, mask)
			keysByBatch[batch.BatchID] = append(keysByBatch[batch.BatchID], key)
		}
	}

	ids := make([]int, 0, len(keysByBatch))
	for id := range keysByBatch {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ids)))
	processed := model.NewDocumentKeySet()
	for _, id := range ids {
		overlays := map[model.DocumentKey]*model.Mutation{}
		for _, key := range keysByBatch[id] {
			if processed.Has(key) {
				continue
			}
			processed.Add(key)
			if m := model.CalculateOverlayMutation(docs[key], masks[key]); m != nil {
				overlays[key] = m
			}
		}
		if err := v.overlays.SaveOverlays(txn, id, overlays); err != nil {
			return nil, err
		}
	}
	return masks, nil
}

// RecalculateAndSaveOverlaysForDocumentKeys rebuilds the overlays of keys from the remote
// documents and the queued batches.
func (v *LocalDocumentsView) RecalculateAndSaveOverlaysForDocumentKeys(txn *Txn, keys model.DocumentKeySet) error {
	docs, err := v.remoteDocs.GetEntries(txn, keys)
	if err != nil {
		return err
	}
	_, err = v.recalculateAndSaveOverlays(txn, docs)
	return err
}

// GetDocumentsMatchingQuery returns the local views matching query among the documents read
// after offset, plus every document with a newer overlay.
func (v *LocalDocumentsView) GetDocumentsMatchingQuery(txn *Txn, query model.Query, offset model.IndexOffset, qc *QueryContext) (map[model.DocumentKey]*model.MutableDocument, error) {
	switch {
	case query.IsDocumentQuery():
		return v.documentQuery(txn, query.Path)
	case query.IsCollectionGroupQuery():
		return v.collectionGroupQuery(txn, query, offset, qc)
	}
	return v.collectionQuery(txn, query, offset, qc)
}

func (v *LocalDocumentsView) documentQuery(txn *Txn, path model.ResourcePath) (map[model.DocumentKey]*model.MutableDocument, error) {
	out := map[model.DocumentKey]*model.MutableDocument{}
	key, err := model.NewDocumentKey(path)
	if err != nil {
		return nil, err
	}
	doc, err := v.GetDocument(txn, key)
	if err != nil {
		return nil, err
	}
	if doc.IsFoundDocument() {
		out[key] = doc
	}
	return out, nil
}

func (v *LocalDocumentsView) collectionGroupQuery(txn *Txn, query model.Query, offset model.IndexOffset, qc *QueryContext) (map[model.DocumentKey]*model.MutableDocument, error) {
	parents, err := v.indexManager.GetCollectionParents(txn, query.CollectionGroup)
	if err != nil {
		return nil, err
	}
	out := map[model.DocumentKey]*model.MutableDocument{}
	for _, parent := range parents {
		if !query.Path.IsPrefixOf(parent) && !query.Path.IsEmpty() {
			continue
		}
		docs, err := v.collectionQuery(txn, query.AsCollectionQueryAtPath(parent.Child(query.CollectionGroup)), offset, qc)
		if err != nil {
			return nil, err
		}
		for key, doc := range docs {
			out[key] = doc
		}
	}
	return out, nil
}

func (v *LocalDocumentsView) collectionQuery(txn *Txn, query model.Query, offset model.IndexOffset, qc *QueryContext) (map[model.DocumentKey]*model.MutableDocument, error) {
	overlays, err := v.overlays.GetOverlaysForCollection(txn, query.Path, offset.LargestBatchID)
	if err != nil {
		return nil, err
	}
	mutated := model.NewDocumentKeySet()
	for key := range overlays {
		mutated.Add(key)
	}
	remote, err := v.remoteDocs.GetDocumentsMatchingQuery(txn, query, offset, mutated, qc)
	if err != nil {
		return nil, err
	}
	// Overlays may create documents the remote cache does not have.
	for key := range overlays {
		if _, ok := remote[key]; !ok {
			remote[key] = model.NewInvalidDocument(key)
		}
	}
	out := map[model.DocumentKey]*model.MutableDocument{}
	for key, doc := range remote {
		if overlay, ok := overlays[key]; ok {
			overlay.Mutation.ApplyToLocalView(doc, model.NewFieldMask(), model.Now())
		}
		if query.Matches(doc) {
			out[key] = doc
		}
	}
	return out, nil
}

// LocalWriteBatch is the next slice of documents for the index backfiller.
type LocalWriteBatch struct {
	BatchID   int
	Documents map[model.DocumentKey]*model.MutableDocument
}

// GetNextDocuments returns up to count documents of collectionGroup after offset, local
// views included, and the largest batch id among their overlays.
func (v *LocalDocumentsView) GetNextDocuments(txn *Txn, collectionGroup string, offset model.IndexOffset, count int) (LocalWriteBatch, error) {
	docs, err := v.remoteDocs.GetAllFromCollectionGroup(txn, collectionGroup, offset, count)
	if err != nil {
		return LocalWriteBatch{}, err
	}
	var overlays map[model.DocumentKey]*model.Overlay
	if remaining := count - len(docs); remaining > 0 {
		overlays, err = v.overlays.GetOverlaysForCollectionGroup(txn, collectionGroup, offset.LargestBatchID, remaining)
	} else {
		overlays = map[model.DocumentKey]*model.Overlay{}
	}
	if err != nil {
		return LocalWriteBatch{}, err
	}
	largest := model.UnknownBatchID
	for key, o := range overlays {
		if o.LargestBatchID > largest {
			largest = o.LargestBatchID
		}
		if _, ok := docs[key]; !ok {
			doc, err := v.remoteDocs.GetEntry(txn, key)
			if err != nil {
				return LocalWriteBatch{}, err
			}
			docs[key] = doc
		}
	}
	keys := model.NewDocumentKeySet()
	for key := range docs {
		if _, ok := overlays[key]; !ok {
			keys.Add(key)
		}
	}
	rest, err := v.overlays.GetOverlays(txn, keys)
	if err != nil {
		return LocalWriteBatch{}, err
	}
	for key, o := range rest {
		overlays[key] = o
	}
	views, err := v.computeViews(txn, docs, overlays, model.NewDocumentKeySet())
	if err != nil {
		return LocalWriteBatch{}, err
	}
	out := make(map[model.DocumentKey]*model.MutableDocument, len(views))
	for key, od := range views {
		out[key] = od.Document
	}
	return LocalWriteBatch{BatchID: largest, Documents: out}, nil
}
