package local

import (
	"github.com/sirupsen/logrus"

	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/model"
)

// Defaults for automatic index creation.
const (
	DefaultMinCollectionSizeToAutoCreateIndex = 100
	DefaultRelativeIndexReadCostPerDocument   = 2.0
)

// QueryContext counts the work done by one query execution.
type QueryContext struct {
	DocumentReadCount int
}

// QueryEngine picks how to answer a query locally: from a client-side index, from the
// previous results of the target when they are known to be limbo-free, or by scanning the
// collection.
type QueryEngine struct {
	view         *LocalDocumentsView
	indexManager *IndexManager
	log          *logrus.Entry

	IndexAutoCreationEnabled           bool
	MinCollectionSizeToAutoCreateIndex int
	RelativeIndexReadCostPerDocument   float64
}

// NewQueryEngine returns an engine with automatic index creation disabled.
func NewQueryEngine(view *LocalDocumentsView, indexManager *IndexManager, log *logrus.Entry) *QueryEngine {
	return &QueryEngine{
		view:                               view,
		indexManager:                       indexManager,
		log:                                logging.OrDiscard(log),
		MinCollectionSizeToAutoCreateIndex: DefaultMinCollectionSizeToAutoCreateIndex,
		RelativeIndexReadCostPerDocument:   DefaultRelativeIndexReadCostPerDocument,
	}
}

// GetDocumentsMatchingQuery returns the local views matching query. remoteKeys are the keys
// the server last reported for the query's target, consistent as of lastLimboFreeSnapshotVersion.
func (e *QueryEngine) GetDocumentsMatchingQuery(txn *Txn, query model.Query, lastLimboFreeSnapshotVersion model.Timestamp, remoteKeys model.DocumentKeySet) (map[model.DocumentKey]*model.MutableDocument, error) {
	docs, err := e.performQueryUsingIndex(txn, query)
	if err != nil || docs != nil {
		if docs != nil {
			queryExecutions.WithLabelValues("index").Inc()
		}
		return docs, err
	}
	docs, err = e.performQueryUsingRemoteKeys(txn, query, remoteKeys, lastLimboFreeSnapshotVersion)
	if err != nil || docs != nil {
		if docs != nil {
			queryExecutions.WithLabelValues("previous_results").Inc()
		}
		return docs, err
	}

	qc := &QueryContext{}
	docs, err = e.view.GetDocumentsMatchingQuery(txn, query, model.InitialIndexOffset, qc)
	if err != nil {
		return nil, err
	}
	queryExecutions.WithLabelValues("full_scan").Inc()
	if e.IndexAutoCreationEnabled {
		if err := e.createCacheIndexes(txn, query, qc, len(docs)); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

// createCacheIndexes adds an index for query when the scan read far more documents than it
// returned.
func (e *QueryEngine) createCacheIndexes(txn *Txn, query model.Query, qc *QueryContext, resultSize int) error {
	log := e.log.WithFields(logrus.Fields{"query": query.CanonicalID(), "read": qc.DocumentReadCount, "returned": resultSize})
	if qc.DocumentReadCount < e.MinCollectionSizeToAutoCreateIndex {
		log.Debug("collection too small to auto-create an index")
		return nil
	}
	if float64(qc.DocumentReadCount) <= e.RelativeIndexReadCostPerDocument*float64(resultSize) {
		log.Debug("full scan is cheap enough; not creating an index")
		return nil
	}
	target := query.ToTarget()
	t, err := e.indexManager.GetIndexType(txn, target)
	if err != nil || t == model.IndexTypeFull {
		return err
	}
	if err := e.indexManager.CreateTargetIndexes(txn, target); err != nil {
		return err
	}
	indexesAutoCreated.Inc()
	log.Info("auto-created client-side index")
	return nil
}

func (e *QueryEngine) performQueryUsingIndex(txn *Txn, query model.Query) (map[model.DocumentKey]*model.MutableDocument, error) {
	if query.MatchesAllDocuments() {
		return nil, nil
	}
	target := query.ToTarget()
	keys, err := e.indexManager.GetDocumentsMatchingTarget(txn, target)
	if err != nil || keys == nil {
		return nil, err
	}
	indexed, err := e.view.GetDocuments(txn, keys)
	if err != nil {
		return nil, err
	}
	offset, err := e.indexManager.GetMinOffset(txn, target)
	if err != nil {
		return nil, err
	}
	return e.appendRemainingResults(txn, query, indexed, offset)
}

func (e *QueryEngine) performQueryUsingRemoteKeys(txn *Txn, query model.Query, remoteKeys model.DocumentKeySet, lastLimboFreeSnapshotVersion model.Timestamp) (map[model.DocumentKey]*model.MutableDocument, error) {
	if query.MatchesAllDocuments() || lastLimboFreeSnapshotVersion.IsZero() {
		return nil, nil
	}
	docs, err := e.view.GetDocuments(txn, remoteKeys)
	if err != nil {
		return nil, err
	}
	previous := model.NewDocumentSet(query.Comparator())
	for _, doc := range docs {
		if query.Matches(doc) {
			previous.Add(doc)
		}
	}
	if query.HasLimit() && needsRefill(query, previous, remoteKeys, lastLimboFreeSnapshotVersion) {
		return nil, nil
	}
	e.log.WithField("query", query.CanonicalID()).Debug("re-using previous result")
	matched := make(map[model.DocumentKey]*model.MutableDocument, previous.Len())
	for _, doc := range previous.Docs() {
		matched[doc.Key()] = doc
	}
	return e.appendRemainingResults(txn, query, matched, model.IndexOffsetFromReadTime(lastLimboFreeSnapshotVersion))
}

// needsRefill reports whether a limit query's previous results may be missing documents:
// some previous result no longer matches, or the document at the limit edge changed after
// the results were limbo-free.
func needsRefill(query model.Query, previous *model.DocumentSet, remoteKeys model.DocumentKeySet, limboFreeVersion model.Timestamp) bool {
	if remoteKeys.Len() != previous.Len() {
		return true
	}
	edge := previous.Last()
	if query.LimitType == model.LimitToLast {
		edge = previous.First()
	}
	if edge == nil {
		return false
	}
	return edge.HasPendingWrites() || edge.Version().After(limboFreeVersion)
}

// appendRemainingResults adds the documents changed after offset to the results of an index
// or previous-results lookup.
func (e *QueryEngine) appendRemainingResults(txn *Txn, query model.Query, results map[model.DocumentKey]*model.MutableDocument, offset model.IndexOffset) (map[model.DocumentKey]*model.MutableDocument, error) {
	remaining, err := e.view.GetDocumentsMatchingQuery(txn, query, offset, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[model.DocumentKey]*model.MutableDocument, len(results)+len(remaining))
	for key, doc := range results {
		if query.Matches(doc) {
			out[key] = doc
		}
	}
	for key, doc := range remaining {
		out[key] = doc
	}
	return out, nil
}
