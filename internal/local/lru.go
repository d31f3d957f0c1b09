package local

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/sirupsen/logrus"

	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/queue"
	"github.com/steveyegge/docsync/internal/storage"
)

// ReferenceDelegate is told whenever something starts or stops referencing a document, so
// that unreferenced documents can be garbage collected.
type ReferenceDelegate interface {
	AddReference(txn *Txn, targetID int, key model.DocumentKey) error
	RemoveReference(txn *Txn, targetID int, key model.DocumentKey) error
	RemoveMutationReference(txn *Txn, key model.DocumentKey) error
	// RemoveTarget is called when a target is released but its data is kept for resuming.
	RemoveTarget(txn *Txn, td model.TargetData) error
	UpdateLimboDocument(txn *Txn, key model.DocumentKey) error
}

// ListenSequence hands out increasing listen sequence numbers.
type ListenSequence struct {
	mu       sync.Mutex
	previous int64
}

// NewListenSequence continues after start.
func NewListenSequence(start int64) *ListenSequence {
	return &ListenSequence{previous: start}
}

// Next returns the next sequence number.
func (s *ListenSequence) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previous++
	return s.previous
}

// Current returns the last number handed out.
func (s *ListenSequence) Current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.previous
}

// LruDelegate tracks document references by listen sequence number. Every change writes a
// sentinel row carrying the transaction's sequence number; documents whose only row is the
// sentinel are orphaned and may be collected once that number falls below the GC bound.
type LruDelegate struct {
	targetCache *TargetCache
	remoteDocs  *RemoteDocumentCache
	pins        *ReferenceSet
}

// NewLruDelegate returns a delegate. SetCaches must be called before use.
func NewLruDelegate() *LruDelegate {
	return &LruDelegate{pins: NewReferenceSet()}
}

// SetCaches wires the caches the delegate collects from.
func (d *LruDelegate) SetCaches(targetCache *TargetCache, remoteDocs *RemoteDocumentCache) {
	d.targetCache = targetCache
	d.remoteDocs = remoteDocs
}

// SetInMemoryPins sets the references that keep documents alive without being persisted.
func (d *LruDelegate) SetInMemoryPins(pins *ReferenceSet) { d.pins = pins }

func (d *LruDelegate) writeSentinel(txn *Txn, key model.DocumentKey) error {
	seq := encodeInt64(txn.SequenceNumber)
	if err := txn.Put(storage.TableDocumentTargets, documentTargetKey(key, sentinelTargetID), seq); err != nil {
		return err
	}
	return txn.Put(storage.TableTargetDocuments, targetDocumentKey(sentinelTargetID, key), seq)
}

func (d *LruDelegate) AddReference(txn *Txn, _ int, key model.DocumentKey) error {
	return d.writeSentinel(txn, key)
}

func (d *LruDelegate) RemoveReference(txn *Txn, _ int, key model.DocumentKey) error {
	return d.writeSentinel(txn, key)
}

func (d *LruDelegate) RemoveMutationReference(txn *Txn, key model.DocumentKey) error {
	return d.writeSentinel(txn, key)
}

func (d *LruDelegate) UpdateLimboDocument(txn *Txn, key model.DocumentKey) error {
	return d.writeSentinel(txn, key)
}

func (d *LruDelegate) RemoveTarget(txn *Txn, td model.TargetData) error {
	return d.targetCache.UpdateTargetData(txn, td.WithSequenceNumber(txn.SequenceNumber))
}

// forEachOrphanedDocument calls fn with every document that has no target membership,
// together with the sequence number of its last reference change.
func (d *LruDelegate) forEachOrphanedDocument(txn *Txn, fn func(key model.DocumentKey, seq int64) error) error {
	var (
		current    string
		currentSeq int64
		orphaned   bool
	)
	flush := func() error {
		if current == "" || !orphaned {
			return nil
		}
		key, err := model.ParseDocumentKey(current)
		if err != nil {
			return err
		}
		return fn(key, currentSeq)
	}
	err := txn.Scan(storage.TableDocumentTargets, storage.All(), storage.Asc, 0, func(k, v []byte) (bool, error) {
		r := storage.ReadKey(k)
		path := r.String()
		tid := r.Int()
		if err := r.Err(); err != nil {
			return false, err
		}
		if path != current {
			if err := flush(); err != nil {
				return false, err
			}
			current, orphaned = path, false
		}
		if tid == sentinelTargetID {
			currentSeq, orphaned = decodeInt64(v), true
		} else {
			orphaned = false
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	return flush()
}

// GetSequenceNumberCount counts targets plus orphaned documents.
func (d *LruDelegate) GetSequenceNumberCount(txn *Txn) (int, error) {
	targets, err := d.targetCache.GetTargetCount(txn)
	if err != nil {
		return 0, err
	}
	docs := 0
	err = d.forEachOrphanedDocument(txn, func(model.DocumentKey, int64) error {
		docs++
		return nil
	})
	return targets + docs, err
}

// ForEachSequenceNumber calls fn with the sequence number of every target and orphaned document.
func (d *LruDelegate) ForEachSequenceNumber(txn *Txn, fn func(int64)) error {
	err := d.targetCache.ForEachTarget(txn, func(td model.TargetData) error {
		fn(td.SequenceNumber)
		return nil
	})
	if err != nil {
		return err
	}
	return d.forEachOrphanedDocument(txn, func(_ model.DocumentKey, seq int64) error {
		fn(seq)
		return nil
	})
}

// RemoveOrphanedDocuments deletes the orphaned documents last referenced at or below
// upperBound that no mutation or in-memory view still pins. It returns the number removed.
func (d *LruDelegate) RemoveOrphanedDocuments(txn *Txn, upperBound int64) (int, error) {
	var candidates []model.DocumentKey
	err := d.forEachOrphanedDocument(txn, func(key model.DocumentKey, seq int64) error {
		if seq <= upperBound && !d.pins.ContainsKey(key) {
			candidates = append(candidates, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	buffer := d.remoteDocs.NewChangeBuffer()
	removed := 0
	for _, key := range candidates {
		pinned, err := mutationQueuesContainKey(txn, key)
		if err != nil {
			return 0, err
		}
		if pinned {
			continue
		}
		buffer.RemoveEntry(key)
		if err := txn.Delete(storage.TableDocumentTargets, documentTargetKey(key, sentinelTargetID)); err != nil {
			return 0, err
		}
		if err := txn.Delete(storage.TableTargetDocuments, targetDocumentKey(sentinelTargetID, key)); err != nil {
			return 0, err
		}
		removed++
	}
	return removed, buffer.Apply(txn)
}

// GetCacheSize returns the remote document cache size in bytes.
func (d *LruDelegate) GetCacheSize(txn *Txn) (int64, error) {
	return d.remoteDocs.GetSize(txn)
}

// CacheSizeUnlimited disables garbage collection.
const CacheSizeUnlimited int64 = -1

// LruParams controls when and how much the collector removes.
type LruParams struct {
	CacheSizeCollectionThreshold    int64
	PercentileToCollect             int
	MaximumSequenceNumbersToCollect int
}

// DefaultLruParams collects 10% of sequence numbers, at most 1000, once the cache passes 40MB.
func DefaultLruParams() LruParams {
	return LruParams{
		CacheSizeCollectionThreshold:    40 * 1024 * 1024,
		PercentileToCollect:             10,
		MaximumSequenceNumbersToCollect: 1000,
	}
}

// LruResults summarizes one collection.
type LruResults struct {
	DidRun                   bool `json:"didRun" yaml:"did_run"`
	SequenceNumbersCollected int  `json:"sequenceNumbersCollected" yaml:"sequence_numbers_collected"`
	TargetsRemoved           int  `json:"targetsRemoved" yaml:"targets_removed"`
	DocumentsRemoved         int  `json:"documentsRemoved" yaml:"documents_removed"`
}

// rollingSequenceNumberBuffer keeps the n smallest sequence numbers seen, as a max-heap.
type rollingSequenceNumberBuffer struct {
	max  int
	heap seqHeap
}

type seqHeap []int64

func (h seqHeap) Len() int            { return len(h) }
func (h seqHeap) Less(i, j int) bool  { return h[i] > h[j] }
func (h seqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *seqHeap) Push(x interface{}) { *h = append(*h, x.(int64)) }
func (h *seqHeap) Pop() interface{} {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

func (b *rollingSequenceNumberBuffer) add(seq int64) {
	if b.heap.Len() < b.max {
		heap.Push(&b.heap, seq)
		return
	}
	if seq < b.heap[0] {
		b.heap[0] = seq
		heap.Fix(&b.heap, 0)
	}
}

// maxValue returns the largest retained number, the nth smallest overall.
func (b *rollingSequenceNumberBuffer) maxValue() int64 {
	if b.heap.Len() == 0 {
		return -1
	}
	return b.heap[0]
}

// LruGarbageCollector removes the least recently used targets and orphaned documents.
type LruGarbageCollector struct {
	delegate *LruDelegate
	params   LruParams
	log      *logrus.Entry
}

// NewLruGarbageCollector returns a collector over delegate.
func NewLruGarbageCollector(delegate *LruDelegate, params LruParams, log *logrus.Entry) *LruGarbageCollector {
	return &LruGarbageCollector{delegate: delegate, params: params, log: logging.OrDiscard(log)}
}

// Params returns the collector's parameters.
func (g *LruGarbageCollector) Params() LruParams { return g.params }

// CalculateTargetCount returns how many sequence numbers percentile percent of the cache covers.
func (g *LruGarbageCollector) CalculateTargetCount(txn *Txn, percentile int) (int, error) {
	count, err := g.delegate.GetSequenceNumberCount(txn)
	if err != nil {
		return 0, err
	}
	return count * percentile / 100, nil
}

// NthSequenceNumber returns the nth smallest sequence number in use, or -1 when n is 0.
func (g *LruGarbageCollector) NthSequenceNumber(txn *Txn, n int) (int64, error) {
	if n == 0 {
		return -1, nil
	}
	buf := &rollingSequenceNumberBuffer{max: n}
	if err := g.delegate.ForEachSequenceNumber(txn, buf.add); err != nil {
		return 0, err
	}
	return buf.maxValue(), nil
}

// RemoveTargets removes inactive targets at or below upperBound.
func (g *LruGarbageCollector) RemoveTargets(txn *Txn, upperBound int64, active *roaring.Bitmap) (int, error) {
	return g.delegate.targetCache.RemoveTargets(txn, upperBound, active)
}

// RemoveOrphanedDocuments removes unreferenced documents at or below upperBound.
func (g *LruGarbageCollector) RemoveOrphanedDocuments(txn *Txn, upperBound int64) (int, error) {
	return g.delegate.RemoveOrphanedDocuments(txn, upperBound)
}

// GetCacheSize returns the current cache size in bytes.
func (g *LruGarbageCollector) GetCacheSize(txn *Txn) (int64, error) {
	return g.delegate.GetCacheSize(txn)
}

// Collect runs one collection unless GC is disabled or the cache is under the threshold.
func (g *LruGarbageCollector) Collect(txn *Txn, active *roaring.Bitmap) (LruResults, error) {
	if g.params.CacheSizeCollectionThreshold == CacheSizeUnlimited {
		g.log.Debug("garbage collection skipped; disabled")
		return LruResults{}, nil
	}
	size, err := g.GetCacheSize(txn)
	if err != nil {
		return LruResults{}, err
	}
	if size < g.params.CacheSizeCollectionThreshold {
		g.log.WithFields(logrus.Fields{"size": size, "threshold": g.params.CacheSizeCollectionThreshold}).
			Debug("garbage collection skipped; cache under threshold")
		return LruResults{}, nil
	}
	return g.runGarbageCollection(txn, active)
}

func (g *LruGarbageCollector) runGarbageCollection(txn *Txn, active *roaring.Bitmap) (LruResults, error) {
	start := time.Now()
	n, err := g.CalculateTargetCount(txn, g.params.PercentileToCollect)
	if err != nil {
		return LruResults{}, err
	}
	if n > g.params.MaximumSequenceNumbersToCollect {
		g.log.WithField("requested", n).Debug("capping sequence numbers to collect")
		n = g.params.MaximumSequenceNumbersToCollect
	}
	upperBound, err := g.NthSequenceNumber(txn, n)
	if err != nil {
		return LruResults{}, err
	}
	targets, err := g.RemoveTargets(txn, upperBound, active)
	if err != nil {
		return LruResults{}, err
	}
	docs, err := g.RemoveOrphanedDocuments(txn, upperBound)
	if err != nil {
		return LruResults{}, err
	}
	gcRuns.Inc()
	gcDocumentsRemoved.Add(float64(docs))
	g.log.WithFields(logrus.Fields{
		"upper_bound": upperBound,
		"targets":     targets,
		"documents":   docs,
		"elapsed":     time.Since(start),
	}).Info("garbage collection finished")
	return LruResults{
		DidRun:                   true,
		SequenceNumbersCollected: n,
		TargetsRemoved:           targets,
		DocumentsRemoved:         docs,
	}, nil
}

// GarbageCollectingStore runs a collection inside its own transaction.
type GarbageCollectingStore interface {
	CollectGarbage(ctx context.Context, gc *LruGarbageCollector) (LruResults, error)
}

// Scheduler intervals for garbage collection.
const (
	GCInitialDelay = time.Minute
	GCRegularDelay = 5 * time.Minute
)

// LruScheduler runs the collector on the async queue, first after InitialDelay and then
// every RegularDelay.
type LruScheduler struct {
	gc           *LruGarbageCollector
	store        GarbageCollectingStore
	queue        *queue.AsyncQueue
	log          *logrus.Entry
	InitialDelay time.Duration
	RegularDelay time.Duration

	mu      sync.Mutex
	pending *queue.DelayedOperation
	hasRun  bool
	stopped bool
}

// NewLruScheduler returns a stopped scheduler.
func NewLruScheduler(gc *LruGarbageCollector, store GarbageCollectingStore, q *queue.AsyncQueue) *LruScheduler {
	return &LruScheduler{
		gc:           gc,
		store:        store,
		queue:        q,
		log:          gc.log,
		InitialDelay: GCInitialDelay,
		RegularDelay: GCRegularDelay,
	}
}

// Start schedules collection unless GC is disabled.
func (s *LruScheduler) Start() {
	if s.gc.params.CacheSizeCollectionThreshold == CacheSizeUnlimited {
		return
	}
	s.mu.Lock()
	s.stopped = false
	s.mu.Unlock()
	s.schedule()
}

// Stop cancels any scheduled collection.
func (s *LruScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.pending != nil {
		s.pending.Cancel()
		s.pending = nil
	}
}

// Started reports whether a collection is scheduled.
func (s *LruScheduler) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

func (s *LruScheduler) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	delay := s.RegularDelay
	if !s.hasRun {
		delay = s.InitialDelay
	}
	s.log.WithField("delay", delay).Debug("scheduling garbage collection")
	s.pending = s.queue.EnqueueAfterDelay(queue.TimerGarbageCollection, delay, func() error {
		s.mu.Lock()
		s.pending = nil
		s.hasRun = true
		s.mu.Unlock()
		if _, err := s.store.CollectGarbage(context.Background(), s.gc); err != nil {
			s.log.WithError(err).Warn("garbage collection failed")
		}
		s.schedule()
		return nil
	})
}
