package local

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/steveyegge/docsync/internal/index"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/status"
	"github.com/steveyegge/docsync/internal/storage"
)

type fieldIndexJSON struct {
	CollectionGroup string               `json:"collectionGroup"`
	Segments        []model.IndexSegment `json:"segments"`
}

type indexStateJSON struct {
	SequenceNumber int64             `json:"sequenceNumber"`
	ReadTime       model.Timestamp   `json:"readTime"`
	DocumentKey    model.DocumentKey `json:"documentKey"`
	LargestBatchID int               `json:"largestBatchId"`
}

// indexEntry is one row of a field index for one document.
type indexEntry struct {
	array       []byte
	directional []byte
}

func indexEntryKey(indexID int, uid string, e indexEntry, key model.DocumentKey) []byte {
	return storage.NewKey().Int(int64(indexID)).String(uid).Raw(e.array).Raw(e.directional).String(key.String()).Bytes()
}

func indexEntryByDocKey(indexID int, uid string, key model.DocumentKey, e indexEntry) []byte {
	return storage.NewKey().Int(int64(indexID)).String(uid).String(key.String()).Raw(e.array).Raw(e.directional).Bytes()
}

func indexEntryByDocPrefix(indexID int, uid string, key model.DocumentKey) []byte {
	return storage.NewKey().Int(int64(indexID)).String(uid).String(key.String()).Bytes()
}

// IndexManager maintains the collection parent index and the client-side field indexes of
// one user.
type IndexManager struct {
	uid string

	mu sync.Mutex
	// knownParents caches collection parent rows that are already committed.
	knownParents map[string]bool
}

// NewIndexManager returns the index manager of user.
func NewIndexManager(user model.User) *IndexManager {
	return &IndexManager{uid: user.Key(), knownParents: map[string]bool{}}
}

// AddToCollectionParentIndex records the parent of the collection at path.
func (m *IndexManager) AddToCollectionParentIndex(txn *Txn, collection model.ResourcePath) error {
	if collection.IsEmpty() {
		return nil
	}
	collectionID := collection.LastSegment()
	parent := collection.PopLast()
	cacheKey := collectionID + "\x00" + parent.CanonicalString()
	m.mu.Lock()
	known := m.knownParents[cacheKey]
	m.mu.Unlock()
	if known {
		return nil
	}
	if err := txn.Put(storage.TableCollectionParents, collectionParentKey(collectionID, parent), emptyValue); err != nil {
		return err
	}
	txn.OnCommitted(func() {
		m.mu.Lock()
		m.knownParents[cacheKey] = true
		m.mu.Unlock()
	})
	return nil
}

// GetCollectionParents returns every parent path that has a collection named collectionID.
func (m *IndexManager) GetCollectionParents(txn *Txn, collectionID string) ([]model.ResourcePath, error) {
	var parents []model.ResourcePath
	err := txn.Scan(storage.TableCollectionParents, storage.Prefix(storage.NewKey().String(collectionID).Bytes()), storage.Asc, 0,
		func(k, _ []byte) (bool, error) {
			r := storage.ReadKey(k)
			_ = r.String()
			path := r.String()
			if err := r.Err(); err != nil {
				return false, err
			}
			p, err := model.ParseResourcePath(path)
			if err != nil {
				return false, err
			}
			parents = append(parents, p)
			return true, nil
		})
	return parents, err
}

// AddFieldIndex persists index under a new id with an initial backfill state.
func (m *IndexManager) AddFieldIndex(txn *Txn, fi model.FieldIndex) (model.FieldIndex, error) {
	highest := 0
	err := txn.Scan(storage.TableFieldIndexes, storage.All(), storage.Desc, 1, func(k, _ []byte) (bool, error) {
		r := storage.ReadKey(k)
		highest = int(r.Int())
		return false, r.Err()
	})
	if err != nil {
		return fi, err
	}
	fi.IndexID = highest + 1
	if err := putJSON(txn, storage.TableFieldIndexes, fieldIndexKey(fi.IndexID),
		fieldIndexJSON{CollectionGroup: fi.CollectionGroup, Segments: fi.Segments}); err != nil {
		return fi, err
	}
	fi.State = model.IndexState{Offset: model.InitialIndexOffset}
	return fi, m.saveState(txn, fi.IndexID, fi.State)
}

// DeleteFieldIndex removes an index with its state and entries.
func (m *IndexManager) DeleteFieldIndex(txn *Txn, fi model.FieldIndex) error {
	prefix := fieldIndexKey(fi.IndexID)
	if err := txn.Delete(storage.TableFieldIndexes, prefix); err != nil {
		return err
	}
	for _, table := range []storage.Table{storage.TableIndexState, storage.TableIndexEntries, storage.TableIndexEntriesByDoc} {
		if err := txn.DeleteRange(table, storage.Prefix(prefix)); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAllFieldIndexes removes every index.
func (m *IndexManager) DeleteAllFieldIndexes(txn *Txn) error {
	for _, table := range []storage.Table{storage.TableFieldIndexes, storage.TableIndexState, storage.TableIndexEntries, storage.TableIndexEntriesByDoc} {
		if err := txn.DeleteRange(table, storage.All()); err != nil {
			return err
		}
	}
	return nil
}

func (m *IndexManager) saveState(txn *Txn, indexID int, st model.IndexState) error {
	return putJSON(txn, storage.TableIndexState, indexStateKey(indexID, m.uid), indexStateJSON{
		SequenceNumber: st.SequenceNumber,
		ReadTime:       st.Offset.ReadTime,
		DocumentKey:    st.Offset.DocumentKey,
		LargestBatchID: st.Offset.LargestBatchID,
	})
}

func (m *IndexManager) loadState(txn *Txn, indexID int) (model.IndexState, error) {
	var j indexStateJSON
	ok, err := getJSON(txn, storage.TableIndexState, indexStateKey(indexID, m.uid), &j)
	if err != nil || !ok {
		return model.IndexState{Offset: model.InitialIndexOffset}, err
	}
	return model.IndexState{
		SequenceNumber: j.SequenceNumber,
		Offset:         model.IndexOffset{ReadTime: j.ReadTime, DocumentKey: j.DocumentKey, LargestBatchID: j.LargestBatchID},
	}, nil
}

// GetFieldIndexes returns the indexes of collectionGroup, or every index when it is empty.
func (m *IndexManager) GetFieldIndexes(txn *Txn, collectionGroup string) ([]model.FieldIndex, error) {
	var out []model.FieldIndex
	err := txn.Scan(storage.TableFieldIndexes, storage.All(), storage.Asc, 0, func(k, v []byte) (bool, error) {
		r := storage.ReadKey(k)
		id := int(r.Int())
		if err := r.Err(); err != nil {
			return false, err
		}
		var j fieldIndexJSON
		if err := json.Unmarshal(v, &j); err != nil {
			return false, fmt.Errorf("decoding field index %d: %w", id, err)
		}
		if collectionGroup != "" && j.CollectionGroup != collectionGroup {
			return true, nil
		}
		out = append(out, model.FieldIndex{IndexID: id, CollectionGroup: j.CollectionGroup, Segments: j.Segments})
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	for i := range out {
		st, err := m.loadState(txn, out[i].IndexID)
		if err != nil {
			return nil, err
		}
		out[i].State = st
	}
	return out, nil
}

// targetShape is the index-relevant structure of a target.
type targetShape struct {
	arrayFilter *model.FieldFilter
	equalities  []model.FieldFilter
	inequality  *model.FieldFilter
	orderBy     []model.OrderBy
	indexable   bool
}

func shapeOf(target model.Target) targetShape {
	s := targetShape{indexable: true}
	for _, f := range target.Filters {
		if !isConjunction(f) {
			s.indexable = false
		}
	}
	for _, f := range target.FlattenedFilters() {
		f := f
		switch {
		case f.Field.IsKeyField():
		case f.Op == model.OpArrayContains || f.Op == model.OpArrayContainsAny:
			if s.arrayFilter != nil {
				s.indexable = false
			}
			s.arrayFilter = &f
		case f.Op == model.OpEqual || f.Op == model.OpIn:
			s.equalities = append(s.equalities, f)
		default:
			if s.inequality != nil && !s.inequality.Field.Equal(f.Field) {
				s.indexable = false
			}
			if s.inequality == nil {
				s.inequality = &f
			}
		}
	}
	for _, o := range target.OrderBy {
		if !o.Field.IsKeyField() {
			s.orderBy = append(s.orderBy, o)
		}
	}
	if s.inequality != nil && (len(s.orderBy) == 0 || !s.orderBy[0].Field.Equal(s.inequality.Field)) {
		s.indexable = false
	}
	return s
}

// isConjunction reports whether f only ANDs field filters together.
func isConjunction(f model.Filter) bool {
	c, ok := f.(model.CompositeFilter)
	if !ok {
		return true
	}
	if c.Op != model.And {
		return false
	}
	for _, child := range c.Filters {
		if !isConjunction(child) {
			return false
		}
	}
	return true
}

func (s targetShape) hasEquality(field model.FieldPath) bool {
	for _, f := range s.equalities {
		if f.Field.Equal(field) {
			return true
		}
	}
	return false
}

// matchIndex reports how well fi serves the target shape: the array segment must match the
// array filter, equality segments may appear in any order, and the rest must follow the
// order by.
func (s targetShape) matchIndex(fi model.FieldIndex) model.IndexType {
	if !s.indexable {
		return model.IndexTypeNone
	}
	arr := fi.ArraySegment()
	if (arr == nil) != (s.arrayFilter == nil) {
		return model.IndexTypeNone
	}
	if arr != nil && !arr.FieldPath.Equal(s.arrayFilter.Field) {
		return model.IndexTypeNone
	}
	segments := fi.DirectionalSegments()
	i := 0
	covered := map[string]bool{}
	for i < len(segments) && s.hasEquality(segments[i].FieldPath) {
		covered[segments[i].FieldPath.CanonicalString()] = true
		i++
	}
	for j, o := range s.orderBy {
		if i >= len(segments) {
			break
		}
		if covered[o.Field.CanonicalString()] {
			continue
		}
		seg := segments[i]
		want := model.SegmentAscending
		if o.Direction == model.Descending {
			want = model.SegmentDescending
		}
		if !seg.FieldPath.Equal(o.Field) || seg.Kind != want {
			if j == 0 {
				return model.IndexTypeNone
			}
			break
		}
		covered[o.Field.CanonicalString()] = true
		i++
	}
	if i < len(segments) {
		return model.IndexTypeNone
	}
	if i == 0 && arr == nil {
		return model.IndexTypeNone
	}
	for _, f := range s.equalities {
		if !covered[f.Field.CanonicalString()] {
			return model.IndexTypePartial
		}
	}
	for _, o := range s.orderBy {
		if !covered[o.Field.CanonicalString()] {
			return model.IndexTypePartial
		}
	}
	return model.IndexTypeFull
}

// GetFieldIndex returns the index that serves target best, or nil.
func (m *IndexManager) GetFieldIndex(txn *Txn, target model.Target) (*model.FieldIndex, model.IndexType, error) {
	indexes, err := m.GetFieldIndexes(txn, target.CollectionGroupID())
	if err != nil {
		return nil, model.IndexTypeNone, err
	}
	shape := shapeOf(target)
	var best *model.FieldIndex
	bestType := model.IndexTypeNone
	for i := range indexes {
		t := shape.matchIndex(indexes[i])
		if t > bestType || (t == bestType && t != model.IndexTypeNone && len(indexes[i].Segments) > len(best.Segments)) {
			best, bestType = &indexes[i], t
		}
	}
	return best, bestType, nil
}

// GetIndexType reports whether target can be answered from an index.
func (m *IndexManager) GetIndexType(txn *Txn, target model.Target) (model.IndexType, error) {
	_, t, err := m.GetFieldIndex(txn, target)
	return t, err
}

// CreateTargetIndexes adds the index that would fully serve target, unless one exists.
func (m *IndexManager) CreateTargetIndexes(txn *Txn, target model.Target) error {
	shape := shapeOf(target)
	if !shape.indexable {
		return nil
	}
	fi := model.FieldIndex{IndexID: model.UnknownIndexID, CollectionGroup: target.CollectionGroupID()}
	if shape.arrayFilter != nil {
		fi.Segments = append(fi.Segments, model.IndexSegment{FieldPath: shape.arrayFilter.Field, Kind: model.SegmentContains})
	}
	seen := map[string]bool{}
	eq := append([]model.FieldFilter(nil), shape.equalities...)
	sort.Slice(eq, func(i, j int) bool { return eq[i].Field.Compare(eq[j].Field) < 0 })
	for _, f := range eq {
		if seen[f.Field.CanonicalString()] {
			continue
		}
		seen[f.Field.CanonicalString()] = true
		fi.Segments = append(fi.Segments, model.IndexSegment{FieldPath: f.Field, Kind: model.SegmentAscending})
	}
	for _, o := range shape.orderBy {
		if seen[o.Field.CanonicalString()] {
			continue
		}
		seen[o.Field.CanonicalString()] = true
		kind := model.SegmentAscending
		if o.Direction == model.Descending {
			kind = model.SegmentDescending
		}
		fi.Segments = append(fi.Segments, model.IndexSegment{FieldPath: o.Field, Kind: kind})
	}
	if len(fi.Segments) == 0 {
		return nil
	}
	existing, err := m.GetFieldIndexes(txn, fi.CollectionGroup)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.SemanticallyEqual(fi) {
			return nil
		}
	}
	_, err = m.AddFieldIndex(txn, fi)
	return err
}

// computeEntries returns the index rows of doc, none when a segment field is missing.
func computeEntries(fi model.FieldIndex, doc *model.MutableDocument) []indexEntry {
	if !doc.IsFoundDocument() {
		return nil
	}
	var directional []byte
	for _, seg := range fi.DirectionalSegments() {
		v, ok := doc.Field(seg.FieldPath)
		if !ok {
			return nil
		}
		directional = index.AppendSegment(directional, v, index.DirectionOf(seg.Kind))
	}
	arr := fi.ArraySegment()
	if arr == nil {
		return []indexEntry{{array: []byte{}, directional: directional}}
	}
	v, ok := doc.Field(arr.FieldPath)
	if !ok || !v.IsArray() {
		return nil
	}
	var out []indexEntry
	seen := map[string]bool{}
	for _, e := range v.Array() {
		enc := index.Encode(e, index.Ascending)
		if seen[string(enc)] {
			continue
		}
		seen[string(enc)] = true
		out = append(out, indexEntry{array: enc, directional: directional})
	}
	return out
}

func (m *IndexManager) existingEntries(txn *Txn, indexID int, key model.DocumentKey) ([]indexEntry, error) {
	var out []indexEntry
	err := txn.Scan(storage.TableIndexEntriesByDoc, storage.Prefix(indexEntryByDocPrefix(indexID, m.uid, key)), storage.Asc, 0,
		func(k, _ []byte) (bool, error) {
			r := storage.ReadKey(k)
			r.Int()
			_ = r.String()
			_ = r.String()
			e := indexEntry{array: r.Raw(), directional: r.Raw()}
			if err := r.Err(); err != nil {
				return false, err
			}
			out = append(out, e)
			return true, nil
		})
	return out, err
}

// UpdateIndexEntries rewrites the index rows of every document for the indexes of its
// collection group.
func (m *IndexManager) UpdateIndexEntries(txn *Txn, docs map[model.DocumentKey]*model.MutableDocument) error {
	byGroup := map[string][]model.FieldIndex{}
	for _, key := range sortedKeys(docs) {
		group := key.CollectionGroup()
		indexes, ok := byGroup[group]
		if !ok {
			var err error
			if indexes, err = m.GetFieldIndexes(txn, group); err != nil {
				return err
			}
			byGroup[group] = indexes
		}
		for _, fi := range indexes {
			if err := m.updateEntries(txn, fi, docs[key]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *IndexManager) updateEntries(txn *Txn, fi model.FieldIndex, doc *model.MutableDocument) error {
	existing, err := m.existingEntries(txn, fi.IndexID, doc.Key())
	if err != nil {
		return err
	}
	wanted := computeEntries(fi, doc)
	has := func(set []indexEntry, e indexEntry) bool {
		for _, o := range set {
			if bytes.Equal(o.array, e.array) && bytes.Equal(o.directional, e.directional) {
				return true
			}
		}
		return false
	}
	for _, e := range existing {
		if has(wanted, e) {
			continue
		}
		if err := txn.Delete(storage.TableIndexEntries, indexEntryKey(fi.IndexID, m.uid, e, doc.Key())); err != nil {
			return err
		}
		if err := txn.Delete(storage.TableIndexEntriesByDoc, indexEntryByDocKey(fi.IndexID, m.uid, doc.Key(), e)); err != nil {
			return err
		}
	}
	for _, e := range wanted {
		if has(existing, e) {
			continue
		}
		if err := txn.Put(storage.TableIndexEntries, indexEntryKey(fi.IndexID, m.uid, e, doc.Key()), emptyValue); err != nil {
			return err
		}
		if err := txn.Put(storage.TableIndexEntriesByDoc, indexEntryByDocKey(fi.IndexID, m.uid, doc.Key(), e), emptyValue); err != nil {
			return err
		}
	}
	return nil
}

// segmentBounds returns the inclusive value range a target allows on field, nil meaning
// unbounded. Exact results come from filtering the candidates afterwards.
func segmentBounds(target model.Target, field model.FieldPath) (lower, upper *model.Value, point bool) {
	for _, f := range target.FieldFiltersFor(field) {
		switch f.Op {
		case model.OpEqual:
			v := f.Value
			return &v, &v, true
		case model.OpIn:
			elems := f.Value.Array()
			if len(elems) == 0 {
				continue
			}
			lo, hi := elems[0], elems[0]
			for _, e := range elems[1:] {
				if e.Compare(lo) < 0 {
					lo = e
				}
				if e.Compare(hi) > 0 {
					hi = e
				}
			}
			if lo.Compare(hi) == 0 {
				return &lo, &hi, true
			}
			lower, upper = &lo, &hi
		case model.OpGreaterThan, model.OpGreaterThanOrEqual:
			v := f.Value
			if lower == nil || v.Compare(*lower) > 0 {
				lower = &v
			}
		case model.OpLessThan, model.OpLessThanOrEqual:
			v := f.Value
			if upper == nil || v.Compare(*upper) < 0 {
				upper = &v
			}
		}
	}
	return lower, upper, false
}

// scanRange computes the directional key range of target over fi. Leading point segments
// are fixed; the first ranged segment bounds the scan and later segments are unbounded.
func scanRange(fi model.FieldIndex, target model.Target) (lower, upper []byte) {
	var prefix []byte
	for _, seg := range fi.DirectionalSegments() {
		lo, hi, point := segmentBounds(target, seg.FieldPath)
		dir := index.DirectionOf(seg.Kind)
		if point {
			prefix = index.AppendSegment(prefix, *lo, dir)
			continue
		}
		if dir == index.Descending {
			lo, hi = hi, lo
		}
		lower = append([]byte(nil), prefix...)
		upper = append([]byte(nil), prefix...)
		if lo != nil {
			lower = index.AppendSegment(lower, *lo, dir)
		}
		if hi != nil {
			upper = index.AppendSegment(upper, *hi, dir)
		}
		return lower, upper
	}
	return prefix, prefix
}

// arrayValues returns the encoded array-contains operands, or a single empty value when the
// index has no array segment.
func arrayValues(fi model.FieldIndex, target model.Target) [][]byte {
	arr := fi.ArraySegment()
	if arr == nil {
		return [][]byte{{}}
	}
	var out [][]byte
	for _, f := range target.FieldFiltersFor(arr.FieldPath) {
		switch f.Op {
		case model.OpArrayContains:
			out = append(out, index.Encode(f.Value, index.Ascending))
		case model.OpArrayContainsAny:
			for _, e := range f.Value.Array() {
				out = append(out, index.Encode(e, index.Ascending))
			}
		}
	}
	return out
}

// GetDocumentsMatchingTarget returns the keys an index yields for target, or nil when no
// index serves it. The keys are a superset: callers filter the documents with the query.
func (m *IndexManager) GetDocumentsMatchingTarget(txn *Txn, target model.Target) (model.DocumentKeySet, error) {
	fi, t, err := m.GetFieldIndex(txn, target)
	if err != nil || t == model.IndexTypeNone {
		return nil, err
	}
	lower, upper := scanRange(*fi, target)
	keys := model.NewDocumentKeySet()
	for _, arr := range arrayValues(*fi, target) {
		base := storage.NewKey().Int(int64(fi.IndexID)).String(m.uid).Raw(arr)
		start := storage.NewKey().Int(int64(fi.IndexID)).String(m.uid).Raw(arr).RawPrefix(lower).Bytes()
		end := storage.Prefix(storage.NewKey().Int(int64(fi.IndexID)).String(m.uid).Raw(arr).RawPrefix(upper).Bytes()).End
		if end == nil {
			end = storage.Prefix(base.Bytes()).End
		}
		err := txn.Scan(storage.TableIndexEntries, storage.Range(start, end), storage.Asc, 0, func(k, _ []byte) (bool, error) {
			r := storage.ReadKey(k)
			r.Int()
			_ = r.String()
			r.Raw()
			r.Raw()
			path := r.String()
			if err := r.Err(); err != nil {
				return false, err
			}
			key, err := model.ParseDocumentKey(path)
			if err != nil {
				return false, err
			}
			if target.CollectionGroup == "" && !isImmediateChild(target.Path, key) {
				return true, nil
			}
			if target.CollectionGroup != "" && !target.Path.IsPrefixOf(key.Path()) {
				return true, nil
			}
			keys.Add(key)
			return true, nil
		})
		if err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// GetNextCollectionGroupToUpdate returns the group whose indexes were backfilled least
// recently, or "" when there are no indexes.
func (m *IndexManager) GetNextCollectionGroupToUpdate(txn *Txn) (string, error) {
	indexes, err := m.GetFieldIndexes(txn, "")
	if err != nil || len(indexes) == 0 {
		return "", err
	}
	sort.SliceStable(indexes, func(i, j int) bool {
		if indexes[i].State.SequenceNumber != indexes[j].State.SequenceNumber {
			return indexes[i].State.SequenceNumber < indexes[j].State.SequenceNumber
		}
		return indexes[i].CollectionGroup < indexes[j].CollectionGroup
	})
	return indexes[0].CollectionGroup, nil
}

// UpdateCollectionGroup records that every index of group is backfilled up to offset.
func (m *IndexManager) UpdateCollectionGroup(txn *Txn, group string, offset model.IndexOffset) error {
	all, err := m.GetFieldIndexes(txn, "")
	if err != nil {
		return err
	}
	var next int64
	for _, fi := range all {
		if fi.State.SequenceNumber > next {
			next = fi.State.SequenceNumber
		}
	}
	next++
	for _, fi := range all {
		if fi.CollectionGroup != group {
			continue
		}
		if err := m.saveState(txn, fi.IndexID, model.IndexState{SequenceNumber: next, Offset: offset}); err != nil {
			return err
		}
	}
	return nil
}

// GetMinOffsetForCollectionGroup returns the smallest backfill offset among the group's indexes.
func (m *IndexManager) GetMinOffsetForCollectionGroup(txn *Txn, group string) (model.IndexOffset, error) {
	indexes, err := m.GetFieldIndexes(txn, group)
	if err != nil {
		return model.InitialIndexOffset, err
	}
	return minOffset(indexes), nil
}

// GetMinOffset returns the backfill offset of the index serving target. Documents read
// after it are not yet indexed.
func (m *IndexManager) GetMinOffset(txn *Txn, target model.Target) (model.IndexOffset, error) {
	fi, t, err := m.GetFieldIndex(txn, target)
	if err != nil {
		return model.InitialIndexOffset, err
	}
	if t == model.IndexTypeNone {
		return model.InitialIndexOffset, status.Assertf("no index serves target %s", target)
	}
	return fi.State.Offset, nil
}

func minOffset(indexes []model.FieldIndex) model.IndexOffset {
	if len(indexes) == 0 {
		return model.InitialIndexOffset
	}
	min := indexes[0].State.Offset
	for _, fi := range indexes[1:] {
		if fi.State.Offset.Compare(min) < 0 {
			min = fi.State.Offset
		}
	}
	return min
}
