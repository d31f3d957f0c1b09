package model

import "github.com/google/btree"

// DocumentSet is a set of documents kept in a comparator's order and indexed by key.
type DocumentSet struct {
	cmp    func(a, b *MutableDocument) int
	byKey  map[DocumentKey]*MutableDocument
	sorted *btree.BTreeG[*MutableDocument]
}

// NewDocumentSet returns an empty set ordered by cmp, falling back to key order on ties.
// A nil cmp orders by key.
func NewDocumentSet(cmp func(a, b *MutableDocument) int) *DocumentSet {
	full := func(a, b *MutableDocument) int {
		if cmp != nil {
			if c := cmp(a, b); c != 0 {
				return c
			}
		}
		return a.Key().Compare(b.Key())
	}
	return &DocumentSet{
		cmp:    full,
		byKey:  map[DocumentKey]*MutableDocument{},
		sorted: btree.NewG(16, func(a, b *MutableDocument) bool { return full(a, b) < 0 }),
	}
}

// Add inserts or replaces the document with doc's key.
func (s *DocumentSet) Add(doc *MutableDocument) {
	s.Delete(doc.Key())
	s.byKey[doc.Key()] = doc
	s.sorted.ReplaceOrInsert(doc)
}

// Delete removes the document with key, if present.
func (s *DocumentSet) Delete(key DocumentKey) {
	if old, ok := s.byKey[key]; ok {
		s.sorted.Delete(old)
		delete(s.byKey, key)
	}
}

func (s *DocumentSet) Get(key DocumentKey) (*MutableDocument, bool) {
	d, ok := s.byKey[key]
	return d, ok
}

func (s *DocumentSet) Has(key DocumentKey) bool { _, ok := s.byKey[key]; return ok }
func (s *DocumentSet) Len() int                 { return len(s.byKey) }

func (s *DocumentSet) First() *MutableDocument {
	d, _ := s.sorted.Min()
	return d
}

func (s *DocumentSet) Last() *MutableDocument {
	d, _ := s.sorted.Max()
	return d
}

// Docs returns the documents in order.
func (s *DocumentSet) Docs() []*MutableDocument {
	out := make([]*MutableDocument, 0, s.Len())
	s.sorted.Ascend(func(d *MutableDocument) bool {
		out = append(out, d)
		return true
	})
	return out
}

// Keys returns the set's keys.
func (s *DocumentSet) Keys() DocumentKeySet {
	out := make(DocumentKeySet, len(s.byKey))
	for k := range s.byKey {
		out.Add(k)
	}
	return out
}

// Compare orders two documents with the set's comparator.
func (s *DocumentSet) Compare(a, b *MutableDocument) int { return s.cmp(a, b) }

// Clone returns a copy that can be changed independently.
func (s *DocumentSet) Clone() *DocumentSet {
	byKey := make(map[DocumentKey]*MutableDocument, len(s.byKey))
	for k, d := range s.byKey {
		byKey[k] = d
	}
	return &DocumentSet{cmp: s.cmp, byKey: byKey, sorted: s.sorted.Clone()}
}

// Equal reports whether both sets hold equal documents in the same order.
func (s *DocumentSet) Equal(o *DocumentSet) bool {
	if s.Len() != o.Len() {
		return false
	}
	a, b := s.Docs(), o.Docs()
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
