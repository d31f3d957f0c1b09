package local

import (
	"sync"

	"github.com/google/btree"

	"github.com/steveyegge/docsync/internal/model"
)

type docRef struct {
	key model.DocumentKey
	id  int
}

func refsByKey(a, b docRef) bool {
	if c := a.key.Compare(b.key); c != 0 {
		return c < 0
	}
	return a.id < b.id
}

func refsByID(a, b docRef) bool {
	if a.id != b.id {
		return a.id < b.id
	}
	return a.key.Compare(b.key) < 0
}

// ReferenceSet is an in-memory set of (document key, id) references, searchable by either
// side. The id is a target id or a batch id depending on the owner. It is safe for
// concurrent use: the garbage collector reads it while views update it.
type ReferenceSet struct {
	mu    sync.RWMutex
	byKey *btree.BTreeG[docRef]
	byID  *btree.BTreeG[docRef]
}

// NewReferenceSet returns an empty set.
func NewReferenceSet() *ReferenceSet {
	return &ReferenceSet{
		byKey: btree.NewG(16, refsByKey),
		byID:  btree.NewG(16, refsByID),
	}
}

func (s *ReferenceSet) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byKey.Len() == 0
}

func (s *ReferenceSet) AddReference(key model.DocumentKey, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.add(docRef{key: key, id: id})
}

func (s *ReferenceSet) AddReferences(keys model.DocumentKeySet, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range keys {
		s.add(docRef{key: k, id: id})
	}
}

func (s *ReferenceSet) RemoveReference(key model.DocumentKey, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(docRef{key: key, id: id})
}

func (s *ReferenceSet) RemoveReferences(keys model.DocumentKeySet, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range keys {
		s.remove(docRef{key: k, id: id})
	}
}

func (s *ReferenceSet) add(r docRef) {
	s.byKey.ReplaceOrInsert(r)
	s.byID.ReplaceOrInsert(r)
}

func (s *ReferenceSet) remove(r docRef) {
	s.byKey.Delete(r)
	s.byID.Delete(r)
}

// RemoveReferencesForID clears every reference with id and returns the keys it held.
func (s *ReferenceSet) RemoveReferencesForID(id int) []model.DocumentKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doomed []docRef
	s.byID.AscendGreaterOrEqual(docRef{id: id}, func(r docRef) bool {
		if r.id != id {
			return false
		}
		doomed = append(doomed, r)
		return true
	})
	keys := make([]model.DocumentKey, 0, len(doomed))
	for _, r := range doomed {
		s.remove(r)
		keys = append(keys, r.key)
	}
	return keys
}

// RemoveAllReferences empties the set.
func (s *ReferenceSet) RemoveAllReferences() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey.Clear(false)
	s.byID.Clear(false)
}

// ReferencesForID returns the keys referenced by id.
func (s *ReferenceSet) ReferencesForID(id int) model.DocumentKeySet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := model.NewDocumentKeySet()
	s.byID.AscendGreaterOrEqual(docRef{id: id}, func(r docRef) bool {
		if r.id != id {
			return false
		}
		out.Add(r.key)
		return true
	})
	return out
}

// ContainsKey reports whether any id references key.
func (s *ReferenceSet) ContainsKey(key model.DocumentKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := false
	s.byKey.AscendGreaterOrEqual(docRef{key: key, id: minInt}, func(r docRef) bool {
		found = r.key == key
		return false
	})
	return found
}

const minInt = -int(^uint(0)>>1) - 1
