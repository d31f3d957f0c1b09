package model

import (
	"sort"
	"strings"

	"github.com/steveyegge/docsync/internal/status"
)

// DocumentKey identifies a document by its full path. It is comparable and usable as a map key.
type DocumentKey struct {
	path string
}

// NewDocumentKey validates that path addresses a document.
func NewDocumentKey(path ResourcePath) (DocumentKey, error) {
	if !path.IsDocumentPath() {
		return DocumentKey{}, status.Invalidf("%q is not a document path: it has %d segments", path.CanonicalString(), path.Len())
	}
	return DocumentKey{path: path.CanonicalString()}, nil
}

// ParseDocumentKey parses a slash-separated document path.
func ParseDocumentKey(path string) (DocumentKey, error) {
	rp, err := ParseResourcePath(path)
	if err != nil {
		return DocumentKey{}, err
	}
	return NewDocumentKey(rp)
}

// MustKey is ParseDocumentKey for static paths. It panics on invalid input.
func MustKey(path string) DocumentKey {
	k, err := ParseDocumentKey(path)
	if err != nil {
		panic(err)
	}
	return k
}

// Path returns the key as a ResourcePath.
func (k DocumentKey) Path() ResourcePath {
	if k.path == "" {
		return ResourcePath{}
	}
	return ResourcePath{segments: strings.Split(k.path, "/")}
}

func (k DocumentKey) String() string { return k.path }
func (k DocumentKey) IsEmpty() bool  { return k.path == "" }

// ID is the last path segment.
func (k DocumentKey) ID() string {
	return k.path[strings.LastIndexByte(k.path, '/')+1:]
}

// CollectionPath is the path of the collection holding the document.
func (k DocumentKey) CollectionPath() ResourcePath { return k.Path().PopLast() }

// CollectionGroup is the id of the collection holding the document.
func (k DocumentKey) CollectionGroup() string {
	p := k.Path()
	if p.Len() < 2 {
		return ""
	}
	return p.Segment(p.Len() - 2)
}

// HasCollectionID reports whether the document's immediate collection is id.
func (k DocumentKey) HasCollectionID(id string) bool { return k.CollectionGroup() == id }

func (k DocumentKey) Compare(other DocumentKey) int {
	if k.path == other.path {
		return 0
	}
	return k.Path().Compare(other.Path())
}

// DocumentKeySet is an unordered set of keys. Use Sorted for a deterministic order.
type DocumentKeySet map[DocumentKey]struct{}

func NewDocumentKeySet(keys ...DocumentKey) DocumentKeySet {
	s := make(DocumentKeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s DocumentKeySet) Add(k DocumentKey)      { s[k] = struct{}{} }
func (s DocumentKeySet) Remove(k DocumentKey)   { delete(s, k) }
func (s DocumentKeySet) Has(k DocumentKey) bool { _, ok := s[k]; return ok }
func (s DocumentKeySet) Len() int               { return len(s) }

// AddAll inserts every key of other.
func (s DocumentKeySet) AddAll(other DocumentKeySet) {
	for k := range other {
		s[k] = struct{}{}
	}
}

func (s DocumentKeySet) Clone() DocumentKeySet {
	out := make(DocumentKeySet, len(s))
	out.AddAll(s)
	return out
}

func (s DocumentKeySet) Equal(other DocumentKeySet) bool {
	if len(s) != len(other) {
		return false
	}
	for k := range s {
		if !other.Has(k) {
			return false
		}
	}
	return true
}

// Sorted returns the keys in document-key order.
func (s DocumentKeySet) Sorted() []DocumentKey {
	out := make([]DocumentKey, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}
