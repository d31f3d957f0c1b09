package model

import (
	"fmt"
	"strings"
)

// SegmentKind is how an index orders one field.
type SegmentKind int

const (
	SegmentAscending SegmentKind = iota
	SegmentDescending
	SegmentContains
)

func (k SegmentKind) String() string {
	switch k {
	case SegmentDescending:
		return "desc"
	case SegmentContains:
		return "contains"
	}
	return "asc"
}

// ParseSegmentKind is the inverse of SegmentKind.String.
func ParseSegmentKind(s string) (SegmentKind, error) {
	switch strings.ToLower(s) {
	case "asc", "ascending":
		return SegmentAscending, nil
	case "desc", "descending":
		return SegmentDescending, nil
	case "contains", "array-contains":
		return SegmentContains, nil
	}
	return 0, fmt.Errorf("unknown index segment kind %q", s)
}

// IndexSegment is one field of a composite index.
type IndexSegment struct {
	FieldPath FieldPath
	Kind      SegmentKind
}

// IndexOffset is a position in the remote document cache: documents are ordered by read
// time, then key, then the largest batch id applied to them.
type IndexOffset struct {
	ReadTime       Timestamp
	DocumentKey    DocumentKey
	LargestBatchID int
}

// InitialIndexOffset sorts before every document.
var InitialIndexOffset = IndexOffset{ReadTime: MinVersion, LargestBatchID: UnknownBatchID}

// IndexOffsetFromDocument returns the offset just at doc.
func IndexOffsetFromDocument(doc *MutableDocument) IndexOffset {
	return IndexOffset{ReadTime: doc.ReadTime(), DocumentKey: doc.Key(), LargestBatchID: UnknownBatchID}
}

// IndexOffsetFromReadTime returns the offset after every document read at or before t.
// Read times are unique per remote event, so a sentinel key past every real key suffices.
func IndexOffsetFromReadTime(t Timestamp) IndexOffset {
	return IndexOffset{ReadTime: t, DocumentKey: maxDocumentKey, LargestBatchID: UnknownBatchID}
}

var maxDocumentKey = DocumentKey{path: "\U0010FFFF/\U0010FFFF"}

func (o IndexOffset) Compare(other IndexOffset) int {
	if c := o.ReadTime.Compare(other.ReadTime); c != 0 {
		return c
	}
	if c := o.DocumentKey.Compare(other.DocumentKey); c != 0 {
		return c
	}
	return cmpInt(o.LargestBatchID, other.LargestBatchID)
}

// IndexState tracks how far an index has been backfilled.
type IndexState struct {
	SequenceNumber int64
	Offset         IndexOffset
}

// UnknownIndexID is used for indexes not yet persisted.
const UnknownIndexID = -1

// FieldIndex is a composite index over one collection group.
type FieldIndex struct {
	IndexID         int
	CollectionGroup string
	Segments        []IndexSegment
	State           IndexState
}

// ArraySegment returns the contains segment, if any.
func (f FieldIndex) ArraySegment() *IndexSegment {
	for i := range f.Segments {
		if f.Segments[i].Kind == SegmentContains {
			s := f.Segments[i]
			return &s
		}
	}
	return nil
}

// DirectionalSegments returns the ordered segments.
func (f FieldIndex) DirectionalSegments() []IndexSegment {
	var out []IndexSegment
	for _, s := range f.Segments {
		if s.Kind != SegmentContains {
			out = append(out, s)
		}
	}
	return out
}

// SemanticallyEqual compares collection group and segments, ignoring id and state.
func (f FieldIndex) SemanticallyEqual(o FieldIndex) bool {
	if f.CollectionGroup != o.CollectionGroup || len(f.Segments) != len(o.Segments) {
		return false
	}
	for i := range f.Segments {
		if f.Segments[i].Kind != o.Segments[i].Kind || !f.Segments[i].FieldPath.Equal(o.Segments[i].FieldPath) {
			return false
		}
	}
	return true
}

func (f FieldIndex) String() string {
	parts := make([]string, len(f.Segments))
	for i, s := range f.Segments {
		parts[i] = s.FieldPath.CanonicalString() + ":" + s.Kind.String()
	}
	return fmt.Sprintf("%s(%s)", f.CollectionGroup, strings.Join(parts, ","))
}

// IndexType is how well an index serves a target.
type IndexType int

const (
	IndexTypeNone IndexType = iota
	IndexTypePartial
	IndexTypeFull
)

func (t IndexType) String() string {
	switch t {
	case IndexTypePartial:
		return "partial"
	case IndexTypeFull:
		return "full"
	}
	return "none"
}
