// Package model holds the document, mutation, query and target types shared by the
// persistence and synchronization layers.
package model

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/steveyegge/docsync/internal/status"
)

// ResourcePath is an ordered list of path segments, e.g. rooms/eros/messages/1.
type ResourcePath struct {
	segments []string
}

// NewResourcePath builds a path from already-validated segments.
func NewResourcePath(segments ...string) ResourcePath {
	return ResourcePath{segments: append([]string(nil), segments...)}
}

// ParseResourcePath parses a slash-separated path. Leading and trailing slashes are
// ignored; empty interior segments are rejected.
func ParseResourcePath(path string) (ResourcePath, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return ResourcePath{}, nil
	}
	if strings.Contains(trimmed, "//") {
		return ResourcePath{}, status.Invalidf("path %q contains an empty segment", path)
	}
	return ResourcePath{segments: strings.Split(trimmed, "/")}, nil
}

func (p ResourcePath) Len() int             { return len(p.segments) }
func (p ResourcePath) IsEmpty() bool        { return len(p.segments) == 0 }
func (p ResourcePath) Segment(i int) string { return p.segments[i] }

// Segments returns a copy of the path segments.
func (p ResourcePath) Segments() []string {
	return append([]string(nil), p.segments...)
}

func (p ResourcePath) LastSegment() string {
	if len(p.segments) == 0 {
		return ""
	}
	return p.segments[len(p.segments)-1]
}

// PopLast returns the parent path.
func (p ResourcePath) PopLast() ResourcePath {
	if len(p.segments) == 0 {
		return p
	}
	return ResourcePath{segments: p.segments[:len(p.segments)-1:len(p.segments)-1]}
}

// PopFirst drops the first n segments.
func (p ResourcePath) PopFirst(n int) ResourcePath {
	if n >= len(p.segments) {
		return ResourcePath{}
	}
	return ResourcePath{segments: append([]string(nil), p.segments[n:]...)}
}

// Child returns the path extended with the given segments.
func (p ResourcePath) Child(segments ...string) ResourcePath {
	out := make([]string, 0, len(p.segments)+len(segments))
	out = append(out, p.segments...)
	out = append(out, segments...)
	return ResourcePath{segments: out}
}

// IsPrefixOf reports whether p is a (non-strict) prefix of other.
func (p ResourcePath) IsPrefixOf(other ResourcePath) bool {
	if len(p.segments) > len(other.segments) {
		return false
	}
	for i, s := range p.segments {
		if other.segments[i] != s {
			return false
		}
	}
	return true
}

// IsImmediateParentOf reports whether other is exactly one segment below p.
func (p ResourcePath) IsImmediateParentOf(other ResourcePath) bool {
	return len(p.segments)+1 == len(other.segments) && p.IsPrefixOf(other)
}

// IsDocumentPath reports whether the path has an even, non-zero number of segments.
func (p ResourcePath) IsDocumentPath() bool {
	return len(p.segments) > 0 && len(p.segments)%2 == 0
}

func (p ResourcePath) Equal(other ResourcePath) bool {
	return p.Compare(other) == 0
}

// Compare orders paths segment by segment; a prefix sorts first.
func (p ResourcePath) Compare(other ResourcePath) int {
	n := len(p.segments)
	if len(other.segments) < n {
		n = len(other.segments)
	}
	for i := 0; i < n; i++ {
		if c := CompareSegments(p.segments[i], other.segments[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(p.segments) < len(other.segments):
		return -1
	case len(p.segments) > len(other.segments):
		return 1
	}
	return 0
}

// CanonicalString is the slash-joined form used in canonical ids and storage keys.
func (p ResourcePath) CanonicalString() string {
	return strings.Join(p.segments, "/")
}

func (p ResourcePath) String() string { return p.CanonicalString() }

// CompareSegments orders two path segments. Segments of the form __id<N>__ sort before
// all other segments and compare numerically among themselves.
func CompareSegments(a, b string) int {
	an, aNumeric := numericID(a)
	bn, bNumeric := numericID(b)
	switch {
	case aNumeric && !bNumeric:
		return -1
	case !aNumeric && bNumeric:
		return 1
	case aNumeric && bNumeric:
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

func numericID(segment string) (int64, bool) {
	if len(segment) <= 6 || !strings.HasPrefix(segment, "__id") || !strings.HasSuffix(segment, "__") {
		return 0, false
	}
	n, err := strconv.ParseInt(segment[4:len(segment)-2], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// KeyFieldName is the reserved field path that refers to a document's key.
const KeyFieldName = "__name__"

var simpleFieldSegment = regexp.MustCompile(`^[_a-zA-Z][_a-zA-Z0-9]*$`)

// FieldPath addresses a (possibly nested) field inside a document.
type FieldPath struct {
	segments []string
}

// NewFieldPath builds a field path from segments.
func NewFieldPath(segments ...string) FieldPath {
	return FieldPath{segments: append([]string(nil), segments...)}
}

// KeyFieldPath returns the __name__ path.
func KeyFieldPath() FieldPath { return FieldPath{segments: []string{KeyFieldName}} }

// ParseFieldPath parses a dotted field path such as "address.city".
func ParseFieldPath(path string) (FieldPath, error) {
	if path == "" {
		return FieldPath{}, status.Invalidf("field path must not be empty")
	}
	parts := strings.Split(path, ".")
	for _, s := range parts {
		if s == "" {
			return FieldPath{}, status.Invalidf("field path %q contains an empty segment", path)
		}
	}
	return FieldPath{segments: parts}, nil
}

// MustParseFieldPath is ParseFieldPath for static paths.
func MustParseFieldPath(path string) FieldPath {
	fp, err := ParseFieldPath(path)
	if err != nil {
		panic(err)
	}
	return fp
}

func (f FieldPath) Len() int             { return len(f.segments) }
func (f FieldPath) IsEmpty() bool        { return len(f.segments) == 0 }
func (f FieldPath) Segment(i int) string { return f.segments[i] }
func (f FieldPath) Segments() []string   { return append([]string(nil), f.segments...) }

func (f FieldPath) IsKeyField() bool {
	return len(f.segments) == 1 && f.segments[0] == KeyFieldName
}

func (f FieldPath) PopLast() FieldPath {
	if len(f.segments) == 0 {
		return f
	}
	return FieldPath{segments: append([]string(nil), f.segments[:len(f.segments)-1]...)}
}

func (f FieldPath) Child(segment string) FieldPath {
	return FieldPath{segments: append(f.Segments(), segment)}
}

// IsPrefixOf reports whether f is a (non-strict) prefix of other.
func (f FieldPath) IsPrefixOf(other FieldPath) bool {
	if len(f.segments) > len(other.segments) {
		return false
	}
	for i, s := range f.segments {
		if other.segments[i] != s {
			return false
		}
	}
	return true
}

func (f FieldPath) Compare(other FieldPath) int {
	n := len(f.segments)
	if len(other.segments) < n {
		n = len(other.segments)
	}
	for i := 0; i < n; i++ {
		if c := strings.Compare(f.segments[i], other.segments[i]); c != 0 {
			return c
		}
	}
	return len(f.segments) - len(other.segments)
}

func (f FieldPath) Equal(other FieldPath) bool { return f.Compare(other) == 0 }

// CanonicalString joins segments with dots, quoting segments that are not simple identifiers.
func (f FieldPath) CanonicalString() string {
	out := make([]string, len(f.segments))
	for i, s := range f.segments {
		if simpleFieldSegment.MatchString(s) {
			out[i] = s
			continue
		}
		s = strings.ReplaceAll(s, `\`, `\\`)
		s = strings.ReplaceAll(s, "`", "\\`")
		out[i] = "`" + s + "`"
	}
	return strings.Join(out, ".")
}

func (f FieldPath) String() string { return f.CanonicalString() }

// FieldMask is a set of field paths, used to describe which fields a patch touches.
type FieldMask struct {
	paths []FieldPath
}

// NewFieldMask returns a mask over the given paths, sorted and de-duplicated.
func NewFieldMask(paths ...FieldPath) *FieldMask {
	m := &FieldMask{}
	for _, p := range paths {
		m.add(p)
	}
	return m
}

func (m *FieldMask) add(p FieldPath) {
	i := sort.Search(len(m.paths), func(i int) bool { return m.paths[i].Compare(p) >= 0 })
	if i < len(m.paths) && m.paths[i].Equal(p) {
		return
	}
	m.paths = append(m.paths, FieldPath{})
	copy(m.paths[i+1:], m.paths[i:])
	m.paths[i] = p
}

// Paths returns the mask's paths in order.
func (m *FieldMask) Paths() []FieldPath {
	if m == nil {
		return nil
	}
	return append([]FieldPath(nil), m.paths...)
}

func (m *FieldMask) Len() int {
	if m == nil {
		return 0
	}
	return len(m.paths)
}

// Covers reports whether some path in the mask is a prefix of p.
func (m *FieldMask) Covers(p FieldPath) bool {
	for _, mp := range m.paths {
		if mp.IsPrefixOf(p) {
			return true
		}
	}
	return false
}

// Union returns a new mask holding the paths of both masks.
func (m *FieldMask) Union(paths ...FieldPath) *FieldMask {
	out := NewFieldMask(m.Paths()...)
	for _, p := range paths {
		out.add(p)
	}
	return out
}

func (m *FieldMask) Equal(other *FieldMask) bool {
	if m.Len() != other.Len() {
		return false
	}
	for i, p := range m.paths {
		if !p.Equal(other.paths[i]) {
			return false
		}
	}
	return true
}
