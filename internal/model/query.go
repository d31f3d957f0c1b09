package model

import (
	"sort"
	"strconv"
	"strings"

	"github.com/steveyegge/docsync/internal/status"
)

// Operator is a field filter comparison.
type Operator string

const (
	OpLessThan           Operator = "<"
	OpLessThanOrEqual    Operator = "<="
	OpEqual              Operator = "=="
	OpNotEqual           Operator = "!="
	OpGreaterThan        Operator = ">"
	OpGreaterThanOrEqual Operator = ">="
	OpArrayContains      Operator = "array-contains"
	OpIn                 Operator = "in"
	OpArrayContainsAny   Operator = "array-contains-any"
	OpNotIn              Operator = "not-in"
)

// IsInequality reports whether the operator constrains ordering.
func (op Operator) IsInequality() bool {
	switch op {
	case OpLessThan, OpLessThanOrEqual, OpGreaterThan, OpGreaterThanOrEqual, OpNotEqual, OpNotIn:
		return true
	}
	return false
}

// Filter is either a FieldFilter or a CompositeFilter.
type Filter interface {
	Matches(doc *MutableDocument) bool
	// FlattenedFilters returns every FieldFilter in the tree.
	FlattenedFilters() []FieldFilter
	CanonicalID() string
}

// FieldFilter compares one field against a constant.
type FieldFilter struct {
	Field FieldPath
	Op    Operator
	Value Value
}

// NewFieldFilter validates and builds a field filter.
func NewFieldFilter(field FieldPath, op Operator, value Value) (FieldFilter, error) {
	switch op {
	case OpLessThan, OpLessThanOrEqual, OpEqual, OpNotEqual, OpGreaterThan, OpGreaterThanOrEqual, OpArrayContains:
	case OpIn, OpArrayContainsAny, OpNotIn:
		if !value.IsArray() {
			return FieldFilter{}, status.Invalidf("operator %s requires an array value", op)
		}
	default:
		return FieldFilter{}, status.Invalidf("unknown operator %q", op)
	}
	if field.IsKeyField() {
		if op == OpArrayContains || op == OpArrayContainsAny {
			return FieldFilter{}, status.Invalidf("operator %s is not valid on %s", op, KeyFieldName)
		}
		check := []Value{value}
		if value.IsArray() {
			check = value.arr
		}
		for _, v := range check {
			if v.kind != KindReference {
				return FieldFilter{}, status.Invalidf("filters on %s require document references", KeyFieldName)
			}
		}
	}
	return FieldFilter{Field: field, Op: op, Value: value}, nil
}

func (f FieldFilter) Matches(doc *MutableDocument) bool {
	if f.Field.IsKeyField() {
		switch f.Op {
		case OpIn:
			return f.Value.ArrayContains(ReferenceValue(doc.Key()))
		case OpNotIn:
			return !f.Value.ArrayContains(ReferenceValue(doc.Key()))
		}
		return f.matchesComparison(doc.Key().Compare(f.Value.Reference()))
	}
	other, ok := doc.Field(f.Field)
	switch f.Op {
	case OpArrayContains:
		return ok && other.IsArray() && other.ArrayContains(f.Value)
	case OpArrayContainsAny:
		if !ok || !other.IsArray() {
			return false
		}
		for _, e := range f.Value.arr {
			if other.ArrayContains(e) {
				return true
			}
		}
		return false
	case OpIn:
		return ok && f.Value.ArrayContains(other)
	case OpNotIn:
		if f.Value.ArrayContains(NullValue()) {
			return false
		}
		return ok && !other.IsNull() && !f.Value.ArrayContains(other)
	case OpNotEqual:
		return ok && !other.IsNull() && f.matchesComparison(other.Compare(f.Value))
	}
	return ok && other.TypeOrder() == f.Value.TypeOrder() && f.matchesComparison(other.Compare(f.Value))
}

func (f FieldFilter) matchesComparison(c int) bool {
	switch f.Op {
	case OpLessThan:
		return c < 0
	case OpLessThanOrEqual:
		return c <= 0
	case OpEqual:
		return c == 0
	case OpNotEqual:
		return c != 0
	case OpGreaterThan:
		return c > 0
	case OpGreaterThanOrEqual:
		return c >= 0
	}
	return false
}

func (f FieldFilter) FlattenedFilters() []FieldFilter { return []FieldFilter{f} }

func (f FieldFilter) CanonicalID() string {
	return f.Field.CanonicalString() + string(f.Op) + f.Value.Canonical()
}

// CompositeOperator joins the children of a CompositeFilter.
type CompositeOperator string

const (
	And CompositeOperator = "and"
	Or  CompositeOperator = "or"
)

// CompositeFilter combines child filters with And or Or.
type CompositeFilter struct {
	Op      CompositeOperator
	Filters []Filter
}

func (c CompositeFilter) Matches(doc *MutableDocument) bool {
	if c.Op == Or {
		for _, f := range c.Filters {
			if f.Matches(doc) {
				return true
			}
		}
		return false
	}
	for _, f := range c.Filters {
		if !f.Matches(doc) {
			return false
		}
	}
	return true
}

func (c CompositeFilter) FlattenedFilters() []FieldFilter {
	var out []FieldFilter
	for _, f := range c.Filters {
		out = append(out, f.FlattenedFilters()...)
	}
	return out
}

func (c CompositeFilter) isFlatConjunction() bool {
	if c.Op != And {
		return false
	}
	for _, f := range c.Filters {
		if _, ok := f.(FieldFilter); !ok {
			return false
		}
	}
	return true
}

func (c CompositeFilter) CanonicalID() string {
	var sb strings.Builder
	if c.isFlatConjunction() {
		for _, f := range c.Filters {
			sb.WriteString(f.CanonicalID())
		}
		return sb.String()
	}
	sb.WriteString(string(c.Op))
	sb.WriteByte('(')
	for i, f := range c.Filters {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(f.CanonicalID())
	}
	sb.WriteByte(')')
	return sb.String()
}

// Direction is a sort direction.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// OrderBy sorts results by one field.
type OrderBy struct {
	Field     FieldPath
	Direction Direction
}

func (o OrderBy) CanonicalID() string { return o.Field.CanonicalString() + string(o.Direction) }

func (o OrderBy) compare(a, b *MutableDocument) int {
	var c int
	if o.Field.IsKeyField() {
		c = a.Key().Compare(b.Key())
	} else {
		av, _ := a.Field(o.Field)
		bv, _ := b.Field(o.Field)
		c = av.Compare(bv)
	}
	if o.Direction == Descending {
		c = -c
	}
	return c
}

// Bound is a cursor position over a query's normalized order by.
type Bound struct {
	Position  []Value
	Inclusive bool
}

func (b *Bound) canonicalID() string {
	var sb strings.Builder
	if b.Inclusive {
		sb.WriteString("b:")
	} else {
		sb.WriteString("a:")
	}
	for i, v := range b.Position {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(v.Canonical())
	}
	return sb.String()
}

func (b *Bound) compareToDocument(orderBy []OrderBy, doc *MutableDocument) int {
	c := 0
	for i, v := range b.Position {
		if i >= len(orderBy) {
			break
		}
		ob := orderBy[i]
		if ob.Field.IsKeyField() {
			c = v.Reference().Compare(doc.Key())
		} else {
			dv, _ := doc.Field(ob.Field)
			c = v.Compare(dv)
		}
		if ob.Direction == Descending {
			c = -c
		}
		if c != 0 {
			break
		}
	}
	return c
}

func (b *Bound) sortsBeforeDocument(orderBy []OrderBy, doc *MutableDocument) bool {
	c := b.compareToDocument(orderBy, doc)
	if b.Inclusive {
		return c <= 0
	}
	return c < 0
}

func (b *Bound) sortsAfterDocument(orderBy []OrderBy, doc *MutableDocument) bool {
	c := b.compareToDocument(orderBy, doc)
	if b.Inclusive {
		return c >= 0
	}
	return c > 0
}

// Target is the backend-facing form of a query: a normalized order by and no limit type.
type Target struct {
	Path            ResourcePath
	CollectionGroup string
	OrderBy         []OrderBy
	Filters         []Filter
	Limit           int
	StartAt         *Bound
	EndAt           *Bound
}

// NewDocumentTarget listens to a single document.
func NewDocumentTarget(key DocumentKey) Target {
	return NewQuery(key.Path()).ToTarget()
}

// IsDocumentTarget reports whether the target watches exactly one document.
func (t Target) IsDocumentTarget() bool {
	return t.Path.IsDocumentPath() && t.CollectionGroup == "" && len(t.Filters) == 0
}

func (t Target) HasLimit() bool { return t.Limit > 0 }

// CanonicalID identifies the target for caching. Equal ids mean equivalent targets.
func (t Target) CanonicalID() string {
	var sb strings.Builder
	sb.WriteString(t.Path.CanonicalString())
	if t.CollectionGroup != "" {
		sb.WriteString("|cg:")
		sb.WriteString(t.CollectionGroup)
	}
	sb.WriteString("|f:")
	for _, f := range t.Filters {
		sb.WriteString(f.CanonicalID())
	}
	sb.WriteString("|ob:")
	for i, o := range t.OrderBy {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(o.CanonicalID())
	}
	if t.HasLimit() {
		sb.WriteString("|l:")
		sb.WriteString(strconv.Itoa(t.Limit))
	}
	if t.StartAt != nil {
		sb.WriteString("|lb:")
		sb.WriteString(t.StartAt.canonicalID())
	}
	if t.EndAt != nil {
		sb.WriteString("|ub:")
		sb.WriteString(t.EndAt.canonicalID())
	}
	return sb.String()
}

func (t Target) Equal(o Target) bool { return t.CanonicalID() == o.CanonicalID() }

func (t Target) String() string { return t.CanonicalID() }

// FlattenedFilters returns every field filter of the target.
func (t Target) FlattenedFilters() []FieldFilter {
	var out []FieldFilter
	for _, f := range t.Filters {
		out = append(out, f.FlattenedFilters()...)
	}
	return out
}

// FieldFiltersFor returns the flattened filters on field.
func (t Target) FieldFiltersFor(field FieldPath) []FieldFilter {
	var out []FieldFilter
	for _, f := range t.FlattenedFilters() {
		if f.Field.Equal(field) {
			out = append(out, f)
		}
	}
	return out
}

// LimitType selects which end of the result a limit keeps.
type LimitType int

const (
	LimitToFirst LimitType = iota
	LimitToLast
)

// Query is the application-facing description of a result set.
type Query struct {
	Path            ResourcePath
	CollectionGroup string
	Filters         []Filter
	ExplicitOrderBy []OrderBy
	Limit           int
	LimitType       LimitType
	StartAt         *Bound
	EndAt           *Bound
}

// NewQuery returns a query over the collection or document at path.
func NewQuery(path ResourcePath) Query { return Query{Path: path} }

// NewCollectionGroupQuery returns a query over every collection named group below path.
func NewCollectionGroupQuery(path ResourcePath, group string) Query {
	return Query{Path: path, CollectionGroup: group}
}

// ParseQueryPath accepts a collection or document path.
func ParseQueryPath(path string) (Query, error) {
	rp, err := ParseResourcePath(path)
	if err != nil {
		return Query{}, err
	}
	return NewQuery(rp), nil
}

func (q Query) clone() Query {
	q.Filters = append([]Filter(nil), q.Filters...)
	q.ExplicitOrderBy = append([]OrderBy(nil), q.ExplicitOrderBy...)
	return q
}

func (q Query) WithFilter(f Filter) Query {
	out := q.clone()
	out.Filters = append(out.Filters, f)
	return out
}

func (q Query) WithOrderBy(field FieldPath, dir Direction) Query {
	out := q.clone()
	out.ExplicitOrderBy = append(out.ExplicitOrderBy, OrderBy{Field: field, Direction: dir})
	return out
}

func (q Query) WithLimitToFirst(n int) Query {
	out := q.clone()
	out.Limit, out.LimitType = n, LimitToFirst
	return out
}

func (q Query) WithLimitToLast(n int) Query {
	out := q.clone()
	out.Limit, out.LimitType = n, LimitToLast
	return out
}

func (q Query) WithStartAt(b Bound) Query {
	out := q.clone()
	out.StartAt = &b
	return out
}

func (q Query) WithEndAt(b Bound) Query {
	out := q.clone()
	out.EndAt = &b
	return out
}

// WithoutLimit drops the limit.
func (q Query) WithoutLimit() Query {
	out := q.clone()
	out.Limit = 0
	return out
}

// AsCollectionQueryAtPath turns a collection group query into a query over one collection.
func (q Query) AsCollectionQueryAtPath(path ResourcePath) Query {
	out := q.clone()
	out.Path = path
	out.CollectionGroup = ""
	return out
}

func (q Query) HasLimit() bool { return q.Limit > 0 }

func (q Query) IsDocumentQuery() bool {
	return q.Path.IsDocumentPath() && q.CollectionGroup == "" && len(q.Filters) == 0
}

func (q Query) IsCollectionGroupQuery() bool { return q.CollectionGroup != "" }

// MatchesAllDocuments reports whether the query has no filters, limits or bounds beyond key order.
func (q Query) MatchesAllDocuments() bool {
	if len(q.Filters) > 0 || q.HasLimit() || q.StartAt != nil || q.EndAt != nil {
		return false
	}
	return len(q.ExplicitOrderBy) == 0 ||
		(len(q.ExplicitOrderBy) == 1 && q.ExplicitOrderBy[0].Field.IsKeyField())
}

// InequalityFields returns the fields constrained by inequality filters, in field order.
func (q Query) InequalityFields() []FieldPath {
	var out []FieldPath
	for _, f := range q.flattened() {
		if !f.Op.IsInequality() {
			continue
		}
		dup := false
		for _, e := range out {
			if e.Equal(f.Field) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, f.Field)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

func (q Query) flattened() []FieldFilter {
	var out []FieldFilter
	for _, f := range q.Filters {
		out = append(out, f.FlattenedFilters()...)
	}
	return out
}

// NormalizedOrderBy is the explicit order by followed by the inequality fields and the key,
// each sorted in the direction of the last explicit ordering.
func (q Query) NormalizedOrderBy() []OrderBy {
	out := append([]OrderBy(nil), q.ExplicitOrderBy...)
	seen := make(map[string]bool, len(out))
	for _, o := range out {
		seen[o.Field.CanonicalString()] = true
	}
	last := Ascending
	if len(out) > 0 {
		last = out[len(out)-1].Direction
	}
	for _, f := range q.InequalityFields() {
		if !seen[f.CanonicalString()] && !f.IsKeyField() {
			out = append(out, OrderBy{Field: f, Direction: last})
			seen[f.CanonicalString()] = true
		}
	}
	if !seen[KeyFieldName] {
		out = append(out, OrderBy{Field: KeyFieldPath(), Direction: last})
	}
	return out
}

// ToTarget converts the query into its backend target. Limit-to-last queries are sent with
// flipped orderings and swapped bounds.
func (q Query) ToTarget() Target {
	orderBy := q.NormalizedOrderBy()
	t := Target{
		Path:            q.Path,
		CollectionGroup: q.CollectionGroup,
		Filters:         append([]Filter(nil), q.Filters...),
		Limit:           q.Limit,
		StartAt:         q.StartAt,
		EndAt:           q.EndAt,
		OrderBy:         orderBy,
	}
	if q.LimitType == LimitToLast {
		flipped := make([]OrderBy, len(orderBy))
		for i, o := range orderBy {
			dir := Descending
			if o.Direction == Descending {
				dir = Ascending
			}
			flipped[i] = OrderBy{Field: o.Field, Direction: dir}
		}
		t.OrderBy = flipped
		t.StartAt, t.EndAt = nil, nil
		if q.EndAt != nil {
			t.StartAt = &Bound{Position: q.EndAt.Position, Inclusive: !q.EndAt.Inclusive}
		}
		if q.StartAt != nil {
			t.EndAt = &Bound{Position: q.StartAt.Position, Inclusive: !q.StartAt.Inclusive}
		}
	}
	return t
}

// CanonicalID identifies the query, including its limit type.
func (q Query) CanonicalID() string {
	lt := "f"
	if q.LimitType == LimitToLast {
		lt = "l"
	}
	return q.ToTarget().CanonicalID() + "|lt:" + lt
}

func (q Query) Equal(o Query) bool { return q.CanonicalID() == o.CanonicalID() }

func (q Query) String() string { return q.CanonicalID() }

// Matches reports whether doc belongs to the query's result, ignoring limits.
func (q Query) Matches(doc *MutableDocument) bool {
	if !doc.IsFoundDocument() || !q.matchesPath(doc) {
		return false
	}
	orderBy := q.NormalizedOrderBy()
	for _, o := range orderBy {
		if o.Field.IsKeyField() {
			continue
		}
		if _, ok := doc.Field(o.Field); !ok {
			return false
		}
	}
	for _, f := range q.Filters {
		if !f.Matches(doc) {
			return false
		}
	}
	if q.StartAt != nil && !q.StartAt.sortsBeforeDocument(orderBy, doc) {
		return false
	}
	if q.EndAt != nil && !q.EndAt.sortsAfterDocument(orderBy, doc) {
		return false
	}
	return true
}

func (q Query) matchesPath(doc *MutableDocument) bool {
	path := doc.Key().Path()
	if q.CollectionGroup != "" {
		return doc.Key().HasCollectionID(q.CollectionGroup) && q.Path.IsPrefixOf(path)
	}
	if q.Path.IsDocumentPath() {
		return q.Path.Equal(path)
	}
	return q.Path.IsImmediateParentOf(path)
}

// Comparator orders documents by the normalized order by. The trailing key ordering makes
// the order total.
func (q Query) Comparator() func(a, b *MutableDocument) int {
	orderBy := q.NormalizedOrderBy()
	return func(a, b *MutableDocument) int {
		for _, o := range orderBy {
			if c := o.compare(a, b); c != 0 {
				return c
			}
		}
		return 0
	}
}

// CollectionGroupID returns the collection id the query reads from.
func (q Query) CollectionGroupID() string {
	if q.CollectionGroup != "" {
		return q.CollectionGroup
	}
	if q.Path.Len()%2 == 1 {
		return q.Path.LastSegment()
	}
	if q.Path.Len() == 0 {
		return ""
	}
	return q.Path.Segment(q.Path.Len() - 2)
}

// CollectionGroupID returns the collection id the target reads from.
func (t Target) CollectionGroupID() string {
	return Query{Path: t.Path, CollectionGroup: t.CollectionGroup}.CollectionGroupID()
}
