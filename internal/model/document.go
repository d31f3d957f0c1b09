package model

import "fmt"

// DocumentType tags what is known about a document.
type DocumentType int

const (
	// InvalidDocument is a placeholder for a key with no known state.
	InvalidDocument DocumentType = iota
	FoundDocument
	// NoDocument is a confirmed deletion.
	NoDocument
	// UnknownDocument exists but its contents are not known, e.g. after a patch
	// was acknowledged without a base document.
	UnknownDocument
)

func (t DocumentType) String() string {
	switch t {
	case FoundDocument:
		return "found"
	case NoDocument:
		return "no-document"
	case UnknownDocument:
		return "unknown"
	}
	return "invalid"
}

// DocumentState tracks pending writes on a document.
type DocumentState int

const (
	Synced DocumentState = iota
	HasLocalMutations
	HasCommittedMutations
)

func (s DocumentState) String() string {
	switch s {
	case HasLocalMutations:
		return "has-local-mutations"
	case HasCommittedMutations:
		return "has-committed-mutations"
	}
	return "synced"
}

// MutableDocument is the engine's document representation. Caches hand out clones; a
// MutableDocument is never shared between owners.
type MutableDocument struct {
	key        DocumentKey
	docType    DocumentType
	version    Timestamp
	readTime   Timestamp
	createTime Timestamp
	data       ObjectValue
	state      DocumentState
}

func NewInvalidDocument(key DocumentKey) *MutableDocument {
	return &MutableDocument{key: key, data: NewObjectValue()}
}

func NewFoundDocument(key DocumentKey, version Timestamp, data ObjectValue) *MutableDocument {
	return NewInvalidDocument(key).ConvertToFoundDocument(version, data)
}

func NewNoDocument(key DocumentKey, version Timestamp) *MutableDocument {
	return NewInvalidDocument(key).ConvertToNoDocument(version)
}

func NewUnknownDocument(key DocumentKey, version Timestamp) *MutableDocument {
	return NewInvalidDocument(key).ConvertToUnknownDocument(version)
}

func (d *MutableDocument) ConvertToFoundDocument(version Timestamp, data ObjectValue) *MutableDocument {
	d.version = version
	d.docType = FoundDocument
	d.data = data
	d.state = Synced
	return d
}

func (d *MutableDocument) ConvertToNoDocument(version Timestamp) *MutableDocument {
	d.version = version
	d.docType = NoDocument
	d.data = NewObjectValue()
	d.state = Synced
	return d
}

func (d *MutableDocument) ConvertToUnknownDocument(version Timestamp) *MutableDocument {
	d.version = version
	d.docType = UnknownDocument
	d.data = NewObjectValue()
	d.state = HasCommittedMutations
	return d
}

func (d *MutableDocument) SetHasCommittedMutations() *MutableDocument {
	d.state = HasCommittedMutations
	return d
}

func (d *MutableDocument) SetHasLocalMutations() *MutableDocument {
	d.state = HasLocalMutations
	d.version = MinVersion
	return d
}

func (d *MutableDocument) SetReadTime(t Timestamp) *MutableDocument {
	d.readTime = t
	return d
}

// SetCreateTime records the server-reported creation time.
func (d *MutableDocument) SetCreateTime(t Timestamp) *MutableDocument {
	d.createTime = t
	return d
}

func (d *MutableDocument) Key() DocumentKey        { return d.key }
func (d *MutableDocument) Type() DocumentType      { return d.docType }
func (d *MutableDocument) Version() Timestamp      { return d.version }
func (d *MutableDocument) ReadTime() Timestamp     { return d.readTime }
func (d *MutableDocument) CreateTime() Timestamp   { return d.createTime }
func (d *MutableDocument) Data() ObjectValue       { return d.data }
func (d *MutableDocument) State() DocumentState    { return d.state }
func (d *MutableDocument) IsValidDocument() bool   { return d.docType != InvalidDocument }
func (d *MutableDocument) IsFoundDocument() bool   { return d.docType == FoundDocument }
func (d *MutableDocument) IsNoDocument() bool      { return d.docType == NoDocument }
func (d *MutableDocument) IsUnknownDocument() bool { return d.docType == UnknownDocument }

func (d *MutableDocument) HasLocalMutations() bool     { return d.state == HasLocalMutations }
func (d *MutableDocument) HasCommittedMutations() bool { return d.state == HasCommittedMutations }
func (d *MutableDocument) HasPendingWrites() bool {
	return d.HasLocalMutations() || d.HasCommittedMutations()
}

// Field returns the value at path.
func (d *MutableDocument) Field(path FieldPath) (Value, bool) {
	return d.data.Get(path)
}

// Clone returns an independent copy.
func (d *MutableDocument) Clone() *MutableDocument {
	c := *d
	c.data = d.data.Clone()
	return &c
}

// Equal compares everything but the read time.
func (d *MutableDocument) Equal(o *MutableDocument) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.key == o.key && d.docType == o.docType && d.version == o.version &&
		d.state == o.state && d.data.Equal(o.data)
}

func (d *MutableDocument) String() string {
	return fmt.Sprintf("Document(%s, %s, %s, %s, %s)", d.key, d.docType, d.version, d.state, d.data)
}
