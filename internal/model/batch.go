package model

import "github.com/steveyegge/docsync/internal/status"

// UnknownBatchID marks the absence of a batch.
const UnknownBatchID = -1

// MutationBatch is an ordered group of mutations applied and acknowledged atomically.
type MutationBatch struct {
	BatchID        int
	LocalWriteTime Timestamp
	// BaseMutations capture transform base values; they are applied before Mutations
	// when computing a local view and are never sent to the backend.
	BaseMutations []Mutation
	Mutations     []Mutation
}

// ApplyToRemoteDocument applies the acknowledged mutations for doc's key.
func (b *MutationBatch) ApplyToRemoteDocument(doc *MutableDocument, result MutationBatchResult) error {
	if len(result.MutationResults) != len(b.Mutations) {
		return status.Assertf("mismatch between mutations length (%d) and results length (%d)",
			len(b.Mutations), len(result.MutationResults))
	}
	for i, m := range b.Mutations {
		if m.Key != doc.Key() {
			continue
		}
		if err := m.ApplyToRemoteDocument(doc, result.MutationResults[i]); err != nil {
			return err
		}
	}
	return nil
}

// ApplyToLocalView applies every mutation of the batch that touches doc.
func (b *MutationBatch) ApplyToLocalView(doc *MutableDocument, mask *FieldMask) *FieldMask {
	for _, m := range b.BaseMutations {
		if m.Key == doc.Key() {
			mask = m.ApplyToLocalView(doc, mask, b.LocalWriteTime)
		}
	}
	for _, m := range b.Mutations {
		if m.Key == doc.Key() {
			mask = m.ApplyToLocalView(doc, mask, b.LocalWriteTime)
		}
	}
	return mask
}

// ApplyToLocalDocumentSet applies the batch to every document it touches and returns the
// resulting overlay mutations. Keys in withoutRemoteVersion have no base document, so their
// overlays must describe the whole document.
func (b *MutationBatch) ApplyToLocalDocumentSet(docs map[DocumentKey]*OverlayedDocument, withoutRemoteVersion DocumentKeySet) map[DocumentKey]*Mutation {
	overlays := make(map[DocumentKey]*Mutation)
	for _, key := range b.Keys().Sorted() {
		od, ok := docs[key]
		if !ok {
			continue
		}
		mask := b.ApplyToLocalView(od.Document, od.MutatedFields)
		if withoutRemoteVersion.Has(key) {
			mask = nil
		}
		od.MutatedFields = mask
		if overlay := CalculateOverlayMutation(od.Document, mask); overlay != nil {
			overlays[key] = overlay
		}
		if !od.Document.IsValidDocument() {
			od.Document.ConvertToNoDocument(MinVersion)
		}
	}
	return overlays
}

// Keys returns the keys the batch writes.
func (b *MutationBatch) Keys() DocumentKeySet {
	keys := NewDocumentKeySet()
	for _, m := range b.Mutations {
		keys.Add(m.Key)
	}
	return keys
}

func (b *MutationBatch) Equal(o *MutationBatch) bool {
	if b.BatchID != o.BatchID || b.LocalWriteTime != o.LocalWriteTime ||
		len(b.Mutations) != len(o.Mutations) || len(b.BaseMutations) != len(o.BaseMutations) {
		return false
	}
	for i := range b.Mutations {
		if !b.Mutations[i].Equal(o.Mutations[i]) {
			return false
		}
	}
	for i := range b.BaseMutations {
		if !b.BaseMutations[i].Equal(o.BaseMutations[i]) {
			return false
		}
	}
	return true
}

// MutationBatchResult is the server's acknowledgement of a batch.
type MutationBatchResult struct {
	Batch           *MutationBatch
	CommitVersion   Timestamp
	MutationResults []MutationResult
	StreamToken     []byte
	// DocVersions maps each written key to the version the server assigned it.
	DocVersions map[DocumentKey]Timestamp
}

// NewMutationBatchResult pairs a batch with its per-mutation results.
func NewMutationBatchResult(batch *MutationBatch, commitVersion Timestamp, results []MutationResult, streamToken []byte) (MutationBatchResult, error) {
	if len(results) != len(batch.Mutations) {
		return MutationBatchResult{}, status.Assertf("batch %d has %d mutations but %d results",
			batch.BatchID, len(batch.Mutations), len(results))
	}
	versions := make(map[DocumentKey]Timestamp, len(results))
	for i, m := range batch.Mutations {
		versions[m.Key] = results[i].Version
	}
	return MutationBatchResult{
		Batch:           batch,
		CommitVersion:   commitVersion,
		MutationResults: results,
		StreamToken:     streamToken,
		DocVersions:     versions,
	}, nil
}

// Overlay is the net local effect of every queued mutation touching one key, up to and
// including LargestBatchID.
type Overlay struct {
	LargestBatchID int
	Mutation       Mutation
}

func (o Overlay) Key() DocumentKey { return o.Mutation.Key }

// OverlayedDocument is a local view together with the fields the overlay changed.
type OverlayedDocument struct {
	Document      *MutableDocument
	MutatedFields *FieldMask
}
