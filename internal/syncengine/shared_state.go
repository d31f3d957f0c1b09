package syncengine

import (
	"context"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/remote"
)

// SharedState tells the other clients sharing the persistence layer what this client
// changed. The primary reports write outcomes, remote changes and its online state;
// every client reports the batches it queues.
type SharedState interface {
	AddPendingMutation(user model.User, batchID int)
	UpdateMutationState(user model.User, batchID int, keys model.DocumentKeySet, err error)
	NotifyDocumentsChanged(keys model.DocumentKeySet)
	SetOnlineState(state remote.OnlineState)
}

type noopSharedState struct{}

func (noopSharedState) AddPendingMutation(model.User, int)                               {}
func (noopSharedState) UpdateMutationState(model.User, int, model.DocumentKeySet, error) {}
func (noopSharedState) NotifyDocumentsChanged(model.DocumentKeySet)                      {}
func (noopSharedState) SetOnlineState(remote.OnlineState)                                {}

// SetSharedState attaches the channel to the other clients.
func (s *SyncEngine) SetSharedState(shared SharedState) {
	if shared == nil {
		shared = noopSharedState{}
	}
	s.shared = shared
}

// ApplyBatchState applies the outcome of a batch another client wrote to the backend. The
// local store already holds the result, so the views only re-read the batch's documents.
func (s *SyncEngine) ApplyBatchState(ctx context.Context, user model.User, batchID int, keys model.DocumentKeySet, cause error) error {
	if user.UID != s.currentUser.UID {
		return nil
	}
	docs, err := s.local.ReadDocuments(ctx, keys)
	if err != nil {
		return err
	}
	s.processUserCallback(batchID, cause)
	s.triggerPendingWritesCallbacks(batchID)
	return s.emitNewSnapsAndNotifyLocalStore(ctx, docs, nil)
}

// ApplyDocumentChanges re-reads documents another client changed and raises the resulting
// snapshots.
func (s *SyncEngine) ApplyDocumentChanges(ctx context.Context, keys model.DocumentKeySet) error {
	if keys.Len() == 0 {
		return nil
	}
	docs, err := s.local.ReadDocuments(ctx, keys)
	if err != nil {
		return err
	}
	return s.emitNewSnapsAndNotifyLocalStore(ctx, docs, nil)
}

// ApplySharedOnlineState takes the primary's online state on a secondary client.
func (s *SyncEngine) ApplySharedOnlineState(state remote.OnlineState) error {
	if s.isPrimary {
		return nil
	}
	return s.applyOnlineState(state)
}

// IsPrimary reports whether the engine acts for the primary client.
func (s *SyncEngine) IsPrimary() bool { return s.isPrimary }
