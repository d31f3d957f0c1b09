package syncengine

import (
	"context"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/remote"
)

// ListenOptions tune which snapshots a QueryListener raises.
type ListenOptions struct {
	// IncludeMetadataChanges raises snapshots in which only pending-write or sync state
	// changed.
	IncludeMetadataChanges bool
	// WaitForSyncWhenOnline holds back cached results while the client may be online, so
	// the first snapshot comes from the backend.
	WaitForSyncWhenOnline bool
}

// Observer receives a listener's snapshots, or the error that ended the listen.
type Observer func(snap *ViewSnapshot, err error)

// QueryListener filters a query's snapshots for one observer.
type QueryListener struct {
	Query    model.Query
	opts     ListenOptions
	observer Observer

	raisedInitialEvent bool
	snap               *ViewSnapshot
	onlineState        remote.OnlineState
}

// NewQueryListener returns a listener for q.
func NewQueryListener(q model.Query, opts ListenOptions, observer Observer) *QueryListener {
	return &QueryListener{Query: q, opts: opts, observer: observer}
}

// OnViewSnapshot reports whether snap was raised to the observer.
func (l *QueryListener) OnViewSnapshot(snap *ViewSnapshot) bool {
	if !l.opts.IncludeMetadataChanges {
		changes := make([]DocumentViewChange, 0, len(snap.DocumentChanges))
		for _, c := range snap.DocumentChanges {
			if c.Type != ChangeMetadata {
				changes = append(changes, c)
			}
		}
		filtered := *snap
		filtered.DocumentChanges = changes
		filtered.ExcludesMetadataChanges = true
		snap = &filtered
	}

	raised := false
	if !l.raisedInitialEvent {
		if l.shouldRaiseInitialEvent(snap, l.onlineState) {
			l.raiseInitialEvent(snap)
			raised = true
		}
	} else if l.shouldRaiseEvent(snap) {
		l.raise(snap)
		raised = true
	}
	l.snap = snap
	return raised
}

// OnError ends the listen with err.
func (l *QueryListener) OnError(err error) { l.observer(nil, err) }

// ApplyOnlineStateChange reports whether a held-back initial snapshot was raised because
// of the new state.
func (l *QueryListener) ApplyOnlineStateChange(state remote.OnlineState) bool {
	l.onlineState = state
	if l.snap != nil && !l.raisedInitialEvent && l.shouldRaiseInitialEvent(l.snap, state) {
		l.raiseInitialEvent(l.snap)
		return true
	}
	return false
}

func (l *QueryListener) shouldRaiseInitialEvent(snap *ViewSnapshot, state remote.OnlineState) bool {
	if !snap.FromCache {
		return true
	}
	maybeOnline := state != remote.OnlineStateOffline
	if l.opts.WaitForSyncWhenOnline && maybeOnline {
		return false
	}
	// An empty cached result is held back until the backend answers or the client is
	// known to be offline.
	return snap.Docs.Len() > 0 || state == remote.OnlineStateOffline
}

func (l *QueryListener) shouldRaiseEvent(snap *ViewSnapshot) bool {
	if len(snap.DocumentChanges) > 0 {
		return true
	}
	pendingWritesChanged := l.snap != nil && l.snap.HasPendingWrites() != snap.HasPendingWrites()
	if snap.SyncStateChanged || pendingWritesChanged {
		return l.opts.IncludeMetadataChanges
	}
	return false
}

func (l *QueryListener) raiseInitialEvent(snap *ViewSnapshot) {
	l.raisedInitialEvent = true
	l.raise(snapshotFromInitialDocuments(snap.Query, snap.Docs, snap.MutatedKeys, snap.FromCache, snap.ExcludesMetadataChanges))
}

func (l *QueryListener) raise(snap *ViewSnapshot) {
	snapshotsRaised.Inc()
	l.observer(snap, nil)
}

// queryListeners are the listeners sharing one query.
type queryListeners struct {
	viewSnap  *ViewSnapshot
	listeners []*QueryListener
}

// EventManager fans the sync engine's snapshots out to query listeners, listening to each
// query on the engine once however many listeners it has. Its methods must be called on the
// queue.
type EventManager struct {
	engine      *SyncEngine
	queries     map[string]*queryListeners
	onlineState remote.OnlineState
}

// NewEventManager returns an event manager and registers it as engine's listener.
func NewEventManager(engine *SyncEngine) *EventManager {
	m := &EventManager{engine: engine, queries: map[string]*queryListeners{}}
	engine.SetListener(m)
	return m
}

// Listen registers l. The first listener of a query starts listening on the engine.
func (m *EventManager) Listen(ctx context.Context, l *QueryListener) error {
	canonID := l.Query.CanonicalID()
	info, ok := m.queries[canonID]
	first := !ok
	if first {
		info = &queryListeners{}
		m.queries[canonID] = info
	}
	info.listeners = append(info.listeners, l)
	l.ApplyOnlineStateChange(m.onlineState)
	if info.viewSnap != nil {
		l.OnViewSnapshot(info.viewSnap)
	}
	if !first {
		return nil
	}

	snap, err := m.engine.Listen(ctx, l.Query, true)
	if err != nil {
		delete(m.queries, canonID)
		l.OnError(err)
		return err
	}
	m.OnWatchChange([]*ViewSnapshot{snap})
	return nil
}

// Unlisten removes l. The engine stops listening once a query has no listeners left.
func (m *EventManager) Unlisten(ctx context.Context, l *QueryListener) error {
	canonID := l.Query.CanonicalID()
	info, ok := m.queries[canonID]
	if !ok {
		return nil
	}
	for i, other := range info.listeners {
		if other == l {
			info.listeners = append(info.listeners[:i], info.listeners[i+1:]...)
			break
		}
	}
	if len(info.listeners) > 0 {
		return nil
	}
	delete(m.queries, canonID)
	return m.engine.Unlisten(ctx, l.Query, true)
}

// OnWatchChange delivers snapshots to the listeners of their queries.
func (m *EventManager) OnWatchChange(snapshots []*ViewSnapshot) {
	for _, snap := range snapshots {
		info, ok := m.queries[snap.Query.CanonicalID()]
		if !ok {
			continue
		}
		for _, l := range info.listeners {
			l.OnViewSnapshot(snap)
		}
		info.viewSnap = snap
	}
}

// OnWatchError ends every listen of query.
func (m *EventManager) OnWatchError(q model.Query, err error) {
	canonID := q.CanonicalID()
	info, ok := m.queries[canonID]
	if !ok {
		return
	}
	for _, l := range info.listeners {
		l.OnError(err)
	}
	delete(m.queries, canonID)
}

// OnOnlineStateChange passes the state to every listener.
func (m *EventManager) OnOnlineStateChange(state remote.OnlineState) {
	m.onlineState = state
	for _, info := range m.queries {
		for _, l := range info.listeners {
			l.ApplyOnlineStateChange(state)
		}
	}
}
