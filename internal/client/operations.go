package client

import (
	"context"
	"sync"

	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/status"
	"github.com/steveyegge/docsync/internal/syncengine"
)

// ExecuteQuery answers query from the local cache, with pending local writes applied.
func (c *Client) ExecuteQuery(ctx context.Context, query model.Query) (*syncengine.ViewSnapshot, error) {
	var snap *syncengine.ViewSnapshot
	err := c.queue.Enqueue(ctx, func() error {
		res, err := c.local.ExecuteQuery(ctx, query, true)
		if err != nil {
			return err
		}
		view := syncengine.NewView(query, res.RemoteKeys)
		dc, err := view.ComputeDocChanges(res.Documents, nil)
		if err != nil {
			return err
		}
		if _, err := view.ApplyChanges(dc, false, nil); err != nil {
			return err
		}
		snap = view.ComputeInitialSnapshot()
		return nil
	})
	return snap, err
}

// ReadDocument returns the local view of one document. A document the cache knows nothing
// about comes back as an invalid document.
func (c *Client) ReadDocument(ctx context.Context, key model.DocumentKey) (*model.MutableDocument, error) {
	var doc *model.MutableDocument
	err := c.queue.Enqueue(ctx, func() error {
		var err error
		doc, err = c.local.ReadDocument(ctx, key)
		return err
	})
	return doc, err
}

// PendingWrite is a batch queued by LocalWrite.
type PendingWrite struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newPendingWrite() *PendingWrite { return &PendingWrite{done: make(chan struct{})} }

func (w *PendingWrite) resolve(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

// Done is closed once the backend accepted or rejected the batch.
func (w *PendingWrite) Done() <-chan struct{} { return w.done }

// Err is the rejection cause once Done is closed.
func (w *PendingWrite) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

// Wait blocks until the batch is acknowledged or rejected.
func (w *PendingWrite) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LocalWrite applies mutations as one batch. They are visible to queries and listeners
// immediately; the returned PendingWrite resolves when the backend answers.
func (c *Client) LocalWrite(ctx context.Context, mutations ...model.Mutation) (*PendingWrite, error) {
	if len(mutations) == 0 {
		return nil, status.Invalidf("a write needs at least one mutation")
	}
	w := newPendingWrite()
	err := c.queue.Enqueue(ctx, func() error {
		return c.engine.Write(ctx, mutations, w.resolve)
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// ListenerRegistration ends a listen started with Listen.
type ListenerRegistration struct {
	client   *Client
	listener *syncengine.QueryListener
	observer *asyncObserver
	once     sync.Once
}

// Listen calls fn with a snapshot of query now and after every change. fn runs on its own
// goroutine, never concurrently with itself. After an error fn is not called again.
func (c *Client) Listen(ctx context.Context, query model.Query, opts syncengine.ListenOptions,
	fn func(*syncengine.ViewSnapshot, error)) (*ListenerRegistration, error) {
	obs := newAsyncObserver(fn)
	l := syncengine.NewQueryListener(query, opts, obs.next)
	if err := c.queue.Enqueue(ctx, func() error { return c.events.Listen(ctx, l) }); err != nil {
		obs.mute()
		return nil, err
	}
	c.mu.Lock()
	c.observers[obs] = struct{}{}
	c.mu.Unlock()
	return &ListenerRegistration{client: c, listener: l, observer: obs}, nil
}

// Remove stops the listen. Calling it again does nothing.
func (r *ListenerRegistration) Remove(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		err = r.client.Unlisten(ctx, r)
	})
	return err
}

// Unlisten stops the listen behind r.
func (c *Client) Unlisten(ctx context.Context, r *ListenerRegistration) error {
	r.observer.mute()
	c.mu.Lock()
	delete(c.observers, r.observer)
	c.mu.Unlock()
	return c.queue.Enqueue(ctx, func() error { return c.events.Unlisten(ctx, r.listener) })
}

// GetOnlineState returns the client's view of backend reachability.
func (c *Client) GetOnlineState(ctx context.Context) (remote.OnlineState, error) {
	var state remote.OnlineState
	err := c.queue.Enqueue(ctx, func() error {
		state = c.remote.OnlineState()
		return nil
	})
	return state, err
}

// EnableNetwork reconnects to the backend after DisableNetwork.
func (c *Client) EnableNetwork(ctx context.Context) error {
	if !c.hasConn {
		return status.Invalidf("no backend url configured")
	}
	return c.queue.Enqueue(ctx, func() error {
		if err := c.lease.SetNetworkEnabled(ctx, true); err != nil {
			return err
		}
		return c.remote.EnableNetwork()
	})
}

// DisableNetwork stops talking to the backend. Queries are answered from the cache and
// writes queue up locally.
func (c *Client) DisableNetwork(ctx context.Context) error {
	return c.queue.Enqueue(ctx, func() error { return c.disableNetwork(ctx) })
}

func (c *Client) disableNetwork(ctx context.Context) error {
	if err := c.lease.SetNetworkEnabled(ctx, false); err != nil {
		return err
	}
	return c.remote.DisableNetwork()
}

// WaitForPendingWrites blocks until every batch written so far is acknowledged or
// rejected. It fails with an ErrCancelled error if the user changes first.
func (c *Client) WaitForPendingWrites(ctx context.Context) error {
	done := make(chan error, 1)
	err := c.queue.Enqueue(ctx, func() error {
		return c.engine.RegisterPendingWritesCallback(ctx, func(err error) { done <- err })
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetAuthToken switches the client to the user token identifies. An empty token signs
// out. Pending writes of the previous user stay queued under that user.
func (c *Client) SetAuthToken(ctx context.Context, token string) error {
	p, user, err := providerFor(token)
	if err != nil {
		return err
	}
	return c.queue.Enqueue(ctx, func() error {
		c.creds.set(p, user)
		return c.remote.HandleCredentialChange(user)
	})
}

// User returns the user the client runs as.
func (c *Client) User() model.User { return c.creds.User() }

// ConfigureFieldIndexes replaces the client-side field indexes with indexes.
func (c *Client) ConfigureFieldIndexes(ctx context.Context, indexes []model.FieldIndex) error {
	return c.queue.Enqueue(ctx, func() error { return c.local.ConfigureFieldIndexes(ctx, indexes) })
}

// GetFieldIndexes returns the configured field indexes.
func (c *Client) GetFieldIndexes(ctx context.Context) ([]model.FieldIndex, error) {
	var out []model.FieldIndex
	err := c.queue.Enqueue(ctx, func() error {
		var err error
		out, err = c.local.GetFieldIndexes(ctx)
		return err
	})
	return out, err
}

// DeleteAllFieldIndexes removes every field index and its entries.
func (c *Client) DeleteAllFieldIndexes(ctx context.Context) error {
	return c.queue.Enqueue(ctx, func() error { return c.local.DeleteAllFieldIndexes(ctx) })
}

// SetIndexAutoCreationEnabled turns automatic index creation on or off.
func (c *Client) SetIndexAutoCreationEnabled(ctx context.Context, enabled bool) error {
	return c.queue.Enqueue(ctx, func() error {
		c.local.SetIndexAutoCreationEnabled(enabled)
		return nil
	})
}

// CollectGarbage runs one LRU collection now.
func (c *Client) CollectGarbage(ctx context.Context) (local.LruResults, error) {
	var res local.LruResults
	err := c.queue.Enqueue(ctx, func() error {
		var err error
		res, err = c.local.CollectGarbage(ctx, c.gc)
		return err
	})
	return res, err
}

// Status describes a running client.
type Status struct {
	ClientID                 string   `json:"clientId" yaml:"client_id"`
	User                     string   `json:"user" yaml:"user"`
	Backend                  string   `json:"backend" yaml:"backend"`
	Primary                  bool     `json:"primary" yaml:"primary"`
	OnlineState              string   `json:"onlineState" yaml:"online_state"`
	PendingWrites            int      `json:"pendingWrites" yaml:"pending_writes"`
	HasUnacknowledgedWrites  bool     `json:"hasUnacknowledgedWrites" yaml:"has_unacknowledged_writes"`
	CacheSizeBytes           int64    `json:"cacheSizeBytes" yaml:"cache_size_bytes"`
	ActiveTargets            int      `json:"activeTargets" yaml:"active_targets"`
	ActiveLimboResolutions   int      `json:"activeLimboResolutions" yaml:"active_limbo_resolutions"`
	EnqueuedLimboResolutions int      `json:"enqueuedLimboResolutions" yaml:"enqueued_limbo_resolutions"`
	ActiveClients            []string `json:"activeClients" yaml:"active_clients"`
}

// Status collects a snapshot of the client's state.
func (c *Client) Status(ctx context.Context) (Status, error) {
	st := Status{
		ClientID: c.lease.ClientID(),
		Backend:  c.store.Backend().Name(),
	}
	err := c.queue.Enqueue(ctx, func() error {
		st.User = c.local.User().String()
		st.Primary = c.engine.IsPrimary()
		st.OnlineState = c.remote.OnlineState().String()
		st.PendingWrites = c.remote.PendingWrites()
		st.ActiveTargets = int(c.local.ActiveTargetIDs().GetCardinality())
		st.ActiveLimboResolutions = len(c.engine.ActiveLimboDocumentResolutions())
		st.EnqueuedLimboResolutions = len(c.engine.EnqueuedLimboDocumentResolutions())

		highest, err := c.local.GetHighestUnacknowledgedBatchID(ctx)
		if err != nil {
			return err
		}
		st.HasUnacknowledgedWrites = highest != model.UnknownBatchID
		if st.CacheSizeBytes, err = c.local.GetCacheSize(ctx); err != nil {
			return err
		}
		st.ActiveClients, err = c.lease.ActiveClients(ctx)
		return err
	})
	return st, err
}
