// Package lease elects one primary among the clients sharing a persistence directory.
//
// The primary holds a time-limited lease stored in the owner table and refreshes it on a
// timer. Only the primary runs the network streams and garbage collection; other clients
// stay secondary until the lease lapses or the primary gives it up. Each client also keeps
// a metadata row so clients can see which of them is best placed to take over.
package lease

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/queue"
	"github.com/steveyegge/docsync/internal/status"
	"github.com/steveyegge/docsync/internal/storage"
)

// Lease timing defaults.
const (
	DefaultRefreshInterval = 4 * time.Second
	DefaultMaxAge          = 5 * time.Second
	// ClientMetadataMaxAge is how long a silent client's metadata row is kept.
	ClientMetadataMaxAge = 30 * time.Minute
)

var ownerKey = []byte("owner")

// NewClientID returns a new sortable client id.
func NewClientID() string { return ulid.Make().String() }

// Owner is the persisted primary lease.
type Owner struct {
	OwnerID          string `json:"ownerId"`
	AllowSharing     bool   `json:"allowSharing"`
	LeaseTimestampMs int64  `json:"leaseTimestampMs"`
}

// ClientMetadata is the row each client keeps fresh while it runs.
type ClientMetadata struct {
	ClientID       string `json:"clientId"`
	UpdateTimeMs   int64  `json:"updateTimeMs"`
	NetworkEnabled bool   `json:"networkEnabled"`
	InForeground   bool   `json:"inForeground"`
}

// Options configures a Manager.
type Options struct {
	ClientID        string
	AllowSharing    bool
	RefreshInterval time.Duration
	MaxAge          time.Duration
	Log             *logrus.Entry
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Manager holds or waits for the primary lease on behalf of one client.
type Manager struct {
	store *storage.Store
	queue *queue.AsyncQueue
	log   *logrus.Entry
	opts  Options

	mu             sync.Mutex
	isPrimary      bool
	networkEnabled bool
	inForeground   bool
	started        bool
	refresh        *queue.DelayedOperation
	subscribers    []chan bool
}

// NewManager returns a manager for the client described by opts. The client starts
// foregrounded with its network enabled.
func NewManager(store *storage.Store, q *queue.AsyncQueue, opts Options) *Manager {
	if opts.ClientID == "" {
		opts.ClientID = NewClientID()
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:          store,
		queue:          q,
		log:            logging.OrDiscard(opts.Log).WithField("client", opts.ClientID),
		opts:           opts,
		networkEnabled: true,
		inForeground:   true,
	}
}

// ClientID returns the client's id.
func (m *Manager) ClientID() string { return m.opts.ClientID }

// IsPrimary reports whether the client held the lease at the last refresh.
func (m *Manager) IsPrimary() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isPrimary
}

// Subscribe returns a channel that receives the new primary state after every change. Only
// the latest state is buffered.
func (m *Manager) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager) notify(primary bool) {
	m.mu.Lock()
	subs := append([]chan bool(nil), m.subscribers...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case <-ch:
		default:
		}
		ch <- primary
	}
}

// Start installs the manager as the store's primary check, tries to take the lease and
// schedules refreshes.
func (m *Manager) Start(ctx context.Context) error {
	m.store.SetPrimaryVerifier(m)
	if err := m.UpdateClientMetadataAndTryBecomePrimary(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	m.scheduleRefresh()
	m.log.WithField("primary", m.IsPrimary()).Info("lease manager started")
	return nil
}

func (m *Manager) scheduleRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.refresh = m.queue.EnqueueAfterDelay(queue.TimerClientMetadataRefresh, m.opts.RefreshInterval, func() error {
		if err := m.UpdateClientMetadataAndTryBecomePrimary(context.Background()); err != nil {
			m.log.WithError(err).Warn("refreshing client lease failed")
		}
		m.scheduleRefresh()
		return nil
	})
}

// SetNetworkEnabled records the client's network state and re-runs the election, since a
// client without network should not stay primary when another one could.
func (m *Manager) SetNetworkEnabled(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	m.networkEnabled = enabled
	m.mu.Unlock()
	return m.UpdateClientMetadataAndTryBecomePrimary(ctx)
}

// SetInForeground records whether the client is in the foreground.
func (m *Manager) SetInForeground(ctx context.Context, foreground bool) error {
	m.mu.Lock()
	m.inForeground = foreground
	m.mu.Unlock()
	return m.UpdateClientMetadataAndTryBecomePrimary(ctx)
}

func (m *Manager) nowMs() int64 { return m.opts.Now().UnixMilli() }

func (m *Manager) withinAge(ts int64, maxAge time.Duration) bool {
	now := m.nowMs()
	// A timestamp from the future means clocks disagree; treat it as expired.
	return ts <= now && now-ts < maxAge.Milliseconds()
}

// UpdateClientMetadataAndTryBecomePrimary refreshes the client's metadata row and takes,
// extends or releases the lease in one transaction.
func (m *Manager) UpdateClientMetadataAndTryBecomePrimary(ctx context.Context) error {
	m.mu.Lock()
	networkEnabled, inForeground := m.networkEnabled, m.inForeground
	wasPrimary := m.isPrimary
	m.mu.Unlock()

	var primary bool
	err := m.store.RunTransaction(ctx, "Update client metadata and try become primary", storage.ReadWrite, func(tx *storage.Tx) error {
		md := ClientMetadata{
			ClientID:       m.opts.ClientID,
			UpdateTimeMs:   m.nowMs(),
			NetworkEnabled: networkEnabled,
			InForeground:   inForeground,
		}
		if err := putJSON(tx, storage.TableClientMetadata, []byte(m.opts.ClientID), md); err != nil {
			return err
		}
		can, err := m.canActAsPrimary(tx, networkEnabled, inForeground)
		if err != nil {
			return err
		}
		if can {
			primary = true
			return putJSON(tx, storage.TableOwner, ownerKey, Owner{
				OwnerID:          m.opts.ClientID,
				AllowSharing:     m.opts.AllowSharing,
				LeaseTimestampMs: m.nowMs(),
			})
		}
		primary = false
		return m.releaseLeaseIfHeld(tx)
	})
	if err != nil {
		return err
	}
	if err := m.collectStaleClients(ctx); err != nil {
		m.log.WithError(err).Debug("removing stale client metadata failed")
	}
	m.mu.Lock()
	m.isPrimary = primary
	m.mu.Unlock()
	if primary != wasPrimary {
		m.log.WithField("primary", primary).Info("primary state changed")
		m.notify(primary)
	}
	return nil
}

// canActAsPrimary decides whether this client may hold the lease. A valid lease held by
// another client wins; otherwise a client with network and foreground may take it, and a
// weaker client only when no live client is better placed.
func (m *Manager) canActAsPrimary(tx storage.Txn, networkEnabled, inForeground bool) (bool, error) {
	var owner Owner
	ok, err := getJSON(tx, storage.TableOwner, ownerKey, &owner)
	if err != nil {
		return false, err
	}
	if ok && m.withinAge(owner.LeaseTimestampMs, m.opts.MaxAge) {
		if owner.OwnerID == m.opts.ClientID {
			if networkEnabled {
				return true, nil
			}
		} else {
			if !owner.AllowSharing {
				return false, status.New(status.FailedPrecondition,
					"another client holds exclusive access to the persistence layer")
			}
			return false, nil
		}
	}
	if networkEnabled && inForeground {
		return true, nil
	}

	better := false
	err = tx.Scan(storage.TableClientMetadata, storage.All(), storage.Asc, 0, func(_, v []byte) (bool, error) {
		var other ClientMetadata
		if err := json.Unmarshal(v, &other); err != nil {
			return false, err
		}
		if other.ClientID == m.opts.ClientID || !m.withinAge(other.UpdateTimeMs, ClientMetadataMaxAge) {
			return true, nil
		}
		betterNetwork := !networkEnabled && other.NetworkEnabled
		betterVisibility := !inForeground && other.InForeground
		sameNetwork := networkEnabled == other.NetworkEnabled
		if betterNetwork || (sameNetwork && betterVisibility) {
			better = true
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return !better, nil
}

func (m *Manager) releaseLeaseIfHeld(tx storage.Txn) error {
	var owner Owner
	ok, err := getJSON(tx, storage.TableOwner, ownerKey, &owner)
	if err != nil || !ok || owner.OwnerID != m.opts.ClientID {
		return err
	}
	return tx.Delete(storage.TableOwner, ownerKey)
}

// collectStaleClients removes metadata rows of clients that stopped refreshing.
func (m *Manager) collectStaleClients(ctx context.Context) error {
	return m.store.RunTransaction(ctx, "Remove stale client metadata", storage.ReadWrite, func(tx *storage.Tx) error {
		var stale [][]byte
		err := tx.Scan(storage.TableClientMetadata, storage.All(), storage.Asc, 0, func(k, v []byte) (bool, error) {
			var md ClientMetadata
			if err := json.Unmarshal(v, &md); err != nil {
				return false, err
			}
			if md.ClientID != m.opts.ClientID && !m.withinAge(md.UpdateTimeMs, ClientMetadataMaxAge) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := tx.Delete(storage.TableClientMetadata, k); err != nil {
				return err
			}
		}
		return nil
	})
}

// VerifyPrimary reports whether this client owns an unexpired lease. It runs inside
// primary-only transactions.
func (m *Manager) VerifyPrimary(tx storage.Txn) (bool, error) {
	var owner Owner
	ok, err := getJSON(tx, storage.TableOwner, ownerKey, &owner)
	if err != nil || !ok {
		return false, err
	}
	held := owner.OwnerID == m.opts.ClientID && m.withinAge(owner.LeaseTimestampMs, m.opts.MaxAge)
	if !held && m.IsPrimary() {
		m.mu.Lock()
		m.isPrimary = false
		m.mu.Unlock()
		m.log.Warn("lost primary lease")
		m.notify(false)
	}
	return held, nil
}

// ActiveClients returns the ids of clients that refreshed their metadata recently.
func (m *Manager) ActiveClients(ctx context.Context) ([]string, error) {
	var ids []string
	err := m.store.RunTransaction(ctx, "Get active clients", storage.ReadOnly, func(tx *storage.Tx) error {
		ids = nil
		return tx.Scan(storage.TableClientMetadata, storage.All(), storage.Asc, 0, func(_, v []byte) (bool, error) {
			var md ClientMetadata
			if err := json.Unmarshal(v, &md); err != nil {
				return false, err
			}
			if m.withinAge(md.UpdateTimeMs, ClientMetadataMaxAge) {
				ids = append(ids, md.ClientID)
			}
			return true, nil
		})
	})
	return ids, err
}

// Shutdown stops refreshing, gives up the lease and removes the client's metadata row.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.started = false
	if m.refresh != nil {
		m.refresh.Cancel()
		m.refresh = nil
	}
	wasPrimary := m.isPrimary
	m.isPrimary = false
	m.mu.Unlock()

	err := m.store.RunTransaction(ctx, "Shutdown lease", storage.ReadWrite, func(tx *storage.Tx) error {
		if err := m.releaseLeaseIfHeld(tx); err != nil {
			return err
		}
		return tx.Delete(storage.TableClientMetadata, []byte(m.opts.ClientID))
	})
	if wasPrimary {
		m.notify(false)
	}
	m.store.SetPrimaryVerifier(nil)
	return err
}

func putJSON(tx storage.Txn, table storage.Table, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Put(table, key, data)
}

func getJSON(tx storage.Txn, table storage.Table, key []byte, v interface{}) (bool, error) {
	data, err := tx.Get(table, key)
	if err != nil || data == nil {
		return false, err
	}
	return true, json.Unmarshal(data, v)
}
