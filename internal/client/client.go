// Package client assembles a docsync client from its settings: the storage backend, the
// primary lease, the local store, the remote store, the sync engine and the background
// schedulers, all driven by one AsyncQueue.
//
// Client methods are safe for concurrent use. Each one runs as an operation on the queue
// and waits for it; snapshot callbacks run on a separate goroutine per listener.
package client

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/lease"
	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/queue"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/sharedstate"
	"github.com/steveyegge/docsync/internal/status"
	"github.com/steveyegge/docsync/internal/storage"
	"github.com/steveyegge/docsync/internal/syncengine"
)

// Options configures New. Only Settings is commonly set.
type Options struct {
	// Settings defaults to config.DefaultSettings().
	Settings *config.Settings

	// Logger defaults to a logger built from Settings.Log.
	Logger *logrus.Logger

	// ClientID defaults to a new ULID.
	ClientID string

	// Connection overrides the websocket connection built from Settings.Network.URL.
	Connection remote.Connection

	// SharedDir overrides where client inboxes live. Defaults to <persistence.path>/clients.
	SharedDir string

	// Now is the lease clock. Defaults to time.Now.
	Now func() time.Time
}

// Client is a running docsync client.
type Client struct {
	settings *config.Settings
	log      *logrus.Entry
	hasConn  bool

	queue    *queue.AsyncQueue
	store    *storage.Store
	lease    *lease.Manager
	creds    *credentials
	local    *local.LocalStore
	remote   *remote.RemoteStore
	engine   *syncengine.SyncEngine
	events   *syncengine.EventManager
	gc       *local.LruGarbageCollector
	lru      *local.LruScheduler
	backfill *local.IndexBackfiller

	router  *sharedstate.Router
	shared  *sharedstate.Channel
	watcher *sharedstate.Watcher

	stop          chan struct{}
	wg            sync.WaitGroup
	terminateOnce sync.Once
	terminateErr  error

	mu        sync.Mutex
	observers map[*asyncObserver]struct{}
}

// New opens the persistence layer, takes part in the primary lease election and starts the
// client's network and background work.
func New(ctx context.Context, opts Options) (*Client, error) {
	s := opts.Settings
	if s == nil {
		s = config.DefaultSettings()
	}
	if err := s.Validate(); err != nil {
		return nil, status.Invalidf("invalid settings: %v", err)
	}
	d, err := s.ParseDurations()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		if logger, err = logging.New(logging.Options{Level: s.Log.Level, Format: s.Log.Format}); err != nil {
			return nil, err
		}
	}

	creds, err := newCredentials(s.Network.Token)
	if err != nil {
		return nil, err
	}

	q := queue.New(logging.Component(logger, "queue"))
	store, err := storage.Open(ctx, storage.BackendConfig{
		Name: s.Persistence.Backend,
		Path: s.Persistence.Path,
		DSN:  s.Persistence.DSN,
	}, storage.Options{Log: logging.Component(logger, "storage")})
	if err != nil {
		_ = q.Shutdown(ctx, nil)
		return nil, fmt.Errorf("opening persistence: %w", err)
	}

	c := &Client{
		settings:  s,
		log:       logging.Component(logger, "client"),
		hasConn:   opts.Connection != nil || s.Network.URL != "",
		queue:     q,
		store:     store,
		creds:     creds,
		stop:      make(chan struct{}),
		observers: map[*asyncObserver]struct{}{},
	}
	c.lease = lease.NewManager(store, q, lease.Options{
		ClientID:        opts.ClientID,
		AllowSharing:    s.Lease.AllowSharing,
		RefreshInterval: d.LeaseRefresh,
		MaxAge:          d.LeaseMaxAge,
		Log:             logging.Component(logger, "lease"),
		Now:             opts.Now,
	})
	c.log = c.log.WithField("client", c.lease.ClientID())

	c.local = local.NewLocalStore(store, creds.User(), local.Options{
		Log:                                logging.Component(logger, "local"),
		IndexAutoCreation:                  s.Index.AutoCreate,
		MinCollectionSizeToAutoCreateIndex: s.Index.MinCollectionSize,
		RelativeIndexReadCostPerDocument:   s.Index.RelativeReadCost,
	})
	c.engine = syncengine.New(c.local, creds.User(), syncengine.Options{
		Log:                           logging.Component(logger, "sync"),
		MaxConcurrentLimboResolutions: s.Sync.MaxConcurrentLimboResolutions,
	})

	conn := opts.Connection
	if conn == nil {
		if s.Network.URL != "" {
			conn = remote.NewWebsocketConnection(s.Network.URL, logging.Component(logger, "websocket"))
		} else {
			conn = offlineConnection{}
		}
	}
	c.remote = remote.NewRemoteStore(c.local, c.engine, conn, creds, q, remote.Options{
		Log:                logging.Component(logger, "remote"),
		DocumentNamePrefix: s.Network.DocumentNamePrefix,
	})
	c.engine.SetRemoteStore(c.remote)
	c.events = syncengine.NewEventManager(c.engine)

	c.gc = c.local.NewGarbageCollector(local.LruParams{
		CacheSizeCollectionThreshold:    s.Cache.SizeBytes,
		PercentileToCollect:             s.Cache.PercentileToCollect,
		MaximumSequenceNumbersToCollect: s.Cache.MaxSequenceNumbersToCollect,
	})
	c.lru = local.NewLruScheduler(c.gc, c.local, q)
	c.lru.InitialDelay = d.GCInitialDelay
	c.lru.RegularDelay = d.GCInterval
	c.backfill = local.NewIndexBackfiller(c.local, q)
	c.backfill.MaxDocuments = s.Index.BackfillMaxDocs
	c.backfill.InitialDelay = d.BackfillInitialDelay
	c.backfill.RegularDelay = d.BackfillInterval

	if sharingEnabled(s) {
		root := opts.SharedDir
		if root == "" {
			root = filepath.Join(s.Persistence.Path, "clients")
		}
		c.router = sharedstate.NewRouter(root)
		c.shared = sharedstate.NewChannel(c.lease.ClientID(), c.router, c.peers, q, logging.Component(logger, "sharedstate"))
		c.engine.SetSharedState(c.shared)
	}

	primaryChanges := c.lease.Subscribe()
	if err := q.Enqueue(ctx, func() error { return c.start(ctx) }); err != nil {
		_ = q.Shutdown(ctx, func() error { return store.Close() })
		return nil, err
	}

	if c.shared != nil {
		inbox, err := c.shared.Inbox()
		if err == nil {
			c.watcher, err = sharedstate.NewWatcher(inbox, c.handleSharedState, logging.Component(logger, "sharedstate"))
		}
		if err != nil {
			_ = c.Terminate(ctx)
			return nil, fmt.Errorf("starting shared state: %w", err)
		}
		c.watcher.Start()
	}

	c.wg.Add(1)
	go c.followPrimaryState(primaryChanges)

	c.log.WithFields(logrus.Fields{
		"backend": store.Backend().Name(),
		"primary": c.lease.IsPrimary(),
		"user":    creds.User().String(),
	}).Info("client started")
	return c, nil
}

func sharingEnabled(s *config.Settings) bool {
	if !s.Lease.AllowSharing {
		return false
	}
	// bbolt locks its file for one process and the memory backend is private.
	return s.Persistence.Backend != config.BackendMemory && s.Persistence.Backend != config.BackendBolt
}

// start runs on the queue.
func (c *Client) start(ctx context.Context) error {
	if err := c.local.Start(ctx); err != nil {
		return fmt.Errorf("starting local store: %w", err)
	}
	if err := c.lease.Start(ctx); err != nil {
		return fmt.Errorf("acquiring primary lease: %w", err)
	}
	if err := c.remote.Start(); err != nil {
		return fmt.Errorf("starting remote store: %w", err)
	}
	if !c.settings.Network.Enabled || !c.hasConn {
		if err := c.disableNetwork(ctx); err != nil {
			return err
		}
	}
	c.backfill.Start()
	return c.applyPrimaryState(c.lease.IsPrimary())
}

// applyPrimaryState runs on the queue. Only the primary uses the network and collects
// garbage.
func (c *Client) applyPrimaryState(primary bool) error {
	if err := c.engine.SetPrimary(primary); err != nil {
		return err
	}
	if err := c.remote.ApplyPrimaryState(primary); err != nil {
		return err
	}
	if primary && !c.lru.Started() {
		c.lru.Start()
	} else if !primary {
		c.lru.Stop()
	}
	return nil
}

func (c *Client) followPrimaryState(changes <-chan bool) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case primary := <-changes:
			c.log.WithField("primary", primary).Debug("applying primary state")
			c.queue.EnqueueAndForget(func() error { return c.applyPrimaryState(primary) })
		}
	}
}

func (c *Client) peers(ctx context.Context) ([]string, error) {
	return c.lease.ActiveClients(ctx)
}

// ClientID returns the client's id in the primary lease election.
func (c *Client) ClientID() string { return c.lease.ClientID() }

// Settings returns the settings the client runs with.
func (c *Client) Settings() *config.Settings { return c.settings }

// Terminate stops the network and background work, gives up the primary lease and closes
// the persistence layer. Operations enqueued afterwards fail with an ErrCancelled error.
func (c *Client) Terminate(ctx context.Context) error {
	c.terminateOnce.Do(func() {
		close(c.stop)
		if c.watcher != nil {
			_ = c.watcher.Close()
		}
		c.mu.Lock()
		for o := range c.observers {
			o.mute()
		}
		c.observers = map[*asyncObserver]struct{}{}
		c.mu.Unlock()

		c.terminateErr = c.queue.Shutdown(ctx, func() error {
			c.lru.Stop()
			c.backfill.Stop()
			if c.shared != nil {
				c.shared.Close()
			}
			var errs []error
			if err := c.remote.Shutdown(); err != nil {
				errs = append(errs, fmt.Errorf("stopping remote store: %w", err))
			}
			if err := c.lease.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("releasing lease: %w", err))
			}
			if c.router != nil {
				if err := c.router.Remove(c.lease.ClientID()); err != nil {
					errs = append(errs, fmt.Errorf("removing inbox: %w", err))
				}
			}
			if err := c.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing persistence: %w", err))
			}
			return errors.Join(errs...)
		})
		c.wg.Wait()
		c.log.Info("client terminated")
	})
	return c.terminateErr
}

// offlineConnection backs a client with no backend URL. Its network stays disabled.
type offlineConnection struct{}

func (offlineConnection) OpenStream(context.Context, remote.StreamKind, remote.Token, string) (remote.Stream, error) {
	return nil, status.New(status.Unavailable, "no backend configured")
}
