package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/status"
)

var (
	transactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "storage",
		Name:      "transactions_total",
		Help:      "Storage transactions by mode and outcome.",
	}, []string{"mode", "outcome"})

	transactionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "storage",
		Name:      "transaction_retries_total",
		Help:      "Storage transaction attempts that were retried.",
	})
)

// Defaults for Options.
const (
	DefaultMaxTransactionAttempts = 3
	DefaultMaxPrimaryAttempts     = 3
	DefaultRetryInitialInterval   = 50 * time.Millisecond
	DefaultRetryMaxInterval       = 2 * time.Second
)

// PrimaryVerifier confirms, inside a transaction, that this client holds the primary lease.
type PrimaryVerifier interface {
	VerifyPrimary(txn Txn) (bool, error)
}

// Options configures a Store.
type Options struct {
	// MaxTransactionAttempts bounds the attempts of a transaction failing with storage errors.
	MaxTransactionAttempts int
	// MaxPrimaryAttempts bounds the attempts of a primary-only transaction without the lease.
	MaxPrimaryAttempts   int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	Log                  *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.MaxTransactionAttempts <= 0 {
		o.MaxTransactionAttempts = DefaultMaxTransactionAttempts
	}
	if o.MaxPrimaryAttempts <= 0 {
		o.MaxPrimaryAttempts = DefaultMaxPrimaryAttempts
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = DefaultRetryInitialInterval
	}
	if o.RetryMaxInterval <= 0 {
		o.RetryMaxInterval = DefaultRetryMaxInterval
	}
	o.Log = logging.OrDiscard(o.Log)
	return o
}

// Store runs transactions against a Backend.
type Store struct {
	backend Backend
	opts    Options
	log     *logrus.Entry

	mu       sync.RWMutex
	verifier PrimaryVerifier
}

// NewStore wraps backend. Call Migrate before running transactions.
func NewStore(backend Backend, opts Options) *Store {
	opts = opts.withDefaults()
	return &Store{backend: backend, opts: opts, log: opts.Log}
}

// Backend returns the underlying engine.
func (s *Store) Backend() Backend { return s.backend }

// Close closes the backend.
func (s *Store) Close() error { return s.backend.Close() }

// SetPrimaryVerifier installs the lease check used by ReadWritePrimary transactions.
// With no verifier installed the client is always primary.
func (s *Store) SetPrimaryVerifier(v PrimaryVerifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifier = v
}

func (s *Store) primaryVerifier() PrimaryVerifier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verifier
}

// Migrate brings the schema up to SchemaVersion.
func (s *Store) Migrate(ctx context.Context) error {
	from, to, err := migrate(ctx, s.backend, Migrations)
	if err != nil {
		return err
	}
	if from != to {
		s.log.WithFields(logrus.Fields{"from": from, "to": to, "backend": s.backend.Name()}).Info("migrated schema")
	}
	return nil
}

// Clear deletes every row except the schema version, leaving an empty, migrated store.
// Callers make sure no client is using the store.
func (s *Store) Clear(ctx context.Context) error {
	return s.backend.Run(ctx, true, func(txn Txn) error {
		version, err := txn.Get(TableGlobals, GlobalSchemaVersion)
		if err != nil {
			return err
		}
		for _, m := range Migrations {
			for _, table := range m.Tables {
				if err := txn.DeleteRange(table, All()); err != nil {
					return fmt.Errorf("clearing %s: %w", table, err)
				}
			}
		}
		if version == nil {
			return nil
		}
		return txn.Put(TableGlobals, GlobalSchemaVersion, version)
	})
}

// errNotPrimary marks an attempt that failed the lease check.
var errNotPrimary = errors.New("primary lease not held")

// RunTransaction runs fn atomically. Storage failures are retried with backoff up to
// MaxTransactionAttempts, after which ErrUnavailable is returned. ReadWritePrimary
// transactions check the lease first and fail with ErrPrimaryLeaseLost once
// MaxPrimaryAttempts checks have failed. Any other error from fn aborts without retry.
func (s *Store) RunTransaction(ctx context.Context, label string, mode Mode, fn func(*Tx) error) error {
	var storageAttempts, primaryAttempts int

	op := func() error {
		err := s.attempt(ctx, label, mode, fn)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, errNotPrimary):
			primaryAttempts++
			if primaryAttempts >= s.opts.MaxPrimaryAttempts {
				return backoff.Permanent(status.ErrPrimaryLeaseLost.New(label))
			}
		case status.IsRetryableStorage(err) && ctx.Err() == nil:
			storageAttempts++
			if storageAttempts >= s.opts.MaxTransactionAttempts {
				return backoff.Permanent(status.ErrUnavailable.Wrap(err, storageAttempts, label))
			}
		default:
			return backoff.Permanent(err)
		}
		transactionRetries.Inc()
		s.log.WithFields(logrus.Fields{"label": label, "mode": mode.String()}).WithError(err).Debug("retrying transaction")
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryInitialInterval
	b.MaxInterval = s.opts.RetryMaxInterval
	b.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	outcome := "ok"
	switch {
	case err == nil:
	case status.Is(err, status.ErrUnavailable):
		outcome = "unavailable"
		s.log.WithField("label", label).WithError(err).Warn("storage transaction gave up")
	case status.Is(err, status.ErrPrimaryLeaseLost):
		outcome = "lease_lost"
	default:
		outcome = "error"
	}
	transactionsTotal.WithLabelValues(mode.String(), outcome).Inc()
	return err
}

func (s *Store) attempt(ctx context.Context, label string, mode Mode, fn func(*Tx) error) error {
	var tx *Tx
	var fnErr error
	err := s.backend.Run(ctx, mode.Writable(), func(raw Txn) error {
		tx = &Tx{raw: raw, ctx: ctx, label: label, mode: mode}
		if mode == ReadWritePrimary {
			if v := s.primaryVerifier(); v != nil {
				ok, err := v.VerifyPrimary(tx)
				if err != nil {
					fnErr = err
					return err
				}
				if !ok {
					fnErr = errNotPrimary
					return errNotPrimary
				}
			}
		}
		fnErr = fn(tx)
		return fnErr
	})
	if err != nil {
		if fnErr != nil && errors.Is(err, fnErr) {
			return fnErr
		}
		// Begin or commit failed.
		return status.ErrStorage.Wrap(err, label)
	}
	for _, cb := range tx.committed {
		cb()
	}
	return nil
}

// Tx is the transaction handle passed to RunTransaction bodies. Backend failures are
// reported as retryable storage errors.
type Tx struct {
	raw       Txn
	ctx       context.Context
	label     string
	mode      Mode
	committed []func()
}

// Context returns the context the transaction runs under.
func (t *Tx) Context() context.Context { return t.ctx }

// Label names the transaction in logs and errors.
func (t *Tx) Label() string { return t.label }

// Mode returns the transaction's access mode.
func (t *Tx) Mode() Mode { return t.mode }

// OnCommitted registers fn to run after a successful commit of this attempt.
func (t *Tx) OnCommitted(fn func()) {
	t.committed = append(t.committed, fn)
}

func (t *Tx) wrap(err error) error {
	if err == nil {
		return nil
	}
	if status.Is(err, status.ErrStorage) || status.Is(err, status.ErrAssertion) {
		return err
	}
	return status.ErrStorage.Wrap(err, t.label)
}

func (t *Tx) Get(table Table, key []byte) ([]byte, error) {
	v, err := t.raw.Get(table, key)
	return v, t.wrap(err)
}

func (t *Tx) Put(table Table, key, value []byte) error {
	if !t.mode.Writable() {
		return status.Assertf("write to %s in read-only transaction %q", table, t.label)
	}
	return t.wrap(t.raw.Put(table, key, value))
}

func (t *Tx) Delete(table Table, key []byte) error {
	if !t.mode.Writable() {
		return status.Assertf("delete from %s in read-only transaction %q", table, t.label)
	}
	return t.wrap(t.raw.Delete(table, key))
}

func (t *Tx) DeleteRange(table Table, interval Interval) error {
	if !t.mode.Writable() {
		return status.Assertf("delete range from %s in read-only transaction %q", table, t.label)
	}
	return t.wrap(t.raw.DeleteRange(table, interval))
}

// Scan errors returned by fn pass through unchanged.
func (t *Tx) Scan(table Table, interval Interval, order Order, limit int, fn func(key, value []byte) (bool, error)) error {
	var cbErr error
	err := t.raw.Scan(table, interval, order, limit, func(k, v []byte) (bool, error) {
		more, err := fn(k, v)
		if err != nil {
			cbErr = err
		}
		return more, err
	})
	if err != nil && cbErr != nil && errors.Is(err, cbErr) {
		return cbErr
	}
	return t.wrap(err)
}
