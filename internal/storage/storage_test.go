package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/status"
)

var fastRetry = Options{RetryInitialInterval: time.Millisecond, RetryMaxInterval: time.Millisecond}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	sqlite, err := NewSQLiteBackend(ctx, filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	bolt, err := NewBoltBackend(filepath.Join(dir, "test.bolt"))
	require.NoError(t, err)

	out := map[string]Backend{
		"memory": NewMemoryBackend(),
		"sqlite": sqlite,
		"bolt":   bolt,
	}
	t.Cleanup(func() {
		for _, b := range out {
			b.Close()
		}
	})
	return out
}

func TestBackendTransactions(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := NewStore(b, fastRetry)
			require.NoError(t, s.Migrate(ctx))

			t.Run("commit is visible", func(t *testing.T) {
				require.NoError(t, s.RunTransaction(ctx, "put", ReadWrite, func(tx *Tx) error {
					return tx.Put(TableGlobals, []byte("a"), []byte("1"))
				}))
				require.NoError(t, s.RunTransaction(ctx, "get", ReadOnly, func(tx *Tx) error {
					v, err := tx.Get(TableGlobals, []byte("a"))
					require.NoError(t, err)
					assert.Equal(t, []byte("1"), v)
					missing, err := tx.Get(TableGlobals, []byte("zzz"))
					require.NoError(t, err)
					assert.Nil(t, missing)
					return nil
				}))
			})

			t.Run("failed body aborts every write", func(t *testing.T) {
				boom := errors.New("boom")
				err := s.RunTransaction(ctx, "abort", ReadWrite, func(tx *Tx) error {
					require.NoError(t, tx.Put(TableMutations, []byte("m1"), []byte("x")))
					require.NoError(t, tx.Put(TableGlobals, []byte("a"), []byte("2")))
					return boom
				})
				require.ErrorIs(t, err, boom)

				require.NoError(t, s.RunTransaction(ctx, "check", ReadOnly, func(tx *Tx) error {
					v, err := tx.Get(TableGlobals, []byte("a"))
					require.NoError(t, err)
					assert.Equal(t, []byte("1"), v)
					v, err = tx.Get(TableMutations, []byte("m1"))
					require.NoError(t, err)
					assert.Nil(t, v)
					return nil
				}))
			})

			t.Run("writes are visible inside the transaction", func(t *testing.T) {
				require.NoError(t, s.RunTransaction(ctx, "rw", ReadWrite, func(tx *Tx) error {
					require.NoError(t, tx.Put(TableTargets, []byte("k"), []byte("v")))
					v, err := tx.Get(TableTargets, []byte("k"))
					require.NoError(t, err)
					assert.Equal(t, []byte("v"), v)
					return tx.Delete(TableTargets, []byte("k"))
				}))
			})

			t.Run("scan order and ranges", func(t *testing.T) {
				keys := [][]byte{
					NewKey().String("users").Int(-5).Bytes(),
					NewKey().String("users").Int(3).Bytes(),
					NewKey().String("users").Int(20).Bytes(),
					NewKey().String("users/a").Int(1).Bytes(),
					NewKey().String("usersx").Int(1).Bytes(),
				}
				require.NoError(t, s.RunTransaction(ctx, "fill", ReadWrite, func(tx *Tx) error {
					for i := len(keys) - 1; i >= 0; i-- {
						if err := tx.Put(TableTargetDocuments, keys[i], []byte{byte(i)}); err != nil {
							return err
						}
					}
					return nil
				}))

				prefix := Prefix(NewKey().String("users").Bytes())
				require.NoError(t, s.RunTransaction(ctx, "scan", ReadOnly, func(tx *Tx) error {
					asc, err := ScanAll(tx, TableTargetDocuments, prefix, Asc, 0)
					require.NoError(t, err)
					require.Len(t, asc, 3)
					for i, e := range asc {
						assert.Equal(t, keys[i], e.Key)
					}

					desc, err := ScanAll(tx, TableTargetDocuments, prefix, Desc, 2)
					require.NoError(t, err)
					require.Len(t, desc, 2)
					assert.Equal(t, keys[2], desc[0].Key)
					assert.Equal(t, keys[1], desc[1].Key)

					n, err := Count(tx, TableTargetDocuments, All())
					require.NoError(t, err)
					assert.Equal(t, 5, n)
					return nil
				}))

				require.NoError(t, s.RunTransaction(ctx, "drop", ReadWrite, func(tx *Tx) error {
					return tx.DeleteRange(TableTargetDocuments, prefix)
				}))
				require.NoError(t, s.RunTransaction(ctx, "recount", ReadOnly, func(tx *Tx) error {
					n, err := Count(tx, TableTargetDocuments, All())
					require.NoError(t, err)
					assert.Equal(t, 2, n)
					return nil
				}))
			})

			t.Run("read-only transactions reject writes", func(t *testing.T) {
				err := s.RunTransaction(ctx, "ro", ReadOnly, func(tx *Tx) error {
					return tx.Put(TableGlobals, []byte("b"), []byte("1"))
				})
				assert.True(t, status.Is(err, status.ErrAssertion))
			})
		})
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	s := NewStore(b, fastRetry)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))

	require.NoError(t, s.RunTransaction(ctx, "version", ReadOnly, func(tx *Tx) error {
		v, err := ReadSchemaVersion(tx)
		require.NoError(t, err)
		assert.Equal(t, SchemaVersion, v)
		return nil
	}))
}

func TestKeyEncodingPreservesOrder(t *testing.T) {
	ordered := [][]byte{
		NewKey().String("").Bytes(),
		NewKey().String("a").Bytes(),
		NewKey().String("a").String("").Bytes(),
		NewKey().String("a\x00").Bytes(),
		NewKey().String("ab").Bytes(),
		NewKey().String("b").Int(-1).Bytes(),
		NewKey().String("b").Int(0).Bytes(),
		NewKey().String("b").Int(MaxInt64).Bytes(),
	}
	for i := 1; i < len(ordered); i++ {
		assert.Negative(t, compareBytes(ordered[i-1], ordered[i]), "key %d should sort before key %d", i-1, i)
	}

	r := ReadKey(NewKey().String("x\x00y").Int(-42).Raw([]byte{0, 1, 2}).Bytes())
	assert.Equal(t, "x\x00y", r.String())
	assert.Equal(t, int64(-42), r.Int())
	assert.Equal(t, []byte{0, 1, 2}, r.Raw())
	require.NoError(t, r.Err())
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return len(a) - len(b)
}

// flakyBackend fails the first n commits.
type flakyBackend struct {
	*MemoryBackend
	failures int
	calls    int
}

func (f *flakyBackend) Run(ctx context.Context, writable bool, fn func(Txn) error) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("database is locked")
	}
	return f.MemoryBackend.Run(ctx, writable, fn)
}

func TestRetriesStorageErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds within the attempt budget", func(t *testing.T) {
		b := &flakyBackend{MemoryBackend: NewMemoryBackend()}
		s := NewStore(b, fastRetry)
		require.NoError(t, s.Migrate(ctx))
		b.calls, b.failures = 0, 2

		err := s.RunTransaction(ctx, "write", ReadWrite, func(tx *Tx) error {
			return tx.Put(TableGlobals, []byte("k"), []byte("v"))
		})
		require.NoError(t, err)
		assert.Equal(t, 3, b.calls)
	})

	t.Run("gives up with unavailable", func(t *testing.T) {
		b := &flakyBackend{MemoryBackend: NewMemoryBackend()}
		s := NewStore(b, fastRetry)
		require.NoError(t, s.Migrate(ctx))
		b.calls, b.failures = 0, 100

		err := s.RunTransaction(ctx, "write", ReadWrite, func(tx *Tx) error { return nil })
		require.Error(t, err)
		assert.True(t, status.Is(err, status.ErrUnavailable))
		assert.Equal(t, DefaultMaxTransactionAttempts, b.calls)
	})

	t.Run("body errors are not retried", func(t *testing.T) {
		s := OpenMemory(fastRetry)
		calls := 0
		err := s.RunTransaction(ctx, "bad", ReadWrite, func(tx *Tx) error {
			calls++
			return status.Invalidf("bad path")
		})
		assert.True(t, status.Is(err, status.ErrInvalidArgument))
		assert.Equal(t, 1, calls)
	})
}

type fixedVerifier struct {
	primary bool
	checks  int
}

func (v *fixedVerifier) VerifyPrimary(Txn) (bool, error) {
	v.checks++
	return v.primary, nil
}

func TestPrimaryTransactions(t *testing.T) {
	ctx := context.Background()

	t.Run("lost lease fails after max attempts", func(t *testing.T) {
		s := OpenMemory(fastRetry)
		v := &fixedVerifier{}
		s.SetPrimaryVerifier(v)
		ran := false
		err := s.RunTransaction(ctx, "gc", ReadWritePrimary, func(tx *Tx) error {
			ran = true
			return nil
		})
		require.Error(t, err)
		assert.True(t, status.Is(err, status.ErrPrimaryLeaseLost))
		assert.Contains(t, err.Error(), "lost exclusive access")
		assert.False(t, ran)
		assert.Equal(t, DefaultMaxPrimaryAttempts, v.checks)
	})

	t.Run("primary runs the body once", func(t *testing.T) {
		s := OpenMemory(fastRetry)
		v := &fixedVerifier{primary: true}
		s.SetPrimaryVerifier(v)
		committed := 0
		err := s.RunTransaction(ctx, "gc", ReadWritePrimary, func(tx *Tx) error {
			tx.OnCommitted(func() { committed++ })
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, v.checks)
		assert.Equal(t, 1, committed)
	})

	t.Run("read-write transactions skip the lease check", func(t *testing.T) {
		s := OpenMemory(fastRetry)
		v := &fixedVerifier{}
		s.SetPrimaryVerifier(v)
		require.NoError(t, s.RunTransaction(ctx, "local", ReadWrite, func(tx *Tx) error { return nil }))
		assert.Zero(t, v.checks)
	})
}

func TestMigrationRebuildsDocumentTargets(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	_, to, err := migrate(ctx, b, Migrations[:4])
	require.NoError(t, err)
	require.Equal(t, 4, to)

	row := NewKey().Int(2).String("users/alice").Bytes()
	require.NoError(t, b.Run(ctx, true, func(txn Txn) error {
		return txn.Put(TableTargetDocuments, row, []byte("7"))
	}))

	s := NewStore(b, fastRetry)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.RunTransaction(ctx, "check", ReadOnly, func(tx *Tx) error {
		v, err := tx.Get(TableDocumentTargets, NewKey().String("users/alice").Int(2).Bytes())
		require.NoError(t, err)
		assert.Equal(t, []byte("7"), v)
		return nil
	}))
}

func TestClearKeepsSchemaVersion(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := NewStore(b, fastRetry)
			require.NoError(t, s.Migrate(ctx))
			require.NoError(t, s.RunTransaction(ctx, "put", ReadWrite, func(tx *Tx) error {
				if err := tx.Put(TableRemoteDocuments, []byte("rooms/a"), []byte("doc")); err != nil {
					return err
				}
				return tx.Put(TableTargets, []byte("t1"), []byte("target"))
			}))

			require.NoError(t, s.Clear(ctx))
			require.NoError(t, s.RunTransaction(ctx, "check", ReadOnly, func(tx *Tx) error {
				n, err := Count(tx, TableRemoteDocuments, All())
				require.NoError(t, err)
				assert.Zero(t, n)
				n, err = Count(tx, TableTargets, All())
				require.NoError(t, err)
				assert.Zero(t, n)
				return nil
			}))
			require.NoError(t, b.Run(ctx, false, func(txn Txn) error {
				v, err := ReadSchemaVersion(txn)
				require.NoError(t, err)
				assert.Equal(t, SchemaVersion, v)
				return nil
			}))
		})
	}
}
