// Package status defines the error taxonomy shared by the persistence and sync layers.
//
// Errors fall into five classes:
//   - user-input errors (ErrInvalidArgument), surfaced synchronously and never retried
//   - storage errors (ErrStorage), retried by the transaction runner; exhaustion becomes ErrUnavailable
//   - stream errors, carried as *Error with a Code and classified by IsPermanentError
//   - internal assertion failures (ErrAssertion), always fatal
//   - mutation rejections, which are batch outcomes carrying an *Error, not propagated failures
package status

import (
	"errors"
	"fmt"

	goerrors "gopkg.in/src-d/go-errors.v1"
)

var (
	// ErrInvalidArgument marks malformed user input (paths, field paths, queries).
	ErrInvalidArgument = goerrors.NewKind("invalid argument: %s")

	// ErrStorage marks a failed storage transaction that may succeed on retry.
	ErrStorage = goerrors.NewKind("storage transaction %q failed")

	// ErrUnavailable is returned once storage retries are exhausted.
	ErrUnavailable = goerrors.NewKind("storage unavailable after %d attempts: %s")

	// ErrPrimaryLeaseLost is returned when a primary-only transaction cannot obtain the lease.
	ErrPrimaryLeaseLost = goerrors.NewKind("client lost exclusive access to the persistence layer (%s)")

	// ErrAssertion marks a broken internal invariant. Never retry these.
	ErrAssertion = goerrors.NewKind("internal assertion failed: %s")

	// ErrCancelled is delivered to operations pending on a closed stream or a terminated client.
	ErrCancelled = goerrors.NewKind("operation cancelled: %s")
)

// Is reports whether any error in err's chain is of the given kind. It follows both
// go-errors causes and standard %w wrapping.
func Is(err error, kind *goerrors.Kind) bool {
	for err != nil {
		if kind.Is(err) {
			return true
		}
		if e, ok := err.(*goerrors.Error); ok {
			err = e.Cause()
			continue
		}
		err = errors.Unwrap(err)
	}
	return false
}

// Assertf builds an ErrAssertion with a formatted message.
func Assertf(format string, args ...interface{}) error {
	return ErrAssertion.New(fmt.Sprintf(format, args...))
}

// Invalidf builds an ErrInvalidArgument with a formatted message.
func Invalidf(format string, args ...interface{}) error {
	return ErrInvalidArgument.New(fmt.Sprintf(format, args...))
}

// IsRetryableStorage reports whether err is a storage failure worth retrying.
func IsRetryableStorage(err error) bool {
	return Is(err, ErrStorage) && !Is(err, ErrAssertion)
}
