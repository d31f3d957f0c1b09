package status

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsFollowsWrapping(t *testing.T) {
	base := ErrStorage.New("write-batch")
	wrapped := fmt.Errorf("committing: %w", base)

	assert.True(t, Is(wrapped, ErrStorage))
	assert.False(t, Is(wrapped, ErrAssertion))
	assert.True(t, IsRetryableStorage(wrapped))

	unavailable := ErrUnavailable.Wrap(wrapped, 3, "write-batch")
	assert.True(t, Is(unavailable, ErrUnavailable))
	assert.True(t, Is(unavailable, ErrStorage), "cause chain should be walked")
}

func TestAssertionIsNotRetryable(t *testing.T) {
	err := ErrStorage.Wrap(Assertf("queue mismatch at %d", 7), "ack")
	assert.True(t, Is(err, ErrAssertion))
	assert.False(t, IsRetryableStorage(err))
}

func TestPermanentErrorClassification(t *testing.T) {
	retryable := []Code{Cancelled, Unknown, DeadlineExceeded, ResourceExhausted, Internal, Unavailable, Unauthenticated}
	for _, c := range retryable {
		t.Run(c.String(), func(t *testing.T) {
			assert.False(t, IsPermanentError(c))
		})
	}

	terminal := []Code{InvalidArgument, NotFound, AlreadyExists, PermissionDenied, FailedPrecondition, OutOfRange, Unimplemented, DataLoss}
	for _, c := range terminal {
		t.Run(c.String(), func(t *testing.T) {
			assert.True(t, IsPermanentError(c))
			assert.True(t, IsPermanentWriteError(c))
		})
	}

	assert.True(t, IsPermanentError(Aborted))
	assert.False(t, IsPermanentWriteError(Aborted))
	assert.Panics(t, func() { IsPermanentError(OK) })
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, OK, CodeOf(nil))
	assert.Equal(t, PermissionDenied, CodeOf(fmt.Errorf("listen: %w", New(PermissionDenied, "no"))))
	assert.Equal(t, Cancelled, CodeOf(ErrCancelled.New("shutdown")))
	assert.Equal(t, Unknown, CodeOf(fmt.Errorf("boom")))
	assert.Equal(t, ResourceExhausted, ParseCode("resource-exhausted"))
}
