package faxerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := New(KindTooLarge, "document is %d bytes", 999)
	assert.Equal(t, KindTooLarge, KindOf(err))

	wrapped := fmt.Errorf("outer context: %w", err)
	assert.Equal(t, KindTooLarge, KindOf(wrapped), "kind survives wrapping")

	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrapf(KindStoreTransient, cause, "writing source object")

	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "STORE_TRANSIENT")
	assert.Contains(t, err.Error(), "writing source object")
	assert.Contains(t, err.Error(), "disk full")

	assert.Nil(t, Wrap(KindInternal, nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindOCRTransient, "429")))
	assert.True(t, Retryable(New(KindStoreTransient, "lock")))
	assert.False(t, Retryable(New(KindOCRUnavailable, "down")))
	assert.False(t, Retryable(New(KindValidation, "bad")))
	assert.False(t, Retryable(errors.New("unclassified")))
}

func TestIsKind(t *testing.T) {
	err := New(KindBusy, "backlog full")
	assert.True(t, IsKind(err, KindBusy))
	assert.False(t, IsKind(err, KindTimeout))
}
