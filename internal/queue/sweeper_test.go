package queue

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stacklight/faxpipe/internal/objectstore"
	"github.com/stacklight/faxpipe/internal/types"
)

const sweepPrefix = "bulk-processing/"

func newTestSweeper(t *testing.T, h *qharness) *Sweeper {
	t.Helper()
	s := NewSweeper(h.env.Objects, h.gate, h.q, sweepPrefix, time.Minute, zaptest.NewLogger(t))
	t.Cleanup(s.Close)
	return s
}

func TestSweepEnqueuesFreshDocuments(t *testing.T) {
	h := newTestQueue(t, &stubOCR{})
	s := newTestSweeper(t, h)

	dropped := sweepPrefix + "acme/dropped-fax.pdf"
	require.NoError(t, h.env.Objects.Put(h.env.Ctx, dropped, []byte("dropped into storage"), "application/pdf"))

	s.Sweep(h.env.Ctx)

	require.Eventually(t, func() bool {
		hash := types.ComputeContentHash([]byte("dropped into storage"))
		rec, err := h.env.Store.FindByHash(h.env.Ctx, "acme", hash)
		return err == nil && rec != nil
	}, 5*time.Second, 10*time.Millisecond)

	// The swept object doubled as the staging copy; success removes it.
	require.Eventually(t, func() bool {
		_, err := h.env.Objects.Get(h.env.Ctx, dropped)
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSweepDrainsAlreadyProcessedObjects(t *testing.T) {
	h := newTestQueue(t, &stubOCR{})
	s := newTestSweeper(t, h)

	// First pass processes the document.
	raw := []byte("processed once already")
	first := sweepPrefix + "acme/first-copy.pdf"
	require.NoError(t, h.env.Objects.Put(h.env.Ctx, first, raw, "application/pdf"))
	s.Sweep(h.env.Ctx)
	hash := types.ComputeContentHash(raw)
	require.Eventually(t, func() bool {
		rec, err := h.env.Store.FindByHash(h.env.Ctx, "acme", hash)
		return err == nil && rec != nil
	}, 5*time.Second, 10*time.Millisecond)

	// A second copy of the same bytes is deleted, not re-enqueued.
	second := sweepPrefix + "acme/second-copy.pdf"
	require.NoError(t, h.env.Objects.Put(h.env.Ctx, second, raw, "application/pdf"))
	s.Sweep(h.env.Ctx)

	_, err := h.env.Objects.Get(h.env.Ctx, second)
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
}

func TestSweepSkipsObjectsOutsideTenantLayout(t *testing.T) {
	h := newTestQueue(t, &stubOCR{})
	s := newTestSweeper(t, h)

	require.NoError(t, h.env.Objects.Put(h.env.Ctx, sweepPrefix+"stray.pdf", []byte("no tenant dir"), "application/pdf"))
	s.Sweep(h.env.Ctx)

	// Nothing enqueued and the stray object is left alone.
	_, err := h.env.Objects.Get(h.env.Ctx, sweepPrefix+"stray.pdf")
	assert.NoError(t, err)
}

func TestTenantOf(t *testing.T) {
	s := NewSweeper(nil, nil, nil, "bulk", time.Minute, nil)
	assert.Equal(t, "acme", s.tenantOf("bulk/acme/fax.pdf"))
	assert.Equal(t, "acme", s.tenantOf("bulk/acme/nested/fax.pdf"))
	assert.Equal(t, "", s.tenantOf("bulk/stray.pdf"))
	assert.Equal(t, "", s.tenantOf("elsewhere/acme/fax.pdf"))
}

func TestKickCoalesces(t *testing.T) {
	s := NewSweeper(nil, nil, nil, "bulk/", time.Minute, nil)
	s.Kick()
	s.Kick() // second kick must not block
	select {
	case <-s.kick:
	default:
		t.Fatal("kick channel should hold one pending request")
	}
}

func TestDebouncerCoalescesTriggers(t *testing.T) {
	var fired atomic.Int32
	d := NewDebouncer(30*time.Millisecond, func() { fired.Add(1) })
	defer d.Cancel()

	d.Trigger()
	d.Trigger()
	d.Trigger()

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load(), "quiet period yields exactly one action")
}

func TestDebouncerCancelDropsPendingAction(t *testing.T) {
	var fired atomic.Int32
	d := NewDebouncer(30*time.Millisecond, func() { fired.Add(1) })

	d.Trigger()
	d.Cancel()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}
