package bucket

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stacklight/faxpipe/internal/objectstore"
	"github.com/stacklight/faxpipe/internal/types"
)

func TestPolicyBucket(t *testing.T) {
	p := NewPolicy(0.95)
	assert.Equal(t, types.TierHigh, p.Bucket(0.95), "threshold is inclusive")
	assert.Equal(t, types.TierHigh, p.Bucket(1.0))
	assert.Equal(t, types.TierReview, p.Bucket(0.9499))
	assert.Equal(t, types.TierReview, p.Bucket(0))

	assert.Equal(t, 0.95, NewPolicy(0).Threshold, "default threshold")
	assert.Equal(t, 0.8, NewPolicy(0.8).Threshold)
}

func newStores(t *testing.T) *objectstore.LocalStore {
	t.Helper()
	store, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func placedRecord(t *testing.T, store *objectstore.LocalStore, tier types.Tier) *types.ProcessedRecord {
	t.Helper()
	ctx := context.Background()
	rec := &types.ProcessedRecord{
		ProcessingID:  "proc_reloc_1",
		TenantID:      "acme",
		SourcePath:    objectstore.SourcePath(tier, "acme", "proc_reloc_1", "fax.pdf", 7),
		ProcessedPath: objectstore.ProcessedPath(tier, "acme", "proc_reloc_1", "fax.pdf", 7),
	}
	require.NoError(t, store.Put(ctx, rec.SourcePath, []byte("source"), ""))
	require.NoError(t, store.Put(ctx, rec.ProcessedPath, []byte(`{"kv":{}}`), ""))
	return rec
}

func TestRelocateMovesBothObjects(t *testing.T) {
	ctx := context.Background()
	store := newStores(t)
	rec := placedRecord(t, store, types.TierReview)
	r := NewRelocator(store, zaptest.NewLogger(t))

	srcDst, procDst, err := r.Relocate(ctx, rec, types.TierHigh)
	require.NoError(t, err)

	wantSrc, _ := objectstore.Retier(rec.SourcePath, types.TierHigh)
	wantProc, _ := objectstore.Retier(rec.ProcessedPath, types.TierHigh)
	assert.Equal(t, wantSrc, srcDst)
	assert.Equal(t, wantProc, procDst)

	_, err = store.Get(ctx, rec.SourcePath)
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
	got, err := store.Get(ctx, srcDst)
	require.NoError(t, err)
	assert.Equal(t, []byte("source"), got)
}

func TestRelocateSameTierNoOp(t *testing.T) {
	ctx := context.Background()
	store := newStores(t)
	rec := placedRecord(t, store, types.TierHigh)
	r := NewRelocator(store, zaptest.NewLogger(t))

	srcDst, procDst, err := r.Relocate(ctx, rec, types.TierHigh)
	require.NoError(t, err)
	assert.Equal(t, rec.SourcePath, srcDst)
	assert.Equal(t, rec.ProcessedPath, procDst)
}

// failSecondMove wraps a store and fails the move of the processed object,
// exercising the rollback branch.
type failSecondMove struct {
	objectstore.Store
	moves int
}

func (f *failSecondMove) Move(ctx context.Context, src, dst string) error {
	f.moves++
	if f.moves == 2 {
		return errors.New("backend hiccup")
	}
	return f.Store.Move(ctx, src, dst)
}

func TestRelocateRollsBackOnPartialFailure(t *testing.T) {
	ctx := context.Background()
	store := newStores(t)
	rec := placedRecord(t, store, types.TierReview)
	wrapped := &failSecondMove{Store: store}
	r := NewRelocator(wrapped, zaptest.NewLogger(t))

	_, _, err := r.Relocate(ctx, rec, types.TierHigh)
	require.Error(t, err)

	// Source is back where it started; the record never straddles tiers.
	got, err := store.Get(ctx, rec.SourcePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("source"), got)
	_, err = store.Get(ctx, rec.ProcessedPath)
	assert.NoError(t, err, "processed object untouched")
}
