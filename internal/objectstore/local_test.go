package objectstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(filepath.Join(t.TempDir(), "objects"))
	require.NoError(t, err)
	return store
}

func TestLocalPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	data := []byte("scanned fax bytes")
	require.NoError(t, store.Put(ctx, "needs-review/source/acme/p1/fax.pdf_1", data, "application/pdf"))

	got, err := store.Get(ctx, "needs-review/source/acme/p1/fax.pdf_1")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Last writer wins.
	require.NoError(t, store.Put(ctx, "needs-review/source/acme/p1/fax.pdf_1", []byte("v2"), ""))
	got, err = store.Get(ctx, "needs-review/source/acme/p1/fax.pdf_1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestLocalGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "nowhere/key")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	keys := []string{
		"bulk-processing/source/acme/b.pdf",
		"bulk-processing/source/acme/a.pdf",
		"needs-review/source/acme/p/x_1",
	}
	for _, k := range keys {
		require.NoError(t, store.Put(ctx, k, []byte(k), ""))
	}

	infos, err := store.List(ctx, "bulk-processing/source/")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "bulk-processing/source/acme/a.pdf", infos[0].Path, "sorted by key")
	assert.Equal(t, "bulk-processing/source/acme/b.pdf", infos[1].Path)
	assert.Equal(t, int64(len(keys[1])), infos[0].Size)

	infos, err = store.List(ctx, "missing-prefix/")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestLocalMove(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Put(ctx, "needs-review/source/acme/p/f_1", []byte("doc"), ""))
	require.NoError(t, store.Move(ctx, "needs-review/source/acme/p/f_1", "Above-95%/source/acme/p/f_1"))

	_, err := store.Get(ctx, "needs-review/source/acme/p/f_1")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := store.Get(ctx, "Above-95%/source/acme/p/f_1")
	require.NoError(t, err)
	assert.Equal(t, []byte("doc"), got)

	// Moving onto itself is a no-op.
	require.NoError(t, store.Move(ctx, "Above-95%/source/acme/p/f_1", "Above-95%/source/acme/p/f_1"))

	err = store.Move(ctx, "gone", "anywhere")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalDeletePrunesEmptyDirs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Put(ctx, "needs-review/source/acme/p/f_1", []byte("x"), ""))
	require.NoError(t, store.Delete(ctx, "needs-review/source/acme/p/f_1"))

	_, err := os.Stat(filepath.Join(store.Root(), "needs-review"))
	assert.True(t, os.IsNotExist(err), "empty tier directory should be pruned")

	assert.ErrorIs(t, store.Delete(ctx, "needs-review/source/acme/p/f_1"), ErrNotFound)
}

func TestLocalExists(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ok, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, "k", []byte("v"), ""))
	ok, err = store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}
