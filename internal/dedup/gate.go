// Package dedup short-circuits duplicate work before any object-store
// write. The check is advisory; the record store's unique index is the
// final atomicity guard.
package dedup

import (
	"context"
	"errors"
	"sync"

	"github.com/stacklight/faxpipe/internal/recordstore"
	"github.com/stacklight/faxpipe/internal/types"
)

// Result is the outcome of a dedup check.
type Result struct {
	// Existing is non-nil when the hash already resolved to a completed
	// record for this tenant.
	Existing *types.ProcessedRecord
	// InFlight is true when another pipeline run for the same hash is
	// currently executing.
	InFlight bool
}

// Fresh reports whether the document should be processed.
func (r Result) Fresh() bool { return r.Existing == nil && !r.InFlight }

// Gate tracks content hashes. Deduplication is cross-filename but
// tenant-scoped: identical bytes under two tenants process independently.
type Gate struct {
	store recordstore.Storage

	mu       sync.Mutex
	inFlight map[string]bool // tenantID + "\x00" + hash
}

// NewGate builds a dedup gate over the record store.
func NewGate(store recordstore.Storage) *Gate {
	return &Gate{store: store, inFlight: map[string]bool{}}
}

func key(tenantID, hash string) string { return tenantID + "\x00" + hash }

// Check consults the record store for a completed record with this hash.
func (g *Gate) Check(ctx context.Context, tenantID, contentHash string) (Result, error) {
	rec, err := g.store.FindByHash(ctx, tenantID, contentHash)
	if err == nil {
		return Result{Existing: rec}, nil
	}
	if !errors.Is(err, recordstore.ErrNotFound) {
		return Result{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return Result{InFlight: g.inFlight[key(tenantID, contentHash)]}, nil
}

// Acquire marks a hash as in flight. Returns false when another run already
// holds it.
func (g *Gate) Acquire(tenantID, contentHash string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := key(tenantID, contentHash)
	if g.inFlight[k] {
		return false
	}
	g.inFlight[k] = true
	return true
}

// Release clears the in-flight mark after the pipeline terminates.
func (g *Gate) Release(tenantID, contentHash string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, key(tenantID, contentHash))
}
