// Package teststore provides isolated SQLite-backed test environments for
// record-store and pipeline tests. All helpers operate through the
// recordstore.Storage interface so tests stay backend-agnostic.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    env := teststore.NewEnv(t)
//	    rec := env.SeedRecord("tenant-a", 0.97)
//	    ...
//	}
package teststore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/stacklight/faxpipe/internal/objectstore"
	"github.com/stacklight/faxpipe/internal/recordstore"
	"github.com/stacklight/faxpipe/internal/types"
)

// New creates an isolated SQLite record store for a single test or
// benchmark. The database file lives in the test's temp dir and is cleaned
// up automatically.
func New(t testing.TB) *recordstore.SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "faxpipe-test.db")
	store, err := recordstore.Open(context.Background(), path, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("teststore: opening sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// NewObjects creates an isolated local object store rooted in the test's
// temp dir.
func NewObjects(t testing.TB) *objectstore.LocalStore {
	t.Helper()
	store, err := objectstore.NewLocalStore(filepath.Join(t.TempDir(), "objects"))
	if err != nil {
		t.Fatalf("teststore: opening local object store: %v", err)
	}
	return store
}

// Env bundles a record store, an object store, and a context.
type Env struct {
	t       *testing.T
	Store   *recordstore.SQLStore
	Objects *objectstore.LocalStore
	Ctx     context.Context

	seq int
}

// NewEnv creates a test environment with isolated stores.
func NewEnv(t *testing.T) *Env {
	t.Helper()
	return &Env{
		t:       t,
		Store:   New(t),
		Objects: NewObjects(t),
		Ctx:     context.Background(),
	}
}

// SeedRecord inserts a minimal completed record for the tenant with the
// given overall confidence. Content is unique per call.
func (e *Env) SeedRecord(tenantID string, overall float64) *types.ProcessedRecord {
	e.t.Helper()
	e.seq++
	raw := []byte(fmt.Sprintf("seed document %s #%d", tenantID, e.seq))
	hash := types.ComputeContentHash(raw)
	epochMS := time.Now().UnixMilli()
	pid := types.DeriveProcessingID(hash, epochMS)

	tier := types.TierReview
	if overall >= 0.95 {
		tier = types.TierHigh
	}
	filename := fmt.Sprintf("seed_%d.pdf", e.seq)
	now := time.Now().UTC()
	rec := &types.ProcessedRecord{
		ContentHash:       hash,
		ProcessingID:      pid,
		TenantID:          tenantID,
		Filename:          filename,
		SourcePath:        objectstore.SourcePath(tier, tenantID, pid, filename, epochMS),
		ProcessedPath:     objectstore.ProcessedPath(tier, tenantID, pid, filename, epochMS),
		KVPairs:           map[string]string{"Name": "Jordan Seed", "Member ID": fmt.Sprintf("M-%04d", e.seq)},
		KVConfidences:     map[string]float64{"Name": overall, "Member ID": overall},
		OCRConfidence:     overall,
		OverallConfidence: overall,
		Classification:    types.ClassMedical,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.Store.InsertRecord(e.Ctx, rec); err != nil {
		e.t.Fatalf("teststore: seeding record: %v", err)
	}
	return rec
}

// SeedJob inserts a queued job row.
func (e *Env) SeedJob(kind types.JobKind, tenantID string) *types.Job {
	e.t.Helper()
	e.seq++
	now := time.Now().UTC()
	job := &types.Job{
		JobID:     fmt.Sprintf("job-%s-%d", tenantID, e.seq),
		Kind:      kind,
		State:     types.JobQueued,
		TenantID:  tenantID,
		Filename:  fmt.Sprintf("queued_%d.pdf", e.seq),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Store.CreateJob(e.Ctx, job); err != nil {
		e.t.Fatalf("teststore: seeding job: %v", err)
	}
	return job
}
