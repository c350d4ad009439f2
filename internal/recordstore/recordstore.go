// Package recordstore provides the durable relational store for processed
// records, jobs, templates, null-field telemetry, corrections, and ground
// truth.
//
// The store is authoritative for metadata; the object store is authoritative
// for bytes. The concrete implementation runs on SQLite (embedded) or MySQL
// (server mode), selected by the connection string.
package recordstore

import (
	"context"
	"errors"
	"time"

	"github.com/stacklight/faxpipe/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when inserting a record whose (tenant_id,
// content_hash) already exists. The unique index is the final atomicity
// guard behind the dedup gate.
var ErrDuplicate = errors.New("duplicate content hash")

// RecordFilter narrows tenant listings.
type RecordFilter struct {
	Classification types.Classification
	Tier           types.Tier
	MinConfidence  float64
	MaxConfidence  float64 // 0 means no upper bound
	HasCorrections *bool
	Limit          int
}

// Correction is one audited field rewrite.
type Correction struct {
	ProcessingID string    `json:"processing_id"`
	Field        string    `json:"field"`
	OldValue     string    `json:"old_value"`
	NewValue     string    `json:"new_value"`
	Actor        string    `json:"actor"`
	CreatedAt    time.Time `json:"created_at"`
}

// GroundTruth is a human-verified value for one field of one record.
type GroundTruth struct {
	ProcessingID string    `json:"processing_id"`
	Field        string    `json:"field"`
	Value        string    `json:"value"`
	Actor        string    `json:"actor"`
	CreatedAt    time.Time `json:"created_at"`
}

// KVUpdate is the persisted outcome of a correction: new pairs, new
// confidences, and the re-derived object paths.
type KVUpdate struct {
	KVPairs       map[string]string
	KVConfidences map[string]float64
	Overall       float64
	SourcePath    string
	ProcessedPath string
	Actor         string
	Corrections   []Correction
}

// Storage is the record store contract.
type Storage interface {
	// Records
	InsertRecord(ctx context.Context, rec *types.ProcessedRecord) error
	FindByHash(ctx context.Context, tenantID, contentHash string) (*types.ProcessedRecord, error)
	GetRecord(ctx context.Context, processingID string) (*types.ProcessedRecord, error)
	ListRecords(ctx context.Context, tenantID string, filter RecordFilter) ([]*types.ProcessedRecord, error)
	ApplyKVUpdate(ctx context.Context, processingID string, upd KVUpdate) (*types.ProcessedRecord, error)
	UpdateRecordPaths(ctx context.Context, processingID, sourcePath, processedPath string) error

	// Null-field telemetry
	InsertNullFieldRecord(ctx context.Context, nfr *types.NullFieldRecord) error
	GetNullFieldRecord(ctx context.Context, processingID string) (*types.NullFieldRecord, error)

	// Jobs
	CreateJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, jobID string) (*types.Job, error)
	GetJobs(ctx context.Context, jobIDs []string) ([]*types.Job, error)
	UpdateJob(ctx context.Context, job *types.Job) error
	MarkResultIgnore(ctx context.Context, jobID string) error
	PendingJobs(ctx context.Context) ([]*types.Job, error)
	JobsByBatch(ctx context.Context, batchID string) ([]*types.Job, error)
	ActiveJobCount(ctx context.Context) (int, error)

	// Templates
	InsertTemplate(ctx context.Context, tpl *types.Template) error
	GetTemplate(ctx context.Context, templateID string) (*types.Template, error)
	ListTemplates(ctx context.Context, tenantID string) ([]*types.Template, error)
	TombstoneTemplate(ctx context.Context, templateID string) error

	// Corrections / ground truth
	ListCorrections(ctx context.Context, processingID string) ([]Correction, error)
	UpsertGroundTruth(ctx context.Context, gt GroundTruth) error
	ListGroundTruth(ctx context.Context, processingID string) ([]GroundTruth, error)

	// Lifecycle
	Close() error
}
