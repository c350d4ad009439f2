// Package types defines the core data structures for the faxpipe document
// processing pipeline: processed records, templates, jobs, and null-field
// telemetry rows.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Classification is the document category assigned by the extractor.
type Classification string

const (
	ClassMedical   Classification = "Medical"
	ClassInvoice   Classification = "Invoice"
	ClassInsurance Classification = "Insurance"
	ClassReferral  Classification = "Referral"
	ClassOther     Classification = "Other"
)

// ParseClassification normalizes a free-text classification from the
// extractor into one of the fixed tags. Unknown values map to ClassOther.
func ParseClassification(s string) Classification {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "medical":
		return ClassMedical
	case "invoice":
		return ClassInvoice
	case "insurance":
		return ClassInsurance
	case "referral":
		return ClassReferral
	default:
		return ClassOther
	}
}

// Tier is the two-valued storage placement decision.
type Tier string

const (
	TierHigh   Tier = "Above-95%"
	TierReview Tier = "needs-review"
)

// Document is the ephemeral, request-scoped representation of an upload.
// It is discarded after the source write and enqueue.
type Document struct {
	Raw         []byte
	Filename    string
	MimeType    string
	SizeBytes   int64
	TenantID    string
	ContentHash string
}

// NewDocument builds a Document and computes its content hash.
func NewDocument(raw []byte, filename, mimeType, tenantID string) *Document {
	return &Document{
		Raw:         raw,
		Filename:    filename,
		MimeType:    mimeType,
		SizeBytes:   int64(len(raw)),
		TenantID:    tenantID,
		ContentHash: ComputeContentHash(raw),
	}
}

// ComputeContentHash returns the SHA-256 hex digest of the raw upload bytes.
// This is the sole identity used for deduplication.
func ComputeContentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// DeriveProcessingID builds the opaque pipeline run identifier from the
// content hash and the ingest epoch milliseconds. Filename-independent, so
// re-uploads under different names resolve to the same run.
func DeriveProcessingID(contentHash string, epochMS int64) string {
	short := contentHash
	if len(short) > 16 {
		short = short[:16]
	}
	return fmt.Sprintf("proc_%s_%d", short, epochMS)
}

// TemplateField is one canonical field in a tenant template.
type TemplateField struct {
	CanonicalName string   `json:"canonical_name"`
	Aliases       []string `json:"aliases,omitempty"`
	Required      bool     `json:"required,omitempty"`
}

// Template is a tenant-uploaded field schema. Immutable after creation;
// deletion tombstones the row but preserves record references.
type Template struct {
	TemplateID string          `json:"template_id"`
	TenantID   string          `json:"tenant_id"`
	Name       string          `json:"name"`
	Fields     []TemplateField `json:"fields"`
	CreatedAt  time.Time       `json:"created_at"`
	DeletedAt  *time.Time      `json:"deleted_at,omitempty"`
}

// TemplateMapping is the result of reconciling extracted keys against a
// template's canonical fields.
type TemplateMapping struct {
	MappedValues          map[string]string  `json:"mapped_values"`
	FieldConfidences      map[string]float64 `json:"field_confidences"`
	UnmappedExtractedKeys []string           `json:"unmapped_extracted_keys"`
	ProcessedAt           time.Time          `json:"processed_at"`
}

// ProcessedRecord is the persistent primary entity produced by the pipeline.
type ProcessedRecord struct {
	ContentHash  string `json:"content_hash"`
	ProcessingID string `json:"processing_id"`
	TenantID     string `json:"tenant_id"`
	Filename     string `json:"filename"`

	SourcePath    string `json:"source_path"`
	ProcessedPath string `json:"processed_path"`

	KVPairs       map[string]string  `json:"kv_pairs"`
	KVConfidences map[string]float64 `json:"kv_confidences"`

	OCRConfidence     float64        `json:"ocr_confidence"`
	OverallConfidence float64        `json:"overall_confidence"`
	Classification    Classification `json:"classification"`

	RawText         string `json:"raw_text,omitempty"`
	PositioningData string `json:"positioning_data,omitempty"`

	TemplateID      string           `json:"template_id,omitempty"`
	TemplateMapping *TemplateMapping `json:"template_mapping,omitempty"`

	// ExtractFallback marks records whose extraction failed and fell back to
	// empty kv_pairs with classification Other.
	ExtractFallback bool `json:"extract_fallback,omitempty"`

	HasCorrections  bool       `json:"has_corrections"`
	LastCorrectedBy string     `json:"last_corrected_by,omitempty"`
	LastCorrectedAt *time.Time `json:"last_corrected_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecomputeOverallConfidence applies the documented aggregation:
// 0.5*ocr_confidence + 0.5*mean(kv_confidences), or ocr_confidence alone
// when no kv confidences exist.
func (r *ProcessedRecord) RecomputeOverallConfidence() {
	r.OverallConfidence = OverallConfidence(r.OCRConfidence, r.KVConfidences)
}

// OverallConfidence combines OCR and per-field confidence into the record
// level score used for tier placement.
func OverallConfidence(ocrConf float64, kvConfs map[string]float64) float64 {
	if len(kvConfs) == 0 {
		return clamp01(ocrConf)
	}
	var sum float64
	for _, c := range kvConfs {
		sum += c
	}
	return clamp01(0.5*ocrConf + 0.5*(sum/float64(len(kvConfs))))
}

// LowConfidenceFields returns the sorted field names whose per-pair
// confidence falls below threshold.
func (r *ProcessedRecord) LowConfidenceFields(threshold float64) []string {
	var out []string
	for k, c := range r.KVConfidences {
		if c < threshold {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// NullFieldRecord enumerates which required fields were missing or empty on
// a completed record. Exactly one exists per completed ProcessedRecord.
type NullFieldRecord struct {
	ProcessingID       string            `json:"processing_id"`
	TenantID           string            `json:"tenant_id"`
	Filename           string            `json:"filename"`
	NullFieldNames     []string          `json:"null_field_names"`
	AllExtractedFields map[string]string `json:"all_extracted_fields"`
	CreatedAt          time.Time         `json:"created_at"`
}

// JobKind distinguishes the three scheduling shapes.
type JobKind string

const (
	JobSingle    JobKind = "single"
	JobBatch     JobKind = "batch"
	JobBulkSweep JobKind = "bulk_sweep"
)

// JobState is the lifecycle state of a queued job.
type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobSuccess JobState = "success"
	JobFailed  JobState = "failed"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == JobSuccess || s == JobFailed
}

// JobResult is the payload recorded on successful completion.
type JobResult struct {
	ProcessingID        string   `json:"processing_id"`
	Duplicate           bool     `json:"duplicate,omitempty"`
	LowConfidenceFields []string `json:"low_confidence_fields,omitempty"`
}

// Job is one durable unit of scheduled work.
type Job struct {
	JobID         string     `json:"job_id"`
	Kind          JobKind    `json:"kind"`
	State         JobState   `json:"state"`
	Progress      int        `json:"progress"`
	Result        *JobResult `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	FailureCode   string     `json:"failure_code,omitempty"`
	ParentBatchID string     `json:"parent_batch_id,omitempty"`
	ResultIgnore  bool       `json:"result_ignore,omitempty"`

	TenantID    string `json:"tenant_id"`
	TemplateID  string `json:"template_id,omitempty"`
	Filename    string `json:"filename,omitempty"`
	SourcePath  string `json:"source_path,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BatchStatus is the fan-in view over a batch's children.
type BatchStatus struct {
	BatchID           string              `json:"batch_id"`
	Children          map[string]JobState `json:"children"`
	AggregateProgress int                 `json:"aggregate_progress"`
	Completed         int                 `json:"completed"`
	Failed            int                 `json:"failed"`
}
