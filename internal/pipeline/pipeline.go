// Package pipeline implements the per-document processing state machine:
// dedup, source upload, OCR, extraction, template mapping, tier placement,
// and record commit.
package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/stacklight/faxpipe/internal/bucket"
	"github.com/stacklight/faxpipe/internal/dedup"
	"github.com/stacklight/faxpipe/internal/extract"
	"github.com/stacklight/faxpipe/internal/faxerr"
	"github.com/stacklight/faxpipe/internal/fhir"
	"github.com/stacklight/faxpipe/internal/nullfield"
	"github.com/stacklight/faxpipe/internal/objectstore"
	"github.com/stacklight/faxpipe/internal/ocr"
	"github.com/stacklight/faxpipe/internal/recordstore"
	"github.com/stacklight/faxpipe/internal/telemetry"
	"github.com/stacklight/faxpipe/internal/template"
	"github.com/stacklight/faxpipe/internal/types"
)

// stage is one state of the per-document machine. Transitions are strictly
// sequential within a processing id.
type stage string

const (
	stageReceived       stage = "RECEIVED"
	stageUploadedSource stage = "UPLOADED_SOURCE"
	stageOCRDone        stage = "OCR_DONE"
	stageExtracted      stage = "EXTRACTED"
	stageMapped         stage = "MAPPED"
	stagePlaced         stage = "PLACED"
	stageRecorded       stage = "RECORDED"
	stageCompleted      stage = "COMPLETED"
)

// jsonWriteAttempts bounds retries of the processed-JSON write after the
// source has reached its final tier.
const jsonWriteAttempts = 3

// Request is one document run.
type Request struct {
	Doc        *types.Document
	TemplateID string
}

// Outcome is the terminal result of a run.
type Outcome struct {
	Record              *types.ProcessedRecord
	Duplicate           bool
	LowConfidenceFields []string
	// SourceB64 carries the source bytes for optional immediate
	// re-analysis; also cached under the content hash.
	SourceB64 string
}

// Orchestrator composes the pipeline collaborators.
type Orchestrator struct {
	objects   objectstore.Store
	records   recordstore.Storage
	ocr       ocr.Provider
	extractor extract.Extractor
	templates *template.Registry
	gate      *dedup.Gate
	policy    bucket.Policy
	relocator *bucket.Relocator
	tracker   *nullfield.Tracker
	publisher fhir.Publisher
	cache     *ByteCache

	lowConfThreshold float64
	log              *zap.Logger
}

// Options bundles the orchestrator's collaborators.
type Options struct {
	Objects          objectstore.Store
	Records          recordstore.Storage
	OCR              ocr.Provider
	Extractor        extract.Extractor
	Templates        *template.Registry
	Gate             *dedup.Gate
	Policy           bucket.Policy
	Relocator        *bucket.Relocator
	Tracker          *nullfield.Tracker
	Publisher        fhir.Publisher
	Cache            *ByteCache
	LowConfThreshold float64
	Log              *zap.Logger
}

// New builds an orchestrator. Publisher defaults to a nop; the low
// confidence threshold defaults to 0.95.
func New(opts Options) *Orchestrator {
	if opts.Publisher == nil {
		opts.Publisher = fhir.Nop{}
	}
	if opts.LowConfThreshold <= 0 {
		opts.LowConfThreshold = 0.95
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	pipeMetricsOnce.Do(initPipeMetrics)
	return &Orchestrator{
		objects:          opts.Objects,
		records:          opts.Records,
		ocr:              opts.OCR,
		extractor:        opts.Extractor,
		templates:        opts.Templates,
		gate:             opts.Gate,
		policy:           opts.Policy,
		relocator:        opts.Relocator,
		tracker:          opts.Tracker,
		publisher:        opts.Publisher,
		cache:            opts.Cache,
		lowConfThreshold: opts.LowConfThreshold,
		log:              opts.Log,
	}
}

var pipeMetrics struct {
	processed metric.Int64Counter
	dedupHits metric.Int64Counter
	duration  metric.Float64Histogram
}

var pipeMetricsOnce sync.Once

func initPipeMetrics() {
	m := telemetry.Meter("github.com/stacklight/faxpipe/pipeline")
	pipeMetrics.processed, _ = m.Int64Counter("faxpipe.pipeline.documents",
		metric.WithDescription("Documents run through the pipeline"))
	pipeMetrics.dedupHits, _ = m.Int64Counter("faxpipe.pipeline.dedup_hits",
		metric.WithDescription("Submissions short-circuited by the dedup gate"))
	pipeMetrics.duration, _ = m.Float64Histogram("faxpipe.pipeline.duration",
		metric.WithDescription("End-to-end pipeline duration in milliseconds"),
		metric.WithUnit("ms"))
}

// OnProgress is invoked at placement (50) and completion (100). Wired by
// the job queue; nil for synchronous callers.
type OnProgress func(progress int)

// Run executes the state machine for one document. Terminal failures carry
// a faxerr kind; duplicates return the existing record with Duplicate set.
func (o *Orchestrator) Run(ctx context.Context, req Request, progress OnProgress) (*Outcome, error) {
	tracer := telemetry.Tracer("github.com/stacklight/faxpipe/pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.run")
	defer span.End()

	doc := req.Doc
	t0 := time.Now()
	log := o.log.With(
		zap.String("tenant_id", doc.TenantID),
		zap.String("content_hash", doc.ContentHash))
	log.Debug("pipeline started", zap.String("stage", string(stageReceived)))

	// Dedup gate runs before any object-store write.
	check, err := o.gate.Check(ctx, doc.TenantID, doc.ContentHash)
	if err != nil {
		return nil, faxerr.Wrapf(faxerr.KindStoreTransient, err, "dedup check")
	}
	if check.Existing != nil {
		pipeMetrics.dedupHits.Add(ctx, 1)
		log.Info("duplicate submission, returning existing record",
			zap.String("processing_id", check.Existing.ProcessingID))
		return &Outcome{
			Record:              check.Existing,
			Duplicate:           true,
			LowConfidenceFields: check.Existing.LowConfidenceFields(o.lowConfThreshold),
		}, nil
	}
	if check.InFlight {
		return nil, faxerr.New(faxerr.KindBusy, "document %s is already being processed", doc.ContentHash)
	}
	if !o.gate.Acquire(doc.TenantID, doc.ContentHash) {
		return nil, faxerr.New(faxerr.KindBusy, "document %s is already being processed", doc.ContentHash)
	}
	defer o.gate.Release(doc.TenantID, doc.ContentHash)

	epochMS := time.Now().UnixMilli()
	processingID := types.DeriveProcessingID(doc.ContentHash, epochMS)
	log = log.With(zap.String("processing_id", processingID))
	span.SetAttributes(attribute.String("faxpipe.processing_id", processingID))

	outcome, err := o.process(ctx, doc, req.TemplateID, processingID, epochMS, progress, log)
	elapsed := float64(time.Since(t0).Milliseconds())
	status := "success"
	if err != nil {
		status = string(faxerr.KindOf(err))
	}
	pipeMetrics.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	pipeMetrics.duration.Record(ctx, elapsed)
	return outcome, err
}

func (o *Orchestrator) process(ctx context.Context, doc *types.Document, templateID, processingID string, epochMS int64, progress OnProgress, log *zap.Logger) (*Outcome, error) {
	// Source lands in the review tier first; placement moves it once the
	// confidence is known.
	srcPath := objectstore.SourcePath(types.TierReview, doc.TenantID, processingID, doc.Filename, epochMS)
	if err := o.objects.Put(ctx, srcPath, doc.Raw, doc.MimeType); err != nil {
		return nil, faxerr.Wrapf(faxerr.KindStoreTransient, err, "writing source object")
	}
	log.Debug("source uploaded", zap.String("stage", string(stageUploadedSource)), zap.String("path", srcPath))

	ocrRes, err := o.ocr.Extract(ctx, doc.Raw, doc.MimeType)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, faxerr.Wrap(faxerr.KindTimeout, err)
		}
		kind := faxerr.KindOCRUnavailable
		if errors.Is(err, ocr.ErrTransient) {
			kind = faxerr.KindOCRTransient
		}
		// The source object stays put; the sweeper retries it later.
		return nil, faxerr.Wrapf(kind, err, "ocr")
	}
	ocrConf := ocrRes.MeanConfidence()
	log.Debug("ocr complete", zap.String("stage", string(stageOCRDone)), zap.Float64("ocr_confidence", ocrConf))

	now := time.Now().UTC()
	rec := &types.ProcessedRecord{
		ContentHash:   doc.ContentHash,
		ProcessingID:  processingID,
		TenantID:      doc.TenantID,
		Filename:      doc.Filename,
		SourcePath:    srcPath,
		OCRConfidence: ocrConf,
		RawText:       ocrRes.Text(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if pos, err := json.Marshal(ocrRes); err == nil {
		rec.PositioningData = string(pos)
	}

	if err := o.extractInto(ctx, rec, ocrRes, templateID, log); err != nil {
		return nil, err
	}
	rec.RecomputeOverallConfidence()

	// PLACED: bucket decided, source moved, processed JSON written.
	tier := o.policy.Bucket(rec.OverallConfidence)
	finalSrc, err := objectstore.Retier(srcPath, tier)
	if err != nil {
		return nil, faxerr.Wrap(faxerr.KindInternal, err)
	}
	if err := o.objects.Move(ctx, srcPath, finalSrc); err != nil {
		return nil, faxerr.Wrapf(faxerr.KindStoreTransient, err, "relocating source to tier %s", tier)
	}
	rec.SourcePath = finalSrc
	rec.ProcessedPath = objectstore.ProcessedPath(tier, doc.TenantID, processingID, doc.Filename, epochMS)

	if err := o.writeProcessedJSON(ctx, rec); err != nil {
		// Source stays in its tier; the sweep re-processes it later.
		return nil, faxerr.Wrapf(faxerr.KindStoreTransient, err, "writing processed json")
	}
	log.Debug("record placed", zap.String("stage", string(stagePlaced)), zap.String("tier", string(tier)))
	if progress != nil {
		progress(50)
	}

	// RECORDED: commit the row. A duplicate here means we lost the insert
	// race; the winner's record stands and our objects are cleaned up.
	if err := o.records.InsertRecord(ctx, rec); err != nil {
		if errors.Is(err, recordstore.ErrDuplicate) {
			existing, ferr := o.records.FindByHash(ctx, doc.TenantID, doc.ContentHash)
			if ferr != nil {
				return nil, faxerr.Wrap(faxerr.KindStoreTransient, ferr)
			}
			_ = o.objects.Delete(ctx, rec.SourcePath)
			_ = o.objects.Delete(ctx, rec.ProcessedPath)
			log.Info("lost insert race, returning winner's record",
				zap.String("winner", existing.ProcessingID))
			return &Outcome{
				Record:              existing,
				Duplicate:           true,
				LowConfidenceFields: existing.LowConfidenceFields(o.lowConfThreshold),
			}, nil
		}
		return nil, faxerr.Wrapf(faxerr.KindStoreTransient, err, "inserting record")
	}
	log.Debug("record committed", zap.String("stage", string(stageRecorded)))

	// Null-field tracking never blocks completion.
	o.tracker.Track(ctx, rec)

	// Cache source bytes for on-demand re-analysis.
	if o.cache != nil {
		o.cache.Put(doc.ContentHash, doc.Raw)
	}

	// Downstream FHIR delivery is best-effort.
	if err := o.publisher.Publish(ctx, rec); err != nil {
		log.Warn("fhir publish failed", zap.Error(err))
	}

	if progress != nil {
		progress(100)
	}
	log.Info("pipeline completed",
		zap.String("stage", string(stageCompleted)),
		zap.Float64("overall_confidence", rec.OverallConfidence),
		zap.String("tier", string(tier)))

	return &Outcome{
		Record:              rec,
		LowConfidenceFields: rec.LowConfidenceFields(o.lowConfThreshold),
		SourceB64:           base64.StdEncoding.EncodeToString(doc.Raw),
	}, nil
}

// extractInto runs free-form or template-guided extraction and fills the
// record. Extraction failure degrades to the empty fallback rather than
// failing the run.
func (o *Orchestrator) extractInto(ctx context.Context, rec *types.ProcessedRecord, ocrRes *ocr.Result, templateID string, log *zap.Logger) error {
	if templateID == "" {
		res, err := o.extractor.ExtractFreeForm(ctx, ocrRes)
		if err != nil {
			return o.extractFallback(ctx, rec, err, log)
		}
		rec.KVPairs = res.KVPairs
		rec.KVConfidences = res.KVConfidences
		rec.Classification = res.Classification
		log.Debug("extraction complete", zap.String("stage", string(stageExtracted)),
			zap.Int("fields", len(res.KVPairs)))
		return nil
	}

	tpl, err := o.templates.Get(ctx, templateID)
	if err != nil {
		if errors.Is(err, recordstore.ErrNotFound) {
			return faxerr.Wrapf(faxerr.KindValidation, err, "template %s", templateID)
		}
		return faxerr.Wrap(faxerr.KindStoreTransient, err)
	}

	res, err := o.extractor.ExtractWithTemplate(ctx, ocrRes, tpl)
	if err != nil {
		return o.extractFallback(ctx, rec, err, log)
	}
	rec.KVPairs = res.KVPairs
	rec.KVConfidences = res.KVConfidences
	rec.Classification = res.Classification
	if rec.Classification == "" {
		rec.Classification = types.ClassOther
	}
	rec.TemplateID = templateID
	rec.TemplateMapping = template.Apply(tpl, res.KVPairs, res.KVConfidences)
	// Extractor-reported unmapped keys supplement the alias matcher's view.
	rec.TemplateMapping.UnmappedExtractedKeys = mergeUnmapped(
		rec.TemplateMapping.UnmappedExtractedKeys, res.UnmappedKeys)
	log.Debug("template mapping applied", zap.String("stage", string(stageMapped)),
		zap.Int("mapped", len(rec.TemplateMapping.MappedValues)),
		zap.Strings("unmapped", rec.TemplateMapping.UnmappedExtractedKeys))
	return nil
}

// extractFallback records an empty extraction so the document still
// completes. Timeouts propagate instead.
func (o *Orchestrator) extractFallback(ctx context.Context, rec *types.ProcessedRecord, cause error, log *zap.Logger) error {
	if errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, context.Canceled) {
		return faxerr.Wrap(faxerr.KindTimeout, cause)
	}
	log.Warn("extraction failed, falling back to empty kv set", zap.Error(cause))
	rec.KVPairs = map[string]string{}
	rec.KVConfidences = map[string]float64{}
	rec.Classification = types.ClassOther
	rec.ExtractFallback = true
	return nil
}

func mergeUnmapped(a, b []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// processedPayload is the bit-exact processed-JSON schema written next to
// each source document.
type processedPayload struct {
	ProcessingID      string                 `json:"processing_id"`
	ContentHash       string                 `json:"content_hash"`
	Filename          string                 `json:"filename"`
	TenantID          string                 `json:"tenant_id"`
	KVPairs           map[string]string      `json:"kv_pairs"`
	KVConfidences     map[string]float64     `json:"kv_confidences"`
	OCRConfidence     float64                `json:"ocr_confidence"`
	OverallConfidence float64                `json:"overall_confidence"`
	Classification    string                 `json:"classification"`
	RawText           string                 `json:"raw_text,omitempty"`
	PositioningData   string                 `json:"positioning_data,omitempty"`
	TemplateID        string                 `json:"template_id,omitempty"`
	TemplateMapping   *types.TemplateMapping `json:"template_mapping,omitempty"`
	CreatedAt         string                 `json:"created_at"`
	UpdatedAt         string                 `json:"updated_at"`
}

// writeProcessedJSON writes the extracted-data payload, retrying a bounded
// number of times since the source has already reached its final location.
func (o *Orchestrator) writeProcessedJSON(ctx context.Context, rec *types.ProcessedRecord) error {
	payload := processedPayload{
		ProcessingID:      rec.ProcessingID,
		ContentHash:       rec.ContentHash,
		Filename:          rec.Filename,
		TenantID:          rec.TenantID,
		KVPairs:           rec.KVPairs,
		KVConfidences:     rec.KVConfidences,
		OCRConfidence:     rec.OCRConfidence,
		OverallConfidence: rec.OverallConfidence,
		Classification:    string(rec.Classification),
		RawText:           rec.RawText,
		PositioningData:   rec.PositioningData,
		TemplateID:        rec.TemplateID,
		TemplateMapping:   rec.TemplateMapping,
		CreatedAt:         rec.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:         rec.UpdatedAt.Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling processed payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < jsonWriteAttempts; attempt++ {
		if err := o.objects.Put(ctx, rec.ProcessedPath, data, "application/json"); err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("after %d attempts: %w", jsonWriteAttempts, lastErr)
}
