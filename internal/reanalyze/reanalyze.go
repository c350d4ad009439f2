// Package reanalyze drives vision re-analysis of low-confidence fields:
// the source image goes back to the model with the doubtful values, and the
// verdicts optionally flow into the correction path.
package reanalyze

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stacklight/faxpipe/internal/bucket"
	"github.com/stacklight/faxpipe/internal/extract"
	"github.com/stacklight/faxpipe/internal/faxerr"
	"github.com/stacklight/faxpipe/internal/objectstore"
	"github.com/stacklight/faxpipe/internal/pipeline"
	"github.com/stacklight/faxpipe/internal/recordstore"
	"github.com/stacklight/faxpipe/internal/types"
)

// Report is the outcome of one re-analysis pass.
type Report struct {
	ProcessingID string                  `json:"processing_id"`
	Fields       []extract.FieldAnalysis `json:"fields"`
	// Applied lists fields whose suggested values were written back as
	// corrections.
	Applied []string `json:"applied,omitempty"`
}

// Analyzer fetches source bytes and runs the extractor's vision pass.
type Analyzer struct {
	records   recordstore.Storage
	objects   objectstore.Store
	extractor extract.Extractor
	cache     *pipeline.ByteCache
	policy    bucket.Policy
	relocator *bucket.Relocator
	threshold float64
	log       *zap.Logger
}

// Options bundles the analyzer dependencies.
type Options struct {
	Records   recordstore.Storage
	Objects   objectstore.Store
	Extractor extract.Extractor
	Cache     *pipeline.ByteCache
	Policy    bucket.Policy
	Relocator *bucket.Relocator
	Threshold float64
	Log       *zap.Logger
}

// NewAnalyzer builds an analyzer. Threshold defaults to 0.95 when
// non-positive.
func NewAnalyzer(opts Options) *Analyzer {
	if opts.Threshold <= 0 {
		opts.Threshold = 0.95
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Analyzer{
		records:   opts.Records,
		objects:   opts.Objects,
		extractor: opts.Extractor,
		cache:     opts.Cache,
		policy:    opts.Policy,
		relocator: opts.Relocator,
		threshold: opts.Threshold,
		log:       opts.Log,
	}
}

// Analyze re-checks the record's low-confidence fields against the source
// image. With apply set, incorrect verdicts that carry a suggested value
// are written back as corrections attributed to actor.
func (a *Analyzer) Analyze(ctx context.Context, processingID string, apply bool, actor string) (*Report, error) {
	rec, err := a.records.GetRecord(ctx, processingID)
	if err != nil {
		if errors.Is(err, recordstore.ErrNotFound) {
			return nil, faxerr.Wrap(faxerr.KindNotFound, err)
		}
		return nil, faxerr.Wrap(faxerr.KindStoreTransient, err)
	}

	fields := a.fieldsUnderReview(rec)
	if len(fields) == 0 {
		return &Report{ProcessingID: processingID}, nil
	}

	raw, mediaType, err := a.sourceBytes(ctx, rec)
	if err != nil {
		return nil, err
	}

	verdicts, err := a.extractor.ReanalyzeFields(ctx, extract.ReanalysisRequest{
		ImageB64:  base64.StdEncoding.EncodeToString(raw),
		MediaType: mediaType,
		Fields:    fields,
	})
	if err != nil {
		return nil, faxerr.Wrapf(faxerr.KindExtractFail, err, "re-analysis")
	}

	report := &Report{ProcessingID: processingID, Fields: verdicts}
	if apply {
		report.Applied, err = a.applySuggestions(ctx, rec, verdicts, actor)
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

// fieldsUnderReview selects kv pairs whose confidence falls below the
// threshold, in the record's sorted field order.
func (a *Analyzer) fieldsUnderReview(rec *types.ProcessedRecord) []extract.FieldUnderReview {
	var out []extract.FieldUnderReview
	for _, name := range rec.LowConfidenceFields(a.threshold) {
		out = append(out, extract.FieldUnderReview{
			Name:       name,
			Value:      rec.KVPairs[name],
			Confidence: rec.KVConfidences[name],
		})
	}
	return out
}

// sourceBytes serves from the post-completion cache when possible and falls
// back to the object store.
func (a *Analyzer) sourceBytes(ctx context.Context, rec *types.ProcessedRecord) ([]byte, string, error) {
	if a.cache != nil {
		if raw, ok := a.cache.Get(rec.ContentHash); ok {
			return raw, mediaTypeOf(rec.Filename), nil
		}
	}
	raw, err := a.objects.Get(ctx, rec.SourcePath)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, "", faxerr.Wrapf(faxerr.KindNotFound, err, "source object for %s", rec.ProcessingID)
		}
		return nil, "", faxerr.Wrap(faxerr.KindStoreTransient, err)
	}
	if a.cache != nil {
		a.cache.Put(rec.ContentHash, raw)
	}
	return raw, mediaTypeOf(rec.Filename), nil
}

// applySuggestions writes incorrect verdicts that carry a suggested value
// back through the correction path: confidence 1.0, audit rows, and the
// same relocate-commit-rollback sequence human corrections use, so a
// confidence change re-derives the storage tier and paths.
func (a *Analyzer) applySuggestions(ctx context.Context, rec *types.ProcessedRecord, verdicts []extract.FieldAnalysis, actor string) ([]string, error) {
	kv := make(map[string]string, len(rec.KVPairs))
	for k, v := range rec.KVPairs {
		kv[k] = v
	}
	confs := make(map[string]float64, len(rec.KVConfidences))
	for k, v := range rec.KVConfidences {
		confs[k] = v
	}

	var applied []string
	var audit []recordstore.Correction
	now := time.Now().UTC()
	for _, v := range verdicts {
		if v.Status != extract.StatusIncorrect || v.SuggestedValue == "" {
			continue
		}
		if _, ok := kv[v.Field]; !ok {
			continue
		}
		audit = append(audit, recordstore.Correction{
			ProcessingID: rec.ProcessingID,
			Field:        v.Field,
			OldValue:     kv[v.Field],
			NewValue:     v.SuggestedValue,
			Actor:        actor,
			CreatedAt:    now,
		})
		kv[v.Field] = v.SuggestedValue
		confs[v.Field] = 1.0
		applied = append(applied, v.Field)
	}
	if len(applied) == 0 {
		return nil, nil
	}

	overall := types.OverallConfidence(rec.OCRConfidence, confs)
	tier := a.policy.Bucket(overall)
	srcDst, procDst, err := a.relocator.Relocate(ctx, rec, tier)
	if err != nil {
		return nil, faxerr.Wrapf(faxerr.KindRelocFail, err, "relocating record %s", rec.ProcessingID)
	}

	updated, err := a.records.ApplyKVUpdate(ctx, rec.ProcessingID, recordstore.KVUpdate{
		KVPairs:       kv,
		KVConfidences: confs,
		Overall:       overall,
		SourcePath:    srcDst,
		ProcessedPath: procDst,
		Actor:         actor,
		Corrections:   audit,
	})
	if err != nil {
		a.rollbackRelocation(ctx, rec, srcDst, procDst)
		return nil, faxerr.Wrapf(faxerr.KindStoreTransient, err, "applying re-analysis suggestions")
	}
	a.refreshProcessedJSON(ctx, updated)
	a.log.Info("re-analysis suggestions applied",
		zap.String("processing_id", rec.ProcessingID),
		zap.Strings("fields", applied),
		zap.String("tier", string(tier)))
	return applied, nil
}

// rollbackRelocation undoes a tier move after a failed database commit.
func (a *Analyzer) rollbackRelocation(ctx context.Context, rec *types.ProcessedRecord, srcDst, procDst string) {
	if srcDst == rec.SourcePath && procDst == rec.ProcessedPath {
		return
	}
	if err := a.objects.Move(ctx, srcDst, rec.SourcePath); err != nil {
		a.log.Error("relocation rollback failed for source object",
			zap.String("processing_id", rec.ProcessingID), zap.Error(err))
	}
	if err := a.objects.Move(ctx, procDst, rec.ProcessedPath); err != nil {
		a.log.Error("relocation rollback failed for processed object",
			zap.String("processing_id", rec.ProcessingID), zap.Error(err))
	}
}

// refreshProcessedJSON rewrites the extracted-data object with the applied
// values. Best-effort; the database row is authoritative.
func (a *Analyzer) refreshProcessedJSON(ctx context.Context, rec *types.ProcessedRecord) {
	payload := map[string]any{
		"processing_id":      rec.ProcessingID,
		"content_hash":       rec.ContentHash,
		"filename":           rec.Filename,
		"tenant_id":          rec.TenantID,
		"kv_pairs":           rec.KVPairs,
		"kv_confidences":     rec.KVConfidences,
		"ocr_confidence":     rec.OCRConfidence,
		"overall_confidence": rec.OverallConfidence,
		"classification":     string(rec.Classification),
		"has_corrections":    rec.HasCorrections,
		"created_at":         rec.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":         rec.UpdatedAt.Format(time.RFC3339Nano),
	}
	if rec.TemplateID != "" {
		payload["template_id"] = rec.TemplateID
		payload["template_mapping"] = rec.TemplateMapping
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := a.objects.Put(ctx, rec.ProcessedPath, data, "application/json"); err != nil {
		a.log.Warn("rewriting processed json after re-analysis failed",
			zap.String("processing_id", rec.ProcessingID), zap.Error(err))
	}
}

// mediaTypeOf mirrors the upload mime mapping for vision calls.
func mediaTypeOf(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	default:
		return "application/pdf"
	}
}
