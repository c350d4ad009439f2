package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/stacklight/faxpipe/internal/faxerr"
	"github.com/stacklight/faxpipe/internal/recordstore"
	"github.com/stacklight/faxpipe/internal/types"
)

// UpdateRecordKV applies human corrections to a record. Corrected fields
// get confidence 1.0, overall confidence is recomputed, and if the record
// crosses the tier threshold its objects are relocated before the database
// commit. A failed commit rolls the relocation back so storage and metadata
// never disagree.
func (s *Service) UpdateRecordKV(ctx context.Context, processingID string, updates map[string]string, actor string) (*types.ProcessedRecord, error) {
	if len(updates) == 0 {
		return nil, faxerr.New(faxerr.KindValidation, "no field updates supplied")
	}
	if actor == "" {
		return nil, faxerr.New(faxerr.KindValidation, "actor is required")
	}

	rec, err := s.records.GetRecord(ctx, processingID)
	if err != nil {
		if errors.Is(err, recordstore.ErrNotFound) {
			return nil, faxerr.Wrap(faxerr.KindNotFound, err)
		}
		return nil, faxerr.Wrap(faxerr.KindStoreTransient, err)
	}

	// Corrections only touch fields extraction produced, or canonical
	// fields of the record's template; arbitrary new keys would bypass the
	// extraction contract.
	for field := range updates {
		if _, ok := rec.KVPairs[field]; ok {
			continue
		}
		if !s.templateAllowsField(ctx, rec, field) {
			return nil, faxerr.New(faxerr.KindValidation, "field %q does not exist on record %s", field, processingID)
		}
	}

	kv := make(map[string]string, len(rec.KVPairs))
	for k, v := range rec.KVPairs {
		kv[k] = v
	}
	confs := make(map[string]float64, len(rec.KVConfidences))
	for k, v := range rec.KVConfidences {
		confs[k] = v
	}

	now := time.Now().UTC()
	audit := make([]recordstore.Correction, 0, len(updates))
	for field, newValue := range updates {
		audit = append(audit, recordstore.Correction{
			ProcessingID: processingID,
			Field:        field,
			OldValue:     kv[field],
			NewValue:     newValue,
			Actor:        actor,
			CreatedAt:    now,
		})
		kv[field] = newValue
		confs[field] = 1.0
	}

	overall := types.OverallConfidence(rec.OCRConfidence, confs)
	tier := s.policy.Bucket(overall)

	srcDst, procDst, err := s.relocator.Relocate(ctx, rec, tier)
	if err != nil {
		return nil, faxerr.Wrapf(faxerr.KindRelocFail, err, "relocating record %s", processingID)
	}

	updated, err := s.records.ApplyKVUpdate(ctx, processingID, recordstore.KVUpdate{
		KVPairs:       kv,
		KVConfidences: confs,
		Overall:       overall,
		SourcePath:    srcDst,
		ProcessedPath: procDst,
		Actor:         actor,
		Corrections:   audit,
	})
	if err != nil {
		s.rollbackRelocation(ctx, rec, srcDst, procDst)
		return nil, faxerr.Wrapf(faxerr.KindStoreTransient, err, "committing correction")
	}

	s.refreshProcessedJSON(ctx, updated)
	s.log.Info("record corrected",
		zap.String("processing_id", processingID),
		zap.String("actor", actor),
		zap.Int("fields", len(updates)),
		zap.Float64("overall_confidence", overall),
		zap.String("tier", string(tier)))
	return updated, nil
}

// templateAllowsField reports whether field is a canonical field of the
// record's template, permitting corrections to fill fields extraction
// missed entirely.
func (s *Service) templateAllowsField(ctx context.Context, rec *types.ProcessedRecord, field string) bool {
	if rec.TemplateID == "" || s.templates == nil {
		return false
	}
	tpl, err := s.templates.Get(ctx, rec.TemplateID)
	if err != nil {
		return false
	}
	for _, f := range tpl.Fields {
		if f.CanonicalName == field {
			return true
		}
	}
	return false
}

// rollbackRelocation undoes a tier move after a failed database commit.
func (s *Service) rollbackRelocation(ctx context.Context, rec *types.ProcessedRecord, srcDst, procDst string) {
	if srcDst == rec.SourcePath && procDst == rec.ProcessedPath {
		return
	}
	if err := s.objects.Move(ctx, srcDst, rec.SourcePath); err != nil {
		s.log.Error("relocation rollback failed for source object",
			zap.String("processing_id", rec.ProcessingID), zap.Error(err))
	}
	if err := s.objects.Move(ctx, procDst, rec.ProcessedPath); err != nil {
		s.log.Error("relocation rollback failed for processed object",
			zap.String("processing_id", rec.ProcessingID), zap.Error(err))
	}
}

// refreshProcessedJSON rewrites the extracted-data object so downstream
// readers of the object store see the corrected values. Best-effort: the
// database row is authoritative.
func (s *Service) refreshProcessedJSON(ctx context.Context, rec *types.ProcessedRecord) {
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
	if err := s.objects.Put(ctx, rec.ProcessedPath, data, "application/json"); err != nil {
		s.log.Warn("rewriting processed json after correction failed",
			zap.String("processing_id", rec.ProcessingID), zap.Error(err))
	}
}
