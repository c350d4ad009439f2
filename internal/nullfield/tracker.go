// Package nullfield records which required fields were missing or empty on
// each completed record, feeding downstream QA.
package nullfield

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stacklight/faxpipe/internal/recordstore"
	"github.com/stacklight/faxpipe/internal/types"
)

// RequiredFields is the fixed canonical set audited on every completion.
var RequiredFields = []string{
	"Name",
	"Date of Birth",
	"Member ID",
	"Address",
	"Gender",
	"Insurance ID",
}

// Tracker produces one NullFieldRecord per completed ProcessedRecord.
// Failures are surfaced as warnings and never block completion.
type Tracker struct {
	store recordstore.Storage
	log   *zap.Logger
}

// NewTracker builds a tracker over the record store.
func NewTracker(store recordstore.Storage, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{store: store, log: log}
}

// isEmptyValue treats "", "None", "N/A", and whitespace-only as missing.
func isEmptyValue(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return true
	}
	switch strings.ToLower(v) {
	case "none", "n/a", "na", "null":
		return true
	}
	return false
}

// Audit builds the null-field row for a completed record. Required fields
// match against kv keys case-insensitively, and template-mapped values
// count as present.
func Audit(rec *types.ProcessedRecord) *types.NullFieldRecord {
	present := map[string]string{}
	for k, v := range rec.KVPairs {
		present[strings.ToLower(k)] = v
	}
	if rec.TemplateMapping != nil {
		for k, v := range rec.TemplateMapping.MappedValues {
			present[strings.ToLower(k)] = v
		}
	}

	var missing []string
	for _, field := range RequiredFields {
		v, ok := present[strings.ToLower(field)]
		if !ok || isEmptyValue(v) {
			missing = append(missing, field)
		}
	}

	all := make(map[string]string, len(rec.KVPairs))
	for k, v := range rec.KVPairs {
		all[k] = v
	}

	return &types.NullFieldRecord{
		ProcessingID:       rec.ProcessingID,
		TenantID:           rec.TenantID,
		Filename:           rec.Filename,
		NullFieldNames:     missing,
		AllExtractedFields: all,
		CreatedAt:          time.Now().UTC(),
	}
}

// Track audits the record and persists the row. Errors are logged as
// warnings; the record stays completed regardless.
func (t *Tracker) Track(ctx context.Context, rec *types.ProcessedRecord) {
	nfr := Audit(rec)
	if err := t.store.InsertNullFieldRecord(ctx, nfr); err != nil {
		t.log.Warn("null-field tracking failed",
			zap.String("processing_id", rec.ProcessingID),
			zap.Error(err))
		return
	}
	t.log.Debug("null-field record stored",
		zap.String("processing_id", rec.ProcessingID),
		zap.Strings("missing", nfr.NullFieldNames))
}
