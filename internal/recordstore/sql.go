package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/stacklight/faxpipe/internal/types"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// SQLStore implements Storage over database/sql. The embedded SQLite backend
// serves single-node deployments; MySQL serves shared server deployments.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	log     *zap.Logger
}

// Open connects to the record store and applies the schema. The dialect is
// inferred from the connection string.
func Open(ctx context.Context, conn string, log *zap.Logger) (*SQLStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dialect := DetectDialect(conn)

	var db *sql.DB
	var err error
	switch dialect {
	case DialectMySQL:
		db, err = sql.Open("mysql", MySQLConnString(conn))
	default:
		db, err = sql.Open("sqlite", SQLiteConnString(conn))
		if db != nil {
			// SQLite serializes writers; a single connection avoids
			// SQLITE_BUSY churn under the worker pool.
			db.SetMaxOpenConns(1)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging record store: %w", err)
	}

	s := &SQLStore{db: db, dialect: dialect, log: log}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("record store ready", zap.String("dialect", string(dialect)))
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	schema := schemaSQLite
	if s.dialect == DialectMySQL {
		schema = schemaMySQL
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error { return s.db.Close() }

// isTransientSQL reports whether the error is a transient connection problem
// worth retrying in server mode. Embedded SQLite errors are never retried
// here; busy_timeout handles lock contention at the driver level.
func isTransientSQL(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"lost connection",
		"gone away",
		"i/o timeout",
	} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

const serverRetryMaxElapsed = 30 * time.Second

// withRetry retries transient failures in MySQL server mode.
func (s *SQLStore) withRetry(ctx context.Context, op func() error) error {
	if s.dialect != DialectMySQL {
		return op()
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = serverRetryMaxElapsed
	return backoff.Retry(func() error {
		err := op()
		if err != nil && isTransientSQL(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

func (s *SQLStore) execContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := s.withRetry(ctx, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "Error 1062") || // mysql
		strings.Contains(msg, "Duplicate entry")
}

// ----- time and JSON helpers -----

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func unmarshalStringMap(s string) map[string]string {
	m := map[string]string{}
	if s != "" {
		_ = json.Unmarshal([]byte(s), &m)
	}
	return m
}

func unmarshalFloatMap(s string) map[string]float64 {
	m := map[string]float64{}
	if s != "" {
		_ = json.Unmarshal([]byte(s), &m)
	}
	return m
}

// ----- records -----

const recordColumns = `processing_id, content_hash, tenant_id, filename,
	source_path, processed_path, kv_pairs, kv_confidences,
	ocr_confidence, overall_confidence, classification, raw_text,
	positioning_data, template_id, template_mapping, extract_fallback,
	has_corrections, last_corrected_by, last_corrected_at, created_at, updated_at`

// InsertRecord persists a new processed record. Returns ErrDuplicate when
// the (tenant_id, content_hash) pair already exists.
func (s *SQLStore) InsertRecord(ctx context.Context, rec *types.ProcessedRecord) error {
	if rec.OverallConfidence < 0 || rec.OverallConfidence > 1 {
		return fmt.Errorf("record %s: overall_confidence %v out of range",
			rec.ProcessingID, rec.OverallConfidence)
	}
	mapping := ""
	if rec.TemplateMapping != nil {
		mapping = marshalJSON(rec.TemplateMapping)
	}
	_, err := s.execContext(ctx, `
		INSERT INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ProcessingID, rec.ContentHash, rec.TenantID, rec.Filename,
		rec.SourcePath, rec.ProcessedPath,
		marshalJSON(rec.KVPairs), marshalJSON(rec.KVConfidences),
		rec.OCRConfidence, rec.OverallConfidence, string(rec.Classification),
		rec.RawText, rec.PositioningData, rec.TemplateID, mapping,
		boolInt(rec.ExtractFallback), boolInt(rec.HasCorrections),
		rec.LastCorrectedBy, fmtTimePtr(rec.LastCorrectedAt),
		fmtTime(rec.CreatedAt), fmtTime(rec.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("record %s: %w", rec.ContentHash, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("inserting record %s: %w", rec.ProcessingID, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLStore) scanRecord(row interface{ Scan(...any) error }) (*types.ProcessedRecord, error) {
	var rec types.ProcessedRecord
	var kvPairs, kvConfs, classification, mapping, createdAt, updatedAt string
	var extractFallback, hasCorrections int
	var lastCorrectedAt sql.NullString

	err := row.Scan(
		&rec.ProcessingID, &rec.ContentHash, &rec.TenantID, &rec.Filename,
		&rec.SourcePath, &rec.ProcessedPath, &kvPairs, &kvConfs,
		&rec.OCRConfidence, &rec.OverallConfidence, &classification,
		&rec.RawText, &rec.PositioningData, &rec.TemplateID, &mapping,
		&extractFallback, &hasCorrections, &rec.LastCorrectedBy,
		&lastCorrectedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.KVPairs = unmarshalStringMap(kvPairs)
	rec.KVConfidences = unmarshalFloatMap(kvConfs)
	rec.Classification = types.Classification(classification)
	if mapping != "" {
		var tm types.TemplateMapping
		if json.Unmarshal([]byte(mapping), &tm) == nil {
			rec.TemplateMapping = &tm
		}
	}
	rec.ExtractFallback = extractFallback != 0
	rec.HasCorrections = hasCorrections != 0
	rec.LastCorrectedAt = parseTimePtr(lastCorrectedAt)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

// FindByHash looks up a record by tenant-scoped content hash.
func (s *SQLStore) FindByHash(ctx context.Context, tenantID, contentHash string) (*types.ProcessedRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE tenant_id = ? AND content_hash = ?`, tenantID, contentHash)
	rec, err := s.scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("hash %s: %w", contentHash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("finding record by hash: %w", err)
	}
	return rec, nil
}

// GetRecord looks up a record by processing id.
func (s *SQLStore) GetRecord(ctx context.Context, processingID string) (*types.ProcessedRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM records WHERE processing_id = ?`, processingID)
	rec, err := s.scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("record %s: %w", processingID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting record %s: %w", processingID, err)
	}
	return rec, nil
}

// ListRecords returns a tenant's records, newest first.
func (s *SQLStore) ListRecords(ctx context.Context, tenantID string, filter RecordFilter) ([]*types.ProcessedRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE tenant_id = ?`
	args := []any{tenantID}

	if filter.Classification != "" {
		query += ` AND classification = ?`
		args = append(args, string(filter.Classification))
	}
	if filter.Tier != "" {
		query += ` AND source_path LIKE ?`
		args = append(args, string(filter.Tier)+"/%")
	}
	if filter.MinConfidence > 0 {
		query += ` AND overall_confidence >= ?`
		args = append(args, filter.MinConfidence)
	}
	if filter.MaxConfidence > 0 {
		query += ` AND overall_confidence <= ?`
		args = append(args, filter.MaxConfidence)
	}
	if filter.HasCorrections != nil {
		query += ` AND has_corrections = ?`
		args = append(args, boolInt(*filter.HasCorrections))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing records for %s: %w", tenantID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.ProcessedRecord
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ApplyKVUpdate atomically persists a correction: new kv state, recomputed
// confidence, re-derived paths, correction stamps, and audit rows.
func (s *SQLStore) ApplyKVUpdate(ctx context.Context, processingID string, upd KVUpdate) (*types.ProcessedRecord, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning kv update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE records SET
			kv_pairs = ?, kv_confidences = ?, overall_confidence = ?,
			source_path = ?, processed_path = ?,
			has_corrections = 1, last_corrected_by = ?, last_corrected_at = ?,
			updated_at = ?
		WHERE processing_id = ?`,
		marshalJSON(upd.KVPairs), marshalJSON(upd.KVConfidences), upd.Overall,
		upd.SourcePath, upd.ProcessedPath,
		upd.Actor, fmtTime(now), fmtTime(now), processingID,
	)
	if err != nil {
		return nil, fmt.Errorf("updating record %s: %w", processingID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("record %s: %w", processingID, ErrNotFound)
	}

	for _, c := range upd.Corrections {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO corrections (processing_id, field, old_value, new_value, actor, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			processingID, c.Field, c.OldValue, c.NewValue, upd.Actor, fmtTime(now),
		); err != nil {
			return nil, fmt.Errorf("recording correction audit: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing kv update: %w", err)
	}
	return s.GetRecord(ctx, processingID)
}

// UpdateRecordPaths rewrites only the object-store paths, used by the
// relocation driver.
func (s *SQLStore) UpdateRecordPaths(ctx context.Context, processingID, sourcePath, processedPath string) error {
	res, err := s.execContext(ctx, `
		UPDATE records SET source_path = ?, processed_path = ?, updated_at = ?
		WHERE processing_id = ?`,
		sourcePath, processedPath, fmtTime(time.Now().UTC()), processingID)
	if err != nil {
		return fmt.Errorf("updating paths for %s: %w", processingID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", processingID, ErrNotFound)
	}
	return nil
}

// ----- null-field telemetry -----

// InsertNullFieldRecord stores the required-field audit row. At most one row
// exists per processing id; duplicates are ignored so completion retries
// stay idempotent.
func (s *SQLStore) InsertNullFieldRecord(ctx context.Context, nfr *types.NullFieldRecord) error {
	_, err := s.execContext(ctx, `
		INSERT INTO null_field_records (processing_id, tenant_id, filename, null_field_names, all_extracted_fields, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		nfr.ProcessingID, nfr.TenantID, nfr.Filename,
		marshalJSON(nfr.NullFieldNames), marshalJSON(nfr.AllExtractedFields),
		fmtTime(nfr.CreatedAt))
	if isUniqueViolation(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inserting null-field record %s: %w", nfr.ProcessingID, err)
	}
	return nil
}

// GetNullFieldRecord fetches the audit row for one record.
func (s *SQLStore) GetNullFieldRecord(ctx context.Context, processingID string) (*types.NullFieldRecord, error) {
	var nfr types.NullFieldRecord
	var names, fields, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT processing_id, tenant_id, filename, null_field_names, all_extracted_fields, created_at
		FROM null_field_records WHERE processing_id = ?`, processingID,
	).Scan(&nfr.ProcessingID, &nfr.TenantID, &nfr.Filename, &names, &fields, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("null-field record %s: %w", processingID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting null-field record %s: %w", processingID, err)
	}
	_ = json.Unmarshal([]byte(names), &nfr.NullFieldNames)
	nfr.AllExtractedFields = unmarshalStringMap(fields)
	nfr.CreatedAt = parseTime(createdAt)
	return &nfr, nil
}
