package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stacklight/faxpipe/internal/types"
)

// InsertTemplate persists a parsed template. Templates are immutable after
// creation.
func (s *SQLStore) InsertTemplate(ctx context.Context, tpl *types.Template) error {
	_, err := s.execContext(ctx, `
		INSERT INTO templates (template_id, tenant_id, name, fields, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tpl.TemplateID, tpl.TenantID, tpl.Name,
		marshalJSON(tpl.Fields), fmtTime(tpl.CreatedAt), fmtTimePtr(tpl.DeletedAt))
	if err != nil {
		return fmt.Errorf("inserting template %s: %w", tpl.TemplateID, err)
	}
	return nil
}

func (s *SQLStore) scanTemplate(row interface{ Scan(...any) error }) (*types.Template, error) {
	var tpl types.Template
	var fields, createdAt string
	var deletedAt sql.NullString
	if err := row.Scan(&tpl.TemplateID, &tpl.TenantID, &tpl.Name, &fields, &createdAt, &deletedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(fields), &tpl.Fields)
	tpl.CreatedAt = parseTime(createdAt)
	tpl.DeletedAt = parseTimePtr(deletedAt)
	return &tpl, nil
}

// GetTemplate fetches a template by id. Tombstoned templates are still
// returned so existing record references keep resolving.
func (s *SQLStore) GetTemplate(ctx context.Context, templateID string) (*types.Template, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT template_id, tenant_id, name, fields, created_at, deleted_at
		FROM templates WHERE template_id = ?`, templateID)
	tpl, err := s.scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("template %s: %w", templateID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting template %s: %w", templateID, err)
	}
	return tpl, nil
}

// ListTemplates returns a tenant's live (non-tombstoned) templates.
func (s *SQLStore) ListTemplates(ctx context.Context, tenantID string) ([]*types.Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT template_id, tenant_id, name, fields, created_at, deleted_at
		FROM templates WHERE tenant_id = ? AND deleted_at IS NULL
		ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing templates for %s: %w", tenantID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Template
	for rows.Next() {
		tpl, err := s.scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning template: %w", err)
		}
		out = append(out, tpl)
	}
	return out, rows.Err()
}

// TombstoneTemplate soft-deletes a template, preserving record references.
func (s *SQLStore) TombstoneTemplate(ctx context.Context, templateID string) error {
	res, err := s.execContext(ctx, `
		UPDATE templates SET deleted_at = ? WHERE template_id = ? AND deleted_at IS NULL`,
		fmtTime(time.Now().UTC()), templateID)
	if err != nil {
		return fmt.Errorf("tombstoning template %s: %w", templateID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("template %s: %w", templateID, ErrNotFound)
	}
	return nil
}

// ListCorrections returns the audit trail for one record, oldest first.
func (s *SQLStore) ListCorrections(ctx context.Context, processingID string) ([]Correction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT processing_id, field, old_value, new_value, actor, created_at
		FROM corrections WHERE processing_id = ? ORDER BY id ASC`, processingID)
	if err != nil {
		return nil, fmt.Errorf("listing corrections for %s: %w", processingID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Correction
	for rows.Next() {
		var c Correction
		var createdAt string
		if err := rows.Scan(&c.ProcessingID, &c.Field, &c.OldValue, &c.NewValue, &c.Actor, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning correction: %w", err)
		}
		c.CreatedAt = parseTime(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertGroundTruth stores or replaces a verified value for a record field.
func (s *SQLStore) UpsertGroundTruth(ctx context.Context, gt GroundTruth) error {
	now := fmtTime(time.Now().UTC())
	var err error
	if s.dialect == DialectMySQL {
		_, err = s.execContext(ctx, `
			INSERT INTO ground_truth (processing_id, field, value, actor, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE value = VALUES(value), actor = VALUES(actor)`,
			gt.ProcessingID, gt.Field, gt.Value, gt.Actor, now)
	} else {
		_, err = s.execContext(ctx, `
			INSERT INTO ground_truth (processing_id, field, value, actor, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(processing_id, field) DO UPDATE SET value = excluded.value, actor = excluded.actor`,
			gt.ProcessingID, gt.Field, gt.Value, gt.Actor, now)
	}
	if err != nil {
		return fmt.Errorf("upserting ground truth for %s/%s: %w", gt.ProcessingID, gt.Field, err)
	}
	return nil
}

// ListGroundTruth returns all verified values for one record.
func (s *SQLStore) ListGroundTruth(ctx context.Context, processingID string) ([]GroundTruth, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT processing_id, field, value, actor, created_at
		FROM ground_truth WHERE processing_id = ? ORDER BY field ASC`, processingID)
	if err != nil {
		return nil, fmt.Errorf("listing ground truth for %s: %w", processingID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []GroundTruth
	for rows.Next() {
		var gt GroundTruth
		var createdAt string
		if err := rows.Scan(&gt.ProcessingID, &gt.Field, &gt.Value, &gt.Actor, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning ground truth: %w", err)
		}
		gt.CreatedAt = parseTime(createdAt)
		out = append(out, gt)
	}
	return out, rows.Err()
}
