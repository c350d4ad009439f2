package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stacklight/faxpipe/internal/types"
)

const jobColumns = `job_id, kind, state, progress, result, error, failure_code,
	parent_batch_id, result_ignore, tenant_id, template_id, filename,
	source_path, content_hash, created_at, updated_at`

// CreateJob persists a new job row in state queued.
func (s *SQLStore) CreateJob(ctx context.Context, job *types.Job) error {
	result := ""
	if job.Result != nil {
		result = marshalJSON(job.Result)
	}
	_, err := s.execContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, string(job.Kind), string(job.State), job.Progress,
		result, job.Error, job.FailureCode, job.ParentBatchID,
		boolInt(job.ResultIgnore), job.TenantID, job.TemplateID,
		job.Filename, job.SourcePath, job.ContentHash,
		fmtTime(job.CreatedAt), fmtTime(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("creating job %s: %w", job.JobID, err)
	}
	return nil
}

func (s *SQLStore) scanJob(row interface{ Scan(...any) error }) (*types.Job, error) {
	var job types.Job
	var kind, state, result, createdAt, updatedAt string
	var resultIgnore int
	err := row.Scan(
		&job.JobID, &kind, &state, &job.Progress, &result, &job.Error,
		&job.FailureCode, &job.ParentBatchID, &resultIgnore,
		&job.TenantID, &job.TemplateID, &job.Filename, &job.SourcePath,
		&job.ContentHash, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	job.Kind = types.JobKind(kind)
	job.State = types.JobState(state)
	job.ResultIgnore = resultIgnore != 0
	if result != "" {
		var jr types.JobResult
		if json.Unmarshal([]byte(result), &jr) == nil {
			job.Result = &jr
		}
	}
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	return &job, nil
}

// GetJob fetches one job by id.
func (s *SQLStore) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	job, err := s.scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting job %s: %w", jobID, err)
	}
	return job, nil
}

// GetJobs fetches a set of jobs; missing ids are simply absent from the
// result.
func (s *SQLStore) GetJobs(ctx context.Context, jobIDs []string) ([]*types.Job, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(jobIDs)), ",")
	args := make([]any, len(jobIDs))
	for i, id := range jobIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("getting jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// UpdateJob persists state, progress, result, and error for an existing job.
func (s *SQLStore) UpdateJob(ctx context.Context, job *types.Job) error {
	result := ""
	if job.Result != nil {
		result = marshalJSON(job.Result)
	}
	res, err := s.execContext(ctx, `
		UPDATE jobs SET state = ?, progress = ?, result = ?, error = ?,
			failure_code = ?, content_hash = ?, updated_at = ?
		WHERE job_id = ?`,
		string(job.State), job.Progress, result, job.Error,
		job.FailureCode, job.ContentHash, fmtTime(time.Now().UTC()), job.JobID)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", job.JobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", job.JobID, ErrNotFound)
	}
	return nil
}

// MarkResultIgnore flags a job whose caller cancelled. The pipeline still
// runs to completion so object-store bytes are not orphaned.
func (s *SQLStore) MarkResultIgnore(ctx context.Context, jobID string) error {
	res, err := s.execContext(ctx, `
		UPDATE jobs SET result_ignore = 1, updated_at = ? WHERE job_id = ?`,
		fmtTime(time.Now().UTC()), jobID)
	if err != nil {
		return fmt.Errorf("marking job %s result_ignore: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return nil
}

// PendingJobs returns queued and running jobs, oldest first. Running jobs
// appear because a worker crash can leave them stranded; re-dispatching is
// safe under the at-least-once model.
func (s *SQLStore) PendingJobs(ctx context.Context) ([]*types.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state IN ('queued', 'running')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing pending jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// JobsByBatch returns all children of a batch, oldest first.
func (s *SQLStore) JobsByBatch(ctx context.Context, batchID string) ([]*types.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE parent_batch_id = ?
		ORDER BY created_at ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("listing batch %s jobs: %w", batchID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ActiveJobCount counts queued plus running jobs for backpressure checks.
func (s *SQLStore) ActiveJobCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE state IN ('queued', 'running')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting active jobs: %w", err)
	}
	return n, nil
}
