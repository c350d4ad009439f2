// Package queue runs the durable job queue: async singles, batch fan-out,
// and the periodic bulk sweep. Jobs survive restarts through the record
// store; document bytes are staged in the object store until a job reaches
// a terminal state.
package queue

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stacklight/faxpipe/internal/faxerr"
	"github.com/stacklight/faxpipe/internal/objectstore"
	"github.com/stacklight/faxpipe/internal/pipeline"
	"github.com/stacklight/faxpipe/internal/telemetry"
	"github.com/stacklight/faxpipe/internal/types"
)

// stagingPrefix holds bytes for queued jobs submitted through the API.
// Swept documents keep their original bulk-processing key instead.
const stagingPrefix = "queue/staging/"

// Options configures the queue.
type Options struct {
	Records           recordstoreIface
	Objects           objectstore.Store
	Orchestrator      *pipeline.Orchestrator
	Concurrency       int
	HighWater         int
	LowWater          int
	SingleTimeout     time.Duration
	BatchChildTimeout time.Duration
	Log               *zap.Logger
}

// recordstoreIface is the slice of the record store the queue needs.
type recordstoreIface interface {
	CreateJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, jobID string) (*types.Job, error)
	UpdateJob(ctx context.Context, job *types.Job) error
	MarkResultIgnore(ctx context.Context, jobID string) error
	PendingJobs(ctx context.Context) ([]*types.Job, error)
	JobsByBatch(ctx context.Context, batchID string) ([]*types.Job, error)
	ActiveJobCount(ctx context.Context) (int, error)
}

// Queue schedules pipeline runs over a fixed pool of workers draining a
// buffered job channel.
type Queue struct {
	records recordstoreIface
	objects objectstore.Store
	orch    *pipeline.Orchestrator

	highWater         int
	lowWater          int
	singleTimeout     time.Duration
	batchChildTimeout time.Duration

	// saturated implements high/low-water hysteresis for the sweeper.
	saturated atomic.Bool

	jobs    chan queuedJob
	stop    chan struct{}
	workers *errgroup.Group
	stopped atomic.Bool

	metricsReg metric.Registration

	log *zap.Logger
}

// queuedJob pairs a durable job row with the submission-scoped context it
// runs under.
type queuedJob struct {
	ctx context.Context
	job *types.Job
}

// New builds a queue; Start must be called before submitting work.
func New(opts Options) *Queue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.HighWater <= 0 {
		opts.HighWater = 256
	}
	if opts.LowWater <= 0 || opts.LowWater > opts.HighWater {
		opts.LowWater = opts.HighWater / 4
	}
	if opts.SingleTimeout <= 0 {
		opts.SingleTimeout = 2 * time.Minute
	}
	if opts.BatchChildTimeout <= 0 {
		opts.BatchChildTimeout = 4 * time.Minute
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	q := &Queue{
		records:           opts.Records,
		objects:           opts.Objects,
		orch:              opts.Orchestrator,
		highWater:         opts.HighWater,
		lowWater:          opts.LowWater,
		singleTimeout:     opts.SingleTimeout,
		batchChildTimeout: opts.BatchChildTimeout,
		jobs:              make(chan queuedJob, opts.HighWater),
		stop:              make(chan struct{}),
		workers:           &errgroup.Group{},
		log:               opts.Log,
	}
	q.registerMetrics()
	for i := 0; i < opts.Concurrency; i++ {
		q.workers.Go(q.worker)
	}
	return q
}

// worker drains the job channel until Close. Pending jobs take priority
// over shutdown so Close finishes everything already handed off.
func (q *Queue) worker() error {
	for {
		select {
		case qj := <-q.jobs:
			q.run(qj.ctx, qj.job)
		default:
			select {
			case qj := <-q.jobs:
				q.run(qj.ctx, qj.job)
			case <-q.stop:
				return nil
			}
		}
	}
}

// registerMetrics publishes backlog depth and the backpressure flag as
// observable gauges. With the no-op meter provider this costs nothing.
func (q *Queue) registerMetrics() {
	m := telemetry.Meter("github.com/stacklight/faxpipe/queue")
	depth, err1 := m.Int64ObservableGauge("faxpipe.queue.depth",
		metric.WithDescription("Queued plus running jobs"))
	saturated, err2 := m.Int64ObservableGauge("faxpipe.queue.saturated",
		metric.WithDescription("1 while backpressure is tripped"))
	if err1 != nil || err2 != nil {
		return
	}
	reg, err := m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		n, err := q.records.ActiveJobCount(ctx)
		if err != nil {
			return nil
		}
		o.ObserveInt64(depth, int64(n))
		var sat int64
		if q.saturated.Load() {
			sat = 1
		}
		o.ObserveInt64(saturated, sat)
		return nil
	}, depth, saturated)
	if err == nil {
		q.metricsReg = reg
	}
}

// Start reloads jobs that were queued or running at shutdown and
// re-dispatches them. Delivery is at-least-once; the dedup gate absorbs the
// re-runs.
func (q *Queue) Start(ctx context.Context) error {
	pending, err := q.records.PendingJobs(ctx)
	if err != nil {
		return fmt.Errorf("reloading pending jobs: %w", err)
	}
	for _, job := range pending {
		q.dispatch(ctx, job)
	}
	if len(pending) > 0 {
		q.log.Info("re-dispatched pending jobs", zap.Int("count", len(pending)))
	}
	return nil
}

// Close stops accepting work, finishes everything already queued, and
// waits for the workers to exit.
func (q *Queue) Close() {
	if !q.stopped.CompareAndSwap(false, true) {
		return
	}
	close(q.stop)
	_ = q.workers.Wait()
	if q.metricsReg != nil {
		_ = q.metricsReg.Unregister()
	}
}

// Saturated reports whether the backlog is over the high-water mark. Once
// tripped it stays set until the backlog drains below the low-water mark.
func (q *Queue) Saturated(ctx context.Context) bool {
	n, err := q.records.ActiveJobCount(ctx)
	if err != nil {
		q.log.Warn("active job count failed", zap.Error(err))
		return q.saturated.Load()
	}
	if n >= q.highWater {
		q.saturated.Store(true)
	} else if n <= q.lowWater {
		q.saturated.Store(false)
	}
	return q.saturated.Load()
}

// admit rejects new work when the backlog is over high water.
func (q *Queue) admit(ctx context.Context) error {
	if q.stopped.Load() {
		return faxerr.New(faxerr.KindBusy, "queue is shutting down")
	}
	n, err := q.records.ActiveJobCount(ctx)
	if err != nil {
		return faxerr.Wrap(faxerr.KindStoreTransient, err)
	}
	if n >= q.highWater {
		q.saturated.Store(true)
		return faxerr.New(faxerr.KindBusy, "job backlog at capacity (%d)", n)
	}
	return nil
}

// Submit stages the document bytes and enqueues one async single job.
func (q *Queue) Submit(ctx context.Context, doc *types.Document, templateID string) (*types.Job, error) {
	if err := q.admit(ctx); err != nil {
		return nil, err
	}

	jobID := uuid.NewString()
	staged := stagingPrefix + doc.TenantID + "/" + jobID + "/" + objectstore.SafeFilename(doc.Filename)
	if err := q.objects.Put(ctx, staged, doc.Raw, doc.MimeType); err != nil {
		return nil, faxerr.Wrapf(faxerr.KindStoreTransient, err, "staging upload")
	}

	now := time.Now().UTC()
	job := &types.Job{
		JobID:       jobID,
		Kind:        types.JobSingle,
		State:       types.JobQueued,
		TenantID:    doc.TenantID,
		TemplateID:  templateID,
		Filename:    doc.Filename,
		SourcePath:  staged,
		ContentHash: doc.ContentHash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.records.CreateJob(ctx, job); err != nil {
		_ = q.objects.Delete(ctx, staged)
		return nil, faxerr.Wrapf(faxerr.KindStoreTransient, err, "persisting job")
	}

	q.dispatch(context.WithoutCancel(ctx), job)
	return job, nil
}

// SubmitBatch fans a set of documents out into child jobs under one batch
// id. Admission is checked once for the whole batch.
func (q *Queue) SubmitBatch(ctx context.Context, docs []*types.Document, templateID string) (string, []*types.Job, error) {
	if len(docs) == 0 {
		return "", nil, faxerr.New(faxerr.KindValidation, "batch contains no documents")
	}
	if err := q.admit(ctx); err != nil {
		return "", nil, err
	}

	batchID := uuid.NewString()
	jobs := make([]*types.Job, 0, len(docs))
	for _, doc := range docs {
		jobID := uuid.NewString()
		staged := stagingPrefix + doc.TenantID + "/" + jobID + "/" + objectstore.SafeFilename(doc.Filename)
		if err := q.objects.Put(ctx, staged, doc.Raw, doc.MimeType); err != nil {
			return "", nil, faxerr.Wrapf(faxerr.KindStoreTransient, err, "staging batch upload %s", doc.Filename)
		}
		now := time.Now().UTC()
		job := &types.Job{
			JobID:         jobID,
			Kind:          types.JobBatch,
			State:         types.JobQueued,
			ParentBatchID: batchID,
			TenantID:      doc.TenantID,
			TemplateID:    templateID,
			Filename:      doc.Filename,
			SourcePath:    staged,
			ContentHash:   doc.ContentHash,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := q.records.CreateJob(ctx, job); err != nil {
			_ = q.objects.Delete(ctx, staged)
			return "", nil, faxerr.Wrapf(faxerr.KindStoreTransient, err, "persisting batch job")
		}
		jobs = append(jobs, job)
	}

	bg := context.WithoutCancel(ctx)
	for _, job := range jobs {
		q.dispatch(bg, job)
	}
	return batchID, jobs, nil
}

// SubmitSwept enqueues a job for a document already sitting in the object
// store under the bulk-processing prefix. The swept object doubles as the
// staging copy and is removed on success.
func (q *Queue) SubmitSwept(ctx context.Context, tenantID, objectPath, contentHash string) (*types.Job, error) {
	if err := q.admit(ctx); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	job := &types.Job{
		JobID:       uuid.NewString(),
		Kind:        types.JobBulkSweep,
		State:       types.JobQueued,
		TenantID:    tenantID,
		Filename:    path.Base(objectPath),
		SourcePath:  objectPath,
		ContentHash: contentHash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.records.CreateJob(ctx, job); err != nil {
		return nil, faxerr.Wrapf(faxerr.KindStoreTransient, err, "persisting sweep job")
	}
	q.dispatch(context.WithoutCancel(ctx), job)
	return job, nil
}

// Cancel flags a job so its result is discarded. The pipeline run finishes
// regardless so no object-store bytes are orphaned mid-flight.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	return q.records.MarkResultIgnore(ctx, jobID)
}

// BatchStatus aggregates child states and progress for a batch.
func (q *Queue) BatchStatus(ctx context.Context, batchID string) (*types.BatchStatus, error) {
	children, err := q.records.JobsByBatch(ctx, batchID)
	if err != nil {
		return nil, faxerr.Wrap(faxerr.KindStoreTransient, err)
	}
	if len(children) == 0 {
		return nil, faxerr.New(faxerr.KindNotFound, "batch %s", batchID)
	}
	status := &types.BatchStatus{
		BatchID:  batchID,
		Children: make(map[string]types.JobState, len(children)),
	}
	total := 0
	for _, child := range children {
		status.Children[child.JobID] = child.State
		total += child.Progress
		switch child.State {
		case types.JobSuccess:
			status.Completed++
		case types.JobFailed:
			status.Failed++
		}
	}
	status.AggregateProgress = total / len(children)
	return status, nil
}

// dispatch hands the job to the worker pool without blocking the caller.
// The buffer matches the admission high-water mark, so a send only waits
// when Start replays more pending rows than the backlog bound; the durable
// row is already committed either way.
func (q *Queue) dispatch(ctx context.Context, job *types.Job) {
	if q.stopped.Load() {
		return
	}
	select {
	case q.jobs <- queuedJob{ctx: ctx, job: job}:
	case <-q.stop:
	}
}

// run executes one job end to end and persists the terminal state.
func (q *Queue) run(ctx context.Context, job *types.Job) {
	log := q.log.With(zap.String("job_id", job.JobID), zap.String("kind", string(job.Kind)))

	// A cancel that landed while the job was queued skips execution.
	if current, err := q.records.GetJob(ctx, job.JobID); err == nil && current.ResultIgnore && current.State == types.JobQueued {
		job.State = types.JobFailed
		job.Error = "cancelled before execution"
		job.FailureCode = string(faxerr.KindValidation)
		if err := q.records.UpdateJob(ctx, job); err != nil {
			log.Warn("recording cancelled job failed", zap.Error(err))
		}
		_ = q.deleteStaged(ctx, job)
		return
	}

	job.State = types.JobRunning
	if err := q.records.UpdateJob(ctx, job); err != nil {
		log.Warn("marking job running failed", zap.Error(err))
	}

	timeout := q.singleTimeout
	if job.Kind == types.JobBatch || job.Kind == types.JobBulkSweep {
		timeout = q.batchChildTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome, err := q.execute(runCtx, job)
	switch {
	case err == nil:
		job.State = types.JobSuccess
		job.Progress = 100
		job.Error = ""
		job.FailureCode = ""
		job.Result = &types.JobResult{
			ProcessingID:        outcome.Record.ProcessingID,
			Duplicate:           outcome.Duplicate,
			LowConfidenceFields: outcome.LowConfidenceFields,
		}
		job.ContentHash = outcome.Record.ContentHash
		_ = q.deleteStaged(ctx, job)
		log.Info("job succeeded",
			zap.String("processing_id", outcome.Record.ProcessingID),
			zap.Bool("duplicate", outcome.Duplicate))
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		job.State = types.JobFailed
		job.Error = fmt.Sprintf("exceeded %s budget", timeout)
		job.FailureCode = string(faxerr.KindTimeout)
		log.Warn("job timed out", zap.Duration("timeout", timeout))
	default:
		job.State = types.JobFailed
		job.Error = err.Error()
		job.FailureCode = string(faxerr.KindOf(err))
		// Staged bytes stay put for transient failures so a restart or the
		// sweeper can retry them.
		if !faxerr.Retryable(err) {
			_ = q.deleteStaged(ctx, job)
		}
		log.Warn("job failed", zap.String("failure_code", job.FailureCode), zap.Error(err))
	}

	if err := q.records.UpdateJob(ctx, job); err != nil {
		log.Error("persisting terminal job state failed", zap.Error(err))
	}
}

// execute rehydrates the document from its staged bytes and runs the
// pipeline, reporting progress back onto the job row.
func (q *Queue) execute(ctx context.Context, job *types.Job) (*pipeline.Outcome, error) {
	raw, err := q.objects.Get(ctx, job.SourcePath)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, faxerr.Wrapf(faxerr.KindNotFound, err, "staged bytes for job %s", job.JobID)
		}
		return nil, faxerr.Wrapf(faxerr.KindStoreTransient, err, "reading staged bytes")
	}

	doc := types.NewDocument(raw, job.Filename, mimeFromFilename(job.Filename), job.TenantID)
	progress := func(p int) {
		if p >= 100 {
			return // terminal update carries 100
		}
		job.Progress = p
		if err := q.records.UpdateJob(ctx, job); err != nil {
			q.log.Debug("progress update failed", zap.String("job_id", job.JobID), zap.Error(err))
		}
	}
	return q.orch.Run(ctx, pipeline.Request{Doc: doc, TemplateID: job.TemplateID}, progress)
}

// deleteStaged removes the staged or swept object once the job no longer
// needs it.
func (q *Queue) deleteStaged(ctx context.Context, job *types.Job) error {
	if job.SourcePath == "" {
		return nil
	}
	if err := q.objects.Delete(ctx, job.SourcePath); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
		q.log.Warn("deleting staged object failed",
			zap.String("job_id", job.JobID),
			zap.String("path", job.SourcePath),
			zap.Error(err))
		return err
	}
	return nil
}

// mimeFromFilename maps common scan extensions; unknown extensions come
// back as PDF, the dominant fax format.
func mimeFromFilename(name string) string {
	switch strings.ToLower(path.Ext(name)) {
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
