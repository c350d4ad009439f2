package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/stacklight/faxpipe/internal/bucket"
	"github.com/stacklight/faxpipe/internal/dedup"
	"github.com/stacklight/faxpipe/internal/extract"
	"github.com/stacklight/faxpipe/internal/faxerr"
	"github.com/stacklight/faxpipe/internal/nullfield"
	"github.com/stacklight/faxpipe/internal/objectstore"
	"github.com/stacklight/faxpipe/internal/ocr"
	"github.com/stacklight/faxpipe/internal/pipeline"
	"github.com/stacklight/faxpipe/internal/testutil/teststore"
	"github.com/stacklight/faxpipe/internal/types"
)

type stubOCR struct {
	err error
	// block, when set, parks Extract until the channel closes.
	block chan struct{}
}

func (s *stubOCR) Extract(context.Context, []byte, string) (*ocr.Result, error) {
	if s.block != nil {
		<-s.block
	}
	if s.err != nil {
		return nil, s.err
	}
	return &ocr.Result{Lines: []ocr.Line{{Text: "scanned text", Confidence: 0.97}}}, nil
}

type stubExtractor struct{}

func (stubExtractor) ExtractFreeForm(context.Context, *ocr.Result) (*extract.FreeFormResult, error) {
	return &extract.FreeFormResult{
		KVPairs:        map[string]string{"Name": "Jordan Doe"},
		KVConfidences:  map[string]float64{"Name": 0.97},
		Classification: types.ClassMedical,
	}, nil
}

func (stubExtractor) ExtractWithTemplate(context.Context, *ocr.Result, *types.Template) (*extract.TemplateResult, error) {
	return &extract.TemplateResult{}, nil
}

func (stubExtractor) ReanalyzeFields(context.Context, extract.ReanalysisRequest) ([]extract.FieldAnalysis, error) {
	return nil, nil
}

type qharness struct {
	env  *teststore.Env
	gate *dedup.Gate
	q    *Queue
}

func newTestQueue(t *testing.T, prov ocr.Provider, mods ...func(*Options)) *qharness {
	t.Helper()
	env := teststore.NewEnv(t)
	log := zaptest.NewLogger(t)
	gate := dedup.NewGate(env.Store)
	orch := pipeline.New(pipeline.Options{
		Objects:   env.Objects,
		Records:   env.Store,
		OCR:       prov,
		Extractor: stubExtractor{},
		Gate:      gate,
		Policy:    bucket.NewPolicy(0.95),
		Tracker:   nullfield.NewTracker(env.Store, log),
		Log:       log,
	})
	opts := Options{
		Records:      env.Store,
		Objects:      env.Objects,
		Orchestrator: orch,
		Concurrency:  2,
		Log:          log,
	}
	for _, mod := range mods {
		mod(&opts)
	}
	q := New(opts)
	t.Cleanup(q.Close)
	return &qharness{env: env, gate: gate, q: q}
}

func waitTerminal(t *testing.T, h *qharness, jobID string) *types.Job {
	t.Helper()
	var job *types.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.env.Store.GetJob(h.env.Ctx, jobID)
		return err == nil && job.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestSubmitRunsJobToSuccess(t *testing.T) {
	h := newTestQueue(t, &stubOCR{})
	doc := types.NewDocument([]byte("async single"), "fax.pdf", "application/pdf", "acme")

	job, err := h.q.Submit(h.env.Ctx, doc, "")
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, job.State)
	assert.Equal(t, types.JobSingle, job.Kind)

	done := waitTerminal(t, h, job.JobID)
	assert.Equal(t, types.JobSuccess, done.State)
	assert.Equal(t, 100, done.Progress)
	require.NotNil(t, done.Result)
	assert.NotEmpty(t, done.Result.ProcessingID)
	assert.False(t, done.Result.Duplicate)

	// Record committed under the reported id; staged bytes cleaned up.
	_, err = h.env.Store.GetRecord(h.env.Ctx, done.Result.ProcessingID)
	require.NoError(t, err)
	_, err = h.env.Objects.Get(h.env.Ctx, job.SourcePath)
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
}

func TestRetryableFailureKeepsStagedBytes(t *testing.T) {
	h := newTestQueue(t, &stubOCR{err: ocr.ErrTransient})
	doc := types.NewDocument([]byte("ocr outage"), "fax.pdf", "application/pdf", "acme")

	job, err := h.q.Submit(h.env.Ctx, doc, "")
	require.NoError(t, err)

	done := waitTerminal(t, h, job.JobID)
	assert.Equal(t, types.JobFailed, done.State)
	assert.Equal(t, string(faxerr.KindOCRTransient), done.FailureCode)

	// Staged bytes survive so a restart can retry the job.
	_, err = h.env.Objects.Get(h.env.Ctx, job.SourcePath)
	assert.NoError(t, err)
}

func TestCancelBeforeExecution(t *testing.T) {
	h := newTestQueue(t, &stubOCR{})

	// Seed a durable queued job as if the process died before running it.
	staged := stagingPrefix + "acme/job-cancel/fax.pdf"
	require.NoError(t, h.env.Objects.Put(h.env.Ctx, staged, []byte("never ran"), "application/pdf"))
	now := time.Now().UTC()
	job := &types.Job{
		JobID:      "job-cancel",
		Kind:       types.JobSingle,
		State:      types.JobQueued,
		TenantID:   "acme",
		Filename:   "fax.pdf",
		SourcePath: staged,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, h.env.Store.CreateJob(h.env.Ctx, job))
	require.NoError(t, h.q.Cancel(h.env.Ctx, job.JobID))

	require.NoError(t, h.q.Start(h.env.Ctx))

	done := waitTerminal(t, h, job.JobID)
	assert.Equal(t, types.JobFailed, done.State)
	assert.Contains(t, done.Error, "cancelled before execution")
	_, err := h.env.Objects.Get(h.env.Ctx, staged)
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
}

func TestSubmitBatchAndStatus(t *testing.T) {
	h := newTestQueue(t, &stubOCR{})
	docs := []*types.Document{
		types.NewDocument([]byte("batch doc one"), "a.pdf", "application/pdf", "acme"),
		types.NewDocument([]byte("batch doc two"), "b.pdf", "application/pdf", "acme"),
	}

	batchID, jobs, err := h.q.SubmitBatch(h.env.Ctx, docs, "")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, batchID, j.ParentBatchID)
		waitTerminal(t, h, j.JobID)
	}

	status, err := h.q.BatchStatus(h.env.Ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Completed)
	assert.Equal(t, 0, status.Failed)
	assert.Equal(t, 100, status.AggregateProgress)
	assert.Len(t, status.Children, 2)

	_, err = h.q.BatchStatus(h.env.Ctx, "no-such-batch")
	assert.Equal(t, faxerr.KindNotFound, faxerr.KindOf(err))

	_, _, err = h.q.SubmitBatch(h.env.Ctx, nil, "")
	assert.Equal(t, faxerr.KindValidation, faxerr.KindOf(err))
}

// countingRecords fakes just the backlog counter for admission tests.
type countingRecords struct {
	recordstoreIface
	active int
}

func (c *countingRecords) ActiveJobCount(context.Context) (int, error) { return c.active, nil }

func TestSaturationHysteresis(t *testing.T) {
	records := &countingRecords{}
	q := New(Options{
		Records:   records,
		HighWater: 4,
		LowWater:  2,
		Log:       zaptest.NewLogger(t),
	})
	t.Cleanup(q.Close)
	ctx := context.Background()

	records.active = 1
	assert.False(t, q.Saturated(ctx))

	records.active = 4
	assert.True(t, q.Saturated(ctx))
	assert.Equal(t, faxerr.KindBusy, faxerr.KindOf(q.admit(ctx)))

	// Between the marks the tripped state holds.
	records.active = 3
	assert.True(t, q.Saturated(ctx))
	assert.NoError(t, q.admit(ctx), "admission only checks high water")

	records.active = 2
	assert.False(t, q.Saturated(ctx))
}

func TestCloseDrainsWorkersAndRejectsNewWork(t *testing.T) {
	h := newTestQueue(t, &stubOCR{})
	// The pool workers sit in the baseline; the final check guards
	// job-scoped goroutines, and Close returning proves the pool exited.
	baseline := goleak.IgnoreCurrent()

	doc := types.NewDocument([]byte("drained"), "fax.pdf", "application/pdf", "acme")
	job, err := h.q.Submit(h.env.Ctx, doc, "")
	require.NoError(t, err)

	h.q.Close()
	goleak.VerifyNone(t, baseline)
	waited, err := h.env.Store.GetJob(h.env.Ctx, job.JobID)
	require.NoError(t, err)
	assert.True(t, waited.State.Terminal(), "close finishes queued work")

	_, err = h.q.Submit(h.env.Ctx, doc, "")
	assert.Equal(t, faxerr.KindBusy, faxerr.KindOf(err))
}

func TestSubmitDoesNotBlockOnBusyWorkers(t *testing.T) {
	block := make(chan struct{})
	h := newTestQueue(t, &stubOCR{block: block}, func(o *Options) { o.Concurrency = 1 })

	first, err := h.q.Submit(h.env.Ctx, types.NewDocument([]byte("parked"), "a.pdf", "application/pdf", "acme"), "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		job, err := h.env.Store.GetJob(h.env.Ctx, first.JobID)
		return err == nil && job.State == types.JobRunning
	}, 5*time.Second, 10*time.Millisecond)

	// Enqueueing more work must not wait for the busy worker.
	done := make(chan error, 1)
	go func() {
		_, err := h.q.Submit(h.env.Ctx, types.NewDocument([]byte("queued behind"), "b.pdf", "application/pdf", "acme"), "")
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		close(block)
		t.Fatal("Submit blocked behind a busy worker")
	}

	close(block)
	done1 := waitTerminal(t, h, first.JobID)
	assert.Equal(t, types.JobSuccess, done1.State)
}

func TestMimeFromFilename(t *testing.T) {
	assert.Equal(t, "image/png", mimeFromFilename("scan.PNG"))
	assert.Equal(t, "image/jpeg", mimeFromFilename("scan.jpg"))
	assert.Equal(t, "image/jpeg", mimeFromFilename("scan.jpeg"))
	assert.Equal(t, "image/tiff", mimeFromFilename("scan.tif"))
	assert.Equal(t, "application/pdf", mimeFromFilename("scan.pdf"))
	assert.Equal(t, "application/pdf", mimeFromFilename("no-extension"))
}
