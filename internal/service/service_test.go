package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx"
	"go.uber.org/zap/zaptest"

	"github.com/stacklight/faxpipe/internal/bucket"
	"github.com/stacklight/faxpipe/internal/config"
	"github.com/stacklight/faxpipe/internal/dedup"
	"github.com/stacklight/faxpipe/internal/extract"
	"github.com/stacklight/faxpipe/internal/faxerr"
	"github.com/stacklight/faxpipe/internal/nullfield"
	"github.com/stacklight/faxpipe/internal/ocr"
	"github.com/stacklight/faxpipe/internal/pipeline"
	"github.com/stacklight/faxpipe/internal/queue"
	"github.com/stacklight/faxpipe/internal/recordstore"
	"github.com/stacklight/faxpipe/internal/service"
	"github.com/stacklight/faxpipe/internal/template"
	"github.com/stacklight/faxpipe/internal/testutil/teststore"
	"github.com/stacklight/faxpipe/internal/types"
)

type stubOCR struct{}

func (stubOCR) Extract(context.Context, []byte, string) (*ocr.Result, error) {
	return &ocr.Result{Lines: []ocr.Line{{Text: "scanned", Confidence: 0.97}}}, nil
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

type harness struct {
	env *teststore.Env
	svc *service.Service
}

func newService(t *testing.T, mods ...func(*queue.Options)) *harness {
	t.Helper()
	env := teststore.NewEnv(t)
	log := zaptest.NewLogger(t)
	cfg := config.Defaults()
	cfg.MaxFileSizeMB = 1

	gate := dedup.NewGate(env.Store)
	policy := bucket.NewPolicy(cfg.ConfidenceThreshold)
	relocator := bucket.NewRelocator(env.Objects, log)
	templates := template.NewRegistry(env.Store, env.Objects, log)
	orch := pipeline.New(pipeline.Options{
		Objects:   env.Objects,
		Records:   env.Store,
		OCR:       stubOCR{},
		Extractor: stubExtractor{},
		Templates: templates,
		Gate:      gate,
		Policy:    policy,
		Relocator: relocator,
		Tracker:   nullfield.NewTracker(env.Store, log),
		Log:       log,
	})
	qopts := queue.Options{
		Records:      env.Store,
		Objects:      env.Objects,
		Orchestrator: orch,
		Concurrency:  2,
		Log:          log,
	}
	for _, mod := range mods {
		mod(&qopts)
	}
	q := queue.New(qopts)
	t.Cleanup(q.Close)

	svc := service.New(service.Options{
		Config:    cfg,
		Orch:      orch,
		Queue:     q,
		Records:   env.Store,
		Objects:   env.Objects,
		Templates: templates,
		Relocator: relocator,
		Policy:    policy,
		Log:       log,
	})
	return &harness{env: env, svc: svc}
}

func goodUpload(body string) service.Upload {
	return service.Upload{
		Raw:      []byte(body),
		Filename: "fax.pdf",
		MimeType: "application/pdf",
		TenantID: "acme",
	}
}

func TestValidationRejections(t *testing.T) {
	h := newService(t)
	ctx := h.env.Ctx

	cases := []struct {
		name string
		up   service.Upload
		kind faxerr.Kind
	}{
		{"missing tenant", service.Upload{Raw: []byte("x"), Filename: "a.pdf", MimeType: "application/pdf"}, faxerr.KindValidation},
		{"missing filename", service.Upload{Raw: []byte("x"), MimeType: "application/pdf", TenantID: "acme"}, faxerr.KindValidation},
		{"empty body", service.Upload{Filename: "a.pdf", MimeType: "application/pdf", TenantID: "acme"}, faxerr.KindValidation},
		{"bad mime", service.Upload{Raw: []byte("x"), Filename: "a.zip", MimeType: "application/zip", TenantID: "acme"}, faxerr.KindUnsupportedMime},
		{"too large", service.Upload{Raw: make([]byte, 2<<20), Filename: "a.pdf", MimeType: "application/pdf", TenantID: "acme"}, faxerr.KindTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.ProcessSingle(ctx, tc.up, "")
			assert.Equal(t, tc.kind, faxerr.KindOf(err))
		})
	}

	// image/jpg is normalized rather than rejected.
	up := goodUpload("jpg body")
	up.MimeType = "image/jpg"
	_, err := h.svc.ProcessSingle(ctx, up, "")
	assert.NoError(t, err)
}

func TestProcessSingleSynchronous(t *testing.T) {
	h := newService(t)

	out, err := h.svc.ProcessSingle(h.env.Ctx, goodUpload("sync body"), "")
	require.NoError(t, err)
	require.NotNil(t, out.Record)
	assert.False(t, out.Duplicate)

	got, err := h.svc.GetRecord(h.env.Ctx, out.Record.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, out.Record.ContentHash, got.ContentHash)

	// Resubmission returns the existing record.
	again, err := h.svc.ProcessSingle(h.env.Ctx, goodUpload("sync body"), "")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
}

func TestProcessSingleRejectedWhenSaturated(t *testing.T) {
	h := newService(t, func(o *queue.Options) { o.HighWater = 2; o.LowWater = 1 })
	ctx := h.env.Ctx

	// Durable backlog at the high-water mark; the rows are never dispatched.
	now := time.Now().UTC()
	for _, id := range []string{"job-backlog-a", "job-backlog-b"} {
		require.NoError(t, h.env.Store.CreateJob(ctx, &types.Job{
			JobID:     id,
			Kind:      types.JobSingle,
			State:     types.JobQueued,
			TenantID:  "acme",
			Filename:  "backlog.pdf",
			CreatedAt: now,
			UpdatedAt: now,
		}))
	}

	_, err := h.svc.ProcessSingle(ctx, goodUpload("turned away"), "")
	assert.Equal(t, faxerr.KindBusy, faxerr.KindOf(err))

	// Draining below the low-water mark clears the backpressure.
	job, err := h.env.Store.GetJob(ctx, "job-backlog-a")
	require.NoError(t, err)
	job.State = types.JobSuccess
	require.NoError(t, h.env.Store.UpdateJob(ctx, job))

	_, err = h.svc.ProcessSingle(ctx, goodUpload("admitted again"), "")
	require.NoError(t, err)
}

func TestProcessBatchValidatesBeforeEnqueue(t *testing.T) {
	h := newService(t)

	_, _, err := h.svc.ProcessBatch(h.env.Ctx, []service.Upload{
		goodUpload("batch ok"),
		{Raw: []byte("x"), Filename: "bad.zip", MimeType: "application/zip", TenantID: "acme"},
	}, "")
	require.Error(t, err)
	assert.Equal(t, faxerr.KindUnsupportedMime, faxerr.KindOf(err))
	assert.Contains(t, err.Error(), "document 1 (bad.zip)")

	// Nothing was enqueued for the valid sibling.
	jobs, err := h.env.Store.PendingJobs(h.env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestLookupsMapNotFound(t *testing.T) {
	h := newService(t)
	ctx := h.env.Ctx

	_, err := h.svc.GetRecord(ctx, "proc_missing")
	assert.Equal(t, faxerr.KindNotFound, faxerr.KindOf(err))
	_, err = h.svc.GetJob(ctx, "job-missing")
	assert.Equal(t, faxerr.KindNotFound, faxerr.KindOf(err))
	_, err = h.svc.DownloadObject(ctx, "needs-review/source/acme/none/missing_1")
	assert.Equal(t, faxerr.KindNotFound, faxerr.KindOf(err))
	_, err = h.svc.GetNullFieldRecord(ctx, "proc_missing")
	assert.Equal(t, faxerr.KindNotFound, faxerr.KindOf(err))
	err = h.svc.DeleteTemplate(ctx, "tpl-missing")
	assert.Equal(t, faxerr.KindNotFound, faxerr.KindOf(err))
	_, err = h.svc.ListRecords(ctx, "", recordstore.RecordFilter{})
	assert.Equal(t, faxerr.KindValidation, faxerr.KindOf(err))
}

func TestUploadTemplateValidation(t *testing.T) {
	h := newService(t)

	_, err := h.svc.UploadTemplate(h.env.Ctx, nil, "acme", "empty")
	assert.Equal(t, faxerr.KindValidation, faxerr.KindOf(err))
	_, err = h.svc.UploadTemplate(h.env.Ctx, []byte("not a workbook"), "acme", "garbage")
	assert.Equal(t, faxerr.KindValidation, faxerr.KindOf(err))

	tpl, err := h.svc.UploadTemplate(h.env.Ctx, templateWorkbook(t), "acme", "intake")
	require.NoError(t, err)

	live, err := h.svc.ListTemplates(h.env.Ctx, "acme")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, tpl.TemplateID, live[0].TemplateID)
}

func TestUpdateRecordKVPromotesTier(t *testing.T) {
	h := newService(t)
	ctx := h.env.Ctx

	rec := h.env.SeedRecord("acme", 0.94)
	require.True(t, strings.HasPrefix(rec.SourcePath, string(types.TierReview)+"/"))
	require.NoError(t, h.env.Objects.Put(ctx, rec.SourcePath, []byte("source"), ""))
	require.NoError(t, h.env.Objects.Put(ctx, rec.ProcessedPath, []byte("{}"), ""))

	updated, err := h.svc.UpdateRecordKV(ctx, rec.ProcessingID, map[string]string{"Name": "Jordan Corrected"}, "reviewer@acme")
	require.NoError(t, err)

	assert.Equal(t, "Jordan Corrected", updated.KVPairs["Name"])
	assert.InDelta(t, 1.0, updated.KVConfidences["Name"], 1e-9)
	// 0.5*0.94 + 0.5*mean(1.0, 0.94)
	assert.InDelta(t, 0.955, updated.OverallConfidence, 1e-9)
	assert.True(t, updated.HasCorrections)
	assert.Equal(t, "reviewer@acme", updated.LastCorrectedBy)

	// Crossing the threshold moved both objects into the high tier.
	assert.True(t, strings.HasPrefix(updated.SourcePath, string(types.TierHigh)+"/"))
	_, err = h.env.Objects.Get(ctx, updated.SourcePath)
	require.NoError(t, err)
	_, err = h.env.Objects.Get(ctx, rec.SourcePath)
	assert.Error(t, err, "old location is empty")

	// Processed JSON was rewritten with the corrected values.
	data, err := h.env.Objects.Get(ctx, updated.ProcessedPath)
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, true, payload["has_corrections"])

	audit, err := h.svc.ListCorrections(ctx, rec.ProcessingID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "Jordan Seed", audit[0].OldValue)
}

func TestUpdateRecordKVRejections(t *testing.T) {
	h := newService(t)
	ctx := h.env.Ctx
	rec := h.env.SeedRecord("acme", 0.9)

	_, err := h.svc.UpdateRecordKV(ctx, rec.ProcessingID, nil, "reviewer")
	assert.Equal(t, faxerr.KindValidation, faxerr.KindOf(err))
	_, err = h.svc.UpdateRecordKV(ctx, rec.ProcessingID, map[string]string{"Name": "x"}, "")
	assert.Equal(t, faxerr.KindValidation, faxerr.KindOf(err))
	_, err = h.svc.UpdateRecordKV(ctx, rec.ProcessingID, map[string]string{"Unknown Field": "x"}, "reviewer")
	assert.Equal(t, faxerr.KindValidation, faxerr.KindOf(err))
	_, err = h.svc.UpdateRecordKV(ctx, "proc_missing", map[string]string{"Name": "x"}, "reviewer")
	assert.Equal(t, faxerr.KindNotFound, faxerr.KindOf(err))
}

func TestUpdateRecordKVAllowsTemplateCanonicalFields(t *testing.T) {
	h := newService(t)
	ctx := h.env.Ctx

	tpl, err := h.svc.UploadTemplate(ctx, templateWorkbook(t), "acme", "intake")
	require.NoError(t, err)

	out, err := h.svc.ProcessSingle(ctx, goodUpload("template body"), tpl.TemplateID)
	require.NoError(t, err)
	rec := out.Record
	require.Equal(t, tpl.TemplateID, rec.TemplateID)
	_, exists := rec.KVPairs["Name"]
	require.False(t, exists, "extraction left the canonical field unfilled")

	// A canonical field the extractor missed can still be corrected in.
	updated, err := h.svc.UpdateRecordKV(ctx, rec.ProcessingID, map[string]string{"Name": "Jordan Filled"}, "reviewer@acme")
	require.NoError(t, err)
	assert.Equal(t, "Jordan Filled", updated.KVPairs["Name"])
	assert.InDelta(t, 1.0, updated.KVConfidences["Name"], 1e-9)

	audit, err := h.svc.ListCorrections(ctx, rec.ProcessingID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "", audit[0].OldValue)

	// Aliases never qualify as correction keys, only canonical names.
	_, err = h.svc.UpdateRecordKV(ctx, rec.ProcessingID, map[string]string{"Patient Name": "x"}, "reviewer@acme")
	assert.Equal(t, faxerr.KindValidation, faxerr.KindOf(err))
}

func templateWorkbook(t *testing.T) []byte {
	t.Helper()
	file := xlsx.NewFile()
	sheet, err := file.AddSheet("Fields")
	require.NoError(t, err)
	header := sheet.AddRow()
	header.AddCell().SetString("Field")
	header.AddCell().SetString("Aliases")
	row := sheet.AddRow()
	row.AddCell().SetString("Name")
	row.AddCell().SetString("Patient Name")
	var buf bytes.Buffer
	require.NoError(t, file.Write(&buf))
	return buf.Bytes()
}
