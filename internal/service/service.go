// Package service is the ingress facade: request validation, synchronous
// and asynchronous document submission, record access, corrections, and
// template management.
package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/stacklight/faxpipe/internal/bucket"
	"github.com/stacklight/faxpipe/internal/config"
	"github.com/stacklight/faxpipe/internal/faxerr"
	"github.com/stacklight/faxpipe/internal/objectstore"
	"github.com/stacklight/faxpipe/internal/pipeline"
	"github.com/stacklight/faxpipe/internal/queue"
	"github.com/stacklight/faxpipe/internal/reanalyze"
	"github.com/stacklight/faxpipe/internal/recordstore"
	"github.com/stacklight/faxpipe/internal/template"
	"github.com/stacklight/faxpipe/internal/types"
)

// Upload is one incoming document.
type Upload struct {
	Raw      []byte
	Filename string
	MimeType string
	TenantID string
}

// Service wires the facade's collaborators.
type Service struct {
	cfg       *config.Config
	orch      *pipeline.Orchestrator
	queue     *queue.Queue
	records   recordstore.Storage
	objects   objectstore.Store
	templates *template.Registry
	analyzer  *reanalyze.Analyzer
	relocator *bucket.Relocator
	policy    bucket.Policy
	log       *zap.Logger
}

// Options bundles the service dependencies.
type Options struct {
	Config    *config.Config
	Orch      *pipeline.Orchestrator
	Queue     *queue.Queue
	Records   recordstore.Storage
	Objects   objectstore.Store
	Templates *template.Registry
	Analyzer  *reanalyze.Analyzer
	Relocator *bucket.Relocator
	Policy    bucket.Policy
	Log       *zap.Logger
}

// New builds the service.
func New(opts Options) *Service {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Service{
		cfg:       opts.Config,
		orch:      opts.Orch,
		queue:     opts.Queue,
		records:   opts.Records,
		objects:   opts.Objects,
		templates: opts.Templates,
		analyzer:  opts.Analyzer,
		relocator: opts.Relocator,
		policy:    opts.Policy,
		log:       opts.Log,
	}
}

// validate applies the admission checks shared by all submission shapes.
func (s *Service) validate(up Upload) (*types.Document, error) {
	if up.TenantID == "" {
		return nil, faxerr.New(faxerr.KindValidation, "tenant_id is required")
	}
	if up.Filename == "" {
		return nil, faxerr.New(faxerr.KindValidation, "filename is required")
	}
	if len(up.Raw) == 0 {
		return nil, faxerr.New(faxerr.KindValidation, "document body is empty")
	}
	if !s.cfg.MimeSupported(up.MimeType) {
		return nil, faxerr.New(faxerr.KindUnsupportedMime, "unsupported mime type %q", up.MimeType)
	}
	if int64(len(up.Raw)) > s.cfg.MaxFileSizeBytes() {
		return nil, faxerr.New(faxerr.KindTooLarge, "document is %d bytes, limit is %d",
			len(up.Raw), s.cfg.MaxFileSizeBytes())
	}
	return types.NewDocument(up.Raw, up.Filename, up.MimeType, up.TenantID), nil
}

// ProcessSingle runs one document synchronously under the single-document
// timeout. Duplicates return the existing record with Duplicate set rather
// than an error.
func (s *Service) ProcessSingle(ctx context.Context, up Upload, templateID string) (*pipeline.Outcome, error) {
	doc, err := s.validate(up)
	if err != nil {
		return nil, err
	}
	// Synchronous work obeys the same backpressure gate as the queue.
	if s.queue != nil && s.queue.Saturated(ctx) {
		return nil, faxerr.New(faxerr.KindBusy, "processing backlog at capacity")
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SingleTimeout())
	defer cancel()

	outcome, err := s.orch.Run(ctx, pipeline.Request{Doc: doc, TemplateID: templateID}, nil)
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		return nil, faxerr.Wrapf(faxerr.KindTimeout, err, "single document budget %s", s.cfg.SingleTimeout())
	}
	return outcome, err
}

// ProcessAsync validates and enqueues one document, returning immediately
// with the queued job.
func (s *Service) ProcessAsync(ctx context.Context, up Upload, templateID string) (*types.Job, error) {
	doc, err := s.validate(up)
	if err != nil {
		return nil, err
	}
	return s.queue.Submit(ctx, doc, templateID)
}

// ProcessBatch validates every upload before any is enqueued, then fans the
// set out as one batch.
func (s *Service) ProcessBatch(ctx context.Context, ups []Upload, templateID string) (string, []*types.Job, error) {
	if len(ups) == 0 {
		return "", nil, faxerr.New(faxerr.KindValidation, "batch contains no documents")
	}
	docs := make([]*types.Document, 0, len(ups))
	for i, up := range ups {
		doc, err := s.validate(up)
		if err != nil {
			return "", nil, faxerr.Wrapf(faxerr.KindOf(err), err, "document %d (%s)", i, up.Filename)
		}
		docs = append(docs, doc)
	}
	return s.queue.SubmitBatch(ctx, docs, templateID)
}

// GetJob returns one job by id.
func (s *Service) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	job, err := s.records.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, recordstore.ErrNotFound) {
			return nil, faxerr.Wrap(faxerr.KindNotFound, err)
		}
		return nil, faxerr.Wrap(faxerr.KindStoreTransient, err)
	}
	return job, nil
}

// CancelJob marks a job's result as discarded.
func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	if err := s.queue.Cancel(ctx, jobID); err != nil {
		if errors.Is(err, recordstore.ErrNotFound) {
			return faxerr.Wrap(faxerr.KindNotFound, err)
		}
		return faxerr.Wrap(faxerr.KindStoreTransient, err)
	}
	return nil
}

// GetBatch returns the fan-in view over a batch's children.
func (s *Service) GetBatch(ctx context.Context, batchID string) (*types.BatchStatus, error) {
	return s.queue.BatchStatus(ctx, batchID)
}

// ListRecords lists a tenant's records under the given filter.
func (s *Service) ListRecords(ctx context.Context, tenantID string, filter recordstore.RecordFilter) ([]*types.ProcessedRecord, error) {
	if tenantID == "" {
		return nil, faxerr.New(faxerr.KindValidation, "tenant_id is required")
	}
	recs, err := s.records.ListRecords(ctx, tenantID, filter)
	if err != nil {
		return nil, faxerr.Wrap(faxerr.KindStoreTransient, err)
	}
	return recs, nil
}

// GetRecord fetches one record by processing id.
func (s *Service) GetRecord(ctx context.Context, processingID string) (*types.ProcessedRecord, error) {
	rec, err := s.records.GetRecord(ctx, processingID)
	if err != nil {
		if errors.Is(err, recordstore.ErrNotFound) {
			return nil, faxerr.Wrap(faxerr.KindNotFound, err)
		}
		return nil, faxerr.Wrap(faxerr.KindStoreTransient, err)
	}
	return rec, nil
}

// DownloadObject streams raw object bytes, for source or processed
// retrieval.
func (s *Service) DownloadObject(ctx context.Context, objPath string) ([]byte, error) {
	raw, err := s.objects.Get(ctx, objPath)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, faxerr.Wrap(faxerr.KindNotFound, err)
		}
		return nil, faxerr.Wrap(faxerr.KindStoreTransient, err)
	}
	return raw, nil
}

// ListCorrections returns the audit trail for one record.
func (s *Service) ListCorrections(ctx context.Context, processingID string) ([]recordstore.Correction, error) {
	out, err := s.records.ListCorrections(ctx, processingID)
	if err != nil {
		return nil, faxerr.Wrap(faxerr.KindStoreTransient, err)
	}
	return out, nil
}

// ReanalyzeLowConfidence runs the vision pass over a record's doubtful
// fields.
func (s *Service) ReanalyzeLowConfidence(ctx context.Context, processingID string, apply bool, actor string) (*reanalyze.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SingleTimeout())
	defer cancel()
	return s.analyzer.Analyze(ctx, processingID, apply, actor)
}

// UploadTemplate parses and registers a tenant template workbook.
func (s *Service) UploadTemplate(ctx context.Context, data []byte, tenantID, name string) (*types.Template, error) {
	if tenantID == "" {
		return nil, faxerr.New(faxerr.KindValidation, "tenant_id is required")
	}
	if len(data) == 0 {
		return nil, faxerr.New(faxerr.KindValidation, "template workbook is empty")
	}
	tpl, err := s.templates.Upload(ctx, data, tenantID, name)
	if err != nil {
		return nil, faxerr.Wrapf(faxerr.KindValidation, err, "parsing template workbook")
	}
	return tpl, nil
}

// ListTemplates lists a tenant's live templates.
func (s *Service) ListTemplates(ctx context.Context, tenantID string) ([]*types.Template, error) {
	out, err := s.templates.List(ctx, tenantID)
	if err != nil {
		return nil, faxerr.Wrap(faxerr.KindStoreTransient, err)
	}
	return out, nil
}

// DeleteTemplate tombstones a template. Existing record references stay
// resolvable.
func (s *Service) DeleteTemplate(ctx context.Context, templateID string) error {
	if err := s.templates.Delete(ctx, templateID); err != nil {
		if errors.Is(err, recordstore.ErrNotFound) {
			return faxerr.Wrap(faxerr.KindNotFound, err)
		}
		return faxerr.Wrap(faxerr.KindStoreTransient, err)
	}
	return nil
}

// GetNullFieldRecord returns the missing-field audit row for a record.
func (s *Service) GetNullFieldRecord(ctx context.Context, processingID string) (*types.NullFieldRecord, error) {
	nfr, err := s.records.GetNullFieldRecord(ctx, processingID)
	if err != nil {
		if errors.Is(err, recordstore.ErrNotFound) {
			return nil, faxerr.Wrap(faxerr.KindNotFound, err)
		}
		return nil, faxerr.Wrap(faxerr.KindStoreTransient, err)
	}
	return nfr, nil
}
