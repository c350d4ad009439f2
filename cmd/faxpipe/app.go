package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/stacklight/faxpipe/internal/bucket"
	"github.com/stacklight/faxpipe/internal/config"
	"github.com/stacklight/faxpipe/internal/dedup"
	"github.com/stacklight/faxpipe/internal/export"
	"github.com/stacklight/faxpipe/internal/extract"
	"github.com/stacklight/faxpipe/internal/fhir"
	"github.com/stacklight/faxpipe/internal/nullfield"
	"github.com/stacklight/faxpipe/internal/objectstore"
	"github.com/stacklight/faxpipe/internal/ocr"
	"github.com/stacklight/faxpipe/internal/pipeline"
	"github.com/stacklight/faxpipe/internal/queue"
	"github.com/stacklight/faxpipe/internal/reanalyze"
	"github.com/stacklight/faxpipe/internal/recordstore"
	"github.com/stacklight/faxpipe/internal/service"
	"github.com/stacklight/faxpipe/internal/template"
)

// app holds the fully wired component graph for one process.
type app struct {
	cfg     *config.Config
	records *recordstore.SQLStore
	objects objectstore.Store
	gate    *dedup.Gate
	queue   *queue.Queue
	sweeper *queue.Sweeper
	svc     *service.Service
	export  *export.Exporter
	cache   *pipeline.ByteCache
	log     *zap.Logger
}

// buildApp wires the whole pipeline from configuration.
func buildApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	records, err := recordstore.Open(ctx, cfg.StorageConnection, log)
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}

	objects, err := objectstore.NewLocalStore(cfg.ObjectStoreRoot)
	if err != nil {
		records.Close()
		return nil, fmt.Errorf("opening object store: %w", err)
	}

	ocrProvider := ocr.NewHTTPProvider(cfg.OCREndpoint, cfg.OCRAPIKey, nil, log)

	extractor, err := extract.NewClaude(cfg.ExtractorAPIKey, cfg.ExtractorModel, log)
	if err != nil {
		records.Close()
		return nil, fmt.Errorf("building extractor: %w", err)
	}

	templates := template.NewRegistry(records, objects, log)
	gate := dedup.NewGate(records)
	policy := bucket.NewPolicy(cfg.ConfidenceThreshold)
	relocator := bucket.NewRelocator(objects, log)
	tracker := nullfield.NewTracker(records, log)
	cache := pipeline.NewByteCache(cfg.ReanalysisTTL())

	var publisher fhir.Publisher = fhir.Nop{}
	if cfg.FHIREndpoint != "" {
		publisher = fhir.NewHTTPPublisher(cfg.FHIREndpoint, cfg.FHIRAuthToken, nil, log)
	}

	orch := pipeline.New(pipeline.Options{
		Objects:          objects,
		Records:          records,
		OCR:              ocrProvider,
		Extractor:        extractor,
		Templates:        templates,
		Gate:             gate,
		Policy:           policy,
		Relocator:        relocator,
		Tracker:          tracker,
		Publisher:        publisher,
		Cache:            cache,
		LowConfThreshold: cfg.LowConfFieldThreshold,
		Log:              log,
	})

	q := queue.New(queue.Options{
		Records:           records,
		Objects:           objects,
		Orchestrator:      orch,
		Concurrency:       cfg.WorkerConcurrency,
		HighWater:         cfg.QueueHighWater,
		LowWater:          cfg.QueueLowWater,
		SingleTimeout:     cfg.SingleTimeout(),
		BatchChildTimeout: cfg.BatchChildTimeout(),
		Log:               log,
	})

	sweeper := queue.NewSweeper(objects, gate, q, cfg.SweepPrefix, cfg.SweepInterval(), log)

	analyzer := reanalyze.NewAnalyzer(reanalyze.Options{
		Records:   records,
		Objects:   objects,
		Extractor: extractor,
		Cache:     cache,
		Policy:    policy,
		Relocator: relocator,
		Threshold: cfg.LowConfFieldThreshold,
		Log:       log,
	})

	svc := service.New(service.Options{
		Config:    cfg,
		Orch:      orch,
		Queue:     q,
		Records:   records,
		Objects:   objects,
		Templates: templates,
		Analyzer:  analyzer,
		Relocator: relocator,
		Policy:    policy,
		Log:       log,
	})

	return &app{
		cfg:     cfg,
		records: records,
		objects: objects,
		gate:    gate,
		queue:   q,
		sweeper: sweeper,
		svc:     svc,
		export:  export.NewExporter(records, log),
		cache:   cache,
		log:     log,
	}, nil
}

// close tears the graph down in dependency order.
func (a *app) close() {
	a.sweeper.Close()
	a.queue.Close()
	a.cache.Close()
	if err := a.records.Close(); err != nil {
		a.log.Warn("closing record store", zap.Error(err))
	}
}
