package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"FilingScanner/internal/config"
	"FilingScanner/internal/domain"
	"FilingScanner/internal/infrastructure/edgar"
	"FilingScanner/internal/infrastructure/llm"
	"FilingScanner/internal/infrastructure/parser"
	"FilingScanner/internal/infrastructure/push"
	"FilingScanner/internal/infrastructure/scheduler"
	"FilingScanner/internal/infrastructure/storage"
	"FilingScanner/internal/infrastructure/telegram"
	"FilingScanner/internal/infrastructure/webhook"
	"FilingScanner/internal/logging"
	"FilingScanner/internal/ports"
	"FilingScanner/internal/scanner"
	"FilingScanner/internal/usecase"
)

const shutdownTimeout = 15 * time.Second

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg    config.Config
	logger *slog.Logger

	store        *storage.Store
	blobs        ports.BlobStore
	notifier     *usecase.Notifier
	linker       *usecase.Linker
	orchestrator *usecase.Orchestrator
	pipeline     *usecase.Pipeline
	scheduler    *usecase.Scheduler
	hub          *push.Hub
}

// New opens the stores and builds every component. Close releases them.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	component := func(name string) *slog.Logger { return baseLogger.With("component", name) }

	store, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	blobs, err := openBlobs(ctx, cfg.Blob)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	// SEC fair access: one budget shared by listing pages and content downloads.
	limit := rate.Inf
	if cfg.Fetcher.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.Fetcher.RequestsPerSecond)
	}
	limiter := rate.NewLimiter(limit, 1)
	pageClient := &http.Client{Timeout: cfg.Fetcher.Timeout}

	registry := scanner.NewRegistry()
	registry.Register(parser.NewEdgarIndexScanner(pageClient, limiter, cfg.Fetcher.UserAgent, component("scanner.edgar-index")))
	registry.Register(parser.NewAtomFeedScanner(pageClient, limiter, cfg.Fetcher.UserAgent, component("scanner.edgar-atom")))

	strategies, err := parser.NewStrategySources(registry, cfg.Sources, component("source"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sources := make([]ports.FilingSource, len(strategies))
	for i, s := range strategies {
		sources[i] = s
	}

	var sinks []ports.PushChannel
	if cfg.Notifier.WebhookURL != "" {
		sinks = append(sinks, webhook.NewSink(cfg.Notifier.WebhookURL, "", cfg.Notifier.PushTimeout))
	}
	if tg := cfg.Notifications.Telegram; tg.Enabled() {
		sinks = append(sinks, telegram.NewNotifier(tg.BotToken, tg.ChatID))
	}

	severity, err := usecase.NewSeverityRules(cfg.Severity)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	retry := usecase.DefaultRetryOptions
	notifier := usecase.NewNotifier(cfg.Notifier, component("notifier"), sinks...)
	linker := usecase.NewLinker(store, cfg.Linker, component("linker"))
	retriever := edgar.NewRetriever(cfg.Fetcher, limiter, component("retriever"))

	fetcher := usecase.NewFetcher(usecase.FetcherDeps{
		Ledger:    store,
		States:    store,
		Raw:       store,
		Blobs:     blobs,
		Retriever: retriever,
		Notifier:  notifier,
		Retry:     retry,
		Logger:    component("fetcher"),
	})
	orchestrator := usecase.NewOrchestrator(usecase.OrchestratorDeps{
		States:    store,
		Raw:       store,
		Blobs:     blobs,
		Analyses:  store,
		Extractor: parser.HTMLText{},
		Model:     llm.NewChatGPTClient(cfg.ChatGPT),
		Linker:    linker,
		Severity:  severity,
		Notifier:  notifier,
		Config:    cfg.Analysis,
		Retry:     retry,
		Logger:    component("orchestrator"),
	})
	pipeline := usecase.NewPipeline(usecase.PipelineDeps{
		Poller:          usecase.NewPoller(sources, store, cfg.Poller, component("poller")),
		Ledger:          store,
		States:          store,
		Retriever:       retriever,
		Fetcher:         fetcher,
		Orchestrator:    orchestrator,
		FetchWorkers:    cfg.Fetcher.Workers,
		AnalysisWorkers: cfg.Analysis.Workers,
		StaleAfter:      cfg.Analysis.TimeBudget + cfg.Fetcher.Timeout*time.Duration(cfg.Fetcher.MaxAttempts),
		Retry:           retry,
		Logger:          component("pipeline"),
	})

	driver := scheduler.NewIntervalScheduler(cfg.Scheduler.Interval, cfg.Scheduler.Location())

	return &Application{
		cfg:          cfg,
		logger:       baseLogger,
		store:        store,
		blobs:        blobs,
		notifier:     notifier,
		linker:       linker,
		orchestrator: orchestrator,
		pipeline:     pipeline,
		scheduler:    usecase.NewScheduler(driver, pipeline, component("scheduler")),
		hub:          push.NewHub(notifier, component("push")),
	}, nil
}

func openBlobs(ctx context.Context, cfg config.BlobConfig) (ports.BlobStore, error) {
	switch cfg.Backend {
	case "gcs":
		return storage.NewGCSBlobStore(ctx, cfg.Bucket, cfg.Prefix)
	case "fs", "":
		return storage.NewFSBlobStore(cfg.Root)
	}
	return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
}

// Run resumes work left over from a previous process, then polls on the configured interval and
// serves the push hub until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	resumed, err := a.pipeline.Resume(ctx, true)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	if resumed > 0 {
		a.logger.Info("resumed unfinished filings", "count", resumed)
	}

	server := &http.Server{
		Addr:              a.cfg.Notifier.ListenAddr,
		Handler:           a.hub.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("push hub listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("push hub: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.scheduler.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		stopErr := a.scheduler.Stop(shutdownCtx)
		a.pipeline.Wait()
		// Subscribers are told to reconnect before the listener goes away.
		a.notifier.Close()
		return errors.CombineErrors(stopErr, server.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("application stopped")
	return nil
}

// Poll runs a single tick and waits for every admitted filing to settle.
func (a *Application) Poll(ctx context.Context) (usecase.TickReport, error) {
	if _, err := a.pipeline.Resume(ctx, true); err != nil {
		return usecase.TickReport{}, err
	}
	return a.pipeline.RunOnce(ctx, time.Now().In(a.cfg.Scheduler.Location()))
}

// Retry re-queues a failed filing and processes it to completion.
func (a *Application) Retry(ctx context.Context, filingID string) error {
	if err := a.pipeline.Retry(ctx, filingID); err != nil {
		return err
	}
	a.pipeline.Wait()
	return nil
}

// Reanalyze re-runs analysis for an analyzed filing under the configured model.
func (a *Application) Reanalyze(ctx context.Context, filingID string) (domain.AnalysisRecord, error) {
	return a.pipeline.Reanalyze(ctx, filingID)
}

// Linker exposes entity maintenance to the CLI.
func (a *Application) Linker() *usecase.Linker { return a.linker }

// Query exposes the read surface of the result store.
func (a *Application) Query() ports.Query { return a.store }

// Close waits for in-flight pushes and releases the stores.
func (a *Application) Close() error {
	a.notifier.Close()
	var err error
	if c, ok := a.blobs.(io.Closer); ok {
		err = c.Close()
	}
	return errors.CombineErrors(err, a.store.Close())
}
