package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"

	"FilingScanner/internal/domain"
	"FilingScanner/internal/ports"
)

// resumeBatch caps how many records of one state a tick picks up.
const resumeBatch = 500

// PipelineDeps wires all stages into the ingestion pipeline.
type PipelineDeps struct {
	Poller          *Poller
	Ledger          ports.Ledger
	States          ports.StateStore
	Retriever       ports.ContentRetriever
	Fetcher         *Fetcher
	Orchestrator    *Orchestrator
	FetchWorkers    int
	AnalysisWorkers int
	// StaleAfter is how long a filing may sit in fetching or analyzing before a tick resumes it.
	StaleAfter time.Duration
	Retry      RetryOptions
	Logger     *slog.Logger
}

// Pipeline admits polled filings and drives each one through fetch and analysis. Stages run on
// their own bounded worker pools; per filing, progress is strictly sequential.
type Pipeline struct {
	poller       *Poller
	ledger       ports.Ledger
	states       ports.StateStore
	retriever    ports.ContentRetriever
	fetcher      *Fetcher
	orchestrator *Orchestrator
	fetchSem     *semaphore.Weighted
	analyzeSem   *semaphore.Weighted
	staleAfter   time.Duration
	retry        RetryOptions
	logger       *slog.Logger
	now          func() time.Time

	inflight sync.Map
	wg       sync.WaitGroup
}

// TickReport summarises one poll tick.
type TickReport struct {
	Admitted      int
	Duplicates    int
	Requeued      int
	SourceErrors  int
	Resumed       int
	TriggeredAt   time.Time
	CompletedPoll time.Time
}

// NewPipeline constructs the pipeline.
func NewPipeline(deps PipelineDeps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{
		poller:       deps.Poller,
		ledger:       deps.Ledger,
		states:       deps.States,
		retriever:    deps.Retriever,
		fetcher:      deps.Fetcher,
		orchestrator: deps.Orchestrator,
		fetchSem:     semaphore.NewWeighted(int64(max(deps.FetchWorkers, 1))),
		analyzeSem:   semaphore.NewWeighted(int64(max(deps.AnalysisWorkers, 1))),
		staleAfter:   deps.StaleAfter,
		retry:        deps.Retry,
		logger:       logger,
		now:          time.Now,
	}
}

// Tick polls every source, admits unseen filings and dispatches them. A ledger write failure
// stops the tick before the affected source's watermark advances. Work left in the state store
// by earlier ticks is resumed afterwards.
func (p *Pipeline) Tick(ctx context.Context, trigger time.Time) (TickReport, error) {
	report := TickReport{TriggeredAt: trigger}

	for ref, err := range p.poller.Poll(ctx) {
		if err != nil {
			if errors.Is(err, domain.ErrSourceUnavailable) {
				report.SourceErrors++
				p.logger.Warn("source unavailable, retrying next tick", "error", err)
				continue
			}
			return report, err
		}

		var admitted bool
		err := withRetry(ctx, p.logger, p.retry, "admit", func() error {
			var aErr error
			admitted, aErr = p.ledger.Admit(ctx, ref)
			return aErr
		})
		if err != nil {
			return report, errors.Wrapf(err, "admit %s", ref.FilingID)
		}

		if admitted {
			report.Admitted++
			p.logger.Info("filing admitted", "filing_id", ref.FilingID, "source", ref.SourceID, "form", ref.FilingType)
			p.dispatch(ctx, domain.ProcessingRecord{FilingID: ref.FilingID, State: domain.StateDiscovered, Lineage: 1})
			continue
		}

		report.Duplicates++
		if p.poller.Rechecks(ref.SourceID) {
			requeued, err := p.recheck(ctx, ref)
			if err != nil {
				if ctx.Err() != nil {
					return report, ctx.Err()
				}
				p.logger.Warn("amendment recheck failed", "filing_id", ref.FilingID, "error", err)
			} else if requeued {
				report.Requeued++
			}
		}
	}
	report.CompletedPoll = p.now()

	resumed, err := p.Resume(ctx, false)
	report.Resumed = resumed
	if err != nil {
		return report, err
	}

	p.logger.Info("tick complete",
		"admitted", report.Admitted,
		"duplicates", report.Duplicates,
		"requeued", report.Requeued,
		"source_errors", report.SourceErrors,
		"resumed", report.Resumed)
	return report, nil
}

// recheck re-retrieves a known filing re-observed with a newer publication time. A changed
// content hash opens a new lineage, which is ingested with the content already in hand.
func (p *Pipeline) recheck(ctx context.Context, ref domain.FilingRef) (bool, error) {
	entry, err := p.ledger.Entry(ctx, ref.FilingID)
	if err != nil {
		return false, err
	}
	if !ref.PublishedAt.After(entry.PublishedAt) || entry.ContentHash == "" {
		return false, nil
	}

	var content []byte
	if err := p.acquire(ctx, p.fetchSem, func() error {
		var rErr error
		content, rErr = p.retriever.Retrieve(ctx, ref)
		return rErr
	}); err != nil {
		return false, err
	}
	sum := sha256.Sum256(content)

	var (
		lineage  int
		requeued bool
	)
	err = withRetry(ctx, p.logger, p.retry, "admit or requeue", func() error {
		var aErr error
		lineage, requeued, aErr = p.ledger.AdmitOrRequeue(ctx, ref, hex.EncodeToString(sum[:]))
		return aErr
	})
	if err != nil || !requeued {
		return false, err
	}

	p.logger.Info("amended filing requeued", "filing_id", ref.FilingID, "lineage", lineage)
	rec := domain.ProcessingRecord{FilingID: ref.FilingID, State: domain.StateDiscovered, Lineage: lineage}
	if _, loaded := p.inflight.LoadOrStore(rec.FilingID, struct{}{}); loaded {
		return true, nil
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inflight.Delete(rec.FilingID)
		err := p.acquire(ctx, p.fetchSem, func() error { return p.fetcher.Ingest(ctx, rec, content) })
		if err != nil {
			p.logFailure(rec, "ingest amendment", err)
			return
		}
		rec.State = domain.StateFetched
		p.analyze(ctx, rec)
	}()
	return true, nil
}

// Resume dispatches filings left in a non-terminal state. With all set, filings in fetching or
// analyzing are resumed regardless of age, which is what a restart needs.
func (p *Pipeline) Resume(ctx context.Context, all bool) (int, error) {
	resumed := 0
	for _, state := range []domain.ProcessingState{
		domain.StateDiscovered, domain.StateFetched, domain.StateFetching, domain.StateAnalyzing,
	} {
		records, err := p.states.ListByState(ctx, state, resumeBatch)
		if err != nil {
			return resumed, err
		}
		inProgress := state == domain.StateFetching || state == domain.StateAnalyzing
		for _, rec := range records {
			if inProgress && !all && p.now().Sub(rec.UpdatedAt) < p.staleAfter {
				continue
			}
			if p.dispatch(ctx, rec) {
				resumed++
			}
		}
	}
	return resumed, nil
}

// Retry moves a failed filing back to discovered and dispatches it.
func (p *Pipeline) Retry(ctx context.Context, filingID string) error {
	err := withRetry(ctx, p.logger, p.retry, "retry", func() error {
		return p.states.Transition(ctx, filingID, domain.StateFailed, domain.StateDiscovered, "")
	})
	if err != nil {
		return err
	}
	rec, err := p.states.State(ctx, filingID)
	if err != nil {
		return err
	}
	p.logger.Info("filing requeued by operator", "filing_id", filingID)
	p.dispatch(ctx, rec)
	return nil
}

// Reanalyze records a fresh analysis under the current model version.
func (p *Pipeline) Reanalyze(ctx context.Context, filingID string) (domain.AnalysisRecord, error) {
	var record domain.AnalysisRecord
	err := p.acquire(ctx, p.analyzeSem, func() error {
		var rErr error
		record, rErr = p.orchestrator.Reanalyze(ctx, filingID)
		return rErr
	})
	return record, err
}

// RunOnce performs one tick and waits for every dispatched filing to settle.
func (p *Pipeline) RunOnce(ctx context.Context, trigger time.Time) (TickReport, error) {
	report, err := p.Tick(ctx, trigger)
	p.Wait()
	return report, err
}

// Wait blocks until no filing is being processed.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// dispatch starts processing rec unless the filing is already in flight.
func (p *Pipeline) dispatch(ctx context.Context, rec domain.ProcessingRecord) bool {
	if _, loaded := p.inflight.LoadOrStore(rec.FilingID, struct{}{}); loaded {
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inflight.Delete(rec.FilingID)
		p.process(ctx, rec)
	}()
	return true
}

func (p *Pipeline) process(ctx context.Context, rec domain.ProcessingRecord) {
	if rec.State == domain.StateDiscovered || rec.State == domain.StateFetching {
		if err := p.acquire(ctx, p.fetchSem, func() error { return p.fetcher.Fetch(ctx, rec) }); err != nil {
			p.logFailure(rec, "fetch", err)
			return
		}
		rec.State = domain.StateFetched
	}
	if rec.State == domain.StateFetched || rec.State == domain.StateAnalyzing {
		p.analyze(ctx, rec)
	}
}

func (p *Pipeline) analyze(ctx context.Context, rec domain.ProcessingRecord) {
	if err := p.acquire(ctx, p.analyzeSem, func() error { return p.orchestrator.Analyze(ctx, rec) }); err != nil {
		p.logFailure(rec, "analyze", err)
	}
}

func (p *Pipeline) acquire(ctx context.Context, sem *semaphore.Weighted, fn func() error) error {
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sem.Release(1)
	return fn()
}

func (p *Pipeline) logFailure(rec domain.ProcessingRecord, step string, err error) {
	log := p.logger.With("filing_id", rec.FilingID, "lineage", rec.Lineage, "step", step)
	switch {
	case errors.IsAny(err, context.Canceled, context.DeadlineExceeded):
		log.Info("filing processing abandoned", "error", err)
	case errors.Is(err, domain.ErrStaleState):
		log.Debug("filing moved by another worker", "error", err)
	case errors.Is(err, domain.ErrFetchFailed):
		// Already logged and recorded by the fetcher.
	default:
		log.Error("filing processing failed", "error", err)
	}
}
