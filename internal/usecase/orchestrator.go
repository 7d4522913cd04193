package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"FilingScanner/internal/config"
	"FilingScanner/internal/domain"
	"FilingScanner/internal/ports"
)

const stageAttempts = 2

// OrchestratorDeps wires the analysis orchestrator.
type OrchestratorDeps struct {
	States    ports.StateStore
	Raw       ports.RawStore
	Blobs     ports.BlobStore
	Analyses  ports.AnalysisStore
	Extractor ports.TextExtractor
	Model     ports.LanguageModel
	Linker    *Linker
	Severity  *SeverityRules
	Notifier  *Notifier
	Config    config.AnalysisConfig
	Retry     RetryOptions
	Logger    *slog.Logger
}

// Orchestrator runs the enrichment stages over a fetched filing and records the result.
type Orchestrator struct {
	states    ports.StateStore
	raw       ports.RawStore
	blobs     ports.BlobStore
	analyses  ports.AnalysisStore
	extractor ports.TextExtractor
	model     ports.LanguageModel
	linker    *Linker
	severity  *SeverityRules
	notifier  *Notifier
	cfg       config.AnalysisConfig
	retry     RetryOptions
	logger    *slog.Logger
	now       func() time.Time
}

// NewOrchestrator constructs the orchestrator.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		states:    deps.States,
		raw:       deps.Raw,
		blobs:     deps.Blobs,
		analyses:  deps.Analyses,
		extractor: deps.Extractor,
		model:     deps.Model,
		linker:    deps.Linker,
		severity:  deps.Severity,
		notifier:  deps.Notifier,
		cfg:       deps.Config,
		retry:     deps.Retry,
		logger:    logger,
		now:       time.Now,
	}
}

// Analyze moves a fetched filing through analyzing to analyzed. A record already in analyzing is
// resumed. If a record for the current model version exists, the stages are not re-run.
// Cancellation returns without writing, leaving the filing in analyzing.
func (o *Orchestrator) Analyze(ctx context.Context, rec domain.ProcessingRecord) error {
	switch rec.State {
	case domain.StateAnalyzing:
	case domain.StateFetched:
		err := withRetry(ctx, o.logger, o.retry, "begin analysis", func() error {
			return o.states.Transition(ctx, rec.FilingID, domain.StateFetched, domain.StateAnalyzing, "")
		})
		if err != nil {
			return err
		}
	default:
		return domain.Newf(domain.ErrStaleState, "filing %s is %s, not ready for analysis", rec.FilingID, rec.State)
	}

	exists, err := o.analyses.HasAnalysis(ctx, rec.FilingID, rec.Lineage, o.model.ModelVersion())
	if err != nil {
		return err
	}

	var record domain.AnalysisRecord
	if exists {
		if record, err = o.analyses.LatestAnalysis(ctx, rec.FilingID); err != nil {
			return err
		}
	} else {
		if record, err = o.run(ctx, rec); err != nil {
			return err
		}
		if err := o.save(ctx, record); err != nil {
			return err
		}
	}

	cause := ""
	if record.Incomplete() {
		cause = "incomplete: " + joinStages(record.IncompleteStages())
	}
	err = withRetry(ctx, o.logger, o.retry, "finish analysis", func() error {
		return o.states.Transition(ctx, rec.FilingID, domain.StateAnalyzing, domain.StateAnalyzed, cause)
	})
	if err != nil {
		return err
	}

	o.publish(rec.FilingID, record)
	return nil
}

// Reanalyze runs the stages again for an analyzed filing under the current model version. The new
// record supersedes the previous one; a record for the same model version yields ErrAnalysisExists.
func (o *Orchestrator) Reanalyze(ctx context.Context, filingID string) (domain.AnalysisRecord, error) {
	rec, err := o.states.State(ctx, filingID)
	if err != nil {
		return domain.AnalysisRecord{}, err
	}
	if rec.State != domain.StateAnalyzed {
		return domain.AnalysisRecord{}, domain.Newf(domain.ErrStaleState, "filing %s is %s, only analyzed filings can be reanalyzed", filingID, rec.State)
	}
	exists, err := o.analyses.HasAnalysis(ctx, filingID, rec.Lineage, o.model.ModelVersion())
	if err != nil {
		return domain.AnalysisRecord{}, err
	}
	if exists {
		return domain.AnalysisRecord{}, domain.Newf(domain.ErrAnalysisExists, "filing %s lineage %d already analyzed by %s",
			filingID, rec.Lineage, o.model.ModelVersion())
	}

	record, err := o.run(ctx, rec)
	if err != nil {
		return domain.AnalysisRecord{}, err
	}
	if err := withRetry(ctx, o.logger, o.retry, "save analysis", func() error {
		return o.analyses.SaveAnalysis(ctx, record)
	}); err != nil {
		return domain.AnalysisRecord{}, err
	}
	o.publish(filingID, record)
	return record, nil
}

func (o *Orchestrator) save(ctx context.Context, record domain.AnalysisRecord) error {
	err := withRetry(ctx, o.logger, o.retry, "save analysis", func() error {
		return o.analyses.SaveAnalysis(ctx, record)
	})
	if errors.Is(err, domain.ErrAnalysisExists) {
		o.logger.Warn("analysis already recorded", "filing_id", record.FilingID, "model_version", record.ModelVersion)
		return nil
	}
	return err
}

// run executes the stages under the per-filing time budget.
func (o *Orchestrator) run(ctx context.Context, rec domain.ProcessingRecord) (domain.AnalysisRecord, error) {
	log := o.logger.With("filing_id", rec.FilingID, "lineage", rec.Lineage)

	fc, err := o.load(ctx, rec)
	if err != nil {
		return domain.AnalysisRecord{}, err
	}

	record := domain.NewAnalysisRecord(rec.FilingID, rec.Lineage, o.model.ModelVersion())

	budget, cancel := context.WithTimeout(ctx, o.cfg.TimeBudget)
	defer cancel()

	summary, status := runStage(budget, o, log, summaryStage(fc, o.cfg.MaxSummaryChars))
	record.Stages[domain.StageSummarize] = status
	if status.Complete {
		record.Summary = summary
	}

	events, status := runStage(budget, o, log, eventsStage(fc, record.Summary, o.severity))
	record.Stages[domain.StageEvents] = status
	if status.Complete {
		record.Events = events
	}

	mentions, status := runStage(budget, o, log, entitiesStage(fc))
	record.Stages[domain.StageEntities] = status
	if status.Complete {
		record.Entities = mentions
	}

	// Shutdown, not the budget: nothing is written and the filing stays resumable.
	if ctx.Err() != nil {
		return domain.AnalysisRecord{}, ctx.Err()
	}

	switch {
	case !record.Stages[domain.StageEntities].Complete:
		record.Stages[domain.StageLink] = domain.StageStatus{Reason: "entities unavailable"}
	case o.linker == nil:
		record.Stages[domain.StageLink] = domain.StageStatus{Reason: "no entity linker"}
	default:
		resolved, err := o.linker.Resolve(ctx, rec.FilingID, record.Entities)
		if err != nil {
			if ctx.Err() != nil {
				return domain.AnalysisRecord{}, ctx.Err()
			}
			log.Warn("entity linking failed", "error", domain.Mark(err, domain.ErrAnalysisStagePartial, "link entities"))
			record.Stages[domain.StageLink] = domain.StageStatus{Attempts: 1, Reason: err.Error()}
		} else {
			record.Entities = resolved
			record.Stages[domain.StageLink] = domain.StageStatus{Complete: true, Attempts: 1}
		}
	}

	record.AnalyzedAt = o.now().UTC()
	log.Info("filing analyzed",
		"events", len(record.Events),
		"entities", len(record.Entities),
		"max_risk", record.MaxRisk(),
		"incomplete", record.Incomplete())
	return record, nil
}

func (o *Orchestrator) load(ctx context.Context, rec domain.ProcessingRecord) (filingContext, error) {
	ref, err := o.states.Filing(ctx, rec.FilingID)
	if err != nil {
		return filingContext{}, err
	}
	raw, err := o.raw.Raw(ctx, rec.FilingID, rec.Lineage)
	if err != nil {
		return filingContext{}, err
	}
	content, err := o.blobs.Get(ctx, raw.ContentRef)
	if err != nil {
		return filingContext{}, fmt.Errorf("load content %s: %w", raw.ContentRef, err)
	}
	text, err := o.extractor.Text(content)
	if err != nil {
		return filingContext{}, fmt.Errorf("extract text %s: %w", rec.FilingID, err)
	}
	return filingContext{ref: ref, text: truncateRunes(text, o.cfg.MaxContentChars)}, nil
}

// runStage asks the model at most twice, the second time with a stricter format instruction.
// Each call gets its own timeout inside the budget. Failure leaves a zero T and an incomplete status.
func runStage[T any](budget context.Context, o *Orchestrator, log *slog.Logger, st stage[T]) (T, domain.StageStatus) {
	var zero T
	status := domain.StageStatus{}
	var lastErr error

	for attempt := 1; attempt <= stageAttempts; attempt++ {
		if err := budget.Err(); err != nil {
			status.Reason = "time budget exceeded"
			log.Warn("stage skipped", "stage", st.name,
				"error", domain.Mark(err, domain.ErrAnalysisTimeout, string(st.name)))
			return zero, status
		}
		status.Attempts = attempt

		out, err := callStage(budget, o, st, attempt > 1)
		if err == nil {
			status.Complete = true
			return out, status
		}
		lastErr = err
		log.Debug("stage attempt failed", "stage", st.name, "attempt", attempt, "error", err)
	}

	status.Reason = lastErr.Error()
	if budget.Err() != nil {
		status.Reason = "time budget exceeded"
	}
	log.Warn("stage incomplete", "stage", st.name,
		"error", domain.Mark(lastErr, domain.ErrAnalysisStagePartial, string(st.name)))
	return zero, status
}

func callStage[T any](budget context.Context, o *Orchestrator, st stage[T], strict bool) (T, error) {
	ctx, cancel := context.WithTimeout(budget, o.cfg.StageTimeout)
	defer cancel()

	raw, err := o.model.Complete(ctx, st.prompt(strict), st.schema)
	if err != nil {
		var zero T
		if ctx.Err() != nil {
			return zero, domain.Mark(err, domain.ErrAnalysisTimeout, "model call")
		}
		return zero, err
	}
	return st.parse(raw)
}

func (o *Orchestrator) publish(filingID string, record domain.AnalysisRecord) {
	if o.notifier == nil {
		return
	}
	o.notifier.Publish(domain.Notification{
		Kind:       domain.KindAnalysisAvailable,
		FilingID:   filingID,
		Lineage:    record.Lineage,
		Summary:    changeSummary(record),
		Critical:   record.MaxRisk() == domain.RiskCritical,
		Incomplete: record.Incomplete(),
	})
}

// changeSummary is the one-line summary_of_change carried by notifications.
func changeSummary(record domain.AnalysisRecord) string {
	var b strings.Builder
	if len(record.Events) == 0 {
		b.WriteString("no material events")
	} else {
		fmt.Fprintf(&b, "%d event(s), max risk %s", len(record.Events), record.MaxRisk())
	}
	if record.Summary != "" {
		b.WriteString(": ")
		b.WriteString(truncateRunes(record.Summary, 200))
	}
	return b.String()
}

func joinStages(stages []domain.StageName) string {
	parts := make([]string, len(stages))
	for i, s := range stages {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}
