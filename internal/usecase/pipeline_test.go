package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FilingScanner/internal/config"
	"FilingScanner/internal/domain"
	"FilingScanner/internal/ports"
)

func TestFilingSeenOnTwoTicksIsProcessedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ref := sampleRef("0000123-25-000001")
	h.source.set([]domain.FilingRef{ref}, nil)

	first, err := h.pipeline.RunOnce(ctx, tickTime)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Admitted)

	second, err := h.pipeline.RunOnce(ctx, tickTime.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, second.Admitted)
	assert.Equal(t, 1, second.Duplicates)

	assert.Equal(t, 1, h.retriever.count(ref.FilingID))
	assert.Equal(t, 1, h.model.count(domain.StageSummarize))
	assert.Equal(t, domain.StateAnalyzed, h.state(t, ref.FilingID).State)

	admitted, err := h.store.Admit(ctx, ref)
	require.NoError(t, err)
	assert.False(t, admitted)

	rec, err := h.store.LatestAnalysis(ctx, ref.FilingID)
	require.NoError(t, err)
	assert.False(t, rec.Incomplete())
	require.Len(t, rec.Events, 1)
	assert.Equal(t, domain.CategoryManagementChange, rec.Events[0].Category)
	assert.Equal(t, domain.RiskMedium, rec.Events[0].RiskLevel)
	require.Len(t, rec.Entities, 2, "unsupported entity kinds are dropped")
	for _, m := range rec.Entities {
		assert.NotEmpty(t, m.CanonicalEntityID)
	}

	require.Eventually(t, func() bool { return len(h.sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	notes := h.sink.all()
	assert.Equal(t, domain.KindAnalysisAvailable, notes[0].Kind)
	assert.Equal(t, ref.FilingID, notes[0].FilingID)
}

func TestSourceOutageDoesNotBlockOtherWork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.source.set(nil, errors.New("dial tcp: connection refused"))

	report, err := h.pipeline.RunOnce(ctx, tickTime)
	require.NoError(t, err)
	assert.Equal(t, 1, report.SourceErrors)

	_, ok, err := h.store.Watermark(ctx, h.source.name)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFetchFailureIsRecordedAndRetryable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ref := sampleRef("0000123-25-000002")
	h.source.set([]domain.FilingRef{ref}, nil)
	h.retriever.fail[ref.FilingID] = 1

	_, err := h.pipeline.RunOnce(ctx, tickTime)
	require.NoError(t, err)

	rec := h.state(t, ref.FilingID)
	assert.Equal(t, domain.StateFailed, rec.State)
	assert.Contains(t, rec.Cause, "503")
	require.Eventually(t, func() bool { return len(h.sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.KindFilingFailed, h.sink.all()[0].Kind)

	summaries, err := h.store.ListFilings(ctx, ports.FilingQuery{})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, domain.StateFailed, summaries[0].State)
	assert.NotEmpty(t, summaries[0].Cause)

	require.NoError(t, h.pipeline.Retry(ctx, ref.FilingID))
	h.pipeline.Wait()
	assert.Equal(t, domain.StateAnalyzed, h.state(t, ref.FilingID).State)

	err = h.pipeline.Retry(ctx, ref.FilingID)
	assert.True(t, errors.Is(err, domain.ErrStaleState), "only failed filings can be retried: %v", err)
}

func TestAmendedFilingOpensNewLineage(t *testing.T) {
	h := newHarness(t)
	h.source.recheck = true
	ctx := context.Background()
	ref := sampleRef("0000123-25-000003")
	h.source.set([]domain.FilingRef{ref}, nil)

	_, err := h.pipeline.RunOnce(ctx, tickTime)
	require.NoError(t, err)
	require.Equal(t, domain.StateAnalyzed, h.state(t, ref.FilingID).State)

	amended := ref
	amended.PublishedAt = ref.PublishedAt.Add(time.Hour)
	h.retriever.mu.Lock()
	h.retriever.content[ref.FilingID] = "ACME CORP restated its 2024 results."
	h.retriever.mu.Unlock()
	h.source.set([]domain.FilingRef{amended}, nil)

	report, err := h.pipeline.RunOnce(ctx, tickTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)

	rec := h.state(t, ref.FilingID)
	assert.Equal(t, domain.StateAnalyzed, rec.State)
	assert.Equal(t, 2, rec.Lineage)

	_, err = h.store.Raw(ctx, ref.FilingID, 1)
	require.NoError(t, err, "lineage 1 is kept")
	latest, err := h.store.LatestAnalysis(ctx, ref.FilingID)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Lineage)

	history, err := h.store.AnalysisHistory(ctx, ref.FilingID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	// Same content again: nothing to requeue.
	amended.PublishedAt = amended.PublishedAt.Add(time.Hour)
	h.source.set([]domain.FilingRef{amended}, nil)
	report, err = h.pipeline.RunOnce(ctx, tickTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Requeued)
	assert.Equal(t, 2, h.state(t, ref.FilingID).Lineage)
}

func TestAmendmentSeenWhileAnalyzingIsRequeuedLater(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Analysis.StageTimeout = 10 * time.Second
		cfg.Analysis.TimeBudget = 30 * time.Second
	})
	h.source.recheck = true
	ctx := context.Background()
	ref := sampleRef("0000123-25-000009")
	h.source.set([]domain.FilingRef{ref}, nil)

	gate := make(chan struct{})
	h.model.respond = func(ctx context.Context, st domain.StageName, _ bool) (string, error) {
		if st == domain.StageSummarize {
			select {
			case <-gate:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return goodAnswer(st), nil
	}

	_, err := h.pipeline.Tick(ctx, tickTime)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, err := h.store.State(ctx, ref.FilingID)
		return err == nil && rec.State == domain.StateAnalyzing
	}, time.Second, 5*time.Millisecond)

	amended := ref
	amended.PublishedAt = ref.PublishedAt.Add(time.Hour)
	h.retriever.mu.Lock()
	h.retriever.content[ref.FilingID] = "ACME CORP restated its 2024 results."
	h.retriever.mu.Unlock()
	h.source.set([]domain.FilingRef{amended}, nil)

	report, err := h.pipeline.Tick(ctx, tickTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Requeued, "lineage 1 is still in flight")

	entry, err := h.store.Entry(ctx, ref.FilingID)
	require.NoError(t, err)
	assert.True(t, ref.PublishedAt.Equal(entry.PublishedAt), "a refused requeue keeps the amendment pending")

	close(gate)
	h.pipeline.Wait()
	require.Equal(t, domain.StateAnalyzed, h.state(t, ref.FilingID).State)

	report, err = h.pipeline.RunOnce(ctx, tickTime.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)
	rec := h.state(t, ref.FilingID)
	assert.Equal(t, 2, rec.Lineage)
	assert.Equal(t, domain.StateAnalyzed, rec.State)
}

func TestResumeAfterAbandonedAnalysis(t *testing.T) {
	h := newHarness(t)
	ref := sampleRef("0000123-25-000004")
	h.source.set([]domain.FilingRef{ref}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	h.model.respond = func(callCtx context.Context, _ domain.StageName, _ bool) (string, error) {
		cancel()
		return blockUntilDone(callCtx)
	}
	// The tick itself may observe the cancellation too.
	_, _ = h.pipeline.RunOnce(ctx, tickTime)

	assert.Equal(t, domain.StateAnalyzing, h.state(t, ref.FilingID).State)
	_, err := h.store.LatestAnalysis(context.Background(), ref.FilingID)
	assert.True(t, errors.Is(err, domain.ErrNotFound), "nothing is written on shutdown")

	h.model.respond = nil
	resumed, err := h.pipeline.Resume(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	h.pipeline.Wait()
	assert.Equal(t, domain.StateAnalyzed, h.state(t, ref.FilingID).State)
}

func TestReanalyzeSupersedesUnderNewModel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ref := sampleRef("0000123-25-000005")
	h.source.set([]domain.FilingRef{ref}, nil)
	_, err := h.pipeline.RunOnce(ctx, tickTime)
	require.NoError(t, err)

	_, err = h.pipeline.Reanalyze(ctx, ref.FilingID)
	assert.True(t, errors.Is(err, domain.ErrAnalysisExists))

	h.model.version = "model-v2"
	rec, err := h.pipeline.Reanalyze(ctx, ref.FilingID)
	require.NoError(t, err)
	assert.Equal(t, "model-v2", rec.ModelVersion)

	latest, err := h.store.LatestAnalysis(ctx, ref.FilingID)
	require.NoError(t, err)
	assert.Equal(t, "model-v2", latest.ModelVersion)
	assert.Equal(t, rec.Events, latest.Events, "deterministic stages give the same events")
}
