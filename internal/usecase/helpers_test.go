package usecase

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"FilingScanner/internal/config"
	"FilingScanner/internal/domain"
	"FilingScanner/internal/infrastructure/storage"
	"FilingScanner/internal/ports"
	"FilingScanner/internal/testutil"
)

var tickTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleRef(id string) domain.FilingRef {
	return domain.FilingRef{
		SourceID:          "edgar-feeds",
		FilingID:          id,
		CompanyIdentifier: "0000123456",
		CompanyName:       "ACME CORP",
		FilingType:        "8-K",
		PublishedAt:       time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC),
		SourceURL:         "https://www.sec.gov/Archives/edgar/data/123456/" + id + "-index.htm",
	}
}

type fakeSource struct {
	name    string
	recheck bool

	mu    sync.Mutex
	refs  []domain.FilingRef
	err   error
	since []time.Time
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) RecheckAmendments() bool { return s.recheck }

func (s *fakeSource) Fetch(_ context.Context, window domain.Window) (domain.SourceBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.since = append(s.since, window.Since)
	if s.err != nil {
		return domain.SourceBatch{}, s.err
	}
	return domain.SourceBatch{Refs: append([]domain.FilingRef(nil), s.refs...)}, nil
}

func (s *fakeSource) set(refs []domain.FilingRef, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs, s.err = refs, err
}

type fakeRetriever struct {
	mu      sync.Mutex
	content map[string]string
	fail    map[string]int
	calls   map[string]int
}

func newFakeRetriever() *fakeRetriever {
	return &fakeRetriever{content: map[string]string{}, fail: map[string]int{}, calls: map[string]int{}}
}

func (r *fakeRetriever) Retrieve(_ context.Context, ref domain.FilingRef) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[ref.FilingID]++
	if r.fail[ref.FilingID] > 0 {
		r.fail[ref.FilingID]--
		return nil, errors.New("retrieve: 503 Service Unavailable after 4 attempts")
	}
	body, ok := r.content[ref.FilingID]
	if !ok {
		body = "ACME CORP announced that Jane Doe was appointed Chief Financial Officer."
	}
	return []byte(body), nil
}

func (r *fakeRetriever) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

type plainText struct{}

func (plainText) Text(raw []byte) (string, error) { return string(raw), nil }

// scriptedModel answers per stage. A nil respond func falls back to well-formed answers.
type scriptedModel struct {
	version string
	respond func(ctx context.Context, stage domain.StageName, strict bool) (string, error)

	mu    sync.Mutex
	calls map[domain.StageName]int
}

func newScriptedModel() *scriptedModel {
	return &scriptedModel{version: "model-v1", calls: map[domain.StageName]int{}}
}

func (m *scriptedModel) ModelVersion() string { return m.version }

func (m *scriptedModel) Complete(ctx context.Context, prompt, schemaHint string) (string, error) {
	var st domain.StageName
	switch schemaHint {
	case summarySchema:
		st = domain.StageSummarize
	case eventsSchema:
		st = domain.StageEvents
	case entitiesSchema:
		st = domain.StageEntities
	}
	m.mu.Lock()
	m.calls[st]++
	m.mu.Unlock()

	strict := strings.Contains(prompt, strictSuffix)
	if m.respond != nil {
		return m.respond(ctx, st, strict)
	}
	return goodAnswer(st), nil
}

func (m *scriptedModel) count(st domain.StageName) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[st]
}

func goodAnswer(st domain.StageName) string {
	switch st {
	case domain.StageSummarize:
		return `{"summary": "ACME appointed Jane Doe as CFO."}`
	case domain.StageEvents:
		return "```json\n" + `{"events": [{"category": "Management Change", "description": "Jane Doe appointed CFO", "source_span": {"start": 0, "end": 20}}]}` + "\n```"
	case domain.StageEntities:
		return `{"entities": [{"name": "ACME CORP", "type": "company"}, {"name": "Jane Doe", "type": "person"}, {"name": "Delaware", "type": "location"}]}`
	}
	return "{}"
}

// blockUntilDone simulates a model call that never answers in time.
func blockUntilDone(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type recordingSink struct {
	mu    sync.Mutex
	notes []domain.Notification
}

func (s *recordingSink) Push(_ context.Context, n domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, n)
	return nil
}

func (s *recordingSink) all() []domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Notification(nil), s.notes...)
}

type harness struct {
	cfg          config.Config
	store        *storage.Store
	source       *fakeSource
	retriever    *fakeRetriever
	model        *scriptedModel
	sink         *recordingSink
	notifier     *Notifier
	linker       *Linker
	poller       *Poller
	fetcher      *Fetcher
	orchestrator *Orchestrator
	pipeline     *Pipeline
}

func newHarness(t *testing.T, tune ...func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Defaults()
	cfg.Analysis.StageTimeout = time.Second
	cfg.Analysis.TimeBudget = 5 * time.Second
	cfg.Notifier.ReplaySize = 16
	cfg.Notifier.ReplayWindow = time.Hour
	for _, fn := range tune {
		fn(&cfg)
	}

	h := &harness{
		cfg:       cfg,
		store:     testutil.OpenStore(t),
		source:    &fakeSource{name: "edgar-feeds"},
		retriever: newFakeRetriever(),
		model:     newScriptedModel(),
		sink:      &recordingSink{},
	}
	blobs := testutil.OpenBlobs(t)
	retry := RetryOptions{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

	severity, err := NewSeverityRules(cfg.Severity)
	require.NoError(t, err)

	h.notifier = NewNotifier(cfg.Notifier, nil, h.sink)
	t.Cleanup(h.notifier.Close)
	h.linker = NewLinker(h.store, cfg.Linker, nil)
	h.poller = NewPoller([]ports.FilingSource{h.source}, h.store, cfg.Poller, nil)
	h.poller.now = func() time.Time { return tickTime }
	h.fetcher = NewFetcher(FetcherDeps{
		Ledger:    h.store,
		States:    h.store,
		Raw:       h.store,
		Blobs:     blobs,
		Retriever: h.retriever,
		Notifier:  h.notifier,
		Retry:     retry,
	})
	h.orchestrator = NewOrchestrator(OrchestratorDeps{
		States:    h.store,
		Raw:       h.store,
		Blobs:     blobs,
		Analyses:  h.store,
		Extractor: plainText{},
		Model:     h.model,
		Linker:    h.linker,
		Severity:  severity,
		Notifier:  h.notifier,
		Config:    cfg.Analysis,
		Retry:     retry,
	})
	h.pipeline = NewPipeline(PipelineDeps{
		Poller:          h.poller,
		Ledger:          h.store,
		States:          h.store,
		Retriever:       h.retriever,
		Fetcher:         h.fetcher,
		Orchestrator:    h.orchestrator,
		FetchWorkers:    2,
		AnalysisWorkers: 2,
		StaleAfter:      time.Hour,
		Retry:           retry,
	})
	return h
}

func (h *harness) state(t *testing.T, id string) domain.ProcessingRecord {
	t.Helper()
	rec, err := h.store.State(context.Background(), id)
	require.NoError(t, err)
	return rec
}
