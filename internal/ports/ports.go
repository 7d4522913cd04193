package ports

import (
	"context"
	"time"

	"FilingScanner/internal/domain"
)

// FilingSource pulls filing references published inside a window from one upstream source.
type FilingSource interface {
	Name() string
	Fetch(ctx context.Context, window domain.Window) (domain.SourceBatch, error)
}

// WatermarkStore persists per-source high-watermarks across restarts.
type WatermarkStore interface {
	Watermark(ctx context.Context, source string) (time.Time, bool, error)
	// AdvanceWatermark never moves a watermark backwards. It also ends any catch-up in progress.
	AdvanceWatermark(ctx context.Context, source string, to time.Time) error
	// Cursor loads the source's poll position; a source never polled has a zero cursor.
	Cursor(ctx context.Context, source string) (domain.SourceCursor, error)
	// HoldWatermark records a truncated listing: the watermark stays put while until and pending
	// describe how far the catch-up got.
	HoldWatermark(ctx context.Context, source string, until, pending time.Time) error
}

// Ledger is the dedup key-space keyed by filing id.
type Ledger interface {
	// Admit records ref exactly once across concurrent callers and reports whether this call won.
	// The winner's filing row and discovered state are written in the same transaction.
	Admit(ctx context.Context, ref domain.FilingRef) (bool, error)
	// AdmitOrRequeue opens a new lineage when contentHash differs from the last recorded hash.
	AdmitOrRequeue(ctx context.Context, ref domain.FilingRef, contentHash string) (lineage int, requeued bool, err error)
	Entry(ctx context.Context, filingID string) (domain.LedgerEntry, error)
	RecordContentHash(ctx context.Context, filingID string, lineage int, hash string) error
}

// StateStore holds one ProcessingRecord per filing.
type StateStore interface {
	State(ctx context.Context, filingID string) (domain.ProcessingRecord, error)
	// Transition moves the filing from -> to if it is currently at from; otherwise ErrStaleState.
	Transition(ctx context.Context, filingID string, from, to domain.ProcessingState, cause string) error
	ListByState(ctx context.Context, state domain.ProcessingState, limit int) ([]domain.ProcessingRecord, error)
	Filing(ctx context.Context, filingID string) (domain.FilingRef, error)
}

// RawStore records retrieved artefacts, once per (filing, lineage).
type RawStore interface {
	SaveRaw(ctx context.Context, raw domain.RawFiling) error
	Raw(ctx context.Context, filingID string, lineage int) (domain.RawFiling, error)
}

// AnalysisStore records analysis results, once per (filing, lineage, model version).
type AnalysisStore interface {
	// SaveAnalysis fails with ErrAnalysisExists when a record for the key is already present.
	SaveAnalysis(ctx context.Context, rec domain.AnalysisRecord) error
	HasAnalysis(ctx context.Context, filingID string, lineage int, modelVersion string) (bool, error)
	LatestAnalysis(ctx context.Context, filingID string) (domain.AnalysisRecord, error)
}

// EntityGraph is the adjacency store behind the entity linker.
type EntityGraph interface {
	Entity(ctx context.Context, id string) (domain.CanonicalEntity, error)
	EntitiesByMatchKey(ctx context.Context, entityType domain.EntityType, key string) ([]domain.CanonicalEntity, error)
	AliasKeys(ctx context.Context, entityType domain.EntityType) ([]domain.AliasKey, error)
	ActiveEntities(ctx context.Context, entityType domain.EntityType) ([]domain.CanonicalEntity, error)
	CreateEntity(ctx context.Context, e domain.CanonicalEntity, key string) error
	AddAlias(ctx context.Context, entityID, alias, key string) error
	LinkFiling(ctx context.Context, entityID, filingID string) error
	// MergeEntities moves aliases and links of retired onto survivor and leaves a forwarding pointer.
	MergeEntities(ctx context.Context, survivorID, retiredID, displayName string) error
}

// BlobStore keeps raw artefacts addressed by key.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// ContentRetriever downloads a filing's full content.
type ContentRetriever interface {
	Retrieve(ctx context.Context, ref domain.FilingRef) ([]byte, error)
}

// TextExtractor turns raw filing bytes into prompt text.
type TextExtractor interface {
	Text(raw []byte) (string, error)
}

// LanguageModel is the unreliable completion capability.
type LanguageModel interface {
	Complete(ctx context.Context, prompt, schemaHint string) (string, error)
	ModelVersion() string
}

// PushChannel forwards notifications to an outbound sink.
type PushChannel interface {
	Push(ctx context.Context, n domain.Notification) error
}

// Subscription is a live notification stream. Gap reports whether notifications were dropped.
type Subscription interface {
	C() <-chan domain.Notification
	Gap() bool
	Close()
}

// NotificationFeed is the subscribe surface.
type NotificationFeed interface {
	// Subscribe replays retained notifications with sequence > after, then streams live ones.
	Subscribe(after uint64) Subscription
}

// FilingQuery filters the filing listing. Zero values mean no constraint.
type FilingQuery struct {
	From       time.Time
	To         time.Time
	FilingType string
	Category   domain.EventCategory
	Company    string
	State      domain.ProcessingState
	Limit      int
}

// Query is the read surface over the result store.
type Query interface {
	ListFilings(ctx context.Context, q FilingQuery) ([]domain.FilingSummary, error)
	LatestAnalysis(ctx context.Context, filingID string) (domain.AnalysisRecord, error)
	EventsByRisk(ctx context.Context, minRisk domain.RiskLevel, from, to time.Time) ([]domain.EventRecord, error)
}

// Scheduler controls when pipelines execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
