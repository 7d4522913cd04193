package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"FilingScanner/internal/domain"
	"FilingScanner/internal/ports"
)

// FetcherDeps wires the filing fetcher.
type FetcherDeps struct {
	Ledger    ports.Ledger
	States    ports.StateStore
	Raw       ports.RawStore
	Blobs     ports.BlobStore
	Retriever ports.ContentRetriever
	Notifier  *Notifier
	Retry     RetryOptions
	Logger    *slog.Logger
}

// Fetcher retrieves filing content and records it as a RawFiling.
// Retrieval retries live in the retriever; the fetcher turns exhaustion into a terminal failure.
type Fetcher struct {
	ledger    ports.Ledger
	states    ports.StateStore
	raw       ports.RawStore
	blobs     ports.BlobStore
	retriever ports.ContentRetriever
	notifier  *Notifier
	retry     RetryOptions
	logger    *slog.Logger
	now       func() time.Time
}

// NewFetcher constructs the fetcher.
func NewFetcher(deps FetcherDeps) *Fetcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Fetcher{
		ledger:    deps.Ledger,
		states:    deps.States,
		raw:       deps.Raw,
		blobs:     deps.Blobs,
		retriever: deps.Retriever,
		notifier:  deps.Notifier,
		retry:     deps.Retry,
		logger:    logger,
		now:       time.Now,
	}
}

// Fetch moves a discovered filing through fetching to fetched. A record already in fetching is
// resumed. Exhausted retrieval marks the filing failed and returns an error marked ErrFetchFailed;
// cancellation leaves the state where it was.
func (f *Fetcher) Fetch(ctx context.Context, rec domain.ProcessingRecord) error {
	log := f.logger.With("filing_id", rec.FilingID, "lineage", rec.Lineage)

	if err := f.begin(ctx, rec); err != nil {
		return err
	}

	ref, err := f.states.Filing(ctx, rec.FilingID)
	if err != nil {
		return err
	}

	if _, err := f.raw.Raw(ctx, rec.FilingID, rec.Lineage); err == nil {
		log.Debug("raw filing already stored, skipping retrieval")
		return f.finish(ctx, rec)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	content, err := f.retriever.Retrieve(ctx, ref)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return f.fail(ctx, rec, err)
	}
	return f.store(ctx, rec, content)
}

// Ingest records content that was already retrieved, e.g. while rechecking an amendment.
func (f *Fetcher) Ingest(ctx context.Context, rec domain.ProcessingRecord, content []byte) error {
	if err := f.begin(ctx, rec); err != nil {
		return err
	}
	return f.store(ctx, rec, content)
}

func (f *Fetcher) begin(ctx context.Context, rec domain.ProcessingRecord) error {
	switch rec.State {
	case domain.StateFetching:
		return nil
	case domain.StateDiscovered:
		return withRetry(ctx, f.logger, f.retry, "begin fetch", func() error {
			return f.states.Transition(ctx, rec.FilingID, domain.StateDiscovered, domain.StateFetching, "")
		})
	default:
		return domain.Newf(domain.ErrStaleState, "filing %s is %s, not ready for fetch", rec.FilingID, rec.State)
	}
}

func (f *Fetcher) store(ctx context.Context, rec domain.ProcessingRecord, content []byte) error {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	key := fmt.Sprintf("filings/%s/%d/raw", rec.FilingID, rec.Lineage)
	contentRef, err := f.blobs.Put(ctx, key, content)
	if err != nil {
		return fmt.Errorf("store blob %s: %w", key, err)
	}

	raw := domain.RawFiling{
		FilingID:    rec.FilingID,
		Lineage:     rec.Lineage,
		ContentRef:  contentRef,
		ContentHash: hash,
		SizeBytes:   int64(len(content)),
		RetrievedAt: f.now().UTC(),
	}
	err = withRetry(ctx, f.logger, f.retry, "save raw", func() error {
		if err := f.raw.SaveRaw(ctx, raw); err != nil {
			return err
		}
		return f.ledger.RecordContentHash(ctx, rec.FilingID, rec.Lineage, hash)
	})
	if err != nil {
		return err
	}
	return f.finish(ctx, rec)
}

func (f *Fetcher) finish(ctx context.Context, rec domain.ProcessingRecord) error {
	err := withRetry(ctx, f.logger, f.retry, "finish fetch", func() error {
		return f.states.Transition(ctx, rec.FilingID, domain.StateFetching, domain.StateFetched, "")
	})
	if err != nil {
		return err
	}
	f.logger.Info("filing fetched", "filing_id", rec.FilingID, "lineage", rec.Lineage)
	return nil
}

func (f *Fetcher) fail(ctx context.Context, rec domain.ProcessingRecord, cause error) error {
	fetchErr := domain.Mark(cause, domain.ErrFetchFailed, "fetch "+rec.FilingID)
	err := withRetry(ctx, f.logger, f.retry, "fail fetch", func() error {
		return f.states.Transition(ctx, rec.FilingID, domain.StateFetching, domain.StateFailed, cause.Error())
	})
	if err != nil {
		return errors.CombineErrors(fetchErr, err)
	}

	f.logger.Error("filing fetch failed", "filing_id", rec.FilingID, "error", cause)
	if f.notifier != nil {
		f.notifier.Publish(domain.Notification{
			Kind:     domain.KindFilingFailed,
			FilingID: rec.FilingID,
			Lineage:  rec.Lineage,
			Summary:  "fetch failed: " + cause.Error(),
		})
	}
	return fetchErr
}
