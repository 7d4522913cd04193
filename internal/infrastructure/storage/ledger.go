package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"

	"FilingScanner/internal/domain"
)

// Admit records ref in the ledger exactly once. The filing row and its discovered state are
// written in the same transaction as the ledger key, so a winner is never left without state.
func (s *Store) Admit(ctx context.Context, ref domain.FilingRef) (bool, error) {
	admitted := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := toNanos(s.now())
		res, err := s.exec(ctx, tx, s.sb.Insert("ledger").
			Columns("filing_id", "content_hash", "lineage", "published_at", "admitted_at").
			Values(ref.FilingID, "", 1, toNanos(ref.PublishedAt), now).
			Suffix("ON CONFLICT (filing_id) DO NOTHING"))
		if err != nil {
			return fmt.Errorf("insert ledger %s: %w", ref.FilingID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("ledger rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}

		if err := s.insertFiling(ctx, tx, ref); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, s.sb.Insert("processing_states").
			Columns("filing_id", "state", "lineage", "cause", "updated_at").
			Values(ref.FilingID, string(domain.StateDiscovered), 1, "", now)); err != nil {
			return fmt.Errorf("insert state %s: %w", ref.FilingID, err)
		}
		admitted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return admitted, nil
}

func (s *Store) insertFiling(ctx context.Context, tx *sql.Tx, ref domain.FilingRef) error {
	_, err := s.exec(ctx, tx, s.sb.Insert("filings").
		Columns("filing_id", "source_id", "company_identifier", "company_name", "filing_type", "published_at", "source_url").
		Values(ref.FilingID, ref.SourceID, ref.CompanyIdentifier, ref.CompanyName, ref.FilingType,
			toNanos(ref.PublishedAt), ref.SourceURL).
		Suffix("ON CONFLICT (filing_id) DO NOTHING"))
	if err != nil {
		return fmt.Errorf("insert filing %s: %w", ref.FilingID, err)
	}
	return nil
}

// AdmitOrRequeue admits an unseen filing, or opens lineage n+1 when contentHash differs from the
// hash recorded for lineage n. A filing still in flight is left alone and requeued on a later call.
// The ledger's published_at only moves forward, and only once the observation was settled.
func (s *Store) AdmitOrRequeue(ctx context.Context, ref domain.FilingRef, contentHash string) (int, bool, error) {
	var (
		lineage  int
		requeued bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := toNanos(s.now())
		row, err := s.queryRow(ctx, tx, s.sb.Select("content_hash", "lineage", "published_at").
			From("ledger").Where(sq.Eq{"filing_id": ref.FilingID}))
		if err != nil {
			return err
		}
		var (
			storedHash string
			published  int64
		)
		err = row.Scan(&storedHash, &lineage, &published)
		if errors.Is(err, sql.ErrNoRows) {
			if _, err := s.exec(ctx, tx, s.sb.Insert("ledger").
				Columns("filing_id", "content_hash", "lineage", "published_at", "admitted_at").
				Values(ref.FilingID, "", 1, toNanos(ref.PublishedAt), now)); err != nil {
				return fmt.Errorf("insert ledger %s: %w", ref.FilingID, err)
			}
			if err := s.insertFiling(ctx, tx, ref); err != nil {
				return err
			}
			if _, err := s.exec(ctx, tx, s.sb.Insert("processing_states").
				Columns("filing_id", "state", "lineage", "cause", "updated_at").
				Values(ref.FilingID, string(domain.StateDiscovered), 1, "", now)); err != nil {
				return fmt.Errorf("insert state %s: %w", ref.FilingID, err)
			}
			lineage, requeued = 1, true
			return nil
		}
		if err != nil {
			return fmt.Errorf("load ledger %s: %w", ref.FilingID, err)
		}

		if storedHash == "" {
			return nil
		}
		if storedHash == contentHash {
			return s.advanceLedger(ctx, tx, ref, published)
		}

		res, err := s.exec(ctx, tx, s.sb.Update("processing_states").
			Set("state", string(domain.StateDiscovered)).
			Set("lineage", lineage+1).
			Set("cause", "").
			Set("updated_at", now).
			Where(sq.Eq{
				"filing_id": ref.FilingID,
				"lineage":   lineage,
				"state":     []string{string(domain.StateAnalyzed), string(domain.StateFailed)},
			}))
		if err != nil {
			return fmt.Errorf("requeue state %s: %w", ref.FilingID, err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}

		lineage++
		if _, err := s.exec(ctx, tx, s.sb.Update("ledger").
			Set("lineage", lineage).
			Set("content_hash", "").
			Where(sq.Eq{"filing_id": ref.FilingID})); err != nil {
			return fmt.Errorf("requeue ledger %s: %w", ref.FilingID, err)
		}
		requeued = true
		return s.advanceLedger(ctx, tx, ref, published)
	})
	if err != nil {
		return 0, false, err
	}
	return lineage, requeued, nil
}

// advanceLedger moves the ledger's published_at forward to ref's. It only runs once an amendment
// was settled, so a refused requeue is seen as newer again on the next observation.
func (s *Store) advanceLedger(ctx context.Context, tx *sql.Tx, ref domain.FilingRef, published int64) error {
	p := toNanos(ref.PublishedAt)
	if p <= published {
		return nil
	}
	if _, err := s.exec(ctx, tx, s.sb.Update("ledger").Set("published_at", p).
		Where(sq.Eq{"filing_id": ref.FilingID})); err != nil {
		return fmt.Errorf("advance ledger %s: %w", ref.FilingID, err)
	}
	return nil
}

// Entry loads the ledger record of filingID.
func (s *Store) Entry(ctx context.Context, filingID string) (domain.LedgerEntry, error) {
	row, err := s.queryRow(ctx, s.db, s.sb.Select("filing_id", "content_hash", "lineage", "published_at", "admitted_at").
		From("ledger").Where(sq.Eq{"filing_id": filingID}))
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	var (
		e                   domain.LedgerEntry
		published, admitted int64
	)
	if err := row.Scan(&e.FilingID, &e.ContentHash, &e.Lineage, &published, &admitted); err != nil {
		return domain.LedgerEntry{}, notFound(err, "ledger entry %s", filingID)
	}
	e.PublishedAt, e.AdmittedAt = fromNanos(published), fromNanos(admitted)
	return e, nil
}

// RecordContentHash stores the hash of the lineage's retrieved content.
func (s *Store) RecordContentHash(ctx context.Context, filingID string, lineage int, hash string) error {
	_, err := s.exec(ctx, s.db, s.sb.Update("ledger").Set("content_hash", hash).
		Where(sq.Eq{"filing_id": filingID, "lineage": lineage}))
	if err != nil {
		return fmt.Errorf("record content hash %s: %w", filingID, err)
	}
	return nil
}

// Watermark returns the persisted watermark of source; ok is false when none was recorded.
func (s *Store) Watermark(ctx context.Context, source string) (time.Time, bool, error) {
	c, err := s.Cursor(ctx, source)
	if err != nil {
		return time.Time{}, false, err
	}
	return c.Watermark, !c.Watermark.IsZero(), nil
}

// Cursor loads the poll position of source.
func (s *Store) Cursor(ctx context.Context, source string) (domain.SourceCursor, error) {
	row, err := s.queryRow(ctx, s.db, s.sb.Select("watermark", "catchup_until", "catchup_pending").
		From("watermarks").Where(sq.Eq{"source_id": source}))
	if err != nil {
		return domain.SourceCursor{}, err
	}
	var mark, until, pending int64
	if err := row.Scan(&mark, &until, &pending); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SourceCursor{}, nil
		}
		return domain.SourceCursor{}, fmt.Errorf("load watermark %s: %w", source, err)
	}
	return domain.SourceCursor{
		Watermark: fromNanos(mark),
		Until:     fromNanos(until),
		Pending:   fromNanos(pending),
	}, nil
}

// AdvanceWatermark upserts the watermark, keeping the larger of the stored and given values, and
// clears the catch-up cursor.
func (s *Store) AdvanceWatermark(ctx context.Context, source string, to time.Time) error {
	_, err := s.exec(ctx, s.db, s.sb.Insert("watermarks").
		Columns("source_id", "watermark", "updated_at").
		Values(source, toNanos(to), toNanos(s.now())).
		Suffix(`ON CONFLICT (source_id) DO UPDATE SET
			watermark = CASE WHEN excluded.watermark > watermarks.watermark THEN excluded.watermark ELSE watermarks.watermark END,
			catchup_until = 0,
			catchup_pending = 0,
			updated_at = excluded.updated_at`))
	if err != nil {
		return fmt.Errorf("advance watermark %s: %w", source, err)
	}
	return nil
}

// HoldWatermark stores the catch-up cursor of a truncated listing without touching the
// watermark. Pending only grows.
func (s *Store) HoldWatermark(ctx context.Context, source string, until, pending time.Time) error {
	_, err := s.exec(ctx, s.db, s.sb.Insert("watermarks").
		Columns("source_id", "watermark", "catchup_until", "catchup_pending", "updated_at").
		Values(source, 0, toNanos(until), toNanos(pending), toNanos(s.now())).
		Suffix(`ON CONFLICT (source_id) DO UPDATE SET
			catchup_until = excluded.catchup_until,
			catchup_pending = CASE WHEN excluded.catchup_pending > watermarks.catchup_pending THEN excluded.catchup_pending ELSE watermarks.catchup_pending END,
			updated_at = excluded.updated_at`))
	if err != nil {
		return fmt.Errorf("hold watermark %s: %w", source, err)
	}
	return nil
}
