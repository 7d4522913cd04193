package storage

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"FilingScanner/internal/domain"
)

// State loads the processing record of filingID.
func (s *Store) State(ctx context.Context, filingID string) (domain.ProcessingRecord, error) {
	row, err := s.queryRow(ctx, s.db, s.sb.Select("filing_id", "state", "lineage", "cause", "updated_at").
		From("processing_states").Where(sq.Eq{"filing_id": filingID}))
	if err != nil {
		return domain.ProcessingRecord{}, err
	}
	var (
		rec     domain.ProcessingRecord
		state   string
		updated int64
	)
	if err := row.Scan(&rec.FilingID, &state, &rec.Lineage, &rec.Cause, &updated); err != nil {
		return domain.ProcessingRecord{}, notFound(err, "processing state %s", filingID)
	}
	rec.State, rec.UpdatedAt = domain.ProcessingState(state), fromNanos(updated)
	return rec, nil
}

// Transition is a compare-and-set on the filing's state. A concurrent mover or an unexpected
// current state yields ErrStaleState; the stored record is never overwritten blindly.
func (s *Store) Transition(ctx context.Context, filingID string, from, to domain.ProcessingState, cause string) error {
	if !domain.CanTransition(from, to) {
		return domain.Newf(domain.ErrInvalidTransition, "filing %s: %s -> %s", filingID, from, to)
	}
	res, err := s.exec(ctx, s.db, s.sb.Update("processing_states").
		Set("state", string(to)).
		Set("cause", cause).
		Set("updated_at", toNanos(s.now())).
		Where(sq.Eq{"filing_id": filingID, "state": string(from)}))
	if err != nil {
		return fmt.Errorf("transition %s %s -> %s: %w", filingID, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	current, err := s.State(ctx, filingID)
	if err != nil {
		return err
	}
	return domain.Newf(domain.ErrStaleState, "filing %s is %s, expected %s", filingID, current.State, from)
}

// ListByState returns up to limit records in state, oldest first.
func (s *Store) ListByState(ctx context.Context, state domain.ProcessingState, limit int) ([]domain.ProcessingRecord, error) {
	b := s.sb.Select("filing_id", "state", "lineage", "cause", "updated_at").
		From("processing_states").
		Where(sq.Eq{"state": string(state)}).
		OrderBy("updated_at ASC", "filing_id ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	rows, err := s.query(ctx, s.db, b)
	if err != nil {
		return nil, fmt.Errorf("list states %s: %w", state, err)
	}

	var out []domain.ProcessingRecord
	for rows.Next() {
		var (
			rec     domain.ProcessingRecord
			st      string
			updated int64
		)
		if err := rows.Scan(&rec.FilingID, &st, &rec.Lineage, &rec.Cause, &updated); err != nil {
			return nil, closeRows(rows, fmt.Errorf("scan state: %w", err))
		}
		rec.State, rec.UpdatedAt = domain.ProcessingState(st), fromNanos(updated)
		out = append(out, rec)
	}
	if err := closeRows(rows, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// Filing loads the reference recorded at admission.
func (s *Store) Filing(ctx context.Context, filingID string) (domain.FilingRef, error) {
	row, err := s.queryRow(ctx, s.db, s.sb.Select(filingColumns...).From("filings f").Where(sq.Eq{"f.filing_id": filingID}))
	if err != nil {
		return domain.FilingRef{}, err
	}
	ref, err := scanFiling(row.Scan)
	if err != nil {
		return domain.FilingRef{}, notFound(err, "filing %s", filingID)
	}
	return ref, nil
}

var filingColumns = []string{
	"f.filing_id", "f.source_id", "f.company_identifier", "f.company_name", "f.filing_type", "f.published_at", "f.source_url",
}

func scanFiling(scan func(dest ...any) error, extra ...any) (domain.FilingRef, error) {
	var (
		ref       domain.FilingRef
		published int64
	)
	dest := append([]any{&ref.FilingID, &ref.SourceID, &ref.CompanyIdentifier, &ref.CompanyName, &ref.FilingType,
		&published, &ref.SourceURL}, extra...)
	if err := scan(dest...); err != nil {
		return domain.FilingRef{}, err
	}
	ref.PublishedAt = fromNanos(published)
	return ref, nil
}
