package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"FilingScanner/internal/domain"
	"FilingScanner/internal/ports"
)

const defaultListLimit = 100

// ListFilings lists filings newest first together with their processing state. Failed filings carry
// their cause and partially analysed ones are flagged incomplete.
func (s *Store) ListFilings(ctx context.Context, q ports.FilingQuery) ([]domain.FilingSummary, error) {
	b := s.sb.Select(filingColumns...).
		Columns("p.state", "p.cause", "p.lineage", "p.updated_at").
		Column(`COALESCE((SELECT a.incomplete FROM analysis_records a
			WHERE a.filing_id = f.filing_id AND a.superseded = 0
			ORDER BY a.lineage DESC, a.analyzed_at DESC LIMIT 1), 0)`).
		From("filings f").
		Join("processing_states p ON p.filing_id = f.filing_id")

	if !q.From.IsZero() {
		b = b.Where(sq.GtOrEq{"f.published_at": toNanos(q.From)})
	}
	if !q.To.IsZero() {
		b = b.Where(sq.Lt{"f.published_at": toNanos(q.To)})
	}
	if q.FilingType != "" {
		b = b.Where(sq.Eq{"f.filing_type": q.FilingType})
	}
	if q.State != "" {
		b = b.Where(sq.Eq{"p.state": string(q.State)})
	}
	if q.Company != "" {
		b = b.Where(sq.Or{
			sq.Eq{"f.company_identifier": q.Company},
			sq.Like{"LOWER(f.company_name)": "%" + strings.ToLower(q.Company) + "%"},
		})
	}
	if q.Category != "" {
		b = b.Where(sq.Expr(`EXISTS (SELECT 1 FROM events e
			JOIN analysis_records a ON a.filing_id = e.filing_id AND a.lineage = e.lineage AND a.model_version = e.model_version
			WHERE e.filing_id = f.filing_id AND a.superseded = 0 AND e.category = ?)`, string(q.Category)))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	b = b.OrderBy("f.published_at DESC", "f.filing_id ASC").Limit(uint64(limit))

	rows, err := s.query(ctx, s.db, b)
	if err != nil {
		return nil, fmt.Errorf("list filings: %w", err)
	}
	var out []domain.FilingSummary
	for rows.Next() {
		var (
			sum        domain.FilingSummary
			state      string
			updated    int64
			incomplete int
		)
		ref, err := scanFiling(rows.Scan, &state, &sum.Cause, &sum.Lineage, &updated, &incomplete)
		if err != nil {
			return nil, closeRows(rows, fmt.Errorf("scan filing: %w", err))
		}
		sum.Ref, sum.State, sum.UpdatedAt, sum.Incomplete = ref, domain.ProcessingState(state), fromNanos(updated), incomplete == 1
		out = append(out, sum)
	}
	if err := closeRows(rows, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// EventsByRisk returns events of current analysis records at or above minRisk for filings
// published in [from, to). Zero bounds are open.
func (s *Store) EventsByRisk(ctx context.Context, minRisk domain.RiskLevel, from, to time.Time) ([]domain.EventRecord, error) {
	b := s.sb.Select("e.filing_id", "e.lineage", "e.model_version", "e.category", "e.description", "e.risk_level",
		"e.span_start", "e.span_end", "f.filing_type", "f.company_name", "f.published_at").
		From("events e").
		Join("analysis_records a ON a.filing_id = e.filing_id AND a.lineage = e.lineage AND a.model_version = e.model_version").
		Join("filings f ON f.filing_id = e.filing_id").
		Where(sq.Eq{"a.superseded": 0}).
		Where(sq.GtOrEq{"e.risk_rank": minRisk.Rank()})
	if !from.IsZero() {
		b = b.Where(sq.GtOrEq{"f.published_at": toNanos(from)})
	}
	if !to.IsZero() {
		b = b.Where(sq.Lt{"f.published_at": toNanos(to)})
	}
	b = b.OrderBy("f.published_at DESC", "e.filing_id ASC", "e.ordinal ASC")

	rows, err := s.query(ctx, s.db, b)
	if err != nil {
		return nil, fmt.Errorf("events by risk: %w", err)
	}
	var out []domain.EventRecord
	for rows.Next() {
		var (
			ev                  domain.EventRecord
			category, riskLevel string
			spanStart, spanEnd  sql.NullInt64
			published           int64
		)
		if err := rows.Scan(&ev.FilingID, &ev.Lineage, &ev.ModelVersion, &category, &ev.Description, &riskLevel,
			&spanStart, &spanEnd, &ev.FilingType, &ev.CompanyName, &published); err != nil {
			return nil, closeRows(rows, fmt.Errorf("scan event: %w", err))
		}
		ev.Category, ev.RiskLevel, ev.PublishedAt = domain.EventCategory(category), domain.RiskLevel(riskLevel), fromNanos(published)
		if spanStart.Valid && spanEnd.Valid {
			ev.SourceSpan = &domain.Span{Start: int(spanStart.Int64), End: int(spanEnd.Int64)}
		}
		out = append(out, ev)
	}
	if err := closeRows(rows, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// CriticalEvents returns critical events for filings published in [from, to).
func (s *Store) CriticalEvents(ctx context.Context, from, to time.Time) ([]domain.EventRecord, error) {
	return s.EventsByRisk(ctx, domain.RiskCritical, from, to)
}
