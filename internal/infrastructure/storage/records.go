package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"FilingScanner/internal/domain"
)

// SaveRaw records the retrieved artefact. A second write for the same lineage is ignored.
func (s *Store) SaveRaw(ctx context.Context, raw domain.RawFiling) error {
	_, err := s.exec(ctx, s.db, s.sb.Insert("raw_filings").
		Columns("filing_id", "lineage", "content_ref", "content_hash", "size_bytes", "retrieved_at").
		Values(raw.FilingID, raw.Lineage, raw.ContentRef, raw.ContentHash, raw.SizeBytes, toNanos(raw.RetrievedAt)).
		Suffix("ON CONFLICT (filing_id, lineage) DO NOTHING"))
	if err != nil {
		return fmt.Errorf("save raw %s/%d: %w", raw.FilingID, raw.Lineage, err)
	}
	return nil
}

// Raw loads the artefact of one lineage.
func (s *Store) Raw(ctx context.Context, filingID string, lineage int) (domain.RawFiling, error) {
	row, err := s.queryRow(ctx, s.db, s.sb.Select("filing_id", "lineage", "content_ref", "content_hash", "size_bytes", "retrieved_at").
		From("raw_filings").Where(sq.Eq{"filing_id": filingID, "lineage": lineage}))
	if err != nil {
		return domain.RawFiling{}, err
	}
	var (
		raw       domain.RawFiling
		retrieved int64
	)
	if err := row.Scan(&raw.FilingID, &raw.Lineage, &raw.ContentRef, &raw.ContentHash, &raw.SizeBytes, &retrieved); err != nil {
		return domain.RawFiling{}, notFound(err, "raw filing %s/%d", filingID, lineage)
	}
	raw.RetrievedAt = fromNanos(retrieved)
	return raw, nil
}

// SaveAnalysis writes rec and its events. Older records of the filing are flagged superseded but
// kept for audit. A record for the same (filing, lineage, model version) yields ErrAnalysisExists.
func (s *Store) SaveAnalysis(ctx context.Context, rec domain.AnalysisRecord) error {
	rec.Normalize()
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal analysis %s: %w", rec.FilingID, err)
	}
	incomplete := 0
	if rec.Incomplete() {
		incomplete = 1
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx, s.sb.Insert("analysis_records").
			Columns("filing_id", "lineage", "model_version", "summary", "payload", "incomplete", "superseded", "analyzed_at").
			Values(rec.FilingID, rec.Lineage, rec.ModelVersion, rec.Summary, string(payload), incomplete, 0,
				toNanos(rec.AnalyzedAt)).
			Suffix("ON CONFLICT (filing_id, lineage, model_version) DO NOTHING"))
		if err != nil {
			return fmt.Errorf("insert analysis %s: %w", rec.FilingID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("analysis rows affected: %w", err)
		} else if n == 0 {
			return domain.Newf(domain.ErrAnalysisExists, "analysis %s/%d/%s", rec.FilingID, rec.Lineage, rec.ModelVersion)
		}

		if _, err := s.exec(ctx, tx, s.sb.Update("analysis_records").Set("superseded", 1).
			Where(sq.Eq{"filing_id": rec.FilingID}).
			Where(sq.Or{sq.NotEq{"lineage": rec.Lineage}, sq.NotEq{"model_version": rec.ModelVersion}})); err != nil {
			return fmt.Errorf("supersede analysis %s: %w", rec.FilingID, err)
		}

		for i, ev := range rec.Events {
			var spanStart, spanEnd sql.NullInt64
			if ev.SourceSpan != nil {
				spanStart = sql.NullInt64{Int64: int64(ev.SourceSpan.Start), Valid: true}
				spanEnd = sql.NullInt64{Int64: int64(ev.SourceSpan.End), Valid: true}
			}
			if _, err := s.exec(ctx, tx, s.sb.Insert("events").
				Columns("filing_id", "lineage", "model_version", "ordinal", "category", "description", "risk_level", "risk_rank",
					"span_start", "span_end").
				Values(rec.FilingID, rec.Lineage, rec.ModelVersion, i, string(ev.Category), ev.Description,
					string(ev.RiskLevel), ev.RiskLevel.Rank(), spanStart, spanEnd)); err != nil {
				return fmt.Errorf("insert event %s#%d: %w", rec.FilingID, i, err)
			}
		}
		return nil
	})
}

// HasAnalysis reports whether a record exists for the key.
func (s *Store) HasAnalysis(ctx context.Context, filingID string, lineage int, modelVersion string) (bool, error) {
	row, err := s.queryRow(ctx, s.db, s.sb.Select("COUNT(*)").From("analysis_records").
		Where(sq.Eq{"filing_id": filingID, "lineage": lineage, "model_version": modelVersion}))
	if err != nil {
		return false, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("count analysis %s: %w", filingID, err)
	}
	return n > 0, nil
}

// LatestAnalysis returns the current, non-superseded record of filingID.
func (s *Store) LatestAnalysis(ctx context.Context, filingID string) (domain.AnalysisRecord, error) {
	row, err := s.queryRow(ctx, s.db, s.sb.Select("payload").From("analysis_records").
		Where(sq.Eq{"filing_id": filingID, "superseded": 0}).
		OrderBy("lineage DESC", "analyzed_at DESC").
		Limit(1))
	if err != nil {
		return domain.AnalysisRecord{}, err
	}
	var payload string
	if err := row.Scan(&payload); err != nil {
		return domain.AnalysisRecord{}, notFound(err, "analysis %s", filingID)
	}
	var rec domain.AnalysisRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return domain.AnalysisRecord{}, fmt.Errorf("decode analysis %s: %w", filingID, err)
	}
	rec.Normalize()
	return rec, nil
}

// AnalysisHistory returns every record of filingID, newest first, superseded ones included.
func (s *Store) AnalysisHistory(ctx context.Context, filingID string) ([]domain.AnalysisRecord, error) {
	rows, err := s.query(ctx, s.db, s.sb.Select("payload").From("analysis_records").
		Where(sq.Eq{"filing_id": filingID}).
		OrderBy("lineage DESC", "analyzed_at DESC"))
	if err != nil {
		return nil, fmt.Errorf("analysis history %s: %w", filingID, err)
	}
	var out []domain.AnalysisRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, closeRows(rows, fmt.Errorf("scan analysis: %w", err))
		}
		var rec domain.AnalysisRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, closeRows(rows, fmt.Errorf("decode analysis %s: %w", filingID, err))
		}
		rec.Normalize()
		out = append(out, rec)
	}
	if err := closeRows(rows, nil); err != nil {
		return nil, err
	}
	return out, nil
}
