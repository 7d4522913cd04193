package domain

import (
	"strings"
	"time"
)

// FilingRef is a filing reference as observed on a source. Immutable once observed.
type FilingRef struct {
	SourceID          string    `json:"source_id"`
	FilingID          string    `json:"filing_id"`
	CompanyIdentifier string    `json:"company_identifier"`
	CompanyName       string    `json:"company_name,omitempty"`
	FilingType        string    `json:"filing_type"`
	PublishedAt       time.Time `json:"published_at"`
	SourceURL         string    `json:"source_url"`
}

// Validate performs the basic checks applied before a reference enters the pipeline.
func (r FilingRef) Validate() error {
	switch {
	case strings.TrimSpace(r.FilingID) == "":
		return Newf(ErrInvalidFiling, "filing reference from %q has no filing id", r.SourceID)
	case strings.TrimSpace(r.SourceURL) == "":
		return Newf(ErrInvalidFiling, "filing %s has no source url", r.FilingID)
	case r.PublishedAt.IsZero():
		return Newf(ErrInvalidFiling, "filing %s has no publication time", r.FilingID)
	}
	return nil
}

// Window bounds a listing request. A zero Until leaves the upper end open.
type Window struct {
	Since time.Time
	Until time.Time
}

// SourceBatch is what one listing request returned. Truncated means the listing stopped at its
// page budget before reaching the window's lower end: filings older than Horizon were not listed.
type SourceBatch struct {
	Refs      []FilingRef
	Truncated bool
	Horizon   time.Time
}

// SourceCursor is a source's persisted poll position. While a truncated listing is being caught
// up, Until bounds the next request and Pending holds the newest publication time delivered so
// far; the watermark moves to Pending once the listing reaches the watermark window again.
type SourceCursor struct {
	Watermark time.Time
	Until     time.Time
	Pending   time.Time
}

// CatchingUp reports whether a truncated listing still has a gap to fill.
func (c SourceCursor) CatchingUp() bool {
	return !c.Until.IsZero()
}

// RawFiling is the retrieved artefact of a filing. Written once per (filing, lineage).
type RawFiling struct {
	FilingID    string    `json:"filing_id"`
	Lineage     int       `json:"lineage"`
	ContentRef  string    `json:"content_ref"`
	ContentHash string    `json:"content_hash"`
	SizeBytes   int64     `json:"size_bytes"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// LedgerEntry is the dedup ledger's record of an admitted filing id.
type LedgerEntry struct {
	FilingID    string
	ContentHash string
	Lineage     int
	PublishedAt time.Time
	AdmittedAt  time.Time
}

// FilingSummary is the query-surface view of a filing and its progress.
type FilingSummary struct {
	Ref        FilingRef       `json:"ref"`
	State      ProcessingState `json:"state"`
	Cause      string          `json:"cause,omitempty"`
	Lineage    int             `json:"lineage"`
	Incomplete bool            `json:"incomplete"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
