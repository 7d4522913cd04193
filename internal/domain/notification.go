package domain

import (
	"time"

	"github.com/google/uuid"
)

// NotificationKind distinguishes change notifications.
type NotificationKind string

const (
	KindAnalysisAvailable NotificationKind = "analysis_available"
	KindFilingFailed      NotificationKind = "filing_failed"
)

// Notification tells subscribers that a filing's state changed in the result store.
type Notification struct {
	ID          uuid.UUID        `json:"id"`
	Sequence    uint64           `json:"sequence"`
	Kind        NotificationKind `json:"kind"`
	FilingID    string           `json:"filing_id"`
	Lineage     int              `json:"lineage"`
	Summary     string           `json:"summary_of_change"`
	Critical    bool             `json:"critical"`
	Incomplete  bool             `json:"incomplete"`
	PublishedAt time.Time        `json:"published_at"`
}
