package domain

import "time"

// CanonicalEntity is the merged representation of a real-world entity.
// A retired entity keeps its row and points at the survivor through MergedInto.
type CanonicalEntity struct {
	ID              string     `json:"entity_id"`
	DisplayName     string     `json:"display_name"`
	Type            EntityType `json:"entity_type"`
	Aliases         []string   `json:"known_aliases"`
	LinkedFilingIDs []string   `json:"linked_filing_ids"`
	MergedInto      string     `json:"merged_into,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Retired reports whether e was merged into another entity.
func (e CanonicalEntity) Retired() bool { return e.MergedInto != "" }

// AliasKey is an alias of an active entity together with its match key.
type AliasKey struct {
	EntityID string
	Alias    string
	Key      string
}

// MergeSuggestion pairs two active entities that look like the same thing.
type MergeSuggestion struct {
	Survivor CanonicalEntity `json:"survivor"`
	Retired  CanonicalEntity `json:"retired"`
	Score    float64         `json:"score"`
}
