package domain

import "time"

// StageName identifies an enrichment stage.
type StageName string

const (
	StageSummarize StageName = "summarize"
	StageEvents    StageName = "detect_events"
	StageEntities  StageName = "extract_entities"
	StageLink      StageName = "link_entities"
)

// Stages lists the enrichment stages in execution order.
var Stages = []StageName{StageSummarize, StageEvents, StageEntities, StageLink}

// StageStatus is the per-stage completeness flag.
type StageStatus struct {
	Complete bool   `json:"complete"`
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason,omitempty"`
}

// Span is an offset range into the filing's extracted text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Event is a classified occurrence detected in a filing.
type Event struct {
	Category    EventCategory `json:"category"`
	Description string        `json:"description"`
	RiskLevel   RiskLevel     `json:"risk_level"`
	SourceSpan  *Span         `json:"source_span,omitempty"`
}

// EntityMention is a named entity found in a filing. CanonicalEntityID is empty until resolved.
type EntityMention struct {
	RawName           string     `json:"raw_name"`
	EntityType        EntityType `json:"entity_type"`
	CanonicalEntityID string     `json:"canonical_entity_id,omitempty"`
}

// AnalysisRecord is the structured output for one (filing, lineage, model version).
// Events and Entities are always non-nil so an empty result serialises as [].
type AnalysisRecord struct {
	FilingID     string                    `json:"filing_id"`
	Lineage      int                       `json:"lineage"`
	Summary      string                    `json:"summary"`
	Events       []Event                   `json:"events"`
	Entities     []EntityMention           `json:"entities"`
	ModelVersion string                    `json:"model_version"`
	AnalyzedAt   time.Time                 `json:"analyzed_at"`
	Stages       map[StageName]StageStatus `json:"stages"`
}

// NewAnalysisRecord returns a record with empty, non-nil collections and every stage marked pending.
func NewAnalysisRecord(filingID string, lineage int, modelVersion string) AnalysisRecord {
	stages := make(map[StageName]StageStatus, len(Stages))
	for _, s := range Stages {
		stages[s] = StageStatus{Reason: "not run"}
	}
	return AnalysisRecord{
		FilingID:     filingID,
		Lineage:      lineage,
		Events:       []Event{},
		Entities:     []EntityMention{},
		ModelVersion: modelVersion,
		Stages:       stages,
	}
}

// Incomplete reports whether any stage was abandoned.
func (a AnalysisRecord) Incomplete() bool {
	for _, s := range Stages {
		if !a.Stages[s].Complete {
			return true
		}
	}
	return false
}

// IncompleteStages lists abandoned stages in execution order.
func (a AnalysisRecord) IncompleteStages() []StageName {
	var out []StageName
	for _, s := range Stages {
		if !a.Stages[s].Complete {
			out = append(out, s)
		}
	}
	return out
}

// MaxRisk returns the highest risk level among events, or "" when there are none.
func (a AnalysisRecord) MaxRisk() RiskLevel {
	var top RiskLevel
	for _, ev := range a.Events {
		if ev.RiskLevel.Rank() > top.Rank() {
			top = ev.RiskLevel
		}
	}
	return top
}

// Normalize restores the non-nil collection invariant after decoding.
func (a *AnalysisRecord) Normalize() {
	if a.Events == nil {
		a.Events = []Event{}
	}
	if a.Entities == nil {
		a.Entities = []EntityMention{}
	}
	if a.Stages == nil {
		a.Stages = map[StageName]StageStatus{}
	}
}

// EventRecord is the query-surface view of an event together with its filing.
type EventRecord struct {
	Event
	FilingID     string    `json:"filing_id"`
	Lineage      int       `json:"lineage"`
	ModelVersion string    `json:"model_version"`
	FilingType   string    `json:"filing_type"`
	CompanyName  string    `json:"company_name"`
	PublishedAt  time.Time `json:"published_at"`
}
