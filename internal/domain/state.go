package domain

import "time"

// ProcessingState enumerates pipeline milestones of a single filing lineage.
type ProcessingState string

const (
	StateDiscovered ProcessingState = "discovered"
	StateFetching   ProcessingState = "fetching"
	StateFetched    ProcessingState = "fetched"
	StateAnalyzing  ProcessingState = "analyzing"
	StateAnalyzed   ProcessingState = "analyzed"
	StateFailed     ProcessingState = "failed"
)

// transitions lists every legal move. Progress is strictly forward; failed may only
// return to discovered through an operator retry.
var transitions = map[ProcessingState][]ProcessingState{
	StateDiscovered: {StateFetching, StateFailed},
	StateFetching:   {StateFetched, StateFailed},
	StateFetched:    {StateAnalyzing, StateFailed},
	StateAnalyzing:  {StateAnalyzed, StateFailed},
	StateFailed:     {StateDiscovered},
}

// Valid reports whether s is a known state.
func (s ProcessingState) Valid() bool {
	switch s {
	case StateDiscovered, StateFetching, StateFetched, StateAnalyzing, StateAnalyzed, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether no automatic progress is possible from s.
func (s ProcessingState) Terminal() bool {
	return s == StateAnalyzed || s == StateFailed
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to ProcessingState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ProcessingRecord is the durable progress marker of one filing.
type ProcessingRecord struct {
	FilingID  string
	State     ProcessingState
	Lineage   int
	Cause     string
	UpdatedAt time.Time
}
