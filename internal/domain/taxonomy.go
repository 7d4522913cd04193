package domain

import "strings"

// EventCategory is the fixed event taxonomy.
type EventCategory string

const (
	CategoryManagementChange     EventCategory = "management-change"
	CategoryAcquisitionMerger    EventCategory = "acquisition-merger"
	CategoryDivestiture          EventCategory = "divestiture"
	CategoryFinancialResults     EventCategory = "financial-results"
	CategoryRegulatoryIssue      EventCategory = "regulatory-issue"
	CategoryLegalSettlement      EventCategory = "legal-settlement"
	CategoryStockBuyback         EventCategory = "stock-buyback"
	CategoryDividendAnnouncement EventCategory = "dividend-announcement"
	CategoryDefaultBankruptcy    EventCategory = "default-bankruptcy"
	CategoryStrategicPartnership EventCategory = "strategic-partnership"
	CategoryProductLaunch        EventCategory = "product-launch"
	CategoryRestructuring        EventCategory = "restructuring"
	CategoryInsiderTrading       EventCategory = "insider-trading"
	CategoryAccountingChange     EventCategory = "accounting-change"
	CategoryOtherMaterialEvent   EventCategory = "other-material-event"
)

// Categories lists the taxonomy in prompt order.
var Categories = []EventCategory{
	CategoryManagementChange,
	CategoryAcquisitionMerger,
	CategoryDivestiture,
	CategoryFinancialResults,
	CategoryRegulatoryIssue,
	CategoryLegalSettlement,
	CategoryStockBuyback,
	CategoryDividendAnnouncement,
	CategoryDefaultBankruptcy,
	CategoryStrategicPartnership,
	CategoryProductLaunch,
	CategoryRestructuring,
	CategoryInsiderTrading,
	CategoryAccountingChange,
	CategoryOtherMaterialEvent,
}

// ParseCategory normalises model output ("Acquisition/Merger", "acquisition_merger") onto the
// taxonomy. Unknown values are reported with ok=false.
func ParseCategory(raw string) (EventCategory, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("_", "-", "/", "-", " ", "-", "&", "-").Replace(s)
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	switch s {
	case "bankruptcy", "default", "bankruptcy-default":
		return CategoryDefaultBankruptcy, true
	case "merger", "acquisition", "merger-acquisition", "m-a":
		return CategoryAcquisitionMerger, true
	case "earnings", "results":
		return CategoryFinancialResults, true
	case "other", "material-event":
		return CategoryOtherMaterialEvent, true
	}
	for _, c := range Categories {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// RiskLevel ranks event severity.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels; unknown levels rank 0.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	}
	return 0
}

// ParseRiskLevel accepts any case; ok is false for unknown values.
func ParseRiskLevel(raw string) (RiskLevel, bool) {
	r := RiskLevel(strings.ToLower(strings.TrimSpace(raw)))
	return r, r.Rank() > 0
}

// EntityType enumerates the kinds of named entities extracted from filings.
type EntityType string

const (
	EntityPerson       EntityType = "person"
	EntityOrganization EntityType = "organization"
	EntityInstrument   EntityType = "instrument"
)

// EntityTypes lists every entity type.
var EntityTypes = []EntityType{EntityPerson, EntityOrganization, EntityInstrument}

// Valid reports whether t is an enumerated type.
func (t EntityType) Valid() bool {
	return t == EntityPerson || t == EntityOrganization || t == EntityInstrument
}

// ParseEntityType maps common synonyms onto the enumerated types.
func ParseEntityType(raw string) (EntityType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "person", "people", "individual", "executive":
		return EntityPerson, true
	case "organization", "organisation", "company", "corporation", "org":
		return EntityOrganization, true
	case "instrument", "security", "financial_instrument", "financial-instrument", "ticker":
		return EntityInstrument, true
	}
	return "", false
}

// TypicalEvents gives the event categories usually found in a form type. Used as prompt hints.
func TypicalEvents(formType string) []EventCategory {
	switch strings.ToUpper(strings.TrimSpace(formType)) {
	case "8-K", "8-K/A":
		return []EventCategory{CategoryManagementChange, CategoryAcquisitionMerger, CategoryFinancialResults,
			CategoryLegalSettlement, CategoryRegulatoryIssue, CategoryDefaultBankruptcy}
	case "10-Q", "10-Q/A":
		return []EventCategory{CategoryFinancialResults, CategoryAccountingChange, CategoryLegalSettlement}
	case "10-K", "10-K/A":
		return []EventCategory{CategoryFinancialResults, CategoryRestructuring, CategoryAccountingChange,
			CategoryRegulatoryIssue}
	case "4":
		return []EventCategory{CategoryInsiderTrading}
	case "SC 13D", "13D":
		return []EventCategory{CategoryAcquisitionMerger, CategoryStrategicPartnership}
	}
	return nil
}
