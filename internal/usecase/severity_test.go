package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FilingScanner/internal/config"
	"FilingScanner/internal/domain"
)

func TestSeverityAssess(t *testing.T) {
	t.Parallel()

	rules, err := NewSeverityRules(config.Defaults().Severity)
	require.NoError(t, err)

	tests := []struct {
		name     string
		form     string
		category domain.EventCategory
		desc     string
		want     domain.RiskLevel
	}{
		{name: "quarterly results", form: "10-Q", category: domain.CategoryFinancialResults, desc: "Revenue grew 4%", want: domain.RiskLow},
		{name: "amended quarterly results", form: "10-q/a", category: domain.CategoryFinancialResults, desc: "Revenue restated upward", want: domain.RiskLow},
		{name: "current report results", form: "8-K", category: domain.CategoryFinancialResults, desc: "Preliminary results", want: domain.RiskMedium},
		{name: "management change", form: "8-K", category: domain.CategoryManagementChange, desc: "CFO appointed", want: domain.RiskMedium},
		{name: "going concern keyword", form: "10-Q", category: domain.CategoryFinancialResults, desc: "Auditor raised substantial doubt about the Going  Concern assumption", want: domain.RiskCritical},
		{name: "keyword needs word boundary", form: "8-K", category: domain.CategoryLegalSettlement, desc: "Claims settled; the defaulted party paid", want: domain.RiskMedium},
		{name: "bankruptcy category", form: "8-K", category: domain.CategoryDefaultBankruptcy, desc: "Filed a petition", want: domain.RiskCritical},
		{name: "unmapped category", form: "S-1", category: domain.EventCategory("unmapped"), desc: "x", want: domain.RiskLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, rules.Assess(tt.form, tt.category, tt.desc))
		})
	}
}

func TestNewSeverityRulesRejectsUnknownValues(t *testing.T) {
	t.Parallel()

	_, err := NewSeverityRules(config.SeverityConfig{Categories: map[string]string{"weather": "high"}})
	assert.Error(t, err)

	_, err = NewSeverityRules(config.SeverityConfig{Categories: map[string]string{"restructuring": "severe"}})
	assert.Error(t, err)

	_, err = NewSeverityRules(config.SeverityConfig{Forms: map[string]map[string]string{"8-K": {"weather": "low"}}})
	assert.Error(t, err)
}
