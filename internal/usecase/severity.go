package usecase

import (
	"fmt"
	"regexp"
	"strings"

	"FilingScanner/internal/config"
	"FilingScanner/internal/domain"
)

// SeverityRules assigns risk levels to detected events. Any critical keyword in the description
// escalates to critical; otherwise a per-form override wins over the category default.
type SeverityRules struct {
	categories map[domain.EventCategory]domain.RiskLevel
	forms      map[string]map[domain.EventCategory]domain.RiskLevel
	keywords   []*regexp.Regexp
}

// NewSeverityRules validates cfg into rules.
func NewSeverityRules(cfg config.SeverityConfig) (*SeverityRules, error) {
	categories, err := parseLevels(cfg.Categories)
	if err != nil {
		return nil, fmt.Errorf("severity categories: %w", err)
	}
	forms := make(map[string]map[domain.EventCategory]domain.RiskLevel, len(cfg.Forms))
	for form, levels := range cfg.Forms {
		parsed, err := parseLevels(levels)
		if err != nil {
			return nil, fmt.Errorf("severity form %s: %w", form, err)
		}
		forms[normalizeForm(form)] = parsed
	}
	var keywords []*regexp.Regexp
	for _, kw := range cfg.CriticalKeywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		words := strings.Fields(regexp.QuoteMeta(kw))
		keywords = append(keywords, regexp.MustCompile(`(?i)\b`+strings.Join(words, `\s+`)+`\b`))
	}
	return &SeverityRules{categories: categories, forms: forms, keywords: keywords}, nil
}

func parseLevels(raw map[string]string) (map[domain.EventCategory]domain.RiskLevel, error) {
	out := make(map[domain.EventCategory]domain.RiskLevel, len(raw))
	for c, l := range raw {
		category, ok := domain.ParseCategory(c)
		if !ok {
			return nil, fmt.Errorf("unknown category %q", c)
		}
		level, ok := domain.ParseRiskLevel(l)
		if !ok {
			return nil, fmt.Errorf("unknown risk level %q for %s", l, c)
		}
		out[category] = level
	}
	return out, nil
}

// Assess returns the risk level of one event.
func (r *SeverityRules) Assess(form string, category domain.EventCategory, description string) domain.RiskLevel {
	for _, kw := range r.keywords {
		if kw.MatchString(description) {
			return domain.RiskCritical
		}
	}
	if overrides, ok := r.forms[normalizeForm(form)]; ok {
		if level, ok := overrides[category]; ok {
			return level
		}
	}
	if level, ok := r.categories[category]; ok {
		return level
	}
	return domain.RiskLow
}

// normalizeForm maps amendments onto their base form: "10-q/a" -> "10-Q".
func normalizeForm(form string) string {
	form = strings.ToUpper(strings.TrimSpace(form))
	return strings.TrimSuffix(form, "/A")
}
