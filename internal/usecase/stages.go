package usecase

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"

	"FilingScanner/internal/domain"
)

// stage is one model-backed enrichment step: a prompt builder and a parser that validates the
// model's answer against the declared output shape.
type stage[T any] struct {
	name   domain.StageName
	schema string
	prompt func(strict bool) string
	parse  func(raw string) (T, error)
}

const strictSuffix = `

Your previous answer could not be parsed. Answer with exactly one JSON object that matches the
shape above. Do not add prose, comments or markdown fences. Use only the listed values for
enumerated fields.`

const (
	summarySchema  = `{"summary": string}`
	eventsSchema   = `{"events": [{"category": string, "description": string, "source_span": {"start": int, "end": int} | null}]}`
	entitiesSchema = `{"entities": [{"name": string, "type": "person" | "organization" | "instrument"}]}`
)

// filingContext is the part of the prompt shared by every stage.
type filingContext struct {
	ref  domain.FilingRef
	text string
}

func (c filingContext) header() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Form type: %s\n", c.ref.FilingType)
	if c.ref.CompanyName != "" {
		fmt.Fprintf(&b, "Company: %s (%s)\n", c.ref.CompanyName, c.ref.CompanyIdentifier)
	}
	fmt.Fprintf(&b, "Filed: %s\n", c.ref.PublishedAt.UTC().Format("2006-01-02"))
	return b.String()
}

func withStrict(prompt string, strict bool) string {
	if strict {
		return prompt + strictSuffix
	}
	return prompt
}

func summaryStage(fc filingContext, maxChars int) stage[string] {
	return stage[string]{
		name:   domain.StageSummarize,
		schema: summarySchema,
		prompt: func(strict bool) string {
			return withStrict(fmt.Sprintf(
				"%s\nSummarise the filing below for an investor in at most %d characters. "+
					"Lead with what happened and why it matters.\n\nFILING:\n%s",
				fc.header(), maxChars, fc.text), strict)
		},
		parse: func(raw string) (string, error) {
			var out struct {
				Summary *string `json:"summary"`
			}
			if err := decodeModelJSON(raw, &out); err != nil {
				return "", err
			}
			if out.Summary == nil || strings.TrimSpace(*out.Summary) == "" {
				return "", errors.New("summary is missing")
			}
			return truncateRunes(strings.TrimSpace(*out.Summary), maxChars), nil
		},
	}
}

func eventsStage(fc filingContext, summary string, rules *SeverityRules) stage[[]domain.Event] {
	categories := make([]string, len(domain.Categories))
	for i, c := range domain.Categories {
		categories[i] = string(c)
	}
	var hint string
	if typical := domain.TypicalEvents(fc.ref.FilingType); len(typical) > 0 {
		names := make([]string, len(typical))
		for i, c := range typical {
			names[i] = string(c)
		}
		hint = fmt.Sprintf("Filings of this form usually report: %s.\n", strings.Join(names, ", "))
	}
	textLen := utf8.RuneCountInString(fc.text)

	return stage[[]domain.Event]{
		name:   domain.StageEvents,
		schema: eventsSchema,
		prompt: func(strict bool) string {
			return withStrict(fmt.Sprintf(
				"%s%s\nList every material event the filing reports. Allowed categories: %s. "+
					"source_span is the character range of the supporting passage in the filing text, or null. "+
					"Return an empty list when nothing material is reported.\n\nSUMMARY:\n%s\n\nFILING:\n%s",
				fc.header(), hint, strings.Join(categories, ", "), summary, fc.text), strict)
		},
		parse: func(raw string) ([]domain.Event, error) {
			var out struct {
				Events *[]struct {
					Category    string       `json:"category"`
					Description string       `json:"description"`
					SourceSpan  *domain.Span `json:"source_span"`
				} `json:"events"`
			}
			if err := decodeModelJSON(raw, &out); err != nil {
				return nil, err
			}
			if out.Events == nil {
				return nil, errors.New("events list is missing")
			}
			events := make([]domain.Event, 0, len(*out.Events))
			for i, e := range *out.Events {
				category, ok := domain.ParseCategory(e.Category)
				if !ok {
					return nil, errors.Newf("event %d: unknown category %q", i, e.Category)
				}
				desc := strings.TrimSpace(e.Description)
				if desc == "" {
					return nil, errors.Newf("event %d: description is empty", i)
				}
				span := e.SourceSpan
				if span != nil && (span.Start < 0 || span.End < span.Start || span.End > textLen) {
					span = nil
				}
				events = append(events, domain.Event{
					Category:    category,
					Description: desc,
					RiskLevel:   rules.Assess(fc.ref.FilingType, category, desc),
					SourceSpan:  span,
				})
			}
			return events, nil
		},
	}
}

func entitiesStage(fc filingContext) stage[[]domain.EntityMention] {
	return stage[[]domain.EntityMention]{
		name:   domain.StageEntities,
		schema: entitiesSchema,
		prompt: func(strict bool) string {
			return withStrict(fmt.Sprintf(
				"%s\nList the people, organizations and financial instruments named in the filing. "+
					"Use each name as written. Return an empty list when there are none.\n\nFILING:\n%s",
				fc.header(), fc.text), strict)
		},
		parse: func(raw string) ([]domain.EntityMention, error) {
			var out struct {
				Entities *[]struct {
					Name string `json:"name"`
					Type string `json:"type"`
				} `json:"entities"`
			}
			if err := decodeModelJSON(raw, &out); err != nil {
				return nil, err
			}
			if out.Entities == nil {
				return nil, errors.New("entities list is missing")
			}
			seen := map[string]bool{}
			mentions := make([]domain.EntityMention, 0, len(*out.Entities))
			for _, e := range *out.Entities {
				name := strings.TrimSpace(e.Name)
				typ, ok := domain.ParseEntityType(e.Type)
				if name == "" || !ok {
					// Places, dates and other kinds are outside the entity taxonomy.
					continue
				}
				dedup := string(typ) + "|" + MatchKey(name)
				if seen[dedup] {
					continue
				}
				seen[dedup] = true
				mentions = append(mentions, domain.EntityMention{RawName: name, EntityType: typ})
			}
			return mentions, nil
		},
	}
}

// decodeModelJSON extracts the outermost JSON object from model output, tolerating markdown
// fences and surrounding prose.
func decodeModelJSON(raw string, v any) error {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return errors.Newf("no JSON object in model output %q", truncateRunes(raw, 80))
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), v); err != nil {
		return errors.Wrap(err, "decode model output")
	}
	return nil
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
