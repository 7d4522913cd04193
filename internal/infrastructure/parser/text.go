package parser

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"FilingScanner/internal/ports"
)

var (
	documentExpr = regexp.MustCompile(`(?is)<DOCUMENT>(.*?)</DOCUMENT>`)
	docTypeExpr  = regexp.MustCompile(`(?i)<TYPE>([^\r\n<]+)`)
	spaceExpr    = regexp.MustCompile(`\s+`)
)

// Exhibit types that carry binary or machine-readable payloads rather than prose.
var skippedDocTypes = []string{"GRAPHIC", "ZIP", "EXCEL", "PDF", "XML", "JSON", "EX-101"}

// HTMLText extracts readable text from filing content: plain HTML documents or EDGAR complete
// submission files with embedded <DOCUMENT> sections.
type HTMLText struct{}

var _ ports.TextExtractor = HTMLText{}

// Text returns whitespace-collapsed prose.
func (HTMLText) Text(raw []byte) (string, error) {
	docs := documentExpr.FindAllSubmatch(raw, -1)
	if len(docs) == 0 {
		return htmlToText(raw)
	}

	var parts []string
	for _, d := range docs {
		body := d[1]
		if m := docTypeExpr.FindSubmatch(body); m != nil && skipDocType(string(m[1])) {
			continue
		}
		text, err := htmlToText(body)
		if err != nil {
			return "", err
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func skipDocType(t string) bool {
	t = strings.ToUpper(strings.TrimSpace(t))
	for _, prefix := range skippedDocTypes {
		if strings.HasPrefix(t, prefix) {
			return true
		}
	}
	return false
}

func htmlToText(raw []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parse filing html: %w", err)
	}
	doc.Find("script, style, head").Remove()
	doc.Find("p, div, br, tr, li, h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	return strings.TrimSpace(spaceExpr.ReplaceAllString(doc.Text(), " ")), nil
}
