package usecase

import (
	"strings"
	"unicode"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	folder     = cases.Fold()
	stripMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// Corporate designators collapse onto one spelling so "Corporation" and "CORP." share a key.
var designators = map[string]string{
	"corporation":  "corp",
	"corp":         "corp",
	"incorporated": "inc",
	"inc":          "inc",
	"company":      "co",
	"co":           "co",
	"limited":      "ltd",
	"ltd":          "ltd",
	"llc":          "llc",
	"plc":          "plc",
	"lp":           "lp",
	"holdings":     "holdings",
	"group":        "group",
	"sa":           "sa",
	"ag":           "ag",
	"nv":           "nv",
}

// MatchKey folds a name for comparison: diacritics and case are removed, punctuation becomes
// spacing, "&" reads as "and", corporate designators are canonicalised and a leading "the" is dropped.
func MatchKey(name string) string {
	s, _, err := transform.String(stripMarks, name)
	if err != nil {
		s = name
	}
	s = folder.String(s)
	s = strings.ReplaceAll(s, "&", " and ")
	// "l.l.c." and "u.s." lose their dots before tokenising so they stay one token.
	s = strings.ReplaceAll(s, ".", "")

	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) > 1 && tokens[0] == "the" {
		tokens = tokens[1:]
	}
	for i, tok := range tokens {
		if d, ok := designators[tok]; ok {
			tokens[i] = d
		}
	}
	return strings.Join(tokens, " ")
}

// Similarity scores two match keys in [0, 1]: the larger of the normalised Levenshtein ratio and
// the overlap of their tokens once corporate designators are set aside. Token overlap only counts
// when both names keep at least minCoreTokens tokens, so "apple inc" and "apple corp holdings"
// are left to the edit distance.
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	return max(levenshteinRatio(a, b), coreOverlap(a, b))
}

func levenshteinRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	return 1 - float64(fuzzy.LevenshteinDistance(a, b))/float64(longest)
}

const minCoreTokens = 2

// coreOverlap is the Jaccard index of non-designator tokens.
func coreOverlap(a, b string) float64 {
	ta, tb := coreTokens(a), coreTokens(b)
	if len(ta) < minCoreTokens || len(tb) < minCoreTokens {
		return 0
	}
	shared := 0
	for tok := range ta {
		if tb[tok] {
			shared++
		}
	}
	return float64(shared) / float64(len(ta)+len(tb)-shared)
}

func coreTokens(key string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.Fields(key) {
		if _, ok := designators[tok]; ok {
			continue
		}
		out[tok] = true
	}
	return out
}

// isBetterName reports whether candidate should replace current as a display name.
// Mixed case beats ALL CAPS; otherwise the longer name wins unless it is implausibly long.
func isBetterName(candidate, current string) bool {
	if candidate == "" {
		return false
	}
	if current == "" {
		return true
	}

	candidateCaps := candidate == strings.ToUpper(candidate) && len(candidate) > 1
	currentCaps := current == strings.ToUpper(current) && len(current) > 1
	if !candidateCaps && currentCaps {
		return true
	}
	if candidateCaps && !currentCaps {
		return false
	}

	return len(candidate) > len(current) && len(candidate) < 80 && len(candidate) < len(current)*3
}
