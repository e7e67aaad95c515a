package condense

import (
	"regexp"
	"strconv"
	"strings"
)

// Pattern-driven fact candidates. Best effort: precision is explicitly not
// guaranteed, the output only steers scoring and summaries.
var (
	dateRe = regexp.MustCompile(`\b\d{1,2}[/-]\d{1,2}[/-]\d{2,4}\b|\b\d{1,2}\s+(?:de\s+)?(?:jan|feb|fev|mar|apr|abr|may|mai|jun|jul|aug|ago|sep|set|oct|out|nov|dec|dez)\w*\.?\s+(?:de\s+)?\d{4}\b`)
	yearRe = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	// Currency, percentages, and numbers with measurement units.
	numberRe = regexp.MustCompile(`(?:[$€£]|R\$)\s?\d[\d.,]*|\b\d[\d.,]*\s?(?:%|km|kg|mm|cm|m[²2]?|mi|GB|MB|TB|MHz|GHz|°C|°F)\b`)
	// Capitalized multi-word phrases as coarse location/entity candidates.
	entityRe = regexp.MustCompile(`\b[A-ZÀ-Ý][a-zà-ÿ]+(?:\s+(?:de|da|do|dos|das|of|the)?\s?[A-ZÀ-Ý][a-zà-ÿ]+)+\b`)
)

const maxKeyFacts = 20

// ExtractKeyFacts pulls coarse factual fragments from markdown: explicit
// dates, plausible years, currency/percentage/measurement figures, and
// capitalized multi-word phrases. Capped at 20 entries.
func ExtractKeyFacts(markdown string) []string {
	var facts []string
	seen := make(map[string]bool)

	add := func(s string) bool {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return len(facts) < maxKeyFacts
		}
		seen[s] = true
		facts = append(facts, s)
		return len(facts) < maxKeyFacts
	}

	for _, m := range dateRe.FindAllString(markdown, -1) {
		if !add(m) {
			return facts
		}
	}
	for _, m := range yearRe.FindAllString(markdown, -1) {
		if y, err := strconv.Atoi(m); err == nil && y >= 1900 && y <= 2100 {
			if !add(m) {
				return facts
			}
		}
	}
	for _, m := range numberRe.FindAllString(markdown, -1) {
		if !add(m) {
			return facts
		}
	}
	for _, m := range entityRe.FindAllString(markdown, -1) {
		if !add(m) {
			return facts
		}
	}
	return facts
}
