package scrub

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// The variant rules below are deliberately data-driven: each kind has a
// table of representations, and patternsFor expands one known value into
// the regular expressions that match those representations in free text.
// Widening the tables widens what counts as a safe scrub; each layout is
// unit-tested independently.

// DateParseLayouts are the layouts accepted when interpreting a gathered
// date value (e.g. a date-of-birth column read as text).
var DateParseLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"02/01/2006",
	"02-01-2006",
	"02.01.2006",
	"2/1/2006",
	"01/02/2006",
	"2 January 2006",
	"2 Jan 2006",
	"January 2, 2006",
	"Jan 2, 2006",
}

// DateScrubLayouts are the representations a date is matched against once
// known. Day/month/year permutations, separator choices and month names
// all collapse to the same redaction.
var DateScrubLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"02/01/2006",
	"02-01-2006",
	"02.01.2006",
	"02 01 2006",
	"2/1/2006",
	"2-1-2006",
	"2.1.2006",
	"01/02/2006",
	"01-02-2006",
	"1/2/2006",
	"02/01/06",
	"2/1/06",
	"2 January 2006",
	"02 January 2006",
	"2 Jan 2006",
	"02 Jan 2006",
	"2nd January 2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"January 2 2006",
	"Jan 2 2006",
}

// ParseDate interprets a gathered date value. The bool result is false when
// no accepted layout matches.
func ParseDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	for _, layout := range DateParseLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ordinalDay renders "2nd", "21st" etc. for the day-with-suffix layout.
func ordinalDay(day int) string {
	suffix := "th"
	switch {
	case day%100 >= 11 && day%100 <= 13:
	case day%10 == 1:
		suffix = "st"
	case day%10 == 2:
		suffix = "nd"
	case day%10 == 3:
		suffix = "rd"
	}
	return strconv.Itoa(day) + suffix
}

// dateVariants renders every scrub layout for one date, deduplicated.
func dateVariants(t time.Time) []string {
	seen := make(map[string]bool)
	var out []string
	for _, layout := range DateScrubLayouts {
		var s string
		if strings.Contains(layout, "2nd") {
			s = strings.Replace(t.Format(strings.Replace(layout, "2nd", "\x00", 1)), "\x00", ordinalDay(t.Day()), 1)
		} else {
			s = t.Format(layout)
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// digitsOf strips everything but digits from a numeric identifier.
func digitsOf(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// numberPattern matches a digit sequence with optional single spaces or
// dashes between digits, so "9434765919" also catches "943 476 5919".
func numberPattern(digits string) string {
	parts := make([]string, len(digits))
	for i := 0; i < len(digits); i++ {
		parts[i] = string(digits[i])
	}
	return `\b` + strings.Join(parts, `[ \-]?`) + `\b`
}

// wordPattern matches a literal as a case-insensitive whole word with an
// optional possessive.
func wordPattern(value string) string {
	return `(?i)\b` + regexp.QuoteMeta(value) + `(?:'s)?\b`
}

// postcodePattern matches a UK-style postcode with or without its internal
// space.
func postcodePattern(value string) string {
	compact := strings.ToUpper(strings.ReplaceAll(value, " ", ""))
	if len(compact) < 5 {
		return `(?i)\b` + regexp.QuoteMeta(compact) + `\b`
	}
	outward := compact[:len(compact)-3]
	inward := compact[len(compact)-3:]
	return `(?i)\b` + regexp.QuoteMeta(outward) + `\s?` + regexp.QuoteMeta(inward) + `\b`
}

// patternsFor expands one identifier value into its regex pattern sources.
// A value with no usable representation (e.g. an unparseable date) yields
// the literal whole-word pattern as a fallback rather than nothing:
// failing open on a known identifier is a leak.
func patternsFor(kind Kind, value string) []string {
	switch kind {
	case KindDate:
		t, ok := ParseDate(value)
		if !ok {
			return []string{wordPattern(value)}
		}
		variants := dateVariants(t)
		patterns := make([]string, len(variants))
		for i, v := range variants {
			patterns[i] = `(?i)\b` + regexp.QuoteMeta(v) + `\b`
		}
		return patterns
	case KindNumber, KindPhone:
		digits := digitsOf(value)
		if digits == "" {
			return []string{wordPattern(value)}
		}
		return []string{numberPattern(digits)}
	case KindPostcode:
		return []string{postcodePattern(value)}
	case KindEmail:
		return []string{`(?i)` + regexp.QuoteMeta(strings.TrimSpace(value))}
	default: // KindName, KindWord
		return []string{wordPattern(value)}
	}
}
