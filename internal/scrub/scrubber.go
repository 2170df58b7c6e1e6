package scrub

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const (
	// DefaultMinLength excludes short fragments (initials, one-letter name
	// parts) whose redaction would destroy ordinary words.
	DefaultMinLength = 3

	// DefaultPlaceholderFormat renders the redaction marker. The single
	// %s verb receives the upper-cased identifier kind.
	DefaultPlaceholderFormat = "[REDACTED %s]"
)

// Builder compiles a patient's IdentifierSet into a Scrubber.
type Builder struct {
	// MinLength excludes name/word/number values shorter than this many
	// characters. Dates are exempt: they are expanded from a parsed value,
	// not matched as raw fragments.
	MinLength int
	// PlaceholderFormat must contain one %s verb for the kind tag.
	PlaceholderFormat string
	// ExtraWords are site-configured always-redact words added to every
	// scrubber regardless of patient.
	ExtraWords []string
}

// NewBuilder returns a Builder with the default policy.
func NewBuilder() *Builder {
	return &Builder{
		MinLength:         DefaultMinLength,
		PlaceholderFormat: DefaultPlaceholderFormat,
	}
}

type pattern struct {
	re   *regexp.Regexp
	kind Kind
}

// Scrubber is the compiled matcher for one patient. It is immutable once
// built and owned exclusively by the worker processing that patient.
type Scrubber struct {
	patterns          []pattern
	placeholderFormat string
}

// Build compiles the identifier set. Construction fails only on an invalid
// generated pattern, which indicates a defect in the variant tables.
func (b *Builder) Build(set *IdentifierSet) (*Scrubber, error) {
	minLen := b.MinLength
	if minLen <= 0 {
		minLen = DefaultMinLength
	}
	format := b.PlaceholderFormat
	if format == "" {
		format = DefaultPlaceholderFormat
	}

	s := &Scrubber{placeholderFormat: format}
	add := func(kind Kind, value string) error {
		if kind != KindDate && len(strings.TrimSpace(value)) < minLen {
			return nil
		}
		for _, src := range patternsFor(kind, value) {
			re, err := regexp.Compile(src)
			if err != nil {
				return fmt.Errorf("compile scrub pattern for %s value: %w", kind, err)
			}
			s.patterns = append(s.patterns, pattern{re: re, kind: kind})
		}
		return nil
	}

	for _, kind := range set.Kinds() {
		for _, value := range set.Values(kind) {
			if err := add(kind, value); err != nil {
				return nil, err
			}
		}
	}
	for _, w := range b.ExtraWords {
		if err := add(KindWord, w); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Empty reports whether the scrubber has no patterns at all.
func (s *Scrubber) Empty() bool { return len(s.patterns) == 0 }

// Placeholder returns the redaction marker for one kind.
func (s *Scrubber) Placeholder(kind Kind) string {
	return fmt.Sprintf(s.placeholderFormat, strings.ToUpper(string(kind)))
}

type match struct {
	start, end int
	kind       Kind
}

// Scrub replaces every occurrence of the patient's known identifiers, in
// any supported representation, with the kind-tagged placeholder. Matches
// are resolved in a single left-to-right pass: at a given start offset the
// longest match wins, and overlapping later matches are dropped.
func (s *Scrubber) Scrub(text string) string {
	if text == "" || len(s.patterns) == 0 {
		return text
	}

	var matches []match
	for _, p := range s.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			matches = append(matches, match{start: loc[0], end: loc[1], kind: p.kind})
		}
	}
	if len(matches) == 0 {
		return text
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].start != matches[j].start {
			return matches[i].start < matches[j].start
		}
		return matches[i].end > matches[j].end
	})

	var b strings.Builder
	cursor := 0
	for _, m := range matches {
		if m.start < cursor {
			continue
		}
		b.WriteString(text[cursor:m.start])
		b.WriteString(s.Placeholder(m.kind))
		cursor = m.end
	}
	b.WriteString(text[cursor:])
	return b.String()
}
