package scrub

import (
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a patient identifier value. The kind selects the variant
// rules used to match the value inside free text, and tags the redaction
// placeholder written in its place.
type Kind string

const (
	KindName     Kind = "name"
	KindDate     Kind = "date"
	KindNumber   Kind = "number"
	KindPostcode Kind = "postcode"
	KindPhone    Kind = "phone"
	KindEmail    Kind = "email"
	KindWord     Kind = "word"
)

// ParseKind maps a data dictionary cell to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindName:
		return KindName, nil
	case KindDate:
		return KindDate, nil
	case KindNumber:
		return KindNumber, nil
	case KindPostcode:
		return KindPostcode, nil
	case KindPhone:
		return KindPhone, nil
	case KindEmail:
		return KindEmail, nil
	case KindWord:
		return KindWord, nil
	}
	return "", fmt.Errorf("unknown identifier kind %q", s)
}

// IdentifierSet holds the known identifying values of one patient, grouped
// by kind. It is built fresh for each patient during the gather phase and
// discarded once that patient's rows are written. Never persisted.
type IdentifierSet struct {
	values map[Kind]map[string]bool
}

// NewIdentifierSet returns an empty set.
func NewIdentifierSet() *IdentifierSet {
	return &IdentifierSet{values: make(map[Kind]map[string]bool)}
}

// Add records one identifying value. Empty and whitespace-only values are
// ignored.
func (s *IdentifierSet) Add(kind Kind, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	if s.values[kind] == nil {
		s.values[kind] = make(map[string]bool)
	}
	s.values[kind][value] = true
}

// Values returns the distinct values of one kind, sorted for deterministic
// scrubber construction.
func (s *IdentifierSet) Values(kind Kind) []string {
	out := make([]string, 0, len(s.values[kind]))
	for v := range s.values[kind] {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Kinds returns the kinds with at least one value, sorted.
func (s *IdentifierSet) Kinds() []Kind {
	out := make([]Kind, 0, len(s.values))
	for k := range s.values {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the total number of distinct values across all kinds.
func (s *IdentifierSet) Len() int {
	n := 0
	for _, vs := range s.values {
		n += len(vs)
	}
	return n
}
