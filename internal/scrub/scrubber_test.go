package scrub

import (
	"strings"
	"testing"
)

func buildScrubber(t *testing.T, b *Builder, add func(*IdentifierSet)) *Scrubber {
	t.Helper()
	set := NewIdentifierSet()
	add(set)
	s, err := b.Build(set)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return s
}

func TestScrubNameAndDate(t *testing.T) {
	s := buildScrubber(t, NewBuilder(), func(set *IdentifierSet) {
		set.Add(KindName, "John")
		set.Add(KindDate, "1980-01-02")
	})

	got := s.Scrub("Seen John on 02/01/1980.")
	want := "Seen [REDACTED NAME] on [REDACTED DATE]."
	if got != want {
		t.Errorf("Scrub = %q, want %q", got, want)
	}
}

func TestScrubDateRepresentations(t *testing.T) {
	s := buildScrubber(t, NewBuilder(), func(set *IdentifierSet) {
		set.Add(KindDate, "1980-01-02")
	})

	for _, text := range []string{
		"dob 1980-01-02",
		"dob 02/01/1980",
		"dob 2 January 1980",
		"dob 2nd January 1980",
		"dob Jan 2, 1980",
		"dob 02/01/80",
	} {
		got := s.Scrub(text)
		if got != "dob [REDACTED DATE]" {
			t.Errorf("Scrub(%q) = %q", text, got)
		}
	}
}

func TestScrubNumberWithSeparators(t *testing.T) {
	s := buildScrubber(t, NewBuilder(), func(set *IdentifierSet) {
		set.Add(KindNumber, "9434765919")
	})

	got := s.Scrub("NHS no 943 476 5919 confirmed")
	want := "NHS no [REDACTED NUMBER] confirmed"
	if got != want {
		t.Errorf("Scrub = %q, want %q", got, want)
	}
}

func TestScrubCaseAndPossessive(t *testing.T) {
	s := buildScrubber(t, NewBuilder(), func(set *IdentifierSet) {
		set.Add(KindName, "Smith")
	})

	got := s.Scrub("SMITH attended; smith's wife waited outside. Smithson was not seen.")
	want := "[REDACTED NAME] attended; [REDACTED NAME] wife waited outside. Smithson was not seen."
	if got != want {
		t.Errorf("Scrub = %q, want %q", got, want)
	}
}

func TestScrubOverlappingMatchesLongestWins(t *testing.T) {
	s := buildScrubber(t, NewBuilder(), func(set *IdentifierSet) {
		set.Add(KindName, "Mary")
		set.Add(KindName, "Mary Jane")
	})

	got := s.Scrub("Patient Mary Jane arrived.")
	want := "Patient [REDACTED NAME] arrived."
	if got != want {
		t.Errorf("Scrub = %q, want %q", got, want)
	}
	if strings.Count(got, "[REDACTED NAME]") != 1 {
		t.Errorf("overlapping matches must collapse to one placeholder: %q", got)
	}
}

func TestScrubMinLengthSkipsShortValues(t *testing.T) {
	s := buildScrubber(t, NewBuilder(), func(set *IdentifierSet) {
		set.Add(KindName, "Jo")
	})

	text := "Jo was seen today"
	if got := s.Scrub(text); got != text {
		t.Errorf("short value should not be scrubbed, got %q", got)
	}
	if !s.Empty() {
		t.Error("scrubber built only from short values should be empty")
	}
}

func TestScrubDateExemptFromMinLength(t *testing.T) {
	b := NewBuilder()
	b.MinLength = 100
	s := buildScrubber(t, b, func(set *IdentifierSet) {
		set.Add(KindDate, "1980-01-02")
	})

	if s.Empty() {
		t.Fatal("dates must not be dropped by the minimum length rule")
	}
}

func TestScrubExtraWords(t *testing.T) {
	b := NewBuilder()
	b.ExtraWords = []string{"Ward 7"}
	s := buildScrubber(t, b, func(set *IdentifierSet) {})

	got := s.Scrub("Transferred to Ward 7 overnight.")
	want := "Transferred to [REDACTED WORD] overnight."
	if got != want {
		t.Errorf("Scrub = %q, want %q", got, want)
	}
}

func TestScrubCustomPlaceholder(t *testing.T) {
	b := NewBuilder()
	b.PlaceholderFormat = "<%s>"
	s := buildScrubber(t, b, func(set *IdentifierSet) {
		set.Add(KindPostcode, "SW1A 1AA")
	})

	got := s.Scrub("Lives near SW1A1AA.")
	want := "Lives near <POSTCODE>."
	if got != want {
		t.Errorf("Scrub = %q, want %q", got, want)
	}
}

func TestScrubEmptyInputsPassThrough(t *testing.T) {
	s := buildScrubber(t, NewBuilder(), func(set *IdentifierSet) {})

	if !s.Empty() {
		t.Fatal("scrubber built from an empty set should be empty")
	}
	if got := s.Scrub("no identifiers here"); got != "no identifiers here" {
		t.Errorf("empty scrubber changed text: %q", got)
	}
	if got := s.Scrub(""); got != "" {
		t.Errorf("Scrub(\"\") = %q", got)
	}
}

func TestIdentifierSet(t *testing.T) {
	set := NewIdentifierSet()
	set.Add(KindName, "Beta")
	set.Add(KindName, "Alpha")
	set.Add(KindName, "Alpha")
	set.Add(KindName, "   ")
	set.Add(KindDate, "1980-01-02")

	if set.Len() != 3 {
		t.Errorf("Len = %d, want 3", set.Len())
	}
	names := set.Values(KindName)
	if len(names) != 2 || names[0] != "Alpha" || names[1] != "Beta" {
		t.Errorf("Values(KindName) = %v", names)
	}
	kinds := set.Kinds()
	if len(kinds) != 2 || kinds[0] != KindDate || kinds[1] != KindName {
		t.Errorf("Kinds = %v", kinds)
	}
}
