package scrub

import (
	"regexp"
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	want := time.Date(1980, time.January, 2, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		value string
		ok    bool
	}{
		{"1980-01-02", true},
		{"02/01/1980", true},
		{"02-01-1980", true},
		{"02.01.1980", true},
		{"2/1/1980", true},
		{"2 January 1980", true},
		{"2 Jan 1980", true},
		{"January 2, 1980", true},
		{"  1980-01-02  ", true},
		{"not a date", false},
		{"", false},
		{"32/13/1980", false},
	}

	for _, tt := range tests {
		got, ok := ParseDate(tt.value)
		if ok != tt.ok {
			t.Errorf("ParseDate(%q) ok = %v, want %v", tt.value, ok, tt.ok)
			continue
		}
		if ok && !got.Equal(want) {
			t.Errorf("ParseDate(%q) = %v, want %v", tt.value, got, want)
		}
	}
}

func TestOrdinalDay(t *testing.T) {
	tests := []struct {
		day  int
		want string
	}{
		{1, "1st"},
		{2, "2nd"},
		{3, "3rd"},
		{4, "4th"},
		{11, "11th"},
		{12, "12th"},
		{13, "13th"},
		{21, "21st"},
		{22, "22nd"},
		{23, "23rd"},
		{30, "30th"},
		{31, "31st"},
	}
	for _, tt := range tests {
		if got := ordinalDay(tt.day); got != tt.want {
			t.Errorf("ordinalDay(%d) = %q, want %q", tt.day, got, tt.want)
		}
	}
}

func TestDateVariants(t *testing.T) {
	d := time.Date(1980, time.January, 2, 0, 0, 0, 0, time.UTC)
	variants := dateVariants(d)

	got := make(map[string]bool, len(variants))
	for _, v := range variants {
		got[v] = true
	}

	for _, want := range []string{
		"1980-01-02",
		"02/01/1980",
		"2/1/1980",
		"01/02/1980",
		"02/01/80",
		"2 January 1980",
		"2 Jan 1980",
		"2nd January 1980",
		"January 2, 1980",
		"Jan 2 1980",
	} {
		if !got[want] {
			t.Errorf("dateVariants missing %q (have %v)", want, variants)
		}
	}

	seen := make(map[string]bool)
	for _, v := range variants {
		if seen[v] {
			t.Errorf("dateVariants returned duplicate %q", v)
		}
		seen[v] = true
	}
}

func TestNumberPattern(t *testing.T) {
	re := regexp.MustCompile(numberPattern("9434765919"))

	for _, s := range []string{"9434765919", "943 476 5919", "943-476-5919"} {
		if !re.MatchString(s) {
			t.Errorf("number pattern should match %q", s)
		}
	}
	for _, s := range []string{"99434765919", "94347659190", "943476591"} {
		if re.MatchString(s) {
			t.Errorf("number pattern should not match %q", s)
		}
	}
}

func TestWordPattern(t *testing.T) {
	re := regexp.MustCompile(wordPattern("Smith"))

	for _, s := range []string{"Smith", "smith", "SMITH", "Smith's", "saw Smith today"} {
		if !re.MatchString(s) {
			t.Errorf("word pattern should match %q", s)
		}
	}
	for _, s := range []string{"Smithson", "blacksmith"} {
		if re.MatchString(s) {
			t.Errorf("word pattern should not match %q", s)
		}
	}
}

func TestPostcodePattern(t *testing.T) {
	re := regexp.MustCompile(postcodePattern("SW1A 1AA"))

	for _, s := range []string{"SW1A 1AA", "SW1A1AA", "sw1a 1aa"} {
		if !re.MatchString(s) {
			t.Errorf("postcode pattern should match %q", s)
		}
	}
	if re.MatchString("SW1A 1AB") {
		t.Error("postcode pattern should not match a different postcode")
	}
}

func TestPatternsForUnparseableDate(t *testing.T) {
	patterns := patternsFor(KindDate, "unknown-dob")
	if len(patterns) != 1 {
		t.Fatalf("expected a single fallback pattern, got %d", len(patterns))
	}
	re := regexp.MustCompile(patterns[0])
	if !re.MatchString("dob recorded as unknown-dob here") {
		t.Error("fallback pattern should match the literal value")
	}
}
