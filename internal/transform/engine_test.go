package transform

import (
	"errors"
	"testing"
	"time"

	"github.com/ehr/deid/internal/dd"
	"github.com/ehr/deid/internal/pseudo"
	"github.com/ehr/deid/internal/scrub"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	pid, err := pseudo.NewHasher([]byte("pid-key"))
	if err != nil {
		t.Fatal(err)
	}
	mpid, err := pseudo.NewHasher([]byte("mpid-key"))
	if err != nil {
		t.Fatal(err)
	}
	return NewEngine(pid, mpid)
}

func entryWith(decision dd.Decision) *dd.Entry {
	return &dd.Entry{
		SourceDB:    "pas",
		SourceTable: "episodes",
		SourceField: "col",
		Decision:    decision,
		DestTable:   "episodes",
		DestField:   "col",
	}
}

func testScrubber(t *testing.T) *scrub.Scrubber {
	t.Helper()
	set := scrub.NewIdentifierSet()
	set.Add(scrub.KindName, "John")
	s, err := scrub.NewBuilder().Build(set)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestApplyOmit(t *testing.T) {
	e := newTestEngine(t)
	value, include, err := e.Apply(entryWith(dd.Omit), "secret", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if include || value != nil {
		t.Errorf("omit must drop the field, got (%v, %v)", value, include)
	}
}

func TestApplyIncludeVerbatim(t *testing.T) {
	e := newTestEngine(t)
	value, include, err := e.Apply(entryWith(dd.IncludeVerbatim), int64(42), nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if !include || value != int64(42) {
		t.Errorf("verbatim must pass the raw value through, got (%v, %v)", value, include)
	}
}

func TestApplyIncludeScrubbed(t *testing.T) {
	e := newTestEngine(t)
	value, include, err := e.Apply(entryWith(dd.IncludeScrubbed), "John came in", testScrubber(t), "")
	if err != nil {
		t.Fatal(err)
	}
	if !include {
		t.Fatal("scrubbed field must be included")
	}
	if value != "[REDACTED NAME] came in" {
		t.Errorf("value = %q", value)
	}
}

func TestApplyIncludeScrubbedNullPassesThrough(t *testing.T) {
	e := newTestEngine(t)
	value, include, err := e.Apply(entryWith(dd.IncludeScrubbed), nil, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if !include || value != nil {
		t.Errorf("null scrubbed value stays null, got (%v, %v)", value, include)
	}
}

func TestApplyIncludeScrubbedWithoutScrubberIsFatal(t *testing.T) {
	e := newTestEngine(t)
	_, _, err := e.Apply(entryWith(dd.IncludeScrubbed), "some note", nil, "")
	if !errors.Is(err, ErrScrubberUnavailable) {
		t.Fatalf("expected ErrScrubberUnavailable, got %v", err)
	}
	var rowErr *RowError
	if errors.As(err, &rowErr) {
		t.Fatal("a missing scrubber must not be demoted to a recoverable row error")
	}
}

func TestApplyPIDHashing(t *testing.T) {
	e := newTestEngine(t)

	v1, include, err := e.Apply(entryWith(dd.PrimaryPID), "patient-1", nil, "")
	if err != nil || !include {
		t.Fatalf("Apply pid: %v include=%v", err, include)
	}
	v2, _, _ := e.Apply(entryWith(dd.PrimaryPID), "patient-1", nil, "")
	if v1 != v2 {
		t.Error("same pid must map to the same rid")
	}
	v3, _, _ := e.Apply(entryWith(dd.PrimaryPID), "patient-2", nil, "")
	if v3 == v1 {
		t.Error("distinct pids must map to distinct rids")
	}
	if v1 == "patient-1" {
		t.Error("rid must not equal the raw pid")
	}

	m1, _, err := e.Apply(entryWith(dd.MasterPID), "patient-1", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if m1 == v1 {
		t.Error("rid and mrid spaces must be independent for the same value")
	}
}

func TestApplyPIDNullIsRowError(t *testing.T) {
	e := newTestEngine(t)
	for _, raw := range []any{nil, ""} {
		_, _, err := e.Apply(entryWith(dd.PrimaryPID), raw, nil, "")
		var rowErr *RowError
		if !errors.As(err, &rowErr) {
			t.Fatalf("raw=%v: expected RowError, got %v", raw, err)
		}
		if rowErr.Table != "episodes" || rowErr.Column != "col" {
			t.Errorf("row error context = %+v", rowErr)
		}
	}
}

func TestApplyMasterPIDWithoutHasher(t *testing.T) {
	pid, _ := pseudo.NewHasher([]byte("pid-key"))
	e := NewEngine(pid, nil)

	_, _, err := e.Apply(entryWith(dd.MasterPID), "patient-1", nil, "")
	if err == nil {
		t.Fatal("expected error when mpid hasher is not configured")
	}
}

func TestApplyAddSourceHash(t *testing.T) {
	e := newTestEngine(t)
	value, include, err := e.Apply(entryWith(dd.AddSourceHash), nil, nil, "abc123")
	if err != nil || !include {
		t.Fatalf("Apply: %v include=%v", err, include)
	}
	if value != "abc123" {
		t.Errorf("value = %v, want the row hash", value)
	}
}

func TestApplyUnknownDecision(t *testing.T) {
	e := newTestEngine(t)
	_, _, err := e.Apply(entryWith(dd.Decision("copy")), "x", nil, "")
	if err == nil {
		t.Fatal("an unknown decision must never pass the value through")
	}
}

func TestAsStringScanTypes(t *testing.T) {
	tests := []struct {
		raw  any
		want string
	}{
		{"abc", "abc"},
		{[]byte("abc"), "abc"},
		{int64(7), "7"},
		{int32(7), "7"},
		{7, "7"},
		{time.Date(1980, 1, 2, 0, 0, 0, 0, time.UTC), "1980-01-02"},
	}
	for _, tt := range tests {
		got, err := asString(tt.raw)
		if err != nil {
			t.Errorf("asString(%v): %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("asString(%v) = %q, want %q", tt.raw, got, tt.want)
		}
	}

	if _, err := asString(struct{}{}); err == nil {
		t.Error("expected error for unsupported scan type")
	}
}
