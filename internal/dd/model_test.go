package dd

import "testing"

func TestParseDecision(t *testing.T) {
	tests := []struct {
		in   string
		want Decision
		ok   bool
	}{
		{"omit", Omit, true},
		{"include", IncludeVerbatim, true},
		{"scrub", IncludeScrubbed, true},
		{"pid", PrimaryPID, true},
		{"mpid", MasterPID, true},
		{"src_hash", AddSourceHash, true},
		{" SCRUB ", IncludeScrubbed, true},
		{"copy", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, err := ParseDecision(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseDecision(%q) err = %v, ok = %v", tt.in, err, tt.ok)
			continue
		}
		if tt.ok && got != tt.want {
			t.Errorf("ParseDecision(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsTextType(t *testing.T) {
	for _, dt := range []string{"text", "TEXT", "varchar", "varchar(255)", "char(8)", "clob", " text "} {
		if !IsTextType(dt) {
			t.Errorf("IsTextType(%q) = false", dt)
		}
	}
	for _, dt := range []string{"integer", "date", "numeric(10,2)", "bytea", ""} {
		if IsTextType(dt) {
			t.Errorf("IsTextType(%q) = true", dt)
		}
	}
}

func TestEntrySourceKey(t *testing.T) {
	e := &Entry{SourceDB: "pas", SourceTable: "patients", SourceField: "dob"}
	if got := e.SourceKey(); got != "pas.patients.dob" {
		t.Errorf("SourceKey = %q", got)
	}
}
