package dd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ehr/deid/internal/scrub"
)

// ValidationError reports a malformed data dictionary. It is always fatal:
// a run must not start with a dictionary that could mis-declare a scrub
// directive, since that is an information-leak risk rather than a
// data-quality bug.
type ValidationError struct {
	Line int // 1-based data line, 0 when the problem spans the file
	Msg  string
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("data dictionary line %d: %s", e.Line, e.Msg)
	}
	return "data dictionary: " + e.Msg
}

// Expected header columns, in any order. Matching is by name so that
// human-edited dictionaries can reorder or append columns.
const (
	colSourceDB       = "src_db"
	colSourceTable    = "src_table"
	colSourceField    = "src_field"
	colSourceDatatype = "src_datatype"
	colDecision       = "decision"
	colScrubSource    = "scrub_src"
	colScrubKind      = "scrub_kind"
	colDestTable      = "dest_table"
	colDestField      = "dest_field"
	colDestDatatype   = "dest_datatype"
	colIndex          = "index"
	colComment        = "comment"
)

var requiredColumns = []string{
	colSourceDB, colSourceTable, colSourceField, colSourceDatatype,
	colDecision, colDestTable, colDestField,
}

// Load reads and validates a delimited data dictionary file. Tab-separated
// for .tsv, comma-separated otherwise. Any violation is fatal.
func Load(path string) (*Dictionary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open data dictionary: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	if strings.EqualFold(filepath.Ext(path), ".tsv") {
		// TrimLeadingSpace would swallow empty tab-separated cells, since
		// encoding/csv skips leading white space even when Comma is a tab.
		// Each cell is trimmed individually below, so nothing is lost.
		r.Comma = '\t'
	} else {
		r.TrimLeadingSpace = true
	}

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read data dictionary header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range requiredColumns {
		if _, ok := cols[required]; !ok {
			return nil, &ValidationError{Msg: fmt.Sprintf("missing required column %q", required)}
		}
	}

	cell := func(record []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var entries []*Entry
	line := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read data dictionary: %w", err)
		}
		line++

		e := &Entry{
			SourceDB:       cell(record, colSourceDB),
			SourceTable:    cell(record, colSourceTable),
			SourceField:    cell(record, colSourceField),
			SourceDatatype: cell(record, colSourceDatatype),
			DestTable:      cell(record, colDestTable),
			DestField:      cell(record, colDestField),
			DestDatatype:   cell(record, colDestDatatype),
			IdentifierKind: cell(record, colScrubKind),
			Comment:        cell(record, colComment),
		}
		if e.SourceDB == "" || e.SourceTable == "" || e.SourceField == "" {
			return nil, &ValidationError{Line: line, Msg: "source db, table and field are required"}
		}

		e.Decision, err = ParseDecision(cell(record, colDecision))
		if err != nil {
			return nil, &ValidationError{Line: line, Msg: err.Error()}
		}
		e.IsPatientIdentifier, err = parseBool(cell(record, colScrubSource))
		if err != nil {
			return nil, &ValidationError{Line: line, Msg: fmt.Sprintf("scrub_src: %v", err)}
		}
		e.IndexRequested, err = parseBool(cell(record, colIndex))
		if err != nil {
			return nil, &ValidationError{Line: line, Msg: fmt.Sprintf("index: %v", err)}
		}

		if err := validateEntry(e); err != nil {
			return nil, &ValidationError{Line: line, Msg: err.Error()}
		}
		entries = append(entries, e)
	}

	return build(entries)
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "", "0", "n", "no", "false":
		return false, nil
	case "1", "y", "yes", "true":
		return true, nil
	}
	return false, fmt.Errorf("not a boolean: %q", s)
}

func validateEntry(e *Entry) error {
	if e.Decision != Omit {
		if e.DestTable == "" || e.DestField == "" {
			return fmt.Errorf("%s: destination table and field are required unless omitted", e.SourceKey())
		}
	}
	if e.Decision == IncludeScrubbed && !IsTextType(e.SourceDatatype) {
		return fmt.Errorf("%s: scrub declared on non-text datatype %q", e.SourceKey(), e.SourceDatatype)
	}
	if e.IsPatientIdentifier {
		if e.IdentifierKind == "" {
			return fmt.Errorf("%s: scrub_src requires scrub_kind", e.SourceKey())
		}
		if _, err := scrub.ParseKind(e.IdentifierKind); err != nil {
			return fmt.Errorf("%s: %v", e.SourceKey(), err)
		}
	}
	return nil
}

// build indexes the entries and enforces the cross-entry invariants.
func build(entries []*Entry) (*Dictionary, error) {
	if len(entries) == 0 {
		return nil, &ValidationError{Msg: "no entries"}
	}

	d := &Dictionary{
		entries:       entries,
		bySourceTable: make(map[string][]*Entry),
		pidColumn:     make(map[string]*Entry),
	}

	seenSource := make(map[string]bool)
	seenDest := make(map[string]bool)
	destOf := make(map[string]string)
	masterPID := make(map[string]bool)

	for _, e := range entries {
		key := e.SourceKey()
		if seenSource[key] {
			return nil, &ValidationError{Msg: fmt.Sprintf("duplicate source column %s", key)}
		}
		seenSource[key] = true
		d.bySourceTable[e.sourceTableKey()] = append(d.bySourceTable[e.sourceTableKey()], e)

		if e.Decision != Omit {
			destKey := e.DestTable + "." + e.DestField
			if seenDest[destKey] {
				return nil, &ValidationError{Msg: fmt.Sprintf("duplicate destination field %s", destKey)}
			}
			seenDest[destKey] = true

			// A source row is transformed into exactly one destination
			// row, so all of a table's kept columns must land in the
			// same destination table; a split would strand the row's
			// rid.
			if prev, ok := destOf[e.sourceTableKey()]; ok && prev != e.DestTable {
				return nil, &ValidationError{Msg: fmt.Sprintf(
					"source table %s maps to multiple destination tables (%s, %s)",
					e.sourceTableKey(), prev, e.DestTable)}
			}
			destOf[e.sourceTableKey()] = e.DestTable
		}

		switch e.Decision {
		case PrimaryPID:
			if d.pidColumn[e.sourceTableKey()] != nil {
				return nil, &ValidationError{Msg: fmt.Sprintf("table %s has more than one pid column", e.sourceTableKey())}
			}
			d.pidColumn[e.sourceTableKey()] = e
		case MasterPID:
			if masterPID[e.sourceTableKey()] {
				return nil, &ValidationError{Msg: fmt.Sprintf("table %s has more than one mpid column", e.sourceTableKey())}
			}
			masterPID[e.sourceTableKey()] = true
		}
	}

	// Scrubbed and scrub-source columns can only belong to a patient table:
	// system tables have no scrubber and no patient to gather for.
	for _, e := range entries {
		if d.pidColumn[e.sourceTableKey()] != nil {
			continue
		}
		if e.Decision == IncludeScrubbed {
			return nil, &ValidationError{Msg: fmt.Sprintf(
				"%s: scrub declared on system table %s (no pid column)", e.SourceKey(), e.sourceTableKey())}
		}
		if e.IsPatientIdentifier {
			return nil, &ValidationError{Msg: fmt.Sprintf(
				"%s: scrub_src declared on system table %s (no pid column)", e.SourceKey(), e.sourceTableKey())}
		}
	}

	return d, nil
}

// Column describes one introspected source column, as reported by the
// schema of a source database.
type Column struct {
	Table    string
	Name     string
	Datatype string
}

// CheckAgainstSchema verifies that every dictionary entry for sourceDB
// names an existing source column. The caller supplies the introspected
// schema, so the dictionary package stays free of database access.
func (d *Dictionary) CheckAgainstSchema(sourceDB string, columns []Column) error {
	exists := make(map[string]bool, len(columns))
	for _, c := range columns {
		exists[strings.ToLower(c.Table+"."+c.Name)] = true
	}
	for _, e := range d.entries {
		if e.SourceDB != sourceDB {
			continue
		}
		if !exists[strings.ToLower(e.SourceTable+"."+e.SourceField)] {
			return &ValidationError{Msg: fmt.Sprintf(
				"%s: column not present in source database %s", e.SourceKey(), sourceDB)}
		}
	}
	return nil
}
