package dd

import (
	"fmt"
	"strings"
)

// Decision is the per-column transformation directive declared in the data
// dictionary. The set is closed: the transform engine matches exhaustively
// and treats anything else as a defect, never a silent pass-through.
type Decision string

const (
	// Omit drops the field from the destination entirely.
	Omit Decision = "omit"
	// IncludeVerbatim copies the value unchanged.
	IncludeVerbatim Decision = "include"
	// IncludeScrubbed passes the value through the owning patient's scrubber.
	IncludeScrubbed Decision = "scrub"
	// PrimaryPID replaces the local patient identifier with its research
	// pseudonym (RID).
	PrimaryPID Decision = "pid"
	// MasterPID replaces the master patient identifier with its research
	// pseudonym (MRID).
	MasterPID Decision = "mpid"
	// AddSourceHash stores a content hash of the source row, used only for
	// incremental change detection.
	AddSourceHash Decision = "src_hash"
)

// ParseDecision maps a dictionary cell to a Decision.
func ParseDecision(s string) (Decision, error) {
	switch Decision(strings.ToLower(strings.TrimSpace(s))) {
	case Omit:
		return Omit, nil
	case IncludeVerbatim:
		return IncludeVerbatim, nil
	case IncludeScrubbed:
		return IncludeScrubbed, nil
	case PrimaryPID:
		return PrimaryPID, nil
	case MasterPID:
		return MasterPID, nil
	case AddSourceHash:
		return AddSourceHash, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// Entry is one row of the data dictionary: the transformation policy for a
// single source column.
type Entry struct {
	SourceDB       string
	SourceTable    string
	SourceField    string
	SourceDatatype string

	Decision Decision

	DestTable    string
	DestField    string
	DestDatatype string

	// IsPatientIdentifier marks the column as a value to feed into the
	// owning patient's scrubber during the gather phase.
	IsPatientIdentifier bool
	// IdentifierKind selects the variant table the scrubber uses for this
	// value (name, date, number, ...). Required when IsPatientIdentifier.
	IdentifierKind string

	IndexRequested bool
	Comment        string
}

// SourceKey returns the unique (db, table, field) key for the entry.
func (e *Entry) SourceKey() string {
	return e.SourceDB + "." + e.SourceTable + "." + e.SourceField
}

func (e *Entry) sourceTableKey() string {
	return e.SourceDB + "." + e.SourceTable
}

// textTypes are the source datatype families on which scrubbing is legal.
var textTypes = map[string]bool{
	"text":    true,
	"varchar": true,
	"char":    true,
	"clob":    true,
}

// IsTextType reports whether a declared source datatype belongs to the
// text family. Length suffixes ("varchar(255)") are ignored.
func IsTextType(datatype string) bool {
	base := strings.ToLower(strings.TrimSpace(datatype))
	if i := strings.IndexByte(base, '('); i >= 0 {
		base = base[:i]
	}
	return textTypes[base]
}

// Dictionary is the parsed, validated data dictionary. It is read-only
// after Load and safe for concurrent use by all pipeline workers.
type Dictionary struct {
	entries []*Entry

	bySourceTable map[string][]*Entry
	pidColumn     map[string]*Entry
}

// Entries returns all dictionary entries in file order.
func (d *Dictionary) Entries() []*Entry { return d.entries }

// Tables returns the distinct source tables of one source database, in
// first-seen order.
func (d *Dictionary) Tables(sourceDB string) []string {
	var tables []string
	seen := map[string]bool{}
	for _, e := range d.entries {
		if e.SourceDB != sourceDB || seen[e.SourceTable] {
			continue
		}
		seen[e.SourceTable] = true
		tables = append(tables, e.SourceTable)
	}
	return tables
}

// SourceDBs returns the distinct source database names, in first-seen order.
func (d *Dictionary) SourceDBs() []string {
	var dbs []string
	seen := map[string]bool{}
	for _, e := range d.entries {
		if seen[e.SourceDB] {
			continue
		}
		seen[e.SourceDB] = true
		dbs = append(dbs, e.SourceDB)
	}
	return dbs
}

// EntriesFor returns the entries of one source table in file order.
func (d *Dictionary) EntriesFor(sourceDB, table string) []*Entry {
	return d.bySourceTable[sourceDB+"."+table]
}

// PIDColumn returns the PrimaryPID entry for a source table, or nil for
// system tables.
func (d *Dictionary) PIDColumn(sourceDB, table string) *Entry {
	return d.pidColumn[sourceDB+"."+table]
}

// IsSystemTable reports whether a source table has no patient identifier
// column. System tables are processed without per-patient grouping and
// without a scrubber.
func (d *Dictionary) IsSystemTable(sourceDB, table string) bool {
	return d.pidColumn[sourceDB+"."+table] == nil
}

// ScrubSourceEntries returns every entry flagged as a patient identifier,
// across all source tables. These feed the gather phase.
func (d *Dictionary) ScrubSourceEntries() []*Entry {
	var out []*Entry
	for _, e := range d.entries {
		if e.IsPatientIdentifier {
			out = append(out, e)
		}
	}
	return out
}
