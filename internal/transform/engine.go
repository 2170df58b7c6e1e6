// Package transform applies one data-dictionary decision to one source
// value, consulting the pseudonym hashers and the active per-patient
// scrubber as declared.
package transform

import (
	"fmt"
	"time"

	"github.com/ehr/deid/internal/dd"
	"github.com/ehr/deid/internal/pseudo"
	"github.com/ehr/deid/internal/scrub"
)

// Engine holds the two pseudonym hashers. It is stateless per row and safe
// for concurrent use by all workers.
type Engine struct {
	pid  *pseudo.Hasher
	mpid *pseudo.Hasher
}

// NewEngine wires the PID and MPID hashers. The MPID hasher may be nil
// when the dictionary declares no MasterPID columns.
func NewEngine(pid, mpid *pseudo.Hasher) *Engine {
	return &Engine{pid: pid, mpid: mpid}
}

// Apply transforms one raw source value per the dictionary entry.
//
// The returned include flag is false when the field is dropped (Omit). A
// RowError is recoverable by the caller; ErrScrubberUnavailable is not and
// must halt the run. rowHash is the precomputed source-row content hash
// consumed by AddSourceHash columns.
func (e *Engine) Apply(entry *dd.Entry, raw any, scrubber *scrub.Scrubber, rowHash string) (any, bool, error) {
	switch entry.Decision {
	case dd.Omit:
		return nil, false, nil

	case dd.IncludeVerbatim:
		return raw, true, nil

	case dd.IncludeScrubbed:
		if raw == nil {
			return nil, true, nil
		}
		if scrubber == nil {
			return nil, false, fmt.Errorf("%s: %w", entry.SourceKey(), ErrScrubberUnavailable)
		}
		text, err := asString(raw)
		if err != nil {
			return nil, false, rowErr(entry, err)
		}
		return scrubber.Scrub(text), true, nil

	case dd.PrimaryPID:
		value, err := requireString(entry, raw)
		if err != nil {
			return nil, false, err
		}
		return e.pid.Hash(value), true, nil

	case dd.MasterPID:
		if e.mpid == nil {
			return nil, false, rowErr(entry, fmt.Errorf("mpid hasher not configured"))
		}
		value, err := requireString(entry, raw)
		if err != nil {
			return nil, false, err
		}
		return e.mpid.Hash(value), true, nil

	case dd.AddSourceHash:
		return rowHash, true, nil
	}

	// Unreachable with a validated dictionary; an unknown decision must
	// never degrade into a verbatim copy.
	return nil, false, fmt.Errorf("%s: unhandled decision %q", entry.SourceKey(), entry.Decision)
}

func rowErr(entry *dd.Entry, err error) *RowError {
	return &RowError{
		SourceDB: entry.SourceDB,
		Table:    entry.SourceTable,
		Column:   entry.SourceField,
		Err:      err,
	}
}

func requireString(entry *dd.Entry, raw any) (string, error) {
	if raw == nil {
		return "", rowErr(entry, fmt.Errorf("unexpected null in required field"))
	}
	s, err := asString(raw)
	if err != nil {
		return "", rowErr(entry, err)
	}
	if s == "" {
		return "", rowErr(entry, fmt.Errorf("empty value in required field"))
	}
	return s, nil
}

// asString normalizes the scan types pgx produces for textual and
// identifier columns.
func asString(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case int64:
		return fmt.Sprintf("%d", v), nil
	case int32:
		return fmt.Sprintf("%d", v), nil
	case int:
		return fmt.Sprintf("%d", v), nil
	case float64:
		return fmt.Sprintf("%v", v), nil
	case time.Time:
		return v.Format("2006-01-02"), nil
	}
	return "", fmt.Errorf("value of type %T does not match declared datatype", raw)
}
