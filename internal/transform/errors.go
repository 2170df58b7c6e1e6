package transform

import (
	"errors"
	"fmt"
)

// ErrScrubberUnavailable means a column marked for scrubbing was reached
// with no scrubber active for its owning patient. This is a pipeline
// defect that could silently leak identifiers, so it is fatal: the run
// halts rather than write the row verbatim.
var ErrScrubberUnavailable = errors.New("no scrubber active for patient")

// RowError is a recoverable per-row failure (datatype mismatch, unexpected
// null in a required field). The row is skipped and logged with its
// source context; the run continues.
type RowError struct {
	SourceDB string
	Table    string
	Column   string
	PID      string
	Err      error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row transform %s.%s.%s (pid %s): %v", e.SourceDB, e.Table, e.Column, e.PID, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }
