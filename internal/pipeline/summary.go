package pipeline

import (
	"sync"
	"sync/atomic"
	"time"
)

// Summary accumulates run counters. Workers update it concurrently through
// atomic increments; Snapshot is safe to call while the run is in flight
// (it backs the live /status endpoint).
type Summary struct {
	patientsProcessed atomic.Int64
	rowsWritten       atomic.Int64
	rowsUnchanged     atomic.Int64
	rowsSkippedError  atomic.Int64
	optOutsRemoved    atomic.Int64

	// mu guards the timestamps: finish runs concurrently with Snapshot
	// calls from the status endpoint.
	mu       sync.Mutex
	started  time.Time
	finished time.Time

	// fatal distinguishes a safety/configuration abort from ordinary
	// data-quality skips; the two must never be conflated in reporting.
	fatal atomic.Bool
}

// SummarySnapshot is the exported, JSON-friendly view of a Summary.
type SummarySnapshot struct {
	PatientsProcessed int64  `json:"patients_processed"`
	RowsWritten       int64  `json:"rows_written"`
	RowsUnchanged     int64  `json:"rows_skipped_unchanged"`
	RowsSkippedError  int64  `json:"rows_skipped_data_error"`
	OptOutsRemoved    int64  `json:"opt_out_patients_removed"`
	Fatal             bool   `json:"aborted"`
	StartedAt         string `json:"started_at,omitempty"`
	FinishedAt        string `json:"finished_at,omitempty"`
	Elapsed           string `json:"elapsed,omitempty"`
}

func newSummary() *Summary {
	return &Summary{started: time.Now().UTC()}
}

func (s *Summary) addPatient()      { s.patientsProcessed.Add(1) }
func (s *Summary) addWritten(n int) { s.rowsWritten.Add(int64(n)) }
func (s *Summary) addUnchanged()    { s.rowsUnchanged.Add(1) }
func (s *Summary) addSkippedError() { s.rowsSkippedError.Add(1) }
func (s *Summary) addOptOut()       { s.optOutsRemoved.Add(1) }
func (s *Summary) markFatal()       { s.fatal.Store(true) }

func (s *Summary) finish() {
	s.mu.Lock()
	s.finished = time.Now().UTC()
	s.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the counters.
func (s *Summary) Snapshot() SummarySnapshot {
	snap := SummarySnapshot{
		PatientsProcessed: s.patientsProcessed.Load(),
		RowsWritten:       s.rowsWritten.Load(),
		RowsUnchanged:     s.rowsUnchanged.Load(),
		RowsSkippedError:  s.rowsSkippedError.Load(),
		OptOutsRemoved:    s.optOutsRemoved.Load(),
		Fatal:             s.fatal.Load(),
	}

	s.mu.Lock()
	started, finished := s.started, s.finished
	s.mu.Unlock()

	if !started.IsZero() {
		snap.StartedAt = started.Format(time.RFC3339)
	}
	if !finished.IsZero() {
		snap.FinishedAt = finished.Format(time.RFC3339)
		snap.Elapsed = finished.Sub(started).String()
	} else if !started.IsZero() {
		snap.Elapsed = time.Since(started).String()
	}
	return snap
}
