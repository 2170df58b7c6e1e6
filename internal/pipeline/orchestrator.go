// Package pipeline drives the two-phase de-identification run: per patient,
// gather identifying values from every scrub-source table, compile that
// patient's scrubber, then re-read and transform all of the patient's rows
// into the destination database.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/deid/internal/dd"
	"github.com/ehr/deid/internal/pseudo"
	"github.com/ehr/deid/internal/scrub"
	"github.com/ehr/deid/internal/transform"
)

// Options selects the run behaviour.
type Options struct {
	// Workers bounds the number of patients processed concurrently.
	Workers int
	// Incremental skips source rows whose content hash matches the marker
	// stored by the previous run.
	Incremental bool
	// DryRun transforms but never writes.
	DryRun bool
	// OptOutPIDs are excluded from processing; their previously written
	// rows are removed from the destination.
	OptOutPIDs map[string]bool
}

// Orchestrator owns one run. The dictionary, hashers and scrubber builder
// are initialized once and read-only for the whole run; scrubbers are per
// patient and never shared across workers.
type Orchestrator struct {
	dict    *dd.Dictionary
	sources map[string]SourceReader
	dest    DestWriter
	engine  *transform.Engine
	builder *scrub.Builder
	pid     *pseudo.Hasher
	log     zerolog.Logger
	opts    Options

	summary *Summary
}

// New wires an Orchestrator. sources must contain a reader for every
// source database the dictionary names.
func New(dict *dd.Dictionary, sources map[string]SourceReader, dest DestWriter,
	engine *transform.Engine, builder *scrub.Builder, pid *pseudo.Hasher,
	log zerolog.Logger, opts Options) (*Orchestrator, error) {

	if opts.Workers < 1 {
		opts.Workers = 1
	}
	for _, name := range dict.SourceDBs() {
		if _, ok := sources[name]; !ok {
			return nil, fmt.Errorf("data dictionary names source database %q but no connection is configured", name)
		}
	}
	return &Orchestrator{
		dict:    dict,
		sources: sources,
		dest:    dest,
		engine:  engine,
		builder: builder,
		pid:     pid,
		log:     log.With().Str("component", "pipeline").Logger(),
		opts:    opts,
		summary: newSummary(),
	}, nil
}

// Summary exposes the live counters (consumed by the status endpoint).
func (o *Orchestrator) Summary() *Summary { return o.summary }

// Run executes the pipeline. Cancelling ctx stops scheduling new patients;
// in-flight patients finish their current phase so the destination is
// never left with a half-transformed row.
func (o *Orchestrator) Run(ctx context.Context) (SummarySnapshot, error) {
	runID := uuid.New()
	mode := "full"
	if o.opts.Incremental {
		mode = "incremental"
	}
	o.log.Info().Str("run_id", runID.String()).Str("mode", mode).Int("workers", o.opts.Workers).Msg("run starting")

	err := o.run(ctx)
	o.summary.finish()
	snap := o.summary.Snapshot()

	if err != nil {
		o.summary.markFatal()
		snap = o.summary.Snapshot()
		o.log.Error().Err(err).
			Int64("rows_written", snap.RowsWritten).
			Int64("rows_skipped_data_error", snap.RowsSkippedError).
			Msg("run aborted due to configuration or leakage risk")
	} else {
		o.log.Info().
			Int64("patients_processed", snap.PatientsProcessed).
			Int64("rows_written", snap.RowsWritten).
			Int64("rows_skipped_unchanged", snap.RowsUnchanged).
			Int64("rows_skipped_data_error", snap.RowsSkippedError).
			Int64("opt_out_patients_removed", snap.OptOutsRemoved).
			Msg("run complete")
	}

	if !o.opts.DryRun {
		if recErr := o.dest.RecordRun(context.WithoutCancel(ctx), runID, mode, snap); recErr != nil {
			o.log.Warn().Err(recErr).Msg("failed to record run audit row")
			if err == nil {
				err = recErr
			}
		}
	}
	return snap, err
}

func (o *Orchestrator) run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !o.opts.DryRun {
		recreate := !o.opts.Incremental
		if err := o.dest.EnsureSchema(ctx, o.dict, recreate); err != nil {
			return err
		}
	}

	pids, err := o.enumeratePatients(ctx)
	if err != nil {
		return err
	}
	o.log.Info().Int("patients", len(pids)).Msg("patients enumerated")

	if err := o.removeOptOuts(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)

	// System tables carry no patient identifiers and need no scrubber;
	// each is its own unit of parallel work.
	for _, src := range o.sourceOrder() {
		for _, table := range o.dict.Tables(src) {
			if !o.dict.IsSystemTable(src, table) {
				continue
			}
			src, table := src, table
			g.Go(func() error { return o.processSystemTable(gctx, src, table) })
		}
	}

	for _, pid := range pids {
		if ctx.Err() != nil {
			break
		}
		pid := pid
		g.Go(func() error { return o.processPatient(gctx, pid) })
	}

	return g.Wait()
}

func (o *Orchestrator) sourceOrder() []string {
	return o.dict.SourceDBs()
}

// enumeratePatients unions the distinct PIDs of every patient table across
// all sources, excluding opt-outs.
func (o *Orchestrator) enumeratePatients(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var pids []string
	for _, src := range o.sourceOrder() {
		reader := o.sources[src]
		for _, table := range o.dict.Tables(src) {
			pidCol := o.dict.PIDColumn(src, table)
			if pidCol == nil {
				continue
			}
			ids, err := reader.PatientIDs(ctx, table, pidCol.SourceField)
			if err != nil {
				return nil, err
			}
			for _, id := range ids {
				if seen[id] || o.opts.OptOutPIDs[id] {
					continue
				}
				seen[id] = true
				pids = append(pids, id)
			}
		}
	}
	sort.Strings(pids)
	return pids, nil
}

// removeOptOuts deletes previously written rows of opted-out patients,
// located by RID since the destination never stores the PID itself.
func (o *Orchestrator) removeOptOuts(ctx context.Context) error {
	if len(o.opts.OptOutPIDs) == 0 || o.opts.DryRun {
		return nil
	}
	ridFields := o.ridFieldsByTable()
	for pid := range o.opts.OptOutPIDs {
		rid := o.pid.Hash(pid)
		var deletes []Delete
		for table, field := range ridFields {
			deletes = append(deletes, Delete{Table: table, Field: field, Value: rid})
		}
		if len(deletes) == 0 {
			continue
		}
		if err := o.dest.WritePatient(ctx, deletes, nil); err != nil {
			return fmt.Errorf("remove opted-out patient: %w", err)
		}
		o.summary.addOptOut()
	}
	return nil
}

// ridFieldsByTable maps each destination table to its RID column.
func (o *Orchestrator) ridFieldsByTable() map[string]string {
	out := map[string]string{}
	for _, e := range o.dict.Entries() {
		if e.Decision == dd.PrimaryPID {
			out[e.DestTable] = e.DestField
		}
	}
	return out
}

// processPatient runs the two-phase protocol for one patient. Phase 1 must
// complete in full before phase 2 starts: a scrubber built from a partial
// identifier set is unsafe.
func (o *Orchestrator) processPatient(ctx context.Context, pid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// A stop request is honoured only at the phase boundary. Reads and
	// writes run on a detached context so a phase already in flight
	// finishes instead of aborting mid-query.
	work := context.WithoutCancel(ctx)

	set, err := o.gatherIdentifiers(work, pid)
	if err != nil {
		return err
	}

	// Phase boundary: honour a stop request here, never mid-write.
	if err := ctx.Err(); err != nil {
		return err
	}

	scrubber, err := o.builder.Build(set)
	if err != nil {
		return fmt.Errorf("build scrubber for patient: %w", err)
	}

	if err := o.transformPatient(work, pid, scrubber); err != nil {
		return err
	}
	o.summary.addPatient()
	return nil
}

// gatherIdentifiers reads every scrub-source column of every table where
// this patient appears and accumulates the values into one identifier set.
func (o *Orchestrator) gatherIdentifiers(ctx context.Context, pid string) (*scrub.IdentifierSet, error) {
	set := scrub.NewIdentifierSet()

	type tableRef struct{ src, table string }
	tables := map[tableRef][]*dd.Entry{}
	for _, e := range o.dict.ScrubSourceEntries() {
		ref := tableRef{e.SourceDB, e.SourceTable}
		tables[ref] = append(tables[ref], e)
	}

	var refs []tableRef
	for ref := range tables {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].src != refs[j].src {
			return refs[i].src < refs[j].src
		}
		return refs[i].table < refs[j].table
	})

	for _, ref := range refs {
		pidCol := o.dict.PIDColumn(ref.src, ref.table)
		if pidCol == nil {
			// Unreachable: the dictionary rejects scrub sources on tables
			// without a pid column.
			return nil, fmt.Errorf("scrub source table %s.%s has no pid column", ref.src, ref.table)
		}
		rows, err := o.sources[ref.src].PatientRows(ctx, ref.table, pidCol.SourceField, pid)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			for _, e := range tables[ref] {
				raw, ok := row[e.SourceField]
				if !ok || raw == nil {
					continue
				}
				kind, _ := scrub.ParseKind(e.IdentifierKind)
				set.Add(kind, stringify(raw))
			}
		}
	}
	return set, nil
}

// transformPatient re-reads all of the patient's rows across every patient
// table and writes the transformed output in one transaction.
func (o *Orchestrator) transformPatient(ctx context.Context, pid string, scrubber *scrub.Scrubber) error {
	rid := o.pid.Hash(pid)
	var deletes []Delete
	var out []DestRow

	for _, src := range o.sourceOrder() {
		reader := o.sources[src]
		for _, table := range o.dict.Tables(src) {
			pidCol := o.dict.PIDColumn(src, table)
			if pidCol == nil {
				continue
			}
			entries := o.dict.EntriesFor(src, table)
			rows, err := reader.PatientRows(ctx, table, pidCol.SourceField, pid)
			if err != nil {
				return err
			}

			hashEntry := sourceHashEntry(entries)
			stored := map[string]string{}
			if o.opts.Incremental && hashEntry != nil {
				var pks []string
				for _, row := range rows {
					pks = append(pks, srcPKFor(src, table, row, hashEntry))
				}
				stored, err = o.dest.StoredHashes(ctx, hashEntry.DestTable, hashEntry.DestField, pks)
				if err != nil {
					return err
				}
			}

			// Full (non-incremental) tables replace the patient's previous
			// output wholesale.
			if hashEntry == nil {
				if field, ok := o.ridFieldsByTable()[destTableOf(entries)]; ok {
					deletes = append(deletes, Delete{Table: destTableOf(entries), Field: field, Value: rid})
				}
			}

			for _, row := range rows {
				rowHash := pseudo.SourceHash(stringifyRow(row))
				srcPK := ""
				if hashEntry != nil {
					srcPK = srcPKFor(src, table, row, hashEntry)
					if o.opts.Incremental && stored[srcPK] == rowHash {
						o.summary.addUnchanged()
						continue
					}
				}

				dest, err := o.transformRow(entries, row, scrubber, rowHash, pid)
				if err != nil {
					return err
				}
				if dest == nil {
					continue // row skipped on data error
				}
				dest.SrcPK = srcPK
				out = append(out, *dest)
			}
		}
	}

	if o.opts.DryRun {
		o.summary.addWritten(len(out))
		return nil
	}
	if err := o.dest.WritePatient(ctx, deletes, out); err != nil {
		return err
	}
	o.summary.addWritten(len(out))
	return nil
}

// transformRow applies the dictionary to one source row. A recoverable
// RowError skips the row (returning nil, nil); anything else halts the run.
func (o *Orchestrator) transformRow(entries []*dd.Entry, row map[string]any,
	scrubber *scrub.Scrubber, rowHash, pid string) (*DestRow, error) {

	values := map[string]any{}
	table := ""
	for _, e := range entries {
		if e.Decision == dd.Omit {
			continue
		}
		table = e.DestTable
		value, include, err := o.engine.Apply(e, row[e.SourceField], scrubber, rowHash)
		if err != nil {
			var rowErr *transform.RowError
			if errors.As(err, &rowErr) {
				rowErr.PID = pid
				o.log.Warn().
					Str("source_db", rowErr.SourceDB).
					Str("table", rowErr.Table).
					Str("column", rowErr.Column).
					Msg("row skipped: " + rowErr.Err.Error())
				o.summary.addSkippedError()
				return nil, nil
			}
			// ErrScrubberUnavailable and unknown decisions are pipeline
			// defects: halt before anything leaks.
			return nil, err
		}
		if include {
			values[e.DestField] = value
		}
	}
	if len(values) == 0 {
		return nil, nil
	}
	return &DestRow{Table: table, Values: values}, nil
}

// processSystemTable transforms a table with no patient grouping. No
// scrubber exists here; the dictionary guarantees no scrub columns either.
// Rows are handled in batches: one stored-hash lookup and one write per
// batch, with a stop request honoured at batch boundaries.
func (o *Orchestrator) processSystemTable(ctx context.Context, src, table string) error {
	entries := o.dict.EntriesFor(src, table)
	hashEntry := sourceHashEntry(entries)
	work := context.WithoutCancel(ctx)

	type pendingRow struct {
		row     map[string]any
		srcPK   string
		rowHash string
	}

	const batchSize = 500
	var pending []pendingRow

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}

		stored := map[string]string{}
		if o.opts.Incremental && hashEntry != nil {
			pks := make([]string, 0, len(pending))
			for _, p := range pending {
				pks = append(pks, p.srcPK)
			}
			var err error
			stored, err = o.dest.StoredHashes(work, hashEntry.DestTable, hashEntry.DestField, pks)
			if err != nil {
				return err
			}
		}

		var batch []DestRow
		for _, p := range pending {
			if o.opts.Incremental && hashEntry != nil && stored[p.srcPK] == p.rowHash {
				o.summary.addUnchanged()
				continue
			}
			dest, err := o.transformRow(entries, p.row, nil, p.rowHash, "")
			if err != nil {
				return err
			}
			if dest == nil {
				continue
			}
			dest.SrcPK = p.srcPK
			batch = append(batch, *dest)
		}
		pending = nil

		if len(batch) == 0 {
			return nil
		}
		if !o.opts.DryRun {
			if err := o.dest.WritePatient(work, nil, batch); err != nil {
				return err
			}
		}
		o.summary.addWritten(len(batch))
		return nil
	}

	err := o.sources[src].EachRow(ctx, table, func(row map[string]any) error {
		p := pendingRow{row: row, rowHash: pseudo.SourceHash(stringifyRow(row))}
		if hashEntry != nil {
			p.srcPK = srcPKFor(src, table, row, hashEntry)
		}
		pending = append(pending, p)
		if len(pending) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

func sourceHashEntry(entries []*dd.Entry) *dd.Entry {
	for _, e := range entries {
		if e.Decision == dd.AddSourceHash {
			return e
		}
	}
	return nil
}

func destTableOf(entries []*dd.Entry) string {
	for _, e := range entries {
		if e.Decision != dd.Omit {
			return e.DestTable
		}
	}
	return ""
}

// srcPKFor derives the stable destination row key from the source row's
// primary key (the AddSourceHash entry's source column). The key is hashed
// so no raw source key reaches the destination.
func srcPKFor(src, table string, row map[string]any, hashEntry *dd.Entry) string {
	pk := stringify(row[hashEntry.SourceField])
	d := sha256.Sum256([]byte(src + "|" + table + "|" + pk))
	return hex.EncodeToString(d[:])
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
			return t.Format("2006-01-02")
		}
		return t.Format("2006-01-02 15:04:05")
	}
	return fmt.Sprintf("%v", v)
}

func stringifyRow(row map[string]any) map[string]string {
	out := make(map[string]string, len(row))
	for k, v := range row {
		out[k] = stringify(v)
	}
	return out
}
