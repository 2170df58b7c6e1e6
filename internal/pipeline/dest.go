package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/deid/internal/dd"
)

// srcPKColumn carries the hashed source-row key on destination tables that
// participate in incremental change detection. It is pipeline plumbing,
// never research data.
const srcPKColumn = "_src_pk"

// runsTable is the per-run audit table in the destination database.
const runsTable = "_deid_runs"

// DestRow is one transformed row bound for a destination table.
type DestRow struct {
	Table  string
	Values map[string]any
	// SrcPK is the hashed source-row key, empty for tables without an
	// AddSourceHash marker.
	SrcPK string
}

// Delete is a pre-write deletion executed in the same transaction as the
// rows it precedes (replacing a patient's previous output, removing an
// opted-out patient).
type Delete struct {
	Table string
	Field string
	Value string
}

// DestWriter writes transformed rows to the destination database.
// Implementations must be safe for concurrent use; each WritePatient call
// commits atomically.
type DestWriter interface {
	// EnsureSchema creates destination tables, requested indexes and the
	// run audit table. With recreate set (full runs) existing destination
	// tables are dropped first so repeated runs are byte-identical.
	EnsureSchema(ctx context.Context, dict *dd.Dictionary, recreate bool) error
	// StoredHashes returns the change markers recorded for the given
	// source-row keys on one destination table.
	StoredHashes(ctx context.Context, table, hashField string, srcPKs []string) (map[string]string, error)
	// WritePatient commits deletes then rows in a single transaction.
	WritePatient(ctx context.Context, deletes []Delete, rows []DestRow) error
	// RecordRun inserts the run audit row.
	RecordRun(ctx context.Context, runID uuid.UUID, mode string, snap SummarySnapshot) error
	Close()
}

type pgDest struct {
	pool *pgxpool.Pool
}

// NewPGDest wraps a connection pool as a DestWriter.
func NewPGDest(pool *pgxpool.Pool) DestWriter {
	return &pgDest{pool: pool}
}

func (d *pgDest) Close() { d.pool.Close() }

// destTable is the column layout of one destination table derived from the
// dictionary.
type destTable struct {
	name    string
	columns []destColumn
	hasPK   bool
}

type destColumn struct {
	name     string
	datatype string
	indexed  bool
}

func destTables(dict *dd.Dictionary) []destTable {
	byName := map[string]*destTable{}
	var order []string
	for _, e := range dict.Entries() {
		if e.Decision == dd.Omit {
			continue
		}
		t, ok := byName[e.DestTable]
		if !ok {
			t = &destTable{name: e.DestTable}
			byName[e.DestTable] = t
			order = append(order, e.DestTable)
		}
		datatype := e.DestDatatype
		if datatype == "" {
			datatype = "text"
		}
		t.columns = append(t.columns, destColumn{name: e.DestField, datatype: datatype, indexed: e.IndexRequested})
		if e.Decision == dd.AddSourceHash {
			t.hasPK = true
		}
	}
	sort.Strings(order)
	out := make([]destTable, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out
}

func (d *pgDest) EnsureSchema(ctx context.Context, dict *dd.Dictionary, recreate bool) error {
	for _, t := range destTables(dict) {
		if recreate {
			if _, err := d.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(t.name))); err != nil {
				return fmt.Errorf("drop destination table %s: %w", t.name, err)
			}
		}

		var defs []string
		for _, c := range t.columns {
			defs = append(defs, fmt.Sprintf("%s %s", quoteIdent(c.name), c.datatype))
		}
		if t.hasPK {
			defs = append(defs, fmt.Sprintf("%s text", quoteIdent(srcPKColumn)))
		}
		create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(t.name), strings.Join(defs, ", "))
		if _, err := d.pool.Exec(ctx, create); err != nil {
			return fmt.Errorf("create destination table %s: %w", t.name, err)
		}

		if t.hasPK {
			idx := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
				quoteIdent("ux_"+t.name+"_src_pk"), quoteIdent(t.name), quoteIdent(srcPKColumn))
			if _, err := d.pool.Exec(ctx, idx); err != nil {
				return fmt.Errorf("index destination table %s: %w", t.name, err)
			}
		}
		for _, c := range t.columns {
			if !c.indexed {
				continue
			}
			idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
				quoteIdent("ix_"+t.name+"_"+c.name), quoteIdent(t.name), quoteIdent(c.name))
			if _, err := d.pool.Exec(ctx, idx); err != nil {
				return fmt.Errorf("index destination table %s: %w", t.name, err)
			}
		}
	}

	_, err := d.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id UUID PRIMARY KEY,
			mode TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			patients_processed BIGINT NOT NULL,
			rows_written BIGINT NOT NULL,
			rows_skipped_unchanged BIGINT NOT NULL,
			rows_skipped_data_error BIGINT NOT NULL,
			opt_out_patients_removed BIGINT NOT NULL,
			aborted BOOLEAN NOT NULL
		)`, quoteIdent(runsTable)))
	if err != nil {
		return fmt.Errorf("create %s: %w", runsTable, err)
	}
	return nil
}

func (d *pgDest) StoredHashes(ctx context.Context, table, hashField string, srcPKs []string) (map[string]string, error) {
	hashes := make(map[string]string, len(srcPKs))
	if len(srcPKs) == 0 {
		return hashes, nil
	}
	q := fmt.Sprintf(`SELECT %s, %s FROM %s WHERE %s = ANY($1)`,
		quoteIdent(srcPKColumn), quoteIdent(hashField), quoteIdent(table), quoteIdent(srcPKColumn))
	rows, err := d.pool.Query(ctx, q, srcPKs)
	if err != nil {
		return nil, fmt.Errorf("stored hashes %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var pk, hash string
		if err := rows.Scan(&pk, &hash); err != nil {
			return nil, fmt.Errorf("stored hashes %s: scan: %w", table, err)
		}
		hashes[pk] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stored hashes %s: %w", table, err)
	}
	return hashes, nil
}

func (d *pgDest) WritePatient(ctx context.Context, deletes []Delete, rows []DestRow) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin destination transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, del := range deletes {
		q := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, quoteIdent(del.Table), quoteIdent(del.Field))
		if _, err := tx.Exec(ctx, q, del.Value); err != nil {
			return fmt.Errorf("delete from %s: %w", del.Table, err)
		}
	}

	for _, row := range rows {
		cols := make([]string, 0, len(row.Values)+1)
		for c := range row.Values {
			cols = append(cols, c)
		}
		sort.Strings(cols)

		names := make([]string, 0, len(cols)+1)
		params := make([]string, 0, len(cols)+1)
		args := make([]any, 0, len(cols)+1)
		for i, c := range cols {
			names = append(names, quoteIdent(c))
			params = append(params, fmt.Sprintf("$%d", i+1))
			args = append(args, row.Values[c])
		}

		var q string
		if row.SrcPK != "" {
			names = append(names, quoteIdent(srcPKColumn))
			params = append(params, fmt.Sprintf("$%d", len(args)+1))
			args = append(args, row.SrcPK)

			var sets []string
			for _, c := range cols {
				sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(c), quoteIdent(c)))
			}
			q = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s`,
				quoteIdent(row.Table), strings.Join(names, ", "), strings.Join(params, ", "),
				quoteIdent(srcPKColumn), strings.Join(sets, ", "))
		} else {
			q = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
				quoteIdent(row.Table), strings.Join(names, ", "), strings.Join(params, ", "))
		}
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", row.Table, err)
		}
	}

	return tx.Commit(ctx)
}

func (d *pgDest) RecordRun(ctx context.Context, runID uuid.UUID, mode string, snap SummarySnapshot) error {
	_, err := d.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			run_id, mode, started_at, finished_at,
			patients_processed, rows_written, rows_skipped_unchanged,
			rows_skipped_data_error, opt_out_patients_removed, aborted
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, quoteIdent(runsTable)),
		runID, mode, snap.StartedAt, snap.FinishedAt,
		snap.PatientsProcessed, snap.RowsWritten, snap.RowsUnchanged,
		snap.RowsSkippedError, snap.OptOutsRemoved, snap.Fatal,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}
