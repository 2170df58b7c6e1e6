package pipeline

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/deid/internal/dd"
)

// SourceReader reads one source database. Implementations must be safe for
// concurrent use by the worker pool.
type SourceReader interface {
	// Name is the source database name as the data dictionary knows it.
	Name() string
	// Columns introspects the source schema for dictionary validation.
	Columns(ctx context.Context) ([]dd.Column, error)
	// PatientIDs returns the distinct non-null values of a table's pid
	// column.
	PatientIDs(ctx context.Context, table, pidColumn string) ([]string, error)
	// PatientRows returns every row of a table belonging to one patient,
	// as column-name-to-value maps.
	PatientRows(ctx context.Context, table, pidColumn, pid string) ([]map[string]any, error)
	// EachRow streams every row of a table (system tables have no patient
	// grouping).
	EachRow(ctx context.Context, table string, fn func(map[string]any) error) error
	Close()
}

// pgSource reads a PostgreSQL source database through a shared pool.
type pgSource struct {
	name string
	pool *pgxpool.Pool
}

// NewPGSource wraps a connection pool as a SourceReader.
func NewPGSource(name string, pool *pgxpool.Pool) SourceReader {
	return &pgSource{name: name, pool: pool}
}

func (s *pgSource) Name() string { return s.name }

func (s *pgSource) Close() { s.pool.Close() }

func (s *pgSource) Columns(ctx context.Context) ([]dd.Column, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public'
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("introspect %s: %w", s.name, err)
	}
	defer rows.Close()

	var cols []dd.Column
	for rows.Next() {
		var c dd.Column
		if err := rows.Scan(&c.Table, &c.Name, &c.Datatype); err != nil {
			return nil, fmt.Errorf("introspect %s: scan: %w", s.name, err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introspect %s: %w", s.name, err)
	}
	return cols, nil
}

func (s *pgSource) PatientIDs(ctx context.Context, table, pidColumn string) ([]string, error) {
	q := fmt.Sprintf(`SELECT DISTINCT %s::text FROM %s WHERE %s IS NOT NULL`,
		quoteIdent(pidColumn), quoteIdent(table), quoteIdent(pidColumn))
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list patient ids %s.%s: %w", s.name, table, err)
	}
	defer rows.Close()

	var pids []string
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return nil, fmt.Errorf("list patient ids %s.%s: scan: %w", s.name, table, err)
		}
		pids = append(pids, pid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list patient ids %s.%s: %w", s.name, table, err)
	}
	return pids, nil
}

func (s *pgSource) PatientRows(ctx context.Context, table, pidColumn, pid string) ([]map[string]any, error) {
	q := fmt.Sprintf(`SELECT * FROM %s WHERE %s::text = $1`, quoteIdent(table), quoteIdent(pidColumn))
	rows, err := s.pool.Query(ctx, q, pid)
	if err != nil {
		return nil, fmt.Errorf("read patient rows %s.%s: %w", s.name, table, err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		m, err := rowToMap(rows)
		if err != nil {
			return nil, fmt.Errorf("read patient rows %s.%s: %w", s.name, table, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read patient rows %s.%s: %w", s.name, table, err)
	}
	return out, nil
}

func (s *pgSource) EachRow(ctx context.Context, table string, fn func(map[string]any) error) error {
	q := fmt.Sprintf(`SELECT * FROM %s`, quoteIdent(table))
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("read table %s.%s: %w", s.name, table, err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := rowToMap(rows)
		if err != nil {
			return fmt.Errorf("read table %s.%s: %w", s.name, table, err)
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read table %s.%s: %w", s.name, table, err)
	}
	return nil
}

func rowToMap(rows pgx.Rows) (map[string]any, error) {
	values, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("row values: %w", err)
	}
	fields := rows.FieldDescriptions()
	m := make(map[string]any, len(fields))
	for i, fd := range fields {
		m[string(fd.Name)] = values[i]
	}
	return m, nil
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
