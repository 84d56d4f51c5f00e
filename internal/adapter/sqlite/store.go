// Package sqlite persists output tables to a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/couchcryptid/accident-data-etl/internal/domain"
)

// TimeLayout formats timestamps stored as TEXT.
const TimeLayout = "2006-01-02 15:04:05"

// RunsTable records one row per loaded run.
const RunsTable = "etl_runs"

// Store writes every output table of a run in one transaction, replacing the
// previous contents. It implements pipeline.TableLoader.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the database at path and ensures the runs table exists.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+RunsTable+` (
		run_id     TEXT PRIMARY KEY,
		loaded_at  TEXT NOT NULL,
		tables     INTEGER NOT NULL,
		total_rows INTEGER NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create %s: %w", RunsTable, err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Name() string { return "sqlite" }

// LoadTables drops and recreates each table, inserts its rows and records the
// run, all in one transaction.
func (s *Store) LoadTables(ctx context.Context, runID string, tables []*domain.Table) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	total := 0
	for _, t := range tables {
		if err = replaceTable(ctx, tx, t); err != nil {
			return err
		}
		total += t.Len()
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO `+RunsTable+` (run_id, loaded_at, tables, total_rows) VALUES (?, ?, ?, ?)`,
		runID, domain.Now().UTC().Format(time.RFC3339), len(tables), total,
	); err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Info("tables stored", "tables", len(tables), "rows", total, "run_id", runID)
	return nil
}

func replaceTable(ctx context.Context, tx *sql.Tx, t *domain.Table) error {
	name := quote(t.Name)
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
		return fmt.Errorf("drop %s: %w", t.Name, err)
	}

	defs := make([]string, len(t.Columns))
	cols := make([]string, len(t.Columns))
	marks := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = quote(c)
		defs[i] = cols[i] + " " + columnType(t, i)
		marks[i] = "?"
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", name, strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("create %s: %w", t.Name, err)
	}
	if t.Len() == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		name, strings.Join(cols, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return fmt.Errorf("prepare %s: %w", t.Name, err)
	}
	defer func() { _ = stmt.Close() }()

	args := make([]any, len(t.Columns))
	for n, row := range t.Rows {
		for i := range args {
			args[i] = nil
			if i < len(row) {
				args[i] = toSQL(row[i])
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert %s row %d: %w", t.Name, n, err)
		}
	}
	return nil
}

// columnType picks the storage class from the first non-null value.
func columnType(t *domain.Table, col int) string {
	for _, row := range t.Rows {
		if col >= len(row) || row[col] == nil {
			continue
		}
		switch row[col].(type) {
		case int, int64, bool:
			return "INTEGER"
		case float64:
			return "REAL"
		default:
			return "TEXT"
		}
	}
	return "TEXT"
}

func toSQL(v any) any {
	switch x := v.(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	case time.Time:
		return x.UTC().Format(TimeLayout)
	default:
		return v
	}
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// ReadTable loads a stored table. INTEGER columns come back as int64.
func (s *Store) ReadTable(ctx context.Context, name string) (*domain.Table, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+quote(name))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	t := domain.NewTable(name, cols...)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", name, err)
		}
		t.Rows = append(t.Rows, values)
	}
	return t, rows.Err()
}

// Tables lists the stored output tables, excluding the runs table.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name != ? ORDER BY name`, RunsTable)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// LastRun returns the most recently loaded run id.
func (s *Store) LastRun(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id FROM `+RunsTable+` ORDER BY loaded_at DESC LIMIT 1`).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("last run: %w", err)
	}
	return id, nil
}

// CheckReadiness pings the database.
func (s *Store) CheckReadiness(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
