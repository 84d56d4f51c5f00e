package csvfile

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/accident-data-etl/internal/domain"
)

// TimeLayout formats timestamps in written tables.
const TimeLayout = "2006-01-02 15:04:05"

// Sink writes each table to <dir>/<table>.csv. It implements
// pipeline.TableLoader.
type Sink struct {
	dir    string
	logger *slog.Logger
}

// NewSink creates a Sink rooted at dir.
func NewSink(dir string, logger *slog.Logger) *Sink {
	return &Sink{dir: dir, logger: logger}
}

func (s *Sink) Name() string { return "csv" }

// LoadTables writes every table. Each file is written to a temporary name and
// renamed into place, so a reader never sees a partial table.
func (s *Sink) LoadTables(ctx context.Context, _ string, tables []*domain.Table) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	for _, t := range tables {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(s.dir, t.Name+".csv")
		if err := writeFile(path, t); err != nil {
			return err
		}
		s.logger.Info("table written", "table", t.Name, "rows", t.Len(), "path", path)
	}
	return nil
}

func writeFile(path string, t *domain.Table) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := WriteTable(tmp, t); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// WriteTable encodes a table as CSV with a header row.
func WriteTable(w io.Writer, t *domain.Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	record := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i := range record {
			record[i] = ""
			if i < len(row) {
				record[i] = FormatCell(row[i])
			}
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// FormatCell renders one cell. Nulls are empty strings; booleans use
// True/False so they parse back as infrastructure flags.
func FormatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "True"
		}
		return "False"
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.UTC().Format(TimeLayout)
	default:
		return fmt.Sprint(x)
	}
}

// ReadTable loads a CSV written by Sink. Values stay strings; empty cells
// become nulls. The table name is the file name without extension.
func ReadTable(path string) (*domain.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read %s: empty file", path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	t := domain.NewTable(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), header...)
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		values := make([]any, len(row))
		for i, v := range row {
			if v != "" {
				values[i] = v
			}
		}
		t.Rows = append(t.Rows, values)
	}
	return t, nil
}
