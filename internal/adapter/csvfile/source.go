// Package csvfile reads the raw accident file and writes output tables as CSV.
package csvfile

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/couchcryptid/accident-data-etl/internal/domain"
)

const idColumn = "ID"

// Source streams rows of a headed CSV file as raw events whose value is the
// row encoded as a JSON object keyed by header. It implements
// pipeline.BatchExtractor.
type Source struct {
	file   *os.File
	reader *csv.Reader
	header []string
	path   string
	line   int64
	logger *slog.Logger
}

// Open opens path and reads its header row.
func Open(path string, logger *slog.Logger) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	logger.Info("csv source opened", "path", path, "columns", len(cols))
	return &Source{file: f, reader: r, header: cols, path: path, line: 1, logger: logger}, nil
}

// ExtractBatch reads up to batchSize rows. It returns an empty batch at end of
// file. Rows the CSV parser rejects are logged and skipped.
func (s *Source) ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawEvent, error) {
	batch := make([]domain.RawEvent, 0, batchSize)
	for len(batch) < batchSize {
		if err := ctx.Err(); err != nil {
			return batch, err
		}

		row, err := s.reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		s.line++
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				s.logger.Warn("malformed csv row, skipping", "path", s.path, "line", perr.Line, "error", err)
				continue
			}
			return batch, fmt.Errorf("read %s: %w", s.path, err)
		}

		raw, err := s.toRawEvent(row)
		if err != nil {
			return batch, err
		}
		batch = append(batch, raw)
	}
	return batch, nil
}

func (s *Source) toRawEvent(row []string) (domain.RawEvent, error) {
	fields := make(map[string]string, len(s.header))
	for i, col := range s.header {
		if i < len(row) {
			fields[col] = row[i]
		} else {
			fields[col] = ""
		}
	}
	value, err := json.Marshal(fields)
	if err != nil {
		return domain.RawEvent{}, fmt.Errorf("encode row %d: %w", s.line, err)
	}
	return domain.RawEvent{
		Key:    []byte(fields[idColumn]),
		Value:  value,
		Topic:  s.path,
		Offset: s.line,
	}, nil
}

func (s *Source) Close() error {
	return s.file.Close()
}
