package pipeline

import (
	"context"

	"github.com/couchcryptid/accident-data-etl/internal/domain"
)

// RecordDecoder implements Decoder for JSON-encoded raw records, the form
// produced by both the CSV and Kafka sources.
type RecordDecoder struct{}

// NewDecoder creates a RecordDecoder.
func NewDecoder() *RecordDecoder {
	return &RecordDecoder{}
}

func (d *RecordDecoder) Decode(_ context.Context, raw domain.RawEvent) (domain.RawAccident, error) {
	rec, err := domain.DecodeRawRecord(raw)
	if err != nil {
		return domain.RawAccident{}, err
	}
	return domain.ParseRawRecord(rec)
}
