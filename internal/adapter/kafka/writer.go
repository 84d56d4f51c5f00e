package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/accident-data-etl/internal/config"
	"github.com/couchcryptid/accident-data-etl/internal/domain"
)

// Header keys set on every produced message.
const (
	HeaderTable       = "table"
	HeaderRunID       = "run_id"
	HeaderRow         = "row"
	HeaderGeneratedAt = "generated_at"
)

// Writer publishes output tables to a Kafka topic, one message per row.
// It implements pipeline.TableLoader.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured sink topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaSinkTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

func (w *Writer) Name() string { return "kafka" }

// LoadTables serializes every row and publishes each table in a single
// WriteMessages call. Rows are keyed by table name so a table stays on one
// partition in order.
func (w *Writer) LoadTables(ctx context.Context, runID string, tables []*domain.Table) error {
	generatedAt := domain.Now()
	for _, t := range tables {
		if t.Len() == 0 {
			continue
		}
		msgs, err := serializeTable(t, runID, generatedAt)
		if err != nil {
			return err
		}
		if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
			return fmt.Errorf("publish %s: %w", t.Name, err)
		}
		w.logger.Debug("table published", "table", t.Name, "rows", len(msgs))
	}
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeTable marshals each row of a table into a Kafka message.
func serializeTable(t *domain.Table, runID string, generatedAt time.Time) ([]kafkago.Message, error) {
	stamp := []byte(generatedAt.UTC().Format(time.RFC3339))
	msgs := make([]kafkago.Message, 0, t.Len())
	for i, rec := range t.Records() {
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("serialize %s row %d: %w", t.Name, i, err)
		}
		msgs = append(msgs, kafkago.Message{
			Key:   []byte(t.Name),
			Value: data,
			Headers: []kafkago.Header{
				{Key: HeaderTable, Value: []byte(t.Name)},
				{Key: HeaderRunID, Value: []byte(runID)},
				{Key: HeaderRow, Value: []byte(strconv.Itoa(i))},
				{Key: HeaderGeneratedAt, Value: stamp},
			},
		})
	}
	return msgs, nil
}
