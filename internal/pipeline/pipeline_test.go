package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/accident-data-etl/internal/domain"
	"github.com/couchcryptid/accident-data-etl/internal/observability"
	"github.com/couchcryptid/accident-data-etl/internal/pipeline"
	"github.com/couchcryptid/accident-data-etl/internal/validate"
)

// --- mocks ---

type mockExtractor struct {
	mu     sync.Mutex
	events []domain.RawEvent
	errs   []error
	calls  int
}

func (m *mockExtractor) ExtractBatch(_ context.Context, batchSize int) ([]domain.RawEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	n := min(batchSize, len(m.events))
	batch := m.events[:n]
	m.events = m.events[n:]
	return batch, nil
}

type mockLoader struct {
	name     string
	failures int
	err      error
	calls    int
	runID    string
	tables   []*domain.Table
}

func (m *mockLoader) Name() string { return m.name }

func (m *mockLoader) LoadTables(_ context.Context, runID string, tables []*domain.Table) error {
	m.calls++
	if m.err != nil && m.calls <= m.failures {
		return m.err
	}
	m.runID = runID
	m.tables = tables
	return nil
}

func (m *mockLoader) table(name string) *domain.Table {
	for _, t := range m.tables {
		if t.Name == name {
			return t
		}
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMetrics() *observability.Metrics {
	// Use a fresh registry to avoid "already registered" panics in tests.
	return observability.NewMetricsForTesting()
}

func testOptions() pipeline.Options {
	return pipeline.Options{BatchSize: 2, WriteMaxRetries: 2, WriteRetryDelay: time.Millisecond}
}

func newPipeline(ext pipeline.BatchExtractor, metrics *observability.Metrics, loaders ...pipeline.TableLoader) *pipeline.Pipeline {
	return pipeline.New(ext, pipeline.NewDecoder(), loaders, domain.DefaultRules(), discardLogger(), metrics, testOptions())
}

// --- tests ---

func TestPipeline_Run_HappyPath(t *testing.T) {
	var committed []string
	events := []domain.RawEvent{
		makeRawEvent(t, record("A-1", "2", "2021-03-01 08:00:00", "Austin", "TX")),
		makeRawEvent(t, record("A-2", "3", "2021-03-02 17:00:00", "Austin", "TX")),
		makeRawEvent(t, record("A-3", "1", "2022-05-02 12:00:00", "Fresno", "CA")),
	}
	for i := range events {
		id := string(events[i].Key)
		events[i].Commit = func(_ context.Context) error {
			committed = append(committed, id)
			return nil
		}
	}
	ext := &mockExtractor{events: events}
	ldr := &mockLoader{name: "memory"}
	metrics := newTestMetrics()
	p := newPipeline(ext, metrics, ldr)

	require.Error(t, p.CheckReadiness(context.Background()))

	report, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, report.RunID, ldr.runID)
	assert.Equal(t, 3, report.Extracted)
	assert.Equal(t, 3, report.Clean.Output)
	assert.Equal(t, 3, ext.calls, "two full batches then an empty one")
	assert.Equal(t, []string{"A-1", "A-2", "A-3"}, committed)
	require.NoError(t, p.CheckReadiness(context.Background()))

	names := make([]string, len(ldr.tables))
	for i, tbl := range ldr.tables {
		names[i] = tbl.Name
	}
	want := []string{
		"cleaned_accidents", "dim_time", "dim_location", "dim_weather", "accident_detail",
		"agg_federal", "agg_state_anomaly", "agg_infrastructure", "agg_weather_state",
		"agg_city_state", "agg_city_pareto", "agg_time_pattern", "_aggregate_summary",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("output tables mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3, ldr.table("accident_detail").Len())

	assert.InDelta(t, 3, testutil.ToFloat64(metrics.RecordsExtracted), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(metrics.RowsLoaded.WithLabelValues("memory", "accident_detail")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.AggregateValid.WithLabelValues("agg_federal")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.PipelineRunning), 0)
}

func TestPipeline_Run_DecodeErrorSkipsAndCommits(t *testing.T) {
	committed := 0
	bad := domain.RawEvent{Key: []byte("bad"), Value: []byte("not json"), Commit: func(context.Context) error {
		committed++
		return nil
	}}
	ext := &mockExtractor{events: []domain.RawEvent{
		bad,
		makeRawEvent(t, record("A-1", "2", "2021-03-01 08:00:00", "Austin", "TX")),
	}}
	ldr := &mockLoader{name: "memory"}
	metrics := newTestMetrics()

	report, err := newPipeline(ext, metrics, ldr).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.DecodeErrors)
	assert.Equal(t, 1, committed)
	assert.Equal(t, 1, ldr.table("cleaned_accidents").Len())
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.DecodeErrors), 0)
}

func TestPipeline_Run_YearWindow(t *testing.T) {
	ext := &mockExtractor{events: []domain.RawEvent{
		makeRawEvent(t, record("A-1", "2", "2018-12-31 23:59:00", "Austin", "TX")),
		makeRawEvent(t, record("A-2", "2", "2019-01-01 00:00:00", "Austin", "TX")),
		makeRawEvent(t, record("A-3", "2", "2023-01-01 00:00:00", "Austin", "TX")),
		makeRawEvent(t, record("A-4", "2", "", "Austin", "TX")),
	}}
	ldr := &mockLoader{name: "memory"}

	report, err := newPipeline(ext, newTestMetrics(), ldr).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Filtered)
	ids, _ := ldr.table("cleaned_accidents").Column("ID")
	assert.Equal(t, []any{"A-2"}, ids)
}

func TestPipeline_Run_ExtractRetries(t *testing.T) {
	ext := &mockExtractor{
		events: []domain.RawEvent{makeRawEvent(t, record("A-1", "2", "2021-03-01 08:00:00", "Austin", "TX"))},
		errs:   []error{errors.New("broker unavailable")},
	}
	ldr := &mockLoader{name: "memory"}

	report, err := newPipeline(ext, newTestMetrics(), ldr).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Extracted)
}

func TestPipeline_Run_ExtractGivesUp(t *testing.T) {
	boom := errors.New("broker unavailable")
	ext := &mockExtractor{errs: []error{boom, boom, boom, boom}}
	ldr := &mockLoader{name: "memory"}

	_, err := newPipeline(ext, newTestMetrics(), ldr).Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Zero(t, ldr.calls)
}

func TestPipeline_Run_ContextCancellation(t *testing.T) {
	ext := &mockExtractor{}
	ldr := &mockLoader{name: "memory"}
	p := newPipeline(ext, newTestMetrics(), ldr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, ldr.tables)
	assert.Error(t, p.CheckReadiness(context.Background()))
}

func TestPipeline_Run_LoadRetriesThenSucceeds(t *testing.T) {
	ext := &mockExtractor{events: []domain.RawEvent{makeRawEvent(t, record("A-1", "2", "2021-03-01 08:00:00", "Austin", "TX"))}}
	ldr := &mockLoader{name: "csv", err: errors.New("file locked"), failures: 2}
	metrics := newTestMetrics()

	_, err := newPipeline(ext, metrics, ldr).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, ldr.calls)
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.LoadRetries.WithLabelValues("csv")), 0)
}

func TestPipeline_Run_LoadFailureSkipsCommit(t *testing.T) {
	committed := false
	raw := makeRawEvent(t, record("A-1", "2", "2021-03-01 08:00:00", "Austin", "TX"))
	raw.Commit = func(context.Context) error {
		committed = true
		return nil
	}
	ext := &mockExtractor{events: []domain.RawEvent{raw}}
	csv := &mockLoader{name: "csv", err: errors.New("file locked"), failures: 10}
	sqlite := &mockLoader{name: "sqlite", err: errors.New("disk full"), failures: 10}
	ok := &mockLoader{name: "memory"}
	p := newPipeline(ext, newTestMetrics(), csv, ok, sqlite)

	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "csv: file locked")
	assert.Contains(t, err.Error(), "sqlite: disk full")
	assert.Equal(t, 3, csv.calls, "initial attempt plus two retries")
	assert.NotEmpty(t, ok.tables)
	assert.False(t, committed)
	assert.Error(t, p.CheckReadiness(context.Background()))
}

func TestPipeline_Run_CleanValidationIsFatal(t *testing.T) {
	ext := &mockExtractor{events: []domain.RawEvent{
		makeRawEvent(t, record("A-1", "2", "2021-03-01 08:00:00", "Austin", "TX")),
		makeRawEvent(t, record("A-1", "3", "2021-03-02 08:00:00", "Austin", "TX")),
	}}
	ldr := &mockLoader{name: "memory"}
	metrics := newTestMetrics()

	_, err := newPipeline(ext, metrics, ldr).Run(context.Background())
	require.Error(t, err)

	var verr *validate.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "cleaner", verr.Stage)
	require.Len(t, verr.Failures, 1)
	assert.Equal(t, "ID", verr.Failures[0].Column)
	assert.Zero(t, ldr.calls)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.ValidationFailures.WithLabelValues("cleaner")), 0)
}

func TestPipeline_Run_FrozenClock(t *testing.T) {
	fakeClock := clockwork.NewFakeClockAt(time.Date(2024, time.April, 26, 15, 10, 0, 0, time.UTC))
	domain.SetClock(fakeClock)
	t.Cleanup(func() {
		domain.SetClock(nil)
	})

	ext := &mockExtractor{events: []domain.RawEvent{makeRawEvent(t, record("A-1", "2", "2021-03-01 08:00:00", "Austin", "TX"))}}
	report, err := newPipeline(ext, newTestMetrics(), &mockLoader{name: "memory"}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fakeClock.Now(), report.StartedAt)
	assert.Zero(t, report.Duration)
}

func TestPipeline_Run_EmptySource(t *testing.T) {
	ldr := &mockLoader{name: "memory"}
	report, err := newPipeline(&mockExtractor{}, newTestMetrics(), ldr).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Extracted)
	assert.Zero(t, report.Clean.Output)
	assert.Len(t, ldr.tables, len(report.Tables))
	for _, tbl := range report.Tables {
		if tbl.Name == "_aggregate_summary" {
			continue
		}
		assert.Zero(t, tbl.Len(), tbl.Name)
	}
}

func TestPipeline_LastRun(t *testing.T) {
	ext := &mockExtractor{events: []domain.RawEvent{
		makeRawEvent(t, record("A-1", "2", "2021-03-01 08:00:00", "Austin", "TX")),
		makeRawEvent(t, record("A-2", "3", "2021-03-02 17:15:00", "Dallas", "TX")),
	}}
	p := newPipeline(ext, newTestMetrics(), &mockLoader{name: "memory"})

	_, ok := p.LastRun()
	assert.False(t, ok)
	require.Error(t, p.CheckReadiness(context.Background()))

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.CheckReadiness(context.Background()))

	summary, ok := p.LastRun()
	require.True(t, ok)
	assert.Equal(t, report.RunID, summary.RunID)
	assert.Equal(t, 2, summary.Extracted)
	assert.Equal(t, 2, summary.CleanOutput)
	assert.Equal(t, 2, summary.Tables["accident_detail"])
	assert.Len(t, summary.Tables, len(report.Tables))
	assert.Equal(t, report.Aggregates.Valid, summary.AggregatesValid)
}

func TestRecordDecoder_Decode(t *testing.T) {
	raw := makeRawEvent(t, record("A-9", "4", "2021-03-01 08:00:00", "Austin", "TX"))

	acc, err := pipeline.NewDecoder().Decode(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "A-9", acc.ID)
	require.NotNil(t, acc.Severity)
	assert.Equal(t, 4, *acc.Severity)
	assert.Equal(t, "Austin", acc.City)

	_, err = pipeline.NewDecoder().Decode(context.Background(), domain.RawEvent{Value: []byte("{")})
	assert.Error(t, err)
}

func TestInYearWindow(t *testing.T) {
	r := domain.DefaultRules()
	at := func(year int) domain.RawAccident {
		return domain.RawAccident{StartTime: time.Date(year, 6, 1, 0, 0, 0, 0, time.UTC)}
	}
	assert.False(t, pipeline.InYearWindow(at(2018), r))
	assert.True(t, pipeline.InYearWindow(at(2019), r))
	assert.True(t, pipeline.InYearWindow(at(2022), r))
	assert.False(t, pipeline.InYearWindow(at(2023), r))
	assert.False(t, pipeline.InYearWindow(domain.RawAccident{}, r))
}

// --- helpers ---

func record(id, severity, start, city, state string) domain.RawRecord {
	end := ""
	if t := domain.ParseTimestamp(start); !t.IsZero() {
		end = t.Add(30 * time.Minute).Format("2006-01-02 15:04:05")
	}
	return domain.RawRecord{
		ID:               id,
		Severity:         severity,
		StartTime:        start,
		EndTime:          end,
		Street:           "Main St",
		City:             city,
		County:           city + " County",
		State:            state,
		WeatherCondition: "Fair",
		Temperature:      "60",
		Visibility:       "10",
		Precipitation:    "0",
		Junction:         "True",
	}
}

func makeRawEvent(t *testing.T, rec domain.RawRecord) domain.RawEvent {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	return domain.RawEvent{
		Key:   []byte(rec.ID),
		Value: data,
	}
}
