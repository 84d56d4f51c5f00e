package csvfile_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/accident-data-etl/internal/adapter/csvfile"
	"github.com/couchcryptid/accident-data-etl/internal/domain"
	"github.com/couchcryptid/accident-data-etl/internal/observability"
	"github.com/couchcryptid/accident-data-etl/internal/pipeline"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const rawCSV = `ID,Severity,Start_Time,End_Time,Street,City,County,State,Weather_Condition,Temperature(F),Visibility(mi),Precipitation(in),Description,Amenity,Crossing,Junction,Railway,Station,Stop,Traffic_Signal,Extra
A-1,2,2021-03-01 08:00:00,2021-03-01 08:40:00,Main St,Austin,Travis,TX,Fair,65,10,0,"Crash at Main St, Austin",False,False,True,False,False,False,False,x
A-2,3,2021-03-02 17:15:00,2021-03-02 18:15:00,Main St,Austin,Travis,TX,Light Rain,55,5,0.1,Rear-end,False,False,False,False,False,False,True,x
A-3,2,bad"quote
A-4,1,2022-06-10 12:30:00,2022-06-10 13:00:00,Elm St,Dallas,Dallas,TX,Cloudy,90,10
`

func writeRaw(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accidents.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestSource_ExtractBatch(t *testing.T) {
	src, err := csvfile.Open(writeRaw(t, rawCSV), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	ctx := context.Background()
	first, err := src.ExtractBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, []byte("A-1"), first[0].Key)

	rec, err := domain.DecodeRawRecord(first[0])
	require.NoError(t, err)
	assert.Equal(t, "Crash at Main St, Austin", rec.Description)
	assert.Equal(t, "True", rec.Junction)
	assert.Equal(t, "65", rec.Temperature)

	second, err := src.ExtractBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, second, 1, "malformed row is skipped")
	short, err := domain.DecodeRawRecord(second[0])
	require.NoError(t, err)
	assert.Equal(t, "A-4", short.ID)
	assert.Empty(t, short.Description, "missing trailing fields are empty")

	done, err := src.ExtractBatch(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, done)
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := csvfile.Open(filepath.Join(t.TempDir(), "missing.csv"), discardLogger())
	require.Error(t, err)
}

func TestFormatCell(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"Austin", "Austin"},
		{true, "True"},
		{false, "False"},
		{42, "42"},
		{int64(7), "7"},
		{3.25, "3.25"},
		{2.0, "2"},
		{time.Date(2021, 3, 1, 8, 0, 0, 0, time.UTC), "2021-03-01 08:00:00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, csvfile.FormatCell(tt.in))
	}
}

func TestSink_RoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	tbl := domain.NewTable("agg_federal", "Year", "total_accidents", "yoy_accidents_change", "label")
	tbl.Append(2020, 2, math.NaN(), "first, with comma")
	tbl.Append(2021, 3, 50.0, "second")

	sink := csvfile.NewSink(dir, discardLogger())
	require.NoError(t, sink.LoadTables(context.Background(), "run-1", []*domain.Table{tbl}))

	got, err := csvfile.ReadTable(filepath.Join(dir, "agg_federal.csv"))
	require.NoError(t, err)
	assert.Equal(t, "agg_federal", got.Name)
	assert.Equal(t, tbl.Columns, got.Columns)
	assert.Equal(t, [][]any{
		{"2020", "2", nil, "first, with comma"},
		{"2021", "3", "50", "second"},
	}, got.Rows)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestWriteTable(t *testing.T) {
	tbl := domain.NewTable("dim_weather", "weather_id", "Weather_Condition")
	tbl.Append("W1", "Fair")

	var buf bytes.Buffer
	require.NoError(t, csvfile.WriteTable(&buf, tbl))
	assert.Equal(t, "weather_id,Weather_Condition\nW1,Fair\n", buf.String())
}

func TestReadTable_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	_, err := csvfile.ReadTable(path)
	require.Error(t, err)
}

func TestPipeline_CSVToCSV(t *testing.T) {
	src, err := csvfile.Open(writeRaw(t, rawCSV), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	dir := t.TempDir()
	sink := csvfile.NewSink(dir, discardLogger())
	p := pipeline.New(src, pipeline.NewDecoder(), []pipeline.TableLoader{sink},
		domain.DefaultRules(), discardLogger(), observability.NewMetricsForTesting(),
		pipeline.Options{BatchSize: 10})

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Clean.Output)

	for _, tbl := range report.Tables {
		_, err := os.Stat(filepath.Join(dir, tbl.Name+".csv"))
		require.NoError(t, err, tbl.Name)
	}

	fact, err := csvfile.ReadTable(filepath.Join(dir, "accident_detail.csv"))
	require.NoError(t, err)
	assert.Equal(t, 3, fact.Len())
	starts, ok := fact.Column("Start_Time")
	require.True(t, ok)
	assert.Equal(t, "2021-03-01 08:00:00", starts[0])
}
