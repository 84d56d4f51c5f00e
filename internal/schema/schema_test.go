package schema_test

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/accident-data-etl/internal/domain"
	"github.com/couchcryptid/accident-data-etl/internal/schema"
	"github.com/couchcryptid/accident-data-etl/internal/validate"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func accident(id, street, city, state, weather string, start time.Time, minutes int, flags ...domain.InfraFlag) domain.Accident {
	infra := make(map[domain.InfraFlag]bool)
	for _, f := range flags {
		infra[f] = true
	}
	a := domain.Accident{
		ID:               id,
		Severity:         2,
		StartTime:        start,
		EndTime:          start.Add(time.Duration(minutes) * time.Minute),
		Street:           street,
		City:             city,
		County:           city + " County",
		State:            state,
		WeatherCondition: weather,
		Infra:            infra,
	}
	return domain.Derive(a, domain.DefaultRules())
}

func fixture() []domain.Accident {
	d1 := time.Date(2021, 2, 1, 8, 0, 0, 0, time.UTC)
	d2 := time.Date(2021, 5, 3, 17, 0, 0, 0, time.UTC)
	return []domain.Accident{
		accident("A-1", "Main St", "Austin", "TX", "Fair", d1, 30, domain.Junction),
		accident("A-2", "Main St", "Austin", "TX", "Light Rain", d1.Add(2*time.Hour), 45, domain.Junction, domain.Stop),
		accident("A-3", "Oak Ave", "Dallas", "TX", "Fair", d2, 3000),
		accident("A-4", "Pine Rd", "Boise", "ID", "Fog", d2, 10, domain.Railway),
	}
}

func TestBuild(t *testing.T) {
	b := schema.NewBuilder(domain.DefaultRules(), validate.NewEngine(true, discardLogger()), discardLogger())
	s, err := b.Build(fixture())
	require.NoError(t, err)

	t.Run("time dimension", func(t *testing.T) {
		assert.Equal(t, []schema.TimeRow{
			{Date: "2021-02-01", Day: 1, Month: 2, Quarter: 1, Year: 2021},
			{Date: "2021-05-03", Day: 3, Month: 5, Quarter: 2, Year: 2021},
		}, s.Time)
	})

	t.Run("location dimension", func(t *testing.T) {
		require.Len(t, s.Location, 3)
		assert.Equal(t, "Pine Rd_Boise", s.Location[0].ID, "sorted by state then city")
		assert.Equal(t, "Main St_Austin", s.Location[1].ID)
		assert.Equal(t, "Oak Ave_Dallas", s.Location[2].ID)
		assert.Equal(t, 2, s.Location[1].Counts[domain.Junction])
		assert.Equal(t, 1, s.Location[1].Counts[domain.Stop])
		assert.Zero(t, s.Location[0].Counts[domain.Railway], "unweighted flags are not carried")
	})

	t.Run("weather dimension", func(t *testing.T) {
		assert.Equal(t, []schema.WeatherRow{
			{ID: "W1", Condition: "Fair"},
			{ID: "W2", Condition: "Light Rain"},
			{ID: "W3", Condition: "Fog"},
		}, s.Weather)
	})

	t.Run("fact table", func(t *testing.T) {
		require.Len(t, s.Fact, 4)
		f := s.Fact[2]
		assert.Equal(t, "A-3", f.ID)
		assert.Equal(t, "Oak Ave_Dallas", f.LocationID)
		assert.Equal(t, "W1", f.WeatherID)
		assert.Equal(t, "2021-05-03", f.Date)
		assert.Equal(t, 1440.0, f.DurationMin, "duration recomputed with the cap")
		for _, row := range s.Fact {
			assert.GreaterOrEqual(t, row.DurationMin, 0.0)
			assert.LessOrEqual(t, row.DurationMin, 1440.0)
		}
	})

	t.Run("every foreign key resolves", func(t *testing.T) {
		assert.Equal(t, validate.Passed, s.Keys.Status)
		assert.Equal(t, validate.Passed, s.RefReport.Status)
		for _, ref := range s.References() {
			fk, _ := ref.Fact.Column(ref.ForeignKey)
			pk, _ := ref.Dim.Column(ref.PrimaryKey)
			assert.Empty(t, validate.Orphans(fk, pk), ref.Name)
		}
	})

	t.Run("tables", func(t *testing.T) {
		tables := s.Tables()
		require.Len(t, tables, 4)
		assert.Equal(t, schema.TableTime, tables[0].Name)
		assert.Equal(t, []string{"Location_id", "Street", "City", "County", "State", "Junction", "Traffic_Signal", "Crossing", "Stop", "Amenity"}, tables[1].Columns)
		assert.Equal(t, schema.TableFact, tables[3].Name)
		assert.Equal(t, 4, tables[3].Len())
	})
}

func TestBuild_OrphansAreWarnings(t *testing.T) {
	s := schema.Schema{
		Flags:   domain.DefaultRules().WeightedFlags(),
		Time:    []schema.TimeRow{{Date: "2021-01-01"}},
		Weather: []schema.WeatherRow{{ID: "W1", Condition: "Fair"}},
		Fact: []schema.FactRow{
			{ID: "A-1", LocationID: "Gone_Nowhere", WeatherID: "W1", Date: "2021-01-01"},
		},
	}
	report, err := validate.NewEngine(false, discardLogger()).CheckReferences(schema.StageReferences, s.References())
	require.NoError(t, err)
	require.Len(t, report.Failures(), 1)
	assert.Equal(t, "location", report.Failures()[0].Column)
}

func TestKeyRules_DuplicateKeysAreFatal(t *testing.T) {
	s := schema.Schema{
		Flags:    domain.DefaultRules().WeightedFlags(),
		Time:     []schema.TimeRow{{Date: "2021-01-01"}, {Date: "2021-01-01"}},
		Location: []schema.LocationRow{{ID: "Main St_Austin", State: "TX"}},
		Weather:  []schema.WeatherRow{{ID: "W1"}},
		Fact: []schema.FactRow{
			{ID: "A-1", LocationID: "Main St_Austin", WeatherID: "W1", Date: "2021-01-01", DurationMin: 2000},
		},
	}
	frames := schema.Frames{
		schema.TableTime:     s.TimeTable(),
		schema.TableLocation: s.LocationTable(),
		schema.TableWeather:  s.WeatherTable(),
		schema.TableFact:     s.FactTable(),
	}

	_, err := validate.NewEngine(false, discardLogger()).Strict().Check(schema.StageKeys, frames, schema.KeyRules(domain.DefaultRules()))
	var verr *validate.Error
	require.True(t, errors.As(err, &verr))

	failed := make([]string, 0, len(verr.Failures))
	for _, f := range verr.Failures {
		failed = append(failed, f.Column+"/"+f.Check)
	}
	assert.Equal(t, []string{"dim_time.Date/unique", "accident_detail.Duration_min/max"}, failed)
}

func TestBuildLocation_KeyIgnoresState(t *testing.T) {
	d := time.Date(2021, 6, 1, 9, 0, 0, 0, time.UTC)
	accidents := []domain.Accident{
		accident("A-1", "Main St", "Springfield", "IL", "Fair", d, 20, domain.Junction),
		accident("A-2", "Main St", "Springfield", "MO", "Fair", d, 20, domain.Junction),
	}

	rows := schema.BuildLocation(accidents, domain.DefaultRules().WeightedFlags())

	require.Len(t, rows, 1)
	assert.Equal(t, "Main St_Springfield", rows[0].ID)
	assert.Equal(t, "IL", rows[0].State, "first state seen wins")
	assert.Equal(t, 2, rows[0].Counts[domain.Junction])
}

func TestLocationConflicts(t *testing.T) {
	table := func(rows ...[3]string) *domain.Table {
		tbl := domain.NewTable("cleaned_accidents", schema.ColStreet, schema.ColCity, schema.ColState)
		for _, r := range rows {
			tbl.Append(r[0], r[1], r[2])
		}
		return tbl
	}

	tests := []struct {
		name string
		tbl  *domain.Table
		want []schema.LocationConflict
	}{
		{
			name: "consistent keys",
			tbl:  table([3]string{"Main St", "Austin", "TX"}, [3]string{"Main St", "Austin", "TX"}, [3]string{"Oak Ave", "Dallas", "TX"}),
		},
		{
			name: "same street and city in two states",
			tbl:  table([3]string{"Main St", "Springfield", "IL"}, [3]string{"Main St", "Springfield", "MO"}),
			want: []schema.LocationConflict{{ID: "Main St_Springfield", States: []string{"IL", "MO"}, Pairs: 1}},
		},
		{
			name: "underscore moves between street and city",
			tbl:  table([3]string{"A_B", "C", "TX"}, [3]string{"A", "B_C", "TX"}),
			want: []schema.LocationConflict{{ID: "A_B_C", States: []string{"TX"}, Pairs: 2}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := schema.LocationConflicts(tt.tbl)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("missing columns", func(t *testing.T) {
		_, err := schema.LocationConflicts(domain.NewTable("dim_weather", "weather_id"))
		require.Error(t, err)
	})
}

func TestBuild_EmptyInput(t *testing.T) {
	b := schema.NewBuilder(domain.DefaultRules(), validate.NewEngine(true, discardLogger()), discardLogger())
	s, err := b.Build(nil)
	require.NoError(t, err)
	assert.Empty(t, s.Fact)
	assert.Empty(t, s.Time)
}
