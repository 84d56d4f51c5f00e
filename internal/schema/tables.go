package schema

import (
	"strings"

	"github.com/couchcryptid/accident-data-etl/internal/domain"
)

// TimeTable renders the time dimension.
func (s Schema) TimeTable() *domain.Table {
	t := domain.NewTable(TableTime, ColDate, ColDay, ColMonth, ColQuarter, ColYear)
	for _, r := range s.Time {
		t.Append(r.Date, r.Day, r.Month, r.Quarter, r.Year)
	}
	return t
}

// LocationTable renders the location dimension with one count column per flag.
func (s Schema) LocationTable() *domain.Table {
	cols := []string{ColLocationID, ColStreet, ColCity, ColCounty, ColState}
	for _, f := range s.Flags {
		cols = append(cols, string(f))
	}
	t := domain.NewTable(TableLocation, cols...)
	for _, r := range s.Location {
		row := []any{r.ID, r.Street, r.City, r.County, r.State}
		for _, f := range s.Flags {
			row = append(row, r.Counts[f])
		}
		t.Append(row...)
	}
	return t
}

// WeatherTable renders the weather dimension.
func (s Schema) WeatherTable() *domain.Table {
	t := domain.NewTable(TableWeather, ColWeatherID, ColCondition)
	for _, r := range s.Weather {
		t.Append(r.ID, r.Condition)
	}
	return t
}

// FactTable renders the accident fact table.
func (s Schema) FactTable() *domain.Table {
	t := domain.NewTable(TableFact,
		ColID, ColLocationID, ColWeatherID, ColFullDate,
		ColStartTime, ColEndTime, ColSeverity, ColDurationMin, ColDescription,
	)
	for _, r := range s.Fact {
		t.Append(r.ID, r.LocationID, r.WeatherID, r.Date, r.StartTime, r.EndTime, r.Severity, r.DurationMin, r.Description)
	}
	return t
}

// Tables returns the dimensions followed by the fact table.
func (s Schema) Tables() []*domain.Table {
	return []*domain.Table{s.TimeTable(), s.LocationTable(), s.WeatherTable(), s.FactTable()}
}

// Frames resolves "table.column" names across several tables so one
// rule set can cover the whole schema.
type Frames map[string]*domain.Table

func (m Frames) Len() int {
	n := 0
	for _, t := range m {
		n += t.Len()
	}
	return n
}

func (m Frames) Column(name string) ([]any, bool) {
	table, column, ok := strings.Cut(name, ".")
	if !ok {
		return nil, false
	}
	t, ok := m[table]
	if !ok {
		return nil, false
	}
	return t.Column(column)
}
