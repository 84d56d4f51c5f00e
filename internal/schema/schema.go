// Package schema decomposes the cleaned dataset into a star schema: time,
// location and weather dimensions around an accident fact table.
package schema

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/couchcryptid/accident-data-etl/internal/domain"
	"github.com/couchcryptid/accident-data-etl/internal/validate"
)

// Stage names used in validation reports.
const (
	StageKeys       = "schema_keys"
	StageReferences = "schema_references"
)

// Table names.
const (
	TableTime     = "dim_time"
	TableLocation = "dim_location"
	TableWeather  = "dim_weather"
	TableFact     = "accident_detail"
)

// Column names shared by the dimensions and the fact table.
const (
	ColDate        = "Date"
	ColDay         = "Day"
	ColMonth       = "Month"
	ColQuarter     = "Quarter"
	ColYear        = "Year"
	ColLocationID  = "Location_id"
	ColStreet      = "Street"
	ColCity        = "City"
	ColCounty      = "County"
	ColState       = "State"
	ColWeatherID   = "weather_id"
	ColCondition   = "Weather_Condition"
	ColID          = "ID"
	ColFullDate    = "full_date"
	ColStartTime   = "Start_Time"
	ColEndTime     = "End_Time"
	ColSeverity    = "Severity"
	ColDurationMin = "Duration_min"
	ColDescription = "Description"
)

// DateLayout formats the Time dimension key.
const DateLayout = "2006-01-02"

// TimeRow is one calendar date.
type TimeRow struct {
	Date    string
	Day     int
	Month   int
	Quarter int
	Year    int
}

// LocationRow is one street within a city, with per-location counts of each
// weighted infrastructure flag.
type LocationRow struct {
	ID     string
	Street string
	City   string
	County string
	State  string
	Counts map[domain.InfraFlag]int
}

// WeatherRow is one distinct raw weather-condition text.
type WeatherRow struct {
	ID        string
	Condition string
}

// FactRow is one accident keyed to its dimensions.
type FactRow struct {
	ID          string
	LocationID  string
	WeatherID   string
	Date        string
	StartTime   time.Time
	EndTime     time.Time
	Severity    int
	DurationMin float64
	Description string
}

// Schema is the built star schema plus the validation reports that gated it.
type Schema struct {
	Time     []TimeRow
	Location []LocationRow
	Weather  []WeatherRow
	Fact     []FactRow

	// Flags lists the infrastructure columns carried by the location dimension.
	Flags []domain.InfraFlag

	Keys      validate.Report
	RefReport validate.Report
}

// Builder constructs a Schema from cleaned accidents.
type Builder struct {
	rules  domain.Rules
	engine *validate.Engine
	logger *slog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(rules domain.Rules, engine *validate.Engine, logger *slog.Logger) *Builder {
	return &Builder{rules: rules, engine: engine, logger: logger}
}

// Build creates the dimensions, then the fact table, then validates. Key
// uniqueness and the duration cap are fatal. Orphaned foreign keys are
// reported in Schema.RefReport without failing the build.
func (b *Builder) Build(accidents []domain.Accident) (Schema, error) {
	s := Schema{Flags: b.rules.WeightedFlags()}
	s.Time = BuildTime(accidents)
	s.Location = BuildLocation(accidents, s.Flags)
	s.Weather = BuildWeather(accidents)
	s.Fact = BuildFact(accidents, s.Weather, b.rules)

	keys, err := b.engine.Strict().Check(StageKeys, Frames{
		TableTime:     s.TimeTable(),
		TableLocation: s.LocationTable(),
		TableWeather:  s.WeatherTable(),
		TableFact:     s.FactTable(),
	}, KeyRules(b.rules))
	s.Keys = keys
	if err != nil {
		return s, fmt.Errorf("build schema: %w", err)
	}

	refs, err := b.engine.Advisory().CheckReferences(StageReferences, s.References())
	s.RefReport = refs
	if err != nil {
		return s, fmt.Errorf("build schema: %w", err)
	}
	if !refs.Passed() {
		b.logger.Warn("schema validation found orphan records", "failures", len(refs.Failures()))
	}

	b.logger.Info("star schema built",
		"dim_time", len(s.Time),
		"dim_location", len(s.Location),
		"dim_weather", len(s.Weather),
		"accident_detail", len(s.Fact),
	)
	return s, nil
}

// BuildTime returns one row per distinct start date, sorted by date.
func BuildTime(accidents []domain.Accident) []TimeRow {
	seen := make(map[string]struct{})
	var rows []TimeRow
	for _, a := range accidents {
		d := domain.Date(a.StartTime)
		if d.IsZero() {
			continue
		}
		key := d.Format(DateLayout)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		rows = append(rows, TimeRow{
			Date:    key,
			Day:     d.Day(),
			Month:   int(d.Month()),
			Quarter: (int(d.Month())-1)/3 + 1,
			Year:    d.Year(),
		})
	}
	slices.SortFunc(rows, func(x, y TimeRow) int { return cmp.Compare(x.Date, y.Date) })
	return rows
}

// BuildLocation groups accidents by Street_City. Descriptive columns take the
// first value seen for the key; flags are counts of true values. Rows are
// sorted by state, city, then key.
func BuildLocation(accidents []domain.Accident, flags []domain.InfraFlag) []LocationRow {
	index := make(map[string]int)
	var rows []LocationRow
	for _, a := range accidents {
		id := domain.LocationKey(a.Street, a.City)
		i, ok := index[id]
		if !ok {
			i = len(rows)
			index[id] = i
			rows = append(rows, LocationRow{
				ID:     id,
				Street: a.Street,
				City:   a.City,
				County: a.County,
				State:  a.State,
				Counts: make(map[domain.InfraFlag]int, len(flags)),
			})
		}
		for _, f := range flags {
			if a.Infra[f] {
				rows[i].Counts[f]++
			}
		}
	}
	slices.SortStableFunc(rows, func(x, y LocationRow) int {
		return cmp.Or(cmp.Compare(x.State, y.State), cmp.Compare(x.City, y.City), cmp.Compare(x.ID, y.ID))
	})
	return rows
}

// LocationConflict is a location key shared by rows that disagree on state
// or on the street and city that produced it.
type LocationConflict struct {
	ID     string
	States []string
	Pairs  int
}

// LocationConflicts groups a table with street, city and state columns by
// location key and returns the keys that merge more than one state or more
// than one street and city pair. BuildLocation keeps the first state seen for
// such a key.
func LocationConflicts(t *domain.Table) ([]LocationConflict, error) {
	streets, okStreet := t.Column(ColStreet)
	cities, okCity := t.Column(ColCity)
	states, okState := t.Column(ColState)
	if !okStreet || !okCity || !okState {
		return nil, fmt.Errorf("%s: missing location columns", t.Name)
	}

	type seen struct {
		states []string
		pairs  map[[2]string]struct{}
	}
	var order []string
	byKey := make(map[string]*seen)
	for i := range streets {
		street, city := fmt.Sprint(streets[i]), fmt.Sprint(cities[i])
		id := domain.LocationKey(street, city)
		g, ok := byKey[id]
		if !ok {
			g = &seen{pairs: make(map[[2]string]struct{})}
			byKey[id] = g
			order = append(order, id)
		}
		if st := fmt.Sprint(states[i]); !slices.Contains(g.states, st) {
			g.states = append(g.states, st)
		}
		g.pairs[[2]string{street, city}] = struct{}{}
	}

	var out []LocationConflict
	for _, id := range order {
		g := byKey[id]
		if len(g.states) > 1 || len(g.pairs) > 1 {
			out = append(out, LocationConflict{ID: id, States: g.states, Pairs: len(g.pairs)})
		}
	}
	return out, nil
}

// BuildWeather assigns W1, W2, ... to distinct condition texts in order of
// first appearance.
func BuildWeather(accidents []domain.Accident) []WeatherRow {
	seen := make(map[string]struct{})
	var rows []WeatherRow
	for _, a := range accidents {
		if _, ok := seen[a.WeatherCondition]; ok {
			continue
		}
		seen[a.WeatherCondition] = struct{}{}
		rows = append(rows, WeatherRow{
			ID:        "W" + strconv.Itoa(len(rows)+1),
			Condition: a.WeatherCondition,
		})
	}
	return rows
}

// BuildFact keys each accident to its dimensions. Duration is recomputed from
// the timestamps through domain.Duration so the cap always applies.
func BuildFact(accidents []domain.Accident, weather []WeatherRow, r domain.Rules) []FactRow {
	weatherIDs := make(map[string]string, len(weather))
	for _, w := range weather {
		weatherIDs[w.Condition] = w.ID
	}
	rows := make([]FactRow, 0, len(accidents))
	for _, a := range accidents {
		var date string
		if d := domain.Date(a.StartTime); !d.IsZero() {
			date = d.Format(DateLayout)
		}
		rows = append(rows, FactRow{
			ID:          a.ID,
			LocationID:  domain.LocationKey(a.Street, a.City),
			WeatherID:   weatherIDs[a.WeatherCondition],
			Date:        date,
			StartTime:   a.StartTime,
			EndTime:     a.EndTime,
			Severity:    a.Severity,
			DurationMin: domain.Duration(a.StartTime, a.EndTime, r.MaxDurationMin),
			Description: a.Description,
		})
	}
	return rows
}

// KeyRules are the fatal checks run after construction: primary-key
// uniqueness on every table and the duration cap on the fact table. Column
// names are qualified with their table.
func KeyRules(r domain.Rules) []validate.Rule {
	return []validate.Rule{
		{Column: TableTime + "." + ColDate, MaxNullRatio: validate.Float(0), Unique: true},
		{Column: TableLocation + "." + ColLocationID, MaxNullRatio: validate.Float(0), Unique: true},
		{Column: TableLocation + "." + ColState, MaxNullRatio: validate.Float(0)},
		{Column: TableWeather + "." + ColWeatherID, MaxNullRatio: validate.Float(0), Unique: true},
		{Column: TableFact + "." + ColID, MaxNullRatio: validate.Float(0), Unique: true},
		{Column: TableFact + "." + ColLocationID, MaxNullRatio: validate.Float(0)},
		{Column: TableFact + "." + ColWeatherID, MaxNullRatio: validate.Float(0)},
		{Column: TableFact + "." + ColFullDate, MaxNullRatio: validate.Float(0)},
		{Column: TableFact + "." + ColDurationMin, Min: validate.Float(0), Max: validate.Float(r.MaxDurationMin)},
	}
}

// References returns the three foreign-key pairs of the fact table.
func (s Schema) References() []validate.Reference {
	fact := s.FactTable()
	return []validate.Reference{
		{Name: "date", Fact: fact, ForeignKey: ColFullDate, Dim: s.TimeTable(), PrimaryKey: ColDate},
		{Name: "location", Fact: fact, ForeignKey: ColLocationID, Dim: s.LocationTable(), PrimaryKey: ColLocationID},
		{Name: "weather", Fact: fact, ForeignKey: ColWeatherID, Dim: s.WeatherTable(), PrimaryKey: ColWeatherID},
	}
}
