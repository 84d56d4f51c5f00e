// Package clean turns typed raw accidents into the canonical cleaned dataset.
package clean

import (
	"fmt"
	"log/slog"

	"github.com/couchcryptid/accident-data-etl/internal/domain"
	"github.com/couchcryptid/accident-data-etl/internal/validate"
)

// Stage is the validation stage name used in reports and errors.
const Stage = "cleaner"

// TableName is the name of the cleaned output table.
const TableName = "cleaned_accidents"

// Cleaned table columns.
const (
	ColID              = "ID"
	ColSeverity        = "Severity"
	ColStartTime       = "Start_Time"
	ColEndTime         = "End_Time"
	ColStreet          = "Street"
	ColCity            = "City"
	ColCounty          = "County"
	ColState           = "State"
	ColWeather         = "Weather_Condition"
	ColTemperature     = "Temperature(F)"
	ColVisibility      = "Visibility(mi)"
	ColPrecipitation   = "Precipitation(in)"
	ColDescription     = "Description"
	ColDuration        = "Duration_Min"
	ColWeatherCategory = "Weather_Category"
	ColInfraScore      = "Infrastructure_Score"
	ColHighSeverity    = "Is_High_Severity"
	ColYear            = "Year"
	ColMonth           = "Month"
	ColHour            = "Hour"
	ColDayOfWeek       = "DayOfWeek"
	ColRushHour        = "Is_Rush_Hour"
	ColWeekend         = "Is_Weekend"
	ColTimePeriod      = "Time_Period"
)

// Stats summarises one cleaning run.
type Stats struct {
	Input      int
	Output     int
	Removed    int
	RemovedPct float64
	Imputed    map[string]int
	Capped     map[string]int
}

// Result is the cleaned dataset plus its tabular form and run statistics.
type Result struct {
	Accidents []domain.Accident
	Table     *domain.Table
	Report    validate.Report
	Stats     Stats
}

// Cleaner imputes, caps, filters and derives features, then gates the output
// through a fail-fast validation.
type Cleaner struct {
	rules  domain.Rules
	engine *validate.Engine
	logger *slog.Logger
}

// New creates a Cleaner. The engine is used in fail-fast mode regardless of
// how it was constructed.
func New(rules domain.Rules, engine *validate.Engine, logger *slog.Logger) *Cleaner {
	return &Cleaner{rules: rules, engine: engine.Strict(), logger: logger}
}

// Clean runs the cleaning steps in their fixed order.
func (c *Cleaner) Clean(records []domain.RawAccident) (Result, error) {
	stats := Stats{
		Input:   len(records),
		Imputed: make(map[string]int),
		Capped:  make(map[string]int),
	}

	medians := map[string]float64{
		ColTemperature:   median(records, func(r domain.RawAccident) *float64 { return r.Temperature }),
		ColVisibility:    median(records, func(r domain.RawAccident) *float64 { return r.Visibility }),
		ColPrecipitation: median(records, func(r domain.RawAccident) *float64 { return r.Precipitation }),
	}

	out := make([]domain.Accident, 0, len(records))
	for _, r := range records {
		a := c.impute(r, medians, stats.Imputed)
		c.capOutliers(&a, stats.Capped)

		if r.Severity == nil || *r.Severity < c.rules.SeverityMin || *r.Severity > c.rules.SeverityMax {
			continue
		}
		a.Severity = *r.Severity

		out = append(out, domain.Derive(a, c.rules))
	}

	stats.Output = len(out)
	stats.Removed = stats.Input - stats.Output
	if stats.Input > 0 {
		stats.RemovedPct = float64(stats.Removed) / float64(stats.Input) * 100
	}

	table := Table(out)
	report, err := c.engine.Check(Stage, table, ValidationRules(c.rules))
	if err != nil {
		return Result{Report: report, Stats: stats}, fmt.Errorf("clean: %w", err)
	}

	c.logger.Info("cleaning complete",
		"input", stats.Input,
		"output", stats.Output,
		"removed", stats.Removed,
		"removed_pct", domain.Round(stats.RemovedPct, 2),
		"capped", stats.Capped,
		"imputed", stats.Imputed,
	)

	return Result{Accidents: out, Table: table, Report: report, Stats: stats}, nil
}

// impute fills nulls: sensor medians, false flags, default weather and
// "Unknown" text.
func (c *Cleaner) impute(r domain.RawAccident, medians map[string]float64, counts map[string]int) domain.Accident {
	a := domain.Accident{
		ID:               r.ID,
		StartTime:        r.StartTime,
		EndTime:          r.EndTime,
		Street:           c.text(r.Street, ColStreet, counts),
		City:             c.text(r.City, ColCity, counts),
		County:           c.text(r.County, ColCounty, counts),
		State:            c.text(r.State, ColState, counts),
		WeatherCondition: r.WeatherCondition,
		Description:      r.Description,
		Infra:            make(map[domain.InfraFlag]bool, len(domain.AllInfraFlags)),
	}
	if a.WeatherCondition == "" {
		a.WeatherCondition = c.rules.MissingWeather
		counts[ColWeather]++
	}

	a.Temperature = fill(r.Temperature, medians[ColTemperature], ColTemperature, counts)
	a.Visibility = fill(r.Visibility, medians[ColVisibility], ColVisibility, counts)
	a.Precipitation = fill(r.Precipitation, medians[ColPrecipitation], ColPrecipitation, counts)

	for _, flag := range domain.AllInfraFlags {
		v, ok := r.Infra[flag]
		if !ok {
			counts[string(flag)]++
		}
		a.Infra[flag] = v
	}
	return a
}

func (c *Cleaner) text(v, column string, counts map[string]int) string {
	if v != "" {
		return v
	}
	counts[column]++
	return c.rules.MissingText
}

func (c *Cleaner) capOutliers(a *domain.Accident, counts map[string]int) {
	var capped bool
	if a.Temperature, capped = c.rules.Temperature.Clamp(a.Temperature); capped {
		counts[ColTemperature]++
	}
	if a.Visibility, capped = c.rules.Visibility.Clamp(a.Visibility); capped {
		counts[ColVisibility]++
	}
}

func fill(v *float64, median float64, column string, counts map[string]int) float64 {
	if v != nil {
		return *v
	}
	counts[column]++
	return median
}

// median of the non-null values, or 0 when every value is null.
func median(records []domain.RawAccident, get func(domain.RawAccident) *float64) float64 {
	values := make([]float64, 0, len(records))
	for _, r := range records {
		if v := get(r); v != nil {
			values = append(values, *v)
		}
	}
	return domain.Median(values)
}

// ValidationRules is the rule set gating the cleaned dataset.
func ValidationRules(r domain.Rules) []validate.Rule {
	return []validate.Rule{
		{Column: ColID, MaxNullRatio: validate.Float(0), Unique: true},
		{Column: ColSeverity, Min: validate.Float(float64(r.SeverityMin)), Max: validate.Float(float64(r.SeverityMax)), MaxNullRatio: validate.Float(0)},
		{Column: ColDuration, Min: validate.Float(0), Max: validate.Float(r.MaxDurationMin), MaxNullRatio: validate.Float(0.05)},
		validate.Range(ColTemperature, r.Temperature.Min, r.Temperature.Max),
		validate.Range(ColVisibility, r.Visibility.Min, r.Visibility.Max),
		validate.Range(ColYear, float64(r.StartYear), float64(r.EndYear)),
	}
}

// Columns lists the cleaned table columns in output order.
func Columns() []string {
	cols := []string{
		ColID, ColSeverity, ColStartTime, ColEndTime, ColStreet, ColCity, ColCounty, ColState,
		ColWeather, ColTemperature, ColVisibility, ColPrecipitation, ColDescription,
	}
	for _, f := range domain.AllInfraFlags {
		cols = append(cols, string(f))
	}
	return append(cols,
		ColDuration, ColWeatherCategory, ColInfraScore, ColHighSeverity,
		ColYear, ColMonth, ColHour, ColDayOfWeek, ColRushHour, ColWeekend, ColTimePeriod,
	)
}

// Table renders cleaned accidents as a table.
func Table(accidents []domain.Accident) *domain.Table {
	t := domain.NewTable(TableName, Columns()...)
	for _, a := range accidents {
		row := []any{
			a.ID, a.Severity, a.StartTime, a.EndTime, a.Street, a.City, a.County, a.State,
			a.WeatherCondition, a.Temperature, a.Visibility, a.Precipitation, a.Description,
		}
		for _, f := range domain.AllInfraFlags {
			row = append(row, a.Infra[f])
		}
		row = append(row,
			a.DurationMin, a.WeatherCategory, a.InfraScore, a.IsHighSeverity,
			a.Time.Year, a.Time.Month, a.Time.Hour, a.Time.DayOfWeek,
			a.Time.IsRushHour, a.Time.IsWeekend, a.Time.Period,
		)
		t.Append(row...)
	}
	return t
}
