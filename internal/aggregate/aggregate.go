// Package aggregate computes the reporting aggregates over the star schema.
//
// Every grain is computed and validated independently: a grain that fails its
// checks is reported in Result.Valid without stopping the others.
package aggregate

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/accident-data-etl/internal/domain"
	"github.com/couchcryptid/accident-data-etl/internal/schema"
	"github.com/couchcryptid/accident-data-etl/internal/validate"
)

// Grain describes one aggregate table and its audience.
type Grain struct {
	Name        string
	Dashboard   string
	Stakeholder string
	Build       func([]Row, domain.Rules) *domain.Table
}

// Grains lists every aggregate in output order.
var Grains = []Grain{
	{TableFederal, "Dashboard 1", "Federal Government", Federal},
	{TableStateAnomaly, "Dashboard 2", "State/Local Government", StateAnomaly},
	{TableInfrastructure, "Dashboard 3", "Law Enforcement", Infrastructure},
	{TableWeatherState, "Dashboard 4", "Insurance/Victims", WeatherState},
	{TableCityState, "Supplementary", "City Analysis", CityState},
	{TableCityPareto, "Supplementary", "City Analysis", CityPareto},
	{TableTimePattern, "Supplementary", "Time Analysis", TimePattern},
}

// Result holds the aggregate tables in Grains order, the per-grain reports and
// pass/fail map, and the summary table.
type Result struct {
	Tables  []*domain.Table
	Reports map[string]validate.Report
	Valid   map[string]bool
	Summary *domain.Table
}

// AllValid reports whether every grain passed.
func (r Result) AllValid() bool {
	for _, ok := range r.Valid {
		if !ok {
			return false
		}
	}
	return true
}

// Aggregator builds all grains from a schema.
type Aggregator struct {
	rules  domain.Rules
	engine *validate.Engine
	logger *slog.Logger
}

// New creates an Aggregator. Grain checks always run in advisory mode.
func New(rules domain.Rules, engine *validate.Engine, logger *slog.Logger) *Aggregator {
	return &Aggregator{rules: rules, engine: engine.Advisory(), logger: logger}
}

// Run merges the schema and computes every grain. It returns an error only
// when a grain table lacks a column its rules reference.
func (a *Aggregator) Run(s schema.Schema, runID string) (Result, error) {
	rows := Merge(s, a.rules)
	res := Result{
		Reports: make(map[string]validate.Report, len(Grains)),
		Valid:   make(map[string]bool, len(Grains)),
	}

	var schemaErrs []error
	for _, g := range Grains {
		table := g.Build(rows, a.rules)
		report, err := a.engine.Check(g.Name, table, Rules(g.Name, a.rules))
		if err != nil {
			schemaErrs = append(schemaErrs, err)
		}
		res.Tables = append(res.Tables, table)
		res.Reports[g.Name] = report
		res.Valid[g.Name] = report.Passed()

		a.logger.Info("aggregate built", "table", g.Name, "records", table.Len(), "valid", report.Passed())
	}
	if len(schemaErrs) > 0 {
		return res, fmt.Errorf("aggregate: %w", errors.Join(schemaErrs...))
	}

	summary, err := Summary(res, runID)
	if err != nil {
		return res, err
	}
	res.Summary = summary
	return res, nil
}

// Rules returns the checks for a grain. Every grain requires at least one
// accident per row and an average severity within the ordinal range.
func Rules(name string, r domain.Rules) []validate.Rule {
	base := []validate.Rule{
		{Column: ColTotal, Min: validate.Float(1), MaxNullRatio: validate.Float(0)},
		validate.Range(ColAvgSeverity, float64(r.SeverityMin), float64(r.SeverityMax)),
	}
	percent := func(col string) validate.Rule { return validate.Range(col, 0, 100) }

	switch name {
	case TableFederal:
		return append(base, percent(ColHighPct))
	case TableStateAnomaly:
		return append(base, percent(ColPctNational), validate.Range(ColZScore, -r.ZScoreBound, r.ZScoreBound))
	case TableInfrastructure:
		return append(base, percent(ColPctWithin), percent(ColHighRate))
	case TableWeatherState:
		return append(base,
			validate.Range(ColRiskScore, 0, float64(r.MaxRiskScore)),
			validate.Rule{Column: ColSeverityImp, Min: validate.Float(0)},
			validate.Rule{Column: ColDurationImp, Min: validate.Float(0)},
			percent(ColHighRate),
		)
	case TableCityState:
		return append(base, percent(ColPctOfTotal))
	case TableCityPareto:
		return append(base, percent(ColPctOfState), percent(ColCumulative))
	case TableTimePattern:
		return append(base, validate.Range(ColHotspot, 0, r.HotspotScale))
	default:
		return base
	}
}

// Summary describes every aggregate table: audience, shape and encoded size.
func Summary(res Result, runID string) (*domain.Table, error) {
	t := domain.NewTable(TableSummary,
		"Aggregate", "Dashboard", "Stakeholder", "Records", "Columns", "Size_KB", "is_valid", "run_id")
	for i, g := range Grains {
		if i >= len(res.Tables) {
			break
		}
		table := res.Tables[i]
		encoded, err := json.Marshal(table.Records())
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", g.Name, err)
		}
		t.Append(
			g.Name, g.Dashboard, g.Stakeholder, table.Len(), len(table.Columns),
			domain.Round(float64(len(encoded))/1024, 1), boolInt(res.Valid[g.Name]), runID,
		)
	}
	return t, nil
}
