package aggregate

import (
	"cmp"
	"math"
	"slices"
	"strings"

	"github.com/couchcryptid/accident-data-etl/internal/domain"
)

// Aggregate table names.
const (
	TableFederal        = "agg_federal"
	TableStateAnomaly   = "agg_state_anomaly"
	TableInfrastructure = "agg_infrastructure"
	TableWeatherState   = "agg_weather_state"
	TableCityState      = "agg_city_state"
	TableCityPareto     = "agg_city_pareto"
	TableTimePattern    = "agg_time_pattern"
	TableSummary        = "_aggregate_summary"
)

// Shared aggregate columns.
const (
	ColTotal        = "total_accidents"
	ColHigh         = "total_high_severity"
	ColAvgSeverity  = "avg_severity"
	ColStdSeverity  = "std_severity"
	ColAvgDuration  = "avg_duration_min"
	ColIsValid      = "is_valid"
	ColState        = "State"
	ColCity         = "City"
	ColYear         = "Year"
	ColZScore       = "severity_zscore"
	ColSeverityImp  = "severity_increase_pct"
	ColDurationImp  = "duration_increase_pct"
	ColCategory     = "Weather_Category"
	ColRiskScore    = "weather_risk_score"
	ColCumulative   = "cumulative_pct"
	ColParetoTop    = "is_pareto_top"
	ColRank         = "rank_in_state"
	ColPctOfState   = "pct_of_state"
	ColHotspot      = "hotspot_score"
	ColUrbanRural   = "Urban_Rural"
	ColInfraRisk    = "infra_risk_score"
	ColHighRate     = "high_severity_rate"
	ColPctNational  = "pct_of_national"
	ColPctOfTotal   = "pct_of_state_total"
	ColDominant     = "dominant_infrastructure"
	ColHighPct      = "high_severity_pct"
	ColPctWithin    = "pct_within_type"
	ColStateAvgSev  = "state_avg_severity"
	ColSevDeviation = "severity_deviation"
)

// Federal is the national year grain with year-over-year change and a
// running total.
func Federal(rows []Row, r domain.Rules) *domain.Table {
	t := domain.NewTable(TableFederal,
		ColYear, ColTotal, ColHigh, ColAvgSeverity, ColStdSeverity, "median_severity",
		ColAvgDuration, "median_duration_min", "total_states", "total_cities",
		"yoy_accidents_change", "yoy_severity_change", ColHighPct, "cumulative_accidents", ColIsValid,
	)
	years, byYear := groups(rows, func(x Row) int { return x.Year }, cmp.Compare[int])

	prevTotal, prevSeverity := math.NaN(), math.NaN()
	cumulative := 0
	for _, y := range years {
		g := byYear[y]
		m := measure(g, r.HighSeverityThreshold)
		cumulative += m.total
		t.Append(
			y, m.total, m.high, m.avgSeverity, m.stdSeverity, m.medSeverity,
			m.avgDuration, m.medDuration,
			distinct(g, func(x Row) string { return x.State }),
			distinct(g, func(x Row) string { return x.City }),
			domain.PctChange(float64(m.total), prevTotal),
			domain.PctChange(m.avgSeverity, prevSeverity),
			m.highPct(), cumulative, boolInt(m.valid(r)),
		)
		prevTotal, prevSeverity = float64(m.total), m.avgSeverity
	}
	return t
}

// StateAnomaly is the state x year grain with a per-year national baseline.
// The z-score is null when the national standard deviation is zero or
// undefined, and its category is then Normal.
func StateAnomaly(rows []Row, r domain.Rules) *domain.Table {
	t := domain.NewTable(TableStateAnomaly,
		ColState, ColYear, ColTotal, ColHigh, ColAvgSeverity, ColStdSeverity, ColAvgDuration,
		"total_cities", "total_counties",
		"national_avg_severity", "national_std_severity", "national_total",
		"is_anomaly", ColZScore, ColPctNational, "yoy_change", "anomaly_category", ColIsValid,
	)

	_, byYear := groups(rows, func(x Row) int { return x.Year }, cmp.Compare[int])
	national := make(map[int]metrics, len(byYear))
	for y, g := range byYear {
		national[y] = measure(g, r.HighSeverityThreshold)
	}

	keys, byKey := groups(rows, func(x Row) stateYear { return stateYear{x.State, x.Year} }, compareStateYear)
	prev := stateYear{}
	prevTotal := math.NaN()
	for i, k := range keys {
		g := byKey[k]
		m := measure(g, r.HighSeverityThreshold)
		nat := national[k.Year]
		z := domain.ZScore(m.avgSeverity, nat.avgSeverity, nat.stdSeverity)

		yoy := math.NaN()
		if i > 0 && prev.State == k.State {
			yoy = domain.PctChange(float64(m.total), prevTotal)
		}

		t.Append(
			k.State, k.Year, m.total, m.high, m.avgSeverity, m.stdSeverity, m.avgDuration,
			distinct(g, func(x Row) string { return x.City }),
			distinct(g, func(x Row) string { return x.County }),
			nat.avgSeverity, nat.stdSeverity, nat.total,
			boolInt(m.avgSeverity > nat.avgSeverity), z,
			pct(float64(m.total), float64(nat.total)), yoy,
			domain.AnomalyCategory(z, r.ZScoreThresholds), boolInt(m.valid(r)),
		)
		prev, prevTotal = k, float64(m.total)
	}
	return t
}

// CityState is the city x state grain: share of the state total, deviation
// from the state average severity and the dominant infrastructure type.
func CityState(rows []Row, r domain.Rules) *domain.Table {
	t := domain.NewTable(TableCityState,
		ColState, ColCity, ColTotal, ColHigh, ColAvgSeverity, ColAvgDuration,
		"state_total", ColPctOfTotal, ColStateAvgSev, ColSevDeviation, ColDominant, ColIsValid,
	)

	_, byState := groups(rows, func(x Row) string { return x.State }, cmp.Compare[string])
	states := make(map[string]metrics, len(byState))
	for s, g := range byState {
		states[s] = measure(g, r.HighSeverityThreshold)
	}

	keys, byKey := groups(rows, func(x Row) stateCity { return stateCity{x.State, x.City} }, compareStateCity)
	for _, k := range keys {
		g := byKey[k]
		m := measure(g, r.HighSeverityThreshold)
		st := states[k.State]
		t.Append(
			k.State, k.City, m.total, m.high, m.avgSeverity, m.avgDuration,
			st.total, pct(float64(m.total), float64(st.total)),
			st.avgSeverity, m.avgSeverity-st.avgSeverity,
			DominantInfrastructure(g, r.WeightedFlags()), boolInt(m.valid(r)),
		)
	}
	return t
}

// DominantInfrastructure returns the weighted flag with the most accidents
// across the distinct locations in rows. Ties go to the earlier flag; no
// flags at all yields "None".
func DominantInfrastructure(rows []Row, flags []domain.InfraFlag) string {
	seen := make(map[string]struct{})
	totals := make(map[domain.InfraFlag]int)
	for _, r := range rows {
		if _, ok := seen[r.LocationID]; ok {
			continue
		}
		seen[r.LocationID] = struct{}{}
		for f, n := range r.Counts {
			totals[f] += n
		}
	}
	best, bestN := "None", 0
	for _, f := range flags {
		if totals[f] > bestN {
			best, bestN = string(f), totals[f]
		}
	}
	return best
}

type categoryState struct {
	Category string
	State    string
}

// WeatherState is the weather category x state grain. Impact is measured
// against the state's Clear records, falling back to all Clear records when
// the state has none. Clear rows carry zero impact and negative impacts are
// floored at zero.
func WeatherState(rows []Row, r domain.Rules) *domain.Table {
	t := domain.NewTable(TableWeatherState,
		ColCategory, ColState, ColTotal, ColHigh, ColAvgSeverity, ColStdSeverity,
		ColAvgDuration, "median_duration_min", "avg_infra_score",
		"baseline_severity", "baseline_duration", ColSeverityImp, ColDurationImp,
		ColRiskScore, "risk_category", ColHighRate, ColIsValid,
	)

	isClear := func(x Row) bool { return x.WeatherCategory == r.DefaultWeather }
	var allClear []Row
	clearByState := make(map[string][]Row)
	for _, x := range rows {
		if isClear(x) {
			allClear = append(allClear, x)
			clearByState[x.State] = append(clearByState[x.State], x)
		}
	}
	global := measure(allClear, r.HighSeverityThreshold)

	keys, byKey := groups(rows,
		func(x Row) categoryState { return categoryState{x.WeatherCategory, x.State} },
		func(a, b categoryState) int {
			return cmp.Or(cmp.Compare(a.State, b.State), cmp.Compare(a.Category, b.Category))
		},
	)
	for _, k := range keys {
		m := measure(byKey[k], r.HighSeverityThreshold)

		base := global
		if g, ok := clearByState[k.State]; ok {
			base = measure(g, r.HighSeverityThreshold)
		}

		var sevImpact, durImpact float64
		if k.Category != r.DefaultWeather {
			sevImpact = max(0, domain.ImpactPct(m.avgSeverity, base.avgSeverity))
			durImpact = max(0, domain.ImpactPct(m.avgDuration, base.avgDuration))
		}
		score := domain.WeatherRiskScore(k.Category, sevImpact, durImpact, r)

		t.Append(
			k.Category, k.State, m.total, m.high, m.avgSeverity, m.stdSeverity,
			m.avgDuration, m.medDuration, m.avgInfra,
			base.avgSeverity, base.avgDuration, sevImpact, durImpact,
			score, domain.RiskCategory(score, r.RiskThresholds), m.highPct(), boolInt(m.valid(r)),
		)
	}
	return t
}

// CityPareto ranks cities within each state by accident count and flags the
// cities whose cumulative share stays within the Pareto threshold. Equal
// counts are ordered by city name. The cumulative share is computed from
// cumulative counts so the last city of a state is exactly 100.
func CityPareto(rows []Row, r domain.Rules) *domain.Table {
	t := domain.NewTable(TableCityPareto,
		ColState, ColCity, ColTotal, ColHigh, ColAvgSeverity, ColAvgDuration,
		ColPctOfState, ColCumulative, ColParetoTop, ColRank, ColIsValid,
	)

	keys, byKey := groups(rows, func(x Row) stateCity { return stateCity{x.State, x.City} }, compareStateCity)
	type city struct {
		key stateCity
		m   metrics
	}
	byState := make(map[string][]city)
	var states []string
	for _, k := range keys {
		if _, ok := byState[k.State]; !ok {
			states = append(states, k.State)
		}
		byState[k.State] = append(byState[k.State], city{k, measure(byKey[k], r.HighSeverityThreshold)})
	}

	limit := r.ParetoThreshold * 100
	for _, s := range states {
		cities := byState[s]
		slices.SortStableFunc(cities, func(a, b city) int {
			return cmp.Or(cmp.Compare(b.m.total, a.m.total), cmp.Compare(a.key.City, b.key.City))
		})
		stateTotal := 0
		for _, c := range cities {
			stateTotal += c.m.total
		}
		running := 0
		for i, c := range cities {
			running += c.m.total
			cum := pct(float64(running), float64(stateTotal))
			t.Append(
				s, c.key.City, c.m.total, c.m.high, c.m.avgSeverity, c.m.avgDuration,
				pct(float64(c.m.total), float64(stateTotal)), cum,
				boolInt(cum <= limit), i+1, boolInt(c.m.valid(r)),
			)
		}
	}
	return t
}

type hourDay struct {
	Hour int
	Day  int
}

// TimePattern is the hour x day-of-week grain with a hotspot score in
// [0, HotspotScale] relative to the busiest cell.
func TimePattern(rows []Row, r domain.Rules) *domain.Table {
	t := domain.NewTable(TableTimePattern,
		"Hour", "DayOfWeek", "DayName", ColTotal, ColAvgSeverity, ColAvgDuration,
		"is_rush_hour", "is_weekend", "time_period", ColHotspot, ColIsValid,
	)

	keys, byKey := groups(rows, func(x Row) hourDay { return hourDay{x.Hour, x.DayOfWeek} },
		func(a, b hourDay) int { return cmp.Or(cmp.Compare(a.Hour, b.Hour), cmp.Compare(a.Day, b.Day)) })

	maxCount := 0
	for _, g := range byKey {
		maxCount = max(maxCount, len(g))
	}

	for _, k := range keys {
		g := byKey[k]
		m := measure(g, r.HighSeverityThreshold)
		t.Append(
			k.Hour, k.Day, g[0].DayName, m.total, m.avgSeverity, m.avgDuration,
			boolInt(domain.IsRushHour(k.Hour, r.RushHours)),
			boolInt(domain.IsWeekend(k.Day, r.WeekendFromDay)),
			domain.TimePeriodOf(k.Hour, r.TimePeriods, r.DefaultPeriod),
			domain.Round(float64(m.total)/float64(maxCount)*r.HotspotScale, 1),
			boolInt(m.valid(r)),
		)
	}
	return t
}

// Urban and Rural label the infrastructure grain.
const (
	Urban = "Urban"
	Rural = "Rural"
)

// Infrastructure is the state x Urban/Rural grain. A record is Urban when
// its infrastructure score is at least the median score of all records.
func Infrastructure(rows []Row, r domain.Rules) *domain.Table {
	flags := r.WeightedFlags()
	cols := []string{
		ColState, ColUrbanRural, ColTotal, ColHigh, ColAvgSeverity, ColStdSeverity,
		ColAvgDuration, "avg_infra_score",
	}
	for _, f := range flags {
		cols = append(cols, "total_"+strings.ToLower(string(f)))
	}
	cols = append(cols, ColInfraRisk, "is_high_risk", "risk_category", ColPctWithin, ColHighRate, ColIsValid)
	t := domain.NewTable(TableInfrastructure, cols...)

	scores := make([]float64, len(rows))
	for i, x := range rows {
		scores[i] = x.InfraScore
	}
	medianScore := domain.Median(scores)
	area := func(x Row) string {
		if x.InfraScore >= medianScore {
			return Urban
		}
		return Rural
	}

	type key struct{ State, Area string }
	keys, byKey := groups(rows, func(x Row) key { return key{x.State, area(x)} },
		func(a, b key) int { return cmp.Or(cmp.Compare(a.State, b.State), cmp.Compare(a.Area, b.Area)) })

	type group struct {
		key    key
		m      metrics
		totals []int
		risk   float64
	}
	weights := make(map[domain.InfraFlag]float64, len(r.InfraWeights))
	for _, w := range r.InfraWeights {
		weights[w.Flag] = w.Weight
	}
	areaTotals := make(map[string]int)
	built := make([]group, 0, len(keys))
	risks := make([]float64, 0, len(keys))
	for _, k := range keys {
		g := byKey[k]
		gr := group{key: k, m: measure(g, r.HighSeverityThreshold), totals: make([]int, len(flags))}
		var weighted float64
		for i, f := range flags {
			for _, x := range g {
				if x.Counts[f] > 0 {
					gr.totals[i]++
				}
			}
			weighted += weights[f] * float64(gr.totals[i])
		}
		gr.risk = weighted / float64(gr.m.total)
		areaTotals[k.Area] += gr.m.total
		risks = append(risks, gr.risk)
		built = append(built, gr)
	}
	medianRisk := domain.Median(risks)

	for _, gr := range built {
		row := []any{
			gr.key.State, gr.key.Area, gr.m.total, gr.m.high, gr.m.avgSeverity, gr.m.stdSeverity,
			gr.m.avgDuration, gr.m.avgInfra,
		}
		for _, n := range gr.totals {
			row = append(row, n)
		}
		row = append(row,
			gr.risk, boolInt(gr.risk > medianRisk), InfraRiskCategory(gr.risk, gr.m.avgSeverity, r),
			pct(float64(gr.m.total), float64(areaTotals[gr.key.Area])), gr.m.highPct(), boolInt(gr.m.valid(r)),
		)
		t.Append(row...)
	}
	return t
}

// InfraRiskCategory buckets an infrastructure risk score together with the
// group's average severity.
func InfraRiskCategory(score, avgSeverity float64, r domain.Rules) string {
	severe := avgSeverity >= float64(r.HighSeverityThreshold)
	th := r.InfraRiskThresholds
	switch {
	case score > th.Critical && severe:
		return "Critical"
	case score > th.High || severe:
		return "High"
	case score > th.Medium:
		return "Medium"
	default:
		return "Low"
	}
}
