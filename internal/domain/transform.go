package domain

import (
	"math"
	"slices"
	"strings"
	"time"
)

// Duration returns the minutes between start and end, clamped to
// [0, maxMin]. A negative span is a data-entry swap and becomes 0. Missing
// timestamps yield 0.
//
// Every stage that needs a duration calls this function; recomputing the span
// elsewhere skips the cap.
func Duration(start, end time.Time, maxMin float64) float64 {
	if start.IsZero() || end.IsZero() {
		return 0
	}
	minutes := end.Sub(start).Minutes()
	switch {
	case minutes < 0:
		return 0
	case minutes > maxMin:
		return maxMin
	default:
		return minutes
	}
}

// WeatherCategory maps free weather text to a category. Empty text returns
// def. Otherwise the lower-cased text is matched against the keyword table in
// order and the first category with a matching substring wins.
func WeatherCategory(condition string, table []WeatherKeywords, def string) string {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return def
	}
	lower := strings.ToLower(condition)
	for _, entry := range table {
		for _, kw := range entry.Keywords {
			if strings.Contains(lower, kw) {
				return entry.Category
			}
		}
	}
	return def
}

// InfrastructureScore sums the weights of the flags that are present.
// Absent flags count as zero.
func InfrastructureScore(flags map[InfraFlag]bool, weights []InfraWeight) float64 {
	var score float64
	for _, w := range weights {
		if flags[w.Flag] {
			score += w.Weight
		}
	}
	return score
}

// IsHighSeverity reports whether severity is at or above threshold.
func IsHighSeverity(severity, threshold int) bool {
	return severity >= threshold
}

// DayOfWeek converts a time.Weekday to Monday = 0 through Sunday = 6.
func DayOfWeek(d time.Weekday) int {
	return (int(d) + 6) % 7
}

// IsRushHour reports whether hour is one of the configured rush hours.
func IsRushHour(hour int, rushHours []int) bool {
	return slices.Contains(rushHours, hour)
}

// IsWeekend reports whether a Monday-based day of week falls on the weekend.
func IsWeekend(dayOfWeek, weekendFrom int) bool {
	return dayOfWeek >= weekendFrom
}

// TimePeriodOf labels an hour using the first period whose [From, To) range
// contains it, or def when none does.
func TimePeriodOf(hour int, periods []TimePeriod, def string) string {
	for _, p := range periods {
		if hour >= p.From && hour < p.To {
			return p.Name
		}
	}
	return def
}

// TimeFeaturesOf derives calendar features from t. The zero time yields
// zero features with the default period.
func TimeFeaturesOf(t time.Time, r Rules) TimeFeatures {
	if t.IsZero() {
		return TimeFeatures{Period: r.DefaultPeriod}
	}
	dow := DayOfWeek(t.Weekday())
	return TimeFeatures{
		Year:       t.Year(),
		Month:      int(t.Month()),
		Day:        t.Day(),
		Quarter:    (int(t.Month())-1)/3 + 1,
		Hour:       t.Hour(),
		DayOfWeek:  dow,
		DayName:    t.Weekday().String(),
		IsRushHour: IsRushHour(t.Hour(), r.RushHours),
		IsWeekend:  IsWeekend(dow, r.WeekendFromDay),
		Period:     TimePeriodOf(t.Hour(), r.TimePeriods, r.DefaultPeriod),
	}
}

// Date truncates t to its calendar date in UTC.
func Date(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// LocationKey builds the composite location identifier from street and city.
// State is not part of the key, so the same street and city name in two
// states share one key, as do pairs that differ only in where an underscore
// falls. schema.LocationConflicts reports both cases.
func LocationKey(street, city string) string {
	return street + "_" + city
}

// Derive recomputes every derived field of a cleaned accident from its source
// columns. It never reads a previously derived value, so applying it twice
// gives the same result.
func Derive(a Accident, r Rules) Accident {
	a.DurationMin = Duration(a.StartTime, a.EndTime, r.MaxDurationMin)
	a.WeatherCategory = WeatherCategory(a.WeatherCondition, r.WeatherKeywords, r.DefaultWeather)
	a.InfraScore = InfrastructureScore(a.Infra, r.InfraWeights)
	a.IsHighSeverity = IsHighSeverity(a.Severity, r.HighSeverityThreshold)
	a.Time = TimeFeaturesOf(a.StartTime, r)
	return a
}

// PctChange returns (current - previous) / previous * 100, or NaN when the
// previous value is zero or undefined.
func PctChange(current, previous float64) float64 {
	if previous == 0 || math.IsNaN(previous) {
		return math.NaN()
	}
	return (current - previous) / previous * 100
}

// ZScore returns (value - mean) / std, or NaN when std is zero or undefined.
func ZScore(value, mean, std float64) float64 {
	if std == 0 || math.IsNaN(std) {
		return math.NaN()
	}
	return (value - mean) / std
}

// ImpactPct returns the percentage change of value against baseline, or 0
// when the baseline is zero or undefined.
func ImpactPct(value, baseline float64) float64 {
	if baseline == 0 || math.IsNaN(baseline) || math.IsNaN(value) {
		return 0
	}
	return (value - baseline) / baseline * 100
}

// AnomalyCategory buckets a z-score: above Critical, above High, above
// Elevated, else Normal. NaN is Normal.
func AnomalyCategory(z float64, t ZScoreThresholds) string {
	switch {
	case math.IsNaN(z):
		return "Normal"
	case z > t.Critical:
		return "Critical"
	case z > t.High:
		return "High"
	case z > t.Elevated:
		return "Elevated"
	default:
		return "Normal"
	}
}

// bandPoints returns the points of the first band the value exceeds. Bands are
// ordered from the highest threshold down.
func bandPoints(v float64, bands []Band) int {
	for _, b := range bands {
		if v > b.Above {
			return b.Points
		}
	}
	return 0
}

// WeatherRiskScore combines the category base score with severity and
// duration impact bands, capped at the registry maximum.
func WeatherRiskScore(category string, severityPct, durationPct float64, r Rules) int {
	score := r.WeatherRiskBase[category]
	score += bandPoints(severityPct, r.SeverityImpactBands)
	score += bandPoints(durationPct, r.DurationImpactBands)
	return min(score, r.MaxRiskScore)
}

// RiskCategory buckets a risk score using inclusive thresholds.
func RiskCategory(score int, t RiskThresholds) string {
	switch {
	case score >= t.Extreme:
		return "Extreme"
	case score >= t.High:
		return "High"
	case score >= t.Moderate:
		return "Moderate"
	default:
		return "Low"
	}
}

// Median returns the middle value, averaging the two middle values of an even
// count. It returns 0 for an empty slice and does not modify its input.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
