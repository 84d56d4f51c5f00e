package aggregate

import (
	"cmp"
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/couchcryptid/accident-data-etl/internal/domain"
)

// metrics are the base measures shared by every grain.
type metrics struct {
	total       int
	high        int
	avgSeverity float64
	stdSeverity float64
	medSeverity float64
	avgDuration float64
	medDuration float64
	avgInfra    float64
}

func measure(rows []Row, highThreshold int) metrics {
	sev := make([]float64, len(rows))
	dur := make([]float64, len(rows))
	infra := make([]float64, len(rows))
	m := metrics{total: len(rows)}
	for i, r := range rows {
		sev[i] = float64(r.Severity)
		dur[i] = r.DurationMin
		infra[i] = r.InfraScore
		if domain.IsHighSeverity(r.Severity, highThreshold) {
			m.high++
		}
	}
	m.avgSeverity = mean(sev)
	m.stdSeverity = stdDev(sev)
	m.medSeverity = domain.Median(sev)
	m.avgDuration = mean(dur)
	m.medDuration = domain.Median(dur)
	m.avgInfra = mean(infra)
	return m
}

func (m metrics) highPct() float64 {
	return pct(float64(m.high), float64(m.total))
}

// valid is the per-row invariant every grain carries.
func (m metrics) valid(r domain.Rules) bool {
	return m.total > 0 &&
		m.avgSeverity >= float64(r.SeverityMin) &&
		m.avgSeverity <= float64(r.SeverityMax)
}

func mean(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	return stat.Mean(x, nil)
}

// stdDev is the sample standard deviation; NaN below two values.
func stdDev(x []float64) float64 {
	if len(x) < 2 {
		return math.NaN()
	}
	return stat.StdDev(x, nil)
}

func pct(part, whole float64) float64 {
	if whole == 0 {
		return math.NaN()
	}
	return part / whole * 100
}

func distinct(rows []Row, field func(Row) string) int {
	seen := make(map[string]struct{})
	for _, r := range rows {
		seen[field(r)] = struct{}{}
	}
	return len(seen)
}

// groups partitions rows by key, returning keys in sorted order.
func groups[K comparable](rows []Row, key func(Row) K, less func(a, b K) int) ([]K, map[K][]Row) {
	out := make(map[K][]Row)
	var keys []K
	for _, r := range rows {
		k := key(r)
		if _, ok := out[k]; !ok {
			keys = append(keys, k)
		}
		out[k] = append(out[k], r)
	}
	slices.SortFunc(keys, less)
	return keys, out
}

type stateYear struct {
	State string
	Year  int
}

func compareStateYear(a, b stateYear) int {
	return cmp.Or(cmp.Compare(a.State, b.State), cmp.Compare(a.Year, b.Year))
}

type stateCity struct {
	State string
	City  string
}

func compareStateCity(a, b stateCity) int {
	return cmp.Or(cmp.Compare(a.State, b.State), cmp.Compare(a.City, b.City))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
