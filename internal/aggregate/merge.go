package aggregate

import (
	"github.com/couchcryptid/accident-data-etl/internal/domain"
	"github.com/couchcryptid/accident-data-etl/internal/schema"
)

// Row is one fact row joined with its dimensions plus the features the
// aggregates group on. Unmatched dimensions leave their fields empty.
type Row struct {
	ID          string
	Severity    int
	DurationMin float64

	Year      int
	Hour      int
	DayOfWeek int
	DayName   string
	RushHour  bool
	Weekend   bool
	Period    string

	LocationID string
	City       string
	County     string
	State      string
	Counts     map[domain.InfraFlag]int

	WeatherCondition string
	WeatherCategory  string
	InfraScore       float64
}

// Merge left-joins the fact table to the three dimensions. Time features come
// from the fact start timestamp; the infrastructure score counts a weighted
// flag when its location has at least one accident with that flag.
func Merge(s schema.Schema, r domain.Rules) []Row {
	years := make(map[string]int, len(s.Time))
	for _, t := range s.Time {
		years[t.Date] = t.Year
	}
	locations := make(map[string]schema.LocationRow, len(s.Location))
	for _, l := range s.Location {
		locations[l.ID] = l
	}
	conditions := make(map[string]string, len(s.Weather))
	for _, w := range s.Weather {
		conditions[w.ID] = w.Condition
	}

	rows := make([]Row, 0, len(s.Fact))
	for _, f := range s.Fact {
		tf := domain.TimeFeaturesOf(f.StartTime, r)
		year, ok := years[f.Date]
		if !ok {
			year = tf.Year
		}
		loc := locations[f.LocationID]
		condition := conditions[f.WeatherID]

		rows = append(rows, Row{
			ID:               f.ID,
			Severity:         f.Severity,
			DurationMin:      f.DurationMin,
			Year:             year,
			Hour:             tf.Hour,
			DayOfWeek:        tf.DayOfWeek,
			DayName:          tf.DayName,
			RushHour:         tf.IsRushHour,
			Weekend:          tf.IsWeekend,
			Period:           tf.Period,
			LocationID:       f.LocationID,
			City:             loc.City,
			County:           loc.County,
			State:            loc.State,
			Counts:           loc.Counts,
			WeatherCondition: condition,
			WeatherCategory:  domain.WeatherCategory(condition, r.WeatherKeywords, r.DefaultWeather),
			InfraScore:       domain.InfrastructureScore(presence(loc.Counts), r.InfraWeights),
		})
	}
	return rows
}

func presence(counts map[domain.InfraFlag]int) map[domain.InfraFlag]bool {
	flags := make(map[domain.InfraFlag]bool, len(counts))
	for f, n := range counts {
		flags[f] = n > 0
	}
	return flags
}
