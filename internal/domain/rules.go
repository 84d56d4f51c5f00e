package domain

// Weather categories produced by the keyword table.
const (
	WeatherClear  = "Clear"
	WeatherRainy  = "Rainy"
	WeatherSnowy  = "Snowy"
	WeatherFoggy  = "Foggy"
	WeatherCloudy = "Cloudy"
	WeatherWindy  = "Windy"
)

// InfraFlag names a boolean infrastructure-presence column.
type InfraFlag string

const (
	Junction      InfraFlag = "Junction"
	TrafficSignal InfraFlag = "Traffic_Signal"
	Crossing      InfraFlag = "Crossing"
	Stop          InfraFlag = "Stop"
	Amenity       InfraFlag = "Amenity"
	Railway       InfraFlag = "Railway"
	Station       InfraFlag = "Station"
)

// AllInfraFlags lists every raw infrastructure column in source order.
var AllInfraFlags = []InfraFlag{Amenity, Crossing, Junction, Railway, Station, Stop, TrafficSignal}

// Bounds is an inclusive numeric range.
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Clamp limits v to the range and reports whether it changed.
func (b Bounds) Clamp(v float64) (float64, bool) {
	switch {
	case v < b.Min:
		return b.Min, true
	case v > b.Max:
		return b.Max, true
	default:
		return v, false
	}
}

// InfraWeight assigns a risk weight to one infrastructure flag.
type InfraWeight struct {
	Flag   InfraFlag `json:"flag" validate:"required"`
	Weight float64   `json:"weight" validate:"gte=0"`
}

// WeatherKeywords maps a category to the lower-case substrings that select it.
type WeatherKeywords struct {
	Category string   `json:"category" validate:"required"`
	Keywords []string `json:"keywords" validate:"required,min=1,dive,required,lowercase"`
}

// Band adds Points when a percentage is strictly above Above.
type Band struct {
	Above  float64 `json:"above"`
	Points int     `json:"points" validate:"gte=0"`
}

// TimePeriod labels hours in [From, To).
type TimePeriod struct {
	Name string `json:"name" validate:"required"`
	From int    `json:"from" validate:"gte=0,lte=23"`
	To   int    `json:"to" validate:"gte=1,lte=24"`
}

// RiskThresholds are inclusive lower bounds for risk categories.
type RiskThresholds struct {
	Extreme  int `json:"extreme"`
	High     int `json:"high"`
	Moderate int `json:"moderate"`
}

// ZScoreThresholds are exclusive lower bounds for anomaly categories.
type ZScoreThresholds struct {
	Critical float64 `json:"critical"`
	High     float64 `json:"high"`
	Elevated float64 `json:"elevated"`
}

// InfraRiskThresholds are exclusive lower bounds on an infrastructure risk
// score. Critical also requires a severe group average.
type InfraRiskThresholds struct {
	Critical float64 `json:"critical"`
	High     float64 `json:"high"`
	Medium   float64 `json:"medium"`
}

// Rules is the registry of thresholds and weight tables shared by every stage.
// Treat it as immutable: stages receive it by value at construction.
type Rules struct {
	StartYear int `json:"start_year" validate:"gte=1900"`
	EndYear   int `json:"end_year" validate:"gtefield=StartYear"`

	Temperature    Bounds  `json:"temperature"`
	Visibility     Bounds  `json:"visibility"`
	MaxDurationMin float64 `json:"max_duration_min" validate:"gt=0"`

	SeverityMin           int `json:"severity_min" validate:"gte=1"`
	SeverityMax           int `json:"severity_max" validate:"gtefield=SeverityMin"`
	HighSeverityThreshold int `json:"high_severity_threshold" validate:"gte=1"`

	InfraWeights []InfraWeight `json:"infra_weights" validate:"required,min=1,dive"`

	WeatherKeywords []WeatherKeywords `json:"weather_keywords" validate:"required,min=1,dive"`
	DefaultWeather  string            `json:"default_weather" validate:"required"`
	WeatherRiskBase map[string]int    `json:"weather_risk_base" validate:"required"`

	SeverityImpactBands []Band         `json:"severity_impact_bands" validate:"dive"`
	DurationImpactBands []Band         `json:"duration_impact_bands" validate:"dive"`
	MaxRiskScore        int            `json:"max_risk_score" validate:"gt=0"`
	RiskThresholds      RiskThresholds `json:"risk_thresholds"`

	ZScoreThresholds ZScoreThresholds `json:"zscore_thresholds"`
	ZScoreBound      float64          `json:"zscore_bound" validate:"gt=0"`
	ParetoThreshold  float64          `json:"pareto_threshold" validate:"gt=0,lte=1"`

	InfraRiskThresholds InfraRiskThresholds `json:"infra_risk_thresholds"`
	HotspotScale        float64             `json:"hotspot_scale" validate:"gt=0"`

	RushHours      []int        `json:"rush_hours" validate:"dive,gte=0,lte=23"`
	WeekendFromDay int          `json:"weekend_from_day" validate:"gte=0,lte=6"`
	TimePeriods    []TimePeriod `json:"time_periods" validate:"dive"`
	DefaultPeriod  string       `json:"default_period" validate:"required"`

	MissingText    string `json:"missing_text" validate:"required"`
	MissingWeather string `json:"missing_weather" validate:"required"`
}

// DefaultRules returns the registry used when no rules file is supplied.
// Each call returns fresh slices and maps.
func DefaultRules() Rules {
	return Rules{
		StartYear: 2019,
		EndYear:   2022,

		Temperature:    Bounds{Min: -20, Max: 120},
		Visibility:     Bounds{Min: 0, Max: 10},
		MaxDurationMin: 24 * 60,

		SeverityMin:           1,
		SeverityMax:           4,
		HighSeverityThreshold: 3,

		InfraWeights: []InfraWeight{
			{Flag: Junction, Weight: 3},
			{Flag: TrafficSignal, Weight: 2},
			{Flag: Crossing, Weight: 2},
			{Flag: Stop, Weight: 1},
			{Flag: Amenity, Weight: 1},
		},

		WeatherKeywords: []WeatherKeywords{
			{Category: WeatherFoggy, Keywords: []string{"fog", "mist", "haze"}},
			{Category: WeatherSnowy, Keywords: []string{"snow", "ice", "sleet", "freezing"}},
			{Category: WeatherRainy, Keywords: []string{"rain", "drizzle", "shower"}},
			{Category: WeatherWindy, Keywords: []string{"wind", "storm", "thunder"}},
			{Category: WeatherCloudy, Keywords: []string{"cloud", "overcast"}},
		},
		DefaultWeather: WeatherClear,
		WeatherRiskBase: map[string]int{
			WeatherClear:  0,
			WeatherCloudy: 1,
			WeatherWindy:  2,
			WeatherRainy:  3,
			WeatherSnowy:  4,
			WeatherFoggy:  5,
		},

		SeverityImpactBands: []Band{{Above: 15, Points: 3}, {Above: 10, Points: 2}, {Above: 5, Points: 1}},
		DurationImpactBands: []Band{{Above: 30, Points: 2}, {Above: 15, Points: 1}},
		MaxRiskScore:        10,
		RiskThresholds:      RiskThresholds{Extreme: 8, High: 6, Moderate: 4},

		ZScoreThresholds: ZScoreThresholds{Critical: 2, High: 1, Elevated: 0},
		ZScoreBound:      10,
		ParetoThreshold:  0.8,

		InfraRiskThresholds: InfraRiskThresholds{Critical: 5, High: 3, Medium: 1},
		HotspotScale:        10,

		RushHours:      []int{7, 8, 9, 16, 17, 18},
		WeekendFromDay: 5,
		TimePeriods: []TimePeriod{
			{Name: "Morning_Rush", From: 6, To: 9},
			{Name: "Morning", From: 9, To: 12},
			{Name: "Lunch", From: 12, To: 14},
			{Name: "Afternoon", From: 14, To: 17},
			{Name: "Evening_Rush", From: 17, To: 20},
		},
		DefaultPeriod: "Night",

		MissingText:    "Unknown",
		MissingWeather: WeatherClear,
	}
}

// WeightedFlags returns the flags that carry a weight, in registry order.
func (r Rules) WeightedFlags() []InfraFlag {
	flags := make([]InfraFlag, len(r.InfraWeights))
	for i, w := range r.InfraWeights {
		flags[i] = w.Flag
	}
	return flags
}
