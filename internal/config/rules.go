package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"

	"github.com/couchcryptid/accident-data-etl/internal/domain"
)

var validate = validator.New()

// LoadRules returns DefaultRules overlaid with the JSON document at path.
// Fields absent from the file keep their defaults; slices and maps present in
// the file replace the default value whole. An empty path returns the defaults.
func LoadRules(path string) (domain.Rules, error) {
	rules := domain.DefaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Rules{}, fmt.Errorf("read RULES_FILE: %w", err)
	}
	rules, err = ParseRules(data)
	if err != nil {
		return domain.Rules{}, fmt.Errorf("RULES_FILE %s: %w", path, err)
	}
	return rules, nil
}

// replaced clears a default collection before decoding so a document entry
// never inherits fields from the default element at the same index.
var replaced = map[string]func(*domain.Rules){
	"infra_weights":         func(r *domain.Rules) { r.InfraWeights = nil },
	"weather_keywords":      func(r *domain.Rules) { r.WeatherKeywords = nil },
	"weather_risk_base":     func(r *domain.Rules) { r.WeatherRiskBase = nil },
	"severity_impact_bands": func(r *domain.Rules) { r.SeverityImpactBands = nil },
	"duration_impact_bands": func(r *domain.Rules) { r.DurationImpactBands = nil },
	"rush_hours":            func(r *domain.Rules) { r.RushHours = nil },
	"time_periods":          func(r *domain.Rules) { r.TimePeriods = nil },
}

// ParseRules overlays a JSON document on DefaultRules and validates the result.
func ParseRules(data []byte) (domain.Rules, error) {
	var present map[string]json.RawMessage
	if err := json.Unmarshal(data, &present); err != nil {
		return domain.Rules{}, fmt.Errorf("decode rules: %w", err)
	}
	rules := domain.DefaultRules()
	for key := range present {
		if reset, ok := replaced[key]; ok {
			reset(&rules)
		}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rules); err != nil {
		return domain.Rules{}, fmt.Errorf("decode rules: %w", err)
	}
	if err := ValidateRules(rules); err != nil {
		return domain.Rules{}, err
	}
	return rules, nil
}

// ValidateRules runs the struct-tag checks and the cross-field checks the
// tags cannot express. Every violation is reported.
func ValidateRules(r domain.Rules) error {
	var result *multierror.Error
	if err := validate.Struct(r); err != nil {
		result = multierror.Append(result, err)
	}

	if r.Temperature.Min >= r.Temperature.Max {
		result = multierror.Append(result, fmt.Errorf("temperature: min %v must be below max %v", r.Temperature.Min, r.Temperature.Max))
	}
	if r.Visibility.Min >= r.Visibility.Max {
		result = multierror.Append(result, fmt.Errorf("visibility: min %v must be below max %v", r.Visibility.Min, r.Visibility.Max))
	}
	if r.HighSeverityThreshold < r.SeverityMin || r.HighSeverityThreshold > r.SeverityMax {
		result = multierror.Append(result, fmt.Errorf("high_severity_threshold %d outside severity range [%d, %d]",
			r.HighSeverityThreshold, r.SeverityMin, r.SeverityMax))
	}

	for _, w := range r.InfraWeights {
		if !slices.Contains(domain.AllInfraFlags, w.Flag) {
			result = multierror.Append(result, fmt.Errorf("infra_weights: unknown flag %q", w.Flag))
		}
	}
	if _, ok := r.WeatherRiskBase[r.DefaultWeather]; !ok {
		result = multierror.Append(result, fmt.Errorf("weather_risk_base: missing default category %q", r.DefaultWeather))
	}
	for _, kw := range r.WeatherKeywords {
		if _, ok := r.WeatherRiskBase[kw.Category]; !ok {
			result = multierror.Append(result, fmt.Errorf("weather_risk_base: missing category %q", kw.Category))
		}
	}

	if err := descending("severity_impact_bands", r.SeverityImpactBands); err != nil {
		result = multierror.Append(result, err)
	}
	if err := descending("duration_impact_bands", r.DurationImpactBands); err != nil {
		result = multierror.Append(result, err)
	}

	rt := r.RiskThresholds
	if rt.Extreme <= rt.High || rt.High <= rt.Moderate || rt.Moderate < 0 {
		result = multierror.Append(result, fmt.Errorf("risk_thresholds must satisfy extreme > high > moderate >= 0, got %d/%d/%d",
			rt.Extreme, rt.High, rt.Moderate))
	}
	if rt.Extreme > r.MaxRiskScore {
		result = multierror.Append(result, fmt.Errorf("risk_thresholds: extreme %d above max_risk_score %d", rt.Extreme, r.MaxRiskScore))
	}
	zt := r.ZScoreThresholds
	if zt.Critical <= zt.High || zt.High <= zt.Elevated {
		result = multierror.Append(result, fmt.Errorf("zscore_thresholds must satisfy critical > high > elevated, got %v/%v/%v",
			zt.Critical, zt.High, zt.Elevated))
	}
	if zt.Critical >= r.ZScoreBound {
		result = multierror.Append(result, fmt.Errorf("zscore_bound %v must exceed the critical threshold %v", r.ZScoreBound, zt.Critical))
	}
	it := r.InfraRiskThresholds
	if it.Critical <= it.High || it.High <= it.Medium || it.Medium < 0 {
		result = multierror.Append(result, fmt.Errorf("infra_risk_thresholds must satisfy critical > high > medium >= 0, got %v/%v/%v",
			it.Critical, it.High, it.Medium))
	}

	for _, p := range r.TimePeriods {
		if p.From >= p.To {
			result = multierror.Append(result, fmt.Errorf("time_periods: %s has from %d not below to %d", p.Name, p.From, p.To))
		}
	}

	return result.ErrorOrNil()
}

func descending(name string, bands []domain.Band) error {
	for i := 1; i < len(bands); i++ {
		if bands[i].Above >= bands[i-1].Above {
			return fmt.Errorf("%s must be ordered by descending threshold", name)
		}
	}
	return nil
}
