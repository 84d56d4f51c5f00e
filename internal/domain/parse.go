package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// timeLayouts are tried in order when parsing source timestamps.
var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02 15:04",
	"2006-01-02",
}

// DecodeRawRecord deserializes a RawEvent's JSON value into a RawRecord.
func DecodeRawRecord(raw RawEvent) (RawRecord, error) {
	var rec RawRecord
	if err := json.Unmarshal(raw.Value, &rec); err != nil {
		return RawRecord{}, fmt.Errorf("decode raw record: %w", err)
	}
	return rec, nil
}

// ParseRawRecord coerces the string columns of a RawRecord into typed values.
// Unparseable values become nulls rather than errors; only a missing ID is
// rejected because the record cannot be keyed.
func ParseRawRecord(rec RawRecord) (RawAccident, error) {
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		return RawAccident{}, fmt.Errorf("parse raw record: missing ID")
	}

	acc := RawAccident{
		ID:               id,
		Severity:         parseIntOrNil(rec.Severity),
		StartTime:        ParseTimestamp(rec.StartTime),
		EndTime:          ParseTimestamp(rec.EndTime),
		Street:           strings.TrimSpace(rec.Street),
		City:             strings.TrimSpace(rec.City),
		County:           strings.TrimSpace(rec.County),
		State:            strings.TrimSpace(rec.State),
		WeatherCondition: strings.TrimSpace(rec.WeatherCondition),
		Temperature:      parseFloatOrNil(rec.Temperature),
		Visibility:       parseFloatOrNil(rec.Visibility),
		Precipitation:    parseFloatOrNil(rec.Precipitation),
		Description:      strings.TrimSpace(rec.Description),
		Infra:            make(map[InfraFlag]bool, len(AllInfraFlags)),
	}

	flags := map[InfraFlag]string{
		Amenity:       rec.Amenity,
		Crossing:      rec.Crossing,
		Junction:      rec.Junction,
		Railway:       rec.Railway,
		Station:       rec.Station,
		Stop:          rec.Stop,
		TrafficSignal: rec.TrafficSignal,
	}
	for flag, v := range flags {
		if b, ok := parseBool(v); ok {
			acc.Infra[flag] = b
		}
	}
	return acc, nil
}

// ParseTimestamp parses a source timestamp, returning the zero time on failure.
func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func parseFloatOrNil(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) {
		return nil
	}
	return &v
}

// parseIntOrNil accepts "3" and "3.0".
func parseIntOrNil(s string) *int {
	f := parseFloatOrNil(s)
	if f == nil || *f != float64(int(*f)) {
		return nil
	}
	v := int(*f)
	return &v
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "t", "yes":
		return true, true
	case "false", "0", "f", "no":
		return false, true
	default:
		return false, false
	}
}
