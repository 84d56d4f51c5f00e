package domain

import (
	"context"
	"time"
)

// RawRecord is the flat, string-typed form of one accident as it appears in
// the source CSV or in a JSON message on the source topic.
type RawRecord struct {
	ID               string `json:"ID"`
	Severity         string `json:"Severity"`
	StartTime        string `json:"Start_Time"`
	EndTime          string `json:"End_Time"`
	Street           string `json:"Street"`
	City             string `json:"City"`
	County           string `json:"County"`
	State            string `json:"State"`
	WeatherCondition string `json:"Weather_Condition"`
	Temperature      string `json:"Temperature(F)"`
	Visibility       string `json:"Visibility(mi)"`
	Precipitation    string `json:"Precipitation(in)"`
	Description      string `json:"Description"`

	Amenity       string `json:"Amenity"`
	Crossing      string `json:"Crossing"`
	Junction      string `json:"Junction"`
	Railway       string `json:"Railway"`
	Station       string `json:"Station"`
	Stop          string `json:"Stop"`
	TrafficSignal string `json:"Traffic_Signal"`
}

// RawEvent represents an unprocessed message from a source: a CSV row or a
// Kafka message. Commit, when set, acknowledges the message after a
// successful run.
type RawEvent struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}

// RawAccident is a typed record before cleaning. Nil pointers, empty strings
// and absent Infra keys are nulls.
type RawAccident struct {
	ID               string
	Severity         *int
	StartTime        time.Time
	EndTime          time.Time
	Street           string
	City             string
	County           string
	State            string
	WeatherCondition string
	Temperature      *float64
	Visibility       *float64
	Precipitation    *float64
	Description      string
	Infra            map[InfraFlag]bool
}

// TimeFeatures are calendar features of a timestamp. DayOfWeek uses
// Monday = 0 through Sunday = 6.
type TimeFeatures struct {
	Year       int
	Month      int
	Day        int
	Quarter    int
	Hour       int
	DayOfWeek  int
	DayName    string
	IsRushHour bool
	IsWeekend  bool
	Period     string
}

// Accident is a cleaned record with every derived field populated.
type Accident struct {
	ID               string
	Severity         int
	StartTime        time.Time
	EndTime          time.Time
	Street           string
	City             string
	County           string
	State            string
	WeatherCondition string
	Temperature      float64
	Visibility       float64
	Precipitation    float64
	Description      string
	Infra            map[InfraFlag]bool

	DurationMin     float64
	WeatherCategory string
	InfraScore      float64
	IsHighSeverity  bool
	Time            TimeFeatures
}
