// Command genmock generates a deterministic synthetic raw accident file in
// the US accidents CSV layout, plus an optional JSON array of the same
// records for seeding a Kafka topic. A fraction of rows is deliberately
// dirty so every cleaning rule is exercised. Each generated record is run
// through the real record parser and year filter to report what the
// pipeline will see.
//
// Usage:
//
//	go run ./cmd/genmock -csv-out data/US_Accidents.csv -n 5000 -seed 42
//	go run ./cmd/genmock -csv-out data/mock.csv -json-out data/mock.json -dirty 0.1
package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/couchcryptid/accident-data-etl/internal/domain"
	"github.com/couchcryptid/accident-data-etl/internal/pipeline"
)

const timeLayout = "2006-01-02 15:04:05"

var header = []string{
	"ID", "Severity", "Start_Time", "End_Time", "Street", "City", "County", "State",
	"Weather_Condition", "Temperature(F)", "Visibility(mi)", "Precipitation(in)", "Description",
	"Amenity", "Crossing", "Junction", "Railway", "Station", "Stop", "Traffic_Signal",
}

type place struct {
	city, county, state string
	streets             []string
}

var places = []place{
	{"Austin", "Travis", "TX", []string{"Main St", "Congress Ave", "I-35 N"}},
	{"Dallas", "Dallas", "TX", []string{"Elm St", "Commerce St"}},
	{"Houston", "Harris", "TX", []string{"Westheimer Rd", "I-10 W", "Main St"}},
	{"Los Angeles", "Los Angeles", "CA", []string{"Sunset Blvd", "I-405 N", "Wilshire Blvd"}},
	{"Sacramento", "Sacramento", "CA", []string{"J St", "Capitol Mall"}},
	{"Miami", "Miami-Dade", "FL", []string{"Biscayne Blvd", "I-95 S"}},
	{"Orlando", "Orange", "FL", []string{"Colonial Dr", "I-4 E"}},
	{"Charlotte", "Mecklenburg", "NC", []string{"Tryon St", "I-77 S"}},
	{"Seattle", "King", "WA", []string{"Pine St", "I-5 N"}},
	{"Denver", "Denver", "CO", []string{"Colfax Ave", "I-25 S"}},
}

var conditions = []string{
	"Fair", "Fair", "Fair", "Clear", "Cloudy", "Mostly Cloudy", "Overcast",
	"Light Rain", "Rain", "Heavy Rain", "Drizzle", "Fog", "Haze", "Mist",
	"Light Snow", "Snow", "Freezing Rain", "Thunderstorm", "Windy", "T-Storm",
}

var severities = []int{1, 2, 2, 2, 2, 2, 2, 3, 3, 4}

var descriptions = []string{
	"Rear-end collision", "Lane blocked due to crash", "Multi-vehicle crash",
	"Accident on shoulder", "Road closed due to accident", "Slow traffic due to incident",
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	csvOut := flag.String("csv-out", "", "output path for the raw accident CSV")
	jsonOut := flag.String("json-out", "", "optional output path for the same records as a JSON array")
	n := flag.Int("n", 1000, "number of records")
	seed := flag.Uint64("seed", 42, "random seed")
	dirty := flag.Float64("dirty", 0.05, "fraction of rows with injected data quality problems")
	flag.Parse()

	if *csvOut == "" {
		flag.Usage()
		return fmt.Errorf("missing required flag: -csv-out")
	}
	if *n <= 0 {
		return fmt.Errorf("-n must be positive")
	}
	if *dirty < 0 || *dirty > 1 {
		return fmt.Errorf("-dirty must be within [0, 1]")
	}

	rng := rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15))
	records := make([]domain.RawRecord, *n)
	for i := range records {
		records[i] = generate(rng, i+1)
		if rng.Float64() < *dirty {
			corrupt(rng, &records[i])
		}
	}

	if err := writeCSV(*csvOut, records); err != nil {
		return fmt.Errorf("writing CSV: %w", err)
	}
	log.Printf("wrote %d records: %s", len(records), *csvOut)

	if *jsonOut != "" {
		if err := writeJSON(*jsonOut, records); err != nil {
			return fmt.Errorf("writing JSON: %w", err)
		}
		log.Printf("wrote JSON fixture: %s", *jsonOut)
	}

	printStats(records)
	return nil
}

func generate(rng *rand.Rand, seq int) domain.RawRecord {
	p := places[rng.IntN(len(places))]
	start := time.Date(2019+rng.IntN(4), time.Month(1+rng.IntN(12)), 1+rng.IntN(28),
		rng.IntN(24), rng.IntN(60), 0, 0, time.UTC)
	end := start.Add(time.Duration(5+rng.IntN(180)) * time.Minute)
	condition := conditions[rng.IntN(len(conditions))]

	return domain.RawRecord{
		ID:               "A-" + strconv.Itoa(seq),
		Severity:         strconv.Itoa(severities[rng.IntN(len(severities))]),
		StartTime:        start.Format(timeLayout),
		EndTime:          end.Format(timeLayout),
		Street:           p.streets[rng.IntN(len(p.streets))],
		City:             p.city,
		County:           p.county,
		State:            p.state,
		WeatherCondition: condition,
		Temperature:      strconv.FormatFloat(float64(10+rng.IntN(90))+rng.Float64(), 'f', 1, 64),
		Visibility:       strconv.FormatFloat(float64(1+rng.IntN(10)), 'f', 1, 64),
		Precipitation:    strconv.FormatFloat(rng.Float64()*0.3, 'f', 2, 64),
		Description:      descriptions[rng.IntN(len(descriptions))],
		Amenity:          flagValue(rng, 0.05),
		Crossing:         flagValue(rng, 0.1),
		Junction:         flagValue(rng, 0.2),
		Railway:          flagValue(rng, 0.02),
		Station:          flagValue(rng, 0.03),
		Stop:             flagValue(rng, 0.05),
		TrafficSignal:    flagValue(rng, 0.25),
	}
}

func flagValue(rng *rand.Rand, p float64) string {
	if rng.Float64() < p {
		return "True"
	}
	return "False"
}

// corrupt injects one data quality problem the cleaning stage handles.
func corrupt(rng *rand.Rand, rec *domain.RawRecord) {
	switch rng.IntN(8) {
	case 0:
		rec.Severity = ""
	case 1:
		rec.Severity = "7"
	case 2:
		rec.Temperature = "-45.0"
	case 3:
		rec.Visibility = "80.0"
	case 4:
		rec.EndTime = ""
	case 5:
		rec.WeatherCondition = ""
		rec.City = ""
	case 6:
		rec.Junction = ""
		rec.TrafficSignal = ""
	case 7:
		start, _ := time.Parse(timeLayout, rec.StartTime)
		rec.StartTime = start.AddDate(-3, 0, 0).Format(timeLayout)
		rec.EndTime = start.AddDate(-3, 0, 0).Add(30 * time.Minute).Format(timeLayout)
	}
}

func values(rec domain.RawRecord) []string {
	return []string{
		rec.ID, rec.Severity, rec.StartTime, rec.EndTime, rec.Street, rec.City, rec.County, rec.State,
		rec.WeatherCondition, rec.Temperature, rec.Visibility, rec.Precipitation, rec.Description,
		rec.Amenity, rec.Crossing, rec.Junction, rec.Railway, rec.Station, rec.Stop, rec.TrafficSignal,
	}
}

func writeCSV(path string, records []domain.RawRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, rec := range records {
		if err := w.Write(values(rec)); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}

func printStats(records []domain.RawRecord) {
	rules := domain.DefaultRules()
	severityCounts := map[string]int{}
	stateCounts := map[string]int{}
	outOfWindow, badSeverity := 0, 0

	for _, rec := range records {
		acc, err := domain.ParseRawRecord(rec)
		if err != nil {
			continue
		}
		if !pipeline.InYearWindow(acc, rules) {
			outOfWindow++
			continue
		}
		stateCounts[acc.State]++
		if acc.Severity == nil || *acc.Severity < rules.SeverityMin || *acc.Severity > rules.SeverityMax {
			badSeverity++
			continue
		}
		severityCounts[strconv.Itoa(*acc.Severity)]++
	}

	fmt.Println()
	fmt.Printf("Records: %d (outside %d-%d: %d, severity to drop: %d)\n",
		len(records), rules.StartYear, rules.EndYear, outOfWindow, badSeverity)
	printCounts("Severity", severityCounts)
	printCounts("State", stateCounts)
}

func printCounts(label string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("%s:\n", label)
	for _, k := range keys {
		fmt.Printf("  %-4s %d\n", k, counts[k])
	}
}
