// Package domain models US traffic-accident observations and the rules that
// turn them into an analysis-ready dataset.
//
// # Data Source
//
// Records follow the public US Accidents export (one row per accident). The
// raw wire form is [RawRecord]: every column is a string exactly as it appears
// in the CSV file or the JSON message, and [ParseRawRecord] coerces it into a
// typed [RawAccident] with explicit nulls.
//
// # Conventions
//
// Timestamps:
//
//	"2021-01-01 08:00:00" or RFC 3339. Fractional seconds are accepted.
//	A missing or unparseable timestamp is the zero time.
//
// Severity:
//
//	Ordinal 1 (least impact on traffic) to 4 (most). Anything else, including
//	a missing value, is invalid and the row is dropped during cleaning.
//
// Infrastructure flags:
//
//	"True"/"False" booleans for Junction, Traffic_Signal, Crossing, Stop,
//	Amenity, Railway and Station. Absent flags are nulls, imputed to false.
//
// Weather condition:
//
//	Free text ("Light Rain / Fog", "Overcast"). Categorized by the first
//	matching entry of the ordered keyword table in [Rules]; order, not
//	specificity, decides: "Light Rain / Fog" is Foggy with the default table.
//
// # Derived fields
//
// Every derived column is produced by exactly one function in transform.go.
// Duration is always capped through [Duration]; the fact table recomputes it
// through the same function so the cap cannot be bypassed.
//
// # Registry
//
// [Rules] carries every threshold and weight table. It is a plain value
// passed to each stage at construction; no package reads ambient settings.
package domain
