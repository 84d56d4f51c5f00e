// Package validate evaluates declarative data-quality rules against tabular
// stage outputs.
//
// Each call to [Engine.Check] walks one stage through Pending, Checking and
// then Passed or Failed. Every rule is evaluated before the outcome is decided,
// so a failed stage reports all of its violations at once.
package validate

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/couchcryptid/accident-data-etl/internal/domain"
)

// Check names.
const (
	CheckSchema    = "schema"
	CheckNullRatio = "null_ratio"
	CheckMin       = "min"
	CheckMax       = "max"
	CheckUnique    = "unique"
	CheckAllowed   = "allowed"
	CheckReference = "reference"
)

// Status is the lifecycle state of a stage validation.
type Status int

const (
	Pending Status = iota
	Checking
	Passed
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Checking:
		return "checking"
	case Passed:
		return "passed"
	case Failed:
		return "failed"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}

// Frame is the read-only view of a table the engine needs.
type Frame interface {
	Len() int
	Column(name string) ([]any, bool)
}

// Rule binds a column to a set of checks. Nil bounds are not checked.
type Rule struct {
	Column       string
	Min          *float64
	Max          *float64
	MaxNullRatio *float64
	Unique       bool
	Allowed      []string
}

// Float returns a pointer to v, for building rules inline.
func Float(v float64) *float64 { return &v }

// Range is shorthand for a min/max rule.
func Range(column string, lo, hi float64) Rule {
	return Rule{Column: column, Min: Float(lo), Max: Float(hi)}
}

// Result is the outcome of one check on one column.
type Result struct {
	Stage    string
	Column   string
	Check    string
	Passed   bool
	Expected string
	Actual   string
	Message  string
}

func (r Result) String() string {
	return fmt.Sprintf("%s.%s %s: expected %s, actual %s", r.Stage, r.Column, r.Check, r.Expected, r.Actual)
}

// Report collects every result of one stage.
type Report struct {
	Stage   string
	Status  Status
	Results []Result
}

// Failures returns the failing results in evaluation order.
func (r Report) Failures() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.Passed {
			out = append(out, res)
		}
	}
	return out
}

// Passed reports whether the stage finished without failures.
func (r Report) Passed() bool { return r.Status == Passed }

// Error is the aggregated failure raised for a stage in fail-fast mode.
type Error struct {
	Stage    string
	Failures []Result
}

func (e *Error) Error() string {
	if len(e.Failures) == 0 {
		return "validation failed for stage " + e.Stage
	}
	var merr *multierror.Error
	for _, f := range e.Failures {
		merr = multierror.Append(merr, errors.New(f.String()))
	}
	merr.ErrorFormat = func(errs []error) string {
		lines := make([]string, len(errs))
		for i, err := range errs {
			lines[i] = err.Error()
		}
		return fmt.Sprintf("validation failed for stage %s (%d checks): %s", e.Stage, len(errs), strings.Join(lines, "; "))
	}
	return merr.Error()
}

// SchemaError reports required columns that are missing. It is always fatal.
type SchemaError struct {
	Stage   string
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema violation for stage %s: missing columns %s", e.Stage, strings.Join(e.Missing, ", "))
}

// Engine evaluates rules. In fail-fast mode a failed stage returns *Error;
// otherwise failures are logged and only the report is returned.
type Engine struct {
	failFast bool
	logger   *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(failFast bool, logger *slog.Logger) *Engine {
	return &Engine{failFast: failFast, logger: logger}
}

// FailFast reports the engine mode.
func (e *Engine) FailFast() bool { return e.failFast }

// Strict returns a fail-fast copy of the engine sharing its logger.
func (e *Engine) Strict() *Engine {
	return &Engine{failFast: true, logger: e.logger}
}

// Advisory returns a copy of the engine that logs failures without raising.
func (e *Engine) Advisory() *Engine {
	return &Engine{failFast: false, logger: e.logger}
}

// Check evaluates every rule against frame.
func (e *Engine) Check(stage string, frame Frame, rules []Rule) (Report, error) {
	report := Report{Stage: stage, Status: Pending}

	var missing []string
	columns := make(map[string][]any, len(rules))
	for _, rule := range rules {
		values, ok := frame.Column(rule.Column)
		if !ok {
			if !slices.Contains(missing, rule.Column) {
				missing = append(missing, rule.Column)
			}
			continue
		}
		columns[rule.Column] = values
	}
	if len(missing) > 0 {
		report.Status = Failed
		for _, col := range missing {
			report.Results = append(report.Results, Result{
				Stage: stage, Column: col, Check: CheckSchema,
				Expected: "present", Actual: "missing",
				Message: fmt.Sprintf("column %s is missing", col),
			})
		}
		return report, &SchemaError{Stage: stage, Missing: missing}
	}

	report.Status = Checking
	for _, rule := range rules {
		report.Results = append(report.Results, evaluate(stage, rule, columns[rule.Column])...)
	}

	return e.finish(report)
}

// CheckReferences evaluates foreign-key pairs and finishes a report like Check.
func (e *Engine) CheckReferences(stage string, refs []Reference) (Report, error) {
	report := Report{Stage: stage, Status: Checking}
	var missing []string
	for _, ref := range refs {
		res, err := ref.check(stage)
		if err != nil {
			var se *SchemaError
			if errors.As(err, &se) {
				missing = append(missing, se.Missing...)
				continue
			}
			return report, err
		}
		report.Results = append(report.Results, res)
	}
	if len(missing) > 0 {
		report.Status = Failed
		return report, &SchemaError{Stage: stage, Missing: missing}
	}
	return e.finish(report)
}

func (e *Engine) finish(report Report) (Report, error) {
	failures := report.Failures()
	if len(failures) == 0 {
		report.Status = Passed
		e.logger.Debug("validation passed", "stage", report.Stage, "checks", len(report.Results))
		return report, nil
	}

	report.Status = Failed
	for _, f := range failures {
		e.logger.Warn("validation check failed",
			"stage", f.Stage,
			"column", f.Column,
			"check", f.Check,
			"expected", f.Expected,
			"actual", f.Actual,
		)
	}
	if e.failFast {
		return report, &Error{Stage: report.Stage, Failures: failures}
	}
	return report, nil
}

func evaluate(stage string, rule Rule, values []any) []Result {
	var results []Result
	result := func(check string, passed bool, expected, actual, msg string) {
		results = append(results, Result{
			Stage: stage, Column: rule.Column, Check: check,
			Passed: passed, Expected: expected, Actual: actual, Message: msg,
		})
	}

	nonNull := make([]any, 0, len(values))
	for _, v := range values {
		if !isNull(v) {
			nonNull = append(nonNull, v)
		}
	}

	if rule.MaxNullRatio != nil {
		ratio := 0.0
		if len(values) > 0 {
			ratio = float64(len(values)-len(nonNull)) / float64(len(values))
		}
		ok := ratio <= *rule.MaxNullRatio
		result(CheckNullRatio, ok, "<= "+formatFloat(*rule.MaxNullRatio), formatFloat(ratio),
			fmt.Sprintf("%d of %d values are null", len(values)-len(nonNull), len(values)))
	}

	if rule.Min != nil || rule.Max != nil {
		lo, hi, bad := numericExtent(nonNull)
		if rule.Min != nil {
			ok := bad == 0 && (len(nonNull) == 0 || lo >= *rule.Min)
			result(CheckMin, ok, ">= "+formatFloat(*rule.Min), extentActual(lo, bad, len(nonNull)),
				fmt.Sprintf("minimum of %s must be at least %s", rule.Column, formatFloat(*rule.Min)))
		}
		if rule.Max != nil {
			ok := bad == 0 && (len(nonNull) == 0 || hi <= *rule.Max)
			result(CheckMax, ok, "<= "+formatFloat(*rule.Max), extentActual(hi, bad, len(nonNull)),
				fmt.Sprintf("maximum of %s must be at most %s", rule.Column, formatFloat(*rule.Max)))
		}
	}

	if rule.Unique {
		seen := make(map[string]struct{}, len(nonNull))
		for _, v := range nonNull {
			seen[key(v)] = struct{}{}
		}
		dupes := len(nonNull) - len(seen)
		result(CheckUnique, dupes == 0, "0 duplicates", strconv.Itoa(dupes),
			fmt.Sprintf("%d distinct of %d non-null values", len(seen), len(nonNull)))
	}

	if len(rule.Allowed) > 0 {
		var unexpected []string
		for _, v := range nonNull {
			k := key(v)
			if !slices.Contains(rule.Allowed, k) && !slices.Contains(unexpected, k) {
				unexpected = append(unexpected, k)
			}
		}
		slices.Sort(unexpected)
		actual := "none"
		if len(unexpected) > 0 {
			actual = strings.Join(unexpected, ",")
		}
		result(CheckAllowed, len(unexpected) == 0, "one of "+strings.Join(rule.Allowed, ","), actual,
			fmt.Sprintf("%d unexpected values", len(unexpected)))
	}

	return results
}

// numericExtent returns the min and max of the numeric values and the count
// of values that are not numeric.
func numericExtent(values []any) (lo, hi float64, bad int) {
	first := true
	for _, v := range values {
		f, ok := domain.ToFloat(v)
		if !ok {
			bad++
			continue
		}
		if first {
			lo, hi, first = f, f, false
			continue
		}
		lo = min(lo, f)
		hi = max(hi, f)
	}
	return lo, hi, bad
}

func extentActual(v float64, bad, n int) string {
	switch {
	case bad > 0:
		return strconv.Itoa(bad) + " non-numeric"
	case n == 0:
		return "no values"
	default:
		return formatFloat(v)
	}
}

func isNull(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

// key renders a cell for set membership comparisons.
func key(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case float64:
		return formatFloat(x)
	default:
		return fmt.Sprint(v)
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
