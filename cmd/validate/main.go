// Command validate re-checks the tables written by a pipeline run: every
// expected table is present, primary keys are unique, fact foreign keys
// resolve, durations are within bounds, aggregates satisfy their rules and
// the aggregate summary matches what was written.
//
// Usage:
//
//	go run ./cmd/validate -dir output
//	go run ./cmd/validate -sqlite output/accidents.db
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/couchcryptid/accident-data-etl/internal/adapter/csvfile"
	"github.com/couchcryptid/accident-data-etl/internal/adapter/sqlite"
	"github.com/couchcryptid/accident-data-etl/internal/aggregate"
	"github.com/couchcryptid/accident-data-etl/internal/clean"
	"github.com/couchcryptid/accident-data-etl/internal/config"
	"github.com/couchcryptid/accident-data-etl/internal/domain"
	"github.com/couchcryptid/accident-data-etl/internal/schema"
	"github.com/couchcryptid/accident-data-etl/internal/validate"
)

// phase tracks pass/fail for a validation phase. Warnings are printed but
// do not fail the phase.
type phase struct {
	name     string
	errors   []string
	warnings []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) warnf(format string, args ...any) {
	p.warnings = append(p.warnings, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

// report records every failing result of a validation report.
func (p *phase) report(r validate.Report, err error) {
	var schemaErr *validate.SchemaError
	if errors.As(err, &schemaErr) {
		p.errorf("%v", schemaErr)
		return
	}
	for _, f := range r.Failures() {
		p.errorf("%s (%s)", f, f.Message)
	}
}

// tableReader loads one output table by name.
type tableReader func(name string) (*domain.Table, error)

func main() {
	dir := flag.String("dir", "", "output directory written by the CSV sink")
	dbPath := flag.String("sqlite", "", "SQLite database written by the SQLite sink")
	rulesFile := flag.String("rules", os.Getenv("RULES_FILE"), "optional JSON rules file")
	flag.Parse()

	if (*dir == "") == (*dbPath == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -dir or -sqlite is required")
		flag.Usage()
		os.Exit(2)
	}

	os.Exit(run(*dir, *dbPath, *rulesFile))
}

func run(dir, dbPath, rulesFile string) int {
	rules, err := config.LoadRules(rulesFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	read, source, closeFn, err := openReader(dir, dbPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}
	defer closeFn()

	fmt.Printf("=== Accident Output Validation (%s) ===\n\n", source)

	tables, presence := loadTables(read)
	engine := validate.NewEngine(false, logger)
	phases := []*phase{
		presence,
		validateKeys(engine, tables, rules),
		validateReferences(engine, tables),
		validateCleaned(engine, tables, rules),
		validateAggregates(engine, tables, rules),
		validateSummary(tables),
	}

	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	for _, name := range expectedTables() {
		if t, ok := tables[name]; ok {
			fmt.Printf("  %-24s %6d rows\n", name, t.Len())
		}
	}

	for _, p := range phases {
		if p.passed() && len(p.warnings) == 0 {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
		for _, w := range p.warnings {
			fmt.Printf("  [warn] %s\n", w)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

func openReader(dir, dbPath string, logger *slog.Logger) (tableReader, string, func(), error) {
	if dir != "" {
		read := func(name string) (*domain.Table, error) {
			return csvfile.ReadTable(filepath.Join(dir, name+".csv"))
		}
		return read, dir, func() {}, nil
	}

	ctx := context.Background()
	if _, err := os.Stat(dbPath); err != nil {
		return nil, "", nil, err
	}
	store, err := sqlite.Open(ctx, dbPath, logger)
	if err != nil {
		return nil, "", nil, err
	}
	read := func(name string) (*domain.Table, error) {
		return store.ReadTable(ctx, name)
	}
	return read, dbPath, func() { _ = store.Close() }, nil
}

func expectedTables() []string {
	names := []string{clean.TableName, schema.TableTime, schema.TableLocation, schema.TableWeather, schema.TableFact}
	for _, g := range aggregate.Grains {
		names = append(names, g.Name)
	}
	return append(names, aggregate.TableSummary)
}

// ── Phase 1: Presence ──

func loadTables(read tableReader) (schema.Frames, *phase) {
	p := &phase{name: "Phase 1: Table Presence"}
	tables := schema.Frames{}
	for _, name := range expectedTables() {
		t, err := read(name)
		if err != nil {
			p.errorf("%s: %v", name, err)
			continue
		}
		tables[name] = t
	}
	return tables, p
}

// ── Phase 2: Keys ──

func validateKeys(engine *validate.Engine, tables schema.Frames, rules domain.Rules) *phase {
	p := &phase{name: "Phase 2: Primary Keys and Duration Bounds"}
	star := schema.Frames{}
	for _, name := range []string{schema.TableTime, schema.TableLocation, schema.TableWeather, schema.TableFact} {
		t, ok := tables[name]
		if !ok {
			p.errorf("%s: table missing", name)
			continue
		}
		star[name] = t
	}
	if !p.passed() {
		return p
	}
	p.report(engine.Check(schema.StageKeys, star, schema.KeyRules(rules)))
	return p
}

// ── Phase 3: Referential Integrity ──

func validateReferences(engine *validate.Engine, tables schema.Frames) *phase {
	p := &phase{name: "Phase 3: Referential Integrity"}
	fact, ok := tables[schema.TableFact]
	if !ok {
		p.errorf("%s: table missing", schema.TableFact)
		return p
	}

	var refs []validate.Reference
	for _, ref := range []struct{ name, fk, dim, pk string }{
		{"date", schema.ColFullDate, schema.TableTime, schema.ColDate},
		{"location", schema.ColLocationID, schema.TableLocation, schema.ColLocationID},
		{"weather", schema.ColWeatherID, schema.TableWeather, schema.ColWeatherID},
	} {
		dim, ok := tables[ref.dim]
		if !ok {
			p.errorf("%s: table missing", ref.dim)
			continue
		}
		refs = append(refs, validate.Reference{Name: ref.name, Fact: fact, ForeignKey: ref.fk, Dim: dim, PrimaryKey: ref.pk})
	}
	if len(refs) > 0 {
		p.report(engine.CheckReferences(schema.StageReferences, refs))
	}
	return p
}

// ── Phase 4: Cleaned Dataset ──

func validateCleaned(engine *validate.Engine, tables schema.Frames, rules domain.Rules) *phase {
	p := &phase{name: "Phase 4: Cleaned Dataset"}
	t, ok := tables[clean.TableName]
	if !ok {
		p.errorf("%s: table missing", clean.TableName)
		return p
	}
	p.report(engine.Check(clean.Stage, t, clean.ValidationRules(rules)))

	if fact, ok := tables[schema.TableFact]; ok && fact.Len() != t.Len() {
		p.errorf("%s has %d rows, %s has %d", schema.TableFact, fact.Len(), clean.TableName, t.Len())
	}
	checkLocationKeys(p, t)
	return p
}

// checkLocationKeys warns about location keys that merge different places.
// dim_location keeps the first state seen for such a key.
func checkLocationKeys(p *phase, cleaned *domain.Table) {
	conflicts, err := schema.LocationConflicts(cleaned)
	if err != nil {
		p.errorf("%v", err)
		return
	}
	for _, c := range conflicts {
		if len(c.States) > 1 {
			p.warnf("%s %q spans states %v", schema.ColLocationID, c.ID, c.States)
			continue
		}
		p.warnf("%s %q merges %d street/city pairs", schema.ColLocationID, c.ID, c.Pairs)
	}
}

// ── Phase 5: Aggregates ──

func validateAggregates(engine *validate.Engine, tables schema.Frames, rules domain.Rules) *phase {
	p := &phase{name: "Phase 5: Aggregate Rules"}
	for _, g := range aggregate.Grains {
		t, ok := tables[g.Name]
		if !ok {
			p.errorf("%s: table missing", g.Name)
			continue
		}
		p.report(engine.Check(g.Name, t, aggregate.Rules(g.Name, rules)))
	}
	return p
}

// ── Phase 6: Summary ──

func validateSummary(tables schema.Frames) *phase {
	p := &phase{name: "Phase 6: Aggregate Summary"}
	summary, ok := tables[aggregate.TableSummary]
	if !ok {
		p.errorf("%s: table missing", aggregate.TableSummary)
		return p
	}

	names, _ := summary.Column("Aggregate")
	records, _ := summary.Column("Records")
	valid, _ := summary.Column("is_valid")
	runIDs, _ := summary.Column("run_id")

	seen := make([]string, 0, len(names))
	for i, n := range names {
		name := fmt.Sprint(n)
		seen = append(seen, name)
		t, ok := tables[name]
		if !ok {
			p.errorf("summary lists %s, which was not written", name)
			continue
		}
		if want, ok := domain.ToFloat(records[i]); !ok || int(want) != t.Len() {
			p.errorf("%s: summary records %v, table has %d rows", name, records[i], t.Len())
		}
		if v, ok := domain.ToFloat(valid[i]); !ok || v != 1 {
			p.errorf("%s: marked invalid by the run", name)
		}
	}
	for _, g := range aggregate.Grains {
		if !slices.Contains(seen, g.Name) {
			p.errorf("summary has no row for %s", g.Name)
		}
	}

	distinct := map[string]struct{}{}
	for _, id := range runIDs {
		distinct[fmt.Sprint(id)] = struct{}{}
	}
	if len(distinct) > 1 {
		p.errorf("summary spans %d run ids", len(distinct))
	}
	return p
}
