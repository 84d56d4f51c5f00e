package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	sharedretry "github.com/couchcryptid/storm-data-shared/retry"

	"github.com/couchcryptid/accident-data-etl/internal/aggregate"
	"github.com/couchcryptid/accident-data-etl/internal/clean"
	"github.com/couchcryptid/accident-data-etl/internal/domain"
	"github.com/couchcryptid/accident-data-etl/internal/observability"
	"github.com/couchcryptid/accident-data-etl/internal/schema"
	"github.com/couchcryptid/accident-data-etl/internal/validate"
)

const maxBackoff = 5 * time.Second

// BatchExtractor reads up to batchSize raw events from the source. An empty
// batch with a nil error means the source is drained.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawEvent, error)
}

// Decoder converts a raw event into a typed accident.
type Decoder interface {
	Decode(ctx context.Context, raw domain.RawEvent) (domain.RawAccident, error)
}

// TableLoader writes the output tables of one run to a destination.
type TableLoader interface {
	Name() string
	LoadTables(ctx context.Context, runID string, tables []*domain.Table) error
}

// Options tune batching and write retries.
type Options struct {
	BatchSize       int
	WriteMaxRetries int
	WriteRetryDelay time.Duration
}

// RunReport summarises one pipeline run.
type RunReport struct {
	RunID        string
	StartedAt    time.Time
	Duration     time.Duration
	Extracted    int
	DecodeErrors int
	Filtered     int
	Clean        clean.Stats
	Aggregates   aggregate.Result
	Tables       []*domain.Table
}

// RunSummary is the JSON view of a RunReport.
type RunSummary struct {
	RunID           string          `json:"run_id"`
	StartedAt       time.Time       `json:"started_at"`
	DurationSeconds float64         `json:"duration_seconds"`
	Extracted       int             `json:"extracted"`
	DecodeErrors    int             `json:"decode_errors"`
	Filtered        int             `json:"filtered"`
	CleanInput      int             `json:"clean_input"`
	CleanOutput     int             `json:"clean_output"`
	Removed         int             `json:"removed"`
	RemovedPct      float64         `json:"removed_pct"`
	Imputed         map[string]int  `json:"imputed,omitempty"`
	Capped          map[string]int  `json:"capped,omitempty"`
	Tables          map[string]int  `json:"tables"`
	AggregatesValid map[string]bool `json:"aggregates_valid"`
}

// Summary condenses the report to row counts and validation outcomes.
func (r RunReport) Summary() RunSummary {
	tables := make(map[string]int, len(r.Tables))
	for _, t := range r.Tables {
		tables[t.Name] = t.Len()
	}
	return RunSummary{
		RunID:           r.RunID,
		StartedAt:       r.StartedAt.UTC(),
		DurationSeconds: r.Duration.Seconds(),
		Extracted:       r.Extracted,
		DecodeErrors:    r.DecodeErrors,
		Filtered:        r.Filtered,
		CleanInput:      r.Clean.Input,
		CleanOutput:     r.Clean.Output,
		Removed:         r.Clean.Removed,
		RemovedPct:      r.Clean.RemovedPct,
		Imputed:         r.Clean.Imputed,
		Capped:          r.Clean.Capped,
		Tables:          tables,
		AggregatesValid: r.Aggregates.Valid,
	}
}

// Pipeline orchestrates extract, year filter, clean, schema, aggregate and load.
type Pipeline struct {
	extractor  BatchExtractor
	decoder    Decoder
	loaders    []TableLoader
	rules      domain.Rules
	cleaner    *clean.Cleaner
	builder    *schema.Builder
	aggregator *aggregate.Aggregator
	logger     *slog.Logger
	metrics    *observability.Metrics
	opts       Options
	ready      atomic.Bool
	last       atomic.Pointer[RunSummary]
}

// New creates a Pipeline with the given stages and observability.
func New(e BatchExtractor, d Decoder, loaders []TableLoader, rules domain.Rules, logger *slog.Logger, metrics *observability.Metrics, opts Options) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	engine := validate.NewEngine(true, logger)
	return &Pipeline{
		extractor:  e,
		decoder:    d,
		loaders:    loaders,
		rules:      rules,
		cleaner:    clean.New(rules, engine, logger),
		builder:    schema.NewBuilder(rules, engine, logger),
		aggregator: aggregate.New(rules, engine, logger),
		logger:     logger,
		metrics:    metrics,
		opts:       opts,
	}
}

// CheckReadiness returns nil once the pipeline has completed a run,
// or an error describing why the service is not yet ready.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not completed a run yet")
	}
	return nil
}

// LastRun returns the summary of the most recent successful run.
func (p *Pipeline) LastRun() (RunSummary, bool) {
	s := p.last.Load()
	if s == nil {
		return RunSummary{}, false
	}
	return *s, true
}

// Run executes one end-to-end run: it drains the source, transforms the
// records and writes every output table to each loader. Source events are
// committed only after all loaders succeed.
func (p *Pipeline) Run(ctx context.Context) (RunReport, error) {
	report := RunReport{RunID: uuid.NewString(), StartedAt: domain.Now()}
	p.logger.Info("pipeline started", "run_id", report.RunID, "batch_size", p.opts.BatchSize)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	stageStart := domain.Now()
	raws, err := p.extract(ctx)
	if err != nil {
		return report, err
	}
	report.Extracted = len(raws)
	p.observeStage("extract", stageStart)

	records, pending := p.decode(ctx, raws, &report)

	stageStart = domain.Now()
	cleaned, err := p.cleaner.Clean(records)
	p.countFailures(cleaned.Report)
	if err != nil {
		return report, err
	}
	report.Clean = cleaned.Stats
	p.metrics.RecordsRemoved.Add(float64(cleaned.Stats.Removed))
	p.observeStage("clean", stageStart)

	stageStart = domain.Now()
	star, err := p.builder.Build(cleaned.Accidents)
	p.countFailures(star.Keys)
	p.countFailures(star.RefReport)
	if err != nil {
		return report, err
	}
	p.observeStage("schema", stageStart)

	stageStart = domain.Now()
	aggs, err := p.aggregator.Run(star, report.RunID)
	if err != nil {
		return report, err
	}
	for name, rep := range aggs.Reports {
		p.countFailures(rep)
		valid := 0.0
		if aggs.Valid[name] {
			valid = 1
		}
		p.metrics.AggregateValid.WithLabelValues(name).Set(valid)
	}
	report.Aggregates = aggs
	p.observeStage("aggregate", stageStart)

	report.Tables = outputs(cleaned.Table, star, aggs)

	stageStart = domain.Now()
	if err := p.load(ctx, report.RunID, report.Tables); err != nil {
		return report, err
	}
	p.observeStage("load", stageStart)

	for _, raw := range pending {
		p.commitOffset(ctx, raw)
	}

	report.Duration = domain.Since(report.StartedAt)
	p.metrics.RunDuration.Observe(report.Duration.Seconds())
	summary := report.Summary()
	p.last.Store(&summary)
	p.ready.Store(true)

	p.logger.Info("pipeline finished",
		"run_id", report.RunID,
		"extracted", report.Extracted,
		"decode_errors", report.DecodeErrors,
		"filtered", report.Filtered,
		"cleaned", report.Clean.Output,
		"tables", len(report.Tables),
		"aggregates_valid", aggs.AllValid(),
		"duration", report.Duration,
	)
	return report, nil
}

// extract reads batches until the source is drained, backing off on errors.
func (p *Pipeline) extract(ctx context.Context) ([]domain.RawEvent, error) {
	var all []domain.RawEvent
	backoff := p.initialBackoff()
	failures := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("extract: %w", err)
		}

		batch, err := p.extractor.ExtractBatch(ctx, p.opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("extract: %w", ctx.Err())
			}
			failures++
			p.logger.Error("extract batch failed", "error", err, "attempt", failures)
			if failures > p.opts.WriteMaxRetries || !sharedretry.SleepWithContext(ctx, backoff) {
				return nil, fmt.Errorf("extract: %w", err)
			}
			backoff = sharedretry.NextBackoff(backoff, maxBackoff)
			continue
		}

		if len(batch) == 0 {
			return all, nil
		}
		failures = 0
		backoff = p.initialBackoff()

		p.metrics.RecordsExtracted.Add(float64(len(batch)))
		p.metrics.BatchSize.Observe(float64(len(batch)))
		all = append(all, batch...)
	}
}

// decode parses each raw event and applies the year window. Events that fail
// to decode are committed and skipped; the rest are returned as pending until
// the run is loaded.
func (p *Pipeline) decode(ctx context.Context, raws []domain.RawEvent, report *RunReport) ([]domain.RawAccident, []domain.RawEvent) {
	records := make([]domain.RawAccident, 0, len(raws))
	pending := make([]domain.RawEvent, 0, len(raws))
	for _, raw := range raws {
		rec, err := p.decoder.Decode(ctx, raw)
		if err != nil {
			p.logger.Warn("decode failed, skipping record",
				"error", err,
				"topic", raw.Topic,
				"partition", raw.Partition,
				"offset", raw.Offset,
			)
			p.metrics.DecodeErrors.Inc()
			report.DecodeErrors++
			p.commitOffset(ctx, raw)
			continue
		}
		pending = append(pending, raw)
		if !InYearWindow(rec, p.rules) {
			report.Filtered++
			continue
		}
		records = append(records, rec)
	}
	p.metrics.RecordsFiltered.Add(float64(report.Filtered))
	return records, pending
}

// InYearWindow reports whether the record starts within the configured years.
// Records without a start time fall outside every window.
func InYearWindow(rec domain.RawAccident, r domain.Rules) bool {
	if rec.StartTime.IsZero() {
		return false
	}
	y := rec.StartTime.Year()
	return y >= r.StartYear && y <= r.EndYear
}

// load writes the tables to every loader, retrying each independently.
func (p *Pipeline) load(ctx context.Context, runID string, tables []*domain.Table) error {
	var result *multierror.Error
	for _, l := range p.loaders {
		if err := p.loadWithRetry(ctx, l, runID, tables); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", l.Name(), err))
			continue
		}
		for _, t := range tables {
			p.metrics.RowsLoaded.WithLabelValues(l.Name(), t.Name).Add(float64(t.Len()))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("load: %w", err)
	}
	return nil
}

func (p *Pipeline) loadWithRetry(ctx context.Context, l TableLoader, runID string, tables []*domain.Table) error {
	backoff := p.initialBackoff()
	for attempt := 0; ; attempt++ {
		err := l.LoadTables(ctx, runID, tables)
		if err == nil {
			return nil
		}
		if attempt >= p.opts.WriteMaxRetries || ctx.Err() != nil {
			return err
		}
		p.logger.Warn("load failed, retrying",
			"sink", l.Name(),
			"error", err,
			"attempt", attempt+1,
			"backoff", backoff,
		)
		p.metrics.LoadRetries.WithLabelValues(l.Name()).Inc()
		if !sharedretry.SleepWithContext(ctx, backoff) {
			return err
		}
		backoff = sharedretry.NextBackoff(backoff, maxBackoff)
	}
}

func (p *Pipeline) initialBackoff() time.Duration {
	if p.opts.WriteRetryDelay > 0 {
		return p.opts.WriteRetryDelay
	}
	return 200 * time.Millisecond
}

func (p *Pipeline) observeStage(stage string, start time.Time) {
	p.metrics.StageDuration.WithLabelValues(stage).Observe(domain.Since(start).Seconds())
}

func (p *Pipeline) countFailures(r validate.Report) {
	if n := len(r.Failures()); n > 0 {
		p.metrics.ValidationFailures.WithLabelValues(r.Stage).Add(float64(n))
	}
}

// commitOffset commits the message offset if a commit function is available.
func (p *Pipeline) commitOffset(ctx context.Context, raw domain.RawEvent) {
	if raw.Commit == nil {
		return
	}
	if err := raw.Commit(ctx); err != nil {
		p.logger.Warn("commit offset failed", "error", err,
			"topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset)
	}
}

// outputs orders every table the run produces: cleaned data, the star schema,
// the aggregates and the aggregate summary.
func outputs(cleaned *domain.Table, s schema.Schema, aggs aggregate.Result) []*domain.Table {
	tables := []*domain.Table{cleaned}
	tables = append(tables, s.Tables()...)
	tables = append(tables, aggs.Tables...)
	if aggs.Summary != nil {
		tables = append(tables, aggs.Summary)
	}
	return tables
}
