package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"

	"github.com/couchcryptid/accident-data-etl/internal/adapter/csvfile"
	"github.com/couchcryptid/accident-data-etl/internal/adapter/httpadapter"
	kafkaadapter "github.com/couchcryptid/accident-data-etl/internal/adapter/kafka"
	"github.com/couchcryptid/accident-data-etl/internal/adapter/sqlite"
	"github.com/couchcryptid/accident-data-etl/internal/config"
	"github.com/couchcryptid/accident-data-etl/internal/observability"
	"github.com/couchcryptid/accident-data-etl/internal/pipeline"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	logger := sharedobs.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Error("close error", "error", err)
			}
		}
	}()

	var extractor pipeline.BatchExtractor
	switch cfg.Source {
	case config.SourceKafka:
		reader := kafkaadapter.NewReader(cfg, logger)
		closers = append(closers, reader)
		extractor = reader
	default:
		src, err := csvfile.Open(cfg.InputPath, logger)
		if err != nil {
			logger.Error("failed to open source", "error", err)
			return 1
		}
		closers = append(closers, src)
		extractor = src
	}

	checks := httpadapter.Checks{}
	loaders := []pipeline.TableLoader{csvfile.NewSink(cfg.OutputDir, logger)}
	if cfg.SQLitePath != "" {
		store, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			logger.Error("failed to open sqlite", "error", err)
			return 1
		}
		closers = append(closers, store)
		loaders = append(loaders, store)
		checks["sqlite"] = store
	}
	if cfg.KafkaSinkEnabled {
		writer := kafkaadapter.NewWriter(cfg, logger)
		closers = append(closers, writer)
		loaders = append(loaders, writer)
	}

	p := pipeline.New(extractor, pipeline.NewDecoder(), loaders, cfg.Rules, logger, metrics, pipeline.Options{
		BatchSize:       cfg.BatchSize,
		WriteMaxRetries: cfg.WriteMaxRetries,
		WriteRetryDelay: cfg.WriteRetryDelay,
	})
	checks["pipeline"] = p

	srv := httpadapter.NewServer(cfg.HTTPAddr, checks, p, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	code := 0
	report, err := p.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Info("pipeline interrupted", "run_id", report.RunID)
		code = 130
	case err != nil:
		logger.Error("pipeline error", "run_id", report.RunID, "error", err)
		code = 1
	case !report.Aggregates.AllValid():
		logger.Warn("aggregate validation failed", "run_id", report.RunID, "valid", report.Aggregates.Valid)
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return code
}
