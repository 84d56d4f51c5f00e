package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"

	"github.com/couchcryptid/accident-data-etl/internal/domain"
)

// Source kinds.
const (
	SourceCSV   = "csv"
	SourceKafka = "kafka"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	Source     string
	InputPath  string
	OutputDir  string
	SQLitePath string

	KafkaBrokers     []string
	KafkaSourceTopic string
	KafkaSinkTopic   string
	KafkaGroupID     string
	KafkaSinkEnabled bool
	KafkaIdleTimeout time.Duration

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	BatchSize          int
	BatchFlushInterval time.Duration

	WriteMaxRetries int
	WriteRetryDelay time.Duration

	RulesFile string
	Rules     domain.Rules
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	maxRetries, err := parseWriteMaxRetries()
	if err != nil {
		return nil, err
	}

	retryDelay, err := time.ParseDuration(sharedcfg.EnvOrDefault("WRITE_RETRY_DELAY", "1s"))
	if err != nil || retryDelay < 0 {
		return nil, errors.New("invalid WRITE_RETRY_DELAY")
	}

	idleTimeout, err := time.ParseDuration(sharedcfg.EnvOrDefault("KAFKA_IDLE_TIMEOUT", "10s"))
	if err != nil || idleTimeout <= 0 {
		return nil, errors.New("invalid KAFKA_IDLE_TIMEOUT: must be a positive duration")
	}

	sinkEnabled, err := parseBool("KAFKA_SINK_ENABLED", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Source:     sharedcfg.EnvOrDefault("SOURCE", SourceCSV),
		InputPath:  sharedcfg.EnvOrDefault("INPUT_PATH", "data/US_Accidents.csv"),
		OutputDir:  sharedcfg.EnvOrDefault("OUTPUT_DIR", "output"),
		SQLitePath: os.Getenv("SQLITE_PATH"),

		KafkaBrokers:     sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSourceTopic: sharedcfg.EnvOrDefault("KAFKA_SOURCE_TOPIC", "raw-accidents"),
		KafkaSinkTopic:   sharedcfg.EnvOrDefault("KAFKA_SINK_TOPIC", "accident-tables"),
		KafkaGroupID:     sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "accident-data-etl"),
		KafkaSinkEnabled: sinkEnabled,
		KafkaIdleTimeout: idleTimeout,

		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,

		WriteMaxRetries: maxRetries,
		WriteRetryDelay: retryDelay,

		RulesFile: os.Getenv("RULES_FILE"),
	}

	switch cfg.Source {
	case SourceCSV:
		if cfg.InputPath == "" {
			return nil, errors.New("INPUT_PATH is required for the csv source")
		}
	case SourceKafka:
		if cfg.KafkaSourceTopic == "" {
			return nil, errors.New("KAFKA_SOURCE_TOPIC is required for the kafka source")
		}
	default:
		return nil, fmt.Errorf("invalid SOURCE %q: must be %s or %s", cfg.Source, SourceCSV, SourceKafka)
	}

	usesKafka := cfg.Source == SourceKafka || cfg.KafkaSinkEnabled
	if usesKafka && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if cfg.KafkaSinkEnabled && cfg.KafkaSinkTopic == "" {
		return nil, errors.New("KAFKA_SINK_TOPIC is required when KAFKA_SINK_ENABLED is true")
	}

	rules, err := LoadRules(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	cfg.Rules = rules

	return cfg, nil
}

func parseWriteMaxRetries() (int, error) {
	s := sharedcfg.EnvOrDefault("WRITE_MAX_RETRIES", "3")
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 20 {
		return 0, errors.New("invalid WRITE_MAX_RETRIES: must be between 0 and 20")
	}
	return n, nil
}

func parseBool(key string, fallback bool) (bool, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
