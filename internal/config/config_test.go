package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/accident-data-etl/internal/domain"
)

const defaultBroker = "localhost:9092"

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, SourceCSV, cfg.Source)
	assert.Equal(t, "data/US_Accidents.csv", cfg.InputPath)
	assert.Equal(t, "output", cfg.OutputDir)
	assert.Empty(t, cfg.SQLitePath)
	assert.Equal(t, []string{defaultBroker}, cfg.KafkaBrokers)
	assert.Equal(t, "raw-accidents", cfg.KafkaSourceTopic)
	assert.Equal(t, "accident-tables", cfg.KafkaSinkTopic)
	assert.Equal(t, "accident-data-etl", cfg.KafkaGroupID)
	assert.False(t, cfg.KafkaSinkEnabled)
	assert.Equal(t, 10*time.Second, cfg.KafkaIdleTimeout)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.BatchFlushInterval)
	assert.Equal(t, 3, cfg.WriteMaxRetries)
	assert.Equal(t, time.Second, cfg.WriteRetryDelay)

	if diff := cmp.Diff(domain.DefaultRules(), cfg.Rules); diff != "" {
		t.Fatalf("rules mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Setenv("SOURCE", "kafka")
	t.Setenv("SQLITE_PATH", "/tmp/accidents.db")
	t.Setenv("KAFKA_BROKERS", "broker1:9092,broker2:9092")
	t.Setenv("KAFKA_SOURCE_TOPIC", "custom-source")
	t.Setenv("KAFKA_SINK_TOPIC", "custom-sink")
	t.Setenv("KAFKA_GROUP_ID", "custom-group")
	t.Setenv("KAFKA_SINK_ENABLED", "true")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("SHUTDOWN_TIMEOUT", "30s")
	t.Setenv("BATCH_SIZE", "100")
	t.Setenv("BATCH_FLUSH_INTERVAL", "1s")
	t.Setenv("WRITE_MAX_RETRIES", "5")
	t.Setenv("WRITE_RETRY_DELAY", "250ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, SourceKafka, cfg.Source)
	assert.Equal(t, "/tmp/accidents.db", cfg.SQLitePath)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "custom-source", cfg.KafkaSourceTopic)
	assert.Equal(t, "custom-sink", cfg.KafkaSinkTopic)
	assert.Equal(t, "custom-group", cfg.KafkaGroupID)
	assert.True(t, cfg.KafkaSinkEnabled)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 1*time.Second, cfg.BatchFlushInterval)
	assert.Equal(t, 5, cfg.WriteMaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.WriteRetryDelay)
}

func TestLoad_InvalidEnv(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"shutdown timeout", map[string]string{"SHUTDOWN_TIMEOUT": "not-a-duration"}, "SHUTDOWN_TIMEOUT"},
		{"negative shutdown timeout", map[string]string{"SHUTDOWN_TIMEOUT": "-1s"}, "SHUTDOWN_TIMEOUT"},
		{"batch size zero", map[string]string{"BATCH_SIZE": "0"}, "BATCH_SIZE"},
		{"batch size too large", map[string]string{"BATCH_SIZE": "9999"}, "BATCH_SIZE"},
		{"flush interval", map[string]string{"BATCH_FLUSH_INTERVAL": "not-a-duration"}, "BATCH_FLUSH_INTERVAL"},
		{"max retries", map[string]string{"WRITE_MAX_RETRIES": "-1"}, "WRITE_MAX_RETRIES"},
		{"retry delay", map[string]string{"WRITE_RETRY_DELAY": "soon"}, "WRITE_RETRY_DELAY"},
		{"idle timeout", map[string]string{"KAFKA_IDLE_TIMEOUT": "0s"}, "KAFKA_IDLE_TIMEOUT"},
		{"sink flag", map[string]string{"KAFKA_SINK_ENABLED": "maybe"}, "KAFKA_SINK_ENABLED"},
		{"unknown source", map[string]string{"SOURCE": "ftp"}, "SOURCE"},
		{"missing rules file", map[string]string{"RULES_FILE": "/nonexistent/rules.json"}, "RULES_FILE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_KafkaSinkRequiresBrokers(t *testing.T) {
	t.Setenv("KAFKA_SINK_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", " , ")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KAFKA_BROKERS")
}

func TestLoad_RulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"start_year": 2020, "pareto_threshold": 0.5}`), 0o600))
	t.Setenv("RULES_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2020, cfg.Rules.StartYear)
	assert.Equal(t, 2022, cfg.Rules.EndYear)
	assert.InDelta(t, 0.5, cfg.Rules.ParetoThreshold, 0)
	assert.Len(t, cfg.Rules.InfraWeights, 5)
}

func TestParseRules(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"empty document keeps defaults", `{}`, ""},
		{"unknown field", `{"start_yr": 2020}`, "start_yr"},
		{"end before start", `{"start_year": 2022, "end_year": 2019}`, "EndYear"},
		{"inverted temperature bounds", `{"temperature": {"min": 100, "max": 0}}`, "temperature"},
		{"threshold outside severity range", `{"high_severity_threshold": 9}`, "high_severity_threshold"},
		{"unknown infrastructure flag", `{"infra_weights": [{"flag": "Roundabout", "weight": 1}]}`, "Roundabout"},
		{"unordered bands", `{"severity_impact_bands": [{"above": 5, "points": 1}, {"above": 10, "points": 2}]}`, "severity_impact_bands"},
		{"risk thresholds out of order", `{"risk_thresholds": {"extreme": 4, "high": 6, "moderate": 8}}`, "risk_thresholds"},
		{"empty time period", `{"time_periods": [{"name": "Dawn", "from": 6, "to": 6}]}`, "Dawn"},
		{"pareto above one", `{"pareto_threshold": 1.5}`, "ParetoThreshold"},
		{"upper-case weather keyword", `{"weather_keywords": [{"category": "Foggy", "keywords": ["Fog"]}, {"category": "Rainy", "keywords": ["rain"]}]}`, "lowercase"},
		{"zscore bound inside critical threshold", `{"zscore_bound": 1.5}`, "zscore_bound"},
		{"infra risk thresholds out of order", `{"infra_risk_thresholds": {"critical": 1, "high": 3, "medium": 5}}`, "infra_risk_thresholds"},
		{"zero hotspot scale", `{"hotspot_scale": 0}`, "HotspotScale"},
		{"risk base replaced without default category", `{"weather_risk_base": {"Foggy": 5, "Snowy": 4, "Rainy": 3, "Windy": 2, "Cloudy": 1}}`, "Clear"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.doc))
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseRules_ReplacesCollections(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		check func(t *testing.T, r domain.Rules)
	}{
		{
			name: "partial band does not inherit default points",
			doc:  `{"severity_impact_bands": [{"above": 20}]}`,
			check: func(t *testing.T, r domain.Rules) {
				assert.Equal(t, []domain.Band{{Above: 20, Points: 0}}, r.SeverityImpactBands)
				assert.Equal(t, domain.DefaultRules().DurationImpactBands, r.DurationImpactBands)
			},
		},
		{
			name: "shorter rush hours list",
			doc:  `{"rush_hours": [8]}`,
			check: func(t *testing.T, r domain.Rules) {
				assert.Equal(t, []int{8}, r.RushHours)
			},
		},
		{
			name: "partial time period keeps only given fields",
			doc:  `{"time_periods": [{"name": "Dawn", "to": 6}]}`,
			check: func(t *testing.T, r domain.Rules) {
				assert.Equal(t, []domain.TimePeriod{{Name: "Dawn", From: 0, To: 6}}, r.TimePeriods)
			},
		},
		{
			name: "risk base map replaced whole",
			doc:  `{"weather_risk_base": {"Clear": 1, "Cloudy": 1, "Windy": 1, "Rainy": 1, "Snowy": 1, "Foggy": 1}}`,
			check: func(t *testing.T, r domain.Rules) {
				assert.Len(t, r.WeatherRiskBase, 6)
				assert.Equal(t, 1, r.WeatherRiskBase[domain.WeatherClear])
			},
		},
		{
			name: "lower-case keywords select their category",
			doc:  `{"weather_keywords": [{"category": "Foggy", "keywords": ["fog"]}, {"category": "Rainy", "keywords": ["rain"]}]}`,
			check: func(t *testing.T, r domain.Rules) {
				assert.Len(t, r.WeatherKeywords, 2)
				assert.Equal(t, domain.WeatherFoggy, domain.WeatherCategory("Light Rain / Fog", r.WeatherKeywords, r.DefaultWeather))
			},
		},
		{
			name: "scalar thresholds",
			doc:  `{"zscore_bound": 4, "hotspot_scale": 100, "infra_risk_thresholds": {"critical": 8, "high": 4, "medium": 2}}`,
			check: func(t *testing.T, r domain.Rules) {
				assert.InDelta(t, 4.0, r.ZScoreBound, 1e-9)
				assert.InDelta(t, 100.0, r.HotspotScale, 1e-9)
				assert.Equal(t, domain.InfraRiskThresholds{Critical: 8, High: 4, Medium: 2}, r.InfraRiskThresholds)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseRules([]byte(tt.doc))
			require.NoError(t, err)
			tt.check(t, r)
		})
	}
}

func TestParseRules_DefaultsUntouched(t *testing.T) {
	_, err := ParseRules([]byte(`{"severity_impact_bands": [{"above": 20}]}`))
	require.NoError(t, err)
	assert.Equal(t, []domain.Band{{Above: 15, Points: 3}, {Above: 10, Points: 2}, {Above: 5, Points: 1}},
		domain.DefaultRules().SeverityImpactBands)
}

func TestValidateRules_Defaults(t *testing.T) {
	require.NoError(t, ValidateRules(domain.DefaultRules()))
}
