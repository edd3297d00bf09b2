package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/ehr/cqm/internal/measure"
)

type Config struct {
	Port                    string  `mapstructure:"PORT"`
	Env                     string  `mapstructure:"ENV"`
	DatabaseURL             string  `mapstructure:"DATABASE_URL"`
	DBMaxConns              int32   `mapstructure:"DB_MAX_CONNS"`
	DBMinConns              int32   `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir           string  `mapstructure:"MIGRATIONS_DIR"`
	FHIRVersion             string  `mapstructure:"FHIR_VERSION"`
	MeasurementPeriodStart  string  `mapstructure:"MEASUREMENT_PERIOD_START"`
	MeasurementPeriodEnd    string  `mapstructure:"MEASUREMENT_PERIOD_END"`
	MeasuresDir             string  `mapstructure:"MEASURES_DIR"`
	KafkaBrokers            string  `mapstructure:"KAFKA_BROKERS"`
	KafkaReportTopic        string  `mapstructure:"KAFKA_REPORT_TOPIC"`
	OTLPEndpoint            string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate         float64 `mapstructure:"TRACE_SAMPLE_RATE"`
	EvaluationSchedule      string  `mapstructure:"EVALUATION_SCHEDULE"`
	BreakerFailureThreshold uint32  `mapstructure:"BREAKER_FAILURE_THRESHOLD"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"FHIR_VERSION", "MEASUREMENT_PERIOD_START", "MEASUREMENT_PERIOD_END", "MEASURES_DIR",
	"KAFKA_BROKERS", "KAFKA_REPORT_TOPIC", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	"EVALUATION_SCHEDULE", "BREAKER_FAILURE_THRESHOLD",
}

// Load reads configuration from the environment and an optional .env file.
// DATABASE_URL is not required here; commands that need a database call
// RequireDatabase.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("FHIR_VERSION", "R4")
	v.SetDefault("MEASURES_DIR", "./measures")
	v.SetDefault("KAFKA_REPORT_TOPIC", "measure-reports")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("BREAKER_FAILURE_THRESHOLD", 5)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// RequireDatabase reports an error when DATABASE_URL is unset.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// Brokers splits KAFKA_BROKERS on commas. Empty means event publishing is
// disabled.
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Version returns the configured report rendering.
func (c *Config) Version() (measure.FHIRVersion, error) {
	return measure.ParseFHIRVersion(c.FHIRVersion)
}

// MeasurementPeriod resolves the default measurement period. Unset bounds
// default to the calendar year containing now.
func (c *Config) MeasurementPeriod(now time.Time) (measure.Interval, error) {
	year := now.Year()
	period := measure.Interval{
		Start: time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(year, 12, 31, 23, 59, 59, 0, time.UTC),
	}
	if c.MeasurementPeriodStart != "" {
		t, err := ParsePeriodBound(c.MeasurementPeriodStart, false)
		if err != nil {
			return measure.Interval{}, fmt.Errorf("MEASUREMENT_PERIOD_START: %w", err)
		}
		period.Start = t
	}
	if c.MeasurementPeriodEnd != "" {
		t, err := ParsePeriodBound(c.MeasurementPeriodEnd, true)
		if err != nil {
			return measure.Interval{}, fmt.Errorf("MEASUREMENT_PERIOD_END: %w", err)
		}
		period.End = t
	}
	return period, nil
}

// ParsePeriodBound parses an RFC 3339 timestamp or a plain date. A plain
// end date covers the whole day.
func ParsePeriodBound(s string, end bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	if end {
		t = t.Add(24*time.Hour - time.Second)
	}
	return t, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if _, err := c.Version(); err != nil {
		return fmt.Errorf("FHIR_VERSION: %w", err)
	}
	period, err := c.MeasurementPeriod(time.Now())
	if err != nil {
		return err
	}
	if period.End.Before(period.Start) {
		return fmt.Errorf("measurement period end %s is before start %s",
			period.End.Format(time.RFC3339), period.Start.Format(time.RFC3339))
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be between 0 and 1, got %v", c.TraceSampleRate)
	}
	if c.EvaluationSchedule != "" {
		if _, err := cron.ParseStandard(c.EvaluationSchedule); err != nil {
			return fmt.Errorf("EVALUATION_SCHEDULE: %w", err)
		}
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
