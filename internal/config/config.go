// Package config loads run settings from the environment and an optional
// config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/tracker"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	InsurerCode         string `mapstructure:"INSURER_CODE"`
	ReportingEntity     string `mapstructure:"REPORTING_ENTITY"`
	ReportingEntityType string `mapstructure:"REPORTING_ENTITY_TYPE"`

	SourceKind      string `mapstructure:"SOURCE_KIND"`
	DatabaseURL     string `mapstructure:"DATABASE_URL"`
	SnapshotPath    string `mapstructure:"SNAPSHOT_PATH"`
	RateSheetPrefix string `mapstructure:"RATE_SHEET_PREFIX"`
	PricerSheetID   int    `mapstructure:"PRICER_SHEET_ID"`
	ModifierMapPath string `mapstructure:"MODIFIER_MAP_PATH"`
	ZipSpanCap      int    `mapstructure:"ZIP_SPAN_CAP"`

	OutputDir         string `mapstructure:"OUTPUT_DIR"`
	OutputPrefix      string `mapstructure:"OUTPUT_PREFIX"`
	OutputFormat      string `mapstructure:"OUTPUT_FORMAT"`
	OutputGzip        bool   `mapstructure:"OUTPUT_GZIP"`
	OutputDatabaseURL string `mapstructure:"OUTPUT_DATABASE_URL"`
	MaxRecordsPerFile int    `mapstructure:"MAX_RECORDS_PER_FILE"`

	Workers   int    `mapstructure:"WORKERS"`
	BatchSize int    `mapstructure:"BATCH_SIZE"`
	RunMode   string `mapstructure:"RUN_MODE"`
	RunName   string `mapstructure:"RUN_NAME"`

	TrackerKind string `mapstructure:"TRACKER_KIND"`
	TrackerPath string `mapstructure:"TRACKER_PATH"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	S3Bucket string `mapstructure:"S3_BUCKET"`
	S3Region string `mapstructure:"S3_REGION"`
	S3Prefix string `mapstructure:"S3_PREFIX"`
}

var defaults = map[string]any{
	"ENV":                   "development",
	"LOG_LEVEL":             "info",
	"REPORTING_ENTITY_TYPE": "health insurance issuer",
	"SOURCE_KIND":           "sql",
	"ZIP_SPAN_CAP":          1000,
	"OUTPUT_DIR":            "output",
	"OUTPUT_PREFIX":         "in_network_rates",
	"OUTPUT_FORMAT":         "psv",
	"OUTPUT_GZIP":           false,
	"MAX_RECORDS_PER_FILE":  5_000_000,
	"WORKERS":               4,
	"BATCH_SIZE":            15,
	"RUN_MODE":              string(tracker.ModeResume),
	"RUN_NAME":              "default",
	"TRACKER_KIND":          "file",
	"TRACKER_PATH":          "ratesheet_tracker.json",
	"S3_REGION":             "us-east-1",
	"S3_PREFIX":             "rates",
}

var keys = []string{
	"ENV", "LOG_LEVEL", "INSURER_CODE", "REPORTING_ENTITY", "REPORTING_ENTITY_TYPE",
	"SOURCE_KIND", "DATABASE_URL", "SNAPSHOT_PATH", "RATE_SHEET_PREFIX", "PRICER_SHEET_ID",
	"MODIFIER_MAP_PATH", "ZIP_SPAN_CAP", "OUTPUT_DIR", "OUTPUT_PREFIX", "OUTPUT_FORMAT",
	"OUTPUT_GZIP", "OUTPUT_DATABASE_URL", "MAX_RECORDS_PER_FILE", "WORKERS", "BATCH_SIZE",
	"RUN_MODE", "RUN_NAME", "TRACKER_KIND", "TRACKER_PATH", "REDIS_URL",
	"S3_BUCKET", "S3_REGION", "S3_PREFIX",
}

// Load reads settings from the environment, layered over the config file
// at path. An empty path tries ".env" and ignores it when missing; an
// explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	v.SetConfigFile(path)
	if strings.HasSuffix(path, ".env") {
		v.SetConfigType("env")
	}
	v.AutomaticEnv()

	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Mode returns the parsed run mode.
func (c *Config) Mode() (tracker.Mode, error) {
	return tracker.ParseMode(c.RunMode)
}

// Validate checks that the settings describe a runnable job.
func (c *Config) Validate() error {
	if c.InsurerCode == "" {
		return fmt.Errorf("INSURER_CODE is required")
	}
	switch c.SourceKind {
	case "sql":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when SOURCE_KIND is \"sql\"")
		}
	case "snapshot":
		if c.SnapshotPath == "" {
			return fmt.Errorf("SNAPSHOT_PATH is required when SOURCE_KIND is \"snapshot\"")
		}
	default:
		return fmt.Errorf("SOURCE_KIND must be \"sql\" or \"snapshot\", got %q", c.SourceKind)
	}

	switch c.OutputFormat {
	case "psv", "parquet":
		if c.OutputDir == "" {
			return fmt.Errorf("OUTPUT_DIR is required")
		}
	case "postgres":
		if c.OutputDatabaseURL == "" {
			return fmt.Errorf("OUTPUT_DATABASE_URL is required when OUTPUT_FORMAT is \"postgres\"")
		}
	default:
		return fmt.Errorf("OUTPUT_FORMAT must be \"psv\", \"parquet\", or \"postgres\", got %q", c.OutputFormat)
	}

	if _, err := c.Mode(); err != nil {
		return err
	}
	switch c.TrackerKind {
	case "file":
		if c.TrackerPath == "" {
			return fmt.Errorf("TRACKER_PATH is required when TRACKER_KIND is \"file\"")
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when TRACKER_KIND is \"redis\"")
		}
	default:
		return fmt.Errorf("TRACKER_KIND must be \"file\" or \"redis\", got %q", c.TrackerKind)
	}

	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be at least 1, got %d", c.BatchSize)
	}
	if c.ZipSpanCap < 1 {
		return fmt.Errorf("ZIP_SPAN_CAP must be at least 1, got %d", c.ZipSpanCap)
	}
	return nil
}
