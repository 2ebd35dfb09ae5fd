// Package config loads and validates the engine configuration from YAML
// files and GRIDSENSE_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full engine configuration.
type Config struct {
	Environment string `mapstructure:"environment"`

	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Training  TrainingConfig  `mapstructure:"training"`
	Anomaly   AnomalyConfig   `mapstructure:"anomaly"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RegistryConfig struct {
	Dir string `mapstructure:"dir"`
}

type TrainingConfig struct {
	WindowDays       int           `mapstructure:"window_days"`
	MinCoverageDays  int           `mapstructure:"min_coverage_days"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	HorizonHours     int           `mapstructure:"horizon_hours"`
	ConfidenceLevel  float64       `mapstructure:"confidence_level"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

type AnomalyConfig struct {
	ConsensusThreshold int  `mapstructure:"consensus_threshold"`
	RecentHours        int  `mapstructure:"recent_hours"`
	EnableForecast     bool `mapstructure:"enable_forecast"`
}

type TelemetryConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load reads configuration from the given paths (missing files are skipped)
// and the environment, applies defaults, and validates the result.
func Load(configPaths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("GRIDSENSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if len(configPaths) == 0 {
		configPaths = []string{"./config.yaml", "/etc/gridsense/config.yaml"}
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("registry.dir", "./models")

	v.SetDefault("training.window_days", 45)
	v.SetDefault("training.min_coverage_days", 30)
	v.SetDefault("training.max_attempts", 3)
	v.SetDefault("training.horizon_hours", 7*24)
	v.SetDefault("training.confidence_level", 0.95)
	v.SetDefault("training.operation_timeout", 30*time.Minute)

	v.SetDefault("anomaly.consensus_threshold", 3)
	v.SetDefault("anomaly.recent_hours", 24)
	v.SetDefault("anomaly.enable_forecast", true)

	v.SetDefault("telemetry.listen_addr", ":9402")
}

// Validate checks the loaded configuration for values the engine cannot run
// with.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Training.WindowDays < c.Training.MinCoverageDays {
		return fmt.Errorf("training.window_days (%d) must be at least training.min_coverage_days (%d)",
			c.Training.WindowDays, c.Training.MinCoverageDays)
	}
	if c.Training.MaxAttempts < 1 {
		return fmt.Errorf("training.max_attempts must be positive")
	}
	if c.Training.ConfidenceLevel <= 0 || c.Training.ConfidenceLevel >= 1 {
		return fmt.Errorf("training.confidence_level must be in (0, 1)")
	}
	if c.Anomaly.ConsensusThreshold < 1 || c.Anomaly.ConsensusThreshold > 5 {
		return fmt.Errorf("anomaly.consensus_threshold must be between 1 and 5")
	}
	if c.Anomaly.RecentHours < 1 {
		return fmt.Errorf("anomaly.recent_hours must be positive")
	}
	return nil
}
