package observability

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the complete observability configuration.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default observability configuration. Metrics and
// tracing are off by default; an analyst workstation should not open ports
// unless asked to.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:        false,
			PrometheusPort: 9464,
		},
		Tracing: TracingConfig{
			Enabled:        false,
			Exporter:       "otlp",
			OTLPEndpoint:   "localhost:4318",
			SampleRate:     1.0,
			ServiceName:    "vigil",
			ServiceVersion: "1.0.0",
		},
	}
}

// LoadConfig loads observability configuration from file, falling back to
// defaults when no file exists.
func LoadConfig(configPath string) (Config, error) {
	config := DefaultConfig()

	if configPath == "" {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			configPath = filepath.Join(homeDir, ".vigil", "observability.yaml")
		}
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return config, fmt.Errorf("read observability config: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parse observability config: %w", err)
	}
	return config, nil
}
