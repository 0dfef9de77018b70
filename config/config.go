package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	DBPath            string   `yaml:"db_path"`
	RunInterval       string   `yaml:"run_interval"`
	Timezone          string   `yaml:"timezone"`
	WindowHours       int      `yaml:"window_hours"`
	MinSharedEntities int      `yaml:"min_shared_entities"`
	MinClusterSize    int      `yaml:"min_cluster_size"`
	MetricPeriods     []string `yaml:"metric_periods"`
	Workers           int      `yaml:"workers"`
	RetentionDays     int      `yaml:"retention_days"`
	OpenAIAPIKey      string   `yaml:"openai_api_key"`
	OpenAIModel       string   `yaml:"openai_model"`
	LogLevel          string   `yaml:"log_level"`
}

// Defaults returns a Config with all default values set.
func Defaults() Config {
	return Config{
		DBPath:            "./narratives.db",
		RunInterval:       "15m",
		Timezone:          "UTC",
		WindowHours:       48,
		MinSharedEntities: 1,
		MinClusterSize:    2,
		MetricPeriods:     []string{"1h", "24h"},
		Workers:           4,
		RetentionDays:     30,
		OpenAIModel:       "gpt-4o-mini",
		LogLevel:          "info",
	}
}

// Load reads a YAML config file and returns a validated Config. Environment
// variables NARRATIVE_ENGINE_CONFIG and NARRATIVE_ENGINE_DB override the file
// path and db path.
func Load(path string) (Config, error) {
	if envPath := os.Getenv("NARRATIVE_ENGINE_CONFIG"); envPath != "" {
		path = envPath
	}

	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}

	if envDB := os.Getenv("NARRATIVE_ENGINE_DB"); envDB != "" {
		cfg.DBPath = envDB
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks that required fields are present and values are valid.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}

	if _, err := c.Interval(); err != nil {
		return err
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}

	if c.WindowHours < 1 {
		return fmt.Errorf("window_hours must be at least 1, got %d", c.WindowHours)
	}
	if c.MinSharedEntities < 1 {
		return fmt.Errorf("min_shared_entities must be at least 1, got %d", c.MinSharedEntities)
	}
	if c.MinClusterSize < 2 {
		return fmt.Errorf("min_cluster_size must be at least 2, got %d", c.MinClusterSize)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention_days must not be negative, got %d", c.RetentionDays)
	}

	if len(c.MetricPeriods) == 0 {
		return fmt.Errorf("at least one metric period is required")
	}
	for _, p := range c.MetricPeriods {
		d, err := time.ParseDuration(p)
		if err != nil {
			return fmt.Errorf("invalid metric period %q: %w", p, err)
		}
		if d <= 0 {
			return fmt.Errorf("metric period %q must be positive", p)
		}
	}

	return nil
}

// Interval parses the run_interval duration.
func (c *Config) Interval() (time.Duration, error) {
	d, err := time.ParseDuration(c.RunInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid run_interval %q: %w", c.RunInterval, err)
	}
	if d < time.Minute {
		return 0, fmt.Errorf("run_interval %q must be at least 1m", c.RunInterval)
	}
	return d, nil
}

// Window returns the clustering window as a duration.
func (c *Config) Window() time.Duration {
	return time.Duration(c.WindowHours) * time.Hour
}
