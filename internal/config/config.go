package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all dataNERD configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM gateway configuration
	LLM LLMConfig `yaml:"llm"`

	// Per-stage model selection
	Stages StagesConfig `yaml:"stages"`

	// Database and query execution
	Database DatabaseConfig `yaml:"database"`

	// Turn orchestration
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the Gemini gateway shared by all stages.
type LLMConfig struct {
	APIKey          string `yaml:"api_key"`
	BaseURL         string `yaml:"base_url"`
	Timeout         string `yaml:"timeout"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`
	MaxRetries      int    `yaml:"max_retries"`
	BackoffBase     string `yaml:"backoff_base"`
	BackoffMax      string `yaml:"backoff_max"`
}

// StagesConfig selects a model per pipeline stage. A fast model is fine
// for routing; planning and synthesis benefit from a stronger one.
type StagesConfig struct {
	RouterModel      string `yaml:"router_model"`
	PlannerModel     string `yaml:"planner_model"`
	SynthesizerModel string `yaml:"synthesizer_model"`
	NonDataModel     string `yaml:"non_data_model"`
}

// DatabaseConfig configures the SQLite analytics database.
type DatabaseConfig struct {
	Path           string `yaml:"path"`
	QueryTimeout   string `yaml:"query_timeout"`
	MaxPreviewRows int    `yaml:"max_preview_rows"`
}

// PipelineConfig configures the plan-execute-correct loop.
type PipelineConfig struct {
	MaxSQLAttempts int `yaml:"max_sql_attempts"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "dataNERD",
		Version: "1.0.0",

		LLM: LLMConfig{
			BaseURL:         "https://generativelanguage.googleapis.com/v1beta",
			Timeout:         "120s",
			MaxOutputTokens: 8192,
			MaxRetries:      3,
			BackoffBase:     "1s",
			BackoffMax:      "30s",
		},

		Stages: StagesConfig{
			RouterModel:      "gemini-2.0-flash",
			PlannerModel:     "gemini-2.0-flash",
			SynthesizerModel: "gemini-2.0-flash",
			NonDataModel:     "gemini-2.0-flash",
		},

		Database: DatabaseConfig{
			Path:           "data/datanerd.db",
			QueryTimeout:   "30s",
			MaxPreviewRows: 100,
		},

		Pipeline: PipelineConfig{
			MaxSQLAttempts: 3,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("DATANERD_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if url := os.Getenv("DATANERD_BASE_URL"); url != "" {
		c.LLM.BaseURL = url
	}
	if path := os.Getenv("DATANERD_DB"); path != "" {
		c.Database.Path = path
	}
	if model := os.Getenv("DATANERD_MODEL"); model != "" {
		c.Stages.RouterModel = model
		c.Stages.PlannerModel = model
		c.Stages.SynthesizerModel = model
		c.Stages.NonDataModel = model
	}
	if level := os.Getenv("DATANERD_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if n := os.Getenv("DATANERD_MAX_SQL_ATTEMPTS"); n != "" {
		if v, err := strconv.Atoi(n); err == nil && v > 0 {
			c.Pipeline.MaxSQLAttempts = v
		}
	}
}

// GetLLMTimeout returns the gateway request timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetQueryTimeout returns the SQL execution timeout as a duration.
func (c *Config) GetQueryTimeout() time.Duration {
	d, err := time.ParseDuration(c.Database.QueryTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetBackoffBase returns the initial gateway retry interval.
func (c *Config) GetBackoffBase() time.Duration {
	d, err := time.ParseDuration(c.LLM.BackoffBase)
	if err != nil {
		return time.Second
	}
	return d
}

// GetBackoffMax returns the retry interval ceiling.
func (c *Config) GetBackoffMax() time.Duration {
	d, err := time.ParseDuration(c.LLM.BackoffMax)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set GEMINI_API_KEY or DATANERD_API_KEY)")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path not configured")
	}
	if c.Pipeline.MaxSQLAttempts < 1 {
		return fmt.Errorf("max_sql_attempts must be at least 1, got %d", c.Pipeline.MaxSQLAttempts)
	}
	if c.Database.MaxPreviewRows < 1 {
		return fmt.Errorf("max_preview_rows must be at least 1, got %d", c.Database.MaxPreviewRows)
	}
	if _, err := time.ParseDuration(c.Database.QueryTimeout); err != nil {
		return fmt.Errorf("invalid query_timeout: %w", err)
	}
	return nil
}
