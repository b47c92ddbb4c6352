// Package config provides configuration loading and validation for the CLI.
// Values merge in order: built-in defaults, then the JSON config file, then
// environment, then CLI flags. The effective limits are persisted into the
// run manifest at init so later ticks never depend on ambient configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/research-orchestrator/internal/manifest"
)

// Config is the operator-supplied configuration for a run.
type Config struct {
	// Mode selects how delegated work is produced: fixture, live, or task.
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=fixture live task"`
	// Sensitivity tags the run for downstream handling policies.
	Sensitivity string `json:"sensitivity,omitempty"`

	// Limits
	MaxReviewIterations int            `json:"max_review_iterations,omitempty" validate:"gte=0,lte=10"`
	MaxRetriesPerUnit   int            `json:"max_retries_per_unit,omitempty" validate:"gte=0,lte=20"`
	MaxPerspectives     int            `json:"max_perspectives,omitempty" validate:"gte=0,lte=32"`
	MaxSummaryWords     int            `json:"max_summary_words,omitempty" validate:"gte=0"`
	StageTimeoutSec     map[string]int `json:"stage_timeout_sec,omitempty" validate:"omitempty,dive,gt=0"`
	LockLeaseSec        int            `json:"lock_lease_sec,omitempty" validate:"gte=0"`

	// Behavior
	APIKey      string `json:"api_key,omitempty"`      // Gemini API key for live mode
	Model       string `json:"model,omitempty"`        // Gemini model override
	DatabaseURL string `json:"database_url,omitempty"` // optional PostgreSQL mirror
	Verbose     bool   `json:"verbose,omitempty"`      // print detailed progress
}

var validate = validator.New()

// Load reads configuration from a JSON file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field values and the stage-timeout keys.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	for name := range c.StageTimeoutSec {
		if _, err := manifest.ParseStage(name); err != nil {
			return fmt.Errorf("config error: stage_timeout_sec: %w", err)
		}
	}
	return nil
}

// ApplyEnv fills credentials from the environment when the file and flags
// left them empty.
func (c *Config) ApplyEnv() {
	if c.APIKey == "" {
		c.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
}

// Limits converts the configured caps into manifest limits, filling defaults
// for anything unset.
func (c *Config) Limits() manifest.Limits {
	limits := manifest.DefaultLimits()
	if c.MaxReviewIterations > 0 {
		limits.MaxReviewIterations = c.MaxReviewIterations
	}
	if c.MaxRetriesPerUnit > 0 {
		limits.MaxRetriesPerUnit = c.MaxRetriesPerUnit
	}
	if c.MaxPerspectives > 0 {
		limits.MaxPerspectives = c.MaxPerspectives
	}
	if c.MaxSummaryWords > 0 {
		limits.MaxSummaryWords = c.MaxSummaryWords
	}
	if c.LockLeaseSec > 0 {
		limits.LockLeaseSec = c.LockLeaseSec
	}
	for name, sec := range c.StageTimeoutSec {
		if stage, err := manifest.ParseStage(name); err == nil {
			limits.StageTimeoutSec[stage] = sec
		}
	}
	return limits
}

// Merge returns c with empty fields filled from defaults. CLI flags always
// win for booleans, so Verbose is not merged.
func (c *Config) Merge(defaults Config) Config {
	result := *c
	if result.Mode == "" {
		result.Mode = defaults.Mode
	}
	if result.Sensitivity == "" {
		result.Sensitivity = defaults.Sensitivity
	}
	if result.APIKey == "" {
		result.APIKey = defaults.APIKey
	}
	if result.Model == "" {
		result.Model = defaults.Model
	}
	if result.DatabaseURL == "" {
		result.DatabaseURL = defaults.DatabaseURL
	}
	if result.MaxReviewIterations == 0 {
		result.MaxReviewIterations = defaults.MaxReviewIterations
	}
	if result.MaxRetriesPerUnit == 0 {
		result.MaxRetriesPerUnit = defaults.MaxRetriesPerUnit
	}
	if result.MaxPerspectives == 0 {
		result.MaxPerspectives = defaults.MaxPerspectives
	}
	if result.MaxSummaryWords == 0 {
		result.MaxSummaryWords = defaults.MaxSummaryWords
	}
	if result.LockLeaseSec == 0 {
		result.LockLeaseSec = defaults.LockLeaseSec
	}
	if result.StageTimeoutSec == nil {
		result.StageTimeoutSec = defaults.StageTimeoutSec
	}
	return result
}
