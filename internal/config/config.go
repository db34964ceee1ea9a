// Package config defines run configuration, its defaults, YAML loading and
// validation. Scoring weights and clustering thresholds are tunable run
// configuration, not constants.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/feedbackloop/feedbackloop/internal/ai"
	"github.com/feedbackloop/feedbackloop/internal/cluster"
	"github.com/feedbackloop/feedbackloop/internal/scoring"
	"github.com/feedbackloop/feedbackloop/internal/types"
)

// StageWeights maps each stage to its share of run-level progress.
// Weights must sum to 1.0.
type StageWeights map[types.Stage]float64

// DefaultStageWeights returns the default progress weights. Enrichment
// dominates because it is the most capability-call-heavy stage.
func DefaultStageWeights() StageWeights {
	return StageWeights{
		types.StageEnrichment: 0.40,
		types.StageClustering: 0.20,
		types.StageInsights:   0.25,
		types.StageScoring:    0.15,
	}
}

// RunConfig is the full configuration of one pipeline run.
type RunConfig struct {
	// ProductID identifies the product the batch belongs to (required)
	ProductID string `yaml:"product_id"`
	// CompanyID identifies the tenant (required)
	CompanyID string `yaml:"company_id"`

	// SuccessThreshold is the minimum per-stage success ratio required to
	// continue (default: 0.8)
	SuccessThreshold float64 `yaml:"success_threshold"`

	// MaxConcurrent caps outstanding capability calls per stage (default: 4)
	MaxConcurrent int `yaml:"max_concurrent"`

	// StageWeights are the progress weights per stage; must sum to 1.0
	StageWeights StageWeights `yaml:"stage_weights"`

	// Retry configures capability call retries
	Retry ai.RetryConfig `yaml:"retry"`

	// Scoring configures the scoring engine
	Scoring scoring.Config `yaml:"scoring"`

	// Clustering configures the default clustering strategy
	Clustering cluster.Config `yaml:"clustering"`
}

// DefaultRunConfig returns the default run configuration.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		SuccessThreshold: 0.8,
		MaxConcurrent:    4,
		StageWeights:     DefaultStageWeights(),
		Retry:            ai.DefaultRetryConfig(),
		Scoring:          scoring.DefaultConfig(),
		Clustering:       cluster.DefaultConfig(),
	}
}

// Load reads a RunConfig from a YAML file, layering the file's values over
// defaults and env overrides over the file.
func Load(path string) (*RunConfig, error) {
	cfg := DefaultRunConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides layers FBL_* environment variables over the config.
func applyEnvOverrides(cfg *RunConfig) {
	if v := os.Getenv("FBL_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrent = n
		}
	}
	if v := os.Getenv("FBL_SUCCESS_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SuccessThreshold = f
		}
	}
}

// weightTolerance absorbs float drift when checking that stage weights sum
// to 1.0.
const weightTolerance = 1e-6

// Validate checks the configuration and the input batch. Returns a
// ConfigError describing the first violation found.
func (c *RunConfig) Validate(batch []*types.FeedbackItem) error {
	if len(batch) == 0 {
		return &types.ConfigError{Field: "batch", Reason: "input batch is empty"}
	}
	if c.ProductID == "" {
		return &types.ConfigError{Field: "product_id", Reason: "required"}
	}
	if c.CompanyID == "" {
		return &types.ConfigError{Field: "company_id", Reason: "required"}
	}
	if c.SuccessThreshold <= 0 || c.SuccessThreshold > 1 {
		return &types.ConfigError{Field: "success_threshold", Reason: fmt.Sprintf("must be in (0, 1], got %v", c.SuccessThreshold)}
	}
	if c.MaxConcurrent <= 0 {
		return &types.ConfigError{Field: "max_concurrent", Reason: "must be positive"}
	}

	var sum float64
	for _, s := range types.PipelineStages {
		w, ok := c.StageWeights[s]
		if !ok {
			return &types.ConfigError{Field: "stage_weights", Reason: fmt.Sprintf("missing weight for stage %s", s)}
		}
		if w < 0 {
			return &types.ConfigError{Field: "stage_weights", Reason: fmt.Sprintf("negative weight for stage %s", s)}
		}
		sum += w
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return &types.ConfigError{Field: "stage_weights", Reason: fmt.Sprintf("weights must sum to 1.0, got %v", sum)}
	}
	return nil
}
