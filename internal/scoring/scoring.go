// Package scoring computes composite priority scores for insights. The
// engine is a pure function of its inputs: no randomness, no external
// calls, so identical inputs always yield identical scores.
package scoring

import (
	"math"
	"strings"
	"time"

	"github.com/feedbackloop/feedbackloop/internal/types"
)

// Config holds the tunable scoring parameters. The defaults are exposed as
// run configuration rather than asserted as correct.
type Config struct {
	// Component weights. Must sum to 1.0.
	VolumeWeight    float64 `yaml:"volume_weight"`
	ValueWeight     float64 `yaml:"value_weight"`
	RecencyWeight   float64 `yaml:"recency_weight"`
	StrategicWeight float64 `yaml:"strategic_weight"`
	UrgencyWeight   float64 `yaml:"urgency_weight"`

	// VolumeSaturationPoint is the cluster size at which the volume
	// component reaches its maximum (default: 10)
	VolumeSaturationPoint int `yaml:"volume_saturation_point"`

	// HalfLifeDays controls recency decay (default: 14)
	HalfLifeDays float64 `yaml:"half_life_days"`

	// PriorityThemes are the configured strategic themes. An insight whose
	// cluster theme or title matches a priority theme scores 100 on the
	// strategic component; no configured themes means a flat 50.
	PriorityThemes []string `yaml:"priority_themes"`
}

// DefaultConfig returns the default scoring configuration.
func DefaultConfig() Config {
	return Config{
		VolumeWeight:          0.25,
		ValueWeight:           0.20,
		RecencyWeight:         0.15,
		StrategicWeight:       0.20,
		UrgencyWeight:         0.20,
		VolumeSaturationPoint: 10,
		HalfLifeDays:          14,
	}
}

// Engine scores insights against evidence. Safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine creates a scoring engine. Zero-valued config fields fall back
// to defaults.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.VolumeWeight == 0 && cfg.ValueWeight == 0 && cfg.RecencyWeight == 0 &&
		cfg.StrategicWeight == 0 && cfg.UrgencyWeight == 0 {
		cfg.VolumeWeight = def.VolumeWeight
		cfg.ValueWeight = def.ValueWeight
		cfg.RecencyWeight = def.RecencyWeight
		cfg.StrategicWeight = def.StrategicWeight
		cfg.UrgencyWeight = def.UrgencyWeight
	}
	if cfg.VolumeSaturationPoint == 0 {
		cfg.VolumeSaturationPoint = def.VolumeSaturationPoint
	}
	if cfg.HalfLifeDays == 0 {
		cfg.HalfLifeDays = def.HalfLifeDays
	}
	return &Engine{cfg: cfg}
}

// Score computes the composite priority score for one insight.
// evidence is the set of enriched items backing the insight, clusterSize
// the size of its source cluster, mostRecent the newest evidence timestamp,
// and now the scoring reference time (injected for determinism).
func (e *Engine) Score(insight *types.Insight, evidence []*types.EnrichedItem, clusterSize int, mostRecent time.Time, now time.Time) *types.ScoredInsight {
	breakdown := types.ScoreBreakdown{
		Volume:    e.volumeScore(clusterSize),
		Value:     e.valueScore(evidence),
		Recency:   e.recencyScore(mostRecent, now),
		Strategic: e.strategicScore(insight),
		Urgency:   types.UrgencyScore(insight.Severity),
	}

	score := e.cfg.VolumeWeight*breakdown.Volume +
		e.cfg.ValueWeight*breakdown.Value +
		e.cfg.RecencyWeight*breakdown.Recency +
		e.cfg.StrategicWeight*breakdown.Strategic +
		e.cfg.UrgencyWeight*breakdown.Urgency

	return &types.ScoredInsight{
		Insight:   *insight,
		Score:     clamp(score, 0, 100),
		Breakdown: breakdown,
	}
}

// volumeScore saturates at VolumeSaturationPoint cluster members.
func (e *Engine) volumeScore(clusterSize int) float64 {
	ratio := float64(clusterSize) / float64(e.cfg.VolumeSaturationPoint)
	return math.Min(ratio, 1.0) * 100
}

// planScores maps subscription tiers to value scores.
var planScores = map[string]float64{
	"enterprise": 100,
	"pro":        60,
	"free":       20,
}

// usageScores maps activity levels to value scores.
var usageScores = map[string]float64{
	"high":   100,
	"medium": 60,
	"low":    20,
}

// valueScore averages the evidence items' plan and usage tiers. Items with
// no metadata contribute the neutral 50.
func (e *Engine) valueScore(evidence []*types.EnrichedItem) float64 {
	if len(evidence) == 0 {
		return 50
	}
	var total float64
	for _, item := range evidence {
		total += itemValue(item.UserMetadata)
	}
	return total / float64(len(evidence))
}

// itemValue scores one item's user metadata. Plan and usage average when
// both are present; either alone stands on its own; neither defaults to 50.
func itemValue(meta types.UserMetadata) float64 {
	plan, hasPlan := planScores[meta.Plan]
	usage, hasUsage := usageScores[meta.Usage]
	switch {
	case hasPlan && hasUsage:
		return (plan + usage) / 2
	case hasPlan:
		return plan
	case hasUsage:
		return usage
	default:
		return 50
	}
}

// recencyScore decays exponentially with evidence age. Never reaches
// exactly zero.
func (e *Engine) recencyScore(mostRecent, now time.Time) float64 {
	if mostRecent.IsZero() || !mostRecent.Before(now) {
		return 100
	}
	ageDays := now.Sub(mostRecent).Hours() / 24
	return 100 * math.Exp(-ageDays/e.cfg.HalfLifeDays)
}

// strategicScore checks the insight against the configured priority themes.
func (e *Engine) strategicScore(insight *types.Insight) float64 {
	if len(e.cfg.PriorityThemes) == 0 {
		return 50
	}
	for _, theme := range e.cfg.PriorityThemes {
		if containsFold(insight.Title, theme) || containsFold(insight.Summary, theme) || containsFold(insight.PainPoint, theme) {
			return 100
		}
	}
	return 0
}

func containsFold(haystack, needle string) bool {
	return needle != "" && strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
