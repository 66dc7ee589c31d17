// Package forecast projects future usage from the current snapshot and the
// trend summary. The predictor never fails: when history is too thin it
// degrades to a fixed growth factor with low confidence, because the policy
// evaluator must always receive some decision input.
package forecast

import (
	"time"

	"github.com/headroomhq/headroom/pkg/models"
)

const (
	// DefaultHorizon is how far ahead usage is projected.
	DefaultHorizon = 7 * 24 * time.Hour

	// DefaultFallbackGrowth multiplies current usage when the trend is
	// unusable. Kept inside the 1.1–1.2 band so a thin history still
	// nudges the evaluator toward headroom without overreacting.
	DefaultFallbackGrowth = 1.15

	// FallbackConfidence is the fixed confidence for fallback estimates.
	FallbackConfidence = 0.3

	// fullConfidenceSamples is the history size at which sample count no
	// longer limits confidence.
	fullConfidenceSamples = 30
)

// Predictor extrapolates demand over a horizon.
type Predictor struct {
	horizon        time.Duration
	fallbackGrowth float64
}

// NewPredictor creates a predictor; zero values select the defaults.
func NewPredictor(horizon time.Duration, fallbackGrowth float64) *Predictor {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	if fallbackGrowth <= 1 {
		fallbackGrowth = DefaultFallbackGrowth
	}
	return &Predictor{horizon: horizon, fallbackGrowth: fallbackGrowth}
}

// Predict projects usage at the horizon. Projections are floored at
// current usage: the engine grows provisioned headroom proactively but
// never shrinks it automatically, so a downward trend is not a basis for
// action.
func (p *Predictor) Predict(current models.Snapshot, trend models.TrendSummary) models.Prediction {
	if trend.InsufficientData {
		return models.Prediction{
			ProjectedUsage: current.Usage * p.fallbackGrowth,
			Horizon:        p.horizon,
			Confidence:     FallbackConfidence,
			Fallback:       true,
		}
	}

	days := p.horizon.Hours() / 24
	projected := current.Usage + trend.Slope*days
	if projected < current.Usage {
		projected = current.Usage
	}

	return models.Prediction{
		ProjectedUsage: projected,
		Horizon:        p.horizon,
		Confidence:     confidence(trend),
	}
}

// confidence scales with sample count and inversely with the
// variance-to-mean ratio, clamped to [0,1]. Constant usage (zero variance)
// yields full dispersion confidence; a zero mean guards the division.
func confidence(trend models.TrendSummary) float64 {
	sampleFactor := float64(trend.SampleCount) / fullConfidenceSamples
	if sampleFactor > 1 {
		sampleFactor = 1
	}

	dispersionFactor := 1.0
	if trend.Mean > 0 && trend.Variance > 0 {
		dispersionFactor = 1 / (1 + trend.Variance/trend.Mean)
	}

	c := sampleFactor * dispersionFactor
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return c
}
