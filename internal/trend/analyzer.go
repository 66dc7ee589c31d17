// Package trend computes per-handle utilization statistics from snapshot
// history: least-squares growth slope, variance, peak, and spike detection
// against a rolling baseline. The analyzer is a pure function over history;
// it owns no state and never touches the store.
package trend

import (
	"math"
	"time"

	"github.com/headroomhq/headroom/pkg/models"
)

const (
	// DefaultMinSamples is the history size below which the analyzer
	// reports insufficient data instead of fabricating statistics.
	DefaultMinSamples = 7

	// DefaultSpikeWindow is the trailing sub-window for the rolling
	// spike baseline.
	DefaultSpikeWindow = 10

	// spikeSigma is how many standard deviations above the rolling mean
	// a sample must land to count as a spike.
	spikeSigma = 2.0
)

// Analyzer derives TrendSummaries from snapshot history.
type Analyzer struct {
	minSamples  int
	spikeWindow int
}

// NewAnalyzer creates an analyzer; zero values select the defaults.
func NewAnalyzer(minSamples, spikeWindow int) *Analyzer {
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	if spikeWindow <= 1 {
		spikeWindow = DefaultSpikeWindow
	}
	return &Analyzer{minSamples: minSamples, spikeWindow: spikeWindow}
}

// Analyze computes the trend summary for a time-ordered snapshot history.
// Below the minimum sample count it returns InsufficientData=true with
// whatever partial statistics exist; downstream components must fall back
// to current-usage-only reasoning, never assume zero trend.
func (a *Analyzer) Analyze(history []models.Snapshot) models.TrendSummary {
	summary := models.TrendSummary{SampleCount: len(history)}
	if len(history) == 0 {
		summary.InsufficientData = true
		return summary
	}

	var sum, peak float64
	for _, s := range history {
		sum += s.Usage
		if s.Usage > peak {
			peak = s.Usage
		}
	}
	summary.Mean = sum / float64(len(history))
	summary.Peak = peak

	if len(history) > 1 {
		var sq float64
		for _, s := range history {
			d := s.Usage - summary.Mean
			sq += d * d
		}
		// Sample variance (n-1 denominator).
		summary.Variance = sq / float64(len(history)-1)
	}

	if len(history) < a.minSamples {
		summary.InsufficientData = true
		return summary
	}

	summary.Slope = slopePerDay(history)
	summary.Spikes = a.detectSpikes(history)
	return summary
}

// slopePerDay fits usage over time with ordinary least squares and returns
// the growth rate in usage units per day.
func slopePerDay(history []models.Snapshot) float64 {
	n := float64(len(history))
	t0 := history[0].Timestamp

	var sumX, sumY, sumXY, sumXX float64
	for _, s := range history {
		x := s.Timestamp.Sub(t0).Hours() / 24
		y := s.Usage
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		// All samples at the same instant; no slope is derivable.
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// detectSpikes flags samples exceeding the rolling mean plus two standard
// deviations of the trailing sub-window.
func (a *Analyzer) detectSpikes(history []models.Snapshot) []models.SpikeEvent {
	var spikes []models.SpikeEvent
	for i := a.spikeWindow; i < len(history); i++ {
		window := history[i-a.spikeWindow : i]
		mean, stddev := meanStddev(window)
		if stddev == 0 {
			// Constant baseline: any departure from it is a spike, but
			// there is no ratio denominator to guard; fall back to a
			// strict exceed check against the mean.
			if history[i].Usage > mean && mean > 0 {
				spikes = append(spikes, models.SpikeEvent{
					Timestamp: history[i].Timestamp,
					Usage:     history[i].Usage,
					Baseline:  mean,
					Ratio:     history[i].Usage / mean,
				})
			}
			continue
		}
		baseline := mean + spikeSigma*stddev
		if history[i].Usage > baseline {
			ratio := 0.0
			if baseline > 0 {
				ratio = history[i].Usage / baseline
			}
			spikes = append(spikes, models.SpikeEvent{
				Timestamp: history[i].Timestamp,
				Usage:     history[i].Usage,
				Baseline:  baseline,
				Ratio:     ratio,
			})
		}
	}
	return spikes
}

func meanStddev(window []models.Snapshot) (float64, float64) {
	if len(window) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range window {
		sum += s.Usage
	}
	mean := sum / float64(len(window))
	var sq float64
	for _, s := range window {
		d := s.Usage - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(window)))
}

// Window trims history to snapshots within lookback of the newest sample.
func Window(history []models.Snapshot, lookback time.Duration) []models.Snapshot {
	if len(history) == 0 {
		return history
	}
	cutoff := history[len(history)-1].Timestamp.Add(-lookback)
	for i, s := range history {
		if !s.Timestamp.Before(cutoff) {
			return history[i:]
		}
	}
	return history[:0]
}
