package estimate

import (
	"time"

	"github.com/influxdata/tdigest"

	"github.com/randomizedcoder/go-proc-stream/internal/history"
)

const (
	// DefaultHistoricalWeight is the weight given to the historical duration
	// distribution when blending it with the progress-conditioned estimate.
	DefaultHistoricalWeight = 0.7

	// confidencePrior damps confidence for small sample counts:
	// confidence = n / (n + confidencePrior), monotone in n.
	confidencePrior = 3.0
)

// BlendedStrategy estimates total duration from the distribution of completed
// durations for the signature, conditioned on output progress when the
// history carries output volumes.
//
// The duration distribution is summarized with a t-digest: the median is the
// point estimate and the interquartile range supplies the uncertainty band.
// When both the history and the live run report output bytes, a second
// estimate (elapsed divided by the mean fraction of total output produced so
// far) is blended in with weight 1-historicalWeight.
type BlendedStrategy struct {
	historicalWeight float64
}

// NewBlendedStrategy creates the default strategy. historicalWeight is
// clamped to [0, 1].
func NewBlendedStrategy(historicalWeight float64) *BlendedStrategy {
	if historicalWeight < 0 {
		historicalWeight = 0
	}
	if historicalWeight > 1 {
		historicalWeight = 1
	}
	return &BlendedStrategy{historicalWeight: historicalWeight}
}

// Name identifies the strategy in logs.
func (s *BlendedStrategy) Name() string { return "blended" }

// Estimate implements Strategy.
func (s *BlendedStrategy) Estimate(samples []history.Sample, elapsed time.Duration, progressBytes int64) (Estimate, bool) {
	if len(samples) == 0 {
		return Estimate{}, false
	}

	td := tdigest.NewWithCompression(100)
	added := 0
	for _, sample := range samples {
		if sample.Duration > 0 {
			td.Add(sample.Duration.Seconds(), 1)
			added++
		}
	}
	if added == 0 {
		return Estimate{}, false
	}

	median := td.Quantile(0.5)
	p25 := td.Quantile(0.25)
	p75 := td.Quantile(0.75)

	expectedTotal := median
	if progressTotal, ok := s.progressConditionedTotal(samples, elapsed, progressBytes); ok {
		w := s.historicalWeight
		expectedTotal = w*median + (1-w)*progressTotal
	}

	// Never contradict already-elapsed time: the implied total is at least
	// what has been observed, so remaining bottoms out at zero.
	elapsedSec := elapsed.Seconds()
	if expectedTotal < elapsedSec {
		expectedTotal = elapsedSec
	}

	n := len(samples)
	return Estimate{
		ExpectedRemaining: secondsToDuration(expectedTotal - elapsedSec),
		Band:              secondsToDuration((p75 - p25) / 2),
		Confidence:        float64(n) / (float64(n) + confidencePrior),
		Samples:           n,
	}, true
}

// progressConditionedTotal estimates total duration as elapsed divided by the
// mean fraction of total output the comparable runs had produced. Requires
// live progress and historical output volumes; otherwise reports ok=false and
// the caller falls back to the pure duration distribution.
func (s *BlendedStrategy) progressConditionedTotal(samples []history.Sample, elapsed time.Duration, progressBytes int64) (float64, bool) {
	if progressBytes <= 0 || elapsed <= 0 {
		return 0, false
	}

	var fractionSum float64
	var n int
	for _, sample := range samples {
		if sample.TotalBytes <= 0 {
			continue
		}
		fraction := float64(progressBytes) / float64(sample.TotalBytes)
		if fraction > 1 {
			fraction = 1
		}
		fractionSum += fraction
		n++
	}
	if n == 0 {
		return 0, false
	}

	meanFraction := fractionSum / float64(n)
	if meanFraction <= 0 {
		return 0, false
	}
	return elapsed.Seconds() / meanFraction, true
}

func secondsToDuration(s float64) time.Duration {
	if s < 0 {
		s = 0
	}
	return time.Duration(s * float64(time.Second))
}
