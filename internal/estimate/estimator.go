// Package estimate predicts the remaining duration of a running subprocess
// from historical samples of comparable runs.
//
// The estimator is deliberately unsupervised and degrades gracefully: with no
// matching history it reports Unknown rather than fabricating a number, and
// it never predicts a remaining time implying a total below the elapsed time
// already observed.
package estimate

import (
	"context"
	"log/slog"
	"time"

	"github.com/randomizedcoder/go-proc-stream/internal/history"
)

// Estimate is a point prediction with an uncertainty band.
type Estimate struct {
	// ExpectedRemaining is the predicted time until the run completes.
	ExpectedRemaining time.Duration

	// Band is the half-width of the uncertainty interval around the
	// predicted total duration.
	Band time.Duration

	// Confidence grows monotonically with the number of matching samples,
	// within (0, 1).
	Confidence float64

	// Samples is the number of historical runs the estimate is based on.
	Samples int
}

// Strategy computes an estimate from matching history. Implementations are
// swappable without touching the execution engine or the event stream
// service; the fixed contract is:
//
//  1. no samples ⇒ ok=false (Unknown)
//  2. accuracy must not regress as matching history accumulates
//  3. the implied total never falls below elapsed
type Strategy interface {
	// Name identifies the strategy in logs.
	Name() string

	// Estimate returns ok=false when no prediction can be made.
	Estimate(samples []history.Sample, elapsed time.Duration, progressBytes int64) (Estimate, bool)
}

// Estimator looks up history by signature and applies a Strategy.
type Estimator struct {
	store    history.Store
	strategy Strategy
	logger   *slog.Logger
}

// NewEstimator creates an estimator over the given store. A nil strategy
// selects the default blended strategy.
func NewEstimator(store history.Store, strategy Strategy, logger *slog.Logger) *Estimator {
	if strategy == nil {
		strategy = NewBlendedStrategy(DefaultHistoricalWeight)
	}
	return &Estimator{
		store:    store,
		strategy: strategy,
		logger:   logger,
	}
}

// Estimate predicts the remaining duration for a run with the given
// invocation signature, elapsed time, and output volume so far.
// ok=false means Unknown: no matching history (or a store fault, which is
// logged and treated as missing history rather than an error).
func (e *Estimator) Estimate(ctx context.Context, signature string, elapsed time.Duration, progressBytes int64) (Estimate, bool) {
	samples, err := e.store.BySignature(ctx, signature)
	if err != nil {
		e.logger.Warn("history_lookup_failed",
			"signature", signature,
			"error", err,
		)
		return Estimate{}, false
	}
	if len(samples) == 0 {
		return Estimate{}, false
	}

	est, ok := e.strategy.Estimate(samples, elapsed, progressBytes)
	if !ok {
		return Estimate{}, false
	}

	e.logger.Debug("estimate_computed",
		"strategy", e.strategy.Name(),
		"signature", signature,
		"elapsed", elapsed.String(),
		"remaining", est.ExpectedRemaining.String(),
		"band", est.Band.String(),
		"confidence", est.Confidence,
		"samples", est.Samples,
	)
	return est, ok
}
