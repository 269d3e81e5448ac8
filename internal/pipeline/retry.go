// Package pipeline sequences enhancement stages and decides when a failed
// attempt deserves another try.
package pipeline

import (
	"fmt"
	"math"

	"github.com/realenhance/server/internal/generate"
	"github.com/realenhance/server/internal/validate"
)

// RetryConfig bounds retries and controls how sampling is tightened between
// attempts. The manager is pure: identical inputs always produce identical
// decisions, so it can be unit tested without touching any provider.
type RetryConfig struct {
	// MaxAttempts is the validation attempt ceiling per stage, including the
	// first attempt. Commonly 2.
	MaxAttempts int
	// MaxDimensionRetries bounds strict-dimension regenerations per stage.
	// A second mismatch after a strict retry is fatal.
	MaxDimensionRetries int
	// MaxTransientRetries bounds regenerations after transient provider
	// errors (timeouts, rate limits).
	MaxTransientRetries int
	// DecayFactor multiplies temperature, top-p and top-k per tighten level.
	DecayFactor float64
	Base        generate.SamplingParams
	Min         generate.SamplingParams
}

// DefaultRetryConfig mirrors the production defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:         2,
		MaxDimensionRetries: 1,
		MaxTransientRetries: 2,
		DecayFactor:         0.9,
		Base:                generate.SamplingParams{Temperature: 0.7, TopP: 0.9, TopK: 40},
		Min:                 generate.SamplingParams{Temperature: 0.1, TopP: 0.5, TopK: 8},
	}
}

// Decision is the retry manager's answer for one failed attempt.
type Decision struct {
	ShouldRetry      bool
	TightenLevel     int
	IsFinalAttempt   bool
	StrictDimensions bool
	Sampling         generate.SamplingParams
	Reason           string
}

// DecideValidation judges a failing verdict. Structural violations are
// retried with tightened sampling because a different seed may avoid the
// violation; attempts are bounded by MaxAttempts.
func DecideValidation(verdict validate.Verdict, attemptIndex int, cfg RetryConfig) Decision {
	remaining := cfg.MaxAttempts - (attemptIndex + 1)
	if verdict.Pass {
		return Decision{
			IsFinalAttempt: remaining <= 0,
			Sampling:       Tighten(cfg, attemptIndex),
			Reason:         "verdict passed",
		}
	}
	if remaining <= 0 {
		return Decision{
			IsFinalAttempt: true,
			Sampling:       Tighten(cfg, attemptIndex),
			Reason:         fmt.Sprintf("attempts exhausted after %d", attemptIndex+1),
		}
	}
	level := attemptIndex + 1
	return Decision{
		ShouldRetry:    true,
		TightenLevel:   level,
		IsFinalAttempt: remaining == 1,
		Sampling:       Tighten(cfg, level),
		Reason:         "structural violation, retrying with tightened sampling",
	}
}

// DecideDimension judges a dimension mismatch. The failure mode is wrong
// output size, not a sampling artifact, so the retry appends a strict
// dimension instruction and leaves sampling untouched. Dimension retries do
// not consume a validation attempt.
func DecideDimension(dimensionRetries int, cfg RetryConfig) Decision {
	if dimensionRetries >= cfg.MaxDimensionRetries {
		return Decision{
			IsFinalAttempt: true,
			Sampling:       cfg.Base,
			Reason:         "dimension mismatch persisted after strict retry",
		}
	}
	return Decision{
		ShouldRetry:      true,
		StrictDimensions: true,
		Sampling:         cfg.Base,
		Reason:           "dimension mismatch, retrying with strict dimension instruction",
	}
}

// DecideTransient judges a transient provider error.
func DecideTransient(transientRetries int, cfg RetryConfig) Decision {
	if transientRetries >= cfg.MaxTransientRetries {
		return Decision{
			IsFinalAttempt: true,
			Sampling:       cfg.Base,
			Reason:         "transient provider errors exhausted",
		}
	}
	return Decision{
		ShouldRetry: true,
		Sampling:    cfg.Base,
		Reason:      "transient provider error, retrying",
	}
}

// Tighten returns the sampling parameters for the given tighten level:
// base multiplied by decay^level, clamped to the configured minimums so the
// model never collapses to fully deterministic output.
func Tighten(cfg RetryConfig, level int) generate.SamplingParams {
	if level <= 0 {
		return cfg.Base
	}
	factor := math.Pow(cfg.DecayFactor, float64(level))
	return generate.SamplingParams{
		Temperature: math.Max(cfg.Base.Temperature*factor, cfg.Min.Temperature),
		TopP:        math.Max(cfg.Base.TopP*factor, cfg.Min.TopP),
		TopK:        maxInt(int(math.Round(float64(cfg.Base.TopK)*factor)), cfg.Min.TopK),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
