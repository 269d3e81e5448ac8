package validate

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/realenhance/server/internal/infra"
)

// Mode selects which providers the hybrid validator consults.
type Mode string

const (
	ModePrimaryOnly   Mode = "primary-only"
	ModeSecondaryOnly Mode = "secondary-only"
	ModeHybrid        Mode = "hybrid"
)

// HybridOptions configures the escalation orchestrator.
type HybridOptions struct {
	Mode                Mode
	ConfidenceThreshold float64
	CallTimeout         time.Duration
	// FailOpenAlertThreshold flips the alert gauge once this many total
	// outages have failed open during the process lifetime.
	FailOpenAlertThreshold int
}

// Hybrid orchestrates two validation providers. The primary is fast and
// cheap; the secondary is consulted when the primary is unsure or unavailable.
// A total outage fails open so a validation outage cannot stall the pipeline.
type Hybrid struct {
	primary   Provider
	secondary Provider
	opts      HybridOptions
	logger    zerolog.Logger
	metrics   *infra.Metrics
	failOpens int
}

// NewHybrid wires the orchestrator. metrics may be nil in tests.
func NewHybrid(primary, secondary Provider, opts HybridOptions, logger zerolog.Logger, metrics *infra.Metrics) *Hybrid {
	if opts.Mode == "" {
		opts.Mode = ModeHybrid
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = 0.75
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 45 * time.Second
	}
	if opts.FailOpenAlertThreshold <= 0 {
		opts.FailOpenAlertThreshold = 3
	}
	return &Hybrid{primary: primary, secondary: secondary, opts: opts, logger: logger, metrics: metrics}
}

// Validate runs the escalation procedure:
//
//  1. Call the primary. A verdict at or above the confidence threshold is
//     returned immediately, pass or fail. Confident failures are never
//     escalated, so real violations cannot be masked by a lenient secondary.
//  2. On low confidence or primary failure, call the secondary and return its
//     verdict if it succeeds.
//  3. If the secondary also fails but the primary produced a low-confidence
//     verdict, return that verdict.
//  4. If both providers fail entirely, fail open: pass with confidence 0 and
//     a reason stating the outage. Downstream logic treats confidence 0 as a
//     weak signal, not proof of correctness.
func (h *Hybrid) Validate(ctx context.Context, original, edited Artifact) Verdict {
	switch h.opts.Mode {
	case ModePrimaryOnly:
		verdict, err := h.call(ctx, h.primary, original, edited)
		if err != nil {
			return h.failOpen(err)
		}
		return verdict
	case ModeSecondaryOnly:
		verdict, err := h.call(ctx, h.secondary, original, edited)
		if err != nil {
			return h.failOpen(err)
		}
		return verdict
	}

	primaryVerdict, primaryErr := h.call(ctx, h.primary, original, edited)
	if primaryErr == nil && primaryVerdict.Confidence >= h.opts.ConfidenceThreshold {
		return primaryVerdict
	}
	if primaryErr != nil {
		h.logger.Warn().Err(primaryErr).Str("provider", h.primary.Name()).Msg("validate: primary failed, escalating")
	} else {
		h.logger.Debug().
			Float64("confidence", primaryVerdict.Confidence).
			Float64("threshold", h.opts.ConfidenceThreshold).
			Msg("validate: low confidence, escalating")
	}

	secondaryVerdict, secondaryErr := h.call(ctx, h.secondary, original, edited)
	if secondaryErr == nil {
		return secondaryVerdict
	}
	h.logger.Warn().Err(secondaryErr).Str("provider", h.secondary.Name()).Msg("validate: secondary failed")

	if primaryErr == nil {
		// A low-confidence verdict beats no verdict at all.
		return primaryVerdict
	}
	return h.failOpen(secondaryErr)
}

func (h *Hybrid) call(ctx context.Context, p Provider, original, edited Artifact) (Verdict, error) {
	callCtx, cancel := context.WithTimeout(ctx, h.opts.CallTimeout)
	defer cancel()

	verdict, err := p.Validate(callCtx, original, edited)
	if h.metrics != nil {
		if err != nil {
			h.metrics.ValidationVerdicts.WithLabelValues(p.Name(), "error").Inc()
		} else {
			result := "fail"
			if verdict.Pass {
				result = "pass"
			}
			h.metrics.ValidationVerdicts.WithLabelValues(p.Name(), result).Inc()
			h.metrics.ValidationLatency.WithLabelValues(p.Name()).Observe(verdict.Latency.Seconds())
		}
	}
	return verdict, err
}

func (h *Hybrid) failOpen(cause error) Verdict {
	h.failOpens++
	h.logger.Error().Err(cause).Int("occurrences", h.failOpens).
		Msg("validate: all providers failed, failing open")
	if h.metrics != nil {
		h.metrics.FailOpenTotal.Inc()
		if h.failOpens >= h.opts.FailOpenAlertThreshold {
			h.metrics.FailOpenAlert.Set(1)
		}
	}
	return Verdict{
		Pass:       true,
		Confidence: 0,
		Provider:   "none",
		Reasons: []Finding{{
			Code:     FindingProviderError,
			Severity: SeverityWarning,
			Detail:   "all validation providers failed; result not structurally verified",
		}},
	}
}
