// Package validate judges whether an edited property photo preserves the
// architectural structure of its original. Two interchangeable providers
// implement the same capability; the hybrid orchestrator escalates between
// them on low confidence.
package validate

import (
	"context"
	"time"
)

// FindingCode is a structured classification of a structural violation.
// Control flow depends only on these codes and severities, never on free-text
// detail.
type FindingCode string

const (
	FindingWallAltered     FindingCode = "wall_altered"
	FindingWindowAltered   FindingCode = "window_altered"
	FindingDoorAltered     FindingCode = "door_altered"
	FindingGeometrySkewed  FindingCode = "geometry_skewed"
	FindingLightingChanged FindingCode = "lighting_changed"
	FindingProviderError   FindingCode = "provider_error"
)

// Severity separates blocking findings from soft warnings.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityBlocking Severity = "blocking"
)

// Finding is one reason attached to a failing verdict.
type Finding struct {
	Code     FindingCode `json:"code"`
	Severity Severity    `json:"severity"`
	Detail   string      `json:"detail"`
}

// Verdict is the structured result of a validation call. Confidence is always
// within [0,1]; Reasons is non-empty whenever Pass is false.
type Verdict struct {
	Pass       bool
	Confidence float64
	Reasons    []Finding
	Provider   string
	Latency    time.Duration
}

// BlockingReasons returns the subset of reasons with blocking severity.
func (v Verdict) BlockingReasons() []Finding {
	var out []Finding
	for _, f := range v.Reasons {
		if f.Severity == SeverityBlocking {
			out = append(out, f)
		}
	}
	return out
}

// WarningMessages returns the detail strings of warning-severity reasons.
func (v Verdict) WarningMessages() []string {
	var out []string
	for _, f := range v.Reasons {
		if f.Severity == SeverityWarning {
			out = append(out, f.Detail)
		}
	}
	return out
}

// ReasonStrings flattens reasons for persistence and status payloads.
func (v Verdict) ReasonStrings() []string {
	out := make([]string, 0, len(v.Reasons))
	for _, f := range v.Reasons {
		out = append(out, string(f.Code)+": "+f.Detail)
	}
	return out
}

// Artifact references an image handed to a provider. Providers that speak
// URLs use URL; providers that inline image bytes use Data and MIME.
type Artifact struct {
	URL  string
	Data []byte
	MIME string
}

// Provider is the capability implemented by every vision validation backend.
type Provider interface {
	Name() string
	Validate(ctx context.Context, original, edited Artifact) (Verdict, error)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
