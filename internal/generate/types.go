// Package generate defines the image generation capability consumed by the
// pipeline: submit an image plus instructions, receive edited image bytes or
// a typed error.
package generate

import (
	"context"
	"errors"
)

// SamplingParams are the model sampling knobs the retry manager tightens on
// each attempt to reduce hallucination risk.
type SamplingParams struct {
	Temperature float64
	TopP        float64
	TopK        int
}

// SourceImage is the conditioning input for an edit.
type SourceImage struct {
	URL  string
	Data []byte
	MIME string
}

// Request describes one generation attempt.
type Request struct {
	JobID       string
	Stage       string
	Source      SourceImage
	Instruction string
	Sampling    SamplingParams
}

// Result is the outcome of a generation call.
type Result struct {
	Data   []byte
	MIME   string
	Width  int
	Height int
}

// ErrTransient marks provider failures that are safe to retry (timeouts,
// rate limits, malformed responses). Permanent failures are returned as
// plain errors.
var ErrTransient = errors.New("transient provider error")

// IsTransient reports whether err is safe to retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Generator is the contract implemented by all generation providers.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}
