package validate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// StructuralOptions configures the line-edge validator client.
type StructuralOptions struct {
	BaseURL     string
	Sensitivity float64
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// StructuralProvider calls the line-edge structural validation service. The
// service detects architectural lines (walls, window frames, door frames) in
// both images and reports the angular deviation between them.
type StructuralProvider struct {
	httpClient  *http.Client
	baseURL     string
	sensitivity float64
}

// NewStructuralProvider constructs the client with defaults applied.
func NewStructuralProvider(opts StructuralOptions) *StructuralProvider {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "http://localhost:8000"
	}
	sensitivity := opts.Sensitivity
	if sensitivity <= 0 {
		sensitivity = 5.0
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 45 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &StructuralProvider{httpClient: client, baseURL: base, sensitivity: sensitivity}
}

func (p *StructuralProvider) Name() string { return "structural" }

type structuralRequest struct {
	OriginalURL string  `json:"originalUrl"`
	EnhancedURL string  `json:"enhancedUrl"`
	Sensitivity float64 `json:"sensitivity"`
}

type structuralResponse struct {
	VerticalShift   float64 `json:"verticalShift"`
	HorizontalShift float64 `json:"horizontalShift"`
	DeviationScore  float64 `json:"deviationScore"`
	IsSuspicious    bool    `json:"isSuspicious"`
	Message         string  `json:"message"`
}

// Validate posts both image URLs to the validation service and maps its
// deviation score onto a verdict. Confidence is 1.0 at zero deviation, 0.5 at
// the sensitivity threshold and 0.0 at twice the threshold, so verdicts near
// the cut line read as low-confidence and trigger hybrid escalation.
func (p *StructuralProvider) Validate(ctx context.Context, original, edited Artifact) (Verdict, error) {
	if original.URL == "" || edited.URL == "" {
		return Verdict{}, errors.New("structural: both image urls required")
	}

	body, err := json.Marshal(structuralRequest{
		OriginalURL: original.URL,
		EnhancedURL: edited.URL,
		Sensitivity: p.sensitivity,
	})
	if err != nil {
		return Verdict{}, err
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/validate-structure", bytes.NewReader(body))
	if err != nil {
		return Verdict{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("structural: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Verdict{}, fmt.Errorf("structural: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var out structuralResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Verdict{}, fmt.Errorf("structural: decode response: %w", err)
	}

	verdict := Verdict{
		Pass:       !out.IsSuspicious,
		Confidence: clamp01(1 - out.DeviationScore/(2*p.sensitivity)),
		Provider:   p.Name(),
		Latency:    time.Since(start),
	}
	if out.IsSuspicious {
		detail := out.Message
		if detail == "" {
			detail = fmt.Sprintf("line deviation %.2f exceeds sensitivity %.2f", out.DeviationScore, p.sensitivity)
		}
		verdict.Reasons = []Finding{{
			Code:     FindingGeometrySkewed,
			Severity: SeverityBlocking,
			Detail:   detail,
		}}
	}
	return verdict, nil
}

var _ Provider = (*StructuralProvider)(nil)
