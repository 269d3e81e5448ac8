package validate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// VisionOptions configures the generative vision-model validator.
type VisionOptions struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// VisionProvider validates structure by showing the vision model both images
// and asking for a structured JSON judgment. It is slower and costlier than
// the structural provider but reasons about semantics (a moved door, a
// repainted wall) rather than line angles.
type VisionProvider struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewVisionProvider constructs the client with defaults applied.
func NewVisionProvider(opts VisionOptions) *VisionProvider {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://generativelanguage.googleapis.com/v1beta"
	}
	model := opts.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 45 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &VisionProvider{
		httpClient: client,
		baseURL:    base,
		apiKey:     strings.TrimSpace(opts.APIKey),
		model:      model,
	}
}

func (p *VisionProvider) Name() string { return "vision" }

const visionPrompt = `You are a structural integrity reviewer for real-estate photo editing.
Compare the two interior photos. The second is an AI-edited version of the first.
Walls, windows, doors, ceilings and overall room geometry must be unchanged.
Respond with ONLY a JSON object:
{"approved": bool, "confidence": number 0..1, "violations": [{"code": "wall_altered"|"window_altered"|"door_altered"|"geometry_skewed"|"lighting_changed", "severity": "warning"|"blocking", "detail": "short explanation"}]}`

type visionGenerateRequest struct {
	Contents []struct {
		Parts []visionPart `json:"parts"`
	} `json:"contents"`
	GenerationConfig struct {
		Temperature     float64 `json:"temperature"`
		ResponseMIME    string  `json:"responseMimeType,omitempty"`
	} `json:"generationConfig"`
}

type visionPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *visionInlineData `json:"inlineData,omitempty"`
}

type visionInlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type visionGenerateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

type visionJudgment struct {
	Approved   bool      `json:"approved"`
	Confidence float64   `json:"confidence"`
	Violations []Finding `json:"violations"`
}

// Validate sends both images inline and parses the model's JSON reasoning
// into a verdict.
func (p *VisionProvider) Validate(ctx context.Context, original, edited Artifact) (Verdict, error) {
	if p.apiKey == "" {
		return Verdict{}, errors.New("vision: API key is missing")
	}
	if len(original.Data) == 0 || len(edited.Data) == 0 {
		return Verdict{}, errors.New("vision: both image payloads required")
	}

	var payload visionGenerateRequest
	payload.Contents = make([]struct {
		Parts []visionPart `json:"parts"`
	}, 1)
	payload.Contents[0].Parts = []visionPart{
		{Text: visionPrompt},
		{InlineData: &visionInlineData{MIMEType: mimeOrDefault(original.MIME), Data: base64.StdEncoding.EncodeToString(original.Data)}},
		{InlineData: &visionInlineData{MIMEType: mimeOrDefault(edited.MIME), Data: base64.StdEncoding.EncodeToString(edited.Data)}},
	}
	payload.GenerationConfig.Temperature = 0.1
	payload.GenerationConfig.ResponseMIME = "application/json"

	body, err := json.Marshal(payload)
	if err != nil {
		return Verdict{}, err
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, p.model)
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("vision: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Verdict{}, fmt.Errorf("vision: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var out visionGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Verdict{}, fmt.Errorf("vision: decode response: %w", err)
	}
	if out.Error.Message != "" {
		return Verdict{}, fmt.Errorf("vision: provider error: %s", out.Error.Message)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return Verdict{}, errors.New("vision: empty response")
	}

	judgment, err := parseJudgment(out.Candidates[0].Content.Parts[0].Text)
	if err != nil {
		return Verdict{}, err
	}

	verdict := Verdict{
		Pass:       judgment.Approved,
		Confidence: clamp01(judgment.Confidence),
		Reasons:    normalizeFindings(judgment.Violations),
		Provider:   p.Name(),
		Latency:    time.Since(start),
	}
	if !verdict.Pass && len(verdict.Reasons) == 0 {
		verdict.Reasons = []Finding{{
			Code:     FindingGeometrySkewed,
			Severity: SeverityBlocking,
			Detail:   "model rejected the edit without naming a violation",
		}}
	}
	return verdict, nil
}

// parseJudgment tolerates models that wrap their JSON in markdown fences.
func parseJudgment(text string) (visionJudgment, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	var judgment visionJudgment
	if err := json.Unmarshal([]byte(trimmed), &judgment); err != nil {
		return visionJudgment{}, fmt.Errorf("vision: malformed judgment: %w", err)
	}
	return judgment, nil
}

func normalizeFindings(in []Finding) []Finding {
	out := make([]Finding, 0, len(in))
	for _, f := range in {
		switch f.Code {
		case FindingWallAltered, FindingWindowAltered, FindingDoorAltered, FindingGeometrySkewed, FindingLightingChanged:
		default:
			f.Code = FindingGeometrySkewed
		}
		if f.Severity != SeverityWarning {
			f.Severity = SeverityBlocking
		}
		out = append(out, f)
	}
	return out
}

func mimeOrDefault(mime string) string {
	if strings.TrimSpace(mime) == "" {
		return "image/png"
	}
	return mime
}

var _ Provider = (*VisionProvider)(nil)
