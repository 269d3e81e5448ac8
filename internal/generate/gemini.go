package generate

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

// GeminiOptions configures the Gemini image-edit client.
type GeminiOptions struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// GeminiGenerator edits images through the Gemini generateContent endpoint.
type GeminiGenerator struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewGeminiGenerator constructs the client with defaults applied.
func NewGeminiGenerator(opts GeminiOptions) *GeminiGenerator {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://generativelanguage.googleapis.com/v1beta"
	}
	model := opts.Model
	if model == "" {
		model = "gemini-2.5-flash-image"
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &GeminiGenerator{
		httpClient: client,
		baseURL:    base,
		apiKey:     strings.TrimSpace(opts.APIKey),
		model:      model,
	}
}

type geminiRequest struct {
	Contents []struct {
		Parts []geminiPart `json:"parts"`
	} `json:"contents"`
	GenerationConfig struct {
		Temperature float64 `json:"temperature"`
		TopP        float64 `json:"topP"`
		TopK        int     `json:"topK"`
	} `json:"generationConfig"`
}

type geminiPart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text       string `json:"text"`
				InlineData *struct {
					MIMEType string `json:"mimeType"`
					Data     string `json:"data"`
				} `json:"inlineData"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate submits the source image and instruction, returning the edited
// image bytes. Rate limits, server errors and malformed responses are marked
// transient so the retry manager may re-attempt them.
func (g *GeminiGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	if g.apiKey == "" {
		return Result{}, errors.New("gemini: API key is missing")
	}
	if len(req.Source.Data) == 0 {
		return Result{}, errors.New("gemini: source image payload required")
	}

	var payload geminiRequest
	payload.Contents = make([]struct {
		Parts []geminiPart `json:"parts"`
	}, 1)
	payload.Contents[0].Parts = []geminiPart{
		{InlineData: &geminiInlineData{
			MIMEType: mimeOrDefault(req.Source.MIME),
			Data:     base64.StdEncoding.EncodeToString(req.Source.Data),
		}},
		{Text: req.Instruction},
	}
	payload.GenerationConfig.Temperature = req.Sampling.Temperature
	payload.GenerationConfig.TopP = req.Sampling.TopP
	payload.GenerationConfig.TopK = req.Sampling.TopK

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("gemini: request failed: %w", errors.Join(ErrTransient, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("gemini: status %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(payload)), ErrTransient)
	default:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("gemini: status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("gemini: decode response: %w", errors.Join(ErrTransient, err))
	}
	if out.Error.Message != "" {
		return Result{}, fmt.Errorf("gemini: provider error: %s", out.Error.Message)
	}

	for _, cand := range out.Candidates {
		for _, part := range cand.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return Result{}, fmt.Errorf("gemini: decode image payload: %w", errors.Join(ErrTransient, err))
			}
			return Result{Data: data, MIME: part.InlineData.MIMEType}, nil
		}
	}
	return Result{}, fmt.Errorf("gemini: no image in response: %w", ErrTransient)
}

func mimeOrDefault(mime string) string {
	if strings.TrimSpace(mime) == "" {
		return "image/png"
	}
	return mime
}

var _ Generator = (*GeminiGenerator)(nil)
