package generate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGeminiGenerateSendsSamplingParams(t *testing.T) {
	edited := []byte{0x89, 0x50, 0x4e, 0x47}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-goog-api-key"); got != "test-key" {
			t.Fatalf("unexpected api key header: %s", got)
		}
		var payload geminiRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if payload.GenerationConfig.Temperature != 0.63 {
			t.Fatalf("temperature mismatch: %v", payload.GenerationConfig.Temperature)
		}
		if payload.GenerationConfig.TopP != 0.81 {
			t.Fatalf("topP mismatch: %v", payload.GenerationConfig.TopP)
		}
		if payload.GenerationConfig.TopK != 32 {
			t.Fatalf("topK mismatch: %v", payload.GenerationConfig.TopK)
		}
		if len(payload.Contents) != 1 || len(payload.Contents[0].Parts) != 2 {
			t.Fatalf("expected image plus instruction parts: %+v", payload.Contents)
		}

		var resp geminiResponse
		resp.Candidates = make([]struct {
			Content struct {
				Parts []struct {
					Text       string `json:"text"`
					InlineData *struct {
						MIMEType string `json:"mimeType"`
						Data     string `json:"data"`
					} `json:"inlineData"`
				} `json:"parts"`
			} `json:"content"`
		}, 1)
		resp.Candidates[0].Content.Parts = []struct {
			Text       string `json:"text"`
			InlineData *struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"inlineData"`
		}{{InlineData: &struct {
			MIMEType string `json:"mimeType"`
			Data     string `json:"data"`
		}{MIMEType: "image/png", Data: base64.StdEncoding.EncodeToString(edited)}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer ts.Close()

	g := NewGeminiGenerator(GeminiOptions{BaseURL: ts.URL, APIKey: "test-key"})
	got, err := g.Generate(context.Background(), Request{
		Source:      SourceImage{Data: []byte{1, 2, 3}, MIME: "image/jpeg"},
		Instruction: "enhance",
		Sampling:    SamplingParams{Temperature: 0.63, TopP: 0.81, TopK: 32},
	})
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if string(got.Data) != string(edited) {
		t.Fatalf("image bytes mismatch")
	}
	if got.MIME != "image/png" {
		t.Fatalf("mime mismatch: %s", got.MIME)
	}
}

func TestGeminiRateLimitIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer ts.Close()

	g := NewGeminiGenerator(GeminiOptions{BaseURL: ts.URL, APIKey: "test-key"})
	_, err := g.Generate(context.Background(), Request{Source: SourceImage{Data: []byte{1}}})
	if err == nil {
		t.Fatalf("expected error on 429")
	}
	if !IsTransient(err) {
		t.Fatalf("rate limit must be transient: %v", err)
	}
}

func TestGeminiBadRequestIsPermanent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid argument", http.StatusBadRequest)
	}))
	defer ts.Close()

	g := NewGeminiGenerator(GeminiOptions{BaseURL: ts.URL, APIKey: "test-key"})
	_, err := g.Generate(context.Background(), Request{Source: SourceImage{Data: []byte{1}}})
	if err == nil {
		t.Fatalf("expected error on 400")
	}
	if IsTransient(err) {
		t.Fatalf("bad request must not be transient: %v", err)
	}
}

func TestGeminiEmptyResponseIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(geminiResponse{})
	}))
	defer ts.Close()

	g := NewGeminiGenerator(GeminiOptions{BaseURL: ts.URL, APIKey: "test-key"})
	_, err := g.Generate(context.Background(), Request{Source: SourceImage{Data: []byte{1}}})
	if err == nil || !IsTransient(err) {
		t.Fatalf("missing image must be transient, got %v", err)
	}
}

func TestGeminiMissingKey(t *testing.T) {
	g := NewGeminiGenerator(GeminiOptions{})
	if _, err := g.Generate(context.Background(), Request{Source: SourceImage{Data: []byte{1}}}); err == nil {
		t.Fatalf("expected error when api key missing")
	}
}
