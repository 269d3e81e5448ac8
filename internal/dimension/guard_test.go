package dimension

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 64, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestCompareExactMatch(t *testing.T) {
	g := NewGuard(0)
	base := encodePNG(t, 120, 80)
	cand := encodePNG(t, 120, 80)

	res := g.Compare(base, cand)
	if !res.OK || !res.Exact {
		t.Fatalf("expected exact match, got %+v", res)
	}
}

func TestCompareMismatch(t *testing.T) {
	g := NewGuard(0)
	res := g.Compare(encodePNG(t, 1216, 880), encodePNG(t, 1184, 864))
	if res.OK {
		t.Fatalf("expected mismatch, got %+v", res)
	}
	if res.Message == "" {
		t.Fatalf("expected descriptive message")
	}
	if res.Baseline.Width != 1216 || res.Candidate.Width != 1184 {
		t.Fatalf("dims not reported: %+v", res)
	}
}

func TestCompareWithinTolerance(t *testing.T) {
	g := NewGuard(3.0)
	res := g.Compare(encodePNG(t, 1216, 880), encodePNG(t, 1184, 864))
	if !res.OK || !res.WithinTolerance || res.Exact {
		t.Fatalf("expected tolerant match, got %+v", res)
	}
}

func TestCompareUnreadableCandidate(t *testing.T) {
	g := NewGuard(0)
	res := g.Compare(encodePNG(t, 10, 10), []byte("not an image"))
	if res.OK {
		t.Fatalf("unreadable candidate must not pass")
	}
	if res.Message == "" {
		t.Fatalf("expected message for unreadable candidate")
	}
}

func TestNormalizeRoundTrip(t *testing.T) {
	g := NewGuard(0)
	base := encodePNG(t, 100, 100)

	cases := []struct {
		name   string
		w, h   int
		method string
	}{
		{"oversized both axes", 120, 110, "crop"},
		{"undersized both axes", 90, 80, "pad"},
		{"wider but shorter", 130, 70, "crop+pad"},
		{"narrower but taller", 70, 130, "crop+pad"},
		{"already equal", 100, 100, "none"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, method, err := g.Normalize(base, encodePNG(t, tc.w, tc.h))
			if err != nil {
				t.Fatalf("Normalize error: %v", err)
			}
			if method != tc.method {
				t.Fatalf("method mismatch: got %q want %q", method, tc.method)
			}
			cfg, _, err := image.DecodeConfig(bytes.NewReader(out))
			if err != nil {
				t.Fatalf("decode normalized: %v", err)
			}
			if cfg.Width != 100 || cfg.Height != 100 {
				t.Fatalf("normalized dims %dx%d, want 100x100", cfg.Width, cfg.Height)
			}
		})
	}
}

func TestNormalizeDoesNotMutateInputs(t *testing.T) {
	g := NewGuard(0)
	base := encodePNG(t, 50, 50)
	cand := encodePNG(t, 60, 60)
	candCopy := append([]byte(nil), cand...)

	if _, _, err := g.Normalize(base, cand); err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if !bytes.Equal(cand, candCopy) {
		t.Fatalf("candidate bytes mutated")
	}
}
