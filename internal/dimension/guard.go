// Package dimension enforces output sizing relative to a baseline image.
// Generative models occasionally return images a few pixels off from their
// input; the guard detects that and can snap a candidate back to the
// baseline's exact dimensions.
package dimension

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"math"
)

// Dims holds pixel dimensions.
type Dims struct {
	Width  int
	Height int
}

func (d Dims) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// Result is the outcome of comparing a candidate against a baseline.
type Result struct {
	OK              bool
	Exact           bool
	WithinTolerance bool
	Baseline        Dims
	Candidate       Dims
	Message         string
}

// Guard compares and normalizes image dimensions. A zero TolerancePct means
// only exact matches pass Compare.
type Guard struct {
	TolerancePct float64
}

// NewGuard returns a Guard with the given percentage tolerance per axis.
func NewGuard(tolerancePct float64) *Guard {
	if tolerancePct < 0 {
		tolerancePct = 0
	}
	return &Guard{TolerancePct: tolerancePct}
}

// Compare reads the dimensions of both images and reports whether the
// candidate matches the baseline exactly or within tolerance on both axes.
// Unreadable metadata yields OK=false with a descriptive message rather than
// an error, so callers treat "unreadable" as "mismatched" uniformly.
func (g *Guard) Compare(baseline, candidate []byte) Result {
	base, err := decodeDims(baseline)
	if err != nil {
		return Result{Message: fmt.Sprintf("baseline metadata unreadable: %v", err)}
	}
	cand, err := decodeDims(candidate)
	if err != nil {
		return Result{Baseline: base, Message: fmt.Sprintf("candidate metadata unreadable: %v", err)}
	}

	res := Result{Baseline: base, Candidate: cand}
	if base == cand {
		res.OK = true
		res.Exact = true
		res.Message = "dimensions match"
		return res
	}

	if g.TolerancePct > 0 && withinPct(base.Width, cand.Width, g.TolerancePct) && withinPct(base.Height, cand.Height, g.TolerancePct) {
		res.OK = true
		res.WithinTolerance = true
		res.Message = fmt.Sprintf("dimensions within %.1f%% tolerance: baseline %s candidate %s", g.TolerancePct, base, cand)
		return res
	}

	res.Message = fmt.Sprintf("dimension mismatch: baseline %s candidate %s", base, cand)
	return res
}

// Normalize crops an oversized candidate down to the baseline and/or pads an
// undersized candidate up to it, cropping before padding when both are
// needed. It returns a new PNG artifact and the method used; inputs are never
// mutated.
func (g *Guard) Normalize(baseline, candidate []byte) ([]byte, string, error) {
	base, err := decodeDims(baseline)
	if err != nil {
		return nil, "", fmt.Errorf("decode baseline: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(candidate))
	if err != nil {
		return nil, "", fmt.Errorf("decode candidate: %w", err)
	}

	cand := Dims{Width: img.Bounds().Dx(), Height: img.Bounds().Dy()}
	if cand == base {
		return candidate, "none", nil
	}

	method := ""
	cropped := img
	if cand.Width > base.Width || cand.Height > base.Height {
		w := min(cand.Width, base.Width)
		h := min(cand.Height, base.Height)
		rect := image.Rect(0, 0, w, h)
		out := image.NewRGBA(rect)
		draw.Draw(out, rect, img, img.Bounds().Min, draw.Src)
		cropped = out
		method = "crop"
	}

	cw := cropped.Bounds().Dx()
	ch := cropped.Bounds().Dy()
	if cw < base.Width || ch < base.Height {
		out := image.NewRGBA(image.Rect(0, 0, base.Width, base.Height))
		draw.Draw(out, image.Rect(0, 0, cw, ch), cropped, cropped.Bounds().Min, draw.Src)
		cropped = out
		if method == "" {
			method = "pad"
		} else {
			method = "crop+pad"
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, cropped); err != nil {
		return nil, "", fmt.Errorf("encode normalized image: %w", err)
	}
	return buf.Bytes(), method, nil
}

// Dims reads the pixel dimensions of an encoded image.
func (g *Guard) Dims(data []byte) (Dims, error) {
	return decodeDims(data)
}

func decodeDims(data []byte) (Dims, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Dims{}, err
	}
	return Dims{Width: cfg.Width, Height: cfg.Height}, nil
}

func withinPct(base, cand int, pct float64) bool {
	if base <= 0 {
		return false
	}
	delta := math.Abs(float64(cand-base)) / float64(base) * 100
	return delta <= pct
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
