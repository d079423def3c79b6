// Package transform resizes images to fit a bounding box. It performs no
// I/O: the same input bytes and parameters always produce the same output.
package transform

import (
	"bytes"
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/cuongbtq/media-pipeline/internal/domain"
)

// Params controls a transformation.
type Params struct {
	MaxWidth            int
	MaxHeight           int
	AllowUpscale        bool
	JPEGQuality         int
	MaxPixels           int
	AllowedContentTypes []string
}

// Result is the derived image and its dimensions.
type Result struct {
	Data         []byte
	ContentType  string
	Width        int
	Height       int
	SourceWidth  int
	SourceHeight int
}

// Engine applies a fixed set of Params.
type Engine struct {
	params  Params
	allowed map[string]struct{}
}

// NewEngine validates params and returns an Engine. Every allowlisted
// content type must have a codec.
func NewEngine(params Params) (*Engine, error) {
	if params.MaxWidth < 1 || params.MaxHeight < 1 {
		return nil, fmt.Errorf("max width and height must be at least 1, got %dx%d", params.MaxWidth, params.MaxHeight)
	}
	if params.JPEGQuality == 0 {
		params.JPEGQuality = jpegDefaultQuality
	}
	if params.JPEGQuality < 1 || params.JPEGQuality > 100 {
		return nil, fmt.Errorf("jpeg quality must be between 1 and 100, got %d", params.JPEGQuality)
	}
	if len(params.AllowedContentTypes) == 0 {
		return nil, fmt.Errorf("allowed content types must not be empty")
	}

	allowed := make(map[string]struct{}, len(params.AllowedContentTypes))
	for _, ct := range params.AllowedContentTypes {
		normalized := NormalizeContentType(ct)
		if !Supported(normalized) {
			return nil, fmt.Errorf("no codec for allowlisted content type %q", ct)
		}
		allowed[normalized] = struct{}{}
	}

	return &Engine{params: params, allowed: allowed}, nil
}

const jpegDefaultQuality = 85

// Params returns the engine's parameters.
func (e *Engine) Params() Params {
	return e.params
}

// Allowed reports whether contentType passes the allowlist.
func (e *Engine) Allowed(contentType string) bool {
	_, ok := e.allowed[NormalizeContentType(contentType)]
	return ok
}

// Transform resizes data so it fits within MaxWidth x MaxHeight, keeping
// the aspect ratio. The declared content type is checked against the
// allowlist before any decoding. The output uses the decoded format.
//
// Errors wrap domain.ErrUnsupportedContentType, domain.ErrCorruptPayload
// or domain.ErrImageTooLarge; none of them are retryable.
func (e *Engine) Transform(data []byte, contentType string) (*Result, error) {
	declared := NormalizeContentType(contentType)
	if !e.Allowed(declared) {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedContentType, contentType)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptPayload, err)
	}

	actual, ok := formatContentTypes[format]
	if !ok || !e.Allowed(actual) {
		return nil, fmt.Errorf("%w: payload is %s, declared %s", domain.ErrUnsupportedContentType, format, declared)
	}

	if err := e.checkDimensions(cfg); err != nil {
		return nil, err
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptPayload, err)
	}

	bounds := src.Bounds()
	width, height := ScaledDimensions(bounds.Dx(), bounds.Dy(), e.params.MaxWidth, e.params.MaxHeight, e.params.AllowUpscale)

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)

	out, err := encode(actual, dst, e.params.JPEGQuality)
	if err != nil {
		return nil, err
	}

	return &Result{
		Data:         out,
		ContentType:  actual,
		Width:        width,
		Height:       height,
		SourceWidth:  bounds.Dx(),
		SourceHeight: bounds.Dy(),
	}, nil
}

func (e *Engine) checkDimensions(cfg image.Config) error {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("%w: %w: %dx%d", domain.ErrCorruptPayload, domain.ErrDegenerateDimensions, cfg.Width, cfg.Height)
	}
	if e.params.MaxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(e.params.MaxPixels) {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", domain.ErrImageTooLarge, cfg.Width, cfg.Height, e.params.MaxPixels)
	}
	return nil
}

// ScaledDimensions returns the size of a width x height image scaled by
// min(maxWidth/width, maxHeight/height). The scale is capped at 1 unless
// upscale is set. Both results are at least 1.
func ScaledDimensions(width, height, maxWidth, maxHeight int, upscale bool) (int, int) {
	scale := math.Min(float64(maxWidth)/float64(width), float64(maxHeight)/float64(height))
	if scale > 1 && !upscale {
		scale = 1
	}

	w := int(math.Round(float64(width) * scale))
	h := int(math.Round(float64(height) * scale))
	return max(w, 1), max(h, 1)
}
