package transform

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"

	"github.com/cuongbtq/media-pipeline/internal/domain"
)

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: uint8((x + y) % 256), A: 255})
		}
	}
	return img
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, gradient(w, h), &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, gradient(w, h)))
	return buf.Bytes()
}

func newTestEngine(t *testing.T, mutate func(p *Params)) *Engine {
	t.Helper()
	params := Params{
		MaxWidth:            800,
		MaxHeight:           800,
		JPEGQuality:         85,
		AllowedContentTypes: []string{"image/jpeg", "image/png", "image/gif"},
	}
	if mutate != nil {
		mutate(&params)
	}
	engine, err := NewEngine(params)
	require.NoError(t, err)
	return engine
}

func TestEngine_Transform_ResizesJPEG(t *testing.T) {
	engine := newTestEngine(t, nil)

	result, err := engine.Transform(encodeJPEG(t, 1600, 1200), "image/jpeg")
	require.NoError(t, err)

	assert.Equal(t, 800, result.Width)
	assert.Equal(t, 600, result.Height)
	assert.Equal(t, 1600, result.SourceWidth)
	assert.Equal(t, 1200, result.SourceHeight)
	assert.Equal(t, domain.ContentTypeJPEG, result.ContentType)

	decoded, format, err := image.DecodeConfig(bytes.NewReader(result.Data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 800, decoded.Width)
	assert.Equal(t, 600, decoded.Height)

	key := domain.DerivedKey(domain.DefaultDerivedPrefix, "uploads/test-image.jpg", "jpg", result.Width, result.Height)
	assert.Equal(t, "resized/test-image_800x600.jpg", key)
}

func TestEngine_Transform_Deterministic(t *testing.T) {
	engine := newTestEngine(t, nil)
	input := encodePNG(t, 640, 480)

	first, err := engine.Transform(input, "image/png")
	require.NoError(t, err)
	second, err := engine.Transform(input, "image/png")
	require.NoError(t, err)

	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, first.Width, second.Width)
}

func TestEngine_Transform_SmallImageNotUpscaled(t *testing.T) {
	tests := []struct {
		name       string
		upscale    bool
		wantWidth  int
		wantHeight int
	}{
		{name: "upscale disabled", upscale: false, wantWidth: 200, wantHeight: 100},
		{name: "upscale enabled", upscale: true, wantWidth: 800, wantHeight: 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(t, func(p *Params) { p.AllowUpscale = tt.upscale })

			result, err := engine.Transform(encodePNG(t, 200, 100), "image/png")
			require.NoError(t, err)
			assert.Equal(t, tt.wantWidth, result.Width)
			assert.Equal(t, tt.wantHeight, result.Height)
		})
	}
}

func TestEngine_Transform_GIF(t *testing.T) {
	engine := newTestEngine(t, func(p *Params) { p.MaxWidth, p.MaxHeight = 50, 50 })

	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, gradient(100, 40), nil))

	result, err := engine.Transform(buf.Bytes(), "image/gif")
	require.NoError(t, err)
	assert.Equal(t, domain.ContentTypeGIF, result.ContentType)
	assert.Equal(t, 50, result.Width)
	assert.Equal(t, 20, result.Height)
}

func TestEngine_Transform_Errors(t *testing.T) {
	var bmpBuf bytes.Buffer
	require.NoError(t, bmp.Encode(&bmpBuf, gradient(10, 10)))

	tests := []struct {
		name        string
		data        []byte
		contentType string
		mutate      func(p *Params)
		wantErr     error
	}{
		{
			name:        "bmp not allowlisted",
			data:        bmpBuf.Bytes(),
			contentType: "image/bmp",
			wantErr:     domain.ErrUnsupportedContentType,
		},
		{
			name:        "non-image content type",
			data:        []byte("%PDF-1.4"),
			contentType: "application/pdf",
			wantErr:     domain.ErrUnsupportedContentType,
		},
		{
			name:        "truncated jpeg",
			data:        []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00},
			contentType: "image/jpeg",
			wantErr:     domain.ErrCorruptPayload,
		},
		{
			name:        "garbage bytes",
			data:        []byte("definitely not an image"),
			contentType: "image/png",
			wantErr:     domain.ErrCorruptPayload,
		},
		{
			name:        "payload format outside allowlist",
			data:        bmpBuf.Bytes(),
			contentType: "image/png",
			wantErr:     domain.ErrUnsupportedContentType,
		},
		{
			name:        "pixel cap exceeded",
			data:        encodePNG(t, 100, 100),
			contentType: "image/png",
			mutate:      func(p *Params) { p.MaxPixels = 5000 },
			wantErr:     domain.ErrImageTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(t, tt.mutate)

			result, err := engine.Transform(tt.data, tt.contentType)
			require.Error(t, err)
			assert.Nil(t, result)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, domain.KindPermanent, domain.Classify(err))
		})
	}
}

func TestEngine_CheckDimensions_Degenerate(t *testing.T) {
	engine := newTestEngine(t, nil)

	err := engine.checkDimensions(image.Config{Width: 0, Height: 600})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCorruptPayload)
	assert.ErrorIs(t, err, domain.ErrDegenerateDimensions)

	require.NoError(t, engine.checkDimensions(image.Config{Width: 1, Height: 1}))
}

func TestEngine_AllowlistedBMP(t *testing.T) {
	engine := newTestEngine(t, func(p *Params) {
		p.AllowedContentTypes = []string{"image/bmp"}
		p.MaxWidth, p.MaxHeight = 5, 5
	})

	var buf bytes.Buffer
	require.NoError(t, bmp.Encode(&buf, gradient(10, 20)))

	result, err := engine.Transform(buf.Bytes(), "image/x-ms-bmp")
	require.NoError(t, err)
	assert.Equal(t, ContentTypeBMP, result.ContentType)
	assert.Equal(t, 3, result.Width)
	assert.Equal(t, 5, result.Height)
}

func TestNewEngine_Validation(t *testing.T) {
	tests := []struct {
		name      string
		params    Params
		errString string
	}{
		{
			name:      "zero width",
			params:    Params{MaxHeight: 10, AllowedContentTypes: []string{"image/png"}},
			errString: "max width and height",
		},
		{
			name:      "quality out of range",
			params:    Params{MaxWidth: 10, MaxHeight: 10, JPEGQuality: 101, AllowedContentTypes: []string{"image/png"}},
			errString: "jpeg quality",
		},
		{
			name:      "empty allowlist",
			params:    Params{MaxWidth: 10, MaxHeight: 10},
			errString: "must not be empty",
		},
		{
			name:      "no codec",
			params:    Params{MaxWidth: 10, MaxHeight: 10, AllowedContentTypes: []string{"image/webp"}},
			errString: "no codec",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := NewEngine(tt.params)
			require.Error(t, err)
			assert.Nil(t, engine)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestScaledDimensions(t *testing.T) {
	tests := []struct {
		name                string
		width, height       int
		maxWidth, maxHeight int
		upscale             bool
		wantW, wantH        int
	}{
		{name: "landscape", width: 1600, height: 1200, maxWidth: 800, maxHeight: 800, wantW: 800, wantH: 600},
		{name: "portrait", width: 1200, height: 1600, maxWidth: 800, maxHeight: 800, wantW: 600, wantH: 800},
		{name: "already fits", width: 300, height: 200, maxWidth: 800, maxHeight: 800, wantW: 300, wantH: 200},
		{name: "upscale", width: 300, height: 200, maxWidth: 600, maxHeight: 600, upscale: true, wantW: 600, wantH: 400},
		{name: "extreme aspect clamps to one", width: 10000, height: 1, maxWidth: 100, maxHeight: 100, wantW: 100, wantH: 1},
		{name: "square box non-square limits", width: 1000, height: 1000, maxWidth: 300, maxHeight: 200, wantW: 200, wantH: 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := ScaledDimensions(tt.width, tt.height, tt.maxWidth, tt.maxHeight, tt.upscale)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
			assert.LessOrEqual(t, w, max(tt.maxWidth, tt.width))
		})
	}
}

func TestScaledDimensions_PreservesAspectRatio(t *testing.T) {
	for _, size := range [][2]int{{1600, 1200}, {1920, 1080}, {1234, 567}, {333, 999}} {
		w, h := ScaledDimensions(size[0], size[1], 800, 800, false)

		srcRatio := float64(size[0]) / float64(size[1])
		dstRatio := float64(w) / float64(h)
		// one pixel of rounding on the shorter side
		tolerance := srcRatio / float64(min(w, h))
		assert.InDelta(t, srcRatio, dstRatio, tolerance, "size %v", size)
	}
}

func TestNormalizeContentType(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "image/jpeg", want: "image/jpeg"},
		{in: "image/jpg", want: "image/jpeg"},
		{in: "IMAGE/JPEG; charset=binary", want: "image/jpeg"},
		{in: " image/png ", want: "image/png"},
		{in: "image/x-ms-bmp", want: "image/bmp"},
		{in: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeContentType(tt.in))
		})
	}
}
