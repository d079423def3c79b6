package transform

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"mime"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/cuongbtq/media-pipeline/internal/domain"
)

// Additional content types the engine can handle when allowlisted.
const (
	ContentTypeBMP  = "image/bmp"
	ContentTypeTIFF = "image/tiff"
)

var contentTypeAliases = map[string]string{
	"image/jpg":      domain.ContentTypeJPEG,
	"image/pjpeg":    domain.ContentTypeJPEG,
	"image/x-png":    domain.ContentTypePNG,
	"image/x-ms-bmp": ContentTypeBMP,
	"image/x-bmp":    ContentTypeBMP,
	"image/x-tiff":   ContentTypeTIFF,
}

// registered image.Decode format names
var formatContentTypes = map[string]string{
	"jpeg": domain.ContentTypeJPEG,
	"png":  domain.ContentTypePNG,
	"gif":  domain.ContentTypeGIF,
	"bmp":  ContentTypeBMP,
	"tiff": ContentTypeTIFF,
}

type encodeFunc func(w io.Writer, img image.Image, quality int) error

var encoders = map[string]encodeFunc{
	domain.ContentTypeJPEG: func(w io.Writer, img image.Image, quality int) error {
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	},
	domain.ContentTypePNG: func(w io.Writer, img image.Image, _ int) error {
		enc := png.Encoder{CompressionLevel: png.DefaultCompression}
		return enc.Encode(w, img)
	},
	domain.ContentTypeGIF: func(w io.Writer, img image.Image, _ int) error {
		return gif.Encode(w, img, &gif.Options{NumColors: 256})
	},
	ContentTypeBMP: func(w io.Writer, img image.Image, _ int) error {
		return bmp.Encode(w, img)
	},
	ContentTypeTIFF: func(w io.Writer, img image.Image, _ int) error {
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	},
}

// NormalizeContentType strips parameters, lowercases, and resolves common
// aliases ("image/jpg" becomes "image/jpeg"). Unparseable input is
// returned lowercased and trimmed.
func NormalizeContentType(contentType string) string {
	normalized := strings.ToLower(strings.TrimSpace(contentType))
	if mediaType, _, err := mime.ParseMediaType(normalized); err == nil {
		normalized = mediaType
	}
	if canonical, ok := contentTypeAliases[normalized]; ok {
		return canonical
	}
	return normalized
}

// Supported reports whether the engine has a codec for contentType.
func Supported(contentType string) bool {
	_, ok := encoders[NormalizeContentType(contentType)]
	return ok
}

func encode(contentType string, img image.Image, quality int) ([]byte, error) {
	enc, ok := encoders[contentType]
	if !ok {
		return nil, fmt.Errorf("%w: no encoder for %s", domain.ErrUnsupportedContentType, contentType)
	}

	var buf bytes.Buffer
	if err := enc(&buf, img, quality); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", contentType, err)
	}
	return buf.Bytes(), nil
}
