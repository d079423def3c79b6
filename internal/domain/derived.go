package domain

import (
	"fmt"
	"path"
	"strings"
)

// DerivedKey builds "{prefix}{basename}_{w}x{h}.{ext}" from the source key.
// The extension is the source key's own; fallbackExt is used when the
// source key has none.
func DerivedKey(prefix, sourceKey, fallbackExt string, width, height int) string {
	base := path.Base(sourceKey)
	ext := path.Ext(base)
	name := strings.TrimSuffix(base, ext)
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = fallbackExt
	}

	key := fmt.Sprintf("%s%s_%dx%d", prefix, name, width, height)
	if ext != "" {
		key += "." + ext
	}
	return key
}

// IsDerivedKey reports whether key lives under the derived prefix, i.e. the
// notification was triggered by the pipeline's own output.
func IsDerivedKey(prefix, key string) bool {
	return prefix != "" && strings.HasPrefix(key, prefix)
}

// ExtensionFor returns the conventional file extension for a canonical content type.
func ExtensionFor(contentType string) string {
	switch contentType {
	case ContentTypeJPEG:
		return "jpg"
	case ContentTypePNG:
		return "png"
	case ContentTypeGIF:
		return "gif"
	default:
		return ""
	}
}
