// Package objectstore reads source objects and writes derived objects.
//
// Every backend maps its failures onto the domain taxonomy: a missing
// object wraps domain.ErrObjectNotFound, a refused request wraps
// domain.ErrPermissionDenied, and anything else that may succeed later is
// a retryable domain.ErrStoreUnavailable.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"maps"

	"github.com/cuongbtq/media-pipeline/internal/domain"
)

// Object is a blob with its content type and user metadata.
type Object struct {
	Data        []byte
	ContentType string
	Metadata    map[string]string
	Version     string
}

// Info describes a stored object without its data.
type Info struct {
	Size        int64
	ContentType string
	Metadata    map[string]string
	Version     string
}

// Client is implemented by every backend. Implementations are safe for
// concurrent use.
type Client interface {
	// Get fetches an object. An empty version means the latest one.
	Get(ctx context.Context, collection, key, version string) (*Object, error)

	// Put writes an object, replacing any existing object at key.
	Put(ctx context.Context, collection, key string, obj *Object) error

	// Stat returns the latest object's info without reading its data.
	Stat(ctx context.Context, collection, key string) (*Info, error)
}

// Options apply to every backend.
type Options struct {
	// MaxObjectBytes caps the size Get will read. Zero disables the cap.
	MaxObjectBytes int64
}

// readLimited reads r up to the configured cap.
func (o Options) readLimited(r io.Reader, collection, key string) ([]byte, error) {
	if o.MaxObjectBytes <= 0 {
		return io.ReadAll(r)
	}

	data, err := io.ReadAll(io.LimitReader(r, o.MaxObjectBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > o.MaxObjectBytes {
		return nil, o.tooLarge(collection, key)
	}
	return data, nil
}

func (o Options) tooLarge(collection, key string) error {
	return fmt.Errorf("%w: %s/%s is larger than %d bytes", domain.ErrObjectTooLarge, collection, key, o.MaxObjectBytes)
}

func notFound(collection, key, version string) error {
	if version != "" {
		return fmt.Errorf("%w: %s/%s@%s", domain.ErrObjectNotFound, collection, key, version)
	}
	return fmt.Errorf("%w: %s/%s", domain.ErrObjectNotFound, collection, key)
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return maps.Clone(m)
}
