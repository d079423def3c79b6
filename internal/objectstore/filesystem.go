package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/cuongbtq/media-pipeline/internal/domain"
)

const metaDirName = ".meta"

// Filesystem stores objects as files under root/{collection}/{key}.
// Metadata lives in a JSON sidecar under root/.meta. The filesystem keeps
// only the latest version of each key.
type Filesystem struct {
	root string
	opts Options
}

type sidecar struct {
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Version     string            `json:"version"`
}

// NewFilesystem creates root if needed and returns a store over it.
func NewFilesystem(root string, opts Options) (*Filesystem, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Filesystem{root: abs, opts: opts}, nil
}

// paths returns the data and sidecar paths, rejecting names that would
// escape root.
func (f *Filesystem) paths(collection, key string) (string, string, error) {
	if collection == "" || collection == metaDirName || strings.ContainsAny(collection, `/\`) || collection == "." || collection == ".." {
		return "", "", fmt.Errorf("%w: invalid collection %q", domain.ErrPermissionDenied, collection)
	}
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" || clean != "/"+key {
		return "", "", fmt.Errorf("%w: invalid object key %q", domain.ErrPermissionDenied, key)
	}

	rel := filepath.FromSlash(strings.TrimPrefix(clean, "/"))
	dataPath := filepath.Join(f.root, collection, rel)
	metaPath := filepath.Join(f.root, metaDirName, collection, rel+".json")
	return dataPath, metaPath, nil
}

// Get implements Client.
func (f *Filesystem) Get(ctx context.Context, collection, key, version string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dataPath, metaPath, err := f.paths(collection, key)
	if err != nil {
		return nil, err
	}

	meta, err := readSidecar(metaPath)
	if err != nil {
		return nil, f.mapError(err, collection, key, version)
	}
	if version != "" && meta.Version != version {
		return nil, notFound(collection, key, version)
	}

	file, err := os.Open(dataPath)
	if err != nil {
		return nil, f.mapError(err, collection, key, version)
	}
	defer file.Close()

	if f.opts.MaxObjectBytes > 0 {
		if stat, err := file.Stat(); err == nil && stat.Size() > f.opts.MaxObjectBytes {
			return nil, f.opts.tooLarge(collection, key)
		}
	}

	data, err := f.opts.readLimited(file, collection, key)
	if err != nil {
		return nil, f.mapError(err, collection, key, version)
	}

	return &Object{
		Data:        data,
		ContentType: meta.ContentType,
		Metadata:    cloneMetadata(meta.Metadata),
		Version:     meta.Version,
	}, nil
}

// Put implements Client. Data and sidecar are each replaced atomically.
func (f *Filesystem) Put(ctx context.Context, collection, key string, obj *Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataPath, metaPath, err := f.paths(collection, key)
	if err != nil {
		return err
	}

	meta, err := json.Marshal(sidecar{
		ContentType: obj.ContentType,
		Metadata:    obj.Metadata,
		Version:     uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal object metadata: %w", err)
	}

	if err := writeAtomic(dataPath, obj.Data); err != nil {
		return f.mapError(err, collection, key, "")
	}
	if err := writeAtomic(metaPath, meta); err != nil {
		return f.mapError(err, collection, key, "")
	}
	return nil
}

// Stat implements Client.
func (f *Filesystem) Stat(ctx context.Context, collection, key string) (*Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dataPath, metaPath, err := f.paths(collection, key)
	if err != nil {
		return nil, err
	}

	meta, err := readSidecar(metaPath)
	if err != nil {
		return nil, f.mapError(err, collection, key, "")
	}
	stat, err := os.Stat(dataPath)
	if err != nil {
		return nil, f.mapError(err, collection, key, "")
	}

	return &Info{
		Size:        stat.Size(),
		ContentType: meta.ContentType,
		Metadata:    cloneMetadata(meta.Metadata),
		Version:     meta.Version,
	}, nil
}

func (f *Filesystem) mapError(err error, collection, key, version string) error {
	switch {
	case errors.Is(err, domain.ErrObjectTooLarge):
		return err
	case errors.Is(err, fs.ErrNotExist):
		return notFound(collection, key, version)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s/%s: %v", domain.ErrPermissionDenied, collection, key, err)
	default:
		return domain.Transient(domain.ErrStoreUnavailable, err)
	}
}

func readSidecar(metaPath string) (*sidecar, error) {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, err
	}
	var meta sidecar
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("corrupt metadata sidecar %s: %w", metaPath, err)
	}
	return &meta, nil
}

// writeAtomic writes data to a temp file next to finalPath and renames it
// into place.
func writeAtomic(finalPath string, data []byte) error {
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".put-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing object data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("syncing object data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}
