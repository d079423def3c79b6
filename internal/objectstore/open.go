package objectstore

import (
	"context"
	"fmt"

	"github.com/cuongbtq/media-pipeline/internal/config"
)

// Open builds the backend selected by cfg.
func Open(ctx context.Context, cfg config.StorageConfig, opts Options) (Client, error) {
	switch cfg.Backend {
	case config.StorageBackendMemory, "":
		return NewMemory(opts), nil
	case config.StorageBackendFilesystem:
		return NewFilesystem(cfg.Filesystem.Root, opts)
	case config.StorageBackendS3:
		return NewS3FromConfig(ctx, S3Config{
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
		}, opts)
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Backend)
	}
}
