package transport

import (
	"context"
	"fmt"

	"github.com/contemptx/usenetsync-sub001/internal/config"
	"github.com/contemptx/usenetsync-sub001/internal/core"
)

// NewTransportFromConfig creates a Transport implementation based on the
// transport config type.
func NewTransportFromConfig(ctx context.Context, cfg config.TransportConfig) (core.Transport, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryTransport(nil), nil
	case "filesystem":
		if cfg.SpoolDir == "" {
			return nil, fmt.Errorf("filesystem transport requires spool_dir to be set")
		}
		return NewFileSystemTransport(cfg.SpoolDir, nil)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 transport requires s3_bucket to be set")
		}
		return NewS3TransportFromRegion(ctx, cfg.S3Region, cfg.S3Bucket, cfg.S3Prefix,
			cfg.S3AccessKey, cfg.S3SecretKey)
	default:
		return nil, fmt.Errorf("unknown transport type: %s", cfg.Type)
	}
}
