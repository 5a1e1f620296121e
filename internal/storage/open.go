package storage

import (
	"context"
	"fmt"
	"time"

	"hairswap/internal/infra"
)

// Open builds the asset store selected by cfg.AssetBackend. staticDir is the
// directory to serve under /static when objects live on local disk.
func Open(ctx context.Context, cfg *infra.Config, logger *infra.Logger) (assets *Assets, staticDir string, err error) {
	fallback, err := NewFileStore(cfg.FallbackStoragePath)
	if err != nil {
		return nil, "", fmt.Errorf("storage: fallback: %w", err)
	}

	var durable Blob
	switch cfg.AssetBackend {
	case infra.AssetBackendFilesystem:
		disk, err := NewDiskStore(cfg.StoragePath, cfg.StorageBaseURL)
		if err != nil {
			return nil, "", err
		}
		durable, staticDir = disk, disk.Root()
	case infra.AssetBackendMinIO:
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		store, err := NewMinIOStore(ctx, MinIOOptions{
			Endpoint:      cfg.MinIOEndpoint,
			AccessKey:     cfg.MinIOAccessKey,
			SecretKey:     cfg.MinIOSecretKey,
			Bucket:        cfg.MinIOBucket,
			Region:        cfg.MinIORegion,
			UseSSL:        cfg.MinIOUseSSL,
			PublicBaseURL: cfg.AssetPublicBaseURL,
		})
		if err != nil {
			return nil, "", err
		}
		durable = store
	case infra.AssetBackendNone:
	default:
		return nil, "", fmt.Errorf("storage: unsupported asset backend %q", cfg.AssetBackend)
	}
	return NewAssets(durable, fallback, logger), staticDir, nil
}
