package stages

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-crawler/internal/config"
	"github.com/JakeFAU/policy-crawler/internal/content"
	"github.com/JakeFAU/policy-crawler/internal/storage/gcs"
	"github.com/JakeFAU/policy-crawler/internal/storage/local"
	"github.com/JakeFAU/policy-crawler/internal/storage/memory"
)

// openBlobs returns the page store selected by the storage section and a
// function releasing it.
func openBlobs(ctx context.Context, cfg config.Config, logger *zap.Logger) (content.BlobStore, func() error, error) {
	switch cfg.Storage.Backend {
	case "gcs":
		store, client, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.Storage.GCSBucket, Prefix: cfg.Storage.Prefix}, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, client.Close, nil
	case "memory":
		logger.Warn("storage backend is memory; downloaded pages are not persisted")
		return memory.NewBlobStore(), func() error { return nil }, nil
	case "local", "":
		store, err := local.New(local.Config{BaseDir: cfg.Paths.HTMLDir})
		if err != nil {
			return nil, nil, fmt.Errorf("open html dir: %w", err)
		}
		return store, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
