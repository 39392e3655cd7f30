package objectstore

import (
	"context"
	"fmt"
)

// New constructs the Gateway selected by cfg.Backend.
func New(ctx context.Context, cfg Config) (Gateway, error) {
	switch cfg.Backend {
	case "", BackendS3:
		return newS3Gateway(ctx, cfg)
	case BackendGCS:
		return newGCSGateway(ctx, cfg)
	case BackendAzure:
		return newAzureGateway(cfg)
	default:
		return nil, fmt.Errorf("objectstore: unknown backend %q", cfg.Backend)
	}
}
