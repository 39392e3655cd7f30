// Package objectstore is coldvault's thin contract over an S3-compatible
// blob API, backed by one of three concrete clients (S3, GCS, Azure
// Blob Storage) selected by configuration. Every key is a content
// address, so PutBytes/PutStream/PutFile are idempotent by construction:
// coldvault never writes two different payloads under the same key.
package objectstore

import (
	"context"
	"io"
)

// Gateway is the object store surface the scan, upload, and restore
// components depend on. Implementations must treat transport failures
// as retryable: callers wrap errors in cverrors.KindTransientIO and
// decide whether to retry.
type Gateway interface {
	// BucketExists reports whether the configured bucket is reachable
	// and exists.
	BucketExists(ctx context.Context) (bool, error)

	// PutBytes uploads data under key in one call.
	PutBytes(ctx context.Context, key string, data []byte) error

	// PutStream uploads length bytes read from r under key.
	PutStream(ctx context.Context, key string, r io.Reader, length int64) error

	// GetStream returns a reader over the object stored under key. The
	// caller must Close it.
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns every key with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// GetFile downloads the object under key directly to destPath.
	GetFile(ctx context.Context, key, destPath string) error

	// PutFile uploads the file at srcPath under key.
	PutFile(ctx context.Context, srcPath, key string) error
}

// Backend selects which concrete object store client Config builds.
type Backend string

const (
	BackendS3    Backend = "s3"
	BackendGCS   Backend = "gcs"
	BackendAzure Backend = "azure"
)

// Config carries the coordinates and credentials for one of the three
// supported backends. Only the fields relevant to Backend are read.
type Config struct {
	Backend Backend

	Endpoint string // S3-compatible endpoint override; empty uses the provider default
	Bucket   string
	Region   string

	AccessKeyID     string
	SecretAccessKey string

	// GCS
	ProjectID           string
	CredentialsFilePath string

	// Azure
	AccountName string
	AccountKey  string

	// RateLimitPerSecond, if positive, caps outbound requests per second
	// across all pool members sharing this Config.
	RateLimitPerSecond float64
}
