package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type gcsGateway struct {
	client *storage.Client
	bucket string
}

func newGCSGateway(ctx context.Context, cfg Config) (*gcsGateway, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFilePath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFilePath))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("new gcs client: %w", err)
	}

	return &gcsGateway{client: client, bucket: cfg.Bucket}, nil
}

func (g *gcsGateway) bucketHandle() *storage.BucketHandle {
	return g.client.Bucket(g.bucket)
}

func (g *gcsGateway) BucketExists(ctx context.Context) (bool, error) {
	_, err := g.bucketHandle().Attrs(ctx)
	if errors.Is(err, storage.ErrBucketNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("bucket attrs: %w", err)
	}
	return true, nil
}

func (g *gcsGateway) PutBytes(ctx context.Context, key string, data []byte) error {
	return g.PutStream(ctx, key, bytes.NewReader(data), int64(len(data)))
}

func (g *gcsGateway) PutStream(ctx context.Context, key string, r io.Reader, length int64) error {
	w := g.bucketHandle().Object(key).NewWriter(ctx)
	w.Size = length
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("write object %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close object writer %q: %w", key, err)
	}
	return nil
}

func (g *gcsGateway) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := g.bucketHandle().Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("new reader %q: %w", key, err)
	}
	return r, nil
}

func (g *gcsGateway) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := g.bucketHandle().Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects with prefix %q: %w", prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (g *gcsGateway) GetFile(ctx context.Context, key, destPath string) error {
	r, err := g.GetStream(ctx, key)
	if err != nil {
		return err
	}
	defer r.Close()

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create %q: %w", destPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("write %q: %w", destPath, err)
	}
	return nil
}

func (g *gcsGateway) PutFile(ctx context.Context, srcPath, key string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open %q: %w", srcPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", srcPath, err)
	}

	return g.PutStream(ctx, key, f, info.Size())
}
