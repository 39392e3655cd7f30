package objectstore

import (
	"context"
	"io"
	"testing"
	"time"
)

type fakeGateway struct{}

func (fakeGateway) BucketExists(ctx context.Context) (bool, error) { return true, nil }
func (fakeGateway) PutBytes(ctx context.Context, key string, data []byte) error {
	return nil
}
func (fakeGateway) PutStream(ctx context.Context, key string, r io.Reader, length int64) error {
	return nil
}
func (fakeGateway) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}
func (fakeGateway) List(ctx context.Context, prefix string) ([]string, error) { return nil, nil }
func (fakeGateway) GetFile(ctx context.Context, key, destPath string) error   { return nil }
func (fakeGateway) PutFile(ctx context.Context, srcPath, key string) error    { return nil }

var _ Gateway = fakeGateway{}

func TestPoolAcquireRelease(t *testing.T) {
	p := NewPool(fakeGateway{}, 1, 0)

	gw, release, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if gw == nil {
		t.Fatal("Acquire returned nil gateway")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, _, err := p.Acquire(ctx); err == nil {
		t.Error("second Acquire at pool size 1 should block until deadline")
	}

	release()

	if _, rel, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	} else {
		rel()
	}
}

func TestPoolRateLimiting(t *testing.T) {
	p := NewPool(fakeGateway{}, 4, 1000)

	_, release, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()
}
