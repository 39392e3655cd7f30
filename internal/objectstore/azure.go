package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

type azureGateway struct {
	client *azblob.Client
	bucket string
}

func newAzureGateway(cfg Config) (*azureGateway, error) {
	cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("azure shared key credential: %w", err)
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("new azure client: %w", err)
	}

	return &azureGateway{client: client, bucket: cfg.Bucket}, nil
}

func (g *azureGateway) BucketExists(ctx context.Context) (bool, error) {
	containerClient := g.client.ServiceClient().NewContainerClient(g.bucket)
	_, err := containerClient.GetProperties(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == string(bloberror.ContainerNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("container properties: %w", err)
	}
	return true, nil
}

func (g *azureGateway) PutBytes(ctx context.Context, key string, data []byte) error {
	_, err := g.client.UploadBuffer(ctx, g.bucket, key, data, nil)
	if err != nil {
		return fmt.Errorf("upload %q: %w", key, err)
	}
	return nil
}

func (g *azureGateway) PutStream(ctx context.Context, key string, r io.Reader, length int64) error {
	_, err := g.client.UploadStream(ctx, g.bucket, key, r, nil)
	if err != nil {
		return fmt.Errorf("upload stream %q: %w", key, err)
	}
	return nil
}

func (g *azureGateway) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := g.client.DownloadStream(ctx, g.bucket, key, nil)
	if err != nil {
		return nil, fmt.Errorf("download %q: %w", key, err)
	}
	return resp.Body, nil
}

func (g *azureGateway) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pager := g.client.NewListBlobsFlatPager(g.bucket, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list blobs with prefix %q: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				keys = append(keys, *item.Name)
			}
		}
	}
	return keys, nil
}

func (g *azureGateway) GetFile(ctx context.Context, key, destPath string) error {
	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create %q: %w", destPath, err)
	}
	defer f.Close()

	if _, err := g.client.DownloadFile(ctx, g.bucket, key, f, nil); err != nil {
		return fmt.Errorf("download file %q: %w", key, err)
	}
	return nil
}

func (g *azureGateway) PutFile(ctx context.Context, srcPath, key string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open %q: %w", srcPath, err)
	}
	defer f.Close()

	if _, err := g.client.UploadFile(ctx, g.bucket, key, f, nil); err != nil {
		return fmt.Errorf("upload file %q: %w", key, err)
	}
	return nil
}
