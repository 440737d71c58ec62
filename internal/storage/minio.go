package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures an S3-compatible document store.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string // base URL clients use to reach the bucket; defaults to the endpoint
}

// Minio stores documents as objects in a bucket.
type Minio struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

// NewMinio connects to the endpoint and creates the bucket if it does not exist.
func NewMinio(ctx context.Context, cfg MinioConfig) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	base := strings.TrimSuffix(cfg.PublicURL, "/")
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = scheme + "://" + cfg.Endpoint
	}
	return &Minio{client: client, bucket: cfg.Bucket, baseURL: base + "/" + cfg.Bucket}, nil
}

func (m *Minio) Put(ctx context.Context, data []byte, objectPath, contentType string) (string, error) {
	clean, err := cleanObjectPath(objectPath)
	if err != nil {
		return "", err
	}
	_, err = m.client.PutObject(ctx, m.bucket, clean, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", clean, err)
	}
	return m.baseURL + "/" + clean, nil
}

func (m *Minio) Get(ctx context.Context, rawURL string) ([]byte, error) {
	if !strings.HasPrefix(rawURL, m.baseURL+"/") {
		return nil, ErrNotOwned
	}
	obj, err := m.client.GetObject(ctx, m.bucket, strings.TrimPrefix(rawURL, m.baseURL+"/"), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}
