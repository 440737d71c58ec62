package source

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/pavelanni/assessor/internal/apperr"
)

// Bucket lists objects under a prefix of an S3-compatible bucket. File ids are object ETags.
type Bucket struct {
	client *minio.Client
	bucket string
}

// NewBucket connects to an S3-compatible endpoint.
func NewBucket(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Bucket, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Bucket{client: client, bucket: bucket}, nil
}

func (b *Bucket) Name() string { return "bucket:" + b.bucket }

func (b *Bucket) List(ctx context.Context, location string) ([]File, error) {
	prefix := strings.TrimPrefix(location, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	var files []File
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, apperr.Upstream("document source", obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		name := path.Base(obj.Key)
		mimeType := obj.ContentType
		if mimeType == "" {
			mimeType = mimeByName(name)
		}
		files = append(files, File{
			ID:       strings.Trim(obj.ETag, `"`),
			Name:     name,
			MimeType: mimeType,
			Path:     obj.Key,
			Size:     obj.Size,
		})
	}
	return files, nil
}

func (b *Bucket) Fetch(ctx context.Context, filePath string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, filePath, minio.GetObjectOptions{})
	if err != nil {
		return nil, apperr.Upstream("document source", err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, apperr.Upstream("document source", err)
	}
	return data, nil
}
