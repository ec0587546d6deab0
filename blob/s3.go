package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/mwantia/pacsindex/data"
)

// S3Store keeps blobs as objects in an S3-compatible bucket. The bucket
// must already exist; the store never creates buckets on its own.
type S3Store struct {
	client     *minio.Client
	bucketName string
}

func NewS3Store(endpoint, bucketName, accessKey, secretKey string, useSsl bool) (*S3Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSsl,
	})
	if err != nil {
		return nil, err
	}

	return &S3Store{
		client:     client,
		bucketName: bucketName,
	}, nil
}

// Name returns the identifier name defined for this store.
func (*S3Store) Name() string {
	return "s3"
}

func (ss *S3Store) Create(ctx context.Context, id string, content []byte) error {
	_, err := ss.client.PutObject(ctx, ss.bucketName, id,
		bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("failed to store blob: %w", err)
	}

	return nil
}

func (ss *S3Store) Read(ctx context.Context, id string) ([]byte, error) {
	object, err := ss.client.GetObject(ctx, ss.bucketName, id, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	defer object.Close()

	content, err := io.ReadAll(object)
	if err != nil {
		if isMissingObject(err) {
			return nil, data.ErrUnknownBlob
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}

	return content, nil
}

func (ss *S3Store) Remove(ctx context.Context, id string) error {
	err := ss.client.RemoveObject(ctx, ss.bucketName, id, minio.RemoveObjectOptions{})
	if err != nil && !isMissingObject(err) {
		return fmt.Errorf("failed to remove blob: %w", err)
	}

	return nil
}

func (ss *S3Store) Exists(ctx context.Context, id string) (bool, error) {
	_, err := ss.client.StatObject(ctx, ss.bucketName, id, minio.StatObjectOptions{})
	if err != nil {
		if isMissingObject(err) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

func isMissingObject(err error) bool {
	var response minio.ErrorResponse
	if errors.As(err, &response) {
		return response.Code == "NoSuchKey"
	}

	return false
}
