package awsbackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/agentworkforce/invoicerelay/internal/invoicerelay"
)

// S3API is the subset of the S3 client the object store calls.
type S3API interface {
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3ObjectStore treats the container as the bucket name.
type S3ObjectStore struct {
	client S3API
}

func NewS3ObjectStore(client S3API) (*S3ObjectStore, error) {
	if client == nil {
		return nil, invoicerelay.ErrInvalidInput
	}
	return &S3ObjectStore{client: client}, nil
}

// copySource renders bucket/key as the URL-encoded value CopyObject expects.
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return url.PathEscape(bucket) + "/" + strings.Join(segments, "/")
}

func (s *S3ObjectStore) Copy(ctx context.Context, container, sourceKey, destKey string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(container),
		CopySource: aws.String(copySource(container, sourceKey)),
		Key:        aws.String(destKey),
	})
	if isMissing(err) {
		return fmt.Errorf("%w: object %s/%s", invoicerelay.ErrNotFound, container, sourceKey)
	}
	return err
}

func (s *S3ObjectStore) Delete(ctx context.Context, container, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(key),
	})
	if isMissing(err) {
		return nil
	}
	return err
}

func (s *S3ObjectStore) GetContent(ctx context.Context, container, key string) (string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(key),
	})
	if err != nil {
		if isMissing(err) {
			return "", fmt.Errorf("%w: object %s/%s", invoicerelay.ErrNotFound, container, key)
		}
		return "", err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", fmt.Errorf("read object %s/%s: %w", container, key, err)
	}
	return string(data), nil
}

func (s *S3ObjectStore) Exists(ctx context.Context, container, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isMissing(err) {
		return false, nil
	}
	return false, err
}

func isMissing(err error) bool {
	if err == nil {
		return false
	}
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
