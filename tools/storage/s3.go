package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3CatalogSource implements CatalogSource backed by an S3 object, for
// deployments where the supplier export lands in a bucket instead of on
// local disk.

type S3CatalogSource struct {
	bucket string
	key    string
	s3     *s3.Client
}

func NewS3CatalogSource(s3Client *s3.Client, bucket, key string) *S3CatalogSource {
	return &S3CatalogSource{
		bucket: bucket,
		key:    key,
		s3:     s3Client,
	}
}

func (s *S3CatalogSource) Load(ctx context.Context) ([]byte, error) {
	resp, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get catalog object from S3: %w", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
