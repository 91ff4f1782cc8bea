package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// s3Blob stores payloads as objects under bucket/prefix/<digest>, the same
// bucket+prefix shape as the teacher's Lode S3 store factory
// (pithecene-io-quarry/quarry/lode/client_s3.go), narrowed to Blob alone -
// S3 has no efficient prefix-scan-and-read-back KV semantics, so it is
// wired as the payload offload tier behind a separate KV index.
type s3Blob struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Blob creates a Blob backed by an S3 (or S3-compatible) bucket using
// the AWS SDK's default credential chain.
func NewS3Blob(ctx context.Context, bucket, prefix, region string) (Blob, error) {
	if bucket == "" {
		return nil, fmt.Errorf("storage: s3 bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}
	return &s3Blob{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

func (s *s3Blob) key(digest string) string {
	if s.prefix == "" {
		return digest
	}
	return s.prefix + "/" + digest
}

func (s *s3Blob) PutRaw(ctx context.Context, digest string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(digest)),
		Body:   bytes.NewReader(data),
	})
	return err
}

func (s *s3Blob) GetRaw(ctx context.Context, digest string) ([]byte, error) {
	rc, err := s.GetStream(ctx, digest)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (s *s3Blob) GetStream(ctx context.Context, digest string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(digest)),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return out.Body, nil
}

func (s *s3Blob) Delete(ctx context.Context, digest string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(digest)),
	})
	return err
}

func (s *s3Blob) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), s.prefix+"/"))
		}
	}
	return keys, nil
}

func (s *s3Blob) Close() error { return nil }
