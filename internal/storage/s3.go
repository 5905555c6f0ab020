package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"

	"github.com/ItamarBenAri/car-ops-agent/internal/apperr"
	"github.com/ItamarBenAri/car-ops-agent/internal/config"
)

// S3 keeps files in a bucket under a key prefix. Works with MinIO through a custom endpoint.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 loads AWS credentials from the default chain.
func NewS3(ctx context.Context, cfg config.Config) (*S3, error) {
	if cfg.S3Bucket == "" {
		return nil, errors.New("S3_BUCKET is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	})
	return &S3{client: client, bucket: cfg.S3Bucket, prefix: cfg.S3Prefix}, nil
}

func (s *S3) key(name string) string {
	return path.Join(s.prefix, sanitizeKey(name))
}

func (s *S3) Save(ctx context.Context, name string, r io.Reader) (int64, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("read body: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(name)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(mimetype.Detect(body).String()),
	})
	if err != nil {
		return 0, fmt.Errorf("put object: %w", err)
	}
	return int64(len(body)), nil
}

func (s *S3) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, apperr.NotFound("file %s not found", name)
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	return out.Body, nil
}

// FromConfig picks S3 when a bucket is configured, otherwise the local upload directory.
func FromConfig(ctx context.Context, cfg config.Config) (FileStore, error) {
	if cfg.S3Bucket != "" {
		return NewS3(ctx, cfg)
	}
	return NewLocal(cfg.UploadDir), nil
}
