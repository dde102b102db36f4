package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used by the publisher.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Publisher mirrors written reports to an S3 bucket.
type Publisher struct {
	log    *slog.Logger
	client S3API
	bucket string
	prefix string
}

// NewPublisher returns a publisher over an existing client.
func NewPublisher(log *slog.Logger, client S3API, bucket, prefix string) (*Publisher, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &Publisher{log: log, client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// NewS3Publisher builds a publisher from the default AWS credential chain.
func NewS3Publisher(ctx context.Context, log *slog.Logger, bucket, prefix string) (*Publisher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return NewPublisher(log, s3.NewFromConfig(cfg), bucket, prefix)
}

func (p *Publisher) key(name string) string {
	if p.prefix == "" {
		return name
	}
	return path.Join(p.prefix, name)
}

// Publish uploads the encoded report as history/<window_id>.json and latest.json.
func (p *Publisher) Publish(ctx context.Context, windowID string, payload []byte) error {
	for _, name := range []string{path.Join("history", windowID+".json"), "latest.json"} {
		key := p.key(name)
		_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:       aws.String(p.bucket),
			Key:          aws.String(key),
			Body:         bytes.NewReader(payload),
			ContentType:  aws.String("application/json"),
			CacheControl: aws.String("no-cache"),
		})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
		p.log.Info("report: published", "bucket", p.bucket, "key", key, "bytes", len(payload))
	}
	return nil
}
