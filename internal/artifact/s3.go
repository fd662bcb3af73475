package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const s3Scheme = "s3://"

type S3Config struct {
	Region          string
	Endpoint        string // custom endpoint, e.g. MinIO
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store reads artifacts addressed as s3://bucket/key.
type S3Store struct {
	client *s3.Client
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	return &S3Store{client: s3.NewFromConfig(awsCfg, s3Opts...)}, nil
}

func (s *S3Store) Resolve(_ context.Context, p string) (string, error) {
	if _, _, err := splitS3(p); err != nil {
		return "", err
	}
	return p, nil
}

func (s *S3Store) ReadArtifact(ctx context.Context, p string) ([]byte, error) {
	return s.get(ctx, p)
}

func (s *S3Store) ReadDocument(ctx context.Context, p string) ([]byte, error) {
	return s.get(ctx, p)
}

func (s *S3Store) get(ctx context.Context, p string) ([]byte, error) {
	bucket, key, err := splitS3(p)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, notFound(p, nil)
		}
		return nil, fmt.Errorf("S3 get object %s failed: %w", p, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("S3 read body %s failed: %w", p, err)
	}
	return data, nil
}

func splitS3(p string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(p, s3Scheme)
	if !ok {
		return "", "", fmt.Errorf("not an s3 path: %q", p)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 path %q must be s3://bucket/key", p)
	}
	return bucket, key, nil
}
