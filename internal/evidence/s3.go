package evidence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/reuni/disputes/internal/apperr"
	"github.com/reuni/disputes/internal/circuitbreaker"
	"github.com/reuni/disputes/internal/metrics"
	"github.com/reuni/disputes/internal/retry"
)

const breakerKey = "evidence.put"

// S3Config configures an S3-compatible bucket (AWS, MinIO, Supabase storage).
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // empty for AWS
	AccessKey string // empty to use the default credential chain
	SecretKey string
	PublicURL string // base for returned URLs; derived from bucket and endpoint when empty
}

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader implements Uploader on S3.
type S3Uploader struct {
	client    putObjectAPI
	bucket    string
	publicURL string
	breaker   *circuitbreaker.Breaker
	policy    retry.Policy
	logger    *slog.Logger
}

// NewS3Uploader creates an S3 uploader from cfg.
func NewS3Uploader(ctx context.Context, cfg S3Config, breaker *circuitbreaker.Breaker, logger *slog.Logger) (*S3Uploader, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Uploader(client, cfg, breaker, logger), nil
}

func newS3Uploader(client putObjectAPI, cfg S3Config, breaker *circuitbreaker.Breaker, logger *slog.Logger) *S3Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Uploader{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: publicBase(cfg),
		breaker:   breaker,
		policy:    retry.DefaultPolicy,
		logger:    logger,
	}
}

func publicBase(cfg S3Config) string {
	switch {
	case cfg.PublicURL != "":
		return strings.TrimRight(cfg.PublicURL, "/")
	case cfg.Endpoint != "":
		return strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}
}

// Upload puts img under key and returns its public URL.
func (u *S3Uploader) Upload(ctx context.Context, key string, img Image) (string, error) {
	contentType := img.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}

	err := retry.Do(ctx, u.policy, func(ctx context.Context) error {
		err := u.breaker.Execute(breakerKey, func() error {
			_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:      aws.String(u.bucket),
				Key:         aws.String(key),
				Body:        bytes.NewReader(img.Data),
				ContentType: aws.String(contentType),
			})
			return err
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		metrics.EvidenceUploadFailuresTotal.Inc()
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			u.logger.Warn("evidence upload rejected",
				"key", key, "code", apiErr.ErrorCode(), "message", apiErr.ErrorMessage())
		}
		return "", apperr.Upstream("evidence upload", err)
	}
	return u.publicURL + "/" + key, nil
}

var _ Uploader = (*S3Uploader)(nil)
