package attachment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"fieldsync/internal/domain/record"
)

// S3Config configures the attachment bucket.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // For S3-compatible services (MinIO, etc.)
	// AccessKeyID and SecretAccessKey are optional; the default AWS
	// credential chain is used when they are empty.
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader stores attachments in a bucket under
// <prefix><type>/<domain key>/<file name>.
type S3Uploader struct {
	client putObjectAPI
	bucket string
	prefix string
	log    *slog.Logger
}

func NewS3Uploader(ctx context.Context, cfg S3Config, log *slog.Logger) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
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

	return newS3Uploader(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, cfg.Prefix, log), nil
}

func newS3Uploader(client putObjectAPI, bucket, prefix string, log *slog.Logger) *S3Uploader {
	return &S3Uploader{
		client: client,
		bucket: bucket,
		prefix: prefix,
		log:    log.With("component", "s3_uploader"),
	}
}

func (u *S3Uploader) Upload(ctx context.Context, t record.EntityType, domainKey, file string) (string, error) {
	ct, err := DetectContentType(file)
	if err != nil {
		return "", err
	}

	f, err := os.Open(file)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", file, err)
	}
	defer f.Close()

	if domainKey == "" {
		domainKey = uuid.NewString()
	}
	key := u.prefix + path.Join(string(t), domainKey, filepath.Base(file))

	if _, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(ct),
	}); err != nil {
		return "", fmt.Errorf("S3 put object failed: %w", err)
	}

	u.log.Info("attachment uploaded", "type", t, "key", key, "content_type", ct)
	return key, nil
}
