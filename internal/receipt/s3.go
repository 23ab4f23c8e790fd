package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gezibash/arc-backup/internal/storage"
)

// Option keys for NewS3Sink.
const (
	KeyBucket          = "bucket"
	KeyRegion          = "region"
	KeyEndpoint        = "endpoint"
	KeyPrefix          = "prefix"
	KeyAccessKeyID     = "access_key_id"
	KeySecretAccessKey = "secret_access_key"
	KeyForcePathStyle  = "force_path_style"
)

// S3Sink uploads copies of receipts to an S3-compatible bucket.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink builds a sink from options and checks that the bucket is
// reachable.
func NewS3Sink(ctx context.Context, opts storage.Options) (*S3Sink, error) {
	bucket := opts.String(KeyBucket, "")
	if bucket == "" {
		return nil, storage.NewConfigError("s3", KeyBucket, "cannot be empty")
	}
	region := opts.String(KeyRegion, "us-east-1")
	endpoint := opts.String(KeyEndpoint, "")
	prefix := opts.String(KeyPrefix, "")
	accessKeyID := opts.String(KeyAccessKeyID, "")
	secretAccessKey := opts.String(KeySecretAccessKey, "")

	forcePathStyle, err := opts.Bool(KeyForcePathStyle, false)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("s3", KeyForcePathStyle, opts[KeyForcePathStyle], err.Error())
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKeyID != "" && secretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("s3", "", "failed to load AWS config", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = forcePathStyle
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, storage.NewConfigErrorWithCause("s3", KeyBucket, "bucket not accessible", err)
	}

	slog.Debug("receipt s3 sink ready", "bucket", bucket, "region", region, "prefix", prefix)
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}, nil
}

// Key is the object key a receipt file is uploaded under.
func (s *S3Sink) Key(path string) string {
	return s.prefix + filepath.Base(path)
}

// Upload copies the file at path into the bucket and returns its URL.
func (s *S3Sink) Upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	key := s.Key(path)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/zstd"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put: %w", err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}
