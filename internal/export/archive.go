package export

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/countryballcards/signup/internal/config"
	"github.com/countryballcards/signup/internal/domain"
	"github.com/countryballcards/signup/internal/pkg/logger"
)

// S3API is the subset of the S3 client used for archiving.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads CSV snapshots to a bucket.
type Archiver struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Archiver loads AWS configuration using the default credential chain.
func NewS3Archiver(ctx context.Context, cfg config.ExportConfig) (*Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewArchiver(s3.NewFromConfig(awsCfg), cfg.S3Bucket, cfg.Prefix), nil
}

// NewArchiver wires an existing client.
func NewArchiver(client S3API, bucket, prefix string) *Archiver {
	return &Archiver{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Archive writes subs as CSV to s3://bucket/prefix/subscribers_<t>.csv and
// returns the object key.
func (a *Archiver) Archive(ctx context.Context, subs []domain.Subscriber, t time.Time) (string, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, subs); err != nil {
		return "", err
	}

	key := Filename(t)
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}
	size := buf.Len()
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("text/csv"),
		Metadata: map[string]string{
			"rows":       fmt.Sprintf("%d", len(subs)),
			"created_at": t.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	logger.Info("export: archived subscribers", "bucket", a.bucket, "key", key, "rows", len(subs), "bytes", size)
	return key, nil
}
