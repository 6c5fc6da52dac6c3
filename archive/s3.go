// Package archive uploads final composites to S3.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"rugcomposer/core"
	"rugcomposer/logging"
)

// PutObjectAPI is the slice of the S3 client the archive uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive stores composites as <prefix>/<attemptID>.png.
type S3Archive struct {
	client PutObjectAPI
	bucket string
	prefix string
	logger *logging.Logger
}

// NewS3Archive loads the default AWS credential chain for region.
func NewS3Archive(ctx context.Context, bucket, region, prefix string, logger *logging.Logger) (*S3Archive, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("archive: failed to load AWS config: %w", err)
	}
	logger.Info("S3 archive enabled", zap.String("bucket", bucket), zap.String("region", region))
	return NewS3ArchiveWithClient(s3.NewFromConfig(awsCfg), bucket, prefix, logger), nil
}

// NewS3ArchiveWithClient wraps an existing client.
func NewS3ArchiveWithClient(client PutObjectAPI, bucket, prefix string, logger *logging.Logger) *S3Archive {
	return &S3Archive{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.Named("archive"),
	}
}

// Key returns the object key for attemptID.
func (a *S3Archive) Key(attemptID string) string {
	return path.Join(a.prefix, attemptID+".png")
}

// Store uploads png under the attempt's key and returns the key.
func (a *S3Archive) Store(ctx context.Context, attemptID string, png []byte) (string, error) {
	key := a.Key(attemptID)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(png),
		ContentType:   aws.String("image/png"),
		ContentLength: aws.Int64(int64(len(png))),
		Metadata: map[string]string{
			"attempt-id": attemptID,
			"sha256":     core.ComputeSHA256FromBytes(png),
		},
	})
	if err != nil {
		a.logger.Warn("Archive upload failed",
			logging.AttemptID(attemptID), zap.String("key", key), zap.Error(err))
		return "", fmt.Errorf("archive: failed to put %s: %w", key, err)
	}
	a.logger.Debug("Archived composite", logging.AttemptID(attemptID), zap.String("key", key), zap.Int("bytes", len(png)))
	return key, nil
}
