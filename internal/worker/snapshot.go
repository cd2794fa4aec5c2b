package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"fundval-scheduler/internal/config"
)

// SnapshotWriter archives a raw provider response under key.
type SnapshotWriter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// NewSnapshotWriter returns an S3 writer when a bucket is configured and a
// local directory writer otherwise.
func NewSnapshotWriter(ctx context.Context, cfg config.Config) (SnapshotWriter, error) {
	if cfg.SnapshotS3Bucket == "" {
		dir := cfg.SnapshotDir
		if dir == "" {
			dir = "./snapshots"
		}
		return &LocalSnapshots{BaseDir: dir}, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Snapshots{client: client, bucket: cfg.SnapshotS3Bucket}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SnapshotS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.SnapshotS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.SnapshotS3Endpoint)
		}
		o.UsePathStyle = cfg.SnapshotS3PathStyle
	}), nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

// LocalSnapshots writes snapshots below BaseDir.
type LocalSnapshots struct {
	BaseDir string
}

func (l *LocalSnapshots) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.BaseDir, filepath.FromSlash(sanitizeKey(key)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3Snapshots writes snapshots to a bucket.
type S3Snapshots struct {
	client *s3.Client
	bucket string
}

func (s *S3Snapshots) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
