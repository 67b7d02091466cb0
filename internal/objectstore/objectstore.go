// Package objectstore persists filing document artifacts (raw PDFs and
// HTML, extracted text, section JSON) behind a provider-agnostic
// interface, backed by S3 in production and a local file:// backend
// for tests and single-node deployments.
package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
)

// Store is implemented by the S3-backed and file-backed backends.
type Store interface {
	// Put stores data under a key derived from the given hint and
	// returns the opaque location URI to persist on the Blob record.
	Put(ctx context.Context, keyHint string, data []byte, contentType string) (location string, err error)
	// Get fetches data back by the location URI returned from Put.
	Get(ctx context.Context, location string) ([]byte, error)
	Close() error
}

// NewFromConfig selects a backend based on StorageConfig: S3 when a
// bucket is configured, otherwise a local file:// store rooted at
// ObjectStorePath.
func NewFromConfig(ctx context.Context, logger *common.Logger, cfg common.StorageConfig) (Store, error) {
	if cfg.ObjectStoreBucket != "" {
		return newS3Store(ctx, logger, cfg)
	}
	return newFileStore(logger, cfg.ObjectStorePath)
}

// --- S3 backend ---

type s3Store struct {
	client *s3.Client
	bucket string
	logger *common.Logger
}

func newS3Store(ctx context.Context, logger *common.Logger, cfg common.StorageConfig) (*s3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.ObjectStoreRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ObjectStoreEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ObjectStoreEndpoint)
			o.UsePathStyle = true
		}
	})

	logger.Info().Str("bucket", cfg.ObjectStoreBucket).Msg("object store opened (s3)")
	return &s3Store{client: client, bucket: cfg.ObjectStoreBucket, logger: logger}, nil
}

func (s *s3Store) Put(ctx context.Context, keyHint string, data []byte, contentType string) (string, error) {
	key := objectKey(keyHint, data)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytesReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *s3Store) Get(ctx context.Context, location string) ([]byte, error) {
	bucket, key, err := parseS3Location(location)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", location, err)
	}
	defer out.Body.Close()
	return readAll(out.Body)
}

func (s *s3Store) Close() error { return nil }

func parseS3Location(location string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(location, "s3://")
	if rest == location {
		return "", "", fmt.Errorf("not an s3 location: %s", location)
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed s3 location: %s", location)
	}
	return parts[0], parts[1], nil
}

// --- file backend ---

type fileStore struct {
	basePath string
	logger   *common.Logger
}

func newFileStore(logger *common.Logger, basePath string) (*fileStore, error) {
	if basePath == "" {
		basePath = "./data/objects"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object store path %s: %w", basePath, err)
	}
	logger.Info().Str("path", basePath).Msg("object store opened (file)")
	return &fileStore{basePath: basePath, logger: logger}, nil
}

func (f *fileStore) Put(ctx context.Context, keyHint string, data []byte, contentType string) (string, error) {
	key := objectKey(keyHint, data)
	target := filepath.Join(f.basePath, key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to rename temp file: %w", err)
	}
	return "file://" + target, nil
}

func (f *fileStore) Get(ctx context.Context, location string) ([]byte, error) {
	path := strings.TrimPrefix(location, "file://")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", location, err)
	}
	return data, nil
}

func (f *fileStore) Close() error { return nil }

// --- shared helpers ---

// objectKey passes the caller's key hint through unchanged: keys are
// `<cik>/<accession>/<filename>`, deterministic per (filing, kind), so
// re-downloads overwrite in place. Content identity is carried by the
// Blob's checksum column rather than by the key itself.
func objectKey(keyHint string, data []byte) string {
	return keyHint
}
