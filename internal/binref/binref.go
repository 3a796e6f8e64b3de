// Package binref resolves and publishes BinaryRef objects: the compiled
// pipeline worker binaries produced by the Compilation Pipeline. Two
// backends are supported, selected by config.BinrefConfig.Backend: an
// S3-compatible object store for production and a local filesystem
// directory for development, mirroring the url-scheme-is-
// implementation-defined contract of the Compilation Pipeline's last
// step.
package binref

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/flowctl/flowctl/internal/config"
)

// Backend publishes and fetches compiled pipeline binaries.
type Backend interface {
	// Publish stores data under a key derived from programID/version
	// and returns the URL to record in a BinaryRef.
	Publish(ctx context.Context, programID string, version int64, data []byte) (string, error)
	// Fetch retrieves the binary previously published at url.
	Fetch(ctx context.Context, url string) ([]byte, error)
	// Delete removes the binary previously published at url.
	Delete(ctx context.Context, url string) error
}

// NewBackend constructs the backend selected by cfg.Backend.
func NewBackend(ctx context.Context, cfg config.BinrefConfig) (Backend, error) {
	switch cfg.Backend {
	case "s3":
		return newS3Backend(ctx, cfg)
	case "file", "":
		return newFileBackend(cfg)
	default:
		return nil, fmt.Errorf("unknown binref backend %q", cfg.Backend)
	}
}

// ─── file:// backend ────────────────────────────────────────────────────

type fileBackend struct {
	dir string
}

func newFileBackend(cfg config.BinrefConfig) (*fileBackend, error) {
	dir := cfg.LocalDir
	if dir == "" {
		dir = "/tmp/flowctl/binaries"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create binary storage dir: %w", err)
	}
	return &fileBackend{dir: dir}, nil
}

func (b *fileBackend) keyFor(programID string, version int64) string {
	return fmt.Sprintf("%s-v%d.bin", programID, version)
}

func (b *fileBackend) Publish(ctx context.Context, programID string, version int64, data []byte) (string, error) {
	path := filepath.Join(b.dir, b.keyFor(programID, version))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return "file://" + path, nil
}

func (b *fileBackend) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	path, err := pathFromFileURL(rawURL)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (b *fileBackend) Delete(ctx context.Context, rawURL string) error {
	path, err := pathFromFileURL(rawURL)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

func pathFromFileURL(rawURL string) (string, error) {
	if !strings.HasPrefix(rawURL, "file://") {
		return "", fmt.Errorf("not a file:// url: %s", rawURL)
	}
	return strings.TrimPrefix(rawURL, "file://"), nil
}

// ─── s3:// backend ──────────────────────────────────────────────────────

type s3Backend struct {
	client *s3.Client
	bucket string
}

func newS3Backend(ctx context.Context, cfg config.BinrefConfig) (*s3Backend, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("binref s3 backend requires a bucket")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &s3Backend{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.S3Bucket,
	}, nil
}

func (b *s3Backend) keyFor(programID string, version int64) string {
	return fmt.Sprintf("programs/%s/v%d.bin", programID, version)
}

func (b *s3Backend) Publish(ctx context.Context, programID string, version int64, data []byte) (string, error) {
	key := b.keyFor(programID, version)
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(string(data)),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", b.bucket, key), nil
}

func (b *s3Backend) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return nil, err
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (b *s3Backend) Delete(ctx context.Context, rawURL string) error {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return err
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return err
}

func parseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3:// url: %s", rawURL)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}
