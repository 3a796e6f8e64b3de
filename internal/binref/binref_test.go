package binref

import (
	"context"
	"testing"

	"github.com/flowctl/flowctl/internal/config"
)

func TestFileBackendPublishFetchDelete(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBackend(context.Background(), config.BinrefConfig{Backend: "file", LocalDir: dir})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}

	data := []byte("compiled worker binary")
	url, err := b.Publish(context.Background(), "prog-1", 3, data)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if url == "" {
		t.Fatal("expected non-empty url")
	}

	got, err := b.Fetch(context.Background(), url)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("Fetch: got %q, want %q", got, data)
	}

	if err := b.Delete(context.Background(), url); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := b.Fetch(context.Background(), url); err == nil {
		t.Fatal("expected error fetching deleted binary")
	}
}

func TestFileBackendDefaultsToFile(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBackend(context.Background(), config.BinrefConfig{Backend: "", LocalDir: dir})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	if _, ok := b.(*fileBackend); !ok {
		t.Fatalf("expected *fileBackend for empty Backend config, got %T", b)
	}
}

func TestNewBackendUnknown(t *testing.T) {
	if _, err := NewBackend(context.Background(), config.BinrefConfig{Backend: "ftp"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestPathFromFileURLRejectsNonFileScheme(t *testing.T) {
	if _, err := pathFromFileURL("s3://bucket/key"); err == nil {
		t.Fatal("expected error for non file:// url")
	}
}

func TestParseS3URL(t *testing.T) {
	bucket, key, err := parseS3URL("s3://my-bucket/programs/p1/v2.bin")
	if err != nil {
		t.Fatalf("parseS3URL: %v", err)
	}
	if bucket != "my-bucket" {
		t.Fatalf("bucket = %q, want my-bucket", bucket)
	}
	if key != "programs/p1/v2.bin" {
		t.Fatalf("key = %q, want programs/p1/v2.bin", key)
	}
}

func TestParseS3URLRejectsWrongScheme(t *testing.T) {
	if _, _, err := parseS3URL("file:///tmp/x.bin"); err == nil {
		t.Fatal("expected error for non s3:// url")
	}
}
