package store

import (
	"testing"

	"github.com/flowctl/flowctl/internal/domain"
)

func TestMarshalUnmarshalRuntimeConfigRoundTrip(t *testing.T) {
	cfg := domain.RuntimeConfig{
		Workers:    4,
		StorageDir: "/var/lib/flowctl",
		Extra:      map[string]string{"checkpoint_interval_s": "30"},
	}

	data, err := marshalRuntimeConfig(cfg)
	if err != nil {
		t.Fatalf("marshalRuntimeConfig: %v", err)
	}

	var got domain.RuntimeConfig
	if err := unmarshalRuntimeConfig(data, &got); err != nil {
		t.Fatalf("unmarshalRuntimeConfig: %v", err)
	}
	if got.Workers != cfg.Workers || got.StorageDir != cfg.StorageDir || got.Extra["checkpoint_interval_s"] != "30" {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, cfg)
	}
}

func TestUnmarshalRuntimeConfigEmptyIsNoop(t *testing.T) {
	var got domain.RuntimeConfig
	if err := unmarshalRuntimeConfig(nil, &got); err != nil {
		t.Fatalf("unmarshalRuntimeConfig(nil): %v", err)
	}
	if got.Workers != 0 {
		t.Fatalf("expected zero value, got %+v", got)
	}
}
