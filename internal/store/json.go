package store

import (
	"encoding/json"

	"github.com/flowctl/flowctl/internal/domain"
)

func marshalRuntimeConfig(cfg domain.RuntimeConfig) ([]byte, error) {
	return json.Marshal(cfg)
}

func unmarshalRuntimeConfig(data []byte, cfg *domain.RuntimeConfig) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, cfg)
}
