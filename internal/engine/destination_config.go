package engine

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"

	"scrat-backup/internal/destination"
	"scrat-backup/internal/metastore"
)

// decodeDestinationConfig unmarshals a catalog Destination row's
// TOML-encoded config blob into the tagged union destination.New
// expects.
func decodeDestinationConfig(dst metastore.Destination) (destination.Config, error) {
	var cfg destination.Config
	if _, err := toml.Decode(dst.Config, &cfg); err != nil {
		return destination.Config{}, fmt.Errorf("decoding destination %q config: %w", dst.Name, err)
	}
	if cfg.Type == "" {
		cfg.Type = dst.Type
	}
	return cfg, nil
}

// encodeDestinationConfig marshals a destination.Config back into the
// TOML blob stored in the catalog, used when registering a new
// destination.
func encodeDestinationConfig(cfg destination.Config) (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return "", fmt.Errorf("encoding destination config: %w", err)
	}
	return buf.String(), nil
}
