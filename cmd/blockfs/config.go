package main

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

const envVarPrefix = "BLOCKFS"

// geometry sizes a new filesystem. mkfs resolves it in layers: these
// defaults, then a YAML file if one is named, then BLOCKFS_* environment
// variables, then explicit flags.
type geometry struct {
	Blocks uint64 `envconfig:"BLOCKFS_BLOCKS" yaml:"blocks"`
	Inodes uint64 `envconfig:"BLOCKFS_INODES" yaml:"inodes"`
}

func loadGeometry(path string) (*geometry, error) {
	g := geometry{
		Blocks: 16384, // 8 MiB
		Inodes: 4096,
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading geometry file: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, &g); err != nil {
			return nil, fmt.Errorf("unmarshaling geometry file: %w", err)
		}
	}
	if err := envconfig.Process(envVarPrefix, &g); err != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", err)
	}
	return &g, nil
}

func (g *geometry) Validate() error {
	if y, e := func() (string, string) {
		if g.Blocks == 0 {
			return "blocks", "BLOCKS"
		}
		if g.Inodes == 0 {
			return "inodes", "INODES"
		}
		return "", ""
	}(); y != "" {
		return fmt.Errorf(
			"missing required configuration: %s / %s_%s",
			y,
			envVarPrefix,
			e,
		)
	}
	return nil
}
