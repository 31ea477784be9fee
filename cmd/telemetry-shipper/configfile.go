package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// fileConfig serves the top-level sections of a YAML file to plugins,
// the way the RoadRunner config plugin does.
type fileConfig struct {
	sections map[string]yaml.Node
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*fileConfig, error) {
	cfg := &fileConfig{}
	if err := yaml.Unmarshal(data, &cfg.sections); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	return cfg, nil
}

func (c *fileConfig) Has(name string) bool {
	_, ok := c.sections[name]
	return ok
}

func (c *fileConfig) UnmarshalKey(name string, out any) error {
	node, ok := c.sections[name]
	if !ok {
		return errors.Errorf("no %q section in config", name)
	}
	return errors.Wrapf(node.Decode(out), "invalid %q section", name)
}
