package domain

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads a YAML file on top of DefaultConfig, so any field the
// file leaves out keeps its default.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigError("path", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, NewConfigError("yaml", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MergeConfig overlays every non-zero field of overrides onto dst and
// validates the result. Zero fields in overrides leave dst untouched.
func MergeConfig(dst, overrides *Config) error {
	if overrides == nil {
		return nil
	}
	if err := mergo.Merge(dst, overrides, mergo.WithOverride); err != nil {
		return fmt.Errorf("merge config: %w", err)
	}
	return dst.Validate()
}

func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
