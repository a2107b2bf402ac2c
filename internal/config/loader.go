package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads, decodes, defaults, and validates a config file. Unknown
// fields are rejected so a typo cannot silently disable a section.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates raw YAML config bytes.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("config file is empty")
		}
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ResolvePath picks the config path: an explicit flag wins, then the
// ASSISTANT_CONFIG_PATH environment variable, then the default.
func ResolvePath(flagValue, defaultPath string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return defaultPath
}
