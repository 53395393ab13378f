// Package config holds the server's tunables: bind address, port, file
// root, and the protocol timing constants from spec.md §4.4/§4.5. Values
// come from cobra flags and, optionally, a YAML file that overrides the
// flag defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of server tunables. Non-zero fields from a YAML
// config file take precedence over the cobra flag defaults; explicit
// flags on the command line take precedence over both.
type Config struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	Root    string `yaml:"root"`

	// TimeoutSeconds is §4.4/§4.5's per-receive socket timeout.
	TimeoutSeconds int `yaml:"timeoutSeconds"`
	// MaxRetries is the number of retransmissions attempted before a
	// session gives up (§4.4/§4.5); total attempts is MaxRetries+1.
	MaxRetries int `yaml:"maxRetries"`
}

// Default returns the spec's contractual defaults: bind 0.0.0.0:69,
// serve the current working directory, 5s timeout, 4 retries.
func Default() Config {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return Config{
		Address:        "0.0.0.0",
		Port:           69,
		Root:           wd,
		TimeoutSeconds: 5,
		MaxRetries:     4,
	}
}

// Timeout returns TimeoutSeconds as a time.Duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LoadFile reads a YAML config file and overlays its non-zero fields onto
// base, returning the merged result.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("reading config file %s: %w", path, err)
	}
	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return base, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	merged := base
	if overlay.Address != "" {
		merged.Address = overlay.Address
	}
	if overlay.Port != 0 {
		merged.Port = overlay.Port
	}
	if overlay.Root != "" {
		merged.Root = overlay.Root
	}
	if overlay.TimeoutSeconds != 0 {
		merged.TimeoutSeconds = overlay.TimeoutSeconds
	}
	if overlay.MaxRetries != 0 {
		merged.MaxRetries = overlay.MaxRetries
	}
	return merged, nil
}
