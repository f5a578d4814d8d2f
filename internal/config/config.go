// Package config loads the daemon's small startup configuration file: an
// optional override of the shim's key-translation table, the environment
// template the shim sends for every pane session it creates (spec §4.7's
// "Environment contract", generalized to a single load-once source rather
// than hardcoded constants), and the scrollback size.
//
// Grounded on the teacher's internal/daemon/project.go (yaml.v3 struct
// tags, "zero value means use built-in default" convention); this package
// carries the same gopkg.in/yaml.v3 dependency forward from a dropped
// worktree/project-YAML use case into a use case SPEC_FULL.md actually
// needs.
package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// KeyOverride lets an operator extend or replace one of the shim's
// send-keys translations without a rebuild — useful for hosted agents
// that expect a nonstandard key name.
type KeyOverride struct {
	Name     string `yaml:"name"`
	Sequence string `yaml:"sequence"` // raw bytes, Go-escaped (\r, \x1b[A, ...)
}

// Config is the full shape of the optional <root>/config.yaml file. Every
// field is optional; a missing file or missing field falls back to the
// daemon's built-in defaults.
type Config struct {
	// Env is the environment template the tmux shim sends as the Env map
	// of every session it creates for a new pane; the daemon appends that
	// map to its own os.Environ(). The daemon does not apply Env to
	// sessions created by other clients.
	Env map[string]string `yaml:"env"`

	// KeyOverrides extends the shim's send-keys translation table.
	KeyOverrides []KeyOverride `yaml:"key_overrides"`

	// ScrollbackBytes overrides session.DefaultRingCapacity when nonzero.
	ScrollbackBytes int `yaml:"scrollback_bytes"`
}

// Load reads and parses the config file at path. A missing file is not an
// error: it returns the zero-value Config, matching the teacher's
// "absent project.yaml means use defaults" convention.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// EnvList renders Env as a NAME=VALUE slice in deterministic key order,
// suitable for appending to a spawned command's environment.
func (c Config) EnvList() []string {
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.Env[k])
	}
	return out
}
