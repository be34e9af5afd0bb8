package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// FileConfig mirrors Config but uses strings for durations to keep files readable.
type FileConfig struct {
	StateDir             string `toml:"state_dir" yaml:"state_dir"`
	LogLevel             string `toml:"log_level" yaml:"log_level"`
	LogFormat            string `toml:"log_format" yaml:"log_format"`
	ServiceName          string `toml:"service_name" yaml:"service_name"`
	ServiceUUID          string `toml:"service_uuid" yaml:"service_uuid"`
	Channel              int    `toml:"channel" yaml:"channel"`
	ChunkSize            int    `toml:"chunk_size" yaml:"chunk_size"`
	MaxChunks            int    `toml:"max_chunks" yaml:"max_chunks"`
	DiscoveryTimeout     string `toml:"discovery_timeout" yaml:"discovery_timeout"`
	EstablishTimeout     string `toml:"establish_timeout" yaml:"establish_timeout"`
	WriteTimeout         string `toml:"write_timeout" yaml:"write_timeout"`
	MaxReconnectAttempts *int   `toml:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	BackoffInitial       string `toml:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax           string `toml:"backoff_max" yaml:"backoff_max"`
}

// LoadFileConfig reads a config file. Files ending in .yaml or .yml are
// parsed as YAML, everything else as TOML.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &fc); err != nil {
			return fc, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := toml.Unmarshal(b, &fc); err != nil {
			return fc, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.bluetooth-notify/config.toml, or
// config.yaml in the same directory when only that one exists.
func DefaultConfigPath() string {
	h, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	p := filepath.Join(h, DirName, "config.toml")
	if !FileExists(p) {
		if y := filepath.Join(h, DirName, "config.yaml"); FileExists(y) {
			return y
		}
	}
	return p
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("state-dir", fc.StateDir, &cfg.StateDir)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)
	s.setString("log-format", fc.LogFormat, &cfg.LogFormat)
	s.setString("service-name", fc.ServiceName, &cfg.ServiceName)
	s.setString("service-uuid", fc.ServiceUUID, &cfg.ServiceUUID)

	s.setInt("channel", fc.Channel, &cfg.Channel)
	s.setInt("chunk-size", fc.ChunkSize, &cfg.ChunkSize)
	s.setInt("max-chunks", fc.MaxChunks, &cfg.MaxChunks)
	s.setIntPtr("max-reconnects", fc.MaxReconnectAttempts, &cfg.MaxReconnectAttempts)

	for _, d := range []struct {
		flag  string
		value string
		dst   *time.Duration
	}{
		{"discovery-timeout", fc.DiscoveryTimeout, &cfg.DiscoveryTimeout},
		{"establish-timeout", fc.EstablishTimeout, &cfg.EstablishTimeout},
		{"write-timeout", fc.WriteTimeout, &cfg.WriteTimeout},
		{"backoff-initial", fc.BackoffInitial, &cfg.BackoffInitial},
		{"backoff-max", fc.BackoffMax, &cfg.BackoffMax},
	} {
		if err := s.setDuration(d.flag, d.value, d.dst); err != nil {
			return err
		}
	}
	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
