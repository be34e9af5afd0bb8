// Package config loads the command line configuration from defaults, a TOML
// or YAML file, BTNOTIFY_* environment variables and flags, in increasing
// order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"bluetooth-notify/internal/bt"
	"bluetooth-notify/internal/frame"
)

// DirName is the per-user directory holding the config file and state.
const DirName = ".bluetooth-notify"

// Config holds CLI configuration.
type Config struct {
	StateDir string

	LogLevel  string
	LogFormat string

	ServiceName string
	ServiceUUID string
	Channel     int

	ChunkSize int
	MaxChunks int

	DiscoveryTimeout time.Duration
	EstablishTimeout time.Duration
	WriteTimeout     time.Duration

	MaxReconnectAttempts int
	BackoffInitial       time.Duration
	BackoffMax           time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		StateDir:             "", // Derived from the home directory during Validate
		LogLevel:             "info",
		LogFormat:            "console",
		ServiceName:          bt.ServiceName,
		ServiceUUID:          bt.ServiceUUID.String(),
		Channel:              int(bt.DefaultRFCOMMChannel),
		ChunkSize:            frame.DefaultChunkSize,
		MaxChunks:            frame.DefaultMaxChunks,
		DiscoveryTimeout:     30 * time.Second,
		EstablishTimeout:     30 * time.Second,
		WriteTimeout:         10 * time.Second,
		MaxReconnectAttempts: 10,
		BackoffInitial:       500 * time.Millisecond,
		BackoffMax:           10 * time.Second,
	}
}

// Validate checks the configuration for errors and sets derived defaults.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("state-dir is required: %w", err)
		}
		c.StateDir = filepath.Join(h, DirName)
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log format must be console or json, got %q", c.LogFormat)
	}

	if c.ServiceName == "" {
		c.ServiceName = bt.ServiceName
	}
	if _, err := uuid.Parse(c.ServiceUUID); err != nil {
		return fmt.Errorf("service uuid: %w", err)
	}
	if c.Channel < 1 || c.Channel > 30 {
		return fmt.Errorf("rfcomm channel must be in 1..30, got %d", c.Channel)
	}
	if c.ChunkSize < 1 || c.ChunkSize > frame.MaxChunkSize {
		return fmt.Errorf("chunk size must be in 1..%d, got %d", frame.MaxChunkSize, c.ChunkSize)
	}
	if c.MaxChunks < 1 {
		return fmt.Errorf("max chunks must be positive, got %d", c.MaxChunks)
	}

	if c.DiscoveryTimeout <= 0 {
		return fmt.Errorf("discovery timeout must be positive")
	}
	if c.EstablishTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must not be negative")
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("backoff must satisfy 0 < initial <= max")
	}
	return nil
}

// Service returns the rendezvous service. Call after Validate.
func (c Config) Service() bt.Service {
	return bt.Service{
		Name:    c.ServiceName,
		UUID:    uuid.MustParse(c.ServiceUUID),
		Channel: uint8(c.Channel),
	}
}

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt sets an int value if positive and flag not changed.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setIntPtr sets an int value from a pointer, allowing zero.
func (s *configSetter) setIntPtr(flag string, value *int, dst *int) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setIntFromString parses a string to int and sets the destination if valid.
// Zero is accepted when allowZero is set.
func (s *configSetter) setIntFromString(flag, value string, dst *int, allowZero bool) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i < 0 || (i == 0 && !allowZero) {
		return nil
	}
	*dst = i
	return nil
}
