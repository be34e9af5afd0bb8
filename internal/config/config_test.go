package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-notify/internal/bt"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "bad uuid", mutate: func(c *Config) { c.ServiceUUID = "not-a-uuid" }, wantErr: "service uuid"},
		{name: "bad level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "log level"},
		{name: "bad format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "log format"},
		{name: "channel", mutate: func(c *Config) { c.Channel = 31 }, wantErr: "rfcomm channel"},
		{name: "chunk size", mutate: func(c *Config) { c.ChunkSize = 0 }, wantErr: "chunk size"},
		{name: "max chunks", mutate: func(c *Config) { c.MaxChunks = 0 }, wantErr: "max chunks"},
		{name: "discovery", mutate: func(c *Config) { c.DiscoveryTimeout = 0 }, wantErr: "discovery timeout"},
		{name: "backoff", mutate: func(c *Config) { c.BackoffMax = time.Millisecond }, wantErr: "backoff"},
		{name: "unlimited reconnects", mutate: func(c *Config) { c.MaxReconnectAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.StateDir = t.TempDir()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateDerivesStateDir(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DirName, filepath.Base(cfg.StateDir))
}

func TestService(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateDir = t.TempDir()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, bt.DefaultService(), cfg.Service())
}

func TestApplyFileConfig(t *testing.T) {
	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(`
log_level = "debug"
chunk_size = 512
discovery_timeout = "5s"
max_reconnect_attempts = 0
`), 0o600))
	yamlPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
log_level: warn
channel: 5
backoff_max: 1m
`), 0o600))

	fc, err := LoadFileConfig(tomlPath)
	require.NoError(t, err)
	cfg := DefaultConfig()
	require.NoError(t, ApplyFileConfig(&cfg, fc, map[string]bool{"chunk-size": true}))
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, DefaultConfig().ChunkSize, cfg.ChunkSize, "flag wins over file")
	assert.Equal(t, 5*time.Second, cfg.DiscoveryTimeout)
	assert.Equal(t, 0, cfg.MaxReconnectAttempts)

	fc, err = LoadFileConfig(yamlPath)
	require.NoError(t, err)
	cfg = DefaultConfig()
	require.NoError(t, ApplyFileConfig(&cfg, fc, nil))
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 5, cfg.Channel)
	assert.Equal(t, time.Minute, cfg.BackoffMax)
	assert.Equal(t, 10, cfg.MaxReconnectAttempts, "absent key keeps the default")
}

func TestApplyFileConfigErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(bad, []byte("log_level = "), 0o600))
	_, err := LoadFileConfig(bad)
	assert.Error(t, err)

	cfg := DefaultConfig()
	err = ApplyFileConfig(&cfg, FileConfig{WriteTimeout: "soon"}, nil)
	assert.ErrorContains(t, err, "write-timeout")
}

func TestApplyEnvConfig(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		changed map[string]bool
		check   func(*testing.T, Config)
		wantErr bool
	}{
		{
			name: "applies env vars",
			envVars: map[string]string{
				"BTNOTIFY_STATE_DIR":         "/env/state",
				"BTNOTIFY_LOG_FORMAT":        "json",
				"BTNOTIFY_CHUNK_SIZE":        "100",
				"BTNOTIFY_MAX_CHUNKS":        "64",
				"BTNOTIFY_MAX_RECONNECTS":    "0",
				"BTNOTIFY_ESTABLISH_TIMEOUT": "2s",
			},
			check: func(t *testing.T, c Config) {
				assert.Equal(t, "/env/state", c.StateDir)
				assert.Equal(t, "json", c.LogFormat)
				assert.Equal(t, 100, c.ChunkSize)
				assert.Equal(t, 64, c.MaxChunks)
				assert.Equal(t, 0, c.MaxReconnectAttempts)
				assert.Equal(t, 2*time.Second, c.EstablishTimeout)
			},
		},
		{
			name:    "respects changed flags",
			envVars: map[string]string{"BTNOTIFY_LOG_LEVEL": "trace"},
			changed: map[string]bool{"log-level": true},
			check: func(t *testing.T, c Config) {
				assert.Equal(t, "info", c.LogLevel)
			},
		},
		{
			name:    "invalid duration",
			envVars: map[string]string{"BTNOTIFY_BACKOFF_MAX": "forever"},
			wantErr: true,
		},
		{
			name:    "invalid int",
			envVars: map[string]string{"BTNOTIFY_CHANNEL": "one"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			cfg := DefaultConfig()
			err := ApplyEnvConfig(&cfg, tt.changed)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "json")
	log.Info().Str("device", "phone").Msg("connected")
	assert.Contains(t, buf.String(), `"device":"phone"`)
	assert.Contains(t, buf.String(), `"message":"connected"`)

	_, err := ParseLevel("loud")
	assert.Error(t, err)
	l, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, l)
}
