package config

import "os"

// ApplyEnvConfig applies configuration from environment variables (BTNOTIFY_*).
// It respects flags that have been explicitly set (changed map).
// Returns error if any environment variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("state-dir", os.Getenv("BTNOTIFY_STATE_DIR"), &cfg.StateDir)
	s.setString("log-level", os.Getenv("BTNOTIFY_LOG_LEVEL"), &cfg.LogLevel)
	s.setString("log-format", os.Getenv("BTNOTIFY_LOG_FORMAT"), &cfg.LogFormat)
	s.setString("service-name", os.Getenv("BTNOTIFY_SERVICE_NAME"), &cfg.ServiceName)
	s.setString("service-uuid", os.Getenv("BTNOTIFY_SERVICE_UUID"), &cfg.ServiceUUID)

	if err := s.setIntFromString("channel", os.Getenv("BTNOTIFY_CHANNEL"), &cfg.Channel, false); err != nil {
		return err
	}
	if err := s.setIntFromString("chunk-size", os.Getenv("BTNOTIFY_CHUNK_SIZE"), &cfg.ChunkSize, false); err != nil {
		return err
	}
	if err := s.setIntFromString("max-chunks", os.Getenv("BTNOTIFY_MAX_CHUNKS"), &cfg.MaxChunks, false); err != nil {
		return err
	}
	if err := s.setIntFromString("max-reconnects", os.Getenv("BTNOTIFY_MAX_RECONNECTS"), &cfg.MaxReconnectAttempts, true); err != nil {
		return err
	}

	if err := s.setDuration("discovery-timeout", os.Getenv("BTNOTIFY_DISCOVERY_TIMEOUT"), &cfg.DiscoveryTimeout); err != nil {
		return err
	}
	if err := s.setDuration("establish-timeout", os.Getenv("BTNOTIFY_ESTABLISH_TIMEOUT"), &cfg.EstablishTimeout); err != nil {
		return err
	}
	if err := s.setDuration("write-timeout", os.Getenv("BTNOTIFY_WRITE_TIMEOUT"), &cfg.WriteTimeout); err != nil {
		return err
	}
	if err := s.setDuration("backoff-initial", os.Getenv("BTNOTIFY_BACKOFF_INITIAL"), &cfg.BackoffInitial); err != nil {
		return err
	}
	if err := s.setDuration("backoff-max", os.Getenv("BTNOTIFY_BACKOFF_MAX"), &cfg.BackoffMax); err != nil {
		return err
	}

	return nil
}
