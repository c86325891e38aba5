package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.ridelink/config.toml.
type Config struct {
	DefaultProfile string   `toml:"default_profile"`
	Server         Server   `toml:"server"`
	Realtime       Realtime `toml:"realtime"`
}

// Server holds the collaborator endpoints.
type Server struct {
	RESTBaseURL string `toml:"rest_base_url"`
	WSURL       string `toml:"ws_url"`
}

// Realtime holds the tunables of the realtime core. All intervals are
// in milliseconds.
type Realtime struct {
	HeartbeatIntervalMs int `toml:"heartbeat_interval_ms"`
	BackoffFloorMs      int `toml:"backoff_floor_ms"`
	BackoffCeilingMs    int `toml:"backoff_ceiling_ms"`
	SnapshotIntervalMs  int `toml:"snapshot_interval_ms"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			RESTBaseURL: "http://localhost:3000",
			WSURL:       "ws://localhost:3000",
		},
		Realtime: Realtime{
			HeartbeatIntervalMs: 30_000,
			BackoffFloorMs:      1_000,
			BackoffCeilingMs:    30_000,
			SnapshotIntervalMs:  5_000,
		},
	}
}

// Load reads config from the given path, filling unset realtime fields
// with defaults. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads config from path, falling back to Default when
// the file does not exist.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (r Realtime) HeartbeatInterval() time.Duration {
	return time.Duration(r.HeartbeatIntervalMs) * time.Millisecond
}

// BackoffFloor returns the initial reconnect delay as a duration.
func (r Realtime) BackoffFloor() time.Duration {
	return time.Duration(r.BackoffFloorMs) * time.Millisecond
}

// BackoffCeiling returns the maximum reconnect delay as a duration.
func (r Realtime) BackoffCeiling() time.Duration {
	return time.Duration(r.BackoffCeilingMs) * time.Millisecond
}

// SnapshotInterval returns the REST snapshot poll period as a duration.
func (r Realtime) SnapshotInterval() time.Duration {
	return time.Duration(r.SnapshotIntervalMs) * time.Millisecond
}
