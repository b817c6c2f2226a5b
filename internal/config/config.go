package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
}

// Profile represents a per-profile profile.toml: how to reach the portal
// backend and who the local user is. The engine treats identity as read-only
// input supplied by the portal's session layer.
type Profile struct {
	TransportURL   string `toml:"transport_url"`
	TransportToken string `toml:"transport_token"`

	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
	AvatarURL   string `toml:"avatar_url"`

	TypingExpiryMS       int `toml:"typing_expiry_ms"`
	HeartbeatIntervalSec int `toml:"heartbeat_interval_sec"`
}

// Defaults applied by LoadProfile when the corresponding key is absent.
const (
	DefaultTransportURL      = "nats://127.0.0.1:4222"
	DefaultTypingExpiry      = 1500 * time.Millisecond
	DefaultHeartbeatInterval = 30 * time.Second
)

// TypingExpiry returns the configured typing expiry as a duration.
func (p *Profile) TypingExpiry() time.Duration {
	if p.TypingExpiryMS <= 0 {
		return DefaultTypingExpiry
	}
	return time.Duration(p.TypingExpiryMS) * time.Millisecond
}

// HeartbeatInterval returns the configured presence heartbeat interval.
func (p *Profile) HeartbeatInterval() time.Duration {
	if p.HeartbeatIntervalSec <= 0 {
		return DefaultHeartbeatInterval
	}
	return time.Duration(p.HeartbeatIntervalSec) * time.Second
}

// Load reads the global config from the given path. Returns error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the global config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	return writeTOML(path, cfg)
}

// LoadProfile reads a profile config from the given path and applies defaults.
func LoadProfile(path string) (*Profile, error) {
	var p Profile
	_, err := toml.DecodeFile(path, &p)
	if err != nil {
		return nil, err
	}
	if p.TransportURL == "" {
		p.TransportURL = DefaultTransportURL
	}
	return &p, nil
}

// SaveProfile writes a profile config to the given path.
func SaveProfile(path string, p *Profile) error {
	return writeTOML(path, p)
}

func writeTOML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
