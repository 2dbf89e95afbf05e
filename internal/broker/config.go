package broker

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// SessionPolicy controls what happens when a client reconnects while an
// entry already exists for the target username.
type SessionPolicy string

const (
	PolicyOnePerUser      SessionPolicy = "OnePerUser"
	PolicyReplaceExisting SessionPolicy = "ReplaceExisting"
)

// Config is the broker's TOML configuration, per spec.md §6. Unknown keys
// are ignored by go-toml/v2's default decode behavior.
type Config struct {
	Bind            string        `toml:"bind"`
	ServerBinary    string        `toml:"server_binary"`
	PortRangeStart  uint16        `toml:"port_range_start"`
	PortRangeEnd    uint16        `toml:"port_range_end"`
	IdleTimeoutSecs int           `toml:"idle_timeout_secs"`
	MaxSessions     int           `toml:"max_sessions"`
	SessionPolicy   SessionPolicy `toml:"session_policy"`
	StateFile       string        `toml:"state_file"`
	CertPath        string        `toml:"cert_path"`
	KeyPath         string        `toml:"key_path"`
}

// DefaultConfig returns the documented defaults from spec.md §6.
func DefaultConfig() Config {
	return Config{
		Bind:            "0.0.0.0:3389",
		ServerBinary:    "/usr/bin/rdpserver",
		PortRangeStart:  3390,
		PortRangeEnd:    3489,
		IdleTimeoutSecs: 3600,
		MaxSessions:     100,
		SessionPolicy:   PolicyOnePerUser,
		StateFile:       "/var/lib/rdpd/sessions.json",
	}
}

// LoadConfig reads a TOML file at path over the defaults. A missing file
// is not an error: the broker runs entirely on defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read broker config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse broker config: %w", err)
	}
	return cfg, nil
}
