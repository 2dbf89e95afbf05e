package rdpserver

import (
	"fmt"
	"net"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the per-user backend's TOML configuration, per spec.md §6's
// "Backend configuration" table.
type Config struct {
	Bind      string          `toml:"bind"`
	CertPath  string          `toml:"cert_path"`
	KeyPath   string          `toml:"key_path"`
	Capture   CaptureConfig   `toml:"capture"`
	Encode    EncodeConfig    `toml:"encode"`
	Clipboard ClipboardConfig `toml:"clipboard"`
	Audio     AudioConfig     `toml:"audio"`
	Auth      AuthConfig      `toml:"auth"`
}

type CaptureConfig struct {
	FPS             int  `toml:"fps"`
	ChannelCapacity int  `toml:"channel_capacity"`
	MultiMonitor    bool `toml:"multi_monitor"`
	SwapColors      bool `toml:"swap_colors"`
}

type EncodeConfig struct {
	Encoder string `toml:"encoder"`
	Preset  string `toml:"preset"`
	Bitrate uint32 `toml:"bitrate"`
}

type ClipboardConfig struct {
	Enable bool `toml:"enable"`
}

type AudioConfig struct {
	Enable     bool   `toml:"enable"`
	SampleRate uint32 `toml:"sample_rate"`
	Channels   uint16 `toml:"channels"`
}

type AuthConfig struct {
	Enable   bool   `toml:"enable"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Domain   string `toml:"domain"`
}

// DefaultConfig returns the documented backend defaults from spec.md §6.
func DefaultConfig() Config {
	return Config{
		Bind: "127.0.0.1:3390",
		Capture: CaptureConfig{
			FPS:             30,
			ChannelCapacity: 4,
			MultiMonitor:    false,
			SwapColors:      false,
		},
		Encode: EncodeConfig{
			Encoder: "auto",
			Preset:  "low-latency",
			Bitrate: 8_000_000,
		},
		Clipboard: ClipboardConfig{Enable: true},
		Audio: AudioConfig{
			Enable:     false,
			SampleRate: 48000,
			Channels:   2,
		},
		Auth: AuthConfig{Enable: true},
	}
}

// LoadConfig reads a TOML file at path over the defaults. A missing file
// is not an error.
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
		return cfg, fmt.Errorf("read backend config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse backend config: %w", err)
	}
	return cfg, nil
}

// ValidateSecurityGate enforces spec.md §6's security gate: when
// auth.enable is false, the backend must refuse to bind any non-loopback
// address. Re-run this after every config reload.
func (c Config) ValidateSecurityGate() error {
	if c.Auth.Enable {
		return nil
	}
	host, _, err := net.SplitHostPort(c.Bind)
	if err != nil {
		return fmt.Errorf("invalid bind address %q: %w", c.Bind, err)
	}
	if host == "" {
		return fmt.Errorf("refusing to bind wildcard address %q with auth disabled", c.Bind)
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("refusing to bind non-loopback address %q with auth disabled", c.Bind)
	}
	return nil
}
