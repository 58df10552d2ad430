// Package config loads the client's persisted settings. Values come from an
// optional YAML file, overridden by GSTREAM_* environment variables.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/chronologos/gstream/internal/identity"
	"github.com/chronologos/gstream/internal/protocol"
)

const (
	defaultConfigName = "gstream"
	uniqueIDFile      = "uniqueid.dat"
)

type Config struct {
	Host       string
	DeviceName string
	// UniqueID identifies this client to the host. When unset, Load reads it
	// from uniqueid.dat in StateDir and generates that file on first use.
	UniqueID string
	MAC      string
	StateDir string

	App     AppConfig
	Video   VideoConfig
	Control ControlConfig
	Ports   Ports
	Input   InputConfig

	// ConnectTimeout bounds each blocking connection stage.
	ConnectTimeout time.Duration

	MetricsAddr string

	// Gamepad holds source-to-component mappings. Empty means the built-in
	// Xbox-style layout.
	Gamepad []GamepadMapping
}

type AppConfig struct {
	Name string
	ID   int
}

type VideoConfig struct {
	Width            int
	Height           int
	FPS              int
	ReorderWindow    time.Duration
	QueueSize        int
	RequestIDROnLoss bool
}

type ControlConfig struct {
	KeepaliveInterval time.Duration
	RecvTimeout       time.Duration
	Transport         string // "tcp" or "quic"
	// HostCertSHA256 pins the host's QUIC certificate, as 64 hex digits.
	HostCertSHA256 string
}

type Ports struct {
	HTTP      int
	Handshake int
	Control   int
	Video     int
	Audio     int
	Input     int
}

type InputConfig struct {
	Encrypt bool
}

// GamepadMapping binds one physical source (an axis or button number on the
// device) to a logical gamepad component.
type GamepadMapping struct {
	Source    string `mapstructure:"source"` // "axis" or "button"
	ID        int    `mapstructure:"id"`
	Component string `mapstructure:"component"`
	Invert    bool   `mapstructure:"invert"`
	Trigger   bool   `mapstructure:"trigger"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration. An empty path searches the working directory and
// $HOME/.config/gstream for gstream.yaml; the file is optional there. An
// explicit path must exist.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(defaultConfigName)
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/gstream")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}
	v.SetEnvPrefix("GSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		return Config{}, err
	}

	if cfg.StateDir == "" {
		if cfg.StateDir, err = defaultStateDir(path); err != nil {
			return Config{}, err
		}
	}
	if cfg.UniqueID == "" {
		if cfg.UniqueID, err = LoadUniqueID(cfg.StateDir); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// defaultStateDir is the directory of an explicit config file, else
// the user config directory.
func defaultStateDir(path string) (string, error) {
	if path != "" {
		return filepath.Dir(path), nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate state dir: %w", err)
	}
	return filepath.Join(dir, defaultConfigName), nil
}

// LoadUniqueID returns the client id kept in dir, creating it on first use.
// The host pairs with this id, so it must survive restarts.
func LoadUniqueID(dir string) (string, error) {
	path := filepath.Join(dir, uniqueIDFile)
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("read unique id: %w", err)
	}

	id, err := identity.NewUniqueID()
	if err != nil {
		return "", fmt.Errorf("generate unique id: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write unique id: %w", err)
	}
	return id, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "")
	v.SetDefault("device_name", "gstream")
	v.SetDefault("unique_id", "")
	v.SetDefault("state_dir", "")
	v.SetDefault("mac", "00:00:00:00:00:00")

	v.SetDefault("app.name", "Steam")
	v.SetDefault("app.id", 0)

	v.SetDefault("video.width", 1280)
	v.SetDefault("video.height", 720)
	v.SetDefault("video.fps", 60)
	v.SetDefault("video.reorder_window", 50*time.Millisecond)
	v.SetDefault("video.queue_size", 15)
	v.SetDefault("video.request_idr_on_loss", true)

	v.SetDefault("control.keepalive_interval", 100*time.Millisecond)
	v.SetDefault("control.recv_timeout", 10*time.Second)
	v.SetDefault("control.transport", "tcp")
	v.SetDefault("control.host_cert_sha256", "")

	v.SetDefault("ports.http", protocol.PortHTTP)
	v.SetDefault("ports.handshake", protocol.PortHandshake)
	v.SetDefault("ports.control", protocol.PortControl)
	v.SetDefault("ports.video", protocol.PortVideo)
	v.SetDefault("ports.audio", protocol.PortAudio)
	v.SetDefault("ports.input", protocol.PortInput)

	v.SetDefault("input.encrypt", false)
	v.SetDefault("connect_timeout", 10*time.Second)
	v.SetDefault("metrics.addr", "")
}

func decode(v *viper.Viper) (Config, error) {
	cfg := Config{
		Host:       strings.TrimSpace(v.GetString("host")),
		DeviceName: strings.TrimSpace(v.GetString("device_name")),
		UniqueID:   strings.TrimSpace(v.GetString("unique_id")),
		MAC:        strings.TrimSpace(v.GetString("mac")),
		StateDir:   strings.TrimSpace(v.GetString("state_dir")),
		App: AppConfig{
			Name: strings.TrimSpace(v.GetString("app.name")),
			ID:   v.GetInt("app.id"),
		},
		Video: VideoConfig{
			Width:            v.GetInt("video.width"),
			Height:           v.GetInt("video.height"),
			FPS:              v.GetInt("video.fps"),
			ReorderWindow:    v.GetDuration("video.reorder_window"),
			QueueSize:        v.GetInt("video.queue_size"),
			RequestIDROnLoss: v.GetBool("video.request_idr_on_loss"),
		},
		Control: ControlConfig{
			KeepaliveInterval: v.GetDuration("control.keepalive_interval"),
			RecvTimeout:       v.GetDuration("control.recv_timeout"),
			Transport:         strings.ToLower(strings.TrimSpace(v.GetString("control.transport"))),
			HostCertSHA256:    strings.ToLower(strings.TrimSpace(v.GetString("control.host_cert_sha256"))),
		},
		Ports: Ports{
			HTTP:      v.GetInt("ports.http"),
			Handshake: v.GetInt("ports.handshake"),
			Control:   v.GetInt("ports.control"),
			Video:     v.GetInt("ports.video"),
			Audio:     v.GetInt("ports.audio"),
			Input:     v.GetInt("ports.input"),
		},
		Input:          InputConfig{Encrypt: v.GetBool("input.encrypt")},
		ConnectTimeout: v.GetDuration("connect_timeout"),
		MetricsAddr:    strings.TrimSpace(v.GetString("metrics.addr")),
	}
	if err := v.UnmarshalKey("gamepad.mappings", &cfg.Gamepad); err != nil {
		return Config{}, fmt.Errorf("decode gamepad.mappings: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges. It does not require Host, which only the streaming
// commands need.
func (c Config) Validate() error {
	for name, port := range map[string]int{
		"ports.http":      c.Ports.HTTP,
		"ports.handshake": c.Ports.Handshake,
		"ports.control":   c.Ports.Control,
		"ports.video":     c.Ports.Video,
		"ports.audio":     c.Ports.Audio,
		"ports.input":     c.Ports.Input,
	} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid %s %d", name, port)
		}
	}
	if c.DeviceName == "" {
		return fmt.Errorf("device_name must not be empty")
	}
	if c.Video.Width <= 0 || c.Video.Height <= 0 || c.Video.Width > 65535 || c.Video.Height > 65535 {
		return fmt.Errorf("invalid video resolution %dx%d", c.Video.Width, c.Video.Height)
	}
	if c.Video.FPS <= 0 || c.Video.FPS > 1000 {
		return fmt.Errorf("invalid video.fps %d", c.Video.FPS)
	}
	if c.Video.ReorderWindow <= 0 {
		return fmt.Errorf("video.reorder_window must be positive")
	}
	if c.Video.QueueSize < 1 {
		return fmt.Errorf("video.queue_size must be at least 1")
	}
	if c.Control.KeepaliveInterval <= 0 {
		return fmt.Errorf("control.keepalive_interval must be positive")
	}
	if c.Control.RecvTimeout < c.Control.KeepaliveInterval {
		return fmt.Errorf("control.recv_timeout %v shorter than keepalive interval %v",
			c.Control.RecvTimeout, c.Control.KeepaliveInterval)
	}
	switch c.Control.Transport {
	case "tcp", "quic":
	default:
		return fmt.Errorf("control.transport must be tcp or quic, got %q", c.Control.Transport)
	}
	if pin := c.Control.HostCertSHA256; pin != "" {
		if b, err := hex.DecodeString(pin); err != nil || len(b) != sha256.Size {
			return fmt.Errorf("control.host_cert_sha256 must be %d hex digits", 2*sha256.Size)
		}
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	for i, m := range c.Gamepad {
		if m.Source != "axis" && m.Source != "button" {
			return fmt.Errorf("gamepad.mappings[%d]: source must be axis or button, got %q", i, m.Source)
		}
		if m.Component == "" {
			return fmt.Errorf("gamepad.mappings[%d]: component must not be empty", i)
		}
	}
	return nil
}
