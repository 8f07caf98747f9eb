package config

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/hotswap/internal/core/binding"
	"github.com/zeusync/hotswap/internal/core/observability/log"
)

var ErrInvalid = errors.New("config: invalid")

// Config is the host configuration, usually read from a YAML file.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Modules   ModulesConfig   `yaml:"modules"`
	Bindings  BindingsConfig  `yaml:"bindings"`
	Transport TransportConfig `yaml:"transport"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type ModulesConfig struct {
	SearchPaths []string      `yaml:"search_paths"`
	StagingDir  string        `yaml:"staging_dir"`
	Watch       bool          `yaml:"watch"`
	Debounce    time.Duration `yaml:"debounce"`
	Parallelism int           `yaml:"parallelism"`
	// Load lists module names or paths loaded at startup, in any order.
	Load []string `yaml:"load"`
}

type BindingsConfig struct {
	RecycleCapacity int `yaml:"recycle_capacity"`
}

type TransportConfig struct {
	WebSocket      WebSocketConfig `yaml:"websocket"`
	QUIC           QUICConfig      `yaml:"quic"`
	MaxPayloadSize int             `yaml:"max_payload_size"`
}

type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

type QUICConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level: "info",
		},
		Modules: ModulesConfig{
			SearchPaths: []string{"modules"},
			StagingDir:  filepath.Join(os.TempDir(), "hotswap-staging"),
			Debounce:    250 * time.Millisecond,
			Parallelism: 4,
		},
		Bindings: BindingsConfig{
			RecycleCapacity: binding.DefaultRecycleCapacity,
		},
		Transport: TransportConfig{
			WebSocket: WebSocketConfig{
				Addr: ":8080",
				Path: "/ws",
			},
			QUIC: QUICConfig{
				Addr: ":8443",
			},
			MaxPayloadSize: 64 << 10,
		},
	}
}

// Load reads and validates the YAML file at path on top of Default.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "open config")
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// Parse decodes YAML from r on top of Default and validates the result.
func Parse(r io.Reader) (Config, error) {
	c := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return errors.Wrapf(ErrInvalid, "log.level %q", c.Log.Level)
	}
	if c.Modules.Watch && c.Modules.StagingDir == "" {
		return errors.Wrap(ErrInvalid, "modules.watch needs modules.staging_dir")
	}
	if c.Modules.Debounce < 0 {
		return errors.Wrap(ErrInvalid, "modules.debounce must not be negative")
	}
	if c.Bindings.RecycleCapacity < 0 {
		return errors.Wrap(ErrInvalid, "bindings.recycle_capacity must not be negative")
	}
	if c.Transport.MaxPayloadSize <= 0 {
		return errors.Wrap(ErrInvalid, "transport.max_payload_size must be positive")
	}
	if c.Transport.WebSocket.Enabled && c.Transport.WebSocket.Addr == "" {
		return errors.Wrap(ErrInvalid, "transport.websocket.addr is required")
	}
	if c.Transport.QUIC.Enabled && c.Transport.QUIC.Addr == "" {
		return errors.Wrap(ErrInvalid, "transport.quic.addr is required")
	}
	return nil
}

// Level is the parsed log level.
func (c *Config) Level() log.Level {
	return log.ParseLevel(c.Log.Level)
}
