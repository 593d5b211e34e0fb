// Package config loads wsbot configuration from a YAML file and the
// environment and maps it onto ws.Options.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ianic/xnet/internal/logging"
	"github.com/ianic/xnet/ws"
)

const (
	EnvToken = "WSBOT_TOKEN"
	EnvURL   = "WSBOT_URL"

	DefaultListen    = "localhost:9001"
	DefaultReadLimit = 32 << 20
)

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	// Gateway uri used by dial, ws:// or wss://.
	URL string `yaml:"url"`
	// Bearer token sent in the Authorization header.
	Token        string            `yaml:"token"`
	Origin       string            `yaml:"origin"`
	Headers      map[string]string `yaml:"headers"`
	Subprotocols []string          `yaml:"subprotocols"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	CloseTimeout     time.Duration `yaml:"close_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	ReadLimit        int64         `yaml:"read_limit"`

	// Listen address of the echo server.
	Listen string `yaml:"listen"`

	Log Log `yaml:"log"`
}

func Default() Config {
	return Config{
		HandshakeTimeout: 15 * time.Second,
		WriteTimeout:     15 * time.Second,
		CloseTimeout:     5 * time.Second,
		ReadLimit:        DefaultReadLimit,
		Listen:           DefaultListen,
		Log:              Log{Level: "info", Format: "text"},
	}
}

// DefaultPath is $XDG_CONFIG_HOME/wsbot/config.yaml, or
// ~/.config/wsbot/config.yaml.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "wsbot", "config.yaml")
}

// Load reads configuration file at path over the defaults and applies
// environment overrides. Empty path means DefaultPath, which may be
// missing.
func Load(path string) (Config, error) {
	cfg := Default()
	optional := path == ""
	if optional {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case optional && errors.Is(err, fs.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvToken); v != "" {
		c.Token = v
	}
	if v := os.Getenv(EnvURL); v != "" {
		c.URL = v
	}
}

func (c Config) Validate() error {
	if c.ReadLimit < 0 {
		return errors.New("read_limit must not be negative")
	}
	for _, d := range []time.Duration{c.HandshakeTimeout, c.WriteTimeout, c.CloseTimeout, c.PingInterval} {
		if d < 0 {
			return errors.New("timeouts must not be negative")
		}
	}
	return nil
}

// Header returns extra handshake headers, including bearer token
// authorization.
func (c Config) Header() http.Header {
	h := make(http.Header, len(c.Headers)+1)
	for k, v := range c.Headers {
		h.Set(k, v)
	}
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	return h
}

func (c Config) Logger() *slog.Logger {
	return logging.New(logging.Config{
		Level:  logging.ParseLevel(c.Log.Level),
		Format: logging.ParseFormat(c.Log.Format),
	})
}

// Options maps configuration onto connection options.
func (c Config) Options(logger *slog.Logger) ws.Options {
	return ws.Options{
		Header:           c.Header(),
		Origin:           c.Origin,
		Subprotocols:     c.Subprotocols,
		HandshakeTimeout: c.HandshakeTimeout,
		WriteTimeout:     c.WriteTimeout,
		CloseTimeout:     c.CloseTimeout,
		PingInterval:     c.PingInterval,
		ReadLimit:        c.ReadLimit,
		Logger:           logger,
	}
}
