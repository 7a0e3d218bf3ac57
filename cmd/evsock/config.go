package main

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// settings is the resolved command configuration.
type settings struct {
	Headers       map[string]string
	Addr          string
	Origin        string
	LogLevel      string
	OpenTimeout   time.Duration
	MaxReconnects int
	Lenient       bool
	Gorilla       bool
	Verbose       bool
}

func defaultSettings() settings {
	return settings{
		Addr:        "ws://localhost:8080/ws",
		LogLevel:    "info",
		OpenTimeout: 30 * time.Second,
	}
}

// evsock config.toml keys.
type fileConfig struct {
	Headers       map[string]string `toml:"headers"`
	Addr          string            `toml:"addr"`
	Origin        string            `toml:"origin"`
	LogLevel      string            `toml:"log_level"`
	OpenTimeout   string            `toml:"open_timeout"`
	MaxReconnects int               `toml:"max_reconnects"`
	Lenient       bool              `toml:"lenient"`
	Gorilla       bool              `toml:"gorilla"`
	Verbose       bool              `toml:"verbose"`
}

// loadSettings overlays the TOML file at path on the defaults. An empty path
// yields the defaults.
func loadSettings(path string) (settings, error) {
	cfg := defaultSettings()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return settings{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return settings{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("origin") {
		cfg.Origin = strings.TrimSpace(raw.Origin)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("open_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.OpenTimeout))
		if err != nil {
			return settings{}, fmt.Errorf("load config: open_timeout: %w", err)
		}
		cfg.OpenTimeout = d
	}
	if meta.IsDefined("max_reconnects") {
		cfg.MaxReconnects = raw.MaxReconnects
	}
	if meta.IsDefined("lenient") {
		cfg.Lenient = raw.Lenient
	}
	if meta.IsDefined("gorilla") {
		cfg.Gorilla = raw.Gorilla
	}
	if meta.IsDefined("verbose") {
		cfg.Verbose = raw.Verbose
	}
	if meta.IsDefined("headers") {
		cfg.Headers = raw.Headers
	}
	return cfg, nil
}

// flagValues holds the command-line flags before they are merged.
type flagValues struct {
	config        string
	addr          string
	origin        string
	logLevel      string
	maxReconnects int
	lenient       bool
	gorilla       bool
	verbose       bool
}

func registerFlags(fs *flag.FlagSet) *flagValues {
	d := defaultSettings()
	v := &flagValues{}
	fs.StringVar(&v.config, "config", "", "Path to a TOML config file")
	fs.StringVar(&v.addr, "addr", d.Addr, "WebSocket endpoint (ws:// or wss://)")
	fs.StringVar(&v.origin, "origin", "", "HTTP(S) address to derive the endpoint from; overrides -addr")
	fs.StringVar(&v.logLevel, "log-level", d.LogLevel, "Log level: debug, info, warn, error")
	fs.IntVar(&v.maxReconnects, "max-reconnects", 0, "Give up after this many failed reconnects (0 = never)")
	fs.BoolVar(&v.lenient, "lenient", false, "Accept non-JSON messages")
	fs.BoolVar(&v.gorilla, "gorilla", false, "Use the gorilla/websocket transport")
	fs.BoolVar(&v.verbose, "verbose", false, "Log every inbound event")
	return v
}

// apply copies the flags that were set explicitly on the command line, so
// they win over the config file.
func (v *flagValues) apply(fs *flag.FlagSet, cfg *settings) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = v.addr
		case "origin":
			cfg.Origin = v.origin
		case "log-level":
			cfg.LogLevel = v.logLevel
		case "max-reconnects":
			cfg.MaxReconnects = v.maxReconnects
		case "lenient":
			cfg.Lenient = v.lenient
		case "gorilla":
			cfg.Gorilla = v.gorilla
		case "verbose":
			cfg.Verbose = v.verbose
		default:
		}
	})
}

// parseSettings resolves defaults, config file and flags, in that order.
func parseSettings(fs *flag.FlagSet, args []string) (settings, error) {
	v := registerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return settings{}, err
	}
	cfg, err := loadSettings(v.config)
	if err != nil {
		return settings{}, err
	}
	v.apply(fs, &cfg)

	if cfg.MaxReconnects < 0 {
		return settings{}, errors.New("max-reconnects must not be negative")
	}
	if cfg.OpenTimeout <= 0 {
		return settings{}, errors.New("open_timeout must be positive")
	}
	return cfg, nil
}
