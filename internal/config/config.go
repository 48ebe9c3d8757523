// Package config loads the termclient configuration: defaults, then a TOML
// file, then DUALTERM_* environment variables. Command line flags are
// applied on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/remote-agent-terminal/dualterm/internal/model"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DUALTERM_"

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full client configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Session   SessionConfig   `toml:"session"`
	Retry     RetryConfig     `toml:"retry"`
	Socket    SocketConfig    `toml:"socket"`
	Broker    BrokerConfig    `toml:"broker"`
	History   HistoryConfig   `toml:"history"`
	Recording RecordingConfig `toml:"recording"`
	Log       LogConfig       `toml:"log"`
	Stub      StubConfig      `toml:"stub"`
}

// ServerConfig addresses the terminal server.
type ServerConfig struct {
	BaseURL           string   `toml:"base_url"`
	PageURL           string   `toml:"page_url"`
	NegotiatePath     string   `toml:"negotiate_path"`
	TerminalPath      string   `toml:"terminal_path"`
	BrokerConnectPath string   `toml:"broker_connect_path"`
	NegotiateTimeout  Duration `toml:"negotiate_timeout"`
}

// SessionConfig controls the terminal session.
type SessionConfig struct {
	Mode       string   `toml:"mode"`
	Agent      string   `toml:"agent"`
	KeepAlive  Duration `toml:"keepalive"`
	Grace      Duration `toml:"grace"`
	Scrollback int      `toml:"scrollback"`
	DetachKey  string   `toml:"detach_key"`
}

// RetryConfig bounds socket reconnection.
type RetryConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
}

// SocketConfig tunes the WebSocket transport.
type SocketConfig struct {
	OpenTimeout Duration `toml:"open_timeout"`
}

// BrokerConfig tunes the MQTT transport.
type BrokerConfig struct {
	OpenTimeout Duration `toml:"open_timeout"`
	Namespace   string   `toml:"namespace"`
}

// HistoryConfig controls the sqlite connection history.
type HistoryConfig struct {
	Enabled bool   `toml:"enabled"`
	DBPath  string `toml:"db_path"`
	Keep    int    `toml:"keep"`
}

// RecordingConfig controls asciinema recording.
type RecordingConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// LogConfig controls the client log.
type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// StubConfig configures `termclient stub`.
type StubConfig struct {
	Addr          string `toml:"addr"`
	Mode          string `toml:"mode"`
	Agent         string `toml:"agent"`
	BrokerAddress string `toml:"broker_address"`
	Prompt        string `toml:"prompt"`
	Shell         string `toml:"shell"`
}

// Dir returns the directory holding the default config, log and history.
func Dir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".dualterm")
	}
	return ".dualterm"
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.toml")
}

// Default returns the built-in configuration.
func Default() Config {
	dir := Dir()
	return Config{
		Server: ServerConfig{
			BaseURL:           "http://localhost:8080",
			NegotiatePath:     "/admin/api/terminal/info",
			TerminalPath:      "/admin/ws/terminal",
			BrokerConnectPath: "/admin/api/terminal/mqtt/connect",
			NegotiateTimeout:  Duration{5 * time.Second},
		},
		Session: SessionConfig{
			KeepAlive:  Duration{30 * time.Second},
			Grace:      Duration{2 * time.Second},
			Scrollback: 64 * 1024,
			DetachKey:  "ctrl-]",
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   Duration{time.Second},
			MaxDelay:    Duration{30 * time.Second},
		},
		Socket: SocketConfig{OpenTimeout: Duration{10 * time.Second}},
		Broker: BrokerConfig{OpenTimeout: Duration{15 * time.Second}, Namespace: "uranus"},
		History: HistoryConfig{
			Enabled: true,
			DBPath:  filepath.Join(dir, "history.db"),
			Keep:    500,
		},
		Recording: RecordingConfig{Dir: filepath.Join(dir, "casts")},
		Log: LogConfig{
			Level: "info",
			File:  filepath.Join(dir, "client.log"),
		},
		Stub: StubConfig{
			Addr:   "127.0.0.1:8080",
			Mode:   "socket",
			Agent:  "local",
			Prompt: "$ ",
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path reads DefaultPath if it exists.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	meta, err := toml.DecodeFile(path, &cfg)
	switch {
	case err == nil:
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return Config{}, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	case !explicit && errors.Is(err, fs.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv applies DUALTERM_* overrides found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"BASE_URL":         &c.Server.BaseURL,
		"PAGE_URL":         &c.Server.PageURL,
		"MODE":             &c.Session.Mode,
		"AGENT":            &c.Session.Agent,
		"BROKER_NAMESPACE": &c.Broker.Namespace,
		"HISTORY_DB":       &c.History.DBPath,
		"RECORD_DIR":       &c.Recording.Dir,
		"LOG_LEVEL":        &c.Log.Level,
		"LOG_FILE":         &c.Log.File,
		"STUB_ADDR":        &c.Stub.Addr,
		"STUB_BROKER":      &c.Stub.BrokerAddress,
		"STUB_SHELL":       &c.Stub.Shell,
	}
	for name, dst := range str {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	durations := map[string]*Duration{
		"KEEPALIVE":    &c.Session.KeepAlive,
		"GRACE":        &c.Session.Grace,
		"RETRY_DELAY":  &c.Retry.BaseDelay,
		"OPEN_TIMEOUT": &c.Socket.OpenTimeout,
	}
	for name, dst := range durations {
		if v, ok := lookup(EnvPrefix + name); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("parse %s%s: %w", EnvPrefix, name, err)
			}
		}
	}

	bools := map[string]*bool{
		"HISTORY": &c.History.Enabled,
		"RECORD":  &c.Recording.Enabled,
	}
	for name, dst := range bools {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("parse %s%s: %w", EnvPrefix, name, err)
			}
			*dst = b
		}
	}

	if v, ok := lookup(EnvPrefix + "RETRY_MAX"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %sRETRY_MAX: %w", EnvPrefix, err)
		}
		c.Retry.MaxAttempts = n
	}
	return nil
}

// Validate checks values the client cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.BaseURL) == "" {
		return errors.New("config: server.base_url is required")
	}
	if c.Session.Mode != "" {
		if _, ok := model.ParseTransportKind(c.Session.Mode); !ok {
			return fmt.Errorf("config: session.mode: %w: %q", model.ErrUnknownMode, c.Session.Mode)
		}
	}
	if c.Retry.MaxAttempts < 0 {
		return errors.New("config: retry.max_attempts must not be negative")
	}
	if c.Retry.BaseDelay.Duration <= 0 || c.Retry.MaxDelay.Duration < c.Retry.BaseDelay.Duration {
		return errors.New("config: retry delays must be positive and base_delay <= max_delay")
	}
	if c.Session.KeepAlive.Duration <= 0 {
		return errors.New("config: session.keepalive must be positive")
	}
	key, err := ParseKey(c.Session.DetachKey)
	if err != nil {
		return fmt.Errorf("config: session.detach_key: %w", err)
	}
	if key == 0x03 || key == '\r' {
		return fmt.Errorf("config: session.detach_key %q is needed by the remote shell", c.Session.DetachKey)
	}
	return nil
}

// ParseKey parses a key such as "ctrl-]" or "ctrl-q" into its byte.
// "none" and the empty string yield zero.
func ParseKey(s string) (byte, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "none" {
		return 0, nil
	}
	rest, ok := strings.CutPrefix(s, "ctrl-")
	if !ok {
		rest, ok = strings.CutPrefix(s, "^")
	}
	if !ok || len(rest) != 1 {
		return 0, fmt.Errorf("unsupported key %q", s)
	}

	c := rest[0]
	switch {
	case c >= 'a' && c <= 'z':
		return c - 'a' + 1, nil
	case c >= '[' && c <= '_':
		return c - '[' + 0x1b, nil
	}
	return 0, fmt.Errorf("unsupported key %q", s)
}
