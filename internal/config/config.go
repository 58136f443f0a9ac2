package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that reads and writes as "10s" in toml.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.msgsync/config.toml.
type Config struct {
	DefaultSession string    `toml:"default_session"`
	Server         Server    `toml:"server"`
	Transport      Transport `toml:"transport"`
	Sync           Sync      `toml:"sync"`
	Log            Log       `toml:"log"`
}

// Server identifies the sync server and who we are to it.
type Server struct {
	URL      string `toml:"url"`
	Identity string `toml:"identity"`
}

// Transport tunes the websocket client.
type Transport struct {
	HandshakeTimeout  Duration `toml:"handshake_timeout"`
	WriteTimeout      Duration `toml:"write_timeout"`
	PongWait          Duration `toml:"pong_wait"`
	ReconnectBase     Duration `toml:"reconnect_base"`
	ReconnectMax      Duration `toml:"reconnect_max"`
	ReconnectAttempts int      `toml:"reconnect_attempts"`
	ReconnectJitter   float64  `toml:"reconnect_jitter"`
}

// Sync tunes delivery and the background trigger.
type Sync struct {
	SendTimeout         Duration `toml:"send_timeout"`
	MaxAttempts         int      `toml:"max_attempts"`
	DeferredDelay       Duration `toml:"deferred_delay"`
	KeepPerConversation int      `toml:"keep_per_conversation"`
	ProbeInterval       Duration `toml:"probe_interval"`
}

// Log selects the daemon log level.
type Log struct {
	Level string `toml:"level"`
}

// Default returns the configuration used for keys missing from the file.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Server: Server{
			URL: "ws://127.0.0.1:8080/ws",
		},
		Transport: Transport{
			HandshakeTimeout:  Duration{10 * time.Second},
			WriteTimeout:      Duration{10 * time.Second},
			PongWait:          Duration{60 * time.Second},
			ReconnectBase:     Duration{time.Second},
			ReconnectMax:      Duration{time.Minute},
			ReconnectAttempts: 10,
			ReconnectJitter:   0.2,
		},
		Sync: Sync{
			SendTimeout:   Duration{10 * time.Second},
			MaxAttempts:   5,
			DeferredDelay: Duration{30 * time.Second},
			ProbeInterval: Duration{15 * time.Second},
		},
		Log: Log{Level: "info"},
	}
}

// Load reads config from the given path on top of Default. Returns nil
// config and error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return nil, fmt.Errorf("%s: unknown key %q", path, undec[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.URL == "":
		return errors.New("server.url is required")
	case c.Sync.MaxAttempts < 0:
		return errors.New("sync.max_attempts must not be negative")
	case c.Sync.KeepPerConversation < 0:
		return errors.New("sync.keep_per_conversation must not be negative")
	case c.Transport.ReconnectJitter < 0 || c.Transport.ReconnectJitter > 1:
		return errors.New("transport.reconnect_jitter must be within [0, 1]")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
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
