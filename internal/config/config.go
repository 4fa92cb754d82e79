// Package config loads plotsync settings from the config file, PLOTSYNC_*
// environment variables and command-line flags, in increasing order of
// precedence.
//
// The config file lives at $PLOTSYNC_HOME/config.yaml. PLOTSYNC_HOME
// defaults to <user config dir>/plotsync.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Keys, as used in config.yaml. Environment variables replace dots with
// underscores: sync.auth_timeout is PLOTSYNC_SYNC_AUTH_TIMEOUT.
const (
	KeyDataDir         = "data_dir"
	KeyRendezvousURL   = "rendezvous.url"
	KeyRendezvousAddr  = "rendezvous.listen"
	KeyRefreshInterval = "sync.refresh_interval"
	KeyAuthTimeout     = "sync.auth_timeout"
	KeyCRDT            = "sync.crdt"
	KeyLogLevel        = "log.level"
	KeyLogFile         = "log.file"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PLOTSYNC"

// FileName is the config file inside the home directory.
const FileName = "config.yaml"

// DatabaseName is the SQLite file inside the data directory.
const DatabaseName = "plotsync.db"

// Config is the resolved configuration.
type Config struct {
	DataDir    string
	Rendezvous Rendezvous
	Sync       Sync
	Log        Log
}

// Rendezvous configures the relay client and server.
type Rendezvous struct {
	URL    string `yaml:"url"`
	Listen string `yaml:"listen"`
}

// Sync configures the daemon.
type Sync struct {
	RefreshInterval time.Duration
	AuthTimeout     time.Duration
	CRDT            bool
}

// Log configures logging.
type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Home returns the plotsync home directory.
func Home() string {
	if home := os.Getenv(EnvPrefix + "_HOME"); home != "" {
		return home
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "plotsync")
	}
	return ".plotsync"
}

// Default returns the built-in configuration rooted at home.
func Default(home string) *Config {
	return &Config{
		DataDir: filepath.Join(home, "data"),
		Rendezvous: Rendezvous{
			URL:    "ws://localhost:8787/ws",
			Listen: ":8787",
		},
		Sync: Sync{
			RefreshInterval: 30 * time.Second,
			AuthTimeout:     10 * time.Second,
			CRDT:            true,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// SetDefaults registers the built-in values with v.
func SetDefaults(v *viper.Viper, home string) {
	def := Default(home)
	v.SetDefault(KeyDataDir, def.DataDir)
	v.SetDefault(KeyRendezvousURL, def.Rendezvous.URL)
	v.SetDefault(KeyRendezvousAddr, def.Rendezvous.Listen)
	v.SetDefault(KeyRefreshInterval, def.Sync.RefreshInterval)
	v.SetDefault(KeyAuthTimeout, def.Sync.AuthTimeout)
	v.SetDefault(KeyCRDT, def.Sync.CRDT)
	v.SetDefault(KeyLogLevel, def.Log.Level)
	v.SetDefault(KeyLogFile, def.Log.File)
}

// Load reads configuration into v and resolves it. An empty path means
// <home>/config.yaml; a missing file at the default path is not an error.
func Load(v *viper.Viper, home, path string) (*Config, error) {
	SetDefaults(v, home)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(home, FileName)
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound), !explicit && errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		DataDir: v.GetString(KeyDataDir),
		Rendezvous: Rendezvous{
			URL:    v.GetString(KeyRendezvousURL),
			Listen: v.GetString(KeyRendezvousAddr),
		},
		Sync: Sync{
			RefreshInterval: v.GetDuration(KeyRefreshInterval),
			AuthTimeout:     v.GetDuration(KeyAuthTimeout),
			CRDT:            v.GetBool(KeyCRDT),
		},
		Log: Log{
			Level: v.GetString(KeyLogLevel),
			File:  v.GetString(KeyLogFile),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the resolved values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%s cannot be empty", KeyDataDir)
	}
	if c.Sync.RefreshInterval <= 0 {
		return fmt.Errorf("%s must be positive", KeyRefreshInterval)
	}
	if c.Sync.AuthTimeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyAuthTimeout)
	}
	return nil
}

// DBPath is the device database inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, DatabaseName)
}

// fileSync writes durations in their string form ("30s").
type fileSync struct {
	RefreshInterval string `yaml:"refresh_interval"`
	AuthTimeout     string `yaml:"auth_timeout"`
	CRDT            bool   `yaml:"crdt"`
}

// YAML renders c in the config file format.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(struct {
		DataDir    string     `yaml:"data_dir"`
		Rendezvous Rendezvous `yaml:"rendezvous"`
		Sync       fileSync   `yaml:"sync"`
		Log        Log        `yaml:"log"`
	}{
		DataDir:    c.DataDir,
		Rendezvous: c.Rendezvous,
		Sync: fileSync{
			RefreshInterval: c.Sync.RefreshInterval.String(),
			AuthTimeout:     c.Sync.AuthTimeout.String(),
			CRDT:            c.Sync.CRDT,
		},
		Log: c.Log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return out, nil
}

// WriteDefault writes the built-in configuration to path. It refuses to
// replace an existing file unless force is set.
func WriteDefault(path, home string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	data, err := Default(home).YAML()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}
