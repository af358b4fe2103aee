package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	koanftoml "github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override the config file.
// PRESENCED_ACCOUNT_REDIRECTOR_URL sets account.redirector_url.
const EnvPrefix = "PRESENCED_"

// AppName names the XDG directories and the default files
const AppName = "presenced"

// Config represents the main application configuration
type Config struct {
	General GeneralConfig `koanf:"general" toml:"general"`
	Account AccountConfig `koanf:"account" toml:"account"`
	Engine  EngineConfig  `koanf:"engine" toml:"engine"`
	Logging LoggingConfig `koanf:"logging" toml:"logging"`
	Storage StorageConfig `koanf:"storage" toml:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	DataDir     string `koanf:"data_dir" toml:"data_dir"`
	AutoConnect bool   `koanf:"auto_connect" toml:"auto_connect"`
}

// AccountConfig is the account the engine signs in with
type AccountConfig struct {
	JID      string `koanf:"jid" toml:"jid"`
	Password string `koanf:"password" toml:"password"`
	Resource string `koanf:"resource" toml:"resource"`

	// Endpoint is used when RedirectorURL is empty
	Endpoint      string `koanf:"endpoint" toml:"endpoint"`
	RedirectorURL string `koanf:"redirector_url" toml:"redirector_url"`
	Origin        string `koanf:"origin" toml:"origin"`

	Priority             int    `koanf:"priority" toml:"priority"`
	ClientResourcePrefix string `koanf:"client_resource_prefix" toml:"client_resource_prefix"`
}

// EngineConfig tunes the presence engine
type EngineConfig struct {
	BlockList         string        `koanf:"block_list" toml:"block_list"`
	InvisibleList     string        `koanf:"invisible_list" toml:"invisible_list"`
	InvisiblePriority int           `koanf:"invisible_priority" toml:"invisible_priority"`
	RequestTimeout    time.Duration `koanf:"request_timeout" toml:"request_timeout"`
	// TypingRate is the minimum delay between composing notifications to
	// one contact
	TypingRate time.Duration `koanf:"typing_rate" toml:"typing_rate"`
	// HistoryLimit caps the in-memory chat history per contact (0 = no cap)
	HistoryLimit int `koanf:"history_limit" toml:"history_limit"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level   string `koanf:"level" toml:"level"`
	File    string `koanf:"file" toml:"file"`
	Console bool   `koanf:"console" toml:"console"`
	JSON    bool   `koanf:"json" toml:"json"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	// Enabled turns the SQLite mirror of presence, roster and messages on
	Enabled bool   `koanf:"enabled" toml:"enabled"`
	Path    string `koanf:"path" toml:"path"`

	// SaveMessages enables/disables message history
	SaveMessages bool `koanf:"save_messages" toml:"save_messages"`

	// MessageRetentionDays is the number of days to keep messages (0 = forever)
	MessageRetentionDays int `koanf:"message_retention_days" toml:"message_retention_days"`

	// MaxMessageSize is the maximum size of a message to store (in bytes)
	MaxMessageSize int `koanf:"max_message_size" toml:"max_message_size"`
}

// Paths holds the XDG-compliant paths for the application
type Paths struct {
	ConfigDir string
	DataDir   string
	CacheDir  string
}

// ConfigFile returns the default config file path
func (p *Paths) ConfigFile() string {
	return filepath.Join(p.ConfigDir, "config.toml")
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			AutoConnect: true,
		},
		Account: AccountConfig{
			Resource:             AppName,
			Origin:               "https://localhost",
			ClientResourcePrefix: "origin",
		},
		Engine: EngineConfig{
			BlockList:         "global",
			InvisibleList:     "invisible",
			InvisiblePriority: -1,
			RequestTimeout:    30 * time.Second,
			TypingRate:        3 * time.Second,
			HistoryLimit:      500,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
		Storage: StorageConfig{
			Enabled:        true,
			SaveMessages:   true,
			MaxMessageSize: 64 * 1024,
		},
	}
}

// defaults flattens DefaultConfig for the confmap provider
func defaults() map[string]interface{} {
	d := DefaultConfig()
	return map[string]interface{}{
		"general.data_dir":               d.General.DataDir,
		"general.auto_connect":           d.General.AutoConnect,
		"account.resource":               d.Account.Resource,
		"account.origin":                 d.Account.Origin,
		"account.client_resource_prefix": d.Account.ClientResourcePrefix,
		"engine.block_list":              d.Engine.BlockList,
		"engine.invisible_list":          d.Engine.InvisibleList,
		"engine.invisible_priority":      d.Engine.InvisiblePriority,
		"engine.request_timeout":         d.Engine.RequestTimeout,
		"engine.typing_rate":             d.Engine.TypingRate,
		"engine.history_limit":           d.Engine.HistoryLimit,
		"logging.level":                  d.Logging.Level,
		"logging.console":                d.Logging.Console,
		"storage.enabled":                d.Storage.Enabled,
		"storage.save_messages":          d.Storage.SaveMessages,
		"storage.max_message_size":       d.Storage.MaxMessageSize,
	}
}

// GetPaths returns XDG-compliant paths for the application
func GetPaths() (*Paths, error) {
	dir := func(env string, fallback ...string) (string, error) {
		base := os.Getenv(env)
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			base = filepath.Join(append([]string{home}, fallback...)...)
		}
		return filepath.Join(base, AppName), nil
	}

	configDir, err := dir("XDG_CONFIG_HOME", ".config")
	if err != nil {
		return nil, err
	}
	dataDir, err := dir("XDG_DATA_HOME", ".local", "share")
	if err != nil {
		return nil, err
	}
	cacheDir, err := dir("XDG_CACHE_HOME", ".cache")
	if err != nil {
		return nil, err
	}

	return &Paths{
		ConfigDir: configDir,
		DataDir:   dataDir,
		CacheDir:  cacheDir,
	}, nil
}

// EnsureDirectories creates the necessary directories
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.ConfigDir, p.DataDir, p.CacheDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Load layers the defaults, the TOML file at path and PRESENCED_
// environment variables. An empty path reads config.toml from the XDG
// config directory when it exists.
func Load(path string) (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		if _, err := os.Stat(paths.ConfigFile()); err == nil {
			path = paths.ConfigFile()
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(expandPath(path)), koanftoml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.General.DataDir == "" {
		cfg.General.DataDir = paths.DataDir
	} else {
		cfg.General.DataDir = expandPath(cfg.General.DataDir)
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(cfg.General.DataDir, AppName+".db")
	} else {
		cfg.Storage.Path = expandPath(cfg.Storage.Path)
	}
	if cfg.Logging.File != "" {
		cfg.Logging.File = expandPath(cfg.Logging.File)
	}

	return cfg, nil
}

// envKey maps PRESENCED_SECTION_SOME_KEY to section.some_key
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(s, "_", ".", 1)
}

// Validate checks the settings needed to connect
func Validate(cfg *Config) error {
	if cfg.Account.JID == "" {
		return fmt.Errorf("account jid is required")
	}
	if cfg.Account.Endpoint == "" && cfg.Account.RedirectorURL == "" {
		return fmt.Errorf("either account endpoint or redirector_url is required")
	}
	if cfg.Engine.RequestTimeout <= 0 {
		return fmt.Errorf("engine request_timeout must be positive")
	}
	return nil
}

// Save writes the configuration to path, or to the default config file when
// path is empty
func Save(cfg *Config, path string) error {
	if path == "" {
		paths, err := GetPaths()
		if err != nil {
			return err
		}
		if err := paths.EnsureDirectories(); err != nil {
			return err
		}
		path = paths.ConfigFile()
	}

	f, err := os.OpenFile(expandPath(path), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
