package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
)

const appName = "chatgate"

// Config is the complete service configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Fallback FallbackConfig `mapstructure:"fallback"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Client   ClientConfig   `mapstructure:"client"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	CORSOrigins     []string      `mapstructure:"corsOrigins"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BackendConfig configures the polling backend provider. An empty URL
// means every reply comes from the local fallback.
type BackendConfig struct {
	URL                  string        `mapstructure:"url"`
	APIKey               string        `mapstructure:"apiKey"`
	SubmitPath           string        `mapstructure:"submitPath"`
	VerifyPath           string        `mapstructure:"verifyPath"`
	PollInterval         time.Duration `mapstructure:"pollInterval"`
	Timeout              time.Duration `mapstructure:"timeout"`
	StrictResponseShapes bool          `mapstructure:"strictResponseShapes"`

	// SubmitRetries resubmits jobs refused with 429 or 5xx
	SubmitRetries int           `mapstructure:"submitRetries"`
	RetryDelay    time.Duration `mapstructure:"retryDelay"`
}

// FallbackConfig controls the local heuristic fallback
type FallbackConfig struct {
	Disabled bool `mapstructure:"disabled"`
}

// AuthConfig configures API keys and rate limiting
type AuthConfig struct {
	KeysFile      string        `mapstructure:"keysFile"`
	WatchKeysFile bool          `mapstructure:"watchKeysFile"` // reload keys when the file changes
	Keys          []KeyConfig   `mapstructure:"keys"`
	RateWindow    time.Duration `mapstructure:"rateWindow"`
}

// KeyConfig is an API key declared inline in the config file
type KeyConfig struct {
	Key         string   `mapstructure:"key"`
	Name        string   `mapstructure:"name"`
	Permissions []string `mapstructure:"permissions"`
	RateLimit   int      `mapstructure:"rateLimit"`
}

// RealtimeConfig configures the websocket gateway
type RealtimeConfig struct {
	FrameRate      float64       `mapstructure:"frameRate"`
	FrameBurst     int           `mapstructure:"frameBurst"`
	PingInterval   time.Duration `mapstructure:"pingInterval"`
	PongWait       time.Duration `mapstructure:"pongWait"`
	MaxMessageSize int64         `mapstructure:"maxMessageSize"`
}

// StorageConfig configures message persistence
type StorageConfig struct {
	// Driver is libsql, sqlite or memory
	Driver       string `mapstructure:"driver"`
	Path         string `mapstructure:"path"`
	QueueSize    int    `mapstructure:"queueSize"`
	HistoryLimit int    `mapstructure:"historyLimit"`
}

// ClientConfig configures the chat command
type ClientConfig struct {
	URL                  string        `mapstructure:"url"`
	APIKey               string        `mapstructure:"apiKey"`
	UserID               string        `mapstructure:"userId"`
	Mode                 string        `mapstructure:"mode"`
	ReconnectDelay       time.Duration `mapstructure:"reconnectDelay"`
	MaxReconnectAttempts int           `mapstructure:"maxReconnectAttempts"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// ParsedLevel returns the configured log level, defaulting to info
func (l LogConfig) ParsedLevel() log.Level {
	level, err := log.ParseLevel(l.Level)
	if err != nil {
		return log.InfoLevel
	}
	return level
}

// Load reads configuration from configFile (or the default search paths),
// the environment and defaults. Environment variables use the CHATGATE_
// prefix with dots replaced by underscores, e.g. CHATGATE_BACKEND_URL.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	configureViper(v, configFile)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configureViper(v *viper.Viper, configFile string) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(appName)
		v.AddConfigPath(".")
		v.AddConfigPath(fmt.Sprintf("$XDG_CONFIG_HOME/%s", appName))
		v.AddConfigPath(fmt.Sprintf("$HOME/.config/%s", appName))
	}
	v.SetEnvPrefix(strings.ToUpper(appName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", "30s")
	v.SetDefault("server.writeTimeout", "180s")
	v.SetDefault("server.shutdownTimeout", "10s")
	v.SetDefault("server.corsOrigins", []string{})

	v.SetDefault("backend.url", "")
	v.SetDefault("backend.apiKey", "")
	v.SetDefault("backend.submitPath", "/api/chat/submit")
	v.SetDefault("backend.verifyPath", "/api/health")
	v.SetDefault("backend.pollInterval", "1s")
	v.SetDefault("backend.timeout", "120s")
	v.SetDefault("backend.strictResponseShapes", false)
	v.SetDefault("backend.submitRetries", 2)
	v.SetDefault("backend.retryDelay", "500ms")

	v.SetDefault("fallback.disabled", false)

	v.SetDefault("auth.keysFile", "")
	v.SetDefault("auth.watchKeysFile", true)
	v.SetDefault("auth.rateWindow", "60s")

	v.SetDefault("realtime.frameRate", 5.0)
	v.SetDefault("realtime.frameBurst", 10)
	v.SetDefault("realtime.pingInterval", "30s")
	v.SetDefault("realtime.pongWait", "60s")
	v.SetDefault("realtime.maxMessageSize", 64*1024)

	v.SetDefault("storage.driver", "libsql")
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.queueSize", 256)
	v.SetDefault("storage.historyLimit", 200)

	v.SetDefault("client.url", "http://127.0.0.1:8080")
	v.SetDefault("client.apiKey", "")
	v.SetDefault("client.userId", defaultUserID())
	v.SetDefault("client.mode", "websocket")
	v.SetDefault("client.reconnectDelay", "1s")
	v.SetDefault("client.maxReconnectAttempts", 5)

	v.SetDefault("log.level", "info")
}

// Validate checks values that would otherwise fail later at startup
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "libsql", "sqlite", "memory":
	default:
		return fmt.Errorf("invalid storage.driver %q: must be libsql, sqlite or memory", c.Storage.Driver)
	}
	switch c.Client.Mode {
	case "websocket", "http":
	default:
		return fmt.Errorf("invalid client.mode %q: must be websocket or http", c.Client.Mode)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Backend.Timeout <= 0 || c.Backend.PollInterval <= 0 {
		return fmt.Errorf("backend.timeout and backend.pollInterval must be positive")
	}
	for i, key := range c.Auth.Keys {
		if key.Key == "" {
			return fmt.Errorf("auth.keys[%d] has no key", i)
		}
	}
	return nil
}

func defaultUserID() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Base(home)
	}
	return "anonymous"
}
