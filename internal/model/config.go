package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// StorageConfig holds locations and limits for both local stores.
type StorageConfig struct {
	// DataDir is the directory holding the state database and the
	// attachment file.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// QuotaBytes caps the key-value store the way a browser caps
	// localStorage. Zero means unlimited.
	QuotaBytes int64 `mapstructure:"quota_bytes" yaml:"quota_bytes"`

	// Namespace prefixes every key the stores write.
	Namespace string `mapstructure:"namespace" yaml:"namespace"`

	// EvictionScope limits quota eviction to keys with this prefix.
	// Empty means every key in the backend is a candidate.
	EvictionScope string `mapstructure:"eviction_scope" yaml:"eviction_scope"`
}

// StatePath returns the path of the key-value database.
func (c StorageConfig) StatePath() string {
	return filepath.Join(c.DataDir, "state.db")
}

// AttachmentPath returns the path of the attachment database.
func (c StorageConfig) AttachmentPath() string {
	return filepath.Join(c.DataDir, "attachments.db")
}

// AIConfig holds settings for task classification.
type AIConfig struct {
	// Backend is "http" (classification endpoint) or "claude".
	Backend    string `mapstructure:"backend" yaml:"backend"`
	Endpoint   string `mapstructure:"endpoint" yaml:"endpoint"`
	Model      string `mapstructure:"model" yaml:"model"`
	MaxTokens  int    `mapstructure:"max_tokens" yaml:"max_tokens"`
	TimeoutSec int    `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

// LogConfig selects the zap level and encoder.
type LogConfig struct {
	Level    string `mapstructure:"level" yaml:"level"`
	Encoding string `mapstructure:"encoding" yaml:"encoding"`
}

// ServerConfig configures the display URL server.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	AI      AIConfig      `mapstructure:"ai" yaml:"ai"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/eisenhower/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "eisenhower", "config.yaml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "data")
	}
	return filepath.Join(home, ".local", "share", "eisenhower")
}

// DefaultAppConfig returns a sensible default configuration.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Storage: StorageConfig{
			DataDir:       defaultDataDir(),
			QuotaBytes:    5 << 20,
			Namespace:     "eisenhower:",
			EvictionScope: "eisenhower:",
		},
		AI: AIConfig{
			Backend:    "http",
			Endpoint:   "http://localhost:3000/api/classify",
			Model:      "claude-sonnet-4-20250514",
			MaxTokens:  1024,
			TimeoutSec: 30,
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "console",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:7777",
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// A .env file in the working directory is loaded first so that
// EISENHOWER_* variables can override file values. If the file does not
// exist, defaults are returned.
func LoadConfig(path string) (*AppConfig, error) {
	_ = godotenv.Load(".env")

	def := DefaultAppConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("eisenhower")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("storage.data_dir", def.Storage.DataDir)
	v.SetDefault("storage.quota_bytes", def.Storage.QuotaBytes)
	v.SetDefault("storage.namespace", def.Storage.Namespace)
	v.SetDefault("storage.eviction_scope", def.Storage.EvictionScope)
	v.SetDefault("ai.backend", def.AI.Backend)
	v.SetDefault("ai.endpoint", def.AI.Endpoint)
	v.SetDefault("ai.model", def.AI.Model)
	v.SetDefault("ai.max_tokens", def.AI.MaxTokens)
	v.SetDefault("ai.timeout_sec", def.AI.TimeoutSec)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.encoding", def.Log.Encoding)
	v.SetDefault("server.addr", def.Server.Addr)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if url := os.Getenv("EISENHOWER_CLASSIFY_URL"); url != "" {
		cfg.AI.Endpoint = url
	}
	if cfg.AI.MaxTokens <= 0 {
		cfg.AI.MaxTokens = def.AI.MaxTokens
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("storage", cfg.Storage)
	v.Set("ai", cfg.AI)
	v.Set("log", cfg.Log)
	v.Set("server", cfg.Server)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
