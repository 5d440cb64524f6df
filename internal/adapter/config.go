package adapter

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Remote  RemoteConfig  `mapstructure:"remote"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RemoteConfig holds remote backend configuration
type RemoteConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// CacheConfig holds local cache configuration
type CacheConfig struct {
	Dir            string `mapstructure:"dir"`              // Store + blob directory
	AudioMaxSizeMB int64  `mapstructure:"audio_max_size_mb"` // Audio cache ceiling (user-adjustable)
	Debug          bool   `mapstructure:"debug"`            // Debug-logging toggle
}

// SyncConfig holds synchronization engine tuning
type SyncConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	SyncInterval  time.Duration `mapstructure:"sync_interval"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{},
		Cache: CacheConfig{
			Dir:            defaultCachePath(),
			AudioMaxSizeMB: 500,
		},
		Sync: SyncConfig{
			ProbeInterval: 30 * time.Second,
			SyncInterval:  5 * time.Minute,
			MaxAttempts:   3,
			SweepInterval: 30 * time.Minute,
		},
		Logging: LoggingConfig{
			File:  defaultLogPath(),
			Level: "INFO",
		},
	}
}

// defaultLogPath returns the default log file path for the current OS
func defaultLogPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "castkeep", "castkeep.log")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "castkeep", "castkeep.log")
	}
}

// defaultConfigPath returns the default config file path for the current OS
func defaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "castkeep")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "castkeep")
	}
}

// defaultCachePath returns the default cache directory path for the current OS
func defaultCachePath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "castkeep", "cache")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "castkeep", "cache")
	}
}

// LoadConfig loads configuration from file and environment
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(defaultConfigPath())
	viper.AddConfigPath(".")

	// Environment variable overrides
	viper.SetEnvPrefix("CASTKEEP")
	viper.AutomaticEnv()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the current configuration to file
func SaveConfig(cfg *Config) error {
	configPath := defaultConfigPath()

	if err := os.MkdirAll(configPath, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Set fields individually to ensure correct key names (snake_case)
	viper.Set("remote.url", cfg.Remote.URL)
	viper.Set("remote.token", cfg.Remote.Token)

	viper.Set("cache.dir", cfg.Cache.Dir)
	viper.Set("cache.audio_max_size_mb", cfg.Cache.AudioMaxSizeMB)
	viper.Set("cache.debug", cfg.Cache.Debug)

	viper.Set("sync.probe_interval", cfg.Sync.ProbeInterval)
	viper.Set("sync.sync_interval", cfg.Sync.SyncInterval)
	viper.Set("sync.max_attempts", cfg.Sync.MaxAttempts)
	viper.Set("sync.sweep_interval", cfg.Sync.SweepInterval)

	viper.Set("logging.file", cfg.Logging.File)
	viper.Set("logging.level", cfg.Logging.Level)

	configFile := filepath.Join(configPath, "config.yaml")
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// IsConfigured returns true if a remote backend URL is set
func (c *Config) IsConfigured() bool {
	return c.Remote.URL != ""
}

// AudioMaxSizeBytes returns the audio cache ceiling in bytes
func (c *Config) AudioMaxSizeBytes() int64 {
	return c.Cache.AudioMaxSizeMB << 20
}

// AudioCacheDir returns the blob directory under the cache root
func (c *Config) AudioCacheDir() string {
	return filepath.Join(c.Cache.Dir, "audio")
}
