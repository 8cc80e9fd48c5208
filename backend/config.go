package backend

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Application configuration. A JSON config file provides the base; selected
// environment variables override it for container deployments.

type Config struct {
	ListenAddr          string `json:"listenAddr"`
	OutputDirectory     string `json:"outputDirectory"`
	WorkerPath          string `json:"workerPath"` // extraction worker binary
	DefaultKind         string `json:"defaultKind"`
	AudioQuality        string `json:"audioQuality"`
	VideoQuality        string `json:"videoQuality"`
	ResolveConcurrency  int    `json:"resolveConcurrency"`
	StreamSlots         int    `json:"streamSlots"`
	BulkDelayMS         int    `json:"bulkDelayMs"`
	SurfaceInvalidLinks bool   `json:"surfaceInvalidLinks"`
	CookiesBrowser      string `json:"cookiesBrowser"`
	RateLimitPerMinute  int    `json:"rateLimitPerMinute"`
	LogLevel            string `json:"logLevel"`
}

var defaultConfig = Config{
	ListenAddr:         ":8080",
	WorkerPath:         "yt-dlp",
	DefaultKind:        "audio",
	AudioQuality:       "192k",
	VideoQuality:       "720p",
	ResolveConcurrency: 2,
	StreamSlots:        4,
	BulkDelayMS:        2500,
	RateLimitPerMinute: 60,
	LogLevel:           "info",
}

// GetDefaultConfig returns a copy of the built-in defaults.
func GetDefaultConfig() *Config {
	cfg := defaultConfig
	cfg.OutputDirectory = GetDefaultOutputDirectory()
	return &cfg
}

// GetConfigPath returns the path to the config file.
func GetConfigPath() string {
	configDir, _ := os.UserConfigDir()
	return filepath.Join(configDir, "ytbatch", "config.json")
}

// GetDefaultOutputDirectory returns the default bulk-download target.
func GetDefaultOutputDirectory() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, "Downloads", "ytbatch")
}

// LoadConfig loads configuration from file, falling back to defaults when no
// file exists.
func LoadConfig() (*Config, error) {
	data, err := os.ReadFile(GetConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return GetDefaultConfig(), nil
		}
		return nil, err
	}

	cfg := defaultConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if cfg.OutputDirectory == "" {
		cfg.OutputDirectory = GetDefaultOutputDirectory()
	}
	return &cfg, nil
}

// LoadConfigWithEnv loads the file config and applies environment overrides.
func LoadConfigWithEnv() (*Config, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.ListenAddr = ":" + v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("OUTPUT_DIR"); v != "" {
		c.OutputDirectory = v
	}
	if v := os.Getenv("WORKER_PATH"); v != "" {
		c.WorkerPath = v
	}
	if v := os.Getenv("COOKIES_BROWSER"); v != "" {
		c.CookiesBrowser = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v, err := strconv.Atoi(os.Getenv("RESOLVE_CONCURRENCY")); err == nil && v > 0 {
		c.ResolveConcurrency = v
	}
	if v, err := strconv.Atoi(os.Getenv("STREAM_SLOTS")); err == nil && v > 0 {
		c.StreamSlots = v
	}
	if v, err := strconv.Atoi(os.Getenv("BULK_DELAY_MS")); err == nil && v >= 0 {
		c.BulkDelayMS = v
	}
	if v := os.Getenv("SURFACE_INVALID_LINKS"); v == "1" || v == "true" {
		c.SurfaceInvalidLinks = true
	}
}

// SaveConfig writes configuration to the config file.
func SaveConfig(cfg *Config) error {
	path := GetConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// BulkDelay returns the inter-trigger delay for bulk downloads.
func (c *Config) BulkDelay() time.Duration {
	return time.Duration(c.BulkDelayMS) * time.Millisecond
}
