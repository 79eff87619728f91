// Package config loads service settings from an optional YAML file and the
// environment. Environment variables always win over file values.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	APIAddr         string        `yaml:"api_addr"`
	DBPath          string        `yaml:"db_path"`
	RedisAddr       string        `yaml:"redis_addr"`
	RedisPassword   string        `yaml:"redis_password"`
	RedisDB         int           `yaml:"redis_db"`
	QueueName       string        `yaml:"queue_name"`
	Concurrency     int           `yaml:"concurrency"`
	StagingDir      string        `yaml:"staging_dir"`
	FrameReadyDir   string        `yaml:"frameready_dir"`
	ThumbCacheDir   string        `yaml:"thumb_cache_dir"`
	BrowseRoot      string        `yaml:"browse_root"`
	StaticDir       string        `yaml:"static_dir"`
	JobTTL          time.Duration `yaml:"job_ttl"`
	MaxUploadMB     int           `yaml:"max_upload_mb"`
	ScanChecksums   bool          `yaml:"scan_checksums"`
	ScanOnStart     bool          `yaml:"scan_on_start"`
	WatchFolders    bool          `yaml:"watch_folders"`
	WatchDebounce   time.Duration `yaml:"watch_debounce"`
	LogLevel        string        `yaml:"log_level"`
	ScanConcurrency int           `yaml:"scan_concurrency"`
	CleanupSchedule string        `yaml:"cleanup_schedule"`
}

func Defaults() Config {
	return Config{
		APIAddr:         ":8000",
		DBPath:          "./data/frametagger.db",
		QueueName:       "frametagger",
		Concurrency:     4,
		StagingDir:      "./data/_staging",
		FrameReadyDir:   "FrameReady",
		ThumbCacheDir:   "./data/thumbs",
		JobTTL:          24 * time.Hour,
		MaxUploadMB:     512,
		ScanChecksums:   true,
		ScanOnStart:     true,
		WatchDebounce:   2 * time.Second,
		LogLevel:        "info",
		ScanConcurrency: 4,
		CleanupSchedule: "@every 1h",
	}
}

// Load reads path (if non-empty) over the defaults, then applies environment
// overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	c.APIAddr = envOrDefault("API_ADDR", c.APIAddr)
	c.DBPath = envOrDefault("DB_PATH", c.DBPath)
	c.RedisAddr = envOrDefault("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = envOrDefault("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = envInt("REDIS_DB", c.RedisDB)
	c.QueueName = envOrDefault("ASYNQ_QUEUE", c.QueueName)
	c.Concurrency = envInt("ASYNQ_CONCURRENCY", c.Concurrency)
	c.StagingDir = envOrDefault("STAGING_DIR", c.StagingDir)
	c.FrameReadyDir = envOrDefault("FRAMEREADY_DIR", c.FrameReadyDir)
	c.ThumbCacheDir = envOrDefault("THUMB_CACHE_DIR", c.ThumbCacheDir)
	c.BrowseRoot = envOrDefault("BROWSE_ROOT", c.BrowseRoot)
	c.StaticDir = envOrDefault("STATIC_DIR", c.StaticDir)
	c.JobTTL = envDuration("JOB_TTL", c.JobTTL)
	c.MaxUploadMB = envInt("MAX_UPLOAD_MB", c.MaxUploadMB)
	c.ScanChecksums = envBool("SCAN_CHECKSUMS", c.ScanChecksums)
	c.ScanOnStart = envBool("SCAN_ON_START", c.ScanOnStart)
	c.WatchFolders = envBool("WATCH_FOLDERS", c.WatchFolders)
	c.WatchDebounce = envDuration("WATCH_DEBOUNCE", c.WatchDebounce)
	c.LogLevel = envOrDefault("LOG_LEVEL", c.LogLevel)
	c.ScanConcurrency = envInt("SCAN_CONCURRENCY", c.ScanConcurrency)
	c.CleanupSchedule = envOrDefault("CLEANUP_SCHEDULE", c.CleanupSchedule)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db_path is required")
	}
	if strings.TrimSpace(c.StagingDir) == "" {
		return fmt.Errorf("staging_dir is required")
	}
	if c.FrameReadyDir == "" || strings.ContainsAny(c.FrameReadyDir, `/\`) {
		return fmt.Errorf("frameready_dir must be a single directory name, got %q", c.FrameReadyDir)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.JobTTL <= 0 {
		return fmt.Errorf("job_ttl must be positive, got %s", c.JobTTL)
	}
	return nil
}

// UseRedis reports whether jobs and tasks go through Redis/asynq rather than
// the in-process queue.
func (c Config) UseRedis() bool {
	return strings.TrimSpace(c.RedisAddr) != ""
}

func (c Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(val, "%d", &n); err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
