package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/video-downsizer/internal/retention"
	"github.com/MimeLyc/video-downsizer/pkg/icron"
	"github.com/MimeLyc/video-downsizer/pkg/log"
)

// Config holds all application configuration
// Supports environment variables with sensible defaults
//
// Environment Variables:
// HTTP Configuration:
// - HTTP_ADDR: Listen address (default: :3000)
//
// Storage Configuration:
// - DATA_DIR: Base directory for runtime data (default: /app/data)
// - OUTPUT_DIR: Transcoded artifacts (default: $DATA_DIR/output)
// - TEMP_DIR: In-flight downloads (default: $DATA_DIR/temp)
// - SETTINGS_FILE: Runtime settings file (default: $DATA_DIR/settings.json)
//
// Pipeline Configuration:
// - POLL_INTERVAL: Pipeline driver tick (default: 1s)
// - DOWNLOAD_TIMEOUT: Bound on one download, 0 disables (default: 0)
// - TRANSCODE_TIMEOUT: Bound on one transcode, 0 disables (default: 0)
// - RESOLVE_ON_SUBMIT: Resolve media URLs when a job is submitted (default: true)
// - FFMPEG_PATH: ffmpeg binary (default: ffmpeg)
//
// Resolver Configuration:
// - RESOLVER_API_URL: Upstream player API (default: https://api.bilibili.com)
// - RESOLVER_QUALITY: Requested quality number (default: 6)
// - RESOLVER_TIMEOUT: Request timeout (default: 15s)
// - RESOLVER_RATE_LIMIT: Requests per second, 0 disables (default: 2)
// - USER_AGENT: User-Agent for upstream requests
// - REFERER: Referer for upstream requests (default: https://www.bilibili.com)
//
// Retention Configuration:
// - CLEANUP_POLICY: completed or all (default: completed)
// - CLEANUP_EXPR: Cron expression of the sweep (default: @every 24h)
//
// System Configuration:
// - LOG_LEVEL: debug, info, warn or error (default: info)
// - TZ: Timezone (default: UTC)
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	Storage   StorageConfig   `json:"storage"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Resolver  ResolverConfig  `json:"resolver"`
	Retention RetentionConfig `json:"retention"`
	System    SystemConfig    `json:"system"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
}

type StorageConfig struct {
	DataDir      string `json:"data_dir"`
	OutputDir    string `json:"output_dir"`
	TempDir      string `json:"temp_dir"`
	SettingsFile string `json:"settings_file"`
}

type PipelineConfig struct {
	PollInterval     time.Duration `json:"poll_interval"`
	DownloadTimeout  time.Duration `json:"download_timeout"`
	TranscodeTimeout time.Duration `json:"transcode_timeout"`
	ResolveOnSubmit  bool          `json:"resolve_on_submit"`
	FFmpegPath       string        `json:"ffmpeg_path"`
}

type ResolverConfig struct {
	APIURL    string        `json:"api_url"`
	Quality   int           `json:"quality"`
	Timeout   time.Duration `json:"timeout"`
	RateLimit float64       `json:"rate_limit"`
	UserAgent string        `json:"user_agent"`
	Referer   string        `json:"referer"`
}

type RetentionConfig struct {
	Policy   string `json:"policy"`
	CronExpr string `json:"cron_expr"`
}

type SystemConfig struct {
	LogLevel string `json:"log_level"`
	TZ       string `json:"tz"`
}

const (
	DefaultDataDir   = "/app/data"
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Option is a function type for configuring Config
type Option func(*Config)

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	dataDir := getEnvString("DATA_DIR", DefaultDataDir)

	config := &Config{
		HTTP: HTTPConfig{
			Addr: getEnvString("HTTP_ADDR", ":3000"),
		},
		Storage: StorageConfig{
			DataDir:      dataDir,
			OutputDir:    getEnvString("OUTPUT_DIR", filepath.Join(dataDir, "output")),
			TempDir:      getEnvString("TEMP_DIR", filepath.Join(dataDir, "temp")),
			SettingsFile: getEnvString("SETTINGS_FILE", filepath.Join(dataDir, "settings.json")),
		},
		Pipeline: PipelineConfig{
			PollInterval:     getEnvDuration("POLL_INTERVAL", time.Second),
			DownloadTimeout:  getEnvDuration("DOWNLOAD_TIMEOUT", 0),
			TranscodeTimeout: getEnvDuration("TRANSCODE_TIMEOUT", 0),
			ResolveOnSubmit:  getEnvBool("RESOLVE_ON_SUBMIT", true),
			FFmpegPath:       getEnvString("FFMPEG_PATH", "ffmpeg"),
		},
		Resolver: ResolverConfig{
			APIURL:    getEnvString("RESOLVER_API_URL", "https://api.bilibili.com"),
			Quality:   getEnvInt("RESOLVER_QUALITY", 6),
			Timeout:   getEnvDuration("RESOLVER_TIMEOUT", 15*time.Second),
			RateLimit: getEnvFloat("RESOLVER_RATE_LIMIT", 2),
			UserAgent: getEnvString("USER_AGENT", DefaultUserAgent),
			Referer:   getEnvString("REFERER", "https://www.bilibili.com"),
		},
		Retention: RetentionConfig{
			Policy:   getEnvString("CLEANUP_POLICY", string(retention.PolicyCompleted)),
			CronExpr: getEnvString("CLEANUP_EXPR", "@every 24h"),
		},
		System: SystemConfig{
			LogLevel: getEnvString("LOG_LEVEL", "info"),
			TZ:       getEnvString("TZ", "UTC"),
		},
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Debug("Config: %+v", *config)
	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return fmt.Errorf("HTTP_ADDR is required")
	}
	if strings.TrimSpace(c.Storage.OutputDir) == "" || strings.TrimSpace(c.Storage.TempDir) == "" {
		return fmt.Errorf("OUTPUT_DIR and TEMP_DIR are required")
	}
	if filepath.Clean(c.Storage.OutputDir) == filepath.Clean(c.Storage.TempDir) {
		return fmt.Errorf("OUTPUT_DIR and TEMP_DIR must differ")
	}
	if c.Pipeline.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.Pipeline.DownloadTimeout < 0 || c.Pipeline.TranscodeTimeout < 0 {
		return fmt.Errorf("step timeouts must not be negative")
	}
	if _, err := retention.ParsePolicy(c.Retention.Policy); err != nil {
		return fmt.Errorf("CLEANUP_POLICY: %w", err)
	}
	if _, err := icron.Parse(c.Retention.CronExpr); err != nil {
		return fmt.Errorf("CLEANUP_EXPR: %w", err)
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
