package model

import "time"

// Config holds application configuration
type Config struct {
	Telegram       TelegramConfig  `toml:"telegram"`
	Download       DownloadConfig  `toml:"download"`
	Limits         LimitsConfig    `toml:"limits"`
	RateLimit      RateLimitConfig `toml:"rate_limit"`
	Quota          QuotaConfig     `toml:"quota"`
	SupportedSites map[string]bool `toml:"supported_sites"`
	Proxy          ProxyConfig     `toml:"proxy"`
	Logging        LoggingConfig   `toml:"logging"`
	Server         ServerConfig    `toml:"server"`
}

// TelegramConfig holds Bot API settings
type TelegramConfig struct {
	BotToken       string  `toml:"bot_token"`
	AllowedChatIDs []int64 `toml:"allowed_chat_ids"`
	MaxFileSizeMB  int64   `toml:"max_file_size_mb"`
	UploadLimitMB  int64   `toml:"upload_limit_mb"` // hard Bot API ceiling, 50MB on the public server
	APIEndpoint    string  `toml:"api_endpoint"`
	SendRetries    int     `toml:"send_retries"`
	RetryBackoffMS int     `toml:"retry_backoff_ms"`
	PollTimeout    int     `toml:"poll_timeout_seconds"`
	Debug          bool    `toml:"debug"`
}

// DownloadConfig holds yt-dlp invocation settings
type DownloadConfig struct {
	OutputDir                     string `toml:"output_dir"`
	Quality                       string `toml:"quality"`
	VideoFormat                   string `toml:"video_format"`
	AudioFormat                   string `toml:"audio_format"`
	MaxDurationMinutes            int    `toml:"max_duration_minutes"`
	AutoDownloadVideoUnderMinutes int    `toml:"auto_download_video_under_minutes"`
	ShowDownloadProgress          bool   `toml:"show_download_progress"`
	ProgressUpdateIntervalSeconds int    `toml:"progress_update_interval_seconds"`
	YtDlpPath                     string `toml:"ytdlp_path"`
}

// LimitsConfig holds job and cleanup limits
type LimitsConfig struct {
	MaxConcurrentDownloads int `toml:"max_concurrent_downloads"`
	DownloadTimeoutSeconds int `toml:"download_timeout_seconds"`
	ProbeTimeoutSeconds    int `toml:"probe_timeout_seconds"`
	CleanupAfterHours      int `toml:"cleanup_after_hours"`
	CleanupIntervalMinutes int `toml:"cleanup_interval_minutes"`
}

// RateLimitConfig holds per-chat request rate limiting
type RateLimitConfig struct {
	Enabled           bool `toml:"enabled"`
	RequestsPerMinute int  `toml:"requests_per_minute"`
	BurstSize         int  `toml:"burst_size"`
	CleanupInterval   int  `toml:"cleanup_interval_seconds"`
}

// QuotaConfig holds per-chat daily download quota
type QuotaConfig struct {
	Enabled      bool  `toml:"enabled"`
	DailyLimitMB int64 `toml:"daily_limit_mb"`
	ResetHour    int   `toml:"reset_hour"`   // 0-23
	ResetMinute  int   `toml:"reset_minute"` // 0-59
}

// ProxyConfig holds the proxy handed to yt-dlp
type ProxyConfig struct {
	HTTPProxy  string `toml:"http_proxy"`
	HTTPSProxy string `toml:"https_proxy"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `toml:"level"`
	Encoding   string `toml:"encoding"` // json or console
	FilePath   string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// ServerConfig holds the health server configuration
type ServerConfig struct {
	Enabled           bool    `toml:"enabled"`
	Host              string  `toml:"host"`
	Port              int     `toml:"port"`
	RequestsPerSecond float64 `toml:"requests_per_second"` // 0 disables throttling
}

// StorageConfig is the view of Config the storage manager works with
type StorageConfig struct {
	DownloadDir   string
	MaxFileSizeMB int64
	CleanupEvery  time.Duration
	FileTTL       time.Duration
}

// Storage derives the storage manager settings.
func (c *Config) Storage() StorageConfig {
	return StorageConfig{
		DownloadDir:   c.Download.OutputDir,
		MaxFileSizeMB: c.Telegram.MaxFileSizeMB,
		CleanupEvery:  time.Duration(c.Limits.CleanupIntervalMinutes) * time.Minute,
		FileTTL:       time.Duration(c.Limits.CleanupAfterHours) * time.Hour,
	}
}

// MaxDuration returns the longest media duration accepted.
func (c *Config) MaxDuration() time.Duration {
	return time.Duration(c.Download.MaxDurationMinutes) * time.Minute
}

// AutoDownloadThreshold returns the duration under which videos skip the format choice.
// Zero disables auto-download.
func (c *Config) AutoDownloadThreshold() time.Duration {
	return time.Duration(c.Download.AutoDownloadVideoUnderMinutes) * time.Minute
}

func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Limits.DownloadTimeoutSeconds) * time.Second
}

func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Limits.ProbeTimeoutSeconds) * time.Second
}

func (c *Config) ProgressInterval() time.Duration {
	return time.Duration(c.Download.ProgressUpdateIntervalSeconds) * time.Second
}

// UploadLimitBytes returns the hard per-file ceiling of the messaging API.
func (c *Config) UploadLimitBytes() int64 {
	return c.Telegram.UploadLimitMB * 1024 * 1024
}

// ProxyURL returns the proxy for yt-dlp, http taking precedence over https.
func (c *Config) ProxyURL() string {
	if c.Proxy.HTTPProxy != "" {
		return c.Proxy.HTTPProxy
	}
	return c.Proxy.HTTPSProxy
}
