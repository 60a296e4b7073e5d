package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"tgvidbot/internal/model"
	"tgvidbot/pkg/validator"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const placeholderToken = "YOUR_BOT_TOKEN_HERE"

var (
	ErrMissingToken = errors.New("telegram.bot_token is required")
	ErrInvalid      = errors.New("invalid configuration")
)

var (
	audioFormats = map[string]bool{"mp3": true, "m4a": true, "aac": true, "opus": true, "vorbis": true, "flac": true, "wav": true}
	videoFormats = map[string]bool{"mp4": true, "mkv": true, "webm": true, "mov": true}
)

// Default returns the configuration used for keys missing from the file
func Default() *model.Config {
	return &model.Config{
		Telegram: model.TelegramConfig{
			MaxFileSizeMB:  50,
			UploadLimitMB:  50,
			SendRetries:    3,
			RetryBackoffMS: 1000,
			PollTimeout:    60,
		},
		Download: model.DownloadConfig{
			OutputDir:                     "./downloads",
			Quality:                       "bestvideo[height<=720]+bestaudio/best[height<=720]",
			VideoFormat:                   "mp4",
			AudioFormat:                   "mp3",
			MaxDurationMinutes:            60,
			ShowDownloadProgress:          true,
			ProgressUpdateIntervalSeconds: 3,
			YtDlpPath:                     "yt-dlp",
		},
		Limits: model.LimitsConfig{
			MaxConcurrentDownloads: 3,
			DownloadTimeoutSeconds: 600,
			ProbeTimeoutSeconds:    60,
			CleanupAfterHours:      24,
			CleanupIntervalMinutes: 60,
		},
		RateLimit: model.RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 20,
			BurstSize:         5,
			CleanupInterval:   1800,
		},
		Quota: model.QuotaConfig{
			Enabled:      false,
			DailyLimitMB: 1000,
		},
		Logging: model.LoggingConfig{
			Level:      "info",
			Encoding:   "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Server: model.ServerConfig{
			Enabled:           true,
			Host:              "0.0.0.0",
			Port:              8080,
			RequestsPerSecond: 10,
		},
	}
}

func defaultSites() map[string]bool {
	sites := make(map[string]bool, len(validator.Platforms))
	for _, p := range validator.Platforms {
		sites[p.Name] = true
	}
	return sites
}

// Load reads the TOML file at path, applies environment overrides and validates the result.
// A non-empty downloadsDir replaces download.output_dir.
func Load(path, downloadsDir string) (*model.Config, error) {
	godotenv.Load()

	cfg := Default()
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("configuration file not found at %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("error loading configuration: %w", err)
	}
	if cfg.SupportedSites == nil {
		cfg.SupportedSites = defaultSites()
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if downloadsDir != "" {
		cfg.Download.OutputDir = downloadsDir
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *model.Config) error {
	if token := getEnvStr("BOT_TOKEN", getEnvStr("TELEGRAM_BOT_TOKEN", "")); token != "" {
		cfg.Telegram.BotToken = token
	}

	// a blank override must not open the bot to every chat
	if raw := getEnvStr("ALLOWED_CHAT_IDS", ""); raw != "" {
		ids, err := parseChatIDs(raw)
		if err != nil {
			return fmt.Errorf("%w: ALLOWED_CHAT_IDS: %v", ErrInvalid, err)
		}
		if len(ids) > 0 {
			cfg.Telegram.AllowedChatIDs = ids
		}
	}

	cfg.Download.OutputDir = getEnvStr("DOWNLOAD_DIR", cfg.Download.OutputDir)
	cfg.Logging.Level = getEnvStr("LOG_LEVEL", cfg.Logging.Level)
	cfg.Proxy.HTTPProxy = getEnvStr("HTTP_PROXY_URL", cfg.Proxy.HTTPProxy)
	cfg.Server.Port = getEnvInt("HEALTH_PORT", cfg.Server.Port)
	cfg.Server.Enabled = getEnvBool("HEALTH_ENABLED", cfg.Server.Enabled)
	return nil
}

// parseChatIDs parses comma-separated chat ids, skipping blanks
func parseChatIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad chat id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Validate checks settings that would make the bot unusable
func Validate(cfg *model.Config) error {
	token := strings.TrimSpace(cfg.Telegram.BotToken)
	if token == "" {
		return ErrMissingToken
	}
	if token == placeholderToken {
		return fmt.Errorf("%w: set your actual bot token", ErrMissingToken)
	}

	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(cfg.Telegram.MaxFileSizeMB > 0, "telegram.max_file_size_mb must be positive")
	check(cfg.Telegram.UploadLimitMB > 0, "telegram.upload_limit_mb must be positive")
	check(cfg.Telegram.SendRetries > 0, "telegram.send_retries must be positive")
	check(cfg.Download.OutputDir != "", "download.output_dir is required")
	check(cfg.Download.MaxDurationMinutes > 0, "download.max_duration_minutes must be positive")
	check(cfg.Download.AutoDownloadVideoUnderMinutes >= 0, "download.auto_download_video_under_minutes must not be negative")
	check(cfg.Download.ProgressUpdateIntervalSeconds > 0, "download.progress_update_interval_seconds must be positive")
	check(audioFormats[cfg.Download.AudioFormat], fmt.Sprintf("download.audio_format %q is not supported", cfg.Download.AudioFormat))
	check(videoFormats[cfg.Download.VideoFormat], fmt.Sprintf("download.video_format %q is not supported", cfg.Download.VideoFormat))
	check(cfg.Download.YtDlpPath != "", "download.ytdlp_path is required")
	check(cfg.Limits.MaxConcurrentDownloads > 0, "limits.max_concurrent_downloads must be positive")
	check(cfg.Limits.DownloadTimeoutSeconds > 0, "limits.download_timeout_seconds must be positive")
	check(cfg.Limits.ProbeTimeoutSeconds > 0, "limits.probe_timeout_seconds must be positive")
	check(cfg.Limits.CleanupAfterHours > 0, "limits.cleanup_after_hours must be positive")
	check(cfg.Limits.CleanupIntervalMinutes > 0, "limits.cleanup_interval_minutes must be positive")
	check(!cfg.RateLimit.Enabled || cfg.RateLimit.RequestsPerMinute > 0, "rate_limit.requests_per_minute must be positive")
	check(!cfg.Quota.Enabled || cfg.Quota.DailyLimitMB > 0, "quota.daily_limit_mb must be positive")
	check(cfg.Quota.ResetHour >= 0 && cfg.Quota.ResetHour < 24, "quota.reset_hour must be 0-23")
	check(cfg.Quota.ResetMinute >= 0 && cfg.Quota.ResetMinute < 60, "quota.reset_minute must be 0-59")
	check(!cfg.Server.Enabled || (cfg.Server.Port > 0 && cfg.Server.Port < 65536), "server.port must be 1-65535")
	check(cfg.Server.RequestsPerSecond >= 0, "server.requests_per_second must not be negative")

	enabled := 0
	for name, on := range cfg.SupportedSites {
		check(validator.IsKnownPlatform(name), fmt.Sprintf("supported_sites.%s is not a known platform", name))
		if on {
			enabled++
		}
	}
	check(enabled > 0, "at least one supported site must be enabled")

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func getEnvStr(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists && strings.TrimSpace(value) != "" {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	valStr := getEnvStr(key, "")
	if val, err := strconv.Atoi(valStr); err == nil {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	valStr := strings.ToLower(getEnvStr(key, ""))
	if valStr == "true" || valStr == "1" || valStr == "yes" {
		return true
	}
	if valStr == "false" || valStr == "0" || valStr == "no" {
		return false
	}
	return defaultVal
}
