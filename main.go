package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"tgvidbot/config"
	"tgvidbot/internal/bot"
	"tgvidbot/internal/fetcher"
	"tgvidbot/internal/handler"
	"tgvidbot/internal/model"
	"tgvidbot/internal/service"
	"tgvidbot/internal/storage"
	"tgvidbot/pkg/logger"
	"tgvidbot/pkg/middleware"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

func main() {
	var configPath, downloadsDir string
	flag.StringVar(&configPath, "config", "config.toml", "path to the TOML configuration file")
	flag.StringVar(&configPath, "c", "config.toml", "shorthand for -config")
	flag.StringVar(&downloadsDir, "downloads", "", "override download.output_dir")
	flag.StringVar(&downloadsDir, "d", "", "shorthand for -downloads")
	healthcheck := flag.Bool("healthcheck", false, "probe the running bot's health server and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(configPath, downloadsDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *healthcheck {
		os.Exit(probeHealth(cfg))
	}

	// Initialize logger
	if err := logger.Init(&cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Logger.Info("Starting Telegram video bot",
		zap.String("config", configPath),
		zap.String("download_dir", cfg.Download.OutputDir),
		zap.Int("max_concurrent_downloads", cfg.Limits.MaxConcurrentDownloads))

	if _, err := exec.LookPath(cfg.Download.YtDlpPath); err != nil {
		logger.Logger.Fatal("yt-dlp executable not found", zap.String("path", cfg.Download.YtDlpPath), zap.Error(err))
	}

	// Initialize storage manager
	storageManager := storage.NewManager(cfg.Storage())
	if err := storageManager.EnsureDownloadDir(); err != nil {
		logger.Logger.Fatal("Failed to create download directory", zap.Error(err))
	}
	storageManager.Start()
	defer storageManager.Stop()

	// Initialize services
	ytdlp := fetcher.New(fetcher.Options{
		Executable: cfg.Download.YtDlpPath,
		Proxy:      cfg.ProxyURL(),
	})
	accessService := service.NewAccessService(cfg)
	if accessService.Unrestricted() {
		logger.Logger.Warn("telegram.allowed_chat_ids is empty, every chat may use the bot")
	}
	videoService := service.NewVideoService(ytdlp, cfg.ProbeTimeout(), cfg.MaxDuration())
	downloadService := service.NewDownloadService(ytdlp, storageManager, service.DownloadOptions{
		Quality:          cfg.Download.Quality,
		VideoFormat:      cfg.Download.VideoFormat,
		AudioFormat:      cfg.Download.AudioFormat,
		Proxy:            cfg.ProxyURL(),
		MaxConcurrent:    cfg.Limits.MaxConcurrentDownloads,
		MaxDuration:      cfg.MaxDuration(),
		Timeout:          cfg.DownloadTimeout(),
		ProgressInterval: cfg.ProgressInterval(),
	})
	quotaService := service.NewQuotaService(&cfg.Quota)
	if cfg.Quota.Enabled {
		logger.Logger.Info("Quota limiting enabled", zap.Int64("daily_limit_mb", cfg.Quota.DailyLimitMB), zap.Int("reset_hour", cfg.Quota.ResetHour))
	}

	rateLimitService := service.NewRateLimitService(&cfg.RateLimit)
	defer rateLimitService.Stop()
	if cfg.RateLimit.Enabled {
		logger.Logger.Info("Rate limiting enabled", zap.Int("requests_per_minute", cfg.RateLimit.RequestsPerMinute))
	}

	// Connect to Telegram
	api, err := newBotAPI(&cfg.Telegram)
	if err != nil {
		logger.Logger.Fatal("Failed to connect to Telegram", zap.Error(err))
	}
	logger.Logger.Info("Authorized on Telegram", zap.String("username", api.Self.UserName))

	tgBot := bot.New(api, cfg, bot.Deps{
		Access:    accessService,
		Videos:    videoService,
		Downloads: downloadService,
		RateLimit: rateLimitService,
		Quota:     quotaService,
		Storage:   storageManager,
	})

	var srv *http.Server
	if cfg.Server.Enabled {
		srv = newHealthServer(cfg, downloadService, storageManager)
		go func() {
			logger.Logger.Info("Health server listening", zap.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Logger.Error("Health server error", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tgBot.Run(ctx); err != nil {
		logger.Logger.Error("Bot stopped with error", zap.Error(err))
	}

	logger.Logger.Info("Shutting down...")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Logger.Error("Health server forced to shutdown", zap.Error(err))
		}
	}

	logger.Logger.Info("Bot stopped")
}

func newBotAPI(cfg *model.TelegramConfig) (*tgbotapi.BotAPI, error) {
	var (
		api *tgbotapi.BotAPI
		err error
	)
	if cfg.APIEndpoint != "" {
		api, err = tgbotapi.NewBotAPIWithAPIEndpoint(cfg.BotToken, cfg.APIEndpoint)
	} else {
		api, err = tgbotapi.NewBotAPI(cfg.BotToken)
	}
	if err != nil {
		return nil, err
	}
	api.Debug = cfg.Debug
	return api, nil
}

func newHealthServer(cfg *model.Config, ds *service.DownloadService, sm *storage.Manager) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(logger.GinLogger(), gin.Recovery())
	router.Use(middleware.RateLimitMiddleware(middleware.NewLimiter(cfg.Server.RequestsPerSecond)))

	handler.NewHealthHandler(ds, sm).Register(router)
	router.NoRoute(handler.NotFound)

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// probeHealth is the container health check: exit 0 only if the bot answers
func probeHealth(cfg *model.Config) int {
	if !cfg.Server.Enabled {
		fmt.Fprintln(os.Stderr, "health server disabled, nothing to check")
		return 0
	}

	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s:%d/api/health", host, cfg.Server.Port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	return 0
}
