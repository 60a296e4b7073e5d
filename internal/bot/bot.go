package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"tgvidbot/internal/model"
	"tgvidbot/internal/service"
	"tgvidbot/internal/storage"
	"tgvidbot/pkg/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const (
	pendingTTL = time.Hour

	actionCancel = "cancel"
)

// Deps groups the services the bot orchestrates
type Deps struct {
	Access    *service.AccessService
	Videos    *service.VideoService
	Downloads *service.DownloadService
	RateLimit *service.RateLimitService
	Quota     *service.QuotaService
	Storage   *storage.Manager
}

// Bot turns Telegram updates into download jobs
type Bot struct {
	api        API
	dispatcher *Dispatcher
	cfg        *model.Config
	deps       Deps
	pending    *pendingStore
	wg         sync.WaitGroup
	now        func() time.Time
}

// New creates a bot on top of api
func New(api API, cfg *model.Config, deps Deps) *Bot {
	return &Bot{
		api: api,
		dispatcher: NewDispatcher(api, DispatcherOptions{
			Retries:     cfg.Telegram.SendRetries,
			Backoff:     time.Duration(cfg.Telegram.RetryBackoffMS) * time.Millisecond,
			UploadLimit: cfg.UploadLimitBytes(),
		}),
		cfg:     cfg,
		deps:    deps,
		pending: newPendingStore(pendingTTL),
		now:     time.Now,
	}
}

// Run long-polls for updates until ctx is done, handling each one on its own
// goroutine so a slow download never stalls other chats. It returns once every
// handler has exited.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.Telegram.PollTimeout
	updates := b.api.GetUpdatesChan(u)

	logger.Logger.Info("Bot is polling for updates")

	defer b.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			logger.Logger.Info("Bot stopped polling, waiting for handlers")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.HandleUpdate(ctx, update)
			}()
		}
	}
}

// HandleUpdate processes a single update. Failures are reported to the chat
// and logged; they never escape.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			logger.Logger.Error("Panic while handling update", zap.Int("update_id", update.UpdateID), zap.Any("panic", r))
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.Chat != nil:
		if update.Message.IsCommand() {
			b.handleCommand(ctx, update.Message)
			return
		}
		b.handleText(ctx, update.Message)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !b.deps.Access.IsChatAllowed(chatID) {
		b.deny(ctx, chatID)
		return
	}

	logger.Logger.Info("Command received", zap.Int64("chat_id", chatID), zap.String("command", msg.Command()))

	var text string
	switch msg.Command() {
	case "start":
		text = startText(b.deps.Access.EnabledPlatforms())
	case "help":
		text = helpText(b.cfg)
	case "status":
		text = statusText(b.deps.Downloads.ActiveJobs(), b.deps.Quota.GetQuotaInfo(chatID), b.deps.RateLimit.GetRemaining(chatID), b.now())
	case "cleanup":
		removed := b.deps.Storage.SweepOrphans()
		text = fmt.Sprintf("🧹 Cleanup done. Removed %d leftover entries.", removed)
	default:
		text = msgUnknown
	}
	b.reply(ctx, chatID, text)
}

func (b *Bot) handleText(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !b.deps.Access.IsChatAllowed(chatID) {
		b.deny(ctx, chatID)
		return
	}

	rawURL := extractURL(msg.Text)
	if rawURL == "" {
		b.reply(ctx, chatID, msgNoURL)
		return
	}

	decision := b.deps.Access.Check(chatID, rawURL)
	if !decision.Allowed {
		logger.Logger.Info("Request rejected",
			zap.Int64("chat_id", chatID),
			zap.String("url", rawURL),
			zap.Error(decision.Reason))
		b.reply(ctx, chatID, userMessage(decision.Reason))
		return
	}

	if !b.deps.RateLimit.IsAllowed(chatID) {
		b.reply(ctx, chatID, userMessage(model.ErrRateLimited))
		return
	}
	if b.deps.Downloads.IsBusy(chatID) {
		b.reply(ctx, chatID, userMessage(model.ErrChatBusy))
		return
	}

	req := model.Request{
		ChatID:     chatID,
		URL:        rawURL,
		Platform:   decision.Platform,
		ReceivedAt: b.now(),
	}
	logger.Logger.Info("Request accepted",
		zap.Int64("chat_id", chatID),
		zap.String("url", rawURL),
		zap.String("platform", req.Platform))

	statusID, err := b.dispatcher.Reply(ctx, chatID, msgProbing)
	if err != nil {
		return
	}

	info, err := b.deps.Videos.GetVideoInfo(ctx, rawURL)
	if err != nil {
		b.edit(ctx, chatID, statusID, userMessage(err), nil)
		return
	}

	if !b.quotaAllows(chatID, info) {
		b.edit(ctx, chatID, statusID, userMessage(model.ErrQuotaExhausted), nil)
		return
	}

	if threshold := b.cfg.AutoDownloadThreshold(); threshold > 0 && info.Duration > 0 && info.Duration < threshold {
		b.startJob(ctx, req, model.FormatVideo, info, statusID)
		return
	}

	token := b.pending.Put(selection{Request: req, Info: *info, MessageID: statusID})
	keyboard := formatKeyboard(token)
	b.edit(ctx, chatID, statusID, infoText(info), &keyboard)
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil || cb.Message.Chat == nil {
		b.answer(ctx, cb.ID, "")
		return
	}
	chatID := cb.Message.Chat.ID
	messageID := cb.Message.MessageID

	if !b.deps.Access.IsChatAllowed(chatID) {
		b.answer(ctx, cb.ID, userMessage(model.ErrAccessDenied))
		return
	}

	action, token, _ := strings.Cut(cb.Data, ":")
	sel, ok := b.pending.Take(token, chatID)
	if !ok {
		b.answer(ctx, cb.ID, msgExpired)
		b.edit(ctx, chatID, messageID, msgExpired, nil)
		return
	}
	b.answer(ctx, cb.ID, "")

	if action == actionCancel {
		b.edit(ctx, chatID, messageID, msgCancelled, nil)
		return
	}

	format, ok := model.ParseFormat(action)
	if !ok {
		logger.Logger.Warn("Unknown callback action", zap.String("data", cb.Data))
		b.edit(ctx, chatID, messageID, msgExpired, nil)
		return
	}

	b.startJob(ctx, sel.Request, format, &sel.Info, messageID)
}

// startJob admits a job and runs it to completion on the calling goroutine
func (b *Bot) startJob(ctx context.Context, req model.Request, format model.Format, info *model.VideoInfo, statusID int) {
	// usage may have grown while the keyboard was showing
	if !b.quotaAllows(req.ChatID, info) {
		b.edit(ctx, req.ChatID, statusID, userMessage(model.ErrQuotaExhausted), nil)
		return
	}

	job, err := b.deps.Downloads.NewJob(req, format, info.Title, info.Duration)
	if err != nil {
		b.edit(ctx, req.ChatID, statusID, userMessage(err), nil)
		return
	}

	err = b.runJob(ctx, job, statusID)
	b.deps.Downloads.Finish(job.ID, err)
}

// quotaAllows reports whether the chat has quota left for the estimated size.
// An unknown size still needs some quota left.
func (b *Bot) quotaAllows(chatID int64, info *model.VideoInfo) bool {
	ok, _ := b.deps.Quota.CheckQuota(chatID, int64(math.Ceil(info.EstimatedSizeMB)))
	return ok
}

func (b *Bot) runJob(ctx context.Context, job model.Job, statusID int) error {
	chatID := job.Request.ChatID
	b.edit(ctx, chatID, statusID, fmt.Sprintf("⬇️ Downloading %s...", job.Format), nil)

	var progress chan model.Progress
	consumed := make(chan struct{})
	if b.cfg.Download.ShowDownloadProgress {
		progress = make(chan model.Progress, 1)
		go func() {
			defer close(consumed)
			for p := range progress {
				b.edit(ctx, chatID, statusID, progressText(job.Format, p), nil)
			}
		}()
	} else {
		close(consumed)
	}

	done, err := b.deps.Downloads.Run(ctx, job.ID, progress)
	if progress != nil {
		close(progress)
	}
	<-consumed

	if err != nil {
		b.edit(ctx, chatID, statusID, userMessage(err), nil)
		return err
	}

	b.deps.Downloads.MarkUploading(job.ID)
	b.edit(ctx, chatID, statusID, fmt.Sprintf("📤 Uploading (%s)...", sizeMB(done.FileSize)), nil)

	if err := b.dispatcher.SendFile(ctx, chatID, done); err != nil {
		logger.Logger.Error("Failed to deliver file",
			zap.String("job_id", job.ID),
			zap.Int64("chat_id", chatID),
			zap.Int64("size_bytes", done.FileSize),
			zap.Error(err))
		b.edit(ctx, chatID, statusID, userMessage(err), nil)
		return err
	}

	b.deps.Quota.AddUsage(chatID, done.FileSize)
	b.edit(ctx, chatID, statusID, fmt.Sprintf("✅ Completed. Size: %s", sizeMB(done.FileSize)), nil)
	return nil
}

func (b *Bot) deny(ctx context.Context, chatID int64) {
	logger.Logger.Warn("Unauthorized chat", zap.Int64("chat_id", chatID))
	b.reply(ctx, chatID, userMessage(model.ErrAccessDenied))
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if _, err := b.dispatcher.Reply(ctx, chatID, text); err != nil {
		logger.Logger.Error("Failed to send message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (b *Bot) edit(ctx context.Context, chatID int64, messageID int, text string, markup *tgbotapi.InlineKeyboardMarkup) {
	if err := b.dispatcher.Edit(ctx, chatID, messageID, text, markup); err != nil && !errors.Is(err, context.Canceled) {
		logger.Logger.Error("Failed to edit message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (b *Bot) answer(ctx context.Context, callbackID, text string) {
	if err := b.dispatcher.AnswerCallback(ctx, callbackID, text); err != nil {
		logger.Logger.Debug("Failed to answer callback", zap.Error(err))
	}
}

func formatKeyboard(token string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🎬 Video", string(model.FormatVideo)+":"+token),
			tgbotapi.NewInlineKeyboardButtonData("🎵 Audio", string(model.FormatAudio)+":"+token),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("❌ Cancel", actionCancel+":"+token),
		),
	)
}

// extractURL returns the first http(s) link in text
func extractURL(text string) string {
	for _, field := range strings.Fields(text) {
		lower := strings.ToLower(field)
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
			return field
		}
	}
	return ""
}
