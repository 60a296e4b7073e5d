package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tgvidbot/internal/model"
	"tgvidbot/pkg/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// API is the part of *tgbotapi.BotAPI the bot uses
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// DispatcherOptions configures delivery retries
type DispatcherOptions struct {
	Retries     int
	Backoff     time.Duration
	UploadLimit int64 // bytes
}

// Dispatcher sends messages and files back to chats, retrying transient failures
type Dispatcher struct {
	api   API
	opts  DispatcherOptions
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(api API, opts DispatcherOptions) *Dispatcher {
	if opts.Retries < 1 {
		opts.Retries = 1
	}
	return &Dispatcher{api: api, opts: opts, sleep: sleepCtx}
}

// Reply sends a plain text message and returns its id
func (d *Dispatcher) Reply(ctx context.Context, chatID int64, text string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	sent, err := d.send(ctx, msg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// Edit replaces the text of a message, optionally with an inline keyboard
func (d *Dispatcher) Edit(ctx context.Context, chatID int64, messageID int, text string, markup *tgbotapi.InlineKeyboardMarkup) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.DisableWebPagePreview = true
	edit.ReplyMarkup = markup
	return d.request(ctx, edit)
}

// AnswerCallback acknowledges a button press
func (d *Dispatcher) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return d.request(ctx, tgbotapi.NewCallback(callbackID, text))
}

// SendFile uploads the output of a finished job as audio or video.
// Files above the upload ceiling are refused before any network call.
func (d *Dispatcher) SendFile(ctx context.Context, chatID int64, job model.Job) error {
	if d.opts.UploadLimit > 0 && job.FileSize > d.opts.UploadLimit {
		return &model.LimitError{Kind: model.ErrDeliveryFailed, Actual: job.FileSize, Limit: d.opts.UploadLimit}
	}

	var upload tgbotapi.Chattable
	file := tgbotapi.FilePath(job.FilePath)
	seconds := int(job.Duration.Seconds())

	switch job.Format {
	case model.FormatAudio:
		audio := tgbotapi.NewAudio(chatID, file)
		audio.Title = job.Title
		audio.Duration = seconds
		upload = audio
	default:
		video := tgbotapi.NewVideo(chatID, file)
		video.Caption = job.Title
		video.Duration = seconds
		video.SupportsStreaming = true
		upload = video
	}

	if _, err := d.send(ctx, upload); err != nil {
		return fmt.Errorf("%w: %v", model.ErrDeliveryFailed, err)
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	var msg tgbotapi.Message
	err := d.withRetry(ctx, func() error {
		var err error
		msg, err = d.api.Send(c)
		return err
	})
	return msg, err
}

func (d *Dispatcher) request(ctx context.Context, c tgbotapi.Chattable) error {
	err := d.withRetry(ctx, func() error {
		_, err := d.api.Request(c)
		return err
	})
	if isNotModified(err) {
		return nil
	}
	return err
}

// withRetry runs fn up to Retries times with exponential backoff.
// Telegram's retry_after wins over the computed delay; other client errors are final.
func (d *Dispatcher) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < d.opts.Retries; attempt++ {
		if attempt > 0 {
			delay := d.opts.Backoff << (attempt - 1)
			if retryAfter := retryAfter(lastErr); retryAfter > 0 {
				delay = retryAfter
			}
			if err := d.sleep(ctx, delay); err != nil {
				return lastErr
			}
			logger.Logger.Debug("Retrying Telegram request", zap.Int("attempt", attempt+1), zap.Error(lastErr))
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			break
		}
	}

	logger.Logger.Warn("Telegram request failed", zap.Error(lastErr))
	return lastErr
}

func apiError(err error) (tgbotapi.Error, bool) {
	var ptr *tgbotapi.Error
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	var val tgbotapi.Error
	if errors.As(err, &val) {
		return val, true
	}
	return tgbotapi.Error{}, false
}

func retryable(err error) bool {
	apiErr, ok := apiError(err)
	if !ok {
		// network level failure
		return true
	}
	if apiErr.Code == 429 {
		return true
	}
	return apiErr.Code < 400 || apiErr.Code >= 500
}

func retryAfter(err error) time.Duration {
	if apiErr, ok := apiError(err); ok && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second
	}
	return 0
}

func isNotModified(err error) bool {
	apiErr, ok := apiError(err)
	return ok && strings.Contains(apiErr.Message, "message is not modified")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
