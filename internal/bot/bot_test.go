package bot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tgvidbot/internal/model"
	"tgvidbot/internal/service"
	"tgvidbot/internal/storage"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	allowedChat  int64 = 100
	strangerChat int64 = 999
	videoURL           = "https://youtube.com/watch?v=abc123"
)

type fakeAPI struct {
	mu      sync.Mutex
	sent    []tgbotapi.Chattable
	nextID  int
	send    func(c tgbotapi.Chattable) (tgbotapi.Message, error)
	request func(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	updates chan tgbotapi.Update
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	f.sent = append(f.sent, c)
	f.nextID++
	id := f.nextID
	f.mu.Unlock()
	if f.send != nil {
		return f.send(c)
	}
	return tgbotapi.Message{MessageID: id}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	f.sent = append(f.sent, c)
	f.mu.Unlock()
	if f.request != nil {
		return f.request(c)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {}

func (f *fakeAPI) Sent() []tgbotapi.Chattable {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.Chattable(nil), f.sent...)
}

// texts returns the text of every message and edit, in order
func (f *fakeAPI) texts() []string {
	var out []string
	for _, c := range f.Sent() {
		switch m := c.(type) {
		case tgbotapi.MessageConfig:
			out = append(out, m.Text)
		case tgbotapi.EditMessageTextConfig:
			out = append(out, m.Text)
		}
	}
	return out
}

func (f *fakeAPI) lastText() string {
	texts := f.texts()
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

func (f *fakeAPI) keyboard() *tgbotapi.InlineKeyboardMarkup {
	var markup *tgbotapi.InlineKeyboardMarkup
	for _, c := range f.Sent() {
		if m, ok := c.(tgbotapi.EditMessageTextConfig); ok && m.ReplyMarkup != nil {
			markup = m.ReplyMarkup
		}
	}
	return markup
}

type fakeProber struct {
	calls int
	md    *model.VideoMetadata
}

func (p *fakeProber) Probe(context.Context, string) (*model.VideoMetadata, error) {
	p.calls++
	return p.md, nil
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []service.FetchRequest
	size  int
}

func (f *fakeFetcher) Fetch(_ context.Context, req service.FetchRequest, _ func(model.Progress)) error {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	ext := req.VideoFormat
	if req.Format == model.FormatAudio {
		ext = req.AudioFormat
	}
	return os.WriteFile(filepath.Join(filepath.Dir(req.OutputTemplate), "clip."+ext), make([]byte, f.size), 0644)
}

func (f *fakeFetcher) Calls() []service.FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]service.FetchRequest(nil), f.calls...)
}

type harness struct {
	bot     *Bot
	api     *fakeAPI
	prober  *fakeProber
	fetcher *fakeFetcher
	dir     string
}

func newHarness(t *testing.T, mutate func(cfg *model.Config)) *harness {
	t.Helper()
	dir := t.TempDir()

	cfg := &model.Config{
		Telegram: model.TelegramConfig{
			AllowedChatIDs: []int64{allowedChat},
			MaxFileSizeMB:  1,
			UploadLimitMB:  50,
			SendRetries:    1,
		},
		Download: model.DownloadConfig{
			OutputDir:          dir,
			Quality:            "best",
			VideoFormat:        "mp4",
			AudioFormat:        "mp3",
			MaxDurationMinutes: 60,
		},
		Limits:         model.LimitsConfig{MaxConcurrentDownloads: 2},
		SupportedSites: map[string]bool{"youtube": true, "vimeo": true},
	}
	if mutate != nil {
		mutate(cfg)
	}

	sm := storage.NewManager(cfg.Storage())
	require.NoError(t, sm.EnsureDownloadDir())

	h := &harness{
		api:     &fakeAPI{},
		prober:  &fakeProber{md: &model.VideoMetadata{Title: "Clip", Uploader: "someone", Duration: 120}},
		fetcher: &fakeFetcher{size: 2048},
		dir:     dir,
	}

	rl := service.NewRateLimitService(&cfg.RateLimit)
	t.Cleanup(rl.Stop)

	h.bot = New(h.api, cfg, Deps{
		Access: service.NewAccessService(cfg),
		Videos: service.NewVideoService(h.prober, time.Second, cfg.MaxDuration()),
		Downloads: service.NewDownloadService(h.fetcher, sm, service.DownloadOptions{
			Quality:       cfg.Download.Quality,
			VideoFormat:   cfg.Download.VideoFormat,
			AudioFormat:   cfg.Download.AudioFormat,
			MaxConcurrent: cfg.Limits.MaxConcurrentDownloads,
			MaxDuration:   cfg.MaxDuration(),
		}),
		RateLimit: rl,
		Quota:     service.NewQuotaService(&cfg.Quota),
		Storage:   sm,
	})
	return h
}

func textUpdate(chatID int64, text string) tgbotapi.Update {
	msg := &tgbotapi.Message{MessageID: 1, Chat: &tgbotapi.Chat{ID: chatID}, Text: text}
	if strings.HasPrefix(text, "/") {
		cmd := strings.Fields(text)[0]
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	}
	return tgbotapi.Update{UpdateID: 1, Message: msg}
}

func callbackUpdate(chatID int64, messageID int, data string) tgbotapi.Update {
	return tgbotapi.Update{UpdateID: 2, CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb",
		Data:    data,
		Message: &tgbotapi.Message{MessageID: messageID, Chat: &tgbotapi.Chat{ID: chatID}},
	}}
}

func (h *harness) dirEntries(t *testing.T) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	return entries
}

func (h *harness) uploads() []tgbotapi.Chattable {
	var out []tgbotapi.Chattable
	for _, c := range h.api.Sent() {
		switch c.(type) {
		case tgbotapi.AudioConfig, tgbotapi.VideoConfig:
			out = append(out, c)
		}
	}
	return out
}

// buttonData returns the callback data of the shown button for action
func (h *harness) buttonData(t *testing.T, action string) string {
	t.Helper()
	kb := h.api.keyboard()
	require.NotNil(t, kb, "format keyboard not shown")

	var data string
	for _, row := range kb.InlineKeyboard {
		for _, btn := range row {
			if btn.CallbackData != nil && strings.HasPrefix(*btn.CallbackData, action+":") {
				data = *btn.CallbackData
			}
		}
	}
	require.NotEmpty(t, data)
	assert.LessOrEqual(t, len(data), 64)
	return data
}

// choose submits url and presses the button for action
func (h *harness) choose(t *testing.T, action string) {
	t.Helper()
	ctx := context.Background()
	h.bot.HandleUpdate(ctx, textUpdate(allowedChat, videoURL))
	h.bot.HandleUpdate(ctx, callbackUpdate(allowedChat, 1, h.buttonData(t, action)))
}

func TestDisallowedChatIsDenied(t *testing.T) {
	h := newHarness(t, nil)

	h.bot.HandleUpdate(context.Background(), textUpdate(strangerChat, videoURL))

	assert.Contains(t, h.api.lastText(), "not authorized")
	assert.Zero(t, h.prober.calls)
	assert.Empty(t, h.fetcher.Calls())
}

func TestUnsupportedDomainIsRejected(t *testing.T) {
	h := newHarness(t, nil)

	h.bot.HandleUpdate(context.Background(), textUpdate(allowedChat, "look https://blog.example.com/post"))

	assert.Contains(t, h.api.lastText(), "not from a supported platform")
	assert.Zero(t, h.prober.calls)
	assert.Empty(t, h.fetcher.Calls())
}

func TestTextWithoutURL(t *testing.T) {
	h := newHarness(t, nil)
	h.bot.HandleUpdate(context.Background(), textUpdate(allowedChat, "hello"))
	assert.Equal(t, msgNoURL, h.api.lastText())
}

func TestAudioDownloadIsDelivered(t *testing.T) {
	h := newHarness(t, nil)

	h.choose(t, "audio")

	calls := h.fetcher.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, model.FormatAudio, calls[0].Format)
	assert.Equal(t, videoURL, calls[0].URL)

	uploads := h.uploads()
	require.Len(t, uploads, 1)
	audio, ok := uploads[0].(tgbotapi.AudioConfig)
	require.True(t, ok)
	assert.Equal(t, allowedChat, audio.ChatID)
	assert.Equal(t, "Clip", audio.Title)
	assert.Equal(t, ".mp3", filepath.Ext(string(audio.File.(tgbotapi.FilePath))))

	assert.Contains(t, h.api.lastText(), "Completed")
	assert.Empty(t, h.dirEntries(t))
	assert.False(t, h.bot.deps.Downloads.IsBusy(allowedChat))
}

func TestVideoTooLongIsRefusedBeforeDownload(t *testing.T) {
	h := newHarness(t, nil)
	h.prober.md.Duration = 2 * 60 * 60

	h.bot.HandleUpdate(context.Background(), textUpdate(allowedChat, videoURL))

	assert.Contains(t, h.api.lastText(), "too long")
	assert.Nil(t, h.api.keyboard())
	assert.Empty(t, h.fetcher.Calls())
	assert.Empty(t, h.uploads())
	assert.Empty(t, h.dirEntries(t))
}

func TestOversizedFileIsNeverSent(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.size = 2 * 1024 * 1024

	h.choose(t, "video")

	require.Len(t, h.fetcher.Calls(), 1)
	assert.Empty(t, h.uploads())
	assert.Contains(t, h.api.lastText(), "too large")
	assert.Empty(t, h.dirEntries(t))
}

func TestCancelButton(t *testing.T) {
	h := newHarness(t, nil)

	h.choose(t, "cancel")

	assert.Equal(t, msgCancelled, h.api.lastText())
	assert.Empty(t, h.fetcher.Calls())
	assert.Zero(t, h.bot.pending.Len())
}

func TestExpiredCallback(t *testing.T) {
	h := newHarness(t, nil)

	h.bot.HandleUpdate(context.Background(), callbackUpdate(allowedChat, 5, "video:does-not-exist"))

	assert.Equal(t, msgExpired, h.api.lastText())
	assert.Empty(t, h.fetcher.Calls())
}

func TestCallbackFromOtherChatKeepsSelection(t *testing.T) {
	const otherChat int64 = 200
	h := newHarness(t, func(cfg *model.Config) {
		cfg.Telegram.AllowedChatIDs = []int64{allowedChat, otherChat}
	})
	ctx := context.Background()

	h.bot.HandleUpdate(ctx, textUpdate(allowedChat, videoURL))
	data := h.buttonData(t, "audio")

	h.bot.HandleUpdate(ctx, callbackUpdate(otherChat, 7, data))
	assert.Equal(t, msgExpired, h.api.lastText())
	assert.Empty(t, h.fetcher.Calls())
	assert.Equal(t, 1, h.bot.pending.Len())

	h.bot.HandleUpdate(ctx, callbackUpdate(allowedChat, 1, data))
	require.Len(t, h.fetcher.Calls(), 1)
	assert.Len(t, h.uploads(), 1)
}

func TestQuotaExhaustedRefusesUnknownSize(t *testing.T) {
	h := newHarness(t, func(cfg *model.Config) {
		cfg.Quota = model.QuotaConfig{Enabled: true, DailyLimitMB: 1}
	})
	h.prober.md.Duration = 0
	h.bot.deps.Quota.AddUsage(allowedChat, 5*1024*1024)

	h.bot.HandleUpdate(context.Background(), textUpdate(allowedChat, videoURL))

	assert.Contains(t, h.api.lastText(), "quota reached")
	assert.Nil(t, h.api.keyboard())
	assert.Empty(t, h.fetcher.Calls())
}

func TestQuotaRecheckedWhenButtonPressed(t *testing.T) {
	h := newHarness(t, func(cfg *model.Config) {
		cfg.Quota = model.QuotaConfig{Enabled: true, DailyLimitMB: 10}
	})
	ctx := context.Background()

	h.bot.HandleUpdate(ctx, textUpdate(allowedChat, videoURL))
	data := h.buttonData(t, "video")

	h.bot.deps.Quota.AddUsage(allowedChat, 10*1024*1024)
	h.bot.HandleUpdate(ctx, callbackUpdate(allowedChat, 1, data))

	assert.Contains(t, h.api.lastText(), "quota reached")
	assert.Empty(t, h.fetcher.Calls())
	assert.Empty(t, h.uploads())
	assert.False(t, h.bot.deps.Downloads.IsBusy(allowedChat))
}

func TestAutoDownloadShortVideos(t *testing.T) {
	h := newHarness(t, func(cfg *model.Config) {
		cfg.Download.AutoDownloadVideoUnderMinutes = 5
	})

	h.bot.HandleUpdate(context.Background(), textUpdate(allowedChat, videoURL))

	assert.Nil(t, h.api.keyboard())
	calls := h.fetcher.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, model.FormatVideo, calls[0].Format)
	require.Len(t, h.uploads(), 1)
	_, ok := h.uploads()[0].(tgbotapi.VideoConfig)
	assert.True(t, ok)
}

func TestEmptyAllowListIsUnrestricted(t *testing.T) {
	h := newHarness(t, func(cfg *model.Config) {
		cfg.Telegram.AllowedChatIDs = nil
	})

	h.bot.HandleUpdate(context.Background(), textUpdate(strangerChat, videoURL))

	assert.Equal(t, 1, h.prober.calls)
	assert.NotNil(t, h.api.keyboard())
}

func TestCommands(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.bot.HandleUpdate(ctx, textUpdate(allowedChat, "/start"))
	assert.Contains(t, h.api.lastText(), "youtube, vimeo")

	h.bot.HandleUpdate(ctx, textUpdate(allowedChat, "/help"))
	assert.Contains(t, h.api.lastText(), "Max duration: 60 min")

	h.bot.HandleUpdate(ctx, textUpdate(allowedChat, "/status"))
	assert.Contains(t, h.api.lastText(), msgNoActiveJobs)

	stale := filepath.Join(h.dir, "stale")
	require.NoError(t, os.MkdirAll(stale, 0755))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	h.bot.HandleUpdate(ctx, textUpdate(allowedChat, "/cleanup"))
	assert.Contains(t, h.api.lastText(), "Removed 1")
	assert.NoDirExists(t, stale)

	h.bot.HandleUpdate(ctx, textUpdate(allowedChat, "/nope"))
	assert.Equal(t, msgUnknown, h.api.lastText())

	h.bot.HandleUpdate(ctx, textUpdate(strangerChat, "/status"))
	assert.Contains(t, h.api.lastText(), "not authorized")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.api.updates = make(chan tgbotapi.Update, 1)
	h.api.updates <- textUpdate(allowedChat, "hello")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.bot.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.api.texts()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
