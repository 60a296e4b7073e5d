package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tgvidbot/internal/model"
	"tgvidbot/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls []FetchRequest
	fetch func(ctx context.Context, req FetchRequest, onProgress func(model.Progress)) error
}

func (f *fakeFetcher) Fetch(ctx context.Context, req FetchRequest, onProgress func(model.Progress)) error {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.fetch(ctx, req, onProgress)
}

func (f *fakeFetcher) Calls() []FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FetchRequest(nil), f.calls...)
}

// writingFetcher produces a file of size bytes named after the requested format
func writingFetcher(size int) *fakeFetcher {
	return &fakeFetcher{fetch: func(_ context.Context, req FetchRequest, onProgress func(model.Progress)) error {
		ext := req.VideoFormat
		if req.Format == model.FormatAudio {
			ext = req.AudioFormat
		}
		dir := filepath.Dir(req.OutputTemplate)
		if err := os.WriteFile(filepath.Join(dir, "clip.part"), []byte("x"), 0644); err != nil {
			return err
		}
		onProgress(model.Progress{Percent: 100, DownloadedBytes: int64(size), TotalBytes: int64(size)})
		return os.WriteFile(filepath.Join(dir, "clip."+ext), make([]byte, size), 0644)
	}}
}

func newTestDownloadService(t *testing.T, f Fetcher, opts DownloadOptions) (*DownloadService, *storage.Manager, string) {
	t.Helper()
	dir := t.TempDir()
	sm := storage.NewManager(model.StorageConfig{
		DownloadDir:   dir,
		MaxFileSizeMB: 1,
		CleanupEvery:  time.Hour,
		FileTTL:       time.Hour,
	})
	require.NoError(t, sm.EnsureDownloadDir())

	if opts.MaxConcurrent == 0 {
		opts.MaxConcurrent = 3
	}
	if opts.Quality == "" {
		opts.Quality = "bestvideo+bestaudio"
	}
	opts.VideoFormat = "mp4"
	opts.AudioFormat = "mp3"
	return NewDownloadService(f, sm, opts), sm, dir
}

func request(chatID int64) model.Request {
	return model.Request{ChatID: chatID, URL: "https://youtube.com/watch?v=abc123", Platform: "youtube", ReceivedAt: time.Now()}
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRunAudioJob(t *testing.T) {
	f := writingFetcher(1024)
	s, _, dir := newTestDownloadService(t, f, DownloadOptions{})

	job, err := s.NewJob(request(1), model.FormatAudio, "Clip", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)

	done, err := s.Run(context.Background(), job.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, ".mp3", filepath.Ext(done.FilePath))
	assert.Equal(t, int64(1024), done.FileSize)
	assert.Equal(t, filepath.Join(dir, job.ID), filepath.Dir(done.FilePath))
	assert.FileExists(t, done.FilePath)

	calls := f.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, model.FormatAudio, calls[0].Format)
	assert.Equal(t, "https://youtube.com/watch?v=abc123", calls[0].URL)
	assert.True(t, strings.HasPrefix(calls[0].OutputTemplate, filepath.Join(dir, job.ID)))

	s.Finish(job.ID, nil)
	assert.NoFileExists(t, done.FilePath)
	assert.Empty(t, dirEntries(t, dir))
	assert.False(t, s.IsBusy(1))
	assert.Equal(t, DownloadStats{Completed: 1}, s.Stats())
}

func TestRunSizeExceededLeavesNoFiles(t *testing.T) {
	s, _, dir := newTestDownloadService(t, writingFetcher(2*1024*1024), DownloadOptions{})

	job, err := s.NewJob(request(1), model.FormatVideo, "Big", time.Minute)
	require.NoError(t, err)

	_, err = s.Run(context.Background(), job.ID, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrSizeExceeded)

	var limitErr *model.LimitError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, int64(2*1024*1024), limitErr.Actual)
	assert.Equal(t, int64(1024*1024), limitErr.Limit)

	assert.Empty(t, dirEntries(t, dir))
	s.Finish(job.ID, err)
	assert.Equal(t, int64(1), s.Stats().Failed)
}

func TestRunPassesDurationCeilingToDownloader(t *testing.T) {
	f := &fakeFetcher{fetch: func(_ context.Context, req FetchRequest, _ func(model.Progress)) error {
		return fmt.Errorf("%w: live stream skipped", model.ErrDurationExceeded)
	}}
	s, _, dir := newTestDownloadService(t, f, DownloadOptions{MaxDuration: time.Hour})

	job, err := s.NewJob(request(1), model.FormatVideo, "Live", 0)
	require.NoError(t, err)

	_, err = s.Run(context.Background(), job.ID, nil)
	assert.ErrorIs(t, err, model.ErrDurationExceeded)
	assert.NotErrorIs(t, err, model.ErrDownloadFailed)

	calls := f.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, time.Hour, calls[0].MaxDuration)
	assert.Empty(t, dirEntries(t, dir))
	s.Finish(job.ID, err)
}

func TestNewJobRejectsLongDuration(t *testing.T) {
	f := writingFetcher(10)
	s, _, dir := newTestDownloadService(t, f, DownloadOptions{MaxDuration: time.Hour})

	_, err := s.NewJob(request(1), model.FormatVideo, "Long", 2*time.Hour)
	assert.ErrorIs(t, err, model.ErrDurationExceeded)
	assert.Empty(t, f.Calls())
	assert.Empty(t, dirEntries(t, dir))
	assert.False(t, s.IsBusy(1))
}

func TestSameURLTwiceGetsIndependentJobs(t *testing.T) {
	s, _, _ := newTestDownloadService(t, writingFetcher(100), DownloadOptions{})

	a, err := s.NewJob(request(1), model.FormatVideo, "Clip", time.Minute)
	require.NoError(t, err)
	b, err := s.NewJob(request(2), model.FormatVideo, "Clip", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	doneA, err := s.Run(context.Background(), a.ID, nil)
	require.NoError(t, err)
	doneB, err := s.Run(context.Background(), b.ID, nil)
	require.NoError(t, err)

	assert.NotEqual(t, doneA.FilePath, doneB.FilePath)
	assert.FileExists(t, doneA.FilePath)
	assert.FileExists(t, doneB.FilePath)

	s.Finish(a.ID, nil)
	assert.FileExists(t, doneB.FilePath)
	s.Finish(b.ID, nil)
}

func TestNewJobBusyAndCapacity(t *testing.T) {
	s, _, _ := newTestDownloadService(t, writingFetcher(10), DownloadOptions{MaxConcurrent: 2})

	first, err := s.NewJob(request(1), model.FormatVideo, "", 0)
	require.NoError(t, err)
	assert.True(t, s.IsBusy(1))

	_, err = s.NewJob(request(1), model.FormatAudio, "", 0)
	assert.ErrorIs(t, err, model.ErrChatBusy)

	_, err = s.NewJob(request(2), model.FormatVideo, "", 0)
	require.NoError(t, err)

	_, err = s.NewJob(request(3), model.FormatVideo, "", 0)
	assert.ErrorIs(t, err, model.ErrCapacityReached)
	assert.Len(t, s.ActiveJobs(), 2)

	s.Finish(first.ID, nil)
	s.Finish(first.ID, nil)

	_, err = s.NewJob(request(3), model.FormatVideo, "", 0)
	assert.NoError(t, err)
}

func TestRunFallsBackWhenFormatUnavailable(t *testing.T) {
	inner := writingFetcher(10)
	f := &fakeFetcher{fetch: func(ctx context.Context, req FetchRequest, onProgress func(model.Progress)) error {
		if req.Quality != "best" {
			return model.ErrFormatUnavailable
		}
		return inner.fetch(ctx, req, onProgress)
	}}
	s, _, _ := newTestDownloadService(t, f, DownloadOptions{})

	job, err := s.NewJob(request(1), model.FormatVideo, "", 0)
	require.NoError(t, err)
	_, err = s.Run(context.Background(), job.ID, nil)
	require.NoError(t, err)

	calls := f.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "bestvideo+bestaudio", calls[0].Quality)
	assert.Equal(t, "best", calls[1].Quality)
	s.Finish(job.ID, nil)
}

func TestRunDownloaderFailure(t *testing.T) {
	f := &fakeFetcher{fetch: func(_ context.Context, req FetchRequest, _ func(model.Progress)) error {
		_ = os.WriteFile(filepath.Join(filepath.Dir(req.OutputTemplate), "clip.mp4.part"), []byte("x"), 0644)
		return errors.New("exit status 1: Video unavailable")
	}}
	s, _, dir := newTestDownloadService(t, f, DownloadOptions{})

	job, err := s.NewJob(request(1), model.FormatVideo, "", 0)
	require.NoError(t, err)
	failed, err := s.Run(context.Background(), job.ID, nil)
	assert.ErrorIs(t, err, model.ErrDownloadFailed)
	assert.Equal(t, model.JobStatusFailed, failed.Status)
	assert.Empty(t, dirEntries(t, dir))
	assert.Empty(t, s.ActiveJobs())
	assert.True(t, s.IsBusy(1))
	s.Finish(job.ID, err)
}

func TestRunNoOutputIsDownloadFailure(t *testing.T) {
	f := &fakeFetcher{fetch: func(context.Context, FetchRequest, func(model.Progress)) error { return nil }}
	s, _, _ := newTestDownloadService(t, f, DownloadOptions{})

	job, err := s.NewJob(request(1), model.FormatAudio, "", 0)
	require.NoError(t, err)
	_, err = s.Run(context.Background(), job.ID, nil)
	assert.ErrorIs(t, err, model.ErrDownloadFailed)
	s.Finish(job.ID, err)
}

func TestRunTimeout(t *testing.T) {
	f := &fakeFetcher{fetch: func(ctx context.Context, _ FetchRequest, _ func(model.Progress)) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	s, _, _ := newTestDownloadService(t, f, DownloadOptions{Timeout: 20 * time.Millisecond})

	job, err := s.NewJob(request(1), model.FormatVideo, "", 0)
	require.NoError(t, err)
	_, err = s.Run(context.Background(), job.ID, nil)
	assert.ErrorIs(t, err, model.ErrDownloadFailed)
	assert.Contains(t, err.Error(), "timed out")
	s.Finish(job.ID, err)
}

func TestRunThrottlesProgress(t *testing.T) {
	f := &fakeFetcher{fetch: func(_ context.Context, req FetchRequest, onProgress func(model.Progress)) error {
		for i := int64(1); i <= 100; i++ {
			onProgress(model.Progress{Percent: float64(i), DownloadedBytes: i * 1024 * 1024, TotalBytes: 100 * 1024 * 1024})
		}
		return os.WriteFile(filepath.Join(filepath.Dir(req.OutputTemplate), "clip.mp4"), []byte("x"), 0644)
	}}
	s, _, _ := newTestDownloadService(t, f, DownloadOptions{ProgressInterval: time.Hour})

	job, err := s.NewJob(request(1), model.FormatVideo, "", 0)
	require.NoError(t, err)

	progress := make(chan model.Progress, 100)
	_, err = s.Run(context.Background(), job.ID, progress)
	require.NoError(t, err)
	close(progress)

	var events []model.Progress
	for p := range progress {
		events = append(events, p)
	}
	require.Len(t, events, 1)
	assert.Equal(t, job.ID, events[0].JobID)
	s.Finish(job.ID, nil)
}

func TestRunDoesNotBlockOnFullProgressChannel(t *testing.T) {
	f := &fakeFetcher{fetch: func(_ context.Context, req FetchRequest, onProgress func(model.Progress)) error {
		for i := int64(1); i <= 10; i++ {
			onProgress(model.Progress{DownloadedBytes: i * 1024 * 1024})
		}
		return os.WriteFile(filepath.Join(filepath.Dir(req.OutputTemplate), "clip.mp4"), []byte("x"), 0644)
	}}
	s, _, _ := newTestDownloadService(t, f, DownloadOptions{})

	job, err := s.NewJob(request(1), model.FormatVideo, "", 0)
	require.NoError(t, err)

	progress := make(chan model.Progress)
	_, err = s.Run(context.Background(), job.ID, progress)
	require.NoError(t, err)
	s.Finish(job.ID, nil)
}
