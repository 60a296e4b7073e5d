package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"tgvidbot/internal/model"
	"tgvidbot/internal/storage"
	"tgvidbot/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// progressMinDelta is the least amount of new data worth a progress event
const progressMinDelta = 512 * 1024

// fallbackQuality is used when the configured format selector matches nothing
const fallbackQuality = "best"

// FetchRequest describes one downloader invocation
type FetchRequest struct {
	URL            string
	Format         model.Format
	OutputTemplate string
	Quality        string
	VideoFormat    string
	AudioFormat    string
	Proxy          string
	MaxDuration    time.Duration
}

// Fetcher runs the external downloader. onProgress may be called from another goroutine.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest, onProgress func(model.Progress)) error
}

// DownloadOptions holds the orchestrator limits
type DownloadOptions struct {
	Quality          string
	VideoFormat      string
	AudioFormat      string
	Proxy            string
	MaxConcurrent    int
	MaxDuration      time.Duration
	Timeout          time.Duration
	ProgressInterval time.Duration
}

// DownloadStats counts finished jobs since startup
type DownloadStats struct {
	Active    int
	Completed int64
	Failed    int64
}

// DownloadService runs download jobs: one private directory per job,
// at most one job per chat and MaxConcurrent jobs overall.
type DownloadService struct {
	fetcher Fetcher
	storage *storage.Manager
	opts    DownloadOptions
	sem     *semaphore.Weighted

	mu        sync.RWMutex
	jobs      map[string]*model.Job
	chats     map[int64]string
	completed int64
	failed    int64
	now       func() time.Time
}

// NewDownloadService creates a new download service
func NewDownloadService(fetcher Fetcher, sm *storage.Manager, opts DownloadOptions) *DownloadService {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	return &DownloadService{
		fetcher: fetcher,
		storage: sm,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		jobs:    make(map[string]*model.Job),
		chats:   make(map[int64]string),
		now:     time.Now,
	}
}

// NewJob registers a job for req. It fails when the chat already has a job,
// when every slot is taken or when the duration is over the ceiling.
// A successful call must be paired with Finish.
func (s *DownloadService) NewJob(req model.Request, format model.Format, title string, duration time.Duration) (model.Job, error) {
	if s.opts.MaxDuration > 0 && duration > s.opts.MaxDuration {
		return model.Job{}, &model.LimitError{
			Kind:   model.ErrDurationExceeded,
			Actual: int64(duration.Seconds()),
			Limit:  int64(s.opts.MaxDuration.Seconds()),
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.chats[req.ChatID]; busy {
		return model.Job{}, model.ErrChatBusy
	}
	if !s.sem.TryAcquire(1) {
		return model.Job{}, model.ErrCapacityReached
	}

	job := &model.Job{
		ID:        uuid.NewString(),
		Request:   req,
		Format:    format,
		Status:    model.JobStatusPending,
		Title:     title,
		Duration:  duration,
		StartedAt: s.now(),
	}
	s.jobs[job.ID] = job
	s.chats[req.ChatID] = job.ID

	logger.Logger.Info("Job created",
		zap.String("job_id", job.ID),
		zap.Int64("chat_id", req.ChatID),
		zap.String("format", string(format)),
		zap.String("platform", req.Platform))

	return *job, nil
}

// IsBusy reports whether chatID has a job in flight
func (s *DownloadService) IsBusy(chatID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, busy := s.chats[chatID]
	return busy
}

// Run downloads the media of a job into its own directory and returns the
// finished job. Throttled progress events go to progress, which may be nil;
// events are dropped rather than blocking the downloader.
// On any error the job's files are already gone.
func (s *DownloadService) Run(ctx context.Context, jobID string, progress chan<- model.Progress) (model.Job, error) {
	job, ok := s.update(jobID, func(j *model.Job) { j.Status = model.JobStatusDownloading })
	if !ok {
		return model.Job{}, fmt.Errorf("unknown job %s", jobID)
	}

	dir, err := s.storage.CreateJobDir(jobID)
	if err != nil {
		return s.fail(jobID, fmt.Errorf("%w: %v", model.ErrDownloadFailed, err))
	}

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	req := FetchRequest{
		URL:            job.Request.URL,
		Format:         job.Format,
		OutputTemplate: filepath.Join(dir, "%(title).100B.%(ext)s"),
		Quality:        s.opts.Quality,
		VideoFormat:    s.opts.VideoFormat,
		AudioFormat:    s.opts.AudioFormat,
		Proxy:          s.opts.Proxy,
		MaxDuration:    s.opts.MaxDuration,
	}

	reporter := newProgressReporter(jobID, progress, s.opts.ProgressInterval)
	onProgress := func(p model.Progress) {
		s.update(jobID, func(j *model.Job) {
			j.Percent = p.Percent
			j.DownloadedBytes = p.DownloadedBytes
			j.TotalBytes = p.TotalBytes
		})
		reporter.report(p)
	}

	err = s.fetcher.Fetch(ctx, req, onProgress)
	if errors.Is(err, model.ErrFormatUnavailable) && job.Format == model.FormatVideo && req.Quality != fallbackQuality {
		logger.Logger.Warn("Requested format unavailable, retrying with fallback",
			zap.String("job_id", jobID),
			zap.String("quality", req.Quality))
		req.Quality = fallbackQuality
		err = s.fetcher.Fetch(ctx, req, onProgress)
	}
	reporter.stop()

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: timed out after %s", model.ErrDownloadFailed, s.opts.Timeout)
		} else if !errors.Is(err, model.ErrDownloadFailed) && !errors.Is(err, model.ErrDurationExceeded) {
			err = fmt.Errorf("%w: %v", model.ErrDownloadFailed, err)
		}
		return s.fail(jobID, err)
	}

	path, size, err := s.storage.FindOutput(jobID)
	if err != nil {
		return s.fail(jobID, fmt.Errorf("%w: %v", model.ErrDownloadFailed, err))
	}

	if !s.storage.ValidateFileSize(size) {
		return s.fail(jobID, &model.LimitError{
			Kind:   model.ErrSizeExceeded,
			Actual: size,
			Limit:  s.storage.MaxFileSizeBytes(),
		})
	}

	done, _ := s.update(jobID, func(j *model.Job) {
		j.FilePath = path
		j.FileSize = size
		j.Percent = 100
	})

	logger.Logger.Info("Download finished",
		zap.String("job_id", jobID),
		zap.String("path", path),
		zap.Int64("size", size),
		zap.Duration("elapsed", done.Elapsed(s.now())))

	return done, nil
}

// MarkUploading moves a downloaded job into the uploading state
func (s *DownloadService) MarkUploading(jobID string) {
	s.update(jobID, func(j *model.Job) { j.Status = model.JobStatusUploading })
}

// Finish ends a job: its files are deleted, its slot and chat are freed.
// Calling Finish for an unknown or already finished job is a no-op.
func (s *DownloadService) Finish(jobID string, jobErr error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.jobs, jobID)
	if s.chats[job.Request.ChatID] == jobID {
		delete(s.chats, job.Request.ChatID)
	}
	job.FinishedAt = s.now()
	if jobErr != nil {
		job.Status = model.JobStatusFailed
		job.LastError = jobErr.Error()
		s.failed++
	} else {
		job.Status = model.JobStatusCompleted
		s.completed++
	}
	s.mu.Unlock()

	s.sem.Release(1)
	_ = s.storage.Release(jobID)

	logger.Logger.Info("Job finished",
		zap.String("job_id", jobID),
		zap.String("status", job.Status.String()),
		zap.Duration("elapsed", job.Elapsed(job.FinishedAt)),
		zap.String("error", job.LastError))
}

// ActiveJobs returns a snapshot of the jobs still working, oldest first.
// A failed job waiting for Finish is left out.
func (s *DownloadService) ActiveJobs() []model.Job {
	s.mu.RLock()
	jobs := make([]model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.Status.IsActive() {
			jobs = append(jobs, *j)
		}
	}
	s.mu.RUnlock()

	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].StartedAt.Before(jobs[b].StartedAt)
	})
	return jobs
}

// Stats returns job counters
func (s *DownloadService) Stats() DownloadStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return DownloadStats{
		Active:    len(s.jobs),
		Completed: s.completed,
		Failed:    s.failed,
	}
}

// fail records err on the job and removes whatever it wrote
func (s *DownloadService) fail(jobID string, err error) (model.Job, error) {
	job, _ := s.update(jobID, func(j *model.Job) {
		j.Status = model.JobStatusFailed
		j.LastError = err.Error()
	})
	_ = s.storage.Release(jobID)

	logger.Logger.Warn("Download failed", zap.String("job_id", jobID), zap.Error(err))
	return job, err
}

func (s *DownloadService) update(jobID string, fn func(*model.Job)) (model.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return model.Job{}, false
	}
	fn(job)
	return *job, true
}

// progressReporter forwards at most one event per interval, and only once
// enough new data arrived. Events after stop are discarded.
type progressReporter struct {
	jobID    string
	out      chan<- model.Progress
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSent int64
	stopped  bool
}

func newProgressReporter(jobID string, out chan<- model.Progress, interval time.Duration) *progressReporter {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &progressReporter{
		jobID:   jobID,
		out:     out,
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (r *progressReporter) report(p model.Progress) {
	if r.out == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// a restarted attempt counts from zero again
	if p.DownloadedBytes < r.lastSent {
		r.lastSent = 0
	}
	if r.stopped || p.DownloadedBytes-r.lastSent < progressMinDelta {
		return
	}
	if !r.limiter.Allow() {
		return
	}

	p.JobID = r.jobID
	select {
	case r.out <- p:
		r.lastSent = p.DownloadedBytes
	default:
	}
}

func (r *progressReporter) stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}
