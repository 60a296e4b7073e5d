package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tgvidbot/internal/model"
	"tgvidbot/pkg/logger"

	"go.uber.org/zap"
)

var ErrNoOutput = errors.New("no output file produced")

// partial artifacts yt-dlp leaves behind while working
var partialSuffixes = []string{".part", ".ytdl", ".temp", ".tmp"}

// Manager owns the download directory: one subdirectory per job plus a sweeper for leftovers
type Manager struct {
	cfg      model.StorageConfig
	files    map[string]*model.DownloadedFile
	mu       sync.RWMutex
	quitChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewManager creates a new storage manager
func NewManager(cfg model.StorageConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		files:    make(map[string]*model.DownloadedFile),
		quitChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Start sweeps once and then keeps sweeping on the configured interval
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.cleanupRoutine()
}

// Stop stops the cleanup routine and waits for it to exit
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.quitChan)
	})
	m.wg.Wait()
}

// EnsureDownloadDir ensures download directory exists
func (m *Manager) EnsureDownloadDir() error {
	return os.MkdirAll(m.cfg.DownloadDir, 0755)
}

// CreateJobDir creates the private directory a job downloads into
func (m *Manager) CreateJobDir(jobID string) (string, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return "", fmt.Errorf("invalid job id %q", jobID)
	}

	dir := filepath.Join(m.cfg.DownloadDir, jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}

	m.mu.Lock()
	m.files[jobID] = &model.DownloadedFile{
		ID:        jobID,
		Dir:       dir,
		CreatedAt: m.now(),
	}
	m.mu.Unlock()

	return dir, nil
}

// FindOutput returns the finished media file of a job, ignoring partial artifacts.
// When several files exist the largest one wins.
func (m *Manager) FindOutput(jobID string) (string, int64, error) {
	dir := filepath.Join(m.cfg.DownloadDir, jobID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, fmt.Errorf("read job dir: %w", err)
	}

	var (
		bestPath string
		bestSize int64 = -1
	)
	for _, entry := range entries {
		if entry.IsDir() || isPartial(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() > bestSize {
			bestPath = filepath.Join(dir, entry.Name())
			bestSize = info.Size()
		}
	}

	if bestPath == "" {
		return "", 0, ErrNoOutput
	}

	m.mu.Lock()
	if f, ok := m.files[jobID]; ok {
		f.FilePath = bestPath
		f.Size = bestSize
	}
	m.mu.Unlock()

	return bestPath, bestSize, nil
}

func isPartial(name string) bool {
	for _, suffix := range partialSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// Release deletes everything a job wrote and stops tracking it
func (m *Manager) Release(jobID string) error {
	m.mu.Lock()
	tracked, ok := m.files[jobID]
	delete(m.files, jobID)
	m.mu.Unlock()

	dir := filepath.Join(m.cfg.DownloadDir, jobID)
	fields := []zap.Field{zap.String("job_id", jobID)}
	if ok {
		dir = tracked.Dir
		fields = append(fields,
			zap.String("file", tracked.FilePath),
			zap.Int64("size", tracked.Size),
			zap.Duration("age", m.now().Sub(tracked.CreatedAt)))
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.Logger.Error("Failed to remove job files",
			zap.String("job_id", jobID),
			zap.String("path", dir),
			zap.Error(err))
		return err
	}

	logger.Logger.Debug("Job files removed", fields...)
	return nil
}

// ValidateFileSize checks if file size is within limits
func (m *Manager) ValidateFileSize(sizeBytes int64) bool {
	return sizeBytes <= m.MaxFileSizeBytes()
}

// MaxFileSizeBytes returns the configured soft ceiling
func (m *Manager) MaxFileSizeBytes() int64 {
	return m.cfg.MaxFileSizeMB * 1024 * 1024
}

// cleanupRoutine periodically removes orphaned files
func (m *Manager) cleanupRoutine() {
	defer m.wg.Done()

	interval := m.cfg.CleanupEvery
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Logger.Info("Storage cleanup routine started",
		zap.Duration("cleanup_interval", interval),
		zap.Duration("file_ttl", m.cfg.FileTTL))

	m.SweepOrphans()

	for {
		select {
		case <-m.quitChan:
			logger.Logger.Info("Storage cleanup routine stopped")
			return
		case <-ticker.C:
			m.SweepOrphans()
		}
	}
}

// SweepOrphans removes entries of the download directory older than the file TTL
// that no active job owns. It returns how many entries were removed.
func (m *Manager) SweepOrphans() int {
	entries, err := os.ReadDir(m.cfg.DownloadDir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Logger.Error("Failed to read download directory", zap.Error(err))
		}
		return 0
	}

	cutoff := m.now().Add(-m.cfg.FileTTL)
	deletedCount := 0
	errorCount := 0

	m.mu.RLock()
	active := make(map[string]bool, len(m.files))
	for id := range m.files {
		active[id] = true
	}
	m.mu.RUnlock()

	for _, entry := range entries {
		if active[entry.Name()] {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(m.cfg.DownloadDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			logger.Logger.Error("Failed to remove file", zap.String("path", path), zap.Error(err))
			errorCount++
			continue
		}
		logger.Logger.Info("File removed by cleanup", zap.String("path", path))
		deletedCount++
	}

	if deletedCount > 0 || errorCount > 0 {
		logger.Logger.Info("Storage cleanup completed",
			zap.Int("deleted_count", deletedCount),
			zap.Int("error_count", errorCount),
			zap.Int("active_jobs", len(active)))
	}
	return deletedCount
}

// GetTrackedFilesCount returns the number of job directories currently in use
func (m *Manager) GetTrackedFilesCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.files)
}
