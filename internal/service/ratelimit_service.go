package service

import (
	"sync"
	"time"

	"tgvidbot/internal/model"
	"tgvidbot/pkg/logger"

	"go.uber.org/zap"
)

// RateLimitEntry tracks request rate for a chat
type RateLimitEntry struct {
	ChatID   int64
	Requests int
	ResetAt  time.Time
	Blocked  bool
}

// RateLimitService throttles how many URLs a chat may submit per minute
type RateLimitService struct {
	cfg      *model.RateLimitConfig
	limits   map[int64]*RateLimitEntry
	mu       sync.Mutex
	quitChan chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewRateLimitService creates a new rate limit service
func NewRateLimitService(cfg *model.RateLimitConfig) *RateLimitService {
	service := &RateLimitService{
		cfg:      cfg,
		limits:   make(map[int64]*RateLimitEntry),
		quitChan: make(chan struct{}),
		now:      time.Now,
	}

	if cfg.Enabled && cfg.CleanupInterval > 0 {
		go service.cleanupRoutine()
	}

	return service
}

// IsAllowed records a request from chatID and reports whether it fits the window.
// The window holds RequestsPerMinute plus BurstSize requests.
func (rls *RateLimitService) IsAllowed(chatID int64) bool {
	if !rls.cfg.Enabled {
		return true
	}

	rls.mu.Lock()
	defer rls.mu.Unlock()

	now := rls.now()
	entry, exists := rls.limits[chatID]

	if !exists {
		rls.limits[chatID] = &RateLimitEntry{
			ChatID:   chatID,
			Requests: 1,
			ResetAt:  now.Add(time.Minute),
		}
		return true
	}

	if now.After(entry.ResetAt) {
		entry.Requests = 1
		entry.ResetAt = now.Add(time.Minute)
		entry.Blocked = false
		return true
	}

	if entry.Blocked {
		return false
	}

	entry.Requests++

	limit := rls.cfg.RequestsPerMinute + rls.cfg.BurstSize
	if entry.Requests > limit {
		entry.Blocked = true
		logger.Logger.Warn("Rate limit exceeded",
			zap.Int64("chat_id", chatID),
			zap.Int("requests", entry.Requests),
			zap.Int("limit", limit))
		return false
	}

	return true
}

// GetRemaining returns remaining requests for chatID in the current window, -1 if unlimited
func (rls *RateLimitService) GetRemaining(chatID int64) int {
	if !rls.cfg.Enabled {
		return -1
	}

	rls.mu.Lock()
	defer rls.mu.Unlock()

	limit := rls.cfg.RequestsPerMinute + rls.cfg.BurstSize
	entry, exists := rls.limits[chatID]
	if !exists || rls.now().After(entry.ResetAt) {
		return limit
	}

	remaining := limit - entry.Requests
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// cleanupRoutine periodically cleans up old entries
func (rls *RateLimitService) cleanupRoutine() {
	ticker := time.NewTicker(time.Duration(rls.cfg.CleanupInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-rls.quitChan:
			logger.Logger.Info("Rate limit service stopped")
			return
		case <-ticker.C:
			rls.cleanup()
		}
	}
}

// cleanup removes entries whose window closed more than an hour ago
func (rls *RateLimitService) cleanup() {
	rls.mu.Lock()
	defer rls.mu.Unlock()

	now := rls.now()
	removed := 0

	for chatID, entry := range rls.limits {
		if now.Sub(entry.ResetAt) > time.Hour {
			delete(rls.limits, chatID)
			removed++
		}
	}

	if removed > 0 {
		logger.Logger.Debug("Rate limit entries cleaned up", zap.Int("removed", removed), zap.Int("remaining", len(rls.limits)))
	}
}

// Stop stops the rate limit service
func (rls *RateLimitService) Stop() {
	rls.stopOnce.Do(func() {
		close(rls.quitChan)
	})
}
