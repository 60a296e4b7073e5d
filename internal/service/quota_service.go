package service

import (
	"sync"
	"time"

	"tgvidbot/internal/model"
	"tgvidbot/pkg/logger"

	"go.uber.org/zap"
)

// QuotaEntry tracks quota usage per chat
type QuotaEntry struct {
	ChatID    int64
	UsedMB    int64
	ResetTime time.Time
}

// QuotaInfo is a snapshot of a chat's quota
type QuotaInfo struct {
	Enabled     bool
	UsedMB      int64
	LimitMB     int64
	RemainingMB int64
	ResetTime   time.Time
}

// QuotaService manages per-chat daily download quotas
type QuotaService struct {
	cfg    *model.QuotaConfig
	quotas map[int64]*QuotaEntry
	mu     sync.Mutex
	now    func() time.Time
}

// NewQuotaService creates a new quota service
func NewQuotaService(cfg *model.QuotaConfig) *QuotaService {
	return &QuotaService{
		cfg:    cfg,
		quotas: make(map[int64]*QuotaEntry),
		now:    time.Now,
	}
}

// CheckQuota reports whether chatID may download requestedSizeMB more today,
// together with the remaining megabytes.
func (qs *QuotaService) CheckQuota(chatID int64, requestedSizeMB int64) (bool, int64) {
	if !qs.cfg.Enabled {
		return true, qs.cfg.DailyLimitMB
	}

	qs.mu.Lock()
	defer qs.mu.Unlock()

	entry := qs.entryLocked(chatID)

	remaining := qs.cfg.DailyLimitMB - entry.UsedMB
	if remaining <= 0 {
		logger.Logger.Warn("Quota exhausted", zap.Int64("chat_id", chatID), zap.Int64("limit_mb", qs.cfg.DailyLimitMB))
		return false, 0
	}

	if requestedSizeMB > remaining {
		logger.Logger.Warn("Quota insufficient",
			zap.Int64("chat_id", chatID),
			zap.Int64("requested_mb", requestedSizeMB),
			zap.Int64("remaining_mb", remaining))
		return false, remaining
	}

	return true, remaining
}

// AddUsage adds delivered bytes to a chat's usage, rounding up to whole megabytes
func (qs *QuotaService) AddUsage(chatID int64, sizeBytes int64) {
	if !qs.cfg.Enabled {
		return
	}

	sizeMB := sizeBytes / (1024 * 1024)
	if sizeBytes%(1024*1024) > 0 {
		sizeMB++
	}

	qs.mu.Lock()
	defer qs.mu.Unlock()

	entry := qs.entryLocked(chatID)
	entry.UsedMB += sizeMB

	logger.Logger.Debug("Quota usage updated",
		zap.Int64("chat_id", chatID),
		zap.Int64("used_mb", entry.UsedMB),
		zap.Int64("limit_mb", qs.cfg.DailyLimitMB))
}

// GetQuotaInfo returns current quota info for chatID
func (qs *QuotaService) GetQuotaInfo(chatID int64) QuotaInfo {
	if !qs.cfg.Enabled {
		return QuotaInfo{Enabled: false}
	}

	qs.mu.Lock()
	defer qs.mu.Unlock()

	entry := qs.entryLocked(chatID)
	remaining := qs.cfg.DailyLimitMB - entry.UsedMB
	if remaining < 0 {
		remaining = 0
	}

	return QuotaInfo{
		Enabled:     true,
		UsedMB:      entry.UsedMB,
		LimitMB:     qs.cfg.DailyLimitMB,
		RemainingMB: remaining,
		ResetTime:   entry.ResetTime,
	}
}

// entryLocked returns the entry of chatID, creating or resetting it as needed
func (qs *QuotaService) entryLocked(chatID int64) *QuotaEntry {
	entry, exists := qs.quotas[chatID]
	if !exists {
		entry = &QuotaEntry{
			ChatID:    chatID,
			ResetTime: qs.calculateResetTime(),
		}
		qs.quotas[chatID] = entry
		return entry
	}

	if qs.now().After(entry.ResetTime) {
		entry.UsedMB = 0
		entry.ResetTime = qs.calculateResetTime()
		logger.Logger.Info("Quota reset for chat", zap.Int64("chat_id", chatID), zap.Time("new_reset_time", entry.ResetTime))
	}
	return entry
}

// calculateResetTime calculates next reset time based on config
func (qs *QuotaService) calculateResetTime() time.Time {
	now := qs.now()
	resetTime := time.Date(now.Year(), now.Month(), now.Day(), qs.cfg.ResetHour, qs.cfg.ResetMinute, 0, 0, now.Location())

	// If reset time has already passed today, set for tomorrow
	if !resetTime.After(now) {
		resetTime = resetTime.AddDate(0, 0, 1)
	}

	return resetTime
}
