package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tgvidbot/internal/model"
	"tgvidbot/pkg/logger"

	"go.uber.org/zap"
)

// Prober fetches metadata for a URL without downloading media
type Prober interface {
	Probe(ctx context.Context, url string) (*model.VideoMetadata, error)
}

// VideoService handles video metadata extraction
type VideoService struct {
	prober      Prober
	timeout     time.Duration
	maxDuration time.Duration
}

// NewVideoService creates a new video service
func NewVideoService(prober Prober, timeout, maxDuration time.Duration) *VideoService {
	return &VideoService{
		prober:      prober,
		timeout:     timeout,
		maxDuration: maxDuration,
	}
}

// GetVideoInfo probes videoURL and enforces the duration ceiling.
// A too long video yields the info together with a *model.LimitError.
func (s *VideoService) GetVideoInfo(ctx context.Context, videoURL string) (*model.VideoInfo, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	metadata, err := s.prober.Probe(ctx, videoURL)
	if err != nil {
		logger.Logger.Error("Failed to fetch video info", zap.Error(err), zap.String("url", videoURL))
		if errors.Is(err, model.ErrUnsupportedURL) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", model.ErrProbeFailed, err)
	}

	info := parseMetadata(videoURL, metadata)
	logger.Logger.Info("Video info retrieved",
		zap.String("video_id", metadata.ID),
		zap.String("webpage_url", info.URL),
		zap.String("title", info.Title),
		zap.Duration("duration", info.Duration))

	if err := s.CheckDuration(info.Duration); err != nil {
		return info, err
	}
	return info, nil
}

// CheckDuration returns a *model.LimitError when d exceeds the ceiling
func (s *VideoService) CheckDuration(d time.Duration) error {
	if s.maxDuration > 0 && d > s.maxDuration {
		return &model.LimitError{
			Kind:   model.ErrDurationExceeded,
			Actual: int64(d.Seconds()),
			Limit:  int64(s.maxDuration.Seconds()),
		}
	}
	return nil
}

// parseMetadata converts raw metadata to VideoInfo
func parseMetadata(videoURL string, metadata *model.VideoMetadata) *model.VideoInfo {
	info := &model.VideoInfo{
		URL:      metadata.WebpageURL,
		Title:    metadata.Title,
		Uploader: metadata.Uploader,
		Duration: time.Duration(metadata.Duration * float64(time.Second)),
	}
	if info.URL == "" {
		info.URL = videoURL
	}
	if info.Title == "" {
		info.Title = "Unknown"
	}
	if info.Uploader == "" {
		info.Uploader = "Unknown"
	}

	switch {
	case metadata.FileSize > 0:
		info.EstimatedSizeMB = float64(metadata.FileSize) / (1024 * 1024)
	case metadata.FileSizeApprox > 0:
		info.EstimatedSizeMB = metadata.FileSizeApprox / (1024 * 1024)
	case metadata.Duration > 0:
		// roughly one megabyte per minute
		info.EstimatedSizeMB = metadata.Duration / 60
	}

	return info
}
