package bot

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tgvidbot/internal/model"
	"tgvidbot/internal/service"
)

const (
	msgNoURL        = "Send me a link to a video."
	msgProbing      = "🔍 Getting video info..."
	msgExpired      = "This request has expired. Please send the link again."
	msgCancelled    = "❌ Cancelled."
	msgUnknown      = "Unknown command. Use /help to see what I can do."
	msgNoActiveJobs = "No active downloads."
)

const bytesPerMB = 1024 * 1024

// userMessage turns an error into text the user can act on
func userMessage(err error) string {
	var limitErr *model.LimitError
	hasLimit := errors.As(err, &limitErr)

	switch {
	case errors.Is(err, model.ErrAccessDenied):
		return "⛔ You are not authorized to use this bot."
	case errors.Is(err, model.ErrUnsupportedURL):
		return "❌ This link is not from a supported platform. Use /start to see the list."
	case errors.Is(err, model.ErrDurationExceeded):
		if hasLimit {
			return fmt.Sprintf("⏱ Video is too long (%d min). Maximum is %d min.",
				ceilDiv(limitErr.Actual, 60), limitErr.Limit/60)
		}
		return "⏱ Video is too long."
	case errors.Is(err, model.ErrSizeExceeded):
		if hasLimit {
			return fmt.Sprintf("📦 File is too large (%.1f MB). Maximum is %d MB. Try audio only.",
				float64(limitErr.Actual)/bytesPerMB, limitErr.Limit/bytesPerMB)
		}
		return "📦 File is too large. Try audio only."
	case errors.Is(err, model.ErrDeliveryFailed):
		if hasLimit {
			return fmt.Sprintf("📤 Telegram does not accept files of %.1f MB (limit %d MB). Try audio only.",
				float64(limitErr.Actual)/bytesPerMB, limitErr.Limit/bytesPerMB)
		}
		return "📤 Could not send the file. Try a lower quality or audio only."
	case errors.Is(err, model.ErrChatBusy):
		return "⏳ A download is already in progress for this chat. Please wait for it to finish."
	case errors.Is(err, model.ErrCapacityReached):
		return "⏳ Max downloads reached. Please try again in a few minutes."
	case errors.Is(err, model.ErrRateLimited):
		return "🐢 Too many requests. Please slow down."
	case errors.Is(err, model.ErrQuotaExhausted):
		return "📊 Daily download quota reached. Try again after the reset."
	case errors.Is(err, model.ErrProbeFailed):
		return "⚠️ Could not get video info. Check the link and try again."
	default:
		return "⚠️ Download failed. The video may be unavailable, private or geo-restricted."
	}
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

func startText(platforms []string) string {
	return "👋 Send me a video link and I will download it for you.\n\n" +
		"Supported platforms: " + strings.Join(platforms, ", ")
}

func helpText(cfg *model.Config) string {
	var b strings.Builder
	b.WriteString("Send a link, pick video or audio, and I will send the file back.\n\n")
	fmt.Fprintf(&b, "Max duration: %d min\n", cfg.Download.MaxDurationMinutes)
	fmt.Fprintf(&b, "Max file size: %d MB\n", cfg.Telegram.MaxFileSizeMB)
	fmt.Fprintf(&b, "Formats: %s video, %s audio\n", cfg.Download.VideoFormat, cfg.Download.AudioFormat)
	b.WriteString("\n/start - supported platforms\n/status - active downloads\n/cleanup - remove leftover files")
	return b.String()
}

func infoText(info *model.VideoInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🎬 %s\n", info.Title)
	fmt.Fprintf(&b, "👤 %s\n", info.Uploader)
	fmt.Fprintf(&b, "⏱ %s\n", formatDuration(info.Duration))
	if info.EstimatedSizeMB > 0 {
		fmt.Fprintf(&b, "📦 ~%.1f MB\n", info.EstimatedSizeMB)
	}
	b.WriteString("\nChoose a format:")
	return b.String()
}

// statusText renders /status. requestsLeft is negative when rate limiting is off.
func statusText(jobs []model.Job, quota service.QuotaInfo, requestsLeft int, now time.Time) string {
	var b strings.Builder
	if len(jobs) == 0 {
		b.WriteString(msgNoActiveJobs)
	} else {
		fmt.Fprintf(&b, "Active downloads: %d\n", len(jobs))
		for _, j := range jobs {
			title := j.Title
			if title == "" {
				title = j.Request.URL
			}
			fmt.Fprintf(&b, "• %s [%s, %s] %.0f%% - %ds\n",
				title, j.Format, j.Status, j.Percent, int(j.Elapsed(now).Seconds()))
		}
	}
	if quota.Enabled {
		fmt.Fprintf(&b, "\nQuota: %d/%d MB used, %d MB left, resets %s",
			quota.UsedMB, quota.LimitMB, quota.RemainingMB, quota.ResetTime.Format("15:04"))
	}
	if requestsLeft >= 0 {
		fmt.Fprintf(&b, "\nRequests left this minute: %d", requestsLeft)
	}
	return b.String()
}

func progressText(format model.Format, p model.Progress) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⬇️ Downloading %s\n", format)
	if p.TotalBytes > 0 {
		fmt.Fprintf(&b, "%s %.1f%%\n", progressBar(p.Percent, 10), p.Percent)
		fmt.Fprintf(&b, "%.1f / %.1f MB", float64(p.DownloadedBytes)/bytesPerMB, float64(p.TotalBytes)/bytesPerMB)
	} else {
		fmt.Fprintf(&b, "%.1f MB", float64(p.DownloadedBytes)/bytesPerMB)
	}
	if p.Speed > 0 {
		fmt.Fprintf(&b, " @ %.1f MB/s", p.Speed/bytesPerMB)
	}
	if p.ETA > 0 {
		fmt.Fprintf(&b, ", ETA %s", p.ETA.Round(time.Second))
	}
	return b.String()
}

func progressBar(percent float64, width int) string {
	filled := int(percent / 100 * float64(width))
	if filled < 0 {
		filled = 0
	}
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("◼", filled) + strings.Repeat("◻", width-filled) + "]"
}

func sizeMB(size int64) string {
	return fmt.Sprintf("%.1f MB", float64(size)/bytesPerMB)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "unknown"
	}
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
