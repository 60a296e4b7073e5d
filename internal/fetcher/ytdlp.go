package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tgvidbot/internal/model"
	"tgvidbot/internal/service"
	"tgvidbot/pkg/logger"

	"github.com/lrstanley/go-ytdlp"
	"go.uber.org/zap"
)

const (
	progressFrequency = 500 * time.Millisecond
	filterRejected    = "does not pass filter"
)

// Options configures the yt-dlp invocation
type Options struct {
	Executable string
	Proxy      string
}

// YtDlp drives the yt-dlp executable through go-ytdlp
type YtDlp struct {
	opts Options
}

// New creates a yt-dlp backed fetcher
func New(opts Options) *YtDlp {
	return &YtDlp{opts: opts}
}

// command builds the flags shared by probes and downloads.
// An empty proxy falls back to the configured one.
func (y *YtDlp) command(proxy string) *ytdlp.Command {
	cmd := ytdlp.New().
		NoPlaylist().
		PlaylistItems("1").
		NoWarnings()
	if y.opts.Executable != "" {
		cmd.SetExecutable(y.opts.Executable)
	}
	if proxy == "" {
		proxy = y.opts.Proxy
	}
	if proxy != "" {
		cmd.Proxy(proxy)
	}
	return cmd
}

func (y *YtDlp) probeCommand() *ytdlp.Command {
	return y.command("").
		SkipDownload().
		DumpSingleJSON()
}

// fetchCommand builds the download invocation for req, without progress reporting
func (y *YtDlp) fetchCommand(req service.FetchRequest) *ytdlp.Command {
	cmd := y.command(req.Proxy).
		NoCheckCertificates().
		RestrictFilenames().
		ForceOverwrites().
		Output(req.OutputTemplate)

	// live streams never end, so they are refused together with long media
	filter := "!is_live"
	if secs := int64(req.MaxDuration.Seconds()); secs > 0 {
		filter = fmt.Sprintf("duration <=? %d & !is_live", secs)
	}
	cmd.MatchFilters(filter)

	switch req.Format {
	case model.FormatAudio:
		cmd.Format("bestaudio/best").
			ExtractAudio().
			AudioFormat(req.AudioFormat).
			AudioQuality("0")
	default:
		cmd.Format(req.Quality + "/best/worst").
			MergeOutputFormat(req.VideoFormat)
	}
	return cmd
}

// Probe dumps the metadata of url without downloading it
func (y *YtDlp) Probe(ctx context.Context, url string) (*model.VideoMetadata, error) {
	res, err := y.probeCommand().Run(ctx, url)
	if err != nil {
		return nil, classify(res, err)
	}
	return decodeMetadata(res.Stdout)
}

// decodeMetadata parses a single-JSON dump. Playlists are refused.
func decodeMetadata(stdout string) (*model.VideoMetadata, error) {
	var metadata model.VideoMetadata
	if err := json.Unmarshal([]byte(stdout), &metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if metadata.Type == "playlist" || metadata.Type == "multi_video" {
		return nil, fmt.Errorf("%w: playlists are not supported", model.ErrUnsupportedURL)
	}
	return &metadata, nil
}

// Fetch downloads req.URL into req.OutputTemplate, reporting progress as it goes
func (y *YtDlp) Fetch(ctx context.Context, req service.FetchRequest, onProgress func(model.Progress)) error {
	cmd := y.fetchCommand(req)
	if onProgress != nil {
		cmd.ProgressFunc(progressFrequency, func(update ytdlp.ProgressUpdate) {
			onProgress(toProgress(update))
		})
	}

	logger.Logger.Debug("Starting yt-dlp",
		zap.String("url", req.URL),
		zap.String("format", string(req.Format)),
		zap.String("quality", req.Quality))

	res, err := cmd.Run(ctx, req.URL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classify(res, err)
	}
	// yt-dlp exits cleanly when the match filter skips the media
	if res != nil && strings.Contains(res.Stdout+res.Stderr, filterRejected) {
		return fmt.Errorf("%w: %s", model.ErrDurationExceeded, strings.TrimSpace(lastLine(res.Stdout)))
	}
	return nil
}

func toProgress(update ytdlp.ProgressUpdate) model.Progress {
	p := model.Progress{
		DownloadedBytes: int64(update.DownloadedBytes),
		TotalBytes:      int64(update.TotalBytes),
	}
	if p.TotalBytes > 0 {
		p.Percent = float64(p.DownloadedBytes) / float64(p.TotalBytes) * 100
	}
	if !update.Started.IsZero() {
		if elapsed := time.Since(update.Started).Seconds(); elapsed > 0 {
			p.Speed = float64(p.DownloadedBytes) / elapsed
		}
	}
	if p.Speed > 0 && p.TotalBytes > p.DownloadedBytes {
		p.ETA = time.Duration(float64(p.TotalBytes-p.DownloadedBytes) / p.Speed * float64(time.Second))
	}
	return p
}

// classify maps yt-dlp diagnostics onto the error taxonomy
func classify(res *ytdlp.Result, err error) error {
	stderr := ""
	if res != nil {
		stderr = res.Stderr
	}
	detail := strings.TrimSpace(lastLine(stderr))
	if detail == "" {
		detail = err.Error()
	}

	switch msg := stderr + " " + err.Error(); {
	case strings.Contains(msg, "Requested format is not available"):
		return fmt.Errorf("%w: %s", model.ErrFormatUnavailable, detail)
	case strings.Contains(msg, "Unsupported URL"):
		return fmt.Errorf("%w: %s", model.ErrUnsupportedURL, detail)
	case strings.Contains(msg, filterRejected):
		return fmt.Errorf("%w: %s", model.ErrDurationExceeded, detail)
	default:
		return fmt.Errorf("%w: %s", model.ErrDownloadFailed, detail)
	}
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
