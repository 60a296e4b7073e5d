package model

import "time"

// Format is the media kind a user asked for
type Format string

const (
	FormatVideo Format = "video"
	FormatAudio Format = "audio"
)

// ParseFormat converts callback data into a Format.
func ParseFormat(s string) (Format, bool) {
	switch Format(s) {
	case FormatVideo, FormatAudio:
		return Format(s), true
	}
	return "", false
}

// Request is one inbound URL submission
type Request struct {
	ChatID     int64
	URL        string
	Platform   string
	ReceivedAt time.Time
}

// JobStatus represents the lifecycle state of a download job
type JobStatus string

const (
	JobStatusPending     JobStatus = "pending"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusUploading   JobStatus = "uploading"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
)

func (s JobStatus) String() string {
	return string(s)
}

// IsActive returns true while the job holds resources
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusDownloading || s == JobStatusUploading
}

// Job is one download-and-deliver unit of work
type Job struct {
	ID              string
	Request         Request
	Format          Format
	Status          JobStatus
	Title           string
	Duration        time.Duration
	Percent         float64 // 0 to 100, 0 when total size is unknown
	DownloadedBytes int64
	TotalBytes      int64
	FilePath        string
	FileSize        int64
	LastError       string
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Elapsed returns how long the job has been running.
func (j *Job) Elapsed(now time.Time) time.Duration {
	if !j.FinishedAt.IsZero() {
		return j.FinishedAt.Sub(j.StartedAt)
	}
	return now.Sub(j.StartedAt)
}

// Progress is a single progress event of a running job
type Progress struct {
	JobID           string
	Percent         float64
	DownloadedBytes int64
	TotalBytes      int64
	Speed           float64 // bytes per second
	ETA             time.Duration
}

// VideoInfo contains metadata about a video
type VideoInfo struct {
	URL             string
	Title           string
	Uploader        string
	Duration        time.Duration
	EstimatedSizeMB float64 // 0 when unknown
}

// VideoMetadata is the subset of yt-dlp's JSON dump the bot reads
type VideoMetadata struct {
	Type           string  `json:"_type"`
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Duration       float64 `json:"duration"`
	Uploader       string  `json:"uploader"`
	WebpageURL     string  `json:"webpage_url"`
	FileSize       int64   `json:"filesize"`
	FileSizeApprox float64 `json:"filesize_approx"`
}

// DownloadedFile tracks a job directory for cleanup
type DownloadedFile struct {
	ID        string
	Dir       string
	FilePath  string
	Size      int64
	CreatedAt time.Time
}
