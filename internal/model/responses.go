package model

// ErrorResponse represents an error response of the health server
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// HealthResponse is returned by GET /api/health
type HealthResponse struct {
	Status         string `json:"status"`
	Service        string `json:"service"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	ActiveJobs     int    `json:"active_jobs"`
	CompletedJobs  int64  `json:"completed_jobs"`
	FailedJobs     int64  `json:"failed_jobs"`
	TrackedJobDirs int    `json:"tracked_job_dirs"`
}

// JobResponse describes one active job in GET /api/jobs
type JobResponse struct {
	ID             string  `json:"id"`
	ChatID         int64   `json:"chat_id"`
	Platform       string  `json:"platform"`
	Format         string  `json:"format"`
	Status         string  `json:"status"`
	Title          string  `json:"title"`
	Percent        float64 `json:"percent"`
	ElapsedSeconds int64   `json:"elapsed_seconds"`
}
