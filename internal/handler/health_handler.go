package handler

import (
	"net/http"
	"time"

	"tgvidbot/internal/model"
	"tgvidbot/internal/service"
	"tgvidbot/internal/storage"

	"github.com/gin-gonic/gin"
)

// HealthHandler reports liveness and the jobs in flight
type HealthHandler struct {
	downloads *service.DownloadService
	storage   *storage.Manager
	startedAt time.Time
	now       func() time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(ds *service.DownloadService, sm *storage.Manager) *HealthHandler {
	return &HealthHandler{
		downloads: ds,
		storage:   sm,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Register mounts the handler's routes on r
func (h *HealthHandler) Register(r gin.IRouter) {
	api := r.Group("/api")
	{
		api.GET("/health", h.HealthCheck)
		api.GET("/jobs", h.ListJobs)
	}
}

// HealthCheck handles GET /api/health
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	stats := h.downloads.Stats()
	c.JSON(http.StatusOK, model.HealthResponse{
		Status:         "healthy",
		Service:        "tgvidbot",
		UptimeSeconds:  int64(h.now().Sub(h.startedAt).Seconds()),
		ActiveJobs:     stats.Active,
		CompletedJobs:  stats.Completed,
		FailedJobs:     stats.Failed,
		TrackedJobDirs: h.storage.GetTrackedFilesCount(),
	})
}

// ListJobs handles GET /api/jobs
func (h *HealthHandler) ListJobs(c *gin.Context) {
	now := h.now()
	jobs := h.downloads.ActiveJobs()

	resp := make([]model.JobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, model.JobResponse{
			ID:             j.ID,
			ChatID:         j.Request.ChatID,
			Platform:       j.Request.Platform,
			Format:         string(j.Format),
			Status:         j.Status.String(),
			Title:          j.Title,
			Percent:        j.Percent,
			ElapsedSeconds: int64(j.Elapsed(now).Seconds()),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"count": len(resp),
		"jobs":  resp,
	})
}

// NotFound handles unknown routes
func NotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, model.ErrorResponse{
		Error:   "not_found",
		Message: "Route not found",
		Code:    http.StatusNotFound,
	})
}
