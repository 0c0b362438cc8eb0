package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/drmfetch-go/internal/app"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// HealthHandler handles health check requests
type HealthHandler struct {
	jobs *app.JobManager
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(jobs *app.JobManager) *HealthHandler {
	return &HealthHandler{
		jobs: jobs,
	}
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Jobs    struct {
		Running bool  `json:"running"`
		Active  int64 `json:"active"`
	} `json:"jobs"`
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	response := HealthResponse{
		Status:  "ok",
		Version: Version,
	}
	response.Jobs.Running = h.jobs.IsRunning()
	response.Jobs.Active = h.jobs.Stats().Active

	c.JSON(http.StatusOK, response)
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(c *gin.Context) {
	if !h.jobs.IsRunning() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "job manager not running",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
