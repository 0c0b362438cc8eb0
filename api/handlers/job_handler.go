package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yourusername/drmfetch-go/internal/app"
	"github.com/yourusername/drmfetch-go/internal/domain"
	"github.com/yourusername/drmfetch-go/pkg/logger"
)

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	jobs      *app.JobManager
	logReader *logger.LogReader
	logger    *zap.Logger
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobs *app.JobManager, logsDir string, log *zap.Logger) *JobHandler {
	return &JobHandler{
		jobs:      jobs,
		logReader: logger.NewLogReader(logsDir),
		logger:    log,
	}
}

// AddJob handles POST /api/v1/jobs
func (h *JobHandler) AddJob(c *gin.Context) {
	var req app.JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.jobs.Submit(req)
	if err != nil {
		if errors.Is(err, app.ErrManagerNotRunning) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, job.Snapshot())
}

// GetJob handles GET /api/v1/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.jobs.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListJobs handles GET /api/v1/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	state := domain.JobState(c.Query("state"))
	c.JSON(http.StatusOK, h.jobs.List(state))
}

// GetStats handles GET /api/v1/jobs/stats
func (h *JobHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.jobs.Stats())
}

// GetStreams handles GET /api/v1/jobs/:id/streams
func (h *JobHandler) GetStreams(c *gin.Context) {
	streams, err := h.jobs.Streams(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if streams == nil {
		streams = []*domain.Stream{}
	}
	c.JSON(http.StatusOK, streams)
}

// CancelJob handles POST /api/v1/jobs/:id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	id := c.Param("id")

	err := h.jobs.Cancel(id)
	switch {
	case errors.Is(err, app.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, app.ErrJobFinished):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		h.logger.Error("Failed to cancel job", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"message": "job cancellation requested"})
	}
}

// GetJobLogs handles GET /api/v1/jobs/:id/logs
func (h *JobHandler) GetJobLogs(c *gin.Context) {
	job, err := h.jobs.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "200"))
	if err != nil || limit < 0 {
		limit = 200
	}

	date := job.CreatedAt
	if dateStr := c.Query("date"); dateStr != "" {
		date, err = time.Parse("2006-01-02", dateStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date format, use YYYY-MM-DD"})
			return
		}
	}

	entries, err := h.logReader.ReadJobLogs(job.ID, date, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read logs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":  job.ID,
		"count":   len(entries),
		"entries": entries,
	})
}

// JobEvents handles GET /api/v1/jobs/:id/events. Progress events are pushed
// over a WebSocket until the job finishes, then the final job is sent and the
// connection is closed.
func (h *JobHandler) JobEvents(c *gin.Context) {
	id := c.Param("id")
	events, unsubscribe, err := h.jobs.Subscribe(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket", zap.Error(err))
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				if job, err := h.jobs.Get(id); err == nil {
					conn.WriteJSON(gin.H{"type": "job", "job": job})
				}
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
				return
			}
			if err := conn.WriteJSON(gin.H{"type": "progress", "event": event}); err != nil {
				return
			}

		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
