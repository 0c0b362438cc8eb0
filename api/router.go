package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/drmfetch-go/api/handlers"
	"github.com/yourusername/drmfetch-go/api/middleware"
	"github.com/yourusername/drmfetch-go/internal/app"
	"github.com/yourusername/drmfetch-go/internal/domain"
	"github.com/yourusername/drmfetch-go/pkg/logger"
)

// SetupRouter sets up the HTTP router. vault may be nil, which leaves the
// vault endpoints unregistered.
func SetupRouter(
	jobs *app.JobManager,
	vault handlers.LocalVault,
	logAdapter *logger.LoggerAdapter,
	config *domain.Config,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(middleware.Logger(logAdapter))
	router.Use(middleware.Recovery(logAdapter))
	router.Use(middleware.CORS())

	// Health endpoints
	healthHandler := handlers.NewHealthHandler(jobs)
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	logsDir := config.Logging.LogsDir
	if multiLog := logAdapter.GetMultiLogger(); multiLog != nil {
		logsDir = multiLog.GetLogsDir()
	}

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		jobHandler := handlers.NewJobHandler(jobs, logsDir, logAdapter.Jobs())
		jobRoutes := v1.Group("/jobs")
		{
			jobRoutes.POST("", jobHandler.AddJob)
			jobRoutes.GET("", jobHandler.ListJobs)
			jobRoutes.GET("/stats", jobHandler.GetStats)
			jobRoutes.GET("/:id", jobHandler.GetJob)
			jobRoutes.GET("/:id/streams", jobHandler.GetStreams)
			jobRoutes.GET("/:id/logs", jobHandler.GetJobLogs)
			jobRoutes.GET("/:id/events", jobHandler.JobEvents)
			jobRoutes.POST("/:id/cancel", jobHandler.CancelJob)
		}

		if vault != nil {
			vaultHandler := handlers.NewVaultHandler(vault, logAdapter.Vault())
			vaultRoutes := v1.Group("/vault", middleware.BearerAuth(config.Server.Token))
			{
				vaultRoutes.POST("/lookup", vaultHandler.Lookup)
				vaultRoutes.POST("/keys", vaultHandler.StoreKeys)
				vaultRoutes.POST("/keys/:kid/invalidate", vaultHandler.InvalidateKey)
				vaultRoutes.GET("/stats", vaultHandler.GetStats)
			}
		}

		logHandler := handlers.NewLogHandler(logsDir)
		logWSHandler := handlers.NewLogWebSocketHandler(logsDir, logAdapter.General())
		logs := v1.Group("/logs")
		{
			logs.GET("/categories", logHandler.GetCategories)
			logs.GET("/:category", logHandler.GetLogs)
			logs.GET("/:category/search", logHandler.SearchLogs)
			logs.GET("/:category/export", logHandler.ExportLogs)
			logs.GET("/:category/stream", logWSHandler.HandleWebSocket)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}
