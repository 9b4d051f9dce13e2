package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/bili-extract-go/api/handlers"
	"github.com/yourusername/bili-extract-go/api/middleware"
	"github.com/yourusername/bili-extract-go/internal/app"
	"github.com/yourusername/bili-extract-go/internal/domain"
	"github.com/yourusername/bili-extract-go/pkg/logger"
)

// SetupRouter sets up the HTTP router. multiLogger may be nil; the log
// endpoints read from logsDir either way. media names the tool binaries
// the readiness check looks up; nil skips that check.
func SetupRouter(
	queueMgr *app.QueueManager,
	downloadMgr *app.DownloadManager,
	log *zap.Logger,
	multiLogger *logger.MultiLogger,
	logsDir string,
	media *domain.MediaConfig,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(middleware.Logger(log, multiLogger))
	router.Use(middleware.Recovery(log, multiLogger))
	router.Use(middleware.CORS())

	// Health endpoints
	healthHandler := handlers.NewHealthHandler(queueMgr, media)
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	v1 := router.Group("/api/v1")
	{
		downloadHandler := handlers.NewDownloadHandler(queueMgr, downloadMgr, log)
		progressSocket := handlers.NewProgressWebSocketHandler(queueMgr, downloadMgr, log)
		downloads := v1.Group("/downloads")
		{
			downloads.POST("", downloadHandler.AddDownload)
			downloads.GET("", downloadHandler.ListDownloads)
			downloads.GET("/stats", downloadHandler.GetStats)
			downloads.GET("/:id", downloadHandler.GetDownload)
			downloads.GET("/:id/events", downloadHandler.StreamEvents)
			downloads.GET("/:id/ws", progressSocket.HandleWebSocket)
			downloads.POST("/:id/cancel", downloadHandler.CancelDownload)
			downloads.POST("/:id/retry", downloadHandler.RetryDownload)
			downloads.DELETE("/:id", downloadHandler.DeleteDownload)
		}

		logHandler := handlers.NewLogHandler(logsDir)
		logs := v1.Group("/logs")
		{
			logs.GET("/categories", logHandler.GetCategories)
			logs.GET("/:category", logHandler.GetLogs)
			logs.GET("/:category/search", logHandler.SearchLogs)
			logs.GET("/:category/export", logHandler.ExportLogs)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(404, gin.H{"error": "not found"})
	})

	return router
}
