package scannermodule

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers the scanner HTTP surface.
func (m *Module) RegisterRoutes(router *gin.Engine) {
	scannerAPI := router.Group("/api/scanner")
	{
		scannerAPI.POST("/libraries/:id/scan", m.startScan)

		scannerAPI.GET("/sessions/active", m.getActiveSessions)
		scannerAPI.GET("/sessions/completed", m.getCompletedSessions)
		scannerAPI.GET("/sessions/:id", m.getSession)
		scannerAPI.GET("/sessions/:id/stream", m.streamSession)

		scannerAPI.GET("/queues", m.listQueues)
		scannerAPI.GET("/queues/:name/counts", m.getQueueCounts)
		scannerAPI.POST("/queues/:name/pause", m.pauseQueue)
		scannerAPI.POST("/queues/:name/resume", m.resumeQueue)
		scannerAPI.POST("/queues/:name/clear", m.clearQueue)
	}

	librariesAPI := router.Group("/api/libraries")
	{
		librariesAPI.GET("", m.listLibraries)
		librariesAPI.POST("", m.createLibrary)
		librariesAPI.GET("/:id", m.getLibrary)
		librariesAPI.DELETE("/:id", m.deleteLibrary)
	}

	router.GET("/api/events/health", m.getEventsHealth)
}
