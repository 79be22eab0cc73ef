// Package server assembles the HTTP surface from the registered modules.
package server

import (
	"net/http"

	"github.com/crescendo-media/crescendo/internal/config"
	"github.com/crescendo-media/crescendo/internal/database"
	"github.com/crescendo-media/crescendo/internal/logger"
	"github.com/crescendo-media/crescendo/internal/modules/modulemanager"
	"github.com/gin-gonic/gin"

	// Import all modules to trigger their registration
	_ "github.com/crescendo-media/crescendo/internal/modules/scannermodule"
)

// SetupRouter loads all modules and returns the configured router.
func SetupRouter() (*gin.Engine, error) {
	cfg := config.Get()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	if cfg.Server.EnableCORS {
		r.Use(corsMiddleware())
	}

	if err := modulemanager.LoadAll(database.GetDB()); err != nil {
		return nil, err
	}
	modulemanager.RegisterRoutes(r)

	r.GET("/health", healthCheck)

	logger.Info("router assembled", "modules", len(modulemanager.ListModules()))
	return r, nil
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
