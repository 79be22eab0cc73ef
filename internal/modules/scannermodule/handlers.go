package scannermodule

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/crescendo-media/crescendo/internal/database"
	"github.com/crescendo-media/crescendo/internal/queue"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// startScan handles POST /api/scanner/libraries/:id/scan requests
func (m *Module) startScan(c *gin.Context) {
	libraryID, ok := parseID(c)
	if !ok {
		return
	}

	sessionID, err := m.manager.Dispatch(c.Request.Context(), libraryID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Library not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"session_id": sessionID,
		"library_id": libraryID,
	})
}

// getSession handles GET /api/scanner/sessions/:id requests
func (m *Module) getSession(c *gin.Context) {
	session, err := m.manager.Store().GetSession(c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Scan session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, session)
}

// getActiveSessions handles GET /api/scanner/sessions/active requests
func (m *Module) getActiveSessions(c *gin.Context) {
	sessions, err := m.manager.Store().ActiveSessions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// getCompletedSessions handles GET /api/scanner/sessions/completed requests
func (m *Module) getCompletedSessions(c *gin.Context) {
	sessions, err := m.manager.Store().CompletedSessions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// listQueues handles GET /api/scanner/queues requests
func (m *Module) listQueues(c *gin.Context) {
	names := m.broker.QueueNames()
	queues := make([]gin.H, 0, len(names))
	for _, name := range names {
		counts, err := m.broker.Counts(name)
		if err != nil {
			continue
		}
		concurrency, _ := m.broker.Concurrency(name)
		queues = append(queues, gin.H{
			"name":        name,
			"counts":      counts,
			"concurrency": concurrency,
		})
	}
	c.JSON(http.StatusOK, gin.H{"queues": queues})
}

// getQueueCounts handles GET /api/scanner/queues/:name/counts requests
func (m *Module) getQueueCounts(c *gin.Context) {
	counts, err := m.broker.Counts(c.Param("name"))
	if err != nil {
		queueError(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

// pauseQueue handles POST /api/scanner/queues/:name/pause requests
func (m *Module) pauseQueue(c *gin.Context) {
	if err := m.broker.Pause(c.Param("name")); err != nil {
		queueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// resumeQueue handles POST /api/scanner/queues/:name/resume requests
func (m *Module) resumeQueue(c *gin.Context) {
	if err := m.broker.Resume(c.Param("name")); err != nil {
		queueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

// clearQueue handles POST /api/scanner/queues/:name/clear requests
func (m *Module) clearQueue(c *gin.Context) {
	if err := m.broker.Clear(c.Param("name")); err != nil {
		queueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

// listLibraries handles GET /api/libraries requests
func (m *Module) listLibraries(c *gin.Context) {
	var libraries []database.MediaLibrary
	if err := m.db.Find(&libraries).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"libraries": libraries, "count": len(libraries)})
}

// createLibrary handles POST /api/libraries requests
func (m *Module) createLibrary(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
		Path string `json:"path" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	library := database.MediaLibrary{
		Name:   req.Name,
		Path:   req.Path,
		Type:   "music",
		Status: database.LibraryStatusIdle,
	}
	if err := m.db.Create(&library).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			c.JSON(http.StatusConflict, gin.H{"error": "Library path already registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, library)
}

// getLibrary handles GET /api/libraries/:id requests
func (m *Module) getLibrary(c *gin.Context) {
	libraryID, ok := parseID(c)
	if !ok {
		return
	}

	var library database.MediaLibrary
	if err := m.db.First(&library, libraryID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Library not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, library)
}

// deleteLibrary handles DELETE /api/libraries/:id requests. A library
// mid-scan cannot be removed.
func (m *Module) deleteLibrary(c *gin.Context) {
	libraryID, ok := parseID(c)
	if !ok {
		return
	}

	var library database.MediaLibrary
	if err := m.db.First(&library, libraryID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Library not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if library.Status == database.LibraryStatusScanning {
		c.JSON(http.StatusConflict, gin.H{"error": "Library is being scanned"})
		return
	}

	if err := m.db.Delete(&database.MediaLibrary{}, libraryID).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// getEventsHealth handles GET /api/events/health requests
func (m *Module) getEventsHealth(c *gin.Context) {
	if err := m.bus.Health(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid library ID"})
		return 0, false
	}
	return uint(id), true
}

func queueError(c *gin.Context, err error) {
	if errors.Is(err, queue.ErrQueueNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Queue not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
