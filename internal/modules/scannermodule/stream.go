package scannermodule

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/crescendo-media/crescendo/internal/database"
	"github.com/crescendo-media/crescendo/internal/events"
	"github.com/crescendo-media/crescendo/internal/modules/scannermodule/scanner"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

func writeStreamHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
}

// streamSession handles GET /api/scanner/sessions/:id/stream requests.
// The client receives a synthetic state frame first, then live progress
// and error frames until the session terminates or it disconnects.
func (m *Module) streamSession(c *gin.Context) {
	sessionID := c.Param("id")

	// Subscribe before reading the snapshot so no event published in
	// between can be missed; replay-then-live with no gap.
	sub := m.bus.Subscribe(sessionID)
	defer m.bus.Unsubscribe(sessionID, sub.ID)

	snapshot, ok := m.bus.CachedState(sessionID)
	if !ok {
		session, err := m.manager.Store().GetSession(sessionID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// An unknown session ends the stream with no frames;
				// it is not an error to ask about a scan never run.
				writeStreamHeaders(c)
				c.Writer.Flush()
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		snapshot = scanner.SnapshotFromSession(session)
	}

	writeStreamHeaders(c)

	stateEvent := events.ProgressEvent{
		SessionID:       sessionID,
		Type:            events.EventState,
		Timestamp:       time.Now(),
		OverallProgress: events.IntPtr(snapshot.OverallProgress),
		Payload:         snapshot,
	}
	c.SSEvent(string(events.EventState), stateEvent)
	c.Writer.Flush()

	// A terminal session produces no further events; the snapshot is
	// the whole story.
	if snapshot.Status != database.SessionStatusScanning {
		return
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case event, open := <-sub.Events:
			if !open {
				return false
			}
			c.SSEvent(string(event.Type), event)
			return true

		case errEvent, open := <-sub.Errors:
			if !open {
				return false
			}
			c.SSEvent("error", errEvent)
			return errEvent.Severity != events.SeverityCritical

		case <-time.After(heartbeatInterval):
			c.SSEvent("heartbeat", gin.H{"time": time.Now()})
			return true

		case <-c.Request.Context().Done():
			return false
		}
	})
}
