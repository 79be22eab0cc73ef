package scannermodule

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/crescendo-media/crescendo/internal/config"
	"github.com/crescendo-media/crescendo/internal/database"
	"github.com/crescendo-media/crescendo/internal/events"
	"github.com/crescendo-media/crescendo/internal/modules/scannermodule/scanner"
	"github.com/crescendo-media/crescendo/internal/queue"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestModule(t *testing.T) (*Module, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=10000", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&database.MediaLibrary{},
		&database.ScanSession{},
		&database.MediaFile{},
		&database.TrackMetadata{},
	))

	m := &Module{
		db:     db,
		broker: queue.NewBroker(nil),
		bus:    events.NewBus(nil),
	}
	m.manager = scanner.NewManager(db, m.broker, m.bus, config.ScannerConfig{
		BatchSize:          2,
		LibraryScanWorkers: 1,
		BatchWorkers:       2,
		BatchAttempts:      2,
		BatchBackoff:       time.Millisecond,
	})
	require.NoError(t, m.manager.Start())
	t.Cleanup(func() {
		require.NoError(t, m.Shutdown(context.Background()))
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	router := gin.New()
	m.RegisterRoutes(router)
	return m, router
}

func createLibrary(t *testing.T, m *Module, path string) *database.MediaLibrary {
	t.Helper()
	library := &database.MediaLibrary{
		Name:   "Test Library",
		Path:   path,
		Type:   "music",
		Status: database.LibraryStatusIdle,
	}
	require.NoError(t, m.db.Create(library).Error)
	return library
}

func writeTracks(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("audio"), 0o644))
	}
}

func doRequest(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestStartScanEndpoint(t *testing.T) {
	m, router := newTestModule(t)
	root := t.TempDir()
	writeTracks(t, root, "01.mp3", "02.mp3", "03.mp3")
	library := createLibrary(t, m, root)

	w := doRequest(router, http.MethodPost, fmt.Sprintf("/api/scanner/libraries/%d/scan", library.ID), nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, scanner.SessionIDForLibrary(library.ID), resp.SessionID)

	require.Eventually(t, func() bool {
		session, err := m.manager.Store().GetSession(resp.SessionID)
		return err == nil && session.Status == database.SessionStatusIdle
	}, 10*time.Second, 10*time.Millisecond)
}

func TestStartScanUnknownLibrary(t *testing.T) {
	_, router := newTestModule(t)

	w := doRequest(router, http.MethodPost, "/api/scanner/libraries/999/scan", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(router, http.MethodPost, "/api/scanner/libraries/abc/scan", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionEndpoints(t *testing.T) {
	m, router := newTestModule(t)
	root := t.TempDir()
	library := createLibrary(t, m, root)

	w := doRequest(router, http.MethodGet, "/api/scanner/sessions/library-99", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// An empty library completes immediately.
	w = doRequest(router, http.MethodPost, fmt.Sprintf("/api/scanner/libraries/%d/scan", library.ID), nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	sessionID := scanner.SessionIDForLibrary(library.ID)

	require.Eventually(t, func() bool {
		session, err := m.manager.Store().GetSession(sessionID)
		return err == nil && session.Status == database.SessionStatusIdle
	}, 10*time.Second, 10*time.Millisecond)

	w = doRequest(router, http.MethodGet, "/api/scanner/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var session database.ScanSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	assert.Equal(t, database.SessionStatusIdle, session.Status)

	w = doRequest(router, http.MethodGet, "/api/scanner/sessions/completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), sessionID)

	w = doRequest(router, http.MethodGet, "/api/scanner/sessions/active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)
}

func TestQueueEndpoints(t *testing.T) {
	_, router := newTestModule(t)

	w := doRequest(router, http.MethodGet, "/api/scanner/queues", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "audio-scan-batch")

	w = doRequest(router, http.MethodGet, "/api/scanner/queues/audio-scan-batch/counts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var counts queue.JobCounts
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &counts))

	w = doRequest(router, http.MethodGet, "/api/scanner/queues/bogus/counts", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(router, http.MethodPost, "/api/scanner/queues/audio-scan-batch/pause", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doRequest(router, http.MethodPost, "/api/scanner/queues/audio-scan-batch/resume", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doRequest(router, http.MethodPost, "/api/scanner/queues/audio-scan-batch/clear", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodPost, "/api/scanner/queues/bogus/pause", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLibraryEndpoints(t *testing.T) {
	m, router := newTestModule(t)

	w := doRequest(router, http.MethodPost, "/api/libraries", gin.H{"name": "Music", "path": "/music"})
	require.Equal(t, http.StatusCreated, w.Code)
	var library database.MediaLibrary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &library))
	assert.Equal(t, database.LibraryStatusIdle, library.Status)

	// Duplicate paths are rejected.
	w = doRequest(router, http.MethodPost, "/api/libraries", gin.H{"name": "Again", "path": "/music"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "already registered")

	// Missing fields are rejected.
	w = doRequest(router, http.MethodPost, "/api/libraries", gin.H{"name": "No path"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodGet, "/api/libraries", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = doRequest(router, http.MethodGet, fmt.Sprintf("/api/libraries/%d", library.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// A library mid-scan cannot be deleted.
	require.NoError(t, m.db.Model(&library).Update("status", database.LibraryStatusScanning).Error)
	w = doRequest(router, http.MethodDelete, fmt.Sprintf("/api/libraries/%d", library.ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	require.NoError(t, m.db.Model(&library).Update("status", database.LibraryStatusIdle).Error)
	w = doRequest(router, http.MethodDelete, fmt.Sprintf("/api/libraries/%d", library.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, fmt.Sprintf("/api/libraries/%d", library.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateLibraryStorageFailureIsNotAConflict(t *testing.T) {
	m, router := newTestModule(t)

	require.NoError(t, m.db.Exec("DROP TABLE media_libraries").Error)

	w := doRequest(router, http.MethodPost, "/api/libraries", gin.H{"name": "Music", "path": "/music"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestEventsHealthEndpoint(t *testing.T) {
	_, router := newTestModule(t)

	w := doRequest(router, http.MethodGet, "/api/events/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestModuleIdentity(t *testing.T) {
	m := &Module{}
	assert.Equal(t, ModuleID, m.ID())
	assert.Equal(t, ModuleName, m.Name())
	assert.True(t, m.Core())
}
