package scanner

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/crescendo-media/crescendo/internal/database"
	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"
)

// FileMonitor watches library roots for filesystem changes and triggers
// incremental scans after a quiet period. Events for in-progress
// libraries are ignored; the running scan will pick the files up.
type FileMonitor struct {
	db         *gorm.DB
	dispatcher *Dispatcher
	watcher    *fsnotify.Watcher
	debounce   time.Duration
	logger     hclog.Logger

	mu      sync.Mutex
	timers  map[uint]*time.Timer
	roots   map[string]uint // watched root path -> library id
	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewFileMonitor creates a monitor over all configured libraries.
func NewFileMonitor(db *gorm.DB, dispatcher *Dispatcher, debounce time.Duration, logger hclog.Logger) (*FileMonitor, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 5 * time.Second
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &FileMonitor{
		db:         db,
		dispatcher: dispatcher,
		watcher:    watcher,
		debounce:   debounce,
		logger:     logger,
		timers:     make(map[uint]*time.Timer),
		roots:      make(map[string]uint),
		stopCh:     make(chan struct{}),
	}, nil
}

// Start registers watches for every library and begins handling events.
func (m *FileMonitor) Start() error {
	var libraries []database.MediaLibrary
	if err := m.db.Find(&libraries).Error; err != nil {
		return err
	}
	for _, lib := range libraries {
		if err := m.watchTree(lib.Path, lib.ID); err != nil {
			m.logger.Warn("failed to watch library root", "library_id", lib.ID, "path", lib.Path, "error", err)
		}
	}

	m.wg.Add(1)
	go m.run()
	m.logger.Info("file monitor started", "libraries", len(libraries))
	return nil
}

// Stop halts event handling and releases the watcher.
func (m *FileMonitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	for _, timer := range m.timers {
		timer.Stop()
	}
	m.mu.Unlock()

	close(m.stopCh)
	m.watcher.Close()
	m.wg.Wait()
}

// watchTree adds watches for the root and all its subdirectories;
// fsnotify watches are not recursive.
func (m *FileMonitor) watchTree(root string, libraryID uint) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if strings.HasPrefix(entry.Name(), ".") && path != root {
			return fs.SkipDir
		}
		if err := m.watcher.Add(path); err != nil {
			return nil
		}
		m.mu.Lock()
		m.roots[path] = libraryID
		m.mu.Unlock()
		return nil
	})
}

func (m *FileMonitor) run() {
	defer m.wg.Done()

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("file monitor error", "error", err)
		case <-m.stopCh:
			return
		}
	}
}

func (m *FileMonitor) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	libraryID, ok := m.libraryFor(event.Name)
	if !ok {
		return
	}

	// New directories join the watch; audio file changes arm the
	// debounce. Everything else is noise.
	if event.Op&fsnotify.Create != 0 {
		m.watchTree(event.Name, libraryID)
	}
	ext := strings.ToLower(filepath.Ext(event.Name))
	if !IsSupportedAudioFile(ext) {
		return
	}

	m.scheduleScan(libraryID)
}

func (m *FileMonitor) libraryFor(path string) (uint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir := filepath.Dir(path)
	for dir != "" {
		if id, ok := m.roots[dir]; ok {
			return id, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return 0, false
}

// scheduleScan arms (or re-arms) the library's debounce timer.
func (m *FileMonitor) scheduleScan(libraryID uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	if timer, ok := m.timers[libraryID]; ok {
		timer.Reset(m.debounce)
		return
	}
	m.timers[libraryID] = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		delete(m.timers, libraryID)
		stopped := m.stopped
		m.mu.Unlock()
		if stopped {
			return
		}

		sessionID, err := m.dispatcher.DispatchIncremental(context.Background(), libraryID)
		if err != nil {
			m.logger.Warn("incremental scan dispatch failed", "library_id", libraryID, "error", err)
			return
		}
		m.logger.Info("incremental scan dispatched from file change",
			"library_id", libraryID, "session_id", sessionID)
	})
}
