package scanner

import (
	"context"
	"fmt"

	"github.com/crescendo-media/crescendo/internal/config"
	"github.com/crescendo-media/crescendo/internal/database"
	"github.com/crescendo-media/crescendo/internal/events"
	"github.com/crescendo-media/crescendo/internal/logger"
	"github.com/crescendo-media/crescendo/internal/queue"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"
)

// Manager owns the scan pipeline: it wires the dispatcher, batch
// worker, and progress tracker to the job broker and event bus, and
// runs the optional file monitor and adaptive throttler.
type Manager struct {
	db     *gorm.DB
	broker *queue.Broker
	bus    *events.Bus
	cfg    config.ScannerConfig

	store       *SessionStore
	dispatcher  *Dispatcher
	tracker     *ProgressTracker
	batchWorker *BatchWorker
	monitor     *FileMonitor
	throttler   *LoadThrottler

	logger hclog.Logger
}

// NewManager creates the scan manager and its components. Queues are
// registered when Start is called.
func NewManager(db *gorm.DB, broker *queue.Broker, bus *events.Bus, cfg config.ScannerConfig) *Manager {
	log := logger.Named("scanner")

	store := NewSessionStore(db)
	discovery := NewFilesystemDiscovery(cfg.MaxFileSize)
	analyzer := NewMetadataAnalyzer(db)
	tracker := NewProgressTracker(store, broker, bus, cfg.BatchSize, log.Named("tracker"))
	dispatcher := NewDispatcher(db, store, broker, bus, discovery, DispatcherConfig{
		BatchSize:     cfg.BatchSize,
		BatchAttempts: cfg.BatchAttempts,
		BatchBackoff:  cfg.BatchBackoff,
	}, log.Named("dispatcher"))
	batchWorker := NewBatchWorker(analyzer, tracker, bus, log.Named("worker"))

	m := &Manager{
		db:          db,
		broker:      broker,
		bus:         bus,
		cfg:         cfg,
		store:       store,
		dispatcher:  dispatcher,
		tracker:     tracker,
		batchWorker: batchWorker,
		logger:      log,
	}

	tracker.SetCompletionHook(m.onScanComplete)
	return m
}

// Start registers the scan queues and starts the optional background
// services.
func (m *Manager) Start() error {
	if err := m.failInterruptedSessions(); err != nil {
		return fmt.Errorf("failed to clean up interrupted sessions: %w", err)
	}

	if err := m.broker.RegisterQueue(QueueLibraryScan, queue.WorkerConfig{
		Concurrency: m.cfg.LibraryScanWorkers,
	}, m.dispatcher.HandleLibraryScan); err != nil {
		return fmt.Errorf("failed to register %s queue: %w", QueueLibraryScan, err)
	}

	if err := m.broker.RegisterQueue(QueueAudioScanBatch, queue.WorkerConfig{
		Concurrency:        m.cfg.BatchWorkers,
		OnPermanentFailure: m.batchWorker.HandlePermanentFailure,
	}, m.batchWorker.HandleBatch); err != nil {
		return fmt.Errorf("failed to register %s queue: %w", QueueAudioScanBatch, err)
	}

	if err := m.broker.RegisterQueue(QueueLibraryMaintenance, queue.WorkerConfig{
		Concurrency: 1,
	}, m.dispatcher.HandleFinalize); err != nil {
		return fmt.Errorf("failed to register %s queue: %w", QueueLibraryMaintenance, err)
	}

	if m.cfg.AdaptiveScaling {
		m.throttler = NewLoadThrottler(m.broker, ThrottlerConfig{
			Queue:      QueueAudioScanBatch,
			MinWorkers: m.cfg.MinBatchWorkers,
			MaxWorkers: m.cfg.MaxBatchWorkers,
		}, m.logger.Named("throttler"))
		m.throttler.Start()
	}

	if m.cfg.WatchLibraries {
		monitor, err := NewFileMonitor(m.db, m.dispatcher, m.cfg.WatchDebounce, m.logger.Named("monitor"))
		if err != nil {
			// Scanning works without monitoring; log and continue.
			m.logger.Error("failed to create file monitor", "error", err)
		} else {
			m.monitor = monitor
			if err := m.monitor.Start(); err != nil {
				m.logger.Error("failed to start file monitor", "error", err)
			}
		}
	}

	m.logger.Info("scan manager started",
		"batch_size", m.cfg.BatchSize, "batch_workers", m.cfg.BatchWorkers,
		"adaptive_scaling", m.cfg.AdaptiveScaling, "watch_libraries", m.cfg.WatchLibraries)
	return nil
}

// failInterruptedSessions marks sessions left SCANNING by a previous
// process as errored and returns their libraries to idle. The broker is
// in-process, so those sessions can never finish on their own.
func (m *Manager) failInterruptedSessions() error {
	sessions, err := m.store.ActiveSessions()
	if err != nil {
		return err
	}
	for _, session := range sessions {
		failed, err := m.store.FailSession(session.SessionID, "scan interrupted by restart")
		if err != nil {
			return err
		}
		if !failed {
			continue
		}
		if err := m.db.Model(&database.MediaLibrary{}).
			Where("id = ?", session.LibraryID).
			Update("status", database.LibraryStatusIdle).Error; err != nil {
			return err
		}
		m.logger.Warn("failed interrupted session", "session_id", session.SessionID,
			"library_id", session.LibraryID)
	}
	return nil
}

// Stop shuts down the background services. The broker itself is owned
// and drained by the caller.
func (m *Manager) Stop() {
	if m.throttler != nil {
		m.throttler.Stop()
	}
	if m.monitor != nil {
		m.monitor.Stop()
	}
}

// Dispatch triggers a full scan of the library.
func (m *Manager) Dispatch(ctx context.Context, libraryID uint) (string, error) {
	return m.dispatcher.Dispatch(ctx, libraryID)
}

// DispatchIncremental triggers a modification-time-filtered scan.
func (m *Manager) DispatchIncremental(ctx context.Context, libraryID uint) (string, error) {
	return m.dispatcher.DispatchIncremental(ctx, libraryID)
}

// Store exposes the session store for read queries.
func (m *Manager) Store() *SessionStore {
	return m.store
}

// onScanComplete is the post-scan hook: flip the library back to idle
// via the maintenance queue and tear down the session's event channel.
func (m *Manager) onScanComplete(session *database.ScanSession) {
	m.dispatcher.enqueueFinalize(session.LibraryID, session.SessionID)
	m.bus.CloseSession(session.SessionID)
}
