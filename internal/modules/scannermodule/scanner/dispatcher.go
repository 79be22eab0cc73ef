package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/crescendo-media/crescendo/internal/database"
	"github.com/crescendo-media/crescendo/internal/events"
	"github.com/crescendo-media/crescendo/internal/queue"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"
)

// DispatcherConfig tunes batch partitioning and batch retry policy.
type DispatcherConfig struct {
	BatchSize     int
	BatchAttempts int
	BatchBackoff  time.Duration
}

func (c *DispatcherConfig) normalize() {
	if c.BatchSize < 1 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchAttempts < 1 {
		c.BatchAttempts = 1
	}
}

// Dispatcher triggers scans: it creates or reuses the session, enqueues
// the library-scan job, and once that job runs it partitions the
// discovered files into batch jobs.
type Dispatcher struct {
	db        *gorm.DB
	store     *SessionStore
	broker    *queue.Broker
	bus       *events.Bus
	discovery FileDiscovery
	cfg       DispatcherConfig
	logger    hclog.Logger
}

// NewDispatcher creates a scan dispatcher.
func NewDispatcher(db *gorm.DB, store *SessionStore, broker *queue.Broker, bus *events.Bus, discovery FileDiscovery, cfg DispatcherConfig, logger hclog.Logger) *Dispatcher {
	cfg.normalize()
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Dispatcher{
		db:        db,
		store:     store,
		broker:    broker,
		bus:       bus,
		discovery: discovery,
		cfg:       cfg,
		logger:    logger,
	}
}

// Dispatch starts a scan for the library and returns the session id.
// Idempotent: an in-progress scan for the library returns the existing
// session id without enqueuing anything.
func (d *Dispatcher) Dispatch(ctx context.Context, libraryID uint) (string, error) {
	return d.dispatch(ctx, libraryID, false)
}

// DispatchIncremental starts a scan limited to files modified since the
// library's last completed scan.
func (d *Dispatcher) DispatchIncremental(ctx context.Context, libraryID uint) (string, error) {
	return d.dispatch(ctx, libraryID, true)
}

func (d *Dispatcher) dispatch(ctx context.Context, libraryID uint, incremental bool) (string, error) {
	var library database.MediaLibrary
	if err := d.db.First(&library, libraryID).Error; err != nil {
		return "", fmt.Errorf("library %d not found: %w", libraryID, err)
	}

	session, created, err := d.store.CreateSession(libraryID)
	if err != nil {
		return "", err
	}
	if !created {
		d.logger.Info("scan already in progress, reusing session",
			"library_id", libraryID, "session_id", session.SessionID)
		return session.SessionID, nil
	}

	d.setLibraryStatus(libraryID, database.LibraryStatusScanning)

	payload := LibraryScanPayload{
		LibraryID:   libraryID,
		RootPath:    library.Path,
		LibraryName: library.Name,
		SessionID:   session.SessionID,
		Incremental: incremental,
	}
	if _, err := d.broker.Enqueue(QueueLibraryScan, JobLibraryScan, payload, queue.JobOptions{Attempts: 1}); err != nil {
		// A broker failure must not leave the session dangling in SCANNING.
		if _, ferr := d.store.FailSession(session.SessionID, err.Error()); ferr != nil {
			d.logger.Error("failed to mark session failed after enqueue error",
				"session_id", session.SessionID, "error", ferr)
		}
		d.setLibraryStatus(libraryID, database.LibraryStatusIdle)
		return "", fmt.Errorf("failed to enqueue library scan: %w", err)
	}

	d.logger.Info("scan dispatched", "library_id", libraryID, "session_id", session.SessionID,
		"path", library.Path, "incremental", incremental)
	return session.SessionID, nil
}

// HandleLibraryScan executes one library-scan job: discover files,
// partition into batches, enqueue the batch jobs.
func (d *Dispatcher) HandleLibraryScan(ctx context.Context, job *queue.Job) error {
	var payload LibraryScanPayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		return fmt.Errorf("invalid library-scan payload: %w", err)
	}

	var modifiedAfter *time.Time
	if payload.Incremental {
		var library database.MediaLibrary
		if err := d.db.First(&library, payload.LibraryID).Error; err == nil && library.LastScanAt != nil {
			modifiedAfter = library.LastScanAt
		}
	}

	files, err := d.discovery.ListAudioFiles(ctx, payload.RootPath, modifiedAfter)
	if err != nil {
		d.failScan(payload, "DISCOVERY_FAILED", err)
		return err
	}

	if len(files) == 0 {
		// Nothing to process: without batches no completion report will
		// ever arrive, so the session is finalized here instead of being
		// left SCANNING forever.
		return d.completeEmptyScan(payload)
	}

	return d.enqueueBatchJobs(payload, files)
}

// enqueueBatchJobs partitions files into fixed-size batches, records the
// totals on the session, and bulk-enqueues one batch job per slice.
func (d *Dispatcher) enqueueBatchJobs(payload LibraryScanPayload, files []FileDescriptor) error {
	batchSize := d.cfg.BatchSize
	totalBatches := (len(files) + batchSize - 1) / batchSize

	if err := d.store.SetTotals(payload.SessionID, totalBatches, len(files)); err != nil {
		d.failScan(payload, "SESSION_UPDATE_FAILED", err)
		return err
	}

	d.bus.Publish(payload.SessionID, events.ProgressEvent{
		Type:            events.EventBatchCreated,
		OverallProgress: events.IntPtr(0),
		Payload: events.BatchCreatedPayload{
			TotalBatches: totalBatches,
			TotalTracks:  len(files),
			BatchSize:    batchSize,
		},
	})

	specs := make([]queue.JobSpec, 0, totalBatches)
	for i := 0; i < totalBatches; i++ {
		start := i * batchSize
		end := start + batchSize
		if end > len(files) {
			end = len(files)
		}
		specs = append(specs, queue.JobSpec{
			Name: JobAudioScanBatch,
			Payload: BatchPayload{
				BatchIndex:   i,
				TotalBatches: totalBatches,
				SessionID:    payload.SessionID,
				LibraryID:    payload.LibraryID,
				Files:        files[start:end],
			},
			Options: queue.JobOptions{
				Attempts: d.cfg.BatchAttempts,
				Backoff: queue.BackoffPolicy{
					Type:  queue.BackoffExponential,
					Delay: d.cfg.BatchBackoff,
				},
			},
		})
	}

	if err := d.broker.EnqueueBulk(QueueAudioScanBatch, specs); err != nil {
		d.failScan(payload, "ENQUEUE_FAILED", err)
		return err
	}

	d.logger.Info("batch jobs enqueued", "session_id", payload.SessionID,
		"total_batches", totalBatches, "total_tracks", len(files))
	return nil
}

func (d *Dispatcher) completeEmptyScan(payload LibraryScanPayload) error {
	if err := d.store.SetTotals(payload.SessionID, 0, 0); err != nil {
		return err
	}
	won, err := d.store.CompleteSession(payload.SessionID, true)
	if err != nil {
		return err
	}
	if won {
		d.bus.Publish(payload.SessionID, events.ProgressEvent{
			Type:            events.EventScanComplete,
			OverallProgress: events.IntPtr(100),
			Payload: events.ScanCompletePayload{
				Status: database.SessionStatusIdle,
			},
		})
		d.cacheTerminalState(payload.SessionID)
		d.enqueueFinalize(payload.LibraryID, payload.SessionID)
	}
	d.logger.Info("empty library scan completed", "session_id", payload.SessionID)
	return nil
}

// HandleFinalize executes the post-scan hook: the owning library is
// flipped back to idle and its last-scan marker advances.
func (d *Dispatcher) HandleFinalize(ctx context.Context, job *queue.Job) error {
	var payload FinalizePayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		return fmt.Errorf("invalid scan-finalize payload: %w", err)
	}
	now := time.Now()
	err := d.db.Model(&database.MediaLibrary{}).
		Where("id = ?", payload.LibraryID).
		Updates(map[string]interface{}{
			"status":       database.LibraryStatusIdle,
			"last_scan_at": &now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to finalize library %d: %w", payload.LibraryID, err)
	}
	d.logger.Info("library finalized after scan", "library_id", payload.LibraryID, "session_id", payload.SessionID)
	return nil
}

func (d *Dispatcher) enqueueFinalize(libraryID uint, sessionID string) {
	_, err := d.broker.Enqueue(QueueLibraryMaintenance, JobScanFinalize,
		FinalizePayload{LibraryID: libraryID, SessionID: sessionID}, queue.JobOptions{Attempts: 2})
	if err != nil {
		// Best effort: the scan itself already terminated.
		d.logger.Error("failed to enqueue scan finalize job", "library_id", libraryID, "error", err)
	}
}

func (d *Dispatcher) failScan(payload LibraryScanPayload, code string, cause error) {
	d.logger.Error("library scan failed", "session_id", payload.SessionID, "code", code, "error", cause)
	if _, err := d.store.FailSession(payload.SessionID, cause.Error()); err != nil {
		d.logger.Error("failed to mark session failed", "session_id", payload.SessionID, "error", err)
	}
	d.bus.PublishError(payload.SessionID, events.ErrorEvent{
		Severity: events.SeverityCritical,
		Source:   "dispatcher",
		Code:     code,
		Message:  cause.Error(),
	})
	d.cacheTerminalState(payload.SessionID)
	d.setLibraryStatus(payload.LibraryID, database.LibraryStatusIdle)
}

func (d *Dispatcher) setLibraryStatus(libraryID uint, status string) {
	if err := d.db.Model(&database.MediaLibrary{}).
		Where("id = ?", libraryID).
		Update("status", status).Error; err != nil {
		d.logger.Error("failed to update library status", "library_id", libraryID, "status", status, "error", err)
	}
}

// cacheTerminalState refreshes the bus cache from the stored session so
// late-connecting clients replay the terminal snapshot. Best effort.
func (d *Dispatcher) cacheTerminalState(sessionID string) {
	session, err := d.store.GetSession(sessionID)
	if err != nil {
		d.logger.Warn("failed to cache session state", "session_id", sessionID, "error", err)
		return
	}
	d.bus.SetCachedState(sessionID, SnapshotFromSession(session))
}
