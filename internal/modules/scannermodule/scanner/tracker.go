package scanner

import (
	"fmt"
	"math"
	"time"

	"github.com/crescendo-media/crescendo/internal/database"
	"github.com/crescendo-media/crescendo/internal/events"
	"github.com/crescendo-media/crescendo/internal/queue"
	"github.com/hashicorp/go-hclog"
)

// ProgressTracker reconciles batch completions into the session's
// counters and decides when a scan is done. Completion is driven only
// by the stored counters; the broker-derived estimate feeds the
// batch.complete event and nothing else.
type ProgressTracker struct {
	store     *SessionStore
	broker    *queue.Broker
	bus       *events.Bus
	batchSize int
	logger    hclog.Logger

	// onComplete runs once per session after the SCANNING→terminal
	// transition, for the post-scan hook.
	onComplete func(session *database.ScanSession)
}

// NewProgressTracker creates a progress tracker. batchSize is the
// dispatcher's partition size, used only for the broker-derived
// processed estimate.
func NewProgressTracker(store *SessionStore, broker *queue.Broker, bus *events.Bus, batchSize int, logger hclog.Logger) *ProgressTracker {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &ProgressTracker{
		store:     store,
		broker:    broker,
		bus:       bus,
		batchSize: batchSize,
		logger:    logger,
	}
}

// SetCompletionHook registers the post-scan hook. Must be called before
// any batch reports arrive.
func (t *ProgressTracker) SetCompletionHook(hook func(session *database.ScanSession)) {
	t.onComplete = hook
}

// OnBatchComplete applies one batch's outcome. Safe under concurrent,
// out-of-order batch completions: every mutation is an atomic increment
// and the terminal transition is guarded by the session status, so
// exactly one caller finalizes the session.
func (t *ProgressTracker) OnBatchComplete(sessionID string, report BatchReport) error {
	session, err := t.store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	batchTracks := report.Successful + report.Failed
	delta := ProgressDelta{
		CompletedBatches: 1,
		CompletedTracks:  report.Successful,
		FailedTracks:     report.Failed,
		Progress:         progressDelta(batchTracks, session.TotalTracks),
	}
	if err := t.store.UpdateProgress(sessionID, delta); err != nil {
		return fmt.Errorf("failed to apply batch report for %s: %w", sessionID, err)
	}

	// The increments have landed; from here on the batch must never be
	// retried, or they would be applied twice. A failed reload falls
	// back to a locally composed view. The terminal transition stays
	// exactly-once regardless, it is guarded by the session status.
	updated, err := t.store.GetSession(sessionID)
	if err != nil {
		t.logger.Error("failed to reload session after batch report",
			"session_id", sessionID, "batch_index", report.BatchIndex, "error", err)
		updated = applyDeltaLocal(session, delta)
	}

	t.publishBatchComplete(updated, report)
	t.refreshCachedState(updated)

	if updated.CompletedBatches >= updated.TotalBatches {
		t.finalize(updated)
	}
	return nil
}

// OnBatchPermanentFailure counts a batch whose retries are exhausted.
// Its tracks become failed contributions; the individual files are not
// retried individually; a rescan recovers them.
func (t *ProgressTracker) OnBatchPermanentFailure(sessionID string, batchIndex, trackCount int, cause error) {
	t.bus.PublishError(sessionID, events.ErrorEvent{
		Severity:   events.SeverityError,
		Source:     "batch-worker",
		BatchIndex: events.IntPtr(batchIndex),
		Code:       "BATCH_RETRIES_EXHAUSTED",
		Message:    cause.Error(),
	})
	report := BatchReport{
		BatchIndex:  batchIndex,
		Successful:  0,
		Failed:      trackCount,
		TotalTracks: trackCount,
	}
	if err := t.OnBatchComplete(sessionID, report); err != nil {
		t.logger.Error("failed to account permanently failed batch",
			"session_id", sessionID, "batch_index", batchIndex, "error", err)
	}
}

func (t *ProgressTracker) publishBatchComplete(session *database.ScanSession, report BatchReport) {
	t.bus.Publish(session.SessionID, events.ProgressEvent{
		Type:            events.EventBatchComplete,
		BatchIndex:      events.IntPtr(report.BatchIndex),
		OverallProgress: events.IntPtr(session.OverallProgress),
		Payload: events.BatchCompletePayload{
			Successful:        report.Successful,
			Failed:            report.Failed,
			ProcessedEstimate: t.estimateProcessed(session),
			TotalTracks:       session.TotalTracks,
		},
	})
}

// estimateProcessed approximates how many tracks have been handled from
// the broker's waiting+active counts. Under high concurrency it can
// disagree with the stored counters; it is informational only.
func (t *ProgressTracker) estimateProcessed(session *database.ScanSession) int {
	counts, err := t.broker.Counts(QueueAudioScanBatch)
	if err != nil {
		return session.CompletedTracks + session.FailedTracks
	}
	pendingBatches := int(counts.Waiting + counts.Active)
	pendingTracks := pendingBatches * t.batchSize
	estimate := session.TotalTracks - pendingTracks
	if estimate < 0 {
		estimate = 0
	}
	if estimate > session.TotalTracks {
		estimate = session.TotalTracks
	}
	return estimate
}

// finalize performs the exactly-once terminal transition.
func (t *ProgressTracker) finalize(session *database.ScanSession) {
	won, err := t.store.CompleteSession(session.SessionID, true)
	if err != nil {
		t.logger.Error("failed to complete session", "session_id", session.SessionID, "error", err)
		return
	}
	if !won {
		// Another batch completion already finalized this session.
		return
	}

	final, err := t.store.GetSession(session.SessionID)
	if err != nil {
		t.logger.Error("failed to reload completed session", "session_id", session.SessionID, "error", err)
		final = session
	}

	duration := ""
	if final.CompletedAt != nil {
		duration = final.CompletedAt.Sub(final.StartedAt).Round(time.Millisecond).String()
	}
	t.bus.Publish(final.SessionID, events.ProgressEvent{
		Type:            events.EventScanComplete,
		OverallProgress: events.IntPtr(100),
		Payload: events.ScanCompletePayload{
			Status:          final.Status,
			CompletedTracks: final.CompletedTracks,
			FailedTracks:    final.FailedTracks,
			TotalTracks:     final.TotalTracks,
			Duration:        duration,
		},
	})
	t.refreshCachedState(final)

	t.logger.Info("scan completed", "session_id", final.SessionID,
		"completed_tracks", final.CompletedTracks, "failed_tracks", final.FailedTracks,
		"duration", duration)

	if t.onComplete != nil {
		t.onComplete(final)
	}
}

func (t *ProgressTracker) refreshCachedState(session *database.ScanSession) {
	t.bus.SetCachedState(session.SessionID, SnapshotFromSession(session))
}

// applyDeltaLocal composes the post-increment session view when the
// reload after UpdateProgress fails. It may lag concurrent batches but
// keeps the reporting path moving.
func applyDeltaLocal(session *database.ScanSession, delta ProgressDelta) *database.ScanSession {
	updated := *session
	updated.CompletedBatches += delta.CompletedBatches
	updated.CompletedTracks += delta.CompletedTracks
	updated.FailedTracks += delta.FailedTracks
	updated.OverallProgress += delta.Progress
	if updated.OverallProgress > 100 {
		updated.OverallProgress = 100
	}
	return &updated
}

// progressDelta converts one batch's share of the scan into an integer
// percentage delta. Rounding is to nearest; a very small batch in a
// large scan can legitimately round to zero, which the completion path
// corrects by stamping 100 on the terminal update.
func progressDelta(batchTracks, totalTracks int) int {
	if totalTracks <= 0 {
		return 0
	}
	return int(math.Round(float64(batchTracks) / float64(totalTracks) * 100))
}

// SnapshotFromSession builds the state payload replayed to subscribers.
func SnapshotFromSession(session *database.ScanSession) events.StatePayload {
	return events.StatePayload{
		SessionID:        session.SessionID,
		LibraryID:        session.LibraryID,
		Status:           session.Status,
		TotalBatches:     session.TotalBatches,
		CompletedBatches: session.CompletedBatches,
		TotalTracks:      session.TotalTracks,
		CompletedTracks:  session.CompletedTracks,
		FailedTracks:     session.FailedTracks,
		OverallProgress:  session.OverallProgress,
		StartedAt:        session.StartedAt,
		CompletedAt:      session.CompletedAt,
		ErrorMessage:     session.ErrorMessage,
	}
}
