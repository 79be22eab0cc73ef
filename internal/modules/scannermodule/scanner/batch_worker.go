package scanner

import (
	"context"
	"fmt"

	"github.com/crescendo-media/crescendo/internal/events"
	"github.com/crescendo-media/crescendo/internal/queue"
	"github.com/hashicorp/go-hclog"
)

// BatchWorker executes one audio-scan-batch job: it runs every file in
// the batch through the analyzer, emits per-file progress signals, and
// reports the aggregate outcome to the progress tracker.
type BatchWorker struct {
	analyzer TrackAnalyzer
	tracker  *ProgressTracker
	bus      *events.Bus
	logger   hclog.Logger
}

// NewBatchWorker creates a batch worker.
func NewBatchWorker(analyzer TrackAnalyzer, tracker *ProgressTracker, bus *events.Bus, logger hclog.Logger) *BatchWorker {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &BatchWorker{
		analyzer: analyzer,
		tracker:  tracker,
		bus:      bus,
		logger:   logger,
	}
}

// HandleBatch processes one batch. Per-file analyzer errors are counted
// as failed tracks and do not fail the job; a returned error means the
// whole batch is retried by the broker.
func (w *BatchWorker) HandleBatch(ctx context.Context, job *queue.Job) error {
	var batch BatchPayload
	if err := job.UnmarshalPayload(&batch); err != nil {
		return fmt.Errorf("invalid audio-scan-batch payload: %w", err)
	}

	w.bus.Publish(batch.SessionID, events.ProgressEvent{
		Type:       events.EventBatchProcessing,
		BatchIndex: events.IntPtr(batch.BatchIndex),
		Payload:    events.BatchProcessingPayload{TrackCount: len(batch.Files)},
	})

	successful, failed := 0, 0
	for _, file := range batch.Files {
		if err := ctx.Err(); err != nil {
			return err
		}

		w.bus.Publish(batch.SessionID, events.ProgressEvent{
			Type:       events.EventTrackProcessing,
			BatchIndex: events.IntPtr(batch.BatchIndex),
			Payload: events.TrackProcessingPayload{
				TrackIndex: file.TrackIndex,
				FilePath:   file.FilePath,
				FileName:   file.FileName,
			},
		})

		err := w.analyzer.AnalyzeFile(ctx, batch.LibraryID, file)
		if err != nil {
			failed++
			w.logger.Warn("track analysis failed", "session_id", batch.SessionID,
				"batch_index", batch.BatchIndex, "file", file.FilePath, "error", err)
			w.bus.PublishError(batch.SessionID, events.ErrorEvent{
				Severity:   events.SeverityWarning,
				Source:     "batch-worker",
				BatchIndex: events.IntPtr(batch.BatchIndex),
				TrackIndex: events.IntPtr(file.TrackIndex),
				Code:       "TRACK_ANALYSIS_FAILED",
				Message:    err.Error(),
			})
		} else {
			successful++
		}

		w.bus.Publish(batch.SessionID, events.ProgressEvent{
			Type:       events.EventTrackComplete,
			BatchIndex: events.IntPtr(batch.BatchIndex),
			Payload: events.TrackCompletePayload{
				TrackIndex: file.TrackIndex,
				FileName:   file.FileName,
				Success:    err == nil,
			},
		})
	}

	return w.tracker.OnBatchComplete(batch.SessionID, BatchReport{
		BatchIndex:  batch.BatchIndex,
		Successful:  successful,
		Failed:      failed,
		TotalTracks: len(batch.Files),
	})
}

// HandlePermanentFailure is the broker's dead-letter hook for batches
// whose retries are exhausted.
func (w *BatchWorker) HandlePermanentFailure(job *queue.Job, cause error) {
	var batch BatchPayload
	if err := job.UnmarshalPayload(&batch); err != nil {
		w.logger.Error("cannot account failed batch: bad payload", "job_id", job.ID, "error", err)
		return
	}
	w.logger.Error("batch permanently failed, counting tracks as failed",
		"session_id", batch.SessionID, "batch_index", batch.BatchIndex,
		"track_count", len(batch.Files), "error", cause)
	w.tracker.OnBatchPermanentFailure(batch.SessionID, batch.BatchIndex, len(batch.Files), cause)
}
