// Package events provides the per-session progress event bus used to
// stream scan state to live subscribers.
package events

import (
	"encoding/json"
	"time"
)

// EventType discriminates the progress event union.
type EventType string

const (
	EventBatchCreated    EventType = "batch.created"
	EventBatchProcessing EventType = "batch.processing"
	EventTrackProcessing EventType = "track.processing"
	EventTrackComplete   EventType = "track.complete"
	EventBatchComplete   EventType = "batch.complete"
	EventScanComplete    EventType = "scan.complete"
	EventState           EventType = "state"
)

// ProgressPayload is implemented by exactly one payload type per event
// type; the union is closed so consumers can switch exhaustively.
type ProgressPayload interface {
	progressPayload()
}

// ProgressEvent is a published notification of scan state change.
// Events are immutable once published.
type ProgressEvent struct {
	SessionID       string
	Type            EventType
	Timestamp       time.Time
	BatchIndex      *int
	OverallProgress *int
	Payload         ProgressPayload
}

// BatchCreatedPayload reports the batch plan for a session.
type BatchCreatedPayload struct {
	TotalBatches int `json:"totalBatches"`
	TotalTracks  int `json:"totalTracks"`
	BatchSize    int `json:"batchSize"`
}

// BatchProcessingPayload marks a batch picked up by a worker.
type BatchProcessingPayload struct {
	TrackCount int `json:"trackCount"`
}

// TrackProcessingPayload marks one file entering analysis.
type TrackProcessingPayload struct {
	TrackIndex int    `json:"trackIndex"`
	FilePath   string `json:"filePath"`
	FileName   string `json:"fileName"`
}

// TrackCompletePayload reports one file leaving analysis.
type TrackCompletePayload struct {
	TrackIndex int    `json:"trackIndex"`
	FileName   string `json:"fileName"`
	Success    bool   `json:"success"`
}

// BatchCompletePayload reports one batch's aggregate outcome.
// ProcessedEstimate derives from broker queue counts and is
// informational only.
type BatchCompletePayload struct {
	Successful        int `json:"successful"`
	Failed            int `json:"failed"`
	ProcessedEstimate int `json:"processedEstimate"`
	TotalTracks       int `json:"totalTracks"`
}

// ScanCompletePayload reports the terminal outcome of a session.
type ScanCompletePayload struct {
	Status          string `json:"status"`
	CompletedTracks int    `json:"completedTracks"`
	FailedTracks    int    `json:"failedTracks"`
	TotalTracks     int    `json:"totalTracks"`
	Duration        string `json:"duration,omitempty"`
}

// StatePayload is the synthetic snapshot replayed to a newly connected
// subscriber before any live events.
type StatePayload struct {
	SessionID        string     `json:"sessionId"`
	LibraryID        uint       `json:"libraryId"`
	Status           string     `json:"status"`
	TotalBatches     int        `json:"totalBatches"`
	CompletedBatches int        `json:"completedBatches"`
	TotalTracks      int        `json:"totalTracks"`
	CompletedTracks  int        `json:"completedTracks"`
	FailedTracks     int        `json:"failedTracks"`
	OverallProgress  int        `json:"overallProgress"`
	StartedAt        time.Time  `json:"startedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
}

func (BatchCreatedPayload) progressPayload()    {}
func (BatchProcessingPayload) progressPayload() {}
func (TrackProcessingPayload) progressPayload() {}
func (TrackCompletePayload) progressPayload()   {}
func (BatchCompletePayload) progressPayload()   {}
func (ScanCompletePayload) progressPayload()    {}
func (StatePayload) progressPayload()           {}

// MarshalJSON flattens the event envelope with the payload under "data".
func (e ProgressEvent) MarshalJSON() ([]byte, error) {
	type envelope struct {
		SessionID       string          `json:"sessionId"`
		Type            EventType       `json:"type"`
		Timestamp       time.Time       `json:"timestamp"`
		BatchIndex      *int            `json:"batchIndex,omitempty"`
		OverallProgress *int            `json:"overallProgress,omitempty"`
		Data            ProgressPayload `json:"data,omitempty"`
	}
	return json.Marshal(envelope{
		SessionID:       e.SessionID,
		Type:            e.Type,
		Timestamp:       e.Timestamp,
		BatchIndex:      e.BatchIndex,
		OverallProgress: e.OverallProgress,
		Data:            e.Payload,
	})
}

// ErrorSeverity classifies error events.
type ErrorSeverity string

const (
	SeverityWarning  ErrorSeverity = "warning"
	SeverityError    ErrorSeverity = "error"
	SeverityCritical ErrorSeverity = "critical"
)

// ErrorEvent is published on a channel independent of progress events.
type ErrorEvent struct {
	SessionID  string        `json:"sessionId"`
	Severity   ErrorSeverity `json:"severity"`
	Source     string        `json:"source"`
	BatchIndex *int          `json:"batchIndex,omitempty"`
	TrackIndex *int          `json:"trackIndex,omitempty"`
	Code       string        `json:"errorCode"`
	Message    string        `json:"message"`
	Timestamp  time.Time     `json:"timestamp"`
}

// IntPtr is a convenience for optional event fields.
func IntPtr(v int) *int { return &v }
