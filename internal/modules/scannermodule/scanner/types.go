// Package scanner implements the library scan pipeline: dispatch,
// batched scheduling, session progress accounting, and completion
// tracking.
package scanner

import (
	"time"
)

// Queue names used by the scan pipeline.
const (
	QueueLibraryScan        = "library-scan"
	QueueAudioScanBatch     = "audio-scan-batch"
	QueueLibraryMaintenance = "library-maintenance"
)

// Job names within the queues.
const (
	JobLibraryScan    = "library-scan"
	JobAudioScanBatch = "audio-scan-batch"
	JobScanFinalize   = "scan-finalize"
)

// DefaultBatchSize is the number of files grouped into one batch job.
const DefaultBatchSize = 5

// FileDescriptor identifies one candidate audio file. Ownership passes
// from the dispatcher to the batch worker via the job payload.
type FileDescriptor struct {
	FilePath     string    `json:"filePath"`
	FileName     string    `json:"fileName"`
	FileSize     int64     `json:"fileSize"`
	LastModified time.Time `json:"lastModified"`
	TrackIndex   int       `json:"trackIndex"`
}

// LibraryScanPayload is the payload of one library-scan job.
type LibraryScanPayload struct {
	LibraryID   uint   `json:"libraryId"`
	RootPath    string `json:"rootPath"`
	LibraryName string `json:"libraryName"`
	SessionID   string `json:"sessionId"`
	// Incremental limits discovery to files modified after the
	// library's last completed scan.
	Incremental bool `json:"incremental,omitempty"`
}

// BatchPayload is the payload of one audio-scan-batch job.
type BatchPayload struct {
	BatchIndex   int              `json:"batchIndex"`
	TotalBatches int              `json:"totalBatches"`
	SessionID    string           `json:"sessionId"`
	LibraryID    uint             `json:"libraryId"`
	Files        []FileDescriptor `json:"files"`
}

// FinalizePayload is the payload of one scan-finalize job.
type FinalizePayload struct {
	LibraryID uint   `json:"libraryId"`
	SessionID string `json:"sessionId"`
}

// BatchReport is a batch worker's aggregate outcome for one batch.
type BatchReport struct {
	BatchIndex  int
	Successful  int
	Failed      int
	TotalTracks int
}

// supportedExtensions lists the audio formats the scanner picks up.
var supportedExtensions = map[string]bool{
	".mp3":  true,
	".flac": true,
	".wav":  true,
	".m4a":  true,
	".aac":  true,
	".ogg":  true,
	".wma":  true,
	".opus": true,
}

// IsSupportedAudioFile reports whether the extension (including the
// leading dot, any case handled by the caller) is a scannable format.
func IsSupportedAudioFile(ext string) bool {
	return supportedExtensions[ext]
}
