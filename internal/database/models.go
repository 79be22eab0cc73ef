package database

import (
	"time"
)

// Library status values. A library is flipped to scanning when a scan is
// dispatched and back to idle by the post-scan finalize job.
const (
	LibraryStatusIdle     = "idle"
	LibraryStatusScanning = "scanning"
)

// MediaLibrary represents one configured music library root
type MediaLibrary struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	Name       string     `gorm:"not null" json:"name"`
	Path       string     `gorm:"not null;uniqueIndex" json:"path"`
	Type       string     `gorm:"default:music" json:"type"`
	Status     string     `gorm:"default:idle" json:"status"`
	LastScanAt *time.Time `json:"last_scan_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ScanSession status values. idle and error are terminal.
const (
	SessionStatusScanning = "scanning"
	SessionStatusIdle     = "idle"
	SessionStatusError    = "error"
)

// ScanSession is the durable record of one scan run of a library.
// Counters are only ever mutated through atomic SQL increments guarded
// by status = scanning; see scanner.SessionStore.
type ScanSession struct {
	SessionID        string     `gorm:"primaryKey" json:"session_id"`
	LibraryID        uint       `gorm:"index;not null" json:"library_id"`
	Status           string     `gorm:"index;not null" json:"status"`
	TotalBatches     int        `json:"total_batches"`
	CompletedBatches int        `json:"completed_batches"`
	TotalTracks      int        `json:"total_tracks"`
	CompletedTracks  int        `json:"completed_tracks"`
	FailedTracks     int        `json:"failed_tracks"`
	OverallProgress  int        `json:"overall_progress"`
	StartedAt        time.Time  `json:"started_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
}

// MediaFile represents one discovered audio file in a library
type MediaFile struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	LibraryID    uint      `gorm:"index;not null" json:"library_id"`
	Path         string    `gorm:"uniqueIndex;not null" json:"path"`
	FileName     string    `gorm:"not null" json:"file_name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	ScannedAt    time.Time `json:"scanned_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TrackMetadata holds tag data extracted from a media file
type TrackMetadata struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	MediaFileID uint      `gorm:"uniqueIndex;not null" json:"media_file_id"`
	Title       string    `json:"title"`
	Artist      string    `json:"artist"`
	Album       string    `json:"album"`
	AlbumArtist string    `json:"album_artist"`
	Genre       string    `json:"genre"`
	Year        int       `json:"year"`
	TrackNumber int       `json:"track_number"`
	DiscNumber  int       `json:"disc_number"`
	Format      string    `json:"format"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
