package scanner

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/crescendo-media/crescendo/internal/database"
	"github.com/dhowden/tag"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TrackAnalyzer validates, analyzes, and persists one file. Returning
// an error marks that file failed; the batch continues.
type TrackAnalyzer interface {
	AnalyzeFile(ctx context.Context, libraryID uint, file FileDescriptor) error
}

// MetadataAnalyzer reads audio tags from the file and upserts a
// MediaFile plus its TrackMetadata.
type MetadataAnalyzer struct {
	db *gorm.DB
}

// NewMetadataAnalyzer creates the default tag-reading analyzer.
func NewMetadataAnalyzer(db *gorm.DB) *MetadataAnalyzer {
	return &MetadataAnalyzer{db: db}
}

// AnalyzeFile extracts tags and persists the track. Files without
// readable tags are still recorded; only I/O and persistence errors
// fail the file.
func (a *MetadataAnalyzer) AnalyzeFile(ctx context.Context, libraryID uint, file FileDescriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.Open(file.FilePath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", file.FilePath, err)
	}
	defer f.Close()

	mediaFile := database.MediaFile{
		LibraryID:    libraryID,
		Path:         file.FilePath,
		FileName:     file.FileName,
		Size:         file.FileSize,
		LastModified: file.LastModified,
		ScannedAt:    time.Now(),
	}
	if err := a.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"size", "last_modified", "scanned_at", "updated_at"}),
	}).Create(&mediaFile).Error; err != nil {
		return fmt.Errorf("failed to persist media file %s: %w", file.FilePath, err)
	}
	if mediaFile.ID == 0 {
		// Upsert hit the existing row; load its id for the metadata link.
		var existing database.MediaFile
		if err := a.db.First(&existing, "path = ?", file.FilePath).Error; err != nil {
			return fmt.Errorf("failed to reload media file %s: %w", file.FilePath, err)
		}
		mediaFile.ID = existing.ID
	}

	meta := database.TrackMetadata{
		MediaFileID: mediaFile.ID,
	}
	if parsed, err := tag.ReadFrom(f); err == nil {
		meta.Title = parsed.Title()
		meta.Artist = parsed.Artist()
		meta.Album = parsed.Album()
		meta.AlbumArtist = parsed.AlbumArtist()
		meta.Genre = parsed.Genre()
		meta.Year = parsed.Year()
		meta.TrackNumber, _ = parsed.Track()
		meta.DiscNumber, _ = parsed.Disc()
		meta.Format = string(parsed.FileType())
	}
	if meta.Title == "" {
		meta.Title = file.FileName
	}

	if err := a.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "media_file_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "artist", "album", "album_artist", "genre",
			"year", "track_number", "disc_number", "format", "updated_at",
		}),
	}).Create(&meta).Error; err != nil {
		return fmt.Errorf("failed to persist track metadata for %s: %w", file.FilePath, err)
	}
	return nil
}
