package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileDiscovery enumerates candidate audio files under a library root.
// A non-nil modifiedAfter filters to files changed since that time, for
// incremental scans.
type FileDiscovery interface {
	ListAudioFiles(ctx context.Context, rootPath string, modifiedAfter *time.Time) ([]FileDescriptor, error)
}

// FilesystemDiscovery walks the library root on the local filesystem.
type FilesystemDiscovery struct {
	// MaxFileSize skips files above this size; zero means no limit.
	MaxFileSize int64
}

// NewFilesystemDiscovery creates a filesystem-backed discovery.
func NewFilesystemDiscovery(maxFileSize int64) *FilesystemDiscovery {
	return &FilesystemDiscovery{MaxFileSize: maxFileSize}
}

// ListAudioFiles walks rootPath collecting supported audio files in
// walk order, assigning each a library-wide track index.
func (d *FilesystemDiscovery) ListAudioFiles(ctx context.Context, rootPath string, modifiedAfter *time.Time) ([]FileDescriptor, error) {
	info, err := os.Stat(rootPath)
	if err != nil {
		return nil, fmt.Errorf("library root %s is not accessible: %w", rootPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("library root %s is not a directory", rootPath)
	}

	var files []FileDescriptor
	err = filepath.WalkDir(rootPath, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, not fatal.
			if entry != nil && entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() {
			if strings.HasPrefix(entry.Name(), ".") && path != rootPath {
				return fs.SkipDir
			}
			return nil
		}

		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !IsSupportedAudioFile(ext) {
			return nil
		}

		fi, err := entry.Info()
		if err != nil {
			return nil
		}
		if d.MaxFileSize > 0 && fi.Size() > d.MaxFileSize {
			return nil
		}
		if modifiedAfter != nil && !fi.ModTime().After(*modifiedAfter) {
			return nil
		}

		files = append(files, FileDescriptor{
			FilePath:     path,
			FileName:     entry.Name(),
			FileSize:     fi.Size(),
			LastModified: fi.ModTime(),
			TrackIndex:   len(files),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk library root %s: %w", rootPath, err)
	}
	return files, nil
}
