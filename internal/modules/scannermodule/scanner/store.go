package scanner

import (
	"errors"
	"fmt"
	"time"

	"github.com/crescendo-media/crescendo/internal/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionIDForLibrary derives the scan session id for a library. One
// library has at most one session record, which makes dispatch
// naturally idempotent.
func SessionIDForLibrary(libraryID uint) string {
	return fmt.Sprintf("library-%d", libraryID)
}

// SessionStore persists scan sessions. All counter mutations happen as
// atomic SQL increments guarded by status = scanning, so concurrent
// batch completions commute and a late update can never resurrect a
// finished session.
type SessionStore struct {
	db *gorm.DB
}

// NewSessionStore creates a session store on the given database.
func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

// ProgressDelta is a set of counter increments applied in one atomic
// update. Progress is a percentage delta already rounded to an integer.
type ProgressDelta struct {
	CompletedBatches int
	CompletedTracks  int
	FailedTracks     int
	Progress         int
}

// CreateSession returns the library's session, creating it if needed.
// An in-progress session is returned unchanged with created=false; a
// terminal one is deleted and recreated so a finished library can be
// rescanned.
func (s *SessionStore) CreateSession(libraryID uint) (*database.ScanSession, bool, error) {
	id := SessionIDForLibrary(libraryID)

	var existing database.ScanSession
	err := s.db.First(&existing, "session_id = ?", id).Error
	switch {
	case err == nil:
		if existing.Status == database.SessionStatusScanning {
			return &existing, false, nil
		}
		if err := s.db.Delete(&database.ScanSession{}, "session_id = ?", id).Error; err != nil {
			return nil, false, fmt.Errorf("failed to delete terminal session %s: %w", id, err)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		// fall through to create
	default:
		return nil, false, fmt.Errorf("failed to look up session %s: %w", id, err)
	}

	session := database.ScanSession{
		SessionID: id,
		LibraryID: libraryID,
		Status:    database.SessionStatusScanning,
		StartedAt: time.Now(),
	}
	// DoNothing collapses a concurrent create race to one record; the
	// loser sees zero rows affected and returns the winner's session.
	res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&session)
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to create session %s: %w", id, res.Error)
	}

	var current database.ScanSession
	if err := s.db.First(&current, "session_id = ?", id).Error; err != nil {
		return nil, false, fmt.Errorf("failed to load session %s after create: %w", id, err)
	}
	return &current, res.RowsAffected == 1, nil
}

// SetTotals records the batch plan for a session.
func (s *SessionStore) SetTotals(sessionID string, totalBatches, totalTracks int) error {
	res := s.db.Model(&database.ScanSession{}).
		Where("session_id = ? AND status = ?", sessionID, database.SessionStatusScanning).
		Updates(map[string]interface{}{
			"total_batches": totalBatches,
			"total_tracks":  totalTracks,
			"updated_at":    time.Now(),
		})
	return res.Error
}

// UpdateProgress applies counter increments atomically. It is a silent
// no-op if the session is not SCANNING. The progress column is clamped
// at 100 in SQL so rounding overshoot never shows through.
func (s *SessionStore) UpdateProgress(sessionID string, delta ProgressDelta) error {
	updates := map[string]interface{}{
		"updated_at": time.Now(),
	}
	if delta.CompletedBatches != 0 {
		updates["completed_batches"] = gorm.Expr("completed_batches + ?", delta.CompletedBatches)
	}
	if delta.CompletedTracks != 0 {
		updates["completed_tracks"] = gorm.Expr("completed_tracks + ?", delta.CompletedTracks)
	}
	if delta.FailedTracks != 0 {
		updates["failed_tracks"] = gorm.Expr("failed_tracks + ?", delta.FailedTracks)
	}
	if delta.Progress != 0 {
		updates["overall_progress"] = gorm.Expr(
			"CASE WHEN overall_progress + ? > 100 THEN 100 ELSE overall_progress + ? END",
			delta.Progress, delta.Progress)
	}

	res := s.db.Model(&database.ScanSession{}).
		Where("session_id = ? AND status = ?", sessionID, database.SessionStatusScanning).
		Updates(updates)
	return res.Error
}

// CompleteSession moves a SCANNING session to its terminal state and
// stamps completedAt. The status guard makes the transition happen
// exactly once; the return value tells the caller whether it won.
func (s *SessionStore) CompleteSession(sessionID string, success bool) (bool, error) {
	status := database.SessionStatusIdle
	if !success {
		status = database.SessionStatusError
	}
	now := time.Now()
	res := s.db.Model(&database.ScanSession{}).
		Where("session_id = ? AND status = ?", sessionID, database.SessionStatusScanning).
		Updates(map[string]interface{}{
			"status":           status,
			"overall_progress": 100,
			"completed_at":     &now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FailSession moves a SCANNING session to ERROR with a message.
func (s *SessionStore) FailSession(sessionID, message string) (bool, error) {
	now := time.Now()
	res := s.db.Model(&database.ScanSession{}).
		Where("session_id = ? AND status = ?", sessionID, database.SessionStatusScanning).
		Updates(map[string]interface{}{
			"status":        database.SessionStatusError,
			"error_message": message,
			"completed_at":  &now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetSession loads one session by id.
func (s *SessionStore) GetSession(sessionID string) (*database.ScanSession, error) {
	var session database.ScanSession
	if err := s.db.First(&session, "session_id = ?", sessionID).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

// ActiveSessions returns all sessions currently SCANNING.
func (s *SessionStore) ActiveSessions() ([]database.ScanSession, error) {
	var sessions []database.ScanSession
	err := s.db.Where("status = ?", database.SessionStatusScanning).
		Order("started_at DESC").Find(&sessions).Error
	return sessions, err
}

// CompletedSessions returns all sessions in a terminal state.
func (s *SessionStore) CompletedSessions() ([]database.ScanSession, error) {
	var sessions []database.ScanSession
	err := s.db.Where("status IN ?", []string{database.SessionStatusIdle, database.SessionStatusError}).
		Order("completed_at DESC").Find(&sessions).Error
	return sessions, err
}
