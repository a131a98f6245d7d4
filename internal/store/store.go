// Package store persists broker state in a single embedded SQLite file.
// The broker process exclusively owns the file; queues stay authoritative in
// memory and every mutation is mirrored here so a restart recovers unread
// messages, instances, sessions and name history.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Store wraps the database handle. All methods are invoked under the broker
// mutex, so the store itself performs no locking.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// Open creates the data directory (0700), opens the SQLite file with WAL
// journaling, migrates the schema and tightens the file mode to 0600.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	// SQLite creates the file with the process umask; the store is private.
	if err := os.Chmod(path, 0o600); err != nil {
		return nil, fmt.Errorf("restricting database permissions: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveMessage inserts one unread envelope.
func (s *Store) SaveMessage(m *Message) error {
	return s.db.Create(m).Error
}

// MarkRead flags the drained rows for one recipient. Rows are identified by
// (to_id, timestamp) as assigned at enqueue.
func (s *Store) MarkRead(toID string, timestamps []string) error {
	if len(timestamps) == 0 {
		return nil
	}
	return s.db.Model(&Message{}).
		Where("to_id = ? AND timestamp IN ? AND read_flag = ?", toID, timestamps, false).
		Update("read_flag", true).Error
}

// LoadUnread returns every undelivered message ordered for queue rebuild.
func (s *Store) LoadUnread() ([]Message, error) {
	var messages []Message
	err := s.db.
		Where("read_flag = ?", false).
		Order("to_id, timestamp, id").
		Find(&messages).Error
	return messages, err
}

// DeleteExpiredUnregistered bulk-deletes unread rows older than cutoff whose
// recipient has no active registration. Returns the number of rows removed.
func (s *Store) DeleteExpiredUnregistered(cutoff string) (int64, error) {
	res := s.db.
		Where("read_flag = ? AND timestamp < ? AND to_id NOT IN (SELECT instance_id FROM instances)",
			false, cutoff).
		Delete(&Message{})
	return res.RowsAffected, res.Error
}

// UpsertInstance creates or refreshes an active-instance row.
func (s *Store) UpsertInstance(id string, lastSeen time.Time) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instance_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen"}),
	}).Create(&Instance{InstanceID: id, LastSeen: lastSeen}).Error
}

// LoadInstances returns the full active-instance table.
func (s *Store) LoadInstances() ([]Instance, error) {
	var instances []Instance
	err := s.db.Find(&instances).Error
	return instances, err
}

// RenameInstance applies the persistent half of a rename in one transaction:
// the instance row moves to the new id, undelivered messages follow the
// queue, sessions re-bind, and the forward is recorded. Unread rows already
// addressed to the new id belong to the future-delivery queue the rename
// replaces; they are marked read, mirroring the in-memory replacement.
func (s *Store) RenameInstance(oldID, newID string, lastSeen, changedAt time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&Instance{}, "instance_id = ?", oldID).Error; err != nil {
			return err
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "instance_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_seen"}),
		}).Create(&Instance{InstanceID: newID, LastSeen: lastSeen}).Error; err != nil {
			return err
		}
		// Retire the displaced queue before moving the caller's rows, or a
		// restart would resurrect it into the renamed instance's queue.
		if err := tx.Model(&Message{}).
			Where("to_id = ? AND read_flag = ?", newID, false).
			Update("read_flag", true).Error; err != nil {
			return err
		}
		if err := tx.Model(&Message{}).
			Where("to_id = ? AND read_flag = ?", oldID, false).
			Update("to_id", newID).Error; err != nil {
			return err
		}
		if err := tx.Model(&Session{}).
			Where("instance_id = ?", oldID).
			Update("instance_id", newID).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "old_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"new_name", "changed_at"}),
		}).Create(&NameChange{OldName: oldID, NewName: newID, ChangedAt: changedAt}).Error
	})
}

// LoadNameHistory returns all recorded renames; the caller filters expired
// forwards in memory.
func (s *Store) LoadNameHistory() ([]NameChange, error) {
	var changes []NameChange
	err := s.db.Find(&changes).Error
	return changes, err
}

// CreateSession stores the salted hash binding; the raw token never reaches
// this layer.
func (s *Store) CreateSession(tokenHash, instanceID string, createdAt, expiresAt time.Time) error {
	return s.db.Create(&Session{
		TokenHash:  tokenHash,
		InstanceID: instanceID,
		CreatedAt:  createdAt,
		ExpiresAt:  expiresAt,
	}).Error
}

// LookupSession fetches a session row by token hash; nil when absent.
func (s *Store) LookupSession(tokenHash string) (*Session, error) {
	var session Session
	err := s.db.First(&session, "session_token_hash = ?", tokenHash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// DeleteExpiredSessions removes rows whose expiry is at or before now.
func (s *Store) DeleteExpiredSessions(now time.Time) (int64, error) {
	res := s.db.Where("expires_at <= ?", now).Delete(&Session{})
	return res.RowsAffected, res.Error
}
