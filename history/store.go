package history

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store is a Sink backed by an sqlite database via GORM.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var _ Sink = (*Store)(nil)

// OpenStore opens (creating if needed) the call log database at path.
// Use ":memory:" for an ephemeral store.
func OpenStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open call history db: %w", err)
	}
	if err := db.AutoMigrate(&CallRecord{}); err != nil {
		return nil, fmt.Errorf("migrate call history schema: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenStore",
		"path":     path,
	}).Info("Call history store opened")

	return &Store{db: db, now: time.Now}, nil
}

// RecordStarted inserts the initial ringing record for a call. A repeat
// for the same call ID is a no-op, so both legs of a loopback pair can
// share one store.
func (s *Store) RecordStarted(callID, callerID, receiverID string) error {
	rec := CallRecord{
		CallID:     callID,
		CallerID:   callerID,
		ReceiverID: receiverID,
		Status:     StatusRinging,
		StartedAt:  s.now(),
	}
	err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("record call started: %w", err)
	}
	return nil
}

// RecordAccepted marks the call accepted.
func (s *Store) RecordAccepted(callID string) error {
	now := s.now()
	err := s.db.Model(&CallRecord{}).Where("call_id = ?", callID).Updates(map[string]any{
		"status":      StatusAccepted,
		"accepted_at": &now,
	}).Error
	if err != nil {
		return fmt.Errorf("record call accepted: %w", err)
	}
	return nil
}

// RecordRejected marks the call rejected with the given reason.
func (s *Store) RecordRejected(callID, reason string) error {
	if err := s.finish(callID, StatusRejected, reason); err != nil {
		return fmt.Errorf("record call rejected: %w", err)
	}
	return nil
}

// RecordEnded marks the call finished.
func (s *Store) RecordEnded(callID, reason string) error {
	if err := s.finish(callID, StatusEnded, reason); err != nil {
		return fmt.Errorf("record call ended: %w", err)
	}
	return nil
}

// finish writes a terminal status. A call that was never persisted as
// started (a caller canceling before the relay echoed the real ID) still
// gets a terminal record.
func (s *Store) finish(callID string, status CallStatus, reason string) error {
	now := s.now()
	res := s.db.Model(&CallRecord{}).Where("call_id = ?", callID).Updates(map[string]any{
		"status":     status,
		"end_reason": reason,
		"ended_at":   &now,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		rec := CallRecord{
			CallID:    callID,
			Status:    status,
			EndReason: reason,
			StartedAt: now,
			EndedAt:   &now,
		}
		return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	}
	return nil
}

// Recent returns up to limit most recent call records, newest first.
func (s *Store) Recent(limit int) ([]CallRecord, error) {
	var recs []CallRecord
	err := s.db.Order("started_at desc").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	return recs, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
