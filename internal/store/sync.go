package store

import (
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/bustrack/transitsync/pkg/errors"
)

const syncBucket = "sync_meta"

// SyncTracker records when each dataset last synced successfully.
type SyncTracker struct {
	db *DB
}

// NewSyncTracker returns a tracker persisted in db.
func NewSyncTracker(db *DB) *SyncTracker {
	return &SyncTracker{db: db}
}

// LastSync returns the last successful sync time for key.
func (s *SyncTracker) LastSync(key string) (time.Time, bool, error) {
	var at time.Time
	var found bool

	err := s.db.bolt.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(syncBucket)).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return at.UnmarshalBinary(data)
	})
	if err != nil {
		return time.Time{}, false, errors.New(errors.CodeStore, "failed to read sync time").
			WithDetail("key", key).
			WithCause(err)
	}
	return at, found, nil
}

// MarkSynced stamps key with the current time.
func (s *SyncTracker) MarkSynced(key string) error {
	data, err := s.db.clock.Now().UTC().MarshalBinary()
	if err != nil {
		return err
	}

	err = s.db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(syncBucket)).Put([]byte(key), data)
	})
	if err != nil {
		return errors.New(errors.CodeStore, "failed to record sync time").
			WithDetail("key", key).
			WithCause(err)
	}
	return nil
}

// Reset forgets the sync time for key so the next read refreshes.
func (s *SyncTracker) Reset(key string) error {
	return s.db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(syncBucket)).Delete([]byte(key))
	})
}

// IsStale reports whether key never synced or last synced more than
// threshold ago. Read failures count as stale.
func (s *SyncTracker) IsStale(key string, threshold time.Duration) bool {
	at, ok, err := s.LastSync(key)
	if err != nil {
		s.db.logger.Warn("Failed to read sync bookkeeping", zap.String("key", key), zap.Error(err))
		return true
	}
	if !ok {
		return true
	}
	return s.db.clock.Since(at) > threshold
}
