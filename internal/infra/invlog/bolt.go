package invlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"toolmux/internal/domain"
)

var invocationsBucket = []byte("invocations")

// BoltStore persists invocation records to an append-only bbolt bucket,
// keyed by timestamp so the most recent records are queryable in order.
type BoltStore struct {
	db     *bolt.DB
	logger *zap.Logger
}

// OpenBoltStore opens (or creates) the invocation log database.
func OpenBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("invocation log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
		return nil, fmt.Errorf("ensure invocation log dir: %w", err)
	}

	options := &bolt.Options{Timeout: time.Second}
	db, err := bolt.Open(trimmed, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("open invocation log db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(invocationsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure invocations bucket: %w", err)
	}

	return &BoltStore{
		db:     db,
		logger: logger.Named("invlog_store"),
	}, nil
}

// Write appends one record. Implements Sink.
func (s *BoltStore) Write(record domain.InvocationRecord) error {
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal invocation record: %w", err)
	}
	key := recordKey(record)

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(invocationsBucket)
		if bucket == nil {
			return fmt.Errorf("invocations bucket missing")
		}
		return bucket.Put(key, value)
	})
}

// Recent returns up to limit records, newest first.
func (s *BoltStore) Recent(limit int) ([]domain.InvocationRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	var records []domain.InvocationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(invocationsBucket)
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for key, value := cursor.Last(); key != nil && len(records) < limit; key, value = cursor.Prev() {
			var record domain.InvocationRecord
			if err := json.Unmarshal(value, &record); err != nil {
				s.logger.Warn("skip undecodable invocation record", zap.Error(err))
				continue
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Close releases the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// recordKey orders records by time; the record ID breaks ties between
// records sharing a timestamp.
func recordKey(record domain.InvocationRecord) []byte {
	key := make([]byte, 8, 8+1+len(record.ID))
	binary.BigEndian.PutUint64(key, uint64(record.At.UnixNano()))
	key = append(key, '-')
	key = append(key, record.ID...)
	return key
}

var _ Sink = (*BoltStore)(nil)
