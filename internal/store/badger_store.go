package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

const checkpointPrefix = "ckpt:"

// BadgerStore keeps checkpoints in an embedded BadgerDB instance. Compared
// to FSStore it batches better under frequent checkpoint intervals and
// gives atomic replacement for free through transactions. Traces stay on
// the filesystem; they are append-only streams, not key-value state.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// badgerLogger bridges badger's printf-style logger onto slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// NewBadgerStore opens (or creates) a Badger database at path. The caller
// owns the returned store and must Close it.
func NewBadgerStore(path string, logger *slog.Logger) (*BadgerStore, error) {
	if path == "" {
		return nil, errors.New("path is required for a persistent store")
	}
	if err := os.MkdirAll(path, 0750); err != nil {
		return nil, fmt.Errorf("create database directory %s: %w", path, err)
	}

	opts := badger.DefaultOptions(path).WithSyncWrites(true)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

// NewInMemoryBadgerStore opens a throwaway database for tests.
func NewInMemoryBadgerStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func checkpointKey(jobID string) []byte {
	return []byte(checkpointPrefix + jobID)
}

// SaveCheckpoint writes the checkpoint in a single transaction.
func (s *BadgerStore) SaveCheckpoint(jobID string, checkpoint *Checkpoint) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}

	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("serialize checkpoint: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(jobID), data)
	})
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads the checkpoint for jobID.
func (s *BadgerStore) LoadCheckpoint(jobID string) (*Checkpoint, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID cannot be empty")
	}

	var checkpoint Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(jobID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &checkpoint)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, &NotFoundError{JobID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// ListCheckpoints iterates the checkpoint keyspace and returns metadata.
// Unreadable values are skipped, matching the filesystem store.
func (s *BadgerStore) ListCheckpoints() ([]CheckpointInfo, error) {
	infos := []CheckpointInfo{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(checkpointPrefix)
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var checkpoint Checkpoint
				if err := json.Unmarshal(val, &checkpoint); err != nil {
					if s.logger != nil {
						s.logger.Warn("skipping unreadable checkpoint", "key", string(item.Key()), "error", err)
					}
					return nil
				}
				infos = append(infos, checkpoint.ToInfo())
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan checkpoints: %w", err)
	}
	return infos, nil
}

// DeleteCheckpoint removes the checkpoint for jobID.
func (s *BadgerStore) DeleteCheckpoint(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		key := checkpointKey(jobID)
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return &NotFoundError{JobID: jobID}
	}
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
