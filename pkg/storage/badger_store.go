package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"statical/pkg/log"
	"statical/pkg/models"
	"statical/pkg/utils"
)

const refKeyPrefix = "ref:" // Prefix for reference keys in DB

// BadgerStore implements the CrawlStore interface using BadgerDB
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	keyCount atomic.Int64 // Cached key count for O(1) SeenCount
}

// NewBadgerStore opens a fresh database for siteHost under stateDir.
// Any database left by an earlier crawl of the same host is removed first;
// it stays on disk after Close for inspection. The store lives until Close,
// independent of any crawl context, so a cancelled run can still be reported.
func NewBadgerStore(stateDir, siteHost string, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{log: logger}

	dbPath := filepath.Join(stateDir, stateDirName(siteHost))

	if err := os.RemoveAll(dbPath); err != nil {
		// Log error but attempt to continue; Badger might recover or create new files
		logger.Errorf("Failed to remove previous state directory %s: %v", dbPath, err)
	}

	logger.Infof("Initializing seen references database at: %s", dbPath)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, &utils.WriteError{Path: dbPath, Err: err}
	}

	opts := badger.DefaultOptions(dbPath).
		WithLogger(log.NewBadgerLogrusAdapter(logger)).
		WithNumVersionsToKeep(1) // Only the latest record per reference matters

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger database at %s: %w", utils.ErrDatabase, dbPath, err)
	}

	logger.Info("Seen references database initialized successfully.")
	return store, nil
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on overlapping keys can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// MarkSeen implements the SeenSet interface. A newly seen reference is stored
// with an empty value until its outcome is recorded.
func (s *BadgerStore) MarkSeen(ref string) (bool, error) {
	if s.db == nil {
		return false, errors.New("seen DB not initialized")
	}
	added := false
	key := []byte(refKeyPrefix + ref)

	err := s.dbUpdate(func(txn *badger.Txn) error {
		added = false
		_, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			errSet := txn.SetEntry(badger.NewEntry(key, []byte{}))
			if errSet == nil {
				added = true
			}
			return errSet
		}
		// Key already exists or another error occurred
		return errGet
	})

	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in MarkSeen: %v", err)
		return false, fmt.Errorf("%w: marking reference key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	if added {
		s.keyCount.Add(1)
	}
	return added, nil
}

// RecordResource implements the ResourceLedger interface
func (s *BadgerStore) RecordResource(entry *models.ResourceEntry) error {
	if s.db == nil {
		return errors.New("seen DB not initialized")
	}
	if entry == nil {
		return errors.New("nil resource entry")
	}
	key := []byte(refKeyPrefix + entry.Reference)

	entryBytes, errJson := json.Marshal(entry)
	if errJson != nil {
		wrappedErr := fmt.Errorf("%w: failed to marshal ResourceEntry for key '%s': %w", utils.ErrParsing, string(key), errJson)
		s.log.Error(wrappedErr)
		return wrappedErr
	}

	isNew := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		_, errGet := txn.Get(key)
		isNew = errors.Is(errGet, badger.ErrKeyNotFound)
		return txn.SetEntry(badger.NewEntry(key, entryBytes))
	})

	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in RecordResource: %v", err)
		return fmt.Errorf("%w: failed recording resource for key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	if isNew {
		s.keyCount.Add(1)
	}

	s.log.Debugf("Recorded resource '%s' as '%s'", entry.Reference, entry.Status)
	return nil
}

// GetResource implements the ResourceLedger interface
func (s *BadgerStore) GetResource(ref string) (*models.ResourceEntry, bool, error) {
	var entry *models.ResourceEntry
	key := []byte(refKeyPrefix + ref)

	errView := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil // Not found is not an error for this function's purpose
		}
		if errGet != nil {
			return fmt.Errorf("%w: failed getting reference key '%s': %w", utils.ErrDatabase, string(key), errGet)
		}
		return item.Value(func(val []byte) error {
			entry = s.decodeEntry(ref, val)
			return nil
		})
	})

	if errView != nil {
		s.log.Errorf("DB View error in GetResource for key '%s': %v", string(key), errView)
		return nil, false, errView
	}
	return entry, entry != nil, nil
}

// decodeEntry turns a stored value into an entry. Empty or unreadable values
// are reported as pending.
func (s *BadgerStore) decodeEntry(ref string, val []byte) *models.ResourceEntry {
	if len(val) == 0 {
		return &models.ResourceEntry{Reference: ref, Status: models.ResourceStatusPending}
	}
	var decoded models.ResourceEntry
	if errJson := json.Unmarshal(val, &decoded); errJson != nil {
		s.log.Warnf("Failed to unmarshal ResourceEntry for '%s': %v. Treating as 'pending'.", ref, errJson)
		return &models.ResourceEntry{Reference: ref, Status: models.ResourceStatusPending}
	}
	decoded.Reference = ref
	return &decoded
}

// SeenCount implements the StoreAdmin interface.
// Returns the cached key count (O(1)) maintained by atomic increments on writes.
func (s *BadgerStore) SeenCount() (int, error) {
	return int(s.keyCount.Load()), nil
}

// ForEachResource implements the StoreAdmin interface. fn runs inside a read
// transaction and must not write to the store.
func (s *BadgerStore) ForEachResource(fn func(entry models.ResourceEntry) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(refKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			ref := string(item.KeyCopy(nil)[len(prefix):])
			var entry *models.ResourceEntry
			if err := item.Value(func(val []byte) error {
				entry = s.decodeEntry(ref, val)
				return nil
			}); err != nil {
				return fmt.Errorf("%w: reading value for key '%s': %w", utils.ErrDatabase, ref, err)
			}
			if err := fn(*entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteVisitedLog implements the StoreAdmin interface.
func (s *BadgerStore) WriteVisitedLog(filePath string) error {
	return writeVisitedLog(filePath, s.ForEachResource, s.log)
}

// RunGC runs BadgerDB's garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute // Default interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Debug("BadgerDB GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				s.log.Debug("DB GC: Database is nil or closed, skipping GC cycle.")
				continue
			}

			s.log.Debug("Running BadgerDB value log garbage collection...")
			var err error
			// Loop GC until it returns ErrNoRewrite or another error
			for {
				if err = s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}

		case <-ctx.Done():
			s.log.Debugf("Stopping BadgerDB garbage collection goroutine: %v", ctx.Err())
			return
		}
	}
}

// Close implements the StoreAdmin interface
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		s.log.Info("Closing seen references DB...")
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing seen references DB: %v", err)
			return fmt.Errorf("%w: close: %w", utils.ErrDatabase, err)
		}
		return nil
	}
	s.log.Debug("Seen references DB already closed or was not initialized.")
	return nil
}

// Compile-time checks
var (
	_ CrawlStore = (*BadgerStore)(nil)
	_ CrawlStore = (*MemoryStore)(nil)
)
