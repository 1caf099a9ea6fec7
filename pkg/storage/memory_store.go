package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"statical/pkg/models"
)

// MemoryStore implements CrawlStore with a mutex-guarded map. It lives only
// as long as the process.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*models.ResourceEntry // nil value: seen, nothing recorded yet
	closed  bool
	log     *logrus.Entry
}

// NewMemoryStore returns an empty MemoryStore
func NewMemoryStore(logger *logrus.Entry) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*models.ResourceEntry),
		log:     logger,
	}
}

var errStoreClosed = errors.New("store closed")

// MarkSeen implements the SeenSet interface
func (s *MemoryStore) MarkSeen(ref string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errStoreClosed
	}
	if _, ok := s.entries[ref]; ok {
		return false, nil
	}
	s.entries[ref] = nil
	return true, nil
}

// RecordResource implements the ResourceLedger interface
func (s *MemoryStore) RecordResource(entry *models.ResourceEntry) error {
	if entry == nil {
		return errors.New("nil resource entry")
	}
	cp := *entry
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	s.entries[entry.Reference] = &cp
	return nil
}

// GetResource implements the ResourceLedger interface
func (s *MemoryStore) GetResource(ref string) (*models.ResourceEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[ref]
	if !ok {
		return nil, false, nil
	}
	return entryOrPending(ref, e), true, nil
}

// SeenCount implements the StoreAdmin interface
func (s *MemoryStore) SeenCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

// ForEachResource implements the StoreAdmin interface. fn runs on a snapshot,
// so it may call back into the store.
func (s *MemoryStore) ForEachResource(fn func(entry models.ResourceEntry) error) error {
	s.mu.Lock()
	snapshot := make([]models.ResourceEntry, 0, len(s.entries))
	for ref, e := range s.entries {
		snapshot = append(snapshot, *entryOrPending(ref, e))
	}
	s.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Reference < snapshot[j].Reference })
	for _, e := range snapshot {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// WriteVisitedLog implements the StoreAdmin interface
func (s *MemoryStore) WriteVisitedLog(filePath string) error {
	return writeVisitedLog(filePath, s.ForEachResource, s.log)
}

// RunGC implements the StoreAdmin interface. There is nothing to collect.
func (s *MemoryStore) RunGC(ctx context.Context, interval time.Duration) {}

// Close implements the StoreAdmin interface
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func entryOrPending(ref string, e *models.ResourceEntry) *models.ResourceEntry {
	if e == nil {
		return &models.ResourceEntry{Reference: ref, Status: models.ResourceStatusPending}
	}
	cp := *e
	return &cp
}
