package storage

import (
	"context"
	"time"

	"statical/pkg/models"
)

// SeenSet is the crawl's dedup table, keyed on the literal reference string
type SeenSet interface {
	// MarkSeen adds ref to the set as one atomic check-and-insert
	// Returns true if ref was newly added, false if it was already present
	MarkSeen(ref string) (bool, error)
}

// ResourceLedger keeps the outcome recorded for each seen reference
type ResourceLedger interface {
	// RecordResource stores entry under entry.Reference, replacing any earlier record
	RecordResource(entry *models.ResourceEntry) error

	// GetResource returns the record for ref
	// A reference that was marked seen but never recorded comes back as pending
	GetResource(ref string) (entry *models.ResourceEntry, found bool, err error)
}

// StoreAdmin handles lifecycle and reporting operations
type StoreAdmin interface {
	// SeenCount returns the number of references in the Seen Set
	SeenCount() (int, error)

	// ForEachResource calls fn for every seen reference in key order, stopping at the first error
	ForEachResource(fn func(entry models.ResourceEntry) error) error

	// WriteVisitedLog writes every seen reference and its outcome to filePath
	WriteVisitedLog(filePath string) error

	// RunGC runs periodic garbage collection until ctx ends. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close releases the store
	Close() error
}

// CrawlStore combines all store interfaces for components that need full access
type CrawlStore interface {
	SeenSet
	ResourceLedger
	StoreAdmin
}
