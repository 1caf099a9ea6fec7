package models

import (
	"net/url"
	"time"
)

// SeedURL is one <url> entry of the source sitemap
type SeedURL struct {
	Loc        string
	LastMod    string     // Kept as written in the source sitemap
	ChangeFreq ChangeFreq // Empty when absent or not a known value
	Priority   *float64
}

// CrawlTarget is a reference resolved for one scheduling decision
type CrawlTarget struct {
	Reference string   // Literal reference as found in the source document
	URL       *url.URL // Absolute URL the reference resolves to
	Context   *url.URL // URL the reference was discovered from
	DestPath  string   // Filesystem destination under the output directory
}

// ResourceEntry is the ledger record for one literal reference
type ResourceEntry struct {
	Reference   string         `json:"reference" yaml:"reference"`
	URL         string         `json:"url,omitempty" yaml:"url,omitempty"`
	Status      ResourceStatus `json:"status" yaml:"status"`
	SkipReason  SkipReason     `json:"skip_reason,omitempty" yaml:"skip_reason,omitempty"`
	LocalPath   string         `json:"local_path,omitempty" yaml:"local_path,omitempty"` // Relative to the output dir
	ContentType string         `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	StatusCode  int            `json:"status_code,omitempty" yaml:"status_code,omitempty"`
	Bytes       int64          `json:"bytes,omitempty" yaml:"bytes,omitempty"`
	SHA256      string         `json:"sha256,omitempty" yaml:"sha256,omitempty"`
	References  int            `json:"references,omitempty" yaml:"references,omitempty"` // Count extracted from HTML
	ErrorType   string         `json:"error_type,omitempty" yaml:"error_type,omitempty"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
	LastAttempt time.Time      `json:"last_attempt" yaml:"last_attempt"`
}

// CrawlCounts aggregates ledger outcomes
type CrawlCounts struct {
	Seen    int `yaml:"seen"`
	Written int `yaml:"written"`
	Failed  int `yaml:"failed"`
	Skipped int `yaml:"skipped"`
	Pending int `yaml:"pending,omitempty"`
}

// Add folds one entry into the counts
func (c *CrawlCounts) Add(e ResourceEntry) {
	c.Seen++
	switch e.Status {
	case ResourceStatusSuccess:
		c.Written++
	case ResourceStatusFailure:
		c.Failed++
	case ResourceStatusSkipped:
		c.Skipped++
	case ResourceStatusPending:
		c.Pending++
	}
}

// CrawlSummary is the YAML document written after a crawl.
type CrawlSummary struct {
	RunID     string          `yaml:"run_id"`
	Site      string          `yaml:"site"`
	BaseURL   string          `yaml:"base_url"`
	OutputDir string          `yaml:"output_dir"`
	StartTime time.Time       `yaml:"start_time"`
	EndTime   time.Time       `yaml:"end_time"`
	Duration  string          `yaml:"duration"`
	SeedCount int             `yaml:"seed_count"`
	Counts    CrawlCounts     `yaml:"counts"`
	Succeeded bool            `yaml:"succeeded"`
	Resources []ResourceEntry `yaml:"resources"`

	// Sitemap locations that did not end up written to the output directory
	MissingSeeds []string `yaml:"missing_seeds,omitempty"`
}
