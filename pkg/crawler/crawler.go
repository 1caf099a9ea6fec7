package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"statical/pkg/config"
	"statical/pkg/fetch"
	"statical/pkg/models"
	"statical/pkg/parse"
	"statical/pkg/sitemap"
	"statical/pkg/storage"
	"statical/pkg/taskbuffer"
	"statical/pkg/utils"
)

// gcInterval is how often the store's garbage collector runs during a crawl
const gcInterval = 5 * time.Minute

// Crawler mirrors one site: it reads the sitemap, downloads every seed and
// whatever the seeds reference, and writes the rebased sitemap.
type Crawler struct {
	log   *logrus.Entry // Logger contextualized with run_id
	cfg   *config.AppConfig
	runID string

	site    *url.URL // Crawl host; seeds resolve against it
	base    *url.URL // Public base URL for the rewritten sitemap
	exclude []*regexp.Regexp

	source    sitemap.Source
	fetcher   fetch.HTTPFetcher
	store     storage.CrawlStore
	extractor *parse.Extractor
}

// NewCrawler checks the site and base URLs and compiles the selectors and
// exclude patterns. cfg is expected to have passed config.Validate.
func NewCrawler(
	cfg *config.AppConfig,
	source sitemap.Source,
	fetcher fetch.HTTPFetcher,
	store storage.CrawlStore,
	baseLogger *logrus.Entry,
) (*Crawler, error) {
	site, err := parseHTTPURL("site", cfg.Site)
	if err != nil {
		return nil, err
	}
	base, err := parseHTTPURL("base URL", cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	exclude, err := utils.CompileRegexPatterns(cfg.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("compiling exclude patterns: %w", err)
	}
	extractor, err := parse.NewExtractor(cfg.LinkSelectors, cfg.SourceSelectors)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger := baseLogger.WithField("run_id", runID)
	if len(exclude) > 0 {
		logger.Infof("Compiled %d exclude patterns.", len(exclude))
	}

	return &Crawler{
		log:       logger,
		cfg:       cfg,
		runID:     runID,
		site:      site,
		base:      base,
		exclude:   exclude,
		source:    source,
		fetcher:   fetcher,
		store:     store,
		extractor: extractor,
	}, nil
}

func parseHTTPURL(label, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q: %w", utils.ErrConfigValidation, label, raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %s %q must be an absolute http(s) URL", utils.ErrConfigValidation, label, raw)
	}
	return u, nil
}

// RunID identifies this crawl in logs and in the summary.
func (c *Crawler) RunID() string { return c.runID }

// Run performs the crawl and blocks until every fetch and the sitemap write
// have finished. A sitemap that cannot be read or parsed fails the run before
// anything is fetched. Otherwise every resource is attempted; the returned
// error joins all fetch and write failures. The summary is returned even when
// the error is non-nil, unless the sitemap could not be loaded.
func (c *Crawler) Run(ctx context.Context) (*models.CrawlSummary, error) {
	startTime := time.Now()
	runLog := c.log.WithFields(logrus.Fields{"site": c.site.String(), "output_dir": c.cfg.OutputDir})

	if c.cfg.GlobalCrawlTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.GlobalCrawlTimeout)
		defer cancel()
		runLog.Infof("Global crawl timeout set to %v", c.cfg.GlobalCrawlTimeout)
	}

	seeds, err := sitemap.Load(ctx, c.source, runLog)
	if err != nil {
		runLog.Errorf("Cannot load sitemap: %v", err)
		return nil, err
	}
	if err := utils.EnsureDir(c.cfg.OutputDir); err != nil {
		return nil, err
	}

	buffer := taskbuffer.New(ctx, c.cfg.MaxConcurrentFetches, runLog)
	defer buffer.Close()
	dl := NewDownloader(c.site, c.cfg.OutputDir, c.exclude, c.fetcher, buffer, c.store, c.extractor, runLog)

	gcCtx, stopGC := context.WithCancel(ctx)
	defer stopGC()
	go c.store.RunGC(gcCtx, gcInterval)

	stopProgress := c.reportProgress(ctx, buffer, dl)

	runLog.WithField("seeds", len(seeds)).Infof("Crawl starting with at most %d concurrent fetches...", buffer.Max())

	// The sitemap depends only on the seeds, so it is written while crawling.
	var g errgroup.Group
	g.Go(func() error {
		result, err := sitemap.Write(seeds, c.base, c.cfg.OutputDir)
		if err != nil {
			runLog.Errorf("Failed to write sitemap: %v", err)
			return err
		}
		runLog.WithField("path", result.Path).Infof("Wrote sitemap with %d URLs", len(seeds))
		return nil
	})

	crawlErr := c.crawl(ctx, seeds, dl, runLog)
	runErr := errors.Join(crawlErr, g.Wait())
	stopProgress()
	stopGC()

	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}

	summary, err := c.buildSummary(seeds, startTime)
	if err != nil {
		runLog.Warnf("Could not build crawl summary: %v", err)
		runErr = errors.Join(runErr, err)
	}
	summary.Succeeded = runErr == nil

	stats := buffer.Stats()
	summaryLog := runLog.WithFields(logrus.Fields{
		"seen":      summary.Counts.Seen,
		"written":   summary.Counts.Written,
		"failed":    summary.Counts.Failed,
		"skipped":   summary.Counts.Skipped,
		"completed": stats.Completed,
	})
	summaryLog.Info("========================================================================")
	summaryLog.Info("CRAWL FINISHED")
	summaryLog.Infof("Duration:         %v", time.Since(startTime))
	if n := len(summary.MissingSeeds); n > 0 {
		summaryLog.Warnf("Sitemap pages not mirrored: %d of %d", n, len(seeds))
	}
	summaryLog.Info("========================================================================")

	if err := c.writeOutputs(summary, runLog); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return summary, runErr
}

// crawl downloads every seed and waits until the buffer is idle. The result
// joins submission failures with every failed unit.
func (c *Crawler) crawl(ctx context.Context, seeds []models.SeedURL, dl *Downloader, runLog *logrus.Entry) error {
	var errs []error
	for _, seed := range seeds {
		if ctx.Err() != nil {
			runLog.Warnf("Crawl cancelled while seeding: %v", ctx.Err())
			break
		}
		if err := dl.Download(ctx, seed.Loc, c.site); err != nil {
			errs = append(errs, err)
		}
	}
	// The buffer's scope ends with ctx, so this returns promptly after a
	// cancellation and still sees every unit's outcome.
	errs = append(errs, dl.Wait(context.Background()))
	return errors.Join(errs...)
}

// reportProgress logs crawl counters every ProgressInterval until the
// returned stop function is called or ctx ends. A zero interval disables it.
func (c *Crawler) reportProgress(ctx context.Context, buffer *taskbuffer.Buffer, dl *Downloader) (stop func()) {
	interval := c.cfg.ProgressInterval
	if interval <= 0 {
		c.log.Debug("Progress reporting disabled")
		return func() {}
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				seen, _ := c.store.SeenCount()
				stats := buffer.Stats()
				c.log.WithFields(logrus.Fields{
					"seen":      seen,
					"scheduled": dl.Scheduled(),
					"running":   stats.Running,
					"pending":   stats.Pending,
					"completed": stats.Completed,
					"failed":    stats.Failed,
				}).Info("Crawl Progress")
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
		<-finished
	}
}

// buildSummary folds the ledger into a CrawlSummary. Only written and failed
// resources are listed individually; every outcome is counted. Seeds whose
// ledger record is not a success are listed as missing.
func (c *Crawler) buildSummary(seeds []models.SeedURL, startTime time.Time) (*models.CrawlSummary, error) {
	endTime := time.Now()
	summary := &models.CrawlSummary{
		RunID:     c.runID,
		Site:      c.site.String(),
		BaseURL:   c.base.String(),
		OutputDir: c.cfg.OutputDir,
		StartTime: startTime,
		EndTime:   endTime,
		Duration:  endTime.Sub(startTime).Round(time.Millisecond).String(),
		SeedCount: len(seeds),
	}
	err := c.store.ForEachResource(func(e models.ResourceEntry) error {
		summary.Counts.Add(e)
		if e.Status == models.ResourceStatusSuccess || e.Status == models.ResourceStatusFailure {
			summary.Resources = append(summary.Resources, e)
		}
		return nil
	})

	checked := make(map[string]bool, len(seeds))
	for _, seed := range seeds {
		if checked[seed.Loc] {
			continue
		}
		checked[seed.Loc] = true
		e, found, getErr := c.store.GetResource(seed.Loc)
		if getErr != nil {
			err = errors.Join(err, getErr)
			continue
		}
		if !found || e.Status != models.ResourceStatusSuccess {
			summary.MissingSeeds = append(summary.MissingSeeds, seed.Loc)
		}
	}
	return summary, err
}

// writeOutputs writes the optional summary, visited log and structure files.
// The structure file is only produced for a successful crawl.
func (c *Crawler) writeOutputs(summary *models.CrawlSummary, runLog *logrus.Entry) error {
	var errs []error
	if c.cfg.MetadataFile != "" {
		if err := writeSummary(summary, c.cfg.MetadataFile, runLog); err != nil {
			errs = append(errs, err)
		}
	}
	if c.cfg.VisitedLogFile != "" {
		if err := c.store.WriteVisitedLog(c.cfg.VisitedLogFile); err != nil {
			runLog.Errorf("Failed to write visited log: %v", err)
			errs = append(errs, err)
		} else {
			runLog.Infof("Wrote visited references to %s", c.cfg.VisitedLogFile)
		}
	}
	if c.cfg.StructureFile != "" {
		if !summary.Succeeded {
			runLog.Warn("Skipping directory structure file: crawl did not succeed.")
		} else if err := utils.GenerateAndSaveTreeStructure(c.cfg.OutputDir, c.cfg.StructureFile, runLog); err != nil {
			runLog.Errorf("Failed to write directory structure: %v", err)
			errs = append(errs, err)
		} else {
			runLog.Infof("Wrote directory structure to %s", c.cfg.StructureFile)
		}
	}
	return errors.Join(errs...)
}
