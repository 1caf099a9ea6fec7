package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"statical/pkg/fetch"
	"statical/pkg/models"
	"statical/pkg/parse"
	"statical/pkg/storage"
	"statical/pkg/taskbuffer"
	"statical/pkg/utils"
)

// Downloader mirrors one resource per distinct literal reference and follows
// the references found in HTML. Scheduling is delegated to a task buffer;
// Download never waits for the fetch it submits.
type Downloader struct {
	target    *url.URL // Crawl host; only references on its host are fetched
	outputDir string
	exclude   []*regexp.Regexp

	fetcher   fetch.HTTPFetcher
	buffer    *taskbuffer.Buffer
	store     storage.CrawlStore
	extractor *parse.Extractor
	log       *logrus.Entry

	mu        sync.Mutex
	tasks     []*taskbuffer.Task
	scheduled atomic.Int64
}

// NewDownloader wires a Downloader. exclude may be nil.
func NewDownloader(
	target *url.URL,
	outputDir string,
	exclude []*regexp.Regexp,
	fetcher fetch.HTTPFetcher,
	buffer *taskbuffer.Buffer,
	store storage.CrawlStore,
	extractor *parse.Extractor,
	log *logrus.Entry,
) *Downloader {
	return &Downloader{
		target:    target,
		outputDir: outputDir,
		exclude:   exclude,
		fetcher:   fetcher,
		buffer:    buffer,
		store:     store,
		extractor: extractor,
		log:       log.WithField("component", "downloader"),
	}
}

// Download submits ref for fetching unless it was seen before or falls out of
// scope. ref is resolved against from, the URL of the document it was found
// in. Outside a running unit the call blocks while the task buffer is full.
//
// An error means ref could not be handed to the task buffer. Fetch failures
// are not returned here; they surface from Wait.
func (d *Downloader) Download(ctx context.Context, ref string, from *url.URL) error {
	refLog := d.log.WithField("ref", ref)

	added, err := d.store.MarkSeen(ref)
	if err != nil {
		return err
	}
	if !added {
		refLog.Trace("Already seen")
		return nil
	}

	if parse.IsProtocolRelative(ref) {
		return d.skip(ref, nil, models.SkipProtocolRelative, refLog)
	}
	resolved, err := parse.Resolve(ref, from)
	if err != nil {
		refLog.Debugf("Cannot resolve: %v", err)
		return d.skip(ref, nil, models.SkipUnresolvable, refLog)
	}
	if !parse.InScope(resolved, d.target) {
		return d.skip(ref, resolved, models.SkipOutOfScope, refLog)
	}
	if utils.MatchesAny(d.exclude, resolved.Path) {
		return d.skip(ref, resolved, models.SkipExcluded, refLog)
	}
	dest, err := parse.DestinationPath(resolved, d.outputDir)
	if err != nil {
		return d.skip(ref, resolved, models.SkipUnresolvable, refLog)
	}

	target := models.CrawlTarget{
		Reference: ref,
		URL:       resolved,
		Context:   from,
		DestPath:  dest,
	}
	if err := d.store.RecordResource(&models.ResourceEntry{
		Reference:   ref,
		URL:         resolved.String(),
		Status:      models.ResourceStatusPending,
		LastAttempt: time.Now(),
	}); err != nil {
		refLog.Warnf("Failed to record pending resource: %v", err)
	}

	task, err := d.buffer.Spawn(ctx, func(ctx context.Context) error {
		return d.fetchAndSave(ctx, target)
	})
	if task != nil {
		d.mu.Lock()
		d.tasks = append(d.tasks, task)
		d.mu.Unlock()
		d.scheduled.Add(1)
	}
	if err != nil {
		d.recordFailure(target, err, refLog)
		if task == nil {
			return fmt.Errorf("submitting %s: %w", resolved, err)
		}
		// Discarded while queued; the task carries the error
		return nil
	}
	refLog.WithField("url", resolved.String()).Trace("Scheduled")
	return nil
}

// Wait blocks until no fetch is running or queued, then reports every fetch
// that failed, joined into one error.
func (d *Downloader) Wait(ctx context.Context) error {
	if err := d.buffer.Wait(ctx); err != nil {
		return err
	}
	return d.Err()
}

// Err joins the failures of all finished fetches.
func (d *Downloader) Err() error {
	d.mu.Lock()
	tasks := make([]*taskbuffer.Task, len(d.tasks))
	copy(tasks, d.tasks)
	d.mu.Unlock()

	var errs []error
	for _, t := range tasks {
		if err := t.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Scheduled returns how many fetches have been submitted so far.
func (d *Downloader) Scheduled() int64 { return d.scheduled.Load() }

// fetchAndSave is one unit of work: fetch target, queue the references of an
// HTML page, then write the body to target.DestPath.
func (d *Downloader) fetchAndSave(ctx context.Context, target models.CrawlTarget) (taskErr error) {
	startTime := time.Now()
	taskLog := d.log.WithFields(logrus.Fields{"url": target.URL.String(), "ref": target.Reference})
	entry := &models.ResourceEntry{
		Reference: target.Reference,
		URL:       target.URL.String(),
	}

	defer func() {
		entry.LastAttempt = time.Now()
		logFields := logrus.Fields{"duration": time.Since(startTime).String()}
		if taskErr != nil {
			entry.Status = models.ResourceStatusFailure
			entry.ErrorType = utils.CategorizeError(taskErr)
			entry.Error = taskErr.Error()
			logFields["category"] = entry.ErrorType
			taskLog.WithFields(logFields).Errorf("Download failed: %v", taskErr)
		} else {
			entry.Status = models.ResourceStatusSuccess
			logFields["path"] = entry.LocalPath
			logFields["bytes"] = entry.Bytes
			taskLog.WithFields(logFields).Info("Saved")
		}
		if err := d.store.RecordResource(entry); err != nil {
			taskLog.Errorf("Failed to record resource outcome: %v", err)
		}
	}()

	resp, err := d.fetcher.Fetch(ctx, target.URL.String())
	if err != nil {
		var fetchErr *utils.FetchError
		if errors.As(err, &fetchErr) {
			entry.StatusCode = fetchErr.StatusCode
		}
		return err
	}
	defer resp.Body.Close()
	entry.StatusCode = resp.StatusCode
	entry.ContentType = resp.ContentType

	var result utils.WriteResult
	if resp.IsHTML() {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return bodyReadError(target.URL, err)
		}
		content := string(data)

		refs, err := d.extractor.ExtractReferences(content)
		if err != nil {
			return err
		}
		entry.References = len(refs)

		// Children resolve against this page's URL, not the crawl root
		var submitErrs []error
		for _, ref := range refs {
			if err := d.Download(ctx, ref, target.URL); err != nil {
				submitErrs = append(submitErrs, err)
			}
		}

		if result, err = utils.WriteText(target.DestPath, content); err != nil {
			return err
		}
		d.fillWritten(entry, result)
		if len(submitErrs) > 0 {
			return fmt.Errorf("queueing references of %s: %w", target.URL, errors.Join(submitErrs...))
		}
		return nil
	}

	body := &readErrRecorder{r: resp.Body}
	if result, err = utils.WriteFile(target.DestPath, body); err != nil {
		if body.err != nil {
			return bodyReadError(target.URL, body.err)
		}
		return err
	}
	d.fillWritten(entry, result)
	return nil
}

func (d *Downloader) fillWritten(entry *models.ResourceEntry, result utils.WriteResult) {
	entry.LocalPath = result.Path
	if rel, err := filepath.Rel(d.outputDir, result.Path); err == nil {
		entry.LocalPath = filepath.ToSlash(rel)
	}
	entry.Bytes = result.Bytes
	entry.SHA256 = result.SHA256
}

func (d *Downloader) skip(ref string, resolved *url.URL, reason models.SkipReason, refLog *logrus.Entry) error {
	refLog.WithField("reason", reason).Debug("Skipped")
	entry := &models.ResourceEntry{
		Reference:   ref,
		Status:      models.ResourceStatusSkipped,
		SkipReason:  reason,
		LastAttempt: time.Now(),
	}
	if resolved != nil {
		entry.URL = resolved.String()
	}
	return d.store.RecordResource(entry)
}

func (d *Downloader) recordFailure(target models.CrawlTarget, err error, refLog *logrus.Entry) {
	entry := &models.ResourceEntry{
		Reference:   target.Reference,
		URL:         target.URL.String(),
		Status:      models.ResourceStatusFailure,
		ErrorType:   utils.CategorizeError(err),
		Error:       err.Error(),
		LastAttempt: time.Now(),
	}
	if recErr := d.store.RecordResource(entry); recErr != nil {
		refLog.Errorf("Failed to record resource outcome: %v", recErr)
	}
}

func bodyReadError(u *url.URL, err error) error {
	return &utils.FetchError{URL: u.String(), Err: fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)}
}

// readErrRecorder remembers the error returned by the underlying reader so a
// failed copy can be told apart from a failed write.
type readErrRecorder struct {
	r   io.Reader
	err error
}

func (r *readErrRecorder) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && err != io.EOF {
		r.err = err
	}
	return n, err
}
