package sitemap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"statical/pkg/fetch"
	"statical/pkg/models"
	"statical/pkg/utils"
)

// Source produces the raw bytes of the source sitemap.
type Source interface {
	Read(ctx context.Context) ([]byte, error)
	String() string
}

// Load reads src and parses the result. Every failure, including a document
// that does not parse, is returned as a *utils.SitemapError.
func Load(ctx context.Context, src Source, log *logrus.Entry) ([]models.SeedURL, error) {
	srcLog := log.WithField("sitemap_source", src.String())
	srcLog.Info("Reading sitemap")

	data, err := src.Read(ctx)
	if err != nil {
		var smErr *utils.SitemapError
		if errors.As(err, &smErr) {
			return nil, err
		}
		return nil, &utils.SitemapError{Source: src.String(), Err: err}
	}

	seeds, err := Parse(data)
	if err != nil {
		return nil, &utils.SitemapError{Source: src.String(), Err: err}
	}
	srcLog.Infof("Parsed sitemap, found %d URLs.", len(seeds))
	return seeds, nil
}

// HTTPSource fetches /sitemap.xml from the crawl host.
type HTTPSource struct {
	URL     *url.URL
	Fetcher fetch.HTTPFetcher
}

// NewHTTPSource points at /sitemap.xml on site's host.
func NewHTTPSource(site *url.URL, fetcher fetch.HTTPFetcher) *HTTPSource {
	return &HTTPSource{
		URL:     site.ResolveReference(&url.URL{Path: "/" + FileName}),
		Fetcher: fetcher,
	}
}

func (s *HTTPSource) String() string { return s.URL.String() }

// Read fails with a *utils.SitemapError on transport failure or a non-2xx status.
func (s *HTTPSource) Read(ctx context.Context) ([]byte, error) {
	resp, err := s.Fetcher.Fetch(ctx, s.URL.String())
	if err != nil {
		smErr := &utils.SitemapError{Source: s.String(), Err: err}
		var fetchErr *utils.FetchError
		if errors.As(err, &fetchErr) {
			smErr.StatusCode = fetchErr.StatusCode
		}
		return nil, smErr
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &utils.SitemapError{Source: s.String(), Err: fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)}
	}
	return data, nil
}

// commandWaitDelay bounds how long a killed command may keep its output pipes
// open through child processes.
const commandWaitDelay = time.Second

// CommandSource runs a shell command and takes its stdout as the sitemap.
type CommandSource struct {
	Command string
	Dir     string // Working directory; empty means the current one
}

func (s *CommandSource) String() string { return fmt.Sprintf("command %q", s.Command) }

// Read runs the command through "sh -c". The process is killed if ctx ends.
// A non-zero exit fails with a *utils.SitemapError carrying stderr.
func (s *CommandSource) Read(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", s.Command)
	cmd.Dir = s.Dir
	cmd.WaitDelay = commandWaitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return nil, &utils.SitemapError{Source: s.String(), Err: err}
	}
	return stdout.Bytes(), nil
}

// FileSource reads a sitemap from a local file, or from Stdin when Path is "-".
type FileSource struct {
	Path  string
	Stdin io.Reader
}

func (s *FileSource) String() string {
	if s.Path == "-" {
		return "stdin"
	}
	return "file " + s.Path
}

func (s *FileSource) Read(ctx context.Context) ([]byte, error) {
	if s.Path == "-" {
		stdin := s.Stdin
		if stdin == nil {
			stdin = os.Stdin
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, &utils.SitemapError{Source: s.String(), Err: err}
		}
		return data, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, &utils.SitemapError{Source: s.String(), Err: err}
	}
	return data, nil
}

// SelectSource picks the sitemap source: a file when sitemapFile is set, else
// the command when evalSitemap is set, else /sitemap.xml over HTTP.
func SelectSource(site *url.URL, sitemapFile, evalSitemap string, fetcher fetch.HTTPFetcher, stdin io.Reader) Source {
	switch {
	case sitemapFile != "":
		return &FileSource{Path: sitemapFile, Stdin: stdin}
	case evalSitemap != "":
		return &CommandSource{Command: evalSitemap}
	default:
		return NewHTTPSource(site, fetcher)
	}
}
