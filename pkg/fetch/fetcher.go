package fetch

import (
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/sirupsen/logrus"

	"statical/pkg/utils"
)

// HTTPFetcher performs a single GET for a URL.
type HTTPFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Response, error)
}

// Response is a successful (2xx) fetch. Body is already decoded from any
// Content-Encoding and must be closed by the caller.
type Response struct {
	URL         *url.URL // Final URL after redirects
	StatusCode  int
	ContentType string
	Header      http.Header
	Body        io.ReadCloser
}

// IsHTML reports whether the response content type indicates HTML.
func (r *Response) IsHTML() bool {
	return strings.Contains(strings.ToLower(r.ContentType), "html")
}

// Fetcher issues GET requests through a configured http.Client. Failed
// requests are not retried.
type Fetcher struct {
	client    *http.Client
	userAgent string
	log       *logrus.Entry
}

// NewFetcher creates a new Fetcher instance
func NewFetcher(client *http.Client, userAgent string, log *logrus.Entry) *Fetcher {
	return &Fetcher{
		client:    client,
		userAgent: userAgent,
		log:       log,
	}
}

// Fetch performs one GET honoring ctx. Any failure, including a non-2xx status,
// is returned as a *utils.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &utils.FetchError{URL: rawURL, Err: fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)}
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &utils.FetchError{URL: rawURL, Err: fmt.Errorf("%w: %w", utils.ErrTransport, err)}
	}

	reqLog := f.log.WithFields(logrus.Fields{"url": rawURL, "status": resp.StatusCode})

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		reqLog.Debug("Non-success status")
		return nil, &utils.FetchError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Err:        statusSentinel(resp.StatusCode),
		}
	}

	body, err := decodeBody(resp)
	if err != nil {
		resp.Body.Close()
		return nil, &utils.FetchError{URL: rawURL, Err: fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)}
	}

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}
	reqLog.WithField("content_type", resp.Header.Get("Content-Type")).Debug("Fetched")

	return &Response{
		URL:         finalURL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Header:      resp.Header,
		Body:        body,
	}, nil
}

func statusSentinel(code int) error {
	switch {
	case code >= 400 && code < 500:
		return utils.ErrClientHTTPError
	case code >= 500 && code < 600:
		return utils.ErrServerHTTPError
	default:
		return utils.ErrOtherHTTPError
	}
}

// decodedBody closes the decoder (if any) and then the raw body.
type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (b *decodedBody) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	body := &decodedBody{Reader: resp.Body, closers: []io.Closer{resp.Body}}

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		body.Reader = gz
		body.closers = append(body.closers, gz)
	case "deflate":
		zr, err := zlib.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("deflate decode: %w", err)
		}
		body.Reader = zr
		body.closers = append(body.closers, zr)
	case "br":
		body.Reader = brotli.NewReader(resp.Body)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
	return body, nil
}
