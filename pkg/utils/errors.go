package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrClientHTTPError  = errors.New("client HTTP error (4xx)")    // Wraps original status
	ErrServerHTTPError  = errors.New("server HTTP error (5xx)")    // Wraps original status
	ErrOtherHTTPError   = errors.New("other HTTP error (non-2xx)") // Wraps original status
	ErrTransport        = errors.New("transport error")            // Wraps net/http client errors
	ErrScopeViolation   = errors.New("URL out of scope (host/pattern)")
	ErrParsing          = errors.New("parsing error")    // Wraps specific parsing error (HTML, URL, XML)
	ErrFilesystem       = errors.New("filesystem error") // Wraps os errors
	ErrDatabase         = errors.New("database error")   // Wraps badger errors
	ErrSitemapSource    = errors.New("sitemap source error")
	ErrRequestCreation  = errors.New("failed to create HTTP request")
	ErrResponseBodyRead = errors.New("failed to read response body")
	ErrConfigValidation = errors.New("configuration validation error")
	ErrTaskPanic        = errors.New("task panicked")
)

// SitemapError reports a sitemap source that could not be read or parsed.
// It is fatal for a crawl.
type SitemapError struct {
	Source     string
	StatusCode int
	Err        error
}

func (e *SitemapError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("sitemap %s: status %d: %v", e.Source, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("sitemap %s: %v", e.Source, e.Err)
}

func (e *SitemapError) Unwrap() []error { return []error{ErrSitemapSource, e.Err} }

// FetchError reports a single resource whose fetch failed, either with a
// non-success status or a transport failure.
type FetchError struct {
	URL        string
	StatusCode int
	Status     string // e.g. "404 Not Found"
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("GET %s %s", e.URL, e.Status)
	}
	return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// WriteError reports a filesystem failure while persisting a resource or the sitemap.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() []error { return []error{ErrFilesystem, e.Err} }

// CategorizeError maps an error to a predefined category string for logging and the crawl summary.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	// A sitemap failure is fatal to the run whatever status it carried
	if errors.Is(err, ErrSitemapSource) {
		return "Sitemap_Source"
	}

	var fetchErr *FetchError
	if errors.As(err, &fetchErr) && fetchErr.StatusCode != 0 {
		switch fetchErr.StatusCode {
		case 401, 403, 404, 429:
			return fmt.Sprintf("HTTP_%d", fetchErr.StatusCode)
		}
	}

	// Check against sentinel errors first
	switch {
	case errors.Is(err, ErrClientHTTPError):
		return "HTTP_4xx"
	case errors.Is(err, ErrServerHTTPError):
		return "HTTP_5xx"
	case errors.Is(err, ErrOtherHTTPError):
		return "HTTP_OtherStatus"
	case errors.Is(err, ErrScopeViolation):
		return "Policy_Scope"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "HTML") {
			return "Content_ParsingHTML"
		}
		if strings.Contains(errMsg, "XML") {
			return "Content_ParsingXML"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrFilesystem):
		if errors.Is(err, os.ErrPermission) {
			return "Filesystem_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "Filesystem_NotExist"
		}
		if errors.Is(err, os.ErrExist) {
			return "Filesystem_Exist"
		}
		return "Filesystem_Other"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	case errors.Is(err, ErrTaskPanic):
		return "Internal_Panic"
	}

	// --- Fallback checks for common underlying error types/strings ---

	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "System_ContextDeadlineExceeded"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}
	lowerErrMsg := strings.ToLower(err.Error())
	if strings.Contains(lowerErrMsg, "timeout") {
		return "Network_TimeoutGeneric"
	}
	if strings.Contains(lowerErrMsg, "connection refused") {
		return "Network_ConnectionRefused"
	}
	if strings.Contains(lowerErrMsg, "no such host") {
		return "Network_DNSLookup"
	}
	if strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate") {
		return "Network_TLS"
	}
	if strings.Contains(lowerErrMsg, "reset by peer") {
		return "Network_ConnectionReset"
	}
	if errors.Is(err, ErrTransport) {
		return "Network_Other"
	}

	return "Unknown"
}
