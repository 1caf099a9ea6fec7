package parse

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"statical/pkg/utils"
)

// ErrProtocolRelative is returned by Resolve for references starting with "//".
var ErrProtocolRelative = fmt.Errorf("%w: protocol-relative reference", utils.ErrScopeViolation)

// IsProtocolRelative reports whether ref starts with "//".
func IsProtocolRelative(ref string) bool {
	return strings.HasPrefix(ref, "//")
}

// Resolve turns a reference found in a document into an absolute URL.
// A reference with a scheme is taken as is; anything else is resolved against
// context. Protocol-relative references are rejected. The fragment is dropped
// since it never changes what is fetched.
// Does not modify context.
func Resolve(ref string, context *url.URL) (*url.URL, error) {
	if IsProtocolRelative(ref) {
		return nil, ErrProtocolRelative
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: URL %q: %w", utils.ErrParsing, ref, err)
	}

	var resolved *url.URL
	if parsed.IsAbs() {
		resolved = parsed
	} else {
		if context == nil {
			return nil, fmt.Errorf("%w: URL %q is relative and has no context", utils.ErrParsing, ref)
		}
		resolved = context.ResolveReference(parsed)
	}
	resolved.Fragment = ""
	resolved.RawFragment = ""
	return resolved, nil
}

// InScope reports whether u points at the crawl target's host. Only the host
// name is compared (case-insensitively); scheme and port are ignored.
func InScope(u, target *url.URL) bool {
	if u == nil || target == nil || u.Hostname() == "" {
		return false
	}
	return strings.EqualFold(u.Hostname(), target.Hostname())
}

// DestinationPath maps u's path to a file under outputDir.
// The root path maps to index.html. Every other path is cleaned as an
// absolute path first, so ".." segments can never climb out of outputDir.
func DestinationPath(u *url.URL, outputDir string) (string, error) {
	if u == nil {
		return "", errors.New("nil URL")
	}
	p := u.Path
	if p == "" || p == "/" {
		return filepath.Join(outputDir, "index.html"), nil
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+p), "/")
	if cleaned == "" {
		return filepath.Join(outputDir, "index.html"), nil
	}
	return filepath.Join(outputDir, filepath.FromSlash(cleaned)), nil
}

// Rebase returns loc with its scheme, host and port replaced by base's.
// The path and query of loc are kept; its fragment is dropped.
func Rebase(loc, base *url.URL) *url.URL {
	rebased := *base
	rebased.Path = loc.Path
	rebased.RawPath = loc.RawPath
	if rebased.Path == "" {
		rebased.Path = "/"
		rebased.RawPath = ""
	}
	rebased.RawQuery = loc.RawQuery
	rebased.ForceQuery = false
	rebased.Fragment = ""
	rebased.RawFragment = ""
	return &rebased
}
