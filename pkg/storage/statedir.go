package storage

import (
	"regexp"
	"strings"
)

const stateDirSuffix = "_seen_db"

var unsafeHostChars = regexp.MustCompile(`[^a-z0-9.-]+`)

// stateDirName names the badger directory for one crawl target, e.g.
// "localhost:8000" becomes "localhost_8000_seen_db". The port stays in the
// name so two dev servers on one host keep separate state.
func stateDirName(siteHost string) string {
	name := unsafeHostChars.ReplaceAllString(strings.ToLower(siteHost), "_")
	name = strings.Trim(name, "_.")
	if name == "" {
		name = "site"
	}
	return name + stateDirSuffix
}
