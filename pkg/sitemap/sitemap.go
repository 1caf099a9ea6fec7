package sitemap

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"statical/pkg/models"
	"statical/pkg/parse"
	"statical/pkg/utils"
)

// Namespace is the sitemap protocol namespace written on <urlset>.
const Namespace = "http://www.sitemaps.org/schemas/sitemap/0.9"

// FileName is the name of the rewritten sitemap under the output directory.
const FileName = "sitemap.xml"

// --- XML Structs for Sitemap Parsing ---

// XMLURL represents a <url> element in a sitemap
type XMLURL struct {
	Loc        string `xml:"loc"`
	LastMod    string `xml:"lastmod,omitempty"`
	ChangeFreq string `xml:"changefreq,omitempty"`
	Priority   string `xml:"priority,omitempty"`
}

// XMLURLSet represents a <urlset> element in a sitemap
type XMLURLSet struct {
	XMLName xml.Name `xml:"urlset"`
	Xmlns   string   `xml:"xmlns,attr,omitempty"`
	URLs    []XMLURL `xml:"url"`
}

// Parse reads a <urlset> document into seeds, in document order.
// One <url> child and many are handled the same way. Unknown changefreq values
// and out-of-range priorities are dropped rather than rejected.
func Parse(data []byte) ([]models.SeedURL, error) {
	var set XMLURLSet
	if err := xml.Unmarshal(bytes.TrimSpace(data), &set); err != nil {
		return nil, fmt.Errorf("%w: XML sitemap: %w", utils.ErrParsing, err)
	}

	seeds := make([]models.SeedURL, 0, len(set.URLs))
	for i, entry := range set.URLs {
		loc := strings.TrimSpace(entry.Loc)
		if loc == "" {
			return nil, fmt.Errorf("%w: XML sitemap: <url> #%d has no <loc>", utils.ErrParsing, i+1)
		}
		if _, err := url.Parse(loc); err != nil {
			return nil, fmt.Errorf("%w: XML sitemap: <url> #%d: %w", utils.ErrParsing, i+1, err)
		}

		seed := models.SeedURL{
			Loc:     loc,
			LastMod: strings.TrimSpace(entry.LastMod),
		}
		if cf := models.ChangeFreq(strings.ToLower(strings.TrimSpace(entry.ChangeFreq))); cf.IsValid() {
			seed.ChangeFreq = cf
		}
		if p, err := strconv.ParseFloat(strings.TrimSpace(entry.Priority), 64); err == nil && p >= 0 && p <= 1 {
			seed.Priority = &p
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

// Build renders the rewritten sitemap: one <url> per seed, its location moved
// onto base while keeping the seed's path. Seed metadata is carried over.
func Build(seeds []models.SeedURL, base *url.URL) ([]byte, error) {
	set := XMLURLSet{
		Xmlns: Namespace,
		URLs:  make([]XMLURL, 0, len(seeds)),
	}
	for _, seed := range seeds {
		loc, err := url.Parse(seed.Loc)
		if err != nil {
			return nil, fmt.Errorf("%w: URL %q: %w", utils.ErrParsing, seed.Loc, err)
		}
		entry := XMLURL{
			Loc:        parse.Rebase(loc, base).String(),
			LastMod:    seed.LastMod,
			ChangeFreq: string(seed.ChangeFreq),
		}
		if seed.Priority != nil {
			entry.Priority = strconv.FormatFloat(*seed.Priority, 'f', -1, 64)
		}
		set.URLs = append(set.URLs, entry)
	}

	out, err := xml.MarshalIndent(set, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: XML sitemap: %w", utils.ErrParsing, err)
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.Write(out)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Write builds the rewritten sitemap and stores it as outputDir/sitemap.xml.
func Write(seeds []models.SeedURL, base *url.URL, outputDir string) (utils.WriteResult, error) {
	data, err := Build(seeds, base)
	if err != nil {
		return utils.WriteResult{}, err
	}
	return utils.WriteFile(filepath.Join(outputDir, FileName), bytes.NewReader(data))
}
