package sitemap

import (
	"encoding/xml"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statical/pkg/models"
	"statical/pkg/utils"
)

func TestParse_SingleEntry(t *testing.T) {
	data := `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>http://localhost:8000/</loc></url>
</urlset>`

	seeds, err := Parse([]byte(data))
	require.NoError(t, err)
	require.Len(t, seeds, 1, "a single <url> child must not be dropped")
	assert.Equal(t, "http://localhost:8000/", seeds[0].Loc)
}

func TestParse_ManyEntries(t *testing.T) {
	data := `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>/</loc></url>
  <url><loc>/about</loc></url>
  <url><loc> /spa </loc></url>
</urlset>`

	seeds, err := Parse([]byte(data))
	require.NoError(t, err)
	require.Len(t, seeds, 3)
	assert.Equal(t, "/", seeds[0].Loc)
	assert.Equal(t, "/about", seeds[1].Loc)
	assert.Equal(t, "/spa", seeds[2].Loc, "loc is trimmed")
}

func TestParse_Metadata(t *testing.T) {
	data := `<urlset>
  <url>
    <loc>/blog</loc>
    <lastmod>2024-01-15</lastmod>
    <changefreq>Weekly</changefreq>
    <priority>0.8</priority>
  </url>
  <url>
    <loc>/legacy</loc>
    <changefreq>fortnightly</changefreq>
    <priority>7</priority>
  </url>
  <url>
    <loc>/draft</loc>
    <priority>high</priority>
  </url>
</urlset>`

	seeds, err := Parse([]byte(data))
	require.NoError(t, err)
	require.Len(t, seeds, 3)

	assert.Equal(t, "2024-01-15", seeds[0].LastMod)
	assert.Equal(t, models.ChangeFreqWeekly, seeds[0].ChangeFreq)
	require.NotNil(t, seeds[0].Priority)
	assert.InDelta(t, 0.8, *seeds[0].Priority, 1e-9)

	assert.Empty(t, seeds[1].ChangeFreq, "unknown changefreq is dropped")
	assert.Nil(t, seeds[1].Priority, "priority above 1 is dropped")
	assert.Nil(t, seeds[2].Priority, "non-numeric priority is dropped")
}

func TestParse_Empty(t *testing.T) {
	seeds, err := Parse([]byte(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9"></urlset>`))
	require.NoError(t, err)
	assert.Empty(t, seeds)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "NotXML", data: "this is not xml"},
		{name: "SitemapIndex", data: `<sitemapindex><sitemap><loc>https://example.com/s1.xml</loc></sitemap></sitemapindex>`},
		{name: "MissingLoc", data: `<urlset><url><lastmod>2024-01-01</lastmod></url></urlset>`},
		{name: "BadLoc", data: `<urlset><url><loc>http://[::1</loc></url></urlset>`},
		{name: "Truncated", data: `<urlset><url><loc>/</loc>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, utils.ErrParsing)
		})
	}
}

func TestBuild_RebasesEverySeed(t *testing.T) {
	base, _ := url.Parse("https://frontside.com")
	seeds := []models.SeedURL{
		{Loc: "/"},
		{Loc: "/about"},
		{Loc: "http://localhost:8000/docs/intro"},
	}

	data, err := Build(seeds, base)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), xml.Header))
	assert.Contains(t, string(data), `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)

	var set XMLURLSet
	require.NoError(t, xml.Unmarshal(data, &set))
	require.Len(t, set.URLs, len(seeds), "exactly one <loc> per seed")

	expected := []string{
		"https://frontside.com/",
		"https://frontside.com/about",
		"https://frontside.com/docs/intro",
	}
	for i, u := range set.URLs {
		assert.Equal(t, expected[i], u.Loc)
		loc, err := url.Parse(u.Loc)
		require.NoError(t, err)
		assert.Equal(t, base.Scheme, loc.Scheme)
		assert.Equal(t, base.Host, loc.Host)
	}
}

func TestBuild_KeepsMetadata(t *testing.T) {
	base, _ := url.Parse("http://static.example.com:8080")
	priority := 0.5
	seeds := []models.SeedURL{
		{Loc: "/blog", LastMod: "2024-01-15", ChangeFreq: models.ChangeFreqDaily, Priority: &priority},
	}

	data, err := Build(seeds, base)
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, "http://static.example.com:8080/blog", parsed[0].Loc)
	assert.Equal(t, "2024-01-15", parsed[0].LastMod)
	assert.Equal(t, models.ChangeFreqDaily, parsed[0].ChangeFreq)
	require.NotNil(t, parsed[0].Priority)
	assert.InDelta(t, 0.5, *parsed[0].Priority, 1e-9)
	assert.NotContains(t, string(data), "<lastmod></lastmod>")
}

func TestWrite(t *testing.T) {
	outputDir := filepath.Join(t.TempDir(), "dist")
	base, _ := url.Parse("https://frontside.com")

	result, err := Write([]models.SeedURL{{Loc: "/"}, {Loc: "/about"}}, base, outputDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outputDir, FileName), result.Path)
	assert.NotEmpty(t, result.SHA256)

	content, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "<loc>https://frontside.com/</loc>")
	assert.Contains(t, string(content), "<loc>https://frontside.com/about</loc>")
	assert.Equal(t, int64(len(content)), result.Bytes)
}

func TestWrite_UnwritableDir(t *testing.T) {
	parent := t.TempDir()
	blocker := filepath.Join(parent, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	base, _ := url.Parse("https://frontside.com")

	_, err := Write([]models.SeedURL{{Loc: "/"}}, base, filepath.Join(blocker, "dist"))
	require.Error(t, err)
	var writeErr *utils.WriteError
	assert.True(t, errors.As(err, &writeErr))
	assert.ErrorIs(t, err, utils.ErrFilesystem)
}
