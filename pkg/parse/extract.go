package parse

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"statical/pkg/config"
	"statical/pkg/utils"
)

type selectorAttr struct {
	selector cascadia.Selector
	attr     string
}

// Extractor pulls the references a page points at out of its HTML.
// Safe for concurrent use.
type Extractor struct {
	selectors []selectorAttr
}

// NewExtractor compiles the selectors whose "href" (linkSelectors) and "src"
// (sourceSelectors) attributes are treated as references. Empty lists fall
// back to "link[href]" and "[src]".
func NewExtractor(linkSelectors, sourceSelectors []string) (*Extractor, error) {
	if len(linkSelectors) == 0 {
		linkSelectors = []string{config.DefaultLinkSelector}
	}
	if len(sourceSelectors) == 0 {
		sourceSelectors = []string{config.DefaultSourceSelector}
	}

	e := &Extractor{}
	add := func(raw []string, attr string) error {
		for _, s := range raw {
			sel, err := cascadia.Compile(s)
			if err != nil {
				return fmt.Errorf("%w: selector %q: %w", utils.ErrConfigValidation, s, err)
			}
			e.selectors = append(e.selectors, selectorAttr{selector: sel, attr: attr})
		}
		return nil
	}
	if err := add(linkSelectors, "href"); err != nil {
		return nil, err
	}
	if err := add(sourceSelectors, "src"); err != nil {
		return nil, err
	}
	return e, nil
}

// ExtractReferences returns the href values of link-bearing elements followed
// by the src values of source-bearing elements, in document order within each
// group. Values are trimmed; blanks and repeats are dropped.
func (e *Extractor) ExtractReferences(html string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: HTML: %w", utils.ErrParsing, err)
	}

	seen := make(map[string]struct{})
	var refs []string
	for _, sa := range e.selectors {
		doc.FindMatcher(sa.selector).Each(func(_ int, s *goquery.Selection) {
			val, ok := s.Attr(sa.attr)
			if !ok {
				return
			}
			val = strings.TrimSpace(val)
			if val == "" {
				return
			}
			if _, dup := seen[val]; dup {
				return
			}
			seen[val] = struct{}{}
			refs = append(refs, val)
		})
	}
	return refs, nil
}
