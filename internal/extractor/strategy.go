package extractor

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Strategy finds an image reference in a parsed document.
type Strategy interface {
	Name() string
	Extract(doc *goquery.Document) (string, bool)
}

// attrStrategy reads one attribute of the first element matching a selector.
type attrStrategy struct {
	name     string
	selector string
	attr     string
}

func (s attrStrategy) Name() string { return s.name }

func (s attrStrategy) Extract(doc *goquery.Document) (string, bool) {
	val, ok := doc.Find(s.selector).First().Attr(s.attr)
	// An empty attribute would resolve to the page itself; treat it as absent.
	if !ok || strings.TrimSpace(val) == "" {
		return "", false
	}
	return val, true
}

var (
	// OGImage reads the content of the first og:image meta tag.
	OGImage Strategy = attrStrategy{name: "og_image", selector: `meta[property="og:image"]`, attr: "content"}

	// FirstImg reads the src of the first img element in document order.
	FirstImg Strategy = attrStrategy{name: "img", selector: "img", attr: "src"}
)

// DefaultStrategies is the lookup order used by New when none is given.
var DefaultStrategies = []Strategy{OGImage, FirstImg}
