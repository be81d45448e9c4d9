// Package htmlutil extracts plain text and linked mentions from HTML pages.
package htmlutil

import (
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// LoadHTML parses HTML bytes into a goquery Document.
func LoadHTML(r io.Reader) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(r)
}

// LoadHTMLString parses HTML string into a goquery Document.
func LoadHTMLString(htmlStr string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(htmlStr))
}

// Title returns the first heading of the page, falling back to <title>.
func Title(doc *goquery.Document) string {
	if h := strings.TrimSpace(doc.Find("h1").First().Text()); h != "" {
		return h
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// ContentRoot returns the element holding the article body. Wiki dumps wrap
// it in #mw-content-text; other pages use <main>, <article> or <body>.
func ContentRoot(doc *goquery.Document) *goquery.Selection {
	for _, sel := range []string{"#mw-content-text", "main", "article", "body"} {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			return s
		}
	}
	return doc.Selection
}
