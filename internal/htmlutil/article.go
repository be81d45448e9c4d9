package htmlutil

import (
	"net/url"
	"path"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Anchor is a link found in the page text. Text equals
// Article.Text[Offset:Offset+len(Text)].
type Anchor struct {
	Text   string
	Target string
	Offset int
}

// Article is the plain text of a page and the links inside it.
type Article struct {
	Title   string
	Text    string
	Anchors []Anchor
}

var skipped = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true,
	atom.Sup: true, atom.Table: true, atom.Nav: true, atom.Head: true,
}

var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Li: true, atom.Br: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Blockquote: true, atom.Dd: true, atom.Dt: true,
}

// ExtractArticle walks the content root and collects its text, recording an
// Anchor for every internal link with a resolvable target.
func ExtractArticle(doc *goquery.Document) Article {
	w := &walker{}
	for _, n := range ContentRoot(doc).Nodes {
		w.visit(n)
	}
	return Article{
		Title:   Title(doc),
		Text:    strings.TrimRightFunc(w.buf.String(), unicode.IsSpace),
		Anchors: w.anchors,
	}
}

type walker struct {
	buf     strings.Builder
	anchors []Anchor
}

func (w *walker) lastIsSpace() bool {
	s := w.buf.String()
	return s == "" || unicode.IsSpace(rune(s[len(s)-1]))
}

func (w *walker) text(s string) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		if s != "" && !w.lastIsSpace() {
			w.buf.WriteByte(' ')
		}
		return
	}
	if unicode.IsSpace(rune(s[0])) && !w.lastIsSpace() {
		w.buf.WriteByte(' ')
	}
	w.buf.WriteString(strings.Join(fields, " "))
	if unicode.IsSpace(rune(s[len(s)-1])) {
		w.buf.WriteByte(' ')
	}
}

func (w *walker) newline() {
	s := w.buf.String()
	if s == "" || strings.HasSuffix(s, "\n") {
		return
	}
	w.buf.WriteByte('\n')
}

func (w *walker) visit(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.text(n.Data)
		return
	case html.ElementNode:
		if skipped[n.DataAtom] {
			return
		}
	}

	if n.Type == html.ElementNode && n.DataAtom == atom.A {
		start := w.buf.Len()
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			w.visit(c)
		}
		w.anchor(n, start)
		return
	}

	isBlock := n.Type == html.ElementNode && blocks[n.DataAtom]
	if isBlock {
		w.newline()
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.visit(c)
	}
	if isBlock {
		w.newline()
	}
}

func (w *walker) anchor(n *html.Node, start int) {
	raw := w.buf.String()[start:]
	trimmed := strings.TrimLeftFunc(raw, unicode.IsSpace)
	offset := start + len(raw) - len(trimmed)
	text := strings.TrimRightFunc(trimmed, unicode.IsSpace)
	if text == "" {
		return
	}
	target := linkTarget(n)
	if target == "" {
		return
	}
	w.anchors = append(w.anchors, Anchor{Text: text, Target: target, Offset: offset})
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// linkTarget resolves the entity name a link points at. Fragment-only,
// external and namespaced ("File:", "Help:") links have none.
func linkTarget(n *html.Node) string {
	href := attr(n, "href")
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil || u.Host != "" {
		return ""
	}
	if title := strings.TrimSpace(attr(n, "title")); title != "" && !strings.Contains(title, ":") {
		return title
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || strings.Contains(name, ":") {
		return ""
	}
	return strings.TrimSpace(strings.ReplaceAll(name, "_", " "))
}
