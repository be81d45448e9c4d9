package collect

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happyhackingspace/deepel/internal/htmlutil"
)

func wiki(t *testing.T, robots string) *httptest.Server {
	t.Helper()
	pages := map[string]string{
		"/wiki/Java":  `<a href="/wiki/Paris">Paris</a> <a href="/wiki/Rome#History">Rome</a> <a href="/wiki/File:Map.png">map</a> <a href="/other/Page">out</a>`,
		"/wiki/Paris": `<a href="Rome">Rome</a> <a href="/wiki/Java">Java</a>`,
		"/wiki/Rome":  `<a href="https://example.com/wiki/Elsewhere">external</a> <a href="/wiki/Broken">broken</a>`,
		"/other/Page": `should not be fetched`,
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" && robots != "" {
			_, _ = fmt.Fprint(w, robots)
			return
		}
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = fmt.Fprintf(w, `<html><body><h1>%s</h1><div id="mw-content-text"><p>%s</p></div></body></html>`, r.URL.Path, body)
	}))
}

func TestCrawlFollowsArticleLinks(t *testing.T) {
	srv := wiki(t, "")
	defer srv.Close()
	dir := t.TempDir()

	res, err := Crawl(context.Background(), Options{Seeds: []string{srv.URL + "/wiki/Java"}, OutputDir: dir})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Saved)
	assert.Equal(t, 1, res.Failed, "/wiki/Broken is a 404")

	index, err := LoadIndex(dir)
	require.NoError(t, err)
	require.Len(t, index, 3)
	titles := map[string]bool{}
	for file, e := range index {
		_, err := os.Stat(filepath.Join(dir, file))
		assert.NoError(t, err)
		titles[e.Title] = true
	}
	assert.Equal(t, map[string]bool{"/wiki/Java": true, "/wiki/Paris": true, "/wiki/Rome": true}, titles)

	again, err := Crawl(context.Background(), Options{Seeds: []string{srv.URL + "/wiki/Java"}, OutputDir: dir, MaxPages: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Saved)
	assert.Equal(t, 1, again.Skipped)
}

func TestCrawlMaxPages(t *testing.T) {
	srv := wiki(t, "")
	defer srv.Close()
	res, err := Crawl(context.Background(), Options{Seeds: []string{srv.URL + "/wiki/Java"}, OutputDir: t.TempDir(), MaxPages: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Saved)
}

func TestCrawlCancelled(t *testing.T) {
	srv := wiki(t, "")
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Crawl(ctx, Options{Seeds: []string{srv.URL + "/wiki/Java"}, OutputDir: t.TempDir()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCrawlHonoursRobots(t *testing.T) {
	srv := wiki(t, "User-agent: *\nDisallow: /wiki/Paris\n")
	defer srv.Close()
	seeds := []string{srv.URL + "/wiki/Java"}

	res, err := Crawl(context.Background(), Options{Seeds: seeds, OutputDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Disallowed)
	assert.Equal(t, 2, res.Saved, "Java and Rome")

	res, err = Crawl(context.Background(), Options{Seeds: seeds, OutputDir: t.TempDir(), IgnoreRobots: true})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Disallowed)
	assert.Equal(t, 3, res.Saved)
}

func TestArticleLinks(t *testing.T) {
	doc, err := htmlutil.LoadHTMLString(`<body><main>
<a href="/wiki/B">b</a><a href="/wiki/B#x">b again</a><a href="C?action=edit">c</a>
<a href="/wiki/Talk:B">talk</a><a href="//other.org/wiki/D">d</a><a href="/wiki/A">self</a>
</main></body>`)
	require.NoError(t, err)
	base, _ := url.Parse("https://w.org/wiki/A")
	var got []string
	for _, u := range ArticleLinks(doc, base, "/wiki/") {
		got = append(got, u.String())
	}
	assert.Equal(t, []string{"https://w.org/wiki/B", "https://w.org/wiki/C"}, got)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "https://w.org/wiki/A", Normalize(" w.org/wiki/A#top "))
	assert.Equal(t, "http://w.org/x", Normalize("http://w.org/x"))
}
