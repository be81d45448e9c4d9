// Package collect crawls wiki-style article pages into a directory that
// `deepel data import` reads.
package collect

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/happyhackingspace/deepel/internal/htmlutil"
)

// Options configures Crawl.
type Options struct {
	// Seeds are the article URLs the crawl starts from.
	Seeds []string
	// OutputDir receives html/<hash>.html files and index.json.
	OutputDir string
	// MaxPages stops the crawl after this many saved pages. Zero means no
	// limit.
	MaxPages int
	// Delay is the minimum time between requests.
	Delay     time.Duration
	UserAgent string
	// IgnoreRobots skips robots.txt checks.
	IgnoreRobots bool
	// Client defaults to a client with a 30 second timeout.
	Client HTTPClient
}

// HTTPClient is the interface used for HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Result summarizes a crawl.
type Result struct {
	Saved   int
	Failed  int
	Skipped int
	// Disallowed counts URLs excluded by robots.txt.
	Disallowed int
}

// Crawl fetches the seeds and follows article links breadth first. Only
// links on a seed's host under the seed's path prefix are followed, so a
// crawl seeded with https://en.wikipedia.org/wiki/Java stays within /wiki/.
// Pages already in the index are not fetched again. robots.txt is honoured
// unless IgnoreRobots is set, including a crawl delay longer than Delay.
func Crawl(ctx context.Context, opts Options) (*Result, error) {
	if len(opts.Seeds) == 0 {
		return nil, fmt.Errorf("collect: no seeds")
	}
	client := opts.Client
	if client == nil {
		client = NewHTTPClient(30 * time.Second)
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Mozilla/5.0 (compatible; deepel/1.0)"
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.Delay > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.Delay), 1)
	}
	rules := newRobots(client, opts.UserAgent)

	index, err := LoadIndex(opts.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("collect: load index: %w", err)
	}
	known := make(map[string]bool, len(index))
	for _, e := range index {
		known[e.URL] = true
	}

	scopes := make(map[string]string)
	queue := list.New()
	visited := make(map[string]bool)
	for _, seed := range opts.Seeds {
		u, err := url.Parse(Normalize(seed))
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("collect: bad seed %q", seed)
		}
		scopes[u.Host] = path.Dir(u.Path) + "/"
		if !visited[u.String()] {
			visited[u.String()] = true
			queue.PushBack(u)
		}
	}

	res := &Result{}
	for queue.Len() > 0 {
		if opts.MaxPages > 0 && res.Saved >= opts.MaxPages {
			break
		}
		u := queue.Remove(queue.Front()).(*url.URL)
		if known[u.String()] {
			res.Skipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !opts.IgnoreRobots {
			ok, delay := rules.allowed(ctx, u)
			if !ok {
				res.Disallowed++
				continue
			}
			if delay > opts.Delay && limiter.Limit() > rate.Every(delay) {
				limiter.SetLimit(rate.Every(delay))
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			return res, err
		}

		body, err := fetchHTML(ctx, client, u.String(), opts.UserAgent)
		if err != nil {
			slog.Warn("Fetch failed", "url", u, "error", err)
			res.Failed++
			continue
		}
		doc, err := htmlutil.LoadHTMLString(body)
		if err != nil {
			slog.Warn("Parse failed", "url", u, "error", err)
			res.Failed++
			continue
		}

		file, err := saveHTMLFile(body, u.String(), opts.OutputDir)
		if err != nil {
			return res, fmt.Errorf("collect: %w", err)
		}
		index[file] = IndexEntry{URL: u.String(), Title: htmlutil.Title(doc)}
		known[u.String()] = true
		res.Saved++
		slog.Debug("Saved page", "url", u, "file", file)

		if res.Saved%50 == 0 {
			if err := SaveIndex(opts.OutputDir, index); err != nil {
				slog.Warn("Failed to save index", "error", err)
			}
			slog.Info("Crawl progress", "saved", res.Saved, "queued", queue.Len())
		}

		for _, link := range ArticleLinks(doc, u, scopes[u.Host]) {
			if !visited[link.String()] {
				visited[link.String()] = true
				queue.PushBack(link)
			}
		}
	}

	if err := SaveIndex(opts.OutputDir, index); err != nil {
		return res, fmt.Errorf("collect: save index: %w", err)
	}
	return res, nil
}

// ArticleLinks returns the distinct in-scope article links of a page's
// content area in document order, resolved against base.
func ArticleLinks(doc *goquery.Document, base *url.URL, scope string) []*url.URL {
	var out []*url.URL
	seen := make(map[string]bool)
	htmlutil.ContentRoot(doc).Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		u := base.ResolveReference(ref)
		u.Fragment = ""
		u.RawQuery = ""
		if u.Host != base.Host || !strings.HasPrefix(u.Path, scope) {
			return
		}
		if name := path.Base(u.Path); name == "" || strings.Contains(name, ":") {
			return
		}
		if key := u.String(); !seen[key] && key != base.String() {
			seen[key] = true
			out = append(out, u)
		}
	})
	return out
}

// Normalize adds a scheme to bare hosts and drops fragments.
func Normalize(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""
	return u.String()
}
