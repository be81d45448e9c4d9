package collect

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/temoto/robotstxt"
)

// robotsAgent is the product token matched against robots.txt groups.
const robotsAgent = "deepel"

// robots caches robots.txt per host for one crawl.
type robots struct {
	client HTTPClient
	ua     string
	cache  map[string]*robotstxt.RobotsData
}

func newRobots(client HTTPClient, userAgent string) *robots {
	return &robots{client: client, ua: userAgent, cache: make(map[string]*robotstxt.RobotsData)}
}

// allowed reports whether u may be fetched and the crawl delay requested
// for it. Hosts whose robots.txt cannot be fetched are allowed.
func (r *robots) allowed(ctx context.Context, u *url.URL) (bool, time.Duration) {
	data, err := r.data(ctx, u)
	if err != nil {
		return true, 0
	}
	var delay time.Duration
	if group := data.FindGroup(robotsAgent); group != nil {
		delay = group.CrawlDelay
	}
	return data.TestAgent(u.Path, robotsAgent), delay
}

func (r *robots) data(ctx context.Context, u *url.URL) (*robotstxt.RobotsData, error) {
	if data, ok := r.cache[u.Host]; ok {
		return data, nil
	}
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", u.Scheme, u.Host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", r.ua)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	r.cache[u.Host] = data
	return data, nil
}
