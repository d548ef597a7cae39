package source

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// DailyTrends reads the Google Trends daily trending-searches RSS feed.
type DailyTrends struct {
	client *http.Client
	parser *gofeed.Parser
	url    string
}

// NewDailyTrends creates a reader for the trending-searches feed at url.
func NewDailyTrends(url string) *DailyTrends {
	return &DailyTrends{
		client: &http.Client{Timeout: 30 * time.Second},
		parser: gofeed.NewParser(),
		url:    url,
	}
}

// Trending returns the lower-cased trending queries mapped to their
// approximate traffic label (e.g. "20,000+"), or "" when the feed has none.
func (d *DailyTrends) Trending(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create trending request: %w", err)
	}
	req.Header.Set("User-Agent", "brandstreet/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch trending feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("trending feed status %d", resp.StatusCode)
	}

	parsed, err := d.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse trending feed: %w", err)
	}

	out := make(map[string]string, len(parsed.Items))
	for _, entry := range parsed.Items {
		title := strings.ToLower(strings.TrimSpace(entry.Title))
		if title == "" {
			continue
		}
		out[title] = approxTraffic(entry)
	}
	return out, nil
}

// approxTraffic reads the ht:approx_traffic extension element.
func approxTraffic(entry *gofeed.Item) string {
	ht, ok := entry.Extensions["ht"]
	if !ok {
		return ""
	}
	vals := ht["approx_traffic"]
	if len(vals) == 0 {
		return ""
	}
	return vals[0].Value
}
