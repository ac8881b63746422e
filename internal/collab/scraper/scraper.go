// Package scraper fetches a profile's recent activity page from the scraper
// sidecar and extracts posts from its HTML.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/Mutter0815/InviteFlow/internal/campaign"
	"github.com/Mutter0815/InviteFlow/internal/collab"
)

const defaultTimeout = time.Minute

// ErrUnavailable indicates the scraper sidecar is unreachable.
var ErrUnavailable = errors.New("scraper unavailable")

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

var _ collab.PostScraper = (*Client)(nil)

func (c *Client) RecentPosts(ctx context.Context, profileURL string) ([]campaign.Post, error) {
	u := c.baseURL + "/activity?profile=" + url.QueryEscape(profileURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/html")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("scraper returned %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return extractPosts(doc), nil
}

// extractPosts reads every article.post element; posts without text are skipped.
func extractPosts(doc *goquery.Document) []campaign.Post {
	var posts []campaign.Post
	doc.Find("article.post").Each(func(_ int, s *goquery.Selection) {
		text := strings.Join(strings.Fields(s.Find(".post-text").Text()), " ")
		if text == "" {
			return
		}
		p := campaign.Post{
			Text:     text,
			Likes:    intAttr(s, "data-likes"),
			Comments: intAttr(s, "data-comments"),
			Shares:   intAttr(s, "data-shares"),
		}
		if ts, ok := s.Find("time").Attr("datetime"); ok {
			if t, err := time.Parse(time.RFC3339, strings.TrimSpace(ts)); err == nil {
				p.PostedAt = t.UTC()
			}
		}
		posts = append(posts, p)
	})
	return posts
}

func intAttr(s *goquery.Selection, name string) int {
	v, ok := s.Attr(name)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.ReplaceAll(strings.TrimSpace(v), ",", ""))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
