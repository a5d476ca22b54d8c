// Package feed fetches category feeds and turns them into snapshots.
package feed

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"

	"github.com/hpungsan/tidings/internal/changes"
)

// maxFeedBytes caps the size of a fetched document.
const maxFeedBytes = 10 << 20

// Source downloads and parses RSS/Atom feeds.
type Source struct {
	client    *http.Client
	parser    *gofeed.Parser
	userAgent string
	timeout   time.Duration
}

// NewSource returns a Source. A zero timeout leaves deadlines to the caller's context.
func NewSource(client *http.Client, userAgent string, timeout time.Duration) *Source {
	if client == nil {
		client = http.DefaultClient
	}
	return &Source{
		client:    client,
		parser:    gofeed.NewParser(),
		userAgent: userAgent,
		timeout:   timeout,
	}
}

// Fetch downloads url and returns its items as a snapshot of category.
func (s *Source) Fetch(ctx context.Context, category, url string) (changes.Snapshot, error) {
	data, err := s.download(ctx, url)
	if err != nil {
		return changes.Snapshot{}, err
	}
	items, err := s.Parse(data)
	if err != nil {
		return changes.Snapshot{}, err
	}
	return changes.Snapshot{Category: category, Items: items}, nil
}

// Parse converts a feed document to snapshot items in document order.
// Items without a GUID or link are skipped.
func (s *Source) Parse(data []byte) ([]changes.FeedItem, error) {
	feed, err := s.parser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	items := make([]changes.FeedItem, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		id := strings.TrimSpace(cmp.Or(item.GUID, item.Link))
		if id == "" {
			continue
		}
		items = append(items, changes.FeedItem{
			ID:           id,
			Title:        strings.TrimSpace(item.Title),
			Content:      strings.TrimSpace(cmp.Or(item.Content, item.Description)),
			CommentCount: commentCount(item.Extensions),
			Link:         item.Link,
		})
	}
	return items, nil
}

func (s *Source) download(ctx context.Context, url string) ([]byte, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(data) > maxFeedBytes {
		return nil, fmt.Errorf("feed exceeds %d bytes", maxFeedBytes)
	}
	return data, nil
}

// commentCount reads slash:comments, falling back to thr:total. Missing or
// malformed counts read as zero.
func commentCount(extensions ext.Extensions) int {
	for _, ref := range [][2]string{{"slash", "comments"}, {"thr", "total"}} {
		values := extensions[ref[0]][ref[1]]
		if len(values) == 0 {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(values[0].Value))
		if err == nil && n >= 0 {
			return n
		}
	}
	return 0
}
