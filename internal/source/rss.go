package source

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mmcdole/gofeed"

	"newscast/internal/store"
)

// RSS fetches articles from RSS/Atom feeds.
type RSS struct {
	parser *gofeed.Parser
	active atomic.Bool
}

func NewRSS() *RSS {
	r := &RSS{parser: gofeed.NewParser()}
	r.active.Store(true)
	return r
}

func (r *RSS) Active() bool { return r.active.Load() }

// SetActive toggles the source without unregistering it.
func (r *RSS) SetActive(on bool) { r.active.Store(on) }

func (r *RSS) Fetch(ctx context.Context, url string) ([]store.Article, error) {
	feed, err := r.parser.ParseURLWithContext(url, ctx)
	if err != nil {
		return nil, fmt.Errorf("source: parse feed %s: %w", url, err)
	}

	now := time.Now()
	out := make([]store.Article, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil || item.Link == "" {
			continue
		}
		published := now
		if item.PublishedParsed != nil {
			published = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			published = *item.UpdatedParsed
		}
		content := item.Content
		if content == "" {
			content = item.Description
		}
		out = append(out, store.Article{
			Title:       item.Title,
			Content:     content,
			URL:         item.Link,
			PublishedAt: published,
		})
	}
	return out, nil
}
