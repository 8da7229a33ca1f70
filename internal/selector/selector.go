// Package selector picks which articles feed a podcast or digest. Podcast
// selection balances across the user's topics so one noisy feed cannot crowd
// out the others.
package selector

import (
	"context"
	"errors"
	"sort"
	"time"

	"newscast/internal/store"
	logx "newscast/pkg/logx"
)

const (
	DefaultMaxArticles   = 10
	DefaultRecencyWindow = 24 * time.Hour
)

// Reader is the slice of the store the selector needs.
type Reader interface {
	TopicByID(ctx context.Context, id int64) (store.Topic, error)
	ArticlesSince(ctx context.Context, topicIDs []int64, since time.Time) ([]store.Article, error)
	UndeliveredSince(ctx context.Context, userID int64, since time.Time) ([]store.Article, error)
}

type Selector struct {
	reader Reader
	window time.Duration
	log    logx.Logger

	// now is swappable in tests.
	now func() time.Time
}

func New(reader Reader, window time.Duration, log logx.Logger) *Selector {
	if window <= 0 {
		window = DefaultRecencyWindow
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Selector{reader: reader, window: window, log: log, now: time.Now}
}

// ForPodcast returns up to maxArticles recent articles balanced across the
// subscribed topics. Subscriptions pointing at deleted topics are skipped.
// Each topic gets floor(max/T) slots; the first max%T topics (in subscription
// order) get one extra. Unused capacity is backfilled newest-first from the
// remaining candidates. Zero candidates is not an error: the result is empty.
func (s *Selector) ForPodcast(ctx context.Context, subs []store.Subscription, maxArticles int) ([]store.Article, error) {
	if maxArticles <= 0 {
		maxArticles = DefaultMaxArticles
	}

	topicIDs := make([]int64, 0, len(subs))
	seen := map[int64]bool{}
	for _, sub := range subs {
		if !sub.Active || seen[sub.TopicID] {
			continue
		}
		_, err := s.reader.TopicByID(ctx, sub.TopicID)
		if errors.Is(err, store.ErrNotFound) {
			s.log.Debug("subscription references missing topic", logx.Int64("topic_id", sub.TopicID))
			continue
		}
		if err != nil {
			return nil, err
		}
		seen[sub.TopicID] = true
		topicIDs = append(topicIDs, sub.TopicID)
	}
	if len(topicIDs) == 0 {
		return []store.Article{}, nil
	}

	since := s.now().Add(-s.window)
	candidates, err := s.reader.ArticlesSince(ctx, topicIDs, since)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return []store.Article{}, nil
	}

	byTopic := map[int64][]store.Article{}
	for _, a := range candidates {
		byTopic[a.TopicID] = append(byTopic[a.TopicID], a)
	}
	for id := range byTopic {
		sortNewestFirst(byTopic[id])
	}

	// Only topics that actually have candidates take part in the split.
	active := topicIDs[:0:0]
	for _, id := range topicIDs {
		if len(byTopic[id]) > 0 {
			active = append(active, id)
		}
	}

	perTopic := maxArticles / len(active)
	remainder := maxArticles % len(active)

	var picked []store.Article
	var leftovers []store.Article
	for i, id := range active {
		quota := perTopic
		if i < remainder {
			quota++
		}
		arts := byTopic[id]
		if quota > len(arts) {
			quota = len(arts)
		}
		picked = append(picked, arts[:quota]...)
		leftovers = append(leftovers, arts[quota:]...)
	}

	if len(picked) < maxArticles && len(leftovers) > 0 {
		sortNewestFirst(leftovers)
		need := maxArticles - len(picked)
		if need > len(leftovers) {
			need = len(leftovers)
		}
		picked = append(picked, leftovers[:need]...)
	}

	sortNewestFirst(picked)
	if len(picked) > maxArticles {
		picked = picked[:maxArticles]
	}
	return picked, nil
}

// ForDigest returns the user's undelivered articles since the cutoff,
// newest-first, without per-topic balancing.
func (s *Selector) ForDigest(ctx context.Context, userID int64, since time.Time) ([]store.Article, error) {
	arts, err := s.reader.UndeliveredSince(ctx, userID, since)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(arts)
	return arts, nil
}

// sortNewestFirst orders by publish time descending, article ID descending on
// ties, so selection is deterministic.
func sortNewestFirst(arts []store.Article) {
	sort.SliceStable(arts, func(i, j int) bool {
		if arts[i].PublishedAt.Equal(arts[j].PublishedAt) {
			return arts[i].ID > arts[j].ID
		}
		return arts[i].PublishedAt.After(arts[j].PublishedAt)
	})
}
