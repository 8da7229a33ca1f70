package source

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"newscast/internal/store"
	logx "newscast/pkg/logx"
)

// RefreshStore is the persistence surface of the refresher.
type RefreshStore interface {
	Topics(ctx context.Context) ([]store.Topic, error)
	InsertArticle(ctx context.Context, a store.Article) (int64, bool, error)
}

type RefresherConfig struct {
	// FetchConcurrency bounds concurrent feed fetches.
	FetchConcurrency int
	// FetchTimeout bounds one feed fetch.
	FetchTimeout time.Duration
}

// Refresher fetches every topic's feed and ingests new articles. URL
// deduplication happens in the store, so refreshing is idempotent.
type Refresher struct {
	cfg      RefresherConfig
	store    RefreshStore
	registry *Registry
	log      logx.Logger
}

func NewRefresher(cfg RefresherConfig, st RefreshStore, reg *Registry, log logx.Logger) *Refresher {
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 4
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Refresher{cfg: cfg, store: st, registry: reg, log: log}
}

// Refresh fetches all topics once. Per-topic failures are logged and do not
// stop the other topics.
func (r *Refresher) Refresh(ctx context.Context) error {
	topics, err := r.store.Topics(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.FetchConcurrency)

	start := time.Now()
	for _, t := range topics {
		if t.SourceURL == "" {
			continue
		}
		topic := t
		g.Go(func() error {
			r.refreshTopic(gctx, topic)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	r.log.Info("sources refreshed", logx.Int("topics", len(topics)), logx.Duration("took", time.Since(start)))
	return nil
}

func (r *Refresher) refreshTopic(ctx context.Context, topic store.Topic) {
	log := r.log.With(logx.Int64("topic_id", topic.ID), logx.String("topic", topic.Name))

	kind, url := SplitKind(topic.SourceURL)
	src, err := r.registry.Resolve(kind)
	if err != nil {
		log.Warn("source not resolvable", logx.Err(err))
		return
	}

	fctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	articles, err := src.Fetch(fctx, url)
	if err != nil {
		log.Warn("feed fetch failed", logx.Err(err))
		return
	}

	inserted := 0
	for _, a := range articles {
		a.TopicID = topic.ID
		_, isNew, err := r.store.InsertArticle(ctx, a)
		if err != nil {
			log.Warn("insert article", logx.String("url", a.URL), logx.Err(err))
			continue
		}
		if isNew {
			inserted++
		}
	}
	log.Debug("topic refreshed", logx.Int("fetched", len(articles)), logx.Int("new", inserted))
}
