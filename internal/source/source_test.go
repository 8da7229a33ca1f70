package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"newscast/internal/store"
	logx "newscast/pkg/logx"
)

func TestSplitKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in       string
		wantKind string
		wantURL  string
	}{
		{in: "https://example.com/feed.xml", wantKind: "rss", wantURL: "https://example.com/feed.xml"},
		{in: "rss+https://example.com/feed", wantKind: "rss", wantURL: "https://example.com/feed"},
		{in: "json+https://example.com/feed", wantKind: "json", wantURL: "https://example.com/feed"},
		{in: "  http://a.example  ", wantKind: "rss", wantURL: "http://a.example"},
	}
	for _, tc := range tests {
		kind, url := SplitKind(tc.in)
		if kind != tc.wantKind || url != tc.wantURL {
			t.Errorf("SplitKind(%q) = %q, %q; want %q, %q", tc.in, kind, url, tc.wantKind, tc.wantURL)
		}
	}
}

func TestRegistryResolve(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	rss := NewRSS()
	reg.Register("rss", rss)

	if _, err := reg.Resolve("rss"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := reg.Resolve("carrier-pigeon"); err == nil {
		t.Fatal("want error for unknown kind")
	}

	rss.SetActive(false)
	if _, err := reg.Resolve("rss"); err == nil {
		t.Fatal("want error for inactive source")
	}
}

const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel>
<title>Example</title>
<item>
  <title>First post</title>
  <link>https://example.com/1</link>
  <description>Hello world</description>
  <pubDate>Mon, 02 Mar 2026 10:00:00 GMT</pubDate>
</item>
<item>
  <title>No link, skipped</title>
  <description>orphan</description>
</item>
<item>
  <title>Second post</title>
  <link>https://example.com/2</link>
  <description>More text</description>
</item>
</channel></rss>`

func TestRSSFetch(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, feedXML)
	}))
	t.Cleanup(srv.Close)

	arts, err := NewRSS().Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(arts) != 2 {
		t.Fatalf("articles = %d, want 2 (item without link skipped)", len(arts))
	}
	if arts[0].Title != "First post" || arts[0].URL != "https://example.com/1" || arts[0].Content != "Hello world" {
		t.Fatalf("article = %+v", arts[0])
	}
	want := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if !arts[0].PublishedAt.Equal(want) {
		t.Fatalf("published = %v, want %v", arts[0].PublishedAt, want)
	}
	// Items without a parseable date fall back to fetch time.
	if arts[1].PublishedAt.IsZero() {
		t.Fatal("missing fallback publish time")
	}
}

func TestRSSFetchBadFeed(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "this is not xml")
	}))
	t.Cleanup(srv.Close)

	if _, err := NewRSS().Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("want parse error")
	}
}

type fakeRefreshStore struct {
	mu       sync.Mutex
	topics   []store.Topic
	inserted []store.Article
	seen     map[string]bool
}

func (f *fakeRefreshStore) Topics(_ context.Context) ([]store.Topic, error) {
	return f.topics, nil
}

func (f *fakeRefreshStore) InsertArticle(_ context.Context, a store.Article) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	key := fmt.Sprintf("%d|%s", a.TopicID, a.URL)
	if f.seen[key] {
		return 0, false, nil
	}
	f.seen[key] = true
	f.inserted = append(f.inserted, a)
	return int64(len(f.inserted)), true, nil
}

type staticSource struct {
	articles []store.Article
	err      error
}

func (s *staticSource) Fetch(_ context.Context, url string) ([]store.Article, error) {
	return s.articles, s.err
}

func (s *staticSource) Active() bool { return true }

func TestRefresherIngestsAndDedups(t *testing.T) {
	t.Parallel()
	st := &fakeRefreshStore{topics: []store.Topic{
		{ID: 1, Name: "Tech", SourceURL: "https://t.example/feed"},
		{ID: 2, Name: "NoFeed"},
	}}
	reg := NewRegistry()
	reg.Register("rss", &staticSource{articles: []store.Article{
		{Title: "a", URL: "https://t.example/a", PublishedAt: time.Now()},
		{Title: "b", URL: "https://t.example/b", PublishedAt: time.Now()},
	}})

	r := NewRefresher(RefresherConfig{}, st, reg, logx.Nop())
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(st.inserted) != 2 {
		t.Fatalf("inserted = %d, want 2", len(st.inserted))
	}
	for _, a := range st.inserted {
		if a.TopicID != 1 {
			t.Fatalf("article bound to topic %d, want 1", a.TopicID)
		}
	}

	// Second run is idempotent.
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(st.inserted) != 2 {
		t.Fatalf("inserted after rerun = %d, want 2", len(st.inserted))
	}
}

func TestRefresherSurvivesPerTopicFailures(t *testing.T) {
	t.Parallel()
	st := &fakeRefreshStore{topics: []store.Topic{
		{ID: 1, Name: "Broken", SourceURL: "https://broken.example/feed"},
		{ID: 2, Name: "OK", SourceURL: "good+https://ok.example/feed"},
	}}
	reg := NewRegistry()
	reg.Register("rss", &staticSource{err: fmt.Errorf("fetch blew up")})
	reg.Register("good", &staticSource{articles: []store.Article{
		{Title: "fine", URL: "https://ok.example/1", PublishedAt: time.Now()},
	}})

	r := NewRefresher(RefresherConfig{}, st, reg, logx.Nop())
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(st.inserted) != 1 || st.inserted[0].TopicID != 2 {
		t.Fatalf("inserted = %+v, want one article for topic 2", st.inserted)
	}
}
