package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "newscast/pkg/logx"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mustTopic(t *testing.T, db *DB, name, url string) int64 {
	t.Helper()
	id, err := db.UpsertTopic(context.Background(), Topic{Name: name, SourceURL: url})
	if err != nil {
		t.Fatalf("UpsertTopic(%s): %v", name, err)
	}
	return id
}

func mustArticle(t *testing.T, db *DB, topicID int64, url string, published time.Time) int64 {
	t.Helper()
	id, isNew, err := db.InsertArticle(context.Background(), Article{
		TopicID: topicID, Title: "t", Content: "c", URL: url, PublishedAt: published,
	})
	if err != nil || !isNew {
		t.Fatalf("InsertArticle(%s): id=%d new=%v err=%v", url, id, isNew, err)
	}
	return id
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{}, logx.Nop()); err == nil {
		t.Fatal("want error for empty path")
	}
}

func TestUpsertTopic(t *testing.T) {
	t.Parallel()
	db := openTest(t)
	ctx := context.Background()

	id1 := mustTopic(t, db, "Tech", "https://a.example/feed")
	id2 := mustTopic(t, db, "Tech", "https://b.example/feed")
	if id1 != id2 {
		t.Fatalf("upsert created a second row: %d vs %d", id1, id2)
	}

	got, err := db.TopicByID(ctx, id1)
	if err != nil {
		t.Fatalf("TopicByID: %v", err)
	}
	if got.SourceURL != "https://b.example/feed" {
		t.Fatalf("source_url = %q, want updated value", got.SourceURL)
	}

	if _, err := db.TopicByID(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing topic: err = %v, want ErrNotFound", err)
	}
}

func TestSubscriptions(t *testing.T) {
	t.Parallel()
	db := openTest(t)
	ctx := context.Background()

	tech := mustTopic(t, db, "Tech", "")
	sport := mustTopic(t, db, "Sport", "")

	for _, topicID := range []int64{tech, sport} {
		if err := db.Subscribe(ctx, 7, topicID); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	subs, err := db.ActiveSubscriptions(ctx, 7)
	if err != nil || len(subs) != 2 {
		t.Fatalf("subs = %v, err = %v", subs, err)
	}

	if err := db.Unsubscribe(ctx, 7, tech); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	subs, _ = db.ActiveSubscriptions(ctx, 7)
	if len(subs) != 1 || subs[0].TopicID != sport {
		t.Fatalf("after unsubscribe: %v", subs)
	}

	// Resubscribing reactivates the same row.
	if err := db.Subscribe(ctx, 7, tech); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	subs, _ = db.ActiveSubscriptions(ctx, 7)
	if len(subs) != 2 {
		t.Fatalf("after resubscribe: %v", subs)
	}

	ids, err := db.RecipientIDs(ctx)
	if err != nil || len(ids) != 1 || ids[0] != 7 {
		t.Fatalf("recipients = %v, err = %v", ids, err)
	}
}

func TestInsertArticleDedup(t *testing.T) {
	t.Parallel()
	db := openTest(t)
	ctx := context.Background()

	tech := mustTopic(t, db, "Tech", "")
	sport := mustTopic(t, db, "Sport", "")

	id := mustArticle(t, db, tech, "https://e.example/1", time.Now())

	dupID, isNew, err := db.InsertArticle(ctx, Article{TopicID: tech, URL: "https://e.example/1", PublishedAt: time.Now()})
	if err != nil || isNew {
		t.Fatalf("duplicate insert: new=%v err=%v", isNew, err)
	}
	if dupID != id {
		t.Fatalf("duplicate returned id %d, want %d", dupID, id)
	}

	// Same URL under another topic is a distinct article.
	if _, isNew, err := db.InsertArticle(ctx, Article{TopicID: sport, URL: "https://e.example/1", PublishedAt: time.Now()}); err != nil || !isNew {
		t.Fatalf("cross-topic insert: new=%v err=%v", isNew, err)
	}
}

func TestArticlesSinceWindowAndOrder(t *testing.T) {
	t.Parallel()
	db := openTest(t)
	ctx := context.Background()

	tech := mustTopic(t, db, "Tech", "")
	now := time.Now().UTC()
	mustArticle(t, db, tech, "https://e.example/old", now.Add(-48*time.Hour))
	mid := mustArticle(t, db, tech, "https://e.example/mid", now.Add(-2*time.Hour))
	newest := mustArticle(t, db, tech, "https://e.example/new", now.Add(-time.Minute))

	arts, err := db.ArticlesSince(ctx, []int64{tech}, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("ArticlesSince: %v", err)
	}
	if len(arts) != 2 {
		t.Fatalf("articles = %d, want 2 (old one outside window)", len(arts))
	}
	if arts[0].ID != newest || arts[1].ID != mid {
		t.Fatalf("order = [%d %d], want newest first [%d %d]", arts[0].ID, arts[1].ID, newest, mid)
	}

	if arts, err := db.ArticlesSince(ctx, nil, now); err != nil || arts != nil {
		t.Fatalf("no topics: arts=%v err=%v", arts, err)
	}
}

func TestUndeliveredAndMarkDelivered(t *testing.T) {
	t.Parallel()
	db := openTest(t)
	ctx := context.Background()

	tech := mustTopic(t, db, "Tech", "")
	if err := db.Subscribe(ctx, 7, tech); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	now := time.Now().UTC()
	a1 := mustArticle(t, db, tech, "https://e.example/1", now.Add(-time.Hour))
	a2 := mustArticle(t, db, tech, "https://e.example/2", now.Add(-time.Minute))

	arts, err := db.UndeliveredSince(ctx, 7, now.Add(-24*time.Hour))
	if err != nil || len(arts) != 2 {
		t.Fatalf("undelivered = %v, err = %v", arts, err)
	}

	if err := db.MarkDelivered(ctx, 7, []int64{a2}); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	arts, _ = db.UndeliveredSince(ctx, 7, now.Add(-24*time.Hour))
	if len(arts) != 1 || arts[0].ID != a1 {
		t.Fatalf("after delivery: %v", arts)
	}

	// Marking twice is a no-op, and empty input writes nothing.
	if err := db.MarkDelivered(ctx, 7, []int64{a2}); err != nil {
		t.Fatalf("repeat MarkDelivered: %v", err)
	}
	if err := db.MarkDelivered(ctx, 7, nil); err != nil {
		t.Fatalf("empty MarkDelivered: %v", err)
	}
}

func TestPodcastLifecycle(t *testing.T) {
	t.Parallel()
	db := openTest(t)
	ctx := context.Background()

	p := Podcast{ID: "p1", UserID: 7}
	if err := db.CreatePodcast(ctx, p); err != nil {
		t.Fatalf("CreatePodcast: %v", err)
	}
	if err := db.SetPodcastArticles(ctx, "p1", []int64{3, 4}); err != nil {
		t.Fatalf("SetPodcastArticles: %v", err)
	}
	if err := db.SetPodcastStatus(ctx, "p1", PodcastGenerating, ""); err != nil {
		t.Fatalf("to GENERATING: %v", err)
	}
	if err := db.SetPodcastStatus(ctx, "p1", PodcastReady, "/tmp/p1.mp3"); err != nil {
		t.Fatalf("to READY: %v", err)
	}

	got, err := db.PodcastByID(ctx, "p1")
	if err != nil {
		t.Fatalf("PodcastByID: %v", err)
	}
	if got.Status != PodcastReady || got.FileURL != "/tmp/p1.mp3" {
		t.Fatalf("podcast = %+v", got)
	}
	if len(got.ArticleIDs) != 2 || got.ArticleIDs[0] != 3 {
		t.Fatalf("article ids = %v", got.ArticleIDs)
	}

	// Terminal states are immutable.
	if err := db.SetPodcastStatus(ctx, "p1", PodcastFailed, ""); !errors.Is(err, ErrPodcastTerminal) {
		t.Fatalf("terminal rewrite: err = %v, want ErrPodcastTerminal", err)
	}
}

func TestPodcastIllegalTransition(t *testing.T) {
	t.Parallel()
	db := openTest(t)
	ctx := context.Background()

	if err := db.CreatePodcast(ctx, Podcast{ID: "p1", UserID: 7}); err != nil {
		t.Fatalf("CreatePodcast: %v", err)
	}
	// PENDING cannot jump straight to READY.
	err := db.SetPodcastStatus(ctx, "p1", PodcastReady, "x")
	if err == nil || errors.Is(err, ErrPodcastTerminal) {
		t.Fatalf("err = %v, want illegal-transition error", err)
	}
	// But it can fail directly.
	if err := db.SetPodcastStatus(ctx, "p1", PodcastFailed, ""); err != nil {
		t.Fatalf("PENDING->FAILED: %v", err)
	}
}

func TestDeletePodcast(t *testing.T) {
	t.Parallel()
	db := openTest(t)
	ctx := context.Background()

	if err := db.CreatePodcast(ctx, Podcast{ID: "p1", UserID: 7}); err != nil {
		t.Fatalf("CreatePodcast: %v", err)
	}
	if err := db.DeletePodcast(ctx, "p1"); err != nil {
		t.Fatalf("DeletePodcast: %v", err)
	}
	if _, err := db.PodcastByID(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateBroadcastRejectsPast(t *testing.T) {
	t.Parallel()
	db := openTest(t)
	b := ScheduledBroadcast{ID: "b1", Text: "hi", ScheduledFor: time.Now().Add(-time.Minute)}
	if err := db.CreateBroadcast(context.Background(), b); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("err = %v, want ErrInvalidSchedule", err)
	}
}

func TestBroadcastClaimIsCompareAndSet(t *testing.T) {
	t.Parallel()
	db := openTest(t)
	ctx := context.Background()

	b := ScheduledBroadcast{ID: "b1", Text: "hi", ScheduledFor: time.Now().Add(30 * time.Millisecond)}
	if err := db.CreateBroadcast(ctx, b); err != nil {
		t.Fatalf("CreateBroadcast: %v", err)
	}

	// Not due yet.
	due, err := db.DueBroadcasts(ctx, time.Now())
	if err != nil || len(due) != 0 {
		t.Fatalf("premature due = %v, err = %v", due, err)
	}

	time.Sleep(50 * time.Millisecond)
	due, err = db.DueBroadcasts(ctx, time.Now())
	if err != nil || len(due) != 1 || due[0].ID != "b1" {
		t.Fatalf("due = %v, err = %v", due, err)
	}
	if due[0].Target != "all" {
		t.Fatalf("target = %q, want default all", due[0].Target)
	}

	ok, err := db.ClaimBroadcast(ctx, "b1")
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = db.ClaimBroadcast(ctx, "b1")
	if err != nil || ok {
		t.Fatalf("second claim: ok=%v err=%v, want false", ok, err)
	}

	// Claimed records never reappear as due.
	due, _ = db.DueBroadcasts(ctx, time.Now())
	if len(due) != 0 {
		t.Fatalf("claimed broadcast still due: %v", due)
	}

	if err := db.FinishBroadcast(ctx, "b1", BroadcastSent); err != nil {
		t.Fatalf("FinishBroadcast: %v", err)
	}
	// Finishing twice (no longer SENDING) reports not found.
	if err := db.FinishBroadcast(ctx, "b1", BroadcastFailed); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double finish: err = %v, want ErrNotFound", err)
	}
}

func TestFinishBroadcastRejectsNonTerminal(t *testing.T) {
	t.Parallel()
	db := openTest(t)
	if err := db.FinishBroadcast(context.Background(), "b1", BroadcastSending); err == nil {
		t.Fatal("want error for non-terminal outcome")
	}
}
