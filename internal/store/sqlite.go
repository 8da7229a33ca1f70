package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	logx "newscast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Fixed-width RFC3339 with full nanoseconds so stored timestamps order
// correctly under string comparison (RFC3339Nano drops trailing zeros,
// which breaks lexicographic ordering at sub-second resolution).
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// DB is the sqlite-backed store.
type DB struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*DB, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store: path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	s := &DB{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *DB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Topics / subscriptions ----

func (s *DB) UpsertTopic(ctx context.Context, t Topic) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO topics(name, source_url) VALUES(?,?)
		 ON CONFLICT(name) DO UPDATE SET source_url=excluded.source_url`,
		t.Name, t.SourceURL,
	)
	if err != nil {
		return 0, err
	}
	if id, err := res.LastInsertId(); err == nil && id > 0 {
		return id, nil
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM topics WHERE name = ?`, t.Name).Scan(&id)
	return id, err
}

func (s *DB) TopicByID(ctx context.Context, id int64) (Topic, error) {
	var t Topic
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, source_url FROM topics WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.SourceURL)
	if errors.Is(err, sql.ErrNoRows) {
		return Topic{}, ErrNotFound
	}
	return t, err
}

func (s *DB) Topics(ctx context.Context) ([]Topic, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, source_url FROM topics ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Topic
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.ID, &t.Name, &t.SourceURL); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *DB) Subscribe(ctx context.Context, userID, topicID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(user_id, topic_id, active, created_at) VALUES(?,?,1,?)
		 ON CONFLICT(user_id, topic_id) DO UPDATE SET active=1`,
		userID, topicID, time.Now().UTC().Format(timeFormat),
	)
	return err
}

func (s *DB) Unsubscribe(ctx context.Context, userID, topicID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET active=0 WHERE user_id=? AND topic_id=?`,
		userID, topicID,
	)
	return err
}

// ActiveSubscriptions returns the user's active subscriptions in the order
// they were created. Selection fairness depends on this order being stable.
func (s *DB) ActiveSubscriptions(ctx context.Context, userID int64) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, topic_id FROM subscriptions
		 WHERE user_id=? AND active=1 ORDER BY created_at, topic_id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub := Subscription{Active: true}
		if err := rows.Scan(&sub.UserID, &sub.TopicID); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// RecipientIDs returns all users holding at least one active subscription.
func (s *DB) RecipientIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM subscriptions WHERE active=1 ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ---- Articles ----

// InsertArticle appends an article, deduplicating by (topic, url).
// Returns (id, false, nil) when the article was already present.
func (s *DB) InsertArticle(ctx context.Context, a Article) (int64, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO articles(topic_id, title, content, url, published_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(topic_id, url) DO NOTHING`,
		a.TopicID, a.Title, a.Content, a.URL, a.PublishedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var id int64
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM articles WHERE topic_id=? AND url=?`, a.TopicID, a.URL,
		).Scan(&id)
		return id, false, err
	}
	id, err := res.LastInsertId()
	return id, true, err
}

// ArticlesSince returns articles for the given topics published at or after
// since, newest first.
func (s *DB) ArticlesSince(ctx context.Context, topicIDs []int64, since time.Time) ([]Article, error) {
	if len(topicIDs) == 0 {
		return nil, nil
	}
	q, args, err := sq.Select("id", "topic_id", "title", "content", "url", "published_at").
		From("articles").
		Where(sq.Eq{"topic_id": topicIDs}).
		Where(sq.GtOrEq{"published_at": since.UTC().Format(timeFormat)}).
		OrderBy("published_at DESC", "id DESC").
		ToSql()
	if err != nil {
		return nil, err
	}
	return s.queryArticles(ctx, q, args...)
}

func (s *DB) ArticlesByIDs(ctx context.Context, ids []int64) ([]Article, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q, args, err := sq.Select("id", "topic_id", "title", "content", "url", "published_at").
		From("articles").
		Where(sq.Eq{"id": ids}).
		OrderBy("published_at DESC", "id DESC").
		ToSql()
	if err != nil {
		return nil, err
	}
	return s.queryArticles(ctx, q, args...)
}

// UndeliveredSince returns articles from the user's active subscriptions
// published at or after since and not yet marked delivered, newest first.
func (s *DB) UndeliveredSince(ctx context.Context, userID int64, since time.Time) ([]Article, error) {
	q, args, err := sq.Select("a.id", "a.topic_id", "a.title", "a.content", "a.url", "a.published_at").
		From("articles a").
		Join("subscriptions s ON s.topic_id = a.topic_id AND s.active = 1").
		LeftJoin("deliveries d ON d.article_id = a.id AND d.user_id = s.user_id").
		Where(sq.Eq{"s.user_id": userID}).
		Where(sq.GtOrEq{"a.published_at": since.UTC().Format(timeFormat)}).
		Where("d.article_id IS NULL").
		OrderBy("a.published_at DESC", "a.id DESC").
		ToSql()
	if err != nil {
		return nil, err
	}
	return s.queryArticles(ctx, q, args...)
}

func (s *DB) MarkDelivered(ctx context.Context, userID int64, articleIDs []int64) error {
	if len(articleIDs) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(timeFormat)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, id := range articleIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO deliveries(user_id, article_id, delivered_at) VALUES(?,?,?)
			 ON CONFLICT(user_id, article_id) DO NOTHING`,
			userID, id, now,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *DB) queryArticles(ctx context.Context, q string, args ...any) ([]Article, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Article
	for rows.Next() {
		var a Article
		var pub string
		if err := rows.Scan(&a.ID, &a.TopicID, &a.Title, &a.Content, &a.URL, &pub); err != nil {
			return nil, err
		}
		a.PublishedAt, _ = time.Parse(timeFormat, pub)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- Podcasts ----

func (s *DB) CreatePodcast(ctx context.Context, p Podcast) error {
	now := time.Now().UTC()
	ids, err := json.Marshal(p.ArticleIDs)
	if err != nil {
		return err
	}
	if p.Status == "" {
		p.Status = PodcastPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO podcasts(id, user_id, article_ids, status, file_url, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)`,
		p.ID, p.UserID, string(ids), string(p.Status), p.FileURL,
		now.Format(timeFormat), now.Format(timeFormat),
	)
	return err
}

func (s *DB) PodcastByID(ctx context.Context, id string) (Podcast, error) {
	var p Podcast
	var ids, status, created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, article_ids, status, file_url, created_at, updated_at
		 FROM podcasts WHERE id = ?`, id,
	).Scan(&p.ID, &p.UserID, &ids, &status, &p.FileURL, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Podcast{}, ErrNotFound
	}
	if err != nil {
		return Podcast{}, err
	}
	_ = json.Unmarshal([]byte(ids), &p.ArticleIDs)
	p.Status = PodcastStatus(status)
	p.CreatedAt, _ = time.Parse(timeFormat, created)
	p.UpdatedAt, _ = time.Parse(timeFormat, updated)
	return p, nil
}

func (s *DB) SetPodcastArticles(ctx context.Context, id string, articleIDs []int64) error {
	ids, err := json.Marshal(articleIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE podcasts SET article_ids=?, updated_at=? WHERE id=?`,
		string(ids), time.Now().UTC().Format(timeFormat), id,
	)
	return err
}

// SetPodcastStatus advances a podcast's lifecycle. Transitions are guarded in
// SQL so a concurrent writer can never resurrect a terminal podcast:
// PENDING→{GENERATING,FAILED}, GENERATING→{READY,FAILED}.
func (s *DB) SetPodcastStatus(ctx context.Context, id string, status PodcastStatus, fileURL string) error {
	var allowedPrior []string
	switch status {
	case PodcastGenerating:
		allowedPrior = []string{string(PodcastPending)}
	case PodcastReady:
		allowedPrior = []string{string(PodcastGenerating)}
	case PodcastFailed:
		allowedPrior = []string{string(PodcastPending), string(PodcastGenerating)}
	default:
		return fmt.Errorf("store: invalid podcast status %q", status)
	}

	q, args, err := sq.Update("podcasts").
		Set("status", string(status)).
		Set("file_url", fileURL).
		Set("updated_at", time.Now().UTC().Format(timeFormat)).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"status": allowedPrior}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, err := s.PodcastByID(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return ErrPodcastTerminal
		}
		return fmt.Errorf("store: podcast %s: illegal transition %s -> %s", id, cur.Status, status)
	}
	return nil
}

func (s *DB) DeletePodcast(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM podcasts WHERE id=?`, id)
	return err
}

// ---- Scheduled broadcasts ----

// CreateBroadcast persists a new scheduled broadcast. A scheduled time in the
// past is rejected with ErrInvalidSchedule before anything is written.
func (s *DB) CreateBroadcast(ctx context.Context, b ScheduledBroadcast) error {
	if !b.ScheduledFor.After(time.Now()) {
		return ErrInvalidSchedule
	}
	if b.Target == "" {
		b.Target = "all"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO broadcasts(id, body, media_url, buttons, target, scheduled_for, status)
		 VALUES(?,?,?,?,?,?,?)`,
		b.ID, b.Text, b.MediaURL, b.ButtonsJSON, b.Target,
		b.ScheduledFor.UTC().Format(timeFormat), string(BroadcastScheduled),
	)
	return err
}

// DueBroadcasts returns broadcasts still in SCHEDULED whose due time has
// passed. Records already claimed (SENDING/SENT/FAILED) never reappear.
func (s *DB) DueBroadcasts(ctx context.Context, now time.Time) ([]ScheduledBroadcast, error) {
	q, args, err := sq.Select("id", "body", "media_url", "buttons", "target", "scheduled_for", "status").
		From("broadcasts").
		Where(sq.Eq{"status": string(BroadcastScheduled)}).
		Where(sq.LtOrEq{"scheduled_for": now.UTC().Format(timeFormat)}).
		OrderBy("scheduled_for").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledBroadcast
	for rows.Next() {
		var b ScheduledBroadcast
		var due, status string
		if err := rows.Scan(&b.ID, &b.Text, &b.MediaURL, &b.ButtonsJSON, &b.Target, &due, &status); err != nil {
			return nil, err
		}
		b.ScheduledFor, _ = time.Parse(timeFormat, due)
		b.Status = BroadcastStatus(status)
		out = append(out, b)
	}
	return out, rows.Err()
}

// ClaimBroadcast flips SCHEDULED→SENDING via compare-and-set. The returned
// bool is false when another poll cycle already claimed the record; callers
// must skip unclaimed records.
func (s *DB) ClaimBroadcast(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET status=? WHERE id=? AND status=?`,
		string(BroadcastSending), id, string(BroadcastScheduled),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// FinishBroadcast records the outcome for a broadcast this process claimed.
func (s *DB) FinishBroadcast(ctx context.Context, id string, status BroadcastStatus) error {
	if status != BroadcastSent && status != BroadcastFailed {
		return fmt.Errorf("store: invalid broadcast outcome %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET status=? WHERE id=? AND status=?`,
		string(status), id, string(BroadcastSending),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
