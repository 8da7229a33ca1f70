// Package store is the embedded persistence layer: topics, subscriptions,
// ingested articles, podcast lifecycle records, scheduled broadcasts, and
// per-user delivery marks.
//
// SQLite (modernc.org/sqlite, WAL, single writer) keeps the service a single
// self-contained process. Filtered reads are built with squirrel so date
// windows and topic sets stay readable.
package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")

	// ErrPodcastTerminal is returned when a status update targets a podcast
	// already in READY or FAILED. Terminal states are immutable.
	ErrPodcastTerminal = errors.New("store: podcast in terminal state")

	// ErrInvalidSchedule rejects broadcasts scheduled in the past. The check
	// runs before any write.
	ErrInvalidSchedule = errors.New("store: scheduled time is in the past")
)

// Config configures the sqlite database.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type Topic struct {
	ID        int64
	Name      string
	SourceURL string
}

type Subscription struct {
	UserID  int64
	TopicID int64
	Active  bool
}

// Article is immutable once ingested.
type Article struct {
	ID          int64
	TopicID     int64
	Title       string
	Content     string
	URL         string
	PublishedAt time.Time
}

type PodcastStatus string

const (
	PodcastPending    PodcastStatus = "PENDING"
	PodcastGenerating PodcastStatus = "GENERATING"
	PodcastReady      PodcastStatus = "READY"
	PodcastFailed     PodcastStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s PodcastStatus) Terminal() bool {
	return s == PodcastReady || s == PodcastFailed
}

type Podcast struct {
	ID         string
	UserID     int64
	ArticleIDs []int64
	Status     PodcastStatus
	FileURL    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type BroadcastStatus string

const (
	BroadcastScheduled BroadcastStatus = "SCHEDULED"
	BroadcastSending   BroadcastStatus = "SENDING"
	BroadcastSent      BroadcastStatus = "SENT"
	BroadcastFailed    BroadcastStatus = "FAILED"
)

// ScheduledBroadcast is a time-triggered message awaiting delivery.
// Status moves SCHEDULED→SENDING→{SENT|FAILED}, never backwards.
type ScheduledBroadcast struct {
	ID           string
	Text         string
	MediaURL     string
	ButtonsJSON  string
	Target       string // "all" or "user:<id>"
	ScheduledFor time.Time
	Status       BroadcastStatus
}
