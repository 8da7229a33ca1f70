package config

// Config is the full service configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown fields are rejected on load so typos surface early.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	// Queues configures the named job queues. Missing queues are created on
	// demand with defaults (concurrency 1, 10 starts/sec).
	Queues map[string]QueueConfig `json:"queues,omitempty"`

	Podcast   PodcastConfig   `json:"podcast,omitempty"`
	GenAI     GenAIConfig     `json:"genai"`
	Dispatch  DispatchConfig  `json:"dispatch,omitempty"`
	Broadcast BroadcastConfig `json:"broadcast,omitempty"`
	Sources   SourcesConfig   `json:"sources,omitempty"`
	Content   ContentConfig   `json:"content,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the embedded sqlite database.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// QueueConfig controls a single named job queue.
//
// Defaults (when fields are omitted/zero):
//   - concurrency: 1
//   - queue_size: 256
//   - rate_per_sec: 10
//   - attempts: 3
//   - backoff_base: "5s" (exponential, doubling)
//   - remove_on_complete: count 100, age "24h"
//   - remove_on_fail: count 500, age "168h"
type QueueConfig struct {
	Concurrency int `json:"concurrency,omitempty"`
	QueueSize   int `json:"queue_size,omitempty"`
	RatePerSec  int `json:"rate_per_sec,omitempty"`

	Attempts    int    `json:"attempts,omitempty"`
	BackoffBase string `json:"backoff_base,omitempty"`

	RemoveOnCompleteCount int    `json:"remove_on_complete_count,omitempty"`
	RemoveOnCompleteAge   string `json:"remove_on_complete_age,omitempty"`
	RemoveOnFailCount     int    `json:"remove_on_fail_count,omitempty"`
	RemoveOnFailAge       string `json:"remove_on_fail_age,omitempty"`
}

// PodcastConfig controls podcast assembly.
type PodcastConfig struct {
	// MaxArticles bounds the reading list per podcast (default 10).
	MaxArticles int `json:"max_articles,omitempty"`
	// RecencyWindow is how far back article selection looks (default "24h").
	RecencyWindow string `json:"recency_window,omitempty"`
	// PromptCharLimit truncates combined source text (default 15000).
	PromptCharLimit int `json:"prompt_char_limit,omitempty"`
}

// GenAIConfig points at the generative text/speech API.
type GenAIConfig struct {
	BaseURL     string `json:"base_url,omitempty"`
	APIKey      string `json:"api_key"`
	TextModel   string `json:"text_model,omitempty"`
	SpeechModel string `json:"speech_model,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// DispatchConfig controls recipient-facing delivery.
//
// Defaults:
//   - bulk_delay: "50ms" between recipients
//   - rate_limit_cooldown: "1s" before the single 429 retry
//   - error_sample: 10 captured error strings per bulk result
//   - rate_per_min: 20 sends per minute per dispatcher
type DispatchConfig struct {
	BulkDelay         string `json:"bulk_delay,omitempty"`
	RateLimitCooldown string `json:"rate_limit_cooldown,omitempty"`
	ErrorSample       int    `json:"error_sample,omitempty"`
	RatePerMin        int    `json:"rate_per_min,omitempty"`
}

// BroadcastConfig controls the scheduled-broadcast poll loop.
type BroadcastConfig struct {
	Enabled bool `json:"enabled"`
	// PollInterval defaults to "60s".
	PollInterval string `json:"poll_interval,omitempty"`
}

// SourcesConfig controls periodic article ingestion.
type SourcesConfig struct {
	Enabled bool `json:"enabled"`
	// RefreshSpec is a cron pattern or "@every <dur>" (default "@every 30m").
	RefreshSpec string `json:"refresh_spec,omitempty"`
	// FetchConcurrency bounds parallel topic fetches (default 4).
	FetchConcurrency int    `json:"fetch_concurrency,omitempty"`
	FetchTimeout     string `json:"fetch_timeout,omitempty"`
}

// ContentConfig controls where finished audio artifacts are kept.
type ContentConfig struct {
	Dir string `json:"dir,omitempty"`
}
