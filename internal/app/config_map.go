package app

import (
	"fmt"
	"strings"
	"time"

	"newscast/internal/broadcast"
	"newscast/internal/config"
	"newscast/internal/dispatch"
	"newscast/internal/genai"
	"newscast/internal/podcast"
	"newscast/internal/queue"
	"newscast/internal/source"
	"newscast/internal/store"
	logx "newscast/pkg/logx"
)

// Standard queue names. Configs may add more under the queues: section, but
// these three always exist.
const (
	QueuePodcasts      = "podcasts"
	QueueNotifications = "notifications"
	QueueIngest        = "ingest"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "./data/newscast.db"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{Path: path, BusyTimeout: busy}, nil
}

// mapQueueConfigs returns the full queue set: the three standard queues with
// their baked-in concurrency defaults, overlaid by (and extended with) the
// queues: section of the config.
func mapQueueConfigs(cfg *config.Config) (map[string]queue.Config, error) {
	out := map[string]queue.Config{
		QueuePodcasts:      {Concurrency: 3, DefaultTimeout: 10 * time.Minute},
		QueueNotifications: {Concurrency: 5, DefaultTimeout: time.Minute},
		QueueIngest:        {Concurrency: 1, DefaultTimeout: 5 * time.Minute},
	}
	for name, qc := range cfg.Queues {
		base := out[name]
		mapped, err := mapQueueConfig(name, qc, base)
		if err != nil {
			return nil, err
		}
		out[name] = mapped
	}
	return out, nil
}

func mapQueueConfig(name string, qc config.QueueConfig, base queue.Config) (queue.Config, error) {
	if qc.Concurrency < 0 || qc.QueueSize < 0 || qc.RatePerSec < 0 || qc.Attempts < 0 {
		return queue.Config{}, fmt.Errorf("queues.%s: negative values are not allowed", name)
	}
	if qc.Concurrency > 0 {
		base.Concurrency = qc.Concurrency
	}
	if qc.QueueSize > 0 {
		base.QueueSize = qc.QueueSize
	}
	if qc.RatePerSec > 0 {
		base.RatePerSec = float64(qc.RatePerSec)
	}
	if qc.Attempts > 0 {
		base.Attempts = qc.Attempts
	}
	backoff, err := config.ParseDurationOrDefault("queues."+name+".backoff_base", qc.BackoffBase, base.BackoffBase)
	if err != nil {
		return queue.Config{}, err
	}
	base.BackoffBase = backoff

	if qc.RemoveOnCompleteCount > 0 {
		base.Completed.Count = qc.RemoveOnCompleteCount
	}
	if age, err := config.ParseDurationOrDefault("queues."+name+".remove_on_complete_age", qc.RemoveOnCompleteAge, base.Completed.Age); err != nil {
		return queue.Config{}, err
	} else {
		base.Completed.Age = age
	}
	if qc.RemoveOnFailCount > 0 {
		base.Failed.Count = qc.RemoveOnFailCount
	}
	if age, err := config.ParseDurationOrDefault("queues."+name+".remove_on_fail_age", qc.RemoveOnFailAge, base.Failed.Age); err != nil {
		return queue.Config{}, err
	} else {
		base.Failed.Age = age
	}
	return base, nil
}

func mapPodcastConfig(cfg *config.Config) (podcast.Config, time.Duration, error) {
	window, err := config.ParseDurationOrDefault("podcast.recency_window", cfg.Podcast.RecencyWindow, 24*time.Hour)
	if err != nil {
		return podcast.Config{}, 0, err
	}
	if cfg.Podcast.MaxArticles < 0 || cfg.Podcast.PromptCharLimit < 0 {
		return podcast.Config{}, 0, fmt.Errorf("podcast: negative values are not allowed")
	}
	return podcast.Config{
		MaxArticles:     cfg.Podcast.MaxArticles,
		PromptCharLimit: cfg.Podcast.PromptCharLimit,
	}, window, nil
}

func mapGenAIConfig(cfg *config.Config) (genai.Config, error) {
	timeout, err := config.ParseDurationOrDefault("genai.timeout", cfg.GenAI.Timeout, 0)
	if err != nil {
		return genai.Config{}, err
	}
	return genai.Config{
		BaseURL:     cfg.GenAI.BaseURL,
		APIKey:      cfg.GenAI.APIKey,
		TextModel:   cfg.GenAI.TextModel,
		SpeechModel: cfg.GenAI.SpeechModel,
		Timeout:     timeout,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	delay, err := config.ParseDurationOrDefault("dispatch.bulk_delay", cfg.Dispatch.BulkDelay, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	cooldown, err := config.ParseDurationOrDefault("dispatch.rate_limit_cooldown", cfg.Dispatch.RateLimitCooldown, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	if cfg.Dispatch.ErrorSample < 0 || cfg.Dispatch.RatePerMin < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch: negative values are not allowed")
	}
	return dispatch.Config{
		BulkDelay:         delay,
		RateLimitCooldown: cooldown,
		ErrorSample:       cfg.Dispatch.ErrorSample,
		RatePerMin:        float64(cfg.Dispatch.RatePerMin),
	}, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	interval, err := config.ParseDurationOrDefault("broadcast.poll_interval", cfg.Broadcast.PollInterval, 0)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		Enabled:      cfg.Broadcast.Enabled,
		PollInterval: interval,
	}, nil
}

func mapSourcesConfig(cfg *config.Config) (source.RefresherConfig, string, error) {
	timeout, err := config.ParseDurationOrDefault("sources.fetch_timeout", cfg.Sources.FetchTimeout, 0)
	if err != nil {
		return source.RefresherConfig{}, "", err
	}
	if cfg.Sources.FetchConcurrency < 0 {
		return source.RefresherConfig{}, "", fmt.Errorf("sources.fetch_concurrency must be >= 0")
	}
	spec := strings.TrimSpace(cfg.Sources.RefreshSpec)
	if spec == "" {
		spec = "@every 30m"
	}
	return source.RefresherConfig{
		FetchConcurrency: cfg.Sources.FetchConcurrency,
		FetchTimeout:     timeout,
	}, spec, nil
}
