package config

import (
	"reflect"
	"sort"
	"strings"

	logx "newscast/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging (never includes secrets like tokens/api keys).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		(strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
		)
	}

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Queues (summarize only; per-queue details at debug)
	if qs := diffQueues(oldCfg.Queues, newCfg.Queues); len(qs) > 0 {
		changed = append(changed, "queues")
		attrs = append(attrs,
			logx.Int("queues.changed_count", len(qs)),
			logx.String("queues.changed", strings.Join(qs, ",")),
		)
	}

	// Podcast
	if !reflect.DeepEqual(oldCfg.Podcast, newCfg.Podcast) {
		changed = append(changed, "podcast")
		attrs = append(attrs,
			logx.Int("podcast.max_articles", newCfg.Podcast.MaxArticles),
			logx.String("podcast.recency_window", strings.TrimSpace(newCfg.Podcast.RecencyWindow)),
		)
	}

	// GenAI (never log api key)
	if strings.TrimSpace(oldCfg.GenAI.BaseURL) != strings.TrimSpace(newCfg.GenAI.BaseURL) ||
		oldCfg.GenAI.TextModel != newCfg.GenAI.TextModel ||
		oldCfg.GenAI.SpeechModel != newCfg.GenAI.SpeechModel ||
		strings.TrimSpace(oldCfg.GenAI.Timeout) != strings.TrimSpace(newCfg.GenAI.Timeout) ||
		(strings.TrimSpace(oldCfg.GenAI.APIKey) != "") != (strings.TrimSpace(newCfg.GenAI.APIKey) != "") {
		changed = append(changed, "genai")
		attrs = append(attrs,
			logx.String("genai.text_model", newCfg.GenAI.TextModel),
			logx.String("genai.speech_model", newCfg.GenAI.SpeechModel),
			logx.Bool("genai.api_key_set", strings.TrimSpace(newCfg.GenAI.APIKey) != ""),
		)
	}

	// Dispatch
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.bulk_delay", strings.TrimSpace(newCfg.Dispatch.BulkDelay)),
			logx.Int("dispatch.rate_per_min", newCfg.Dispatch.RatePerMin),
		)
	}

	// Broadcast
	if !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast) {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Bool("broadcast.enabled", newCfg.Broadcast.Enabled),
			logx.String("broadcast.poll_interval", strings.TrimSpace(newCfg.Broadcast.PollInterval)),
		)
	}

	// Sources
	if !reflect.DeepEqual(oldCfg.Sources, newCfg.Sources) {
		changed = append(changed, "sources")
		attrs = append(attrs,
			logx.Bool("sources.enabled", newCfg.Sources.Enabled),
			logx.String("sources.refresh_spec", strings.TrimSpace(newCfg.Sources.RefreshSpec)),
			logx.Int("sources.fetch_concurrency", newCfg.Sources.FetchConcurrency),
		)
	}

	// Content
	if !reflect.DeepEqual(oldCfg.Content, newCfg.Content) {
		changed = append(changed, "content")
		attrs = append(attrs, logx.Bool("content.dir_set", strings.TrimSpace(newCfg.Content.Dir) != ""))
	}

	sort.Strings(changed)
	return changed, attrs
}

func diffQueues(oldM, newM map[string]QueueConfig) []string {
	if oldM == nil {
		oldM = map[string]QueueConfig{}
	}
	if newM == nil {
		newM = map[string]QueueConfig{}
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		if !reflect.DeepEqual(oldM[name], newM[name]) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
