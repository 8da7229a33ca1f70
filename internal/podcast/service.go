package podcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"newscast/internal/genai"
	"newscast/internal/selector"
	"newscast/internal/store"
	"newscast/internal/transport"
	logx "newscast/pkg/logx"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	ActiveSubscriptions(ctx context.Context, userID int64) ([]store.Subscription, error)
	TopicByID(ctx context.Context, id int64) (store.Topic, error)
	CreatePodcast(ctx context.Context, p store.Podcast) error
	SetPodcastArticles(ctx context.Context, id string, articleIDs []int64) error
	SetPodcastStatus(ctx context.Context, id string, status store.PodcastStatus, fileURL string) error
	DeletePodcast(ctx context.Context, id string) error
}

// Generator is the generative backend (text + speech).
type Generator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
	StreamSpeech(ctx context.Context, req genai.SpeechRequest, fn func(pcm []byte) error) error
}

// Transcoder converts raw PCM into the deliverable format.
type Transcoder interface {
	Transcode(ctx context.Context, pcm []byte) ([]byte, error)
}

// ContentStorage persists the finished episode and returns its locator.
type ContentStorage interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// Selector picks the episode's articles.
type Selector interface {
	ForPodcast(ctx context.Context, subs []store.Subscription, maxArticles int) ([]store.Article, error)
}

// Notifier delivers the episode (or the "nothing new" note) to the user.
type Notifier interface {
	SendMessage(ctx context.Context, recipientID int64, text, mode string) error
	SendAudio(ctx context.Context, recipientID int64, audio transport.Audio) error
}

type Config struct {
	MaxArticles     int
	PromptCharLimit int
}

func (c Config) withDefaults() Config {
	if c.MaxArticles <= 0 {
		c.MaxArticles = selector.DefaultMaxArticles
	}
	if c.PromptCharLimit <= 0 {
		c.PromptCharLimit = PromptCharLimit
	}
	return c
}

// Service runs the full episode pipeline for one user.
type Service struct {
	cfg      Config
	store    Store
	selector Selector
	gen      Generator
	trans    Transcoder
	content  ContentStorage
	notify   Notifier
	log      logx.Logger
}

func NewService(cfg Config, st Store, sel Selector, gen Generator, trans Transcoder, content ContentStorage, notify Notifier, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		store:    st,
		selector: sel,
		gen:      gen,
		trans:    trans,
		content:  content,
		notify:   notify,
		log:      log,
	}
}

// Generate produces and delivers one episode for userID. progress may be nil.
//
// The podcast row moves PENDING→GENERATING→READY on success. Any error in
// generation, transcoding or storage marks it FAILED (terminal) and is
// returned to the caller; failures are surfaced, not retried into a
// different outcome. An empty selection is not a failure: the pending row is
// removed, the user is told there is nothing new, and Generate returns nil.
func (s *Service) Generate(ctx context.Context, userID int64, progress func(pct int, note string)) error {
	report := func(pct int, note string) {
		if progress != nil {
			progress(pct, note)
		}
	}

	p := store.Podcast{
		ID:     uuid.NewString(),
		UserID: userID,
		Status: store.PodcastPending,
	}
	if err := s.store.CreatePodcast(ctx, p); err != nil {
		return fmt.Errorf("create podcast: %w", err)
	}
	log := s.log.With(logx.String("podcast", p.ID), logx.Int64("user", userID))
	report(5, "created")

	subs, err := s.store.ActiveSubscriptions(ctx, userID)
	if err != nil {
		return s.fail(ctx, log, p.ID, fmt.Errorf("load subscriptions: %w", err))
	}
	articles, err := s.selector.ForPodcast(ctx, subs, s.cfg.MaxArticles)
	if err != nil {
		return s.fail(ctx, log, p.ID, fmt.Errorf("select articles: %w", err))
	}
	if len(articles) == 0 {
		// Nothing new is a clean outcome, not a failed podcast.
		if err := s.store.DeletePodcast(ctx, p.ID); err != nil {
			log.Warn("delete empty podcast", logx.Err(err))
		}
		if err := s.notify.SendMessage(ctx, userID, "No new articles in your topics right now. Try again later.", ""); err != nil {
			log.Warn("no-content notice not delivered", logx.Err(err))
		}
		log.Info("podcast skipped: no content")
		return nil
	}

	ids := make([]int64, len(articles))
	for i, a := range articles {
		ids[i] = a.ID
	}
	if err := s.store.SetPodcastArticles(ctx, p.ID, ids); err != nil {
		return s.fail(ctx, log, p.ID, fmt.Errorf("record articles: %w", err))
	}
	if err := s.store.SetPodcastStatus(ctx, p.ID, store.PodcastGenerating, ""); err != nil {
		return s.fail(ctx, log, p.ID, fmt.Errorf("mark generating: %w", err))
	}
	report(20, "articles selected")

	script, err := s.buildScript(ctx, articles)
	if err != nil {
		return s.fail(ctx, log, p.ID, err)
	}
	report(45, "script ready")

	pcm, err := s.SynthesizeAudio(ctx, script)
	if err != nil {
		return s.fail(ctx, log, p.ID, err)
	}
	report(70, "speech synthesized")

	mp3, err := s.trans.Transcode(ctx, pcm)
	if err != nil {
		return s.fail(ctx, log, p.ID, fmt.Errorf("transcode: %w", err))
	}
	report(85, "transcoded")

	loc, err := s.content.Put(ctx, p.ID+".mp3", mp3)
	if err != nil {
		return s.fail(ctx, log, p.ID, fmt.Errorf("store episode: %w", err))
	}
	if err := s.store.SetPodcastStatus(ctx, p.ID, store.PodcastReady, loc); err != nil {
		return s.fail(ctx, log, p.ID, fmt.Errorf("mark ready: %w", err))
	}
	report(95, "stored")

	audio := transport.Audio{
		Data:     mp3,
		FileName: "newscast-" + time.Now().Format("2006-01-02") + ".mp3",
		Title:    "Your news podcast",
		MIME:     "audio/mpeg",
	}
	if err := s.notify.SendAudio(ctx, userID, audio); err != nil {
		// The episode is READY and stored; delivery failing does not unmake
		// it, and regenerating from scratch would not help either.
		log.Warn("episode ready but not delivered", logx.Err(err))
		return &FatalError{Err: fmt.Errorf("deliver episode: %w", err)}
	}

	log.Info("podcast delivered", logx.Int("articles", len(articles)), logx.Int("mp3_bytes", len(mp3)))
	report(100, "delivered")
	return nil
}

// FatalError marks a pipeline failure whose podcast row already reached a
// terminal state. Running the pipeline again would mint a fresh row and
// re-run the whole generation, so callers must not retry it.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func (s *Service) fail(ctx context.Context, log logx.Logger, id string, cause error) error {
	if err := s.store.SetPodcastStatus(ctx, id, store.PodcastFailed, ""); err != nil && !errors.Is(err, store.ErrPodcastTerminal) {
		log.Warn("mark failed", logx.Err(err))
	}
	log.Warn("podcast failed", logx.Err(cause))
	return &FatalError{Err: cause}
}

// buildScript groups the articles by topic and asks the model for a
// validated two-speaker dialogue.
func (s *Service) buildScript(ctx context.Context, articles []store.Article) (Script, error) {
	order := []int64{}
	byTopic := map[int64][]SourceArticle{}
	for _, a := range articles {
		if _, ok := byTopic[a.TopicID]; !ok {
			order = append(order, a.TopicID)
		}
		byTopic[a.TopicID] = append(byTopic[a.TopicID], SourceArticle{Title: a.Title, Content: a.Content})
	}

	groups := make([]TopicArticles, 0, len(order))
	for _, topicID := range order {
		name := fmt.Sprintf("Topic %d", topicID)
		if t, err := s.store.TopicByID(ctx, topicID); err == nil {
			name = t.Name
		}
		groups = append(groups, TopicArticles{Topic: name, Articles: byTopic[topicID]})
	}

	raw, err := s.gen.GenerateText(ctx, buildPrompt(groups, s.cfg.PromptCharLimit))
	if err != nil {
		return Script{}, fmt.Errorf("%w: %v", ErrScriptGeneration, err)
	}
	return ParseScript(raw)
}

// SynthesizeAudio streams multi-speaker speech for the script and returns the
// concatenated PCM. Zero chunks is ErrEmptyAudio.
func (s *Service) SynthesizeAudio(ctx context.Context, script Script) ([]byte, error) {
	req := genai.SpeechRequest{
		Text: renderDialogue(script),
		Voices: []genai.SpeakerVoice{
			{Speaker: script.Speaker1, Voice: script.Speaker1},
			{Speaker: script.Speaker2, Voice: script.Speaker2},
		},
	}
	var pcm []byte
	err := s.gen.StreamSpeech(ctx, req, func(chunk []byte) error {
		pcm = append(pcm, chunk...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize speech: %w", err)
	}
	if len(pcm) == 0 {
		return nil, ErrEmptyAudio
	}
	return pcm, nil
}
