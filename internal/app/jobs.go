package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"newscast/internal/podcast"
	"newscast/internal/queue"
	kit "newscast/internal/transport"
	logx "newscast/pkg/logx"
)

// Job names. Payload for the user-scoped jobs is the recipient's int64 ID.
const (
	JobPodcastGenerate = "podcast.generate"
	JobDigestSend      = "digest.send"
	JobSourceRefresh   = "source.refresh"
	JobQueuePrune      = "queue.prune"
)

const pruneSpec = "@every 10m"

func userIDPayload(p any) (int64, error) {
	switch v := p.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("payload: want user id, got %T", p)
	}
}

func (a *App) registerJobs() error {
	podcasts, err := a.queues.Queue(QueuePodcasts)
	if err != nil {
		return err
	}
	notifications, err := a.queues.Queue(QueueNotifications)
	if err != nil {
		return err
	}
	ingest, err := a.queues.Queue(QueueIngest)
	if err != nil {
		return err
	}

	podcasts.HandleFunc(JobPodcastGenerate, func(ctx context.Context, job *queue.Job) error {
		userID, err := userIDPayload(job.Payload)
		if err != nil {
			return queue.NoRetry(err)
		}
		return podcastJobError(a.podcasts.Generate(ctx, userID, job.ReportProgress))
	})

	notifications.HandleFunc(JobDigestSend, func(ctx context.Context, job *queue.Job) error {
		userID, err := userIDPayload(job.Payload)
		if err != nil {
			return queue.NoRetry(err)
		}
		return a.sendDigest(ctx, userID)
	})

	ingest.HandleFunc(JobSourceRefresh, func(ctx context.Context, _ *queue.Job) error {
		return a.refresher.Refresh(ctx)
	})
	ingest.HandleFunc(JobQueuePrune, func(_ context.Context, _ *queue.Job) error {
		a.queues.Prune(time.Now())
		return nil
	})
	return nil
}

// podcastJobError keeps pipeline-fatal failures out of the retry loop: the
// service has already moved the podcast to a terminal state, and another
// attempt would create a fresh row and re-run the whole generation.
func podcastJobError(err error) error {
	var fatal *podcast.FatalError
	if errors.As(err, &fatal) {
		return queue.NoRetry(err)
	}
	return err
}

// sendDigest delivers every article the user has not seen yet, newest first,
// and marks the delivered ones so the next digest starts after them.
func (a *App) sendDigest(ctx context.Context, userID int64) error {
	since := time.Now().Add(-a.digestWindow)
	articles, err := a.selector.ForDigest(ctx, userID, since)
	if err != nil {
		return err
	}
	if len(articles) == 0 {
		return a.dispatcher.SendMessage(ctx, userID, "No new articles since your last digest.", "")
	}

	delivered := make([]int64, 0, len(articles))
	for _, art := range articles {
		if err := a.dispatcher.SendArticle(ctx, userID, art, ""); err != nil {
			a.log.Warn("digest article not delivered",
				logx.Int64("user_id", userID), logx.Int64("article_id", art.ID), logx.Err(err))
			continue
		}
		delivered = append(delivered, art.ID)
	}
	if len(delivered) == 0 {
		return fmt.Errorf("digest: none of %d articles delivered", len(articles))
	}
	return a.store.MarkDelivered(ctx, userID, delivered)
}

// dispatchUpdates is the enqueue surface for chat input. The conversation/menu
// layer lives outside this process; here plain commands map straight to jobs.
func (a *App) dispatchUpdates(ctx context.Context, updates <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			a.handleUpdate(ctx, up)
		}
	}
}

func (a *App) handleUpdate(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	cmd := strings.ToLower(strings.TrimSpace(msg.Text))
	if i := strings.IndexAny(cmd, " @"); i > 0 {
		cmd = cmd[:i]
	}

	switch cmd {
	case "/start", "/help":
		a.reply(ctx, msg.ChatID,
			"Commands:\n/podcast — generate your personalized news podcast\n/digest — send your unread articles")
	case "/podcast":
		a.enqueueFor(ctx, msg.ChatID, QueuePodcasts, JobPodcastGenerate,
			"Your podcast is being prepared.")
	case "/digest":
		a.enqueueFor(ctx, msg.ChatID, QueueNotifications, JobDigestSend,
			"Your digest is on the way.")
	default:
		a.log.Debug("unhandled message", logx.Int64("chat_id", msg.ChatID))
	}
}

func (a *App) enqueueFor(ctx context.Context, userID int64, queueName, job, ack string) {
	q, err := a.queues.Queue(queueName)
	if err != nil {
		a.log.Error("queue missing", logx.String("queue", queueName), logx.Err(err))
		return
	}
	if _, err := q.Enqueue(ctx, job, userID); err != nil {
		a.log.Warn("enqueue failed",
			logx.String("job", job), logx.Int64("user_id", userID), logx.Err(err))
		a.reply(ctx, userID, "Busy right now, try again in a minute.")
		return
	}
	a.reply(ctx, userID, ack)
}

func (a *App) reply(ctx context.Context, chatID int64, text string) {
	if err := a.dispatcher.SendMessage(ctx, chatID, text, ""); err != nil {
		a.log.Warn("reply not delivered", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

// logObserver mirrors queue results into the log at stable levels so failed
// jobs are visible without subscribing to the bus.
type logObserver struct {
	log logx.Logger
}

func (o logObserver) OnCompleted(ev queue.JobEvent) {
	o.log.Debug("job completed",
		logx.String("queue", ev.Queue), logx.String("job", ev.Name),
		logx.String("id", ev.ID), logx.Duration("took", ev.Duration))
}

func (o logObserver) OnFailed(ev queue.JobEvent) {
	o.log.Warn("job failed",
		logx.String("queue", ev.Queue), logx.String("job", ev.Name),
		logx.String("id", ev.ID), logx.Int("attempts", ev.Attempts),
		logx.String("err", ev.Error))
}

func (o logObserver) OnProgress(ev queue.JobEvent) {
	o.log.Debug("job progress",
		logx.String("queue", ev.Queue), logx.String("job", ev.Name),
		logx.String("id", ev.ID), logx.Int("pct", ev.Progress),
		logx.String("note", ev.Note))
}
