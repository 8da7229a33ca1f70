// Package dispatch delivers outbound messages through a transport adapter,
// classifying platform failures and applying the throttling policy: blocked
// or malformed sends fail immediately, a throttled send gets exactly one
// retry after a fixed cooldown.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"newscast/internal/store"
	"newscast/internal/transport"
	logx "newscast/pkg/logx"
)

const (
	defaultBulkDelay   = 50 * time.Millisecond
	defaultCooldown    = time.Second
	defaultErrorSample = 10
	defaultRatePerMin  = 20

	// Telegram photo caption ceiling.
	captionLimit = 1024
)

type Config struct {
	// BulkDelay is the pause between consecutive sends in SendBulk.
	BulkDelay time.Duration
	// RateLimitCooldown is the fixed wait before the single 429 retry.
	RateLimitCooldown time.Duration
	// ErrorSample caps the per-recipient errors kept in a bulk Result.
	ErrorSample int
	// RatePerMin throttles audio uploads, the path the platform rate-limits
	// hardest. Text sends pace themselves with BulkDelay and the 429
	// cooldown instead.
	RatePerMin float64
}

func (c Config) withDefaults() Config {
	if c.BulkDelay <= 0 {
		c.BulkDelay = defaultBulkDelay
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = defaultCooldown
	}
	if c.ErrorSample <= 0 {
		c.ErrorSample = defaultErrorSample
	}
	if c.RatePerMin <= 0 {
		c.RatePerMin = defaultRatePerMin
	}
	return c
}

// Sender is the transport surface the dispatcher needs.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	SendPhoto(ctx context.Context, to transport.ChatTarget, photoURL, caption string, opt *transport.SendOptions) (transport.MessageRef, error)
	SendAudio(ctx context.Context, to transport.ChatTarget, audio transport.Audio, opt *transport.SendOptions) (transport.MessageRef, error)
}

// Result summarizes a bulk delivery. Per-recipient failures never fail the
// batch; they are counted and sampled here.
type Result struct {
	Sent   int
	Failed int
	Errors []string
}

type Dispatcher struct {
	sender  Sender
	cfg     Config
	log     logx.Logger
	limiter *rate.Limiter

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(sender Sender, cfg Config, log logx.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		sender:  sender,
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerMin/60.0), 1),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// SendMessage delivers plain text to one recipient.
func (d *Dispatcher) SendMessage(ctx context.Context, recipientID int64, text, mode string) error {
	return d.sendOnce(ctx, recipientID, func(ctx context.Context) error {
		_, err := d.sender.SendText(ctx, transport.ChatTarget{ChatID: recipientID}, text, &transport.SendOptions{ParseMode: mode})
		return err
	})
}

// SendMessageWithMedia delivers text with an attached photo and an optional
// link button.
func (d *Dispatcher) SendMessageWithMedia(ctx context.Context, recipientID int64, text, mediaURL, linkURL, mode string) error {
	return d.sendOnce(ctx, recipientID, func(ctx context.Context) error {
		opt := &transport.SendOptions{ParseMode: mode, LinkURL: linkURL}
		to := transport.ChatTarget{ChatID: recipientID}
		if strings.TrimSpace(mediaURL) == "" {
			_, err := d.sender.SendText(ctx, to, text, opt)
			return err
		}
		_, err := d.sender.SendPhoto(ctx, to, mediaURL, text, opt)
		return err
	})
}

// SendAudio delivers a finished audio artifact to one recipient. Uploads go
// through the worker-level limiter.
func (d *Dispatcher) SendAudio(ctx context.Context, recipientID int64, audio transport.Audio) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	return d.sendOnce(ctx, recipientID, func(ctx context.Context) error {
		_, err := d.sender.SendAudio(ctx, transport.ChatTarget{ChatID: recipientID}, audio, nil)
		return err
	})
}

// SendArticle formats one article for chat: bold title, content truncated at
// a sentence boundary, a "Read more" button, and the photo when provided.
func (d *Dispatcher) SendArticle(ctx context.Context, recipientID int64, a store.Article, imageURL string) error {
	body := truncateAtSentence(strings.TrimSpace(a.Content), captionLimit-utf8.RuneCountInString(a.Title)-2)
	text := "*" + a.Title + "*"
	if body != "" {
		text += "\n\n" + body
	}
	return d.SendMessageWithMedia(ctx, recipientID, text, imageURL, a.URL, "Markdown")
}

// sendOnce runs one classified send: immediate failure for blocked/bad
// recipients, one fixed-cooldown retry for throttling.
func (d *Dispatcher) sendOnce(ctx context.Context, recipientID int64, send func(ctx context.Context) error) error {
	err := send(ctx)
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, transport.ErrRecipientBlocked):
		d.log.Debug("recipient unreachable", logx.Int64("recipient", recipientID))
		return err
	case errors.Is(err, transport.ErrBadRequest):
		d.log.Warn("send rejected as bad request", logx.Int64("recipient", recipientID), logx.Err(err))
		return err
	}

	if _, ok := transport.IsRateLimited(err); ok {
		d.log.Debug("throttled, retrying once",
			logx.Int64("recipient", recipientID),
			logx.Duration("cooldown", d.cfg.RateLimitCooldown),
		)
		if serr := d.sleep(ctx, d.cfg.RateLimitCooldown); serr != nil {
			return serr
		}
		err = send(ctx)
		if err == nil {
			return nil
		}
		if _, again := transport.IsRateLimited(err); again {
			return fmt.Errorf("still rate limited after cooldown: %w", err)
		}
		return err
	}

	return err
}

// SendBulk delivers text (optionally with media) to every recipient in order.
// Strictly sequential with a fixed inter-message delay; individual failures
// never abort the batch. Cancellation stops before the next recipient.
func (d *Dispatcher) SendBulk(ctx context.Context, recipientIDs []int64, text, mediaURL string) Result {
	var res Result
	for i, id := range recipientIDs {
		if ctx.Err() != nil {
			d.log.Warn("bulk send cancelled",
				logx.Int("sent", res.Sent), logx.Int("failed", res.Failed),
				logx.Int("remaining", len(recipientIDs)-i),
			)
			break
		}
		if i > 0 {
			if err := d.sleep(ctx, d.cfg.BulkDelay); err != nil {
				break
			}
		}

		err := d.SendMessageWithMedia(ctx, id, text, mediaURL, "", "")
		if err != nil {
			res.Failed++
			if len(res.Errors) < d.cfg.ErrorSample {
				res.Errors = append(res.Errors, fmt.Sprintf("recipient %d: %v", id, err))
			}
			continue
		}
		res.Sent++
	}

	d.log.Info("bulk send finished",
		logx.Int("recipients", len(recipientIDs)),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
	)
	return res
}

// truncateAtSentence shortens s to at most limit runes, preferring to end at
// the last sentence terminator within the limit. Falls back to a hard cut
// with an ellipsis when no terminator exists.
func truncateAtSentence(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	cut := rs[:limit]
	for i := len(cut) - 1; i >= 0; i-- {
		switch cut[i] {
		case '.', '!', '?':
			return strings.TrimSpace(string(cut[:i+1]))
		}
	}
	return strings.TrimSpace(string(cut[:limit-1])) + "…"
}
