// Package broadcast executes scheduled broadcasts: a poll loop claims due
// rows and hands them to the dispatcher. The claim is a compare-and-set so
// overlapping pollers (or a restart mid-send) never double-deliver.
package broadcast

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"newscast/internal/dispatch"
	rtsup "newscast/internal/runtime/supervisor"
	"newscast/internal/store"
	logx "newscast/pkg/logx"
)

const defaultPollInterval = 60 * time.Second

// Store is the persistence surface the processor needs.
type Store interface {
	DueBroadcasts(ctx context.Context, now time.Time) ([]store.ScheduledBroadcast, error)
	ClaimBroadcast(ctx context.Context, id string) (bool, error)
	FinishBroadcast(ctx context.Context, id string, status store.BroadcastStatus) error
	RecipientIDs(ctx context.Context) ([]int64, error)
}

// BulkSender delivers one broadcast to a recipient list.
type BulkSender interface {
	SendBulk(ctx context.Context, recipientIDs []int64, text, mediaURL string) dispatch.Result
}

type Config struct {
	Enabled      bool
	PollInterval time.Duration
}

type Processor struct {
	cfg    Config
	store  Store
	sender BulkSender
	log    logx.Logger

	mu       sync.Mutex
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
}

func NewProcessor(cfg Config, st Store, sender BulkSender, log logx.Logger) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Processor{cfg: cfg, store: st, sender: sender, log: log}
}

func (p *Processor) Start(ctx context.Context) {
	if !p.cfg.Enabled {
		p.log.Debug("broadcast processor disabled")
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh != nil {
		p.mu.Unlock()
		return
	}
	p.stopCh = make(chan struct{})
	p.stopDone = nil
	stopCh := p.stopCh
	p.sup = rtsup.New(ctx,
		rtsup.WithLogger(p.log.With(logx.String("comp", "broadcast"))),
		rtsup.WithCancelOnError(false),
	)
	sup := p.sup
	p.mu.Unlock()

	// An in-flight send must finish even while Stop is cancelling the loop.
	procCtx := context.WithoutCancel(ctx)

	sup.GoRestart("poll", func(c context.Context) error {
		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()

		p.ProcessDue(procCtx, time.Now())
		for {
			select {
			case <-c.Done():
				return context.Canceled
			case <-stopCh:
				return context.Canceled
			case now := <-ticker.C:
				p.ProcessDue(procCtx, now)
			}
		}
	},
		rtsup.WithPublishFirstError(true),
	)

	p.log.Info("broadcast processor started", logx.Duration("poll", p.cfg.PollInterval))
}

func (p *Processor) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	p.stopDone = done
	close(p.stopCh)
	sup := p.sup
	p.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}
	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		p.mu.Lock()
		p.stopCh = nil
		p.stopDone = nil
		p.sup = nil
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("broadcast processor stopped")
	case <-ctx.Done():
		p.log.Warn("broadcast processor stop timed out", logx.Err(ctx.Err()))
	}
}

// ProcessDue runs one poll iteration: every due broadcast is claimed and
// sent. Rows another poller claimed first are skipped silently.
func (p *Processor) ProcessDue(ctx context.Context, now time.Time) {
	due, err := p.store.DueBroadcasts(ctx, now)
	if err != nil {
		p.log.Warn("list due broadcasts", logx.Err(err))
		return
	}
	for _, b := range due {
		p.processOne(ctx, b)
	}
}

func (p *Processor) processOne(ctx context.Context, b store.ScheduledBroadcast) {
	log := p.log.With(logx.String("broadcast", b.ID), logx.String("target", b.Target))

	claimed, err := p.store.ClaimBroadcast(ctx, b.ID)
	if err != nil {
		log.Warn("claim broadcast", logx.Err(err))
		return
	}
	if !claimed {
		log.Debug("broadcast already claimed")
		return
	}

	recipients, err := p.resolveTarget(ctx, b.Target)
	if err != nil {
		log.Warn("resolve target", logx.Err(err))
		p.finish(ctx, log, b.ID, store.BroadcastFailed)
		return
	}

	res := p.sender.SendBulk(ctx, recipients, b.Text, b.MediaURL)
	status := store.BroadcastFailed
	if res.Sent > 0 {
		status = store.BroadcastSent
	}
	log.Info("broadcast processed",
		logx.Int("recipients", len(recipients)),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.String("status", string(status)),
	)
	if len(res.Errors) > 0 {
		log.Debug("broadcast error sample", logx.Any("errors", res.Errors))
	}
	p.finish(ctx, log, b.ID, status)
}

func (p *Processor) finish(ctx context.Context, log logx.Logger, id string, status store.BroadcastStatus) {
	if err := p.store.FinishBroadcast(ctx, id, status); err != nil {
		log.Warn("finish broadcast", logx.Err(err))
	}
}

// resolveTarget expands a target expression into recipient IDs:
// "all" fans out to every known recipient, "user:<id>" to one.
func (p *Processor) resolveTarget(ctx context.Context, target string) ([]int64, error) {
	target = strings.TrimSpace(target)
	switch {
	case target == "" || target == "all":
		return p.store.RecipientIDs(ctx)
	case strings.HasPrefix(target, "user:"):
		id, err := strconv.ParseInt(strings.TrimPrefix(target, "user:"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad user target %q: %w", target, err)
		}
		return []int64{id}, nil
	default:
		return nil, fmt.Errorf("unknown target %q", target)
	}
}
