// Package app wires configuration, storage, transport, queues, and the
// delivery services into one process with ordered startup and shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"newscast/internal/audio"
	"newscast/internal/broadcast"
	"newscast/internal/config"
	"newscast/internal/content"
	"newscast/internal/dispatch"
	"newscast/internal/eventbus"
	"newscast/internal/genai"
	"newscast/internal/podcast"
	"newscast/internal/queue"
	rtsup "newscast/internal/runtime/supervisor"
	"newscast/internal/selector"
	"newscast/internal/source"
	"newscast/internal/store"
	kit "newscast/internal/transport"
	"newscast/internal/transport/telegram"
	logx "newscast/pkg/logx"
)

// StopReason labels why the process is shutting down, for the final logs.
type StopReason string

const (
	StopSignal StopReason = "signal"
	StopFatal  StopReason = "fatal"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *store.DB
	adapter kit.Adapter

	queues     *queue.Manager
	selector   *selector.Selector
	dispatcher *dispatch.Dispatcher
	podcasts   *podcast.Service
	broadcasts *broadcast.Processor
	refresher  *source.Refresher

	digestWindow time.Duration
	refreshSpec  string
	ingestOn     bool

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logSvc.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	stCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(stCfg, logSvc.Logger().With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	queues := queue.NewManager(logSvc.Logger().With(logx.String("comp", "queue")), bus)
	qcfgs, err := mapQueueConfigs(cfg)
	if err != nil {
		return nil, err
	}
	for name, qc := range qcfgs {
		if _, err := queues.Add(name, qc); err != nil {
			return nil, err
		}
	}

	podCfg, window, err := mapPodcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	sel := selector.New(st, window, logSvc.Logger().With(logx.String("comp", "selector")))

	genCfg, err := mapGenAIConfig(cfg)
	if err != nil {
		return nil, err
	}
	gen, err := genai.New(genCfg, logSvc.Logger().With(logx.String("comp", "genai")))
	if err != nil {
		return nil, err
	}

	trans := audio.NewTranscoder(audio.Config{}, logSvc.Logger().With(logx.String("comp", "audio")))

	contentDir := strings.TrimSpace(cfg.Content.Dir)
	if contentDir == "" {
		contentDir = "./data/content"
	}
	files, err := content.NewDisk(contentDir, logSvc.Logger().With(logx.String("comp", "content")))
	if err != nil {
		return nil, err
	}

	dspCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	dsp := dispatch.New(ad, dspCfg, logSvc.Logger().With(logx.String("comp", "dispatch")))

	pods := podcast.NewService(podCfg, st, sel, gen, trans, files, dsp,
		logSvc.Logger().With(logx.String("comp", "podcast")))

	bcCfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	bc := broadcast.NewProcessor(bcCfg, st, dsp, logSvc.Logger().With(logx.String("comp", "broadcast")))

	srcCfg, refreshSpec, err := mapSourcesConfig(cfg)
	if err != nil {
		return nil, err
	}
	reg := source.NewRegistry()
	reg.Register("rss", source.NewRSS())
	refresher := source.NewRefresher(srcCfg, st, reg, logSvc.Logger().With(logx.String("comp", "source")))

	return &App{
		cfgPath:      cfgPath,
		cfgm:         cfgm,
		log:          log,
		logs:         logSvc,
		bus:          bus,
		store:        st,
		adapter:      ad,
		queues:       queues,
		selector:     sel,
		dispatcher:   dsp,
		podcasts:     pods,
		broadcasts:   bc,
		refresher:    refresher,
		digestWindow: window,
		refreshSpec:  refreshSpec,
		ingestOn:     cfg.Sources.Enabled,
		updates:      make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token is required")
		}
		if _, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 0); err != nil {
			return err
		}
		if _, err := mapStoreConfig(cfg); err != nil {
			return err
		}
		if _, err := mapQueueConfigs(cfg); err != nil {
			return err
		}
		if _, _, err := mapPodcastConfig(cfg); err != nil {
			return err
		}
		if _, err := mapGenAIConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapBroadcastConfig(cfg); err != nil {
			return err
		}
		_, _, err := mapSourcesConfig(cfg)
		return err
	})

	if err := a.registerJobs(); err != nil {
		return err
	}
	a.observeQueues()

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.queues.Start(a.sup.Context())
	a.broadcasts.Start(a.sup.Context())

	if err := a.scheduleRecurring(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("updates.dispatch", func(c context.Context) error {
		return a.dispatchUpdates(c, a.updates)
	})

	// Debug-level event mirror; components publish, nothing depends on it.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot reload fan-out. Queue topology and storage are fixed for the
	// process lifetime; logging applies live.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}

				a.logs.Apply(mapLoggingConfig(newCfg))
				for _, s := range sections {
					switch s {
					case "storage", "queues", "telegram", "genai":
						a.log.Warn("config section changed; restart required to take effect",
							logx.String("section", s))
					}
				}

				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) observeQueues() {
	for _, name := range []string{QueuePodcasts, QueueNotifications, QueueIngest} {
		q, err := a.queues.Queue(name)
		if err != nil {
			continue
		}
		q.SetObserver(logObserver{log: a.log.With(logx.String("comp", "queue"))})
	}
}

func (a *App) scheduleRecurring(ctx context.Context) error {
	ingest, err := a.queues.Queue(QueueIngest)
	if err != nil {
		return err
	}
	if a.ingestOn {
		if _, err := ingest.EnqueueRepeat(ctx, JobSourceRefresh, nil, a.refreshSpec); err != nil {
			return fmt.Errorf("schedule %s: %w", JobSourceRefresh, err)
		}
		a.log.Info("source refresh scheduled", logx.String("spec", a.refreshSpec))
	} else {
		a.log.Debug("source refresh disabled")
	}
	if _, err := ingest.EnqueueRepeat(ctx, JobQueuePrune, nil, pruneSpec); err != nil {
		return fmt.Errorf("schedule %s: %w", JobQueuePrune, err)
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("broadcast", 3*time.Second, func(c context.Context) error { a.broadcasts.Stop(c); return nil })
	step("queues", 5*time.Second, func(c context.Context) error { return a.queues.Shutdown(c) })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("store", 1*time.Second, func(_ context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
