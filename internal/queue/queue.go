package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"newscast/internal/eventbus"
	rtsup "newscast/internal/runtime/supervisor"
	logx "newscast/pkg/logx"
)

const pruneEvery = time.Minute

// Queue is a named bounded job queue with its own worker pool.
type Queue struct {
	name string
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	obsMu    sync.RWMutex
	observer Observer

	mu       sync.Mutex
	q        chan *Job
	stopCh   chan struct{}
	stopDone chan struct{}
	sup      *rtsup.Supervisor
	cron     *cron.Cron

	parser cron.Parser

	repMu   sync.Mutex
	repeats map[string]cron.EntryID

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	pauseMu sync.Mutex
	paused  bool
	resumed chan struct{} // closed while dispatch is allowed

	limiter *rate.Limiter

	inFlight int32

	completed *ring
	failed    *ring

	enqueuedTotal  uint64
	completedTotal uint64
	failedTotal    uint64
	droppedFull    uint64
}

func newQueue(name string, cfg Config, log logx.Logger, bus eventbus.Bus) *Queue {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	resumed := make(chan struct{})
	close(resumed)
	return &Queue{
		name:     name,
		cfg:      cfg,
		log:      log.With(logx.String("queue", name)),
		bus:      bus,
		handlers: map[string]Handler{},
		// SecondOptional accepts both 5-field and 6-field cron specs;
		// Descriptor enables "@every 5m" and friends.
		parser:    cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		repeats:   map[string]cron.EntryID{},
		timers:    map[string]*time.Timer{},
		resumed:   resumed,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		completed: newRing(cfg.Completed),
		failed:    newRing(cfg.Failed),
	}
}

func (q *Queue) Name() string { return q.name }

// HandleFunc registers the handler executed for jobs enqueued under name.
// Re-registering replaces the previous handler.
func (q *Queue) HandleFunc(name string, h Handler) {
	q.handlersMu.Lock()
	q.handlers[name] = h
	q.handlersMu.Unlock()
}

func (q *Queue) handlerFor(name string) (Handler, bool) {
	q.handlersMu.RLock()
	h, ok := q.handlers[name]
	q.handlersMu.RUnlock()
	return h, ok
}

// SetObserver installs the terminal/progress observer. Only one observer is
// supported; pass nil to remove.
func (q *Queue) SetObserver(o Observer) {
	q.obsMu.Lock()
	q.observer = o
	q.obsMu.Unlock()
}

func (q *Queue) getObserver() Observer {
	q.obsMu.RLock()
	o := q.observer
	q.obsMu.RUnlock()
	return o
}

func (q *Queue) start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	if q.stopCh != nil {
		q.mu.Unlock()
		return
	}
	q.q = make(chan *Job, q.cfg.QueueSize)
	q.stopCh = make(chan struct{})
	q.stopDone = nil
	q.cron = cron.New(cron.WithParser(q.parser))
	q.cron.Start()
	q.sup = rtsup.New(ctx,
		rtsup.WithLogger(q.log.With(logx.String("comp", "queue"))),
		rtsup.WithCancelOnError(false),
	)
	sup := q.sup
	stopCh := q.stopCh
	jobs := q.q
	workers := q.cfg.Concurrency
	q.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		// Workers restart on panic or unexpected exit.
		sup.GoRestart(name, func(c context.Context) error {
			q.worker(c, stopCh, jobs, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	sup.Go0("retention.prune", func(c context.Context) {
		ticker := time.NewTicker(pruneEvery)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-stopCh:
				return
			case now := <-ticker.C:
				q.Prune(now)
			}
		}
	})

	q.log.Info("queue started",
		logx.Int("workers", workers),
		logx.Int("size", q.cfg.QueueSize),
		logx.Float64("rate_per_sec", q.cfg.RatePerSec),
	)
}

func (q *Queue) stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	if q.stopCh == nil {
		q.mu.Unlock()
		return
	}
	if q.stopDone != nil {
		done := q.stopDone
		q.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	q.stopDone = done
	close(q.stopCh)
	sup := q.sup
	cr := q.cron
	q.mu.Unlock()

	if cr != nil {
		// Stop triggering; running cron callbacks finish on their own.
		select {
		case <-cr.Stop().Done():
		case <-ctx.Done():
		}
	}

	q.timersMu.Lock()
	for _, t := range q.timers {
		t.Stop()
	}
	q.timers = map[string]*time.Timer{}
	q.timersMu.Unlock()

	q.repMu.Lock()
	q.repeats = map[string]cron.EntryID{}
	q.repMu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		q.mu.Lock()
		q.q = nil
		q.stopCh = nil
		q.stopDone = nil
		q.sup = nil
		q.cron = nil
		q.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		q.log.Info("queue stopped")
	case <-ctx.Done():
		q.log.Warn("queue stop timed out", logx.Err(ctx.Err()))
	}
}

// Pause holds back job starts without dropping queued work. Enqueue keeps
// accepting jobs while paused.
func (q *Queue) Pause() {
	q.pauseMu.Lock()
	if !q.paused {
		q.paused = true
		q.resumed = make(chan struct{})
		q.log.Info("queue paused")
	}
	q.pauseMu.Unlock()
}

// Resume releases workers held by Pause.
func (q *Queue) Resume() {
	q.pauseMu.Lock()
	if q.paused {
		q.paused = false
		close(q.resumed)
		q.log.Info("queue resumed")
	}
	q.pauseMu.Unlock()
}

func (q *Queue) Paused() bool {
	q.pauseMu.Lock()
	p := q.paused
	q.pauseMu.Unlock()
	return p
}

func (q *Queue) dispatchGate() <-chan struct{} {
	q.pauseMu.Lock()
	ch := q.resumed
	q.pauseMu.Unlock()
	return ch
}

// Enqueue accepts a job for immediate execution. Non-blocking: a full queue
// returns ErrQueueFull.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any) (Handle, error) {
	return q.submit(ctx, name, payload)
}

// EnqueueIn schedules a job to run after delay. A non-positive delay enqueues
// immediately.
func (q *Queue) EnqueueIn(ctx context.Context, name string, payload any, delay time.Duration) (Handle, error) {
	if delay <= 0 {
		return q.submit(ctx, name, payload)
	}
	if _, err := q.validate(name); err != nil {
		return Handle{}, err
	}

	handle := Handle{ID: uuid.NewString(), Queue: q.name, Name: name}
	q.timersMu.Lock()
	q.timers[handle.ID] = time.AfterFunc(delay, func() {
		q.timersMu.Lock()
		delete(q.timers, handle.ID)
		q.timersMu.Unlock()
		if _, err := q.submitWithID(handle.ID, name, payload); err != nil {
			q.log.Warn("delayed job not enqueued", logx.String("job", name), logx.Err(err))
		}
	})
	q.timersMu.Unlock()
	return handle, nil
}

// EnqueueAt schedules a job for an absolute time. Times in the past are
// rejected with ErrInvalidSchedule.
func (q *Queue) EnqueueAt(ctx context.Context, name string, payload any, at time.Time) (Handle, error) {
	now := time.Now()
	if at.Before(now) {
		return Handle{}, fmt.Errorf("%w: %s is in the past", ErrInvalidSchedule, at.Format(time.RFC3339))
	}
	return q.EnqueueIn(ctx, name, payload, at.Sub(now))
}

// EnqueueRepeat registers a recurring job. spec is a cron expression
// ("*/5 * * * *", "@hourly", "@every 55m") or a plain Go duration ("55m"),
// which is treated as an interval. Firings that find the queue full are
// dropped with a warning; the schedule keeps going.
func (q *Queue) EnqueueRepeat(ctx context.Context, name string, payload any, spec string) (Handle, error) {
	if _, err := q.validate(name); err != nil {
		return Handle{}, err
	}
	norm, err := normalizeSpec(spec)
	if err != nil {
		return Handle{}, err
	}
	if _, err := q.parser.Parse(norm); err != nil {
		return Handle{}, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, spec, err)
	}

	q.mu.Lock()
	cr := q.cron
	q.mu.Unlock()
	if cr == nil {
		return Handle{}, ErrStopped
	}

	handle := Handle{ID: uuid.NewString(), Queue: q.name, Name: name}
	entryID, err := cr.AddFunc(norm, func() {
		if _, err := q.submit(context.Background(), name, payload); err != nil {
			q.log.Warn("repeat firing not enqueued", logx.String("job", name), logx.Err(err))
		}
	})
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, spec, err)
	}

	q.repMu.Lock()
	q.repeats[handle.ID] = entryID
	q.repMu.Unlock()

	q.log.Info("repeat registered", logx.String("job", name), logx.String("spec", norm), logx.String("id", handle.ID))
	return handle, nil
}

// RemoveRepeat stops future firings of a recurring job. An execution already
// in flight is not cancelled.
func (q *Queue) RemoveRepeat(id string) error {
	q.repMu.Lock()
	entryID, ok := q.repeats[id]
	if ok {
		delete(q.repeats, id)
	}
	q.repMu.Unlock()
	if !ok {
		return fmt.Errorf("unknown repeat id %q", id)
	}

	q.mu.Lock()
	cr := q.cron
	q.mu.Unlock()
	if cr != nil {
		cr.Remove(entryID)
	}
	return nil
}

// normalizeSpec maps plain durations onto cron's @every form.
func normalizeSpec(spec string) (string, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return "", fmt.Errorf("%w: empty spec", ErrInvalidSchedule)
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return s, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return "", fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
		}
		return "@every " + d.String(), nil
	}
	return s, nil
}

func (q *Queue) validate(name string) (Handler, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("job name is required")
	}
	h, ok := q.handlerFor(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return h, nil
}

func (q *Queue) submit(_ context.Context, name string, payload any) (Handle, error) {
	return q.submitWithID(uuid.NewString(), name, payload)
}

func (q *Queue) submitWithID(id, name string, payload any) (Handle, error) {
	if _, err := q.validate(name); err != nil {
		return Handle{}, err
	}

	q.mu.Lock()
	jobs := q.q
	stopping := q.stopDone != nil
	q.mu.Unlock()

	if jobs == nil {
		return Handle{}, ErrStopped
	}
	if stopping {
		return Handle{}, ErrStopping
	}

	job := &Job{
		ID:          id,
		Queue:       q.name,
		Name:        name,
		Payload:     payload,
		MaxAttempts: q.cfg.Attempts,
		EnqueuedAt:  time.Now(),
	}
	job.progress = func(pct int, note string) { q.onProgress(job, pct, note) }

	select {
	case jobs <- job:
		atomic.AddUint64(&q.enqueuedTotal, 1)
		return Handle{ID: job.ID, Queue: q.name, Name: name}, nil
	default:
		atomic.AddUint64(&q.droppedFull, 1)
		return Handle{}, fmt.Errorf("%w: %s", ErrQueueFull, q.name)
	}
}

func (q *Queue) worker(ctx context.Context, stopCh <-chan struct{}, jobs chan *Job, idx int) {
	// Per-worker RNG keeps retry jitter off the global rand lock.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			// Pause gate: a dequeued job waits for Resume, it is not dropped.
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-q.dispatchGate():
			}
			if err := q.limiter.Wait(ctx); err != nil {
				return
			}
			atomic.AddInt32(&q.inFlight, 1)
			q.execOne(ctx, stopCh, job, rng)
			atomic.AddInt32(&q.inFlight, -1)
		}
	}
}

func (q *Queue) execOne(ctx context.Context, stopCh <-chan struct{}, job *Job, rng *rand.Rand) {
	start := time.Now()
	queueDelay := start.Sub(job.EnqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	handler, ok := q.handlerFor(job.Name)
	if !ok {
		// Handler was unregistered between enqueue and dispatch.
		q.finishFailed(job, start, queueDelay, 0, fmt.Errorf("%w: %q", ErrUnknownJob, job.Name))
		return
	}

	q.log.Debug("job.started", logx.String("job", job.Name), logx.String("id", job.ID), logx.Duration("queue_delay", queueDelay))
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: "job.started", Time: start, Data: JobEvent{
			ID: job.ID, Queue: q.name, Name: job.Name, Enqueued: job.EnqueuedAt, Started: start, QueueDelay: queueDelay,
		}})
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		job.Attempt = attempt

		runCtx := ctx
		var cancel func()
		if q.cfg.DefaultTimeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, q.cfg.DefaultTimeout)
		}
		// Panics become errors so one bad job cannot take a worker down.
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					q.log.Error("job.panic", logx.String("job", job.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			err = handler(runCtx, job)
		}()
		if cancel != nil {
			cancel()
		}
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelay(q.cfg, attempt, rng)
		q.log.Debug("job retry scheduled",
			logx.String("job", job.Name), logx.String("id", job.ID),
			logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err),
		)
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			if !tmr.Stop() {
				<-tmr.C
			}
			err = errors.New("queue stopped during retry wait")
			break attemptLoop
		case <-tmr.C:
		}
	}

	if err != nil {
		q.finishFailed(job, start, queueDelay, attempts, err)
		return
	}
	q.finishCompleted(job, start, queueDelay, attempts)
}

func (q *Queue) finishCompleted(job *Job, start time.Time, queueDelay time.Duration, attempts int) {
	dur := time.Since(start)
	now := time.Now()
	atomic.AddUint64(&q.completedTotal, 1)
	q.completed.add(FinishedJob{ID: job.ID, Name: job.Name, FinishedAt: now, Duration: dur, Attempts: attempts})

	if dur >= 750*time.Millisecond {
		q.log.Info("job.completed", logx.String("job", job.Name), logx.String("id", job.ID), logx.Duration("dur", dur), logx.Int("attempts", attempts))
	} else {
		q.log.Debug("job.completed", logx.String("job", job.Name), logx.String("id", job.ID), logx.Duration("dur", dur), logx.Int("attempts", attempts))
	}

	ev := JobEvent{ID: job.ID, Queue: q.name, Name: job.Name, Enqueued: job.EnqueuedAt, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: "job.completed", Time: now, Data: ev})
	}
	if o := q.getObserver(); o != nil {
		o.OnCompleted(ev)
	}
}

func (q *Queue) finishFailed(job *Job, start time.Time, queueDelay time.Duration, attempts int, err error) {
	dur := time.Since(start)
	now := time.Now()
	atomic.AddUint64(&q.failedTotal, 1)
	q.failed.add(FinishedJob{ID: job.ID, Name: job.Name, FinishedAt: now, Duration: dur, Attempts: attempts, Error: err.Error()})

	q.log.Warn("job.failed", logx.String("job", job.Name), logx.String("id", job.ID), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))

	ev := JobEvent{ID: job.ID, Queue: q.name, Name: job.Name, Enqueued: job.EnqueuedAt, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts, Error: err.Error()}
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: "job.failed", Time: now, Data: ev})
	}
	if o := q.getObserver(); o != nil {
		o.OnFailed(ev)
	}
}

func (q *Queue) onProgress(job *Job, pct int, note string) {
	ev := JobEvent{ID: job.ID, Queue: q.name, Name: job.Name, Enqueued: job.EnqueuedAt, Attempts: job.Attempt, Progress: pct, Note: note}
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: "job.progress", Time: time.Now(), Data: ev})
	}
	if o := q.getObserver(); o != nil {
		o.OnProgress(ev)
	}
}

// Prune applies retention limits to the finished-job rings.
func (q *Queue) Prune(now time.Time) {
	if now.IsZero() {
		now = time.Now()
	}
	dc := q.completed.prune(now)
	df := q.failed.prune(now)
	if dc+df > 0 {
		q.log.Debug("retention pruned", logx.Int("completed_dropped", dc), logx.Int("failed_dropped", df))
	}
}

// Snapshot returns a diagnostic view of the queue.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	jobs := q.q
	q.mu.Unlock()

	ql, qc := 0, 0
	if jobs != nil {
		ql = len(jobs)
		qc = cap(jobs)
	}

	q.repMu.Lock()
	reps := len(q.repeats)
	q.repMu.Unlock()

	return Snapshot{
		Name:           q.name,
		Concurrency:    q.cfg.Concurrency,
		QueueLen:       ql,
		QueueCap:       qc,
		Paused:         q.Paused(),
		InFlight:       int(atomic.LoadInt32(&q.inFlight)),
		Repeats:        reps,
		Completed:      q.completed.list(),
		Failed:         q.failed.list(),
		EnqueuedTotal:  atomic.LoadUint64(&q.enqueuedTotal),
		CompletedTotal: atomic.LoadUint64(&q.completedTotal),
		FailedTotal:    atomic.LoadUint64(&q.failedTotal),
		DroppedFull:    atomic.LoadUint64(&q.droppedFull),
	}
}

func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.BackoffBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.BackoffMax {
			d = cfg.BackoffMax
			break
		}
	}
	// 20% jitter avoids synchronized retries.
	if rng != nil {
		r := (rng.Float64()*2 - 1) * 0.2
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > cfg.BackoffMax {
		d = cfg.BackoffMax
	}
	return d
}
