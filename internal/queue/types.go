// Package queue implements named job queues with bounded worker pools,
// retry with exponential backoff, repeatable (cron) jobs, and bounded
// retention of finished jobs for diagnostics.
package queue

import (
	"context"
	"time"
)

// Config controls a single named queue.
type Config struct {
	Concurrency int
	QueueSize   int

	// RatePerSec gates job starts across all workers of the queue.
	// <= 0 applies the default (10/s).
	RatePerSec float64

	// Attempts is the total number of execution attempts (1 initial + retries).
	Attempts int

	// BackoffBase is the delay before the first retry; each further retry
	// doubles it, capped at BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// DefaultTimeout bounds a single handler execution. 0 means no timeout.
	DefaultTimeout time.Duration

	Completed RetentionConfig
	Failed    RetentionConfig
}

// RetentionConfig bounds how long finished job records are kept.
type RetentionConfig struct {
	Count int
	Age   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.Completed.Count <= 0 {
		c.Completed.Count = 100
	}
	if c.Completed.Age <= 0 {
		c.Completed.Age = 24 * time.Hour
	}
	if c.Failed.Count <= 0 {
		c.Failed.Count = 500
	}
	if c.Failed.Age <= 0 {
		c.Failed.Age = 7 * 24 * time.Hour
	}
	return c
}

// Handler executes one job. The job's Attempt/MaxAttempts tell the handler
// where it is in the retry cycle.
type Handler func(ctx context.Context, job *Job) error

// Job is a unit of work flowing through a queue.
type Job struct {
	ID          string
	Queue       string
	Name        string
	Payload     any
	Attempt     int
	MaxAttempts int
	EnqueuedAt  time.Time

	progress func(pct int, note string)
}

// ReportProgress surfaces intermediate progress to the observer and event
// bus. Safe to call from handler goroutines; no-op when nothing listens.
func (j *Job) ReportProgress(pct int, note string) {
	if j == nil || j.progress == nil {
		return
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	j.progress(pct, note)
}

// Handle identifies an accepted job (or a registered repeat).
type Handle struct {
	ID    string
	Queue string
	Name  string
}

// JobEvent describes a lifecycle transition of a job.
type JobEvent struct {
	ID         string        `json:"id"`
	Queue      string        `json:"queue"`
	Name       string        `json:"name"`
	Enqueued   time.Time     `json:"enqueued"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Progress   int           `json:"progress,omitempty"`
	Note       string        `json:"note,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Observer receives terminal and progress notifications for jobs.
// All methods are called sequentially per job but possibly concurrently
// across jobs; implementations must be safe for concurrent use.
type Observer interface {
	OnCompleted(ev JobEvent)
	OnFailed(ev JobEvent)
	OnProgress(ev JobEvent)
}

// FinishedJob is a retained record of a terminal job.
type FinishedJob struct {
	ID         string
	Name       string
	FinishedAt time.Time
	Duration   time.Duration
	Attempts   int
	Error      string
}

// Snapshot is a point-in-time diagnostic view of a queue.
type Snapshot struct {
	Name        string
	Concurrency int
	QueueLen    int
	QueueCap    int
	Paused      bool
	InFlight    int
	Repeats     int
	Completed   []FinishedJob
	Failed      []FinishedJob

	EnqueuedTotal  uint64
	CompletedTotal uint64
	FailedTotal    uint64
	DroppedFull    uint64
}
