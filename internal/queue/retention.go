package queue

import (
	"sync"
	"time"
)

// ring keeps the most recent finished jobs, bounded by count and age.
// Oldest entries go first.
type ring struct {
	mu       sync.Mutex
	items    []FinishedJob
	maxCount int
	maxAge   time.Duration
}

func newRing(cfg RetentionConfig) *ring {
	return &ring{maxCount: cfg.Count, maxAge: cfg.Age}
}

func (r *ring) add(item FinishedJob) {
	r.mu.Lock()
	r.items = append(r.items, item)
	if r.maxCount > 0 && len(r.items) > r.maxCount {
		r.items = r.items[len(r.items)-r.maxCount:]
	}
	r.mu.Unlock()
}

func (r *ring) prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	if r.maxAge > 0 {
		cutoff := now.Add(-r.maxAge)
		i := 0
		for i < len(r.items) && r.items[i].FinishedAt.Before(cutoff) {
			i++
		}
		if i > 0 {
			r.items = append(r.items[:0], r.items[i:]...)
			dropped += i
		}
	}
	if r.maxCount > 0 && len(r.items) > r.maxCount {
		n := len(r.items) - r.maxCount
		r.items = append(r.items[:0], r.items[n:]...)
		dropped += n
	}
	return dropped
}

func (r *ring) list() []FinishedJob {
	r.mu.Lock()
	out := make([]FinishedJob, len(r.items))
	copy(out, r.items)
	r.mu.Unlock()
	return out
}

func (r *ring) len() int {
	r.mu.Lock()
	n := len(r.items)
	r.mu.Unlock()
	return n
}
