// Package source pulls new articles from external feeds into the store.
// Source kinds are pluggable behind a registry and resolved when a fetch is
// dispatched, so disabling or swapping a kind needs no rewiring.
package source

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"newscast/internal/store"
)

// Source fetches articles from one feed URL.
type Source interface {
	Fetch(ctx context.Context, url string) ([]store.Article, error)
	Active() bool
}

// Registry maps source kinds ("rss") to implementations.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

func NewRegistry() *Registry {
	return &Registry{sources: map[string]Source{}}
}

func (r *Registry) Register(kind string, s Source) {
	r.mu.Lock()
	r.sources[kind] = s
	r.mu.Unlock()
}

// Resolve returns the implementation for kind, or an error when the kind is
// unknown or currently inactive.
func (r *Registry) Resolve(kind string) (Source, error) {
	r.mu.RLock()
	s, ok := r.sources[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("source: unknown kind %q", kind)
	}
	if !s.Active() {
		return nil, fmt.Errorf("source: kind %q is inactive", kind)
	}
	return s, nil
}

// SplitKind infers the source kind from a feed URL and returns the URL the
// underlying source should fetch. Plain web URLs are RSS; an explicit
// "<kind>+" scheme prefix overrides, e.g. "rss+https://example.com/feed".
func SplitKind(url string) (kind, fetchURL string) {
	url = strings.TrimSpace(url)
	if i := strings.Index(url, "://"); i > 0 {
		scheme := url[:i]
		if j := strings.Index(scheme, "+"); j > 0 {
			return scheme[:j], scheme[j+1:] + url[i:]
		}
	}
	return "rss", url
}
