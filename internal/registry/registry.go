package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xkilldash9x/scalpel-feeds/api/schemas"
	"github.com/xkilldash9x/scalpel-feeds/internal/feeds"
)

// Registry holds the feeds known to the process. It is built once at
// startup and handed to the scheduler; there is no package level instance.
type Registry struct {
	mu    sync.RWMutex
	feeds map[string]feeds.Runner
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{feeds: make(map[string]feeds.Runner)}
}

// Register adds a feed. Names must be unique and non-empty.
func (r *Registry) Register(feed feeds.Runner) error {
	def := feed.Definition()
	if def.Name == "" {
		return fmt.Errorf("feed has no name: %w", schemas.ErrValidation)
	}
	if def.Frequency <= 0 {
		return fmt.Errorf("feed %s has no frequency: %w", def.Name, schemas.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.feeds[def.Name]; exists {
		return fmt.Errorf("feed %s: %w", def.Name, schemas.ErrAlreadyExists)
	}
	r.feeds[def.Name] = feed
	return nil
}

// Get returns the feed registered under name.
func (r *Registry) Get(name string) (feeds.Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	feed, ok := r.feeds[name]
	if !ok {
		return nil, fmt.Errorf("feed %s: %w", name, schemas.ErrNotFound)
	}
	return feed, nil
}

// All returns every registered feed ordered by name.
func (r *Registry) All() []feeds.Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]feeds.Runner, 0, len(r.feeds))
	for _, feed := range r.feeds {
		out = append(out, feed)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Definition().Name < out[j].Definition().Name })
	return out
}

// Names returns the registered feed names in order.
func (r *Registry) Names() []string {
	all := r.All()
	names := make([]string, len(all))
	for i, feed := range all {
		names[i] = feed.Definition().Name
	}
	return names
}

// Len reports the number of registered feeds.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.feeds)
}
