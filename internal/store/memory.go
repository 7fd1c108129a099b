package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xkilldash9x/scalpel-feeds/api/schemas"
)

// MemoryStore keeps feed state in process memory. Watermarks are lost on
// exit, so it only suits one-shot runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]schemas.FeedState
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]schemas.FeedState)}
}

func (m *MemoryStore) EnsureFeed(ctx context.Context, name, description string, frequency time.Duration) (schemas.FeedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[name]
	if !ok {
		state = schemas.FeedState{Name: name, LastStatus: schemas.RunStatusNever}
	}
	state.Description = description
	state.Frequency = frequency
	m.states[name] = state
	return state, nil
}

func (m *MemoryStore) GetState(ctx context.Context, name string) (schemas.FeedState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[name]
	if !ok {
		return schemas.FeedState{}, fmt.Errorf("feed %s: %w", name, schemas.ErrNotFound)
	}
	return state, nil
}

func (m *MemoryStore) ListStates(ctx context.Context) ([]schemas.FeedState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make([]schemas.FeedState, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states, nil
}

func (m *MemoryStore) RecordSuccess(ctx context.Context, name string, ranAt, watermark time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[name]
	if !ok {
		return fmt.Errorf("feed %s: %w", name, schemas.ErrNotFound)
	}
	if watermark.After(state.Watermark) {
		state.Watermark = watermark.UTC()
	}
	state.LastRun = ranAt.UTC()
	state.LastStatus = schemas.RunStatusSuccess
	state.LastError = ""
	m.states[name] = state
	return nil
}

func (m *MemoryStore) RecordFailure(ctx context.Context, name string, ranAt time.Time, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[name]
	if !ok {
		return fmt.Errorf("feed %s: %w", name, schemas.ErrNotFound)
	}
	state.LastRun = ranAt.UTC()
	state.LastStatus = schemas.RunStatusFailed
	state.LastError = ""
	if cause != nil {
		state.LastError = cause.Error()
	}
	m.states[name] = state
	return nil
}
