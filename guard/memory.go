package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	extErrors "github.com/pkg/errors"
)

var _ Deduper = &MemoryDeduper{}

// MemoryDeduper is a process-local Deduper bounded by an LRU of processed ids
type MemoryDeduper struct {
	window time.Duration
	done   *lru.Cache

	mu       sync.Mutex
	inFlight map[string]struct{}

	now func() time.Time
}

// NewMemoryDeduper returns a Deduper remembering up to capacity ids for window
func NewMemoryDeduper(capacity int, window time.Duration) (*MemoryDeduper, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("non-positive capacity is invalid")
	}
	if window <= 0 {
		window = DefaultWindow
	}
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create LRU cache")
	}
	return &MemoryDeduper{
		window:   window,
		done:     cache,
		inFlight: make(map[string]struct{}),
		now:      time.Now,
	}, nil
}

func (m *MemoryDeduper) seen(eventID string) bool {
	v, ok := m.done.Get(eventID)
	if !ok {
		return false
	}
	if m.now().Sub(v.(time.Time)) > m.window {
		m.done.Remove(eventID)
		return false
	}
	return true
}

// Do implements Deduper
func (m *MemoryDeduper) Do(ctx context.Context, eventID string, fn func(ctx context.Context) error) (bool, error) {
	m.mu.Lock()
	if m.seen(eventID) {
		m.mu.Unlock()
		return true, nil
	}
	if _, ok := m.inFlight[eventID]; ok {
		m.mu.Unlock()
		return false, ErrInFlight
	}
	m.inFlight[eventID] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inFlight, eventID)
		m.mu.Unlock()
	}()

	if err := fn(ctx); err != nil {
		return false, err
	}

	m.done.Add(eventID, m.now())
	return false, nil
}
