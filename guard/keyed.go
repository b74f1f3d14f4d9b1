package guard

import (
	"sort"
	"sync"
)

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// KeyedMutex serializes work per entity key. Entries are reference counted and dropped
// once nobody holds or waits on them.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

// NewKeyedMutex returns an empty KeyedMutex
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{
		entries: make(map[string]*keyedEntry),
	}
}

// Lock acquires every non-empty key in sorted order and returns the function releasing them.
// Sorted acquisition keeps multi-key callers from deadlocking each other.
func (k *KeyedMutex) Lock(keys ...string) (unlock func()) {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		uniq = append(uniq, key)
	}
	sort.Strings(uniq)

	held := make([]*keyedEntry, 0, len(uniq))
	for _, key := range uniq {
		held = append(held, k.acquire(key))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(uniq) - 1; i >= 0; i-- {
				k.release(uniq[i], held[i])
			}
		})
	}
}

func (k *KeyedMutex) acquire(key string) *keyedEntry {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return e
}

func (k *KeyedMutex) release(key string, e *keyedEntry) {
	e.mu.Unlock()

	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
}

// Len returns the number of keys currently held or waited on
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
