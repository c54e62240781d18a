// Package state implements the session-scoped module state: one flat
// key/value map shared by voice tool results and screen conditions.
package state

import (
	"reflect"
	"sync"
)

// Change describes a single key write.
type Change struct {
	Key      string
	Previous any
	Value    any
	Deleted  bool
}

type Store struct {
	mu        sync.RWMutex
	values    map[string]any
	listeners map[int]func(Change)
	nextID    int
}

func New() *Store {
	return &Store{
		values:    make(map[string]any),
		listeners: make(map[int]func(Change)),
	}
}

func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set writes value under key. Last write wins; there is no type checking.
func (s *Store) Set(key string, value any) {
	if key == "" {
		return
	}
	s.mu.Lock()
	prev, existed := s.values[key]
	s.values[key] = value
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	if existed && reflect.DeepEqual(prev, value) {
		return
	}
	notify(listeners, Change{Key: key, Previous: prev, Value: value})
}

// Merge writes every entry of values.
func (s *Store) Merge(values map[string]any) {
	for k, v := range values {
		s.Set(k, v)
	}
}

func (s *Store) Delete(key string) {
	s.mu.Lock()
	prev, existed := s.values[key]
	delete(s.values, key)
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	if existed {
		notify(listeners, Change{Key: key, Previous: prev, Deleted: true})
	}
}

// Reset clears all values without notifying listeners.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]any)
}

// Snapshot returns a shallow copy safe for evaluation and interpolation.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Subscribe registers fn for every change and returns a function that
// removes it. Listeners run on the writer's goroutine after the lock is
// released.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) snapshotListeners() []func(Change) {
	out := make([]func(Change), 0, len(s.listeners))
	for i := 0; i < s.nextID; i++ {
		if fn, ok := s.listeners[i]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func notify(listeners []func(Change), c Change) {
	for _, fn := range listeners {
		fn(c)
	}
}
