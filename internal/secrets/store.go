// Package secrets provides a typed in-process secrets store.
//
// It replaces environment mutation for API-key switching: callers set and
// read secrets through the store, and subscribers (notably the output
// sanitizer) are notified on every change so derived caches can be rebuilt.
package secrets

import (
	"sync"

	"go.uber.org/zap"

	"github.com/hivemind/hivemind/internal/common/logger"
)

// Store holds named secret values and notifies subscribers on change.
type Store struct {
	mu        sync.RWMutex
	values    map[string]string
	listeners map[int]func()
	nextID    int
	logger    *logger.Logger
}

// NewStore creates an empty secrets store.
func NewStore(log *logger.Logger) *Store {
	return &Store{
		values:    make(map[string]string),
		listeners: make(map[int]func()),
		logger:    log.WithFields(zap.String("component", "secrets-store")),
	}
}

// Set stores a secret value and notifies subscribers.
func (s *Store) Set(name, value string) {
	s.mu.Lock()
	s.values[name] = value
	s.mu.Unlock()
	s.logger.Info("secret updated", zap.String("name", name))
	s.notify()
}

// Get returns a secret value.
func (s *Store) Get(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

// Delete removes a secret and notifies subscribers.
func (s *Store) Delete(name string) bool {
	s.mu.Lock()
	_, ok := s.values[name]
	delete(s.values, name)
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	return ok
}

// Names returns the stored secret names, never the values.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	return names
}

// Values returns a copy of all stored secret values.
func (s *Store) Values() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := make([]string, 0, len(s.values))
	for _, v := range s.values {
		values = append(values, v)
	}
	return values
}

// Subscribe registers a change listener and returns an unsubscribe func.
func (s *Store) Subscribe(fn func()) func() {
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

func (s *Store) notify() {
	s.mu.RLock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}
