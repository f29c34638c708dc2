package storage

import (
	"context"
	"strings"
	"sync"
)

type memoryStore struct {
	mu     sync.RWMutex
	m      map[string]string
	closed bool
}

// NewMemory returns a process-local store.
func NewMemory() Store {
	return &memoryStore{m: map[string]string{}}
}

func (s *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, ErrClosed
	}
	v, ok := s.m[strings.TrimSpace(key)]
	return v, ok, nil
}

func (s *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.m[key] = value
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.m, strings.TrimSpace(key))
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
