// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package memory provides a cache.Store that lives in process memory. It is the default store
// of the clients.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// Store is an in-memory cache.Store. The zero value is ready to use.
type Store struct {
	mu sync.RWMutex
	m  map[string]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{m: map[string]string{}}
}

// Get implements cache.Store.Get().
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok, nil
}

// Set implements cache.Store.Set().
func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = map[string]string{}
	}
	s.m[key] = value
	return nil
}

// Remove implements cache.Store.Remove().
func (s *Store) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

// Keys implements cache.Store.Keys().
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Collect(maps.Keys(s.m)), nil
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}
