// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package keyring provides a cache.Store in the operating system's credential store: the
// macOS keychain, the Windows credential manager or the Secret Service on Linux.
//
// Keyrings cannot list their entries, so the Store keeps the list of its keys in an index
// entry of the same service. Only one process should write a service at a time.
package keyring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/zalando/go-keyring"
)

// DefaultService is the keyring service the entries are stored under.
const DefaultService = "msal-token-cache"

const indexKey = "__index__"

// Store is a cache.Store in the OS keyring.
type Store struct {
	service string

	// mu protects the index entry.
	mu sync.Mutex
}

// New returns a Store for service, or DefaultService when service is empty.
func New(service string) *Store {
	if service == "" {
		service = DefaultService
	}
	return &Store{service: service}
}

// Get implements cache.Store.Get().
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if key == indexKey {
		return "", false, nil
	}
	v, err := keyring.Get(s.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %q from keyring: %w", key, err)
	}
	return v, true, nil
}

// Set implements cache.Store.Set().
func (s *Store) Set(ctx context.Context, key, value string) error {
	if key == indexKey {
		return fmt.Errorf("%q is reserved", indexKey)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := keyring.Set(s.service, key, value); err != nil {
		return fmt.Errorf("failed to set %q in keyring: %w", key, err)
	}
	index, err := s.index()
	if err != nil {
		return err
	}
	if index[key] {
		return nil
	}
	index[key] = true
	return s.saveIndex(index)
}

// Remove implements cache.Store.Remove().
func (s *Store) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := keyring.Delete(s.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to remove %q from keyring: %w", key, err)
	}
	index, err := s.index()
	if err != nil {
		return err
	}
	if !index[key] {
		return nil
	}
	delete(index, key)
	return s.saveIndex(index)
}

// Keys implements cache.Store.Keys().
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.index()
	if err != nil {
		return nil, err
	}
	return slices.Collect(maps.Keys(index)), nil
}

// Clear removes every entry of the service, including the index.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := keyring.DeleteAll(s.service); err != nil {
		return fmt.Errorf("failed to clear keyring service %q: %w", s.service, err)
	}
	return nil
}

func (s *Store) index() (map[string]bool, error) {
	index := map[string]bool{}
	raw, err := keyring.Get(s.service, indexKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return index, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read keyring index: %w", err)
	}
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("keyring index is corrupt: %w", err)
	}
	for _, k := range keys {
		index[k] = true
	}
	return index, nil
}

func (s *Store) saveIndex(index map[string]bool) error {
	keys := slices.Sorted(maps.Keys(index))
	b, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	if err := keyring.Set(s.service, indexKey, string(b)); err != nil {
		return fmt.Errorf("failed to write keyring index: %w", err)
	}
	return nil
}
