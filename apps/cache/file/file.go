// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package file provides a cache.Store kept in a JSON file on the local disk. Processes sharing
// the file coordinate through a lock file next to it, so several applications on one machine can
// share a cache.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockRetry = 50 * time.Millisecond
	// DefaultLockTimeout is how long an operation waits for the lock before failing.
	DefaultLockTimeout = 10 * time.Second
)

// Store is a cache.Store backed by a file. Every operation reads the file under the lock, so
// changes made by other processes are seen immediately.
type Store struct {
	// mu serializes goroutines; a flock.Flock is held per process, not per goroutine.
	mu          sync.Mutex
	path        string
	lock        *flock.Flock
	lockTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout changes DefaultLockTimeout.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.lockTimeout = d
	}
}

// New returns a Store persisting to path. The directory is created if needed; the file itself
// is created on the first write.
func New(path string, options ...Option) (*Store, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("could not create cache directory: %w", err)
	}
	s := &Store{path: path, lock: flock.New(path + ".lock"), lockTimeout: DefaultLockTimeout}
	for _, o := range options {
		o(s)
	}
	return s, nil
}

// Get implements cache.Store.Get().
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		v  string
		ok bool
	)
	err := s.read(ctx, func(m map[string]string) {
		v, ok = m[key]
	})
	return v, ok, err
}

// Set implements cache.Store.Set().
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.update(ctx, func(m map[string]string) bool {
		m[key] = value
		return true
	})
}

// Remove implements cache.Store.Remove().
func (s *Store) Remove(ctx context.Context, key string) error {
	return s.update(ctx, func(m map[string]string) bool {
		if _, ok := m[key]; !ok {
			return false
		}
		delete(m, key)
		return true
	})
}

// Keys implements cache.Store.Keys().
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.read(ctx, func(m map[string]string) {
		keys = slices.Collect(maps.Keys(m))
	})
	return keys, err
}

func (s *Store) read(ctx context.Context, fn func(map[string]string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	locked, err := s.lock.TryRLockContext(lockCtx, lockRetry)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire lock: timeout after %v", s.lockTimeout)
	}
	defer s.lock.Unlock()

	m, err := s.load()
	if err != nil {
		return err
	}
	fn(m)
	return nil
}

// update applies fn to the file's contents under the write lock. The file is only rewritten
// when fn reports a change.
func (s *Store) update(ctx context.Context, fn func(map[string]string) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, lockRetry)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire lock: timeout after %v", s.lockTimeout)
	}
	defer s.lock.Unlock()

	m, err := s.load()
	if err != nil {
		return err
	}
	if !fn(m) {
		return nil
	}
	return s.save(m)
}

func (s *Store) load() (map[string]string, error) {
	m := map[string]string{}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("cache file %s is not a JSON object: %w", s.path, err)
	}
	return m, nil
}

// save replaces the file through a rename, so readers never see a partial write.
func (s *Store) save(m map[string]string) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	return nil
}
