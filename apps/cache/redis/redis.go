// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package redis provides a cache.Store on a redis server, for sharing tokens between the
// instances of a service.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces cache entries in a shared redis database.
const DefaultKeyPrefix = "msal:"

const scanCount = 100

// Store is a cache.Store on redis. Every cache key is stored as a string value under the prefix.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix replaces DefaultKeyPrefix. Stores with different prefixes don't see each other's entries.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.keyPrefix = prefix
	}
}

// WithTTL expires entries that were not written for d. Zero, the default, keeps entries until
// they are removed.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		s.ttl = d
	}
}

// New returns a Store using client. The caller keeps ownership of client.
func New(client redis.UniversalClient, options ...Option) *Store {
	s := &Store{client: client, keyPrefix: DefaultKeyPrefix}
	for _, o := range options {
		o(s)
	}
	return s
}

// NewFromURL connects to the server at a redis:// or rediss:// URL and checks the connection.
// Close the returned Store when done.
func NewFromURL(ctx context.Context, url string, options ...Option) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return New(client, options...), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(k string) string {
	return s.keyPrefix + k
}

// Get implements cache.Store.Get().
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return v, true, nil
}

// Set implements cache.Store.Set().
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.key(key), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	return nil
}

// Remove implements cache.Store.Remove().
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to remove %q: %w", key, err)
	}
	return nil
}

// Keys implements cache.Store.Keys(). It uses SCAN, so keys written during the call may or may
// not be returned.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	seen := map[string]bool{}
	iter := s.client.Scan(ctx, 0, escapeGlob(s.keyPrefix)+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		k := strings.TrimPrefix(iter.Val(), s.keyPrefix)
		// SCAN may return a key more than once
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	return keys, nil
}

// escapeGlob quotes the characters that are special in a redis MATCH pattern.
func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
