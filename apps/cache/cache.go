// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package cache defines the storage contract the token cache is written against. Clients are
given a Store with the WithCache() option; the subpackages provide ready made stores for
process memory, a local file, redis, sqlite and the OS keyring.

A Store is a flat mapping of string keys to JSON encoded cache entities. Keys and values are
opaque to implementers, but they follow the cache layout shared by the MSAL libraries, so two
processes pointed at the same store see the same accounts and tokens.
*/
package cache

import "context"

// Store is a key-value store holding cache entities. Implementations must be safe for
// concurrent use; writes to a single key must be atomic. The cache never relies on a
// transaction spanning more than one key.
type Store interface {
	// Get returns the value stored at key. The bool is false if the key does not exist.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value at key, replacing any existing value.
	Set(ctx context.Context, key, value string) error
	// Remove deletes key. Removing a key that does not exist is not an error.
	Remove(ctx context.Context, key string) error
	// Keys returns every key in the store, in no particular order.
	Keys(ctx context.Context) ([]string, error)
}

// Marshaler marshals data from an internal cache to bytes that can be stored.
type Marshaler interface {
	Marshal(ctx context.Context) ([]byte, error)
}

// Unmarshaler unmarshals data from a storage medium into the internal cache, overwriting
// the entries it names.
type Unmarshaler interface {
	Unmarshal(ctx context.Context, b []byte) error
}

// Serializer can serialize the cache to binary or from binary into the cache. It is used to
// move a cache between two stores.
type Serializer interface {
	Marshaler
	Unmarshaler
}
