// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/AzureAD/msal-token-cache-go/apps/cache"
	"github.com/AzureAD/msal-token-cache-go/apps/cache/file"
	"github.com/AzureAD/msal-token-cache-go/apps/cache/keyring"
	"github.com/AzureAD/msal-token-cache-go/apps/cache/memory"
	"github.com/AzureAD/msal-token-cache-go/apps/cache/redis"
	"github.com/AzureAD/msal-token-cache-go/apps/cache/sqlite"
)

// Config represents the config.json required to run the samples
type Config struct {
	ClientID     string   `json:"client_id"`
	Authority    string   `json:"authority"`
	Scopes       []string `json:"scopes"`
	Username     string   `json:"username"`
	Password     string   `json:"password"`
	ClientSecret string   `json:"client_secret"`
	PemData      string   `json:"pem_file"`
}

// CreateConfig creates the Config struct from a json file.
func CreateConfig(fileName string) *Config {
	data, err := os.ReadFile(fileName)
	if err != nil {
		log.Fatal(err)
	}

	config := &Config{}
	err = json.Unmarshal(data, config)
	if err != nil {
		log.Fatal(err)
	}
	return config
}

// openStore returns the token store named by kind. Persistent stores let a second run of the
// sample find the tokens of the first.
func openStore(ctx context.Context, kind, location string) (cache.Store, func(), error) {
	switch kind {
	case "memory":
		return memory.New(), func() {}, nil
	case "file":
		s, err := file.New(location)
		return s, func() {}, err
	case "sqlite":
		s, err := sqlite.New(ctx, location)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "redis":
		s, err := redis.NewFromURL(ctx, location)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "keyring":
		return keyring.New(location), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", kind)
}
