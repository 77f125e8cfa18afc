// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Command devapps runs the token acquisition samples against a real tenant. Samples read their
// settings from config.json or confidential_config.json in the working directory.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
)

func main() {
	sample := flag.String("sample", "secret", "sample to run: password, secret or cert")
	store := flag.String("store", "file", "token store: memory, file, sqlite, redis or keyring")
	location := flag.String("location", "serialized_cache.json", "file path, database path, redis URL or keyring service of the store")
	verbose := flag.Bool("v", false, "log cache and pipeline events")
	flag.Parse()

	ctx := context.Background()
	s, closeStore, err := openStore(ctx, *store, *location)
	if err != nil {
		log.Fatal(err)
	}
	defer closeStore()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	switch *sample {
	case "password":
		acquireByUsernamePasswordPublic(ctx, s, logger)
	case "secret":
		// the second call is served from the store
		acquireTokenClientSecret(ctx, s, logger)
		acquireTokenClientSecret(ctx, s, logger)
	case "cert":
		acquireTokenClientCertificate(ctx, s, logger)
		acquireTokenClientCertificate(ctx, s, logger)
	default:
		log.Fatalf("unknown sample %q", *sample)
	}
}
