// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"context"
	"log"
	"log/slog"

	"github.com/AzureAD/msal-token-cache-go/apps/cache"
	"github.com/AzureAD/msal-token-cache-go/apps/confidential"
)

func acquireTokenClientSecret(ctx context.Context, s cache.Store, logger *slog.Logger) {
	config := CreateConfig("confidential_config.json")
	cred, err := confidential.NewCredFromSecret(config.ClientSecret)
	if err != nil {
		log.Fatal(err)
	}

	app, err := confidential.New(config.ClientID, cred, confidential.WithAuthority(config.Authority), confidential.WithCache(s), confidential.WithLogger(logger))
	if err != nil {
		log.Fatal(err)
	}
	result, err := app.AcquireTokenByCredential(ctx, config.Scopes)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("access token expires %s, from cache: %v", result.ExpiresOn, result.FromCache)
}
