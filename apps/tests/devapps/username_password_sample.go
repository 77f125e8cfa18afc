// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"context"
	"log"
	"log/slog"

	"github.com/AzureAD/msal-token-cache-go/apps/cache"
	"github.com/AzureAD/msal-token-cache-go/apps/public"
)

func acquireByUsernamePasswordPublic(ctx context.Context, s cache.Store, logger *slog.Logger) {
	config := CreateConfig("config.json")
	app, err := public.New(config.ClientID, public.WithCache(s), public.WithAuthority(config.Authority), public.WithLogger(logger))
	if err != nil {
		log.Fatal(err)
	}

	// look in the cache to see if the account to use has been cached
	var userAccount public.Account
	accounts, err := app.Accounts(ctx)
	if err != nil {
		log.Fatal("failed to read the cache: ", err)
	}
	for _, account := range accounts {
		if account.PreferredUsername == config.Username {
			userAccount = account
		}
	}

	if !userAccount.IsZero() {
		result, err := app.AcquireTokenSilent(ctx, config.Scopes, public.WithSilentAccount(userAccount))
		if err == nil {
			log.Printf("silently acquired a token for %s, from cache: %v", result.Account.PreferredUsername, result.FromCache)
			return
		}
		log.Printf("silent acquisition failed, signing in: %s", err)
	}
	result, err := app.AcquireTokenByUsernamePassword(ctx, config.Scopes, config.Username, config.Password)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("signed in %s, token expires %s", result.Account.PreferredUsername, result.ExpiresOn)
	for _, w := range result.Warnings {
		log.Printf("cache warning: %s", w)
	}
}
