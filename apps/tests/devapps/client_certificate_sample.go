// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/AzureAD/msal-token-cache-go/apps/cache"
	"github.com/AzureAD/msal-token-cache-go/apps/confidential"
)

func acquireTokenClientCertificate(ctx context.Context, s cache.Store, logger *slog.Logger) {
	config := CreateConfig("confidential_config.json")

	pemData, err := os.ReadFile(config.PemData)
	if err != nil {
		log.Fatal(err)
	}

	// This extracts our public certificates and private key from the PEM file. If it is
	// encrypted, the second argument must be password to decode.
	certs, privateKey, err := confidential.CertFromPEM(pemData, "")
	if err != nil {
		log.Fatal(err)
	}

	// PEM files can have multiple certs. This is usually for certificate chaining where roots
	// sign to leafs. Useful for TLS, not for this use case.
	if len(certs) > 1 {
		log.Fatal("too many certificates in PEM file")
	}

	cred, err := confidential.NewCredFromCert(certs[0], privateKey)
	if err != nil {
		log.Fatal(err)
	}
	app, err := confidential.New(config.ClientID, cred, confidential.WithAuthority(config.Authority), confidential.WithCache(s), confidential.WithLogger(logger), confidential.WithX5C())
	if err != nil {
		log.Fatal(err)
	}
	result, err := app.AcquireTokenByCredential(ctx, config.Scopes)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("access token expires %s, from cache: %v", result.ExpiresOn, result.FromCache)
}
