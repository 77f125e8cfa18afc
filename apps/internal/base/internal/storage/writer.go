// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package storage

import (
	"context"

	"github.com/hashicorp/go-multierror"

	"github.com/AzureAD/msal-token-cache-go/apps/internal/oauth/ops/accesstokens"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/oauth/ops/authority"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/shared"
)

// Write stores the entities of a validated token response: the access token, and for user
// tokens the ID token, account and refresh token, then the client's AppMetadata. The batch
// runs to completion even if ctx is canceled. A failing row does not stop the others or roll
// them back; all failures are returned together and the account is returned regardless.
func (m *Manager) Write(ctx context.Context, authParams authority.AuthParams, tr accesstokens.TokenResponse) (shared.Account, error) {
	ctx = context.WithoutCancel(ctx)

	homeAccountID := tr.HomeAccountID()
	if authParams.AuthorizationType == authority.AuthorizationTypeClientCredentials {
		homeAccountID = ""
	}
	environment := authParams.AuthorityInfo.Host
	realm := tr.Realm(authParams.AuthorityInfo)
	clientID := authParams.ClientID

	var (
		errs    *multierror.Error
		account shared.Account
	)
	add := func(err error) {
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if tr.HasAccessToken() {
		claimsHash := ""
		if authParams.Claims != "" {
			claimsHash = m.crypto.HashString(authParams.Claims)
		}
		at, err := NewAccessToken(AccessTokenParams{
			HomeAccountID:       homeAccountID,
			Environment:         environment,
			Realm:               realm,
			ClientID:            clientID,
			Secret:              tr.AccessToken,
			Scopes:              tr.GrantedScopes,
			CachedAt:            tr.CachedAt,
			ExpiresOn:           tr.ExpiresOn,
			ExtendedExpiresOn:   tr.ExtExpiresOn,
			TokenType:           tr.TokenType,
			KeyID:               authParams.KeyID,
			RequestedClaims:     authParams.Claims,
			RequestedClaimsHash: claimsHash,
		})
		if err == nil {
			err = m.SetAccessToken(ctx, at)
		}
		add(err)
	}

	if homeAccountID != "" {
		if !tr.IDToken.IsZero() {
			id, err := NewIDToken(IDTokenParams{
				HomeAccountID: homeAccountID,
				Environment:   environment,
				Realm:         realm,
				ClientID:      clientID,
				Secret:        tr.IDToken.RawToken,
			})
			if err == nil {
				err = m.SetIDToken(ctx, id)
			}
			add(err)
		}

		account = shared.NewAccount(
			homeAccountID,
			environment,
			realm,
			tr.IDToken.LocalAccountID(),
			authParams.AuthorityInfo.AuthorityType,
			tr.IDToken.Username(),
		)
		account.Name = tr.IDToken.Name
		account.RawClientInfo = tr.RawClientInfo
		add(m.SetAccount(ctx, account))

		if tr.HasRefreshToken() {
			rt, err := NewRefreshToken(RefreshTokenParams{
				HomeAccountID: homeAccountID,
				Environment:   environment,
				ClientID:      clientID,
				FamilyID:      tr.FamilyID,
				Secret:        tr.RefreshToken,
			})
			if err == nil {
				err = m.SetRefreshToken(ctx, rt)
			}
			add(err)
		}
	}

	md, err := NewAppMetaData(AppMetaDataParams{ClientID: clientID, Environment: environment, FamilyID: tr.FamilyID})
	if err == nil {
		err = m.SetAppMetaData(ctx, md)
	}
	add(err)

	return account, errs.ErrorOrNil()
}
