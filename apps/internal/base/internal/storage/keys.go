// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package storage

import (
	"strings"

	"github.com/AzureAD/msal-token-cache-go/apps/internal/shared"
)

// CredentialType is the discriminator stored in every credential row.
type CredentialType string

const (
	CredentialTypeIDToken                    CredentialType = "IdToken"
	CredentialTypeAccessToken                CredentialType = "AccessToken"
	CredentialTypeAccessTokenWithAuthScheme  CredentialType = "AccessToken_With_AuthScheme"
	CredentialTypeRefreshToken               CredentialType = "RefreshToken"
	CredentialTypeRefreshTokenWithAuthScheme CredentialType = "RefreshToken_With_AuthScheme"
)

var credentialTypes = map[string]CredentialType{
	"idtoken":                      CredentialTypeIDToken,
	"accesstoken":                  CredentialTypeAccessToken,
	"accesstoken_with_authscheme":  CredentialTypeAccessTokenWithAuthScheme,
	"refreshtoken":                 CredentialTypeRefreshToken,
	"refreshtoken_with_authscheme": CredentialTypeRefreshTokenWithAuthScheme,
}

// IsAccessToken reports if c is one of the access token types.
func (c CredentialType) IsAccessToken() bool {
	return c == CredentialTypeAccessToken || c == CredentialTypeAccessTokenWithAuthScheme
}

// IsRefreshToken reports if c is one of the refresh token types.
func (c CredentialType) IsRefreshToken() bool {
	return c == CredentialTypeRefreshToken || c == CredentialTypeRefreshTokenWithAuthScheme
}

// Kind is the kind of entity a key addresses.
type Kind int

const (
	KindUnknown Kind = iota
	KindAccount
	KindCredential
	KindAppMetaData
)

func (k Kind) String() string {
	switch k {
	case KindAccount:
		return "Account"
	case KindCredential:
		return "Credential"
	case KindAppMetaData:
		return "AppMetadata"
	}
	return "Unknown"
}

const appMetaDataPrefix = "AppMetadata"

// Key is the identity of a cache entity. String() is the canonical, lower cased form stored in
// a cache.Store; it is shared with the other MSAL libraries so they can read each other's rows.
type Key struct {
	Kind           Kind
	CredentialType CredentialType

	HomeAccountID string
	Environment   string
	// ClientID is the family id for family refresh tokens.
	ClientID   string
	Realm      string
	Target     string
	ClaimsHash string
}

// String serializes the key:
//
//	Account:      {homeAccountId}-{environment}-{realm}
//	AppMetadata:  AppMetadata-{environment}-{clientId}
//	IdToken:      {homeAccountId}-{environment}-IdToken-{clientId}-{realm}
//	AccessToken:  {homeAccountId}-{environment}-{credentialType}-{clientId}-{realm}-{target}[-{claimsHash}]
//	RefreshToken: {homeAccountId}-{environment}-{credentialType}-{clientId or familyId}
func (k Key) String() string {
	var parts []string
	switch k.Kind {
	case KindAccount:
		parts = []string{k.HomeAccountID, k.Environment, k.Realm}
	case KindAppMetaData:
		parts = []string{appMetaDataPrefix, k.Environment, k.ClientID}
	case KindCredential:
		parts = []string{k.HomeAccountID, k.Environment, string(k.CredentialType), k.ClientID}
		switch {
		case k.CredentialType == CredentialTypeIDToken:
			parts = append(parts, k.Realm)
		case k.CredentialType.IsAccessToken():
			parts = append(parts, k.Realm, k.Target)
			if k.ClaimsHash != "" {
				parts = append(parts, k.ClaimsHash)
			}
		}
	default:
		return ""
	}
	return strings.ToLower(strings.Join(parts, shared.CacheKeySeparator))
}

// ParseKey classifies a stored key by the kind of entity it addresses. Because the separator can
// also occur inside field values, only Kind and CredentialType are recovered; readers confirm the
// identity of a row by comparing the decoded entity's key to the stored one. An account key whose
// home account id contains the separator and whose environment is a credential type name, such
// as "a-b-refreshtoken-realm", is indistinguishable from a credential key and parses as one.
func ParseKey(s string) Key {
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, strings.ToLower(appMetaDataPrefix)+shared.CacheKeySeparator) {
		return Key{Kind: KindAppMetaData}
	}
	parts := strings.Split(lower, shared.CacheKeySeparator)
	if len(parts) < 3 {
		return Key{}
	}
	// the home account id and environment take at least the first two segments; the credential
	// type must be followed by the segments its layout requires, so an account realm named
	// "idtoken" stays an account
	for i := 2; i < len(parts); i++ {
		ct, ok := credentialTypes[parts[i]]
		if ok && len(parts)-1-i >= trailingSegments(ct) {
			return Key{Kind: KindCredential, CredentialType: ct}
		}
	}
	return Key{Kind: KindAccount}
}

// trailingSegments is the number of key segments after the credential type.
func trailingSegments(ct CredentialType) int {
	switch {
	case ct == CredentialTypeIDToken:
		return 2
	case ct.IsAccessToken():
		return 3
	}
	return 1
}

// sameKey compares keys the way every MSAL library does, ignoring case.
func sameKey(a, b string) bool {
	return strings.EqualFold(a, b)
}
