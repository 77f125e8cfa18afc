// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package storage

import (
	"errors"
	"slices"
	"strings"
	"time"

	msalerrors "github.com/AzureAD/msal-token-cache-go/apps/errors"
	internalTime "github.com/AzureAD/msal-token-cache-go/apps/internal/json/types/time"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/oauth/ops/accesstokens"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/shared"
)

const (
	scopeSeparator = " "
	popTokenType   = "pop"
)

var errMissing = errors.New("required field is empty")

func missing(entity, field string) error {
	return msalerrors.MalformedEntityError{Entity: entity, Field: field, Err: errMissing}
}

// Filter is a partial set of constraints on cache entities. Zero fields match anything.
type Filter struct {
	HomeAccountID string
	// AppOnly matches only entities without a home account id, which are app tokens.
	AppOnly bool
	// Environments is the alias set of the authority host.
	Environments   []string
	Realm          string
	ClientID       string
	FamilyID       string
	CredentialType CredentialType
	// Scopes must all be part of an access token's target.
	Scopes              []string
	KeyID               string
	RequestedClaimsHash string
}

func (f Filter) matchHome(homeID string) bool {
	if f.AppOnly {
		return homeID == ""
	}
	return f.HomeAccountID == "" || strings.EqualFold(f.HomeAccountID, homeID)
}

func (f Filter) matchEnv(env string) bool {
	if len(f.Environments) == 0 {
		return true
	}
	return slices.ContainsFunc(f.Environments, func(alias string) bool {
		return strings.EqualFold(alias, env)
	})
}

func matchOptional(want, got string) bool {
	return want == "" || strings.EqualFold(want, got)
}

// normalizeTarget lower cases, de-duplicates and sorts scopes into the stored target form.
func normalizeTarget(scopes []string) string {
	set := make([]string, 0, len(scopes))
	for _, s := range scopes {
		for _, f := range strings.Fields(strings.ToLower(s)) {
			if !slices.Contains(set, f) {
				set = append(set, f)
			}
		}
	}
	slices.Sort(set)
	return strings.Join(set, scopeSeparator)
}

// targetContains reports if every requested scope is in target. The OIDC scopes added to every
// request are ignored unless nothing else was requested.
func targetContains(target string, requested []string) bool {
	have := map[string]bool{}
	for _, s := range strings.Fields(strings.ToLower(target)) {
		have[s] = true
	}

	var want, oidc []string
	for _, s := range strings.Fields(strings.ToLower(strings.Join(requested, scopeSeparator))) {
		if accesstokens.IsDefaultScope(s) {
			oidc = append(oidc, s)
			continue
		}
		want = append(want, s)
	}
	if len(want) == 0 {
		want = oidc
	}
	for _, s := range want {
		if !have[s] {
			return false
		}
	}
	return true
}

// AccountMatches reports if acc satisfies the account constraints of f.
func AccountMatches(acc shared.Account, f Filter) bool {
	return f.matchHome(acc.HomeAccountID) && f.matchEnv(acc.Environment) && matchOptional(f.Realm, acc.Realm)
}

// AccessTokenParams are the fields of a new access token.
type AccessTokenParams struct {
	HomeAccountID     string
	Environment       string
	Realm             string
	ClientID          string
	Secret            string
	Scopes            []string
	CachedAt          time.Time
	ExpiresOn         time.Time
	ExtendedExpiresOn time.Time
	// TokenType is "Bearer" or "pop". A pop token needs KeyID.
	TokenType           string
	KeyID               string
	RequestedClaims     string
	RequestedClaimsHash string
}

// AccessToken is the JSON representation of a MSAL access token for encoding to storage.
type AccessToken struct {
	HomeAccountID       string            `json:"home_account_id"`
	Environment         string            `json:"environment"`
	Realm               string            `json:"realm"`
	CredentialType      CredentialType    `json:"credential_type"`
	ClientID            string            `json:"client_id"`
	Secret              string            `json:"secret"`
	Target              string            `json:"target"`
	CachedAt            internalTime.Unix `json:"cached_at"`
	ExpiresOn           internalTime.Unix `json:"expires_on"`
	ExtendedExpiresOn   internalTime.Unix `json:"extended_expires_on,omitempty"`
	TokenType           string            `json:"token_type,omitempty"`
	KeyID               string            `json:"key_id,omitempty"`
	RequestedClaims     string            `json:"requested_claims,omitempty"`
	RequestedClaimsHash string            `json:"requested_claims_hash,omitempty"`
}

// NewAccessToken is the constructor for AccessToken.
func NewAccessToken(p AccessTokenParams) (AccessToken, error) {
	ct := CredentialTypeAccessToken
	if strings.EqualFold(p.TokenType, popTokenType) {
		ct = CredentialTypeAccessTokenWithAuthScheme
	}
	at := AccessToken{
		HomeAccountID:       p.HomeAccountID,
		Environment:         p.Environment,
		Realm:               p.Realm,
		CredentialType:      ct,
		ClientID:            p.ClientID,
		Secret:              p.Secret,
		Target:              normalizeTarget(p.Scopes),
		CachedAt:            internalTime.Unix{T: p.CachedAt.UTC()},
		ExpiresOn:           internalTime.Unix{T: p.ExpiresOn.UTC()},
		ExtendedExpiresOn:   internalTime.Unix{T: p.ExtendedExpiresOn.UTC()},
		TokenType:           p.TokenType,
		KeyID:               p.KeyID,
		RequestedClaims:     p.RequestedClaims,
		RequestedClaimsHash: p.RequestedClaimsHash,
	}
	return at, at.Validate()
}

// Validate checks the fields making up the token's identity and the credential type.
func (a AccessToken) Validate() error {
	const entity = "AccessToken"
	switch {
	case !a.CredentialType.IsAccessToken():
		return msalerrors.MalformedEntityError{Entity: entity, Field: "credential_type", Err: errors.New(string(a.CredentialType) + " is not an access token type")}
	case a.Environment == "":
		return missing(entity, "environment")
	case a.ClientID == "":
		return missing(entity, "client_id")
	case a.Secret == "":
		return missing(entity, "secret")
	case a.Target == "":
		return missing(entity, "target")
	case a.ExpiresOn.IsZero():
		return missing(entity, "expires_on")
	case a.CredentialType == CredentialTypeAccessTokenWithAuthScheme && a.KeyID == "":
		return missing(entity, "key_id")
	}
	return nil
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (a AccessToken) Key() string {
	return Key{
		Kind:           KindCredential,
		CredentialType: a.CredentialType,
		HomeAccountID:  a.HomeAccountID,
		Environment:    a.Environment,
		ClientID:       a.ClientID,
		Realm:          a.Realm,
		Target:         a.Target,
		ClaimsHash:     a.RequestedClaimsHash,
	}.String()
}

// Scopes returns the scopes of the token's target.
func (a AccessToken) Scopes() []string {
	return strings.Fields(a.Target)
}

// IsExpired is true when now+buffer has reached the expiry, compared in epoch seconds.
func (a AccessToken) IsExpired(now time.Time, buffer time.Duration) bool {
	return now.Unix()+int64(buffer/time.Second) >= a.ExpiresOn.T.Unix()
}

// Matches reports if the token satisfies every constraint set in f.
func (a AccessToken) Matches(f Filter) bool {
	switch {
	case !f.matchHome(a.HomeAccountID), !f.matchEnv(a.Environment):
		return false
	case !matchOptional(f.Realm, a.Realm), !matchOptional(f.ClientID, a.ClientID):
		return false
	case f.CredentialType != "" && f.CredentialType != a.CredentialType:
		return false
	case !matchOptional(f.KeyID, a.KeyID), !matchOptional(f.RequestedClaimsHash, a.RequestedClaimsHash):
		return false
	case len(f.Scopes) > 0 && !targetContains(a.Target, f.Scopes):
		return false
	}
	return true
}

// IDTokenParams are the fields of a new ID token.
type IDTokenParams struct {
	HomeAccountID string
	Environment   string
	Realm         string
	ClientID      string
	Secret        string
}

// IDToken is the JSON representation of an MSAL id token for encoding to storage.
type IDToken struct {
	HomeAccountID  string         `json:"home_account_id"`
	Environment    string         `json:"environment"`
	Realm          string         `json:"realm"`
	CredentialType CredentialType `json:"credential_type"`
	ClientID       string         `json:"client_id"`
	Secret         string         `json:"secret"`
}

// NewIDToken is the constructor for IDToken.
func NewIDToken(p IDTokenParams) (IDToken, error) {
	id := IDToken{
		HomeAccountID:  p.HomeAccountID,
		Environment:    p.Environment,
		Realm:          p.Realm,
		CredentialType: CredentialTypeIDToken,
		ClientID:       p.ClientID,
		Secret:         p.Secret,
	}
	return id, id.Validate()
}

// IsZero determines if IDToken is the zero value.
func (id IDToken) IsZero() bool {
	return id == IDToken{}
}

// Validate checks the fields making up the token's identity and the credential type.
func (id IDToken) Validate() error {
	const entity = "IdToken"
	switch {
	case id.CredentialType != CredentialTypeIDToken:
		return msalerrors.MalformedEntityError{Entity: entity, Field: "credential_type", Err: errors.New(string(id.CredentialType) + " is not an ID token type")}
	case id.HomeAccountID == "":
		return missing(entity, "home_account_id")
	case id.Environment == "":
		return missing(entity, "environment")
	case id.ClientID == "":
		return missing(entity, "client_id")
	case id.Secret == "":
		return missing(entity, "secret")
	}
	return nil
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (id IDToken) Key() string {
	return Key{
		Kind:           KindCredential,
		CredentialType: id.CredentialType,
		HomeAccountID:  id.HomeAccountID,
		Environment:    id.Environment,
		ClientID:       id.ClientID,
		Realm:          id.Realm,
	}.String()
}

// Matches reports if the token satisfies the constraints set in f.
func (id IDToken) Matches(f Filter) bool {
	return f.matchHome(id.HomeAccountID) && f.matchEnv(id.Environment) &&
		matchOptional(f.Realm, id.Realm) && matchOptional(f.ClientID, id.ClientID)
}

// RefreshTokenParams are the fields of a new refresh token.
type RefreshTokenParams struct {
	HomeAccountID string
	Environment   string
	ClientID      string
	FamilyID      string
	Secret        string
	// TokenType "pop" makes a refresh token bound to a session key.
	TokenType string
	StkKid    string
	SkKid     string
}

// RefreshToken is the JSON representation of a MSAL refresh token for encoding to storage.
type RefreshToken struct {
	HomeAccountID  string         `json:"home_account_id"`
	Environment    string         `json:"environment"`
	CredentialType CredentialType `json:"credential_type"`
	ClientID       string         `json:"client_id"`
	FamilyID       string         `json:"family_id,omitempty"`
	Secret         string         `json:"secret"`
	TokenType      string         `json:"token_type,omitempty"`
	StkKid         string         `json:"stk_kid,omitempty"`
	SkKid          string         `json:"sk_kid,omitempty"`
}

// NewRefreshToken is the constructor for RefreshToken.
func NewRefreshToken(p RefreshTokenParams) (RefreshToken, error) {
	ct := CredentialTypeRefreshToken
	if strings.EqualFold(p.TokenType, popTokenType) {
		ct = CredentialTypeRefreshTokenWithAuthScheme
	}
	rt := RefreshToken{
		HomeAccountID:  p.HomeAccountID,
		Environment:    p.Environment,
		CredentialType: ct,
		ClientID:       p.ClientID,
		FamilyID:       p.FamilyID,
		Secret:         p.Secret,
		TokenType:      p.TokenType,
		StkKid:         p.StkKid,
		SkKid:          p.SkKid,
	}
	return rt, rt.Validate()
}

// Validate checks the fields making up the token's identity and the credential type.
func (rt RefreshToken) Validate() error {
	const entity = "RefreshToken"
	switch {
	case !rt.CredentialType.IsRefreshToken():
		return msalerrors.MalformedEntityError{Entity: entity, Field: "credential_type", Err: errors.New(string(rt.CredentialType) + " is not a refresh token type")}
	case rt.HomeAccountID == "":
		return missing(entity, "home_account_id")
	case rt.Environment == "":
		return missing(entity, "environment")
	case rt.ClientID == "":
		return missing(entity, "client_id")
	case rt.Secret == "":
		return missing(entity, "secret")
	case rt.CredentialType == CredentialTypeRefreshTokenWithAuthScheme && rt.StkKid == "" && rt.SkKid == "":
		return missing(entity, "stk_kid")
	}
	return nil
}

// Key outputs the key that can be used to uniquely look up this entry in a map. A family
// refresh token is keyed by its family id so every client of the family finds it.
func (rt RefreshToken) Key() string {
	id := rt.ClientID
	if rt.FamilyID != "" {
		id = rt.FamilyID
	}
	return Key{
		Kind:           KindCredential,
		CredentialType: rt.CredentialType,
		HomeAccountID:  rt.HomeAccountID,
		Environment:    rt.Environment,
		ClientID:       id,
	}.String()
}

// Matches reports if the token satisfies the constraints set in f.
func (rt RefreshToken) Matches(f Filter) bool {
	return f.matchHome(rt.HomeAccountID) && f.matchEnv(rt.Environment) &&
		matchOptional(f.ClientID, rt.ClientID) && matchOptional(f.FamilyID, rt.FamilyID) &&
		(f.CredentialType == "" || f.CredentialType == rt.CredentialType)
}

// AppMetaDataParams are the fields of new application metadata.
type AppMetaDataParams struct {
	ClientID    string
	Environment string
	FamilyID    string
}

// AppMetaData is the JSON representation of application metadata for encoding to storage.
// A non-empty FamilyID records that the client is part of that family.
type AppMetaData struct {
	FamilyID    string `json:"family_id,omitempty"`
	ClientID    string `json:"client_id"`
	Environment string `json:"environment"`
}

// NewAppMetaData is the constructor for AppMetaData.
func NewAppMetaData(p AppMetaDataParams) (AppMetaData, error) {
	a := AppMetaData{FamilyID: p.FamilyID, ClientID: p.ClientID, Environment: p.Environment}
	return a, a.Validate()
}

// Validate checks the fields making up the entry's identity.
func (a AppMetaData) Validate() error {
	switch {
	case a.ClientID == "":
		return missing("AppMetadata", "client_id")
	case a.Environment == "":
		return missing("AppMetadata", "environment")
	}
	return nil
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (a AppMetaData) Key() string {
	return Key{Kind: KindAppMetaData, Environment: a.Environment, ClientID: a.ClientID}.String()
}

// Matches reports if the entry satisfies the constraints set in f.
func (a AppMetaData) Matches(f Filter) bool {
	return f.matchEnv(a.Environment) && matchOptional(f.ClientID, a.ClientID) && matchOptional(f.FamilyID, a.FamilyID)
}
