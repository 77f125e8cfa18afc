// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package accesstokens

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	msalerrors "github.com/AzureAD/msal-token-cache-go/apps/errors"
	internalCrypto "github.com/AzureAD/msal-token-cache-go/apps/internal/crypto"
	internalTime "github.com/AzureAD/msal-token-cache-go/apps/internal/json/types/time"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/oauth/ops/authority"
)

// TokenResponseJSONPayload is the JSON body of a token endpoint reply.
type TokenResponseJSONPayload struct {
	authority.OAuthResponseBase

	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	// ExpiresIn is a pointer so a missing value can be told apart from zero.
	ExpiresIn    *internalTime.Seconds `json:"expires_in"`
	ExtExpiresIn internalTime.Seconds  `json:"ext_expires_in"`
	Foci         string                `json:"foci"`
	Scope        string                `json:"scope"`
	IDToken      string                `json:"id_token"`
	ClientInfo   string                `json:"client_info"`
}

// ClientInfo is used to create a Home Account ID for an account.
type ClientInfo struct {
	UID  string `json:"uid"`
	UTID string `json:"utid"`
}

// IDToken consists of all the information used to validate a user.
// https://docs.microsoft.com/azure/active-directory/develop/id-tokens .
type IDToken struct {
	PreferredUsername string
	GivenName         string
	FamilyName        string
	Name              string
	Oid               string
	TenantID          string
	Subject           string
	UPN               string
	Email             string
	Issuer            string
	Audience          []string
	RawToken          string

	// Claims holds every claim of the token.
	Claims internalCrypto.Claims
}

// NewIDToken creates an ID token from the claims of a JWT.
func NewIDToken(raw string, claims internalCrypto.Claims) IDToken {
	return IDToken{
		PreferredUsername: claims.String("preferred_username"),
		GivenName:         claims.String("given_name"),
		FamilyName:        claims.String("family_name"),
		Name:              claims.String("name"),
		Oid:               claims.String("oid"),
		TenantID:          claims.String("tid"),
		Subject:           claims.String("sub"),
		UPN:               claims.String("upn"),
		Email:             claims.String("email"),
		Issuer:            claims.String("iss"),
		Audience:          claims.Audience(),
		RawToken:          raw,
		Claims:            claims,
	}
}

// IsZero indicates if the IDToken is the zero value.
func (i IDToken) IsZero() bool {
	return i.RawToken == "" && len(i.Claims) == 0
}

// LocalAccountID extracts an account's local account ID from an ID token.
func (i IDToken) LocalAccountID() string {
	if i.Oid != "" {
		return i.Oid
	}
	return i.Subject
}

// Username is the user's sign in name, taken from the first claim that carries one.
func (i IDToken) Username() string {
	for _, s := range []string{i.PreferredUsername, i.UPN, i.Email} {
		if s != "" {
			return s
		}
	}
	return ""
}

// TokenResponse is the information that is returned from a token endpoint during a token acquisition flow.
type TokenResponse struct {
	authority.OAuthResponseBase

	AccessToken    string
	TokenType      string
	RefreshToken   string
	IDToken        IDToken
	FamilyID       string
	GrantedScopes  []string
	DeclinedScopes []string
	// CachedAt is the request timestamp ExpiresOn and ExtExpiresOn are relative to.
	CachedAt      time.Time
	ExpiresOn     time.Time
	ExtExpiresOn  time.Time
	RawClientInfo string
	ClientInfo    ClientInfo
}

// HasAccessToken checks if the TokenResponse has an access token.
func (tr TokenResponse) HasAccessToken() bool {
	return len(tr.AccessToken) > 0
}

// HasRefreshToken checks if the TokenResponse has an refresh token.
func (tr TokenResponse) HasRefreshToken() bool {
	return len(tr.RefreshToken) > 0
}

// HomeAccountID is "{uid}.{utid}" from client_info or, lacking that, the ID token's subject.
// It is empty for app only tokens.
func (tr TokenResponse) HomeAccountID() string {
	if tr.ClientInfo.UID != "" && tr.ClientInfo.UTID != "" {
		return fmt.Sprintf("%s.%s", tr.ClientInfo.UID, tr.ClientInfo.UTID)
	}
	return tr.IDToken.Subject
}

// Realm is the tenant the tokens are cached under. A multi-tenant authority takes the ID token's
// "tid"; any other authority names its tenant itself, and silent lookups use that same name.
func (tr TokenResponse) Realm(info authority.Info) string {
	if info.IsMultiTenant() && tr.IDToken.TenantID != "" {
		return tr.IDToken.TenantID
	}
	return info.Tenant
}

func invalidResponse(payload TokenResponseJSONPayload, format string, a ...any) error {
	return msalerrors.ServerResponseError{
		Description:   fmt.Sprintf(format, a...),
		CorrelationID: payload.CorrelationID,
	}
}

// NewTokenResponse validates the reply of the token endpoint and normalizes it. All expiry
// times are relative to requestTimestamp.
func NewTokenResponse(authParams authority.AuthParams, payload TokenResponseJSONPayload, requestTimestamp time.Time, c internalCrypto.Crypto) (TokenResponse, error) {
	if payload.Error != "" {
		return TokenResponse{}, msalerrors.ServerResponseError{
			ErrorCode:     payload.Error,
			SubError:      payload.SubError,
			Description:   payload.ErrorDescription,
			ErrorCodes:    payload.ErrorCodes,
			CorrelationID: payload.CorrelationID,
			Claims:        payload.Claims,
		}
	}

	switch {
	case payload.AccessToken == "":
		return TokenResponse{}, invalidResponse(payload, "token response is missing access_token")
	case payload.TokenType == "":
		return TokenResponse{}, invalidResponse(payload, "token response is missing token_type")
	case payload.ExpiresIn == nil:
		return TokenResponse{}, invalidResponse(payload, "token response is missing expires_in")
	}

	clientInfo := ClientInfo{}
	// Client info may be empty in some flows, e.g. certificate exchange.
	if payload.ClientInfo != "" {
		decoded, err := c.Base64Decode(payload.ClientInfo)
		if err != nil {
			return TokenResponse{}, msalerrors.InvalidTokenError{Token: "client_info", Err: err}
		}
		if err := json.Unmarshal([]byte(decoded), &clientInfo); err != nil {
			return TokenResponse{}, msalerrors.InvalidTokenError{Token: "client_info", Err: err}
		}
	}

	idToken := IDToken{}
	// ID tokens aren't always returned, which is not a reportable error condition.
	if payload.IDToken != "" {
		claims, err := c.ExtractTokenClaims(payload.IDToken)
		if err != nil {
			var invalid msalerrors.InvalidTokenError
			if !errors.As(err, &invalid) {
				err = msalerrors.InvalidTokenError{Token: "id_token", Err: err}
			}
			return TokenResponse{}, err
		}
		idToken = NewIDToken(payload.IDToken, claims)
		if err := validateIDToken(authParams, idToken); err != nil {
			return TokenResponse{}, invalidResponse(payload, "%s", err)
		}
	}

	expiresIn := payload.ExpiresIn.Duration()
	extExpiresIn := payload.ExtExpiresIn.Duration()
	if extExpiresIn <= 0 {
		extExpiresIn = expiresIn
	}

	var (
		grantedScopes  []string
		declinedScopes []string
	)

	if len(payload.Scope) == 0 {
		// Per OAuth spec, if no scopes are returned, the response should be treated as if all scopes were granted
		// This behavior can be observed in client assertion flows, but can happen at any time, this check ensures we treat
		// those special responses properly
		// Link to spec: https://tools.ietf.org/html/rfc6749#section-3.3
		grantedScopes = normalizeScopes(authParams.Scopes)
	} else {
		grantedScopes = strings.Fields(strings.ToLower(payload.Scope))
		declinedScopes = findDeclinedScopes(authParams.Scopes, grantedScopes)
	}

	// cached times are whole epoch seconds; the response reports the same instants
	requestTimestamp = time.Unix(requestTimestamp.Unix(), 0)
	return TokenResponse{
		OAuthResponseBase: payload.OAuthResponseBase,
		AccessToken:       payload.AccessToken,
		TokenType:         payload.TokenType,
		RefreshToken:      payload.RefreshToken,
		IDToken:           idToken,
		FamilyID:          payload.Foci,
		CachedAt:          requestTimestamp,
		ExpiresOn:         requestTimestamp.Add(expiresIn),
		ExtExpiresOn:      requestTimestamp.Add(extExpiresIn),
		GrantedScopes:     grantedScopes,
		DeclinedScopes:    declinedScopes,
		RawClientInfo:     payload.ClientInfo,
		ClientInfo:        clientInfo,
	}, nil
}

// validateIDToken checks the audience and, when the authority's issuer is known, the issuer.
func validateIDToken(authParams authority.AuthParams, idToken IDToken) error {
	if !slices.Contains(idToken.Audience, authParams.ClientID) {
		return fmt.Errorf("id_token audience %v does not contain client id %q", idToken.Audience, authParams.ClientID)
	}
	if authParams.Endpoints.Issuer == "" {
		return nil
	}
	want := authParams.Endpoints.IssuerFor(idToken.TenantID)
	if !strings.EqualFold(strings.TrimSuffix(idToken.Issuer, "/"), strings.TrimSuffix(want, "/")) {
		return fmt.Errorf("id_token issuer %q does not match the authority issuer %q", idToken.Issuer, want)
	}
	return nil
}

func findDeclinedScopes(requestedScopes []string, grantedScopes []string) []string {
	declined := []string{}
	grantedMap := map[string]bool{}
	for _, s := range grantedScopes {
		grantedMap[strings.ToLower(s)] = true
	}
	// Comparing the requested scopes with the granted scopes to see if there are any scopes that have been declined.
	for _, r := range normalizeScopes(requestedScopes) {
		if IsDefaultScope(r) {
			continue
		}
		if !grantedMap[strings.ToLower(r)] {
			declined = append(declined, r)
		}
	}
	return declined
}
