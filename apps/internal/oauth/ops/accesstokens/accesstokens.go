// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package accesstokens exposes a REST client for querying backend systems to get various types of
access tokens (oauth) for use in authentication.

These calls are of type "application/x-www-form-urlencoded".  This means we use url.Values to
represent arguments and then encode them into the POST body message.  We receive JSON in
return for the requests.  The request definition is defined in https://tools.ietf.org/html/rfc7521#section-4.2 .

Every grant goes through Build(), which turns a TokenRequest into the form, headers and URL of
the call. Grants differ only in the fields they require and the few parameters they add.
*/
package accesstokens

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"

	/* #nosec */
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	msalerrors "github.com/AzureAD/msal-token-cache-go/apps/errors"
	internalCrypto "github.com/AzureAD/msal-token-cache-go/apps/internal/crypto"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/oauth/ops/authority"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/oauth/ops/internal/comm"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/oauth/ops/internal/grant"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/version"
)

const (
	grantType     = "grant_type"
	clientID      = "client_id"
	clientInfo    = "client_info"
	clientInfoVal = "1"
	scope         = "scope"
	username      = "username"
	password      = "password"
	refreshToken  = "refresh_token"
	code          = "code"
	codeVerifier  = "code_verifier"
	redirectURI   = "redirect_uri"
	responseType  = "response_type"
	claims        = "claims"
	tokenType     = "token_type"
	reqCnf        = "req_cnf"
	requestID     = "client-request-id"

	clientSecret        = "client_secret"
	clientAssertion     = "client_assertion"
	clientAssertionType = "client_assertion_type"

	skuParam        = "x-client-SKU"
	verParam        = "x-client-VER"
	osParam         = "x-client-OS"
	cpuParam        = "x-client-CPU"
	appNameParam    = "x-app-name"
	appVerParam     = "x-app-ver"
	libCapability   = "x-ms-lib-capability"
	libCapabilities = "retry-after, h429"

	passwordResponseType = "token id_token"
	popTokenType         = "pop"
)

// reserved are parameters set by Build. Caller supplied parameters never replace them.
var reserved = map[string]bool{
	grantType: true, clientID: true, clientInfo: true, scope: true, username: true, password: true,
	refreshToken: true, code: true, codeVerifier: true, redirectURI: true, responseType: true,
	claims: true, tokenType: true, reqCnf: true, requestID: true, clientSecret: true,
	clientAssertion: true, clientAssertionType: true, skuParam: true, verParam: true,
	osParam: true, cpuParam: true, appNameParam: true, appVerParam: true, libCapability: true,
}

// IsReserved reports if name is a parameter the token request sets itself.
func IsReserved(name string) bool {
	return reserved[name]
}

// openid required to get an id token
// offline_access required to get a refresh token
// profile required to get the client_info field back
var detectDefaultScopes = map[string]bool{
	"openid":         true,
	"offline_access": true,
	"profile":        true,
}

var defaultScopes = []string{"openid", "profile", "offline_access"}

// IsDefaultScope reports if s is one of the OIDC scopes added to every request.
func IsDefaultScope(s string) bool {
	return detectDefaultScopes[strings.ToLower(s)]
}

// AssertionRequestOptions has information required to generate a client assertion.
type AssertionRequestOptions struct {
	// ClientID identifies the application for which an assertion is requested. Used as the assertion's "iss" and "sub" claims.
	ClientID string

	// TokenEndpoint is the intended token endpoint. Used as the assertion's "aud" claim.
	TokenEndpoint string
}

// Credential represents the credential used in confidential client flows. This can be either
// a Secret, a Cert/Key or an assertion callback.
type Credential struct {
	// Secret contains the credential secret if we are doing auth by secret.
	Secret string

	// Cert is the public x509 certificate if we are doing any auth other than secret.
	Cert *x509.Certificate
	// Key is the private key for signing if we are doing any auth other than secret.
	Key crypto.PrivateKey
	// X5c is the JWT assertion's x5c header value, required for SN/I authentication.
	X5c []string

	// AssertionCallback is a function provided by the application, if we're authenticating by assertion.
	AssertionCallback func(context.Context, AssertionRequestOptions) (string, error)

	// mu protects everything below.
	mu sync.Mutex
	// Assertion is the JWT assertion if we have retrieved it. Public to allow faking in tests.
	// Any use outside this module is not supported by a compatibility promise.
	Assertion string
	// Expires is when the Assertion expires. Public to allow faking in tests.
	// Any use outside this module is not supported by a compatibility promise.
	Expires time.Time
}

// JWT gets the jwt assertion when the credential is not using a secret.
func (c *Credential) JWT(ctx context.Context, authParams authority.AuthParams) (string, error) {
	if c.AssertionCallback != nil {
		options := AssertionRequestOptions{
			ClientID:      authParams.ClientID,
			TokenEndpoint: authParams.Endpoints.TokenEndpoint,
		}
		return c.AssertionCallback(ctx, options)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Expires.After(time.Now().Add(time.Minute)) && c.Assertion != "" {
		return c.Assertion, nil
	}
	if c.Cert == nil || c.Key == nil {
		return "", msalerrors.ClientConfigurationError{Field: "credential", Message: "certificate credential requires a certificate and a private key"}
	}
	expires := time.Now().Add(5 * time.Minute)

	var method jwt.SigningMethod
	switch c.Key.(type) {
	case *rsa.PrivateKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PrivateKey:
		method = jwt.SigningMethodES256
	default:
		return "", msalerrors.ClientConfigurationError{Field: "credential", Message: fmt.Sprintf("private key of type %T is not supported", c.Key)}
	}

	token := jwt.NewWithClaims(method, jwt.MapClaims{
		"aud": authParams.Endpoints.TokenEndpoint,
		"exp": expires.Unix(),
		"iss": authParams.ClientID,
		"jti": uuid.New().String(),
		"nbf": time.Now().Unix(),
		"sub": authParams.ClientID,
	})
	token.Header = map[string]interface{}{
		"alg": method.Alg(),
		"typ": "JWT",
		"x5t": base64.StdEncoding.EncodeToString(thumbprint(c.Cert)),
	}
	if len(c.X5c) > 0 {
		token.Header["x5c"] = c.X5c
	}

	var err error
	c.Assertion, err = token.SignedString(c.Key)
	if err != nil {
		return "", fmt.Errorf("unable to sign a JWT token using private key: %w", err)
	}

	c.Expires = expires
	return c.Assertion, nil
}

// thumbprint runs the asn1.Der bytes through sha1 for use in the x5t parameter of JWT.
// https://tools.ietf.org/html/rfc7517#section-4.8
func thumbprint(cert *x509.Certificate) []byte {
	/* #nosec */
	a := sha1.Sum(cert.Raw)
	return a[:]
}

// TokenRequest is a request for a token with one of the supported grants. AuthParams carries
// the per-request parameters shared by all grants; the other fields are grant specific secrets.
type TokenRequest struct {
	Grant      grant.Type
	AuthParams authority.AuthParams

	// Password is the user's password for grant.Password. The username is AuthParams.Username.
	Password string
	// RefreshToken is the refresh token for grant.RefreshToken.
	RefreshToken string
	// Code and CodeVerifier are for grant.AuthCode. The redirect URI is AuthParams.Redirecturi.
	Code         string
	CodeVerifier string
}

// NewPasswordRequest returns a request for the resource owner password grant.
func NewPasswordRequest(authParams authority.AuthParams, password string) TokenRequest {
	authParams.AuthorizationType = authority.AuthorizationTypeUsernamePassword
	return TokenRequest{Grant: grant.Password, AuthParams: authParams, Password: password}
}

// NewAuthCodeRequest returns a request redeeming an authorization code. verifier is the PKCE
// code verifier and may be empty.
func NewAuthCodeRequest(authParams authority.AuthParams, code, verifier string) TokenRequest {
	authParams.AuthorizationType = authority.AuthorizationTypeAuthCode
	return TokenRequest{Grant: grant.AuthCode, AuthParams: authParams, Code: code, CodeVerifier: verifier}
}

// NewRefreshRequest returns a request exchanging a refresh token.
func NewRefreshRequest(authParams authority.AuthParams, refreshToken string) TokenRequest {
	authParams.AuthorizationType = authority.AuthorizationTypeRefreshTokenExchange
	return TokenRequest{Grant: grant.RefreshToken, AuthParams: authParams, RefreshToken: refreshToken}
}

// NewClientCredentialRequest returns a request for an app only token.
func NewClientCredentialRequest(authParams authority.AuthParams) TokenRequest {
	authParams.AuthorizationType = authority.AuthorizationTypeClientCredentials
	return TokenRequest{Grant: grant.ClientCredential, AuthParams: authParams}
}

// IsRefresh reports if the request redeems a refresh token.
func (r TokenRequest) IsRefresh() bool {
	return r.Grant == grant.RefreshToken
}

// IsClientCredential reports if the request is for an app only token.
func (r TokenRequest) IsClientCredential() bool {
	return r.Grant == grant.ClientCredential
}

// ClientConfig is the part of a token request that is fixed for a client.
type ClientConfig struct {
	// Credential authenticates a confidential client. It is nil for public clients.
	Credential *Credential
	AppName    string
	AppVersion string
}

// Request is a token request ready to be sent.
type Request struct {
	// Endpoint is the token endpoint, with any token query parameters.
	Endpoint      string
	Header        http.Header
	Form          url.Values
	CorrelationID string
}

// Body returns the encoded form, as it is sent on the wire.
func (r Request) Body() string {
	return comm.EncodeForm(r.Form)
}

// Build validates req and turns it into a Request. Missing fields are reported as
// errors.ClientConfigurationError before anything is sent.
func Build(ctx context.Context, req TokenRequest, cfg ClientConfig, c internalCrypto.Crypto) (Request, error) {
	ap := req.AuthParams
	if !req.Grant.Valid() {
		return Request{}, msalerrors.ClientConfigurationError{Field: grantType, Message: fmt.Sprintf("%q is not a supported grant", req.Grant)}
	}
	if ap.ClientID == "" {
		return Request{}, msalerrors.ClientConfigurationError{Field: clientID}
	}
	if ap.Endpoints.TokenEndpoint == "" {
		return Request{}, msalerrors.ClientConfigurationError{Field: "token_endpoint"}
	}
	if len(normalizeScopes(ap.Scopes)) == 0 {
		return Request{}, msalerrors.ClientConfigurationError{Field: "scopes", Message: "at least one scope is required"}
	}

	qv := url.Values{}
	switch req.Grant {
	case grant.Password:
		if ap.Username == "" {
			return Request{}, msalerrors.ClientConfigurationError{Field: username}
		}
		if req.Password == "" {
			return Request{}, msalerrors.ClientConfigurationError{Field: password}
		}
		qv.Set(username, ap.Username)
		qv.Set(password, req.Password)
		qv.Set(responseType, passwordResponseType)
	case grant.RefreshToken:
		if req.RefreshToken == "" {
			return Request{}, msalerrors.ClientConfigurationError{Field: refreshToken}
		}
		qv.Set(refreshToken, req.RefreshToken)
	case grant.AuthCode:
		if req.Code == "" {
			return Request{}, msalerrors.ClientConfigurationError{Field: code}
		}
		if ap.Redirecturi == "" {
			return Request{}, msalerrors.ClientConfigurationError{Field: redirectURI}
		}
		qv.Set(code, req.Code)
		qv.Set(redirectURI, ap.Redirecturi)
		if req.CodeVerifier != "" {
			qv.Set(codeVerifier, req.CodeVerifier)
		}
	case grant.ClientCredential:
		if cfg.Credential == nil {
			return Request{}, msalerrors.ClientConfigurationError{Field: "credential", Message: "client credentials grant requires a confidential client"}
		}
	}

	if cfg.Credential != nil {
		if err := addCredential(ctx, qv, cfg.Credential, ap); err != nil {
			return Request{}, err
		}
	}

	qv.Set(grantType, string(req.Grant))
	qv.Set(clientID, ap.ClientID)
	if req.Grant != grant.ClientCredential {
		qv.Set(clientInfo, clientInfoVal)
	}
	addScopeQueryParam(qv, ap.Scopes, req.Grant == grant.ClientCredential)

	correlationID := ap.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	qv.Set(requestID, correlationID)
	addTelemetry(qv, cfg)

	merged, err := ap.MergeCapabilitiesAndClaims()
	if err != nil {
		return Request{}, msalerrors.ClientConfigurationError{Field: claims, Message: err.Error()}
	}
	if merged != "" {
		qv.Set(claims, merged)
	}

	if ap.KeyID != "" {
		qv.Set(tokenType, popTokenType)
		qv.Set(reqCnf, c.Base64Encode(fmt.Sprintf(`{"kid":%q}`, ap.KeyID)))
	}

	addExtraParams(qv, ap.ExtraBodyParameters)

	endpoint, err := tokenURL(ap.Endpoints.TokenEndpoint, ap.TokenQueryParameters)
	if err != nil {
		return Request{}, err
	}

	return Request{
		Endpoint: endpoint,
		Header: http.Header{
			requestID:                  []string{correlationID},
			libCapability:              []string{libCapabilities},
			"return-client-request-id": []string{"true"},
		},
		Form:          qv,
		CorrelationID: correlationID,
	}, nil
}

// addCredential sets the client authentication parameters if we are doing secrets
// or JWT assertions.
func addCredential(ctx context.Context, qv url.Values, cc *Credential, ap authority.AuthParams) error {
	if cc.Secret != "" {
		qv.Set(clientSecret, cc.Secret)
		return nil
	}
	assertion, err := cc.JWT(ctx, ap)
	if err != nil {
		return err
	}
	if assertion == "" {
		return msalerrors.ClientConfigurationError{Field: clientAssertion, Message: "assertion callback returned an empty assertion"}
	}
	qv.Set(clientAssertion, assertion)
	qv.Set(clientAssertionType, grant.ClientAssertion)
	return nil
}

func addTelemetry(qv url.Values, cfg ClientConfig) {
	qv.Set(skuParam, version.SKU)
	qv.Set(verParam, version.Version)
	qv.Set(osParam, runtime.GOOS)
	qv.Set(cpuParam, runtime.GOARCH)
	if cfg.AppName != "" {
		qv.Set(appNameParam, cfg.AppName)
	}
	if cfg.AppVersion != "" {
		qv.Set(appVerParam, cfg.AppVersion)
	}
	qv.Set(libCapability, libCapabilities)
}

// addExtraParams adds caller supplied parameters. Empty values are dropped and reserved names
// are never overwritten.
func addExtraParams(qv url.Values, params map[string]string) {
	for k, v := range params {
		if v == "" || reserved[k] {
			continue
		}
		if _, ok := qv[k]; ok {
			continue
		}
		qv.Set(k, v)
	}
}

// tokenURL adds the token query parameters to the token endpoint.
func tokenURL(endpoint string, params map[string]string) (string, error) {
	if len(params) == 0 {
		return endpoint, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", msalerrors.ClientConfigurationError{Field: "token_endpoint", Message: err.Error()}
	}
	q := u.Query()
	for k, v := range params {
		if v == "" || reserved[k] {
			continue
		}
		if _, ok := q[k]; ok {
			continue
		}
		q.Set(k, v)
	}
	u.RawQuery = comm.EncodeForm(q)
	return u.String(), nil
}

// normalizeScopes trims scopes, drops empty ones and removes case-insensitive duplicates.
// The first spelling of a scope wins and order is kept.
func normalizeScopes(scopes []string) []string {
	seen := make(map[string]bool, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		l := strings.ToLower(s)
		if seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, s)
	}
	return out
}

func addScopeQueryParam(queryParams url.Values, requested []string, suppressDefaults bool) {
	scopes := make([]string, 0, len(requested)+len(defaultScopes))
	for _, s := range normalizeScopes(requested) {
		if !suppressDefaults && IsDefaultScope(s) {
			continue
		}
		scopes = append(scopes, s)
	}
	if !suppressDefaults {
		scopes = append(scopes, defaultScopes...)
	}

	queryParams.Set(scope, strings.Join(scopes, " "))
}

type urlFormCaller interface {
	URLFormCall(ctx context.Context, endpoint string, headers http.Header, qv url.Values, resp interface{}) error
}

// Client represents the REST calls to get tokens from token generator backends.
type Client struct {
	// Comm provides the HTTP transport client.
	Comm   urlFormCaller
	Crypto internalCrypto.Crypto
	Config ClientConfig

	// now is replaced in tests.
	now func() time.Time
}

// Token builds req, sends it and validates the reply. A transport failure is returned as is;
// callers decide how to surface HTTP errors.
func (c Client) Token(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	if c.Comm == nil {
		return TokenResponse{}, errors.New("bug: accesstokens.Client has no Comm")
	}
	cr := c.Crypto
	if cr == nil {
		cr = internalCrypto.New()
	}
	r, err := Build(ctx, req, c.Config, cr)
	if err != nil {
		return TokenResponse{}, err
	}

	now := time.Now
	if c.now != nil {
		now = c.now
	}
	// the request timestamp is taken once; every expiry of the response is relative to it
	requestTimestamp := time.Unix(now().Unix(), 0)

	resp := TokenResponseJSONPayload{}
	if err := c.Comm.URLFormCall(ctx, r.Endpoint, r.Header, r.Form, &resp); err != nil {
		return TokenResponse{}, err
	}
	return NewTokenResponse(req.AuthParams, resp, requestTimestamp, cr)
}
