// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package public provides a client for authentication of "public" applications. A "public"
application is defined as an app that runs on client devices (android, ios, windows, linux, ...).
These devices are "untrusted" and access resources via web APIs that must authenticate.

Tokens are kept in a cache.Store. The default is process memory; use WithCache to share tokens
between processes or keep them across restarts.
*/
package public

/*
Design note:

public.Client holds a base.Client by value. base.Client statically assigns its attributes
during creation. As it doesn't have any pointers in it, anything borrowed from it, such as
Base.AuthParams is a copy that is free to be manipulated here.
*/

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/AzureAD/msal-token-cache-go/apps/cache"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/base"
	internalCrypto "github.com/AzureAD/msal-token-cache-go/apps/internal/crypto"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/logger"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/oauth"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/oauth/ops/accesstokens"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/oauth/ops/authority"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/shared"
)

// AuthResult contains the results of one token acquisition operation.
// For details see https://aka.ms/msal-net-authenticationresult
type AuthResult = base.AuthResult

type Account = shared.Account

// Crypto is the set of cryptographic operations the client uses. Set it with WithCrypto().
type Crypto = internalCrypto.Crypto

// Claims are the claims of a JWT payload, as returned by Crypto.ExtractTokenClaims().
type Claims = internalCrypto.Claims

// PKCECodes is a PKCE verifier and its challenge.
type PKCECodes = internalCrypto.PKCECodes

// AuthorityResolver provides the endpoints and cache aliases of an authority. Set it with WithAuthorityResolver().
type AuthorityResolver = authority.Resolver

// AuthorityInfo describes an authority to an AuthorityResolver.
type AuthorityInfo = authority.Info

// Endpoints are the endpoints of an authority.
type Endpoints = authority.Endpoints

// HTTPClient represents an HTTP client.
// It's usually an *http.Client from the standard library.
type HTTPClient interface {
	// Do sends an HTTP request and returns an HTTP response.
	Do(req *http.Request) (*http.Response, error)

	// CloseIdleConnections closes any idle connections in a "keep-alive" state.
	CloseIdleConnections()
}

// Options configures the Client's behavior.
type Options struct {
	// Authority is the authority tokens are requested from. The default is
	// https://login.microsoftonline.com/common. This can be changed with the WithAuthority() option.
	Authority string

	// Cache stores tokens. The default is a memory store private to the client.
	// This can be set with the WithCache() option.
	Cache cache.Store

	// HTTPClient is used for all requests. The default is a shared *http.Client.
	HTTPClient HTTPClient

	// Logger receives cache and pipeline events. By default nothing is logged.
	Logger *slog.Logger

	// Capabilities are declared to the identity provider on every request, for example "cp1".
	Capabilities []string

	// AppName and AppVersion are sent as telemetry.
	AppName    string
	AppVersion string

	// DisableInstanceDiscovery turns off the check that the authority host is a known cloud.
	DisableInstanceDiscovery bool

	Resolver AuthorityResolver
	Crypto   Crypto
	// RenewalBuffer of zero means the default.
	RenewalBuffer time.Duration
}

func (p *Options) validate() error {
	u, err := url.Parse(p.Authority)
	if err != nil {
		return fmt.Errorf("Authority options cannot be URL parsed: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("Authority(%s) did not start with https://", u.String())
	}
	if p.HTTPClient == nil {
		return fmt.Errorf("HTTPClient cannot be nil")
	}
	if p.RenewalBuffer < 0 {
		return fmt.Errorf("renewal buffer(%s) cannot be negative", p.RenewalBuffer)
	}
	return nil
}

// Option is an optional argument to the New constructor.
type Option func(o *Options)

// WithAuthority allows for a custom authority to be set. This must be a valid https url.
func WithAuthority(authority string) Option {
	return func(o *Options) {
		o.Authority = authority
	}
}

// WithCache sets the store tokens are kept in. Several clients may share a store.
func WithCache(s cache.Store) Option {
	return func(o *Options) {
		o.Cache = s
	}
}

// WithHTTPClient allows for a custom HTTP client to be set.
func WithHTTPClient(httpClient HTTPClient) Option {
	return func(o *Options) {
		o.HTTPClient = httpClient
	}
}

// WithLogger sets the logger for cache and token acquisition events.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithClientCapabilities allows configuring one or more client capabilities such as "CP1"
func WithClientCapabilities(capabilities []string) Option {
	return func(o *Options) {
		// the slice is shared with the application, but it's only read during New, where it's
		// encoded into the claims sent with every request
		o.Capabilities = capabilities
	}
}

// WithAppInfo sets the application name and version sent as telemetry.
func WithAppInfo(name, version string) Option {
	return func(o *Options) {
		o.AppName = name
		o.AppVersion = version
	}
}

// WithInstanceDiscovery set to false disables validation of the authority host. Use it for
// authorities outside the known clouds.
func WithInstanceDiscovery(enabled bool) Option {
	return func(o *Options) {
		o.DisableInstanceDiscovery = !enabled
	}
}

// WithAuthorityResolver replaces the built in endpoint and alias resolution.
func WithAuthorityResolver(r AuthorityResolver) Option {
	return func(o *Options) {
		o.Resolver = r
	}
}

// WithCrypto replaces the built in cryptographic operations.
func WithCrypto(c Crypto) Option {
	return func(o *Options) {
		o.Crypto = c
	}
}

// WithRenewalBuffer sets how long before its expiry a cached access token is renewed. Zero
// keeps the default of five minutes.
func WithRenewalBuffer(d time.Duration) Option {
	return func(o *Options) {
		o.RenewalBuffer = d
	}
}

// Client is a representation of authentication client for public applications as defined in the
// package doc. For more information, visit https://docs.microsoft.com/azure/active-directory/develop/msal-client-applications.
type Client struct {
	base base.Client
}

// New is the constructor for Client.
func New(clientID string, options ...Option) (Client, error) {
	opts := Options{
		Authority:  base.AuthorityPublicCloud,
		HTTPClient: shared.DefaultClient,
	}

	for _, o := range options {
		o(&opts)
	}
	if err := opts.validate(); err != nil {
		return Client{}, err
	}

	cfg := accesstokens.ClientConfig{AppName: opts.AppName, AppVersion: opts.AppVersion}
	token := oauth.New(opts.HTTPClient, opts.Resolver, cfg, opts.Crypto)

	baseOpts := []base.Option{
		base.WithCache(opts.Cache),
		base.WithLogger(logger.New(opts.Logger)),
		base.WithClientCapabilities(opts.Capabilities),
		base.WithInstanceDiscovery(!opts.DisableInstanceDiscovery),
		base.WithCrypto(opts.Crypto),
	}
	if opts.RenewalBuffer > 0 {
		baseOpts = append(baseOpts, base.WithRenewalBuffer(opts.RenewalBuffer))
	}
	b, err := base.New(clientID, opts.Authority, token, baseOpts...)
	if err != nil {
		return Client{}, err
	}
	return Client{base: b}, nil
}

// AcquireOptions are the optional settings of a token request. They are set with AcquireOption
// functions; each method documents the ones it uses.
type AcquireOptions struct {
	Account              Account
	Claims               string
	TenantID             string
	KeyID                string
	State                string
	CodeVerifier         string
	ExtraBodyParameters  map[string]string
	TokenQueryParameters map[string]string

	// auth code URL only
	Challenge  string
	LoginHint  string
	DomainHint string
	Prompt     string
}

func (o AcquireOptions) request() base.RequestOptions {
	return base.RequestOptions{
		Claims:               o.Claims,
		TenantID:             o.TenantID,
		KeyID:                o.KeyID,
		State:                o.State,
		ExtraBodyParameters:  o.ExtraBodyParameters,
		TokenQueryParameters: o.TokenQueryParameters,
	}
}

// AcquireOption changes options inside AcquireOptions.
type AcquireOption func(o *AcquireOptions)

func applyOptions(options []AcquireOption) AcquireOptions {
	o := AcquireOptions{}
	for _, opt := range options {
		opt(&o)
	}
	return o
}

// WithSilentAccount uses the passed account during an AcquireTokenSilent() call.
func WithSilentAccount(account Account) AcquireOption {
	return func(o *AcquireOptions) {
		o.Account = account
	}
}

// WithClaims sets additional claims to request for the token, such as those required by conditional access policies.
// Use this option when Azure AD returned a claims challenge for a prior request. The argument must be decoded.
// A silent request with claims only uses a cached token issued for the same claims.
func WithClaims(claims string) AcquireOption {
	return func(o *AcquireOptions) {
		o.Claims = claims
	}
}

// WithTenantID specifies a tenant for a single authentication. It may be different than the tenant set in [New].
// This option is valid for any token acquisition method.
func WithTenantID(tenantID string) AcquireOption {
	return func(o *AcquireOptions) {
		o.TenantID = tenantID
	}
}

// WithProofOfPossession requests a token bound to the key with the given id.
func WithProofOfPossession(keyID string) AcquireOption {
	return func(o *AcquireOptions) {
		o.KeyID = keyID
	}
}

// WithState sets the state parameter of the auth code flow. It is echoed in AuthResult.State.
func WithState(state string) AcquireOption {
	return func(o *AcquireOptions) {
		o.State = state
	}
}

// WithCodeVerifier sets the PKCE verifier when redeeming an authorization code.
func WithCodeVerifier(verifier string) AcquireOption {
	return func(o *AcquireOptions) {
		o.CodeVerifier = verifier
	}
}

// WithChallenge sets the S256 PKCE challenge of an auth code URL.
func WithChallenge(challenge string) AcquireOption {
	return func(o *AcquireOptions) {
		o.Challenge = challenge
	}
}

// WithLoginHint pre-fills the username prompt of an auth code URL.
func WithLoginHint(username string) AcquireOption {
	return func(o *AcquireOptions) {
		o.LoginHint = username
	}
}

// WithDomainHint skips the account discovery of an auth code URL.
func WithDomainHint(domain string) AcquireOption {
	return func(o *AcquireOptions) {
		o.DomainHint = domain
	}
}

// WithPrompt sets the prompt behavior of an auth code URL, for example "select_account".
func WithPrompt(prompt string) AcquireOption {
	return func(o *AcquireOptions) {
		o.Prompt = prompt
	}
}

// WithExtraBodyParameters adds parameters to the token request body. Parameters the library sets
// itself cannot be replaced.
func WithExtraBodyParameters(params map[string]string) AcquireOption {
	return func(o *AcquireOptions) {
		o.ExtraBodyParameters = params
	}
}

// WithTokenQueryParameters adds query parameters to the token endpoint URL.
func WithTokenQueryParameters(params map[string]string) AcquireOption {
	return func(o *AcquireOptions) {
		o.TokenQueryParameters = params
	}
}

// GeneratePKCE returns a new PKCE verifier and challenge. Pass the challenge to AuthCodeURL with
// WithChallenge and the verifier to AcquireTokenByAuthCode with WithCodeVerifier.
func (pca Client) GeneratePKCE() (PKCECodes, error) {
	return pca.base.GeneratePKCE()
}

// AuthCodeURL creates a URL used to acquire an authorization code.
// Options: WithChallenge, WithState, WithLoginHint, WithDomainHint, WithPrompt, WithClaims, WithTenantID.
func (pca Client) AuthCodeURL(ctx context.Context, redirectURI string, scopes []string, options ...AcquireOption) (string, error) {
	o := applyOptions(options)
	p := base.AuthCodeURLParameters{
		Scopes:      scopes,
		RedirectURI: redirectURI,
		State:       o.State,
		LoginHint:   o.LoginHint,
		DomainHint:  o.DomainHint,
		Prompt:      o.Prompt,
		Claims:      o.Claims,
		TenantID:    o.TenantID,
	}
	if o.Challenge != "" {
		p.CodeChallenge = o.Challenge
		p.CodeChallengeMethod = "S256"
	}
	return pca.base.AuthCodeURL(ctx, p)
}

// AcquireTokenSilent acquires a token from either the cache or using a refresh token.
// Options: WithSilentAccount (required), WithClaims, WithTenantID, WithProofOfPossession.
func (pca Client) AcquireTokenSilent(ctx context.Context, scopes []string, options ...AcquireOption) (AuthResult, error) {
	o := applyOptions(options)
	return pca.base.AcquireTokenSilent(ctx, base.AcquireTokenSilentParameters{
		RequestOptions: o.request(),
		Scopes:         scopes,
		Account:        o.Account,
	})
}

// AcquireTokenByUsernamePassword acquires a security token from the authority, via Username/Password Authentication.
// NOTE: this flow is NOT recommended.
// Options: WithClaims, WithTenantID, WithProofOfPossession, WithExtraBodyParameters, WithTokenQueryParameters.
func (pca Client) AcquireTokenByUsernamePassword(ctx context.Context, scopes []string, username, password string, options ...AcquireOption) (AuthResult, error) {
	o := applyOptions(options)
	return pca.base.AcquireTokenByUsernamePassword(ctx, base.AcquireTokenByUsernamePasswordParameters{
		RequestOptions: o.request(),
		Scopes:         scopes,
		Username:       username,
		Password:       password,
	})
}

// AcquireTokenByAuthCode is a request to acquire a security token from the authority, using an authorization code.
// The specified redirect URI must be the same URI that was used when the authorization code was requested.
// Options: WithCodeVerifier, WithState, WithClaims, WithTenantID, WithProofOfPossession, WithExtraBodyParameters, WithTokenQueryParameters.
func (pca Client) AcquireTokenByAuthCode(ctx context.Context, code, redirectURI string, scopes []string, options ...AcquireOption) (AuthResult, error) {
	o := applyOptions(options)
	return pca.base.AcquireTokenByAuthCode(ctx, base.AcquireTokenAuthCodeParameters{
		RequestOptions: o.request(),
		Scopes:         scopes,
		Code:           code,
		CodeVerifier:   o.CodeVerifier,
		RedirectURI:    redirectURI,
	})
}

// Accounts gets all the accounts in the token cache.
func (pca Client) Accounts(ctx context.Context) ([]Account, error) {
	return pca.base.Accounts(ctx)
}

// Account returns the cached account with the given home account id, or the zero Account.
func (pca Client) Account(ctx context.Context, homeAccountID string) (Account, error) {
	return pca.base.Account(ctx, homeAccountID)
}

// RemoveAccount signs the account out and forgets it, removing its tokens for every client sharing the cache.
func (pca Client) RemoveAccount(ctx context.Context, account Account) error {
	return pca.base.RemoveAccount(ctx, account)
}

// ExportCache serializes every entry of the cache in the JSON format shared by the MSAL libraries.
func (pca Client) ExportCache(ctx context.Context) ([]byte, error) {
	return pca.base.Serializer().Marshal(ctx)
}

// ImportCache writes the entries of a serialized cache into the client's store, replacing entries with the same keys.
func (pca Client) ImportCache(ctx context.Context, b []byte) error {
	return pca.base.Serializer().Unmarshal(ctx, b)
}

// TokenSource returns an oauth2.TokenSource that acquires tokens for account silently. Its
// context is used for every call.
func (pca Client) TokenSource(ctx context.Context, scopes []string, account Account, options ...AcquireOption) oauth2.TokenSource {
	return tokenSource{ctx: ctx, client: pca, scopes: scopes, options: append([]AcquireOption{WithSilentAccount(account)}, options...)}
}

type tokenSource struct {
	ctx     context.Context
	client  Client
	scopes  []string
	options []AcquireOption
}

// Token implements oauth2.TokenSource.
func (ts tokenSource) Token() (*oauth2.Token, error) {
	res, err := ts.client.AcquireTokenSilent(ts.ctx, ts.scopes, ts.options...)
	if err != nil {
		return nil, err
	}
	return res.OAuth2Token(), nil
}
