// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package base contains a "Base" client that is used by the external public.Client and confidential.Client.
// Base holds shared attributes that must be available to both clients and methods that act as
// shared calls: the token acquisition pipeline, cache lookups and account management.
package base

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/oauth2"

	"github.com/AzureAD/msal-token-cache-go/apps/cache"
	"github.com/AzureAD/msal-token-cache-go/apps/cache/memory"
	msalerrors "github.com/AzureAD/msal-token-cache-go/apps/errors"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/base/internal/storage"
	internalCrypto "github.com/AzureAD/msal-token-cache-go/apps/internal/crypto"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/logger"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/oauth/ops/accesstokens"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/oauth/ops/authority"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/shared"
)

const (
	// AuthorityPublicCloud is the default AAD authority host
	AuthorityPublicCloud = "https://login.microsoftonline.com/common"
	scopeSeparator       = " "
	invalidGrant         = "invalid_grant"
)

// tokenClient is the part of *oauth.Client the pipeline uses. It is an interface so tests can fake it.
type tokenClient interface {
	ResolveEndpoints(ctx context.Context, authParams authority.AuthParams) (authority.AuthParams, error)
	Token(ctx context.Context, req accesstokens.TokenRequest) (accesstokens.TokenResponse, error)
}

// RequestOptions are the per request settings shared by every acquisition.
type RequestOptions struct {
	// Claims is a claims request or a claims challenge from a resource, a JSON object.
	Claims string
	// TenantID overrides the tenant of the client's authority for this request.
	TenantID string
	// KeyID requests a proof-of-possession token bound to the key.
	KeyID string
	// State is echoed back in AuthResult.State.
	State                string
	ExtraBodyParameters  map[string]string
	TokenQueryParameters map[string]string
}

// AcquireTokenSilentParameters contains the parameters to acquire a token silently (from cache).
type AcquireTokenSilentParameters struct {
	RequestOptions
	Scopes  []string
	Account shared.Account
}

// AcquireTokenAuthCodeParameters contains the parameters required to acquire an access token using the auth code flow.
// CodeVerifier is the PKCE verifier matching the challenge sent to the authorization endpoint.
// Code challenges are used to secure authorization code grants; for more information, visit
// https://tools.ietf.org/html/rfc7636.
type AcquireTokenAuthCodeParameters struct {
	RequestOptions
	Scopes       []string
	Code         string
	CodeVerifier string
	RedirectURI  string
}

// AcquireTokenByUsernamePasswordParameters contains the parameters of the resource owner password flow.
type AcquireTokenByUsernamePasswordParameters struct {
	RequestOptions
	Scopes   []string
	Username string
	Password string
}

// AcquireTokenByCredentialParameters contains the parameters of the client credentials flow.
type AcquireTokenByCredentialParameters struct {
	RequestOptions
	Scopes []string
}

// AuthCodeURLParameters contains the parameters of an authorization endpoint URL.
type AuthCodeURLParameters struct {
	Scopes              []string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	LoginHint           string
	DomainHint          string
	Prompt              string
	Claims              string
	TenantID            string
}

// AuthResult contains the results of one token acquisition operation in PublicClientApplication
// or ConfidentialClientApplication. For details see https://aka.ms/msal-net-authenticationresult
type AuthResult struct {
	Account     shared.Account
	IDToken     accesstokens.IDToken
	AccessToken string
	TokenType   string
	ExpiresOn   time.Time
	// ExtendedExpiresOn is how long the token may be used when the identity provider is unavailable.
	ExtendedExpiresOn time.Time
	// Scopes are the scopes the token was granted, as reported by the server.
	Scopes         []string
	DeclinedScopes []string
	State          string
	CorrelationID  string
	// FromCache is true when no request was sent.
	FromCache bool
	// Warnings are cache writes that failed. The token is valid but may not be cached.
	Warnings []error
}

// newAuthResult creates an AuthResult from a token endpoint reply.
func newAuthResult(ap authority.AuthParams, tr accesstokens.TokenResponse, account shared.Account) AuthResult {
	correlationID := tr.CorrelationID
	if correlationID == "" {
		correlationID = ap.CorrelationID
	}
	return AuthResult{
		Account:           account,
		IDToken:           tr.IDToken,
		AccessToken:       tr.AccessToken,
		TokenType:         tr.TokenType,
		ExpiresOn:         tr.ExpiresOn,
		ExtendedExpiresOn: tr.ExtExpiresOn,
		Scopes:            tr.GrantedScopes,
		DeclinedScopes:    tr.DeclinedScopes,
		State:             ap.State,
		CorrelationID:     correlationID,
	}
}

// OAuth2Token converts the result for use with golang.org/x/oauth2.
func (r AuthResult) OAuth2Token() *oauth2.Token {
	t := &oauth2.Token{AccessToken: r.AccessToken, TokenType: r.TokenType, Expiry: r.ExpiresOn}
	if !r.IDToken.IsZero() {
		t = t.WithExtra(map[string]any{"id_token": r.IDToken.RawToken})
	}
	return t
}

// Client is a base client that provides access to common methods and primatives that
// can be used by multiple clients.
type Client struct {
	Token   tokenClient
	manager *storage.Manager

	AuthParams authority.AuthParams // DO NOT EVER MAKE THIS A POINTER! Every request works on a copy.
	log        logger.LoggerInterface
	crypto     internalCrypto.Crypto

	// set by options, consumed by New
	store             cache.Store
	storageOptions    []storage.Option
	capabilities      []string
	validateAuthority bool
}

// Option is an optional argument to the New constructor.
type Option func(c *Client)

// WithCache sets the store tokens are kept in. The default is a memory.Store private to the client.
func WithCache(s cache.Store) Option {
	return func(c *Client) {
		if s != nil {
			c.store = s
		}
	}
}

// WithLogger sets the logger for pipeline and cache events.
func WithLogger(l logger.LoggerInterface) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithCrypto replaces the default crypto implementation.
func WithCrypto(cr internalCrypto.Crypto) Option {
	return func(c *Client) {
		if cr != nil {
			c.crypto = cr
		}
	}
}

// WithRenewalBuffer sets how long before expiry a cached access token is renewed.
func WithRenewalBuffer(d time.Duration) Option {
	return func(c *Client) {
		c.storageOptions = append(c.storageOptions, storage.WithRenewalBuffer(d))
	}
}

// WithSelector sets the policy choosing among cached access tokens.
func WithSelector(s storage.Selector) Option {
	return func(c *Client) {
		c.storageOptions = append(c.storageOptions, storage.WithSelector(s))
	}
}

// WithClientCapabilities declares client capabilities such as "cp1" on every request.
func WithClientCapabilities(capabilities []string) Option {
	return func(c *Client) {
		c.capabilities = capabilities
	}
}

// WithInstanceDiscovery set to false disables validation of the authority host, which is
// required for hosts outside the known clouds.
func WithInstanceDiscovery(enabled bool) Option {
	return func(c *Client) {
		c.validateAuthority = enabled
	}
}

// New is the constructor for Base.
func New(clientID string, authorityURI string, token tokenClient, options ...Option) (Client, error) {
	if clientID == "" {
		return Client{}, msalerrors.ClientConfigurationError{Field: "client_id"}
	}
	if token == nil {
		return Client{}, errors.New("base.New: token client cannot be nil")
	}
	client := Client{
		Token:             token,
		log:               logger.New(nil),
		crypto:            internalCrypto.New(),
		validateAuthority: true,
	}
	for _, o := range options {
		o(&client)
	}

	authInfo, err := authority.NewInfoFromAuthorityURI(authorityURI, client.validateAuthority)
	if err != nil {
		return Client{}, msalerrors.ClientConfigurationError{Field: "authority", Message: err.Error()}
	}
	client.AuthParams = authority.NewAuthParams(clientID, authInfo)
	caps, err := authority.NewClientCapabilities(client.capabilities)
	if err != nil {
		return Client{}, msalerrors.ClientConfigurationError{Field: "client_capabilities", Message: err.Error()}
	}
	client.AuthParams.Capabilities = caps

	if client.store == nil {
		client.store = memory.New()
	}
	opts := append([]storage.Option{storage.WithLogger(client.log), storage.WithCrypto(client.crypto)}, client.storageOptions...)
	client.manager = storage.New(client.store, opts...)
	return client, nil
}

// authParams returns a copy of the client's AuthParams set up for one request.
func (b Client) authParams(scopes []string, o RequestOptions) (authority.AuthParams, error) {
	ap, err := b.AuthParams.WithTenant(o.TenantID)
	if err != nil {
		return ap, msalerrors.ClientConfigurationError{Field: "tenant_id", Message: err.Error()}
	}
	ap.CorrelationID = uuid.New().String()
	ap.Scopes = scopes
	ap.Claims = o.Claims
	ap.KeyID = o.KeyID
	ap.State = o.State
	ap.ExtraBodyParameters = o.ExtraBodyParameters
	ap.TokenQueryParameters = o.TokenQueryParameters
	return ap, nil
}

// AuthCodeURL creates a URL used to acquire an authorization code.
func (b Client) AuthCodeURL(ctx context.Context, p AuthCodeURLParameters) (string, error) {
	if p.RedirectURI == "" {
		return "", msalerrors.ClientConfigurationError{Field: "redirect_uri"}
	}
	ap, err := b.authParams(p.Scopes, RequestOptions{TenantID: p.TenantID, Claims: p.Claims})
	if err != nil {
		return "", err
	}
	ap, err = b.Token.ResolveEndpoints(ctx, ap)
	if err != nil {
		return "", err
	}

	baseURL, err := url.Parse(ap.Endpoints.AuthorizationEndpoint)
	if err != nil {
		return "", err
	}

	v := url.Values{}
	v.Add("client_id", ap.ClientID)
	v.Add("response_type", "code")
	v.Add("redirect_uri", p.RedirectURI)
	v.Add("scope", strings.Join(withDefaultScopes(p.Scopes), scopeSeparator))
	v.Add("client_info", "1")
	for name, value := range map[string]string{
		"state":                 p.State,
		"code_challenge":        p.CodeChallenge,
		"code_challenge_method": p.CodeChallengeMethod,
		"login_hint":            p.LoginHint,
		"domain_hint":           p.DomainHint,
		"prompt":                p.Prompt,
	} {
		if value != "" {
			v.Add(name, value)
		}
	}
	claims, err := ap.MergeCapabilitiesAndClaims()
	if err != nil {
		return "", msalerrors.ClientConfigurationError{Field: "claims", Message: err.Error()}
	}
	if claims != "" {
		v.Add("claims", claims)
	}
	baseURL.RawQuery = v.Encode()
	return baseURL.String(), nil
}

// withDefaultScopes appends the OIDC scopes to scopes unless they are already there.
func withDefaultScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes)+3)
	seen := map[string]bool{}
	for _, s := range append(append([]string{}, scopes...), "openid", "profile", "offline_access") {
		if s = strings.TrimSpace(s); s == "" || seen[strings.ToLower(s)] {
			continue
		}
		seen[strings.ToLower(s)] = true
		out = append(out, s)
	}
	return out
}

// AcquireTokenByUsernamePassword acquires a token for a user with the resource owner password grant.
func (b Client) AcquireTokenByUsernamePassword(ctx context.Context, p AcquireTokenByUsernamePasswordParameters) (AuthResult, error) {
	ap, err := b.authParams(p.Scopes, p.RequestOptions)
	if err != nil {
		return AuthResult{}, err
	}
	ap.Username = p.Username
	return b.AcquireToken(ctx, accesstokens.NewPasswordRequest(ap, p.Password))
}

// AcquireTokenByAuthCode redeems an authorization code.
func (b Client) AcquireTokenByAuthCode(ctx context.Context, p AcquireTokenAuthCodeParameters) (AuthResult, error) {
	ap, err := b.authParams(p.Scopes, p.RequestOptions)
	if err != nil {
		return AuthResult{}, err
	}
	ap.Redirecturi = p.RedirectURI
	return b.AcquireToken(ctx, accesstokens.NewAuthCodeRequest(ap, p.Code, p.CodeVerifier))
}

// AcquireTokenByCredential acquires an app only token with the client credentials grant. A
// valid token in the cache is returned without a request.
func (b Client) AcquireTokenByCredential(ctx context.Context, p AcquireTokenByCredentialParameters) (AuthResult, error) {
	ap, err := b.authParams(p.Scopes, p.RequestOptions)
	if err != nil {
		return AuthResult{}, err
	}
	return b.AcquireToken(ctx, accesstokens.NewClientCredentialRequest(ap))
}

// AcquireToken runs req through the pipeline: a cache lookup for app tokens, the request, response
// validation and the cache write.
func (b Client) AcquireToken(ctx context.Context, req accesstokens.TokenRequest) (AuthResult, error) {
	if req.AuthParams.CorrelationID == "" {
		req.AuthParams.CorrelationID = uuid.New().String()
	}
	p := b.newPipeline(ctx, req.AuthParams)

	ap, err := b.Token.ResolveEndpoints(ctx, req.AuthParams)
	if err != nil {
		return AuthResult{}, p.fail(ctx, err)
	}
	req.AuthParams = ap

	if req.IsClientCredential() {
		f := b.accessTokenFilter(ap)
		f.AppOnly = true
		f.Realm = ap.AuthorityInfo.Tenant
		at, ok, err := b.manager.AccessToken(ctx, f)
		if err != nil {
			return AuthResult{}, p.fail(ctx, err)
		}
		if ok {
			return b.fromCache(ctx, p, ap, at, shared.Account{}), nil
		}
	}
	return b.request(ctx, p, req)
}

// AcquireTokenSilent returns a cached access token for the account or, when there is none,
// redeems the account's refresh token. A refresh token the server rejects is removed from the cache.
func (b Client) AcquireTokenSilent(ctx context.Context, silent AcquireTokenSilentParameters) (AuthResult, error) {
	if silent.Account.IsZero() {
		return AuthResult{}, msalerrors.ClientConfigurationError{Field: "account", Message: "silent token acquisition requires an account"}
	}
	ap, err := b.authParams(silent.Scopes, silent.RequestOptions)
	if err != nil {
		return AuthResult{}, err
	}
	ap.HomeAccountID = silent.Account.HomeAccountID
	ap.AuthorizationType = authority.AuthorizationTypeRefreshTokenExchange
	p := b.newPipeline(ctx, ap)

	ap, err = b.Token.ResolveEndpoints(ctx, ap)
	if err != nil {
		return AuthResult{}, p.fail(ctx, err)
	}

	f := b.accessTokenFilter(ap)
	f.HomeAccountID = silent.Account.HomeAccountID
	f.Realm = ap.AuthorityInfo.Tenant
	if ap.AuthorityInfo.IsMultiTenant() {
		f.Realm = silent.Account.Realm
	}
	at, ok, err := b.manager.AccessToken(ctx, f)
	if err != nil {
		return AuthResult{}, p.fail(ctx, err)
	}
	if ok {
		return b.fromCache(ctx, p, ap, at, silent.Account), nil
	}

	rt, err := b.manager.RefreshToken(ctx, silent.Account.HomeAccountID, ap.Aliases, ap.ClientID)
	if err != nil {
		return AuthResult{}, p.fail(ctx, err)
	}
	res, err := b.request(ctx, p, accesstokens.NewRefreshRequest(ap, rt.Secret))
	var srvErr msalerrors.ServerResponseError
	if errors.As(err, &srvErr) && srvErr.ErrorCode == invalidGrant {
		if rerr := b.manager.RemoveRefreshToken(ctx, rt); rerr != nil {
			b.log.Log(ctx, logger.Warn, "could not remove a rejected refresh token", logger.Field("correlation_id", ap.CorrelationID), logger.Field("error", rerr.Error()))
		}
	}
	return res, err
}

// accessTokenFilter returns the cache constraints an access token must meet to serve ap.
func (b Client) accessTokenFilter(ap authority.AuthParams) storage.Filter {
	f := storage.Filter{
		Environments:   ap.Aliases,
		ClientID:       ap.ClientID,
		Scopes:         ap.Scopes,
		CredentialType: storage.CredentialTypeAccessToken,
	}
	if ap.KeyID != "" {
		f.CredentialType = storage.CredentialTypeAccessTokenWithAuthScheme
		f.KeyID = ap.KeyID
	}
	if ap.Claims != "" {
		f.RequestedClaimsHash = b.crypto.HashString(ap.Claims)
	}
	return f
}

// request sends req and caches the reply.
func (b Client) request(ctx context.Context, p *pipeline, req accesstokens.TokenRequest) (AuthResult, error) {
	ap := req.AuthParams
	p.to(ctx, stateRequested)
	tr, err := b.Token.Token(ctx, req)
	if err != nil {
		return AuthResult{}, p.fail(ctx, err)
	}
	p.to(ctx, stateValidated)

	account, err := b.manager.Write(ctx, ap, tr)
	res := newAuthResult(ap, tr, account)
	if err != nil {
		res.Warnings = warnings(err)
		b.log.Log(ctx, logger.Warn, "token was acquired but not fully cached", logger.Field("correlation_id", ap.CorrelationID), logger.Field("error", err.Error()))
	}
	p.to(ctx, stateCached)
	p.to(ctx, stateReturned)
	return res, nil
}

// fromCache builds the result for a cached access token, with the ID token and account cached along with it.
func (b Client) fromCache(ctx context.Context, p *pipeline, ap authority.AuthParams, at storage.AccessToken, account shared.Account) AuthResult {
	res := AuthResult{
		Account:           account,
		AccessToken:       at.Secret,
		TokenType:         at.TokenType,
		ExpiresOn:         at.ExpiresOn.T,
		ExtendedExpiresOn: at.ExtendedExpiresOn.T,
		Scopes:            at.Scopes(),
		State:             ap.State,
		CorrelationID:     ap.CorrelationID,
		FromCache:         true,
	}
	if at.HomeAccountID != "" {
		if acc, err := b.manager.Account(ctx, at.HomeAccountID, ap.Aliases, at.Realm); err == nil && !acc.IsZero() {
			res.Account = acc
		}
		id, err := b.manager.IDToken(ctx, storage.Filter{HomeAccountID: at.HomeAccountID, Environments: ap.Aliases, Realm: at.Realm, ClientID: ap.ClientID})
		if err == nil && !id.IsZero() {
			res.IDToken = accesstokens.IDToken{RawToken: id.Secret}
			if claims, err := b.crypto.ExtractTokenClaims(id.Secret); err == nil {
				res.IDToken = accesstokens.NewIDToken(id.Secret, claims)
			} else {
				b.log.Log(ctx, logger.Warn, "cached ID token could not be decoded", logger.Field("correlation_id", ap.CorrelationID), logger.Field("error", err.Error()))
			}
		}
	}
	p.to(ctx, stateReturned)
	return res
}

// warnings flattens the aggregated errors of a cache write.
func warnings(err error) []error {
	var merr *multierror.Error
	if errors.As(err, &merr) {
		return merr.WrappedErrors()
	}
	return []error{err}
}

// Accounts returns every account in the cache.
func (b Client) Accounts(ctx context.Context) ([]shared.Account, error) {
	return b.manager.AllAccounts(ctx)
}

// Account returns the cached account with the given home account id in the client's cloud, or
// the zero Account.
func (b Client) Account(ctx context.Context, homeAccountID string) (shared.Account, error) {
	if homeAccountID == "" {
		return shared.Account{}, nil
	}
	accs, err := b.manager.Accounts(ctx, storage.Filter{HomeAccountID: homeAccountID, Environments: authority.Aliases(b.AuthParams.AuthorityInfo.Host)})
	if err != nil || len(accs) == 0 {
		return shared.Account{}, err
	}
	return accs[0], nil
}

// RemoveAccount signs the account out of the cache, deleting its tokens for every client.
func (b Client) RemoveAccount(ctx context.Context, account shared.Account) error {
	return b.manager.RemoveAccount(ctx, account.HomeAccountID)
}

// GeneratePKCE returns a new PKCE verifier and challenge for the auth code flow.
func (b Client) GeneratePKCE() (internalCrypto.PKCECodes, error) {
	return b.crypto.GeneratePKCE()
}

// Serializer returns the cache as a cache.Serializer, to move its content to another store.
func (b Client) Serializer() cache.Serializer {
	return b.manager
}
