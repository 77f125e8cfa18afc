// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package confidential provides a client for authentication of "confidential" applications.
A "confidential" application is defined as an app that run on servers. They are considered
difficult to access and for that reason capable of keeping an application secret.
Confidential clients can hold configuration-time secrets.

App only tokens from AcquireTokenByCredential are cached under the tenant with an empty home
account id, so they never appear in Accounts.
*/
package confidential

/*
Design note:

confidential.Client holds a base.Client by value. base.Client statically assigns its attributes
during creation. As it doesn't have any pointers in it, anything borrowed from it, such as
Base.AuthParams is a copy that is free to be manipulated here.

Duplicate Calls shared between public.Client and this package:
There are some call options here that are the same as in public.Client. "A little copying is
better than a little dependency": a shared options package would split a couple of options from
all the others and make users look through more docs.

X509:
x509.Certificate does not store private keys, so CertFromPEM and CertFromPFX return the
certificates and the key separately.
*/

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/crypto/pkcs12"
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

// AssertionRequestOptions has information the assertion callback needs to build a client assertion.
type AssertionRequestOptions = accesstokens.AssertionRequestOptions

// Crypto is the set of cryptographic operations the client uses. Set it with WithCrypto().
type Crypto = internalCrypto.Crypto

// PKCECodes is a PKCE verifier and its challenge.
type PKCECodes = internalCrypto.PKCECodes

// AuthorityResolver provides the endpoints and cache aliases of an authority. Set it with WithAuthorityResolver().
type AuthorityResolver = authority.Resolver

// CertFromPEM converts a PEM file (.pem or .key) for use with NewCredFromCert(). The file
// must have the public certificate and the private key encoded. The private key may be PKCS8,
// PKCS1 ("RSA PRIVATE KEY") or SEC1 ("EC PRIVATE KEY"). If a PEM block is encrypted and password
// is not an empty string, it attempts to decrypt the PEM blocks using the password. This will
// return multiple x509 certificates when the file holds a chain.
func CertFromPEM(pemData []byte, password string) ([]*x509.Certificate, crypto.PrivateKey, error) {
	var certs []*x509.Certificate
	var priv crypto.PrivateKey
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}

		//nolint:staticcheck // legacy encrypted PEM is still produced by common tooling
		if x509.IsEncryptedPEMBlock(block) {
			//nolint:staticcheck
			b, err := x509.DecryptPEMBlock(block, []byte(password))
			if err != nil {
				return nil, nil, fmt.Errorf("could not decrypt encrypted PEM block: %w", err)
			}
			block = &pem.Block{Type: block.Type, Bytes: b}
		}

		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, nil, fmt.Errorf("block labelled 'CERTIFICATE' could not be parsed by x509: %w", err)
			}
			certs = append(certs, cert)
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			if priv != nil {
				return nil, nil, errors.New("found multiple private key blocks")
			}
			var err error
			priv, err = parsePrivateKey(block)
			if err != nil {
				return nil, nil, fmt.Errorf("could not decode private key: %w", err)
			}
		}
		pemData = rest
	}

	if len(certs) == 0 {
		return nil, nil, errors.New("no certificates found")
	}
	if priv == nil {
		return nil, nil, errors.New("no private key found")
	}
	return certs, priv, nil
}

func parsePrivateKey(block *pem.Block) (crypto.PrivateKey, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	}
	return x509.ParsePKCS8PrivateKey(block.Bytes)
}

// CertFromPFX converts a PKCS#12 file (.pfx or .p12) holding one certificate and its private key.
func CertFromPFX(pfxData []byte, password string) (*x509.Certificate, crypto.PrivateKey, error) {
	key, cert, err := pkcs12.Decode(pfxData, password)
	if err != nil {
		return nil, nil, fmt.Errorf("could not decode PKCS#12 data: %w", err)
	}
	return cert, key, nil
}

// Credential represents the credential used in confidential client flows.
type Credential struct {
	secret string

	cert *x509.Certificate
	key  crypto.PrivateKey

	assertionCallback func(context.Context, AssertionRequestOptions) (string, error)
}

// toInternal returns the accesstokens.Credential used by the token client. Each call returns a
// new value because the internal credential caches its signed assertion.
func (c Credential) toInternal() *accesstokens.Credential {
	return &accesstokens.Credential{
		Secret:            c.secret,
		Cert:              c.cert,
		Key:               c.key,
		AssertionCallback: c.assertionCallback,
	}
}

// NewCredFromSecret creates a Credential from a secret.
func NewCredFromSecret(secret string) (Credential, error) {
	if secret == "" {
		return Credential{}, errors.New("secret can't be empty string")
	}
	return Credential{secret: secret}, nil
}

// NewCredFromCert creates a Credential from an x509.Certificate and an RSA or ECDSA private key.
// CertFromPEM() and CertFromPFX() can be used to load these values.
func NewCredFromCert(cert *x509.Certificate, key crypto.PrivateKey) (Credential, error) {
	if cert == nil || key == nil {
		return Credential{}, errors.New("a certificate credential requires a certificate and a private key")
	}
	return Credential{cert: cert, key: key}, nil
}

// NewCredFromAssertionCallback creates a Credential that calls getAssertion for a signed client
// assertion before every token request.
func NewCredFromAssertionCallback(getAssertion func(context.Context, AssertionRequestOptions) (string, error)) (Credential, error) {
	if getAssertion == nil {
		return Credential{}, errors.New("assertion callback can't be nil")
	}
	return Credential{assertionCallback: getAssertion}, nil
}

// HTTPClient represents an HTTP client.
// It's usually an *http.Client from the standard library.
type HTTPClient interface {
	// Do sends an HTTP request and returns an HTTP response.
	Do(req *http.Request) (*http.Response, error)

	// CloseIdleConnections closes any idle connections in a "keep-alive" state.
	CloseIdleConnections()
}

// Client is a representation of authentication client for confidential applications as defined in the
// package doc. For more information, visit https://docs.microsoft.com/azure/active-directory/develop/msal-client-applications
type Client struct {
	base base.Client
}

// Options are optional settings for New(). These options are set using various functions
// returning Option calls.
type Options struct {
	// Authority is the authority tokens are requested from. Confidential clients should use a
	// tenant, for example https://login.microsoftonline.com/contoso.onmicrosoft.com.
	Authority string

	// Cache stores tokens. The default is a memory store private to the client.
	Cache cache.Store

	HTTPClient HTTPClient

	// Logger receives cache and pipeline events. By default nothing is logged.
	Logger *slog.Logger

	Capabilities []string

	AppName    string
	AppVersion string

	DisableInstanceDiscovery bool

	// SendX5C sends the certificate chain with certificate credentials, for subject name/issuer authentication.
	SendX5C bool

	Resolver      AuthorityResolver
	Crypto        Crypto
	RenewalBuffer time.Duration
}

func (o Options) validate() error {
	u, err := url.Parse(o.Authority)
	if err != nil {
		return fmt.Errorf("the Authority(%s) does not parse as a valid URL", o.Authority)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("the Authority(%s) does not appear to use https", o.Authority)
	}
	if o.HTTPClient == nil {
		return errors.New("the HTTPClient can't be nil")
	}
	if o.RenewalBuffer < 0 {
		return fmt.Errorf("the RenewalBuffer(%s) can't be negative", o.RenewalBuffer)
	}
	return nil
}

// Option is an optional argument to New().
type Option func(o *Options)

// WithAuthority allows you to provide a custom authority for use in the client.
func WithAuthority(authority string) Option {
	return func(o *Options) {
		o.Authority = authority
	}
}

// WithCache sets the store tokens are kept in. Clients sharing a store share tokens.
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

// WithLogger sets the logger for cache and pipeline events.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithClientCapabilities allows configuring one or more client capabilities such as "CP1".
func WithClientCapabilities(capabilities []string) Option {
	return func(o *Options) {
		o.Capabilities = append([]string(nil), capabilities...)
	}
}

// WithAppInfo sets the application name and version sent as telemetry.
func WithAppInfo(name, version string) Option {
	return func(o *Options) {
		o.AppName = name
		o.AppVersion = version
	}
}

// WithInstanceDiscovery set to false skips the check that the authority host is a known cloud.
func WithInstanceDiscovery(enabled bool) Option {
	return func(o *Options) {
		o.DisableInstanceDiscovery = !enabled
	}
}

// WithX5C specifies if x5c claim(public key of the certificate) should be sent to STS.
func WithX5C() Option {
	return func(o *Options) {
		o.SendX5C = true
	}
}

// WithAuthorityResolver replaces the static endpoint templates, for example with OIDC discovery.
func WithAuthorityResolver(r AuthorityResolver) Option {
	return func(o *Options) {
		o.Resolver = r
	}
}

// WithCrypto replaces the default JWT decoding and PKCE generation.
func WithCrypto(c Crypto) Option {
	return func(o *Options) {
		o.Crypto = c
	}
}

// WithRenewalBuffer sets how long before expiry a cached access token stops being returned.
func WithRenewalBuffer(d time.Duration) Option {
	return func(o *Options) {
		o.RenewalBuffer = d
	}
}

// New is the constructor for Client. clientID is the application's client id and cred is
// the credential it authenticates with.
func New(clientID string, cred Credential, options ...Option) (Client, error) {
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

	internal := cred.toInternal()
	if opts.SendX5C && cred.cert != nil {
		internal.X5c = []string{base64.StdEncoding.EncodeToString(cred.cert.Raw)}
	}
	if internal.Secret == "" && internal.AssertionCallback == nil && internal.Cert == nil {
		return Client{}, errors.New("the credential is empty, use one of the NewCredFrom functions")
	}

	cfg := accesstokens.ClientConfig{Credential: internal, AppName: opts.AppName, AppVersion: opts.AppVersion}
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

// AcquireOptions are the optional settings of a token request.
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
// The argument must be decoded.
func WithClaims(claims string) AcquireOption {
	return func(o *AcquireOptions) {
		o.Claims = claims
	}
}

// WithTenantID specifies a tenant for a single authentication. It may be different than the tenant set in [New].
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

// WithState sets the state parameter of the auth code flow.
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

// WithPrompt sets the prompt behavior of an auth code URL.
func WithPrompt(prompt string) AcquireOption {
	return func(o *AcquireOptions) {
		o.Prompt = prompt
	}
}

// WithExtraBodyParameters adds parameters to the token request body.
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

// GeneratePKCE returns a new PKCE verifier and challenge.
func (cca Client) GeneratePKCE() (PKCECodes, error) {
	return cca.base.GeneratePKCE()
}

// AuthCodeURL creates a URL used to acquire an authorization code.
// Options: WithChallenge, WithState, WithLoginHint, WithDomainHint, WithPrompt, WithClaims, WithTenantID.
func (cca Client) AuthCodeURL(ctx context.Context, redirectURI string, scopes []string, options ...AcquireOption) (string, error) {
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
	return cca.base.AuthCodeURL(ctx, p)
}

// AcquireTokenSilent acquires a token for a user from the cache or with a cached refresh token.
// Options: WithSilentAccount (required), WithClaims, WithTenantID, WithProofOfPossession.
func (cca Client) AcquireTokenSilent(ctx context.Context, scopes []string, options ...AcquireOption) (AuthResult, error) {
	o := applyOptions(options)
	return cca.base.AcquireTokenSilent(ctx, base.AcquireTokenSilentParameters{
		RequestOptions: o.request(),
		Scopes:         scopes,
		Account:        o.Account,
	})
}

// AcquireTokenByAuthCode is a request to acquire a security token from the authority, using an authorization code.
// The specified redirect URI must be the same URI that was used when the authorization code was requested.
// Options: WithCodeVerifier, WithState, WithClaims, WithTenantID, WithProofOfPossession, WithExtraBodyParameters, WithTokenQueryParameters.
func (cca Client) AcquireTokenByAuthCode(ctx context.Context, code, redirectURI string, scopes []string, options ...AcquireOption) (AuthResult, error) {
	o := applyOptions(options)
	return cca.base.AcquireTokenByAuthCode(ctx, base.AcquireTokenAuthCodeParameters{
		RequestOptions: o.request(),
		Scopes:         scopes,
		Code:           code,
		CodeVerifier:   o.CodeVerifier,
		RedirectURI:    redirectURI,
	})
}

// AcquireTokenByCredential acquires an app only token with the client's credential. A cached
// token for the same tenant and scopes is returned without a request.
// Options: WithClaims, WithTenantID, WithProofOfPossession, WithExtraBodyParameters, WithTokenQueryParameters.
func (cca Client) AcquireTokenByCredential(ctx context.Context, scopes []string, options ...AcquireOption) (AuthResult, error) {
	o := applyOptions(options)
	return cca.base.AcquireTokenByCredential(ctx, base.AcquireTokenByCredentialParameters{
		RequestOptions: o.request(),
		Scopes:         scopes,
	})
}

// Accounts gets all the accounts in the token cache.
func (cca Client) Accounts(ctx context.Context) ([]Account, error) {
	return cca.base.Accounts(ctx)
}

// Account returns the cached account with the given home account id, or the zero Account.
func (cca Client) Account(ctx context.Context, homeAccountID string) (Account, error) {
	return cca.base.Account(ctx, homeAccountID)
}

// RemoveAccount forgets the account, removing its tokens for every client sharing the cache.
func (cca Client) RemoveAccount(ctx context.Context, account Account) error {
	return cca.base.RemoveAccount(ctx, account)
}

// ExportCache serializes every entry of the cache.
func (cca Client) ExportCache(ctx context.Context) ([]byte, error) {
	return cca.base.Serializer().Marshal(ctx)
}

// ImportCache writes the entries of a serialized cache into the client's store.
func (cca Client) ImportCache(ctx context.Context, b []byte) error {
	return cca.base.Serializer().Unmarshal(ctx, b)
}

// TokenSource returns an oauth2.TokenSource of app only tokens for scopes. Tokens come from the
// cache while they are valid. Its context is used for every call.
func (cca Client) TokenSource(ctx context.Context, scopes []string, options ...AcquireOption) oauth2.TokenSource {
	return tokenSource{ctx: ctx, client: cca, scopes: scopes, options: options}
}

type tokenSource struct {
	ctx     context.Context
	client  Client
	scopes  []string
	options []AcquireOption
}

// Token implements oauth2.TokenSource.
func (ts tokenSource) Token() (*oauth2.Token, error) {
	res, err := ts.client.AcquireTokenByCredential(ts.ctx, ts.scopes, ts.options...)
	if err != nil {
		return nil, err
	}
	return res.OAuth2Token(), nil
}
