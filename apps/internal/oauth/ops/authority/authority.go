// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package authority holds what the token pipeline knows about an identity provider: the parsed
authority (Info), its endpoints, the hostnames that are aliases of it, and the per-request
parameters (AuthParams) that travel with a token acquisition.

Endpoints are derived statically from the authority URI. OpenID configuration discovery over
the network is not done here; a caller needing it can supply its own Resolver.
*/
package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

const (
	// AAD is the authority type of Microsoft Entra ID (formerly Azure AD) authorities.
	AAD = "MSSTS"
	// ADFS is the authority type of Active Directory Federation Services authorities.
	ADFS = "ADFS"
)

const (
	tokenEndpointFmt     = "https://%s/%s/oauth2/v2.0/token"
	authorizeEndpointFmt = "https://%s/%s/oauth2/v2.0/authorize"
	issuerFmt            = "https://%s/%s/v2.0"

	// TenantIDTemplate stands in for the tenant in the issuer of multi-tenant authorities.
	TenantIDTemplate = "{tenantid}"
)

var aadTrustedHostList = map[string]bool{
	"login.windows.net":                true, // Microsoft Azure Worldwide - Used in validation scenarios where host is not this list
	"login.partner.microsoftonline.cn": true, // Microsoft Azure China
	"login.microsoftonline.de":         true, // Microsoft Azure Blackforest
	"login-us.microsoftonline.com":     true, // Microsoft Azure US Government - Legacy
	"login.microsoftonline.us":         true, // Microsoft Azure US Government
	"login.microsoftonline.com":        true, // Microsoft Azure Worldwide
	"login.microsoft.com":              true,
	"sts.windows.net":                  true,
	"login.chinacloudapi.cn":           true,
	"login.usgovcloudapi.net":          true,
}

// TrustedHost checks if an AAD host is trusted/valid.
func TrustedHost(host string) bool {
	return aadTrustedHostList[host]
}

// aliasGroups are hostnames that serve the same cloud and so share cache entries.
var aliasGroups = [][]string{
	{"login.microsoftonline.com", "login.windows.net", "login.microsoft.com", "sts.windows.net"},
	{"login.partner.microsoftonline.cn", "login.chinacloudapi.cn"},
	{"login.microsoftonline.de"},
	{"login.microsoftonline.us", "login.usgovcloudapi.net"},
	{"login-us.microsoftonline.com"},
}

// OAuthResponseBase is the error portion of a token endpoint response.
type OAuthResponseBase struct {
	Error            string `json:"error"`
	SubError         string `json:"suberror"`
	ErrorDescription string `json:"error_description"`
	ErrorCodes       []int  `json:"error_codes"`
	CorrelationID    string `json:"correlation_id"`
	Claims           string `json:"claims"`
}

// Info consists of information about the authority.
type Info struct {
	Host                  string
	CanonicalAuthorityURI string
	AuthorityType         string
	ValidateAuthority     bool
	Tenant                string
}

// NewInfoFromAuthorityURI creates an Info instance from the authority URL provided. The
// authority must be an https URL with a tenant (or "adfs") as its first path segment.
func NewInfoFromAuthorityURI(authority string, validateAuthority bool) (Info, error) {
	u, err := url.Parse(strings.ToLower(authority))
	if err != nil {
		return Info{}, fmt.Errorf("authority URI %q could not be parsed: %w", authority, err)
	}
	if u.Scheme != "https" {
		return Info{}, fmt.Errorf("authority URI %q must use https", authority)
	}
	if u.Host == "" {
		return Info{}, fmt.Errorf("authority URI %q has no host", authority)
	}

	pathParts := strings.Split(strings.Trim(u.EscapedPath(), "/"), "/")
	tenant := pathParts[0]
	if tenant == "" {
		return Info{}, fmt.Errorf("authority URI %q did not have a tenant, like https://login.microsoftonline.com/<tenant>", authority)
	}

	authorityType := AAD
	if tenant == "adfs" {
		authorityType = ADFS
	}
	if validateAuthority && authorityType == AAD && !TrustedHost(u.Hostname()) {
		return Info{}, fmt.Errorf("authority host %q is not a known Microsoft Entra host; disable authority validation to use it", u.Hostname())
	}

	return Info{
		Host:                  u.Host,
		CanonicalAuthorityURI: fmt.Sprintf("https://%s/%s/", u.Host, tenant),
		AuthorityType:         authorityType,
		ValidateAuthority:     validateAuthority,
		Tenant:                tenant,
	}, nil
}

// IsMultiTenant reports if the authority's tenant is one of the AAD aliases that accept
// users of any tenant. Tokens from such authorities carry the user's home tenant.
func (i Info) IsMultiTenant() bool {
	switch i.Tenant {
	case "common", "organizations", "consumers":
		return i.AuthorityType == AAD
	}
	return false
}

// Endpoints consists of the endpoints of an authority.
type Endpoints struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	// Issuer is the expected "iss" claim of ID tokens. It may contain TenantIDTemplate.
	// Empty means the issuer is not checked.
	Issuer string
}

// NewEndpoints creates an Endpoints object.
func NewEndpoints(authorizationEndpoint, tokenEndpoint, issuer string) Endpoints {
	return Endpoints{AuthorizationEndpoint: authorizationEndpoint, TokenEndpoint: tokenEndpoint, Issuer: issuer}
}

// IssuerFor returns the expected issuer for a token from tenant tid.
func (e Endpoints) IssuerFor(tid string) string {
	return strings.ReplaceAll(e.Issuer, TenantIDTemplate, tid)
}

// Resolver provides authority metadata: endpoints and cache environment aliases.
type Resolver interface {
	// ResolveEndpoints returns the endpoints of the authority.
	ResolveEndpoints(ctx context.Context, info Info) (Endpoints, error)
	// Aliases returns every hostname whose cache entries are valid for info.Host,
	// including info.Host itself.
	Aliases(ctx context.Context, info Info) ([]string, error)
}

// StaticResolver derives endpoints and aliases from the authority URI and the known cloud
// host groups, without network calls.
type StaticResolver struct{}

// ResolveEndpoints implements Resolver.ResolveEndpoints().
func (StaticResolver) ResolveEndpoints(ctx context.Context, info Info) (Endpoints, error) {
	if info.Host == "" {
		return Endpoints{}, errors.New("authority info has no host")
	}
	if info.AuthorityType == ADFS {
		return Endpoints{
			AuthorizationEndpoint: fmt.Sprintf("https://%s/adfs/oauth2/authorize", info.Host),
			TokenEndpoint:         fmt.Sprintf("https://%s/adfs/oauth2/token", info.Host),
			Issuer:                fmt.Sprintf("https://%s/adfs", info.Host),
		}, nil
	}

	tenant := info.Tenant
	issuerTenant := tenant
	// tokens name their tenant by id; an authority naming it by domain, such as
	// contoso.onmicrosoft.com, accepts the tid of the token like a multi-tenant one
	if _, err := uuid.Parse(tenant); err != nil || info.IsMultiTenant() {
		issuerTenant = TenantIDTemplate
	}
	return Endpoints{
		AuthorizationEndpoint: fmt.Sprintf(authorizeEndpointFmt, info.Host, tenant),
		TokenEndpoint:         fmt.Sprintf(tokenEndpointFmt, info.Host, tenant),
		Issuer:                fmt.Sprintf(issuerFmt, info.Host, issuerTenant),
	}, nil
}

// Aliases implements Resolver.Aliases().
func (StaticResolver) Aliases(ctx context.Context, info Info) ([]string, error) {
	return Aliases(info.Host), nil
}

// Aliases returns the hostnames in the same cloud as host. An unknown host is only an
// alias of itself.
func Aliases(host string) []string {
	host = strings.ToLower(host)
	for _, group := range aliasGroups {
		for _, h := range group {
			if h == host {
				out := make([]string, len(group))
				copy(out, group)
				return out
			}
		}
	}
	return []string{host}
}

// AuthorizationType represents the type of token flow.
type AuthorizationType int

// These are all the types of token flows.
const (
	AuthorizationTypeUnknown AuthorizationType = iota
	AuthorizationTypeUsernamePassword
	AuthorizationTypeAuthCode
	AuthorizationTypeClientCredentials
	AuthorizationTypeRefreshTokenExchange
)

func (a AuthorizationType) String() string {
	switch a {
	case AuthorizationTypeUsernamePassword:
		return "UsernamePassword"
	case AuthorizationTypeAuthCode:
		return "AuthCode"
	case AuthorizationTypeClientCredentials:
		return "ClientCredentials"
	case AuthorizationTypeRefreshTokenExchange:
		return "RefreshTokenExchange"
	}
	return "Unknown"
}

// AuthParams represents the parameters used for authorization for token acquisition.
type AuthParams struct {
	AuthorityInfo Info
	CorrelationID string
	Endpoints     Endpoints
	// Aliases are the hostnames cache lookups match against.
	Aliases     []string
	ClientID    string
	Redirecturi string
	// HomeAccountID is the account a silent request is made for.
	HomeAccountID string
	Username      string
	Scopes        []string
	// State is echoed back in the result.
	State             string
	AuthorizationType AuthorizationType
	// Claims is a claims request or challenge, a JSON object.
	Claims string
	// Capabilities the client declares, such as "cp1".
	Capabilities ClientCapabilities
	// KeyID of the proof-of-possession key. Empty for bearer tokens.
	KeyID string
	// ExtraBodyParameters are added to the token request body.
	ExtraBodyParameters map[string]string
	// TokenQueryParameters are added to the token endpoint URL.
	TokenQueryParameters map[string]string
}

// NewAuthParams creates an authorization parameters object.
func NewAuthParams(clientID string, authorityInfo Info) AuthParams {
	return AuthParams{
		ClientID:      clientID,
		AuthorityInfo: authorityInfo,
		CorrelationID: uuid.New().String(),
	}
}

// WithTenant returns a copy of the AuthParams having the specified tenant ID. If the given
// ID is empty, the copy is identical to the original. This function returns an error in
// several cases:
//   - ID isn't specific (for example, it's "common")
//   - ID is non-empty and the authority doesn't support tenants (for example, it's an ADFS authority)
//   - the client is configured to authenticate only Microsoft accounts via the "consumers" endpoint
//   - the resulting authority URL is invalid
func (p AuthParams) WithTenant(ID string) (AuthParams, error) {
	if ID == "" || ID == p.AuthorityInfo.Tenant {
		return p, nil
	}
	switch ID {
	case "common", "consumers", "organizations":
		if p.AuthorityInfo.AuthorityType == AAD {
			return p, fmt.Errorf(`tenant ID must be a specific tenant, not "%s"`, ID)
		}
	}
	switch {
	case p.AuthorityInfo.AuthorityType == ADFS:
		return p, errors.New("ADFS authority doesn't support tenants")
	case p.AuthorityInfo.Tenant == "consumers":
		return p, errors.New(`client is configured to authenticate only personal Microsoft accounts, via the "consumers" endpoint`)
	}
	info, err := NewInfoFromAuthorityURI("https://"+p.AuthorityInfo.Host+"/"+ID, p.AuthorityInfo.ValidateAuthority)
	if err == nil {
		info.AuthorityType = p.AuthorityInfo.AuthorityType
		p.AuthorityInfo = info
	}
	return p, err
}

// MergeCapabilitiesAndClaims combines client capabilities and challenge claims into a value
// suitable for an authentication request's "claims" parameter. An empty result means no
// claims parameter is sent.
func (p AuthParams) MergeCapabilitiesAndClaims() (string, error) {
	claims := p.Claims
	if len(p.Capabilities.asMap) > 0 {
		if claims == "" {
			// without claims the result is simply the capabilities
			return p.Capabilities.asJSON, nil
		}
		// Otherwise, merge claims and capabilties into a single JSON object.
		// We handle the claims challenge as a map because we don't know its structure.
		var challenge map[string]any
		if err := json.Unmarshal([]byte(claims), &challenge); err != nil {
			return "", fmt.Errorf(`claims must be JSON. Are they base64 encoded? json.Unmarshal returned "%v"`, err)
		}
		if err := merge(p.Capabilities.asMap, challenge); err != nil {
			return "", err
		}
		b, err := json.Marshal(challenge)
		if err != nil {
			return "", err
		}
		claims = string(b)
	}
	if claims == "" {
		return "", nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(claims), &obj); err != nil {
		return "", fmt.Errorf(`claims must be a JSON object: %w`, err)
	}
	if len(obj) == 0 {
		return "", nil
	}
	return claims, nil
}

// merge recursively merges map src into dst, which must not be nil.
func merge(src, dst map[string]any) error {
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
			continue
		}
		s, sok := src[k].(map[string]any)
		d, dok := dst[k].(map[string]any)
		if !sok || !dok {
			return fmt.Errorf("claims challenge and client capabilities conflict at key %q", k)
		}
		if err := merge(s, d); err != nil {
			return err
		}
	}
	return nil
}

// ClientCapabilities stores capabilities in the formats used by AuthParams.MergeCapabilitiesAndClaims.
// asJSON is for the common case that the request has no claims challenge.
type ClientCapabilities struct {
	asJSON string
	asMap  map[string]any
}

// NewClientCapabilities returns the client's capabilities as the "xms_cc" access token claim.
func NewClientCapabilities(capabilities []string) (ClientCapabilities, error) {
	c := ClientCapabilities{}
	var err error
	if len(capabilities) > 0 {
		cpbs := make([]string, len(capabilities))
		for i := 0; i < len(cpbs); i++ {
			cpbs[i] = fmt.Sprintf(`"%s"`, capabilities[i])
		}
		c.asJSON = fmt.Sprintf(`{"access_token":{"xms_cc":{"values":[%s]}}}`, strings.Join(cpbs, ","))
		// note our JSON is valid but we can't stop users breaking it with garbage like "}"
		err = json.Unmarshal([]byte(c.asJSON), &c.asMap)
	}
	return c, err
}
