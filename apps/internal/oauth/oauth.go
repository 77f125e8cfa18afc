// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package oauth resolves authority metadata and exchanges grants for tokens at the token
// endpoint. HTTP failures are translated into errors.ServerResponseError.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	msalerrors "github.com/AzureAD/msal-token-cache-go/apps/errors"
	internalCrypto "github.com/AzureAD/msal-token-cache-go/apps/internal/crypto"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/oauth/ops"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/oauth/ops/accesstokens"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/oauth/ops/authority"
)

type accessTokens interface {
	Token(ctx context.Context, req accesstokens.TokenRequest) (accesstokens.TokenResponse, error)
}

// Client provides tokens for various types of token requests.
type Client struct {
	resolver     authority.Resolver
	accessTokens accessTokens
}

// New is the constructor for Client. A nil resolver uses authority.StaticResolver.
func New(httpClient ops.HTTPClient, resolver authority.Resolver, cfg accesstokens.ClientConfig, c internalCrypto.Crypto) *Client {
	if resolver == nil {
		resolver = authority.StaticResolver{}
	}
	return &Client{
		resolver:     resolver,
		accessTokens: ops.New(httpClient).AccessTokens(cfg, c),
	}
}

// ResolveEndpoints sets the endpoints and cache aliases of authParams from its authority.
func (c *Client) ResolveEndpoints(ctx context.Context, authParams authority.AuthParams) (authority.AuthParams, error) {
	endpoints, err := c.resolver.ResolveEndpoints(ctx, authParams.AuthorityInfo)
	if err != nil {
		return authParams, fmt.Errorf("unable to resolve an endpoint: %w", err)
	}
	aliases, err := c.resolver.Aliases(ctx, authParams.AuthorityInfo)
	if err != nil {
		return authParams, fmt.Errorf("unable to resolve authority aliases: %w", err)
	}
	authParams.Endpoints = endpoints
	authParams.Aliases = aliases
	return authParams, nil
}

// Token sends req to the token endpoint, resolving the endpoints first if req does not carry them.
func (c *Client) Token(ctx context.Context, req accesstokens.TokenRequest) (accesstokens.TokenResponse, error) {
	if req.AuthParams.Endpoints.TokenEndpoint == "" {
		ap, err := c.ResolveEndpoints(ctx, req.AuthParams)
		if err != nil {
			return accesstokens.TokenResponse{}, err
		}
		req.AuthParams = ap
	}
	tr, err := c.accessTokens.Token(ctx, req)
	if err != nil {
		return accesstokens.TokenResponse{}, serverError(err, req.AuthParams.CorrelationID)
	}
	return tr, nil
}

// serverError converts an HTTP error reply into a ServerResponseError. Other errors are
// returned unchanged.
func serverError(err error, correlationID string) error {
	var callErr msalerrors.CallErr
	if !errors.As(err, &callErr) || callErr.Resp == nil {
		return err
	}

	srvErr := msalerrors.ServerResponseError{
		StatusCode:    callErr.Resp.StatusCode,
		CorrelationID: correlationID,
	}
	if callErr.Resp.Body == nil {
		srvErr.Description = callErr.Err.Error()
		return srvErr
	}
	body, rerr := io.ReadAll(callErr.Resp.Body)
	if rerr != nil {
		srvErr.Description = callErr.Err.Error()
		return srvErr
	}

	var base authority.OAuthResponseBase
	if jerr := json.Unmarshal(body, &base); jerr != nil || base.Error == "" {
		srvErr.Description = string(body)
		return srvErr
	}
	srvErr.ErrorCode = base.Error
	srvErr.SubError = base.SubError
	srvErr.Description = base.ErrorDescription
	srvErr.ErrorCodes = base.ErrorCodes
	srvErr.Claims = base.Claims
	if base.CorrelationID != "" {
		srvErr.CorrelationID = base.CorrelationID
	}
	return srvErr
}
