// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package mock provides an HTTP client that replays canned token endpoint responses, and
// helpers that build those responses.
package mock

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

type response struct {
	body     []byte
	callback func(*http.Request)
	code     int
	headers  http.Header
}

type responseOption interface {
	apply(*response)
}

type respOpt func(*response)

func (fn respOpt) apply(r *response) {
	fn(r)
}

// WithBody sets the HTTP response's body to the specified value.
func WithBody(b []byte) responseOption {
	return respOpt(func(r *response) {
		r.body = b
	})
}

// WithCallback sets a callback to invoke before returning the response.
func WithCallback(callback func(*http.Request)) responseOption {
	return respOpt(func(r *response) {
		r.callback = callback
	})
}

// WithHTTPHeader sets the HTTP headers of the response to the specified value.
func WithHTTPHeader(header http.Header) responseOption {
	return respOpt(func(r *response) {
		r.headers = header
	})
}

// WithHTTPStatusCode sets the HTTP statusCode of response to the specified value.
func WithHTTPStatusCode(statusCode int) responseOption {
	return respOpt(func(r *response) {
		r.code = statusCode
	})
}

// Request is a request the Client received.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   string
}

// Client is a mock HTTP client that returns a sequence of responses. Use AppendResponse to specify the sequence.
// It is safe for concurrent use.
type Client struct {
	mu   sync.Mutex
	resp []response
	reqs []Request
}

// NewClient returns a Client with no responses.
func NewClient() *Client {
	return &Client{}
}

// AppendResponse adds a response to the end of the sequence. The default is an empty 200 reply.
func (c *Client) AppendResponse(opts ...responseOption) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := response{code: http.StatusOK, headers: http.Header{}}
	for _, o := range opts {
		o.apply(&r)
	}
	c.resp = append(c.resp, r)
}

// Do implements the comm.HTTPClient interface. It panics when no response is left.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.resp) == 0 {
		panic(fmt.Sprintf(`no response for "%s"`, req.URL.String()))
	}

	recorded := Request{Method: req.Method, URL: req.URL.String(), Header: req.Header.Clone()}
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(b))
		recorded.Body = string(b)
	}
	c.reqs = append(c.reqs, recorded)

	resp := c.resp[0]
	c.resp = c.resp[1:]
	if resp.callback != nil {
		resp.callback(req)
	}
	res := http.Response{Header: resp.headers, StatusCode: resp.code, Request: req}
	res.Body = io.NopCloser(bytes.NewReader(resp.body))
	return &res, nil
}

// CloseIdleConnections implements the comm.HTTPClient interface
func (*Client) CloseIdleConnections() {}

// Requests returns the requests received so far, oldest first.
func (c *Client) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Request(nil), c.reqs...)
}

// Remaining is the number of responses not yet returned.
func (c *Client) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resp)
}

// TokenBody describes a successful token endpoint reply. Empty fields are omitted.
type TokenBody struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	ClientInfo   string
	Scope        string
	FamilyID     string
	TokenType    string
	ExpiresIn    int
	ExtExpiresIn int
}

// Bytes returns the JSON body. TokenType defaults to "Bearer".
func (b TokenBody) Bytes() []byte {
	m := map[string]any{
		"access_token": b.AccessToken,
		"expires_in":   b.ExpiresIn,
		"token_type":   "Bearer",
	}
	if b.TokenType != "" {
		m["token_type"] = b.TokenType
	}
	for k, v := range map[string]string{
		"id_token":      b.IDToken,
		"refresh_token": b.RefreshToken,
		"client_info":   b.ClientInfo,
		"scope":         b.Scope,
		"foci":          b.FamilyID,
	} {
		if v != "" {
			m[k] = v
		}
	}
	if b.ExtExpiresIn > 0 {
		m["ext_expires_in"] = b.ExtExpiresIn
	}
	out, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return out
}

// GetAccessTokenBody returns a token reply with the given tokens.
func GetAccessTokenBody(accessToken, idToken, refreshToken, clientInfo string, expiresIn int) []byte {
	return TokenBody{
		AccessToken:  accessToken,
		IDToken:      idToken,
		RefreshToken: refreshToken,
		ClientInfo:   clientInfo,
		ExpiresIn:    expiresIn,
	}.Bytes()
}

// GetErrorBody returns an OAuth error reply.
func GetErrorBody(code, description string, errorCodes ...int) []byte {
	m := map[string]any{"error": code, "error_description": description}
	if len(errorCodes) > 0 {
		m["error_codes"] = errorCodes
	}
	out, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return out
}

// GetClientInfo returns an encoded client_info for the account uid in tenant utid.
func GetClientInfo(uid, utid string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"uid":%q,"utid":%q}`, uid, utid)))
}

// GetIDToken returns an unsigned JWT for clientID issued by issuer in tenant. extra claims are
// added to, or replace, the standard ones.
func GetIDToken(clientID, tenant, issuer string, extra map[string]any) string {
	now := time.Now().Unix()
	claims := map[string]any{
		"aud": clientID,
		"exp": now + 3600,
		"iat": now,
		"iss": issuer,
		"tid": tenant,
		"sub": "subject",
	}
	for k, v := range extra {
		claims[k] = v
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		panic(err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`)) + "." + enc.EncodeToString(payload) + "." + enc.EncodeToString([]byte("signature"))
}
