// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package errors holds the error types returned by this module. All types can be matched
with errors.As().

	var srvErr errors.ServerResponseError
	if stderrors.As(err, &srvErr) {
		if srvErr.ErrorCode == "invalid_grant" {
			// ask the user to sign in again
		}
	}
*/
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kylelemons/godebug/pretty"
)

var prettyConf = &pretty.Config{IncludeUnexported: false, SkipZeroFields: true, TrackCycles: true}

// ErrNoRefreshToken is returned by silent acquisition when the cache holds no usable refresh token
// for the account.
var ErrNoRefreshToken = errors.New("no refresh token found")

type verboser interface {
	Verbose() string
}

// Verbose prints the most verbose error that the error message has.
func Verbose(err error) string {
	var v verboser
	if errors.As(err, &v) {
		return v.Verbose()
	}
	return err.Error()
}

// New is equivalent to errors.New().
func New(text string) error {
	return errors.New(text)
}

// CallErr represents an HTTP call error. Has a Verbose() method that allows getting the
// http.Request and Response objects. Implements error.
type CallErr struct {
	Req *http.Request
	// Resp contains response body
	Resp *http.Response
	Err  error
}

// Error implements error.Error().
func (e CallErr) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying transport error.
func (e CallErr) Unwrap() error {
	return e.Err
}

// Verbose prints a versbose error message with the request or response.
func (e CallErr) Verbose() string {
	if e.Resp != nil {
		resp := *e.Resp
		resp.Request = nil // the request is printed on its own
		resp.TLS = nil
		e.Resp = &resp
	}
	return fmt.Sprintf("%s:\nRequest:\n%s\nResponse:\n%s", e.Err, prettyConf.Sprint(e.Req), prettyConf.Sprint(e.Resp))
}

// ClientConfigurationError is returned when a request or the client is missing something it
// needs. It is always detected before any network call is made.
type ClientConfigurationError struct {
	// Field is the name of the missing or invalid field, such as "username".
	Field   string
	Message string
}

func (e ClientConfigurationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("client configuration error: %s is required", e.Field)
	}
	return fmt.Sprintf("client configuration error: %s: %s", e.Field, e.Message)
}

// ServerResponseError is returned when the token endpoint answers with an error body or with a
// success body that fails validation. Server provided values are kept verbatim.
type ServerResponseError struct {
	StatusCode    int
	ErrorCode     string
	SubError      string
	Description   string
	ErrorCodes    []int
	CorrelationID string
	// Claims holds a claims challenge from the server, if any.
	Claims string
}

func (e ServerResponseError) Error() string {
	var sb strings.Builder
	sb.WriteString("server response error")
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, " (HTTP %d)", e.StatusCode)
	}
	if e.ErrorCode != "" {
		fmt.Fprintf(&sb, ": %s", e.ErrorCode)
	}
	if e.SubError != "" {
		fmt.Fprintf(&sb, "/%s", e.SubError)
	}
	if e.Description != "" {
		fmt.Fprintf(&sb, ": %s", e.Description)
	}
	if e.CorrelationID != "" {
		fmt.Fprintf(&sb, " (correlation id %s)", e.CorrelationID)
	}
	return sb.String()
}

// MalformedEntityError is returned when a cache entity fails validation, either at
// construction or when it is decoded from the store.
type MalformedEntityError struct {
	// Entity is the kind of entity, such as "AccessToken".
	Entity string
	// Key is the store key the entity was read from, if any.
	Key   string
	Field string
	Err   error
}

func (e MalformedEntityError) Error() string {
	msg := fmt.Sprintf("malformed %s", e.Entity)
	if e.Key != "" {
		msg += fmt.Sprintf(" at key %q", e.Key)
	}
	if e.Field != "" {
		msg += fmt.Sprintf(": field %s", e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e MalformedEntityError) Unwrap() error {
	return e.Err
}

// CacheIOError is returned when the underlying cache store fails.
type CacheIOError struct {
	// Op is the store operation, one of "get", "set", "remove" or "keys".
	Op  string
	Key string
	Err error
}

func (e CacheIOError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache %s failed: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s(%s) failed: %s", e.Op, e.Key, e.Err)
}

func (e CacheIOError) Unwrap() error {
	return e.Err
}

// InvalidTokenError is returned when an ID token or client_info blob cannot be decoded.
type InvalidTokenError struct {
	// Token names the token that failed, "id_token" or "client_info".
	Token string
	Err   error
}

func (e InvalidTokenError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Token, e.Err)
}

func (e InvalidTokenError) Unwrap() error {
	return e.Err
}
