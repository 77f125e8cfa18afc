// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package grant holds types of grants issued by authorization services.
package grant

// Type is the value of the "grant_type" parameter of a token request.
type Type string

const (
	Password         Type = "password"
	AuthCode         Type = "authorization_code"
	RefreshToken     Type = "refresh_token"
	ClientCredential Type = "client_credentials"
)

// ClientAssertion is the "client_assertion_type" of a certificate JWT assertion.
const ClientAssertion = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Valid reports if t is one of the supported grants.
func (t Type) Valid() bool {
	switch t {
	case Password, AuthCode, RefreshToken, ClientCredential:
		return true
	}
	return false
}
