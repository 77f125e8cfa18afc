// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package crypto holds the cryptographic capabilities the token pipeline consumes: base64url
handling, token claim extraction, PKCE generation and hashing. The pipeline only talks to the
Crypto interface, so callers may substitute their own implementation with WithCrypto().
*/
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	msalerrors "github.com/AzureAD/msal-token-cache-go/apps/errors"
)

// Crypto is the set of cryptographic operations the token pipeline needs.
type Crypto interface {
	// Base64Encode returns s encoded as unpadded base64url.
	Base64Encode(s string) string
	// Base64Decode decodes base64url or standard base64, with or without padding.
	Base64Decode(s string) (string, error)
	// ExtractTokenClaims returns the claims in the payload of a JWT. The signature is not
	// verified; the token comes straight from the token endpoint over TLS.
	ExtractTokenClaims(raw string) (Claims, error)
	// GeneratePKCE returns a new PKCE verifier and its S256 challenge.
	GeneratePKCE() (PKCECodes, error)
	// HashString returns the base64url encoded SHA-256 of s.
	HashString(s string) string
}

// PKCECodes holds a proof key for code exchange.
type PKCECodes struct {
	Verifier  string
	Challenge string
	// Method is always "S256".
	Method string
}

// Claims are the claims of a JWT payload.
type Claims map[string]any

// String returns the claim name as a string or "" if it is absent or not a string.
func (c Claims) String(name string) string {
	s, _ := c[name].(string)
	return s
}

// Audience returns the "aud" claim, which may be a single string or a list in the token.
func (c Claims) Audience() []string {
	aud, err := jwt.MapClaims(c).GetAudience()
	if err != nil {
		return nil
	}
	return aud
}

// Default is the Crypto implementation used when none is provided.
type Default struct{}

// New returns the default Crypto implementation.
func New() Default {
	return Default{}
}

// Base64Encode implements Crypto.Base64Encode().
func (Default) Base64Encode(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

// Base64Decode implements Crypto.Base64Decode().
func (Default) Base64Decode(s string) (string, error) {
	b, err := DecodeSegment(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeSegment decodes a base64url segment of a JWT or a client_info blob. Identity
// providers are not consistent about padding or the alphabet, so both are accepted.
func DecodeSegment(data string) ([]byte, error) {
	data = strings.TrimRight(data, "=")
	data = strings.NewReplacer("+", "-", "/", "_").Replace(data)
	return base64.RawURLEncoding.DecodeString(data)
}

var parser = jwt.NewParser()

// ExtractTokenClaims implements Crypto.ExtractTokenClaims(). Failures are InvalidTokenError.
func (Default) ExtractTokenClaims(raw string) (Claims, error) {
	if strings.Count(raw, ".") != 2 {
		return nil, msalerrors.InvalidTokenError{Token: "id_token", Err: errors.New("token must have three segments")}
	}
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return nil, msalerrors.InvalidTokenError{Token: "id_token", Err: err}
	}
	return Claims(claims), nil
}

// GeneratePKCE implements Crypto.GeneratePKCE().
func (d Default) GeneratePKCE() (PKCECodes, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return PKCECodes{}, fmt.Errorf("could not generate a PKCE verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(b)
	return PKCECodes{
		Verifier:  verifier,
		Challenge: d.HashString(verifier),
		Method:    "S256",
	}, nil
}

// HashString implements Crypto.HashString().
func (Default) HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
