// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package confidential

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AzureAD/msal-token-cache-go/apps/internal/mock"
)

const (
	clientID      = "confidential_client_id"
	authorityURI  = "https://login.microsoftonline.com/contoso"
	tokenEndpoint = "https://login.microsoftonline.com/contoso/oauth2/v2.0/token"
)

var tokenScope = []string{"https://graph.microsoft.com/.default"}

func newCert(t *testing.T, key crypto.Signer) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert
}

func TestCertFromPEM(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(rsaKey)
	if err != nil {
		t.Fatal(err)
	}
	sec1, err := x509.MarshalECPrivateKey(ecKey)
	if err != nil {
		t.Fatal(err)
	}
	rsaCert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: newCert(t, rsaKey).Raw})
	ecCert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: newCert(t, ecKey).Raw})
	pkcs8Block := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})

	tests := []struct {
		desc  string
		data  []byte
		certs int
		err   bool
	}{
		{desc: "PKCS8", data: append(append([]byte{}, rsaCert...), pkcs8Block...), certs: 1},
		{desc: "PKCS1", data: append(append([]byte{}, rsaCert...), pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)})...), certs: 1},
		{desc: "SEC1", data: append(append([]byte{}, ecCert...), pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: sec1})...), certs: 1},
		{desc: "chain", data: append(append(append([]byte{}, rsaCert...), ecCert...), pkcs8Block...), certs: 2},
		{desc: "no key", data: rsaCert, err: true},
		{desc: "no cert", data: pkcs8Block, err: true},
		{desc: "two keys", data: append(append(append([]byte{}, rsaCert...), pkcs8Block...), pkcs8Block...), err: true},
		{desc: "garbage", data: []byte("not a pem file"), err: true},
	}

	for _, test := range tests {
		certs, key, err := CertFromPEM(test.data, "")
		switch {
		case err == nil && test.err:
			t.Errorf("TestCertFromPEM(%s): got err == nil, want err != nil", test.desc)
			continue
		case err != nil && !test.err:
			t.Errorf("TestCertFromPEM(%s): got err == %s, want err == nil", test.desc, err)
			continue
		case err != nil:
			continue
		}
		if len(certs) != test.certs {
			t.Errorf("TestCertFromPEM(%s): got %d certs, want %d", test.desc, len(certs), test.certs)
		}
		if key == nil {
			t.Errorf("TestCertFromPEM(%s): got nil key, want key != nil", test.desc)
		}
	}
}

func TestCertFromPFX(t *testing.T) {
	if _, _, err := CertFromPFX([]byte("not pkcs12"), "password"); err == nil {
		t.Errorf("TestCertFromPFX: got err == nil, want err != nil")
	}
}

func TestNewCred(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		desc string
		cred func() (Credential, error)
		err  bool
	}{
		{desc: "secret", cred: func() (Credential, error) { return NewCredFromSecret("secret") }},
		{desc: "empty secret", cred: func() (Credential, error) { return NewCredFromSecret("") }, err: true},
		{desc: "cert", cred: func() (Credential, error) { return NewCredFromCert(newCert(t, key), key) }},
		{desc: "cert without key", cred: func() (Credential, error) { return NewCredFromCert(newCert(t, key), nil) }, err: true},
		{desc: "nil callback", cred: func() (Credential, error) { return NewCredFromAssertionCallback(nil) }, err: true},
	}
	for _, test := range tests {
		_, err := test.cred()
		switch {
		case err == nil && test.err:
			t.Errorf("TestNewCred(%s): got err == nil, want err != nil", test.desc)
		case err != nil && !test.err:
			t.Errorf("TestNewCred(%s): got err == %s, want err == nil", test.desc, err)
		}
	}

	if _, err := New(clientID, Credential{}); err == nil {
		t.Errorf("TestNewCred: New with the zero Credential should fail")
	}
}

func newClient(t *testing.T, cred Credential, options ...Option) (Client, *mock.Client) {
	t.Helper()
	httpClient := mock.NewClient()
	client, err := New(clientID, cred, append([]Option{WithAuthority(authorityURI), WithHTTPClient(httpClient)}, options...)...)
	if err != nil {
		t.Fatal(err)
	}
	return client, httpClient
}

func appTokenBody(accessToken string) []byte {
	return mock.TokenBody{AccessToken: accessToken, ExpiresIn: 3600, ExtExpiresIn: 7200}.Bytes()
}

func TestAcquireTokenByCredential(t *testing.T) {
	cred, err := NewCredFromSecret("the secret")
	if err != nil {
		t.Fatal(err)
	}
	client, httpClient := newClient(t, cred)
	httpClient.AppendResponse(mock.WithBody(appTokenBody("app token")))

	res, err := client.AcquireTokenByCredential(context.Background(), tokenScope)
	if err != nil {
		t.Fatalf("TestAcquireTokenByCredential: got err == %s, want err == nil", err)
	}
	if res.AccessToken != "app token" || res.FromCache {
		t.Errorf("TestAcquireTokenByCredential: got (%q, fromCache %v), want a new token", res.AccessToken, res.FromCache)
	}
	req := httpClient.Requests()[0]
	if req.URL != tokenEndpoint {
		t.Errorf("TestAcquireTokenByCredential: got URL %s, want %s", req.URL, tokenEndpoint)
	}
	form, _ := url.ParseQuery(req.Body)
	for k, v := range map[string]string{
		"grant_type":    "client_credentials",
		"client_secret": "the secret",
		"client_id":     clientID,
		"scope":         "https://graph.microsoft.com/.default",
	} {
		if form.Get(k) != v {
			t.Errorf("TestAcquireTokenByCredential: got %s=%q, want %q", k, form.Get(k), v)
		}
	}

	cached, err := client.AcquireTokenByCredential(context.Background(), tokenScope)
	if err != nil {
		t.Fatalf("TestAcquireTokenByCredential: cached: %s", err)
	}
	if !cached.FromCache || cached.AccessToken != "app token" {
		t.Errorf("TestAcquireTokenByCredential: got (%q, fromCache %v), want the cached token", cached.AccessToken, cached.FromCache)
	}

	// another tenant has its own token
	httpClient.AppendResponse(mock.WithBody(appTokenBody("other tenant token")))
	other, err := client.AcquireTokenByCredential(context.Background(), tokenScope, WithTenantID("fabrikam"))
	if err != nil {
		t.Fatalf("TestAcquireTokenByCredential: other tenant: %s", err)
	}
	if other.AccessToken != "other tenant token" || !strings.Contains(httpClient.Requests()[1].URL, "/fabrikam/") {
		t.Errorf("TestAcquireTokenByCredential: got %q from %s, want a token from the other tenant", other.AccessToken, httpClient.Requests()[1].URL)
	}

	accs, err := client.Accounts(context.Background())
	if err != nil || len(accs) != 0 {
		t.Errorf("TestAcquireTokenByCredential: got accounts %v (%v), app only tokens have no account", accs, err)
	}
}

func TestAcquireTokenByCertificate(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	cert := newCert(t, key)

	for _, sendX5C := range []bool{false, true} {
		cred, err := NewCredFromCert(cert, key)
		if err != nil {
			t.Fatal(err)
		}
		var options []Option
		if sendX5C {
			options = append(options, WithX5C())
		}
		client, httpClient := newClient(t, cred, options...)
		httpClient.AppendResponse(mock.WithBody(appTokenBody("app token")))
		if _, err := client.AcquireTokenByCredential(context.Background(), tokenScope); err != nil {
			t.Fatalf("TestAcquireTokenByCertificate(x5c %v): %s", sendX5C, err)
		}

		form, _ := url.ParseQuery(httpClient.Requests()[0].Body)
		if form.Get("client_assertion_type") != "urn:ietf:params:oauth:client-assertion-type:jwt-bearer" {
			t.Errorf("TestAcquireTokenByCertificate(x5c %v): got client_assertion_type %q", sendX5C, form.Get("client_assertion_type"))
		}
		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(form.Get("client_assertion"), claims, func(*jwt.Token) (any, error) {
			return key.Public(), nil
		}, jwt.WithAudience(tokenEndpoint), jwt.WithIssuer(clientID), jwt.WithSubject(clientID))
		if err != nil {
			t.Fatalf("TestAcquireTokenByCertificate(x5c %v): assertion did not verify: %s", sendX5C, err)
		}
		if token.Header["x5t"] == nil {
			t.Errorf("TestAcquireTokenByCertificate(x5c %v): assertion has no x5t header", sendX5C)
		}
		if _, ok := token.Header["x5c"]; ok != sendX5C {
			t.Errorf("TestAcquireTokenByCertificate(x5c %v): x5c header present == %v", sendX5C, ok)
		}
	}
}

func TestAcquireTokenByAssertionCallback(t *testing.T) {
	calls := 0
	var got AssertionRequestOptions
	cred, err := NewCredFromAssertionCallback(func(ctx context.Context, o AssertionRequestOptions) (string, error) {
		calls++
		got = o
		if calls > 1 {
			return "", errors.New("assertion unavailable")
		}
		return "assertion", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	client, httpClient := newClient(t, cred)
	httpClient.AppendResponse(mock.WithBody(appTokenBody("app token")))

	if _, err := client.AcquireTokenByCredential(context.Background(), tokenScope); err != nil {
		t.Fatalf("TestAcquireTokenByAssertionCallback: %s", err)
	}
	if got.ClientID != clientID || got.TokenEndpoint != tokenEndpoint {
		t.Errorf("TestAcquireTokenByAssertionCallback: callback got %+v", got)
	}
	form, _ := url.ParseQuery(httpClient.Requests()[0].Body)
	if form.Get("client_assertion") != "assertion" {
		t.Errorf("TestAcquireTokenByAssertionCallback: got client_assertion %q, want %q", form.Get("client_assertion"), "assertion")
	}

	// the callback error surfaces before anything is sent
	if _, err := client.AcquireTokenByCredential(context.Background(), []string{"https://vault.azure.net/.default"}); err == nil {
		t.Errorf("TestAcquireTokenByAssertionCallback: got err == nil, want the callback's error")
	}
	if httpClient.Remaining() != 0 || len(httpClient.Requests()) != 1 {
		t.Errorf("TestAcquireTokenByAssertionCallback: a request was sent with a failed assertion")
	}
}

func TestAcquireTokenByAuthCode(t *testing.T) {
	cred, err := NewCredFromSecret("the secret")
	if err != nil {
		t.Fatal(err)
	}
	client, httpClient := newClient(t, cred)
	httpClient.AppendResponse(mock.WithBody(mock.TokenBody{
		AccessToken:  "user token",
		RefreshToken: "rt",
		IDToken:      mock.GetIDToken(clientID, "contoso", "https://login.microsoftonline.com/contoso/v2.0", map[string]any{"preferred_username": "user@contoso.com"}),
		ClientInfo:   mock.GetClientInfo("uid", "contoso"),
		Scope:        "user.read openid profile offline_access",
		ExpiresIn:    3600,
	}.Bytes()))

	scopes := []string{"user.read"}
	res, err := client.AcquireTokenByAuthCode(context.Background(), "code", "https://localhost/redirect", scopes, WithCodeVerifier("verifier"))
	if err != nil {
		t.Fatalf("TestAcquireTokenByAuthCode: %s", err)
	}
	form, _ := url.ParseQuery(httpClient.Requests()[0].Body)
	for k, v := range map[string]string{"grant_type": "authorization_code", "code": "code", "code_verifier": "verifier", "redirect_uri": "https://localhost/redirect", "client_secret": "the secret"} {
		if form.Get(k) != v {
			t.Errorf("TestAcquireTokenByAuthCode: got %s=%q, want %q", k, form.Get(k), v)
		}
	}

	silent, err := client.AcquireTokenSilent(context.Background(), scopes, WithSilentAccount(res.Account))
	if err != nil {
		t.Fatalf("TestAcquireTokenByAuthCode: silent: %s", err)
	}
	if !silent.FromCache || silent.AccessToken != "user token" {
		t.Errorf("TestAcquireTokenByAuthCode: silent got (%q, fromCache %v), want the cached token", silent.AccessToken, silent.FromCache)
	}

	acc, err := client.Account(context.Background(), "uid.contoso")
	if err != nil || acc.PreferredUsername != "user@contoso.com" {
		t.Errorf("TestAcquireTokenByAuthCode: got account %+v (%v)", acc, err)
	}
	if err := client.RemoveAccount(context.Background(), acc); err != nil {
		t.Fatalf("TestAcquireTokenByAuthCode: RemoveAccount: %s", err)
	}
	accs, _ := client.Accounts(context.Background())
	if len(accs) != 0 {
		t.Errorf("TestAcquireTokenByAuthCode: got %d accounts after RemoveAccount, want 0", len(accs))
	}
}

func TestTokenSource(t *testing.T) {
	cred, err := NewCredFromSecret("the secret")
	if err != nil {
		t.Fatal(err)
	}
	client, httpClient := newClient(t, cred)
	httpClient.AppendResponse(mock.WithBody(appTokenBody("app token")))

	ts := client.TokenSource(context.Background(), tokenScope)
	for i := 0; i < 3; i++ {
		tok, err := ts.Token()
		if err != nil {
			t.Fatalf("TestTokenSource(%d): %s", i, err)
		}
		if tok.AccessToken != "app token" || !tok.Valid() {
			t.Errorf("TestTokenSource(%d): got %+v, want a valid token", i, tok)
		}
	}
	if n := len(httpClient.Requests()); n != 1 {
		t.Errorf("TestTokenSource: got %d requests, want 1", n)
	}
}

func TestOptions(t *testing.T) {
	cred, err := NewCredFromSecret("the secret")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		desc    string
		options []Option
		err     bool
	}{
		{desc: "defaults"},
		{desc: "http authority", options: []Option{WithAuthority("http://login.microsoftonline.com/contoso")}, err: true},
		{desc: "nil http client", options: []Option{WithHTTPClient(nil)}, err: true},
		{desc: "negative renewal buffer", options: []Option{WithRenewalBuffer(-time.Minute)}, err: true},
		{desc: "bad capability", options: []Option{WithClientCapabilities([]string{`cp"1`})}, err: true},
		{desc: "everything", options: []Option{WithAppInfo("app", "1"), WithRenewalBuffer(time.Minute), WithClientCapabilities([]string{"cp1"}), WithInstanceDiscovery(false)}},
	}
	for _, test := range tests {
		_, err := New(clientID, cred, test.options...)
		switch {
		case err == nil && test.err:
			t.Errorf("TestOptions(%s): got err == nil, want err != nil", test.desc)
		case err != nil && !test.err:
			t.Errorf("TestOptions(%s): got err == %s, want err == nil", test.desc, err)
		}
	}
}
