// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package base

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/kylelemons/godebug/pretty"

	"github.com/AzureAD/msal-token-cache-go/apps/cache/memory"
	msalerrors "github.com/AzureAD/msal-token-cache-go/apps/errors"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/logger"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/mock"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/oauth"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/oauth/ops/accesstokens"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/oauth/ops/authority"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/shared"
)

const (
	testAuthority = "https://login.microsoftonline.com/organizations"
	testClientID  = "mock_client_id"
	testIssuer    = "https://login.microsoftonline.com/utid/v2.0"
	testUsername  = "user@contoso.com"
)

var testScopes = []string{"User.Read"}

func newTestClient(t *testing.T, clientID, authorityURI string, httpClient *mock.Client, cfg accesstokens.ClientConfig, opts ...Option) Client {
	t.Helper()
	client, err := New(clientID, authorityURI, oauth.New(httpClient, nil, cfg, nil), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return client
}

func userTokenBody(clientID, accessToken, refreshToken, familyID string, expiresIn int) []byte {
	return mock.TokenBody{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		IDToken:      mock.GetIDToken(clientID, "utid", testIssuer, map[string]any{"preferred_username": testUsername, "oid": "oid"}),
		ClientInfo:   mock.GetClientInfo("uid", "utid"),
		FamilyID:     familyID,
		ExpiresIn:    expiresIn,
	}.Bytes()
}

func signIn(t *testing.T, client Client, httpClient *mock.Client, body []byte) AuthResult {
	t.Helper()
	httpClient.AppendResponse(mock.WithBody(body))
	res, err := client.AcquireTokenByUsernamePassword(context.Background(), AcquireTokenByUsernamePasswordParameters{
		Scopes:   testScopes,
		Username: testUsername,
		Password: "password",
	})
	if err != nil {
		t.Fatalf("signIn: %s", err)
	}
	return res
}

func TestAcquireTokenByUsernamePassword(t *testing.T) {
	httpClient := mock.NewClient()
	client := newTestClient(t, testClientID, testAuthority, httpClient, accesstokens.ClientConfig{})

	res := signIn(t, client, httpClient, userTokenBody(testClientID, "at", "rt", "", 3600))

	wantAccount := shared.Account{
		HomeAccountID:     "uid.utid",
		Environment:       "login.microsoftonline.com",
		Realm:             "utid",
		LocalAccountID:    "oid",
		AuthorityType:     authority.AAD,
		PreferredUsername: testUsername,
		RawClientInfo:     mock.GetClientInfo("uid", "utid"),
	}
	if diff := pretty.Compare(wantAccount, res.Account); diff != "" {
		t.Errorf("TestAcquireTokenByUsernamePassword: account: -want/+got:\n%s", diff)
	}
	if res.AccessToken != "at" || res.TokenType != "Bearer" || res.FromCache {
		t.Errorf("TestAcquireTokenByUsernamePassword: got (%q, %q, fromCache %v), want (at, Bearer, false)", res.AccessToken, res.TokenType, res.FromCache)
	}
	if res.IDToken.PreferredUsername != testUsername {
		t.Errorf("TestAcquireTokenByUsernamePassword: got ID token username %q, want %q", res.IDToken.PreferredUsername, testUsername)
	}
	if res.CorrelationID == "" {
		t.Errorf("TestAcquireTokenByUsernamePassword: no correlation id")
	}

	reqs := httpClient.Requests()
	if len(reqs) != 1 {
		t.Fatalf("TestAcquireTokenByUsernamePassword: got %d requests, want 1", len(reqs))
	}
	form, err := url.ParseQuery(reqs[0].Body)
	if err != nil {
		t.Fatal(err)
	}
	if form.Get("grant_type") != "password" || form.Get("username") != testUsername {
		t.Errorf("TestAcquireTokenByUsernamePassword: unexpected body %s", reqs[0].Body)
	}
	if form.Get("client-request-id") != res.CorrelationID && reqs[0].Header.Get("client-request-id") != res.CorrelationID {
		t.Errorf("TestAcquireTokenByUsernamePassword: request was not sent with the result's correlation id")
	}
}

func TestAcquireTokenSilent(t *testing.T) {
	tests := []struct {
		desc string
		// expiresIn of the first token; below the renewal buffer it is stale immediately
		expiresIn   int
		claims      string
		wantRefresh bool
	}{
		{desc: "valid cached token", expiresIn: 3600},
		{desc: "token inside the renewal buffer", expiresIn: 100, wantRefresh: true},
		{desc: "claims challenge", expiresIn: 3600, claims: `{"access_token":{"nbf":{"essential":true,"value":"1"}}}`, wantRefresh: true},
	}

	for _, test := range tests {
		httpClient := mock.NewClient()
		client := newTestClient(t, testClientID, testAuthority, httpClient, accesstokens.ClientConfig{})
		first := signIn(t, client, httpClient, userTokenBody(testClientID, "at", "rt", "", test.expiresIn))
		if test.wantRefresh {
			httpClient.AppendResponse(mock.WithBody(userTokenBody(testClientID, "refreshed at", "rotated rt", "", 3600)))
		}

		silent := AcquireTokenSilentParameters{Scopes: []string{"user.read"}, Account: first.Account}
		silent.Claims = test.claims
		res, err := client.AcquireTokenSilent(context.Background(), silent)
		if err != nil {
			t.Errorf("TestAcquireTokenSilent(%s): got err == %s, want err == nil", test.desc, err)
			continue
		}

		if !test.wantRefresh {
			if !res.FromCache || res.AccessToken != "at" {
				t.Errorf("TestAcquireTokenSilent(%s): got (%q, fromCache %v), want the cached token", test.desc, res.AccessToken, res.FromCache)
			}
			if res.IDToken.PreferredUsername != testUsername || res.Account.HomeAccountID != "uid.utid" {
				t.Errorf("TestAcquireTokenSilent(%s): cached result is missing the ID token or account", test.desc)
			}
			if n := len(httpClient.Requests()); n != 1 {
				t.Errorf("TestAcquireTokenSilent(%s): got %d requests, want only the sign in", test.desc, n)
			}
			continue
		}

		if res.FromCache || res.AccessToken != "refreshed at" {
			t.Errorf("TestAcquireTokenSilent(%s): got (%q, fromCache %v), want the refreshed token", test.desc, res.AccessToken, res.FromCache)
		}
		reqs := httpClient.Requests()
		form, _ := url.ParseQuery(reqs[len(reqs)-1].Body)
		if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "rt" {
			t.Errorf("TestAcquireTokenSilent(%s): unexpected refresh body %s", test.desc, reqs[len(reqs)-1].Body)
		}
		if httpClient.Remaining() != 0 {
			t.Errorf("TestAcquireTokenSilent(%s): the refresh reply was not used", test.desc)
		}
	}
}

func TestCachedResultMatchesNetworkResult(t *testing.T) {
	httpClient := mock.NewClient()
	client := newTestClient(t, testClientID, testAuthority, httpClient, accesstokens.ClientConfig{})
	first := signIn(t, client, httpClient, userTokenBody(testClientID, "at", "rt", "", 3600))

	res, err := client.AcquireTokenSilent(context.Background(), AcquireTokenSilentParameters{Scopes: testScopes, Account: first.Account})
	if err != nil {
		t.Fatalf("TestCachedResultMatchesNetworkResult: got err == %s, want err == nil", err)
	}
	if !res.FromCache {
		t.Fatalf("TestCachedResultMatchesNetworkResult: the silent call should be served from the cache")
	}
	if first.ExpiresOn.Nanosecond() != 0 || first.ExtendedExpiresOn.Nanosecond() != 0 {
		t.Errorf("TestCachedResultMatchesNetworkResult: got network expiries %v/%v, want whole seconds", first.ExpiresOn, first.ExtendedExpiresOn)
	}
	if !res.ExpiresOn.Equal(first.ExpiresOn) || !res.ExtendedExpiresOn.Equal(first.ExtendedExpiresOn) {
		t.Errorf("TestCachedResultMatchesNetworkResult: cached expiries %v/%v differ from network expiries %v/%v",
			res.ExpiresOn, res.ExtendedExpiresOn, first.ExpiresOn, first.ExtendedExpiresOn)
	}
}

func TestTenantNamedByDomain(t *testing.T) {
	httpClient := mock.NewClient()
	client := newTestClient(t, testClientID, "https://login.microsoftonline.com/contoso.onmicrosoft.com", httpClient, accesstokens.ClientConfig{})
	// the ID token names the tenant by id in both tid and iss
	first := signIn(t, client, httpClient, userTokenBody(testClientID, "at", "rt", "", 3600))
	if first.Account.Realm != "contoso.onmicrosoft.com" {
		t.Errorf("TestTenantNamedByDomain: got account realm %q, want the authority tenant", first.Account.Realm)
	}

	res, err := client.AcquireTokenSilent(context.Background(), AcquireTokenSilentParameters{Scopes: testScopes, Account: first.Account})
	if err != nil {
		t.Fatalf("TestTenantNamedByDomain: got err == %s, want err == nil", err)
	}
	if !res.FromCache || res.AccessToken != "at" {
		t.Errorf("TestTenantNamedByDomain: got (%q, fromCache %v), want the cached token", res.AccessToken, res.FromCache)
	}
	if n := len(httpClient.Requests()); n != 1 {
		t.Errorf("TestTenantNamedByDomain: got %d requests, want only the sign in", n)
	}
}

func TestAcquireTokenSilentInvalidGrant(t *testing.T) {
	httpClient := mock.NewClient()
	client := newTestClient(t, testClientID, testAuthority, httpClient, accesstokens.ClientConfig{})
	first := signIn(t, client, httpClient, userTokenBody(testClientID, "at", "rt", "", 100))

	httpClient.AppendResponse(
		mock.WithHTTPStatusCode(http.StatusBadRequest),
		mock.WithBody(mock.GetErrorBody("invalid_grant", "AADSTS70000: the refresh token has expired", 70000)),
	)
	silent := AcquireTokenSilentParameters{Scopes: testScopes, Account: first.Account}

	_, err := client.AcquireTokenSilent(context.Background(), silent)
	var srvErr msalerrors.ServerResponseError
	if !errors.As(err, &srvErr) {
		t.Fatalf("TestAcquireTokenSilentInvalidGrant: got err %v, want ServerResponseError", err)
	}
	if srvErr.ErrorCode != "invalid_grant" || srvErr.StatusCode != http.StatusBadRequest {
		t.Errorf("TestAcquireTokenSilentInvalidGrant: got (%q, %d), want (invalid_grant, 400)", srvErr.ErrorCode, srvErr.StatusCode)
	}

	if _, err := client.AcquireTokenSilent(context.Background(), silent); !errors.Is(err, msalerrors.ErrNoRefreshToken) {
		t.Errorf("TestAcquireTokenSilentInvalidGrant: got err %v after the rejection, want ErrNoRefreshToken", err)
	}
}

func TestAcquireTokenSilentFamily(t *testing.T) {
	store := memory.New()

	httpA := mock.NewClient()
	clientA := newTestClient(t, "client_a", testAuthority, httpA, accesstokens.ClientConfig{}, WithCache(store))
	first := signIn(t, clientA, httpA, userTokenBody("client_a", "at a", "family rt", "1", 3600))

	httpB := mock.NewClient()
	clientB := newTestClient(t, "client_b", testAuthority, httpB, accesstokens.ClientConfig{}, WithCache(store))
	httpB.AppendResponse(mock.WithBody(userTokenBody("client_b", "at b", "family rt 2", "1", 3600)))

	res, err := clientB.AcquireTokenSilent(context.Background(), AcquireTokenSilentParameters{Scopes: testScopes, Account: first.Account})
	if err != nil {
		t.Fatalf("TestAcquireTokenSilentFamily: got err == %s, want err == nil", err)
	}
	if res.AccessToken != "at b" {
		t.Errorf("TestAcquireTokenSilentFamily: got %q, want the token issued to client_b", res.AccessToken)
	}
	form, _ := url.ParseQuery(httpB.Requests()[0].Body)
	if form.Get("client_id") != "client_b" || form.Get("refresh_token") != "family rt" {
		t.Errorf("TestAcquireTokenSilentFamily: client_b should redeem the family refresh token, body %s", httpB.Requests()[0].Body)
	}

	// the rotated family token replaced the first for both clients
	res, err = clientA.AcquireTokenSilent(context.Background(), AcquireTokenSilentParameters{Scopes: testScopes, Account: first.Account})
	if err != nil || !res.FromCache || res.AccessToken != "at a" {
		t.Errorf("TestAcquireTokenSilentFamily: client_a should still use its cached token, got (%q, %v)", res.AccessToken, err)
	}
}

func TestAcquireTokenSilentErrors(t *testing.T) {
	httpClient := mock.NewClient()
	client := newTestClient(t, testClientID, testAuthority, httpClient, accesstokens.ClientConfig{})

	_, err := client.AcquireTokenSilent(context.Background(), AcquireTokenSilentParameters{Scopes: testScopes})
	var cfgErr msalerrors.ClientConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "account" {
		t.Errorf("TestAcquireTokenSilentErrors: got err %v, want an account ClientConfigurationError", err)
	}

	unknown := shared.NewAccount("other.utid", "login.microsoftonline.com", "utid", "", authority.AAD, "")
	if _, err := client.AcquireTokenSilent(context.Background(), AcquireTokenSilentParameters{Scopes: testScopes, Account: unknown}); !errors.Is(err, msalerrors.ErrNoRefreshToken) {
		t.Errorf("TestAcquireTokenSilentErrors: got err %v, want ErrNoRefreshToken", err)
	}
}

func TestAcquireTokenByCredential(t *testing.T) {
	httpClient := mock.NewClient()
	cfg := accesstokens.ClientConfig{Credential: &accesstokens.Credential{Secret: "secret"}}
	client := newTestClient(t, testClientID, "https://login.microsoftonline.com/utid", httpClient, cfg)
	httpClient.AppendResponse(mock.WithBody(mock.TokenBody{AccessToken: "app token", ExpiresIn: 3600}.Bytes()))

	params := AcquireTokenByCredentialParameters{Scopes: []string{"https://graph.microsoft.com/.default"}}
	res, err := client.AcquireTokenByCredential(context.Background(), params)
	if err != nil {
		t.Fatalf("TestAcquireTokenByCredential: got err == %s, want err == nil", err)
	}
	if res.AccessToken != "app token" || res.FromCache || !res.Account.IsZero() {
		t.Errorf("TestAcquireTokenByCredential: got (%q, fromCache %v, account %v), want a new app token without account", res.AccessToken, res.FromCache, res.Account)
	}
	form, _ := url.ParseQuery(httpClient.Requests()[0].Body)
	if form.Get("scope") != "https://graph.microsoft.com/.default" || form.Get("client_secret") != "secret" {
		t.Errorf("TestAcquireTokenByCredential: unexpected body %s", httpClient.Requests()[0].Body)
	}

	res, err = client.AcquireTokenByCredential(context.Background(), params)
	if err != nil {
		t.Fatalf("TestAcquireTokenByCredential: second call: %s", err)
	}
	if !res.FromCache || res.AccessToken != "app token" {
		t.Errorf("TestAcquireTokenByCredential: second call got (%q, fromCache %v), want the cached token", res.AccessToken, res.FromCache)
	}
	if len(httpClient.Requests()) != 1 {
		t.Errorf("TestAcquireTokenByCredential: the second call should not send a request")
	}
	accs, err := client.Accounts(context.Background())
	if err != nil || len(accs) != 0 {
		t.Errorf("TestAcquireTokenByCredential: app tokens should not create accounts, got %v (%v)", accs, err)
	}
}

func TestAcquireTokenByAuthCode(t *testing.T) {
	httpClient := mock.NewClient()
	client := newTestClient(t, testClientID, testAuthority, httpClient, accesstokens.ClientConfig{})
	httpClient.AppendResponse(mock.WithBody(userTokenBody(testClientID, "at", "rt", "", 3600)))

	p := AcquireTokenAuthCodeParameters{Scopes: testScopes, Code: "code", CodeVerifier: "verifier", RedirectURI: "http://localhost"}
	p.State = "xyz"
	res, err := client.AcquireTokenByAuthCode(context.Background(), p)
	if err != nil {
		t.Fatalf("TestAcquireTokenByAuthCode: got err == %s, want err == nil", err)
	}
	if res.State != "xyz" {
		t.Errorf("TestAcquireTokenByAuthCode: got state %q, want xyz", res.State)
	}
	form, _ := url.ParseQuery(httpClient.Requests()[0].Body)
	want := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"code"},
		"code_verifier": {"verifier"},
		"redirect_uri":  {"http://localhost"},
	}
	for k := range want {
		if form.Get(k) != want.Get(k) {
			t.Errorf("TestAcquireTokenByAuthCode: got %s=%q, want %q", k, form.Get(k), want.Get(k))
		}
	}
}

func TestServerErrorIsReturned(t *testing.T) {
	httpClient := mock.NewClient()
	client := newTestClient(t, testClientID, testAuthority, httpClient, accesstokens.ClientConfig{})
	httpClient.AppendResponse(mock.WithBody([]byte(`{"error":"invalid_client","suberror":"bad","error_description":"nope","error_codes":[7000215],"correlation_id":"cid"}`)))

	_, err := client.AcquireTokenByUsernamePassword(context.Background(), AcquireTokenByUsernamePasswordParameters{Scopes: testScopes, Username: "u", Password: "p"})
	var srvErr msalerrors.ServerResponseError
	if !errors.As(err, &srvErr) {
		t.Fatalf("TestServerErrorIsReturned: got err %v, want ServerResponseError", err)
	}
	want := msalerrors.ServerResponseError{ErrorCode: "invalid_client", SubError: "bad", Description: "nope", ErrorCodes: []int{7000215}, CorrelationID: "cid"}
	if diff := pretty.Compare(want, srvErr); diff != "" {
		t.Errorf("TestServerErrorIsReturned: -want/+got:\n%s", diff)
	}
	if accs, _ := client.Accounts(context.Background()); len(accs) != 0 {
		t.Errorf("TestServerErrorIsReturned: nothing should be cached")
	}
}

// setFailer fails writes of keys containing substr.
type setFailer struct {
	*memory.Store
	substr string
}

func (s setFailer) Set(ctx context.Context, key, value string) error {
	if strings.Contains(key, s.substr) {
		return errors.New("disk full")
	}
	return s.Store.Set(ctx, key, value)
}

func TestCacheWriteWarnings(t *testing.T) {
	buf := &bytes.Buffer{}
	httpClient := mock.NewClient()
	client := newTestClient(t, testClientID, testAuthority, httpClient, accesstokens.ClientConfig{},
		WithCache(setFailer{Store: memory.New(), substr: "refreshtoken"}),
		WithLogger(logger.New(slog.New(slog.NewJSONHandler(buf, nil)))),
	)

	res := signIn(t, client, httpClient, userTokenBody(testClientID, "at", "rt", "", 3600))
	if res.AccessToken != "at" {
		t.Errorf("TestCacheWriteWarnings: got %q, want the token despite the failed write", res.AccessToken)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("TestCacheWriteWarnings: got %d warnings, want 1", len(res.Warnings))
	}
	var cacheErr msalerrors.CacheIOError
	if !errors.As(res.Warnings[0], &cacheErr) || !strings.Contains(cacheErr.Key, "refreshtoken") {
		t.Errorf("TestCacheWriteWarnings: got warning %v, want the refresh token CacheIOError", res.Warnings[0])
	}
	if !strings.Contains(buf.String(), "token was acquired but not fully cached") {
		t.Errorf("TestCacheWriteWarnings: the failed write was not logged:\n%s", buf.String())
	}
}

func TestPipelineStates(t *testing.T) {
	buf := &bytes.Buffer{}
	l := logger.New(slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	httpClient := mock.NewClient()
	client := newTestClient(t, testClientID, testAuthority, httpClient, accesstokens.ClientConfig{}, WithLogger(l))
	res := signIn(t, client, httpClient, userTokenBody(testClientID, "at", "rt", "", 3600))

	got := states(t, buf, res.CorrelationID)
	want := []string{"Pending", "Requested", "Validated", "Cached", "Returned"}
	if diff := pretty.Compare(want, got); diff != "" {
		t.Errorf("TestPipelineStates(success): -want/+got:\n%s", diff)
	}

	buf.Reset()
	httpClient.AppendResponse(mock.WithHTTPStatusCode(http.StatusBadRequest), mock.WithBody(mock.GetErrorBody("invalid_grant", "bad password")))
	_, err := client.AcquireTokenByUsernamePassword(context.Background(), AcquireTokenByUsernamePasswordParameters{Scopes: testScopes, Username: "u", Password: "p"})
	if err == nil {
		t.Fatal("TestPipelineStates: got err == nil, want err != nil")
	}
	var line struct {
		CorrelationID string `json:"correlation_id"`
	}
	_ = json.Unmarshal(bytes.Split(buf.Bytes(), []byte("\n"))[0], &line)
	got = states(t, buf, line.CorrelationID)
	want = []string{"Pending", "Requested", "Failed"}
	if diff := pretty.Compare(want, got); diff != "" {
		t.Errorf("TestPipelineStates(failure): -want/+got:\n%s", diff)
	}
}

// states returns the states logged for correlationID, in order.
func states(t *testing.T, buf *bytes.Buffer, correlationID string) []string {
	t.Helper()
	var out []string
	for _, l := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry struct {
			Msg           string `json:"msg"`
			State         string `json:"state"`
			CorrelationID string `json:"correlation_id"`
		}
		if err := json.Unmarshal(l, &entry); err != nil {
			t.Fatalf("states: %s", err)
		}
		if entry.Msg == "token acquisition" && entry.CorrelationID == correlationID {
			out = append(out, entry.State)
		}
	}
	return out
}

func TestAccountsAndRemoveAccount(t *testing.T) {
	httpClient := mock.NewClient()
	client := newTestClient(t, testClientID, testAuthority, httpClient, accesstokens.ClientConfig{})
	first := signIn(t, client, httpClient, userTokenBody(testClientID, "at", "rt", "", 3600))
	ctx := context.Background()

	accs, err := client.Accounts(ctx)
	if err != nil || len(accs) != 1 {
		t.Fatalf("TestAccountsAndRemoveAccount: got %v (%v), want one account", accs, err)
	}
	acc, err := client.Account(ctx, "uid.utid")
	if err != nil || acc.PreferredUsername != testUsername {
		t.Errorf("TestAccountsAndRemoveAccount: Account got %v (%v), want the signed in user", acc, err)
	}

	if err := client.RemoveAccount(ctx, first.Account); err != nil {
		t.Fatalf("TestAccountsAndRemoveAccount: RemoveAccount: %s", err)
	}
	if accs, _ := client.Accounts(ctx); len(accs) != 0 {
		t.Errorf("TestAccountsAndRemoveAccount: got %d accounts after removal, want 0", len(accs))
	}
	if _, err := client.AcquireTokenSilent(ctx, AcquireTokenSilentParameters{Scopes: testScopes, Account: first.Account}); !errors.Is(err, msalerrors.ErrNoRefreshToken) {
		t.Errorf("TestAccountsAndRemoveAccount: got err %v, want ErrNoRefreshToken after removal", err)
	}
}

func TestAuthCodeURL(t *testing.T) {
	client := newTestClient(t, testClientID, testAuthority, mock.NewClient(), accesstokens.ClientConfig{}, WithClientCapabilities([]string{"cp1"}))

	u, err := client.AuthCodeURL(context.Background(), AuthCodeURLParameters{
		Scopes:              testScopes,
		RedirectURI:         "http://localhost",
		State:               "state",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
	})
	if err != nil {
		t.Fatalf("TestAuthCodeURL: got err == %s, want err == nil", err)
	}
	parsed, err := url.Parse(u)
	if err != nil {
		t.Fatal(err)
	}
	if got := parsed.Scheme + "://" + parsed.Host + parsed.Path; got != "https://login.microsoftonline.com/organizations/oauth2/v2.0/authorize" {
		t.Errorf("TestAuthCodeURL: got endpoint %q", got)
	}
	q := parsed.Query()
	want := map[string]string{
		"client_id":             testClientID,
		"response_type":         "code",
		"redirect_uri":          "http://localhost",
		"scope":                 "User.Read openid profile offline_access",
		"state":                 "state",
		"code_challenge":        "challenge",
		"code_challenge_method": "S256",
		"claims":                `{"access_token":{"xms_cc":{"values":["cp1"]}}}`,
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Errorf("TestAuthCodeURL: got %s=%q, want %q", k, q.Get(k), v)
		}
	}
	if q.Has("prompt") {
		t.Errorf("TestAuthCodeURL: empty parameters should be left out")
	}

	if _, err := client.AuthCodeURL(context.Background(), AuthCodeURLParameters{Scopes: testScopes}); err == nil {
		t.Errorf("TestAuthCodeURL: a missing redirect URI should fail")
	}
}

func TestNew(t *testing.T) {
	tok := oauth.New(mock.NewClient(), nil, accesstokens.ClientConfig{}, nil)
	tests := []struct {
		desc      string
		clientID  string
		authority string
		opts      []Option
		wantField string
	}{
		{desc: "success", clientID: testClientID, authority: testAuthority},
		{desc: "no client id", authority: testAuthority, wantField: "client_id"},
		{desc: "http authority", clientID: testClientID, authority: "http://login.microsoftonline.com/common", wantField: "authority"},
		{desc: "unknown host", clientID: testClientID, authority: "https://login.contoso.com/tenant", wantField: "authority"},
		{desc: "unknown host without validation", clientID: testClientID, authority: "https://login.contoso.com/tenant", opts: []Option{WithInstanceDiscovery(false)}},
	}
	for _, test := range tests {
		_, err := New(test.clientID, test.authority, tok, test.opts...)
		if test.wantField == "" {
			if err != nil {
				t.Errorf("TestNew(%s): got err == %s, want err == nil", test.desc, err)
			}
			continue
		}
		var cfgErr msalerrors.ClientConfigurationError
		if !errors.As(err, &cfgErr) || cfgErr.Field != test.wantField {
			t.Errorf("TestNew(%s): got err %v, want a %s ClientConfigurationError", test.desc, err, test.wantField)
		}
	}
}
