// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package performance

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/AzureAD/msal-token-cache-go/apps/cache/memory"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/mock"
	"github.com/AzureAD/msal-token-cache-go/apps/public"
)

const (
	clientID     = "perf_client_id"
	authorityURI = "https://login.microsoftonline.com/my_utid"
)

// populateCache signs in users and acquires tokens scopes for each, one response per token.
func populateCache(t testing.TB, users, tokens int) (public.Client, []public.Account) {
	httpClient := mock.NewClient()
	client, err := public.New(clientID, public.WithAuthority(authorityURI), public.WithHTTPClient(httpClient), public.WithCache(memory.New()))
	if err != nil {
		t.Fatal(err)
	}

	accounts := make([]public.Account, users)
	for user := 0; user < users; user++ {
		for token := 0; token < tokens; token++ {
			scope := fmt.Sprintf("scope%d", token)
			httpClient.AppendResponse(mock.WithBody(mock.TokenBody{
				AccessToken:  fmt.Sprintf("access_token%d_%d", user, token),
				RefreshToken: "refresh_token",
				IDToken:      mock.GetIDToken(clientID, "my_utid", "https://login.microsoftonline.com/my_utid/v2.0", nil),
				ClientInfo:   mock.GetClientInfo(fmt.Sprintf("uid%d", user), "my_utid"),
				Scope:        scope + " openid profile offline_access",
				ExpiresIn:    3600,
			}.Bytes()))
			res, err := client.AcquireTokenByUsernamePassword(context.Background(), []string{scope}, fmt.Sprintf("user%d", user), "password")
			if err != nil {
				t.Fatal(err)
			}
			accounts[user] = res.Account
		}
	}
	return client, accounts
}

// queryCache looks up the token of a random user and scope.
func queryCache(t testing.TB, client public.Client, accounts []public.Account, tokens int) {
	scope := []string{fmt.Sprintf("scope%d", rand.Intn(tokens))}
	res, err := client.AcquireTokenSilent(context.Background(), scope, public.WithSilentAccount(accounts[rand.Intn(len(accounts))]))
	if err != nil {
		t.Fatal(err)
	}
	if !res.FromCache {
		t.Fatal("the token did not come from the cache")
	}
}

func calculateStats(t testing.TB, users, tokens int, durations []float64) {
	t.Logf("users: %d, tokens per user: %d, lookups: %d", users, tokens, len(durations))
	for _, m := range []struct {
		name string
		fn   func(stats.Float64Data) (float64, error)
	}{
		{"mean", stats.Mean},
		{"median", stats.Median},
		{"std dev", stats.StandardDeviation},
		{"min", stats.Min},
		{"max", stats.Max},
		{"p95", func(d stats.Float64Data) (float64, error) { return stats.Percentile(d, 95) }},
		{"p99", func(d stats.Float64Data) (float64, error) { return stats.Percentile(d, 99) }},
	} {
		v, err := m.fn(durations)
		if err != nil {
			t.Fatalf("%s: %s", m.name, err)
		}
		t.Logf("%s: %.1fµs", m.name, v/float64(time.Microsecond))
	}
}

func TestSilentCacheLookup(t *testing.T) {
	if testing.Short() || os.Getenv("CI") != "" {
		t.Skip("skipping performance test")
	}
	tests := []struct {
		users  int
		tokens int
	}{
		{1, 100},
		{10, 100},
		{100, 10},
	}

	for _, test := range tests {
		client, accounts := populateCache(t, test.users, test.tokens)
		var durations []float64
		for start := time.Now(); time.Since(start) < 5*time.Second; {
			s := time.Now()
			queryCache(t, client, accounts, test.tokens)
			durations = append(durations, float64(time.Since(s)))
		}
		calculateStats(t, test.users, test.tokens, durations)
	}
}

func BenchmarkSilentCacheLookup(b *testing.B) {
	client, accounts := populateCache(b, 10, 100)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		queryCache(b, client, accounts, 100)
	}
}
