// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package shared

import (
	"fmt"
	"net/http"
	"strings"

	msalerrors "github.com/AzureAD/msal-token-cache-go/apps/errors"
)

const (
	// CacheKeySeparator is used in creating the keys of the cache.
	CacheKeySeparator = "-"
)

// Account represents a user signed in to an authority. There is one Account per
// (home account, environment, realm).
type Account struct {
	HomeAccountID     string `json:"home_account_id,omitempty"`
	Environment       string `json:"environment,omitempty"`
	Realm             string `json:"realm,omitempty"`
	LocalAccountID    string `json:"local_account_id,omitempty"`
	AuthorityType     string `json:"authority_type,omitempty"`
	PreferredUsername string `json:"username,omitempty"`
	Name              string `json:"name,omitempty"`
	RawClientInfo     string `json:"client_info,omitempty"`
}

// NewAccount creates an account.
func NewAccount(homeAccountID, env, realm, localAccountID, authorityType, username string) Account {
	return Account{
		HomeAccountID:     homeAccountID,
		Environment:       env,
		Realm:             realm,
		LocalAccountID:    localAccountID,
		AuthorityType:     authorityType,
		PreferredUsername: username,
	}
}

// Key creates the key for storing accounts in the cache.
func (acc Account) Key() string {
	return strings.ToLower(strings.Join([]string{acc.HomeAccountID, acc.Environment, acc.Realm}, CacheKeySeparator))
}

// Validate checks that the fields that make up the account's identity are present.
func (acc Account) Validate() error {
	switch {
	case acc.HomeAccountID == "":
		return msalerrors.MalformedEntityError{Entity: "Account", Field: "home_account_id", Err: errMissing}
	case acc.Environment == "":
		return msalerrors.MalformedEntityError{Entity: "Account", Field: "environment", Err: errMissing}
	}
	return nil
}

var errMissing = fmt.Errorf("required field is empty")

// IsZero checks the zero value of account
func (acc Account) IsZero() bool {
	return acc == Account{}
}

// DefaultClient is our default shared HTTP client.
var DefaultClient = &http.Client{}
