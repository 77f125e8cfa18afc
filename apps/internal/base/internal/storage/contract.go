// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package storage

import (
	"context"
	"encoding/json"

	"github.com/hashicorp/go-multierror"

	"github.com/AzureAD/msal-token-cache-go/apps/internal/shared"
)

// Contract is the JSON structure that is written to any storage medium when serializing
// the whole cache. This design is shared between MSAL versions in many languages.
// This cannot be changed without design that includes other SDKs.
type Contract struct {
	AccessTokens  map[string]AccessToken    `json:"AccessToken"`
	RefreshTokens map[string]RefreshToken   `json:"RefreshToken"`
	IDTokens      map[string]IDToken        `json:"IdToken"`
	Accounts      map[string]shared.Account `json:"Account"`
	AppMetaData   map[string]AppMetaData    `json:"AppMetadata"`
}

// NewContract is the constructor for Contract.
func NewContract() *Contract {
	return &Contract{
		AccessTokens:  map[string]AccessToken{},
		RefreshTokens: map[string]RefreshToken{},
		IDTokens:      map[string]IDToken{},
		Accounts:      map[string]shared.Account{},
		AppMetaData:   map[string]AppMetaData{},
	}
}

func all[T entity](T) bool { return true }

// Export reads every valid entity of the store into a Contract.
func (m *Manager) Export(ctx context.Context) (*Contract, error) {
	c := NewContract()

	ats, err := readAll(ctx, m, isAccessToken, all[AccessToken])
	if err != nil {
		return nil, err
	}
	for _, at := range ats {
		c.AccessTokens[at.Key()] = at
	}
	rts, err := readAll(ctx, m, isRefreshToken, all[RefreshToken])
	if err != nil {
		return nil, err
	}
	for _, rt := range rts {
		c.RefreshTokens[rt.Key()] = rt
	}
	ids, err := readAll(ctx, m, isIDToken, all[IDToken])
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		c.IDTokens[id.Key()] = id
	}
	accs, err := readAll(ctx, m, isAccount, all[shared.Account])
	if err != nil {
		return nil, err
	}
	for _, acc := range accs {
		c.Accounts[acc.Key()] = acc
	}
	mds, err := readAll(ctx, m, isAppMetaData, all[AppMetaData])
	if err != nil {
		return nil, err
	}
	for _, md := range mds {
		c.AppMetaData[md.Key()] = md
	}
	return c, nil
}

// Import writes every entity of c to the store at its canonical key. The map keys of c are
// ignored. Invalid entities and failed writes are returned together after all were attempted.
func (m *Manager) Import(ctx context.Context, c *Contract) error {
	var errs *multierror.Error
	add := func(err error) {
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	for _, acc := range c.Accounts {
		add(m.SetAccount(ctx, acc))
	}
	for _, id := range c.IDTokens {
		add(m.SetIDToken(ctx, id))
	}
	for _, at := range c.AccessTokens {
		add(m.SetAccessToken(ctx, at))
	}
	for _, rt := range c.RefreshTokens {
		add(m.SetRefreshToken(ctx, rt))
	}
	for _, md := range c.AppMetaData {
		add(m.SetAppMetaData(ctx, md))
	}
	return errs.ErrorOrNil()
}

// Marshal implements cache.Marshaler.
func (m *Manager) Marshal(ctx context.Context) ([]byte, error) {
	c, err := m.Export(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// Unmarshal implements cache.Unmarshaler.
func (m *Manager) Unmarshal(ctx context.Context, b []byte) error {
	c := NewContract()
	if err := json.Unmarshal(b, c); err != nil {
		return err
	}
	return m.Import(ctx, c)
}
