// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package storage holds all cached token information for MSAL. Entities live in a cache.Store
// as JSON values at their canonical keys; the Manager builds those keys, enumerates and decodes
// rows and applies the matching rules. The key layout and the JSON of each entity are shared
// with the MSAL libraries in other languages, so several processes can use the same store.
//
// A row that cannot be decoded is logged and skipped; a failing store is a CacheIOError.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/AzureAD/msal-token-cache-go/apps/cache"
	msalerrors "github.com/AzureAD/msal-token-cache-go/apps/errors"
	internalCrypto "github.com/AzureAD/msal-token-cache-go/apps/internal/crypto"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/logger"
	"github.com/AzureAD/msal-token-cache-go/apps/internal/shared"
)

// DefaultRenewalBuffer is how long before its expiry an access token is treated as expired.
const DefaultRenewalBuffer = 300 * time.Second

// Selector picks the access token to use among candidates that all satisfy a request.
// candidates is never empty.
type Selector func(requested []string, candidates []AccessToken) AccessToken

// SmallestTarget selects the token with the fewest scopes; ties go to the most recently
// cached one.
func SmallestTarget(requested []string, candidates []AccessToken) AccessToken {
	best := candidates[0]
	for _, at := range candidates[1:] {
		n, bn := len(at.Scopes()), len(best.Scopes())
		if n < bn || (n == bn && at.CachedAt.T.After(best.CachedAt.T)) {
			best = at
		}
	}
	return best
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger corrupt rows are reported to.
func WithLogger(l logger.LoggerInterface) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithRenewalBuffer changes DefaultRenewalBuffer.
func WithRenewalBuffer(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.renewalBuffer = d
		}
	}
}

// WithSelector replaces SmallestTarget.
func WithSelector(s Selector) Option {
	return func(m *Manager) {
		if s != nil {
			m.selector = s
		}
	}
}

// WithCrypto sets the hash used for requested claims.
func WithCrypto(c internalCrypto.Crypto) Option {
	return func(m *Manager) {
		if c != nil {
			m.crypto = c
		}
	}
}

// Manager reads and writes cache entities in a cache.Store. It holds no entities itself, so
// any number of Managers may share a store.
type Manager struct {
	store         cache.Store
	log           logger.LoggerInterface
	crypto        internalCrypto.Crypto
	renewalBuffer time.Duration
	selector      Selector

	// now is replaced in tests.
	now func() time.Time
}

// New is the constructor for Manager.
func New(store cache.Store, opts ...Option) *Manager {
	if store == nil {
		panic("storage.New: store cannot be nil")
	}
	m := &Manager{
		store:         store,
		log:           logger.New(nil),
		crypto:        internalCrypto.New(),
		renewalBuffer: DefaultRenewalBuffer,
		selector:      SmallestTarget,
		now:           time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type entity interface {
	Key() string
	Validate() error
}

func (m *Manager) set(ctx context.Context, e entity) error {
	if err := e.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := e.Key()
	if err := m.store.Set(ctx, key, string(b)); err != nil {
		return msalerrors.CacheIOError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// SetAccount writes acc at its key, replacing any existing account.
func (m *Manager) SetAccount(ctx context.Context, acc shared.Account) error {
	return m.set(ctx, acc)
}

// SetIDToken writes id at its key, replacing any existing token.
func (m *Manager) SetIDToken(ctx context.Context, id IDToken) error {
	return m.set(ctx, id)
}

// SetAccessToken writes at at its key, replacing any existing token.
func (m *Manager) SetAccessToken(ctx context.Context, at AccessToken) error {
	return m.set(ctx, at)
}

// SetRefreshToken writes rt at its key, replacing any existing token.
func (m *Manager) SetRefreshToken(ctx context.Context, rt RefreshToken) error {
	return m.set(ctx, rt)
}

// SetAppMetaData writes a at its key, replacing any existing entry.
func (m *Manager) SetAppMetaData(ctx context.Context, a AppMetaData) error {
	return m.set(ctx, a)
}

// decode reads the row at key into e. It returns false, after logging, when the row is
// missing or corrupt.
func decode[T entity](ctx context.Context, m *Manager, key string, e *T) (bool, error) {
	v, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return false, msalerrors.CacheIOError{Op: "get", Key: key, Err: err}
	}
	if !ok {
		// removed since Keys() was called
		return false, nil
	}

	var bad error
	switch err := json.Unmarshal([]byte(v), e); {
	case err != nil:
		bad = msalerrors.MalformedEntityError{Key: key, Err: err}
	default:
		if verr := (*e).Validate(); verr != nil {
			bad = verr
		} else if !sameKey((*e).Key(), key) {
			bad = msalerrors.MalformedEntityError{Key: key, Field: "key", Err: errors.New("stored under a key that does not match its fields")}
		}
	}
	if bad != nil {
		var me msalerrors.MalformedEntityError
		if errors.As(bad, &me) && me.Key == "" {
			me.Key = key
			bad = me
		}
		m.log.Log(ctx, logger.Warn, "skipping corrupt cache entry", logger.Field("key", key), logger.Field("error", bad.Error()))
		return false, nil
	}
	return true, nil
}

// readAll decodes every row whose key is accepted by kind and keeps those accepted by keep.
func readAll[T entity](ctx context.Context, m *Manager, kind func(Key) bool, keep func(T) bool) ([]T, error) {
	keys, err := m.store.Keys(ctx)
	if err != nil {
		return nil, msalerrors.CacheIOError{Op: "keys", Err: err}
	}
	var out []T
	for _, key := range keys {
		if !kind(ParseKey(key)) {
			continue
		}
		var e T
		ok, err := decode(ctx, m, key, &e)
		if err != nil {
			return nil, err
		}
		if ok && keep(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func isAccount(k Key) bool     { return k.Kind == KindAccount }
func isAppMetaData(k Key) bool { return k.Kind == KindAppMetaData }
func isIDToken(k Key) bool {
	return k.Kind == KindCredential && k.CredentialType == CredentialTypeIDToken
}
func isAccessToken(k Key) bool {
	return k.Kind == KindCredential && k.CredentialType.IsAccessToken()
}
func isRefreshToken(k Key) bool {
	return k.Kind == KindCredential && k.CredentialType.IsRefreshToken()
}

// Accounts returns the accounts matching f.
func (m *Manager) Accounts(ctx context.Context, f Filter) ([]shared.Account, error) {
	return readAll(ctx, m, isAccount, func(acc shared.Account) bool { return AccountMatches(acc, f) })
}

// AllAccounts returns every account in the cache.
func (m *Manager) AllAccounts(ctx context.Context) ([]shared.Account, error) {
	return m.Accounts(ctx, Filter{})
}

// Account returns the account of homeAccountID in realm at any of the environment aliases.
// The zero Account is returned if there is none.
func (m *Manager) Account(ctx context.Context, homeAccountID string, aliases []string, realm string) (shared.Account, error) {
	if homeAccountID == "" {
		return shared.Account{}, nil
	}
	accs, err := m.Accounts(ctx, Filter{HomeAccountID: homeAccountID, Environments: aliases, Realm: realm})
	if err != nil || len(accs) == 0 {
		return shared.Account{}, err
	}
	return accs[0], nil
}

// IDTokens returns the ID tokens matching f.
func (m *Manager) IDTokens(ctx context.Context, f Filter) ([]IDToken, error) {
	return readAll(ctx, m, isIDToken, func(id IDToken) bool { return id.Matches(f) })
}

// IDToken returns the ID token matching f or the zero IDToken.
func (m *Manager) IDToken(ctx context.Context, f Filter) (IDToken, error) {
	ids, err := m.IDTokens(ctx, f)
	if err != nil || len(ids) == 0 {
		return IDToken{}, err
	}
	return ids[0], nil
}

// AccessTokens returns the access tokens matching f, expired or not.
func (m *Manager) AccessTokens(ctx context.Context, f Filter) ([]AccessToken, error) {
	return readAll(ctx, m, isAccessToken, func(at AccessToken) bool { return at.Matches(f) })
}

// AccessToken returns the access token to use for a request described by f. Expired tokens,
// including those within the renewal buffer, are never returned. f.RequestedClaimsHash must
// equal the token's, so tokens issued for a claims request only serve the same request. When
// several tokens qualify the Selector chooses. The bool is false when there is no token.
func (m *Manager) AccessToken(ctx context.Context, f Filter) (AccessToken, bool, error) {
	now := m.now()
	ats, err := readAll(ctx, m, isAccessToken, func(at AccessToken) bool {
		return at.Matches(f) && strings.EqualFold(at.RequestedClaimsHash, f.RequestedClaimsHash) && !at.IsExpired(now, m.renewalBuffer)
	})
	if err != nil || len(ats) == 0 {
		return AccessToken{}, false, err
	}
	return m.selector(f.Scopes, ats), true, nil
}

// RefreshTokens returns the refresh tokens matching f.
func (m *Manager) RefreshTokens(ctx context.Context, f Filter) ([]RefreshToken, error) {
	return readAll(ctx, m, isRefreshToken, func(rt RefreshToken) bool { return rt.Matches(f) })
}

// RefreshToken returns the bearer refresh token clientID should redeem for homeAccountID.
// When the client's AppMetadata records a family, or there is no AppMetadata yet, a family
// refresh token is preferred over the client's own. A client known not to be in a family only
// uses its own refresh token. errors.ErrNoRefreshToken is returned if none is found.
func (m *Manager) RefreshToken(ctx context.Context, homeAccountID string, aliases []string, clientID string) (RefreshToken, error) {
	if homeAccountID == "" {
		return RefreshToken{}, msalerrors.ErrNoRefreshToken
	}
	md, known, err := m.AppMetaData(ctx, aliases, clientID)
	if err != nil {
		return RefreshToken{}, err
	}
	rts, err := m.RefreshTokens(ctx, Filter{HomeAccountID: homeAccountID, Environments: aliases, CredentialType: CredentialTypeRefreshToken})
	if err != nil {
		return RefreshToken{}, err
	}

	byFamily := func(rt RefreshToken) bool {
		return rt.FamilyID != "" && (md.FamilyID == "" || rt.FamilyID == md.FamilyID)
	}
	byClient := func(rt RefreshToken) bool {
		return strings.EqualFold(rt.ClientID, clientID)
	}

	matchers := []func(RefreshToken) bool{byClient}
	if !known || md.FamilyID != "" {
		matchers = []func(RefreshToken) bool{byFamily, byClient}
	}
	for _, matcher := range matchers {
		if i := slices.IndexFunc(rts, matcher); i >= 0 {
			return rts[i], nil
		}
	}
	return RefreshToken{}, msalerrors.ErrNoRefreshToken
}

// AppMetaData returns the metadata of clientID at any of the aliases. The bool is false if
// there is none.
func (m *Manager) AppMetaData(ctx context.Context, aliases []string, clientID string) (AppMetaData, bool, error) {
	f := Filter{Environments: aliases, ClientID: clientID}
	mds, err := readAll(ctx, m, isAppMetaData, func(a AppMetaData) bool { return a.Matches(f) })
	if err != nil || len(mds) == 0 {
		return AppMetaData{}, false, err
	}
	return mds[0], true, nil
}

// RemoveAccount deletes the accounts and every credential of homeAccountID, in every
// environment, realm and client. Every key is attempted; failures are returned together.
func (m *Manager) RemoveAccount(ctx context.Context, homeAccountID string) error {
	if homeAccountID == "" {
		return msalerrors.ClientConfigurationError{Field: "home_account_id"}
	}
	keys, err := m.store.Keys(ctx)
	if err != nil {
		return msalerrors.CacheIOError{Op: "keys", Err: err}
	}
	prefix := strings.ToLower(homeAccountID) + shared.CacheKeySeparator

	var errs *multierror.Error
	for _, key := range keys {
		k := ParseKey(key)
		if k.Kind != KindAccount && k.Kind != KindCredential {
			continue
		}
		// home account ids can contain the separator, so the prefix only narrows the candidates
		if !strings.HasPrefix(strings.ToLower(key), prefix) {
			continue
		}
		owner, ok, err := m.owner(ctx, key)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if !ok || !strings.EqualFold(owner, homeAccountID) {
			continue
		}
		if err := m.store.Remove(ctx, key); err != nil {
			errs = multierror.Append(errs, msalerrors.CacheIOError{Op: "remove", Key: key, Err: err})
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return msalerrors.CacheIOError{Op: "remove", Err: err}
	}
	return nil
}

// owner returns the home account id stored in the row at key. The bool is false when the row is
// gone or cannot be decoded.
func (m *Manager) owner(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return "", false, msalerrors.CacheIOError{Op: "get", Key: key, Err: err}
	}
	if !ok {
		return "", false, nil
	}
	var row struct {
		HomeAccountID string `json:"home_account_id"`
	}
	if err := json.Unmarshal([]byte(v), &row); err != nil || row.HomeAccountID == "" {
		m.log.Log(ctx, logger.Warn, "skipping corrupt cache entry", logger.Field("key", key))
		return "", false, nil
	}
	if !strings.HasPrefix(strings.ToLower(key), strings.ToLower(row.HomeAccountID)+shared.CacheKeySeparator) {
		return "", false, nil
	}
	return row.HomeAccountID, true, nil
}

// RemoveRefreshToken deletes rt, which the server rejected.
func (m *Manager) RemoveRefreshToken(ctx context.Context, rt RefreshToken) error {
	key := rt.Key()
	if err := m.store.Remove(ctx, key); err != nil {
		return msalerrors.CacheIOError{Op: "remove", Key: key, Err: err}
	}
	return nil
}

// RemoveAccessToken deletes at.
func (m *Manager) RemoveAccessToken(ctx context.Context, at AccessToken) error {
	key := at.Key()
	if err := m.store.Remove(ctx, key); err != nil {
		return msalerrors.CacheIOError{Op: "remove", Key: key, Err: err}
	}
	return nil
}
