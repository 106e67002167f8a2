// Package credential owns the OAuth2 credential lifecycle: it caches access
// tokens, refreshes them before expiry, and persists refreshed credentials so
// restarts never require repeating the interactive authorization flow.
//
// The central correctness property is the per-provider single-flight refresh:
// concurrent callers observing an expiring token coalesce onto one outbound
// refresh and all receive its result. Uncoalesced refreshes can race,
// invalidate each other's tokens at the identity provider, or exhaust rate
// limits.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/okyeame/toolgate/pkg/config"
	"github.com/okyeame/toolgate/pkg/metrics"
	"github.com/okyeame/toolgate/pkg/result"
)

// Credential is one OAuth2 credential set for an identity provider. It is
// created by the out-of-band authorization flow, mutated in place on every
// successful refresh, and never deleted automatically.
type Credential struct {
	ProviderID        string    `json:"providerId"`
	AccessToken       string    `json:"accessToken,omitempty"`
	AccessTokenExpiry time.Time `json:"accessTokenExpiry,omitempty"`
	RefreshToken      string    `json:"refreshToken,omitempty"`
	Scopes            []string  `json:"scopes,omitempty"`
}

// Exchange performs the OAuth2 refresh-token grant for one provider. It is a
// seam for tests; the default implementation goes through golang.org/x/oauth2.
type Exchange func(ctx context.Context, provider config.CredentialProvider, refreshToken string) (*oauth2.Token, error)

// Store issues short-lived access tokens on demand, refreshing through the
// configured identity providers with at most one in-flight refresh per
// provider id.
type Store struct {
	mu        sync.RWMutex
	creds     map[string]Credential
	providers map[string]config.CredentialProvider
	file      *File
	skew      time.Duration
	group     singleflight.Group
	exchange  Exchange
	now       func() time.Time
}

// NewStore creates a Store, loading any persisted credentials from file and
// seeding missing entries from the environment (TOOLGATE_REFRESH_TOKEN_<ID>)
// for container deployments where the file does not exist yet.
func NewStore(file *File, providers []config.CredentialProvider, skew time.Duration) (*Store, error) {
	creds, err := file.Load()
	if err != nil {
		return nil, err
	}
	if skew <= 0 {
		skew = config.DefaultSkew
	}
	s := &Store{
		creds:     creds,
		providers: make(map[string]config.CredentialProvider, len(providers)),
		file:      file,
		skew:      skew,
		exchange:  defaultExchange,
		now:       time.Now,
	}
	for _, p := range providers {
		if err := p.Validate(); err != nil {
			slog.Warn("Skipping credential provider", "err", err)
			continue
		}
		s.providers[p.ID] = p
		s.seedFromEnv(p)
	}
	return s, nil
}

// NewStoreWithExchange creates a Store using a custom token exchange in place
// of the OAuth2 default. Intended for tests faking the identity provider.
func NewStoreWithExchange(file *File, providers []config.CredentialProvider, skew time.Duration, exchange Exchange) (*Store, error) {
	s, err := NewStore(file, providers, skew)
	if err != nil {
		return nil, err
	}
	s.exchange = exchange
	return s, nil
}

// seedFromEnv installs a refresh token from TOOLGATE_REFRESH_TOKEN_<ID> when
// no credential is on file for the provider. The id is upper-cased with
// dashes mapped to underscores, so provider "gcal" reads
// TOOLGATE_REFRESH_TOKEN_GCAL.
func (s *Store) seedFromEnv(p config.CredentialProvider) {
	if _, ok := s.creds[p.ID]; ok {
		return
	}
	key := "TOOLGATE_REFRESH_TOKEN_" + strings.ToUpper(strings.ReplaceAll(p.ID, "-", "_"))
	token := os.Getenv(key)
	if token == "" {
		return
	}
	slog.Info("Seeding credential from environment", "provider", p.ID, "env", key)
	s.creds[p.ID] = Credential{
		ProviderID:   p.ID,
		RefreshToken: token,
		Scopes:       p.Scopes,
	}
}

// Token returns a valid access token for the provider, refreshing when the
// cached token is within skew of expiry. Concurrent callers share a single
// refresh per provider; independent providers refresh concurrently.
//
// It fails with AuthRequired when the provider has never completed its
// initial authorization (no refresh token on file) and with AuthExpired when
// the identity provider rejects the refresh (refresh token revoked). Both are
// terminal for the dependent tool call.
func (s *Store) Token(ctx context.Context, providerID string) (string, error) {
	if tok, ok := s.cachedToken(providerID); ok {
		return tok, nil
	}

	v, err, _ := s.group.Do(providerID, func() (any, error) {
		// Recheck under the flight: a winner may have refreshed while
		// this caller waited to enter.
		if tok, ok := s.cachedToken(providerID); ok {
			return tok, nil
		}
		return s.refresh(ctx, providerID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Install delivers a credential from the out-of-band authorization flow into
// durable storage and the cache. This is the only write path besides refresh;
// revocation stays an explicit administrative action on the file.
func (s *Store) Install(cred Credential) error {
	if cred.ProviderID == "" {
		return fmt.Errorf("credential missing providerId")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.ProviderID] = cred
	if err := s.file.Save(s.copyLocked()); err != nil {
		return err
	}
	slog.Info("Installed credential", "provider", cred.ProviderID, "hasRefreshToken", cred.RefreshToken != "")
	return nil
}

func (s *Store) cachedToken(providerID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[providerID]
	if !ok || cred.AccessToken == "" {
		return "", false
	}
	if cred.AccessTokenExpiry.IsZero() || s.now().After(cred.AccessTokenExpiry.Add(-s.skew)) {
		return "", false
	}
	return cred.AccessToken, true
}

// refresh performs one outbound refresh and persists the updated credential
// before returning, keeping accessTokenExpiry consistent with the token
// actually issued.
func (s *Store) refresh(ctx context.Context, providerID string) (string, error) {
	provider, ok := s.providers[providerID]
	if !ok {
		metrics.RefreshTotal.WithLabelValues(providerID, "auth_required").Inc()
		return "", &result.Failure{Kind: result.KindAuthRequired,
			Detail: fmt.Sprintf("credential provider %s not configured", providerID)}
	}

	s.mu.RLock()
	cred := s.creds[providerID]
	s.mu.RUnlock()

	if cred.RefreshToken == "" {
		metrics.RefreshTotal.WithLabelValues(providerID, "auth_required").Inc()
		return "", &result.Failure{Kind: result.KindAuthRequired,
			Detail: fmt.Sprintf("provider %s has no refresh token on file; complete the authorization flow", providerID)}
	}

	tok, err := s.exchange(ctx, provider, cred.RefreshToken)
	if err != nil {
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) {
			metrics.RefreshTotal.WithLabelValues(providerID, "auth_expired").Inc()
			return "", &result.Failure{Kind: result.KindAuthExpired,
				Detail: fmt.Sprintf("identity provider rejected refresh for %s: %v", providerID, err)}
		}
		metrics.RefreshTotal.WithLabelValues(providerID, "error").Inc()
		return "", &result.Failure{Kind: result.KindProviderError,
			Detail: fmt.Sprintf("credential refresh for %s: %v", providerID, err)}
	}

	cred.ProviderID = providerID
	cred.AccessToken = tok.AccessToken
	cred.AccessTokenExpiry = tok.Expiry
	if tok.RefreshToken != "" {
		// Identity providers may rotate the refresh token; losing the
		// rotated value would strand the credential after restart.
		cred.RefreshToken = tok.RefreshToken
	}
	if len(cred.Scopes) == 0 {
		cred.Scopes = provider.Scopes
	}

	s.mu.Lock()
	s.creds[providerID] = cred
	err = s.file.Save(s.copyLocked())
	s.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("persist refreshed credential for %s: %w", providerID, err)
	}

	metrics.RefreshTotal.WithLabelValues(providerID, "success").Inc()
	slog.Info("Refreshed credential", "provider", providerID, "expiry", tok.Expiry)
	return cred.AccessToken, nil
}

func (s *Store) copyLocked() map[string]Credential {
	out := make(map[string]Credential, len(s.creds))
	for k, v := range s.creds {
		out[k] = v
	}
	return out
}

func defaultExchange(ctx context.Context, provider config.CredentialProvider, refreshToken string) (*oauth2.Token, error) {
	cfg := &oauth2.Config{
		ClientID:     provider.ClientID,
		ClientSecret: provider.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: provider.TokenURL},
		Scopes:       provider.Scopes,
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return src.Token()
}
