package credential

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/okyeame/toolgate/pkg/config"
	"github.com/okyeame/toolgate/pkg/result"
)

var gcalProvider = config.CredentialProvider{
	ID:       "gcal",
	TokenURL: "https://oauth2.googleapis.com/token",
	ClientID: "client-id",
	Scopes:   []string{"https://www.googleapis.com/auth/calendar"},
}

func newTestStore(t *testing.T, creds map[string]Credential) *Store {
	t.Helper()
	file := NewFile(filepath.Join(t.TempDir(), "credentials.json"))
	if creds != nil {
		if err := file.Save(creds); err != nil {
			t.Fatalf("seed credential file: %v", err)
		}
	}
	store, err := NewStore(file, []config.CredentialProvider{gcalProvider}, 60*time.Second)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func expiredCred() map[string]Credential {
	return map[string]Credential{
		"gcal": {
			ProviderID:        "gcal",
			AccessToken:       "stale-token",
			AccessTokenExpiry: time.Now().Add(-time.Minute),
			RefreshToken:      "refresh-1",
		},
	}
}

func TestTokenCachedWithinSkew(t *testing.T) {
	store := newTestStore(t, map[string]Credential{
		"gcal": {
			ProviderID:        "gcal",
			AccessToken:       "fresh-token",
			AccessTokenExpiry: time.Now().Add(time.Hour),
			RefreshToken:      "refresh-1",
		},
	})
	store.exchange = func(ctx context.Context, p config.CredentialProvider, rt string) (*oauth2.Token, error) {
		t.Fatal("cached token must not trigger a refresh")
		return nil, nil
	}

	tok, err := store.Token(context.Background(), "gcal")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "fresh-token" {
		t.Fatalf("got token %q", tok)
	}
}

func TestTokenRefreshesExpiring(t *testing.T) {
	store := newTestStore(t, expiredCred())
	store.exchange = func(ctx context.Context, p config.CredentialProvider, rt string) (*oauth2.Token, error) {
		if rt != "refresh-1" {
			t.Errorf("refresh used token %q", rt)
		}
		return &oauth2.Token{AccessToken: "new-token", Expiry: time.Now().Add(time.Hour)}, nil
	}

	tok, err := store.Token(context.Background(), "gcal")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "new-token" {
		t.Fatalf("got token %q", tok)
	}
}

// Concurrent callers observing an expiring token must coalesce onto a single
// outbound refresh; all receive a token consistent with that one refresh.
func TestRefreshSingleFlight(t *testing.T) {
	store := newTestStore(t, expiredCred())

	var refreshes atomic.Int64
	entered := make(chan struct{})
	release := make(chan struct{})
	store.exchange = func(ctx context.Context, p config.CredentialProvider, rt string) (*oauth2.Token, error) {
		if refreshes.Add(1) == 1 {
			close(entered)
		}
		<-release
		return &oauth2.Token{AccessToken: "coalesced-token", Expiry: time.Now().Add(time.Hour)}, nil
	}

	const callers = 10
	tokens := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = store.Token(context.Background(), "gcal")
		}(i)
	}

	<-entered
	// Give the remaining callers a moment to pile onto the flight.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := refreshes.Load(); got != 1 {
		t.Fatalf("expected exactly 1 outbound refresh, observed %d", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "coalesced-token" {
			t.Fatalf("caller %d got token %q", i, tokens[i])
		}
	}
}

func TestIndependentProvidersRefreshConcurrently(t *testing.T) {
	file := NewFile(filepath.Join(t.TempDir(), "credentials.json"))
	seed := expiredCred()
	seed["hubspot"] = Credential{ProviderID: "hubspot", RefreshToken: "refresh-2", AccessToken: "stale", AccessTokenExpiry: time.Now().Add(-time.Minute)}
	if err := file.Save(seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	second := gcalProvider
	second.ID = "hubspot"
	store, err := NewStore(file, []config.CredentialProvider{gcalProvider, second}, 60*time.Second)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	inFlight := make(chan string, 2)
	proceed := make(chan struct{})
	store.exchange = func(ctx context.Context, p config.CredentialProvider, rt string) (*oauth2.Token, error) {
		inFlight <- p.ID
		<-proceed
		return &oauth2.Token{AccessToken: "token-" + p.ID, Expiry: time.Now().Add(time.Hour)}, nil
	}

	var wg sync.WaitGroup
	for _, id := range []string{"gcal", "hubspot"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := store.Token(context.Background(), id); err != nil {
				t.Errorf("token %s: %v", id, err)
			}
		}(id)
	}

	// Both refreshes must be in flight at once before either completes.
	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case id := <-inFlight:
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("refreshes did not run concurrently, saw %v", seen)
		}
	}
	close(proceed)
	wg.Wait()
}

func TestTokenAuthRequiredWithoutRefreshToken(t *testing.T) {
	store := newTestStore(t, map[string]Credential{
		"gcal": {ProviderID: "gcal", AccessToken: "stale", AccessTokenExpiry: time.Now().Add(-time.Minute)},
	})
	store.exchange = func(ctx context.Context, p config.CredentialProvider, rt string) (*oauth2.Token, error) {
		t.Fatal("must not attempt refresh without a refresh token")
		return nil, nil
	}

	_, err := store.Token(context.Background(), "gcal")
	var f *result.Failure
	if !errors.As(err, &f) || f.Kind != result.KindAuthRequired {
		t.Fatalf("expected AuthRequired, got %v", err)
	}
}

func TestTokenAuthExpiredOnRejectedRefresh(t *testing.T) {
	store := newTestStore(t, expiredCred())
	store.exchange = func(ctx context.Context, p config.CredentialProvider, rt string) (*oauth2.Token, error) {
		return nil, &oauth2.RetrieveError{
			Response:  &http.Response{StatusCode: http.StatusBadRequest},
			ErrorCode: "invalid_grant",
		}
	}

	_, err := store.Token(context.Background(), "gcal")
	var f *result.Failure
	if !errors.As(err, &f) || f.Kind != result.KindAuthExpired {
		t.Fatalf("expected AuthExpired, got %v", err)
	}
}

// A successful refresh persists the rotated credential before returning, so a
// restarted process can refresh again.
func TestRefreshPersistsBeforeReturning(t *testing.T) {
	dir := t.TempDir()
	file := NewFile(filepath.Join(dir, "credentials.json"))
	if err := file.Save(expiredCred()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	store, err := NewStore(file, []config.CredentialProvider{gcalProvider}, 60*time.Second)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	store.exchange = func(ctx context.Context, p config.CredentialProvider, rt string) (*oauth2.Token, error) {
		return &oauth2.Token{
			AccessToken:  "new-token",
			RefreshToken: "rotated-refresh",
			Expiry:       time.Now().Add(time.Hour),
		}, nil
	}
	if _, err := store.Token(context.Background(), "gcal"); err != nil {
		t.Fatalf("token: %v", err)
	}

	// Simulate a restart: a fresh store over the same file.
	restarted, err := NewStore(NewFile(filepath.Join(dir, "credentials.json")), []config.CredentialProvider{gcalProvider}, 60*time.Second)
	if err != nil {
		t.Fatalf("restart store: %v", err)
	}
	restarted.mu.RLock()
	cred := restarted.creds["gcal"]
	restarted.mu.RUnlock()
	if cred.RefreshToken != "rotated-refresh" {
		t.Fatalf("rotated refresh token lost across restart: %+v", cred)
	}
	if cred.AccessToken != "new-token" {
		t.Fatalf("refreshed access token not persisted: %+v", cred)
	}
}

func TestInstallPersists(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(NewFile(filepath.Join(dir, "credentials.json")), []config.CredentialProvider{gcalProvider}, 60*time.Second)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	err = store.Install(Credential{ProviderID: "gcal", RefreshToken: "delivered-refresh"})
	if err != nil {
		t.Fatalf("install: %v", err)
	}

	loaded, err := NewFile(filepath.Join(dir, "credentials.json")).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded["gcal"].RefreshToken != "delivered-refresh" {
		t.Fatalf("installed credential not on disk: %+v", loaded)
	}
}

func TestInstallRejectsMissingProviderID(t *testing.T) {
	store := newTestStore(t, nil)
	if err := store.Install(Credential{RefreshToken: "x"}); err == nil {
		t.Fatal("expected install without providerId to fail")
	}
}

func TestSeedFromEnv(t *testing.T) {
	t.Setenv("TOOLGATE_REFRESH_TOKEN_GCAL", "env-refresh")
	store, err := NewStore(NewFile(filepath.Join(t.TempDir(), "credentials.json")), []config.CredentialProvider{gcalProvider}, 60*time.Second)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	store.exchange = func(ctx context.Context, p config.CredentialProvider, rt string) (*oauth2.Token, error) {
		if rt != "env-refresh" {
			t.Errorf("refresh used %q, want the env-seeded token", rt)
		}
		return &oauth2.Token{AccessToken: "tok", Expiry: time.Now().Add(time.Hour)}, nil
	}
	if _, err := store.Token(context.Background(), "gcal"); err != nil {
		t.Fatalf("token: %v", err)
	}
}

func TestTokenUnknownProvider(t *testing.T) {
	store := newTestStore(t, nil)
	_, err := store.Token(context.Background(), "unconfigured")
	var f *result.Failure
	if !errors.As(err, &f) || f.Kind != result.KindAuthRequired {
		t.Fatalf("expected AuthRequired for unconfigured provider, got %v", err)
	}
}
