package credential

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"mailbridge/core/domain"
	"mailbridge/pkg/apperr"
)

type fakeTokens struct {
	byEmail  map[string]*domain.OAuthTokens
	getCalls int
	stored   []*domain.OAuthTokens
	updates  []*domain.TokenUpdate
	deleted  []string
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{byEmail: make(map[string]*domain.OAuthTokens)}
}

func (f *fakeTokens) Store(_ context.Context, tokens *domain.OAuthTokens) error {
	f.stored = append(f.stored, tokens)
	f.byEmail[tokens.Email] = tokens
	return nil
}

func (f *fakeTokens) Get(_ context.Context, email string) (*domain.OAuthTokens, error) {
	f.getCalls++
	return f.byEmail[email], nil
}

func (f *fakeTokens) Update(_ context.Context, email string, update *domain.TokenUpdate) error {
	f.updates = append(f.updates, update)
	return nil
}

func (f *fakeTokens) Delete(_ context.Context, email string) error {
	f.deleted = append(f.deleted, email)
	delete(f.byEmail, email)
	return nil
}

type fakeAccounts struct {
	byEmailStatus map[string]domain.SyncStatus
}

func (f *fakeAccounts) Create(context.Context, *domain.MailAccount) error { return nil }
func (f *fakeAccounts) GetByID(context.Context, uuid.UUID) (*domain.MailAccount, error) {
	return nil, nil
}
func (f *fakeAccounts) GetByUserAndEmail(context.Context, uuid.UUID, string) (*domain.MailAccount, error) {
	return nil, nil
}
func (f *fakeAccounts) ListByUser(context.Context, uuid.UUID) ([]*domain.MailAccount, error) {
	return nil, nil
}
func (f *fakeAccounts) ListActive(context.Context) ([]*domain.MailAccount, error) { return nil, nil }
func (f *fakeAccounts) Update(context.Context, *domain.MailAccount) error         { return nil }
func (f *fakeAccounts) SetSyncStatus(context.Context, uuid.UUID, domain.SyncStatus) error {
	return nil
}

func (f *fakeAccounts) SetSyncStatusByEmail(_ context.Context, email string, status domain.SyncStatus) error {
	if f.byEmailStatus == nil {
		f.byEmailStatus = make(map[string]domain.SyncStatus)
	}
	f.byEmailStatus[email] = status
	return nil
}

func (f *fakeAccounts) SetLastSyncAt(context.Context, uuid.UUID, time.Time) error { return nil }
func (f *fakeAccounts) Delete(context.Context, uuid.UUID) error                   { return nil }

func newTestService(tokens *fakeTokens) (*Service, *fakeAccounts) {
	accounts := &fakeAccounts{}
	return NewService(tokens, accounts, OAuthSettings{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "http://localhost/callback",
	}), accounts
}

func freshTokens(email string) *domain.OAuthTokens {
	return &domain.OAuthTokens{
		Email:        email,
		AccessToken:  "access-token",
		RefreshToken: "refresh-token",
		TokenExpiry:  time.Now().Add(time.Hour),
		Scope:        []string{ScopeGmailReadonly, ScopeUserinfoEmail},
	}
}

func TestGetValidAccessToken_FreshTokenServed(t *testing.T) {
	tokens := newFakeTokens()
	tokens.byEmail["user@example.com"] = freshTokens("user@example.com")
	s, _ := newTestService(tokens)

	got, err := s.GetValidAccessToken(context.Background(), "User@Example.com")
	if err != nil {
		t.Fatalf("GetValidAccessToken() error = %v", err)
	}
	if got != "access-token" {
		t.Errorf("token = %q", got)
	}
}

func TestGetValidAccessToken_CachesAcrossCalls(t *testing.T) {
	tokens := newFakeTokens()
	tokens.byEmail["user@example.com"] = freshTokens("user@example.com")
	s, _ := newTestService(tokens)

	for i := 0; i < 3; i++ {
		if _, err := s.GetValidAccessToken(context.Background(), "user@example.com"); err != nil {
			t.Fatal(err)
		}
	}
	if tokens.getCalls != 1 {
		t.Errorf("store reads = %d, want 1 (later calls served from cache)", tokens.getCalls)
	}
}

func TestGetValidAccessToken_NoTokensIsPermanent(t *testing.T) {
	s, _ := newTestService(newFakeTokens())

	_, err := s.GetValidAccessToken(context.Background(), "ghost@example.com")
	if !apperr.IsCode(err, apperr.CodeAuthPermanent) {
		t.Errorf("err = %v, want auth-permanent", err)
	}
}

func TestGetValidAccessToken_MissingRefreshTokenIsPermanent(t *testing.T) {
	tokens := newFakeTokens()
	tokens.byEmail["user@example.com"] = &domain.OAuthTokens{
		Email:       "user@example.com",
		AccessToken: "stale",
		TokenExpiry: time.Now().Add(time.Minute), // inside the refresh window
	}
	s, _ := newTestService(tokens)

	_, err := s.GetValidAccessToken(context.Background(), "user@example.com")
	if !apperr.IsCode(err, apperr.CodeAuthPermanent) {
		t.Errorf("err = %v, want auth-permanent", err)
	}
	if !errors.Is(err, domain.ErrNoRefreshToken) {
		t.Errorf("err = %v, want ErrNoRefreshToken in the chain", err)
	}
}

// tokenEndpoint stands in for the provider's token URL and counts hits.
func tokenEndpoint(t *testing.T, status int, body string) (*httptest.Server, *int) {
	t.Helper()
	hits := new(int)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hits++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

func TestGetValidAccessToken_RefreshesInsideWindow(t *testing.T) {
	srv, hits := tokenEndpoint(t, http.StatusOK,
		`{"access_token":"rotated-token","token_type":"Bearer","expires_in":3600}`)

	tokens := newFakeTokens()
	stale := freshTokens("user@example.com")
	stale.AccessToken = "stale-token"
	stale.TokenExpiry = time.Now().Add(time.Minute) // inside the refresh window
	tokens.byEmail["user@example.com"] = stale

	s, _ := newTestService(tokens)
	s.OAuthConfig().Endpoint = oauth2.Endpoint{TokenURL: srv.URL + "/token"}

	got, err := s.GetValidAccessToken(context.Background(), "user@example.com")
	if err != nil {
		t.Fatalf("GetValidAccessToken() error = %v", err)
	}
	if got != "rotated-token" {
		t.Errorf("token = %q, want the rotated one", got)
	}
	if *hits != 1 {
		t.Errorf("token endpoint hits = %d, want 1", *hits)
	}

	if len(tokens.updates) != 1 {
		t.Fatalf("stored updates = %d, want 1", len(tokens.updates))
	}
	update := tokens.updates[0]
	if update.AccessToken == nil || *update.AccessToken != "rotated-token" {
		t.Errorf("persisted access token = %v", update.AccessToken)
	}
	if update.TokenExpiry == nil || time.Until(*update.TokenExpiry) < 50*time.Minute {
		t.Errorf("persisted expiry = %v, want ~1h out", update.TokenExpiry)
	}

	// The rotated set is cached; no second refresh or store read.
	if _, err := s.GetValidAccessToken(context.Background(), "user@example.com"); err != nil {
		t.Fatal(err)
	}
	if *hits != 1 {
		t.Errorf("token endpoint hits after cached call = %d, want 1", *hits)
	}
}

func TestGetValidAccessToken_RefusedRefreshMarksError(t *testing.T) {
	srv, _ := tokenEndpoint(t, http.StatusBadRequest, `{"error":"invalid_grant"}`)

	tokens := newFakeTokens()
	stale := freshTokens("user@example.com")
	stale.TokenExpiry = time.Now().Add(-time.Minute)
	tokens.byEmail["user@example.com"] = stale

	s, accounts := newTestService(tokens)
	s.OAuthConfig().Endpoint = oauth2.Endpoint{TokenURL: srv.URL + "/token"}

	_, err := s.GetValidAccessToken(context.Background(), "user@example.com")
	if !apperr.IsCode(err, apperr.CodeAuthPermanent) {
		t.Errorf("err = %v, want auth-permanent", err)
	}
	if got := accounts.byEmailStatus["user@example.com"]; got != domain.SyncError {
		t.Errorf("account status = %q, want %q", got, domain.SyncError)
	}
}

func TestIsRefreshRefused(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{`oauth2: "invalid_grant" "Bad Request"`, true},
		{"Token has been expired or revoked.", true},
		{"token has been revoked", true},
		{"unauthorized_client", true},
		{"connection reset by peer", false},
		{"context deadline exceeded", false},
	}
	for _, tt := range tests {
		if got := isRefreshRefused(errors.New(tt.msg)); got != tt.want {
			t.Errorf("isRefreshRefused(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestStoreTokens_NormalizesAndPrimesCache(t *testing.T) {
	tokens := newFakeTokens()
	s, _ := newTestService(tokens)

	set := freshTokens("  User@Example.COM  ")
	if err := s.StoreTokens(context.Background(), set); err != nil {
		t.Fatal(err)
	}
	if set.Email != "user@example.com" {
		t.Errorf("email = %q, not normalized", set.Email)
	}

	// Served from cache without a store read.
	if _, err := s.GetValidAccessToken(context.Background(), "user@example.com"); err != nil {
		t.Fatal(err)
	}
	if tokens.getCalls != 0 {
		t.Errorf("store reads = %d, want 0", tokens.getCalls)
	}
}

func TestDeleteTokens_InvalidatesCache(t *testing.T) {
	tokens := newFakeTokens()
	s, _ := newTestService(tokens)

	if err := s.StoreTokens(context.Background(), freshTokens("user@example.com")); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteTokens(context.Background(), "user@example.com"); err != nil {
		t.Fatal(err)
	}

	_, err := s.GetValidAccessToken(context.Background(), "user@example.com")
	if !apperr.IsCode(err, apperr.CodeAuthPermanent) {
		t.Errorf("err = %v, want auth-permanent after delete", err)
	}
}

func TestIsExpired(t *testing.T) {
	tokens := newFakeTokens()
	tokens.byEmail["fresh@example.com"] = freshTokens("fresh@example.com")
	stale := freshTokens("stale@example.com")
	stale.TokenExpiry = time.Now().Add(-time.Minute)
	tokens.byEmail["stale@example.com"] = stale
	s, _ := newTestService(tokens)

	tests := []struct {
		email string
		want  bool
	}{
		{"fresh@example.com", false},
		{"stale@example.com", true},
		{"missing@example.com", true},
	}
	for _, tt := range tests {
		got, err := s.IsExpired(context.Background(), tt.email)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("IsExpired(%q) = %v, want %v", tt.email, got, tt.want)
		}
	}
}

func TestCheckScopes(t *testing.T) {
	tokens := newFakeTokens()
	tokens.byEmail["readonly@example.com"] = freshTokens("readonly@example.com")

	full := freshTokens("full@example.com")
	full.Scope = []string{ScopeFullMail}
	tokens.byEmail["full@example.com"] = full

	bare := freshTokens("bare@example.com")
	bare.Scope = []string{ScopeUserinfoEmail}
	tokens.byEmail["bare@example.com"] = bare

	s, _ := newTestService(tokens)

	tests := []struct {
		email   string
		hasFull bool
	}{
		{"readonly@example.com", true},
		{"full@example.com", true},
		{"bare@example.com", false},
		{"missing@example.com", false},
	}
	for _, tt := range tests {
		status, err := s.CheckScopes(context.Background(), tt.email)
		if err != nil {
			t.Fatal(err)
		}
		if status.HasFullAccess != tt.hasFull {
			t.Errorf("CheckScopes(%q).HasFullAccess = %v, want %v", tt.email, status.HasFullAccess, tt.hasFull)
		}
	}
}
