// Package credential is the credential store: it owns OAuth token sets and
// encrypted IMAP passwords, refreshes access tokens transparently, and keeps
// an in-process token cache with a single writer per account email.
package credential

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"mailbridge/core/domain"
	out "mailbridge/core/port/out"
	"mailbridge/pkg/apperr"
	"mailbridge/pkg/cache"
	"mailbridge/pkg/crypto"
	"mailbridge/pkg/logger"
)

const (
	// refreshWindow: a token expiring inside this window is refreshed before
	// being handed out, so every caller gets at least this much lifetime.
	refreshWindow = 5 * time.Minute
	cacheTTL      = 55 * time.Minute

	userinfoEndpoint = "https://www.googleapis.com/oauth2/v2/userinfo"

	ScopeGmailReadonly = "https://www.googleapis.com/auth/gmail.readonly"
	ScopeUserinfoEmail = "https://www.googleapis.com/auth/userinfo.email"
	ScopeUserinfoProf  = "https://www.googleapis.com/auth/userinfo.profile"
	ScopeFullMail      = "https://mail.google.com/"
)

// ScopeStatus reports the granted scope set for an account.
type ScopeStatus struct {
	HasFullAccess bool     `json:"has_full_access"`
	Scope         []string `json:"scope"`
}

// Service implements the credential store.
type Service struct {
	tokens     out.TokenRepository
	accounts   out.AccountRepository
	oauthCfg   *oauth2.Config
	tokenCache *cache.TTLCache[*domain.OAuthTokens]
	writers    *cache.KeyedMutex
	httpClient *http.Client
	log        *logger.Logger
}

type OAuthSettings struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

func NewService(tokens out.TokenRepository, accounts out.AccountRepository, settings OAuthSettings) *Service {
	return &Service{
		tokens:   tokens,
		accounts: accounts,
		oauthCfg: &oauth2.Config{
			ClientID:     settings.ClientID,
			ClientSecret: settings.ClientSecret,
			RedirectURL:  settings.RedirectURI,
			Scopes:       []string{ScopeGmailReadonly, ScopeUserinfoEmail, ScopeUserinfoProf},
			Endpoint:     google.Endpoint,
		},
		tokenCache: cache.New[*domain.OAuthTokens](cacheTTL),
		writers:    cache.NewKeyedMutex(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        logger.WithComponent("credential-store"),
	}
}

// OAuthConfig exposes the shared oauth2 config to the auth flow.
func (s *Service) OAuthConfig() *oauth2.Config {
	return s.oauthCfg
}

// GetValidAccessToken returns an access token with at least five minutes of
// remaining lifetime, refreshing transparently when the stored expiry is
// inside the window. All refreshes for one email are serialized.
func (s *Service) GetValidAccessToken(ctx context.Context, accountEmail string) (string, error) {
	email := domain.NormalizeEmail(accountEmail)

	unlock := s.writers.Lock(email)
	defer unlock()

	if cached, ok := s.tokenCache.Get(email); ok && !cached.ExpiresWithin(refreshWindow) {
		return cached.AccessToken, nil
	}

	tokens, err := s.tokens.Get(ctx, email)
	if err != nil {
		return "", err
	}
	if tokens == nil {
		return "", apperr.AuthPermanent(nil, "no tokens stored for "+email)
	}

	if !tokens.ExpiresWithin(refreshWindow) {
		s.tokenCache.Set(email, tokens)
		return tokens.AccessToken, nil
	}

	refreshed, err := s.refresh(ctx, tokens)
	if err != nil {
		s.tokenCache.Delete(email)
		return "", err
	}
	s.tokenCache.Set(email, refreshed)
	return refreshed.AccessToken, nil
}

// refresh exchanges the refresh token for a new access token and persists
// the rotated set.
func (s *Service) refresh(ctx context.Context, tokens *domain.OAuthTokens) (*domain.OAuthTokens, error) {
	if tokens.RefreshToken == "" {
		return nil, apperr.AuthPermanent(domain.ErrNoRefreshToken, "refresh required but no refresh token for "+tokens.Email)
	}

	src := s.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: tokens.RefreshToken})
	newToken, err := src.Token()
	if err != nil {
		if isRefreshRefused(err) {
			s.log.Warn("provider refused refresh for %s, marking errored", tokens.Email)
			if stErr := s.accounts.SetSyncStatusByEmail(ctx, tokens.Email, domain.SyncError); stErr != nil {
				s.log.Error("failed to mark account errored: %v", stErr)
			}
			return nil, apperr.AuthPermanent(err, "provider refused token refresh")
		}
		return nil, apperr.TransientIO(err, "token refresh failed")
	}

	now := time.Now().UTC()
	update := &domain.TokenUpdate{
		AccessToken: &newToken.AccessToken,
		TokenExpiry: &newToken.Expiry,
		LastUsed:    &now,
	}
	if newToken.RefreshToken != "" && newToken.RefreshToken != tokens.RefreshToken {
		update.RefreshToken = &newToken.RefreshToken
	}
	if err := s.tokens.Update(ctx, tokens.Email, update); err != nil {
		return nil, err
	}

	tokens.AccessToken = newToken.AccessToken
	tokens.TokenExpiry = newToken.Expiry
	if update.RefreshToken != nil {
		tokens.RefreshToken = *update.RefreshToken
	}
	tokens.LastUsed = now
	return tokens, nil
}

// isRefreshRefused matches the provider-side rejections that make a refresh
// token permanently useless.
func isRefreshRefused(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"invalid_grant", "token has been expired", "token has been revoked", "unauthorized_client"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// StoreTokens persists a full token set and primes the cache.
func (s *Service) StoreTokens(ctx context.Context, tokens *domain.OAuthTokens) error {
	email := domain.NormalizeEmail(tokens.Email)
	tokens.Email = email

	unlock := s.writers.Lock(email)
	defer unlock()

	if err := s.tokens.Store(ctx, tokens); err != nil {
		return err
	}
	s.tokenCache.Set(email, tokens)
	return nil
}

// UpdateTokens applies a partial update and invalidates the cache.
func (s *Service) UpdateTokens(ctx context.Context, email string, update *domain.TokenUpdate) error {
	email = domain.NormalizeEmail(email)

	unlock := s.writers.Lock(email)
	defer unlock()

	if err := s.tokens.Update(ctx, email, update); err != nil {
		return err
	}
	s.tokenCache.Delete(email)
	return nil
}

// DeleteTokens removes the stored set and the cached copy.
func (s *Service) DeleteTokens(ctx context.Context, email string) error {
	email = domain.NormalizeEmail(email)

	unlock := s.writers.Lock(email)
	defer unlock()

	if err := s.tokens.Delete(ctx, email); err != nil {
		return err
	}
	s.tokenCache.Delete(email)
	return nil
}

// IsExpired reports whether the stored access token is already past expiry.
func (s *Service) IsExpired(ctx context.Context, email string) (bool, error) {
	tokens, err := s.tokens.Get(ctx, domain.NormalizeEmail(email))
	if err != nil {
		return false, err
	}
	if tokens == nil {
		return true, nil
	}
	return time.Now().After(tokens.TokenExpiry), nil
}

// CheckScopes reports the granted scope set.
func (s *Service) CheckScopes(ctx context.Context, email string) (*ScopeStatus, error) {
	tokens, err := s.tokens.Get(ctx, domain.NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	if tokens == nil {
		return &ScopeStatus{}, nil
	}
	return &ScopeStatus{
		HasFullAccess: tokens.HasScope(ScopeGmailReadonly) || tokens.HasScope(ScopeFullMail),
		Scope:         tokens.Scope,
	}, nil
}

// ValidateTokens probes the provider's userinfo endpoint. A 401 self-heals:
// the stored tokens are deleted and the account marked disconnected.
func (s *Service) ValidateTokens(ctx context.Context, email string) (bool, error) {
	email = domain.NormalizeEmail(email)

	accessToken, err := s.GetValidAccessToken(ctx, email)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userinfoEndpoint, nil)
	if err != nil {
		return false, apperr.Internal(err, "failed to build userinfo request")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, apperr.TransientIO(err, "userinfo probe failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusUnauthorized:
		s.log.Warn("userinfo returned 401 for %s, deleting tokens", email)
		if err := s.DeleteTokens(ctx, email); err != nil {
			s.log.Error("self-heal token delete failed: %v", err)
		}
		if err := s.accounts.SetSyncStatusByEmail(ctx, email, domain.SyncDisconnected); err != nil {
			s.log.Error("self-heal disconnect failed: %v", err)
		}
		return false, nil
	default:
		return false, apperr.TransientIO(nil, "unexpected userinfo status "+resp.Status)
	}
}

// EncryptIMAPPassword encrypts a plaintext IMAP password for storage.
func (s *Service) EncryptIMAPPassword(password string) (string, error) {
	return crypto.Encrypt(password)
}

// DecryptIMAPPassword recovers the plaintext for session login.
func (s *Service) DecryptIMAPPassword(encrypted string) (string, error) {
	return crypto.Decrypt(encrypted)
}
