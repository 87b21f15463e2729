// Package auth implements the OAuth connect flow: consent URL, callback
// exchange, and account provisioning.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"mailbridge/core/domain"
	out "mailbridge/core/port/out"
	"mailbridge/core/service/credential"
	"mailbridge/core/service/supervisor"
	"mailbridge/pkg/apperr"
	"mailbridge/pkg/cache"
	"mailbridge/pkg/logger"
)

const stateTTL = 10 * time.Minute

// Service drives the Google consent flow and provisions the resulting
// account.
type Service struct {
	users       out.UserRepository
	accounts    out.AccountRepository
	search      out.SearchStore
	credentials *credential.Service
	supervisor  *supervisor.Supervisor
	states      *cache.TTLCache[struct{}]
	log         *logger.Logger
}

func NewService(users out.UserRepository, accounts out.AccountRepository, search out.SearchStore, credentials *credential.Service, sup *supervisor.Supervisor) *Service {
	return &Service{
		users:       users,
		accounts:    accounts,
		search:      search,
		credentials: credentials,
		supervisor:  sup,
		states:      cache.New[struct{}](stateTTL),
		log:         logger.WithComponent("oauth-flow"),
	}
}

// GetAuthURL mints a single-use state and returns the consent URL. Offline
// access with forced approval guarantees a refresh token on every connect.
func (s *Service) GetAuthURL() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", apperr.Internal(err, "failed to generate state")
	}
	state := hex.EncodeToString(buf)
	s.states.Set(state, struct{}{})

	url := s.credentials.OAuthConfig().AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce)
	return url, nil
}

// ConnectedAccount is what the callback hands back to the HTTP layer.
type ConnectedAccount struct {
	User    *domain.User        `json:"user"`
	Account *domain.MailAccount `json:"account"`
}

// HandleCallback exchanges the code, resolves the Google identity, upserts
// user and account, stores the token set and starts the account's worker.
func (s *Service) HandleCallback(ctx context.Context, state, code string) (*ConnectedAccount, error) {
	if _, ok := s.states.Get(state); !ok {
		return nil, apperr.Validation("unknown or expired oauth state")
	}
	s.states.Delete(state)

	conf := s.credentials.OAuthConfig()
	token, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, apperr.AuthPermanent(err, "code exchange refused")
	}

	identity, err := s.fetchIdentity(ctx, conf, token)
	if err != nil {
		return nil, err
	}
	email := domain.NormalizeEmail(identity.Email)

	user, err := s.ensureUser(ctx, email)
	if err != nil {
		return nil, err
	}
	account, err := s.ensureAccount(ctx, user, email)
	if err != nil {
		return nil, err
	}

	scope := conf.Scopes
	if granted, ok := token.Extra("scope").(string); ok && granted != "" {
		scope = splitScopes(granted)
	}
	err = s.credentials.StoreTokens(ctx, &domain.OAuthTokens{
		Email:        email,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenExpiry:  token.Expiry,
		Scope:        scope,
		CreatedAt:    time.Now().UTC(),
		LastUsed:     time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	if err := s.search.MirrorUser(ctx, user); err != nil {
		s.log.Warn("user mirror failed: %v", err)
	}
	if err := s.search.MirrorAccount(ctx, account); err != nil {
		s.log.Warn("account mirror failed: %v", err)
	}

	if s.supervisor != nil {
		s.supervisor.Add(account)
	}

	s.log.Info("connected account %s for user %s", email, user.ID)
	return &ConnectedAccount{User: user, Account: account}, nil
}

type googleIdentity struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (s *Service) fetchIdentity(ctx context.Context, conf *oauth2.Config, token *oauth2.Token) (*googleIdentity, error) {
	client := conf.Client(ctx, token)
	resp, err := client.Get("https://www.googleapis.com/oauth2/v2/userinfo")
	if err != nil {
		return nil, apperr.TransientIO(err, "userinfo fetch failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, apperr.AuthPermanent(nil, "userinfo returned "+resp.Status)
	}

	var identity googleIdentity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return nil, apperr.TransientIO(err, "bad userinfo payload")
	}
	if identity.Email == "" {
		return nil, apperr.AuthPermanent(nil, "userinfo payload missing email")
	}
	return &identity, nil
}

func (s *Service) ensureUser(ctx context.Context, email string) (*domain.User, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	user = &domain.User{
		Email:      email,
		AuthMethod: domain.AuthMethodOAuth,
		Role:       domain.RoleUser,
		IsActive:   true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Service) ensureAccount(ctx context.Context, user *domain.User, email string) (*domain.MailAccount, error) {
	account, err := s.accounts.GetByUserAndEmail(ctx, user.ID, email)
	if err != nil {
		return nil, err
	}
	if account != nil {
		// Re-connect of an existing account: clear a dead status so the
		// supervisor picks it up again.
		if account.SyncStatus == domain.SyncDisconnected || account.SyncStatus == domain.SyncError {
			if err := s.accounts.SetSyncStatus(ctx, account.ID, domain.SyncIdle); err != nil {
				return nil, err
			}
			account.SyncStatus = domain.SyncIdle
		}
		return account, nil
	}

	account = &domain.MailAccount{
		UserID:     user.ID,
		Email:      email,
		AuthType:   domain.AuthTypeOAuth,
		IsActive:   true,
		SyncStatus: domain.SyncIdle,
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

func splitScopes(granted string) []string {
	return strings.Fields(granted)
}
