package domain

import (
	"errors"
	"time"
)

var (
	ErrIMAPConfigRequired = errors.New("imap account requires imap config")
	ErrUnknownAuthType    = errors.New("unknown auth type")
	ErrNoRefreshToken     = errors.New("no refresh token stored")
)

// OAuthTokens is the token set for one OAuth account, keyed by the account
// email. Secret fields are encrypted at rest and never mirrored into the
// search store.
type OAuthTokens struct {
	Email        string    `json:"email"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenExpiry  time.Time `json:"token_expiry"`
	Scope        []string  `json:"scope"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsed     time.Time `json:"last_used"`
}

// ExpiresWithin reports whether the access token expires inside the window.
func (t *OAuthTokens) ExpiresWithin(window time.Duration) bool {
	return time.Until(t.TokenExpiry) < window
}

// HasScope reports whether the granted scope set contains the given scope.
func (t *OAuthTokens) HasScope(scope string) bool {
	for _, s := range t.Scope {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenUpdate is a partial update applied to a stored token set. Nil fields
// are left unchanged.
type TokenUpdate struct {
	AccessToken  *string
	RefreshToken *string
	TokenExpiry  *time.Time
	Scope        []string
	LastUsed     *time.Time
}
