package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"mailbridge/core/domain"
	"mailbridge/pkg/apperr"
	"mailbridge/pkg/crypto"
)

type tokenRow struct {
	Email        string         `db:"email"`
	AccessToken  string         `db:"access_token"`
	RefreshToken sql.NullString `db:"refresh_token"`
	TokenExpiry  time.Time      `db:"token_expiry"`
	Scope        pq.StringArray `db:"scope"`
	CreatedAt    time.Time      `db:"created_at"`
	LastUsed     time.Time      `db:"last_used"`
}

// TokenAdapter persists OAuth token sets. Secrets are encrypted before they
// hit the table and decrypted on the way out.
type TokenAdapter struct {
	db *sqlx.DB
}

func NewTokenAdapter(db *sqlx.DB) *TokenAdapter {
	return &TokenAdapter{db: db}
}

func (a *TokenAdapter) Store(ctx context.Context, tokens *domain.OAuthTokens) error {
	email := domain.NormalizeEmail(tokens.Email)

	encAccess, err := crypto.Encrypt(tokens.AccessToken)
	if err != nil {
		return apperr.Internal(err, "failed to encrypt access token")
	}
	encRefresh, err := crypto.Encrypt(tokens.RefreshToken)
	if err != nil {
		return apperr.Internal(err, "failed to encrypt refresh token")
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO oauth_tokens (email, access_token, refresh_token, token_expiry, scope, last_used)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NOW())
		ON CONFLICT (email) DO UPDATE SET
			access_token  = EXCLUDED.access_token,
			refresh_token = COALESCE(EXCLUDED.refresh_token, oauth_tokens.refresh_token),
			token_expiry  = EXCLUDED.token_expiry,
			scope         = EXCLUDED.scope,
			last_used     = NOW()`,
		email, encAccess, encRefresh, tokens.TokenExpiry, pq.Array(tokens.Scope))
	if err != nil {
		return apperr.StorageFailure(err, "failed to store tokens")
	}
	return nil
}

// Get returns the decrypted token set, or nil when no row exists.
func (a *TokenAdapter) Get(ctx context.Context, email string) (*domain.OAuthTokens, error) {
	var row tokenRow
	err := a.db.GetContext(ctx, &row,
		`SELECT * FROM oauth_tokens WHERE email = $1`, domain.NormalizeEmail(email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.StorageFailure(err, "failed to get tokens")
	}

	access, err := crypto.Decrypt(row.AccessToken)
	if err != nil {
		return nil, apperr.Internal(err, "failed to decrypt access token")
	}
	refresh, err := crypto.Decrypt(row.RefreshToken.String)
	if err != nil {
		return nil, apperr.Internal(err, "failed to decrypt refresh token")
	}

	return &domain.OAuthTokens{
		Email:        row.Email,
		AccessToken:  access,
		RefreshToken: refresh,
		TokenExpiry:  row.TokenExpiry,
		Scope:        []string(row.Scope),
		CreatedAt:    row.CreatedAt,
		LastUsed:     row.LastUsed,
	}, nil
}

// Update applies a partial update; nil fields keep their stored values.
func (a *TokenAdapter) Update(ctx context.Context, email string, update *domain.TokenUpdate) error {
	sets := []string{"last_used = NOW()"}
	args := []any{domain.NormalizeEmail(email)}
	n := 2

	appendSet := func(col string, val any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, val)
		n++
	}

	if update.AccessToken != nil {
		enc, err := crypto.Encrypt(*update.AccessToken)
		if err != nil {
			return apperr.Internal(err, "failed to encrypt access token")
		}
		appendSet("access_token", enc)
	}
	if update.RefreshToken != nil {
		enc, err := crypto.Encrypt(*update.RefreshToken)
		if err != nil {
			return apperr.Internal(err, "failed to encrypt refresh token")
		}
		appendSet("refresh_token", enc)
	}
	if update.TokenExpiry != nil {
		appendSet("token_expiry", *update.TokenExpiry)
	}
	if update.Scope != nil {
		appendSet("scope", pq.Array(update.Scope))
	}
	if update.LastUsed != nil {
		appendSet("last_used", *update.LastUsed)
	}

	query := "UPDATE oauth_tokens SET " + strings.Join(sets, ", ") + " WHERE email = $1"
	if _, err := a.db.ExecContext(ctx, query, args...); err != nil {
		return apperr.StorageFailure(err, "failed to update tokens")
	}
	return nil
}

func (a *TokenAdapter) Delete(ctx context.Context, email string) error {
	_, err := a.db.ExecContext(ctx,
		`DELETE FROM oauth_tokens WHERE email = $1`, domain.NormalizeEmail(email))
	if err != nil {
		return apperr.StorageFailure(err, "failed to delete tokens")
	}
	return nil
}
