package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"mailbridge/core/domain"
	"mailbridge/pkg/apperr"
)

type userRow struct {
	ID           uuid.UUID      `db:"id"`
	Email        string         `db:"email"`
	PasswordHash sql.NullString `db:"password_hash"`
	AuthMethod   string         `db:"auth_method"`
	Role         string         `db:"role"`
	IsActive     bool           `db:"is_active"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r *userRow) toDomain() *domain.User {
	return &domain.User{
		ID:           r.ID,
		Email:        r.Email,
		PasswordHash: r.PasswordHash.String,
		AuthMethod:   domain.AuthMethod(r.AuthMethod),
		Role:         domain.Role(r.Role),
		IsActive:     r.IsActive,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// UserAdapter persists users in the row store.
type UserAdapter struct {
	db *sqlx.DB
}

func NewUserAdapter(db *sqlx.DB) *UserAdapter {
	return &UserAdapter{db: db}
}

func (a *UserAdapter) Create(ctx context.Context, user *domain.User) error {
	user.Email = domain.NormalizeEmail(user.Email)
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, auth_method, role, is_active)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`,
		user.ID, user.Email, user.PasswordHash, user.AuthMethod, user.Role, user.IsActive)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Validation("user already exists")
		}
		return apperr.StorageFailure(err, "failed to create user")
	}
	return nil
}

func (a *UserAdapter) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	var row userRow
	err := a.db.GetContext(ctx, &row, `SELECT * FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.StorageFailure(err, "failed to get user")
	}
	return row.toDomain(), nil
}

func (a *UserAdapter) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	var row userRow
	err := a.db.GetContext(ctx, &row, `SELECT * FROM users WHERE email = $1`, domain.NormalizeEmail(email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.StorageFailure(err, "failed to get user by email")
	}
	return row.toDomain(), nil
}

func (a *UserAdapter) Update(ctx context.Context, user *domain.User) error {
	_, err := a.db.ExecContext(ctx, `
		UPDATE users
		SET email = $2, password_hash = NULLIF($3, ''), auth_method = $4,
		    role = $5, is_active = $6, updated_at = NOW()
		WHERE id = $1`,
		user.ID, domain.NormalizeEmail(user.Email), user.PasswordHash,
		user.AuthMethod, user.Role, user.IsActive)
	if err != nil {
		return apperr.StorageFailure(err, "failed to update user")
	}
	return nil
}

// Delete removes the user; owned accounts, tokens and messages cascade.
func (a *UserAdapter) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return apperr.StorageFailure(err, "failed to delete user")
	}
	return nil
}
