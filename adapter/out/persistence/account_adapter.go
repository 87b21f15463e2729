package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"mailbridge/core/domain"
	"mailbridge/pkg/apperr"
)

type accountRow struct {
	ID         uuid.UUID    `db:"id"`
	UserID     uuid.UUID    `db:"user_id"`
	Email      string       `db:"email"`
	AuthType   string       `db:"auth_type"`
	IsPrimary  bool         `db:"is_primary"`
	IsActive   bool         `db:"is_active"`
	SyncStatus string       `db:"sync_status"`
	LastSyncAt sql.NullTime `db:"last_sync_at"`
	IMAPConfig []byte       `db:"imap_config"`
	CreatedAt  time.Time    `db:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at"`
}

// imapConfigJSON is the JSONB shape; the password travels encrypted.
type imapConfigJSON struct {
	Host              string `json:"host"`
	Port              int    `json:"port"`
	Secure            bool   `json:"secure"`
	EncryptedPassword string `json:"encrypted_password,omitempty"`
}

func (r *accountRow) toDomain() (*domain.MailAccount, error) {
	acc := &domain.MailAccount{
		ID:         r.ID,
		UserID:     r.UserID,
		Email:      r.Email,
		AuthType:   domain.AuthType(r.AuthType),
		IsPrimary:  r.IsPrimary,
		IsActive:   r.IsActive,
		SyncStatus: domain.SyncStatus(r.SyncStatus),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.LastSyncAt.Valid {
		t := r.LastSyncAt.Time
		acc.LastSyncAt = &t
	}
	if len(r.IMAPConfig) > 0 {
		var cfg imapConfigJSON
		if err := json.Unmarshal(r.IMAPConfig, &cfg); err != nil {
			return nil, err
		}
		acc.IMAPConfig = &domain.IMAPConfig{
			Host:              cfg.Host,
			Port:              cfg.Port,
			Secure:            cfg.Secure,
			EncryptedPassword: cfg.EncryptedPassword,
		}
	}
	return acc, nil
}

func marshalIMAPConfig(cfg *domain.IMAPConfig) ([]byte, error) {
	if cfg == nil {
		return nil, nil
	}
	return json.Marshal(imapConfigJSON{
		Host:              cfg.Host,
		Port:              cfg.Port,
		Secure:            cfg.Secure,
		EncryptedPassword: cfg.EncryptedPassword,
	})
}

// AccountAdapter persists mail accounts.
type AccountAdapter struct {
	db *sqlx.DB
}

func NewAccountAdapter(db *sqlx.DB) *AccountAdapter {
	return &AccountAdapter{db: db}
}

// Create inserts the account. The first account of a user becomes primary.
func (a *AccountAdapter) Create(ctx context.Context, account *domain.MailAccount) error {
	if err := account.Validate(); err != nil {
		return apperr.Validation(err.Error())
	}
	account.Email = domain.NormalizeEmail(account.Email)
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	if account.SyncStatus == "" {
		account.SyncStatus = domain.SyncIdle
	}

	cfgJSON, err := marshalIMAPConfig(account.IMAPConfig)
	if err != nil {
		return apperr.Validation("invalid imap config")
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.StorageFailure(err, "failed to begin tx")
	}
	defer tx.Rollback()

	var existing int
	if err := tx.GetContext(ctx, &existing,
		`SELECT COUNT(*) FROM email_accounts WHERE user_id = $1`, account.UserID); err != nil {
		return apperr.StorageFailure(err, "failed to count accounts")
	}
	account.IsPrimary = existing == 0

	_, err = tx.ExecContext(ctx, `
		INSERT INTO email_accounts
			(id, user_id, email, auth_type, is_primary, is_active, sync_status, imap_config)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		account.ID, account.UserID, account.Email, account.AuthType,
		account.IsPrimary, account.IsActive, account.SyncStatus, cfgJSON)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Validation("account already exists for this user")
		}
		return apperr.StorageFailure(err, "failed to create account")
	}

	if err := tx.Commit(); err != nil {
		return apperr.StorageFailure(err, "failed to commit account create")
	}
	return nil
}

func (a *AccountAdapter) GetByID(ctx context.Context, id uuid.UUID) (*domain.MailAccount, error) {
	var row accountRow
	err := a.db.GetContext(ctx, &row, `SELECT * FROM email_accounts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.StorageFailure(err, "failed to get account")
	}
	acc, err := row.toDomain()
	if err != nil {
		return nil, apperr.StorageFailure(err, "corrupt imap config")
	}
	return acc, nil
}

func (a *AccountAdapter) GetByUserAndEmail(ctx context.Context, userID uuid.UUID, email string) (*domain.MailAccount, error) {
	var row accountRow
	err := a.db.GetContext(ctx, &row,
		`SELECT * FROM email_accounts WHERE user_id = $1 AND email = $2`,
		userID, domain.NormalizeEmail(email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.StorageFailure(err, "failed to get account")
	}
	acc, err := row.toDomain()
	if err != nil {
		return nil, apperr.StorageFailure(err, "corrupt imap config")
	}
	return acc, nil
}

func (a *AccountAdapter) ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.MailAccount, error) {
	var rows []accountRow
	err := a.db.SelectContext(ctx, &rows,
		`SELECT * FROM email_accounts WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, apperr.StorageFailure(err, "failed to list accounts")
	}
	return rowsToAccounts(rows)
}

func (a *AccountAdapter) ListActive(ctx context.Context) ([]*domain.MailAccount, error) {
	var rows []accountRow
	err := a.db.SelectContext(ctx, &rows, `
		SELECT * FROM email_accounts
		WHERE is_active = TRUE AND sync_status <> 'disconnected'
		ORDER BY created_at`)
	if err != nil {
		return nil, apperr.StorageFailure(err, "failed to list active accounts")
	}
	return rowsToAccounts(rows)
}

func rowsToAccounts(rows []accountRow) ([]*domain.MailAccount, error) {
	accounts := make([]*domain.MailAccount, 0, len(rows))
	for i := range rows {
		acc, err := rows[i].toDomain()
		if err != nil {
			return nil, apperr.StorageFailure(err, "corrupt imap config")
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

func (a *AccountAdapter) Update(ctx context.Context, account *domain.MailAccount) error {
	cfgJSON, err := marshalIMAPConfig(account.IMAPConfig)
	if err != nil {
		return apperr.Validation("invalid imap config")
	}
	_, err = a.db.ExecContext(ctx, `
		UPDATE email_accounts
		SET email = $2, auth_type = $3, is_active = $4, sync_status = $5,
		    imap_config = $6, updated_at = NOW()
		WHERE id = $1`,
		account.ID, domain.NormalizeEmail(account.Email), account.AuthType,
		account.IsActive, account.SyncStatus, cfgJSON)
	if err != nil {
		return apperr.StorageFailure(err, "failed to update account")
	}
	return nil
}

func (a *AccountAdapter) SetSyncStatus(ctx context.Context, id uuid.UUID, status domain.SyncStatus) error {
	_, err := a.db.ExecContext(ctx,
		`UPDATE email_accounts SET sync_status = $2, updated_at = NOW() WHERE id = $1`,
		id, status)
	if err != nil {
		return apperr.StorageFailure(err, "failed to set sync status")
	}
	return nil
}

func (a *AccountAdapter) SetSyncStatusByEmail(ctx context.Context, email string, status domain.SyncStatus) error {
	_, err := a.db.ExecContext(ctx,
		`UPDATE email_accounts SET sync_status = $2, updated_at = NOW() WHERE email = $1`,
		domain.NormalizeEmail(email), status)
	if err != nil {
		return apperr.StorageFailure(err, "failed to set sync status by email")
	}
	return nil
}

func (a *AccountAdapter) SetLastSyncAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := a.db.ExecContext(ctx,
		`UPDATE email_accounts SET last_sync_at = $2, updated_at = NOW() WHERE id = $1`,
		id, at)
	if err != nil {
		return apperr.StorageFailure(err, "failed to set last sync")
	}
	return nil
}

// Delete removes the account and, if it was primary, promotes any remaining
// account of the same user.
func (a *AccountAdapter) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.StorageFailure(err, "failed to begin tx")
	}
	defer tx.Rollback()

	var row accountRow
	err = tx.GetContext(ctx, &row, `SELECT * FROM email_accounts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return apperr.StorageFailure(err, "failed to load account")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM email_accounts WHERE id = $1`, id); err != nil {
		return apperr.StorageFailure(err, "failed to delete account")
	}

	if row.IsPrimary {
		_, err = tx.ExecContext(ctx, `
			UPDATE email_accounts SET is_primary = TRUE, updated_at = NOW()
			WHERE id = (
				SELECT id FROM email_accounts
				WHERE user_id = $1
				ORDER BY created_at
				LIMIT 1
			)`, row.UserID)
		if err != nil {
			return apperr.StorageFailure(err, "failed to promote new primary")
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.StorageFailure(err, "failed to commit account delete")
	}
	return nil
}
