package domain

import (
	"time"

	"github.com/google/uuid"
)

type AuthType string

const (
	AuthTypeIMAP  AuthType = "imap"
	AuthTypeOAuth AuthType = "oauth"
)

type SyncStatus string

const (
	SyncIdle         SyncStatus = "idle"
	SyncSyncing      SyncStatus = "syncing"
	SyncError        SyncStatus = "error"
	SyncDisconnected SyncStatus = "disconnected"
)

// IMAPConfig holds connection parameters for a password-authenticated
// account. Password is stored encrypted (ivHex:ciphertextHex); it is never
// serialized outward.
type IMAPConfig struct {
	Host              string `json:"host"`
	Port              int    `json:"port"`
	Secure            bool   `json:"secure"`
	EncryptedPassword string `json:"-"`
}

// MailAccount is one remote mailbox owned by a user. (userID, email) is
// unique; at most one account per user is primary, and if a user has any
// accounts exactly one is.
type MailAccount struct {
	ID         uuid.UUID   `json:"id"`
	UserID     uuid.UUID   `json:"user_id"`
	Email      string      `json:"email"`
	AuthType   AuthType    `json:"auth_type"`
	IsPrimary  bool        `json:"is_primary"`
	IsActive   bool        `json:"is_active"`
	SyncStatus SyncStatus  `json:"sync_status"`
	LastSyncAt *time.Time  `json:"last_sync_at,omitempty"`
	IMAPConfig *IMAPConfig `json:"imap_config,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Validate checks the cross-field invariants before persistence.
func (a *MailAccount) Validate() error {
	switch a.AuthType {
	case AuthTypeIMAP:
		if a.IMAPConfig == nil || a.IMAPConfig.Host == "" {
			return ErrIMAPConfigRequired
		}
	case AuthTypeOAuth:
		// Token presence is enforced by the credential store at connect time.
	default:
		return ErrUnknownAuthType
	}
	return nil
}
