package search

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mailbridge/core/domain"
	"mailbridge/pkg/apperr"
)

// Redacted mirrors of users and account configs. These projections carry no
// secret: no password hashes, no tokens, no IMAP passwords.

type userMirror struct {
	ID         string    `bson:"_id"`
	Email      string    `bson:"email"`
	AuthMethod string    `bson:"auth_method"`
	Role       string    `bson:"role"`
	IsActive   bool      `bson:"is_active"`
	MirroredAt time.Time `bson:"mirrored_at"`
}

type accountMirror struct {
	ID         string    `bson:"_id"`
	UserID     string    `bson:"user_id"`
	Email      string    `bson:"email"`
	AuthType   string    `bson:"auth_type"`
	IsPrimary  bool      `bson:"is_primary"`
	IsActive   bool      `bson:"is_active"`
	SyncStatus string    `bson:"sync_status"`
	IMAPHost   string    `bson:"imap_host,omitempty"`
	MirroredAt time.Time `bson:"mirrored_at"`
}

func (s *Store) MirrorUser(ctx context.Context, user *domain.User) error {
	doc := userMirror{
		ID:         user.ID.String(),
		Email:      user.Email,
		AuthMethod: string(user.AuthMethod),
		Role:       string(user.Role),
		IsActive:   user.IsActive,
		MirroredAt: time.Now().UTC(),
	}
	_, err := s.db.Collection(userCollection).ReplaceOne(ctx,
		bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return apperr.StorageFailure(err, "failed to mirror user")
	}
	return nil
}

func (s *Store) MirrorAccount(ctx context.Context, account *domain.MailAccount) error {
	doc := accountMirror{
		ID:         account.ID.String(),
		UserID:     account.UserID.String(),
		Email:      account.Email,
		AuthType:   string(account.AuthType),
		IsPrimary:  account.IsPrimary,
		IsActive:   account.IsActive,
		SyncStatus: string(account.SyncStatus),
		MirroredAt: time.Now().UTC(),
	}
	if account.IMAPConfig != nil {
		doc.IMAPHost = account.IMAPConfig.Host
	}
	_, err := s.db.Collection(accountsCollection).ReplaceOne(ctx,
		bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return apperr.StorageFailure(err, "failed to mirror account")
	}
	return nil
}
