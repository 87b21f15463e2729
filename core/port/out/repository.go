// Package out defines outbound ports: the storage, provider, queue and
// notification dependencies the core services are written against.
package out

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mailbridge/core/domain"
)

// IngestResult counts the outcome of an idempotent bulk write. InsertedIDs
// holds the synthetic ids of the rows actually inserted, in input order.
type IngestResult struct {
	Indexed     int      `json:"indexed"`
	Skipped     int      `json:"skipped"`
	InsertedIDs []string `json:"-"`
}

// UserRepository persists users. Absence is (nil, nil), never an error.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	Update(ctx context.Context, user *domain.User) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// AccountRepository persists mail accounts and their sync lifecycle.
type AccountRepository interface {
	Create(ctx context.Context, account *domain.MailAccount) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.MailAccount, error)
	GetByUserAndEmail(ctx context.Context, userID uuid.UUID, email string) (*domain.MailAccount, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.MailAccount, error)
	// ListActive returns accounts with isActive and a sync status other than
	// disconnected; the supervisor boots one worker per entry.
	ListActive(ctx context.Context) ([]*domain.MailAccount, error)
	Update(ctx context.Context, account *domain.MailAccount) error
	SetSyncStatus(ctx context.Context, id uuid.UUID, status domain.SyncStatus) error
	// SetSyncStatusByEmail updates every account with the given address; the
	// credential store uses it when a refresh is permanently refused.
	SetSyncStatusByEmail(ctx context.Context, email string, status domain.SyncStatus) error
	SetLastSyncAt(ctx context.Context, id uuid.UUID, at time.Time) error
	// Delete removes the account; if it was primary, any remaining account of
	// the user is promoted.
	Delete(ctx context.Context, id uuid.UUID) error
}

// TokenRepository persists OAuth token sets keyed by account email. Secrets
// are encrypted before they reach the row store.
type TokenRepository interface {
	Store(ctx context.Context, tokens *domain.OAuthTokens) error
	Get(ctx context.Context, email string) (*domain.OAuthTokens, error)
	Update(ctx context.Context, email string, update *domain.TokenUpdate) error
	Delete(ctx context.Context, email string) error
}

// MessageRepository is the authoritative row store for messages. Read APIs
// take the caller's allowed account ids; an empty set yields empty results.
type MessageRepository interface {
	// UpsertMessages inserts with conflict-skip on (accountID, uid),
	// appending recipients only for newly inserted rows. Transactional per
	// batch.
	UpsertMessages(ctx context.Context, msgs []*domain.Message) (*IngestResult, error)
	GetByID(ctx context.Context, id string, allowedAccountIDs []uuid.UUID) (*domain.Message, error)
	GetByIDs(ctx context.Context, ids []string) ([]*domain.Message, error)
	ListUncategorizedIDs(ctx context.Context, limit int) ([]string, error)
	ListIDsByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]string, error)
	CountByAccount(ctx context.Context) (map[uuid.UUID]int, error)
	BulkUpdateCategories(ctx context.Context, categories map[string]domain.Category) error
	Search(ctx context.Context, query string, filters SearchFilters, page, limit int) (*SearchResult, error)
	DeleteByAccount(ctx context.Context, accountID uuid.UUID) error
}

// SearchFilters scope a search. AllowedAccountIDs is the authorization fence
// of last resort: empty means the caller may see nothing.
type SearchFilters struct {
	AllowedAccountIDs []uuid.UUID
	AccountID         *uuid.UUID
	Folder            string
	Category          *domain.Category
}

// SearchSource tags which store produced a result set.
type SearchSource string

const (
	SourcePrimary  SearchSource = "primary"
	SourceFallback SearchSource = "fallback"
)

// SearchResult is one page of hits, newest first.
type SearchResult struct {
	Hits       []*domain.Message `json:"hits"`
	Total      int64             `json:"total"`
	Page       int               `json:"page"`
	Limit      int               `json:"limit"`
	TotalPages int               `json:"total_pages"`
	Source     SearchSource      `json:"source"`
}

// SearchStore is the inverted-index projection of the row store.
type SearchStore interface {
	EnsureIndexes(ctx context.Context) error
	// BulkIndex pre-checks existing ids; existing documents are skipped
	// unless forceUpdate is set.
	BulkIndex(ctx context.Context, msgs []*domain.Message, forceUpdate bool) (*IngestResult, error)
	BulkUpdateCategories(ctx context.Context, categories map[string]domain.Category) error
	Search(ctx context.Context, query string, filters SearchFilters, page, limit int) (*SearchResult, error)
	CategoryCounts(ctx context.Context, allowedAccountIDs []uuid.UUID) (map[string]int64, error)
	CountByAccount(ctx context.Context) (map[uuid.UUID]int64, error)
	ListIDsByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]string, error)
	DeleteByAccount(ctx context.Context, accountID uuid.UUID) error
	// MirrorUser and MirrorAccount keep redacted projections in sync; no
	// secret field ever reaches the search store.
	MirrorUser(ctx context.Context, user *domain.User) error
	MirrorAccount(ctx context.Context, account *domain.MailAccount) error
}
