package domain

import "github.com/google/uuid"

// JobPriority follows the queue's numeric convention: lower runs first.
type JobPriority int

const (
	PriorityUrgent JobPriority = 0
	PriorityHigh   JobPriority = 1
	PriorityNormal JobPriority = 5
	PriorityLow    JobPriority = 10
)

// SyncJobType discriminates the sync job variants.
type SyncJobType string

const (
	JobSyncOne    SyncJobType = "email-sync.one"
	JobSyncBulk   SyncJobType = "bulk-sync.bulk"
	JobReconcile  SyncJobType = "email-reconciliation.run"
	JobReindexAll SyncJobType = "bulk-sync.reindex"
)

// SyncOnePayload indexes a single message by id, forcing overwrite.
type SyncOnePayload struct {
	MessageID string `json:"message_id"`
}

// SyncBulkPayload indexes a set of message ids in chunks.
type SyncBulkPayload struct {
	MessageIDs []string `json:"message_ids"`
	BatchSize  int      `json:"batch_size,omitempty"` // 0 means the default 100
}

// ReconcilePayload runs one reconciliation pass for an account.
type ReconcilePayload struct {
	AccountID uuid.UUID `json:"account_id"`
	DaysBack  int       `json:"days_back,omitempty"`
}

// ReindexAllPayload rebuilds the search projection for an account.
type ReindexAllPayload struct {
	AccountID      uuid.UUID `json:"account_id"`
	DeleteExisting bool      `json:"delete_existing"`
}
