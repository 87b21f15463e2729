package out

import (
	"context"

	"mailbridge/core/domain"
)

// Named queues. Each has its own consumer group and worker concurrency.
const (
	QueueEmailSync      = "email-sync"
	QueueBulkSync       = "bulk-sync"
	QueueReconciliation = "email-reconciliation"
)

// SyncQueue is the durable job queue between the write coordinator and the
// search-store workers. Available reports broker reachability; when false the
// coordinator falls back to synchronous indexing and nothing is enqueued.
type SyncQueue interface {
	Available() bool
	EnqueueSyncOne(ctx context.Context, payload *domain.SyncOnePayload, priority domain.JobPriority) error
	EnqueueSyncBulk(ctx context.Context, payload *domain.SyncBulkPayload, priority domain.JobPriority) error
	EnqueueReconcile(ctx context.Context, payload *domain.ReconcilePayload, priority domain.JobPriority) error
	EnqueueReindexAll(ctx context.Context, payload *domain.ReindexAllPayload, priority domain.JobPriority) error
}

// QueueStats is a point-in-time snapshot used by the health surface.
type QueueStats struct {
	Queue   string `json:"queue"`
	Waiting int64  `json:"waiting"`
	Pending int64  `json:"pending"`
	Delayed int64  `json:"delayed"`
	Dead    int64  `json:"dead"`
}
