// Package mailbox owns the dual-store write path and the read-side search:
// the row store is authoritative, the search store is an async projection
// kept current by the sync queue.
package mailbox

import (
	"context"

	"mailbridge/core/domain"
	out "mailbridge/core/port/out"
	"mailbridge/pkg/logger"
)

// Coordinator is the single entry point for message writes. Rows land in the
// authoritative store synchronously; projection is deferred to the queue
// whenever the broker is reachable.
type Coordinator struct {
	rows   out.MessageRepository
	search out.SearchStore
	queue  out.SyncQueue
	log    *logger.Logger
}

func NewCoordinator(rows out.MessageRepository, search out.SearchStore, queue out.SyncQueue) *Coordinator {
	return &Coordinator{
		rows:   rows,
		search: search,
		queue:  queue,
		log:    logger.WithComponent("write-coordinator"),
	}
}

// Ingest upserts the batch into the row store, then hands the newly inserted
// ids to the queue for projection. When the queue is unavailable the batch is
// indexed synchronously instead; a projection failure in that path is logged
// and suppressed, because the rows are already durable and the reconciler
// repairs the gap.
func (c *Coordinator) Ingest(ctx context.Context, msgs []*domain.Message) (*out.IngestResult, error) {
	if len(msgs) == 0 {
		return &out.IngestResult{}, nil
	}
	for _, m := range msgs {
		m.Normalize()
	}

	result, err := c.rows.UpsertMessages(ctx, msgs)
	if err != nil {
		return nil, err
	}
	if result.Indexed == 0 {
		return result, nil
	}

	if c.queue != nil && c.queue.Available() {
		err := c.queue.EnqueueSyncBulk(ctx, &domain.SyncBulkPayload{
			MessageIDs: result.InsertedIDs,
		}, domain.PriorityNormal)
		if err == nil {
			return result, nil
		}
		c.log.Warn("enqueue failed, falling back to direct indexing: %v", err)
	}

	c.indexDirect(ctx, msgs, result.InsertedIDs)
	return result, nil
}

// indexDirect projects the inserted subset synchronously. Never fails the
// ingest.
func (c *Coordinator) indexDirect(ctx context.Context, msgs []*domain.Message, insertedIDs []string) {
	inserted := make(map[string]struct{}, len(insertedIDs))
	for _, id := range insertedIDs {
		inserted[id] = struct{}{}
	}
	subset := make([]*domain.Message, 0, len(insertedIDs))
	for _, m := range msgs {
		if _, ok := inserted[m.ID]; ok {
			subset = append(subset, m)
		}
	}
	if len(subset) == 0 {
		return
	}

	if _, err := c.search.BulkIndex(ctx, subset, false); err != nil {
		c.log.Warn("direct indexing failed for %d messages, reconciler will repair: %v", len(subset), err)
		return
	}
	c.log.Debug("indexed %d messages directly", len(subset))
}

// IndexOne re-projects a single known row, overwriting any stale document.
func (c *Coordinator) IndexOne(ctx context.Context, messageID string) error {
	if c.queue != nil && c.queue.Available() {
		err := c.queue.EnqueueSyncOne(ctx, &domain.SyncOnePayload{MessageID: messageID}, domain.PriorityHigh)
		if err == nil {
			return nil
		}
		c.log.Warn("enqueue sync-one failed, indexing directly: %v", err)
	}

	msgs, err := c.rows.GetByIDs(ctx, []string{messageID})
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	_, err = c.search.BulkIndex(ctx, msgs, true)
	return err
}

// UpdateCategories writes classification results to both stores directly;
// category updates are small and latency-sensitive, so they skip the queue.
func (c *Coordinator) UpdateCategories(ctx context.Context, categories map[string]domain.Category) error {
	if len(categories) == 0 {
		return nil
	}
	if err := c.rows.BulkUpdateCategories(ctx, categories); err != nil {
		return err
	}
	if err := c.search.BulkUpdateCategories(ctx, categories); err != nil {
		c.log.Warn("search-store category update failed, reconcile pending: %v", err)
	}
	return nil
}
