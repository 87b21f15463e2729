package queue

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"mailbridge/core/domain"
	out "mailbridge/core/port/out"
)

const defaultBulkBatchSize = 100

// AccountReconciler runs a single reconciliation pass for one account. The
// reconciler service implements this; the indirection avoids a dependency
// from this package into core/service.
type AccountReconciler interface {
	ReconcileAccount(ctx context.Context, accountID string) error
}

// SyncWorker executes sync jobs against the two stores.
type SyncWorker struct {
	rows       out.MessageRepository
	search     out.SearchStore
	reconciler AccountReconciler
	log        zerolog.Logger
}

func NewSyncWorker(rows out.MessageRepository, search out.SearchStore, reconciler AccountReconciler, log zerolog.Logger) *SyncWorker {
	return &SyncWorker{
		rows:       rows,
		search:     search,
		reconciler: reconciler,
		log:        log.With().Str("component", "sync-worker").Logger(),
	}
}

func (w *SyncWorker) Handle(ctx context.Context, job *Job) error {
	switch job.Type {
	case domain.JobSyncOne:
		return w.handleSyncOne(ctx, job)
	case domain.JobSyncBulk:
		return w.handleSyncBulk(ctx, job)
	case domain.JobReconcile:
		return w.handleReconcile(ctx, job)
	case domain.JobReindexAll:
		return w.handleReindexAll(ctx, job)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

// handleSyncOne loads one row and force-indexes it, overwriting any stale
// document.
func (w *SyncWorker) handleSyncOne(ctx context.Context, job *Job) error {
	payload, err := ParsePayload[domain.SyncOnePayload](job)
	if err != nil {
		return fmt.Errorf("bad sync-one payload: %w", err)
	}

	msgs, err := w.rows.GetByIDs(ctx, []string{payload.MessageID})
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		// Row deleted since enqueue; nothing to index.
		w.log.Debug().Str("message", payload.MessageID).Msg("sync-one target gone")
		return nil
	}

	_, err = w.search.BulkIndex(ctx, msgs, true)
	return err
}

// handleSyncBulk chunks, loads and indexes, logging progress per chunk.
func (w *SyncWorker) handleSyncBulk(ctx context.Context, job *Job) error {
	payload, err := ParsePayload[domain.SyncBulkPayload](job)
	if err != nil {
		return fmt.Errorf("bad sync-bulk payload: %w", err)
	}

	batchSize := payload.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBulkBatchSize
	}

	total := len(payload.MessageIDs)
	done := 0
	for start := 0; start < total; start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start + batchSize
		if end > total {
			end = total
		}

		msgs, err := w.rows.GetByIDs(ctx, payload.MessageIDs[start:end])
		if err != nil {
			return err
		}
		if _, err := w.search.BulkIndex(ctx, msgs, false); err != nil {
			return err
		}

		done = end
		w.log.Info().
			Str("job", job.ID).
			Int("done", done).
			Int("total", total).
			Msg("bulk sync progress")
	}
	return nil
}

func (w *SyncWorker) handleReconcile(ctx context.Context, job *Job) error {
	payload, err := ParsePayload[domain.ReconcilePayload](job)
	if err != nil {
		return fmt.Errorf("bad reconcile payload: %w", err)
	}
	if w.reconciler == nil {
		return fmt.Errorf("no reconciler wired")
	}
	return w.reconciler.ReconcileAccount(ctx, payload.AccountID.String())
}

// handleReindexAll rebuilds one account's projection, optionally dropping the
// existing documents first.
func (w *SyncWorker) handleReindexAll(ctx context.Context, job *Job) error {
	payload, err := ParsePayload[domain.ReindexAllPayload](job)
	if err != nil {
		return fmt.Errorf("bad reindex payload: %w", err)
	}

	if payload.DeleteExisting {
		if err := w.search.DeleteByAccount(ctx, payload.AccountID); err != nil {
			return err
		}
	}

	ids, err := w.rows.ListIDsByAccount(ctx, payload.AccountID, 100000)
	if err != nil {
		return err
	}

	for start := 0; start < len(ids); start += defaultBulkBatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + defaultBulkBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		msgs, err := w.rows.GetByIDs(ctx, ids[start:end])
		if err != nil {
			return err
		}
		if _, err := w.search.BulkIndex(ctx, msgs, true); err != nil {
			return err
		}
	}
	return nil
}
