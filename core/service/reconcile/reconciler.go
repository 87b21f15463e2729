// Package reconcile repairs drift between the row store and its search
// projection. The row store is the source of truth; repair only ever copies
// rows into the projection, never the reverse.
package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mailbridge/core/domain"
	out "mailbridge/core/port/out"
	"mailbridge/pkg/logger"
)

// idScanCap bounds one pass per account; anything beyond it is picked up by
// the next tick.
const idScanCap = 10000

// Summary reports one reconciliation pass.
type Summary struct {
	Accounts int `json:"accounts"`
	Missing  int `json:"missing"`
	Queued   int `json:"queued"`
}

// Service is the periodic reconciler.
type Service struct {
	rows     out.MessageRepository
	search   out.SearchStore
	queue    out.SyncQueue
	accounts out.AccountRepository
	interval time.Duration
	log      *logger.Logger
}

func NewService(rows out.MessageRepository, search out.SearchStore, queue out.SyncQueue, accounts out.AccountRepository, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Service{
		rows:     rows,
		search:   search,
		queue:    queue,
		accounts: accounts,
		interval: interval,
		log:      logger.WithComponent("reconciler"),
	}
}

// Run ticks until ctx is canceled. One pass failing only logs; the next tick
// retries from scratch.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("reconciler started, interval %s", s.interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.log.Error("reconciliation pass failed: %v", err)
			}
		}
	}
}

// RunOnce compares per-account counts and repairs any account where the row
// store is ahead of the projection.
func (s *Service) RunOnce(ctx context.Context) (*Summary, error) {
	rowCounts, err := s.rows.CountByAccount(ctx)
	if err != nil {
		return nil, err
	}
	searchCounts, err := s.search.CountByAccount(ctx)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	for accountID, rowCount := range rowCounts {
		if int64(rowCount) <= searchCounts[accountID] {
			continue
		}
		summary.Accounts++
		missing, queued, err := s.repairAccount(ctx, accountID)
		if err != nil {
			s.log.Error("repair failed for account %s: %v", accountID, err)
			continue
		}
		summary.Missing += missing
		summary.Queued += queued
	}

	if summary.Missing > 0 {
		s.log.Info("reconciliation: %d accounts drifted, %d missing, %d queued",
			summary.Accounts, summary.Missing, summary.Queued)
	}
	return summary, nil
}

// ReconcileAccount runs one repair for a single account; the queue's
// reconciliation worker calls this.
func (s *Service) ReconcileAccount(ctx context.Context, accountID string) error {
	id, err := uuid.Parse(accountID)
	if err != nil {
		return err
	}
	_, _, err = s.repairAccount(ctx, id)
	return err
}

// repairAccount computes the id set difference rows-minus-projection and
// enqueues the missing ids at low priority.
func (s *Service) repairAccount(ctx context.Context, accountID uuid.UUID) (missing, queued int, err error) {
	rowIDs, err := s.rows.ListIDsByAccount(ctx, accountID, idScanCap)
	if err != nil {
		return 0, 0, err
	}
	searchIDs, err := s.search.ListIDsByAccount(ctx, accountID, idScanCap)
	if err != nil {
		return 0, 0, err
	}

	indexed := make(map[string]struct{}, len(searchIDs))
	for _, id := range searchIDs {
		indexed[id] = struct{}{}
	}

	var missingIDs []string
	for _, id := range rowIDs {
		if _, ok := indexed[id]; !ok {
			missingIDs = append(missingIDs, id)
		}
	}
	if len(missingIDs) == 0 {
		return 0, 0, nil
	}

	err = s.queue.EnqueueSyncBulk(ctx, &domain.SyncBulkPayload{
		MessageIDs: missingIDs,
	}, domain.PriorityLow)
	if err != nil {
		return len(missingIDs), 0, err
	}
	return len(missingIDs), len(missingIDs), nil
}
