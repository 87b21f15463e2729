// Package supervisor keeps one ingestor running per active account,
// restarting crashed sessions with exponential backoff and retiring accounts
// whose credentials are permanently dead.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailbridge/core/domain"
	out "mailbridge/core/port/out"
	"mailbridge/pkg/apperr"
	"mailbridge/pkg/logger"
)

const (
	backoffBase  = time.Second
	backoffCap   = 60 * time.Second
	stableWindow = 60 * time.Second
)

// IngestorFactory builds the provider-appropriate ingestor for one account.
type IngestorFactory func(account *domain.MailAccount) (out.Ingestor, error)

type workerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor owns the per-account worker set.
type Supervisor struct {
	accounts out.AccountRepository
	factory  IngestorFactory
	log      *logger.Logger

	mu      sync.Mutex
	workers map[uuid.UUID]*workerHandle
	rootCtx context.Context
}

func New(accounts out.AccountRepository, factory IngestorFactory) *Supervisor {
	return &Supervisor{
		accounts: accounts,
		factory:  factory,
		log:      logger.WithComponent("supervisor"),
		workers:  make(map[uuid.UUID]*workerHandle),
	}
}

// Start boots one worker per active account and blocks until ctx is
// canceled, then waits for all workers to drain.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.rootCtx = ctx
	s.mu.Unlock()

	accounts, err := s.accounts.ListActive(ctx)
	if err != nil {
		return err
	}
	s.log.Info("starting %d account workers", len(accounts))
	for _, account := range accounts {
		s.Add(account)
	}

	<-ctx.Done()
	s.waitAll()
	return ctx.Err()
}

// Add starts a worker for the account. A second Add for the same account is
// a no-op while the first worker lives.
func (s *Supervisor) Add(account *domain.MailAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rootCtx == nil || s.rootCtx.Err() != nil {
		return
	}
	if _, exists := s.workers[account.ID]; exists {
		return
	}

	workerCtx, cancel := context.WithCancel(s.rootCtx)
	handle := &workerHandle{cancel: cancel, done: make(chan struct{})}
	s.workers[account.ID] = handle

	go s.runWorker(workerCtx, account, handle)
}

// Remove stops the account's worker and waits for it to exit.
func (s *Supervisor) Remove(accountID uuid.UUID) {
	s.mu.Lock()
	handle, ok := s.workers[accountID]
	if ok {
		delete(s.workers, accountID)
	}
	s.mu.Unlock()

	if ok {
		handle.cancel()
		<-handle.done
	}
}

// Running reports whether a worker currently exists for the account.
func (s *Supervisor) Running(accountID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[accountID]
	return ok
}

// runWorker restarts the ingestor until the context dies or the account's
// auth is permanently refused. The backoff doubles per crash and resets
// after a stretch of stable running.
func (s *Supervisor) runWorker(ctx context.Context, account *domain.MailAccount, handle *workerHandle) {
	defer close(handle.done)
	defer s.forget(account.ID, handle)

	log := s.log.WithAccount(account.Email)
	backoff := backoffBase

	for {
		if ctx.Err() != nil {
			return
		}

		ingestor, err := s.factory(account)
		if err != nil {
			log.Error("cannot build ingestor: %v", err)
			if s.retirePermanent(ctx, account, err) {
				return
			}
		} else {
			started := time.Now()
			err = ingestor.Run(ctx)
			if ctx.Err() != nil {
				return
			}
			if time.Since(started) >= stableWindow {
				backoff = backoffBase
			}
			if err != nil {
				log.Warn("ingestor exited: %v", err)
				if s.retirePermanent(ctx, account, err) {
					return
				}
			}
		}

		log.Info("restarting ingestor in %s", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

// retirePermanent marks the account errored and reports whether the worker
// should stop restarting.
func (s *Supervisor) retirePermanent(ctx context.Context, account *domain.MailAccount, err error) bool {
	if !apperr.IsCode(err, apperr.CodeAuthPermanent) {
		return false
	}
	s.log.WithAccount(account.Email).Error("auth permanently refused, retiring worker: %v", err)
	if stErr := s.accounts.SetSyncStatus(ctx, account.ID, domain.SyncError); stErr != nil {
		s.log.Error("failed to mark account errored: %v", stErr)
	}
	return true
}

func (s *Supervisor) forget(accountID uuid.UUID, handle *workerHandle) {
	s.mu.Lock()
	if current, ok := s.workers[accountID]; ok && current == handle {
		delete(s.workers, accountID)
	}
	s.mu.Unlock()
}

func (s *Supervisor) waitAll() {
	s.mu.Lock()
	handles := make([]*workerHandle, 0, len(s.workers))
	for _, h := range s.workers {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
		<-h.done
	}
}
