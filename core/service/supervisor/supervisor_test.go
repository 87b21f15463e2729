package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"mailbridge/core/domain"
	out "mailbridge/core/port/out"
	"mailbridge/pkg/apperr"
)

type fakeAccounts struct {
	mu       sync.Mutex
	active   []*domain.MailAccount
	statuses map[uuid.UUID]domain.SyncStatus
}

func newFakeAccounts(active ...*domain.MailAccount) *fakeAccounts {
	return &fakeAccounts{active: active, statuses: make(map[uuid.UUID]domain.SyncStatus)}
}

func (f *fakeAccounts) Create(context.Context, *domain.MailAccount) error { return nil }
func (f *fakeAccounts) GetByID(context.Context, uuid.UUID) (*domain.MailAccount, error) {
	return nil, nil
}
func (f *fakeAccounts) GetByUserAndEmail(context.Context, uuid.UUID, string) (*domain.MailAccount, error) {
	return nil, nil
}
func (f *fakeAccounts) ListByUser(context.Context, uuid.UUID) ([]*domain.MailAccount, error) {
	return nil, nil
}

func (f *fakeAccounts) ListActive(context.Context) ([]*domain.MailAccount, error) {
	return f.active, nil
}

func (f *fakeAccounts) Update(context.Context, *domain.MailAccount) error { return nil }

func (f *fakeAccounts) SetSyncStatus(_ context.Context, id uuid.UUID, status domain.SyncStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeAccounts) SetSyncStatusByEmail(context.Context, string, domain.SyncStatus) error {
	return nil
}
func (f *fakeAccounts) SetLastSyncAt(context.Context, uuid.UUID, time.Time) error { return nil }
func (f *fakeAccounts) Delete(context.Context, uuid.UUID) error                   { return nil }

func (f *fakeAccounts) status(id uuid.UUID) domain.SyncStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

// scriptedIngestor returns the queued errors in order, then blocks on ctx.
type scriptedIngestor struct {
	mu   sync.Mutex
	errs []error
	runs int
}

func (i *scriptedIngestor) Run(ctx context.Context) error {
	i.mu.Lock()
	i.runs++
	var err error
	hasErr := len(i.errs) > 0
	if hasErr {
		err = i.errs[0]
		i.errs = i.errs[1:]
	}
	i.mu.Unlock()

	if hasErr {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (i *scriptedIngestor) runCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.runs
}

func testAccount() *domain.MailAccount {
	return &domain.MailAccount{
		ID:       uuid.New(),
		Email:    "user@example.com",
		AuthType: domain.AuthTypeOAuth,
	}
}

func startSupervisor(t *testing.T, s *Supervisor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("supervisor did not drain")
		}
	})
	return cancel
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSupervisor_BootsActiveAccounts(t *testing.T) {
	account := testAccount()
	accounts := newFakeAccounts(account)
	ingestor := &scriptedIngestor{}

	s := New(accounts, func(*domain.MailAccount) (out.Ingestor, error) {
		return ingestor, nil
	})
	startSupervisor(t, s)

	waitFor(t, time.Second, func() bool { return ingestor.runCount() == 1 })
	if !s.Running(account.ID) {
		t.Error("worker not tracked as running")
	}
}

func TestSupervisor_RestartsAfterCrash(t *testing.T) {
	account := testAccount()
	accounts := newFakeAccounts(account)
	ingestor := &scriptedIngestor{errs: []error{apperr.TransientIO(errors.New("conn reset"), "session died")}}

	s := New(accounts, func(*domain.MailAccount) (out.Ingestor, error) {
		return ingestor, nil
	})
	startSupervisor(t, s)

	// First run crashes, second starts after the 1s backoff.
	waitFor(t, 5*time.Second, func() bool { return ingestor.runCount() >= 2 })
}

func TestSupervisor_RetiresOnPermanentAuth(t *testing.T) {
	account := testAccount()
	accounts := newFakeAccounts(account)
	ingestor := &scriptedIngestor{errs: []error{
		apperr.AuthPermanent(errors.New("invalid_grant"), "refresh refused"),
		errors.New("must never run again"),
	}}

	s := New(accounts, func(*domain.MailAccount) (out.Ingestor, error) {
		return ingestor, nil
	})
	startSupervisor(t, s)

	waitFor(t, time.Second, func() bool {
		return accounts.status(account.ID) == domain.SyncError
	})
	waitFor(t, time.Second, func() bool { return !s.Running(account.ID) })
	if ingestor.runCount() != 1 {
		t.Errorf("runs = %d, want 1 (no restart after permanent auth failure)", ingestor.runCount())
	}
}

func TestSupervisor_AddIsIdempotent(t *testing.T) {
	account := testAccount()
	accounts := newFakeAccounts()
	ingestor := &scriptedIngestor{}

	s := New(accounts, func(*domain.MailAccount) (out.Ingestor, error) {
		return ingestor, nil
	})
	startSupervisor(t, s)

	waitFor(t, time.Second, func() bool { return s.rootCtxSet() })
	s.Add(account)
	s.Add(account)
	s.Add(account)

	waitFor(t, time.Second, func() bool { return ingestor.runCount() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if n := ingestor.runCount(); n != 1 {
		t.Errorf("runs = %d, want 1", n)
	}
}

func TestSupervisor_Remove(t *testing.T) {
	account := testAccount()
	accounts := newFakeAccounts()
	ingestor := &scriptedIngestor{}

	s := New(accounts, func(*domain.MailAccount) (out.Ingestor, error) {
		return ingestor, nil
	})
	startSupervisor(t, s)

	waitFor(t, time.Second, func() bool { return s.rootCtxSet() })
	s.Add(account)
	waitFor(t, time.Second, func() bool { return ingestor.runCount() == 1 })

	s.Remove(account.ID)
	if s.Running(account.ID) {
		t.Error("worker still tracked after Remove")
	}
}

// rootCtxSet reports whether Start has bound the root context yet; tests use
// it to order Add calls after startup.
func (s *Supervisor) rootCtxSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rootCtx != nil
}
