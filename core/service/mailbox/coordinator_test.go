package mailbox

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"mailbridge/core/domain"
	out "mailbridge/core/port/out"
)

// fakeRows implements out.MessageRepository with per-method hooks.
type fakeRows struct {
	upsert     func(msgs []*domain.Message) (*out.IngestResult, error)
	getByIDs   func(ids []string) ([]*domain.Message, error)
	search     func(query string, filters out.SearchFilters, page, limit int) (*out.SearchResult, error)
	categories map[string]domain.Category
}

func (f *fakeRows) UpsertMessages(_ context.Context, msgs []*domain.Message) (*out.IngestResult, error) {
	return f.upsert(msgs)
}

func (f *fakeRows) GetByID(context.Context, string, []uuid.UUID) (*domain.Message, error) {
	return nil, nil
}

func (f *fakeRows) GetByIDs(_ context.Context, ids []string) ([]*domain.Message, error) {
	if f.getByIDs != nil {
		return f.getByIDs(ids)
	}
	return nil, nil
}

func (f *fakeRows) ListUncategorizedIDs(context.Context, int) ([]string, error) { return nil, nil }
func (f *fakeRows) ListIDsByAccount(context.Context, uuid.UUID, int) ([]string, error) {
	return nil, nil
}
func (f *fakeRows) CountByAccount(context.Context) (map[uuid.UUID]int, error) { return nil, nil }

func (f *fakeRows) BulkUpdateCategories(_ context.Context, categories map[string]domain.Category) error {
	f.categories = categories
	return nil
}

func (f *fakeRows) Search(_ context.Context, query string, filters out.SearchFilters, page, limit int) (*out.SearchResult, error) {
	if f.search != nil {
		return f.search(query, filters, page, limit)
	}
	return &out.SearchResult{}, nil
}

func (f *fakeRows) DeleteByAccount(context.Context, uuid.UUID) error { return nil }

// fakeSearch implements out.SearchStore.
type fakeSearch struct {
	bulkIndex  func(msgs []*domain.Message, force bool) (*out.IngestResult, error)
	search     func(query string, filters out.SearchFilters, page, limit int) (*out.SearchResult, error)
	categories map[string]domain.Category
	catErr     error
}

func (f *fakeSearch) EnsureIndexes(context.Context) error { return nil }

func (f *fakeSearch) BulkIndex(_ context.Context, msgs []*domain.Message, force bool) (*out.IngestResult, error) {
	if f.bulkIndex != nil {
		return f.bulkIndex(msgs, force)
	}
	return &out.IngestResult{Indexed: len(msgs)}, nil
}

func (f *fakeSearch) BulkUpdateCategories(_ context.Context, categories map[string]domain.Category) error {
	if f.catErr != nil {
		return f.catErr
	}
	f.categories = categories
	return nil
}

func (f *fakeSearch) Search(_ context.Context, query string, filters out.SearchFilters, page, limit int) (*out.SearchResult, error) {
	if f.search != nil {
		return f.search(query, filters, page, limit)
	}
	return &out.SearchResult{Source: out.SourcePrimary}, nil
}

func (f *fakeSearch) CategoryCounts(context.Context, []uuid.UUID) (map[string]int64, error) {
	return map[string]int64{}, nil
}
func (f *fakeSearch) CountByAccount(context.Context) (map[uuid.UUID]int64, error) { return nil, nil }
func (f *fakeSearch) ListIDsByAccount(context.Context, uuid.UUID, int) ([]string, error) {
	return nil, nil
}
func (f *fakeSearch) DeleteByAccount(context.Context, uuid.UUID) error      { return nil }
func (f *fakeSearch) MirrorUser(context.Context, *domain.User) error        { return nil }
func (f *fakeSearch) MirrorAccount(context.Context, *domain.MailAccount) error { return nil }

// fakeQueue implements out.SyncQueue.
type fakeQueue struct {
	available bool
	bulkErr   error
	oneErr    error
	bulk      []*domain.SyncBulkPayload
	bulkPrio  []domain.JobPriority
	ones      []*domain.SyncOnePayload
}

func (f *fakeQueue) Available() bool { return f.available }

func (f *fakeQueue) EnqueueSyncOne(_ context.Context, p *domain.SyncOnePayload, _ domain.JobPriority) error {
	if f.oneErr != nil {
		return f.oneErr
	}
	f.ones = append(f.ones, p)
	return nil
}

func (f *fakeQueue) EnqueueSyncBulk(_ context.Context, p *domain.SyncBulkPayload, prio domain.JobPriority) error {
	if f.bulkErr != nil {
		return f.bulkErr
	}
	f.bulk = append(f.bulk, p)
	f.bulkPrio = append(f.bulkPrio, prio)
	return nil
}

func (f *fakeQueue) EnqueueReconcile(context.Context, *domain.ReconcilePayload, domain.JobPriority) error {
	return nil
}
func (f *fakeQueue) EnqueueReindexAll(context.Context, *domain.ReindexAllPayload, domain.JobPriority) error {
	return nil
}

func testMessages(n int) []*domain.Message {
	msgs := make([]*domain.Message, 0, n)
	for i := 0; i < n; i++ {
		uid := string(rune('a' + i))
		msgs = append(msgs, &domain.Message{
			ID:      domain.MessageID("user@example.com", uid),
			Folder:  "INBOX",
			Subject: "hello " + uid,
			UID:     uid,
		})
	}
	return msgs
}

func TestCoordinator_Ingest_EnqueuesInserted(t *testing.T) {
	msgs := testMessages(3)
	rows := &fakeRows{
		upsert: func(in []*domain.Message) (*out.IngestResult, error) {
			return &out.IngestResult{
				Indexed:     2,
				Skipped:     1,
				InsertedIDs: []string{in[0].ID, in[2].ID},
			}, nil
		},
	}
	search := &fakeSearch{
		bulkIndex: func([]*domain.Message, bool) (*out.IngestResult, error) {
			t.Fatal("direct indexing used while queue available")
			return nil, nil
		},
	}
	queue := &fakeQueue{available: true}
	c := NewCoordinator(rows, search, queue)

	result, err := c.Ingest(context.Background(), msgs)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if result.Indexed != 2 || result.Skipped != 1 {
		t.Errorf("result = %+v, want 2 indexed, 1 skipped", result)
	}
	if len(queue.bulk) != 1 || len(queue.bulk[0].MessageIDs) != 2 {
		t.Fatalf("enqueued = %+v, want one bulk job with 2 ids", queue.bulk)
	}
	if queue.bulkPrio[0] != domain.PriorityNormal {
		t.Errorf("priority = %v, want normal", queue.bulkPrio[0])
	}
	// Normalization ran before the upsert.
	if msgs[0].Folder != "inbox" {
		t.Errorf("folder = %q, not normalized", msgs[0].Folder)
	}
}

func TestCoordinator_Ingest_FallsBackWhenQueueDown(t *testing.T) {
	msgs := testMessages(2)
	rows := &fakeRows{
		upsert: func(in []*domain.Message) (*out.IngestResult, error) {
			return &out.IngestResult{Indexed: 2, InsertedIDs: []string{in[0].ID, in[1].ID}}, nil
		},
	}

	var indexed []*domain.Message
	search := &fakeSearch{
		bulkIndex: func(in []*domain.Message, force bool) (*out.IngestResult, error) {
			if force {
				t.Error("fallback indexing must not force-update")
			}
			indexed = in
			return &out.IngestResult{Indexed: len(in)}, nil
		},
	}
	c := NewCoordinator(rows, search, &fakeQueue{available: false})

	if _, err := c.Ingest(context.Background(), msgs); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(indexed) != 2 {
		t.Errorf("directly indexed %d messages, want 2", len(indexed))
	}
}

func TestCoordinator_Ingest_FallsBackWhenEnqueueFails(t *testing.T) {
	msgs := testMessages(1)
	rows := &fakeRows{
		upsert: func(in []*domain.Message) (*out.IngestResult, error) {
			return &out.IngestResult{Indexed: 1, InsertedIDs: []string{in[0].ID}}, nil
		},
	}
	var indexed int
	search := &fakeSearch{
		bulkIndex: func(in []*domain.Message, _ bool) (*out.IngestResult, error) {
			indexed = len(in)
			return &out.IngestResult{Indexed: len(in)}, nil
		},
	}
	queue := &fakeQueue{available: true, bulkErr: errors.New("broker gone")}
	c := NewCoordinator(rows, search, queue)

	if _, err := c.Ingest(context.Background(), msgs); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if indexed != 1 {
		t.Errorf("fallback indexed %d, want 1", indexed)
	}
}

func TestCoordinator_Ingest_IndexFailureSuppressed(t *testing.T) {
	msgs := testMessages(1)
	rows := &fakeRows{
		upsert: func(in []*domain.Message) (*out.IngestResult, error) {
			return &out.IngestResult{Indexed: 1, InsertedIDs: []string{in[0].ID}}, nil
		},
	}
	search := &fakeSearch{
		bulkIndex: func([]*domain.Message, bool) (*out.IngestResult, error) {
			return nil, errors.New("mongo down")
		},
	}
	c := NewCoordinator(rows, search, &fakeQueue{})

	result, err := c.Ingest(context.Background(), msgs)
	if err != nil {
		t.Fatalf("Ingest() error = %v, want projection failure suppressed", err)
	}
	if result.Indexed != 1 {
		t.Errorf("result.Indexed = %d, want 1", result.Indexed)
	}
}

func TestCoordinator_Ingest_NothingNewSkipsProjection(t *testing.T) {
	msgs := testMessages(2)
	rows := &fakeRows{
		upsert: func([]*domain.Message) (*out.IngestResult, error) {
			return &out.IngestResult{Skipped: 2}, nil
		},
	}
	queue := &fakeQueue{available: true}
	c := NewCoordinator(rows, &fakeSearch{}, queue)

	if _, err := c.Ingest(context.Background(), msgs); err != nil {
		t.Fatal(err)
	}
	if len(queue.bulk) != 0 {
		t.Errorf("enqueued %d jobs for an all-duplicate batch", len(queue.bulk))
	}
}

func TestCoordinator_Ingest_EmptyBatch(t *testing.T) {
	c := NewCoordinator(&fakeRows{}, &fakeSearch{}, &fakeQueue{})
	result, err := c.Ingest(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Indexed != 0 || result.Skipped != 0 {
		t.Errorf("result = %+v, want zero", result)
	}
}

func TestCoordinator_IndexOne(t *testing.T) {
	t.Run("queued at high priority", func(t *testing.T) {
		queue := &fakeQueue{available: true}
		c := NewCoordinator(&fakeRows{}, &fakeSearch{}, queue)

		if err := c.IndexOne(context.Background(), "user@example.com_1"); err != nil {
			t.Fatal(err)
		}
		if len(queue.ones) != 1 || queue.ones[0].MessageID != "user@example.com_1" {
			t.Errorf("enqueued = %+v", queue.ones)
		}
	})

	t.Run("direct force-update fallback", func(t *testing.T) {
		rows := &fakeRows{
			getByIDs: func(ids []string) ([]*domain.Message, error) {
				return []*domain.Message{{ID: ids[0]}}, nil
			},
		}
		var forced bool
		search := &fakeSearch{
			bulkIndex: func(_ []*domain.Message, force bool) (*out.IngestResult, error) {
				forced = force
				return &out.IngestResult{Indexed: 1}, nil
			},
		}
		c := NewCoordinator(rows, search, &fakeQueue{available: false})

		if err := c.IndexOne(context.Background(), "id"); err != nil {
			t.Fatal(err)
		}
		if !forced {
			t.Error("direct single-message reindex must force-update")
		}
	})
}

func TestCoordinator_UpdateCategories(t *testing.T) {
	cats := map[string]domain.Category{"id1": domain.CategoryInterested}

	t.Run("writes both stores", func(t *testing.T) {
		rows := &fakeRows{}
		search := &fakeSearch{}
		c := NewCoordinator(rows, search, &fakeQueue{})

		if err := c.UpdateCategories(context.Background(), cats); err != nil {
			t.Fatal(err)
		}
		if rows.categories["id1"] != domain.CategoryInterested {
			t.Error("row store not updated")
		}
		if search.categories["id1"] != domain.CategoryInterested {
			t.Error("search store not updated")
		}
	})

	t.Run("search failure is non-fatal", func(t *testing.T) {
		rows := &fakeRows{}
		search := &fakeSearch{catErr: errors.New("mongo down")}
		c := NewCoordinator(rows, search, &fakeQueue{})

		if err := c.UpdateCategories(context.Background(), cats); err != nil {
			t.Errorf("UpdateCategories() error = %v, want nil", err)
		}
	})
}
