package categorize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"mailbridge/core/domain"
	out "mailbridge/core/port/out"
)

type fakeRows struct {
	uncategorized []string
	msgs          map[string]*domain.Message
	listCalls     int
}

func (f *fakeRows) UpsertMessages(context.Context, []*domain.Message) (*out.IngestResult, error) {
	return nil, nil
}
func (f *fakeRows) GetByID(context.Context, string, []uuid.UUID) (*domain.Message, error) {
	return nil, nil
}

func (f *fakeRows) GetByIDs(_ context.Context, ids []string) ([]*domain.Message, error) {
	var msgs []*domain.Message
	for _, id := range ids {
		if m, ok := f.msgs[id]; ok {
			msgs = append(msgs, m)
		}
	}
	return msgs, nil
}

func (f *fakeRows) ListUncategorizedIDs(context.Context, int) ([]string, error) {
	f.listCalls++
	return f.uncategorized, nil
}

func (f *fakeRows) ListIDsByAccount(context.Context, uuid.UUID, int) ([]string, error) {
	return nil, nil
}
func (f *fakeRows) CountByAccount(context.Context) (map[uuid.UUID]int, error) { return nil, nil }
func (f *fakeRows) BulkUpdateCategories(context.Context, map[string]domain.Category) error {
	return nil
}
func (f *fakeRows) Search(context.Context, string, out.SearchFilters, int, int) (*out.SearchResult, error) {
	return nil, nil
}
func (f *fakeRows) DeleteByAccount(context.Context, uuid.UUID) error { return nil }

type fakeAccounts struct {
	byID map[uuid.UUID]*domain.MailAccount
}

func (f *fakeAccounts) Create(context.Context, *domain.MailAccount) error { return nil }

func (f *fakeAccounts) GetByID(_ context.Context, id uuid.UUID) (*domain.MailAccount, error) {
	return f.byID[id], nil
}

func (f *fakeAccounts) GetByUserAndEmail(context.Context, uuid.UUID, string) (*domain.MailAccount, error) {
	return nil, nil
}
func (f *fakeAccounts) ListByUser(context.Context, uuid.UUID) ([]*domain.MailAccount, error) {
	return nil, nil
}
func (f *fakeAccounts) ListActive(context.Context) ([]*domain.MailAccount, error) {
	return nil, nil
}
func (f *fakeAccounts) Update(context.Context, *domain.MailAccount) error { return nil }
func (f *fakeAccounts) SetSyncStatus(context.Context, uuid.UUID, domain.SyncStatus) error {
	return nil
}
func (f *fakeAccounts) SetSyncStatusByEmail(context.Context, string, domain.SyncStatus) error {
	return nil
}
func (f *fakeAccounts) SetLastSyncAt(context.Context, uuid.UUID, time.Time) error { return nil }
func (f *fakeAccounts) Delete(context.Context, uuid.UUID) error                   { return nil }

type fakeWriter struct {
	mu      sync.Mutex
	written []map[string]domain.Category
	err     error
}

func (f *fakeWriter) UpdateCategories(_ context.Context, categories map[string]domain.Category) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.written = append(f.written, categories)
	f.mu.Unlock()
	return nil
}

type fakeClassifier struct {
	respond func(prompt string) (string, error)
	prompts []string
}

func (f *fakeClassifier) CompleteJSON(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.respond(prompt)
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeNotifier) NotifyInterested(_ context.Context, msg *domain.Message, accountEmail string) {
	f.mu.Lock()
	f.calls = append(f.calls, msg.ID+"@"+accountEmail)
	f.mu.Unlock()
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func resultJSON(results ...string) string {
	return fmt.Sprintf(`{"results": [%s]}`, strings.Join(results, ","))
}

func result(id string, category string, confidence float64) string {
	return fmt.Sprintf(`{"id": %q, "category": %q, "confidence": %g, "reasoning": "because"}`,
		id, category, confidence)
}

func TestParseResults(t *testing.T) {
	msgs := []*domain.Message{{ID: "m1"}, {ID: "m2"}, {ID: "m3"}}

	t.Run("all accepted", func(t *testing.T) {
		raw := resultJSON(
			result("m1", "Interested", 0.9),
			result("m2", "Spam", 0.7),
			result("m3", "Out of Office", 0.8),
		)
		accepted, rejected := parseResults(raw, msgs)
		if len(accepted) != 3 || rejected != 0 {
			t.Fatalf("accepted=%d rejected=%d, want 3/0", len(accepted), rejected)
		}
		if accepted["m1"].Category != domain.CategoryInterested {
			t.Errorf("m1 = %q", accepted["m1"].Category)
		}
	})

	t.Run("unknown label rejected per id", func(t *testing.T) {
		raw := resultJSON(
			result("m1", "Very Interested", 0.9),
			result("m2", "Spam", 0.7),
		)
		accepted, rejected := parseResults(raw, msgs)
		if len(accepted) != 1 || rejected != 2 {
			t.Errorf("accepted=%d rejected=%d, want 1/2", len(accepted), rejected)
		}
		if _, ok := accepted["m1"]; ok {
			t.Error("unknown label accepted")
		}
	})

	t.Run("unknown id dropped", func(t *testing.T) {
		raw := resultJSON(result("hallucinated", "Spam", 0.9))
		accepted, rejected := parseResults(raw, msgs)
		if len(accepted) != 0 || rejected != 3 {
			t.Errorf("accepted=%d rejected=%d, want 0/3", len(accepted), rejected)
		}
	})

	t.Run("duplicate keeps first", func(t *testing.T) {
		raw := resultJSON(
			result("m1", "Spam", 0.9),
			result("m1", "Interested", 0.9),
		)
		accepted, _ := parseResults(raw, msgs)
		if accepted["m1"].Category != domain.CategorySpam {
			t.Errorf("m1 = %q, want first result kept", accepted["m1"].Category)
		}
	})

	t.Run("confidence clamped", func(t *testing.T) {
		raw := resultJSON(
			result("m1", "Spam", 1.7),
			result("m2", "Spam", -0.3),
		)
		accepted, _ := parseResults(raw, msgs)
		if accepted["m1"].Confidence != 1 {
			t.Errorf("m1 confidence = %v, want 1", accepted["m1"].Confidence)
		}
		if accepted["m2"].Confidence != 0 {
			t.Errorf("m2 confidence = %v, want 0", accepted["m2"].Confidence)
		}
	})

	t.Run("malformed response rejects whole batch", func(t *testing.T) {
		accepted, rejected := parseResults("I think these are all spam", msgs)
		if len(accepted) != 0 || rejected != 3 {
			t.Errorf("accepted=%d rejected=%d, want 0/3", len(accepted), rejected)
		}
	})

	t.Run("missing ids count as rejected", func(t *testing.T) {
		raw := resultJSON(result("m1", "Spam", 0.9))
		accepted, rejected := parseResults(raw, msgs)
		if len(accepted) != 1 || rejected != 2 {
			t.Errorf("accepted=%d rejected=%d, want 1/2", len(accepted), rejected)
		}
	})
}

func TestBuildPrompt(t *testing.T) {
	msgs := []*domain.Message{{
		ID:      "m1",
		Subject: `Re: "quote"`,
		From:    domain.Address{Name: "Alice", Address: "alice@example.com"},
		Body:    strings.Repeat("x", 2000),
	}}

	prompt, err := buildPrompt(msgs)
	if err != nil {
		t.Fatal(err)
	}
	for _, label := range domain.Categories {
		if !strings.Contains(prompt, string(label)) {
			t.Errorf("prompt missing label %q", label)
		}
	}
	if !strings.Contains(prompt, `\"quote\"`) {
		t.Error("subject not JSON-escaped in prompt")
	}
	if strings.Contains(prompt, strings.Repeat("x", 1001)) {
		t.Error("body not truncated to the cap")
	}
}

func newTestService(rows *fakeRows, accounts *fakeAccounts, writer *fakeWriter, classifier *fakeClassifier, notifier *fakeNotifier, batchSize int) *Service {
	return NewService(rows, accounts, writer, classifier, notifier, Settings{BatchSize: batchSize})
}

func TestTrigger_RunsBacklogInBatches(t *testing.T) {
	accountID := uuid.New()
	rows := &fakeRows{
		uncategorized: []string{"m1", "m2", "m3"},
		msgs: map[string]*domain.Message{
			"m1": {ID: "m1", AccountID: accountID, Subject: "a"},
			"m2": {ID: "m2", AccountID: accountID, Subject: "b"},
			"m3": {ID: "m3", AccountID: accountID, Subject: "c"},
		},
	}
	accounts := &fakeAccounts{byID: map[uuid.UUID]*domain.MailAccount{
		accountID: {ID: accountID, Email: "user@example.com"},
	}}
	writer := &fakeWriter{}
	classifier := &fakeClassifier{
		respond: func(prompt string) (string, error) {
			var results []string
			for _, id := range []string{"m1", "m2", "m3"} {
				if strings.Contains(prompt, id) {
					results = append(results, result(id, "Not Interested", 0.8))
				}
			}
			return resultJSON(results...), nil
		},
	}
	notifier := &fakeNotifier{}

	s := newTestService(rows, accounts, writer, classifier, notifier, 2)
	s.Start(context.Background())
	defer s.Stop()

	done, err := s.Trigger()
	if err != nil {
		t.Fatal(err)
	}
	summary := <-done

	if summary.Processed != 3 || summary.Categorized != 3 || summary.Failed != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if len(classifier.prompts) != 2 {
		t.Errorf("model calls = %d, want 2 (batch size 2 over 3 ids)", len(classifier.prompts))
	}
	if notifier.count() != 0 {
		t.Errorf("notified = %d for Not Interested results", notifier.count())
	}
}

func TestTrigger_RefusesOverlap(t *testing.T) {
	release := make(chan struct{})
	rows := &fakeRows{
		uncategorized: []string{"m1"},
		msgs:          map[string]*domain.Message{"m1": {ID: "m1"}},
	}
	classifier := &fakeClassifier{
		respond: func(string) (string, error) {
			<-release
			return resultJSON(result("m1", "Spam", 0.9)), nil
		},
	}
	s := newTestService(rows, &fakeAccounts{}, &fakeWriter{}, classifier, nil, 10)
	s.Start(context.Background())
	defer s.Stop()

	first, err := s.Trigger()
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		_, err = s.Trigger()
		if err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("second trigger never refused")
		}
	}
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("err = %v, want ErrAlreadyRunning", err)
	}

	close(release)
	<-first

	// The running flag clears shortly after the summary is delivered.
	deadline = time.Now().Add(time.Second)
	for {
		if _, err := s.Trigger(); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("retrigger after completion never succeeded")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNotify_OnlyNewlyInterested(t *testing.T) {
	accountID := uuid.New()
	already := domain.CategoryInterested
	rows := &fakeRows{
		uncategorized: []string{"fresh", "repeat"},
		msgs: map[string]*domain.Message{
			"fresh":  {ID: "fresh", AccountID: accountID},
			"repeat": {ID: "repeat", AccountID: accountID, Category: &already},
		},
	}
	accounts := &fakeAccounts{byID: map[uuid.UUID]*domain.MailAccount{
		accountID: {ID: accountID, Email: "user@example.com"},
	}}
	classifier := &fakeClassifier{
		respond: func(string) (string, error) {
			return resultJSON(
				result("fresh", "Interested", 0.9),
				result("repeat", "Interested", 0.9),
			), nil
		},
	}
	notifier := &fakeNotifier{}

	s := newTestService(rows, accounts, &fakeWriter{}, classifier, notifier, 10)
	s.Start(context.Background())
	defer s.Stop()

	done, err := s.Trigger()
	if err != nil {
		t.Fatal(err)
	}
	summary := <-done

	if summary.Notified != 1 {
		t.Errorf("Notified = %d, want 1", summary.Notified)
	}
	if notifier.count() != 1 || notifier.calls[0] != "fresh@user@example.com" {
		t.Errorf("calls = %v, want only the newly Interested message", notifier.calls)
	}
}

func TestClassifyBatch_ModelFailureCountsBatch(t *testing.T) {
	rows := &fakeRows{
		uncategorized: []string{"m1", "m2"},
		msgs: map[string]*domain.Message{
			"m1": {ID: "m1"}, "m2": {ID: "m2"},
		},
	}
	classifier := &fakeClassifier{
		respond: func(string) (string, error) {
			return "", errors.New("model unavailable")
		},
	}
	s := newTestService(rows, &fakeAccounts{}, &fakeWriter{}, classifier, nil, 10)
	s.Start(context.Background())
	defer s.Stop()

	done, _ := s.Trigger()
	summary := <-done
	if summary.Failed != 2 || summary.Categorized != 0 {
		t.Errorf("summary = %+v, want 2 failed", summary)
	}
}

func TestCategorizeByID(t *testing.T) {
	rows := &fakeRows{msgs: map[string]*domain.Message{"m1": {ID: "m1"}}}
	classifier := &fakeClassifier{
		respond: func(string) (string, error) {
			return resultJSON(result("m1", "Meeting Booked", 0.95)), nil
		},
	}
	writer := &fakeWriter{}
	s := newTestService(rows, &fakeAccounts{}, writer, classifier, nil, 10)

	summary, err := s.CategorizeByID(context.Background(), "m1")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Categorized != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if len(writer.written) != 1 || writer.written[0]["m1"] != domain.CategoryMeetingBooked {
		t.Errorf("written = %+v", writer.written)
	}
}
