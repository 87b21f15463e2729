// Package categorize runs LLM classification over uncategorized messages.
// A single runner processes the backlog; overlapping triggers are refused
// rather than queued.
package categorize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"mailbridge/core/domain"
	out "mailbridge/core/port/out"
	"mailbridge/pkg/apperr"
	"mailbridge/pkg/logger"
)

var ErrAlreadyRunning = errors.New("categorization run already in progress")

const (
	maxBodyChars    = 1000
	backlogPageSize = 1000
)

// CategoryWriter flushes accepted classifications to both stores. The write
// coordinator implements it.
type CategoryWriter interface {
	UpdateCategories(ctx context.Context, categories map[string]domain.Category) error
}

// RunSummary reports one backlog pass.
type RunSummary struct {
	Processed   int `json:"processed"`
	Categorized int `json:"categorized"`
	Failed      int `json:"failed"`
	Notified    int `json:"notified"`
}

type Settings struct {
	BatchSize  int
	BatchDelay time.Duration
}

// Service is the categorization runner.
type Service struct {
	rows       out.MessageRepository
	accounts   out.AccountRepository
	writer     CategoryWriter
	classifier out.LLMClassifier
	notifier   out.Notifier
	settings   Settings
	log        *logger.Logger

	mu      sync.Mutex
	running bool
	rootCtx context.Context
	stop    context.CancelFunc
}

func NewService(rows out.MessageRepository, accounts out.AccountRepository, writer CategoryWriter, classifier out.LLMClassifier, notifier out.Notifier, settings Settings) *Service {
	if settings.BatchSize <= 0 {
		settings.BatchSize = 10
	}
	return &Service{
		rows:       rows,
		accounts:   accounts,
		writer:     writer,
		classifier: classifier,
		notifier:   notifier,
		settings:   settings,
		log:        logger.WithComponent("categorizer"),
	}
}

// Start binds the runner to its lifecycle context. Runs triggered later stop
// when this context is canceled.
func (s *Service) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.rootCtx = runCtx
	s.stop = cancel
	s.mu.Unlock()
}

// Stop cancels the lifecycle context; an in-flight run finishes its current
// batch and exits.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		s.stop()
	}
}

// Trigger starts one backlog pass and returns a channel that delivers the
// summary when the pass finishes. A second trigger while one is running
// returns ErrAlreadyRunning.
func (s *Service) Trigger() (<-chan *RunSummary, error) {
	s.mu.Lock()
	if s.rootCtx == nil {
		s.mu.Unlock()
		return nil, errors.New("categorizer not started")
	}
	if s.running {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	s.running = true
	ctx := s.rootCtx
	s.mu.Unlock()

	done := make(chan *RunSummary, 1)
	go func() {
		defer func() {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}()
		summary := s.runPass(ctx)
		done <- summary
		close(done)
	}()
	return done, nil
}

// runPass drains the uncategorized backlog in batches, stopping between
// batches on cancellation.
func (s *Service) runPass(ctx context.Context) *RunSummary {
	summary := &RunSummary{}
	s.log.Info("categorization pass started")

	ids, err := s.rows.ListUncategorizedIDs(ctx, backlogPageSize)
	if err != nil {
		s.log.Error("failed to list uncategorized backlog: %v", err)
		return summary
	}

	for start := 0; start < len(ids); start += s.settings.BatchSize {
		if ctx.Err() != nil {
			s.log.Info("categorization pass stopped at %d/%d", start, len(ids))
			break
		}
		end := start + s.settings.BatchSize
		if end > len(ids) {
			end = len(ids)
		}

		s.classifyBatch(ctx, ids[start:end], summary)

		if s.settings.BatchDelay > 0 && end < len(ids) {
			select {
			case <-ctx.Done():
			case <-time.After(s.settings.BatchDelay):
			}
		}
	}

	s.log.Info("categorization pass finished: processed=%d categorized=%d failed=%d notified=%d",
		summary.Processed, summary.Categorized, summary.Failed, summary.Notified)
	return summary
}

// CategorizeByID classifies a single message immediately, outside the runner.
func (s *Service) CategorizeByID(ctx context.Context, messageID string) (*RunSummary, error) {
	summary := &RunSummary{}
	s.classifyBatch(ctx, []string{messageID}, summary)
	if summary.Categorized == 0 && summary.Failed > 0 {
		return summary, apperr.ClassificationParse("classification rejected for " + messageID)
	}
	return summary, nil
}

// classifyBatch runs one model call over a batch. A whole-batch failure is
// counted but never aborts the pass; a per-id rejection drops only that id.
func (s *Service) classifyBatch(ctx context.Context, ids []string, summary *RunSummary) {
	msgs, err := s.rows.GetByIDs(ctx, ids)
	if err != nil {
		s.log.Error("failed to load batch: %v", err)
		summary.Failed += len(ids)
		return
	}
	if len(msgs) == 0 {
		return
	}
	summary.Processed += len(msgs)

	prompt, err := buildPrompt(msgs)
	if err != nil {
		s.log.Error("failed to build prompt: %v", err)
		summary.Failed += len(msgs)
		return
	}

	raw, err := s.classifier.CompleteJSON(ctx, prompt)
	if err != nil {
		s.log.Error("classifier call failed for batch of %d: %v", len(msgs), err)
		summary.Failed += len(msgs)
		return
	}

	accepted, rejected := parseResults(raw, msgs)
	summary.Failed += rejected
	if len(accepted) == 0 {
		return
	}

	categories := make(map[string]domain.Category, len(accepted))
	for id, r := range accepted {
		categories[id] = r.Category
	}
	if err := s.writer.UpdateCategories(ctx, categories); err != nil {
		s.log.Error("failed to flush categories: %v", err)
		summary.Failed += len(accepted)
		return
	}
	summary.Categorized += len(accepted)

	s.notifyInterested(ctx, msgs, accepted, summary)
}

// notifyInterested fires webhooks for messages that just became Interested.
// A message already Interested before this run stays silent.
func (s *Service) notifyInterested(ctx context.Context, msgs []*domain.Message, accepted map[string]acceptedResult, summary *RunSummary) {
	if s.notifier == nil {
		return
	}

	emails := make(map[uuid.UUID]string)
	for _, msg := range msgs {
		r, ok := accepted[msg.ID]
		if !ok || r.Category != domain.CategoryInterested {
			continue
		}
		if msg.Category != nil && *msg.Category == domain.CategoryInterested {
			continue
		}

		email, ok := emails[msg.AccountID]
		if !ok {
			account, err := s.accounts.GetByID(ctx, msg.AccountID)
			if err != nil || account == nil {
				s.log.Warn("cannot resolve account %s for notification: %v", msg.AccountID, err)
				continue
			}
			email = account.Email
			emails[msg.AccountID] = email
		}

		cat := domain.CategoryInterested
		msg.Category = &cat
		s.notifier.NotifyInterested(ctx, msg, email)
		summary.Notified++
	}
}

type acceptedResult struct {
	Category   domain.Category
	Confidence float64
}

type promptItem struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	From    string `json:"from"`
	Body    string `json:"body"`
}

// buildPrompt embeds the batch as escaped JSON so message content cannot
// break out of the instruction frame.
func buildPrompt(msgs []*domain.Message) (string, error) {
	items := make([]promptItem, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, promptItem{
			ID:      m.ID,
			Subject: m.Subject,
			From:    m.From.String(),
			Body:    truncate(m.Body, maxBodyChars),
		})
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return "", err
	}

	labels := make([]string, 0, len(domain.Categories))
	for _, c := range domain.Categories {
		labels = append(labels, string(c))
	}

	return fmt.Sprintf(`You are an email classifier for a sales inbox. Classify each email into exactly one of these categories: %s.

Emails (JSON array):
%s

Respond with a JSON object of this exact shape:
{"results": [{"id": "<email id>", "category": "<one of the categories>", "confidence": <0.0-1.0>, "reasoning": "<one sentence>"}]}

Include one result per input email. Use only the listed category labels, spelled exactly.`,
		strings.Join(labels, ", "), string(payload)), nil
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

type classificationResponse struct {
	Results []struct {
		ID         string  `json:"id"`
		Category   string  `json:"category"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	} `json:"results"`
}

// parseResults validates the model output per id. Unknown ids, unknown
// labels and duplicates are rejected individually; ids the model skipped
// count as rejected too.
func parseResults(raw string, msgs []*domain.Message) (map[string]acceptedResult, int) {
	known := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		known[m.ID] = struct{}{}
	}

	var resp classificationResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		logger.WithComponent("categorizer").Error("unparseable classifier response: %v", err)
		return nil, len(msgs)
	}

	accepted := make(map[string]acceptedResult)
	for _, r := range resp.Results {
		if _, ok := known[r.ID]; !ok {
			continue
		}
		if _, dup := accepted[r.ID]; dup {
			continue
		}
		category, ok := domain.ParseCategory(r.Category)
		if !ok {
			logger.WithComponent("categorizer").Warn("rejected unknown label %q for %s", r.Category, r.ID)
			continue
		}
		accepted[r.ID] = acceptedResult{
			Category:   category,
			Confidence: clamp(r.Confidence),
		}
	}
	return accepted, len(msgs) - len(accepted)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
