// Package gmail ingests mail through the Gmail REST API. The poller runs a
// periodic incremental sync over the inbox window and hands normalized
// batches to the message sink.
package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailbridge/core/domain"
	out "mailbridge/core/port/out"
	"mailbridge/pkg/apperr"
	"mailbridge/pkg/logger"
)

const (
	// Stop rules for one incremental pass: the tail of the window is mostly
	// already stored, so a run of known messages means we caught up.
	stopAfterConsecutiveKnown = 30
	stopAfterTotalKnown       = 100

	rateLimitBaseDelay = 500 * time.Millisecond
	rateLimitMaxDelay  = 30 * time.Second
	maxRateLimitTries  = 6
)

type Settings struct {
	DaysBack     int
	PollInterval time.Duration
	MaxResults   int64
	Concurrency  int
	BatchSize    int
}

func (s *Settings) defaults() {
	if s.DaysBack <= 0 {
		s.DaysBack = 30
	}
	if s.PollInterval <= 0 {
		s.PollInterval = time.Minute
	}
	if s.MaxResults <= 0 {
		s.MaxResults = 500
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 10
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 50
	}
}

// nextPageSize caps one sync pass at MaxResults across pages; zero means the
// cap is reached.
func (s Settings) nextPageSize(listed int) int64 {
	remaining := s.MaxResults - int64(listed)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Poller is the per-account Gmail ingestor.
type Poller struct {
	account  *domain.MailAccount
	tokens   out.TokenSource
	sink     out.MessageSink
	accounts out.AccountRepository
	settings Settings
	log      *logger.Logger
}

func NewPoller(account *domain.MailAccount, tokens out.TokenSource, sink out.MessageSink, accounts out.AccountRepository, settings Settings) *Poller {
	settings.defaults()
	return &Poller{
		account:  account,
		tokens:   tokens,
		sink:     sink,
		accounts: accounts,
		settings: settings,
		log:      logger.WithComponent("gmail-poller").WithAccount(account.Email),
	}
}

// tokenSource adapts the credential store to the oauth2 interface so every
// API call carries a token with at least five minutes of life.
type tokenSource struct {
	ctx    context.Context
	email  string
	tokens out.TokenSource
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	accessToken, err := ts.tokens.GetValidAccessToken(ts.ctx, ts.email)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: accessToken}, nil
}

// Run polls until ctx dies. The first pass covers the full window; later
// passes stop early once they hit already-stored messages.
func (p *Poller) Run(ctx context.Context) error {
	svc, err := gmailapi.NewService(ctx, option.WithTokenSource(&tokenSource{
		ctx:    ctx,
		email:  p.account.Email,
		tokens: p.tokens,
	}))
	if err != nil {
		return apperr.TransientIO(err, "failed to build gmail client")
	}

	p.log.Info("gmail poller started, window %d days", p.settings.DaysBack)
	for {
		if err := p.syncOnce(ctx, svc); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.settings.PollInterval):
		}
	}
}

// syncOnce pages through the inbox window newest-first, fetching bodies
// concurrently and flushing batches to the sink.
func (p *Poller) syncOnce(ctx context.Context, svc *gmailapi.Service) error {
	if err := p.accounts.SetSyncStatus(ctx, p.account.ID, domain.SyncSyncing); err != nil {
		p.log.Warn("failed to set syncing status: %v", err)
	}

	query := fmt.Sprintf("in:inbox newer_than:%dd", p.settings.DaysBack)
	pageToken := ""
	consecutiveKnown := 0
	totalKnown := 0
	indexed := 0
	listed := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		pageSize := p.settings.nextPageSize(listed)
		if pageSize == 0 {
			p.log.Debug("pass cap of %d messages reached", p.settings.MaxResults)
			break
		}

		call := svc.Users.Messages.List("me").Q(query).MaxResults(pageSize)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		page, err := withRateLimit(ctx, p.log, func() (*gmailapi.ListMessagesResponse, error) {
			return call.Context(ctx).Do()
		})
		if err != nil {
			return p.mapError(err, "message list failed")
		}
		if len(page.Messages) == 0 {
			break
		}
		listed += len(page.Messages)

		ids := make([]string, 0, len(page.Messages))
		for _, m := range page.Messages {
			ids = append(ids, m.Id)
		}

		for start := 0; start < len(ids); start += p.settings.BatchSize {
			end := start + p.settings.BatchSize
			if end > len(ids) {
				end = len(ids)
			}

			msgs, err := p.fetchBatch(ctx, svc, ids[start:end])
			if err != nil {
				return err
			}
			result, err := p.sink.Ingest(ctx, msgs)
			if err != nil {
				return err
			}
			indexed += result.Indexed
			totalKnown += result.Skipped
			if result.Indexed == 0 {
				consecutiveKnown += result.Skipped
			} else {
				consecutiveKnown = 0
			}

			if consecutiveKnown >= stopAfterConsecutiveKnown || totalKnown >= stopAfterTotalKnown {
				p.log.Debug("caught up: %d consecutive known, %d total known", consecutiveKnown, totalKnown)
				p.finishPass(ctx, indexed)
				return nil
			}
		}

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}

	p.finishPass(ctx, indexed)
	return nil
}

func (p *Poller) finishPass(ctx context.Context, indexed int) {
	if indexed > 0 {
		p.log.Info("sync pass indexed %d messages", indexed)
	}
	if err := p.accounts.SetLastSyncAt(ctx, p.account.ID, time.Now().UTC()); err != nil {
		p.log.Warn("failed to record last sync: %v", err)
	}
	if err := p.accounts.SetSyncStatus(ctx, p.account.ID, domain.SyncIdle); err != nil {
		p.log.Warn("failed to set idle status: %v", err)
	}
}

// fetchBatch loads full messages with a bounded number of in-flight calls.
// Order within the batch is preserved.
func (p *Poller) fetchBatch(ctx context.Context, svc *gmailapi.Service, ids []string) ([]*domain.Message, error) {
	type slot struct {
		msg *domain.Message
		err error
	}

	slots := make([]slot, len(ids))
	sem := make(chan struct{}, p.settings.Concurrency)
	var wg sync.WaitGroup

	for i, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()
			msg, err := p.fetchOne(ctx, svc, id)
			slots[i] = slot{msg: msg, err: err}
		}(i, id)
	}
	wg.Wait()

	msgs := make([]*domain.Message, 0, len(ids))
	for _, s := range slots {
		if s.err != nil {
			return nil, s.err
		}
		if s.msg != nil {
			msgs = append(msgs, s.msg)
		}
	}
	return msgs, nil
}

// isMetadataScopeError matches the 403 Gmail returns when the grant only
// covers metadata. Other 403s (quota, policy) are real failures and must
// reach the caller.
func isMetadataScopeError(err error) bool {
	apiErr, ok := err.(*googleapi.Error)
	return ok && apiErr.Code == 403 && strings.Contains(apiErr.Message, "Metadata scope")
}

// fetchOne retrieves one message. A scope-403 on the full format means the
// grant only covers metadata, so the fetch downgrades and keeps the snippet
// as body.
func (p *Poller) fetchOne(ctx context.Context, svc *gmailapi.Service, id string) (*domain.Message, error) {
	full, err := withRateLimit(ctx, p.log, func() (*gmailapi.Message, error) {
		return svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	})
	if err != nil {
		if isMetadataScopeError(err) {
			p.log.Debug("full format refused for %s, falling back to metadata", id)
			full, err = withRateLimit(ctx, p.log, func() (*gmailapi.Message, error) {
				return svc.Users.Messages.Get("me", id).Format("metadata").
					MetadataHeaders("From", "To", "Cc", "Subject", "Date").
					Context(ctx).Do()
			})
		}
		if err != nil {
			return nil, p.mapError(err, "message fetch failed")
		}
	}
	return p.toMessage(full), nil
}

// withRateLimit retries 429s with jittered exponential backoff.
func withRateLimit[T any](ctx context.Context, log *logger.Logger, call func() (T, error)) (T, error) {
	var zero T
	delay := rateLimitBaseDelay
	for attempt := 0; ; attempt++ {
		result, err := call()
		if err == nil {
			return result, nil
		}
		apiErr, ok := err.(*googleapi.Error)
		if !ok || apiErr.Code != 429 || attempt >= maxRateLimitTries {
			return zero, err
		}

		jittered := delay/2 + time.Duration(rand.Int63n(int64(delay)))
		if jittered > rateLimitMaxDelay {
			jittered = rateLimitMaxDelay
		}
		log.Warn("rate limited, backing off %s", jittered)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(jittered):
		}
		delay *= 2
		if delay > rateLimitMaxDelay {
			delay = rateLimitMaxDelay
		}
	}
}

// mapError converts API failures to the shared taxonomy so the supervisor
// can tell a dead grant from a blip.
func (p *Poller) mapError(err error, msg string) error {
	if appErr, ok := apperr.AsAppError(err); ok {
		return appErr
	}
	if apiErr, ok := err.(*googleapi.Error); ok {
		switch apiErr.Code {
		case 401:
			return apperr.AuthExpired(err, msg)
		case 429:
			return apperr.RateLimited(err, msg)
		}
	}
	return apperr.TransientIO(err, msg)
}

// toMessage normalizes one API message into the canonical record.
func (p *Poller) toMessage(m *gmailapi.Message) *domain.Message {
	msg := &domain.Message{
		ID:        domain.MessageID(p.account.Email, m.Id),
		AccountID: p.account.ID,
		Folder:    "inbox",
		UID:       m.Id,
		Date:      time.UnixMilli(m.InternalDate).UTC(),
		Body:      m.Snippet,
	}

	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "subject":
				msg.Subject = h.Value
			case "from":
				msg.From = domain.ParseAddress(h.Value)
			case "to":
				msg.To = domain.ParseAddressList(h.Value)
			case "cc":
				msg.Cc = domain.ParseAddressList(h.Value)
			case "date":
				if t, err := parseRFC2822(h.Value); err == nil {
					msg.Date = t
				}
			}
		}
		text, html := extractBodies(m.Payload)
		msg.TextBody = text
		msg.HTMLBody = html
		if text != "" {
			msg.Body = text
		} else if html != "" {
			msg.Body = html
		}
	}

	for _, label := range m.LabelIds {
		if label == "UNREAD" {
			msg.Flags = append(msg.Flags, "unread")
		}
	}

	msg.Normalize()
	return msg
}

// decodeBody handles the unpadded base64url the API emits, plus the padded
// and standard variants seen from other producers.
func decodeBody(data string) ([]byte, bool) {
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	} {
		if decoded, err := enc.DecodeString(data); err == nil {
			return decoded, true
		}
	}
	return nil, false
}

// extractBodies walks the MIME tree collecting the first text and html
// parts.
func extractBodies(part *gmailapi.MessagePart) (text, html string) {
	if part == nil {
		return "", ""
	}
	if part.Body != nil && part.Body.Data != "" {
		if decoded, ok := decodeBody(part.Body.Data); ok {
			switch part.MimeType {
			case "text/plain":
				return string(decoded), ""
			case "text/html":
				return "", string(decoded)
			}
		}
	}
	for _, child := range part.Parts {
		t, h := extractBodies(child)
		if text == "" {
			text = t
		}
		if html == "" {
			html = h
		}
		if text != "" && html != "" {
			break
		}
	}
	return text, html
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
}

func parseRFC2822(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if idx := strings.Index(value, " ("); idx > 0 {
		value = value[:idx]
	}
	var lastErr error
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}
