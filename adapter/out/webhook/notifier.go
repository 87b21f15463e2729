// Package webhook fans Interested notifications out to Slack and a generic
// HTTP sink. Delivery is best effort; a failed webhook never fails the
// pipeline that triggered it.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"mailbridge/core/domain"
	"mailbridge/pkg/apperr"
	"mailbridge/pkg/logger"
)

const snippetChars = 200

// Notifier posts to every configured sink in parallel. Unconfigured sinks
// are skipped silently.
type Notifier struct {
	slackURL   string
	genericURL string
	client     *http.Client
	log        *logger.Logger
}

type Settings struct {
	SlackWebhookURL   string
	GenericWebhookURL string
	Timeout           time.Duration
}

func NewNotifier(settings Settings) *Notifier {
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		slackURL:   settings.SlackWebhookURL,
		genericURL: settings.GenericWebhookURL,
		client:     &http.Client{Timeout: timeout},
		log:        logger.WithComponent("notifier"),
	}
}

// NotifyInterested delivers to all sinks and waits for both. Failures are
// logged with the notification error code and swallowed.
func (n *Notifier) NotifyInterested(ctx context.Context, msg *domain.Message, accountEmail string) {
	var wg sync.WaitGroup

	if n.slackURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.post(ctx, n.slackURL, slackPayload(msg, accountEmail)); err != nil {
				n.log.WithError(apperr.NotificationFailure(err, "slack delivery failed")).
					Warn("slack webhook failed for %s", msg.ID)
			}
		}()
	}

	if n.genericURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.post(ctx, n.genericURL, genericPayload(msg, accountEmail)); err != nil {
				n.log.WithError(apperr.NotificationFailure(err, "webhook delivery failed")).
					Warn("generic webhook failed for %s", msg.ID)
			}
		}()
	}

	wg.Wait()
}

func (n *Notifier) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sink returned %s", resp.Status)
	}
	return nil
}

// slackPayload renders the Block Kit card: header, a field grid and a body
// snippet.
func slackPayload(msg *domain.Message, accountEmail string) map[string]any {
	category := ""
	if msg.Category != nil {
		category = string(*msg.Category)
	}

	return map[string]any{
		"blocks": []map[string]any{
			{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": "New Interested Lead",
				},
			},
			{
				"type": "section",
				"fields": []map[string]any{
					{"type": "mrkdwn", "text": "*From:*\n" + msg.From.String()},
					{"type": "mrkdwn", "text": "*Subject:*\n" + msg.Subject},
					{"type": "mrkdwn", "text": "*Account:*\n" + accountEmail},
					{"type": "mrkdwn", "text": "*Category:*\n" + category},
				},
			},
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": snippet(msg.Body),
				},
			},
		},
	}
}

// genericPayload carries the full record plus the event envelope.
func genericPayload(msg *domain.Message, accountEmail string) map[string]any {
	return map[string]any{
		"event":         "email.interested",
		"account_email": accountEmail,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"email":         msg,
	}
}

func snippet(body string) string {
	runes := []rune(body)
	if len(runes) <= snippetChars {
		return body
	}
	return string(runes[:snippetChars]) + "..."
}
