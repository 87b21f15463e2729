// Package llm adapts the chat-completions API behind the classifier port.
package llm

import (
	"context"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"

	"mailbridge/pkg/apperr"
	"mailbridge/pkg/logger"
)

// Client calls the model in JSON mode behind a circuit breaker, so a broken
// or rate-limited provider sheds load fast instead of stalling the runner.
type Client struct {
	api       *openai.Client
	model     string
	maxTokens int
	timeout   time.Duration
	breaker   *gobreaker.CircuitBreaker
	log       *logger.Logger
}

type Settings struct {
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

func NewClient(settings Settings) *Client {
	log := logger.WithComponent("llm-client")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("breaker %s: %s -> %s", name, from, to)
		},
	})
	return &Client{
		api:       openai.NewClient(settings.APIKey),
		model:     settings.Model,
		maxTokens: settings.MaxTokens,
		timeout:   settings.Timeout,
		breaker:   breaker,
		log:       log,
	}
}

// CompleteJSON sends the prompt and returns the raw JSON body of the first
// choice.
func (c *Client) CompleteJSON(ctx context.Context, prompt string) (string, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.api.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model:       c.model,
			Temperature: 0.1,
			MaxTokens:   c.maxTokens,
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return nil, apperr.ClassificationParse("model returned no choices")
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return "", apperr.TransientIO(err, "classifier circuit open")
		}
		if apiErr, ok := err.(*openai.APIError); ok && apiErr.HTTPStatusCode == 429 {
			return "", apperr.RateLimited(err, "classifier rate limited")
		}
		if appErr, ok := apperr.AsAppError(err); ok {
			return "", appErr
		}
		return "", apperr.TransientIO(err, "classifier call failed")
	}

	body, _ := result.(string)
	return strings.TrimSpace(body), nil
}
