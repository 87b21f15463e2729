package out

import (
	"context"

	"mailbridge/core/domain"
)

// MessageSink receives normalized message batches from an ingestor. The
// write coordinator is the production implementation.
type MessageSink interface {
	Ingest(ctx context.Context, msgs []*domain.Message) (*IngestResult, error)
}

// Ingestor is one long-lived per-account fetcher. Run blocks until ctx is
// canceled or the session dies; the supervisor owns restarts.
type Ingestor interface {
	Run(ctx context.Context) error
}

// TokenSource hands out access tokens that are valid for at least five more
// minutes at dispatch time.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, accountEmail string) (string, error)
}

// LLMClassifier performs one JSON-mode classification call over a batch
// prompt and returns the raw response body for parsing.
type LLMClassifier interface {
	CompleteJSON(ctx context.Context, prompt string) (string, error)
}

// Notifier fans out an Interested message to the configured webhook sinks.
// Implementations log per-sink failures and never return pipeline errors.
type Notifier interface {
	NotifyInterested(ctx context.Context, msg *domain.Message, accountEmail string)
}
