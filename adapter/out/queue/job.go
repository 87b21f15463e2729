// Package queue implements the durable sync queue on Redis Streams: one
// stream pair (normal + priority) per named queue, consumer groups for
// at-least-once delivery, a sorted set for delayed retries, and a dead-letter
// stream per queue.
package queue

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"mailbridge/core/domain"
)

// Job is the wire shape stored in stream entries under the "data" field.
type Job struct {
	ID          string             `json:"id"`
	Type        domain.SyncJobType `json:"type"`
	Payload     json.RawMessage    `json:"payload"`
	Priority    domain.JobPriority `json:"priority"`
	Attempts    int                `json:"attempts"`
	MaxAttempts int                `json:"max_attempts"`
	EnqueuedAt  time.Time          `json:"enqueued_at"`
}

// NewJob wraps a payload. The payload must marshal cleanly; callers pass
// domain payload structs.
func NewJob(jobType domain.SyncJobType, payload any, priority domain.JobPriority, maxAttempts int) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     raw,
		Priority:    priority,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}, nil
}

// IsPriority reports whether the job should land on the priority stream.
func (j *Job) IsPriority() bool {
	return j.Priority <= domain.PriorityHigh
}

// ParsePayload decodes a job payload into its typed form.
func ParsePayload[T any](j *Job) (*T, error) {
	var p T
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// queueFor maps a job type onto its named queue.
func queueFor(jobType domain.SyncJobType) string {
	switch jobType {
	case domain.JobSyncOne:
		return QueueEmailSync
	case domain.JobReconcile:
		return QueueReconciliation
	default:
		return QueueBulkSync
	}
}

// Named queues, mirrored from the port constants to keep this package
// self-contained for key construction.
const (
	QueueEmailSync      = "email-sync"
	QueueBulkSync       = "bulk-sync"
	QueueReconciliation = "email-reconciliation"
)

// Retention of finished-job records.
const (
	completedRetention = 100
	failedRetention    = 500
)

func streamKey(queue string) string         { return "queue:" + queue }
func priorityStreamKey(queue string) string { return "queue:" + queue + ":priority" }
func delayedKey(queue string) string        { return "queue:" + queue + ":delayed" }
func dlqKey(queue string) string            { return "dlq:queue:" + queue }
func completedKey(queue string) string      { return "queue:" + queue + ":completed" }
func failedKey(queue string) string         { return "queue:" + queue + ":failed" }
