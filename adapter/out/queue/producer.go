package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"mailbridge/core/domain"
	"mailbridge/pkg/apperr"
	"mailbridge/pkg/logger"
)

// Producer enqueues sync jobs. A nil client means the broker was unreachable
// at startup; the producer then reports unavailable and the write coordinator
// falls back to synchronous indexing.
type Producer struct {
	client      *redis.Client
	maxAttempts int
	log         *logger.Logger
}

func NewProducer(client *redis.Client, maxAttempts int) *Producer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Producer{
		client:      client,
		maxAttempts: maxAttempts,
		log:         logger.WithComponent("sync-queue"),
	}
}

// Available reports broker reachability. Loss of the broker never crashes
// the process.
func (p *Producer) Available() bool {
	return p.client != nil
}

func (p *Producer) enqueue(ctx context.Context, jobType domain.SyncJobType, payload any, priority domain.JobPriority) error {
	if !p.Available() {
		return apperr.QueueUnavailable(nil)
	}

	job, err := NewJob(jobType, payload, priority, p.maxAttempts)
	if err != nil {
		return apperr.Internal(err, "failed to marshal job payload")
	}
	return p.add(ctx, job)
}

// add publishes a job onto its queue's stream, priority jobs onto the
// priority stream.
func (p *Producer) add(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return apperr.Internal(err, "failed to marshal job")
	}

	queue := queueFor(job.Type)
	stream := streamKey(queue)
	if job.IsPriority() {
		stream = priorityStreamKey(queue)
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"data": string(data)},
	}).Err(); err != nil {
		return apperr.TransientIO(err, "failed to enqueue job")
	}

	p.log.Debug("enqueued %s job %s on %s", job.Type, job.ID, stream)
	return nil
}

// addDelayed schedules a retry: the job sits in the queue's sorted set until
// readyAt, when the consumer's mover publishes it back onto the stream.
func (p *Producer) addDelayed(ctx context.Context, job *Job, readyAt time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return apperr.Internal(err, "failed to marshal delayed job")
	}
	err = p.client.ZAdd(ctx, delayedKey(queueFor(job.Type)), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: string(data),
	}).Err()
	if err != nil {
		return apperr.TransientIO(err, "failed to schedule delayed job")
	}
	return nil
}

func (p *Producer) EnqueueSyncOne(ctx context.Context, payload *domain.SyncOnePayload, priority domain.JobPriority) error {
	return p.enqueue(ctx, domain.JobSyncOne, payload, priority)
}

func (p *Producer) EnqueueSyncBulk(ctx context.Context, payload *domain.SyncBulkPayload, priority domain.JobPriority) error {
	return p.enqueue(ctx, domain.JobSyncBulk, payload, priority)
}

func (p *Producer) EnqueueReconcile(ctx context.Context, payload *domain.ReconcilePayload, priority domain.JobPriority) error {
	return p.enqueue(ctx, domain.JobReconcile, payload, priority)
}

func (p *Producer) EnqueueReindexAll(ctx context.Context, payload *domain.ReindexAllPayload, priority domain.JobPriority) error {
	return p.enqueue(ctx, domain.JobReindexAll, payload, priority)
}

// recordCompleted keeps the last N completed-job records for operators.
func (p *Producer) recordCompleted(ctx context.Context, job *Job) {
	p.record(ctx, completedKey(queueFor(job.Type)), job, "", completedRetention)
}

// recordFailed keeps the last N dead-job records.
func (p *Producer) recordFailed(ctx context.Context, job *Job, failure string) {
	p.record(ctx, failedKey(queueFor(job.Type)), job, failure, failedRetention)
}

func (p *Producer) record(ctx context.Context, key string, job *Job, failure string, retention int64) {
	if !p.Available() {
		return
	}
	values := map[string]any{
		"job_id":   job.ID,
		"type":     string(job.Type),
		"attempts": strconv.Itoa(job.Attempts),
		"at":       time.Now().UTC().Format(time.RFC3339),
	}
	if failure != "" {
		values["error"] = failure
	}
	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: retention,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		p.log.Warn("failed to record job outcome: %v", err)
	}
}
