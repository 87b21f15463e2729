package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mailbridge/pkg/apperr"
)

// Handler processes one job. A returned error triggers the retry policy;
// non-retriable errors (see apperr.IsRetriable) go straight to the DLQ.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// ConsumerConfig configures one named queue's consumer.
type ConsumerConfig struct {
	Queue       string
	Group       string
	Consumer    string
	Concurrency int
	RetryDelay  time.Duration // exponential backoff base
	StallAfter  time.Duration // pending longer than this is re-entered
	JobTimeout  time.Duration
}

func (c *ConsumerConfig) defaults() {
	if c.Group == "" {
		c.Group = "mailbridge"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.StallAfter <= 0 {
		c.StallAfter = time.Minute
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = time.Minute
	}
}

// delivery is one claimed stream entry and its decoded job.
type delivery struct {
	stream string
	msgID  string
	job    *Job
}

// Consumer drains one named queue through a bounded worker pool. The
// priority stream is read before the normal stream on every cycle.
type Consumer struct {
	client   *redis.Client
	producer *Producer
	handler  Handler
	cfg      ConsumerConfig
	workers  *pool.WorkerGroup[*delivery]
	log      zerolog.Logger
}

func NewConsumer(client *redis.Client, producer *Producer, handler Handler, cfg ConsumerConfig, log zerolog.Logger) *Consumer {
	cfg.defaults()
	return &Consumer{
		client:   client,
		producer: producer,
		handler:  handler,
		cfg:      cfg,
		log:      log.With().Str("queue", cfg.Queue).Logger(),
	}
}

type deliveryWorker struct {
	c *Consumer
}

func (w *deliveryWorker) Do(ctx context.Context, d *delivery) error {
	w.c.process(ctx, d)
	return nil
}

// Run blocks until ctx is canceled, draining active jobs on the way out.
func (c *Consumer) Run(ctx context.Context) error {
	streams := []string{priorityStreamKey(c.cfg.Queue), streamKey(c.cfg.Queue)}
	for _, stream := range streams {
		c.createConsumerGroup(ctx, stream)
	}

	c.workers = pool.New[*delivery](c.cfg.Concurrency, &deliveryWorker{c: c}).
		WithContinueOnError()
	if err := c.workers.Go(ctx); err != nil {
		return err
	}

	go c.moveDelayed(ctx)
	go c.claimStalled(ctx, streams)

	c.log.Info().
		Int("concurrency", c.cfg.Concurrency).
		Str("consumer", c.cfg.Consumer).
		Msg("queue consumer started")

	for {
		select {
		case <-ctx.Done():
			closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := c.workers.Close(closeCtx); err != nil {
				c.log.Warn().Err(err).Msg("worker pool close timed out")
			}
			return ctx.Err()
		default:
		}

		args := make([]string, 0, len(streams)*2)
		args = append(args, streams...)
		for range streams {
			args = append(args, ">")
		}

		result, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  args,
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			c.log.Error().Err(err).Msg("error reading from streams")
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range result {
			for _, msg := range stream.Messages {
				d, err := c.decode(stream.Stream, msg)
				if err != nil {
					c.log.Error().Err(err).Str("id", msg.ID).Msg("dropping undecodable entry")
					c.client.XAck(ctx, stream.Stream, c.cfg.Group, msg.ID)
					continue
				}
				c.workers.Submit(d)
			}
		}
	}
}

func (c *Consumer) decode(stream string, msg redis.XMessage) (*delivery, error) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		return nil, errors.New("entry missing data field")
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, err
	}
	return &delivery{stream: stream, msgID: msg.ID, job: &job}, nil
}

// process runs one job to completion, acking the stream entry in every
// outcome; redelivery happens through the delayed set, not the stream.
func (c *Consumer) process(ctx context.Context, d *delivery) {
	jobCtx, cancel := context.WithTimeout(ctx, c.cfg.JobTimeout)
	err := c.handler.Handle(jobCtx, d.job)
	cancel()

	if ackErr := c.client.XAck(ctx, d.stream, c.cfg.Group, d.msgID).Err(); ackErr != nil {
		c.log.Warn().Err(ackErr).Str("id", d.msgID).Msg("failed to ack entry")
	}

	if err == nil {
		c.producer.recordCompleted(ctx, d.job)
		c.log.Debug().Str("job", d.job.ID).Str("type", string(d.job.Type)).Msg("job completed")
		return
	}

	d.job.Attempts++
	dead := !apperr.IsRetriable(err) || d.job.Attempts >= d.job.MaxAttempts
	if dead {
		c.moveToDLQ(ctx, d, err)
		return
	}

	delay := c.cfg.RetryDelay << (d.job.Attempts - 1)
	if retryErr := c.producer.addDelayed(ctx, d.job, time.Now().Add(delay)); retryErr != nil {
		c.log.Error().Err(retryErr).Str("job", d.job.ID).Msg("failed to schedule retry, sending to DLQ")
		c.moveToDLQ(ctx, d, err)
		return
	}
	c.log.Warn().
		Err(err).
		Str("job", d.job.ID).
		Int("attempt", d.job.Attempts).
		Dur("delay", delay).
		Msg("job failed, retry scheduled")
}

func (c *Consumer) moveToDLQ(ctx context.Context, d *delivery, cause error) {
	data, err := json.Marshal(d.job)
	if err != nil {
		c.log.Error().Err(err).Str("job", d.job.ID).Msg("failed to marshal dead job")
		return
	}
	values := map[string]any{
		"data":            string(data),
		"original_stream": d.stream,
		"original_id":     d.msgID,
		"error":           cause.Error(),
		"failed_at":       time.Now().UTC().Format(time.RFC3339),
		"consumer":        c.cfg.Consumer,
	}
	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqKey(c.cfg.Queue),
		Values: values,
	}).Err(); err != nil {
		c.log.Error().Err(err).Str("job", d.job.ID).Msg("failed to move job to DLQ")
		return
	}
	c.producer.recordFailed(ctx, d.job, cause.Error())
	c.log.Warn().Str("job", d.job.ID).Str("type", string(d.job.Type)).Msg("job moved to DLQ")
}

// moveDelayed publishes due retries back onto their stream.
func (c *Consumer) moveDelayed(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	key := delayedKey(c.cfg.Queue)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		members, err := c.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   formatScore(time.Now()),
			Count: 100,
		}).Result()
		if err != nil || len(members) == 0 {
			continue
		}

		for _, member := range members {
			var job Job
			if err := json.Unmarshal([]byte(member), &job); err != nil {
				c.client.ZRem(ctx, key, member)
				continue
			}
			if err := c.producer.add(ctx, &job); err != nil {
				c.log.Warn().Err(err).Str("job", job.ID).Msg("failed to republish delayed job")
				continue
			}
			c.client.ZRem(ctx, key, member)
		}
	}
}

// claimStalled re-enters entries whose consumer died before acking.
func (c *Consumer) claimStalled(ctx context.Context, streams []string) {
	interval := c.cfg.StallAfter / 2
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, stream := range streams {
			pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream,
				Group:  c.cfg.Group,
				Start:  "-",
				End:    "+",
				Count:  100,
			}).Result()
			if err != nil {
				continue
			}

			for _, p := range pending {
				if p.Idle < c.cfg.StallAfter {
					continue
				}
				claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
					Stream:   stream,
					Group:    c.cfg.Group,
					Consumer: c.cfg.Consumer,
					MinIdle:  c.cfg.StallAfter,
					Messages: []string{p.ID},
				}).Result()
				if err != nil {
					continue
				}
				for _, msg := range claimed {
					d, err := c.decode(stream, msg)
					if err != nil {
						c.client.XAck(ctx, stream, c.cfg.Group, msg.ID)
						continue
					}
					c.log.Info().Str("id", msg.ID).Dur("idle", p.Idle).Msg("re-entered stalled entry")
					c.workers.Submit(d)
				}
			}
		}
	}
}

func (c *Consumer) createConsumerGroup(ctx context.Context, stream string) {
	err := c.client.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		c.log.Warn().Err(err).Str("stream", stream).Msg("error creating consumer group")
	}
}

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
