package bootstrap

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"mailbridge/adapter/out/queue"
	"mailbridge/config"
	"mailbridge/pkg/logger"
)

// Worker is the background process: queue consumers, the per-account
// ingestion supervisor, the categorizer and the reconciliation loop.
type Worker struct {
	deps      *Dependencies
	consumers []*queue.Consumer
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	zlog      zerolog.Logger
}

func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}

	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Str("component", "worker").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		zlog:   zlog,
	}

	if deps.Redis != nil {
		handler := queue.NewSyncWorker(deps.Messages, deps.Search, deps.Reconciler, zlog)
		for _, cc := range []queue.ConsumerConfig{
			{
				Queue:       queue.QueueEmailSync,
				Consumer:    cfg.WorkerID,
				Concurrency: cfg.QueueConcurrency,
				RetryDelay:  cfg.QueueRetryDelay,
				StallAfter:  cfg.QueueStallAfter,
			},
			{
				Queue:       queue.QueueBulkSync,
				Consumer:    cfg.WorkerID,
				Concurrency: 1,
				RetryDelay:  cfg.QueueRetryDelay,
				StallAfter:  cfg.QueueStallAfter,
				JobTimeout:  cfg.BulkJobTimeout,
			},
			{
				Queue:       queue.QueueReconciliation,
				Consumer:    cfg.WorkerID,
				Concurrency: 1,
				RetryDelay:  cfg.QueueRetryDelay,
				StallAfter:  cfg.QueueStallAfter,
			},
		} {
			w.consumers = append(w.consumers, queue.NewConsumer(deps.Redis, deps.Producer, handler, cc, zlog))
		}
	} else {
		logger.Warn("queue broker not available, running ingestion without consumers")
	}

	return w, cleanup, nil
}

// Start runs everything and blocks until Stop.
func (w *Worker) Start() {
	for _, c := range w.consumers {
		consumer := c
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := consumer.Run(w.ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.zlog.Error().Err(err).Msg("queue consumer stopped")
			}
		}()
	}

	if w.deps.Categorizer != nil {
		w.deps.Categorizer.Start(w.ctx)
	}

	if w.deps.Config.AutoStartReconciliation {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.deps.Reconciler.Run(w.ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.zlog.Error().Err(err).Msg("reconciliation loop stopped")
			}
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.deps.Supervisor.Start(w.ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.zlog.Error().Err(err).Msg("ingestion supervisor stopped")
		}
	}()

	logger.Info("worker started: %d consumers", len(w.consumers))
	<-w.ctx.Done()
}

func (w *Worker) Stop() {
	w.cancel()
	if w.deps.Categorizer != nil {
		w.deps.Categorizer.Stop()
	}
	w.wg.Wait()
}

func (w *Worker) Dependencies() *Dependencies {
	return w.deps
}
