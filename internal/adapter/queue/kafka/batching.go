package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/eventpipe/internal/adapter/observability"
)

// BatchWorker turns records into batch items and flushes completed batches.
// ProcessMessage must be fast and non-blocking; anything slow belongs in
// FlushBatch or behind it. A false second return means the record produced no
// item but its offset is still owed.
type BatchWorker[T any] interface {
	ProcessMessage(ctx context.Context, rec *kgo.Record) (T, bool)
	FlushBatch(ctx context.Context, batch []T) error
}

// BatchingConsumerConfig bounds batch accumulation.
type BatchingConsumerConfig struct {
	// MaxBatchSize flushes once this many records have been seen since the
	// last flush, items and no-work records alike.
	MaxBatchSize int
	// MaxBatchTime flushes once the oldest record in the batch is this old.
	MaxBatchTime time.Duration
	// CommitOnShutdown commits the in-flight batch's offsets after the final
	// flush instead of abandoning them for redelivery.
	CommitOnShutdown bool
}

// BatchingConsumer drives a RecordSource through a BatchWorker: accumulate,
// flush on size or age, then commit one-past-highest per partition. Offsets
// are only committed after a successful flush, preserving at-least-once
// delivery.
type BatchingConsumer[T any] struct {
	source RecordSource
	worker BatchWorker[T]
	cfg    BatchingConsumerConfig

	shutdown atomic.Bool

	batch      []T
	seen       int
	batchStart time.Time
	offsets    map[TopicPartition]int64
}

// NewBatchingConsumer wires a worker onto a record source.
func NewBatchingConsumer[T any](source RecordSource, worker BatchWorker[T], cfg BatchingConsumerConfig) *BatchingConsumer[T] {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.MaxBatchTime <= 0 {
		cfg.MaxBatchTime = 5 * time.Second
	}
	return &BatchingConsumer[T]{
		source:  source,
		worker:  worker,
		cfg:     cfg,
		offsets: make(map[TopicPartition]int64),
	}
}

// SignalShutdown requests a graceful stop after the current poll cycle.
// Safe to call from a signal handler goroutine.
func (c *BatchingConsumer[T]) SignalShutdown() { c.shutdown.Store(true) }

// Run loops poll/process/flush until shutdown or a fatal error. A flush error
// is fatal: the batch's offsets were not committed, so the records will be
// redelivered after restart.
func (c *BatchingConsumer[T]) Run(ctx context.Context) error {
	defer c.source.Close()
	for !c.shutdown.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}
		recs, err := c.source.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("poll failed", slog.Any("error", err))
			continue
		}
		for _, rec := range recs {
			c.ingest(ctx, rec)
		}
		if c.shouldFlush() {
			if err := c.flush(ctx, true); err != nil {
				return err
			}
		}
	}

	// Without commit-on-shutdown the in-flight batch is abandoned: its
	// offsets were never committed, so the records are simply redelivered.
	if c.cfg.CommitOnShutdown {
		if err := c.flush(ctx, true); err != nil {
			return err
		}
	}
	slog.Info("batching consumer stopped", slog.Int("abandoned", c.seen))
	return nil
}

func (c *BatchingConsumer[T]) ingest(ctx context.Context, rec *kgo.Record) {
	observability.MessagesConsumedTotal.WithLabelValues(rec.Topic).Inc()
	observability.MessageSizeBytes.Observe(float64(len(rec.Value)))
	if c.seen == 0 {
		c.batchStart = time.Now()
	}
	c.seen++
	tp := TopicPartition{Topic: rec.Topic, Partition: rec.Partition}
	if cur, ok := c.offsets[tp]; !ok || rec.Offset > cur {
		c.offsets[tp] = rec.Offset
	}
	if item, ok := c.worker.ProcessMessage(ctx, rec); ok {
		c.batch = append(c.batch, item)
	}
}

func (c *BatchingConsumer[T]) shouldFlush() bool {
	if c.seen == 0 {
		return false
	}
	return c.seen >= c.cfg.MaxBatchSize || time.Since(c.batchStart) >= c.cfg.MaxBatchTime
}

// flush completes the current batch and, when commit is set, commits
// one-past-highest offsets for every partition seen since the last flush.
func (c *BatchingConsumer[T]) flush(ctx context.Context, commit bool) error {
	if c.seen == 0 {
		return nil
	}
	if len(c.batch) > 0 {
		start := time.Now()
		if err := c.worker.FlushBatch(ctx, c.batch); err != nil {
			return fmt.Errorf("op=BatchingConsumer.flush: %w", err)
		}
		observability.BatchFlushDuration.Observe(time.Since(start).Seconds())
		observability.BatchSize.Observe(float64(len(c.batch)))
	}
	observability.BatchesFlushedTotal.Inc()

	if commit {
		toCommit := make(map[TopicPartition]int64, len(c.offsets))
		for tp, off := range c.offsets {
			toCommit[tp] = off + 1
		}
		if err := c.source.Commit(ctx, toCommit); err != nil {
			return fmt.Errorf("op=BatchingConsumer.flush: commit: %w", err)
		}
	}

	c.batch = nil
	c.seen = 0
	c.offsets = make(map[TopicPartition]int64)
	return nil
}
