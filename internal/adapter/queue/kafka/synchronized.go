package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"

	"github.com/fairyhunter13/eventpipe/internal/adapter/observability"
)

// RecordSource is the consumer surface the batching harness drives. Poll
// returns the next deliverable records, Commit persists one-past-highest
// offsets for the forwarder's own group.
type RecordSource interface {
	Poll(ctx context.Context) ([]*kgo.Record, error)
	Commit(ctx context.Context, offsets map[TopicPartition]int64) error
	Close()
}

// SynchronizedConsumerConfig configures a commit-log-paced consumer.
type SynchronizedConsumerConfig struct {
	Brokers []string
	Topic   string
	// Group is this consumer's own group, used for its committed offsets.
	Group string
	// SynchronizeCommitGroup is the remote group whose commit-log
	// announcements gate delivery.
	SynchronizeCommitGroup string
	CommitLogTopic         string
	// InitialOffsetReset is "earliest" or "latest", applied when the group
	// has no committed offset for a partition.
	InitialOffsetReset string

	pollTimeout time.Duration
}

// SynchronizedConsumer consumes the data topic no faster than a remote
// consumer group commits it. It tails the commit-log topic for that group's
// committed offsets and pauses any data partition whose local position has
// caught up with the remote one.
type SynchronizedConsumer struct {
	cfg   SynchronizedConsumerConfig
	data  *kgo.Client
	adm   *kadm.Client
	clog  *kgo.Client
	pacer *pacer

	mu      sync.Mutex
	pending map[TopicPartition]struct{}
}

// NewSynchronizedConsumer builds the data and commit-log clients. The data
// client starts with all assigned partitions paused; partitions only run once
// the commit log shows remote headroom.
func NewSynchronizedConsumer(cfg SynchronizedConsumerConfig) (*SynchronizedConsumer, error) {
	if cfg.pollTimeout == 0 {
		cfg.pollTimeout = time.Second
	}
	c := &SynchronizedConsumer{
		cfg:     cfg,
		pacer:   newPacer(),
		pending: make(map[TopicPartition]struct{}),
	}

	reset := kgo.NewOffset().AtEnd()
	if cfg.InitialOffsetReset == "earliest" {
		reset = kgo.NewOffset().AtStart()
	}

	tracer := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer()))
	data, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeResetOffset(reset),
		kgo.DisableAutoCommit(),
		kgo.WithHooks(tracer.Hooks()...),
		kgo.OnPartitionsAssigned(c.onAssigned),
		kgo.OnPartitionsRevoked(c.onRevoked),
		kgo.OnPartitionsLost(c.onRevoked),
	)
	if err != nil {
		return nil, fmt.Errorf("op=NewSynchronizedConsumer: data client: %w", err)
	}

	// The commit log is a broadcast topic: every consumer reads all of it
	// from the beginning, with no group membership.
	clog, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.CommitLogTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		data.Close()
		return nil, fmt.Errorf("op=NewSynchronizedConsumer: commit log client: %w", err)
	}

	c.data = data
	c.adm = kadm.NewClient(data)
	c.clog = clog
	return c, nil
}

func (c *SynchronizedConsumer) onAssigned(_ context.Context, cl *kgo.Client, assigned map[string][]int32) {
	// Newly assigned partitions stay paused until their starting offset is
	// resolved and the commit log shows headroom.
	cl.PauseFetchPartitions(assigned)
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, parts := range assigned {
		for _, part := range parts {
			c.pending[TopicPartition{Topic: topic, Partition: part}] = struct{}{}
		}
	}
}

func (c *SynchronizedConsumer) onRevoked(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, parts := range revoked {
		for _, part := range parts {
			tp := TopicPartition{Topic: topic, Partition: part}
			delete(c.pending, tp)
			c.pacer.Revoke(tp)
		}
	}
}

// resolvePending resolves the starting offset for freshly assigned
// partitions: the group's committed offset if it has one, otherwise the
// configured reset position.
func (c *SynchronizedConsumer) resolvePending(ctx context.Context) error {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil
	}
	pending := make([]TopicPartition, 0, len(c.pending))
	for tp := range c.pending {
		pending = append(pending, tp)
	}
	c.mu.Unlock()

	committed, err := c.adm.FetchOffsets(ctx, c.cfg.Group)
	if err != nil {
		return fmt.Errorf("op=SynchronizedConsumer.resolvePending: fetch offsets: %w", err)
	}
	var listed kadm.ListedOffsets
	if c.cfg.InitialOffsetReset == "earliest" {
		listed, err = c.adm.ListStartOffsets(ctx, c.cfg.Topic)
	} else {
		listed, err = c.adm.ListEndOffsets(ctx, c.cfg.Topic)
	}
	if err != nil {
		return fmt.Errorf("op=SynchronizedConsumer.resolvePending: list offsets: %w", err)
	}

	for _, tp := range pending {
		local := int64(-1)
		if o, ok := committed.Lookup(tp.Topic, tp.Partition); ok && o.At >= 0 {
			local = o.At
		} else if lo, ok := listed.Lookup(tp.Topic, tp.Partition); ok {
			local = lo.Offset
		}
		if local < 0 {
			continue
		}
		c.pacer.Assign(tp, local)
		c.mu.Lock()
		delete(c.pending, tp)
		c.mu.Unlock()
	}
	return nil
}

// drainCommitLog applies every commit-log announcement buffered since the
// last poll. Announcements for other groups and malformed records are
// skipped.
func (c *SynchronizedConsumer) drainCommitLog(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	fetches := c.clog.PollFetches(drainCtx)
	fetches.EachRecord(func(rec *kgo.Record) {
		entry, err := DecodeCommitLogRecord(rec.Value)
		if err != nil {
			slog.Warn("skipping malformed commit log record",
				slog.Int64("offset", rec.Offset),
				slog.Any("error", err))
			return
		}
		if entry.Group != c.cfg.SynchronizeCommitGroup {
			return
		}
		c.pacer.ObserveRemote(TopicPartition{Topic: entry.Topic, Partition: entry.Partition}, entry.Offset)
	})
}

func (c *SynchronizedConsumer) applyTransitions() {
	pause, resume := c.pacer.Transitions()
	if len(pause) > 0 {
		c.data.PauseFetchPartitions(groupByTopic(pause))
		observability.PartitionPauses.Add(float64(len(pause)))
	}
	if len(resume) > 0 {
		c.data.ResumeFetchPartitions(groupByTopic(resume))
		observability.PartitionResumes.Add(float64(len(resume)))
	}
	observability.PartitionsPaused.Set(float64(c.pacer.PausedCount()))
}

func groupByTopic(tps []TopicPartition) map[string][]int32 {
	m := make(map[string][]int32, 1)
	for _, tp := range tps {
		m[tp.Topic] = append(m[tp.Topic], tp.Partition)
	}
	return m
}

// Poll advances the commit log, recomputes pause state and returns the data
// records the remote group has already committed past. A record the remote
// group has not committed yet causes its partition to be rewound to that
// record and paused until the commit log catches up.
func (c *SynchronizedConsumer) Poll(ctx context.Context) ([]*kgo.Record, error) {
	if err := c.resolvePending(ctx); err != nil {
		slog.Warn("could not resolve starting offsets, will retry", slog.Any("error", err))
	}
	c.drainCommitLog(ctx)
	c.applyTransitions()

	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.pollTimeout)
	defer cancel()
	fetches := c.data.PollFetches(pollCtx)

	var fetchErr error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		fetchErr = fmt.Errorf("op=SynchronizedConsumer.Poll: topic=%s partition=%d: %w", topic, partition, err)
	})
	if fetchErr != nil {
		return nil, fetchErr
	}

	var out []*kgo.Record
	rewound := make(map[TopicPartition]bool)
	fetches.EachRecord(func(rec *kgo.Record) {
		tp := TopicPartition{Topic: rec.Topic, Partition: rec.Partition}
		if rewound[tp] || !c.pacer.Assigned(tp) {
			return
		}
		if !c.pacer.AllowDeliver(tp, rec.Offset) {
			// Raced ahead of the commit log: put the cursor back on this
			// record and stop the partition until remote headroom returns.
			c.data.SetOffsets(map[string]map[int32]kgo.EpochOffset{
				tp.Topic: {tp.Partition: {Offset: rec.Offset, Epoch: -1}},
			})
			c.data.PauseFetchPartitions(map[string][]int32{tp.Topic: {tp.Partition}})
			rewound[tp] = true
			return
		}
		c.pacer.ObserveLocal(tp, rec.Offset+1)
		out = append(out, rec)
	})
	return out, nil
}

// Commit synchronously commits the given one-past-highest offsets for the
// consumer's own group.
func (c *SynchronizedConsumer) Commit(ctx context.Context, offsets map[TopicPartition]int64) error {
	if len(offsets) == 0 {
		return nil
	}
	toCommit := make(map[string]map[int32]kgo.EpochOffset, 1)
	for tp, off := range offsets {
		if toCommit[tp.Topic] == nil {
			toCommit[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		toCommit[tp.Topic][tp.Partition] = kgo.EpochOffset{Offset: off, Epoch: -1}
	}

	var commitErr error
	c.data.CommitOffsetsSync(ctx, toCommit,
		func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
			if err != nil {
				commitErr = err
				return
			}
			for _, t := range resp.Topics {
				for _, p := range t.Partitions {
					if perr := kerr.ErrorForCode(p.ErrorCode); perr != nil {
						commitErr = fmt.Errorf("topic=%s partition=%d: %w", t.Topic, p.Partition, perr)
						return
					}
				}
			}
		})
	if commitErr != nil {
		return fmt.Errorf("op=SynchronizedConsumer.Commit: %w", commitErr)
	}
	return nil
}

// Close closes both clients. Committed offsets are the caller's
// responsibility via Commit before shutdown.
func (c *SynchronizedConsumer) Close() {
	c.clog.Close()
	c.data.Close()
}
