// Command forwarder runs the commit-log-paced post-process forwarder: it
// consumes the event stream no faster than the remote storage consumer
// commits it and dispatches post_process_group tasks to the worker queue.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/fairyhunter13/eventpipe/internal/adapter/observability"
	asynqadp "github.com/fairyhunter13/eventpipe/internal/adapter/queue/asynq"
	"github.com/fairyhunter13/eventpipe/internal/adapter/queue/kafka"
	"github.com/fairyhunter13/eventpipe/internal/config"
	"github.com/fairyhunter13/eventpipe/internal/policy"
)

func main() {
	app := &cli.App{
		Name:  "forwarder",
		Usage: "consume the event stream and dispatch post-processing tasks",
		Commands: []*cli.Command{{
			Name:  "run",
			Usage: "run one forwarder instance",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "entity",
					Usage: "which messages to forward: all, errors or transactions",
					Value: config.EntityErrors,
				},
				&cli.StringFlag{
					Name:  "topic",
					Usage: "data topic to consume (defaults from the entity)",
				},
				&cli.StringFlag{
					Name:  "consumer-group",
					Usage: "override CONSUMER_GROUP",
				},
				&cli.StringFlag{
					Name:  "synchronize-commit-group",
					Usage: "override SYNCHRONIZE_COMMIT_GROUP",
				},
				&cli.StringFlag{
					Name:  "commit-log-topic",
					Usage: "override COMMIT_LOG_TOPIC",
				},
				&cli.IntFlag{
					Name:  "commit-batch-size",
					Usage: "override COMMIT_BATCH_SIZE",
				},
				&cli.DurationFlag{
					Name:  "commit-batch-timeout",
					Usage: "override COMMIT_BATCH_TIMEOUT",
				},
				&cli.StringFlag{
					Name:  "initial-offset-reset",
					Usage: "earliest or latest, applied when the group has no committed offset",
				},
				&cli.IntFlag{
					Name:  "concurrency",
					Usage: "override CONCURRENCY (in-flight dispatches per batch)",
				},
			},
			Action: run,
		}},
	}
	if err := app.Run(os.Args); err != nil {
		slog.Error("forwarder exited", slog.Any("error", err))
		os.Exit(1)
	}
}

// overlay applies CLI flag overrides on top of the environment config.
func overlay(c *cli.Context, cfg *config.Config) {
	if v := c.String("consumer-group"); v != "" {
		cfg.ConsumerGroup = v
	}
	if v := c.String("synchronize-commit-group"); v != "" {
		cfg.SynchronizeCommitGroup = v
	}
	if v := c.String("commit-log-topic"); v != "" {
		cfg.CommitLogTopic = v
	}
	if v := c.Int("commit-batch-size"); v > 0 {
		cfg.CommitBatchSize = v
	}
	if v := c.Duration("commit-batch-timeout"); v > 0 {
		cfg.CommitBatchTimeout = v
	}
	if v := c.String("initial-offset-reset"); v != "" {
		cfg.InitialOffsetReset = v
	}
	if v := c.Int("concurrency"); v > 0 {
		cfg.Concurrency = v
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	overlay(c, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, observability.OpsRouter()); err != nil {
			slog.Error("ops server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	entity := c.String("entity")
	topic := c.String("topic")
	if topic == "" {
		topic, err = cfg.DefaultTopicForEntity(entity)
		if err != nil {
			return err
		}
	}

	policies, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		return err
	}

	// Local runs create their own topics; deployed clusters manage them
	// out of band.
	if cfg.IsDev() {
		bootstrapCtx, cancelBootstrap := context.WithTimeout(context.Background(), 30*time.Second)
		err := kafka.EnsureTopics(bootstrapCtx, cfg.KafkaBrokers, topic, cfg.CommitLogTopic)
		cancelBootstrap()
		if err != nil {
			return err
		}
	}

	tasks, err := asynqadp.New(cfg.RedisURL, asynqadp.QueueConfig{
		PostProcessQueue: cfg.PostProcessQueue,
		HardTimeLimit:    cfg.TaskHardTimeLimit,
		MaxRetry:         cfg.TaskMaxRetry,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tasks.Close() }()

	consumer, err := kafka.NewSynchronizedConsumer(kafka.SynchronizedConsumerConfig{
		Brokers:                cfg.KafkaBrokers,
		Topic:                  topic,
		Group:                  cfg.ConsumerGroup,
		SynchronizeCommitGroup: cfg.SynchronizeCommitGroup,
		CommitLogTopic:         cfg.CommitLogTopic,
		InitialOffsetReset:     cfg.InitialOffsetReset,
	})
	if err != nil {
		return err
	}
	defer consumer.Close()

	worker := kafka.NewForwarderWorker(kafka.ForwarderConfig{
		Entity:          entity,
		Concurrency:     cfg.Concurrency,
		EnqueueMaxTries: cfg.EnqueueBackoffMaxTries,
	}, tasks, policies)

	batching := kafka.NewBatchingConsumer[*kafka.Future](consumer, worker, kafka.BatchingConsumerConfig{
		MaxBatchSize:     cfg.CommitBatchSize,
		MaxBatchTime:     cfg.CommitBatchTimeout,
		CommitOnShutdown: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
		batching.SignalShutdown()
		// Second signal, or a stuck batch, forces exit.
		select {
		case <-sigCh:
		case <-time.After(30 * time.Second):
		}
		cancel()
	}()

	slog.Info("starting forwarder",
		slog.String("entity", entity),
		slog.String("topic", topic),
		slog.String("group", cfg.ConsumerGroup),
		slog.String("synchronize_commit_group", cfg.SynchronizeCommitGroup))

	return batching.Run(ctx)
}
