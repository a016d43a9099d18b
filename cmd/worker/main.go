// Command worker runs the post-processing task consumer: it pulls
// post_process_group tasks off the queue and drives the issue pipeline
// (snoozes, inbox, owners, rules, commits, hooks, plugins) against Postgres
// and Redis.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redisadp "github.com/fairyhunter13/eventpipe/internal/adapter/cache/redis"
	"github.com/fairyhunter13/eventpipe/internal/adapter/observability"
	asynqadp "github.com/fairyhunter13/eventpipe/internal/adapter/queue/asynq"
	"github.com/fairyhunter13/eventpipe/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/eventpipe/internal/config"
	"github.com/fairyhunter13/eventpipe/internal/domain"
	"github.com/fairyhunter13/eventpipe/internal/policy"
	"github.com/fairyhunter13/eventpipe/internal/postprocess"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
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

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	pool, err := postgres.NewPool(context.Background(), cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	rdb, err := redisadp.NewClient(cfg.RedisURL)
	if err != nil {
		slog.Error("redis connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	policies, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		slog.Error("policy load failed", slog.Any("error", err))
		os.Exit(1)
	}

	tasks, err := asynqadp.New(cfg.RedisURL, asynqadp.QueueConfig{
		PostProcessQueue: cfg.PostProcessQueue,
		HardTimeLimit:    cfg.TaskHardTimeLimit,
		MaxRetry:         cfg.TaskMaxRetry,
	})
	if err != nil {
		slog.Error("task queue setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = tasks.Close() }()

	pipeline := postprocess.New(postprocess.Deps{
		Store:       redisadp.NewProcessingStore(rdb),
		Cache:       redisadp.NewCache(rdb),
		Locks:       redisadp.NewLockManager(rdb),
		Tasks:       tasks,
		Groups:      postgres.NewGroupRepo(pool),
		Projects:    postgres.NewProjectRepo(pool),
		Orgs:        postgres.NewOrganizationRepo(pool),
		GroupOwners: postgres.NewGroupOwnerRepo(pool),
		Assignees:   postgres.NewGroupAssigneeRepo(pool),
		Ownership:   postprocess.NoopOwnershipResolver{},
		Snoozes:     postgres.NewSnoozeRepo(pool),
		Inbox:       postgres.NewInboxRepo(pool),
		History:     postgres.NewGroupHistoryRepo(pool),
		Activities:  postgres.NewActivityRepo(pool),
		Attachments: postgres.NewAttachmentRepo(pool),
		Commits:     postgres.NewCommitRepo(pool),
		Hooks:       postgres.NewServiceHookRepo(pool),
		Rules:       postprocess.NoopRuleProcessor{},
		Plugins:     postprocess.NoopPluginRegistry{},
		Similarity:  postprocess.NoopSimilarityIndex{},
		Features:    policies,
		Policy:      policies,
		Signals:     domain.NewSignalBus(),
		Now:         time.Now,
	})

	worker, err := asynqadp.NewWorker(cfg.RedisURL, asynqadp.WorkerConfig{
		Concurrency:      cfg.WorkerConcurrency,
		PostProcessQueue: cfg.PostProcessQueue,
		SoftTimeLimit:    cfg.TaskSoftTimeLimit,
	}, pipeline)
	if err != nil {
		slog.Error("worker setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
		worker.Shutdown()
	}()

	if err := worker.Run(); err != nil {
		slog.Error("worker run failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
