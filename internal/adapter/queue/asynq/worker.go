package asynqadp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/eventpipe/internal/adapter/observability"
	"github.com/fairyhunter13/eventpipe/internal/domain"
)

// Processor consumes one post_process_group task.
type Processor interface {
	Process(ctx context.Context, t domain.PostProcessGroupTask) error
}

// WorkerConfig carries the execution-side knobs.
type WorkerConfig struct {
	Concurrency      int
	PostProcessQueue string
	// SoftTimeLimit logs a warning when a task runs past it; the hard limit
	// set at enqueue time is what actually cancels the task.
	SoftTimeLimit time.Duration
}

// Worker runs the asynq server that executes post_process_group tasks.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	cfg    WorkerConfig
}

// NewWorker builds the server and registers the task handlers.
func NewWorker(redisURL string, cfg WorkerConfig, proc Processor) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=asynqadp.NewWorker: redis: %w", err)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.PostProcessQueue == "" {
		cfg.PostProcessQueue = "post_process_errors"
	}
	if cfg.SoftTimeLimit == 0 {
		cfg.SoftTimeLimit = 110 * time.Second
	}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{cfg.PostProcessQueue: 1},
	})
	mux := asynq.NewServeMux()
	w := &Worker{server: srv, mux: mux, cfg: cfg}
	mux.HandleFunc(TaskPostProcessGroup, w.handlePostProcessGroup(proc))
	return w, nil
}

func (w *Worker) handlePostProcessGroup(proc Processor) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracer := otel.Tracer("queue.worker")
		ctx, span := tracer.Start(ctx, "PostProcessGroup")
		defer span.End()

		var task domain.PostProcessGroupTask
		if err := json.Unmarshal(t.Payload(), &task); err != nil {
			return fmt.Errorf("op=Worker.handlePostProcessGroup: unmarshal: %w", err)
		}
		ctx = observability.ContextWithLogger(ctx, slog.Default().With(
			slog.String("task", TaskPostProcessGroup),
			slog.String("cache_key", task.CacheKey)))

		soft := time.AfterFunc(w.cfg.SoftTimeLimit, func() {
			slog.Warn("task exceeded soft time limit",
				slog.String("task", TaskPostProcessGroup),
				slog.String("cache_key", task.CacheKey),
				slog.Duration("soft_time_limit", w.cfg.SoftTimeLimit))
		})
		defer soft.Stop()

		return proc.Process(ctx, task)
	}
}

// Run blocks serving tasks until Shutdown.
func (w *Worker) Run() error {
	slog.Info("starting task worker",
		slog.Int("concurrency", w.cfg.Concurrency),
		slog.String("queue", w.cfg.PostProcessQueue))
	return w.server.Run(w.mux)
}

// Shutdown stops the server, waiting for in-flight tasks.
func (w *Worker) Shutdown() { w.server.Shutdown() }
