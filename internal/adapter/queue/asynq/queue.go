// Package asynqadp bridges the pipeline to the asynq task system. The
// forwarder and the post-process stages only enqueue here; execution, retry
// and time limits belong to the asynq server in worker.go.
package asynqadp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fairyhunter13/eventpipe/internal/adapter/observability"
	"github.com/fairyhunter13/eventpipe/internal/domain"
)

// Task type names. These are the wire contract with the worker processes;
// renaming one orphans every task already queued under the old name.
const (
	TaskPostProcessGroup     = "post_process_group"
	TaskProcessCommitContext = "process_commit_context"
	TaskProcessSuspectCommit = "process_suspect_commits"
	TaskProcessServiceHook   = "process_service_hook"
	TaskProcessResourceBound = "process_resource_change_bound"
	TaskPluginPostProcess    = "plugin_post_process_group"
)

// QueueConfig carries the enqueue-side knobs.
type QueueConfig struct {
	// PostProcessQueue is the named queue post_process_group lands on.
	PostProcessQueue string
	// HardTimeLimit is the task's hard execution deadline.
	HardTimeLimit time.Duration
	MaxRetry      int
}

// Queue implements domain.TaskQueue on an asynq client.
type Queue struct {
	client *asynq.Client
	cfg    QueueConfig
}

// New parses the redis URI and builds the enqueue client.
func New(redisURL string, cfg QueueConfig) (*Queue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=asynqadp.New: redis: %w", err)
	}
	if cfg.PostProcessQueue == "" {
		cfg.PostProcessQueue = "post_process_errors"
	}
	if cfg.HardTimeLimit == 0 {
		cfg.HardTimeLimit = 120 * time.Second
	}
	if cfg.MaxRetry == 0 {
		cfg.MaxRetry = 3
	}
	return &Queue{client: asynq.NewClient(opt), cfg: cfg}, nil
}

func (q *Queue) enqueue(ctx context.Context, name string, payload any, opts ...asynq.Option) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=asynqadp.enqueue: marshal %s: %w", name, err)
	}
	if _, err := q.client.EnqueueContext(ctx, asynq.NewTask(name, b), opts...); err != nil {
		return fmt.Errorf("op=asynqadp.enqueue: %s: %w", name, err)
	}
	observability.EnqueueTask(name)
	return nil
}

// EnqueuePostProcessGroup dispatches the post-processing task for one event.
func (q *Queue) EnqueuePostProcessGroup(ctx context.Context, t domain.PostProcessGroupTask) error {
	return q.enqueue(ctx, TaskPostProcessGroup, t,
		asynq.Queue(q.cfg.PostProcessQueue),
		asynq.Timeout(q.cfg.HardTimeLimit),
		asynq.MaxRetry(q.cfg.MaxRetry),
	)
}

// EnqueueProcessCommitContext dispatches line-level commit attribution.
func (q *Queue) EnqueueProcessCommitContext(ctx context.Context, t domain.CommitDispatchTask) error {
	return q.enqueue(ctx, TaskProcessCommitContext, t, asynq.MaxRetry(q.cfg.MaxRetry))
}

// EnqueueProcessSuspectCommits dispatches release-based commit attribution.
func (q *Queue) EnqueueProcessSuspectCommits(ctx context.Context, t domain.CommitDispatchTask) error {
	return q.enqueue(ctx, TaskProcessSuspectCommit, t, asynq.MaxRetry(q.cfg.MaxRetry))
}

type serviceHookTask struct {
	HookID    int64  `json:"servicehook_id"`
	ProjectID int64  `json:"project_id"`
	EventID   string `json:"event_id"`
}

// EnqueueServiceHook dispatches one hook delivery.
func (q *Queue) EnqueueServiceHook(ctx context.Context, hookID, projectID int64, eventID string) error {
	return q.enqueue(ctx, TaskProcessServiceHook,
		serviceHookTask{HookID: hookID, ProjectID: projectID, EventID: eventID},
		asynq.MaxRetry(q.cfg.MaxRetry))
}

// EnqueueResourceChange dispatches a created-resource webhook notification.
func (q *Queue) EnqueueResourceChange(ctx context.Context, t domain.ResourceChangeTask) error {
	return q.enqueue(ctx, TaskProcessResourceBound, t, asynq.MaxRetry(q.cfg.MaxRetry))
}

// EnqueuePluginPostProcess dispatches one plugin's post-process hook.
func (q *Queue) EnqueuePluginPostProcess(ctx context.Context, t domain.PluginPostProcessTask) error {
	return q.enqueue(ctx, TaskPluginPostProcess, t, asynq.MaxRetry(q.cfg.MaxRetry))
}

// Close releases the underlying client.
func (q *Queue) Close() error { return q.client.Close() }
